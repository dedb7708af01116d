package schema

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	uperrors "github.com/modelup/modelup/internal/errors"
)

// ParseError represents a parsing error with location information.
type ParseError struct {
	Message string
	Line    int
	Token   Token
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at line %d: %s (got %q)", e.Line, e.Message, e.Token.Literal)
}

// rawField is a field whose type name has not been resolved yet.
type rawField struct {
	field    *Field
	typeName string
	vector   bool
	deflt    string
	hasID    bool
	tok      Token
}

// Parser parses schema definition text into a Schema.
type Parser struct {
	lexer     *Lexer
	curToken  Token
	peekToken Token

	schema *Schema
	raw    map[*Table][]rawField
}

// NewParser creates a new Parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{
		lexer:  NewLexer(input),
		schema: &Schema{},
		raw:    make(map[*Table][]rawField),
	}
	// Read two tokens to initialize curToken and peekToken
	p.nextToken()
	p.nextToken()
	return p
}

// Parse parses and validates schema text. Failures are reported as
// INVALID_SCHEMA errors.
func Parse(input string) (*Schema, error) {
	s, err := NewParser(input).ParseSchema()
	if err != nil {
		return nil, uperrors.Wrap(uperrors.ErrCategoryCompat, uperrors.CodeInvalidSchema, "schema: invalid definition", err)
	}
	return s, nil
}

// ParseFile reads and parses a schema file.
func ParseFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, uperrors.NewConfigError("schema: cannot read "+path, err)
	}
	s, err := NewParser(string(data)).ParseSchema()
	if err != nil {
		return nil, uperrors.Wrap(uperrors.ErrCategoryCompat, uperrors.CodeInvalidSchema, "schema: invalid definition in "+path, err)
	}
	return s, nil
}

// MustParse is Parse for bundled schema texts known to be valid.
func MustParse(input string) *Schema {
	s, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return s
}

// nextToken advances to the next token.
func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.lexer.NextToken()
}

// curTokenIs checks if the current token is of the given type.
func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

func (p *Parser) errorf(format string, args ...interface{}) error {
	return &ParseError{
		Message: fmt.Sprintf(format, args...),
		Line:    p.curToken.Line,
		Token:   p.curToken,
	}
}

// expect consumes the current token if it matches, otherwise returns an error.
func (p *Parser) expect(t TokenType) (Token, error) {
	if !p.curTokenIs(t) {
		return p.curToken, p.errorf("expected %s", t.String())
	}
	tok := p.curToken
	p.nextToken()
	return tok, nil
}

// ParseSchema parses every declaration and resolves field types.
func (p *Parser) ParseSchema() (*Schema, error) {
	for !p.curTokenIs(TokenEOF) {
		var err error
		switch p.curToken.Type {
		case TokenNamespace:
			err = p.parseNamespace()
		case TokenFileIdentifier:
			err = p.parseFileIdentifier()
		case TokenRootType:
			err = p.parseRootType()
		case TokenEnum:
			err = p.parseEnum()
		case TokenUnion:
			err = p.parseUnion()
		case TokenTable:
			err = p.parseTable()
		case TokenError:
			err = p.errorf("unexpected character")
		default:
			err = p.errorf("expected declaration")
		}
		if err != nil {
			return nil, err
		}
	}

	p.schema.index()
	if err := p.resolve(); err != nil {
		return nil, err
	}
	if err := validate(p.schema); err != nil {
		return nil, err
	}
	return p.schema, nil
}

func (p *Parser) parseNamespace() error {
	p.nextToken()
	var parts []string
	for {
		tok, err := p.expect(TokenIdent)
		if err != nil {
			return err
		}
		parts = append(parts, tok.Literal)
		if !p.curTokenIs(TokenDot) {
			break
		}
		p.nextToken()
	}
	p.schema.Namespace = strings.Join(parts, ".")
	_, err := p.expect(TokenSemicolon)
	return err
}

func (p *Parser) parseFileIdentifier() error {
	p.nextToken()
	tok, err := p.expect(TokenString)
	if err != nil {
		return err
	}
	if len(tok.Literal) != 4 {
		return &ParseError{Message: "file_identifier must be exactly 4 bytes", Line: tok.Line, Token: tok}
	}
	p.schema.FileIdentifier = tok.Literal
	_, err = p.expect(TokenSemicolon)
	return err
}

func (p *Parser) parseRootType() error {
	p.nextToken()
	tok, err := p.expect(TokenIdent)
	if err != nil {
		return err
	}
	p.schema.RootType = tok.Literal
	_, err = p.expect(TokenSemicolon)
	return err
}

// parseEnum parses: enum Name : type { A = 0, B, C = 5 }
func (p *Parser) parseEnum() error {
	p.nextToken()
	name, err := p.expect(TokenIdent)
	if err != nil {
		return err
	}
	if _, err := p.expect(TokenColon); err != nil {
		return err
	}
	under, err := p.expect(TokenIdent)
	if err != nil {
		return err
	}
	base, ok := scalarAliases[under.Literal]
	if !ok || !base.IsInteger() {
		return &ParseError{Message: "enum underlying type must be an integer type", Line: under.Line, Token: under}
	}
	if _, err := p.expect(TokenLBrace); err != nil {
		return err
	}

	e := &Enum{Name: name.Literal, Underlying: base}
	next := int64(0)
	for !p.curTokenIs(TokenRBrace) {
		vname, err := p.expect(TokenIdent)
		if err != nil {
			return err
		}
		value := next
		if p.curTokenIs(TokenEq) {
			p.nextToken()
			num, err := p.expect(TokenNumber)
			if err != nil {
				return err
			}
			value, err = strconv.ParseInt(num.Literal, 0, 64)
			if err != nil {
				return &ParseError{Message: "invalid enum value", Line: num.Line, Token: num}
			}
		}
		e.Values = append(e.Values, EnumValue{Name: vname.Literal, Value: value})
		next = value + 1
		if p.curTokenIs(TokenComma) {
			p.nextToken()
		} else if !p.curTokenIs(TokenRBrace) {
			return p.errorf("expected , or }")
		}
	}
	p.nextToken()
	p.schema.Enums = append(p.schema.Enums, e)
	return nil
}

// parseUnion parses: union Name { TableA, TableB }
func (p *Parser) parseUnion() error {
	p.nextToken()
	name, err := p.expect(TokenIdent)
	if err != nil {
		return err
	}
	if _, err := p.expect(TokenLBrace); err != nil {
		return err
	}

	u := &Union{Name: name.Literal}
	tag := 1
	for !p.curTokenIs(TokenRBrace) {
		vname, err := p.expect(TokenIdent)
		if err != nil {
			return err
		}
		if p.curTokenIs(TokenEq) {
			p.nextToken()
			num, err := p.expect(TokenNumber)
			if err != nil {
				return err
			}
			tag, err = strconv.Atoi(num.Literal)
			if err != nil {
				return &ParseError{Message: "invalid union tag", Line: num.Line, Token: num}
			}
		}
		if tag < 1 || tag > 255 {
			return &ParseError{Message: "union tag must be in 1..255", Line: vname.Line, Token: vname}
		}
		u.Variants = append(u.Variants, UnionVariant{Name: vname.Literal, Tag: uint8(tag)})
		tag++
		if p.curTokenIs(TokenComma) {
			p.nextToken()
		} else if !p.curTokenIs(TokenRBrace) {
			return p.errorf("expected , or }")
		}
	}
	p.nextToken()
	p.schema.Unions = append(p.schema.Unions, u)
	return nil
}

// parseTable parses: table Name { field:type = default (id: N, deprecated); }
func (p *Parser) parseTable() error {
	p.nextToken()
	name, err := p.expect(TokenIdent)
	if err != nil {
		return err
	}
	if _, err := p.expect(TokenLBrace); err != nil {
		return err
	}

	t := &Table{Name: name.Literal}
	for !p.curTokenIs(TokenRBrace) {
		rf, err := p.parseField()
		if err != nil {
			return err
		}
		t.Fields = append(t.Fields, rf.field)
		p.raw[t] = append(p.raw[t], rf)
	}
	p.nextToken()
	p.schema.Tables = append(p.schema.Tables, t)
	return nil
}

func (p *Parser) parseField() (rawField, error) {
	name, err := p.expect(TokenIdent)
	if err != nil {
		return rawField{}, err
	}
	rf := rawField{field: &Field{Name: name.Literal}, tok: name}

	if _, err := p.expect(TokenColon); err != nil {
		return rawField{}, err
	}
	if p.curTokenIs(TokenLBracket) {
		p.nextToken()
		rf.vector = true
	}
	typeTok, err := p.expect(TokenIdent)
	if err != nil {
		return rawField{}, err
	}
	rf.typeName = typeTok.Literal
	if rf.vector {
		if _, err := p.expect(TokenRBracket); err != nil {
			return rawField{}, err
		}
	}

	if p.curTokenIs(TokenEq) {
		p.nextToken()
		if !p.curTokenIs(TokenNumber) && !p.curTokenIs(TokenIdent) {
			return rawField{}, p.errorf("expected default value")
		}
		rf.deflt = p.curToken.Literal
		p.nextToken()
	}

	if p.curTokenIs(TokenLParen) {
		p.nextToken()
		for !p.curTokenIs(TokenRParen) {
			attr, err := p.expect(TokenIdent)
			if err != nil {
				return rawField{}, err
			}
			switch attr.Literal {
			case "id":
				if _, err := p.expect(TokenColon); err != nil {
					return rawField{}, err
				}
				num, err := p.expect(TokenNumber)
				if err != nil {
					return rawField{}, err
				}
				id, err := strconv.ParseUint(num.Literal, 10, 16)
				if err != nil {
					return rawField{}, &ParseError{Message: "invalid field id", Line: num.Line, Token: num}
				}
				rf.field.ID = uint16(id)
				rf.hasID = true
			case "deprecated":
				rf.field.Deprecated = true
			default:
				return rawField{}, &ParseError{Message: "unknown attribute", Line: attr.Line, Token: attr}
			}
			if p.curTokenIs(TokenComma) {
				p.nextToken()
			} else if !p.curTokenIs(TokenRParen) {
				return rawField{}, p.errorf("expected , or )")
			}
		}
		p.nextToken()
	}

	if !rf.hasID {
		return rawField{}, &ParseError{Message: "field requires an explicit id attribute", Line: name.Line, Token: name}
	}
	if _, err := p.expect(TokenSemicolon); err != nil {
		return rawField{}, err
	}
	return rf, nil
}

// resolve turns raw type names into Types and encodes defaults.
func (p *Parser) resolve() error {
	for _, t := range p.schema.Tables {
		for _, rf := range p.raw[t] {
			typ, err := p.resolveType(rf)
			if err != nil {
				return err
			}
			rf.field.Type = typ

			if rf.deflt == "" {
				continue
			}
			if !typ.Base.IsScalar() {
				return &ParseError{Message: "only scalar fields may declare a default", Line: rf.tok.Line, Token: rf.tok}
			}
			bits, err := p.resolveDefault(typ, rf.deflt)
			if err != nil {
				return &ParseError{Message: err.Error(), Line: rf.tok.Line, Token: rf.tok}
			}
			rf.field.Default = bits
		}
	}
	return nil
}

func (p *Parser) resolveType(rf rawField) (Type, error) {
	s := p.schema
	fail := func(msg string) (Type, error) {
		return Type{}, &ParseError{Message: msg, Line: rf.tok.Line, Token: rf.tok}
	}

	var elem Type
	if base, ok := scalarAliases[rf.typeName]; ok {
		elem = Type{Base: base}
	} else if rf.typeName == "string" {
		elem = Type{Base: BaseString}
	} else {
		switch s.Kind(rf.typeName) {
		case DeclTable:
			elem = Type{Base: BaseTable, Ref: rf.typeName}
		case DeclUnion:
			elem = Type{Base: BaseUnion, Ref: rf.typeName}
		case DeclEnum:
			e, _ := s.Enum(rf.typeName)
			elem = Type{Base: e.Underlying, Ref: rf.typeName}
		default:
			return fail("undeclared type " + rf.typeName)
		}
	}

	if !rf.vector {
		if elem.Base == BaseUnion && rf.field.ID == 0 {
			return fail("union field id must be at least 1")
		}
		return elem, nil
	}
	if elem.Base == BaseUnion {
		return fail("vectors of unions are not supported")
	}
	return Type{Base: BaseVector, Elem: elem.Base, Ref: elem.Ref}, nil
}

func (p *Parser) resolveDefault(typ Type, literal string) (uint64, error) {
	if typ.IsEnum() {
		e, _ := p.schema.Enum(typ.Ref)
		if v, ok := e.ValueByName(literal); ok {
			return EncodeDefault(typ.Base, strconv.FormatInt(v, 10))
		}
	}
	return EncodeDefault(typ.Base, literal)
}

// validate checks cross-declaration invariants.
func validate(s *Schema) error {
	seen := make(map[string]bool)
	decl := func(name string) error {
		if seen[name] {
			return fmt.Errorf("duplicate declaration %s", name)
		}
		seen[name] = true
		return nil
	}
	for _, t := range s.Tables {
		if err := decl(t.Name); err != nil {
			return err
		}
	}
	for _, e := range s.Enums {
		if err := decl(e.Name); err != nil {
			return err
		}
		values := make(map[string]bool)
		for _, v := range e.Values {
			if values[v.Name] {
				return fmt.Errorf("enum %s: duplicate value %s", e.Name, v.Name)
			}
			values[v.Name] = true
			if _, err := EncodeDefault(e.Underlying, strconv.FormatInt(v.Value, 10)); err != nil {
				return fmt.Errorf("enum %s: value %s out of range for %s", e.Name, v.Name, e.Underlying)
			}
		}
	}
	for _, u := range s.Unions {
		if err := decl(u.Name); err != nil {
			return err
		}
		tags := make(map[uint8]bool)
		for _, v := range u.Variants {
			if s.Kind(v.Name) != DeclTable {
				return fmt.Errorf("union %s: variant %s is not a table", u.Name, v.Name)
			}
			if tags[v.Tag] {
				return fmt.Errorf("union %s: duplicate tag %d", u.Name, v.Tag)
			}
			tags[v.Tag] = true
		}
	}

	for _, t := range s.Tables {
		slots := make(map[int]string)
		names := make(map[string]bool)
		for _, f := range t.Fields {
			if names[f.Name] {
				return fmt.Errorf("table %s: duplicate field %s", t.Name, f.Name)
			}
			names[f.Name] = true
			claim := []int{f.Slot()}
			if f.Type.Base == BaseUnion {
				claim = append(claim, f.TypeSlot())
			}
			for _, slot := range claim {
				if other, ok := slots[slot]; ok {
					return fmt.Errorf("table %s: field %s reuses slot %d of %s", t.Name, f.Name, slot, other)
				}
				slots[slot] = f.Name
			}
		}
	}

	if s.RootType == "" {
		return fmt.Errorf("root_type is required")
	}
	if s.Kind(s.RootType) != DeclTable {
		return fmt.Errorf("root_type %s is not a table", s.RootType)
	}
	return nil
}
