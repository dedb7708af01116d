package schema

import (
	"fmt"
	"unicode"
)

// TokenType represents the type of a lexical token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError
	TokenIdent
	TokenNumber
	TokenString

	// Keywords
	TokenNamespace
	TokenTable
	TokenEnum
	TokenUnion
	TokenRootType
	TokenFileIdentifier

	// Punctuation
	TokenLBrace    // {
	TokenRBrace    // }
	TokenLParen    // (
	TokenRParen    // )
	TokenLBracket  // [
	TokenRBracket  // ]
	TokenColon     // :
	TokenSemicolon // ;
	TokenComma     // ,
	TokenEq        // =
	TokenDot       // .
)

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string
	Line    int
	Pos     int // Position in input
}

// String returns a string representation of the token.
func (t Token) String() string {
	return fmt.Sprintf("Token{%s, %q, %d:%d}", t.Type.String(), t.Literal, t.Line, t.Pos)
}

// String returns the string representation of a TokenType.
func (t TokenType) String() string {
	switch t {
	case TokenEOF:
		return "EOF"
	case TokenError:
		return "ERROR"
	case TokenIdent:
		return "IDENT"
	case TokenNumber:
		return "NUMBER"
	case TokenString:
		return "STRING"
	case TokenNamespace:
		return "namespace"
	case TokenTable:
		return "table"
	case TokenEnum:
		return "enum"
	case TokenUnion:
		return "union"
	case TokenRootType:
		return "root_type"
	case TokenFileIdentifier:
		return "file_identifier"
	case TokenLBrace:
		return "{"
	case TokenRBrace:
		return "}"
	case TokenLParen:
		return "("
	case TokenRParen:
		return ")"
	case TokenLBracket:
		return "["
	case TokenRBracket:
		return "]"
	case TokenColon:
		return ":"
	case TokenSemicolon:
		return ";"
	case TokenComma:
		return ","
	case TokenEq:
		return "="
	case TokenDot:
		return "."
	default:
		return "UNKNOWN"
	}
}

// keywords maps schema keywords to their token types. Keywords are case
// sensitive, unlike SQL.
var keywords = map[string]TokenType{
	"namespace":       TokenNamespace,
	"table":           TokenTable,
	"enum":            TokenEnum,
	"union":           TokenUnion,
	"root_type":       TokenRootType,
	"file_identifier": TokenFileIdentifier,
}

// Lexer tokenizes schema definition text.
type Lexer struct {
	input   string
	pos     int  // Current position in input
	readPos int  // Reading position (after current char)
	ch      byte // Current character
	line    int
}

// NewLexer creates a new Lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{input: input, line: 1}
	l.readChar()
	return l
}

// readChar reads the next character and advances the position.
func (l *Lexer) readChar() {
	if l.ch == '\n' {
		l.line++
	}
	if l.readPos >= len(l.input) {
		l.ch = 0 // EOF
	} else {
		l.ch = l.input[l.readPos]
	}
	l.pos = l.readPos
	l.readPos++
}

// peekChar returns the next character without advancing.
func (l *Lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

// skipWhitespace skips whitespace and line comments.
func (l *Lexer) skipWhitespace() {
	for {
		switch {
		case l.ch == ' ' || l.ch == '\t' || l.ch == '\n' || l.ch == '\r':
			l.readChar()
		case l.ch == '/' && l.peekChar() == '/':
			for l.ch != '\n' && l.ch != 0 {
				l.readChar()
			}
		default:
			return
		}
	}
}

// NextToken returns the next token from the input.
func (l *Lexer) NextToken() Token {
	l.skipWhitespace()

	startPos := l.pos
	line := l.line
	var tok Token

	switch l.ch {
	case '{':
		tok = Token{Type: TokenLBrace, Literal: "{"}
	case '}':
		tok = Token{Type: TokenRBrace, Literal: "}"}
	case '(':
		tok = Token{Type: TokenLParen, Literal: "("}
	case ')':
		tok = Token{Type: TokenRParen, Literal: ")"}
	case '[':
		tok = Token{Type: TokenLBracket, Literal: "["}
	case ']':
		tok = Token{Type: TokenRBracket, Literal: "]"}
	case ':':
		tok = Token{Type: TokenColon, Literal: ":"}
	case ';':
		tok = Token{Type: TokenSemicolon, Literal: ";"}
	case ',':
		tok = Token{Type: TokenComma, Literal: ","}
	case '=':
		tok = Token{Type: TokenEq, Literal: "="}
	case '.':
		tok = Token{Type: TokenDot, Literal: "."}
	case '"':
		tok = l.readString()
	case 0:
		tok = Token{Type: TokenEOF, Literal: ""}
	default:
		if isLetter(l.ch) || l.ch == '_' {
			return l.readIdentifier()
		} else if isDigit(l.ch) || ((l.ch == '-' || l.ch == '+') && isDigit(l.peekChar())) {
			return l.readNumber()
		} else {
			tok = Token{Type: TokenError, Literal: string(l.ch)}
		}
	}
	tok.Pos = startPos
	tok.Line = line

	l.readChar()
	return tok
}

// readIdentifier reads an identifier or keyword.
func (l *Lexer) readIdentifier() Token {
	startPos := l.pos
	line := l.line
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' {
		l.readChar()
	}
	literal := l.input[startPos:l.pos]

	if tokType, ok := keywords[literal]; ok {
		return Token{Type: tokType, Literal: literal, Line: line, Pos: startPos}
	}

	return Token{Type: TokenIdent, Literal: literal, Line: line, Pos: startPos}
}

// readNumber reads an integer, hex or decimal literal with optional sign.
func (l *Lexer) readNumber() Token {
	startPos := l.pos
	line := l.line
	if l.ch == '-' || l.ch == '+' {
		l.readChar()
	}
	for isDigit(l.ch) || isLetter(l.ch) || l.ch == '.' {
		l.readChar()
	}
	return Token{Type: TokenNumber, Literal: l.input[startPos:l.pos], Line: line, Pos: startPos}
}

// readString reads a string literal enclosed in double quotes.
func (l *Lexer) readString() Token {
	startPos := l.pos
	l.readChar() // Skip opening quote
	start := l.pos

	for l.ch != '"' && l.ch != 0 && l.ch != '\n' {
		l.readChar()
	}

	if l.ch != '"' {
		return Token{Type: TokenError, Literal: "unterminated string", Pos: startPos}
	}

	// The closing quote is consumed by NextToken.
	return Token{Type: TokenString, Literal: l.input[start:l.pos], Pos: startPos}
}

// Tokenize returns all tokens from the input.
func (l *Lexer) Tokenize() []Token {
	var tokens []Token
	for {
		tok := l.NextToken()
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF || tok.Type == TokenError {
			break
		}
	}
	return tokens
}

// isLetter returns true if the character is a letter.
func isLetter(ch byte) bool {
	return unicode.IsLetter(rune(ch))
}

// isDigit returns true if the character is a digit.
func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
