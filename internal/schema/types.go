// Package schema describes the table/field layout of one binary format
// revision and parses it from schema definition text.
package schema

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// BaseType is the wire-level kind of a field or vector element.
type BaseType uint8

const (
	BaseNone BaseType = iota
	BaseBool
	BaseByte
	BaseUByte
	BaseShort
	BaseUShort
	BaseInt
	BaseUInt
	BaseLong
	BaseULong
	BaseFloat
	BaseDouble
	BaseString
	BaseVector
	BaseTable
	BaseUnion
)

var baseTypeNames = map[BaseType]string{
	BaseNone:   "none",
	BaseBool:   "bool",
	BaseByte:   "byte",
	BaseUByte:  "ubyte",
	BaseShort:  "short",
	BaseUShort: "ushort",
	BaseInt:    "int",
	BaseUInt:   "uint",
	BaseLong:   "long",
	BaseULong:  "ulong",
	BaseFloat:  "float",
	BaseDouble: "double",
	BaseString: "string",
	BaseVector: "vector",
	BaseTable:  "table",
	BaseUnion:  "union",
}

// scalarAliases maps every scalar spelling accepted in schema text.
var scalarAliases = map[string]BaseType{
	"bool":    BaseBool,
	"byte":    BaseByte,
	"int8":    BaseByte,
	"ubyte":   BaseUByte,
	"uint8":   BaseUByte,
	"short":   BaseShort,
	"int16":   BaseShort,
	"ushort":  BaseUShort,
	"uint16":  BaseUShort,
	"int":     BaseInt,
	"int32":   BaseInt,
	"uint":    BaseUInt,
	"uint32":  BaseUInt,
	"long":    BaseLong,
	"int64":   BaseLong,
	"ulong":   BaseULong,
	"uint64":  BaseULong,
	"float":   BaseFloat,
	"float32": BaseFloat,
	"double":  BaseDouble,
	"float64": BaseDouble,
}

func (b BaseType) String() string {
	if name, ok := baseTypeNames[b]; ok {
		return name
	}
	return "BaseType(" + strconv.Itoa(int(b)) + ")"
}

// IsScalar reports whether values of this type are stored inline.
func (b BaseType) IsScalar() bool {
	return b >= BaseBool && b <= BaseDouble
}

// IsInteger reports whether b is a fixed-width integer type.
func (b BaseType) IsInteger() bool {
	return b >= BaseByte && b <= BaseULong
}

// IsSigned reports whether b is a signed integer type.
func (b BaseType) IsSigned() bool {
	switch b {
	case BaseByte, BaseShort, BaseInt, BaseLong:
		return true
	}
	return false
}

// IsFloat reports whether b is a floating point type.
func (b BaseType) IsFloat() bool {
	return b == BaseFloat || b == BaseDouble
}

// Size returns the inline width in bytes. Offset-typed values are 4 bytes.
func (b BaseType) Size() int {
	switch b {
	case BaseBool, BaseByte, BaseUByte:
		return 1
	case BaseShort, BaseUShort:
		return 2
	case BaseInt, BaseUInt, BaseFloat:
		return 4
	case BaseLong, BaseULong, BaseDouble:
		return 8
	case BaseString, BaseVector, BaseTable, BaseUnion:
		return 4
	default:
		return 0
	}
}

// Type is the declared type of a field.
type Type struct {
	Base BaseType
	// Elem is the element type when Base is BaseVector.
	Elem BaseType
	// Ref names the table, union or enum this type refers to.
	Ref string
}

// IsEnum reports whether the type is a scalar constrained by an enum.
func (t Type) IsEnum() bool {
	return t.Base.IsScalar() && t.Ref != ""
}

func (t Type) String() string {
	switch t.Base {
	case BaseVector:
		if t.Ref != "" {
			return "[" + t.Ref + "]"
		}
		return "[" + t.Elem.String() + "]"
	case BaseTable, BaseUnion:
		return t.Ref
	default:
		if t.Ref != "" {
			return t.Ref
		}
		return t.Base.String()
	}
}

// Field is a single field declaration inside a table.
type Field struct {
	Name string
	ID   uint16
	Type Type
	// Default holds the declared default for scalar fields, encoded the same
	// way graph scalars are: sign-extended integers, IEEE bits for floats.
	Default    uint64
	Deprecated bool
}

// Slot returns the vtable slot holding the field value.
func (f *Field) Slot() int {
	return int(f.ID)
}

// TypeSlot returns the vtable slot of a union field's discriminant.
func (f *Field) TypeSlot() int {
	return int(f.ID) - 1
}

// Table is a table declaration.
type Table struct {
	Name   string
	Fields []*Field

	byID   map[uint16]*Field
	byName map[string]*Field
}

// FieldByID returns the field declared with id.
func (t *Table) FieldByID(id uint16) (*Field, bool) {
	f, ok := t.byID[id]
	return f, ok
}

// FieldByName returns the field declared with name.
func (t *Table) FieldByName(name string) (*Field, bool) {
	f, ok := t.byName[name]
	return f, ok
}

// SlotCount returns the number of vtable slots needed to hold every field.
func (t *Table) SlotCount() int {
	n := 0
	for _, f := range t.Fields {
		if f.Slot()+1 > n {
			n = f.Slot() + 1
		}
	}
	return n
}

// OwnsSlot reports whether slot belongs to a declared field, including the
// discriminant slot of union fields.
func (t *Table) OwnsSlot(slot int) bool {
	for _, f := range t.Fields {
		if f.Slot() == slot || (f.Type.Base == BaseUnion && f.TypeSlot() == slot) {
			return true
		}
	}
	return false
}

func (t *Table) index() {
	t.byID = make(map[uint16]*Field, len(t.Fields))
	t.byName = make(map[string]*Field, len(t.Fields))
	for _, f := range t.Fields {
		t.byID[f.ID] = f
		t.byName[f.Name] = f
	}
}

// EnumValue is a named enum constant.
type EnumValue struct {
	Name  string
	Value int64
}

// Enum is an enum declaration over an integer type.
type Enum struct {
	Name       string
	Underlying BaseType
	Values     []EnumValue
}

// ValueByName returns the constant declared with name.
func (e *Enum) ValueByName(name string) (int64, bool) {
	for _, v := range e.Values {
		if v.Name == name {
			return v.Value, true
		}
	}
	return 0, false
}

// NameOf returns the name of a constant value.
func (e *Enum) NameOf(value int64) (string, bool) {
	for _, v := range e.Values {
		if v.Value == value {
			return v.Name, true
		}
	}
	return "", false
}

// UnionVariant is one member table of a union with its discriminant tag.
type UnionVariant struct {
	Name string
	Tag  uint8
}

// Union is a union declaration. Tag 0 is reserved for NONE.
type Union struct {
	Name     string
	Variants []UnionVariant
}

// VariantByTag returns the variant with discriminant tag.
func (u *Union) VariantByTag(tag uint8) (UnionVariant, bool) {
	for _, v := range u.Variants {
		if v.Tag == tag {
			return v, true
		}
	}
	return UnionVariant{}, false
}

// VariantByName returns the variant wrapping table name.
func (u *Union) VariantByName(name string) (UnionVariant, bool) {
	for _, v := range u.Variants {
		if v.Name == name {
			return v, true
		}
	}
	return UnionVariant{}, false
}

// DeclKind identifies what a top-level name declares.
type DeclKind int

const (
	DeclNone DeclKind = iota
	DeclTable
	DeclEnum
	DeclUnion
)

func (k DeclKind) String() string {
	switch k {
	case DeclTable:
		return "table"
	case DeclEnum:
		return "enum"
	case DeclUnion:
		return "union"
	default:
		return "undeclared"
	}
}

// Schema is one complete schema definition.
type Schema struct {
	Namespace      string
	FileIdentifier string
	RootType       string
	Tables         []*Table
	Enums          []*Enum
	Unions         []*Union

	tables map[string]*Table
	enums  map[string]*Enum
	unions map[string]*Union
}

// Table returns the table declared with name.
func (s *Schema) Table(name string) (*Table, bool) {
	t, ok := s.tables[name]
	return t, ok
}

// Enum returns the enum declared with name.
func (s *Schema) Enum(name string) (*Enum, bool) {
	e, ok := s.enums[name]
	return e, ok
}

// Union returns the union declared with name.
func (s *Schema) Union(name string) (*Union, bool) {
	u, ok := s.unions[name]
	return u, ok
}

// Root returns the root table.
func (s *Schema) Root() *Table {
	return s.tables[s.RootType]
}

// Kind reports what name declares in this schema.
func (s *Schema) Kind(name string) DeclKind {
	if _, ok := s.tables[name]; ok {
		return DeclTable
	}
	if _, ok := s.enums[name]; ok {
		return DeclEnum
	}
	if _, ok := s.unions[name]; ok {
		return DeclUnion
	}
	return DeclNone
}

// TableNames returns table names in declaration order.
func (s *Schema) TableNames() []string {
	names := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		names[i] = t.Name
	}
	return names
}

func (s *Schema) index() {
	s.tables = make(map[string]*Table, len(s.Tables))
	s.enums = make(map[string]*Enum, len(s.Enums))
	s.unions = make(map[string]*Union, len(s.Unions))
	for _, t := range s.Tables {
		t.index()
		s.tables[t.Name] = t
	}
	for _, e := range s.Enums {
		s.enums[e.Name] = e
	}
	for _, u := range s.Unions {
		s.unions[u.Name] = u
	}
}

// sortedFields returns fields ordered by id.
func sortedFields(fields []*Field) []*Field {
	out := make([]*Field, len(fields))
	copy(out, fields)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EncodeDefault converts a literal default into the bit encoding used by
// Field.Default for base type b.
func EncodeDefault(b BaseType, literal string) (uint64, error) {
	switch {
	case b == BaseBool:
		switch literal {
		case "true", "1":
			return 1, nil
		case "false", "0":
			return 0, nil
		}
		return 0, fmt.Errorf("invalid bool default %q", literal)
	case b.IsSigned():
		v, err := strconv.ParseInt(literal, 0, b.Size()*8)
		if err != nil {
			return 0, fmt.Errorf("invalid %s default %q: %w", b, literal, err)
		}
		return uint64(v), nil
	case b.IsInteger():
		v, err := strconv.ParseUint(literal, 0, b.Size()*8)
		if err != nil {
			return 0, fmt.Errorf("invalid %s default %q: %w", b, literal, err)
		}
		return v, nil
	case b == BaseFloat:
		v, err := strconv.ParseFloat(literal, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid float default %q: %w", literal, err)
		}
		return uint64(math.Float32bits(float32(v))), nil
	case b == BaseDouble:
		v, err := strconv.ParseFloat(literal, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid double default %q: %w", literal, err)
		}
		return math.Float64bits(v), nil
	}
	return 0, fmt.Errorf("type %s cannot have a default", b)
}

// FormatDefault renders an encoded default back to literal form.
func FormatDefault(b BaseType, bits uint64) string {
	switch {
	case b == BaseBool:
		if bits != 0 {
			return "true"
		}
		return "false"
	case b.IsSigned():
		return strconv.FormatInt(int64(bits), 10)
	case b.IsInteger():
		return strconv.FormatUint(bits, 10)
	case b == BaseFloat:
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(bits))), 'g', -1, 32)
	case b == BaseDouble:
		return strconv.FormatFloat(math.Float64frombits(bits), 'g', -1, 64)
	}
	return ""
}
