// Package graph provides the version-agnostic in-memory tree that sits
// between the codec reader and writer. Tables are keyed by field id, never
// by field name, so a graph survives field renames unchanged.
package graph

import (
	"bytes"
	"math"
	"sort"

	"github.com/modelup/modelup/internal/schema"
)

// Kind tags the variant of a Node.
type Kind uint8

const (
	KindNull Kind = iota
	KindScalar
	KindString
	KindVector
	KindTable
	KindUnion
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindString:
		return "string"
	case KindVector:
		return "vector"
	case KindTable:
		return "table"
	case KindUnion:
		return "union"
	default:
		return "null"
	}
}

// Node is one value in the object graph.
type Node interface {
	Kind() Kind
	Clone() Node
}

// Null is an explicitly absent value.
type Null struct{}

func (Null) Kind() Kind    { return KindNull }
func (n Null) Clone() Node { return n }

// Scalar is a fixed-width value. Bits holds integers sign-extended to 64
// bits (signed types) or zero-extended (unsigned types), and IEEE-754 bits
// for floats.
type Scalar struct {
	Type schema.BaseType
	Bits uint64
}

func (*Scalar) Kind() Kind { return KindScalar }

func (s *Scalar) Clone() Node {
	cp := *s
	return &cp
}

// Int returns the value of a signed or unsigned integer scalar.
func (s *Scalar) Int() int64 { return int64(s.Bits) }

// Uint returns the value as an unsigned integer.
func (s *Scalar) Uint() uint64 { return s.Bits }

// Float returns the value of a float or double scalar.
func (s *Scalar) Float() float64 {
	if s.Type == schema.BaseFloat {
		return float64(math.Float32frombits(uint32(s.Bits)))
	}
	return math.Float64frombits(s.Bits)
}

// Bool returns the value of a bool scalar.
func (s *Scalar) Bool() bool { return s.Bits != 0 }

// FromBits builds a scalar of type b from a raw little-endian load,
// normalizing integer bits to the Scalar encoding.
func FromBits(b schema.BaseType, raw uint64) *Scalar {
	switch b {
	case schema.BaseBool:
		if raw&0xFF != 0 {
			raw = 1
		} else {
			raw = 0
		}
	case schema.BaseByte:
		raw = uint64(int64(int8(raw)))
	case schema.BaseUByte:
		raw = uint64(uint8(raw))
	case schema.BaseShort:
		raw = uint64(int64(int16(raw)))
	case schema.BaseUShort:
		raw = uint64(uint16(raw))
	case schema.BaseInt:
		raw = uint64(int64(int32(raw)))
	case schema.BaseUInt, schema.BaseFloat:
		raw = uint64(uint32(raw))
	}
	return &Scalar{Type: b, Bits: raw}
}

func Bool(v bool) *Scalar {
	if v {
		return &Scalar{Type: schema.BaseBool, Bits: 1}
	}
	return &Scalar{Type: schema.BaseBool}
}

func Int8(v int8) *Scalar     { return &Scalar{Type: schema.BaseByte, Bits: uint64(int64(v))} }
func Uint8(v uint8) *Scalar   { return &Scalar{Type: schema.BaseUByte, Bits: uint64(v)} }
func Int16(v int16) *Scalar   { return &Scalar{Type: schema.BaseShort, Bits: uint64(int64(v))} }
func Uint16(v uint16) *Scalar { return &Scalar{Type: schema.BaseUShort, Bits: uint64(v)} }
func Int32(v int32) *Scalar   { return &Scalar{Type: schema.BaseInt, Bits: uint64(int64(v))} }
func Uint32(v uint32) *Scalar { return &Scalar{Type: schema.BaseUInt, Bits: uint64(v)} }
func Int64(v int64) *Scalar   { return &Scalar{Type: schema.BaseLong, Bits: uint64(v)} }
func Uint64(v uint64) *Scalar { return &Scalar{Type: schema.BaseULong, Bits: v} }

func Float32(v float32) *Scalar {
	return &Scalar{Type: schema.BaseFloat, Bits: uint64(math.Float32bits(v))}
}

func Float64(v float64) *Scalar {
	return &Scalar{Type: schema.BaseDouble, Bits: math.Float64bits(v)}
}

// Default returns the declared default of a scalar field.
func Default(f *schema.Field) *Scalar {
	return FromBits(f.Type.Base, f.Default)
}

// String is a byte string value.
type String struct {
	Value []byte
}

func (*String) Kind() Kind { return KindString }

func (s *String) Clone() Node {
	return &String{Value: append([]byte(nil), s.Value...)}
}

// Str builds a String node.
func Str(v string) *String { return &String{Value: []byte(v)} }

// Vector is an ordered sequence of nodes sharing element type Elem.
type Vector struct {
	Elem  schema.BaseType
	Items []Node
}

func (*Vector) Kind() Kind { return KindVector }

func (v *Vector) Clone() Node {
	items := make([]Node, len(v.Items))
	for i, item := range v.Items {
		items[i] = CloneNode(item)
	}
	return &Vector{Elem: v.Elem, Items: items}
}

// Len returns the number of items.
func (v *Vector) Len() int { return len(v.Items) }

// Int32s builds a vector of int scalars.
func Int32s(values ...int32) *Vector {
	v := &Vector{Elem: schema.BaseInt, Items: make([]Node, len(values))}
	for i, x := range values {
		v.Items[i] = Int32(x)
	}
	return v
}

// Bytes builds a vector of ubyte scalars.
func Bytes(data []byte) *Vector {
	v := &Vector{Elem: schema.BaseUByte, Items: make([]Node, len(data))}
	for i, x := range data {
		v.Items[i] = Uint8(x)
	}
	return v
}

// Tables builds a vector of tables.
func Tables(tables ...*Table) *Vector {
	v := &Vector{Elem: schema.BaseTable, Items: make([]Node, len(tables))}
	for i, t := range tables {
		v.Items[i] = t
	}
	return v
}

// ByteSlice returns the contents of a ubyte/byte vector.
func (v *Vector) ByteSlice() []byte {
	out := make([]byte, 0, len(v.Items))
	for _, item := range v.Items {
		if s, ok := item.(*Scalar); ok {
			out = append(out, byte(s.Bits))
		}
	}
	return out
}

// Table is a table instance. Fields holds decoded values by field id;
// Unknown holds the raw inline bytes of field ids the reading schema did
// not declare. Unknown payloads are never interpreted.
type Table struct {
	Name    string
	Fields  map[uint16]Node
	Unknown map[uint16][]byte
}

// NewTable creates an empty table node.
func NewTable(name string) *Table {
	return &Table{Name: name, Fields: make(map[uint16]Node)}
}

func (*Table) Kind() Kind { return KindTable }

func (t *Table) Clone() Node {
	return t.CloneTable()
}

// CloneTable is Clone with a concrete result type.
func (t *Table) CloneTable() *Table {
	cp := &Table{Name: t.Name, Fields: make(map[uint16]Node, len(t.Fields))}
	for id, n := range t.Fields {
		cp.Fields[id] = CloneNode(n)
	}
	if len(t.Unknown) > 0 {
		cp.Unknown = make(map[uint16][]byte, len(t.Unknown))
		for id, raw := range t.Unknown {
			cp.Unknown[id] = append([]byte(nil), raw...)
		}
	}
	return cp
}

// With sets a field and returns the table, for building graphs inline.
func (t *Table) With(id uint16, n Node) *Table {
	t.Set(id, n)
	return t
}

// Set stores n under id.
func (t *Table) Set(id uint16, n Node) {
	if t.Fields == nil {
		t.Fields = make(map[uint16]Node)
	}
	t.Fields[id] = n
}

// Get returns the node stored under id.
func (t *Table) Get(id uint16) (Node, bool) {
	n, ok := t.Fields[id]
	if !ok || n == nil || n.Kind() == KindNull {
		return nil, false
	}
	return n, true
}

// Has reports whether id is populated, either as a decoded value or as an
// unknown-preserved payload.
func (t *Table) Has(id uint16) bool {
	if _, ok := t.Get(id); ok {
		return true
	}
	_, ok := t.Unknown[id]
	return ok
}

// Delete removes id from both decoded and unknown fields.
func (t *Table) Delete(id uint16) {
	delete(t.Fields, id)
	delete(t.Unknown, id)
}

// Scalar returns the scalar stored under id.
func (t *Table) Scalar(id uint16) (*Scalar, bool) {
	n, ok := t.Get(id)
	if !ok {
		return nil, false
	}
	s, ok := n.(*Scalar)
	return s, ok
}

// String returns the string stored under id.
func (t *Table) String(id uint16) (*String, bool) {
	n, ok := t.Get(id)
	if !ok {
		return nil, false
	}
	s, ok := n.(*String)
	return s, ok
}

// Vector returns the vector stored under id.
func (t *Table) Vector(id uint16) (*Vector, bool) {
	n, ok := t.Get(id)
	if !ok {
		return nil, false
	}
	v, ok := n.(*Vector)
	return v, ok
}

// Table returns the nested table stored under id.
func (t *Table) Table(id uint16) (*Table, bool) {
	n, ok := t.Get(id)
	if !ok {
		return nil, false
	}
	nt, ok := n.(*Table)
	return nt, ok
}

// IDs returns populated decoded field ids in ascending order.
func (t *Table) IDs() []uint16 {
	ids := make([]uint16, 0, len(t.Fields))
	for id, n := range t.Fields {
		if n != nil && n.Kind() != KindNull {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// UnknownIDs returns unknown-preserved field ids in ascending order.
func (t *Table) UnknownIDs() []uint16 {
	ids := make([]uint16, 0, len(t.Unknown))
	for id := range t.Unknown {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Union is a union value: a discriminant selecting Variant plus the table.
type Union struct {
	Variant string
	Tag     uint8
	Value   *Table
}

func (*Union) Kind() Kind { return KindUnion }

func (u *Union) Clone() Node {
	cp := &Union{Variant: u.Variant, Tag: u.Tag}
	if u.Value != nil {
		cp.Value = u.Value.CloneTable()
	}
	return cp
}

// CloneNode clones n, mapping nil to Null.
func CloneNode(n Node) Node {
	if n == nil {
		return Null{}
	}
	return n.Clone()
}

// Equal reports whether two graphs are value-equal. nil and Null compare
// equal, as do absent and Null table fields.
func Equal(a, b Node) bool {
	if isNull(a) || isNull(b) {
		return isNull(a) && isNull(b)
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch av := a.(type) {
	case *Scalar:
		bv := b.(*Scalar)
		return av.Type == bv.Type && av.Bits == bv.Bits
	case *String:
		return bytes.Equal(av.Value, b.(*String).Value)
	case *Vector:
		bv := b.(*Vector)
		if av.Elem != bv.Elem || len(av.Items) != len(bv.Items) {
			return false
		}
		for i := range av.Items {
			if !Equal(av.Items[i], bv.Items[i]) {
				return false
			}
		}
		return true
	case *Table:
		return tablesEqual(av, b.(*Table))
	case *Union:
		bv := b.(*Union)
		if av.Variant != bv.Variant || av.Tag != bv.Tag {
			return false
		}
		if av.Value == nil || bv.Value == nil {
			return av.Value == nil && bv.Value == nil
		}
		return tablesEqual(av.Value, bv.Value)
	}
	return false
}

func tablesEqual(a, b *Table) bool {
	if a.Name != b.Name {
		return false
	}
	aIDs, bIDs := a.IDs(), b.IDs()
	if len(aIDs) != len(bIDs) {
		return false
	}
	for i, id := range aIDs {
		if bIDs[i] != id || !Equal(a.Fields[id], b.Fields[id]) {
			return false
		}
	}
	if len(a.Unknown) != len(b.Unknown) {
		return false
	}
	for id, raw := range a.Unknown {
		other, ok := b.Unknown[id]
		if !ok || !bytes.Equal(raw, other) {
			return false
		}
	}
	return true
}

func isNull(n Node) bool {
	return n == nil || n.Kind() == KindNull
}

// Walk calls fn for every table reachable from root, parents first.
// Returning false from fn skips that table's children.
func Walk(root Node, fn func(t *Table) bool) {
	switch n := root.(type) {
	case *Table:
		if !fn(n) {
			return
		}
		for _, id := range n.IDs() {
			Walk(n.Fields[id], fn)
		}
	case *Vector:
		for _, item := range n.Items {
			Walk(item, fn)
		}
	case *Union:
		if n.Value != nil {
			Walk(n.Value, fn)
		}
	}
}
