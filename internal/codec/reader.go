// Package codec reads and writes the table-and-offset binary model format
// against a schema.Schema. The reader validates every offset before it is
// dereferenced; the writer lays buffers out with flatbuffers.Builder.
package codec

import (
	flatbuffers "github.com/google/flatbuffers/go"

	uperrors "github.com/modelup/modelup/internal/errors"
	"github.com/modelup/modelup/internal/graph"
	"github.com/modelup/modelup/internal/schema"
)

// DefaultMaxDepth bounds table nesting during a read.
const DefaultMaxDepth = 64

// Reader decodes buffers into object graphs for one schema.
type Reader struct {
	schema    *schema.Schema
	maxDepth  int
	maxTables int
	maxBytes  int
}

// decodedBytesFactor scales the input size into the default decoded byte
// limit.
const decodedBytesFactor = 4

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithMaxDepth sets the maximum table nesting depth. Deeper buffers fail
// with CorruptBuffer.
func WithMaxDepth(depth int) ReaderOption {
	return func(r *Reader) {
		if depth > 0 {
			r.maxDepth = depth
		}
	}
}

// WithMaxTables caps the number of tables one read may decode. The default
// is one table per four input bytes, the densest layout a buffer without
// shared offsets can have.
func WithMaxTables(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.maxTables = n
		}
	}
}

// WithMaxDecodedBytes caps the table, string and vector bytes one read may
// decode. A region reached through several offsets counts once per
// reference. The default is four times the input size.
func WithMaxDecodedBytes(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.maxBytes = n
		}
	}
}

// NewReader creates a Reader for s.
func NewReader(s *schema.Schema, opts ...ReaderOption) *Reader {
	r := &Reader{schema: s, maxDepth: DefaultMaxDepth}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Read decodes buf with a default Reader for s.
func Read(buf []byte, s *schema.Schema) (*graph.Table, error) {
	return NewReader(s).Read(buf)
}

// Read decodes buf. On error no graph is returned.
func (r *Reader) Read(buf []byte) (*graph.Table, error) {
	b := buffer{data: buf, budget: r.budgetFor(len(buf))}
	root := r.schema.Root()
	if root == nil {
		return nil, uperrors.SchemaViolation("schema has no root table %s", r.schema.RootType)
	}

	pos, err := b.deref(0, "root table")
	if err != nil {
		return nil, err
	}
	return r.readTable(b, pos, root, 1)
}

func (r *Reader) budgetFor(n int) *budget {
	bg := &budget{
		tables: n / flatbuffers.SizeSOffsetT,
		bytes:  n * decodedBytesFactor,
	}
	if r.maxTables > 0 {
		bg.tables = r.maxTables
	}
	if r.maxBytes > 0 {
		bg.bytes = r.maxBytes
	}
	return bg
}

// vtable is a decoded table header.
type vtable struct {
	pos     int
	objLen  int
	offsets []int
}

// slot returns the object-relative offset of slot, zero if absent.
func (vt *vtable) slot(i int) int {
	if i < 0 || i >= len(vt.offsets) {
		return 0
	}
	return vt.offsets[i]
}

// inlineWidth returns the number of bytes between the field at off and the
// next field, or the end of the object.
func (vt *vtable) inlineWidth(off int) int {
	end := vt.objLen
	for _, o := range vt.offsets {
		if o > off && o < end {
			end = o
		}
	}
	return end - off
}

// aliased reports whether another slot shares the offset of slot.
func (vt *vtable) aliased(slot int) bool {
	for i, o := range vt.offsets {
		if i != slot && o == vt.offsets[slot] {
			return true
		}
	}
	return false
}

func (r *Reader) readVTable(b buffer, pos int) (*vtable, error) {
	if err := b.check(pos, flatbuffers.SizeSOffsetT, "table"); err != nil {
		return nil, err
	}
	vtPos := int64(pos) - int64(int32(b.u32(pos)))
	if vtPos < 0 || vtPos > int64(b.len()) {
		return nil, uperrors.CorruptBuffer("vtable of table at %d is outside the buffer", pos)
	}
	vt := int(vtPos)
	if err := b.check(vt, 2*flatbuffers.SizeVOffsetT, "vtable header"); err != nil {
		return nil, err
	}

	vtLen := int(b.u16(vt))
	objLen := int(b.u16(vt + flatbuffers.SizeVOffsetT))
	if vtLen < 4 || vtLen%2 != 0 {
		return nil, uperrors.CorruptBuffer("vtable at %d has invalid length %d", vt, vtLen)
	}
	if objLen < flatbuffers.SizeSOffsetT {
		return nil, uperrors.CorruptBuffer("table at %d has invalid object length %d", pos, objLen)
	}
	if err := b.check(vt, vtLen, "vtable"); err != nil {
		return nil, err
	}
	if err := b.check(pos, objLen, "table object"); err != nil {
		return nil, err
	}

	n := (vtLen - 4) / 2
	out := &vtable{pos: pos, objLen: objLen, offsets: make([]int, n)}
	for i := 0; i < n; i++ {
		off := int(b.u16(vt + 4 + 2*i))
		if off != 0 && (off < flatbuffers.SizeSOffsetT || off >= objLen) {
			return nil, uperrors.CorruptBuffer("table at %d: slot %d offset %d outside object of %d bytes",
				pos, i, off, objLen)
		}
		out.offsets[i] = off
	}
	return out, nil
}

func (r *Reader) readTable(b buffer, pos int, t *schema.Table, depth int) (*graph.Table, error) {
	if depth > r.maxDepth {
		return nil, uperrors.CorruptBuffer("table %s at %d exceeds maximum nesting depth %d", t.Name, pos, r.maxDepth)
	}
	vt, err := r.readVTable(b, pos)
	if err != nil {
		return nil, err
	}
	if err := b.spendTable(pos, vt.objLen); err != nil {
		return nil, err
	}

	node := graph.NewTable(t.Name)
	for _, f := range t.Fields {
		value, err := r.readField(b, vt, t, f, depth)
		if err != nil {
			return nil, err
		}
		if value != nil {
			node.Fields[f.ID] = value
		}
	}

	for slot, off := range vt.offsets {
		if off == 0 || t.OwnsSlot(slot) {
			continue
		}
		width := vt.inlineWidth(off)
		if width <= 0 || vt.aliased(slot) {
			return nil, uperrors.UnknownFieldLayout("table %s: cannot determine width of undeclared field %d", t.Name, slot)
		}
		if node.Unknown == nil {
			node.Unknown = make(map[uint16][]byte)
		}
		node.Unknown[uint16(slot)] = b.copyBytes(pos+off, width)
	}
	return node, nil
}

func (r *Reader) readField(b buffer, vt *vtable, t *schema.Table, f *schema.Field, depth int) (graph.Node, error) {
	if f.Type.Base == schema.BaseUnion {
		return r.readUnion(b, vt, t, f, depth)
	}

	off := vt.slot(f.Slot())
	if off == 0 {
		if f.Type.Base.IsScalar() && !f.Deprecated {
			return graph.Default(f), nil
		}
		return nil, nil
	}

	at := vt.pos + off
	if f.Type.Base.IsScalar() {
		size := f.Type.Base.Size()
		if off+size > vt.objLen {
			return nil, uperrors.CorruptBuffer("table %s: field %s overruns the object", t.Name, f.Name)
		}
		value := graph.FromBits(f.Type.Base, b.scalar(at, size))
		if f.Deprecated && value.Bits == graph.Default(f).Bits {
			// Deprecated scalars at their default read as absent.
			return nil, nil
		}
		return value, nil
	}
	if off+flatbuffers.SizeUOffsetT > vt.objLen {
		return nil, uperrors.CorruptBuffer("table %s: field %s overruns the object", t.Name, f.Name)
	}

	target, err := b.deref(at, t.Name+"."+f.Name)
	if err != nil {
		return nil, err
	}
	switch f.Type.Base {
	case schema.BaseString:
		return r.readString(b, target)
	case schema.BaseVector:
		return r.readVector(b, target, f, depth)
	case schema.BaseTable:
		child, ok := r.schema.Table(f.Type.Ref)
		if !ok {
			return nil, uperrors.SchemaViolation("table %s: field %s refers to undeclared table %s", t.Name, f.Name, f.Type.Ref)
		}
		return r.readTable(b, target, child, depth+1)
	}
	return nil, uperrors.SchemaViolation("table %s: field %s has unsupported type %s", t.Name, f.Name, f.Type)
}

func (r *Reader) readUnion(b buffer, vt *vtable, t *schema.Table, f *schema.Field, depth int) (graph.Node, error) {
	u, ok := r.schema.Union(f.Type.Ref)
	if !ok {
		return nil, uperrors.SchemaViolation("table %s: field %s refers to undeclared union %s", t.Name, f.Name, f.Type.Ref)
	}

	var tag uint8
	if off := vt.slot(f.TypeSlot()); off != 0 {
		tag = b.u8(vt.pos + off)
	}
	if tag == 0 {
		return nil, nil
	}
	variant, ok := u.VariantByTag(tag)
	if !ok {
		return nil, uperrors.UnknownFieldLayout("table %s: union %s has undeclared tag %d", t.Name, u.Name, tag)
	}

	off := vt.slot(f.Slot())
	if off == 0 {
		return nil, uperrors.CorruptBuffer("table %s: union %s tag %d has no value", t.Name, f.Name, tag)
	}
	if off+flatbuffers.SizeUOffsetT > vt.objLen {
		return nil, uperrors.CorruptBuffer("table %s: field %s overruns the object", t.Name, f.Name)
	}
	target, err := b.deref(vt.pos+off, t.Name+"."+f.Name)
	if err != nil {
		return nil, err
	}
	variantTable, ok := r.schema.Table(variant.Name)
	if !ok {
		return nil, uperrors.SchemaViolation("union %s: variant %s is not a declared table", u.Name, variant.Name)
	}
	value, err := r.readTable(b, target, variantTable, depth+1)
	if err != nil {
		return nil, err
	}
	return &graph.Union{Variant: variant.Name, Tag: tag, Value: value}, nil
}

func (r *Reader) readString(b buffer, pos int) (graph.Node, error) {
	n, err := r.readLength(b, pos, 1, "string")
	if err != nil {
		return nil, err
	}
	if err := b.spendBytes(pos, flatbuffers.SizeUOffsetT+n, "string"); err != nil {
		return nil, err
	}
	return &graph.String{Value: b.copyBytes(pos+flatbuffers.SizeUOffsetT, n)}, nil
}

// readLength reads a vector or string length prefix and checks that n
// elements of elemSize fit after it.
func (r *Reader) readLength(b buffer, pos, elemSize int, what string) (int, error) {
	if err := b.check(pos, flatbuffers.SizeUOffsetT, what+" length"); err != nil {
		return 0, err
	}
	n := int64(b.u32(pos))
	avail := int64(b.len() - pos - flatbuffers.SizeUOffsetT)
	if n*int64(elemSize) > avail {
		return 0, uperrors.CorruptBuffer("%s at %d declares %d elements but only %d bytes remain", what, pos, n, avail)
	}
	return int(n), nil
}

func (r *Reader) readVector(b buffer, pos int, f *schema.Field, depth int) (graph.Node, error) {
	elem := f.Type.Elem
	n, err := r.readLength(b, pos, elem.Size(), "vector")
	if err != nil {
		return nil, err
	}
	if err := b.spendBytes(pos, flatbuffers.SizeUOffsetT+n*elem.Size(), "vector"); err != nil {
		return nil, err
	}

	v := &graph.Vector{Elem: elem, Items: make([]graph.Node, n)}
	start := pos + flatbuffers.SizeUOffsetT
	size := elem.Size()
	for i := 0; i < n; i++ {
		at := start + i*size
		switch {
		case elem.IsScalar():
			v.Items[i] = graph.FromBits(elem, b.scalar(at, size))
		case elem == schema.BaseString:
			target, err := b.deref(at, "vector string")
			if err != nil {
				return nil, err
			}
			if v.Items[i], err = r.readString(b, target); err != nil {
				return nil, err
			}
		case elem == schema.BaseTable:
			child, ok := r.schema.Table(f.Type.Ref)
			if !ok {
				return nil, uperrors.SchemaViolation("vector %s refers to undeclared table %s", f.Name, f.Type.Ref)
			}
			target, err := b.deref(at, "vector table")
			if err != nil {
				return nil, err
			}
			if v.Items[i], err = r.readTable(b, target, child, depth+1); err != nil {
				return nil, err
			}
		default:
			return nil, uperrors.SchemaViolation("vector %s has unsupported element type %s", f.Name, elem)
		}
	}
	return v, nil
}
