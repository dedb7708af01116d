package codec

import (
	"fmt"
	"math"
	"sort"

	flatbuffers "github.com/google/flatbuffers/go"

	uperrors "github.com/modelup/modelup/internal/errors"
	"github.com/modelup/modelup/internal/graph"
	"github.com/modelup/modelup/internal/schema"
)

const (
	defaultBuilderSize = 1024
	// maxObjectSize is the largest inline table body a vtable can address.
	maxObjectSize = math.MaxUint16
)

// Writer encodes object graphs for one schema.
type Writer struct {
	schema      *schema.Schema
	initialSize int
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithInitialSize sets the starting size of the builder buffer.
func WithInitialSize(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.initialSize = n
		}
	}
}

// NewWriter creates a Writer for s.
func NewWriter(s *schema.Schema, opts ...WriterOption) *Writer {
	w := &Writer{schema: s, initialSize: defaultBuilderSize}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write encodes root with a default Writer for s.
func Write(root *graph.Table, s *schema.Schema) ([]byte, error) {
	return NewWriter(s).Write(root)
}

// Write encodes root. The root table's field 0 is always written, even at
// its default, so the buffer's version can be read back from the vtable.
// Other scalars equal to their default are omitted.
func (w *Writer) Write(root *graph.Table) (out []byte, err error) {
	rootTable := w.schema.Root()
	if rootTable == nil {
		return nil, uperrors.SchemaViolation("schema has no root table %s", w.schema.RootType)
	}
	if root == nil || root.Name != rootTable.Name {
		return nil, uperrors.SchemaViolation("root must be a %s table", rootTable.Name)
	}
	if err := w.validateTable(root, rootTable, "", 1); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = uperrors.NewInternalError("codec: builder failed", fmt.Errorf("%v", r))
		}
	}()

	enc := &encoder{schema: w.schema, b: flatbuffers.NewBuilder(w.initialSize)}
	off := enc.table(root, rootTable, true)
	if id := w.schema.FileIdentifier; id != "" {
		enc.b.FinishWithFileIdentifier(off, []byte(id))
	} else {
		enc.b.Finish(off)
	}

	finished := enc.b.FinishedBytes()
	out = make([]byte, len(finished))
	copy(out, finished)
	return out, nil
}

// validateTable checks that t can be expressed under st. Encoding starts
// only after the whole graph validates, so the builder is never left half
// populated by a shape error.
func (w *Writer) validateTable(t *graph.Table, st *schema.Table, path string, depth int) error {
	path = joinPath(path, st.Name)
	if depth > DefaultMaxDepth*4 {
		return uperrors.SchemaViolation("%s: graph nesting is too deep", path)
	}
	if t.Name != st.Name {
		return uperrors.SchemaViolation("%s: expected table %s, got %s", path, st.Name, t.Name)
	}

	inline := 0
	for _, id := range t.IDs() {
		f, ok := st.FieldByID(id)
		if !ok {
			return uperrors.SchemaViolation("%s: field id %d is not declared", path, id)
		}
		if err := w.validateField(t.Fields[id], f, path, depth); err != nil {
			return err
		}
		inline += f.Type.Base.Size() + 8
	}
	for id, raw := range t.Unknown {
		if st.OwnsSlot(int(id)) {
			return uperrors.SchemaViolation("%s: unknown payload %d collides with a declared field", path, id)
		}
		if _, ok := t.Fields[id]; ok {
			return uperrors.SchemaViolation("%s: field id %d is both decoded and unknown", path, id)
		}
		if len(raw) == 0 {
			return uperrors.SchemaViolation("%s: unknown payload %d is empty", path, id)
		}
		if len(raw) == flatbuffers.SizeUOffsetT && carriesOffsets(st) {
			return uperrors.SchemaViolation("%s: unknown payload %d may be an offset and cannot be relocated", path, id)
		}
		inline += len(raw) + 8
	}
	if inline > maxObjectSize {
		return uperrors.SchemaViolation("%s: inline fields exceed %d bytes", path, maxObjectSize)
	}
	return nil
}

func (w *Writer) validateField(n graph.Node, f *schema.Field, path string, depth int) error {
	path = joinPath(path, f.Name)
	switch f.Type.Base {
	case schema.BaseString:
		if _, ok := n.(*graph.String); !ok {
			return uperrors.SchemaViolation("%s: expected string, got %s", path, n.Kind())
		}
		return nil
	case schema.BaseTable:
		t, ok := n.(*graph.Table)
		if !ok {
			return uperrors.SchemaViolation("%s: expected table, got %s", path, n.Kind())
		}
		st, ok := w.schema.Table(f.Type.Ref)
		if !ok {
			return uperrors.SchemaViolation("%s: table %s is not declared", path, f.Type.Ref)
		}
		return w.validateTable(t, st, path, depth+1)
	case schema.BaseUnion:
		return w.validateUnion(n, f, path, depth)
	case schema.BaseVector:
		return w.validateVector(n, f, path, depth)
	}
	return validateScalar(n, f.Type.Base, path)
}

func validateScalar(n graph.Node, base schema.BaseType, path string) error {
	s, ok := n.(*graph.Scalar)
	if !ok {
		return uperrors.SchemaViolation("%s: expected %s, got %s", path, base, n.Kind())
	}
	if s.Type != base {
		return uperrors.SchemaViolation("%s: expected %s, got %s", path, base, s.Type)
	}
	return nil
}

func (w *Writer) validateUnion(n graph.Node, f *schema.Field, path string, depth int) error {
	u, ok := n.(*graph.Union)
	if !ok {
		return uperrors.SchemaViolation("%s: expected union, got %s", path, n.Kind())
	}
	decl, ok := w.schema.Union(f.Type.Ref)
	if !ok {
		return uperrors.SchemaViolation("%s: union %s is not declared", path, f.Type.Ref)
	}
	variant, ok := decl.VariantByName(u.Variant)
	if !ok {
		return uperrors.SchemaViolation("%s: %s is not a variant of %s", path, u.Variant, decl.Name)
	}
	if u.Tag != 0 && u.Tag != variant.Tag {
		return uperrors.SchemaViolation("%s: variant %s has tag %d, graph says %d", path, u.Variant, variant.Tag, u.Tag)
	}
	if u.Value == nil {
		return uperrors.SchemaViolation("%s: union %s has no value", path, u.Variant)
	}
	st, _ := w.schema.Table(variant.Name)
	return w.validateTable(u.Value, st, path, depth+1)
}

func (w *Writer) validateVector(n graph.Node, f *schema.Field, path string, depth int) error {
	v, ok := n.(*graph.Vector)
	if !ok {
		return uperrors.SchemaViolation("%s: expected vector, got %s", path, n.Kind())
	}
	if v.Elem != f.Type.Elem {
		return uperrors.SchemaViolation("%s: expected [%s], got [%s]", path, f.Type.Elem, v.Elem)
	}
	for i, item := range v.Items {
		at := fmt.Sprintf("%s[%d]", path, i)
		if item == nil || item.Kind() == graph.KindNull {
			return uperrors.SchemaViolation("%s: vectors cannot hold null", at)
		}
		switch {
		case v.Elem.IsScalar():
			if err := validateScalar(item, v.Elem, at); err != nil {
				return err
			}
		case v.Elem == schema.BaseString:
			if _, ok := item.(*graph.String); !ok {
				return uperrors.SchemaViolation("%s: expected string, got %s", at, item.Kind())
			}
		case v.Elem == schema.BaseTable:
			t, ok := item.(*graph.Table)
			if !ok {
				return uperrors.SchemaViolation("%s: expected table, got %s", at, item.Kind())
			}
			st, ok := w.schema.Table(f.Type.Ref)
			if !ok {
				return uperrors.SchemaViolation("%s: table %s is not declared", at, f.Type.Ref)
			}
			if err := w.validateTable(t, st, at, depth+1); err != nil {
				return err
			}
		default:
			return uperrors.SchemaViolation("%s: unsupported element type %s", at, v.Elem)
		}
	}
	return nil
}

// carriesOffsets reports whether any declared field of st is stored as an
// offset. Undeclared 4-byte payloads in such tables may be offsets too.
func carriesOffsets(st *schema.Table) bool {
	for _, f := range st.Fields {
		if !f.Type.Base.IsScalar() {
			return true
		}
	}
	return false
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

// encoder drives the builder over a validated graph.
type encoder struct {
	schema *schema.Schema
	b      *flatbuffers.Builder
}

// table serializes t bottom-up: every string, vector and child table is
// written before the object that references it.
func (e *encoder) table(t *graph.Table, st *schema.Table, root bool) flatbuffers.UOffsetT {
	ids := t.IDs()

	refs := make(map[uint16]flatbuffers.UOffsetT)
	tags := make(map[uint16]uint8)
	for _, id := range ids {
		f, _ := st.FieldByID(id)
		switch f.Type.Base {
		case schema.BaseString:
			refs[id] = e.b.CreateByteString(t.Fields[id].(*graph.String).Value)
		case schema.BaseVector:
			refs[id] = e.vector(t.Fields[id].(*graph.Vector), f)
		case schema.BaseTable:
			child, _ := e.schema.Table(f.Type.Ref)
			refs[id] = e.table(t.Fields[id].(*graph.Table), child, false)
		case schema.BaseUnion:
			u := t.Fields[id].(*graph.Union)
			decl, _ := e.schema.Union(f.Type.Ref)
			variant, _ := decl.VariantByName(u.Variant)
			child, _ := e.schema.Table(variant.Name)
			refs[id] = e.table(u.Value, child, false)
			tags[id] = variant.Tag
		}
	}

	slots := st.SlotCount()
	for id := range t.Unknown {
		if int(id)+1 > slots {
			slots = int(id) + 1
		}
	}

	e.b.StartObject(slots)

	// Widest values first keeps padding down.
	scalars := make([]*schema.Field, 0, len(ids))
	for _, id := range ids {
		if f, _ := st.FieldByID(id); f.Type.Base.IsScalar() {
			scalars = append(scalars, f)
		}
	}
	sort.SliceStable(scalars, func(i, j int) bool {
		return scalars[i].Type.Base.Size() > scalars[j].Type.Base.Size()
	})
	for _, f := range scalars {
		force := root && f.ID == 0
		e.scalarSlot(f, t.Fields[f.ID].(*graph.Scalar), force)
	}

	for _, id := range t.UnknownIDs() {
		e.rawSlot(int(id), t.Unknown[id])
	}
	for _, id := range ids {
		off, ok := refs[id]
		if !ok {
			continue
		}
		f, _ := st.FieldByID(id)
		e.b.PrependUOffsetTSlot(f.Slot(), off, 0)
		if tag, ok := tags[id]; ok {
			e.b.PrependUint8Slot(f.TypeSlot(), tag, 0)
		}
	}
	return e.b.EndObject()
}

// scalarSlot writes a scalar field, omitting it when equal to the
// declared default unless force is set.
func (e *encoder) scalarSlot(f *schema.Field, s *graph.Scalar, force bool) {
	if !force && s.Bits == graph.Default(f).Bits {
		return
	}
	e.prependScalar(s)
	e.b.Slot(f.Slot())
}

func (e *encoder) prependScalar(s *graph.Scalar) {
	switch s.Type {
	case schema.BaseBool:
		e.b.PrependBool(s.Bits != 0)
	case schema.BaseByte:
		e.b.PrependInt8(int8(s.Bits))
	case schema.BaseUByte:
		e.b.PrependUint8(uint8(s.Bits))
	case schema.BaseShort:
		e.b.PrependInt16(int16(s.Bits))
	case schema.BaseUShort:
		e.b.PrependUint16(uint16(s.Bits))
	case schema.BaseInt:
		e.b.PrependInt32(int32(s.Bits))
	case schema.BaseUInt:
		e.b.PrependUint32(uint32(s.Bits))
	case schema.BaseLong:
		e.b.PrependInt64(int64(s.Bits))
	case schema.BaseULong:
		e.b.PrependUint64(s.Bits)
	case schema.BaseFloat:
		e.b.PrependFloat32(math.Float32frombits(uint32(s.Bits)))
	case schema.BaseDouble:
		e.b.PrependFloat64(math.Float64frombits(s.Bits))
	}
}

// rawSlot places an unknown-preserved payload verbatim and records it in
// the vtable under its original slot. Payloads are byte aligned so no
// padding lands next to them and a re-read captures the same width.
func (e *encoder) rawSlot(slot int, raw []byte) {
	e.b.Prep(1, len(raw)-1)
	for i := len(raw) - 1; i >= 0; i-- {
		e.b.PlaceByte(raw[i])
	}
	e.b.Slot(slot)
}

func (e *encoder) vector(v *graph.Vector, f *schema.Field) flatbuffers.UOffsetT {
	switch {
	case v.Elem == schema.BaseUByte || v.Elem == schema.BaseByte:
		return e.b.CreateByteVector(v.ByteSlice())
	case v.Elem.IsScalar():
		size := v.Elem.Size()
		e.b.StartVector(size, len(v.Items), size)
		for i := len(v.Items) - 1; i >= 0; i-- {
			e.prependScalar(v.Items[i].(*graph.Scalar))
		}
		return e.b.EndVector(len(v.Items))
	}

	offsets := make([]flatbuffers.UOffsetT, len(v.Items))
	for i, item := range v.Items {
		if v.Elem == schema.BaseString {
			offsets[i] = e.b.CreateByteString(item.(*graph.String).Value)
			continue
		}
		child, _ := e.schema.Table(f.Type.Ref)
		offsets[i] = e.table(item.(*graph.Table), child, false)
	}
	e.b.StartVector(flatbuffers.SizeUOffsetT, len(offsets), flatbuffers.SizeUOffsetT)
	for i := len(offsets) - 1; i >= 0; i-- {
		e.b.PrependUOffsetT(offsets[i])
	}
	return e.b.EndVector(len(offsets))
}
