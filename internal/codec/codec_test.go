package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/modelup/modelup/internal/catalog"
	uperrors "github.com/modelup/modelup/internal/errors"
	"github.com/modelup/modelup/internal/graph"
	"github.com/modelup/modelup/internal/schema"
)

var bundled = catalog.MustBundled()

func schemaV(t testing.TB, version int) *schema.Schema {
	t.Helper()
	e, ok := bundled.Get(version)
	if !ok {
		t.Fatalf("catalog has no v%d", version)
	}
	return e.Schema
}

func tensor(name string, buffer uint32, shape ...int32) *graph.Table {
	return graph.NewTable("Tensor").
		With(0, graph.Str(name)).
		With(1, graph.Int32s(shape...)).
		With(4, graph.Uint32(buffer)).
		With(5, graph.Uint8(0))
}

// sampleModel builds a v3 graph with every non-deprecated scalar set, so
// a read returns exactly this graph.
func sampleModel() *graph.Table {
	options := graph.NewTable("Conv2DOptions").
		With(0, graph.Int32(2)).
		With(1, graph.Int32(2)).
		With(2, graph.Int8(1)).
		With(3, graph.Float32(1))
	conv := graph.NewTable("Operator").
		With(0, graph.Str("conv2d")).
		With(1, graph.Int32(2)).
		With(2, graph.Int8(1)).
		With(3, graph.Int32s(0, 1)).
		With(4, graph.Int32s(2)).
		With(6, &graph.Union{Variant: "Conv2DOptions", Tag: 1, Value: options})
	subgraph := graph.NewTable("SubGraph").
		With(0, graph.Tables(
			tensor("input", 0, 1, 28, 28, 3),
			tensor("weights", 1, 8, 3, 3, 3),
			tensor("output", 0, 1, 14, 14, 8),
		)).
		With(1, graph.Tables(conv)).
		With(2, graph.Str("main"))

	return graph.NewTable("Model").
		With(0, graph.Uint32(3)).
		With(4, graph.Str("sample model")).
		With(5, graph.Tables(
			graph.NewTable("Buffer"),
			graph.NewTable("Buffer").With(0, graph.Bytes([]byte{1, 2, 3, 4, 5})),
		)).
		With(6, graph.Tables(subgraph))
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	if got := uperrors.GetCode(err); got != code {
		t.Fatalf("error code = %s, want %s (%v)", got, code, err)
	}
}

func TestRoundTrip(t *testing.T) {
	s := schemaV(t, 3)
	model := sampleModel()

	buf, err := Write(model, s)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := Read(buf, s)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !graph.Equal(got, model) {
		t.Fatalf("round trip changed the graph:\n%s", cmp.Diff(model, got))
	}

	again, err := Write(got, s)
	if err != nil {
		t.Fatalf("second Write failed: %v", err)
	}
	if !bytes.Equal(buf, again) {
		t.Error("writing the decoded graph produced different bytes")
	}
}

func TestWrite_FileIdentifier(t *testing.T) {
	v3, err := Write(sampleModel(), schemaV(t, 3))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if id, ok := FileIdentifier(v3); !ok || id != "MDL3" {
		t.Errorf("FileIdentifier = %q, %v; want MDL3", id, ok)
	}

	v0 := graph.NewTable("Model").With(0, graph.Uint32(0))
	buf, err := Write(v0, schemaV(t, 0))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if id, ok := FileIdentifier(buf); ok && id == "MDL3" {
		t.Errorf("v0 buffer carries identifier %q", id)
	}
}

func TestWrite_VersionAlwaysPresent(t *testing.T) {
	buf, err := Write(graph.NewTable("Model").With(0, graph.Uint32(0)), schemaV(t, 0))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	version, present, err := PeekVersion(buf)
	if err != nil {
		t.Fatalf("PeekVersion failed: %v", err)
	}
	if !present || version != 0 {
		t.Errorf("PeekVersion = %d, %v; want 0, true", version, present)
	}

	// Defaults elsewhere are omitted.
	op := graph.NewTable("Operator").With(0, graph.Str("relu")).With(1, graph.Int32(0))
	withDefault := graph.NewTable("Model").With(0, graph.Uint32(0)).With(2, graph.Tables(op))
	without := graph.NewTable("Model").With(0, graph.Uint32(0)).
		With(2, graph.Tables(graph.NewTable("Operator").With(0, graph.Str("relu"))))
	a, err := Write(withDefault, schemaV(t, 0))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	b, err := Write(without, schemaV(t, 0))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("a scalar equal to its default changed the encoding")
	}
}

func TestRead_FillsDefaults(t *testing.T) {
	s := schemaV(t, 3)
	op := graph.NewTable("Operator").With(0, graph.Str("conv2d")).With(1, graph.Int32(32))
	model := graph.NewTable("Model").
		With(0, graph.Uint32(3)).
		With(6, graph.Tables(graph.NewTable("SubGraph").With(1, graph.Tables(op))))

	buf, err := Write(model, s)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := Read(buf, s)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	subgraphs, _ := got.Vector(6)
	ops, _ := subgraphs.Items[0].(*graph.Table).Vector(1)
	read := ops.Items[0].(*graph.Table)

	if stride, _ := read.Scalar(1); stride.Int() != 32 {
		t.Errorf("stride = %d, want 32", stride.Int())
	}
	padding, ok := read.Scalar(2)
	if !ok || !graph.Equal(padding, graph.Int8(0)) {
		t.Errorf("padding = %v, want SAME", padding)
	}
	if read.Has(3) || read.Has(6) {
		t.Error("absent vector and union fields should stay absent")
	}
	if got.Has(1) || got.Has(3) {
		t.Error("absent deprecated fields should not be filled")
	}
}

func TestRead_Empty(t *testing.T) {
	s := schemaV(t, 0)
	for _, buf := range [][]byte{nil, {}, {1, 0, 0}} {
		_, err := Read(buf, s)
		requireCode(t, err, uperrors.CodeCorruptBuffer)
	}
}

func TestRead_OutOfRangeOffsets(t *testing.T) {
	s := schemaV(t, 3)
	buf, err := Write(sampleModel(), s)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	t.Run("root offset", func(t *testing.T) {
		bad := append([]byte(nil), buf...)
		bad[0], bad[1], bad[2], bad[3] = 0xff, 0xff, 0xff, 0x7f
		_, err := Read(bad, s)
		requireCode(t, err, uperrors.CodeCorruptBuffer)
	})

	t.Run("vtable offset", func(t *testing.T) {
		bad := append([]byte(nil), buf...)
		root := int(bad[0]) | int(bad[1])<<8
		bad[root], bad[root+1], bad[root+2], bad[root+3] = 0x00, 0x00, 0x00, 0x80
		_, err := Read(bad, s)
		requireCode(t, err, uperrors.CodeCorruptBuffer)
	})

	t.Run("truncated", func(t *testing.T) {
		for n := 0; n < len(buf); n++ {
			_, err := Read(buf[:n], s)
			if err == nil {
				continue
			}
			code := uperrors.GetCode(err)
			if code != uperrors.CodeCorruptBuffer && code != uperrors.CodeUnknownFieldLayout {
				t.Fatalf("truncated to %d bytes: unexpected error %v", n, err)
			}
		}
	})
}

func TestRead_MalformedVTable(t *testing.T) {
	s := schema.MustParse(`table Root { version:uint (id: 0); name:string (id: 1); } root_type Root;`)
	buf, err := Write(graph.NewTable("Root").With(0, graph.Uint32(7)).With(1, graph.Str("x")), s)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	root := int(buf[0])
	vt := root - int(int32(uint32(buf[root])|uint32(buf[root+1])<<8|uint32(buf[root+2])<<16|uint32(buf[root+3])<<24))

	tests := []struct {
		name   string
		mutate func(b []byte)
	}{
		{"odd vtable length", func(b []byte) { b[vt] = 5 }},
		{"short vtable length", func(b []byte) { b[vt] = 2 }},
		{"object length too small", func(b []byte) { b[vt+2] = 2; b[vt+3] = 0 }},
		{"field offset beyond object", func(b []byte) { b[vt+4] = 0xf0; b[vt+5] = 0 }},
		{"field offset inside soffset", func(b []byte) { b[vt+4] = 2; b[vt+5] = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := append([]byte(nil), buf...)
			tt.mutate(bad)
			_, err := Read(bad, s)
			requireCode(t, err, uperrors.CodeCorruptBuffer)
		})
	}
}

func TestRead_VectorLengthOverrun(t *testing.T) {
	s := schema.MustParse(`table Root { version:uint (id: 0); data:[int] (id: 1); } root_type Root;`)
	buf, err := Write(graph.NewTable("Root").With(0, graph.Uint32(1)).With(1, graph.Int32s(1, 2, 3)), s)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	// The vector length prefix is the only occurrence of 3 as a uint32.
	idx := bytes.Index(buf, []byte{3, 0, 0, 0, 1, 0, 0, 0})
	if idx < 0 {
		t.Fatal("vector not found in buffer")
	}
	buf[idx] = 0xff
	_, err = Read(buf, s)
	requireCode(t, err, uperrors.CodeCorruptBuffer)
}

func TestRead_MaxDepth(t *testing.T) {
	s := schema.MustParse(`table Node { version:uint (id: 0); child:Node (id: 1); } root_type Node;`)
	root := graph.NewTable("Node").With(0, graph.Uint32(0))
	cur := root
	for i := 0; i < 80; i++ {
		child := graph.NewTable("Node").With(0, graph.Uint32(uint32(i+1)))
		cur.Set(1, child)
		cur = child
	}
	buf, err := Write(root, s)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	_, err = Read(buf, s)
	requireCode(t, err, uperrors.CodeCorruptBuffer)

	got, err := NewReader(s, WithMaxDepth(100)).Read(buf)
	if err != nil {
		t.Fatalf("Read with raised depth failed: %v", err)
	}
	if !graph.Equal(got, root) {
		t.Error("deep graph did not round trip")
	}
}

func TestUnknownFieldsPreserved(t *testing.T) {
	older := schema.MustParse(`table Root { version:uint (id: 0); a:int (id: 1); } root_type Root;`)
	newer := schema.MustParse(`table Root { version:uint (id: 0); a:int (id: 1); b:short (id: 2); c:long (id: 3); } root_type Root;`)

	original := graph.NewTable("Root").
		With(0, graph.Uint32(1)).
		With(1, graph.Int32(42)).
		With(2, graph.Int16(-7)).
		With(3, graph.Int64(1<<40))
	buf, err := Write(original, newer)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	old, err := Read(buf, older)
	if err != nil {
		t.Fatalf("Read with older schema failed: %v", err)
	}
	if ids := old.UnknownIDs(); len(ids) != 2 || ids[0] != 2 || ids[1] != 3 {
		t.Fatalf("UnknownIDs() = %v, want [2 3]", ids)
	}

	rewritten, err := Write(old, older)
	if err != nil {
		t.Fatalf("Write with older schema failed: %v", err)
	}
	back, err := Read(rewritten, newer)
	if err != nil {
		t.Fatalf("Read with newer schema failed: %v", err)
	}
	if !graph.Equal(back, original) {
		t.Errorf("unknown payloads were not preserved:\n%s", cmp.Diff(original, back))
	}

	// A second pass through the older schema is stable.
	old2, err := Read(rewritten, older)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !graph.Equal(old, old2) {
		t.Errorf("unknown payload widths drifted:\n%s", cmp.Diff(old, old2))
	}
}

func TestUnion(t *testing.T) {
	both := schema.MustParse(`
table A { x:int (id: 0); }
table B { y:string (id: 0); }
union U { A, B }
table Root { version:uint (id: 0); u:U (id: 2); }
root_type Root;`)
	onlyA := schema.MustParse(`
table A { x:int (id: 0); }
union U { A }
table Root { version:uint (id: 0); u:U (id: 2); }
root_type Root;`)

	model := graph.NewTable("Root").
		With(0, graph.Uint32(0)).
		With(2, &graph.Union{Variant: "B", Tag: 2, Value: graph.NewTable("B").With(0, graph.Str("hi"))})
	buf, err := Write(model, both)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := Read(buf, both)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !graph.Equal(got, model) {
		t.Errorf("union did not round trip:\n%s", cmp.Diff(model, got))
	}

	_, err = Read(buf, onlyA)
	requireCode(t, err, uperrors.CodeUnknownFieldLayout)
}

func TestUnion_TagWithoutValue(t *testing.T) {
	plain := schema.MustParse(`table Root { version:uint (id: 0); kind:ubyte (id: 1); } root_type Root;`)
	withUnion := schema.MustParse(`
table A { x:int (id: 0); }
union U { A }
table Root { version:uint (id: 0); u:U (id: 2); }
root_type Root;`)

	buf, err := Write(graph.NewTable("Root").With(0, graph.Uint32(0)).With(1, graph.Uint8(1)), plain)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	_, err = Read(buf, withUnion)
	requireCode(t, err, uperrors.CodeCorruptBuffer)
}

func TestWrite_SchemaViolations(t *testing.T) {
	s := schemaV(t, 3)
	base := func() *graph.Table { return graph.NewTable("Model").With(0, graph.Uint32(3)) }

	tests := []struct {
		name  string
		graph *graph.Table
	}{
		{"wrong root", graph.NewTable("Tensor")},
		{"undeclared field", base().With(40, graph.Int32(1))},
		{"scalar width", graph.NewTable("Model").With(0, graph.Uint64(3))},
		{"string for vector", base().With(5, graph.Str("x"))},
		{"wrong child table", base().With(5, graph.Tables(graph.NewTable("Tensor")))},
		{"unknown collides", func() *graph.Table {
			m := base()
			m.Unknown = map[uint16][]byte{4: {1, 2, 3, 4}}
			return m
		}()},
		{"bad union variant", base().With(6, graph.Tables(graph.NewTable("SubGraph").With(1, graph.Tables(
			graph.NewTable("Operator").With(6, &graph.Union{Variant: "Tensor", Value: graph.NewTable("Tensor")}),
		))))},
		{"vector element type", base().With(6, graph.Tables(graph.NewTable("SubGraph").With(1, graph.Tables(
			graph.NewTable("Operator").With(3, &graph.Vector{Elem: schema.BaseLong, Items: []graph.Node{graph.Int64(1)}}),
		))))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Write(tt.graph, s)
			requireCode(t, err, uperrors.CodeSchemaViolation)
			if out != nil {
				t.Error("partial output returned on failure")
			}
			if !errors.Is(err, uperrors.ErrSchemaViolation) {
				t.Error("error does not match ErrSchemaViolation")
			}
		})
	}
}

func TestWrite_UnknownPayload(t *testing.T) {
	s := schemaV(t, 0)
	m := graph.NewTable("Model").With(0, graph.Uint32(0))
	m.Unknown = map[uint16][]byte{9: {0xaa, 0xbb, 0xcc}}

	buf, err := Write(m, s)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := Read(buf, s)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got.Unknown[9], []byte{0xaa, 0xbb, 0xcc}) {
		t.Errorf("Unknown[9] = %x, want aabbcc", got.Unknown[9])
	}
}

func TestWrite_UnknownOffsetSizedPayload(t *testing.T) {
	m := graph.NewTable("Model").With(0, graph.Uint32(0))
	m.Unknown = map[uint16][]byte{9: {1, 0, 0, 0}}
	_, err := Write(m, schemaV(t, 0))
	requireCode(t, err, uperrors.CodeSchemaViolation)

	// Tables without offset fields have nothing a payload could point into.
	scalars := schema.MustParse(`table Root { version:uint (id: 0); a:int (id: 1); } root_type Root;`)
	r := graph.NewTable("Root").With(0, graph.Uint32(0)).With(1, graph.Int32(5))
	r.Unknown = map[uint16][]byte{4: {1, 0, 0, 0}}
	buf, err := Write(r, scalars)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := Read(buf, scalars)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !graph.Equal(got, r) {
		t.Errorf("payload did not round trip:\n%s", cmp.Diff(r, got))
	}
}

func offsetVector(b *flatbuffers.Builder, offs []flatbuffers.UOffsetT) flatbuffers.UOffsetT {
	b.StartVector(flatbuffers.SizeUOffsetT, len(offs), flatbuffers.SizeUOffsetT)
	for i := len(offs) - 1; i >= 0; i-- {
		b.PrependUOffsetT(offs[i])
	}
	return b.EndVector(len(offs))
}

func TestRead_DeprecatedScalarAtDefault(t *testing.T) {
	s := schemaV(t, 3)

	b := flatbuffers.NewBuilder(0)
	name := b.CreateString("t")
	b.StartObject(6)
	b.PrependUOffsetTSlot(0, name, 0)
	b.PrependUint32Slot(4, 1, 0)
	b.PrependInt8(0)
	b.Slot(2) // Tensor.type, deprecated, stored at its default
	tensor := b.EndObject()
	tensors := offsetVector(b, []flatbuffers.UOffsetT{tensor})
	b.StartObject(3)
	b.PrependUOffsetTSlot(0, tensors, 0)
	subgraph := b.EndObject()
	subgraphs := offsetVector(b, []flatbuffers.UOffsetT{subgraph})
	b.StartObject(7)
	b.PrependUint32(3)
	b.Slot(0)
	b.PrependUOffsetTSlot(6, subgraphs, 0)
	b.FinishWithFileIdentifier(b.EndObject(), []byte("MDL3"))

	first, err := Read(b.FinishedBytes(), s)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	sgs, _ := first.Vector(6)
	ts, _ := sgs.Items[0].(*graph.Table).Vector(0)
	if ts.Items[0].(*graph.Table).Has(2) {
		t.Error("deprecated field at its default should read as absent")
	}

	out, err := Write(first, s)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	second, err := Read(out, s)
	if err != nil {
		t.Fatalf("Read of rewritten buffer failed: %v", err)
	}
	if !graph.Equal(first, second) {
		t.Errorf("rewrite changed the graph:\n%s", cmp.Diff(first, second))
	}
}

// sharedOffsetModel builds a v3 model whose k subgraphs are one table, each
// listing the same tensor k times.
func sharedOffsetModel(k int) []byte {
	b := flatbuffers.NewBuilder(0)
	b.StartObject(6)
	b.PrependUint32Slot(4, 1, 0)
	tensor := b.EndObject()

	refs := make([]flatbuffers.UOffsetT, k)
	for i := range refs {
		refs[i] = tensor
	}
	tensors := offsetVector(b, refs)
	b.StartObject(3)
	b.PrependUOffsetTSlot(0, tensors, 0)
	subgraph := b.EndObject()

	for i := range refs {
		refs[i] = subgraph
	}
	subgraphs := offsetVector(b, refs)
	b.StartObject(7)
	b.PrependUint32(3)
	b.Slot(0)
	b.PrependUOffsetTSlot(6, subgraphs, 0)
	b.FinishWithFileIdentifier(b.EndObject(), []byte("MDL3"))
	return b.FinishedBytes()
}

func TestRead_SharedOffsetsAreBounded(t *testing.T) {
	s := schemaV(t, 3)
	buf := sharedOffsetModel(200)

	_, err := Read(buf, s)
	requireCode(t, err, uperrors.CodeCorruptBuffer)

	_, err = NewReader(s, WithMaxTables(1<<20)).Read(buf)
	requireCode(t, err, uperrors.CodeCorruptBuffer)

	got, err := NewReader(s, WithMaxTables(1<<20), WithMaxDecodedBytes(1<<24)).Read(buf)
	if err != nil {
		t.Fatalf("Read with raised limits failed: %v", err)
	}
	sgs, _ := got.Vector(6)
	if len(sgs.Items) != 200 {
		t.Fatalf("got %d subgraphs, want 200", len(sgs.Items))
	}
	ts, _ := sgs.Items[199].(*graph.Table).Vector(0)
	if len(ts.Items) != 200 {
		t.Errorf("got %d tensors, want 200", len(ts.Items))
	}
}

func TestVTableDedup(t *testing.T) {
	s := schemaV(t, 0)
	ops := func(n int) *graph.Table {
		items := make([]*graph.Table, n)
		for i := range items {
			items[i] = graph.NewTable("Operator").With(1, graph.Int32(int32(i+1)))
		}
		return graph.NewTable("Model").With(0, graph.Uint32(0)).With(2, graph.Tables(items...))
	}

	one, err := Write(ops(1), s)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	two, err := Write(ops(2), s)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	// An operator object is an soffset plus one int. Sharing the vtable
	// means the second operator costs that plus its vector slot.
	if grow := len(two) - len(one); grow > 12 {
		t.Errorf("second identical-shape table grew the buffer by %d bytes, vtable was not shared", grow)
	}
}

func TestPeekVersion_Absent(t *testing.T) {
	// Slot 0 is only forced when the root declares it.
	s := schema.MustParse(`table Root { pad:uint (id: 1); } root_type Root;`)
	buf, err := Write(graph.NewTable("Root").With(1, graph.Uint32(5)), s)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	_, present, err := PeekVersion(buf)
	if err != nil {
		t.Fatalf("PeekVersion failed: %v", err)
	}
	if present {
		t.Error("version reported present")
	}

	_, _, err = PeekVersion([]byte{0xff, 0, 0, 0})
	requireCode(t, err, uperrors.CodeCorruptBuffer)
}
