package migration

import (
	uperrors "github.com/modelup/modelup/internal/errors"
	"github.com/modelup/modelup/internal/graph"
	"github.com/modelup/modelup/internal/schema"
)

// Field ids by table, stable across every version that declares them.
const (
	modelTensors   = 1
	modelOperators = 2
	modelEdges     = 3
	modelBuffers   = 5
	modelSubgraphs = 6

	tensorType        = 2
	tensorData        = 3
	tensorBuffer      = 4
	tensorElementType = 5

	bufferData = 0

	subgraphTensors   = 0
	subgraphOperators = 1
	subgraphName      = 2

	operatorParam   = 1
	operatorStride  = 1
	operatorPadding = 2
	operatorInputs  = 3
	operatorOutputs = 4

	edgeOp     = 0
	edgeTensor = 1
	edgeOutput = 2
)

// ExtractBuffers moves inline tensor payloads into Model.buffers.
// Buffer 0 is an empty sentinel referenced by tensors without data.
type ExtractBuffers struct{ stepInfo }

func NewExtractBuffers() *ExtractBuffers {
	return &ExtractBuffers{stepInfo{
		from:        0,
		name:        "extract-buffers",
		description: "move Tensor.data into Model.buffers and reference it by index",
	}}
}

func (s *ExtractBuffers) Apply(in *graph.Table) (*graph.Table, error) {
	root, err := s.begin(in)
	if err != nil {
		return nil, err
	}
	if root.Has(modelBuffers) {
		return nil, uperrors.AlreadyMigrated(s.name, "Model.buffers is already populated")
	}
	tensors, err := tables(root, modelTensors, s.name)
	if err != nil {
		return nil, err
	}

	buffers := []*graph.Table{graph.NewTable("Buffer")}
	for i, t := range tensors {
		if t.Has(tensorBuffer) {
			return nil, uperrors.AlreadyMigrated(s.name, "tensor %d already references a buffer", i)
		}
		if t.Has(tensorData) {
			data, err := byteVector(t, tensorData, s.name)
			if err != nil {
				return nil, err
			}
			buffers = append(buffers, graph.NewTable("Buffer").With(bufferData, data))
			t.Delete(tensorData)
			t.Set(tensorBuffer, graph.Uint32(uint32(len(buffers)-1)))
			continue
		}
		t.Set(tensorBuffer, graph.Uint32(0))
	}

	root.Set(modelBuffers, graph.Tables(buffers...))
	return s.finish(root), nil
}

func byteVector(t *graph.Table, id uint16, step string) (*graph.Vector, error) {
	v, ok := t.Vector(id)
	if !ok || (v.Elem != schema.BaseUByte && v.Elem != schema.BaseByte) {
		return nil, uperrors.SchemaViolation("%s: %s field %d is not a byte vector", step, t.Name, id)
	}
	return v, nil
}

// legacyTensorTypes maps v0 type codes onto TensorType values.
var legacyTensorTypes = map[int64]uint8{
	0: 0, // float32 -> FLOAT32
	1: 3, // uint8 -> UINT8
	2: 2, // int32 -> INT32
	3: 4, // int64 -> INT64
}

// IntroduceSubgraphs groups the model's tensors and operators into a
// single subgraph named "main" and renames Tensor.type onto
// Tensor.element_type using TensorType codes.
type IntroduceSubgraphs struct{ stepInfo }

func NewIntroduceSubgraphs() *IntroduceSubgraphs {
	return &IntroduceSubgraphs{stepInfo{
		from:        1,
		name:        "introduce-subgraphs",
		description: "wrap Model.tensors and Model.operators in SubGraph \"main\" and map Tensor.type to element_type",
	}}
}

func (s *IntroduceSubgraphs) Apply(in *graph.Table) (*graph.Table, error) {
	root, err := s.begin(in)
	if err != nil {
		return nil, err
	}
	if root.Has(modelSubgraphs) {
		return nil, uperrors.AlreadyMigrated(s.name, "Model.subgraphs is already populated")
	}
	tensors, err := tables(root, modelTensors, s.name)
	if err != nil {
		return nil, err
	}

	for i, t := range tensors {
		if t.Has(tensorElementType) {
			return nil, uperrors.AlreadyMigrated(s.name, "tensor %d already has an element type", i)
		}
		code, err := intField(t, tensorType, 0, s.name)
		if err != nil {
			return nil, err
		}
		elem, ok := legacyTensorTypes[code]
		if !ok {
			return nil, uperrors.SchemaViolation("%s: tensor %d has unmapped type code %d", s.name, i, code)
		}
		t.Delete(tensorType)
		t.Set(tensorElementType, graph.Uint8(elem))
	}

	main := graph.NewTable("SubGraph").With(subgraphName, graph.Str("main"))
	if n, ok := root.Get(modelTensors); ok {
		main.Set(subgraphTensors, n)
	}
	if n, ok := root.Get(modelOperators); ok {
		main.Set(subgraphOperators, n)
	}
	root.Delete(modelTensors)
	root.Delete(modelOperators)
	root.Set(modelSubgraphs, graph.Tables(main))
	return s.finish(root), nil
}

// Padding codes packed into bits 16..23 of the legacy operator param.
var legacyPadding = map[int64]int8{
	0: 0, // SAME
	1: 1, // VALID
}

// SplitOperatorParams splits the packed Operator.param into stride and
// padding, and folds Model.edges into operator inputs and outputs of the
// first subgraph.
type SplitOperatorParams struct{ stepInfo }

func NewSplitOperatorParams() *SplitOperatorParams {
	return &SplitOperatorParams{stepInfo{
		from:        2,
		name:        "split-operator-params",
		description: "split Operator.param into stride and padding and merge Model.edges into operator inputs/outputs",
	}}
}

func (s *SplitOperatorParams) Apply(in *graph.Table) (*graph.Table, error) {
	root, err := s.begin(in)
	if err != nil {
		return nil, err
	}
	subgraphs, err := tables(root, modelSubgraphs, s.name)
	if err != nil {
		return nil, err
	}

	var first []*graph.Table
	for si, sg := range subgraphs {
		ops, err := tables(sg, subgraphOperators, s.name)
		if err != nil {
			return nil, err
		}
		if si == 0 {
			first = ops
		}
		for oi, op := range ops {
			if op.Has(operatorPadding) || op.Has(operatorInputs) || op.Has(operatorOutputs) {
				return nil, uperrors.AlreadyMigrated(s.name, "subgraph %d operator %d already has split parameters", si, oi)
			}
			if err := s.split(op, si, oi); err != nil {
				return nil, err
			}
		}
	}

	edges, err := tables(root, modelEdges, s.name)
	if err != nil {
		return nil, err
	}
	inputs := make(map[int][]int32)
	outputs := make(map[int][]int32)
	for ei, e := range edges {
		op, err := intField(e, edgeOp, 0, s.name)
		if err != nil {
			return nil, err
		}
		tensor, err := intField(e, edgeTensor, 0, s.name)
		if err != nil {
			return nil, err
		}
		if op < 0 || op >= int64(len(first)) {
			return nil, uperrors.SchemaViolation("%s: edge %d names operator %d outside the first subgraph", s.name, ei, op)
		}
		out := false
		if flag, ok := e.Scalar(edgeOutput); ok {
			out = flag.Bool()
		}
		if out {
			outputs[int(op)] = append(outputs[int(op)], int32(tensor))
		} else {
			inputs[int(op)] = append(inputs[int(op)], int32(tensor))
		}
	}
	for i, op := range first {
		if in, ok := inputs[i]; ok {
			op.Set(operatorInputs, graph.Int32s(in...))
		}
		if out, ok := outputs[i]; ok {
			op.Set(operatorOutputs, graph.Int32s(out...))
		}
	}

	root.Delete(modelEdges)
	return s.finish(root), nil
}

// split applies the param derivation: stride = param & 0xFFFF, padding =
// (param >> 16) & 0xFF. The top byte must be zero.
func (s *SplitOperatorParams) split(op *graph.Table, si, oi int) error {
	param, err := intField(op, operatorParam, 0, s.name)
	if err != nil {
		return err
	}
	bits := uint32(param)
	if bits>>24 != 0 {
		return uperrors.SchemaViolation("%s: subgraph %d operator %d param %#x sets reserved bits", s.name, si, oi, bits)
	}
	padding, ok := legacyPadding[int64(bits>>16&0xFF)]
	if !ok {
		return uperrors.SchemaViolation("%s: subgraph %d operator %d has unknown padding code %d", s.name, si, oi, bits>>16&0xFF)
	}
	op.Set(operatorStride, graph.Int32(int32(bits&0xFFFF)))
	op.Set(operatorPadding, graph.Int8(padding))
	return nil
}
