package onnx

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/yolov8/internal/tensor"
)

func buildTinyModel(t *testing.T) *ModelProto {
	t.Helper()
	b := NewGraphBuilder("main_graph")
	x := b.AddInput("images", TensorProtoFloat, []int64{1, 3, 8, 8})

	w, err := b.AddInitializer("conv.weight", tensor.Full(tensor.Shape{4, 3, 3, 3}, 0.5))
	require.NoError(t, err)
	bias := b.AddFloats("conv.bias", []int64{4}, []float32{0, 1, 2, 3})

	y := b.Node("Conv", []string{x, w, bias},
		IntsAttr("kernel_shape", 3, 3),
		IntsAttr("pads", 1, 1, 1, 1),
		IntsAttr("strides", 1, 1),
	)
	s := b.Node("Sigmoid", []string{y})
	y = b.Node("Mul", []string{y, s})
	parts := b.NodeN("Split", []string{y, b.AddInt64s("split", []int64{2, 2})}, 2, IntAttr("axis", 1))
	out := b.Node("Concat", parts, IntAttr("axis", 1))
	b.AddOutput(out, TensorProtoFloat, []int64{1, 4, 8, 8})

	return NewModel(b.Graph(), map[string]string{"task": "detect", "imgsz": "[8, 8]"})
}

func TestMarshalRoundTrip(t *testing.T) {
	model := buildTinyModel(t)
	require.NoError(t, Verify(model))

	got, err := Unmarshal(Marshal(model))
	require.NoError(t, err)

	assert.Equal(t, int64(DefaultIRVersion), got.IRVersion)
	assert.Equal(t, int64(DefaultOpset), got.OpsetVersion())
	assert.Equal(t, ProducerName, got.ProducerName)
	assert.Equal(t, map[string]string{"task": "detect", "imgsz": "[8, 8]"}, got.Metadata())

	require.NotNil(t, got.Graph)
	assert.Equal(t, "main_graph", got.Graph.Name)
	require.Len(t, got.Graph.Inputs, 1)
	assert.Equal(t, "images", got.Graph.Inputs[0].Name)
	assert.Equal(t, []int64{1, 3, 8, 8}, got.Graph.Inputs[0].Type.Dims)
	assert.Equal(t, int32(TensorProtoFloat), got.Graph.Inputs[0].Type.ElemType)

	require.Len(t, got.Graph.Nodes, 5)
	ops := make([]string, 0, len(got.Graph.Nodes))
	for _, n := range got.Graph.Nodes {
		ops = append(ops, n.OpType)
	}
	assert.Equal(t, []string{"Conv", "Sigmoid", "Mul", "Split", "Concat"}, ops)
	assert.Len(t, got.Graph.Nodes[3].Outputs, 2)

	conv := got.Graph.Nodes[0]
	require.Len(t, conv.Attributes, 3)
	assert.Equal(t, "kernel_shape", conv.Attributes[0].Name)
	assert.Equal(t, []int64{3, 3}, conv.Attributes[0].Ints)

	require.Len(t, got.Graph.Initializers, 3)
	assert.Equal(t, []int64{4, 3, 3, 3}, got.Graph.Initializers[0].Dims)
	assert.Len(t, got.Graph.Initializers[0].RawData, 4*4*3*3*3)

	require.NoError(t, Verify(got))
}

func TestAttributeTypes(t *testing.T) {
	b := NewGraphBuilder("g")
	x := b.AddInput("x", TensorProtoFloat, []int64{1})
	y := b.Node("Resize", []string{x, "", b.AddFloats("scales", []int64{1}, []float32{2})},
		StringAttr("mode", "nearest"),
		FloatAttr("cubic_coeff_a", -0.75),
		IntAttr("exclude_outside", 0),
	)
	b.AddOutput(y, TensorProtoFloat, []int64{2})

	got, err := Unmarshal(Marshal(NewModel(b.Graph(), nil)))
	require.NoError(t, err)
	require.NoError(t, Verify(got))

	node := got.Graph.Nodes[0]
	assert.Equal(t, []string{"x", "", "scales"}, node.Inputs)
	assert.Equal(t, []byte("nearest"), node.Attributes[0].S)
	assert.InDelta(t, -0.75, node.Attributes[1].F, 1e-6)
	assert.Equal(t, int32(AttributeProtoInt), node.Attributes[2].Type)
}

func TestUniqueNames(t *testing.T) {
	b := NewGraphBuilder("g")
	assert.Equal(t, "w", b.Unique("w"))
	assert.Equal(t, "w_1", b.Unique("w"))
	assert.Equal(t, "w_2", b.Unique("w"))
}

func TestVerifyRejects(t *testing.T) {
	t.Run("undefined input", func(t *testing.T) {
		m := buildTinyModel(t)
		m.Graph.Nodes[1].Inputs[0] = "missing"
		assert.ErrorIs(t, Verify(m), ErrInvalidModel)
	})
	t.Run("no opset", func(t *testing.T) {
		m := buildTinyModel(t)
		m.OpsetImport = nil
		assert.ErrorIs(t, Verify(m), ErrInvalidModel)
	})
	t.Run("unproduced output", func(t *testing.T) {
		m := buildTinyModel(t)
		m.Graph.Outputs[0].Name = "nowhere"
		assert.ErrorIs(t, Verify(m), ErrInvalidModel)
	})
	t.Run("duplicate value", func(t *testing.T) {
		m := buildTinyModel(t)
		m.Graph.Nodes[2].Outputs[0] = m.Graph.Nodes[1].Outputs[0]
		assert.ErrorIs(t, Verify(m), ErrInvalidModel)
	})
}

func TestUnmarshalMalformed(t *testing.T) {
	_, err := Unmarshal([]byte{0x0A, 0x05, 0x01})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestWriteReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.onnx")
	require.NoError(t, WriteFile(path, buildTinyModel(t)))

	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "detect", got.Metadata()["task"])
}
