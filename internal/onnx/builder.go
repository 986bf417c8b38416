package onnx

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/born-ml/yolov8/internal/tensor"
)

// Export defaults.
const (
	DefaultOpset     = 17
	DefaultIRVersion = 8
	ProducerName     = "born"
	ProducerVersion  = "0.5.4"
)

// GraphBuilder assembles a GraphProto node by node.
//
// Value names handed out by the builder are unique within the graph, so callers
// can chain Node calls without tracking names themselves.
type GraphBuilder struct {
	graph  *GraphProto
	counts map[string]int
}

// NewGraphBuilder creates a builder for a graph with the given name.
func NewGraphBuilder(name string) *GraphBuilder {
	return &GraphBuilder{
		graph:  &GraphProto{Name: name},
		counts: make(map[string]int),
	}
}

// Unique returns a fresh value name derived from prefix.
func (b *GraphBuilder) Unique(prefix string) string {
	n := b.counts[prefix]
	b.counts[prefix] = n + 1
	if n == 0 {
		return prefix
	}
	return fmt.Sprintf("%s_%d", prefix, n)
}

// AddInput declares a graph input and returns its name.
func (b *GraphBuilder) AddInput(name string, elemType int32, dims []int64) string {
	b.graph.Inputs = append(b.graph.Inputs, ValueInfoProto{
		Name: name,
		Type: &TypeProto{ElemType: elemType, Dims: append([]int64(nil), dims...)},
	})
	return name
}

// AddOutput declares value as a graph output.
func (b *GraphBuilder) AddOutput(value string, elemType int32, dims []int64) {
	b.graph.Outputs = append(b.graph.Outputs, ValueInfoProto{
		Name: value,
		Type: &TypeProto{ElemType: elemType, Dims: append([]int64(nil), dims...)},
	})
}

// AddInitializer stores raw as a constant tensor and returns its value name.
func (b *GraphBuilder) AddInitializer(name string, raw *tensor.RawTensor) (string, error) {
	dt, err := DataTypeOf(raw.DType())
	if err != nil {
		return "", err
	}
	name = b.Unique(name)
	b.graph.Initializers = append(b.graph.Initializers, TensorProto{
		Name:     name,
		DataType: dt,
		Dims:     raw.Shape().Int64(),
		RawData:  append([]byte(nil), raw.Data()...),
	})
	return name, nil
}

// AddFloats stores a float32 constant with the given dims.
func (b *GraphBuilder) AddFloats(name string, dims []int64, values []float32) string {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	name = b.Unique(name)
	b.graph.Initializers = append(b.graph.Initializers, TensorProto{
		Name: name, DataType: TensorProtoFloat, Dims: dims, RawData: data,
	})
	return name
}

// AddInt64s stores a 1-D int64 constant, as used by Reshape, Split and Slice.
func (b *GraphBuilder) AddInt64s(name string, values []int64) string {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[8*i:], uint64(v)) //nolint:gosec // two's complement round trip
	}
	name = b.Unique(name)
	b.graph.Initializers = append(b.graph.Initializers, TensorProto{
		Name: name, DataType: TensorProtoInt64, Dims: []int64{int64(len(values))}, RawData: data,
	})
	return name
}

// Node appends a single-output node and returns the output value name.
func (b *GraphBuilder) Node(opType string, inputs []string, attrs ...AttributeProto) string {
	return b.NodeN(opType, inputs, 1, attrs...)[0]
}

// NodeN appends a node with n outputs and returns their value names.
func (b *GraphBuilder) NodeN(opType string, inputs []string, n int, attrs ...AttributeProto) []string {
	name := b.Unique("/" + opType)
	outputs := make([]string, n)
	for i := range outputs {
		outputs[i] = b.Unique(fmt.Sprintf("%s_output_%d", name, i))
	}
	b.graph.Nodes = append(b.graph.Nodes, NodeProto{
		Name:       name,
		OpType:     opType,
		Inputs:     append([]string(nil), inputs...),
		Outputs:    outputs,
		Attributes: attrs,
	})
	return outputs
}

// AddNamedOutput routes value through an Identity node into a graph output called name.
func (b *GraphBuilder) AddNamedOutput(value, name string, elemType int32, dims []int64) {
	b.counts[name]++
	b.graph.Nodes = append(b.graph.Nodes, NodeProto{
		Name:    b.Unique("/Identity"),
		OpType:  "Identity",
		Inputs:  []string{value},
		Outputs: []string{name},
	})
	b.AddOutput(name, elemType, dims)
}

// Graph returns the assembled graph.
func (b *GraphBuilder) Graph() *GraphProto {
	return b.graph
}

// NewModel wraps graph in a ModelProto with the default opset, IR version, and
// metadata sorted by key.
func NewModel(graph *GraphProto, metadata map[string]string) *ModelProto {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	m := &ModelProto{
		IRVersion:       DefaultIRVersion,
		OpsetImport:     []OperatorSetID{{Version: DefaultOpset}},
		ProducerName:    ProducerName,
		ProducerVersion: ProducerVersion,
		Graph:           graph,
	}
	for _, k := range keys {
		m.MetadataProps = append(m.MetadataProps, StringStringEntry{Key: k, Value: metadata[k]})
	}
	return m
}

// IntAttr builds an INT attribute.
func IntAttr(name string, v int64) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoInt, I: v}
}

// IntsAttr builds an INTS attribute.
func IntsAttr(name string, v ...int64) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoInts, Ints: v}
}

// FloatAttr builds a FLOAT attribute.
func FloatAttr(name string, v float32) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoFloat, F: v}
}

// StringAttr builds a STRING attribute.
func StringAttr(name, v string) AttributeProto {
	return AttributeProto{Name: name, Type: AttributeProtoString, S: []byte(v)}
}

// DataTypeOf maps a tensor dtype to its ONNX element type.
func DataTypeOf(dt tensor.DataType) (int32, error) {
	switch dt {
	case tensor.Float32:
		return TensorProtoFloat, nil
	case tensor.Float64:
		return TensorProtoDouble, nil
	case tensor.Int32:
		return TensorProtoInt32, nil
	case tensor.Int64:
		return TensorProtoInt64, nil
	case tensor.Uint8:
		return TensorProtoUint8, nil
	case tensor.Bool:
		return TensorProtoBool, nil
	default:
		return TensorProtoUndefined, fmt.Errorf("unsupported dtype for onnx: %s", dt)
	}
}
