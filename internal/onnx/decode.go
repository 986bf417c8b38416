package onnx

import (
	"errors"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when bytes are not a valid protobuf encoding.
var ErrMalformed = errors.New("malformed protobuf")

// field is one decoded protobuf field. Only the member matching typ is set.
type field struct {
	num     protowire.Number
	typ     protowire.Type
	varint  uint64
	fixed32 uint32
	bytes   []byte
}

// walk calls fn for every field in b. Unknown wire types are skipped.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: tag: %w", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			f.fixed32, n = protowire.ConsumeFixed32(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %w", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// int64s appends a repeated int64 field in either packed or unpacked form.
func (f field) int64s(dst []int64) ([]int64, error) {
	if f.typ == protowire.VarintType {
		return append(dst, int64(f.varint)), nil //nolint:gosec // two's complement round trip
	}
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: packed varint: %w", ErrMalformed, protowire.ParseError(n))
		}
		dst = append(dst, int64(v)) //nolint:gosec // two's complement round trip
		b = b[n:]
	}
	return dst, nil
}

// float32s appends a repeated float field in either packed or unpacked form.
func (f field) float32s(dst []float32) ([]float32, error) {
	if f.typ == protowire.Fixed32Type {
		return append(dst, math.Float32frombits(f.fixed32)), nil
	}
	b := f.bytes
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: packed float: %w", ErrMalformed, protowire.ParseError(n))
		}
		dst = append(dst, math.Float32frombits(v))
		b = b[n:]
	}
	return dst, nil
}

// Unmarshal decodes a model from protobuf wire format.
func Unmarshal(data []byte) (*ModelProto, error) {
	m := &ModelProto{}
	err := walk(data, func(f field) error {
		switch f.num {
		case modelIRVersion:
			m.IRVersion = int64(f.varint) //nolint:gosec // two's complement round trip
		case modelProducerName:
			m.ProducerName = string(f.bytes)
		case modelProducerVersion:
			m.ProducerVersion = string(f.bytes)
		case modelDomain:
			m.Domain = string(f.bytes)
		case modelModelVersion:
			m.ModelVersion = int64(f.varint) //nolint:gosec // two's complement round trip
		case modelDocString:
			m.DocString = string(f.bytes)
		case modelGraph:
			g, err := unmarshalGraph(f.bytes)
			if err != nil {
				return fmt.Errorf("graph: %w", err)
			}
			m.Graph = g
		case modelOpsetImport:
			var op OperatorSetID
			err := walk(f.bytes, func(f field) error {
				switch f.num {
				case opsetDomain:
					op.Domain = string(f.bytes)
				case opsetVersion:
					op.Version = int64(f.varint) //nolint:gosec // two's complement round trip
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.OpsetImport = append(m.OpsetImport, op)
		case modelMetadataProps:
			var kv StringStringEntry
			err := walk(f.bytes, func(f field) error {
				switch f.num {
				case entryKey:
					kv.Key = string(f.bytes)
				case entryValue:
					kv.Value = string(f.bytes)
				}
				return nil
			})
			if err != nil {
				return err
			}
			m.MetadataProps = append(m.MetadataProps, kv)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse model: %w", err)
	}
	return m, nil
}

// ReadFile reads and decodes the model at path.
//
//nolint:gosec // G304: Path is provided by user, file inclusion is intentional for ONNX model loading
func ReadFile(path string) (*ModelProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Unmarshal(data)
}

func unmarshalGraph(b []byte) (*GraphProto, error) {
	g := &GraphProto{}
	err := walk(b, func(f field) error {
		switch f.num {
		case graphNode:
			n, err := unmarshalNode(f.bytes)
			if err != nil {
				return err
			}
			g.Nodes = append(g.Nodes, *n)
		case graphName:
			g.Name = string(f.bytes)
		case graphInitializer:
			t, err := unmarshalTensor(f.bytes)
			if err != nil {
				return err
			}
			g.Initializers = append(g.Initializers, *t)
		case graphDocString:
			g.DocString = string(f.bytes)
		case graphInput, graphOutput:
			v, err := unmarshalValueInfo(f.bytes)
			if err != nil {
				return err
			}
			if f.num == graphInput {
				g.Inputs = append(g.Inputs, *v)
			} else {
				g.Outputs = append(g.Outputs, *v)
			}
		}
		return nil
	})
	return g, err
}

func unmarshalNode(b []byte) (*NodeProto, error) {
	n := &NodeProto{}
	err := walk(b, func(f field) error {
		switch f.num {
		case nodeInput:
			n.Inputs = append(n.Inputs, string(f.bytes))
		case nodeOutput:
			n.Outputs = append(n.Outputs, string(f.bytes))
		case nodeName:
			n.Name = string(f.bytes)
		case nodeOpType:
			n.OpType = string(f.bytes)
		case nodeAttribute:
			a, err := unmarshalAttribute(f.bytes)
			if err != nil {
				return err
			}
			n.Attributes = append(n.Attributes, *a)
		case nodeDomain:
			n.Domain = string(f.bytes)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	return n, nil
}

func unmarshalAttribute(b []byte) (*AttributeProto, error) {
	a := &AttributeProto{}
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case attrName:
			a.Name = string(f.bytes)
		case attrF:
			a.F = math.Float32frombits(f.fixed32)
		case attrI:
			a.I = int64(f.varint) //nolint:gosec // two's complement round trip
		case attrS:
			a.S = append([]byte(nil), f.bytes...)
		case attrFloats:
			a.Floats, err = f.float32s(a.Floats)
		case attrInts:
			a.Ints, err = f.int64s(a.Ints)
		case attrType:
			a.Type = int32(f.varint) //nolint:gosec // enum value
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("attribute: %w", err)
	}
	return a, nil
}

func unmarshalTensor(b []byte) (*TensorProto, error) {
	t := &TensorProto{}
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case tensorDims:
			t.Dims, err = f.int64s(t.Dims)
		case tensorDataType:
			t.DataType = int32(f.varint) //nolint:gosec // enum value
		case tensorFloatData:
			t.FloatData, err = f.float32s(t.FloatData)
		case tensorInt64Data:
			t.Int64Data, err = f.int64s(t.Int64Data)
		case tensorName:
			t.Name = string(f.bytes)
		case tensorRawData:
			t.RawData = append([]byte(nil), f.bytes...)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("tensor: %w", err)
	}
	return t, nil
}

func unmarshalValueInfo(b []byte) (*ValueInfoProto, error) {
	v := &ValueInfoProto{}
	err := walk(b, func(f field) error {
		switch f.num {
		case valueInfoName:
			v.Name = string(f.bytes)
		case valueInfoType:
			typ, err := unmarshalType(f.bytes)
			if err != nil {
				return err
			}
			v.Type = typ
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("value info: %w", err)
	}
	return v, nil
}

// unmarshalType flattens TypeProto.tensor_type into TypeProto.
func unmarshalType(b []byte) (*TypeProto, error) {
	typ := &TypeProto{}
	err := walk(b, func(f field) error {
		if f.num != typeTensorType {
			return nil
		}
		return walk(f.bytes, func(f field) error {
			switch f.num {
			case tensorTypeElem:
				typ.ElemType = int32(f.varint) //nolint:gosec // enum value
			case tensorTypeShape:
				return walk(f.bytes, func(f field) error {
					if f.num != shapeDim {
						return nil
					}
					var dim int64 = -1
					err := walk(f.bytes, func(f field) error {
						if f.num == dimValue {
							dim = int64(f.varint) //nolint:gosec // two's complement round trip
						}
						return nil
					})
					typ.Dims = append(typ.Dims, dim)
					return err
				})
			}
			return nil
		})
	})
	return typ, err
}
