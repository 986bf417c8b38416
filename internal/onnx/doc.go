// Package onnx provides ONNX model export and verification.
//
// ONNX (Open Neural Network Exchange) is an open format for representing deep learning models.
// This package keeps a hand-written subset of the ONNX protobuf messages and encodes and
// decodes them on the protobuf wire format directly, so no generated code is needed.
//
// Key components:
//   - ModelProto: Top-level ONNX model structure with metadata and graph
//   - GraphProto: Computation graph with nodes, inputs, outputs, and initializers
//   - GraphBuilder: Incremental graph construction with unique value names
//   - Marshal/Unmarshal: Wire-format encoding of ModelProto
//   - Verify: Structural checks on a decoded model
//
// Example usage:
//
//	b := onnx.NewGraphBuilder("main_graph")
//	x := b.AddInput("images", onnx.TensorProtoFloat, []int64{1, 3, 640, 640})
//	y := b.Node("Sigmoid", []string{x})
//	b.AddOutput(y, onnx.TensorProtoFloat, []int64{1, 3, 640, 640})
//
//	model := onnx.NewModel(b.Graph(), map[string]string{"task": "detect"})
//	if err := onnx.WriteFile("model.onnx", model); err != nil {
//	    return err
//	}
package onnx
