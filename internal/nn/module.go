// Package nn implements the neural network modules that make up a YOLOv8 detection model.
//
// Modules carry parameters and shape logic only: they know how to describe their
// trainable tensors, persist them through state dictionaries, and propagate input shapes.
// Tensor computation is left to whatever runtime consumes an exported graph.
//
// The building blocks are:
//   - Conv2D, BatchNorm2D: primitive layers
//   - Conv: Conv2D + BatchNorm2D + SiLU
//   - Bottleneck, C2f, SPPF: YOLOv8 backbone/neck blocks
//   - Upsample, Concat: parameter-free graph plumbing
//   - ChannelAttention, SpatialAttention, CBAM: attention blocks
//   - DFL, Detect: anchor-free detection head
//   - Sequential: ordered container
package nn

import (
	"github.com/born-ml/yolov8/internal/tensor"
)

// Module is the base interface for all neural network components.
//
// State dictionary keys are relative to the module; containers prefix the keys of
// their children with the child's name (e.g. "cv1.conv.weight").
type Module interface {
	// Parameters returns all trainable parameters of this module, including those of
	// nested modules. Parameter-free modules return an empty slice.
	Parameters() []*Parameter

	// StateDict returns parameters and buffers keyed by their dotted path.
	StateDict() map[string]*tensor.RawTensor

	// LoadStateDict copies tensors from stateDict into the module.
	// Every key the module owns must be present with a matching shape.
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error

	// OutputShape computes the output shape for the given input shapes.
	// Most modules take a single [N, C, H, W] input; Concat and Detect take several.
	OutputShape(inputs ...tensor.Shape) (tensor.Shape, error)

	// String returns a PyTorch-style one-line description.
	String() string
}

// NumParameters sums the element counts of all parameters of m.
func NumParameters(m Module) int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.NumElements()
	}
	return total
}
