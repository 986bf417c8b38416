package nn

import (
	"github.com/born-ml/yolov8/internal/tensor"
)

// Parameter represents a trainable parameter in a neural network.
//
// Parameters are float32 tensors that receive gradients during training. Frozen
// parameters (such as the fixed DFL projection) are still part of the model and are
// still counted and serialized, but optimizers skip them.
type Parameter struct {
	name   string            // Parameter name (e.g., "weight", "bias")
	tensor *tensor.RawTensor // The parameter tensor
	grad   *tensor.RawTensor // Gradient tensor, nil until set
	frozen bool
}

// NewParameter creates a new trainable parameter.
func NewParameter(name string, t *tensor.RawTensor) *Parameter {
	return &Parameter{
		name:   name,
		tensor: t,
	}
}

// Name returns the parameter name.
func (p *Parameter) Name() string {
	return p.name
}

// Tensor returns the parameter tensor.
func (p *Parameter) Tensor() *tensor.RawTensor {
	return p.tensor
}

// NumElements returns the number of scalar values held by the parameter.
func (p *Parameter) NumElements() int {
	return p.tensor.NumElements()
}

// Grad returns the gradient tensor.
//
// Returns nil if no gradient has been computed yet.
func (p *Parameter) Grad() *tensor.RawTensor {
	return p.grad
}

// SetGrad sets the gradient tensor.
func (p *Parameter) SetGrad(grad *tensor.RawTensor) {
	p.grad = grad
}

// ZeroGrad clears the gradient tensor.
func (p *Parameter) ZeroGrad() {
	p.grad = nil
}

// RequiresGrad reports whether optimizers should update this parameter.
func (p *Parameter) RequiresGrad() bool {
	return !p.frozen
}

// Freeze excludes the parameter from optimization.
func (p *Parameter) Freeze() {
	p.frozen = true
}
