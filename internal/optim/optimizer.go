// Package optim implements optimization algorithms for training neural networks.
//
// Optimizers consume the gradients attached to each nn.Parameter (see
// Parameter.SetGrad) and update parameter tensors in place. Frozen parameters
// are skipped.
//
// Example usage:
//
//	optimizer := optim.NewSGD(model.Parameters(), optim.SGDConfig{
//	    LR:       0.01,
//	    Momentum: 0.937,
//	})
//
//	for epoch := range epochs {
//	    computeGradients(model)
//	    optimizer.Step()
//	    optimizer.ZeroGrad()
//	}
package optim

import (
	"github.com/born-ml/yolov8/internal/tensor"
)

// Optimizer is the base interface for all optimization algorithms.
type Optimizer interface {
	// Step applies the attached gradients to all trainable parameters.
	Step()

	// ZeroGrad clears all parameter gradients.
	ZeroGrad()

	// GetLR returns the current learning rate.
	GetLR() float32

	// Name identifies the algorithm in checkpoint metadata (e.g., "SGD").
	Name() string

	// Config returns the hyperparameters for checkpoint metadata.
	Config() map[string]any

	// StateDict returns optimizer buffers for serialization.
	StateDict() map[string]*tensor.RawTensor

	// LoadStateDict restores buffers produced by StateDict.
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error
}
