package nn

import (
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/born-ml/yolov8/internal/tensor"
)

// Sequential is a container module that chains multiple modules together.
//
// Each module's output shape becomes the next module's input shape.
type Sequential struct {
	modules []Module
}

// NewSequential creates a new Sequential container.
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{
		modules: modules,
	}
}

// OutputShape applies all modules in sequence.
func (s *Sequential) OutputShape(inputs ...tensor.Shape) (tensor.Shape, error) {
	if len(s.modules) == 0 {
		if len(inputs) != 1 {
			return nil, fmt.Errorf("sequential: expected 1 input, got %d", len(inputs))
		}
		return inputs[0].Clone(), nil
	}
	out, err := s.modules[0].OutputShape(inputs...)
	if err != nil {
		return nil, fmt.Errorf("sequential.0: %w", err)
	}
	for i, m := range s.modules[1:] {
		if out, err = m.OutputShape(out); err != nil {
			return nil, fmt.Errorf("sequential.%d: %w", i+1, err)
		}
	}
	return out, nil
}

// Parameters returns all trainable parameters from all modules.
func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter

	for _, module := range s.modules {
		params = append(params, module.Parameters()...)
	}

	return params
}

// Len returns the number of modules in the sequence.
func (s *Sequential) Len() int {
	return len(s.modules)
}

// Module returns the module at the given index.
//
// Panics if index is out of bounds.
func (s *Sequential) Module(index int) Module {
	if index < 0 || index >= len(s.modules) {
		panic("Sequential.Module: index out of bounds")
	}
	return s.modules[index]
}

// All iterates the modules in order.
func (s *Sequential) All() iter.Seq[Module] {
	return func(yield func(Module) bool) {
		for _, m := range s.modules {
			if !yield(m) {
				return
			}
		}
	}
}

// StateDict returns a map of parameter names to raw tensors.
//
// Parameters are prefixed with their module index (e.g., "0.conv.weight", "2.bias").
func (s *Sequential) StateDict() map[string]*tensor.RawTensor {
	stateDict := make(map[string]*tensor.RawTensor)
	for i, module := range s.modules {
		mergeState(stateDict, strconv.Itoa(i), module.StateDict())
	}
	return stateDict
}

// LoadStateDict loads parameters from a state dictionary.
func (s *Sequential) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	for i, module := range s.modules {
		if err := loadChild(module, stateDict, strconv.Itoa(i)); err != nil {
			return fmt.Errorf("failed to load module %w", err)
		}
	}
	return nil
}

// String implements Module.
func (s *Sequential) String() string {
	parts := make([]string, len(s.modules))
	for i, m := range s.modules {
		parts[i] = m.String()
	}
	return "Sequential(" + strings.Join(parts, ", ") + ")"
}
