package onnx

import (
	"errors"
	"fmt"
)

// ErrInvalidModel is returned by Verify for structurally broken models.
var ErrInvalidModel = errors.New("invalid onnx model")

// Verify checks that m is a well-formed inference graph.
//
// It requires a default-domain opset, a graph with at least one input and output,
// unique initializer and node output names, and nodes in topological order: every
// node input must be a graph input, an initializer, or the output of an earlier node.
func Verify(m *ModelProto) error {
	if m.OpsetVersion() == 0 {
		return fmt.Errorf("%w: no default opset import", ErrInvalidModel)
	}
	g := m.Graph
	if g == nil {
		return fmt.Errorf("%w: missing graph", ErrInvalidModel)
	}
	if len(g.Inputs) == 0 || len(g.Outputs) == 0 {
		return fmt.Errorf("%w: graph needs inputs and outputs", ErrInvalidModel)
	}

	defined := make(map[string]bool, len(g.Inputs)+len(g.Initializers)+len(g.Nodes))
	define := func(name, what string) error {
		if defined[name] {
			return fmt.Errorf("%w: %s %q defined twice", ErrInvalidModel, what, name)
		}
		defined[name] = true
		return nil
	}
	for _, in := range g.Inputs {
		if err := define(in.Name, "input"); err != nil {
			return err
		}
	}
	for _, init := range g.Initializers {
		if err := define(init.Name, "initializer"); err != nil {
			return err
		}
	}

	for _, n := range g.Nodes {
		if n.OpType == "" {
			return fmt.Errorf("%w: node %q has no op type", ErrInvalidModel, n.Name)
		}
		for _, in := range n.Inputs {
			if in != "" && !defined[in] {
				return fmt.Errorf("%w: node %q (%s) reads undefined value %q", ErrInvalidModel, n.Name, n.OpType, in)
			}
		}
		for _, out := range n.Outputs {
			if err := define(out, "value"); err != nil {
				return err
			}
		}
	}

	for _, out := range g.Outputs {
		if !defined[out.Name] {
			return fmt.Errorf("%w: graph output %q is never produced", ErrInvalidModel, out.Name)
		}
	}
	return nil
}
