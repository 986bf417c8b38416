package yolo

import (
	"fmt"
	"iter"
	"math"
	"strconv"
	"strings"

	"github.com/juju/errors"

	"github.com/born-ml/yolov8/internal/nn"
	"github.com/born-ml/yolov8/internal/tensor"
)

// strideProbe is the square input size used to measure Detect strides.
const strideProbe = 256

// Layer is one built row of the model table.
type Layer struct {
	Index   int
	From    []int
	Repeats int
	Type    string
	Args    []any
	Module  nn.Module
}

// Params returns the parameter count of the layer.
func (l *Layer) Params() int {
	return nn.NumParameters(l.Module)
}

// Network is a built detection model: an ordered list of layers whose inputs are
// wired by their From indices, ending in a Detect head.
type Network struct {
	layers []*Layer
	detect *nn.Detect
	ch     int
	nc     int
	scale  Scale
}

// Build constructs the network described by cfg at the given scale.
//
// Repeat counts become max(round(n*depth), 1) when n > 1, and channel widths
// become min(c2, max_channels)*width rounded up to a multiple of 8, except for
// layers whose width equals nc. C2f folds its repeats into the block itself.
func Build(cfg *Config, scale Scale) (*Network, error) {
	net := &Network{ch: cfg.Ch, nc: cfg.NC, scale: scale}
	channels := make([]int, 0, len(cfg.Backbone)+len(cfg.Head))

	for i, spec := range cfg.Layers() {
		from, err := resolveFrom(spec.From, i)
		if err != nil {
			return nil, errors.Annotatef(err, "layer %d", i)
		}
		inCh := func(j int) int {
			if j < 0 {
				return cfg.Ch
			}
			return channels[j]
		}

		args := resolveArgs(spec.Args, cfg.NC)
		n := spec.Repeats
		if n > 1 {
			n = max(int(math.RoundToEven(float64(n)*scale.Depth)), 1)
		}

		var (
			module nn.Module
			c2     int
		)
		switch spec.Module {
		case "Conv", "C2f", "SPPF":
			c1 := inCh(from[0])
			if c2, err = argInt(args, 0, 0); err != nil || c2 <= 0 {
				return nil, errors.NotValidf("layer %d: %s output channels %v", i, spec.Module, args)
			}
			if c2 != cfg.NC {
				c2 = makeDivisible(float64(min(c2, scale.MaxChannels))*scale.Width, 8)
			}
			module, err = buildBlock(spec.Module, c1, c2, n, args)
			if spec.Module == "C2f" {
				n = 1
			}
		case "nn.Upsample":
			c2 = inCh(from[0])
			var factor int
			if factor, err = argInt(args, 1, 2); err == nil {
				module, err = nn.NewUpsample(factor, argString(args, 2, "nearest"))
			}
		case "Concat":
			for _, j := range from {
				c2 += inCh(j)
			}
			var dim int
			if dim, err = argInt(args, 0, 1); err == nil {
				module, err = nn.NewConcat(dim)
			}
		case "CBAM":
			c2 = inCh(from[0])
			var kernel int
			if kernel, err = argInt(args, 1, 7); err == nil {
				module, err = nn.NewCBAM(c2, kernel)
			}
		case "Detect":
			ch := make([]int, len(from))
			for k, j := range from {
				ch[k] = inCh(j)
			}
			var nc int
			if nc, err = argInt(args, 0, cfg.NC); err == nil {
				module, err = nn.NewDetect(nc, ch)
			}
		default:
			return nil, errors.NotSupportedf("layer %d: module %q", i, spec.Module)
		}
		if err != nil {
			return nil, errors.Annotatef(err, "layer %d (%s)", i, spec.Module)
		}

		if n > 1 {
			copies := []nn.Module{module}
			for range n - 1 {
				extra, err := buildBlock(spec.Module, inCh(from[0]), c2, 1, args)
				if err != nil {
					return nil, errors.Annotatef(err, "layer %d (%s)", i, spec.Module)
				}
				copies = append(copies, extra)
			}
			module = nn.NewSequential(copies...)
		}

		if d, ok := module.(*nn.Detect); ok {
			if i != len(cfg.Backbone)+len(cfg.Head)-1 {
				return nil, errors.NotValidf("layer %d: Detect must be the last layer", i)
			}
			net.detect = d
		}
		net.layers = append(net.layers, &Layer{
			Index:   i,
			From:    spec.From,
			Repeats: n,
			Type:    spec.Module,
			Args:    args,
			Module:  module,
		})
		channels = append(channels, c2)
	}

	if net.detect == nil {
		return nil, errors.NotValidf("model configuration without a Detect head")
	}
	if err := net.initStrides(); err != nil {
		return nil, errors.Trace(err)
	}
	return net, nil
}

func buildBlock(kind string, c1, c2, n int, args []any) (nn.Module, error) {
	switch kind {
	case "Conv":
		k, err := argInt(args, 1, 1)
		if err != nil {
			return nil, err
		}
		s, err := argInt(args, 2, 1)
		if err != nil {
			return nil, err
		}
		if k <= 0 {
			return nil, errors.NotValidf("kernel %d", k)
		}
		if s <= 0 {
			return nil, errors.NotValidf("stride %d", s)
		}
		return nn.NewConv(c1, c2, k, s), nil
	case "C2f":
		return nn.NewC2f(c1, c2, n, argBool(args, 1, false)), nil
	case "SPPF":
		k, err := argInt(args, 1, 5)
		if err != nil {
			return nil, err
		}
		if k <= 0 {
			return nil, errors.NotValidf("pooling kernel %d", k)
		}
		return nn.NewSPPF(c1, c2, k), nil
	default:
		return nil, errors.NotSupportedf("repeating module %q", kind)
	}
}

// initStrides measures the downsampling of each Detect input with a shape trace
// and primes the head biases.
func (n *Network) initStrides() error {
	shapes, err := n.Trace(tensor.Shape{1, n.ch, strideProbe, strideProbe})
	if err != nil {
		return errors.Annotate(err, "measuring strides")
	}
	head := n.layers[len(n.layers)-1]
	stride := make([]float64, len(head.From))
	for k, j := range head.From {
		in := shapes[n.absolute(j, head.Index)]
		stride[k] = float64(strideProbe) / float64(in[2])
	}
	if err := n.detect.SetStride(stride); err != nil {
		return err
	}
	return n.detect.InitBiases()
}

// Trace propagates input through every layer and returns each layer's output shape.
func (n *Network) Trace(input tensor.Shape) ([]tensor.Shape, error) {
	outputs := make([]tensor.Shape, len(n.layers))
	for i, l := range n.layers {
		inputs := make([]tensor.Shape, len(l.From))
		for k, j := range l.From {
			if j == -1 && i == 0 {
				inputs[k] = input
				continue
			}
			inputs[k] = outputs[n.absolute(j, i)]
		}
		out, err := l.Module.OutputShape(inputs...)
		if err != nil {
			return nil, fmt.Errorf("layer %d (%s): %w", i, l.Type, err)
		}
		outputs[i] = out
	}
	return outputs, nil
}

// absolute turns a possibly relative From index into a layer index.
func (n *Network) absolute(from, layer int) int {
	if from < 0 {
		return layer + from
	}
	return from
}

// OutputShape implements nn.Module for a single image batch input.
func (n *Network) OutputShape(inputs ...tensor.Shape) (tensor.Shape, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("model: expected 1 input, got %d", len(inputs))
	}
	shapes, err := n.Trace(inputs[0])
	if err != nil {
		return nil, err
	}
	return shapes[len(shapes)-1], nil
}

// Parameters implements nn.Module.
func (n *Network) Parameters() []*nn.Parameter {
	var params []*nn.Parameter
	for _, l := range n.layers {
		params = append(params, l.Module.Parameters()...)
	}
	return params
}

// StateDict implements nn.Module. Keys are "model.<layer>.<path>".
func (n *Network) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	for _, l := range n.layers {
		prefix := "model." + strconv.Itoa(l.Index) + "."
		for k, v := range l.Module.StateDict() {
			sd[prefix+k] = v
		}
	}
	return sd
}

// LoadStateDict implements nn.Module. Keys outside "model." are ignored.
func (n *Network) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	for _, l := range n.layers {
		prefix := "model." + strconv.Itoa(l.Index) + "."
		sub := make(map[string]*tensor.RawTensor)
		for k, v := range stateDict {
			if rest, ok := strings.CutPrefix(k, prefix); ok {
				sub[rest] = v
			}
		}
		if err := l.Module.LoadStateDict(sub); err != nil {
			return fmt.Errorf("model.%d: %w", l.Index, err)
		}
	}
	return nil
}

// String implements nn.Module.
func (n *Network) String() string {
	return fmt.Sprintf("DetectionModel(layers=%d, nc=%d, scale=%s)", len(n.layers), n.nc, n.scale.Name)
}

// Layers returns the built layers in order.
func (n *Network) Layers() []*Layer {
	return n.layers
}

// Modules yields the module of every layer in order.
func (n *Network) Modules() iter.Seq[nn.Module] {
	return func(yield func(nn.Module) bool) {
		for _, l := range n.layers {
			if !yield(l.Module) {
				return
			}
		}
	}
}

// Detect returns the detection head.
func (n *Network) Detect() *nn.Detect {
	return n.detect
}

// Stride returns the per-level strides of the head.
func (n *Network) Stride() []float64 {
	return n.detect.Stride()
}

// MaxStride returns the largest head stride.
func (n *Network) MaxStride() int {
	m := 0.0
	for _, s := range n.detect.Stride() {
		m = max(m, s)
	}
	return int(m)
}

// InChannels returns the number of input image channels.
func (n *Network) InChannels() int {
	return n.ch
}

// ScaleInfo returns the scale the network was built at.
func (n *Network) ScaleInfo() Scale {
	return n.scale
}

func resolveFrom(from []int, layer int) ([]int, error) {
	if len(from) == 0 {
		return nil, errors.NotValidf("empty from")
	}
	out := make([]int, len(from))
	for k, j := range from {
		abs := j
		if j < 0 {
			abs = layer + j
		}
		if abs >= layer || (abs < 0 && !(layer == 0 && j == -1)) {
			return nil, errors.NotValidf("from index %d", j)
		}
		out[k] = abs
	}
	return out, nil
}

// resolveArgs substitutes the class count for "nc" and maps Python literals.
func resolveArgs(args []any, nc int) []any {
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case string:
			switch v {
			case "nc":
				out[i] = nc
			case "None":
				out[i] = nil
			case "True":
				out[i] = true
			case "False":
				out[i] = false
			default:
				if n, err := strconv.Atoi(v); err == nil {
					out[i] = n
				} else {
					out[i] = v
				}
			}
		default:
			out[i] = v
		}
	}
	return out
}

func argInt(args []any, i, def int) (int, error) {
	if i >= len(args) || args[i] == nil {
		return def, nil
	}
	switch v := args[i].(type) {
	case int:
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return 0, errors.NotValidf("argument %d: %v is not an integer", i, v)
		}
		return int(v), nil
	default:
		return 0, errors.NotValidf("argument %d: %v (%T) is not an integer", i, v, v)
	}
}

func argBool(args []any, i int, def bool) bool {
	if i >= len(args) {
		return def
	}
	if b, ok := args[i].(bool); ok {
		return b
	}
	return def
}

func argString(args []any, i int, def string) string {
	if i >= len(args) {
		return def
	}
	if s, ok := args[i].(string); ok {
		return s
	}
	return def
}

// makeDivisible rounds x up to the nearest multiple of divisor.
func makeDivisible(x float64, divisor int) int {
	return int(math.Ceil(x/float64(divisor))) * divisor
}
