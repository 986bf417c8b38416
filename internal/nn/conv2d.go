package nn

import (
	"fmt"

	"github.com/born-ml/yolov8/internal/tensor"
)

// Conv2D is a 2D convolutional layer with square kernels.
//
// Weight shape: [out_channels, in_channels, kernel, kernel]
// Bias shape:   [out_channels]
// Output shape: [batch, out_channels, out_h, out_w]
//
// Where:
//
//	out_h = (height + 2*padding - kernel) / stride + 1
//	out_w = (width + 2*padding - kernel) / stride + 1
type Conv2D struct {
	inChannels  int
	outChannels int
	kernel      int
	stride      int
	padding     int

	weight *Parameter // [out_channels, in_channels, kernel, kernel]
	bias   *Parameter // [out_channels] or nil
}

// NewConv2D creates a new 2D convolutional layer.
//
// Initialization:
//   - Weights: Kaiming uniform over fan_in = in_channels * kernel * kernel
//   - Bias: Zeros
func NewConv2D(inChannels, outChannels, kernel, stride, padding int, useBias bool) *Conv2D {
	if inChannels <= 0 || outChannels <= 0 {
		panic(fmt.Sprintf("conv2d: invalid channels in=%d, out=%d", inChannels, outChannels))
	}
	if kernel <= 0 {
		panic(fmt.Sprintf("conv2d: invalid kernel size %d", kernel))
	}
	if stride <= 0 {
		panic(fmt.Sprintf("conv2d: invalid stride %d", stride))
	}
	if padding < 0 {
		panic(fmt.Sprintf("conv2d: invalid padding %d", padding))
	}

	fanIn := inChannels * kernel * kernel
	c := &Conv2D{
		inChannels:  inChannels,
		outChannels: outChannels,
		kernel:      kernel,
		stride:      stride,
		padding:     padding,
		weight:      NewParameter("weight", KaimingUniform(tensor.Shape{outChannels, inChannels, kernel, kernel}, fanIn)),
	}
	if useBias {
		c.bias = NewParameter("bias", Zeros(tensor.Shape{outChannels}))
	}
	return c
}

// OutputShape implements Module.
func (c *Conv2D) OutputShape(inputs ...tensor.Shape) (tensor.Shape, error) {
	n, ch, h, w, err := singleInput("conv2d", inputs)
	if err != nil {
		return nil, err
	}
	if err := checkChannels("conv2d", ch, c.inChannels); err != nil {
		return nil, err
	}
	out := c.ComputeOutputSize(h, w)
	if out[0] <= 0 || out[1] <= 0 {
		return nil, fmt.Errorf("conv2d: input %dx%d too small for kernel %d", h, w, c.kernel)
	}
	return tensor.Shape{n, c.outChannels, out[0], out[1]}, nil
}

// Parameters returns all trainable parameters.
func (c *Conv2D) Parameters() []*Parameter {
	if c.bias != nil {
		return []*Parameter{c.weight, c.bias}
	}
	return []*Parameter{c.weight}
}

// StateDict implements Module.
func (c *Conv2D) StateDict() map[string]*tensor.RawTensor {
	sd := map[string]*tensor.RawTensor{"weight": c.weight.Tensor()}
	if c.bias != nil {
		sd["bias"] = c.bias.Tensor()
	}
	return sd
}

// LoadStateDict implements Module.
func (c *Conv2D) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := loadTensor(c.weight.Tensor(), stateDict, "weight"); err != nil {
		return err
	}
	if c.bias != nil {
		return loadTensor(c.bias.Tensor(), stateDict, "bias")
	}
	return nil
}

// String returns a string representation of the layer.
func (c *Conv2D) String() string {
	return fmt.Sprintf("Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d), bias=%v)",
		c.inChannels, c.outChannels, c.kernel, c.kernel, c.stride, c.stride, c.padding, c.padding, c.bias != nil)
}

// Weight returns the weight parameter.
func (c *Conv2D) Weight() *Parameter { return c.weight }

// Bias returns the bias parameter, or nil when the layer has none.
func (c *Conv2D) Bias() *Parameter { return c.bias }

// InChannels returns the number of input channels.
func (c *Conv2D) InChannels() int { return c.inChannels }

// OutChannels returns the number of output channels.
func (c *Conv2D) OutChannels() int { return c.outChannels }

// KernelSize returns the (square) kernel size.
func (c *Conv2D) KernelSize() int { return c.kernel }

// Stride returns the stride.
func (c *Conv2D) Stride() int { return c.stride }

// Padding returns the padding.
func (c *Conv2D) Padding() int { return c.padding }

// ComputeOutputSize computes output spatial dimensions for given input size.
//
// Returns: [out_height, out_width].
func (c *Conv2D) ComputeOutputSize(inputH, inputW int) [2]int {
	outH := (inputH+2*c.padding-c.kernel)/c.stride + 1
	outW := (inputW+2*c.padding-c.kernel)/c.stride + 1
	return [2]int{outH, outW}
}
