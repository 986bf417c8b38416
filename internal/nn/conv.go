package nn

import (
	"fmt"

	"github.com/born-ml/yolov8/internal/tensor"
)

// Conv is the standard YOLOv8 convolution block: Conv2D (no bias) -> BatchNorm2D -> SiLU.
//
// Padding is chosen automatically ("same" for odd kernels at stride 1).
type Conv struct {
	conv *Conv2D
	bn   *BatchNorm2D
}

// NewConv creates a Conv block from c1 to c2 channels with kernel k and stride s.
func NewConv(c1, c2, k, s int) *Conv {
	return &Conv{
		conv: NewConv2D(c1, c2, k, s, k/2, false),
		bn:   NewBatchNorm2D(c2),
	}
}

// OutputShape implements Module.
func (c *Conv) OutputShape(inputs ...tensor.Shape) (tensor.Shape, error) {
	return c.conv.OutputShape(inputs...)
}

// Parameters implements Module.
func (c *Conv) Parameters() []*Parameter {
	return append(c.conv.Parameters(), c.bn.Parameters()...)
}

// StateDict implements Module.
func (c *Conv) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	mergeState(sd, "conv", c.conv.StateDict())
	mergeState(sd, "bn", c.bn.StateDict())
	return sd
}

// LoadStateDict implements Module.
func (c *Conv) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := loadChild(c.conv, stateDict, "conv"); err != nil {
		return err
	}
	return loadChild(c.bn, stateDict, "bn")
}

// String implements Module.
func (c *Conv) String() string {
	return fmt.Sprintf("Conv(%d, %d, k=%d, s=%d)", c.conv.InChannels(), c.conv.OutChannels(), c.conv.KernelSize(), c.conv.Stride())
}

// Conv2D returns the convolution layer.
func (c *Conv) Conv2D() *Conv2D { return c.conv }

// BatchNorm returns the normalization layer.
func (c *Conv) BatchNorm() *BatchNorm2D { return c.bn }

// InChannels returns the number of input channels.
func (c *Conv) InChannels() int { return c.conv.InChannels() }

// OutChannels returns the number of output channels.
func (c *Conv) OutChannels() int { return c.conv.OutChannels() }

// Fused folds the batch normalization into the convolution, returning the weight
// [c2, c1, k, k] and bias [c2] of an equivalent biased Conv2D.
func (c *Conv) Fused() (weight, bias *tensor.RawTensor) {
	scale, shift := c.bn.Affine()

	weight = c.conv.Weight().Tensor().Clone()
	w := weight.AsFloat32()
	perOut := len(w) / c.conv.OutChannels()
	for o := range c.conv.OutChannels() {
		for i := o * perOut; i < (o+1)*perOut; i++ {
			w[i] *= scale[o]
		}
	}

	bias, err := tensor.FromFloat32(tensor.Shape{len(shift)}, shift)
	if err != nil {
		panic(err)
	}
	return weight, bias
}
