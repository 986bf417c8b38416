package nn

import (
	"fmt"

	"github.com/born-ml/yolov8/internal/tensor"
)

// Upsample scales the spatial dimensions by an integer factor.
type Upsample struct {
	scale int
	mode  string
}

// NewUpsample creates an upsampling layer. Only "nearest" mode is supported.
func NewUpsample(scale int, mode string) (*Upsample, error) {
	if scale <= 0 {
		return nil, fmt.Errorf("upsample: invalid scale factor %d", scale)
	}
	if mode == "" {
		mode = "nearest"
	}
	if mode != "nearest" {
		return nil, fmt.Errorf("upsample: unsupported mode %q", mode)
	}
	return &Upsample{scale: scale, mode: mode}, nil
}

// OutputShape implements Module.
func (u *Upsample) OutputShape(inputs ...tensor.Shape) (tensor.Shape, error) {
	n, c, h, w, err := singleInput("upsample", inputs)
	if err != nil {
		return nil, err
	}
	return tensor.Shape{n, c, h * u.scale, w * u.scale}, nil
}

// Parameters implements Module.
func (u *Upsample) Parameters() []*Parameter { return nil }

// StateDict implements Module.
func (u *Upsample) StateDict() map[string]*tensor.RawTensor { return map[string]*tensor.RawTensor{} }

// LoadStateDict implements Module.
func (u *Upsample) LoadStateDict(map[string]*tensor.RawTensor) error { return nil }

// String implements Module.
func (u *Upsample) String() string {
	return fmt.Sprintf("Upsample(scale_factor=%d.0, mode='%s')", u.scale, u.mode)
}

// Scale returns the scale factor.
func (u *Upsample) Scale() int { return u.scale }

// Concat joins its inputs along the channel dimension.
type Concat struct {
	dim int
}

// NewConcat creates a Concat layer. YOLOv8 only concatenates along channels (dim 1).
func NewConcat(dim int) (*Concat, error) {
	if dim != 1 {
		return nil, fmt.Errorf("concat: only dimension 1 is supported, got %d", dim)
	}
	return &Concat{dim: dim}, nil
}

// OutputShape implements Module.
func (c *Concat) OutputShape(inputs ...tensor.Shape) (tensor.Shape, error) {
	if len(inputs) < 2 {
		return nil, fmt.Errorf("concat: expected at least 2 inputs, got %d", len(inputs))
	}
	n, channels, h, w, err := inputs[0].NCHW()
	if err != nil {
		return nil, fmt.Errorf("concat: %w", err)
	}
	for i, in := range inputs[1:] {
		in0, ci, hi, wi, err := in.NCHW()
		if err != nil {
			return nil, fmt.Errorf("concat: input %d: %w", i+1, err)
		}
		if in0 != n || hi != h || wi != w {
			return nil, fmt.Errorf("concat: input %d shape %v incompatible with %v", i+1, in, inputs[0])
		}
		channels += ci
	}
	return tensor.Shape{n, channels, h, w}, nil
}

// Parameters implements Module.
func (c *Concat) Parameters() []*Parameter { return nil }

// StateDict implements Module.
func (c *Concat) StateDict() map[string]*tensor.RawTensor { return map[string]*tensor.RawTensor{} }

// LoadStateDict implements Module.
func (c *Concat) LoadStateDict(map[string]*tensor.RawTensor) error { return nil }

// String implements Module.
func (c *Concat) String() string { return fmt.Sprintf("Concat(dim=%d)", c.dim) }

// Dim returns the concatenation axis.
func (c *Concat) Dim() int { return c.dim }
