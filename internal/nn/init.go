package nn

import (
	"math"
	"math/rand/v2"

	"github.com/born-ml/yolov8/internal/tensor"
)

// KaimingUniform creates a float32 tensor drawn from U(-1/sqrt(fan_in), 1/sqrt(fan_in)).
//
// This is PyTorch's default for convolution weights (kaiming_uniform with a=sqrt(5)).
func KaimingUniform(shape tensor.Shape, fanIn int) *tensor.RawTensor {
	bound := 1.0 / math.Sqrt(float64(fanIn))
	t := tensor.Full(shape, 0)
	data := t.AsFloat32()
	for i := range data {
		//nolint:gosec // Using math/rand for weight initialization (not security-critical)
		data[i] = float32((rand.Float64()*2.0 - 1.0) * bound)
	}
	return t
}

// Zeros creates a zero-filled float32 tensor.
func Zeros(shape tensor.Shape) *tensor.RawTensor {
	return tensor.Full(shape, 0)
}

// Ones creates a float32 tensor filled with ones.
func Ones(shape tensor.Shape) *tensor.RawTensor {
	return tensor.Full(shape, 1)
}
