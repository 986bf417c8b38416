package nn

import (
	"fmt"
	"math"

	"github.com/born-ml/yolov8/internal/tensor"
)

// Default BatchNorm2D hyperparameters used by YOLOv8.
const (
	BatchNormEps      = 1e-3
	BatchNormMomentum = 0.03
)

// BatchNorm2D normalizes each channel of an [N, C, H, W] input.
//
// Learnable affine parameters (weight, bias) are Parameters; running statistics are
// buffers: they are serialized but not trained and not counted as parameters.
type BatchNorm2D struct {
	features int
	eps      float64
	momentum float64

	weight      *Parameter
	bias        *Parameter
	runningMean *tensor.RawTensor
	runningVar  *tensor.RawTensor
}

// NewBatchNorm2D creates a batch normalization layer with weight=1, bias=0, mean=0, var=1.
func NewBatchNorm2D(features int) *BatchNorm2D {
	if features <= 0 {
		panic(fmt.Sprintf("batchnorm2d: invalid features %d", features))
	}
	return &BatchNorm2D{
		features:    features,
		eps:         BatchNormEps,
		momentum:    BatchNormMomentum,
		weight:      NewParameter("weight", Ones(tensor.Shape{features})),
		bias:        NewParameter("bias", Zeros(tensor.Shape{features})),
		runningMean: Zeros(tensor.Shape{features}),
		runningVar:  Ones(tensor.Shape{features}),
	}
}

// OutputShape implements Module. Normalization preserves the input shape.
func (b *BatchNorm2D) OutputShape(inputs ...tensor.Shape) (tensor.Shape, error) {
	_, c, _, _, err := singleInput("batchnorm2d", inputs)
	if err != nil {
		return nil, err
	}
	if err := checkChannels("batchnorm2d", c, b.features); err != nil {
		return nil, err
	}
	return inputs[0].Clone(), nil
}

// Parameters implements Module.
func (b *BatchNorm2D) Parameters() []*Parameter {
	return []*Parameter{b.weight, b.bias}
}

// StateDict implements Module.
func (b *BatchNorm2D) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{
		"weight":       b.weight.Tensor(),
		"bias":         b.bias.Tensor(),
		"running_mean": b.runningMean,
		"running_var":  b.runningVar,
	}
}

// LoadStateDict implements Module.
func (b *BatchNorm2D) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	for key, dst := range map[string]*tensor.RawTensor{
		"weight":       b.weight.Tensor(),
		"bias":         b.bias.Tensor(),
		"running_mean": b.runningMean,
		"running_var":  b.runningVar,
	} {
		if err := loadTensor(dst, stateDict, key); err != nil {
			return err
		}
	}
	return nil
}

// String implements Module.
func (b *BatchNorm2D) String() string {
	return fmt.Sprintf("BatchNorm2d(%d, eps=%g, momentum=%g)", b.features, b.eps, b.momentum)
}

// Affine returns the per-channel scale and shift equivalent to this layer in inference mode:
//
//	y = x*scale + shift, scale = weight/sqrt(var+eps), shift = bias - mean*scale
func (b *BatchNorm2D) Affine() (scale, shift []float32) {
	gamma := b.weight.Tensor().AsFloat32()
	beta := b.bias.Tensor().AsFloat32()
	mean := b.runningMean.AsFloat32()
	variance := b.runningVar.AsFloat32()

	scale = make([]float32, b.features)
	shift = make([]float32, b.features)
	for i := range scale {
		s := float64(gamma[i]) / math.Sqrt(float64(variance[i])+b.eps)
		scale[i] = float32(s)
		shift[i] = float32(float64(beta[i]) - float64(mean[i])*s)
	}
	return scale, shift
}
