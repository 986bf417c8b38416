package nn

import (
	"fmt"
	"math"
	"strconv"

	"github.com/born-ml/yolov8/internal/tensor"
)

// RegMax is the number of distribution bins per box side used by YOLOv8.
const RegMax = 16

// DFL is the Distribution Focal Loss integral: a fixed 1x1 convolution that turns a
// softmax over RegMax bins into the expected bin index.
type DFL struct {
	bins int
	conv *Conv2D
}

// NewDFL creates a DFL layer whose projection weight is [0, 1, ..., bins-1].
func NewDFL(bins int) *DFL {
	conv := NewConv2D(bins, 1, 1, 1, 0, false)
	w := conv.Weight().Tensor().AsFloat32()
	for i := range w {
		w[i] = float32(i)
	}
	conv.Weight().Freeze()
	return &DFL{bins: bins, conv: conv}
}

// OutputShape implements Module. Input is [N, 4*bins, A]; output is [N, 4, A].
func (d *DFL) OutputShape(inputs ...tensor.Shape) (tensor.Shape, error) {
	if len(inputs) != 1 || len(inputs[0]) != 3 {
		return nil, fmt.Errorf("dfl: expected one [N, %d, A] input", 4*d.bins)
	}
	in := inputs[0]
	if in[1] != 4*d.bins {
		return nil, fmt.Errorf("dfl: input channels %d != expected %d", in[1], 4*d.bins)
	}
	return tensor.Shape{in[0], 4, in[2]}, nil
}

// Parameters implements Module.
func (d *DFL) Parameters() []*Parameter { return d.conv.Parameters() }

// StateDict implements Module.
func (d *DFL) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	mergeState(sd, "conv", d.conv.StateDict())
	return sd
}

// LoadStateDict implements Module.
func (d *DFL) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	return loadChild(d.conv, stateDict, "conv")
}

// String implements Module.
func (d *DFL) String() string { return fmt.Sprintf("DFL(%d)", d.bins) }

// Bins returns the number of distribution bins.
func (d *DFL) Bins() int { return d.bins }

// Projection returns the fixed projection convolution.
func (d *DFL) Projection() *Conv2D { return d.conv }

// Detect is the YOLOv8 anchor-free detection head.
//
// For every input level i it runs a box branch cv2[i] producing 4*RegMax channels and a
// class branch cv3[i] producing nc channels. In inference form the levels are flattened,
// concatenated and decoded into [N, 4+nc, anchors].
type Detect struct {
	nc      int
	ch      []int
	stride  []float64
	box     []*Sequential
	cls     []*Sequential
	dfl     *DFL
	outputs int
}

// NewDetect creates a detection head for nc classes over feature maps with channels ch.
func NewDetect(nc int, ch []int) (*Detect, error) {
	if nc <= 0 {
		return nil, fmt.Errorf("detect: invalid class count %d", nc)
	}
	if len(ch) == 0 {
		return nil, fmt.Errorf("detect: no input levels")
	}
	c2 := max(16, ch[0]/4, RegMax*4)
	c3 := max(ch[0], min(nc, 100))

	d := &Detect{
		nc:      nc,
		ch:      append([]int(nil), ch...),
		dfl:     NewDFL(RegMax),
		outputs: nc + 4*RegMax,
	}
	for _, x := range ch {
		d.box = append(d.box, NewSequential(NewConv(x, c2, 3, 1), NewConv(c2, c2, 3, 1), NewConv2D(c2, 4*RegMax, 1, 1, 0, true)))
		d.cls = append(d.cls, NewSequential(NewConv(x, c3, 3, 1), NewConv(c3, c3, 3, 1), NewConv2D(c3, nc, 1, 1, 0, true)))
	}
	return d, nil
}

// OutputShape implements Module. It takes one shape per level.
func (d *Detect) OutputShape(inputs ...tensor.Shape) (tensor.Shape, error) {
	if len(inputs) != len(d.ch) {
		return nil, fmt.Errorf("detect: expected %d inputs, got %d", len(d.ch), len(inputs))
	}
	anchors := 0
	batch := -1
	for i, in := range inputs {
		n, _, h, w, err := in.NCHW()
		if err != nil {
			return nil, fmt.Errorf("detect: level %d: %w", i, err)
		}
		if batch >= 0 && n != batch {
			return nil, fmt.Errorf("detect: level %d batch %d != %d", i, n, batch)
		}
		batch = n
		box, err := d.box[i].OutputShape(in)
		if err != nil {
			return nil, fmt.Errorf("detect.cv2.%d: %w", i, err)
		}
		if _, err := d.cls[i].OutputShape(in); err != nil {
			return nil, fmt.Errorf("detect.cv3.%d: %w", i, err)
		}
		if box[2] != h || box[3] != w {
			return nil, fmt.Errorf("detect: level %d changed spatial size", i)
		}
		anchors += h * w
	}
	return tensor.Shape{batch, 4 + d.nc, anchors}, nil
}

// Parameters implements Module.
func (d *Detect) Parameters() []*Parameter {
	var params []*Parameter
	for i := range d.box {
		params = append(params, d.box[i].Parameters()...)
		params = append(params, d.cls[i].Parameters()...)
	}
	return append(params, d.dfl.Parameters()...)
}

// StateDict implements Module.
func (d *Detect) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	for i := range d.box {
		mergeState(sd, "cv2."+strconv.Itoa(i), d.box[i].StateDict())
		mergeState(sd, "cv3."+strconv.Itoa(i), d.cls[i].StateDict())
	}
	mergeState(sd, "dfl", d.dfl.StateDict())
	return sd
}

// LoadStateDict implements Module.
func (d *Detect) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	for i := range d.box {
		if err := loadChild(d.box[i], stateDict, "cv2."+strconv.Itoa(i)); err != nil {
			return err
		}
		if err := loadChild(d.cls[i], stateDict, "cv3."+strconv.Itoa(i)); err != nil {
			return err
		}
	}
	return loadChild(d.dfl, stateDict, "dfl")
}

// String implements Module.
func (d *Detect) String() string {
	return fmt.Sprintf("Detect(nc=%d, ch=%v)", d.nc, d.ch)
}

// SetStride records the downsampling factor of every level.
func (d *Detect) SetStride(stride []float64) error {
	if len(stride) != len(d.ch) {
		return fmt.Errorf("detect: expected %d strides, got %d", len(d.ch), len(stride))
	}
	d.stride = append([]float64(nil), stride...)
	return nil
}

// InitBiases sets the prior biases of the final box and class convolutions.
//
// Box bias is 1. Class bias assumes about 5 objects per 640x640 image spread over
// nc classes at each level's resolution. Strides must be set first.
func (d *Detect) InitBiases() error {
	if len(d.stride) != len(d.ch) {
		return fmt.Errorf("detect: strides not set")
	}
	for i, s := range d.stride {
		boxBias := d.box[i].Module(2).(*Conv2D).Bias().Tensor().AsFloat32()
		for j := range boxBias {
			boxBias[j] = 1.0
		}
		prior := float32(math.Log(5 / float64(d.nc) / math.Pow(640/s, 2)))
		clsBias := d.cls[i].Module(2).(*Conv2D).Bias().Tensor().AsFloat32()
		for j := range clsBias {
			clsBias[j] = prior
		}
	}
	return nil
}

// NumClasses returns the number of classes.
func (d *Detect) NumClasses() int { return d.nc }

// NumLevels returns the number of input feature levels.
func (d *Detect) NumLevels() int { return len(d.ch) }

// NumOutputs returns the per-anchor raw channel count (nc + 4*RegMax).
func (d *Detect) NumOutputs() int { return d.outputs }

// Stride returns the per-level strides, or nil before SetStride.
func (d *Detect) Stride() []float64 { return d.stride }

// Box returns the box branch of level i.
func (d *Detect) Box(i int) *Sequential { return d.box[i] }

// Cls returns the class branch of level i.
func (d *Detect) Cls(i int) *Sequential { return d.cls[i] }

// DFL returns the distribution integral layer.
func (d *Detect) DFL() *DFL { return d.dfl }
