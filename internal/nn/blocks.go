package nn

import (
	"fmt"
	"strconv"

	"github.com/born-ml/yolov8/internal/tensor"
)

// Bottleneck is two 3x3 Conv blocks with an optional residual connection.
//
// The residual is only applied when shortcut is requested and the block preserves
// the channel count.
type Bottleneck struct {
	cv1 *Conv
	cv2 *Conv
	add bool
}

// NewBottleneck creates a bottleneck from c1 to c2 channels with hidden ratio e.
func NewBottleneck(c1, c2 int, shortcut bool, e float64) *Bottleneck {
	hidden := int(float64(c2) * e)
	return &Bottleneck{
		cv1: NewConv(c1, hidden, 3, 1),
		cv2: NewConv(hidden, c2, 3, 1),
		add: shortcut && c1 == c2,
	}
}

// OutputShape implements Module.
func (b *Bottleneck) OutputShape(inputs ...tensor.Shape) (tensor.Shape, error) {
	hidden, err := b.cv1.OutputShape(inputs...)
	if err != nil {
		return nil, fmt.Errorf("bottleneck.cv1: %w", err)
	}
	return b.cv2.OutputShape(hidden)
}

// Parameters implements Module.
func (b *Bottleneck) Parameters() []*Parameter {
	return append(b.cv1.Parameters(), b.cv2.Parameters()...)
}

// StateDict implements Module.
func (b *Bottleneck) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	mergeState(sd, "cv1", b.cv1.StateDict())
	mergeState(sd, "cv2", b.cv2.StateDict())
	return sd
}

// LoadStateDict implements Module.
func (b *Bottleneck) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := loadChild(b.cv1, stateDict, "cv1"); err != nil {
		return err
	}
	return loadChild(b.cv2, stateDict, "cv2")
}

// String implements Module.
func (b *Bottleneck) String() string {
	return fmt.Sprintf("Bottleneck(%d, %d, shortcut=%v)", b.cv1.InChannels(), b.cv2.OutChannels(), b.add)
}

// CV1 returns the first convolution.
func (b *Bottleneck) CV1() *Conv { return b.cv1 }

// CV2 returns the second convolution.
func (b *Bottleneck) CV2() *Conv { return b.cv2 }

// Residual reports whether the input is added to the output.
func (b *Bottleneck) Residual() bool { return b.add }

// C2f is the YOLOv8 cross-stage partial block with two convolutions.
//
// cv1 produces 2*c channels that are split in halves; the second half feeds a chain of
// n bottlenecks, and every intermediate output is concatenated before cv2:
//
//	y = cv2(concat(a, b, m1(b), m2(m1(b)), ...))
type C2f struct {
	hidden int
	cv1    *Conv
	cv2    *Conv
	m      []*Bottleneck
}

// NewC2f creates a C2f block with n bottlenecks.
func NewC2f(c1, c2, n int, shortcut bool) *C2f {
	hidden := int(float64(c2) * 0.5)
	blocks := make([]*Bottleneck, n)
	for i := range blocks {
		blocks[i] = NewBottleneck(hidden, hidden, shortcut, 1.0)
	}
	return &C2f{
		hidden: hidden,
		cv1:    NewConv(c1, 2*hidden, 1, 1),
		cv2:    NewConv((2+n)*hidden, c2, 1, 1),
		m:      blocks,
	}
}

// OutputShape implements Module.
func (c *C2f) OutputShape(inputs ...tensor.Shape) (tensor.Shape, error) {
	split, err := c.cv1.OutputShape(inputs...)
	if err != nil {
		return nil, fmt.Errorf("c2f.cv1: %w", err)
	}
	half := tensor.Shape{split[0], c.hidden, split[2], split[3]}
	for i, b := range c.m {
		if half, err = b.OutputShape(half); err != nil {
			return nil, fmt.Errorf("c2f.m.%d: %w", i, err)
		}
	}
	return c.cv2.OutputShape(tensor.Shape{split[0], (2 + len(c.m)) * c.hidden, split[2], split[3]})
}

// Parameters implements Module.
func (c *C2f) Parameters() []*Parameter {
	params := append(c.cv1.Parameters(), c.cv2.Parameters()...)
	for _, b := range c.m {
		params = append(params, b.Parameters()...)
	}
	return params
}

// StateDict implements Module.
func (c *C2f) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	mergeState(sd, "cv1", c.cv1.StateDict())
	mergeState(sd, "cv2", c.cv2.StateDict())
	for i, b := range c.m {
		mergeState(sd, "m."+strconv.Itoa(i), b.StateDict())
	}
	return sd
}

// LoadStateDict implements Module.
func (c *C2f) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := loadChild(c.cv1, stateDict, "cv1"); err != nil {
		return err
	}
	if err := loadChild(c.cv2, stateDict, "cv2"); err != nil {
		return err
	}
	for i, b := range c.m {
		if err := loadChild(b, stateDict, "m."+strconv.Itoa(i)); err != nil {
			return err
		}
	}
	return nil
}

// String implements Module.
func (c *C2f) String() string {
	return fmt.Sprintf("C2f(%d, %d, n=%d)", c.cv1.InChannels(), c.cv2.OutChannels(), len(c.m))
}

// Hidden returns the channel count of each split half.
func (c *C2f) Hidden() int { return c.hidden }

// CV1 returns the input convolution.
func (c *C2f) CV1() *Conv { return c.cv1 }

// CV2 returns the output convolution.
func (c *C2f) CV2() *Conv { return c.cv2 }

// Blocks returns the bottleneck chain.
func (c *C2f) Blocks() []*Bottleneck { return c.m }

// SPPF is Spatial Pyramid Pooling - Fast: cv1, three chained max pools of size k,
// concatenation of all four tensors, cv2.
type SPPF struct {
	cv1 *Conv
	cv2 *Conv
	k   int
}

// NewSPPF creates an SPPF block.
func NewSPPF(c1, c2, k int) *SPPF {
	hidden := c1 / 2
	return &SPPF{
		cv1: NewConv(c1, hidden, 1, 1),
		cv2: NewConv(hidden*4, c2, 1, 1),
		k:   k,
	}
}

// OutputShape implements Module. Pooling uses stride 1 and padding k/2, so the
// spatial size is preserved.
func (s *SPPF) OutputShape(inputs ...tensor.Shape) (tensor.Shape, error) {
	hidden, err := s.cv1.OutputShape(inputs...)
	if err != nil {
		return nil, fmt.Errorf("sppf.cv1: %w", err)
	}
	return s.cv2.OutputShape(tensor.Shape{hidden[0], hidden[1] * 4, hidden[2], hidden[3]})
}

// Parameters implements Module.
func (s *SPPF) Parameters() []*Parameter {
	return append(s.cv1.Parameters(), s.cv2.Parameters()...)
}

// StateDict implements Module.
func (s *SPPF) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	mergeState(sd, "cv1", s.cv1.StateDict())
	mergeState(sd, "cv2", s.cv2.StateDict())
	return sd
}

// LoadStateDict implements Module.
func (s *SPPF) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := loadChild(s.cv1, stateDict, "cv1"); err != nil {
		return err
	}
	return loadChild(s.cv2, stateDict, "cv2")
}

// String implements Module.
func (s *SPPF) String() string {
	return fmt.Sprintf("SPPF(%d, %d, k=%d)", s.cv1.InChannels(), s.cv2.OutChannels(), s.k)
}

// CV1 returns the input convolution.
func (s *SPPF) CV1() *Conv { return s.cv1 }

// CV2 returns the output convolution.
func (s *SPPF) CV2() *Conv { return s.cv2 }

// PoolSize returns the max pooling kernel size.
func (s *SPPF) PoolSize() int { return s.k }
