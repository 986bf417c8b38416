package nn

import (
	"fmt"

	"github.com/born-ml/yolov8/internal/tensor"
)

// ChannelAttention reweights channels: x * sigmoid(fc(avgpool(x))).
type ChannelAttention struct {
	fc *Conv2D
}

// NewChannelAttention creates a channel attention block over c channels.
func NewChannelAttention(c int) *ChannelAttention {
	return &ChannelAttention{fc: NewConv2D(c, c, 1, 1, 0, true)}
}

// OutputShape implements Module.
func (a *ChannelAttention) OutputShape(inputs ...tensor.Shape) (tensor.Shape, error) {
	_, c, _, _, err := singleInput("channel_attention", inputs)
	if err != nil {
		return nil, err
	}
	if err := checkChannels("channel_attention", c, a.fc.InChannels()); err != nil {
		return nil, err
	}
	return inputs[0].Clone(), nil
}

// Parameters implements Module.
func (a *ChannelAttention) Parameters() []*Parameter { return a.fc.Parameters() }

// StateDict implements Module.
func (a *ChannelAttention) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	mergeState(sd, "fc", a.fc.StateDict())
	return sd
}

// LoadStateDict implements Module.
func (a *ChannelAttention) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	return loadChild(a.fc, stateDict, "fc")
}

// String implements Module.
func (a *ChannelAttention) String() string {
	return fmt.Sprintf("ChannelAttention(%d)", a.fc.InChannels())
}

// FC returns the 1x1 projection.
func (a *ChannelAttention) FC() *Conv2D { return a.fc }

// SpatialAttention reweights positions: x * sigmoid(conv(concat(mean_c(x), max_c(x)))).
type SpatialAttention struct {
	cv1 *Conv2D
}

// NewSpatialAttention creates a spatial attention block. kernel must be 3 or 7.
func NewSpatialAttention(kernel int) (*SpatialAttention, error) {
	if kernel != 3 && kernel != 7 {
		return nil, fmt.Errorf("spatial_attention: kernel size must be 3 or 7, got %d", kernel)
	}
	return &SpatialAttention{cv1: NewConv2D(2, 1, kernel, 1, kernel/2, false)}, nil
}

// OutputShape implements Module.
func (a *SpatialAttention) OutputShape(inputs ...tensor.Shape) (tensor.Shape, error) {
	if _, _, _, _, err := singleInput("spatial_attention", inputs); err != nil {
		return nil, err
	}
	return inputs[0].Clone(), nil
}

// Parameters implements Module.
func (a *SpatialAttention) Parameters() []*Parameter { return a.cv1.Parameters() }

// StateDict implements Module.
func (a *SpatialAttention) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	mergeState(sd, "cv1", a.cv1.StateDict())
	return sd
}

// LoadStateDict implements Module.
func (a *SpatialAttention) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	return loadChild(a.cv1, stateDict, "cv1")
}

// String implements Module.
func (a *SpatialAttention) String() string {
	return fmt.Sprintf("SpatialAttention(kernel_size=%d)", a.cv1.KernelSize())
}

// CV1 returns the 2->1 channel convolution.
func (a *SpatialAttention) CV1() *Conv2D { return a.cv1 }

// CBAM is the Convolutional Block Attention Module: channel then spatial attention.
// It preserves the input shape.
type CBAM struct {
	channel *ChannelAttention
	spatial *SpatialAttention
}

// NewCBAM creates a CBAM block over c channels.
func NewCBAM(c, kernel int) (*CBAM, error) {
	spatial, err := NewSpatialAttention(kernel)
	if err != nil {
		return nil, err
	}
	return &CBAM{channel: NewChannelAttention(c), spatial: spatial}, nil
}

// OutputShape implements Module.
func (b *CBAM) OutputShape(inputs ...tensor.Shape) (tensor.Shape, error) {
	out, err := b.channel.OutputShape(inputs...)
	if err != nil {
		return nil, err
	}
	return b.spatial.OutputShape(out)
}

// Parameters implements Module.
func (b *CBAM) Parameters() []*Parameter {
	return append(b.channel.Parameters(), b.spatial.Parameters()...)
}

// StateDict implements Module.
func (b *CBAM) StateDict() map[string]*tensor.RawTensor {
	sd := make(map[string]*tensor.RawTensor)
	mergeState(sd, "channel_attention", b.channel.StateDict())
	mergeState(sd, "spatial_attention", b.spatial.StateDict())
	return sd
}

// LoadStateDict implements Module.
func (b *CBAM) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	if err := loadChild(b.channel, stateDict, "channel_attention"); err != nil {
		return err
	}
	return loadChild(b.spatial, stateDict, "spatial_attention")
}

// String implements Module.
func (b *CBAM) String() string {
	return fmt.Sprintf("CBAM(%d, kernel_size=%d)", b.channel.fc.InChannels(), b.spatial.cv1.KernelSize())
}

// Channel returns the channel attention stage.
func (b *CBAM) Channel() *ChannelAttention { return b.channel }

// Spatial returns the spatial attention stage.
func (b *CBAM) Spatial() *SpatialAttention { return b.spatial }
