package optim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/yolov8/internal/nn"
	"github.com/born-ml/yolov8/internal/tensor"
)

func newParam(t *testing.T, values ...float32) *nn.Parameter {
	t.Helper()
	raw, err := tensor.FromFloat32(tensor.Shape{len(values)}, values)
	require.NoError(t, err)
	return nn.NewParameter("w", raw)
}

func setGrad(t *testing.T, p *nn.Parameter, values ...float32) {
	t.Helper()
	raw, err := tensor.FromFloat32(tensor.Shape{len(values)}, values)
	require.NoError(t, err)
	p.SetGrad(raw)
}

func TestSGDStep(t *testing.T) {
	p := newParam(t, 1, 2)
	setGrad(t, p, 0.5, -1)

	opt := NewSGD([]*nn.Parameter{p}, SGDConfig{LR: 0.1})
	opt.Step()

	assert.InDeltaSlice(t, []float32{0.95, 2.1}, p.Tensor().AsFloat32(), 1e-6)
}

func TestSGDMomentum(t *testing.T) {
	p := newParam(t, 1)
	opt := NewSGD([]*nn.Parameter{p}, SGDConfig{LR: 0.1, Momentum: 0.9})

	setGrad(t, p, 1)
	opt.Step() // v=1, p=0.9
	opt.Step() // v=1.9, p=0.71

	assert.InDelta(t, 0.71, p.Tensor().AsFloat32()[0], 1e-6)
	sd := opt.StateDict()
	require.Contains(t, sd, "velocity.0")
	assert.InDelta(t, 1.9, sd["velocity.0"].AsFloat32()[0], 1e-6)
}

func TestSGDSkipsFrozenAndGradless(t *testing.T) {
	frozen := newParam(t, 1)
	frozen.Freeze()
	setGrad(t, frozen, 1)
	gradless := newParam(t, 2)

	opt := NewSGD([]*nn.Parameter{frozen, gradless}, SGDConfig{LR: 0.5, Momentum: 0.9})
	opt.Step()

	assert.Equal(t, float32(1), frozen.Tensor().AsFloat32()[0])
	assert.Equal(t, float32(2), gradless.Tensor().AsFloat32()[0])
	assert.Empty(t, opt.StateDict())
}

func TestSGDZeroGrad(t *testing.T) {
	p := newParam(t, 1)
	setGrad(t, p, 1)
	NewSGD([]*nn.Parameter{p}, SGDConfig{}).ZeroGrad()
	assert.Nil(t, p.Grad())
}

func TestSGDDefaultsAndConfig(t *testing.T) {
	opt := NewSGD(nil, SGDConfig{Momentum: 0.937})
	assert.Equal(t, float32(0.01), opt.GetLR())
	assert.Equal(t, "SGD", opt.Name())
	assert.Equal(t, float32(0.937), opt.Config()["momentum"])

	opt.SetLR(0.001)
	assert.Equal(t, float32(0.001), opt.GetLR())
}

func TestSGDLoadStateDict(t *testing.T) {
	p := newParam(t, 1, 1)
	opt := NewSGD([]*nn.Parameter{p}, SGDConfig{LR: 0.1, Momentum: 0.5})

	bad, err := tensor.FromFloat32(tensor.Shape{3}, []float32{1, 2, 3})
	require.NoError(t, err)
	assert.Error(t, opt.LoadStateDict(map[string]*tensor.RawTensor{"velocity.0": bad}))

	good, err := tensor.FromFloat32(tensor.Shape{2}, []float32{2, 2})
	require.NoError(t, err)
	require.NoError(t, opt.LoadStateDict(map[string]*tensor.RawTensor{"velocity.0": good}))

	setGrad(t, p, 0, 0)
	opt.Step() // v = 0.5*2 = 1, p = 1 - 0.1
	assert.InDeltaSlice(t, []float32{0.9, 0.9}, p.Tensor().AsFloat32(), 1e-6)
}

var _ Optimizer = (*SGD)(nil)
