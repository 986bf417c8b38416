package yolo

import (
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/born-ml/yolov8/internal/optim"
	"github.com/born-ml/yolov8/internal/serialization"
	"github.com/born-ml/yolov8/internal/tensor"
)

// Training defaults.
const (
	DefaultProject     = "runs/train"
	DefaultLR0         = 0.01
	DefaultMomentum    = 0.937
	DefaultWeightDecay = 5e-4

	// Automatic batch sizing targets this share of the memory budget.
	autoBatchFraction = 0.60
	autoBatchBudget   = 2 << 30
	maxAutoBatch      = 16
)

// TrainOptions configures Train. Zero fields take their value from the model
// overrides, then from defaults.
type TrainOptions struct {
	Data        string  `mapstructure:"data"`
	Epochs      int     `mapstructure:"epochs"`
	ImgSize     int     `mapstructure:"imgsz"`
	Batch       int     `mapstructure:"batch"`
	LR0         float64 `mapstructure:"lr0"`
	Momentum    float64 `mapstructure:"momentum"`
	WeightDecay float64 `mapstructure:"weight_decay"`
	Project     string  `mapstructure:"project"`
	Name        string  `mapstructure:"name"`
}

// Trainer records the state of the last training run.
type Trainer struct {
	RunID     string
	SaveDir   string
	LastPath  string
	Epochs    int
	Batch     int
	ImgSize   int
	Loss      float64
	Steps     int64
	Optimizer optim.Optimizer
}

func (m *Model) trainOptions(opts TrainOptions) (TrainOptions, error) {
	resolved := TrainOptions{}
	if err := decodeOverrides(m.Overrides, &resolved); err != nil {
		return TrainOptions{}, errors.Trace(err)
	}
	if opts.Data != "" {
		resolved.Data = opts.Data
	}
	if opts.Epochs > 0 {
		resolved.Epochs = opts.Epochs
	}
	if opts.ImgSize > 0 {
		resolved.ImgSize = opts.ImgSize
	}
	if opts.Batch != 0 {
		resolved.Batch = opts.Batch
	}
	if opts.LR0 > 0 {
		resolved.LR0 = opts.LR0
	}
	if opts.Momentum > 0 {
		resolved.Momentum = opts.Momentum
	}
	if opts.WeightDecay > 0 {
		resolved.WeightDecay = opts.WeightDecay
	}
	if opts.Project != "" {
		resolved.Project = opts.Project
	}
	if opts.Name != "" {
		resolved.Name = opts.Name
	}

	if resolved.Epochs <= 0 {
		resolved.Epochs = 1
	}
	if resolved.ImgSize <= 0 {
		resolved.ImgSize = DefaultImgSize
	}
	if resolved.LR0 <= 0 {
		resolved.LR0 = DefaultLR0
	}
	if resolved.Momentum <= 0 {
		resolved.Momentum = DefaultMomentum
	}
	if resolved.WeightDecay <= 0 {
		resolved.WeightDecay = DefaultWeightDecay
	}
	if resolved.Project == "" {
		resolved.Project = DefaultProject
	}
	return resolved, nil
}

// Train runs the placeholder training pass.
//
// No dataset is read: a non-empty Data is rejected as not supported. Each epoch
// applies one SGD step driven by the weight-decay gradient alone, which leaves
// the model in a trained-checkpoint state. The run is written to
// <project>/<run id>/weights/last.born. A Batch of zero or less selects the
// batch size automatically.
func (m *Model) Train(opts TrainOptions) error {
	opts, err := m.trainOptions(opts)
	if err != nil {
		return errors.Trace(err)
	}
	if opts.Data != "" {
		return errors.NotSupportedf("training on dataset %q", opts.Data)
	}

	if opts.Batch <= 0 {
		if opts.Batch, err = m.AutoBatch(opts.ImgSize); err != nil {
			return errors.Trace(err)
		}
	}

	runID := opts.Name
	if runID == "" {
		runID = uuid.NewString()
	}
	saveDir := filepath.Join(opts.Project, runID)
	weightsDir := filepath.Join(saveDir, "weights")
	if err := os.MkdirAll(weightsDir, 0o755); err != nil {
		return errors.Annotatef(err, "creating %q", weightsDir)
	}

	params := m.Parameters()
	opt := optim.NewSGD(params, optim.SGDConfig{LR: float32(opts.LR0), Momentum: float32(opts.Momentum), Nesterov: true})
	decay := float32(opts.WeightDecay)

	trainer := &Trainer{
		RunID:     runID,
		SaveDir:   saveDir,
		Epochs:    opts.Epochs,
		Batch:     opts.Batch,
		ImgSize:   opts.ImgSize,
		Optimizer: opt,
	}
	for epoch := range opts.Epochs {
		var loss float64
		for _, p := range params {
			if !p.RequiresGrad() {
				continue
			}
			w := p.Tensor().AsFloat32()
			grad := tensor.Full(p.Tensor().Shape(), 0)
			g := grad.AsFloat32()
			for i, v := range w {
				g[i] = decay * v
				loss += 0.5 * float64(decay) * float64(v) * float64(v)
			}
			p.SetGrad(grad)
		}
		opt.Step()
		opt.ZeroGrad()

		trainer.Loss = loss
		trainer.Steps++
		logger.Infof("epoch %d/%d: batch=%d imgsz=%d loss=%.6f", epoch+1, opts.Epochs, opts.Batch, opts.ImgSize, loss)
	}

	m.Trainer = trainer
	m.checkpoint = &serialization.CheckpointMeta{
		IsCheckpoint:    true,
		Epoch:           opts.Epochs,
		Step:            trainer.Steps,
		Loss:            trainer.Loss,
		OptimizerType:   opt.Name(),
		OptimizerConfig: opt.Config(),
		TrainingMeta: map[string]any{
			"run_id": runID,
			"batch":  opts.Batch,
			"imgsz":  opts.ImgSize,
		},
	}

	trainer.LastPath = filepath.Join(weightsDir, "last.born")
	if err := m.writeCheckpoint(trainer.LastPath, opt); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("%d epochs completed, results saved to %s", opts.Epochs, saveDir)
	return nil
}

// writeCheckpoint stores weights and optimizer buffers ("optimizer.*") together.
func (m *Model) writeCheckpoint(path string, opt optim.Optimizer) error {
	sd := m.StateDict()
	for k, v := range opt.StateDict() {
		sd["optimizer."+k] = v
	}
	header := serialization.Header{
		ModelType:      m.ModelType(),
		Metadata:       m.Metadata(),
		CheckpointMeta: m.checkpoint,
	}
	if err := serialization.WriteFile(path, sd, header); err != nil {
		return errors.Annotatef(err, "writing checkpoint %q", path)
	}
	return nil
}

// AutoBatch picks a batch size for imgsz from the traced activation memory.
//
// Every layer output is counted twice (activation and gradient) in float32. The
// result fits 60% of a 2 GiB budget and is clamped to [1, 16].
func (m *Model) AutoBatch(imgsz int) (int, error) {
	shapes, err := m.Model.Trace(tensor.Shape{1, m.Model.InChannels(), imgsz, imgsz})
	if err != nil {
		return 0, errors.Annotate(err, "estimating batch memory")
	}
	perImage := int64(0)
	for _, s := range shapes {
		perImage += int64(2 * s.NumElements() * tensor.Float32.Size())
	}

	budget := int64(float64(autoBatchBudget) * autoBatchFraction)
	batch := int(budget / max(perImage, 1))
	batch = min(max(batch, 1), maxAutoBatch)

	logger.Infof("AutoBatch: %s per image at imgsz=%d, using batch=%d",
		humanize.IBytes(uint64(perImage)), imgsz, batch) //nolint:gosec // perImage is positive
	return batch, nil
}
