package yolo

import (
	"fmt"
	"iter"
	"maps"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/born-ml/yolov8/internal/nn"
	"github.com/born-ml/yolov8/internal/serialization"
	"github.com/born-ml/yolov8/internal/tensor"
)

var logger = loggo.GetLogger("yolov8.yolo")

// Task is the only task this package builds.
const Task = "detect"

// Metadata keys stored alongside saved weights.
const (
	MetaYAML    = "yaml"
	MetaScale   = "scale"
	MetaTask    = "task"
	MetaNames   = "names"
	MetaStride  = "stride"
	MetaModelID = "model_id"
	MetaDate    = "date"
)

// Lazy is an attribute whose value is resolved on access and may fail.
type Lazy struct {
	resolve func() (any, error)
}

// Value resolves the attribute.
func (l Lazy) Value() (any, error) {
	if l.resolve == nil {
		return nil, errors.NotFoundf("value")
	}
	return l.resolve()
}

// Model is a YOLOv8 detection model handle.
//
// Exported fields describe the model for diagnostics. Model holds the network
// itself; Predictor is always nil since inference is not supported; Trainer is
// set once Train has run.
type Model struct {
	Task           string
	Scale          string
	ConfigPath     string
	CheckpointPath string
	YAML           *Config
	Names          Names
	Stride         []float64
	Overrides      map[string]any
	Device         Lazy
	Epoch          Lazy

	Model     *Network
	Predictor any
	Trainer   *Trainer

	id         string
	checkpoint *serialization.CheckpointMeta
}

// Option configures New.
type Option func(*options)

type options struct {
	scale     string
	verbose   bool
	overrides map[string]any
}

// WithScale selects the model size. It takes precedence over a size in the file name.
func WithScale(scale string) Option {
	return func(o *options) { o.scale = scale }
}

// WithVerbose logs a per-layer summary after the model is built.
func WithVerbose(verbose bool) Option {
	return func(o *options) { o.verbose = verbose }
}

// WithOverrides sets default arguments (imgsz, batch, device, ...) for Export and Train.
func WithOverrides(overrides map[string]any) Option {
	return func(o *options) { o.overrides = maps.Clone(overrides) }
}

// New builds a model from a .yaml/.yml definition or loads one from .born or
// .safetensors weights that embed their definition.
func New(path string, opts ...Option) (*Model, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		m   *Model
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		m, err = newFromConfig(path, o)
	case ".born", ".safetensors":
		m, err = newFromWeights(path, ext, o)
	default:
		return nil, errors.NotSupportedf("model file %q", filepath.Base(path))
	}
	if err != nil {
		return nil, errors.Trace(err)
	}

	if o.verbose {
		m.logSummary()
	}
	return m, nil
}

func newFromConfig(path string, o options) (*Model, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if o.scale == "" {
		o.scale = GuessScale(path)
	}
	m, err := build(cfg, o)
	if err != nil {
		return nil, errors.Annotatef(err, "building %q", filepath.Base(path))
	}
	m.ConfigPath = path
	return m, nil
}

func newFromWeights(path, ext string, o options) (*Model, error) {
	var (
		sd       map[string]*tensor.RawTensor
		metadata map[string]string
		ckpt     *serialization.CheckpointMeta
		err      error
	)
	if ext == ".born" {
		var header serialization.Header
		sd, header, err = serialization.ReadFile(path)
		metadata, ckpt = header.Metadata, header.CheckpointMeta
	} else {
		sd, metadata, err = serialization.ReadSafeTensors(path)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "reading %q", filepath.Base(path))
	}

	source, ok := metadata[MetaYAML]
	if !ok {
		return nil, errors.NotValidf("%q has no embedded model configuration", filepath.Base(path))
	}
	cfg, err := ParseConfig([]byte(source))
	if err != nil {
		return nil, errors.Trace(err)
	}
	if o.scale == "" {
		o.scale = metadata[MetaScale]
	}
	m, err := build(cfg, o)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := m.Model.LoadStateDict(sd); err != nil {
		return nil, errors.Annotatef(err, "loading weights from %q", filepath.Base(path))
	}
	if id := metadata[MetaModelID]; id != "" {
		m.id = id
	}
	m.CheckpointPath = path
	m.checkpoint = ckpt
	return m, nil
}

func build(cfg *Config, o options) (*Model, error) {
	scale, err := cfg.SelectScale(o.scale)
	if err != nil {
		return nil, errors.Trace(err)
	}
	net, err := Build(cfg, scale)
	if err != nil {
		return nil, errors.Trace(err)
	}

	m := &Model{
		Task:      Task,
		Scale:     scale.Name,
		YAML:      cfg,
		Names:     cfg.Names,
		Stride:    net.Stride(),
		Overrides: o.overrides,
		Model:     net,
		id:        uuid.NewString(),
	}
	if m.Overrides == nil {
		m.Overrides = map[string]any{}
	}
	m.Device = Lazy{resolve: m.device}
	m.Epoch = Lazy{resolve: m.epoch}
	return m, nil
}

func (m *Model) device() (any, error) {
	dev, _ := m.Overrides["device"].(string)
	switch strings.ToLower(dev) {
	case "", "cpu":
		return "cpu", nil
	default:
		return nil, errors.NotSupportedf("device %q", dev)
	}
}

func (m *Model) epoch() (any, error) {
	if m.checkpoint == nil {
		return nil, errors.NotFoundf("training state")
	}
	return m.checkpoint.Epoch, nil
}

// ID returns the identifier assigned when the model was first built.
func (m *Model) ID() string {
	return m.id
}

// Parameters returns every parameter of the network.
func (m *Model) Parameters() []*nn.Parameter {
	return m.Model.Parameters()
}

// NumParams returns the total parameter count.
func (m *Model) NumParams() int {
	return nn.NumParameters(m.Model)
}

// SubModels yields the module of every layer in order.
func (m *Model) SubModels() iter.Seq[nn.Module] {
	return m.Model.Modules()
}

// StateDict returns the network weights keyed "model.<layer>.<path>".
func (m *Model) StateDict() map[string]*tensor.RawTensor {
	return m.Model.StateDict()
}

// ModelType names the model kind in saved headers.
func (m *Model) ModelType() string {
	return "DetectionModel"
}

// Metadata returns what is needed to rebuild the model from saved weights.
func (m *Model) Metadata() map[string]string {
	return map[string]string{
		MetaYAML:    string(m.YAML.Source()),
		MetaScale:   m.Scale,
		MetaTask:    m.Task,
		MetaNames:   m.Names.String(),
		MetaStride:  strconv.Itoa(m.Model.MaxStride()),
		MetaModelID: m.id,
		MetaDate:    time.Now().UTC().Format(time.RFC3339),
	}
}

// CheckpointMeta returns the training state, or nil for a model that was never trained.
func (m *Model) CheckpointMeta() *serialization.CheckpointMeta {
	return m.checkpoint
}

// Save writes the model to path. A .safetensors extension selects SafeTensors,
// anything else the native .born format.
func (m *Model) Save(path string) error {
	if strings.EqualFold(filepath.Ext(path), ".safetensors") {
		return errors.Annotatef(serialization.WriteSafeTensors(path, m.StateDict(), m.Metadata()), "saving %q", path)
	}
	if err := serialization.SaveObject(m, path); err != nil {
		return errors.Annotatef(err, "saving %q", path)
	}
	logger.Debugf("saved %s (%s parameters) to %s", m.ModelType(), humanize.Comma(int64(m.NumParams())), path)
	return nil
}

// Info returns a one-line summary of the model size.
func (m *Model) Info() string {
	return fmt.Sprintf("%s summary: %d layers, %d tensors, %s parameters",
		m.displayName(), len(m.Model.Layers()), len(m.Parameters()), humanize.Comma(int64(m.NumParams())))
}

func (m *Model) displayName() string {
	return "YOLOv8" + m.Scale
}

func (m *Model) logSummary() {
	logger.Infof("%4s %18s %3s %10s  %-12s %v", "", "from", "n", "params", "module", "arguments")
	for _, l := range m.Model.Layers() {
		from := strconv.Itoa(l.From[0])
		if len(l.From) > 1 {
			from = fmt.Sprint(l.From)
		}
		logger.Infof("%4d %18s %3d %10s  %-12s %v", l.Index, from, l.Repeats, humanize.Comma(int64(l.Params())), l.Type, l.Args)
	}
	logger.Infof("%s", m.Info())
}
