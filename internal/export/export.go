// Package export builds a model from its configuration and writes it out in
// one or more formats.
//
// The native format goes through an ordered chain of save strategies, stopping
// at the first that succeeds. Other formats are delegated to the model's own
// exporter and the artifact is moved into the output directory. A failing
// format is logged and recorded, and never stops the formats after it.
package export

import (
	"context"
	stderrors "errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/born-ml/yolov8/internal/nn"
	"github.com/born-ml/yolov8/internal/serialization"
	"github.com/born-ml/yolov8/internal/yolo"
)

// Native format identifiers.
const (
	FormatNative      = "born"
	FormatNativeAlias = "pt"
	nativeExt         = ".born"
)

// Strategy names a way of producing the native file.
type Strategy string

// Native save strategies, in the order they are tried.
const (
	StrategyDirect   Strategy = "direct"
	StrategySubModel Strategy = "submodel"
	StrategyTrain    Strategy = "train"
)

// Handle is the part of a model the exporter drives.
type Handle interface {
	Export(format string, opts yolo.ExportOptions) (string, error)
	Train(opts yolo.TrainOptions) error
}

// SubModeler is implemented by handles that expose their layers.
type SubModeler interface {
	SubModels() iter.Seq[nn.Module]
}

// Request describes one export run. Formats are processed in order; a repeated
// format is processed again.
type Request struct {
	ConfigPath string
	Size       string
	Formats    []string
	OutputDir  string
	ImgSize    int
}

// Attempt is one native save strategy that was tried.
type Attempt struct {
	Strategy Strategy
	Err      error
}

// Outcome is the result of exporting one format.
type Outcome struct {
	Format   string
	Path     string
	Strategy Strategy
	Attempts []Attempt
	Err      error
}

// OK reports whether the format was written.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Exporter runs export requests.
type Exporter struct {
	// Build creates the model handle for a configuration and size.
	Build func(configPath, size string) (Handle, error)
	// Save serializes a whole object to path.
	Save   func(obj any, path string) error
	Logger loggo.Logger
}

// New returns an Exporter backed by the yolo package.
func New() *Exporter {
	return &Exporter{
		Build: func(configPath, size string) (Handle, error) {
			return yolo.New(configPath, yolo.WithScale(size))
		},
		Save:   serialization.SaveObject,
		Logger: loggo.GetLogger("yolov8.export"),
	}
}

// Run builds the model and exports every requested format.
//
// The output directory is created first. A missing configuration or a failed
// build is returned as an error; per-format failures are reported in the
// outcomes only.
func (e *Exporter) Run(ctx context.Context, req Request) ([]Outcome, error) {
	req = withDefaults(req)
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, errors.Annotatef(err, "creating output directory %q", req.OutputDir)
	}
	if abs, err := filepath.Abs(req.OutputDir); err == nil {
		e.Logger.Infof("export directory: %s", abs)
	}

	if _, err := os.Stat(req.ConfigPath); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundf("model configuration %q", req.ConfigPath)
		}
		return nil, errors.Annotatef(err, "checking %q", req.ConfigPath)
	}

	e.Logger.Infof("building YOLOv8%s from %s", req.Size, req.ConfigPath)
	h, err := e.Build(req.ConfigPath, req.Size)
	if err != nil {
		return nil, errors.Annotatef(err, "building model from %q", req.ConfigPath)
	}
	return e.ExportAll(ctx, h, req)
}

// ExportAll exports h in every requested format.
//
// Cancellation is checked before each format; the outcomes gathered so far are
// returned together with the context error.
func (e *Exporter) ExportAll(ctx context.Context, h Handle, req Request) ([]Outcome, error) {
	req = withDefaults(req)
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, errors.Annotatef(err, "creating output directory %q", req.OutputDir)
	}

	outcomes := make([]Outcome, 0, len(req.Formats))
	for _, format := range req.Formats {
		if err := ctx.Err(); err != nil {
			return outcomes, errors.Annotate(err, "export interrupted")
		}

		var out Outcome
		if IsNative(format) {
			target := NativePath(req.OutputDir, req.Size)
			e.Logger.Infof("exporting %s to %s", format, target)
			out = e.SaveNative(h, target)
			out.Format = format
		} else {
			e.Logger.Infof("exporting %s", format)
			out = e.ExportFormat(h, format, req.OutputDir, req.ImgSize)
		}

		if out.OK() {
			e.Logger.Infof("exported %s to %s", format, out.Path)
		} else {
			e.Logger.Errorf("exporting %s failed: %v", format, out.Err)
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// SaveNative writes h to target, trying each strategy in turn:
//
//  1. direct: serialize the whole handle.
//  2. submodel: serialize the first sub-model of the handle.
//  3. train: run a one-epoch placeholder training pass, then serialize the handle.
//
// Panics inside a strategy count as that strategy's failure.
func (e *Exporter) SaveNative(h Handle, target string) Outcome {
	out := Outcome{Format: FormatNative}
	strategies := []struct {
		name Strategy
		run  func() error
	}{
		{StrategyDirect, func() error { return e.saveDirect(h, target) }},
		{StrategySubModel, func() error { return e.saveSubModel(h, target) }},
		{StrategyTrain, func() error { return e.saveAfterTraining(h, target) }},
	}

	var errs []error
	for _, s := range strategies {
		err := attempt(s.run)
		out.Attempts = append(out.Attempts, Attempt{Strategy: s.name, Err: err})
		if err == nil {
			out.Path = target
			out.Strategy = s.name
			return out
		}
		e.Logger.Warningf("%s save failed: %v", s.name, err)
		errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
	}
	out.Err = errors.Annotate(stderrors.Join(errs...), "all save attempts failed")
	return out
}

func (e *Exporter) saveDirect(h Handle, target string) error {
	err := e.Save(h, target)
	if stderrors.Is(err, serialization.ErrNotSerializable) {
		return errors.NewNotSupported(err, "whole-object save")
	}
	return errors.Trace(err)
}

func (e *Exporter) saveSubModel(h Handle, target string) error {
	sm, ok := h.(SubModeler)
	if !ok {
		return errors.NotSupportedf("model without sub-models")
	}
	for first := range sm.SubModels() {
		e.Logger.Debugf("saving first sub-model %s", first)
		return errors.Trace(e.Save(first, target))
	}
	return errors.NotFoundf("sub-model")
}

func (e *Exporter) saveAfterTraining(h Handle, target string) error {
	e.Logger.Infof("running placeholder training before saving")
	err := h.Train(yolo.TrainOptions{Epochs: 1, ImgSize: yolo.DefaultImgSize, Batch: -1})
	if err != nil {
		return errors.Annotate(err, "training")
	}
	return errors.Trace(e.Save(h, target))
}

// attempt runs fn, turning a panic into an error.
func attempt(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// ExportFormat delegates a non-native format to the model and moves the
// artifact into outDir when it was written elsewhere.
func (e *Exporter) ExportFormat(h Handle, format, outDir string, imgsz int) Outcome {
	out := Outcome{Format: format}
	path, err := h.Export(format, yolo.ExportOptions{ImgSize: imgsz})
	if err != nil {
		out.Err = errors.Trace(err)
		return out
	}
	if _, err := os.Stat(path); err != nil {
		out.Err = errors.Annotatef(err, "exported artifact %q", path)
		return out
	}

	inside, err := Within(outDir, path)
	if err != nil {
		out.Err = errors.Trace(err)
		return out
	}
	if !inside {
		moved, err := Relocate(path, outDir)
		if err != nil {
			out.Err = errors.Trace(err)
			return out
		}
		e.Logger.Debugf("moved %s to %s", path, moved)
		path = moved
	}
	out.Path = path
	return out
}

// IsNative reports whether format selects the native format.
func IsNative(format string) bool {
	f := strings.ToLower(format)
	return f == FormatNative || f == FormatNativeAlias
}

// NativePath returns the native file path for a model size: <dir>/yolov8<size>_local.born.
func NativePath(dir, size string) string {
	return filepath.Join(dir, "yolov8"+size+"_local"+nativeExt)
}

func withDefaults(req Request) Request {
	if len(req.Formats) == 0 {
		req.Formats = []string{FormatNative}
	}
	if req.ImgSize <= 0 {
		req.ImgSize = yolo.DefaultImgSize
	}
	if req.OutputDir == "" {
		req.OutputDir = "."
	}
	return req
}
