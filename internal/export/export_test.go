package export

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/yolov8/internal/nn"
	"github.com/born-ml/yolov8/internal/serialization"
	"github.com/born-ml/yolov8/internal/yolo"
)

// fakeHandle records calls made by the exporter.
type fakeHandle struct {
	exportDir string
	exportErr map[string]error
	trainErr  error
	trained   []yolo.TrainOptions
	exported  []string
}

func (h *fakeHandle) Export(format string, opts yolo.ExportOptions) (string, error) {
	h.exported = append(h.exported, format)
	if err, ok := h.exportErr[format]; ok {
		return "", err
	}
	path := filepath.Join(h.exportDir, "yolov8n."+format)
	if err := os.WriteFile(path, []byte(format), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

func (h *fakeHandle) Train(opts yolo.TrainOptions) error {
	h.trained = append(h.trained, opts)
	return h.trainErr
}

// layeredHandle also exposes sub-models.
type layeredHandle struct {
	fakeHandle
	layers []nn.Module
}

func (h *layeredHandle) SubModels() iter.Seq[nn.Module] {
	return func(yield func(nn.Module) bool) {
		for _, m := range h.layers {
			if !yield(m) {
				return
			}
		}
	}
}

// scriptedSave returns the queued errors in order, then nil.
type scriptedSave struct {
	errs  []error
	calls []any
}

func (s *scriptedSave) save(obj any, path string) error {
	s.calls = append(s.calls, obj)
	if len(s.errs) == 0 {
		return os.WriteFile(path, []byte("born"), 0o600)
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func newTestExporter(t *testing.T, save func(any, string) error) (*Exporter, *loggo.TestWriter) {
	t.Helper()
	ctx := loggo.NewContext(loggo.DEBUG)
	w := &loggo.TestWriter{}
	require.NoError(t, ctx.AddWriter("test", w))
	e := New()
	e.Save = save
	e.Logger = ctx.GetLogger("yolov8.export")
	return e, w
}

func logText(w *loggo.TestWriter) string {
	var b strings.Builder
	for _, entry := range w.Log() {
		b.WriteString(entry.Message)
		b.WriteString("\n")
	}
	return b.String()
}

func TestSaveNativeDirect(t *testing.T) {
	s := &scriptedSave{}
	e, _ := newTestExporter(t, s.save)
	h := &fakeHandle{}
	target := filepath.Join(t.TempDir(), "yolov8n_local.born")

	out := e.SaveNative(h, target)

	require.NoError(t, out.Err)
	assert.Equal(t, StrategyDirect, out.Strategy)
	assert.Equal(t, target, out.Path)
	assert.Len(t, out.Attempts, 1)
	assert.Len(t, s.calls, 1)
	assert.Same(t, h, s.calls[0])
	assert.Empty(t, h.trained)
	assert.FileExists(t, target)
}

func TestSaveNativeFallsBackToSubModel(t *testing.T) {
	s := &scriptedSave{errs: []error{errors.New("cannot pickle")}}
	e, w := newTestExporter(t, s.save)
	first := nn.NewConv(3, 16, 3, 2)
	h := &layeredHandle{layers: []nn.Module{first, nn.NewConv(16, 32, 3, 2)}}
	target := filepath.Join(t.TempDir(), "yolov8n_local.born")

	out := e.SaveNative(h, target)

	require.NoError(t, out.Err)
	assert.Equal(t, StrategySubModel, out.Strategy)
	require.Len(t, s.calls, 2)
	assert.Same(t, first, s.calls[1])
	assert.Empty(t, h.trained)
	assert.Contains(t, logText(w), "cannot pickle")
}

func TestSaveNativeFallsBackToTraining(t *testing.T) {
	s := &scriptedSave{errs: []error{errors.New("direct broke"), errors.New("layer broke")}}
	e, w := newTestExporter(t, s.save)
	h := &layeredHandle{layers: []nn.Module{nn.NewConv(3, 16, 3, 2)}}
	target := filepath.Join(t.TempDir(), "yolov8n_local.born")

	out := e.SaveNative(h, target)

	require.NoError(t, out.Err)
	assert.Equal(t, StrategyTrain, out.Strategy)
	require.Len(t, h.trained, 1)
	assert.Equal(t, yolo.TrainOptions{Epochs: 1, ImgSize: 640, Batch: -1}, h.trained[0])

	logs := logText(w)
	assert.Contains(t, logs, "direct broke")
	assert.Contains(t, logs, "layer broke")
	assert.Less(t, strings.Index(logs, "direct broke"), strings.Index(logs, "layer broke"))
}

func TestSaveNativeWithoutSubModels(t *testing.T) {
	s := &scriptedSave{errs: []error{serialization.ErrNotSerializable}}
	e, _ := newTestExporter(t, s.save)
	h := &fakeHandle{}

	out := e.SaveNative(h, filepath.Join(t.TempDir(), "m.born"))

	require.NoError(t, out.Err)
	require.Len(t, out.Attempts, 3)
	assert.True(t, errors.Is(out.Attempts[0].Err, errors.NotSupported))
	assert.True(t, errors.Is(out.Attempts[1].Err, errors.NotSupported))
	assert.Equal(t, StrategyTrain, out.Strategy)
}

func TestSaveNativeEmptySubModels(t *testing.T) {
	s := &scriptedSave{errs: []error{errors.New("no")}}
	e, _ := newTestExporter(t, s.save)
	h := &layeredHandle{}

	out := e.SaveNative(h, filepath.Join(t.TempDir(), "m.born"))

	require.NoError(t, out.Err)
	assert.True(t, errors.Is(out.Attempts[1].Err, errors.NotFound))
}

func TestSaveNativeAllFail(t *testing.T) {
	s := &scriptedSave{errs: []error{errors.New("e1"), errors.New("e2"), errors.New("e3")}}
	e, _ := newTestExporter(t, s.save)
	h := &layeredHandle{layers: []nn.Module{nn.NewConv(3, 8, 1, 1)}}

	out := e.SaveNative(h, filepath.Join(t.TempDir(), "m.born"))

	require.Error(t, out.Err)
	assert.False(t, out.OK())
	assert.Empty(t, out.Path)
	assert.Len(t, out.Attempts, 3)
	for _, msg := range []string{"direct: e1", "submodel: e2", "train: e3"} {
		assert.Contains(t, out.Err.Error(), msg)
	}
}

func TestSaveNativeRecoversPanic(t *testing.T) {
	calls := 0
	save := func(obj any, path string) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return nil
	}
	e, w := newTestExporter(t, save)
	h := &layeredHandle{layers: []nn.Module{nn.NewConv(3, 8, 1, 1)}}

	out := e.SaveNative(h, filepath.Join(t.TempDir(), "m.born"))

	require.NoError(t, out.Err)
	assert.Equal(t, StrategySubModel, out.Strategy)
	assert.Contains(t, logText(w), "panic: boom")
}

func TestSaveNativeTrainingFailure(t *testing.T) {
	s := &scriptedSave{errs: []error{errors.New("a"), errors.New("b")}}
	e, _ := newTestExporter(t, s.save)
	h := &layeredHandle{
		fakeHandle: fakeHandle{trainErr: errors.NotSupportedf("dataset")},
		layers:     []nn.Module{nn.NewConv(3, 8, 1, 1)},
	}

	out := e.SaveNative(h, filepath.Join(t.TempDir(), "m.born"))

	require.Error(t, out.Err)
	assert.Len(t, s.calls, 2)
}

func TestExportAllContinuesAfterFailure(t *testing.T) {
	e, w := newTestExporter(t, (&scriptedSave{}).save)
	h := &fakeHandle{
		exportDir: t.TempDir(),
		exportErr: map[string]error{"tflite": errors.NotSupportedf("format %q", "tflite")},
	}
	outDir := filepath.Join(t.TempDir(), "exported_models")

	outcomes, err := e.ExportAll(context.Background(), h, Request{
		Size:      "n",
		Formats:   []string{"tflite", "onnx", "born", "onnx"},
		OutputDir: outDir,
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 4)

	assert.Equal(t, "tflite", outcomes[0].Format)
	assert.True(t, errors.Is(outcomes[0].Err, errors.NotSupported))
	assert.Contains(t, logText(w), "exporting tflite failed")

	assert.NoError(t, outcomes[1].Err)
	assert.Equal(t, filepath.Join(outDir, "yolov8n.onnx"), outcomes[1].Path)

	assert.NoError(t, outcomes[2].Err)
	assert.Equal(t, filepath.Join(outDir, "yolov8n_local.born"), outcomes[2].Path)
	assert.Equal(t, "born", outcomes[2].Format)

	assert.NoError(t, outcomes[3].Err)
	assert.Equal(t, []string{"tflite", "onnx", "onnx"}, h.exported)
}

func TestExportAllDefaults(t *testing.T) {
	s := &scriptedSave{}
	e, _ := newTestExporter(t, s.save)
	outDir := filepath.Join(t.TempDir(), "out")

	outcomes, err := e.ExportAll(context.Background(), &fakeHandle{}, Request{Size: "s", OutputDir: outDir})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, filepath.Join(outDir, "yolov8s_local.born"), outcomes[0].Path)
	assert.DirExists(t, outDir)
}

func TestExportAllCancelled(t *testing.T) {
	e, _ := newTestExporter(t, (&scriptedSave{}).save)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes, err := e.ExportAll(ctx, &fakeHandle{}, Request{OutputDir: t.TempDir(), Formats: []string{"born"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, outcomes)
}

func TestExportFormatInsideOutputDir(t *testing.T) {
	e, _ := newTestExporter(t, (&scriptedSave{}).save)
	outDir := t.TempDir()
	h := &fakeHandle{exportDir: outDir}

	out := e.ExportFormat(h, "onnx", outDir, 640)
	require.NoError(t, out.Err)
	assert.Equal(t, filepath.Join(outDir, "yolov8n.onnx"), out.Path)
}

func TestExportFormatRelocates(t *testing.T) {
	e, _ := newTestExporter(t, (&scriptedSave{}).save)
	src := t.TempDir()
	outDir := t.TempDir()
	h := &fakeHandle{exportDir: src}

	out := e.ExportFormat(h, "safetensors", outDir, 640)
	require.NoError(t, out.Err)
	assert.Equal(t, filepath.Join(outDir, "yolov8n.safetensors"), out.Path)
	assert.FileExists(t, out.Path)
	assert.NoFileExists(t, filepath.Join(src, "yolov8n.safetensors"))
}

func TestRunMissingConfig(t *testing.T) {
	e, _ := newTestExporter(t, (&scriptedSave{}).save)
	built := false
	e.Build = func(string, string) (Handle, error) {
		built = true
		return &fakeHandle{}, nil
	}
	outDir := filepath.Join(t.TempDir(), "exported_models")

	outcomes, err := e.Run(context.Background(), Request{
		ConfigPath: filepath.Join(t.TempDir(), "missing.yaml"),
		OutputDir:  outDir,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotFound))
	assert.Nil(t, outcomes)
	assert.False(t, built)
	assert.DirExists(t, outDir)
}

func TestRunBuildError(t *testing.T) {
	e, _ := newTestExporter(t, (&scriptedSave{}).save)
	e.Build = func(string, string) (Handle, error) {
		return nil, errors.NotValidf("scale %q", "q")
	}
	cfg := filepath.Join(t.TempDir(), "yolov8.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("nc: 1\n"), 0o600))

	_, err := e.Run(context.Background(), Request{ConfigPath: cfg, Size: "q", OutputDir: t.TempDir()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestRunMalformedConfig(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "yolov8.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("nc: 1\nbackbone:\n  - [-1, 1, Conv, [64, 0, 2]]\nhead:\n  - [-1, 1, Detect, [nc]]\n"), 0o600))

	outcomes, err := New().Run(context.Background(), Request{ConfigPath: cfg, Size: "n", OutputDir: t.TempDir()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotValid), "got %v", err)
	assert.Nil(t, outcomes)
}

func TestRunWithModel(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "cfg", "models", "v8", "yolov8.yaml"))
	require.NoError(t, err)
	cfg := filepath.Join(t.TempDir(), "yolov8.yaml")
	require.NoError(t, os.WriteFile(cfg, data, 0o600))
	outDir := filepath.Join(t.TempDir(), "exported_models")

	e := New()
	outcomes, err := e.Run(context.Background(), Request{
		ConfigPath: cfg,
		Size:       "n",
		Formats:    []string{"born", "onnx"},
		OutputDir:  outDir,
		ImgSize:    64,
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	require.NoError(t, outcomes[0].Err)
	assert.Equal(t, StrategyDirect, outcomes[0].Strategy)
	sd, header, err := serialization.ReadFile(outcomes[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "DetectionModel", header.ModelType)
	assert.NotEmpty(t, sd)

	require.NoError(t, outcomes[1].Err)
	assert.Equal(t, filepath.Join(outDir, "yolov8n.onnx"), outcomes[1].Path)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(cfg), "yolov8n.onnx"))
}

func TestIsNative(t *testing.T) {
	assert.True(t, IsNative("born"))
	assert.True(t, IsNative("pt"))
	assert.True(t, IsNative("PT"))
	assert.False(t, IsNative("onnx"))
}
