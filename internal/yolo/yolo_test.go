package yolo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/yolov8/internal/nn"
	"github.com/born-ml/yolov8/internal/onnx"
	"github.com/born-ml/yolov8/internal/serialization"
)

// copyConfig copies a shipped model definition into a temporary directory so
// exports written next to it stay out of the source tree.
func copyConfig(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "..", "cfg", "models", "v8", name))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

const tinyConfig = `
nc: 2
names: {0: cat, 1: dog}
backbone:
  - [-1, 1, Conv, [16, 3, 2]]
  - [-1, 1, Conv, [32, 3, 2]]
  - [-1, 1, C2f, [32, True]]
  - [-1, 1, Conv, [32, 3, 2]]
head:
  - [[2, 3], 1, Detect, [nc]]
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(tinyConfig))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.NC)
	assert.Equal(t, 3, cfg.Ch)
	assert.Equal(t, Names{"cat", "dog"}, cfg.Names)
	assert.Equal(t, "{0: 'cat', 1: 'dog'}", cfg.Names.String())

	layers := cfg.Layers()
	require.Len(t, layers, 5)
	assert.Equal(t, []int{-1}, layers[0].From)
	assert.Equal(t, []any{16, 3, 2}, layers[0].Args)
	assert.Equal(t, []any{32, true}, layers[2].Args)
	assert.Equal(t, []int{2, 3}, layers[4].From)
	assert.Equal(t, "Detect", layers[4].Module)
	assert.Equal(t, []any{"nc"}, layers[4].Args)
}

func TestParseConfigDefaultsAndErrors(t *testing.T) {
	cfg, err := ParseConfig([]byte("nc: 3\nbackbone:\n  - [-1, 1, Conv, [8, 3, 2]]\n"))
	require.NoError(t, err)
	assert.Equal(t, Names{"class0", "class1", "class2"}, cfg.Names)

	_, err = ParseConfig([]byte("nc: 0\nbackbone: []\n"))
	assert.True(t, errors.Is(err, errors.NotValid))

	_, err = ParseConfig([]byte("nc: 1\nbackbone:\n  - [-1, Conv]\n"))
	assert.Error(t, err)
}

func TestSelectScale(t *testing.T) {
	cfg, err := LoadConfig(copyConfig(t, "yolov8.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"l", "m", "n", "s", "x"}, cfg.ScaleNames())

	s, err := cfg.SelectScale("")
	require.NoError(t, err)
	assert.Equal(t, Scale{Name: "n", Depth: 0.33, Width: 0.25, MaxChannels: 1024}, s)

	s, err = cfg.SelectScale("m")
	require.NoError(t, err)
	assert.Equal(t, 768, s.MaxChannels)

	_, err = cfg.SelectScale("q")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NotValid))
	assert.Contains(t, err.Error(), "l, m, n, s, x")

	unscaled, err := ParseConfig([]byte(tinyConfig))
	require.NoError(t, err)
	s, err = unscaled.SelectScale("x")
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.Depth)
	assert.Equal(t, 1.0, s.Width)
}

func TestGuessScale(t *testing.T) {
	assert.Equal(t, "s", GuessScale("models/yolov8s.yaml"))
	assert.Equal(t, "x", GuessScale("yolov8x_cbam.yaml"))
	assert.Equal(t, "", GuessScale("yolov8.yaml"))
	assert.Equal(t, "", GuessScale("yolov8_cbam.yaml"))
}

func TestLoadConfigMissing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestParameterCounts(t *testing.T) {
	path := copyConfig(t, "yolov8.yaml")
	want := []struct {
		scale  string
		params int
	}{
		{"n", 3_157_200},
		{"s", 11_166_560},
		{"m", 25_902_640},
		{"l", 43_691_520},
		{"x", 68_229_648},
	}
	for _, tt := range want {
		t.Run(tt.scale, func(t *testing.T) {
			if testing.Short() && tt.scale != "n" && tt.scale != "s" {
				t.Skip("large model in short mode")
			}
			m, err := New(path, WithScale(tt.scale))
			require.NoError(t, err)
			assert.Equal(t, tt.scale, m.Scale)
			assert.Equal(t, tt.params, m.NumParams())
		})
	}
}

func TestCBAMModel(t *testing.T) {
	m, err := New(copyConfig(t, "yolov8_cbam.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "n", m.Scale)
	assert.Equal(t, 3_157_200+256*256+256+2*7*7, m.NumParams())
	require.Len(t, m.Model.Layers(), 24)
	assert.IsType(t, &nn.CBAM{}, m.Model.Layers()[10].Module)
}

func TestStridesAndOutputShape(t *testing.T) {
	m, err := New(copyConfig(t, "yolov8.yaml"))
	require.NoError(t, err)

	assert.Equal(t, []float64{8, 16, 32}, m.Stride)
	assert.Equal(t, 32, m.Model.MaxStride())

	out, err := m.Model.OutputShape([]int{1, 3, 640, 640})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 84, 8400}, []int(out))
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		kind error
	}{
		{"unknown module", "nc: 1\nbackbone:\n  - [-1, 1, Focus, [8]]\n", errors.NotSupported},
		{"no detect", "nc: 1\nbackbone:\n  - [-1, 1, Conv, [8, 3, 2]]\n", errors.NotValid},
		{"forward reference", "nc: 1\nbackbone:\n  - [-1, 1, Conv, [8, 3, 2]]\n  - [[2], 1, Detect, [nc]]\n", errors.NotValid},
		{"zero kernel", "nc: 1\nbackbone:\n  - [-1, 1, Conv, [64, 0, 2]]\n  - [-1, 1, Detect, [nc]]\n", errors.NotValid},
		{"zero stride", "nc: 1\nbackbone:\n  - [-1, 1, Conv, [64, 3, 0]]\n  - [-1, 1, Detect, [nc]]\n", errors.NotValid},
		{"negative stride", "nc: 1\nbackbone:\n  - [-1, 1, Conv, [64, 3, -2]]\n  - [-1, 1, Detect, [nc]]\n", errors.NotValid},
		{"zero pooling kernel", "nc: 1\nbackbone:\n  - [-1, 1, Conv, [64, 3, 2]]\n  - [-1, 1, SPPF, [64, 0]]\n  - [-1, 1, Detect, [nc]]\n", errors.NotValid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseConfig([]byte(tt.yaml))
			require.NoError(t, err)
			_, err = Build(cfg, Scale{Depth: 1, Width: 1, MaxChannels: 1024})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}
}

func TestSubModels(t *testing.T) {
	m, err := New(copyConfig(t, "yolov8.yaml"))
	require.NoError(t, err)

	var first nn.Module
	count := 0
	for mod := range m.SubModels() {
		if first == nil {
			first = mod
		}
		count++
	}
	assert.Equal(t, 23, count)
	assert.IsType(t, &nn.Conv{}, first)
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	m, err := New(copyConfig(t, "yolov8.yaml"), WithScale("n"))
	require.NoError(t, err)

	for _, name := range []string{"model.born", "model.safetensors"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, m.Save(path))

			loaded, err := New(path)
			require.NoError(t, err)
			assert.Equal(t, path, loaded.CheckpointPath)
			assert.Equal(t, m.Scale, loaded.Scale)
			assert.Equal(t, m.NumParams(), loaded.NumParams())
			assert.Equal(t, m.ID(), loaded.ID())

			want := m.StateDict()
			got := loaded.StateDict()
			require.Len(t, got, len(want))
			for _, key := range []string{"model.0.conv.weight", "model.22.cv3.0.2.bias", "model.22.dfl.conv.weight"} {
				assert.Equal(t, want[key].AsFloat32(), got[key].AsFloat32(), key)
			}
		})
	}
}

func TestLoadWeightsWithoutConfig(t *testing.T) {
	m, err := New(copyConfig(t, "yolov8.yaml"))
	require.NoError(t, err)

	var first nn.Module
	for mod := range m.SubModels() {
		first = mod
		break
	}
	path := filepath.Join(t.TempDir(), "layer.born")
	require.NoError(t, serialization.SaveObject(first, path))

	_, err = New(path)
	assert.True(t, errors.Is(err, errors.NotValid))
}

func TestNewUnsupportedFile(t *testing.T) {
	_, err := New("model.pt")
	assert.True(t, errors.Is(err, errors.NotSupported))
}

func TestExportONNX(t *testing.T) {
	path := copyConfig(t, "yolov8.yaml")
	m, err := New(path)
	require.NoError(t, err)

	out, err := m.Export(FormatONNX, ExportOptions{ImgSize: 64})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "yolov8n.onnx"), out)

	model, err := onnx.ReadFile(out)
	require.NoError(t, err)
	require.NoError(t, onnx.Verify(model))

	assert.Equal(t, int64(onnx.DefaultOpset), model.OpsetVersion())
	assert.Equal(t, int64(onnx.DefaultIRVersion), model.IRVersion)
	require.Len(t, model.Graph.Inputs, 1)
	assert.Equal(t, "images", model.Graph.Inputs[0].Name)
	assert.Equal(t, []int64{1, 3, 64, 64}, model.Graph.Inputs[0].Type.Dims)
	require.Len(t, model.Graph.Outputs, 1)
	assert.Equal(t, "output0", model.Graph.Outputs[0].Name)
	assert.Equal(t, []int64{1, 84, 84}, model.Graph.Outputs[0].Type.Dims)

	meta := model.Metadata()
	assert.Equal(t, "32", meta["stride"])
	assert.Equal(t, "[64, 64]", meta["imgsz"])
	assert.Equal(t, "detect", meta["task"])
	assert.Equal(t, onnxAuthor, meta["author"])
	assert.Contains(t, meta["names"], "79: 'class79'")

	ops := map[string]int{}
	for _, n := range model.Graph.Nodes {
		ops[n.OpType]++
	}
	assert.Equal(t, 3, ops["MaxPool"])
	assert.Equal(t, 2, ops["Resize"])
	assert.Equal(t, 1, ops["Softmax"])
	assert.NotContains(t, ops, "BatchNormalization")
}

func TestExportCBAMToONNX(t *testing.T) {
	m, err := New(copyConfig(t, "yolov8_cbam.yaml"))
	require.NoError(t, err)

	model, err := m.ONNX(ExportOptions{ImgSize: 32})
	require.NoError(t, err)
	require.NoError(t, onnx.Verify(model))
	assert.Equal(t, []int64{1, 84, 21}, model.Graph.Outputs[0].Type.Dims)
}

func TestExportSafeTensors(t *testing.T) {
	path := copyConfig(t, "yolov8_cbam.yaml")
	m, err := New(path, WithScale("s"))
	require.NoError(t, err)

	out, err := m.Export(FormatSafeTensors, ExportOptions{})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "yolov8s_cbam.safetensors"), out)

	sd, meta, err := serialization.ReadSafeTensors(out)
	require.NoError(t, err)
	assert.Len(t, sd, len(m.StateDict()))
	assert.Equal(t, "s", meta[MetaScale])
}

func TestExportOptions(t *testing.T) {
	m, err := New(copyConfig(t, "yolov8.yaml"), WithOverrides(map[string]any{"imgsz": "320", "batch": 2}))
	require.NoError(t, err)

	opts, err := m.exportOptions(ExportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 320, opts.ImgSize)
	assert.Equal(t, 2, opts.Batch)

	opts, err = m.exportOptions(ExportOptions{ImgSize: 100})
	require.NoError(t, err)
	assert.Equal(t, 128, opts.ImgSize, "rounded up to a stride multiple")
}

func TestExportUnknownFormat(t *testing.T) {
	m, err := New(copyConfig(t, "yolov8.yaml"))
	require.NoError(t, err)

	_, err = m.Export("tflite", ExportOptions{})
	assert.True(t, errors.Is(err, errors.NotSupported))
}

func TestLazyAttributes(t *testing.T) {
	m, err := New(copyConfig(t, "yolov8.yaml"), WithOverrides(map[string]any{"device": "cuda:0"}))
	require.NoError(t, err)

	_, err = m.Device.Value()
	assert.True(t, errors.Is(err, errors.NotSupported))
	_, err = m.Epoch.Value()
	assert.True(t, errors.Is(err, errors.NotFound))
	assert.Nil(t, m.CheckpointMeta())
}

func TestTrainPlaceholder(t *testing.T) {
	m, err := New(copyConfig(t, "yolov8.yaml"))
	require.NoError(t, err)

	weight := m.Model.Layers()[0].Module.(*nn.Conv).Conv2D().Weight().Tensor()
	before := weight.Clone().AsFloat32()

	project := t.TempDir()
	err = m.Train(TrainOptions{Epochs: 1, ImgSize: 640, Batch: -1, Project: project})
	require.NoError(t, err)

	require.NotNil(t, m.Trainer)
	assert.GreaterOrEqual(t, m.Trainer.Batch, 1)
	assert.LessOrEqual(t, m.Trainer.Batch, maxAutoBatch)
	assert.Equal(t, filepath.Join(project, m.Trainer.RunID, "weights", "last.born"), m.Trainer.LastPath)
	assert.FileExists(t, m.Trainer.LastPath)
	assert.Positive(t, m.Trainer.Loss)

	after := weight.AsFloat32()
	for i := range before {
		if before[i] != 0 {
			assert.Less(t, abs32(after[i]), abs32(before[i]))
			break
		}
	}

	epoch, err := m.Epoch.Value()
	require.NoError(t, err)
	assert.Equal(t, 1, epoch)

	loaded, err := New(m.Trainer.LastPath)
	require.NoError(t, err)
	epoch, err = loaded.Epoch.Value()
	require.NoError(t, err)
	assert.Equal(t, 1, epoch)
	assert.Equal(t, "SGD", loaded.CheckpointMeta().OptimizerType)
}

func TestTrainRejectsDataset(t *testing.T) {
	m, err := New(copyConfig(t, "yolov8.yaml"))
	require.NoError(t, err)

	err = m.Train(TrainOptions{Data: "coco8.yaml", Project: t.TempDir()})
	assert.True(t, errors.Is(err, errors.NotSupported))
	assert.Nil(t, m.Trainer)
}

func TestInfo(t *testing.T) {
	m, err := New(copyConfig(t, "yolov8.yaml"), WithVerbose(true))
	require.NoError(t, err)
	assert.Equal(t, "YOLOv8n summary: 23 layers, 184 tensors, 3,157,200 parameters", m.Info())
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
