package yolo

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/mitchellh/mapstructure"

	"github.com/born-ml/yolov8/internal/serialization"
)

// Export formats.
const (
	FormatONNX        = "onnx"
	FormatSafeTensors = "safetensors"
)

// DefaultImgSize is the square input size used when none is given.
const DefaultImgSize = 640

var familyStem = regexp.MustCompile(`^(yolov\d+)([nslmx]?)(.*)$`)

// ExportOptions configures Export. Zero fields take their value from the model
// overrides, then from defaults.
type ExportOptions struct {
	ImgSize int    `mapstructure:"imgsz"`
	Batch   int    `mapstructure:"batch"`
	Opset   int    `mapstructure:"opset"`
	Dir     string `mapstructure:"dir"`
}

// decodeOverrides copies recognised keys of overrides into dst.
func decodeOverrides(overrides map[string]any, dst any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           dst,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Annotate(dec.Decode(overrides), "decoding overrides")
}

func (m *Model) exportOptions(opts ExportOptions) (ExportOptions, error) {
	resolved := ExportOptions{}
	if err := decodeOverrides(m.Overrides, &resolved); err != nil {
		return ExportOptions{}, errors.Trace(err)
	}
	if opts.ImgSize > 0 {
		resolved.ImgSize = opts.ImgSize
	}
	if opts.Batch > 0 {
		resolved.Batch = opts.Batch
	}
	if opts.Opset > 0 {
		resolved.Opset = opts.Opset
	}
	if opts.Dir != "" {
		resolved.Dir = opts.Dir
	}

	if resolved.ImgSize <= 0 {
		resolved.ImgSize = DefaultImgSize
	}
	if stride := m.Model.MaxStride(); resolved.ImgSize%stride != 0 {
		fixed := (resolved.ImgSize/stride + 1) * stride
		logger.Warningf("imgsz=%d must be a multiple of max stride %d, updating to %d", resolved.ImgSize, stride, fixed)
		resolved.ImgSize = fixed
	}
	if resolved.Batch <= 0 {
		resolved.Batch = 1
	}
	return resolved, nil
}

// Export writes the model in the given format and returns the artifact path.
//
// Artifacts are written next to the file the model came from, named after the
// model family and scale (yolov8.yaml at scale n exports yolov8n.onnx), unless
// opts.Dir is set.
func (m *Model) Export(format string, opts ExportOptions) (string, error) {
	opts, err := m.exportOptions(opts)
	if err != nil {
		return "", errors.Trace(err)
	}

	var path string
	switch f := strings.ToLower(format); f {
	case FormatONNX:
		path = m.artifactPath(opts.Dir, ".onnx")
		err = m.exportONNX(path, opts)
	case FormatSafeTensors:
		path = m.artifactPath(opts.Dir, ".safetensors")
		err = serialization.WriteSafeTensors(path, m.StateDict(), m.Metadata())
	default:
		return "", errors.NotSupportedf("export format %q", format)
	}
	if err != nil {
		return "", errors.Annotatef(err, "exporting %s", format)
	}

	if info, statErr := os.Stat(path); statErr == nil {
		logger.Infof("%s export success, saved as %s (%s)", format, path, humanize.Bytes(uint64(info.Size()))) //nolint:gosec // file sizes are non-negative
	}
	return path, nil
}

// artifactPath names an export artifact after the model source file.
func (m *Model) artifactPath(dir, ext string) string {
	source := m.CheckpointPath
	if source == "" {
		source = m.ConfigPath
	}
	if dir == "" {
		dir = filepath.Dir(source)
	}
	if source == "" {
		return filepath.Join(dir, strings.ToLower(m.displayName())+ext)
	}

	stem := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	if g := familyStem.FindStringSubmatch(stem); g != nil && g[2] == "" {
		stem = g[1] + m.Scale + g[3]
	}
	return filepath.Join(dir, stem+ext)
}
