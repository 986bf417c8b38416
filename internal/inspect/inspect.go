package inspect

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/juju/errors"

	"github.com/born-ml/yolov8/internal/nn"
	"github.com/born-ml/yolov8/internal/yolo"
)

// Fields never listed by Describe.
var excluded = map[string]bool{
	"Model":     true,
	"Predictor": true,
	"Trainer":   true,
	"Layers":    true,
}

const maxCellWidth = 80

// Lazy is a field whose value is resolved on access.
type Lazy interface {
	Value() (any, error)
}

// ParameterHolder exposes trainable parameters.
type ParameterHolder interface {
	Parameters() []*nn.Parameter
}

// Saver persists a model to a path.
type Saver interface {
	Save(path string) error
}

// LoadOptions configures Load.
type LoadOptions struct {
	// SearchRoot is walked when the configuration path does not exist.
	SearchRoot string
	// Verbose prints diagnostics after loading.
	Verbose bool
	// Out receives diagnostics. Defaults to os.Stdout.
	Out io.Writer
}

// Load resolves path (searching SearchRoot if needed) and builds the model.
func Load(path string, opts LoadOptions) (*yolo.Model, error) {
	found, err := Locate(path, opts.SearchRoot)
	if err != nil {
		return nil, errors.Trace(err)
	}

	logger.Infof("loading model from %s", found)
	model, err := yolo.New(found, yolo.WithVerbose(opts.Verbose))
	if err != nil {
		return nil, errors.Annotatef(err, "loading %q", found)
	}

	if opts.Verbose {
		out := opts.Out
		if out == nil {
			out = os.Stdout
		}
		if err := Describe(out, model); err != nil {
			return model, errors.Trace(err)
		}
	}
	return model, nil
}

// Describe writes the model type, its sub-model type, the total parameter
// count and a table of its exported attributes.
//
// Attributes that fail to resolve, or panic while being read, are skipped.
func Describe(w io.Writer, model any) error {
	v := reflect.ValueOf(model)
	if _, err := fmt.Fprintf(w, "Model type: %T\n", model); err != nil {
		return errors.Trace(err)
	}
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return errors.NotValidf("nil model")
		}
		v = v.Elem()
	}

	if v.Kind() == reflect.Struct {
		if sub := v.FieldByName("Model"); sub.IsValid() && sub.CanInterface() {
			fmt.Fprintf(w, "Sub-model type: %T\n", sub.Interface())
		}
	}
	if holder, ok := model.(ParameterHolder); ok {
		fmt.Fprintf(w, "Total parameters: %s\n", humanize.Comma(int64(CountParameters(holder))))
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	table := uitable.New()
	table.MaxColWidth = maxCellWidth
	table.AddRow("ATTRIBUTE", "VALUE")
	t := v.Type()
	for i := range t.NumField() {
		field := t.Field(i)
		if !field.IsExported() || excluded[field.Name] || field.Type.Kind() == reflect.Func {
			continue
		}
		value, ok := attribute(field.Name, v.Field(i))
		if !ok {
			continue
		}
		table.AddRow(field.Name, value)
	}
	_, err := fmt.Fprintln(w, table)
	return errors.Trace(err)
}

// attribute formats one field, reporting false when it cannot be read.
func attribute(name string, fv reflect.Value) (s string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Debugf("skipping %s: panic: %v", name, r)
			s, ok = "", false
		}
	}()

	value := fv.Interface()
	if lazy, isLazy := value.(Lazy); isLazy {
		resolved, err := lazy.Value()
		if err != nil {
			logger.Debugf("skipping %s: %v", name, err)
			return "", false
		}
		value = resolved
	}
	// fmt swallows panics from String methods, so call them directly.
	if str, isStringer := value.(fmt.Stringer); isStringer {
		return str.String(), true
	}
	return fmt.Sprint(value), true
}

// CountParameters returns the total number of elements across all parameters.
func CountParameters(m ParameterHolder) int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.NumElements()
	}
	return total
}

// Save creates dir and saves the model to dir/name through the model's own
// save routine. The written path is returned.
func Save(model Saver, dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Annotatef(err, "creating %q", dir)
	}
	path := filepath.Join(dir, name)
	if err := model.Save(path); err != nil {
		return "", errors.Annotatef(err, "saving model to %q", path)
	}
	logger.Infof("model saved to %s", path)
	return path, nil
}
