package serialization

import (
	"fmt"

	"github.com/born-ml/yolov8/internal/tensor"
)

// Serializable is any value that can expose its weights by name.
type Serializable interface {
	StateDict() map[string]*tensor.RawTensor
}

type modelTyper interface {
	ModelType() string
}

type metadataProvider interface {
	Metadata() map[string]string
}

type checkpointProvider interface {
	CheckpointMeta() *CheckpointMeta
}

// SaveObject writes obj to path in .born format.
//
// obj must implement Serializable. When it also reports a model type, custom
// metadata or checkpoint state through the optional ModelType, Metadata and
// CheckpointMeta methods, those are stored in the header. Otherwise the model
// type falls back to the Go type name.
//
// Returns ErrNotSerializable when obj exposes no state dictionary.
func SaveObject(obj any, path string) error {
	sd, ok := obj.(Serializable)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotSerializable, obj)
	}

	header := Header{ModelType: fmt.Sprintf("%T", obj)}
	if mt, ok := obj.(modelTyper); ok {
		header.ModelType = mt.ModelType()
	}
	if mp, ok := obj.(metadataProvider); ok {
		header.Metadata = mp.Metadata()
	}
	if cp, ok := obj.(checkpointProvider); ok {
		header.CheckpointMeta = cp.CheckpointMeta()
	}
	return WriteFile(path, sd.StateDict(), header)
}
