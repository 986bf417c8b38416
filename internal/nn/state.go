package nn

import (
	"fmt"
	"strings"

	"github.com/born-ml/yolov8/internal/tensor"
)

// mergeState copies src into dst with every key prefixed by prefix + ".".
func mergeState(dst map[string]*tensor.RawTensor, prefix string, src map[string]*tensor.RawTensor) {
	for name, raw := range src {
		dst[prefix+"."+name] = raw
	}
}

// subState extracts the keys under prefix + "." with the prefix stripped.
func subState(stateDict map[string]*tensor.RawTensor, prefix string) map[string]*tensor.RawTensor {
	sub := make(map[string]*tensor.RawTensor)
	p := prefix + "."
	for key, raw := range stateDict {
		if rest, ok := strings.CutPrefix(key, p); ok {
			sub[rest] = raw
		}
	}
	return sub
}

// loadTensor copies stateDict[key] into dst.
func loadTensor(dst *tensor.RawTensor, stateDict map[string]*tensor.RawTensor, key string) error {
	src, ok := stateDict[key]
	if !ok {
		return fmt.Errorf("missing key %q", key)
	}
	if err := dst.CopyFrom(src); err != nil {
		return fmt.Errorf("key %q: %w", key, err)
	}
	return nil
}

// loadChild loads the prefixed part of stateDict into child.
func loadChild(child Module, stateDict map[string]*tensor.RawTensor, prefix string) error {
	if err := child.LoadStateDict(subState(stateDict, prefix)); err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}
	return nil
}

// singleInput validates that exactly one 4D input was given.
func singleInput(module string, inputs []tensor.Shape) (n, c, h, w int, err error) {
	if len(inputs) != 1 {
		return 0, 0, 0, 0, fmt.Errorf("%s: expected 1 input, got %d", module, len(inputs))
	}
	n, c, h, w, err = inputs[0].NCHW()
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("%s: %w", module, err)
	}
	return n, c, h, w, nil
}

// checkChannels verifies the channel dimension of an input.
func checkChannels(module string, got, want int) error {
	if got != want {
		return fmt.Errorf("%s: input channels %d != expected %d", module, got, want)
	}
	return nil
}
