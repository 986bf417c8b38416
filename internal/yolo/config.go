package yolo

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// DefaultScale is used when neither the caller nor the file name names a scale.
const DefaultScale = "n"

var scaleFromName = regexp.MustCompile(`yolov\d+([nslmx])`)

// Config is a parsed YOLOv8 model definition.
type Config struct {
	NC       int                  `yaml:"nc"`
	Scales   map[string][]float64 `yaml:"scales"`
	Scale    string               `yaml:"scale"`
	Backbone []LayerSpec          `yaml:"backbone"`
	Head     []LayerSpec          `yaml:"head"`
	Names    Names                `yaml:"names"`
	Ch       int                  `yaml:"ch"`

	source []byte
}

// LayerSpec is one row of the backbone or head table: [from, repeats, module, args].
type LayerSpec struct {
	From    []int
	Repeats int
	Module  string
	Args    []any
}

// Scale holds the compound scaling constants of one model size.
type Scale struct {
	Name        string
	Depth       float64
	Width       float64
	MaxChannels int
}

// Names are class names indexed by class id.
type Names []string

// LoadConfig reads and parses the model definition at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // configuration path is user supplied
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFoundf("model configuration %q", path)
		}
		return nil, errors.Annotatef(err, "reading %q", path)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, errors.Annotatef(err, "parsing %q", filepath.Base(path))
	}
	return cfg, nil
}

// ParseConfig parses a model definition and fills defaults.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.NotValidf("model configuration: %v", err)
	}
	if cfg.NC <= 0 {
		return nil, errors.NotValidf("class count nc=%d", cfg.NC)
	}
	if len(cfg.Backbone) == 0 {
		return nil, errors.NotValidf("model configuration without backbone")
	}
	for name, s := range cfg.Scales {
		if len(s) != 3 {
			return nil, errors.NotValidf("scale %q: want [depth, width, max_channels], got %v", name, s)
		}
	}
	if cfg.Ch == 0 {
		cfg.Ch = 3
	}
	if len(cfg.Names) == 0 {
		cfg.Names = make(Names, cfg.NC)
		for i := range cfg.Names {
			cfg.Names[i] = fmt.Sprintf("class%d", i)
		}
	}
	if len(cfg.Names) != cfg.NC {
		return nil, errors.NotValidf("%d class names for nc=%d", len(cfg.Names), cfg.NC)
	}
	cfg.source = append([]byte(nil), data...)
	return &cfg, nil
}

// Source returns the configuration text as it was read.
func (c *Config) Source() []byte {
	return c.source
}

// String summarizes the definition, e.g. "nc=80 scales=[l m n s x] layers=23".
func (c *Config) String() string {
	return fmt.Sprintf("nc=%d scales=%v layers=%d", c.NC, c.ScaleNames(), len(c.Backbone)+len(c.Head))
}

// Layers returns backbone rows followed by head rows.
func (c *Config) Layers() []LayerSpec {
	return append(append([]LayerSpec(nil), c.Backbone...), c.Head...)
}

// ScaleNames returns the available scale names in sorted order.
func (c *Config) ScaleNames() []string {
	names := make([]string, 0, len(c.Scales))
	for name := range c.Scales {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SelectScale resolves the compound scaling for size.
//
// An empty size falls back to the scale written in the configuration, then to
// DefaultScale, then to the first scale in name order. A configuration without
// scales uses multipliers of 1.0 for any size.
func (c *Config) SelectScale(size string) (Scale, error) {
	if len(c.Scales) == 0 {
		return Scale{Name: size, Depth: 1, Width: 1, MaxChannels: math.MaxInt}, nil
	}
	if size == "" {
		size = c.Scale
	}
	if size == "" {
		if _, ok := c.Scales[DefaultScale]; ok {
			size = DefaultScale
		} else {
			size = c.ScaleNames()[0]
		}
	}
	s, ok := c.Scales[size]
	if !ok {
		return Scale{}, errors.NotValidf("model scale %q (available: %s)", size, strings.Join(c.ScaleNames(), ", "))
	}
	return Scale{Name: size, Depth: s[0], Width: s[1], MaxChannels: int(s[2])}, nil
}

// GuessScale extracts the scale letter from a file name such as "yolov8s.yaml".
func GuessScale(path string) string {
	m := scaleFromName.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return ""
	}
	return m[1]
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *LayerSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode || len(node.Content) != 4 {
		return fmt.Errorf("line %d: layer must be [from, repeats, module, args]", node.Line)
	}
	from, repeats, module, args := node.Content[0], node.Content[1], node.Content[2], node.Content[3]

	switch from.Kind {
	case yaml.ScalarNode:
		var f int
		if err := from.Decode(&f); err != nil {
			return fmt.Errorf("line %d: from: %w", from.Line, err)
		}
		l.From = []int{f}
	case yaml.SequenceNode:
		if err := from.Decode(&l.From); err != nil {
			return fmt.Errorf("line %d: from: %w", from.Line, err)
		}
	default:
		return fmt.Errorf("line %d: from must be an index or a list of indices", from.Line)
	}

	if err := repeats.Decode(&l.Repeats); err != nil {
		return fmt.Errorf("line %d: repeats: %w", repeats.Line, err)
	}
	if err := module.Decode(&l.Module); err != nil {
		return fmt.Errorf("line %d: module: %w", module.Line, err)
	}
	if err := args.Decode(&l.Args); err != nil {
		return fmt.Errorf("line %d: args: %w", args.Line, err)
	}
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler. Names may be a list or an id-keyed map.
func (n *Names) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*n = list
		return nil
	case yaml.MappingNode:
		var byID map[int]string
		if err := node.Decode(&byID); err != nil {
			return err
		}
		out := make(Names, len(byID))
		for id, name := range byID {
			if id < 0 || id >= len(byID) {
				return fmt.Errorf("line %d: class ids must be 0..%d, got %d", node.Line, len(byID)-1, id)
			}
			out[id] = name
		}
		*n = out
		return nil
	default:
		return fmt.Errorf("line %d: names must be a list or a map", node.Line)
	}
}

// Map returns names as an id-keyed map.
func (n Names) Map() map[int]string {
	m := make(map[int]string, len(n))
	for i, name := range n {
		m[i] = name
	}
	return m
}

// String renders names the way exported metadata stores them: {0: 'person', 1: 'bicycle'}.
func (n Names) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, name := range n {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%d: '%s'", i, name)
	}
	b.WriteByte('}')
	return b.String()
}
