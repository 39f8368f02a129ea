// Package manifest handles lumen.toml / lumen.yaml runtime configuration.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/tliron/commonlog"
	"gopkg.in/yaml.v3"

	"github.com/chazu/lumen/vm"
)

// FileNames lists the configuration file names FindAndLoad looks for, in
// order of preference.
var FileNames = []string{"lumen.toml", "lumen.yaml", "lumen.yml"}

var log = commonlog.GetLogger("lumen.manifest")

// validate is a package-level singleton; validators cache struct metadata.
var validate = validator.New()

func init() {
	if err := validate.RegisterValidation("increasing", increasing); err != nil {
		panic(fmt.Sprintf("manifest: register validation: %v", err))
	}
}

// increasing accepts integer slices whose elements strictly increase.
func increasing(fl validator.FieldLevel) bool {
	sizes, ok := fl.Field().Interface().([]int)
	if !ok {
		return false
	}
	for i := 1; i < len(sizes); i++ {
		if sizes[i] <= sizes[i-1] {
			return false
		}
	}
	return true
}

// Config is the runtime configuration of a lumen State.
type Config struct {
	GC    GCConfig    `toml:"gc" yaml:"gc"`
	Table TableConfig `toml:"table" yaml:"table"`
	Stack StackConfig `toml:"stack" yaml:"stack"`
	Log   LogConfig   `toml:"log" yaml:"log"`

	// Path is the file the configuration was loaded from (set at load time).
	Path string `toml:"-" yaml:"-"`
}

// GCConfig tunes the collector.
type GCConfig struct {
	InitialThreshold int `toml:"initial_threshold" yaml:"initial_threshold" validate:"gte=1"`
	MinThreshold     int `toml:"min_threshold" yaml:"min_threshold" validate:"gte=1"`
	MaxEntities      int `toml:"max_entities" yaml:"max_entities" validate:"gte=0"` // 0 = unlimited
}

// TableConfig tunes the table engine.
type TableConfig struct {
	GrowthSequence []int  `toml:"growth_sequence" yaml:"growth_sequence" validate:"required,min=1,dive,gte=1"`
	ParentHopLimit int    `toml:"parent_hop_limit" yaml:"parent_hop_limit" validate:"gte=1"`
	ParentKey      string `toml:"parent_key" yaml:"parent_key" validate:"required"`
}

// StackConfig bounds the evaluation stack and call depth.
type StackConfig struct {
	InitialSize  int `toml:"initial_size" yaml:"initial_size" validate:"gte=16"`
	MaxSize      int `toml:"max_size" yaml:"max_size" validate:"gtefield=InitialSize"`
	MaxCallDepth int `toml:"max_call_depth" yaml:"max_call_depth" validate:"gte=1"`
}

// LogConfig configures logging for the command-line front end.
type LogConfig struct {
	Verbosity int    `toml:"verbosity" yaml:"verbosity" validate:"gte=0,lte=5"`
	File      string `toml:"file" yaml:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		GC: GCConfig{
			InitialThreshold: vm.DefaultGCThreshold,
			MinThreshold:     vm.DefaultMinThreshold,
		},
		Table: TableConfig{
			GrowthSequence: append([]int(nil), vm.DefaultGrowthSequence...),
			ParentHopLimit: vm.DefaultParentHopLimit,
			ParentKey:      vm.DefaultParentKey,
		},
		Stack: StackConfig{
			InitialSize:  vm.DefaultStackSize,
			MaxSize:      vm.DefaultMaxStackSize,
			MaxCallDepth: vm.DefaultMaxCallDepth,
		},
	}
}

// Load reads a configuration file. The format follows the extension
// (.toml, .yaml or .yml); settings the file omits keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parse error in %s: unknown setting %s", path, undecoded[0])
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%s: unsupported configuration format %q", path, ext)
	}

	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Debugf("loaded configuration from %s", c.Path)
	return c, nil
}

// FindAndLoad walks up from startDir to find a configuration file, then
// loads and returns it. Returns nil if no configuration file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		for _, name := range FileNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return Load(path)
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate checks every setting.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := validate.Var(c.Table.GrowthSequence, "increasing"); err != nil {
		return fmt.Errorf("invalid configuration: growth_sequence must be strictly increasing")
	}
	if seq := c.Table.GrowthSequence; seq[len(seq)-1] < vm.MinGrowthSize {
		return fmt.Errorf("invalid configuration: growth_sequence must reach at least %d to hold the globals", vm.MinGrowthSize)
	}
	return nil
}

// Options converts the configuration into State options.
func (c *Config) Options() []vm.Option {
	return []vm.Option{
		vm.WithGCThreshold(c.GC.InitialThreshold),
		vm.WithMinThreshold(c.GC.MinThreshold),
		vm.WithMaxEntities(c.GC.MaxEntities),
		vm.WithGrowthSequence(c.Table.GrowthSequence),
		vm.WithParentHopLimit(c.Table.ParentHopLimit),
		vm.WithParentKey(c.Table.ParentKey),
		vm.WithStackSize(c.Stack.InitialSize),
		vm.WithMaxStackSize(c.Stack.MaxSize),
		vm.WithMaxCallDepth(c.Stack.MaxCallDepth),
	}
}
