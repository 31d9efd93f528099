package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/san-kum/discsim/internal/collide"
	"github.com/san-kum/discsim/internal/pipeline"
	"github.com/san-kum/discsim/internal/sample"
)

const (
	DefaultSamples   = sample.DefaultCount
	DefaultGroupSize = collide.DefaultGroupSize
	DefaultBackend   = "auto"
	DefaultDataDir   = ".discsim"
)

type Config struct {
	Samples     int           `yaml:"samples"`
	GroupSize   int           `yaml:"group_size"`
	Seed        *uint64       `yaml:"seed,omitempty"`
	Backend     string        `yaml:"backend"`
	Timeout     time.Duration `yaml:"timeout"`
	ExactGroups bool          `yaml:"exact_groups"`
	Echo        bool          `yaml:"echo"`
	Save        bool          `yaml:"save"`
	DataDir     string        `yaml:"data_dir"`
	Bounds      BoundsConfig  `yaml:"bounds"`
}

type BoundsConfig struct {
	XY     sample.Bounds `yaml:"xy"`
	Radius sample.Bounds `yaml:"radius"`
}

func DefaultConfig() *Config {
	return &Config{
		Samples:   DefaultSamples,
		GroupSize: DefaultGroupSize,
		Backend:   DefaultBackend,
		DataDir:   DefaultDataDir,
		Bounds: BoundsConfig{
			XY:     sample.DefaultXY,
			Radius: sample.DefaultRadius,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Validate() error {
	if c.Samples <= 0 {
		return errors.Errorf("samples must be positive, got %d", c.Samples)
	}
	if err := c.Bounds.XY.Validate(); err != nil {
		return errors.Wrap(err, "bounds.xy")
	}
	if err := c.Bounds.Radius.Validate(); err != nil {
		return errors.Wrap(err, "bounds.radius")
	}
	return c.Options().Validate()
}

// SeedOr returns the configured seed, or fallback when none was set. An
// explicit zero is a valid seed.
func (c *Config) SeedOr(fallback uint64) uint64 {
	if c.Seed == nil {
		return fallback
	}
	return *c.Seed
}

func (c *Config) Options() pipeline.Options {
	return pipeline.Options{
		GroupSize:   c.GroupSize,
		Timeout:     c.Timeout,
		ExactGroups: c.ExactGroups,
	}
}
