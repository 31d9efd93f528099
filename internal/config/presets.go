package config

import (
	"sort"
	"time"
)

var Presets = map[string]*Config{
	"reference": {
		Samples: DefaultSamples, GroupSize: DefaultGroupSize,
	},
	"small": {
		Samples: 4096, GroupSize: 256,
	},
	// 102,401 samples leave one sample past the last full group.
	"ragged": {
		Samples: DefaultSamples + 1, GroupSize: DefaultGroupSize,
	},
	"stress": {
		Samples: 1 << 22, GroupSize: DefaultGroupSize, Timeout: 30 * time.Second,
	},
}

// GetPreset returns a copy of the named preset layered over the defaults.
func GetPreset(name string) *Config {
	p, ok := Presets[name]
	if !ok {
		return nil
	}
	cfg := DefaultConfig()
	cfg.Samples = p.Samples
	cfg.GroupSize = p.GroupSize
	cfg.Timeout = p.Timeout
	cfg.ExactGroups = p.ExactGroups
	return cfg
}

func ListPresets() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
