package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the yaml shape of an engine config. Zero-valued fields keep
// their defaults, so a partial file only overrides what it names.
type fileConfig struct {
	Layers       []LayerSpec `yaml:"layers"`
	LearningRate float64     `yaml:"learning_rate"`
	MinLearning  float64     `yaml:"min_learning_rate"`
	LRDecay      float64     `yaml:"lr_decay"`
	Momentum     float64     `yaml:"momentum"`
	ClipNorm     float64     `yaml:"clip_norm"`
	Seed         int64       `yaml:"seed"`
	Device       Device      `yaml:"device"`
}

// LoadConfig reads a yaml engine config, layered over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return cfg, fmt.Errorf("parse engine config %s: %w", path, err)
	}

	if len(fc.Layers) > 0 {
		cfg.Specs = fc.Layers
	}
	if fc.LearningRate > 0 {
		cfg.LearningRate = fc.LearningRate
	}
	if fc.MinLearning > 0 {
		cfg.MinLearning = fc.MinLearning
	}
	if fc.LRDecay > 0 {
		cfg.LRDecay = fc.LRDecay
	}
	if fc.Momentum > 0 {
		cfg.Momentum = fc.Momentum
	}
	if fc.ClipNorm > 0 {
		cfg.ClipNorm = fc.ClipNorm
	}
	if fc.Seed != 0 {
		cfg.Seed = fc.Seed
	}
	if fc.Device != "" {
		cfg.Device = fc.Device
	}
	return cfg, nil
}
