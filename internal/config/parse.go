package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// LoadFromBytes parses YAML node config bytes and expands env vars. Defaults
// and validation run per node once vendor catalog defaults are merged.
func LoadFromBytes(data []byte) (*File, error) {
	var cfg File
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.ExpandEnv(); err != nil {
		return nil, err
	}
	if err := cfg.checkNames(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateYAML parses YAML config bytes and checks structure without env expansion.
func ValidateYAML(data []byte) error {
	var cfg File
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return cfg.checkNames()
}
