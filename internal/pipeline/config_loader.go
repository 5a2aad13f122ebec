package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadConfigFile reads a training config from a YAML or JSON file. JSON is
// accepted because it is valid YAML. Unknown keys are rejected so a typo in a
// field name does not silently fall back to a default.
func LoadConfigFile(path string) (Config, error) {
	clean := filepath.Clean(path)
	data, err := os.ReadFile(clean)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config file not found: %s", clean)
		}
		return Config{}, fmt.Errorf("read %s: %w", clean, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", clean, err)
	}
	return cfg, nil
}

// ParseConfig decodes a single config document.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return Config{}, errors.New("empty config document")
		}
		return Config{}, err
	}
	return cfg, nil
}
