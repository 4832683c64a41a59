// Package config loads YAML configuration files into typed structs and validates them.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Defaulter is implemented by configuration structs that pre-populate defaults before the file is
// decoded, so that any value present in the file overrides them.
type Defaulter interface {
	SetDefaults()
}

// Manager loads and validates configuration files.
type Manager struct {
	validator *validator.Validate
}

// NewManager creates a new Manager.
func NewManager() *Manager {
	return &Manager{validator: validator.New()}
}

// Load reads the YAML file at path into cfg, applying defaults first and validating afterwards.
// An empty path skips the file and only applies defaults and validation.
func (m *Manager) Load(path string, cfg any) error {
	if d, ok := cfg.(Defaulter); ok {
		d.SetDefaults()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	return m.Validate(cfg)
}

// Validate runs the struct validation tags of cfg.
func (m *Manager) Validate(cfg any) error {
	if err := m.validator.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Load is a shorthand for NewManager().Load(path, cfg).
func Load(path string, cfg any) error {
	return NewManager().Load(path, cfg)
}
