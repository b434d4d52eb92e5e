package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings are the user-editable preferences persisted between runs, as
// opposed to Config which is environment-driven. Stored as a YAML file
// next to the database.
type Settings struct {
	ServerURL string `yaml:"serverUrl"`
	Token     string `yaml:"token,omitempty"`
	Language  string `yaml:"language"`
	Theme     string `yaml:"theme"`
	// ShowThinking controls whether assistant reasoning blocks are
	// requested and displayed.
	ShowThinking bool `yaml:"showThinking"`
}

// DefaultSettings returns the settings used before the user saves any.
func DefaultSettings() *Settings {
	return &Settings{
		ServerURL:    "http://localhost:3000",
		Language:     "en",
		Theme:        "system",
		ShowThinking: true,
	}
}

// LoadSettings reads the settings file, returning defaults when it does
// not exist yet.
func LoadSettings(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultSettings(), nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}

	settings := DefaultSettings()
	if err := yaml.Unmarshal(raw, settings); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if settings.ServerURL == "" {
		settings.ServerURL = DefaultSettings().ServerURL
	}
	return settings, nil
}

// SaveSettings writes the settings file, creating parent directories as
// needed.
func SaveSettings(path string, settings *Settings) error {
	raw, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}
