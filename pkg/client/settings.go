package client

import (
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings stores terminal client preferences persisted as YAML.
type Settings struct {
	ServerAddr string `yaml:"server_addr"`
	Username   string `yaml:"username,omitempty"`
}

// DefaultSettings returns default settings.
func DefaultSettings() *Settings {
	return &Settings{
		ServerAddr: "127.0.0.1:5555",
	}
}

// DefaultSettingsPath returns settings.yaml in the user config directory,
// falling back to the working directory.
func DefaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "gochat-settings.yaml"
	}
	return filepath.Join(dir, "gochat", "settings.yaml")
}

// LoadSettings loads settings from path or returns defaults.
func LoadSettings(path string) *Settings {
	s := DefaultSettings()
	data, err := os.ReadFile(path) //nolint:gosec // path chosen by the local user
	if err != nil {
		return s
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		slog.Error("parse settings", "err", err)
		return DefaultSettings()
	}
	return s
}

// Save writes settings to path as YAML.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
