package server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/gochat/pkg/crypto"
	"github.com/NicolasHaas/gochat/pkg/store"
)

// UserYAML represents a user in YAML export. The hash itself is never exported.
type UserYAML struct {
	Username string `yaml:"username"`
	Scheme   string `yaml:"scheme"`
}

// UsersExport is the top-level YAML for user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// LoadConfigFile reads a YAML config file over cfg. Keys missing from the
// file keep their current value.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI flag
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data, cfg)
}

// ParseConfig decodes YAML data over cfg.
func ParseConfig(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ExportUsersYAML exports all users as YAML, sorted by username.
func ExportUsersYAML(st *store.Store) ([]byte, error) {
	export := UsersExport{Users: []UserYAML{}}
	for _, u := range st.Users() {
		export.Users = append(export.Users, UserYAML{
			Username: u.Username,
			Scheme:   string(crypto.SchemeOf(u.PasswordHash)),
		})
	}
	return yaml.Marshal(&export)
}
