package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// UserConfig is the profile file, ~/.duckdp/config.yaml unless
// DUCKDP_CONFIG points elsewhere.
type UserConfig struct {
	CurrentProfile string             `yaml:"current-profile" json:"current_profile"`
	Profiles       map[string]Profile `yaml:"profiles" json:"profiles"`
}

// Profile names a dataset and the defaults used to query it. Zero fields
// defer to the environment and built-in defaults.
type Profile struct {
	Meta      string  `yaml:"meta,omitempty" json:"meta,omitempty"`
	Data      string  `yaml:"data,omitempty" json:"data,omitempty"`
	Table     string  `yaml:"table,omitempty" json:"table,omitempty"`
	Ledger    string  `yaml:"ledger,omitempty" json:"ledger,omitempty"`
	Principal string  `yaml:"principal,omitempty" json:"principal,omitempty"`
	Epsilon   float64 `yaml:"epsilon,omitempty" json:"epsilon,omitempty"`
	Output    string  `yaml:"output,omitempty" json:"output,omitempty"`
}

// ActiveProfile returns the named profile, or the current one when name is
// empty. Unknown names yield an empty profile.
func (c *UserConfig) ActiveProfile(name string) Profile {
	if name == "" {
		name = c.CurrentProfile
	}
	return c.Profiles[name]
}

// SetProfile stores p under name. The first saved profile becomes current.
func (c *UserConfig) SetProfile(name string, p Profile) {
	if c.Profiles == nil {
		c.Profiles = map[string]Profile{}
	}
	c.Profiles[name] = p
	if c.CurrentProfile == "" {
		c.CurrentProfile = name
	}
}

// mergeFlags copies the fields of update whose flags were set on fs.
func (p Profile) mergeFlags(fs *pflag.FlagSet, update Profile) Profile {
	set := func(flag string, dst *string, v string) {
		if fs.Changed(flag) {
			*dst = v
		}
	}
	set("meta", &p.Meta, update.Meta)
	set("data", &p.Data, update.Data)
	set("table", &p.Table, update.Table)
	set("ledger", &p.Ledger, update.Ledger)
	set("principal", &p.Principal, update.Principal)
	set("output", &p.Output, update.Output)
	if fs.Changed("epsilon") {
		p.Epsilon = update.Epsilon
	}
	return p
}

// ConfigPath returns the profile file location.
func ConfigPath() string {
	if p := os.Getenv("DUCKDP_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".duckdp", "config.yaml")
	}
	return filepath.Join(home, ".duckdp", "config.yaml")
}

// LoadUserConfig reads the profile file. A missing file is an empty
// configuration; a malformed one is an error.
func LoadUserConfig() (*UserConfig, error) {
	cfg := &UserConfig{Profiles: map[string]Profile{}}
	data, err := os.ReadFile(ConfigPath())
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConfigPath(), err)
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]Profile{}
	}
	return cfg, nil
}

// SaveUserConfig writes the profile file, owner-readable only.
func SaveUserConfig(cfg *UserConfig) error {
	path := ConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
