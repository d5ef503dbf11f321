// Package config provides configuration management for the VPN profile manager.
// It handles loading, saving, and validating application settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yllada/vpn-profiles/common"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	// ProfilesDir is the root holding one directory per profile.
	// Empty means <state_dir>/profiles.
	ProfilesDir string `yaml:"profiles_dir"`
	// StateDir holds the session file, logs and the history journal.
	// Empty means the user data directory.
	StateDir string `yaml:"state_dir"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
	// StatusWorkers bounds the startup status sweep.
	StatusWorkers int `yaml:"status_workers"`
	// Backend selects the system connection backend: auto, networkmanager or none.
	Backend string `yaml:"backend"`
	// OpenVPNCommand is the argv prefix used to start openvpn.
	OpenVPNCommand []string `yaml:"openvpn_command"`
	// ShowNotifications enables desktop notifications for connection events.
	ShowNotifications bool `yaml:"show_notifications"`
	// HistoryDB is the sqlite journal path. Empty means <state_dir>/history.db.
	HistoryDB string `yaml:"history_db"`
	// HistoryLimit is how many journal rows the CLI prints.
	HistoryLimit int `yaml:"history_limit"`
	// MetricsAddr serves prometheus metrics when non-empty, e.g. "127.0.0.1:9310".
	MetricsAddr string `yaml:"metrics_addr"`

	path string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:          "info",
		StatusWorkers:     common.DefaultStatusWorkers,
		Backend:           common.BackendAuto,
		OpenVPNCommand:    []string{"pkexec", "openvpn"},
		ShowNotifications: true,
		HistoryLimit:      common.DefaultHistoryLimit,
	}
}

// Load loads the configuration from the default config file.
// If the file doesn't exist, it creates one with default values.
func Load() (*Config, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(configPath)
}

// LoadFrom loads the configuration from path, writing defaults there if the
// file does not exist yet.
func LoadFrom(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		cfg.path = configPath
		if err := cfg.Save(); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("%w: error opening configuration: %v", common.ErrConfigLoad, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true) // Strict validation: reject unknown fields

	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: error parsing configuration: %v", common.ErrConfigLoad, err)
	}

	config.validate()
	config.path = configPath
	return config, nil
}

// validate replaces out-of-range values with defaults.
func (c *Config) validate() {
	defaults := DefaultConfig()

	switch c.Backend {
	case common.BackendAuto, common.BackendNetworkManager, common.BackendNone:
	default:
		c.Backend = defaults.Backend
	}

	if c.StatusWorkers < 1 || c.StatusWorkers > common.MaxStatusWorkers {
		c.StatusWorkers = defaults.StatusWorkers
	}
	if c.HistoryLimit < 1 {
		c.HistoryLimit = defaults.HistoryLimit
	}
	if len(c.OpenVPNCommand) == 0 {
		c.OpenVPNCommand = defaults.OpenVPNCommand
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = defaults.LogLevel
	}
}

// Save saves the configuration to the file it was loaded from.
func (c *Config) Save() error {
	configPath := c.path
	if configPath == "" {
		var err error
		configPath, err = getConfigPath()
		if err != nil {
			return err
		}
	}
	return c.SaveTo(configPath)
}

// SaveTo writes the configuration to configPath.
func (c *Config) SaveTo(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("%w: error creating config directory: %v", common.ErrConfigSave, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: error serializing configuration: %v", common.ErrConfigSave, err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("%w: error saving configuration: %v", common.ErrConfigSave, err)
	}

	c.path = configPath
	return nil
}

// ResolveStateDir returns the state directory, creating it if needed.
func (c *Config) ResolveStateDir() (string, error) {
	if c.StateDir != "" {
		if err := common.EnsureDir(c.StateDir); err != nil {
			return "", common.WrapError(err, "failed to create state directory")
		}
		return c.StateDir, nil
	}
	return common.GetDataDir()
}

// ResolveProfilesDir returns the profiles root.
func (c *Config) ResolveProfilesDir() (string, error) {
	if c.ProfilesDir != "" {
		return c.ProfilesDir, nil
	}
	stateDir, err := c.ResolveStateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(stateDir, common.ProfilesDirName), nil
}

// ResolveHistoryDB returns the history journal path.
func (c *Config) ResolveHistoryDB() (string, error) {
	if c.HistoryDB != "" {
		return c.HistoryDB, nil
	}
	stateDir, err := c.ResolveStateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(stateDir, common.HistoryFileName), nil
}

func getConfigPath() (string, error) {
	configDir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, common.ConfigFileName), nil
}
