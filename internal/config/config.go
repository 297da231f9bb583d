// Package config loads wpm settings from an optional YAML file, WPM_*
// environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// AppName is the application name.
	AppName = "wpm"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "yaml"
	// EnvPrefix prefixes environment overrides, e.g. WPM_ITEM_TIMEOUT=10m.
	EnvPrefix = "WPM"
)

// Config holds every tunable of the tool.
type Config struct {
	DataDir      string `mapstructure:"data_dir"`
	RuntimesDir  string `mapstructure:"runtimes_dir"`
	SnapshotsDir string `mapstructure:"snapshots_dir"`

	// SteamRoot is the Steam client installation used for compatdata lookups.
	SteamRoot string `mapstructure:"steam_root"`

	// ComponentTool is the winetricks-style installer, a path or a bare name on PATH.
	ComponentTool string `mapstructure:"component_tool"`
	// SyncTool is the rsync-compatible snapshot tool.
	SyncTool string `mapstructure:"sync_tool"`

	ItemTimeout  time.Duration `mapstructure:"item_timeout"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	KillGrace    time.Duration `mapstructure:"kill_grace"`

	UserAgent string `mapstructure:"user_agent"`

	Install InstallConfig `mapstructure:"install"`

	// Sources maps short names to GitHub repositories publishing runtime builds.
	Sources map[string]string `mapstructure:"sources"`
}

// InstallConfig holds the install session defaults.
type InstallConfig struct {
	Silent bool `mapstructure:"silent"`
	Force  bool `mapstructure:"force"`
}

// DefaultConfig returns the built-in settings. Directory defaults follow the
// XDG base directory layout.
func DefaultConfig() *Config {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		dataHome = filepath.Join("~", ".local", "share")
	}
	return &Config{
		DataDir:       filepath.Join(dataHome, AppName),
		SteamRoot:     filepath.Join("~", ".steam", "steam"),
		ComponentTool: "winetricks",
		SyncTool:      "rsync",
		ItemTimeout:   300 * time.Second,
		ProbeTimeout:  5 * time.Second,
		KillGrace:     3 * time.Second,
		UserAgent:     AppName,
		Install:       InstallConfig{Silent: true},
		Sources: map[string]string{
			"ge-proton": "GloriousEggroll/proton-ge-custom",
			"wine-ge":   "GloriousEggroll/wine-ge-custom",
			"kron4ek":   "Kron4ek/Wine-Builds",
		},
	}
}

// ConfigDir returns $XDG_CONFIG_HOME/wpm, defaulting to ~/.config/wpm.
//
//nolint:revive // ConfigDir reads better than Dir at call sites
func ConfigDir() (string, error) {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, AppName), nil
}

// Load reads settings. An explicit path must exist; without one the default
// config file is used when present. Missing directory settings are derived
// from DataDir.
func Load(path string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("runtimes_dir", "")
	v.SetDefault("snapshots_dir", "")
	v.SetDefault("steam_root", defaults.SteamRoot)
	v.SetDefault("component_tool", defaults.ComponentTool)
	v.SetDefault("sync_tool", defaults.SyncTool)
	v.SetDefault("item_timeout", defaults.ItemTimeout)
	v.SetDefault("probe_timeout", defaults.ProbeTimeout)
	v.SetDefault("kill_grace", defaults.KillGrace)
	v.SetDefault("user_agent", defaults.UserAgent)
	v.SetDefault("install.silent", defaults.Install.Silent)
	v.SetDefault("install.force", defaults.Install.Force)
	v.SetDefault("sources", defaults.Sources)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType(ConfigFileExt)
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		cfgDir, err := ConfigDir()
		if err != nil {
			return nil, err
		}
		v.SetConfigName(ConfigFileName)
		v.AddConfigPath(cfgDir)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.fillDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) fillDerived() {
	if c.RuntimesDir == "" {
		c.RuntimesDir = filepath.Join(c.DataDir, "runtimes")
	}
	if c.SnapshotsDir == "" {
		c.SnapshotsDir = filepath.Join(c.DataDir, "snapshots")
	}
}

// Validate rejects settings the core cannot work with.
func (c *Config) Validate() error {
	switch {
	case c.DataDir == "":
		return errors.New("data_dir must not be empty")
	case c.ComponentTool == "":
		return errors.New("component_tool must not be empty")
	case c.SyncTool == "":
		return errors.New("sync_tool must not be empty")
	case c.ItemTimeout <= 0:
		return fmt.Errorf("item_timeout must be positive, got %s", c.ItemTimeout)
	case c.ProbeTimeout <= 0:
		return fmt.Errorf("probe_timeout must be positive, got %s", c.ProbeTimeout)
	case c.KillGrace <= 0:
		return fmt.Errorf("kill_grace must be positive, got %s", c.KillGrace)
	}
	return nil
}

// ExpandPaths rewrites every path setting through expand (typically ~ expansion).
func (c *Config) ExpandPaths(expand func(string) string) {
	c.DataDir = expand(c.DataDir)
	c.RuntimesDir = expand(c.RuntimesDir)
	c.SnapshotsDir = expand(c.SnapshotsDir)
	c.SteamRoot = expand(c.SteamRoot)
	if strings.ContainsRune(c.ComponentTool, filepath.Separator) || strings.HasPrefix(c.ComponentTool, "~") {
		c.ComponentTool = expand(c.ComponentTool)
	}
	if strings.ContainsRune(c.SyncTool, filepath.Separator) || strings.HasPrefix(c.SyncTool, "~") {
		c.SyncTool = expand(c.SyncTool)
	}
}

// EnvironmentsFile returns the descriptor file path.
func (c *Config) EnvironmentsFile() string {
	return filepath.Join(c.DataDir, "environments.yaml")
}

// LocksDir returns the directory holding per-root lock files.
func (c *Config) LocksDir() string {
	return filepath.Join(c.DataDir, "locks")
}

// LogFile returns the default log file path.
func (c *Config) LogFile() string {
	return filepath.Join(c.DataDir, AppName+".log")
}
