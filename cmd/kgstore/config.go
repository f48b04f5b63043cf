package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

// Config holds all configuration options for the kgstore command.
type Config struct {
	StoreDir string  `json:"store_dir"` //nolint:tagliatelle // snake_case for config file
	Damping  float64 `json:"damping,omitempty"`

	// Verbose is a CLI-only switch (-v/--verbose), never read from or
	// written to the config file.
	Verbose bool `json:"-"`
}

// ConfigSources tracks which config files were loaded.
type ConfigSources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project config if loaded, empty otherwise
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		StoreDir: ".kgstore",
	}
}

// ConfigFileName is the default project config file name.
const ConfigFileName = ".kgstore.json"

// getGlobalConfigPath returns the path to the global config file.
// Uses $XDG_CONFIG_HOME/kgstore/config.json if set, otherwise
// ~/.config/kgstore/config.json. Returns empty string if the home
// directory cannot be determined.
func getGlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "kgstore", "config.json")
		}
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "kgstore", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "kgstore", "config.json")
	}

	return ""
}

// LoadConfig loads configuration with the following precedence (highest
// wins): defaults, global user config, project config file (.kgstore.json
// or an explicit --config path), CLI overrides.
func LoadConfig(workDir, configPath string, cliOverrides Config, overrideStoreDir, overrideDamping bool, env []string) (Config, ConfigSources, error) {
	cfg := DefaultConfig()

	var sources ConfigSources

	globalCfg, globalPath, err := loadConfigFileIfExists(getGlobalConfigPath(env), false)
	if err != nil {
		return Config{}, ConfigSources{}, err
	}

	sources.Global = globalPath
	cfg = mergeConfig(cfg, globalCfg)

	projectPath, mustExist := filepath.Join(workDir, ConfigFileName), false

	if configPath != "" {
		projectPath, mustExist = configPath, true
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}
	}

	projectCfg, loadedPath, err := loadConfigFileIfExists(projectPath, mustExist)
	if err != nil {
		return Config{}, ConfigSources{}, err
	}

	sources.Project = loadedPath
	cfg = mergeConfig(cfg, projectCfg)

	if overrideStoreDir {
		cfg.StoreDir = cliOverrides.StoreDir
	}

	if overrideDamping {
		cfg.Damping = cliOverrides.Damping
	}

	if cfg.StoreDir == "" {
		return Config{}, ConfigSources{}, errStoreDirEmpty
	}

	return cfg, sources, nil
}

var errStoreDirEmpty = fmt.Errorf("kgstore: store_dir must not be empty")

// loadConfigFileIfExists reads and parses a JWCC config file. A missing
// optional file (mustExist false) is not an error; it returns a zero
// Config and an empty path.
func loadConfigFileIfExists(path string, mustExist bool) (Config, string, error) {
	if path == "" {
		return Config{}, "", nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, "", nil
		}

		return Config{}, "", fmt.Errorf("kgstore: read config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, "", fmt.Errorf("kgstore: invalid JWCC in %s: %w", path, err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, "", fmt.Errorf("kgstore: invalid JSON in %s: %w", path, err)
	}

	return cfg, path, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.StoreDir != "" {
		base.StoreDir = overlay.StoreDir
	}

	if overlay.Damping != 0 {
		base.Damping = overlay.Damping
	}

	return base
}

// FormatConfig returns cfg as formatted JSON.
func FormatConfig(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("kgstore: format config: %w", err)
	}

	return string(data), nil
}

// SaveConfig writes cfg to path as the project config file, replacing any
// existing file atomically (temp file + rename) so a crash mid-write never
// leaves a truncated config behind.
func SaveConfig(path string, cfg Config) error {
	data, err := FormatConfig(cfg)
	if err != nil {
		return err
	}

	if err := atomic.WriteFile(path, strings.NewReader(data+"\n")); err != nil {
		return fmt.Errorf("kgstore: write config %s: %w", path, err)
	}

	return nil
}
