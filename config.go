package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"oauth2c/authz"
)

// Config is the daemon configuration loaded from YAML with environment
// overrides.
type Config struct {
	// ListenAddr serves the bridge command surface.
	ListenAddr string `yaml:"listen_addr"`
	// CallbackAddr serves the loopback authorization redirect listener.
	CallbackAddr string `yaml:"callback_addr"`
	// DataDir holds the encrypted per-account session files.
	DataDir string `yaml:"data_dir"`
	// Secret keys the at-rest encryption of stored sessions.
	Secret string `yaml:"secret"`
	// StatePath persists registered accounts for replay on restart.
	StatePath string `yaml:"state_path"`
	// HTTPTimeout bounds token endpoint calls.
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	// Accounts are registered at startup, in addition to restored state.
	Accounts []authz.Config `yaml:"accounts"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:   "127.0.0.1:8780",
		CallbackAddr: "127.0.0.1:8781",
		DataDir:      "./data/sessions",
		StatePath:    "./data/accounts.yaml",
		HTTPTimeout:  30 * time.Second,
	}
}

// loadConfig reads the YAML config file, applies environment overrides, and
// validates the result. A missing file falls back to defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Secret == "" {
		return Config{}, fmt.Errorf("session secret required (set OAUTH2C_SECRET or secret in config)")
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OAUTH2C_LISTEN_ADDR":   func(v string) { cfg.ListenAddr = v },
		"OAUTH2C_CALLBACK_ADDR": func(v string) { cfg.CallbackAddr = v },
		"OAUTH2C_DATA_DIR":      func(v string) { cfg.DataDir = v },
		"OAUTH2C_SECRET":        func(v string) { cfg.Secret = v },
		"OAUTH2C_STATE_PATH":    func(v string) { cfg.StatePath = v },
		"OAUTH2C_HTTP_TIMEOUT":  func(v string) { cfg.HTTPTimeout = parseDuration(v, cfg.HTTPTimeout) },
	}
	for key, apply := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			apply(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}
