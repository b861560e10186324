package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/horizon-web/internal/backend"
	"gopkg.in/yaml.v3"
)

const appDirName = "horizon"

type config struct {
	Port      string        `yaml:"port"`
	StorePath string        `yaml:"storePath"`
	Backend   backendConfig `yaml:"backend"`
	Client    clientConfig  `yaml:"client"`
	Log       logConfig     `yaml:"log"`
}

type backendConfig struct {
	URL            string        `yaml:"url"`
	Paths          backend.Paths `yaml:"paths"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
}

type clientConfig struct {
	// SendTimeout bounds a whole send, reply stream included. Zero means no bound.
	SendTimeout time.Duration `yaml:"sendTimeout"`
}

type logConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
	JSON   bool   `yaml:"json"`
	Source bool   `yaml:"source"`
}

func defaultConfig() config {
	return config{
		Port: "8080",
		Backend: backendConfig{
			RequestTimeout: 30 * time.Second,
		},
		Log: logConfig{
			Level: "info",
		},
	}
}

// resolveConfigPath returns the config file to load. An explicit path must exist; without one, the
// file in the user config directory is used if present, and "" is returned otherwise.
func resolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("error opening config file: %w", err)
		}
		return explicit, nil
	}

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", nil
	}
	path := filepath.Join(cfgDir, appDirName, "config.yaml")
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	return path, nil
}

// loadConfig reads the YAML config at path on top of the defaults, then applies the environment
// overrides. An empty path yields the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return config{}, fmt.Errorf("error opening config file: %w", err)
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if v := os.Getenv("BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv("BACKEND_TITLE_PATH"); v != "" {
		cfg.Backend.Paths.Title = v
	}
	if v := os.Getenv("HORIZON_PORT"); v != "" {
		cfg.Port = v
	}

	return cfg, nil
}

// storePath returns the bolt file location, creating its directory.
func (c config) storePath() (string, error) {
	path := c.StorePath
	if path == "" {
		cfgDir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("error getting user config dir: %w", err)
		}
		path = filepath.Join(cfgDir, appDirName, "store.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("error creating store directory: %w", err)
	}
	return path, nil
}
