// Package config resolves triage settings from defaults, an optional YAML
// file and TRIAGE_* environment variables. Command line flags are applied
// on top by the cli package.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultSnapshot    = "localhost:18861"
	DefaultLimit       = 50
	DefaultJobs        = 1
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"
	DefaultDialTimeout = 10 * time.Second
	DefaultListen      = "localhost:18861"
)

// ConfigEnvVar names the config file when --config is not given.
const ConfigEnvVar = "TRIAGE_CONFIG"

// Config holds every tunable of a run.
type Config struct {
	Snapshot    string        `yaml:"snapshot"`
	Limit       int           `yaml:"limit"`
	Jobs        int           `yaml:"jobs"`
	Timeout     time.Duration `yaml:"timeout"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	MetricsFile string        `yaml:"metrics_file"`
	LogLevel    string        `yaml:"log_level"`
	LogFormat   string        `yaml:"log_format"`
	Listen      string        `yaml:"listen"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Snapshot:    DefaultSnapshot,
		Limit:       DefaultLimit,
		Jobs:        DefaultJobs,
		DialTimeout: DefaultDialTimeout,
		LogLevel:    DefaultLogLevel,
		LogFormat:   DefaultLogFormat,
		Listen:      DefaultListen,
	}
}

// Parse overlays YAML content on base. Unknown keys are rejected.
func Parse(content []byte, base Config) (Config, error) {
	cfg := base
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return base, nil
		}
		return Config{}, fmt.Errorf("invalid YAML: %w", err)
	}
	return cfg, nil
}

// LoadFile overlays the config file at path on base.
func LoadFile(path string, base Config) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(content, base)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Resolve builds the configuration from defaults, the config file (path,
// or $TRIAGE_CONFIG when path is empty) and the environment.
func Resolve(environ []string, path string) (Config, error) {
	env := parseEnviron(environ)
	if path == "" {
		path = env[ConfigEnvVar]
	}

	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFile(path, cfg); err != nil {
			return Config{}, err
		}
	}

	if errs := applyEnv(&cfg, env); len(errs) > 0 {
		return Config{}, &Error{Errors: errs}
	}
	return cfg, nil
}
