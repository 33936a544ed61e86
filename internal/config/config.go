package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines runtime settings for the shellbox daemon.
type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	LogLevel   string `yaml:"logLevel"`
	LogFormat  string `yaml:"logFormat"`

	// PolicyPath optionally overrides the compiled-in policy tables.
	PolicyPath string `yaml:"policyPath"`

	Backend Backend `yaml:"backend"`
	Exec    Exec    `yaml:"exec"`
	Audit   Audit   `yaml:"audit"`

	// Sites maps siteId -> project folder name for the static site registry
	// used in development. Production deployments inject a real registry.
	Sites map[string]string `yaml:"sites"`
}

// Backend selects and parameterizes the execution backend.
type Backend struct {
	// Kind is one of "docker", "local", "ssh".
	Kind string `yaml:"kind"`

	// StorageRoot is the host directory holding one subdirectory per user.
	StorageRoot string `yaml:"storageRoot"`

	Docker Docker `yaml:"docker"`
	SSH    SSH    `yaml:"ssh"`
}

// Docker parameterizes container creation.
type Docker struct {
	Image       string `yaml:"image"`
	CPUs        string `yaml:"cpus"`
	Memory      string `yaml:"memory"`
	Network     string `yaml:"network"`
	Workspace   string `yaml:"workspace"`
	IdleTTL     int    `yaml:"idleTTLMinutes"`
	SweepPeriod int    `yaml:"sweepSeconds"`
}

// SSH parameterizes the remote jail host backend.
type SSH struct {
	Addr        string `yaml:"addr"`
	User        string `yaml:"user"`
	KeyPath     string `yaml:"keyPath"`
	RootPattern string `yaml:"rootPattern"`
}

// Exec bounds a single invocation.
type Exec struct {
	TimeoutSeconds int `yaml:"timeoutSeconds"`
	MaxOutputBytes int `yaml:"maxOutputBytes"`
}

// Audit configures the append-only execution log.
type Audit struct {
	Path string `yaml:"path"`
}

// Load reads configuration from a YAML file and environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if cfg.Backend.Kind == "" {
		cfg.Backend.Kind = "docker"
	}
	if cfg.Backend.StorageRoot == "" {
		return nil, fmt.Errorf("backend.storageRoot is required")
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddr: ":8090",
		LogLevel:   "info",
		LogFormat:  "json",
		Backend: Backend{
			Kind: "docker",
			Docker: Docker{
				Image:       "shellbox/workspace:latest",
				CPUs:        "1",
				Memory:      "512m",
				Network:     "bridge",
				Workspace:   "/workspace",
				IdleTTL:     30,
				SweepPeriod: 60,
			},
		},
		Exec: Exec{
			TimeoutSeconds: 300,
			MaxOutputBytes: 1 << 20,
		},
		Audit: Audit{
			Path: "shellbox-audit.db",
		},
	}
}

func applyEnv(cfg *Config) {
	if addr := os.Getenv("SHELLBOX_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if level := os.Getenv("SHELLBOX_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if root := os.Getenv("SHELLBOX_STORAGE_ROOT"); root != "" {
		cfg.Backend.StorageRoot = root
	}
	if kind := os.Getenv("SHELLBOX_BACKEND"); kind != "" {
		cfg.Backend.Kind = kind
	}
	if v := os.Getenv("SHELLBOX_EXEC_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Exec.TimeoutSeconds = secs
		}
	}
}

// ExecTimeout returns the invocation wall-clock limit as a duration.
func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Exec.TimeoutSeconds) * time.Second
}

// DefaultConfigPath returns the default location for the daemon config file.
func DefaultConfigPath() string {
	if path := os.Getenv("SHELLBOX_CONFIG"); path != "" {
		return path
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".shellbox", "config.yaml")
}
