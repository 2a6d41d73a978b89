// Package config loads the supervisor configuration: defaults, then an
// optional YAML file, then HARBOR_* environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Worker    WorkerConfig    `yaml:"worker"`
	Ports     PortsConfig     `yaml:"ports"`
	Instances InstancesConfig `yaml:"instances"`
	Stream    StreamConfig    `yaml:"stream"`
	API       APIConfig       `yaml:"api"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
}

type WorkerConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	StartupTimeout Duration `yaml:"startup_timeout"`
	StopGrace      Duration `yaml:"stop_grace"`
}

type PortsConfig struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

type InstancesConfig struct {
	Max                int      `yaml:"max"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	HealthInterval     Duration `yaml:"health_interval"`
	RestartBackoffBase Duration `yaml:"restart_backoff_base"`
	RestartBackoffCap  Duration `yaml:"restart_backoff_cap"`
	MaxRestarts        int      `yaml:"max_restarts"`
}

type StreamConfig struct {
	BatchWindow   Duration `yaml:"batch_window"`
	DedupTTL      Duration `yaml:"dedup_ttl"`
	ReconnectBase Duration `yaml:"reconnect_base"`
	ReconnectCap  Duration `yaml:"reconnect_cap"`
}

type APIConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Default() Config {
	return Config{
		Worker: WorkerConfig{
			Command:        "opencode",
			StartupTimeout: Duration(30 * time.Second),
			StopGrace:      Duration(5 * time.Second),
		},
		Ports: PortsConfig{Min: 14100, Max: 14199},
		Instances: InstancesConfig{
			Max:                10,
			IdleTimeout:        Duration(30 * time.Minute),
			HealthInterval:     Duration(10 * time.Second),
			RestartBackoffBase: Duration(time.Second),
			RestartBackoffCap:  Duration(16 * time.Second),
			MaxRestarts:        5,
		},
		Stream: StreamConfig{
			BatchWindow:   Duration(2 * time.Second),
			DedupTTL:      Duration(30 * time.Second),
			ReconnectBase: Duration(time.Second),
			ReconnectCap:  Duration(16 * time.Second),
		},
		API:   APIConfig{Addr: "127.0.0.1:7433"},
		Store: StoreConfig{Path: "harbor.db"},
		Log:   LogConfig{Level: "info"},
	}
}

// Load builds the effective configuration. A missing file is not an
// error; the defaults plus environment overrides apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(payload, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Worker.Command == "" {
		return fmt.Errorf("worker.command is required")
	}
	if c.Ports.Min <= 0 || c.Ports.Max <= 0 || c.Ports.Min > c.Ports.Max {
		return fmt.Errorf("invalid port range [%d-%d]", c.Ports.Min, c.Ports.Max)
	}
	if c.Instances.Max <= 0 {
		return fmt.Errorf("instances.max must be positive")
	}
	if c.Instances.Max > c.Ports.Max-c.Ports.Min+1 {
		return fmt.Errorf("instances.max (%d) exceeds port range capacity (%d)",
			c.Instances.Max, c.Ports.Max-c.Ports.Min+1)
	}
	return nil
}

func applyEnv(cfg *Config) {
	stringEnv("HARBOR_WORKER_COMMAND", &cfg.Worker.Command)
	durationEnv("HARBOR_STARTUP_TIMEOUT", &cfg.Worker.StartupTimeout)
	durationEnv("HARBOR_STOP_GRACE", &cfg.Worker.StopGrace)
	intEnv("HARBOR_PORT_MIN", &cfg.Ports.Min)
	intEnv("HARBOR_PORT_MAX", &cfg.Ports.Max)
	intEnv("HARBOR_MAX_INSTANCES", &cfg.Instances.Max)
	durationEnv("HARBOR_IDLE_TIMEOUT", &cfg.Instances.IdleTimeout)
	durationEnv("HARBOR_HEALTH_INTERVAL", &cfg.Instances.HealthInterval)
	intEnv("HARBOR_MAX_RESTARTS", &cfg.Instances.MaxRestarts)
	stringEnv("HARBOR_API_ADDR", &cfg.API.Addr)
	stringEnv("HARBOR_API_TOKEN", &cfg.API.Token)
	stringEnv("HARBOR_STORE_PATH", &cfg.Store.Path)
	stringEnv("HARBOR_LOG_LEVEL", &cfg.Log.Level)
}

func stringEnv(name string, target *string) {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		*target = value
	}
}

func intEnv(name string, target *int) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		*target = parsed
	}
}

func durationEnv(name string, target *Duration) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		*target = Duration(parsed)
	}
}
