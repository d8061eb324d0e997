package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DaemonConfig holds socket and runtime settings for the engine process.
type DaemonConfig struct {
	SocketPath  string `yaml:"socket_path"`  // unix socket the RPC server binds
	SocketMode  uint32 `yaml:"socket_mode"`  // permissions applied after bind
	LogLevel    string `yaml:"log_level"`    // debug, info, warn, error
	LogFormat   string `yaml:"log_format"`   // text, json
	MetricsAddr string `yaml:"metrics_addr"` // optional Prometheus listener, empty disables
	Workers     int    `yaml:"workers"`      // worker pool size
	QueueDepth  int    `yaml:"queue_depth"`  // pending job buffer
}

// StorageConfig holds ZFS settings.
type StorageConfig struct {
	Pool          string `yaml:"pool"`            // top-level ZFS pool, zvols live under <pool>/vms/
	DefaultDiskGB int    `yaml:"default_disk_gb"` // applied when vm.create omits disk_size_gb
}

// VirtConfig holds hypervisor connection settings.
type VirtConfig struct {
	LibvirtSocket string `yaml:"libvirt_socket"`
	MaxHostCPUs   int    `yaml:"max_host_cpus"` // not read; the gateway sizes pinning bitmaps for 256 CPUs
}

// TelemetryConfig holds the sampling daemons' intervals.
type TelemetryConfig struct {
	SampleInterval   time.Duration `yaml:"sample_interval"`
	SelfHealInterval time.Duration `yaml:"self_heal_interval"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the root configuration for the purecvisor engine.
type Config struct {
	Daemon    DaemonConfig    `yaml:"daemon"`
	Storage   StorageConfig   `yaml:"storage"`
	Virt      VirtConfig      `yaml:"virt"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			SocketPath:  "/tmp/purecvisor.sock",
			SocketMode:  0666,
			LogLevel:    "info",
			LogFormat:   "text",
			MetricsAddr: "",
			Workers:     8,
			QueueDepth:  256,
		},
		Storage: StorageConfig{
			Pool:          "tank",
			DefaultDiskGB: 20,
		},
		Virt: VirtConfig{
			LibvirtSocket: "/var/run/libvirt/libvirt-sock",
			MaxHostCPUs:   256,
		},
		Telemetry: TelemetryConfig{
			SampleInterval:   15 * time.Second,
			SelfHealInterval: 5 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4318",
			ServiceName: "purecvisor",
			SampleRate:  1.0,
		},
	}
}

// LoadFromFile reads a YAML config file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadFromEnv applies PUREC_* environment overrides in place.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("PUREC_SOCKET"); v != "" {
		cfg.Daemon.SocketPath = v
	}
	if v := os.Getenv("PUREC_POOL"); v != "" {
		cfg.Storage.Pool = v
	}
	if v := os.Getenv("PUREC_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("PUREC_LOG_FORMAT"); v != "" {
		cfg.Daemon.LogFormat = v
	}
	if v := os.Getenv("PUREC_METRICS_ADDR"); v != "" {
		cfg.Daemon.MetricsAddr = v
	}
	if v := os.Getenv("PUREC_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Daemon.Workers = n
		}
	}
	if v := os.Getenv("PUREC_LIBVIRT_SOCKET"); v != "" {
		cfg.Virt.LibvirtSocket = v
	}
}
