package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Daemon.SocketPath != "/tmp/purecvisor.sock" {
		t.Errorf("expected default socket path, got %s", cfg.Daemon.SocketPath)
	}
	if cfg.Storage.Pool != "tank" {
		t.Errorf("expected default pool 'tank', got %s", cfg.Storage.Pool)
	}
	if cfg.Storage.DefaultDiskGB != 20 {
		t.Errorf("expected default disk 20GB, got %d", cfg.Storage.DefaultDiskGB)
	}
	if cfg.Daemon.Workers <= 0 {
		t.Errorf("expected positive worker count, got %d", cfg.Daemon.Workers)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
daemon:
  socket_path: /run/test.sock
  log_level: debug
storage:
  pool: rpool
  default_disk_gb: 40
telemetry:
  sample_interval: 30s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if cfg.Daemon.SocketPath != "/run/test.sock" {
		t.Errorf("socket_path not applied: %s", cfg.Daemon.SocketPath)
	}
	if cfg.Storage.Pool != "rpool" {
		t.Errorf("pool not applied: %s", cfg.Storage.Pool)
	}
	if cfg.Telemetry.SampleInterval != 30*time.Second {
		t.Errorf("sample_interval not applied: %v", cfg.Telemetry.SampleInterval)
	}
	// untouched keys keep defaults
	if cfg.Virt.LibvirtSocket != "/var/run/libvirt/libvirt-sock" {
		t.Errorf("default libvirt socket lost: %s", cfg.Virt.LibvirtSocket)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/purecvisor.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PUREC_SOCKET", "/run/env.sock")
	t.Setenv("PUREC_POOL", "zdata")
	t.Setenv("PUREC_WORKERS", "16")

	cfg := Default()
	LoadFromEnv(cfg)

	if cfg.Daemon.SocketPath != "/run/env.sock" {
		t.Errorf("PUREC_SOCKET not applied: %s", cfg.Daemon.SocketPath)
	}
	if cfg.Storage.Pool != "zdata" {
		t.Errorf("PUREC_POOL not applied: %s", cfg.Storage.Pool)
	}
	if cfg.Daemon.Workers != 16 {
		t.Errorf("PUREC_WORKERS not applied: %d", cfg.Daemon.Workers)
	}
}

func TestLoadFromEnvIgnoresBadWorkers(t *testing.T) {
	t.Setenv("PUREC_WORKERS", "not-a-number")
	cfg := Default()
	LoadFromEnv(cfg)
	if cfg.Daemon.Workers != 8 {
		t.Errorf("bad PUREC_WORKERS should keep default, got %d", cfg.Daemon.Workers)
	}
}
