package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bridge.Channel != "chaquopy" || cfg.Python.ServerDefaultPort != 5000 {
		t.Fatalf("unexpected defaults: %+v", cfg.Bridge)
	}
	if cfg.Python.ScriptTimeoutS != 15 || cfg.Python.FileTimeoutS != 30 {
		t.Fatalf("unexpected timeouts: %d %d", cfg.Python.ScriptTimeoutS, cfg.Python.FileTimeoutS)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pybridge.yaml")
	data := []byte(`
python:
  exe: /usr/bin/python3
  path: [/opt/app]
  server_default_port: 8080
channel:
  network: tcp
  address: 127.0.0.1:7070
web:
  enabled: true
  auth:
    tokens:
      - id: t1
        subject: app
        enabled: true
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Python.Exe != "/usr/bin/python3" || len(cfg.Python.Path) != 1 {
		t.Fatalf("python section not applied: %+v", cfg.Python)
	}
	if cfg.Python.ServerDefaultPort != 8080 {
		t.Fatalf("port = %d", cfg.Python.ServerDefaultPort)
	}
	if cfg.Python.ScriptTimeoutS != 15 {
		t.Fatalf("untouched values must keep defaults, got %d", cfg.Python.ScriptTimeoutS)
	}
	if cfg.Channel.Network != "tcp" || !cfg.Web.Enabled || len(cfg.Web.Auth.Tokens) != 1 {
		t.Fatalf("transport sections not applied: %+v %+v", cfg.Channel, cfg.Web.Auth)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for empty file")
	}
}

func TestLoadRejectsBadNetwork(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("channel:\n  network: udp\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error")
	}
}
