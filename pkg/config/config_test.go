package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	body := "server:\n  address: 10.0.0.1\n  port: 9000\nstorage:\n  db_path: /tmp/x\nmaintenance:\n  enabled: true\n  cron: '*/10 * * * *'\n"
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CHATSYNC_DB_PATH", "/tmp/override")

	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Addr() != "10.0.0.1:9000" {
		t.Fatalf("unexpected addr %q", c.Addr())
	}
	if c.Storage.DBPath != "/tmp/override" {
		t.Fatalf("env must win over file, got %q", c.Storage.DBPath)
	}
	if !c.Maintenance.Enabled || c.Maintenance.Cron != "*/10 * * * *" {
		t.Fatalf("maintenance section not parsed: %+v", c.Maintenance)
	}
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Addr() != "127.0.0.1:8442" {
		t.Fatalf("unexpected default addr %q", c.Addr())
	}
}
