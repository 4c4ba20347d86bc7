package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") returned error: %v", err)
	}

	want := Default()
	if *cfg != *want {
		t.Fatalf("Load(\"\") = %+v, want %+v", cfg, want)
	}
}

func TestLoadPartialOverrideKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tmcagent.toml")

	const doc = `
[tmcc]
boss = "boss.example.org"

[autouser]
enable = false
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.TMCC.Boss != "boss.example.org" {
		t.Errorf("TMCC.Boss = %q, want boss.example.org", cfg.TMCC.Boss)
	}
	if cfg.TMCC.Port != 7777 {
		t.Errorf("TMCC.Port = %d, want default 7777 to survive partial override", cfg.TMCC.Port)
	}
	if cfg.Autouser.Enable {
		t.Errorf("Autouser.Enable = true, want false from file")
	}
	if !cfg.Automount.Enable {
		t.Errorf("Automount.Enable = false, want default true to survive partial override")
	}
	if cfg.Systemd.UnitDir != "/etc/systemd/system" {
		t.Errorf("Systemd.UnitDir = %q, want default", cfg.Systemd.UnitDir)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/tmcagent.toml")
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
