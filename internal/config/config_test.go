package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"netsense/internal/config"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sqlite.Prefix != "netsense_" {
		t.Errorf("expected default prefix, got %q", cfg.Sqlite.Prefix)
	}
	if cfg.Dispatch.RatePerSecond != 0 {
		t.Errorf("expected unlimited dispatch by default, got %v", cfg.Dispatch.RatePerSecond)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netsense.yaml")
	data := `
sqlite:
  dsn: /tmp/x.sqlite3
log:
  level: debug
  writer: [file]
dispatch:
  timeoutMS: 2500
  ratePerSecond: 5
  burst: 2
integrity:
  ownerContact: https://hooks.example.com/owner
control:
  allowedOrigins: [chrome-extension://abc]
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sqlite.Dsn != "/tmp/x.sqlite3" {
		t.Errorf("dsn = %q", cfg.Sqlite.Dsn)
	}
	if cfg.Sqlite.Prefix != "netsense_" {
		t.Errorf("prefix should keep its default, got %q", cfg.Sqlite.Prefix)
	}
	if cfg.Dispatch.TimeoutMS != 2500 || cfg.Dispatch.Burst != 2 {
		t.Errorf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Integrity.OwnerContact != "https://hooks.example.com/owner" {
		t.Errorf("owner contact = %q", cfg.Integrity.OwnerContact)
	}
	if len(cfg.Control.AllowedOrigins) != 1 || cfg.Control.AllowedOrigins[0] != "chrome-extension://abc" {
		t.Errorf("allowed origins = %v", cfg.Control.AllowedOrigins)
	}
	if cfg.Control.Listen != "127.0.0.1:7878" {
		t.Errorf("listen should keep its default, got %q", cfg.Control.Listen)
	}
	if cfg.Integrity.Template != config.DefaultTemplate {
		t.Error("template should keep its default")
	}
	opts := cfg.LoggerOptions()
	if opts.Level != "debug" || len(opts.Writer) != 1 || opts.Writer[0] != "file" {
		t.Errorf("logger options = %+v", opts)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("sqlite: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
