package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "database_url: \"sqlite://test.db\"\nprovider:\n  model: \"gpt-4o\"\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseURL != "sqlite://test.db" {
		t.Fatalf("DatabaseURL = %q, want sqlite://test.db", cfg.DatabaseURL)
	}
	if cfg.Provider.Model != "gpt-4o" {
		t.Fatalf("Provider.Model = %q, want gpt-4o", cfg.Provider.Model)
	}
	if cfg.Gateway.ListenAddr != ":8181" {
		t.Fatalf("Gateway.ListenAddr = %q, want default :8181 to survive overlay", cfg.Gateway.ListenAddr)
	}
}

func TestLoadTOMLSettingsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.toml")
	tomlBody := "database_url = \"sqlite://test.db\"\n\n[provider]\nmodel = \"gpt-4o\"\n"
	if err := os.WriteFile(path, []byte(tomlBody), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseURL != "sqlite://test.db" {
		t.Fatalf("DatabaseURL = %q, want sqlite://test.db", cfg.DatabaseURL)
	}
	if cfg.Provider.Model != "gpt-4o" {
		t.Fatalf("Provider.Model = %q, want gpt-4o", cfg.Provider.Model)
	}
	if cfg.Gateway.ListenAddr != ":8181" {
		t.Fatalf("Gateway.ListenAddr = %q, want default :8181 to survive overlay", cfg.Gateway.ListenAddr)
	}
}

func TestExpandEnvVarsBareAndBraced(t *testing.T) {
	t.Setenv("STARKCORE_CFG_TEST", "resolved")

	got, err := expandEnvVars("token: ${STARKCORE_CFG_TEST}\nother: $STARKCORE_CFG_TEST\n")
	if err != nil {
		t.Fatalf("expandEnvVars: %v", err)
	}
	want := "token: resolved\nother: resolved\n"
	if got != want {
		t.Fatalf("expandEnvVars = %q, want %q", got, want)
	}
}

func TestExpandEnvVarsDefaultFallback(t *testing.T) {
	got, err := expandEnvVars("addr: ${STARKCORE_CFG_ABSENT:-:9090}\n")
	if err != nil {
		t.Fatalf("expandEnvVars: %v", err)
	}
	if got != "addr: :9090\n" {
		t.Fatalf("expandEnvVars = %q, want addr: :9090", got)
	}
}

func TestExpandEnvVarsRequiredErrors(t *testing.T) {
	_, err := expandEnvVars("key: ${STARKCORE_CFG_ABSENT:?must be set}\n")
	if err == nil {
		t.Fatalf("expected error for unset required var")
	}
}
