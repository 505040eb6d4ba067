package config

import (
	"path/filepath"
	"testing"
)

func TestVaultCreateUnlockRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.json")

	v := NewVault(path)
	if v.Exists() {
		t.Fatalf("vault should not exist before Create")
	}
	if err := v.Create("correct horse battery staple"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !v.Exists() {
		t.Fatalf("vault file should exist after Create")
	}
	if err := v.Set("openai_api_key", "sk-test-123"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v2 := NewVault(path)
	if err := v2.Unlock("correct horse battery staple"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	got, err := v2.Get("openai_api_key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "sk-test-123" {
		t.Fatalf("Get = %q, want sk-test-123", got)
	}
}

func TestVaultUnlockWrongPasswordFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.json")

	v := NewVault(path)
	if err := v.Create("right-password"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := v.Set("token", "abc"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v2 := NewVault(path)
	if err := v2.Unlock("wrong-password"); err == nil {
		t.Fatalf("expected Unlock to fail with wrong password")
	}
}

func TestVaultGetMissingKeyReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.json")

	v := NewVault(path)
	if err := v.Create("pw"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := v.Get("nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "" {
		t.Fatalf("Get = %q, want empty", got)
	}
}

func TestResolveSecretPrefersVaultOverEnvOverConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vault.json")
	v := NewVault(path)
	if err := v.Create("pw"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := v.Set("provider_api_key", "from-vault"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	t.Setenv("STARKCORE_TEST_KEY", "from-env")
	got := ResolveSecret(v, "provider_api_key", "STARKCORE_TEST_KEY", "from-config", nil)
	if got != "from-vault" {
		t.Fatalf("ResolveSecret = %q, want from-vault", got)
	}
}

func TestResolveSecretFallsBackToEnvThenConfig(t *testing.T) {
	got := ResolveSecret(nil, "unused_key", "STARKCORE_ABSENT_ENV_VAR", "from-config", nil)
	if got != "from-config" {
		t.Fatalf("ResolveSecret = %q, want from-config", got)
	}

	t.Setenv("STARKCORE_TEST_KEY_2", "from-env")
	got = ResolveSecret(nil, "unused_key", "STARKCORE_TEST_KEY_2", "from-config", nil)
	if got != "from-env" {
		t.Fatalf("ResolveSecret = %q, want from-env", got)
	}
}
