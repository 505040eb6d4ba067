package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"
)

const keyringService = "starkcore"

// StoreKeyring writes a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring reads a secret from the OS keyring, returning "" if absent.
func GetKeyring(key string) string {
	v, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return v
}

// KeyringAvailable probes whether an OS keyring backend is reachable in
// this environment (headless CI/servers usually have none).
func KeyringAvailable() bool {
	const probe = "__starkcore_probe__"
	if err := keyring.Set(keyringService, probe, "probe"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, probe)
	return true
}

// ResolveSecret resolves a named secret through the priority chain
// vault -> OS keyring -> environment variable -> the value already
// present in the config file, mirroring the teacher's
// keyring.go/ResolveAPIKey chain exactly. envVar is the process
// environment variable name to check (e.g. "OPENAI_API_KEY");
// configValue is whatever was already parsed from YAML.
func ResolveSecret(vault *Vault, key, envVar, configValue string, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	if vault != nil && vault.IsUnlocked() {
		if v, err := vault.Get(key); err == nil && v != "" {
			return v
		}
	}
	if v := GetKeyring(key); v != "" {
		return v
	}
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	if configValue == "" {
		logger.Warn("no secret resolved for key, all sources empty", "key", key)
	}
	return configValue
}

// Vault provides encrypted-at-rest secret storage for headless
// deployments where no OS keyring is available, grounded on the
// teacher's copilot/vault.go (AES-256-GCM with an Argon2id-derived key,
// a JSON envelope on disk). The password-change history and the
// interactive terminal password prompt are dropped: starkcore only
// needs create/unlock/get/set for its own smaller secret set (the LLM
// provider API key and channel bot tokens), not a general-purpose
// credential manager UI.
type Vault struct {
	path       string
	mu         sync.RWMutex
	data       *vaultData
	derivedKey []byte
}

type vaultData struct {
	Version int                    `json:"version"`
	Salt    string                 `json:"salt"`
	Entries map[string]vaultEntry `json:"entries"`
}

type vaultEntry struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// NewVault points at a vault file without opening it.
func NewVault(path string) *Vault {
	return &Vault{path: path}
}

// Exists reports whether the vault file is present on disk.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// IsUnlocked reports whether Unlock or Create has succeeded.
func (v *Vault) IsUnlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.derivedKey != nil
}

// Create initializes a new vault file protected by password.
func (v *Vault) Create(password string) error {
	if v.Exists() {
		return fmt.Errorf("config: vault already exists at %s", v.path)
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("config: generating vault salt: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.derivedKey = deriveKey(password, salt)
	v.data = &vaultData{Version: 1, Salt: base64.StdEncoding.EncodeToString(salt), Entries: map[string]vaultEntry{}}
	ve, err := encryptEntry(v.derivedKey, []byte("starkcore-vault-ok"))
	if err != nil {
		return fmt.Errorf("config: encrypting vault sentinel: %w", err)
	}
	v.data.Entries["__verify__"] = ve
	return v.saveLocked()
}

// Unlock decrypts the vault file with password.
func (v *Vault) Unlock(password string) error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("config: reading vault: %w", err)
	}
	var data vaultData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("config: parsing vault: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(data.Salt)
	if err != nil {
		return fmt.Errorf("config: decoding vault salt: %w", err)
	}
	key := deriveKey(password, salt)
	if verify, ok := data.Entries["__verify__"]; ok {
		if _, err := decryptEntry(key, verify); err != nil {
			return fmt.Errorf("config: wrong vault password")
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.derivedKey = key
	v.data = &data
	return nil
}

// Get decrypts and returns a stored secret, "" if absent.
func (v *Vault) Get(name string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.derivedKey == nil {
		return "", fmt.Errorf("config: vault is locked")
	}
	entry, ok := v.data.Entries[name]
	if !ok {
		return "", nil
	}
	plaintext, err := decryptEntry(v.derivedKey, entry)
	if err != nil {
		return "", fmt.Errorf("config: decrypting %s: %w", name, err)
	}
	return string(plaintext), nil
}

// Set encrypts and stores a secret, persisting the vault immediately.
func (v *Vault) Set(name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.derivedKey == nil {
		return fmt.Errorf("config: vault is locked")
	}
	entry, err := encryptEntry(v.derivedKey, []byte(value))
	if err != nil {
		return fmt.Errorf("config: encrypting %s: %w", name, err)
	}
	v.data.Entries[name] = entry
	if _, ok := v.data.Entries["__verify__"]; !ok {
		ve, _ := encryptEntry(v.derivedKey, []byte("starkcore-vault-ok"))
		v.data.Entries["__verify__"] = ve
	}
	return v.saveLocked()
}

func (v *Vault) saveLocked() error {
	data, err := json.MarshalIndent(v.data, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshaling vault: %w", err)
	}
	if err := os.WriteFile(v.path, data, 0o600); err != nil {
		return fmt.Errorf("config: writing vault: %w", err)
	}
	return nil
}

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func encryptEntry(key, plaintext []byte) (vaultEntry, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return vaultEntry{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return vaultEntry{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return vaultEntry{}, err
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return vaultEntry{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

func decryptEntry(key []byte, entry vaultEntry) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(entry.Nonce)
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(entry.Ciphertext)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong password?)")
	}
	return plaintext, nil
}
