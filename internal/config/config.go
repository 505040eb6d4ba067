// Package config assembles a typed Config for every wired subsystem
// from a YAML (or TOML) file plus environment overrides, grounded on
// the teacher's copilot/loader.go: defaults-then-overlay unmarshal via
// gopkg.in/yaml.v3 (github.com/pelletier/go-toml/v2 for a .toml path),
// .env loading via github.com/joho/godotenv, and the same
// ${VAR}/${VAR:-default}/${VAR:?error}/$VAR expansion pattern applied
// to the raw file before it is parsed. Trimmed from the teacher's
// 900-line kitchen-sink Config down to exactly the subsystems starkcore
// wires: storage, dispatcher, tool policy, memory/embeddings, the
// completion provider, web3, the scheduler, the event gateway, and the
// channel adapters.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/starkcore/starkcore/internal/channels/discord"
	"github.com/starkcore/starkcore/internal/channels/repl"
	"github.com/starkcore/starkcore/internal/channels/whatsapp"
	"github.com/starkcore/starkcore/internal/dispatcher"
	"github.com/starkcore/starkcore/internal/memory"
	"github.com/starkcore/starkcore/internal/provider"
	"github.com/starkcore/starkcore/internal/sandbox"
	"github.com/starkcore/starkcore/internal/scheduler"
	"github.com/starkcore/starkcore/internal/tools"
	"github.com/starkcore/starkcore/internal/web3"
)

// Config is the full typed configuration for one starkcore process.
type Config struct {
	DatabaseURL string `yaml:"database_url" toml:"database_url"`

	Dispatcher dispatcher.Config `yaml:"dispatcher" toml:"dispatcher"`
	Policy     tools.Policy      `yaml:"policy" toml:"policy"`
	Memory     MemoryConfig      `yaml:"memory" toml:"memory"`
	Provider   provider.Config   `yaml:"provider" toml:"provider"`
	Web3       web3.Config       `yaml:"web3" toml:"web3"`
	Scheduler  scheduler.Config  `yaml:"scheduler" toml:"scheduler"`
	Gateway    GatewayConfig     `yaml:"gateway" toml:"gateway"`
	Channels   ChannelsConfig    `yaml:"channels" toml:"channels"`
	Skills     SkillsConfig      `yaml:"skills" toml:"skills"`
	Sandbox    sandbox.Config    `yaml:"sandbox" toml:"sandbox"`
}

// SkillsConfig points the Skill Loader at its three source directories.
// An empty field disables that source entirely (internal/skills.NewLoader
// treats an empty root as absent).
type SkillsConfig struct {
	BundledDir   string `yaml:"bundled_dir" toml:"bundled_dir"`
	ManagedDir   string `yaml:"managed_dir" toml:"managed_dir"`
	WorkspaceDir string `yaml:"workspace_dir" toml:"workspace_dir"`
}

// MemoryConfig groups the Memory Subsystem's embedding provider and
// hybrid-retrieval weight knobs, mirroring memory.EmbeddingConfig and
// memory.Weights (the spec's four hybrid-score terms, §4.5/§9).
type MemoryConfig struct {
	Embedding memory.EmbeddingConfig `yaml:"embedding" toml:"embedding"`
	Weights   memory.Weights         `yaml:"weights" toml:"weights"`
}

// GatewayConfig configures the WebSocket Event Gateway's HTTP listener.
// internal/gateway.Server takes its EventBus/Authenticator directly, so
// this only carries what the composition root needs to stand up the
// http.Server around it.
type GatewayConfig struct {
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`
	AuthToken  string `yaml:"auth_token" toml:"auth_token"`
}

// ChannelsConfig groups every reference Channel adapter's own Config.
// The composition root skips Discord when Discord.Token == "" and
// WhatsApp when WhatsApp.DatabasePath == ""; the REPL adapter is always
// registered.
type ChannelsConfig struct {
	Discord  discord.Config  `yaml:"discord" toml:"discord"`
	WhatsApp whatsapp.Config `yaml:"whatsapp" toml:"whatsapp"`
	REPL     repl.Config     `yaml:"repl" toml:"repl"`
}

// Default returns the baseline configuration: every subsystem's own
// DefaultConfig/DefaultPolicy/DefaultWeights, composed together.
func Default() Config {
	return Config{
		DatabaseURL: "",
		Dispatcher:  dispatcher.DefaultConfig(),
		Policy:      tools.DefaultPolicy(),
		Memory: MemoryConfig{
			Embedding: memory.EmbeddingConfig{Provider: "none"},
			Weights:   memory.DefaultWeights,
		},
		Provider:  provider.Config{Model: "gpt-4o-mini"},
		Web3:      web3.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Gateway:   GatewayConfig{ListenAddr: ":8181"},
		Channels: ChannelsConfig{
			REPL: repl.Config{Prompt: "> ", PlatformUserID: "local-operator", DisplayName: "operator"},
		},
		Skills: SkillsConfig{
			BundledDir:   "./skills/bundled",
			ManagedDir:   "./data/skills/managed",
			WorkspaceDir: "./skills",
		},
		Sandbox: sandbox.DefaultConfig(),
	}
}

// Load reads a config file, expands ${VAR}-style environment references
// against the process environment (after loading any .env/.env.local
// file present in the working directory), and overlays the result onto
// Default(). YAML is the primary format; a .toml extension is parsed
// with go-toml/v2 instead, so an operator who prefers TOML can author
// settings.toml against the same struct tags.
func Load(path string) (Config, error) {
	loadDotEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return Config{}, fmt.Errorf("config: expanding env vars: %w", err)
	}

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
		return cfg, nil
	}
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

func loadDotEnvFiles() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

// envVarPattern matches ${NAME}, ${NAME:-default}, ${NAME:?error} and
// bare $NAME references, mirroring the teacher's loader.go pattern
// exactly (same four forms, same capture-group layout).
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// expandEnvVars replaces every match in input with its resolved value,
// returning an error the first time a ${NAME:?message} reference is
// unset.
func expandEnvVars(input string) (string, error) {
	var firstErr error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		if firstErr != nil {
			return match
		}
		groups := envVarPattern.FindStringSubmatch(match)
		varName, modifier, modVal, bareVar := groups[1], groups[2], groups[3], groups[4]

		if bareVar != "" {
			if v, ok := os.LookupEnv(bareVar); ok {
				return v
			}
			return match
		}
		if varName == "" {
			return match
		}
		if v, ok := os.LookupEnv(varName); ok {
			return v
		}
		switch modifier {
		case "-":
			return modVal
		case "?":
			msg := modVal
			if msg == "" {
				msg = "required environment variable not set"
			}
			firstErr = fmt.Errorf("%s: %s", varName, msg)
			return match
		default:
			return match
		}
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}
