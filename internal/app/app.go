// Package app is the composition root: it wires every subsystem package
// into one running process, the way the teacher's copilot.Assistant
// wires channels, tool execution, scheduler, and memory together.
// Assistant is a single 900-plus-line struct owning every concern
// DevClaw supports (subagents, hooks, TTS, workspaces, ...); App is
// scoped to exactly what SPEC_FULL.md's module map names — storage,
// identity, sessions, the dispatcher, tools, skills, memory, the web3
// group, the scheduler, the channel façade, and the event gateway.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/starkcore/starkcore/internal/channels"
	"github.com/starkcore/starkcore/internal/channels/discord"
	"github.com/starkcore/starkcore/internal/channels/repl"
	"github.com/starkcore/starkcore/internal/channels/whatsapp"
	"github.com/starkcore/starkcore/internal/config"
	"github.com/starkcore/starkcore/internal/dispatcher"
	"github.com/starkcore/starkcore/internal/gateway"
	"github.com/starkcore/starkcore/internal/identity"
	"github.com/starkcore/starkcore/internal/memory"
	"github.com/starkcore/starkcore/internal/provider"
	"github.com/starkcore/starkcore/internal/sandbox"
	"github.com/starkcore/starkcore/internal/scheduler"
	"github.com/starkcore/starkcore/internal/session"
	"github.com/starkcore/starkcore/internal/skills"
	"github.com/starkcore/starkcore/internal/storage"
	"github.com/starkcore/starkcore/internal/storage/postgres"
	"github.com/starkcore/starkcore/internal/storage/sqlite"
	"github.com/starkcore/starkcore/internal/tools"
	"github.com/starkcore/starkcore/internal/web3"
)

// App owns every long-lived subsystem for one starkcore process.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	Store      storage.Store
	Registry   *tools.Registry
	Sandbox    *sandbox.Runner
	Executor   *tools.Executor
	Identity   *identity.Resolver
	Sessions   *session.Manager
	Memory     *memory.Subsystem
	Dispatcher *dispatcher.Dispatcher
	Facade     *channels.Facade
	Scheduler  *scheduler.Scheduler
	Bus        *gateway.EventBus
	Gateway    *gateway.Server

	httpServer *http.Server
}

// New assembles every subsystem from cfg but does not start anything.
// A nil embedder degrades the memory subsystem to keyword-only
// retrieval rather than failing startup, since an operator may not
// have configured an embedding provider yet.
func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: opening store: %w", err)
	}

	registry := tools.NewRegistry()
	tools.RegisterBuiltins(registry)
	web3.RegisterTools(registry, store, cfg.Web3, logger)

	sandboxRunner, err := sandbox.NewRunner(cfg.Sandbox, logger)
	if err != nil {
		return nil, fmt.Errorf("app: building sandbox runner: %w", err)
	}
	tools.WireSandbox(registry, sandboxRunner)

	executor := tools.NewExecutor(registry, store, 0, logger).WithNetworkBudget(tools.NewNetworkBudget())

	embedder := memory.NewEmbeddingProvider(cfg.Memory.Embedding, logger)
	mem, err := memory.New(store, embedder, cfg.Memory.Weights, logger)
	if err != nil {
		return nil, fmt.Errorf("app: building memory subsystem: %w", err)
	}

	idResolver := identity.New(store)
	summariser := dispatcher.NewWindowSummariser(mem)
	sessions := session.New(store, session.DefaultWindowSize, summariser, logger)

	llmProvider := buildProvider(cfg, logger)

	bus := gateway.NewEventBus()
	auth := func(token string) (string, bool) {
		if cfg.Gateway.AuthToken == "" {
			return "anonymous", true
		}
		if token == cfg.Gateway.AuthToken {
			return "operator", true
		}
		return "", false
	}
	gwServer := gateway.NewServer(bus, auth, logger)

	a := &App{cfg: cfg, logger: logger, Store: store, Registry: registry, Sandbox: sandboxRunner, Executor: executor,
		Identity: idResolver, Sessions: sessions, Memory: mem, Bus: bus, Gateway: gwServer}

	facade, err := channels.NewFacade(a.submitInbound, logger)
	if err != nil {
		return nil, fmt.Errorf("app: building channel façade: %w", err)
	}
	a.Facade = facade

	senderResolver := func(channelType string) (dispatcher.Sender, bool) {
		return facade.SenderFor(channelType)
	}

	skillLoader, err := buildSkillLoader(cfg, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("app: building skill loader: %w", err)
	}

	a.Dispatcher = dispatcher.New(cfg.Dispatcher, store, sessions, mem, executor, registry,
		skillLoader, llmProvider, bus, senderResolver, cfg.Policy, logger)

	registerChannels(facade, cfg, logger)

	a.Scheduler = scheduler.New(store, mem, cfg.Scheduler, logger)
	a.registerGatewayRPCs()

	return a, nil
}

func openStore(cfg config.Config) (storage.Store, error) {
	if cfg.DatabaseURL == "" || hasPrefix(cfg.DatabaseURL, "sqlite://") {
		path := trimPrefix(cfg.DatabaseURL, "sqlite://")
		sc := sqlite.DefaultConfig()
		if path != "" {
			sc.Path = path
		}
		return sqlite.Open(sc, nil)
	}
	if hasPrefix(cfg.DatabaseURL, "postgres://") || hasPrefix(cfg.DatabaseURL, "postgresql://") {
		return postgres.Open(cfg.DatabaseURL, nil)
	}
	return nil, fmt.Errorf("app: unrecognized database_url scheme in %q", cfg.DatabaseURL)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func trimPrefix(s, prefix string) string {
	if hasPrefix(s, prefix) {
		return s[len(prefix):]
	}
	return s
}

func buildProvider(cfg config.Config, logger *slog.Logger) dispatcher.Provider {
	if cfg.Provider.APIKey == "" {
		logger.Warn("no provider API key configured, falling back to stub provider")
		return provider.NewStub()
	}
	return provider.New(cfg.Provider, logger)
}

func buildSkillLoader(cfg config.Config, registry *tools.Registry, logger *slog.Logger) (*skills.Loader, error) {
	resolveTool := func(name string) bool {
		t, ok := registry.Get(name)
		return ok && t.Enabled
	}
	loader := skills.NewLoader(cfg.Skills.BundledDir, cfg.Skills.ManagedDir, cfg.Skills.WorkspaceDir, resolveTool, logger)
	if err := loader.Reload(context.Background()); err != nil {
		return nil, fmt.Errorf("skills: initial load: %w", err)
	}
	return loader, nil
}

func registerChannels(facade *channels.Facade, cfg config.Config, logger *slog.Logger) {
	if cfg.Channels.Discord.Token != "" {
		facade.Register(discord.New(cfg.Channels.Discord, logger))
	}
	if cfg.Channels.WhatsApp.DatabasePath != "" {
		facade.Register(whatsapp.New(cfg.Channels.WhatsApp, logger))
	}
	replAdapter, err := repl.New(cfg.Channels.REPL, logger)
	if err != nil {
		logger.Error("failed to build repl adapter", "error", err)
	} else {
		facade.Register(replAdapter)
	}
}

// submitInbound is the Channel Façade's SubmitFunc: resolve identity,
// get-or-create the session, bind identity, and hand the message to the
// dispatcher's mailbox (the dispatcher persists it when the turn
// starts) — spec §4.10's ingestion pipeline.
func (a *App) submitInbound(ctx context.Context, msg channels.InboundMessage) error {
	ident, err := a.Identity.Resolve(ctx, msg.ChannelType, msg.PlatformUserID, msg.DisplayName)
	if err != nil {
		return fmt.Errorf("app: resolving identity: %w", err)
	}

	sess, err := a.Sessions.GetOrCreate(ctx, msg.ChannelType, msg.PlatformConversationID)
	if err != nil {
		return fmt.Errorf("app: getting session: %w", err)
	}
	if sess.IdentityID() == "" {
		if err := a.Sessions.BindIdentity(ctx, sess, ident.ID); err != nil {
			return fmt.Errorf("app: binding identity: %w", err)
		}
	}

	m := &storage.Message{
		SessionID: sess.ID,
		Role:      storage.RoleUser,
		Content:   msg.Text,
		CreatedAt: msg.Timestamp,
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if err := a.Dispatcher.Submit(sess, m); err != nil {
		return fmt.Errorf("app: submitting to dispatcher: %w", err)
	}
	return nil
}

// toolInfo is the JSON-safe projection of a tools.Tool exposed over the
// gateway's tools.list RPC; Tool.Handler is a func value and cannot be
// marshaled directly.
type toolInfo struct {
	Name            string `json:"name"`
	Group           string `json:"group"`
	Description     string `json:"description"`
	SideEffectClass string `json:"side_effect_class"`
	Enabled         bool   `json:"enabled"`
}

// registerGatewayRPCs wires the Event Gateway's operator-facing RPC
// surface (spec §4.9) to the subsystems it inspects and controls.
func (a *App) registerGatewayRPCs() {
	a.Gateway.Handle("session.cancel", func(_ context.Context, params json.RawMessage) (any, error) {
		var req struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("app: decoding session.cancel params: %w", err)
		}
		cancelled := a.Dispatcher.Cancel(req.SessionID)
		return map[string]any{"cancelled": cancelled}, nil
	})

	a.Gateway.Handle("tools.list", func(_ context.Context, _ json.RawMessage) (any, error) {
		snapshot := a.Registry.Snapshot()
		out := make([]toolInfo, 0, len(snapshot))
		for _, t := range snapshot {
			out = append(out, toolInfo{
				Name:            t.Name,
				Group:           string(t.Group),
				Description:     t.Description,
				SideEffectClass: string(t.SideEffectClass),
				Enabled:         t.Enabled,
			})
		}
		return out, nil
	})
}

// Start brings up the scheduler, every registered channel adapter, and
// the event gateway's HTTP listener. Cancelling ctx stops all three.
func (a *App) Start(ctx context.Context) error {
	if err := a.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("app: starting scheduler: %w", err)
	}
	if err := a.Facade.Start(ctx); err != nil {
		a.logger.Error("one or more channel adapters failed to start", "error", err)
	}

	a.httpServer = &http.Server{Addr: a.cfg.Gateway.ListenAddr, Handler: a.Gateway}
	srv := a.httpServer
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("event gateway listener stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	a.logger.Info("starkcore started", "gateway_addr", a.cfg.Gateway.ListenAddr)
	return nil
}

// Stop shuts down the gateway listener, channel adapters, and store.
func (a *App) Stop() {
	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.httpServer.Shutdown(shutdownCtx)
	}
	a.Gateway.Close()
	if err := a.Facade.Stop(); err != nil {
		a.logger.Error("error stopping channel façade", "error", err)
	}
	if err := a.Sandbox.Close(); err != nil {
		a.logger.Error("error closing sandbox runner", "error", err)
	}
	if err := a.Store.Close(); err != nil {
		a.logger.Error("error closing store", "error", err)
	}
}
