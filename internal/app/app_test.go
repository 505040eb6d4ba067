package app

import (
	"context"
	"testing"
	"time"

	"github.com/starkcore/starkcore/internal/channels"
	"github.com/starkcore/starkcore/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DatabaseURL = "sqlite://:memory:"
	cfg.Skills.BundledDir = ""
	cfg.Skills.ManagedDir = t.TempDir()
	cfg.Skills.WorkspaceDir = ""
	cfg.Gateway.ListenAddr = "127.0.0.1:0"
	return cfg
}

func TestNewWiresEverySubsystem(t *testing.T) {
	a, err := New(testConfig(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Store.Close() })

	if a.Store == nil || a.Registry == nil || a.Executor == nil || a.Identity == nil ||
		a.Sessions == nil || a.Memory == nil || a.Dispatcher == nil || a.Facade == nil ||
		a.Scheduler == nil || a.Bus == nil || a.Gateway == nil {
		t.Fatalf("New left a subsystem nil: %+v", a)
	}

	if _, ok := a.Registry.Get("token_lookup"); !ok {
		t.Fatalf("expected web3 tools to be registered")
	}
	if _, ok := a.Registry.Get("erc20_transfer"); !ok {
		t.Fatalf("expected web3 tools to be registered")
	}
}

func TestSubmitInboundCreatesSessionAndEnqueues(t *testing.T) {
	a, err := New(testConfig(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Store.Close() })

	ctx := context.Background()
	msg := channels.InboundMessage{
		ChannelType:            "repl",
		PlatformConversationID: "conv-1",
		PlatformUserID:         "operator",
		DisplayName:            "operator",
		Text:                   "hello",
		Timestamp:              time.Now(),
	}

	if err := a.submitInbound(ctx, msg); err != nil {
		t.Fatalf("submitInbound: %v", err)
	}

	sess, err := a.Sessions.GetOrCreate(ctx, "repl", "conv-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if sess.IdentityID() == "" {
		t.Fatalf("expected session to have a bound identity")
	}
	if len(sess.Transcript()) == 0 && sess.State() == "" {
		t.Fatalf("expected session to reflect the submitted message")
	}
}
