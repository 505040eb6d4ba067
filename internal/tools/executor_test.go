package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/starkcore/starkcore/internal/register"
	"github.com/starkcore/starkcore/internal/storage/sqlite"
)

func newTestExecutor(t *testing.T) (*Executor, *Registry) {
	t.Helper()
	cfg := sqlite.DefaultConfig()
	cfg.Path = ":memory:"
	store, err := sqlite.Open(cfg, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := NewRegistry()
	RegisterBuiltins(reg)
	return NewExecutor(reg, store, 2, nil), reg
}

func TestDenyListWinsOverProfile(t *testing.T) {
	exec, _ := newTestExecutor(t)
	policy := Policy{Profile: ProfileFull, DenyList: []string{"exec"}}
	reg := register.New()
	sess := SessionContext{SessionID: "s1"}

	_, err := exec.Invoke(context.Background(), "exec", map[string]any{"command": "echo hi"}, reg, sess, policy)
	if !errors.Is(err, ErrPolicyDenied) {
		t.Fatalf("expected PolicyDenied, got %v", err)
	}
}

func TestAllowListWinsOverDeniedGroup(t *testing.T) {
	exec, _ := newTestExecutor(t)
	policy := Policy{Profile: ProfileCustom, AllowList: []string{"exec"}, DeniedGroups: []Group{GroupExec}}
	reg := register.New()
	sess := SessionContext{SessionID: "s1"}

	_, err := exec.Invoke(context.Background(), "exec", map[string]any{"command": "echo hi"}, reg, sess, policy)
	if err != nil {
		t.Fatalf("expected allow_list to win over denied_groups, got %v", err)
	}
}

func TestArgumentErrorOnMissingRequired(t *testing.T) {
	exec, _ := newTestExecutor(t)
	policy := DefaultPolicy()
	policy.Profile = ProfileFull
	reg := register.New()
	sess := SessionContext{SessionID: "s1"}

	_, err := exec.Invoke(context.Background(), "read_file", map[string]any{}, reg, sess, policy)
	if !errors.Is(err, ErrArgumentError) {
		t.Fatalf("expected ArgumentError, got %v", err)
	}
}

func TestNetworkBudgetMetersAndBlocksNetworkTools(t *testing.T) {
	exec, _ := newTestExecutor(t)
	budget := NewNetworkBudget()
	budget.Limit = 5
	budget.CostFunc = func(tool string, args map[string]any) int64 { return 3 }
	exec.WithNetworkBudget(budget)

	policy := DefaultPolicy()
	policy.Profile = ProfileFull
	reg := register.New()
	sess := SessionContext{SessionID: "s1"}

	if _, err := exec.Invoke(context.Background(), "web_search", map[string]any{"query": "hi"}, reg, sess, policy); err != nil {
		t.Fatalf("first metered call: %v", err)
	}
	if got := budget.Spent("s1"); got != 3 {
		t.Fatalf("Spent = %d, want 3", got)
	}

	_, err := exec.Invoke(context.Background(), "web_search", map[string]any{"query": "hi again"}, reg, sess, policy)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded on second call, got %v", err)
	}
}

func TestIrreversibleToolSurvivesCallerCancellation(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg)
	started := make(chan struct{})
	finished := make(chan struct{})
	reg.MustRegister(Tool{
		Name: "broadcast_web3_tx", Group: GroupWeb3, SideEffectClass: Irreversible, Enabled: true,
		Timeout: time.Second,
		Handler: func(ctx context.Context, args map[string]any, r *register.Register) (Result, error) {
			close(started)
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
			close(finished)
			return Result{Text: "broadcast"}, nil
		},
	})

	cfg := sqlite.DefaultConfig()
	cfg.Path = ":memory:"
	store, err := sqlite.Open(cfg, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	exec := NewExecutor(reg, store, 2, nil)
	policy := Policy{Profile: ProfileFull}
	rc := register.New()
	sess := SessionContext{SessionID: "s1"}

	ctx, cancel := context.WithCancel(context.Background())
	resultCh := make(chan error, 1)
	go func() {
		_, err := exec.Invoke(ctx, "broadcast_web3_tx", map[string]any{}, rc, sess, policy)
		resultCh <- err
	}()

	<-started
	cancel()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("irreversible handler did not run to completion after caller cancellation")
	}

	if err := <-resultCh; err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestIrreversibleToolRequiresConfirmation(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg)
	reg.MustRegister(Tool{
		Name: "broadcast_web3_tx", Group: GroupWeb3, SideEffectClass: Irreversible, Enabled: true,
		Handler: func(ctx context.Context, args map[string]any, r *register.Register) (Result, error) {
			return Result{Text: "broadcast"}, nil
		},
	})

	cfg := sqlite.DefaultConfig()
	cfg.Path = ":memory:"
	store, err := sqlite.Open(cfg, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	exec := NewExecutor(reg, store, 2, nil)
	policy := Policy{Profile: ProfileFull}
	rc := register.New()
	sess := SessionContext{SessionID: "s1", RequireConfirmation: true}

	result, err := exec.Invoke(context.Background(), "broadcast_web3_tx", map[string]any{}, rc, sess, policy)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !result.ConfirmationRequired {
		t.Fatalf("expected ConfirmationRequired to be set")
	}
}
