package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrBudgetExceeded is returned by NetworkBudget.Meter when charging a
// call would push a session's cumulative cost past its Limit.
var ErrBudgetExceeded = errors.New("tools: network budget exceeded")

// NetworkBudget meters every side_effect_class=network tool call,
// mirroring the per-call cost accounting in the original
// implementation's x402_fetch.rs / x402_rpc.rs (attach a cost to each
// metered egress call). No Go SDK for x402 itself appears anywhere in
// the retrieval pack, so there is no payment rail behind this: CostFunc
// is nil by default and every call costs 0. The guard still runs on
// every network call, so a real pricing function or a hard cap can be
// dropped in later without touching the executor.
type NetworkBudget struct {
	mu    sync.Mutex
	spent map[string]int64

	// Limit caps a session's cumulative cost units. Zero (the default)
	// means unlimited, since with CostFunc unset every call costs 0
	// anyway.
	Limit int64

	// CostFunc prices one network tool call. Nil means every call
	// costs 0.
	CostFunc func(tool string, args map[string]any) int64
}

// NewNetworkBudget returns a budget with metering active and no
// configured price or limit.
func NewNetworkBudget() *NetworkBudget {
	return &NetworkBudget{spent: make(map[string]int64)}
}

// Meter prices one call, adds it to sessionID's running total, and
// rejects the call if that total would exceed Limit. The cost charged
// is returned even on rejection so the caller can still record it on
// the audit row.
func (b *NetworkBudget) Meter(_ context.Context, sessionID, tool string, args map[string]any) (int64, error) {
	var cost int64
	if b.CostFunc != nil {
		cost = b.CostFunc(tool, args)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	next := b.spent[sessionID] + cost
	if b.Limit > 0 && next > b.Limit {
		return cost, fmt.Errorf("tool %q: %w", tool, ErrBudgetExceeded)
	}
	b.spent[sessionID] = next
	return cost, nil
}

// Spent returns a session's cumulative metered cost.
func (b *NetworkBudget) Spent(sessionID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent[sessionID]
}
