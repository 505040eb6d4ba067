package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/starkcore/starkcore/internal/storage"
)

// sessionCanceller is the slice of *dispatcher.Dispatcher the gateway
// needs, declared here rather than imported directly so this package
// never depends on internal/dispatcher (dispatcher depends on
// gateway's EventPublisher, not the other way around).
type sessionCanceller interface {
	Cancel(sessionID string) bool
}

// skillReloader is the slice of *skills.Loader the gateway needs.
type skillReloader interface {
	Reload(ctx context.Context) error
	Warnings() []string
}

// maxMemoryStatsSample bounds how many memory rows memory.stats
// aggregates over in one call. The RPC answers a read-only snapshot,
// spec §4.9, not an exhaustive count; a store holding more rows than
// this returns a sample-based tally rather than blocking on a full
// table scan.
const maxMemoryStatsSample = 5000

// RegisterDefaultHandlers wires the five read-only/control RPC methods
// spec §4.9 names: "sessions list, memory stats, tool history" plus the
// control operations "session.cancel/skill.reload, authorised same as
// HTTP admin surface".
func RegisterDefaultHandlers(s *Server, store storage.Store, disp sessionCanceller, loader skillReloader) {
	s.Handle("sessions.list", sessionsListHandler(store))
	s.Handle("memory.stats", memoryStatsHandler(store))
	s.Handle("tools.history", toolsHistoryHandler(store))
	s.Handle("session.cancel", sessionCancelHandler(disp))
	s.Handle("skill.reload", skillReloadHandler(loader))
}

type sessionsListParams struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func sessionsListHandler(store storage.Store) RPCHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p sessionsListParams
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("gateway: bad params: %w", err)
			}
		}
		if p.Limit <= 0 {
			p.Limit = 50
		}
		sessions, err := store.ListSessions(ctx, p.Limit, p.Offset)
		if err != nil {
			return nil, err
		}
		return sessions, nil
	}
}

type memoryStatsParams struct {
	IdentityID string `json:"identity_id"`
}

// memoryStatsResult tallies memory rows by type for one identity, per
// spec §4.9's "memory stats" read-only snapshot.
type memoryStatsResult struct {
	IdentityID string                     `json:"identity_id"`
	Sampled    int                        `json:"sampled"`
	ByType     map[storage.MemoryType]int `json:"by_type"`
}

func memoryStatsHandler(store storage.Store) RPCHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p memoryStatsParams
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("gateway: bad params: %w", err)
			}
		}
		filter := storage.MemoryFilter{IdentityID: p.IdentityID, IncludeSuperseded: false}
		mems, err := store.ListMemories(ctx, filter, maxMemoryStatsSample, 0)
		if err != nil {
			return nil, err
		}
		byType := make(map[storage.MemoryType]int)
		for _, m := range mems {
			byType[m.MemoryType]++
		}
		return memoryStatsResult{IdentityID: p.IdentityID, Sampled: len(mems), ByType: byType}, nil
	}
}

type toolsHistoryParams struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit"`
}

func toolsHistoryHandler(store storage.Store) RPCHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p toolsHistoryParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("gateway: bad params: %w", err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("gateway: session_id is required")
		}
		if p.Limit <= 0 {
			p.Limit = 50
		}
		rows, err := store.ListToolAudit(ctx, p.SessionID, p.Limit)
		if err != nil {
			return nil, err
		}
		return rows, nil
	}
}

type sessionCancelParams struct {
	SessionID string `json:"session_id"`
}

func sessionCancelHandler(disp sessionCanceller) RPCHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p sessionCancelParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("gateway: bad params: %w", err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("gateway: session_id is required")
		}
		cancelled := disp.Cancel(p.SessionID)
		return map[string]any{"cancelled": cancelled}, nil
	}
}

func skillReloadHandler(loader skillReloader) RPCHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		if err := loader.Reload(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"warnings": loader.Warnings()}, nil
	}
}
