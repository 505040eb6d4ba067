package dispatcher

import (
	"context"
	"strings"

	"github.com/starkcore/starkcore/internal/memory"
	"github.com/starkcore/starkcore/internal/session"
	"github.com/starkcore/starkcore/internal/storage"
)

// NewWindowSummariser wires session.Manager's window-overflow callback to
// the Memory Subsystem, completing the composition session.Summariser's
// doc comment defers to "the composition root". Dropped transcript
// entries are flattened into one session_summary memory per overflow.
func NewWindowSummariser(mem *memory.Subsystem) session.Summariser {
	return func(ctx context.Context, sessionID, identityID string, dropped []*storage.Message) error {
		if len(dropped) == 0 {
			return nil
		}
		var sb strings.Builder
		for _, m := range dropped {
			sb.WriteString(string(m.Role))
			sb.WriteString(": ")
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
		return mem.Create(ctx, &storage.Memory{
			MemoryType: storage.MemorySessionSummary,
			Content:    sb.String(),
			Importance: 3,
			IdentityID: identityID,
			SourceType: storage.SourceInferred,
		})
	}
}
