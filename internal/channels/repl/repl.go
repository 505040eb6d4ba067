// Package repl implements a channels.Adapter for a local interactive
// terminal session — the `starkcore chat` command's transport. There is
// no teacher file for this shape (the pack's chat command is an
// unimplemented stub), so this is written fresh, but it leans on
// chzyer/readline exactly as the teacher's go.mod already carries it
// for line-edited terminal input.
package repl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/chzyer/readline"
	"github.com/starkcore/starkcore/internal/channels"
)

// conversationID is fixed: a REPL session is always one conversation
// with one operator, so there's no platform identifier to resolve.
const conversationID = "repl"

// Config configures the REPL adapter.
type Config struct {
	Prompt         string
	PlatformUserID string
	DisplayName    string
}

// Adapter implements channels.Adapter by reading lines from a readline
// instance and writing replies back to it.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
	rl     *readline.Instance

	messages  chan *channels.InboundMessage
	connected atomic.Bool
	seq       atomic.Uint64
	done      chan struct{}
}

// New builds an Adapter over stdin/stdout. Call Start to begin reading.
func New(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "> "
	}
	rl, err := readline.New(cfg.Prompt)
	if err != nil {
		return nil, fmt.Errorf("repl: creating readline instance: %w", err)
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger.With("component", "channels.repl"),
		rl:       rl,
		messages: make(chan *channels.InboundMessage, 8),
		done:     make(chan struct{}),
	}, nil
}

func (a *Adapter) Name() string { return "repl" }

// Start launches the read loop in a background goroutine; each line the
// operator types becomes one InboundMessage.
func (a *Adapter) Start(ctx context.Context) error {
	a.connected.Store(true)
	go a.readLoop(ctx)
	return nil
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer close(a.messages)
	for {
		line, err := a.rl.Readline()
		if err != nil {
			if err != io.EOF && err != readline.ErrInterrupt {
				a.logger.Warn("repl: read error", "err", err)
			}
			return
		}
		if line == "" {
			continue
		}
		inbound := &channels.InboundMessage{
			ChannelType:            a.Name(),
			PlatformConversationID: conversationID,
			PlatformUserID:         a.cfg.PlatformUserID,
			DisplayName:            a.cfg.DisplayName,
			Text:                   line,
			PlatformMessageID:      fmt.Sprintf("repl-%d", a.seq.Add(1)),
		}
		select {
		case a.messages <- inbound:
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) Stop() error {
	a.connected.Store(false)
	return a.rl.Close()
}

func (a *Adapter) Receive() <-chan *channels.InboundMessage { return a.messages }

// Send prints the reply to the terminal. conversationID and attachments
// are ignored — a REPL has exactly one destination, stdout.
func (a *Adapter) Send(ctx context.Context, _ string, text string, _ []channels.Attachment) (channels.DeliveryStatus, error) {
	if !a.connected.Load() {
		return channels.Failed, channels.ErrChannelDisconnected
	}
	fmt.Fprintln(a.rl.Stdout(), text)
	return channels.Delivered, nil
}
