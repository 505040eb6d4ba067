// Package channels implements the Channel Façade (spec §4.10): the
// uniform boundary between platform-specific adapters (Discord,
// WhatsApp, a local REPL) and the core. It is the only layer that ever
// sees a platform-specific identifier; everything downstream works in
// terms of (channel_type, conversation_id).
//
// Grounded on the teacher's pkg/devclaw/channels package, trimmed to the
// spec's narrower contract: start/stop/send/receive, plus the bounded
// LRU de-duplication spec §4.10 calls for. The teacher's richer
// Channel/MediaChannel/PresenceChannel/ReactionChannel interface split
// is dropped — media, typing, and reactions aren't in scope here — but
// the shape (small interface, a buffered inbound channel, atomic
// connection state) carries over.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultDedupSize is the façade's inbound de-duplication window, spec
// §4.10's stated default of 10k.
const DefaultDedupSize = 10_000

// DeliveryStatus is the outcome of one Send call, per spec §4.10's
// "send(...) -> delivered | failed".
type DeliveryStatus string

const (
	Delivered DeliveryStatus = "delivered"
	Failed    DeliveryStatus = "failed"
)

// Attachment references a media item on an inbound or outbound message.
// The façade passes these through opaquely; only the adapter that
// produced or will consume one understands its Ref format.
type Attachment struct {
	Ref      string // adapter-specific reference (URL, media ID, ...)
	MimeType string
	Filename string
}

// InboundMessage is the façade's normalized shape for a message
// received from any adapter, exactly spec §4.10's InboundMessage.
type InboundMessage struct {
	ChannelType            string
	PlatformConversationID string
	PlatformUserID         string
	DisplayName            string
	Text                   string
	Attachments            []Attachment
	PlatformMessageID      string
	Timestamp              time.Time
}

// Adapter is the contract every channel adapter implements, spec
// §4.10's "start(), stop(), send(conversation_id, text, attachments?)
// -> delivered | failed, and a push callback on_inbound(...)". The push
// callback is realised as a buffered channel (the teacher's Receive()
// shape) that the Façade drains itself, rather than a callback the
// adapter invokes directly — this keeps adapters free of any
// dependency on the façade or its dedup state.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(ctx context.Context, conversationID, text string, attachments []Attachment) (DeliveryStatus, error)
	Receive() <-chan *InboundMessage
}

// SubmitFunc is how the Façade hands a de-duplicated inbound message
// to the rest of the pipeline (Identity Resolver -> Session Manager ->
// Dispatcher.Submit). Kept as an injected function, not a direct
// dependency on those packages, so channels never needs to import
// internal/identity or internal/session.
type SubmitFunc func(ctx context.Context, msg InboundMessage) error

type dedupKey struct {
	channelType string
	messageID   string
}

// Facade owns every registered Adapter, pumps its inbound channel
// through the shared de-duplication window, and forwards the survivors
// to SubmitFunc.
type Facade struct {
	submit SubmitFunc
	logger *slog.Logger
	dedup  *lru.Cache[dedupKey, struct{}]

	mu       sync.Mutex
	adapters map[string]Adapter
	cancel   map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// NewFacade builds a Façade with the default de-duplication window.
// submit is called once per unique inbound message, never concurrently
// for the same adapter (each adapter's pump goroutine drains its own
// Receive() channel sequentially) but potentially concurrently across
// adapters.
func NewFacade(submit SubmitFunc, logger *slog.Logger) (*Facade, error) {
	dedup, err := lru.New[dedupKey, struct{}](DefaultDedupSize)
	if err != nil {
		return nil, fmt.Errorf("channels: building dedup cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{
		submit:   submit,
		logger:   logger.With("component", "channels.facade"),
		dedup:    dedup,
		adapters: make(map[string]Adapter),
		cancel:   make(map[string]context.CancelFunc),
	}, nil
}

// Register adds an adapter under its own Name(). Call before Start.
func (f *Facade) Register(a Adapter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adapters[a.Name()] = a
}

// Start connects every registered adapter and begins pumping its
// inbound channel. If one adapter fails to start, the others still
// run; the caller sees the combined error.
func (f *Facade) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for name, a := range f.adapters {
		actx, cancel := context.WithCancel(ctx)
		if err := a.Start(actx); err != nil {
			cancel()
			errs = append(errs, fmt.Errorf("channels: starting %s: %w", name, err))
			continue
		}
		f.cancel[name] = cancel
		f.wg.Add(1)
		go f.pump(actx, a)
	}
	if len(errs) > 0 {
		return fmt.Errorf("channels: %d adapter(s) failed to start: %v", len(errs), errs)
	}
	return nil
}

// Stop disconnects every adapter and waits for its pump to drain.
func (f *Facade) Stop() error {
	f.mu.Lock()
	adapters := make([]Adapter, 0, len(f.adapters))
	for _, a := range f.adapters {
		adapters = append(adapters, a)
	}
	for _, cancel := range f.cancel {
		cancel()
	}
	f.mu.Unlock()

	var errs []error
	for _, a := range adapters {
		if err := a.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	f.wg.Wait()
	if len(errs) > 0 {
		return fmt.Errorf("channels: %d adapter(s) failed to stop: %v", len(errs), errs)
	}
	return nil
}

func (f *Facade) pump(ctx context.Context, a Adapter) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-a.Receive():
			if !ok {
				return
			}
			f.deliver(ctx, msg)
		}
	}
}

func (f *Facade) deliver(ctx context.Context, msg *InboundMessage) {
	key := dedupKey{channelType: msg.ChannelType, messageID: msg.PlatformMessageID}
	if msg.PlatformMessageID != "" {
		if _, seen := f.dedup.Get(key); seen {
			return
		}
		f.dedup.Add(key, struct{}{})
	}
	if err := f.submit(ctx, *msg); err != nil {
		f.logger.Warn("channels: submit failed", "channel", msg.ChannelType, "err", err)
	}
}

// Send resolves the named adapter and forwards the call, per spec
// §4.10's send contract. Returns Failed with an error if no adapter is
// registered for channelType.
func (f *Facade) Send(ctx context.Context, channelType, conversationID, text string, attachments []Attachment) (DeliveryStatus, error) {
	f.mu.Lock()
	a, ok := f.adapters[channelType]
	f.mu.Unlock()
	if !ok {
		return Failed, fmt.Errorf("channels: no adapter registered for %q", channelType)
	}
	return a.Send(ctx, conversationID, text, attachments)
}

// adapterSender adapts one Adapter to the dispatcher's narrower
// Sender contract (send text only, no attachments, no status value).
type adapterSender struct {
	channelType string
	facade      *Facade
}

func (s adapterSender) Send(ctx context.Context, conversationID, text string) error {
	status, err := s.facade.Send(ctx, s.channelType, conversationID, text, nil)
	if err != nil {
		return err
	}
	if status != Delivered {
		return fmt.Errorf("channels: delivery to %s/%s failed", s.channelType, conversationID)
	}
	return nil
}

// SenderFor returns a dispatcher.Sender-shaped value for channelType,
// suitable for wiring into a dispatcher.SenderResolver at the
// composition root. Declared to return the local interface (not
// dispatcher.Sender) so this package does not need to import
// internal/dispatcher; the method set is identical, so the composition
// root's resolver closure satisfies dispatcher.SenderResolver without
// any adapter code.
func (f *Facade) SenderFor(channelType string) (interface {
	Send(ctx context.Context, conversationID, text string) error
}, bool) {
	f.mu.Lock()
	_, ok := f.adapters[channelType]
	f.mu.Unlock()
	if !ok {
		return nil, false
	}
	return adapterSender{channelType: channelType, facade: f}, true
}
