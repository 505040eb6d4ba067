// Package whatsapp implements a channels.Adapter over WhatsApp Web using
// whatsmeow. Grounded on the teacher's pkg/devclaw/channels/whatsapp,
// trimmed to the Channel Façade's narrower contract: text send/receive,
// connection lifecycle, and QR pairing surfaced on one buffered channel
// (QR). Health monitoring and media remain teacher features this
// adapter doesn't need for a text-first core, so they're dropped rather
// than carried across unused.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/starkcore/starkcore/internal/channels"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the WhatsApp adapter.
type Config struct {
	// DatabasePath is where whatsmeow persists its session (device
	// keys, pairing state). Required.
	DatabasePath string `yaml:"database_path" toml:"database_path"`

	// RespondToGroups enables inbound handling from group chats.
	RespondToGroups bool `yaml:"respond_to_groups" toml:"respond_to_groups"`

	// RespondToDMs enables inbound handling from direct messages.
	RespondToDMs bool `yaml:"respond_to_dms" toml:"respond_to_dms"`
}

// QREvent is emitted while a fresh session needs pairing.
type QREvent struct {
	Code      string
	ExpiresAt time.Time
}

// Adapter implements channels.Adapter over a whatsmeow client.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
	client *whatsmeow.Client

	messages  chan *channels.InboundMessage
	connected atomic.Bool
	qr        chan QREvent

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds an Adapter. Call Start to open the whatsmeow connection.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger.With("component", "channels.whatsapp"),
		messages: make(chan *channels.InboundMessage, 256),
		qr:       make(chan QREvent, 4),
	}
}

func (a *Adapter) Name() string { return "whatsapp" }

// QR exposes pairing events for a CLI or admin surface to render; only
// meaningful before the first successful pairing.
func (a *Adapter) QR() <-chan QREvent { return a.qr }

// Start opens (or resumes) the whatsmeow session, per the teacher's
// Connect: build the SQLite-backed device store, construct the client,
// register the event handler, and either connect an existing session or
// begin QR pairing for a fresh one.
func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.DatabasePath == "" {
		return fmt.Errorf("whatsapp: database_path is required")
	}
	a.ctx, a.cancel = context.WithCancel(ctx)

	container, err := sqlstore.New(a.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", a.cfg.DatabasePath), waLog.Noop)
	if err != nil {
		return fmt.Errorf("whatsapp: opening session store: %w", err)
	}

	device, err := getDevice(a.ctx, container)
	if err != nil {
		return fmt.Errorf("whatsapp: loading device: %w", err)
	}
	store.SetOSInfo("starkcore", [3]uint32{1, 0, 0})

	a.client = whatsmeow.NewClient(device, waLog.Noop)
	a.client.AddEventHandler(a.handleEvent)
	a.client.EnableAutoReconnect = true
	a.client.InitialAutoReconnect = true

	if a.client.Store.ID == nil {
		go a.loginWithQR(a.ctx)
		return nil
	}

	if err := a.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connecting: %w", err)
	}
	a.connected.Store(true)
	a.logger.Info("whatsapp: connected", "jid", a.client.Store.ID.String())
	return nil
}

func getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

func (a *Adapter) loginWithQR(ctx context.Context) {
	qrChan, err := a.client.GetQRChannel(ctx)
	if err != nil {
		a.logger.Warn("whatsapp: QR channel unavailable", "err", err)
		return
	}
	if err := a.client.Connect(); err != nil {
		a.logger.Warn("whatsapp: connect for QR pairing failed", "err", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			switch evt.Event {
			case "code":
				select {
				case a.qr <- QREvent{Code: evt.Code, ExpiresAt: time.Now().Add(2 * time.Minute)}:
				default:
				}
			case "success":
				a.connected.Store(true)
				a.logger.Info("whatsapp: paired")
				return
			case "timeout":
				a.logger.Warn("whatsapp: QR code expired")
				return
			}
		}
	}
}

func (a *Adapter) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.client != nil {
		a.client.Disconnect()
	}
	a.connected.Store(false)
	return nil
}

func (a *Adapter) Receive() <-chan *channels.InboundMessage { return a.messages }

// Send delivers a plain-text message to a JID-formatted conversation id.
func (a *Adapter) Send(ctx context.Context, conversationID, text string, _ []channels.Attachment) (channels.DeliveryStatus, error) {
	if !a.connected.Load() {
		return channels.Failed, channels.ErrChannelDisconnected
	}
	jid, err := types.ParseJID(conversationID)
	if err != nil {
		return channels.Failed, fmt.Errorf("whatsapp: invalid JID %q: %w", conversationID, err)
	}
	msg := buildTextMessage(text)
	if _, err := a.client.SendMessage(ctx, jid, msg); err != nil {
		return channels.Failed, fmt.Errorf("whatsapp: send: %w", err)
	}
	return channels.Delivered, nil
}

func (a *Adapter) handleEvent(raw any) {
	evt, ok := raw.(*events.Message)
	if !ok {
		return
	}
	if evt.Info.IsFromMe || evt.Info.Chat.Server == "broadcast" {
		return
	}
	isGroup := evt.Info.IsGroup
	if isGroup && !a.cfg.RespondToGroups {
		return
	}
	if !isGroup && !a.cfg.RespondToDMs {
		return
	}
	text := extractText(evt)
	if text == "" {
		return
	}

	inbound := &channels.InboundMessage{
		ChannelType:            a.Name(),
		PlatformConversationID: evt.Info.Chat.String(),
		PlatformUserID:         evt.Info.Sender.String(),
		DisplayName:            evt.Info.PushName,
		Text:                   text,
		PlatformMessageID:      string(evt.Info.ID),
		Timestamp:              evt.Info.Timestamp,
	}

	select {
	case a.messages <- inbound:
	default:
		a.logger.Warn("whatsapp: inbound buffer full, dropping message", "msg_id", inbound.PlatformMessageID)
	}
}
