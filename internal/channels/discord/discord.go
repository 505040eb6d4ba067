// Package discord implements a channels.Adapter over Discord using
// discordgo. Grounded on the teacher's pkg/devclaw/channels/discord,
// trimmed to the Façade's text-only contract: the teacher's interactive
// components (buttons, select menus) and reaction/presence surfaces are
// Discord-specific UI unrelated to the dialog loop this adapter feeds,
// so they're dropped rather than carried across unused.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/starkcore/starkcore/internal/channels"
)

// Config configures the Discord adapter.
type Config struct {
	Token           string   `yaml:"token" toml:"token"`
	AllowedGuilds   []string `yaml:"allowed_guilds" toml:"allowed_guilds"`
	AllowedChannels []string `yaml:"allowed_channels" toml:"allowed_channels"`
}

// Adapter implements channels.Adapter over a discordgo session.
type Adapter struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	messages  chan *channels.InboundMessage
	connected atomic.Bool
}

// New builds an Adapter. Call Start to open the gateway connection.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:      cfg,
		logger:   logger.With("component", "channels.discord"),
		messages: make(chan *channels.InboundMessage, 256),
	}
}

func (a *Adapter) Name() string { return "discord" }

// Start opens the Discord gateway WebSocket connection, following the
// teacher's Connect: build the session, set intents, register the
// message handler, then Open.
func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + a.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(a.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	a.session = session
	a.connected.Store(true)
	a.logger.Info("discord: connected", "bot", session.State.User.Username)
	return nil
}

func (a *Adapter) Stop() error {
	a.connected.Store(false)
	if a.session != nil {
		return a.session.Close()
	}
	return nil
}

func (a *Adapter) Receive() <-chan *channels.InboundMessage { return a.messages }

// Send delivers a plain-text message to a Discord channel id, chunking
// at Discord's 2000-character limit exactly as the teacher does.
func (a *Adapter) Send(ctx context.Context, conversationID, text string, _ []channels.Attachment) (channels.DeliveryStatus, error) {
	if a.session == nil {
		return channels.Failed, channels.ErrChannelDisconnected
	}
	for _, chunk := range splitMessage(text, 2000) {
		if _, err := a.session.ChannelMessageSend(conversationID, chunk); err != nil {
			return channels.Failed, fmt.Errorf("discord: send: %w", err)
		}
	}
	return channels.Delivered, nil
}

func (a *Adapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	if len(a.cfg.AllowedGuilds) > 0 && m.GuildID != "" && !contains(a.cfg.AllowedGuilds, m.GuildID) {
		return
	}
	if len(a.cfg.AllowedChannels) > 0 && !contains(a.cfg.AllowedChannels, m.ChannelID) {
		return
	}

	inbound := &channels.InboundMessage{
		ChannelType:            a.Name(),
		PlatformConversationID: m.ChannelID,
		PlatformUserID:         m.Author.ID,
		DisplayName:            m.Author.Username,
		Text:                   m.Content,
		PlatformMessageID:      m.ID,
		Timestamp:              m.Timestamp,
	}

	select {
	case a.messages <- inbound:
	default:
		a.logger.Warn("discord: inbound buffer full, dropping message", "msg_id", m.ID)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// splitMessage breaks text into <= maxLen chunks, preferring a newline
// boundary when one exists past the halfway point of the chunk.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}
