package dispatcher

import "context"

// Sender is the subset of the Channel Façade contract (spec §4.10) the
// dispatcher needs to deliver a reply: send(conversation_id, text).
type Sender interface {
	Send(ctx context.Context, conversationID, text string) error
}

// SenderResolver looks up the Sender registered for a channel type
// ("telegram", "discord", ...). Sessions carry their own ChannelType, so
// one Dispatcher can serve every channel adapter without importing
// internal/channels.
type SenderResolver func(channelType string) (Sender, bool)
