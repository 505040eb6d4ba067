package dispatcher

// EventPublisher fans out one domain event per spec §4.9's server-pushed
// event shape ({type: "event", event: "<dotted name>", data: {...}}).
// Defined here rather than depending on internal/gateway so the
// dispatcher can be tested without a running gateway, following the
// same injected-interface pattern as session.Summariser.
type EventPublisher interface {
	Publish(sessionID, event string, data map[string]any)
}

// NullPublisher discards every event; the zero value is ready to use.
type NullPublisher struct{}

func (NullPublisher) Publish(string, string, map[string]any) {}
