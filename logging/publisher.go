package logging

import (
	"context"
	"time"
)

type EventType string

const (
	EventSessionInit      EventType = "client.session.init"
	EventSessionLogout    EventType = "client.session.logout"
	EventConnectionOpened EventType = "client.connection.opened"
	EventConnectionClosed EventType = "client.connection.closed"
	EventReconnectPending EventType = "client.connection.reconnect_pending"
	EventCommandForwarded EventType = "client.command.forwarded"
	EventCommandDropped   EventType = "client.command.dropped"
	EventFrameDiscarded   EventType = "client.frame.discarded"
	EventPatchRejected    EventType = "client.patch.rejected"
	EventStateReplaced    EventType = "client.state.replaced"
	EventServerError      EventType = "client.server.error"
	EventRollObserved     EventType = "client.roll.observed"
)

type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

// Event is one structured client-side occurrence. Session identifies the
// play session the event belongs to; Extra carries sink-agnostic fields.
type Event struct {
	Type     EventType      `json:"type"`
	Time     time.Time      `json:"time"`
	Severity Severity       `json:"severity"`
	Session  string         `json:"session,omitempty"`
	Message  string         `json:"message,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

func (e Event) WithExtra(key string, value any) Event {
	if e.Extra == nil {
		e.Extra = make(map[string]any, 1)
	}
	e.Extra[key] = value
	return e
}

type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	if f == nil {
		return
	}
	f(ctx, event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

func NopPublisher() Publisher {
	return nopPublisher{}
}

type fieldPublisher struct {
	next   Publisher
	fields map[string]any
}

func (p *fieldPublisher) Publish(ctx context.Context, event Event) {
	if p.next == nil {
		return
	}
	if len(p.fields) > 0 {
		event = cloneForFields(event)
		if event.Extra == nil {
			event.Extra = make(map[string]any, len(p.fields))
		}
		for k, v := range p.fields {
			if _, exists := event.Extra[k]; !exists {
				event.Extra[k] = v
			}
		}
	}
	p.next.Publish(ctx, event)
}

func cloneForFields(event Event) Event {
	cloned := event
	if event.Extra != nil {
		copied := make(map[string]any, len(event.Extra))
		for k, v := range event.Extra {
			copied[k] = v
		}
		cloned.Extra = copied
	}
	return cloned
}

// WithFields returns a publisher that stamps every event with the given
// fields unless the event already carries them.
func WithFields(p Publisher, fields map[string]any) Publisher {
	if p == nil {
		return NopPublisher()
	}
	if len(fields) == 0 {
		return p
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return &fieldPublisher{next: p, fields: copied}
}
