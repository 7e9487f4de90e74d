// Package bus carries messages between channel adapters and the gateway
// core. Adapters publish inbound messages; the channel hub consumes them
// and routes responses back out.
package bus

import "context"

// InboundMessage is a message received from a channel adapter.
type InboundMessage struct {
	SessionKey string            `json:"session_key"` // main:{channel}:{target}
	Content    string            `json:"content"`
	ReplyTo    string            `json:"reply_to,omitempty"` // adapter-specific reply handle
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a message to deliver through a channel adapter.
// Channel is the adapter name; Target is adapter-specific syntax
// (e.g. "dm:123", "channel:456", an email address).
type OutboundMessage struct {
	Channel string   `json:"channel"`
	Target  string   `json:"target"`
	Text    string   `json:"text,omitempty"`
	Files   []string `json:"files,omitempty"`
	ReplyTo string   `json:"reply_to,omitempty"`
}

// Event is a server-side event broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription. Used by the
// gateway server and the schedulers to decouple from the concrete bus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between
// channel adapters and the gateway core.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
