// Package channels connects external transports (Discord, terminal, the
// adapter bridge) to the gateway core via the message bus. Each transport
// implements Adapter; the Hub owns lifecycle and outbound dispatch.
package channels

import (
	"context"

	"github.com/nextlevelbuilder/attache/internal/bus"
)

// Message is the adapter-facing outbound payload.
type Message struct {
	Text    string
	Files   []string
	ReplyTo string
}

// Health is an adapter's self-reported state.
type Health struct {
	Connected bool   `json:"connected"`
	Detail    string `json:"detail,omitempty"`
}

// Adapter is one channel transport. Start must be non-blocking after
// setup; inbound messages are published to the bus with session keys of
// the form main:<name>:<target>.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(target string, msg Message) error
	Health() Health
}

// TypingAdapter is implemented by adapters that can show a thinking
// indicator while a response is being produced.
type TypingAdapter interface {
	Adapter
	Typing(target string)
}

// Publisher is the bus slice adapters use for inbound publication.
type Publisher interface {
	PublishInbound(msg bus.InboundMessage)
}
