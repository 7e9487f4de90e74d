package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/attache/internal/bus"
)

// Hub owns adapter lifecycle and routes outbound messages from the bus to
// the right adapter.
type Hub struct {
	bus    bus.MessageRouter
	logger *slog.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewHub creates a Hub over the message bus.
func NewHub(router bus.MessageRouter) *Hub {
	return &Hub{
		bus:      router,
		logger:   slog.Default(),
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter under its name. Later registrations with the
// same name replace earlier ones.
func (h *Hub) Register(a Adapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adapters[a.Name()] = a
}

// StartAll starts every adapter and the outbound dispatch loop. A failing
// adapter is logged and skipped; the gateway runs with whatever connects.
func (h *Hub) StartAll(ctx context.Context) {
	h.mu.RLock()
	adapters := make([]Adapter, 0, len(h.adapters))
	for _, a := range h.adapters {
		adapters = append(adapters, a)
	}
	h.mu.RUnlock()

	for _, a := range adapters {
		if err := a.Start(ctx); err != nil {
			h.logger.Error("channel failed to start", "channel", a.Name(), "error", err)
			continue
		}
		h.logger.Info("channel started", "channel", a.Name())
	}

	go h.dispatchOutbound(ctx)
}

// StopAll stops every adapter.
func (h *Hub) StopAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, a := range h.adapters {
		if err := a.Stop(); err != nil {
			h.logger.Warn("channel stop failed", "channel", a.Name(), "error", err)
		}
	}
}

func (h *Hub) dispatchOutbound(ctx context.Context) {
	for {
		msg, ok := h.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		if err := h.send(msg.Channel, msg.Target, Message{Text: msg.Text, Files: msg.Files, ReplyTo: msg.ReplyTo}); err != nil {
			h.logger.Error("outbound delivery failed",
				"channel", msg.Channel, "target", msg.Target, "error", err)
		}
	}
}

func (h *Hub) send(channel, target string, msg Message) error {
	h.mu.RLock()
	a, ok := h.adapters[channel]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no adapter registered for channel %q", channel)
	}
	return a.Send(target, msg)
}

// Deliver sends text to a delivery channel string of the form
// <adapterName>:<adapterSubTarget> (e.g. "discord:dm:42"). Used by the
// heartbeat runner, cron jobs and the restart wake path.
func (h *Hub) Deliver(target, text string) error {
	name, sub, ok := strings.Cut(target, ":")
	if !ok {
		return fmt.Errorf("invalid delivery target %q (want adapter:target)", target)
	}
	return h.send(name, sub, Message{Text: text})
}

// Typing shows a thinking indicator on adapters that support one.
func (h *Hub) Typing(channel, target string) {
	h.mu.RLock()
	a, ok := h.adapters[channel]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if ta, ok := a.(TypingAdapter); ok {
		ta.Typing(target)
	}
}

// Ready reports whether every registered adapter is connected. With no
// adapters registered it reports true.
func (h *Hub) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, a := range h.adapters {
		if !a.Health().Connected {
			return false
		}
	}
	return true
}

// HealthReport returns per-adapter health keyed by name.
func (h *Hub) HealthReport() map[string]Health {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]Health, len(h.adapters))
	for name, a := range h.adapters {
		out[name] = a.Health()
	}
	return out
}
