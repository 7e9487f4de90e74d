package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Transport performs one streaming LLM call. Implementations emit
// EventTextDelta events as text arrives and return when the stream ends;
// BaseRuntime appends the terminal EventMessageEnd itself.
type Transport interface {
	Stream(ctx context.Context, model string, messages []Message, emit func(Event)) error
}

// BaseRuntime is a Runtime backed by a pluggable Transport. It owns the
// scratch message history, the subscriber set, and the pre-call context
// transformer hook.
type BaseRuntime struct {
	transport Transport
	logger    *slog.Logger

	mu          sync.Mutex
	state       State
	messages    []Message
	transformer ContextTransformer
	subscribers map[int]func(Event)
	nextSub     int
}

// NewBaseRuntime creates a runtime with the given transport and initial
// model reference.
func NewBaseRuntime(transport Transport, model string) *BaseRuntime {
	return &BaseRuntime{
		transport:   transport,
		logger:      slog.Default(),
		state:       State{Model: model, ThinkingLevel: "off"},
		subscribers: make(map[int]func(Event)),
	}
}

// Prompt appends the user message, runs the transformer, streams the call
// and appends the assistant reply to the scratch. Errors are also emitted
// as EventError so stream consumers need not watch the return value.
func (r *BaseRuntime) Prompt(ctx context.Context, text string) error {
	r.mu.Lock()
	r.messages = append(r.messages, Message{Role: "user", Content: text, Timestamp: time.Now().UnixMilli()})
	msgs := append([]Message(nil), r.messages...)
	if r.transformer != nil {
		msgs = r.transformer(msgs)
	}
	model := r.state.Model
	r.mu.Unlock()

	var reply string
	emit := func(ev Event) {
		if ev.Kind == EventTextDelta {
			reply += ev.Text
		}
		r.publish(ev)
	}

	if err := r.transport.Stream(ctx, model, msgs, emit); err != nil {
		r.publish(Event{Kind: EventError, Err: err})
		return fmt.Errorf("prompt: %w", err)
	}

	r.mu.Lock()
	r.messages = append(r.messages, Message{Role: "assistant", Content: reply, Timestamp: time.Now().UnixMilli()})
	r.mu.Unlock()

	r.publish(Event{Kind: EventMessageEnd, Text: reply})
	return nil
}

// Subscribe registers a stream callback and returns its removal func.
func (r *BaseRuntime) Subscribe(cb func(Event)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = cb
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
}

func (r *BaseRuntime) publish(ev Event) {
	r.mu.Lock()
	cbs := make([]func(Event), 0, len(r.subscribers))
	for _, cb := range r.subscribers {
		cbs = append(cbs, cb)
	}
	r.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// SetModel switches the model for subsequent prompts.
func (r *BaseRuntime) SetModel(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Model = ref
}

// SetThinkingLevel sets the thinking level; invalid levels are ignored
// with a warning.
func (r *BaseRuntime) SetThinkingLevel(level string) {
	if !ValidThinkingLevel(level) {
		r.logger.Warn("runtime: ignoring invalid thinking level", "level", level)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.ThinkingLevel = level
}

// ClearMessages empties the scratch history.
func (r *BaseRuntime) ClearMessages() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}

// Messages returns a copy of the scratch history.
func (r *BaseRuntime) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// State returns the current model selection.
func (r *BaseRuntime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetContextTransformer installs the pre-call message hook.
func (r *BaseRuntime) SetContextTransformer(t ContextTransformer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transformer = t
}
