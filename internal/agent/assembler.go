package agent

import (
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/attache/internal/sessions"
)

// Acknowledgement emitted after the world-model injection so the message
// list keeps strict user/assistant alternation.
const worldModelAck = "Understood. I have my world model loaded."

// WorldModelLoader supplies the current world-model text.
type WorldModelLoader interface {
	Load() (string, error)
}

// Assembler builds the message list for each LLM invocation. It replaces
// whatever scratch history the runtime accumulated; the assembler is the
// source of truth for what the model sees.
type Assembler struct {
	worldModel WorldModelLoader
	buffer     *sessions.Buffer
	logger     *slog.Logger

	mu         sync.Mutex
	sessionKey string
}

// NewAssembler creates an Assembler over the given world model and buffer.
func NewAssembler(wm WorldModelLoader, buffer *sessions.Buffer) *Assembler {
	return &Assembler{worldModel: wm, buffer: buffer, logger: slog.Default()}
}

// SetSession points the assembler at the session whose buffer should back
// the next invocation. An empty key disables assembly.
func (a *Assembler) SetSession(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionKey = key
}

// Session returns the current session key.
func (a *Assembler) Session() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionKey
}

// Transform assembles the outgoing message list:
// world-model injection, ack, buffered session turns in order, then the
// in-flight messages from the runtime scratch (those newer than the
// newest buffered turn, or the last scratch message as a fallback).
// With no session set, the scratch passes through unchanged.
func (a *Assembler) Transform(scratch []Message) []Message {
	a.mu.Lock()
	key := a.sessionKey
	a.mu.Unlock()

	if key == "" {
		return scratch
	}

	wmText, err := a.worldModel.Load()
	if err != nil {
		a.logger.Warn("assembler: world model unavailable", "error", err)
		wmText = ""
	}

	out := []Message{
		{Role: "user", Content: "<world_model>\n" + wmText + "\n</world_model>\n\n" +
			"Use the world model above as background context. Do not echo it back."},
		{Role: "assistant", Content: worldModelAck},
	}

	var newest int64
	for _, t := range a.buffer.Turns(key) {
		out = append(out, Message{Role: t.Role, Content: t.Content, Timestamp: t.Timestamp})
		if t.Timestamp > newest {
			newest = t.Timestamp
		}
	}

	appended := false
	for _, m := range scratch {
		if m.Timestamp > newest {
			out = append(out, m)
			appended = true
		}
	}
	if !appended && len(scratch) > 0 {
		// Never lose the prompt.
		out = append(out, scratch[len(scratch)-1])
	}

	return out
}
