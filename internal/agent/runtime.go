// Package agent defines the runtime contract for LLM invocation plus the
// pieces that surround it: the context assembler that owns what the model
// sees, the serialized request queue, and the async world-model extractor.
package agent

import "context"

// Event kinds streamed by a Runtime during a prompt.
const (
	EventTextDelta  = "text_delta"
	EventMessageEnd = "message_end"
	EventToolCall   = "tool_call"
	EventError      = "error"
)

// Event is one item of a prompt's output stream.
type Event struct {
	Kind string
	Text string
	Err  error
}

// Message is one entry of the runtime's scratch history.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// State is the runtime's current model selection.
type State struct {
	Model         string
	ThinkingLevel string
}

// ContextTransformer rewrites the message list immediately before each LLM
// call. The assembler is installed here; whatever it returns is what the
// model sees.
type ContextTransformer func(messages []Message) []Message

// Runtime is the opaque LLM invocation surface. Implementations stream
// events to subscribers; Prompt returns after the stream has ended.
type Runtime interface {
	Prompt(ctx context.Context, text string) error
	Subscribe(cb func(Event)) (unsubscribe func())
	SetModel(ref string)
	SetThinkingLevel(level string)
	ClearMessages()
	Messages() []Message
	State() State
	SetContextTransformer(t ContextTransformer)
}

// Thinking levels accepted by SetThinkingLevel.
var ThinkingLevels = []string{"off", "minimal", "low", "medium", "high", "xhigh"}

// ValidThinkingLevel reports whether level is one of the accepted values.
func ValidThinkingLevel(level string) bool {
	for _, l := range ThinkingLevels {
		if l == level {
			return true
		}
	}
	return false
}
