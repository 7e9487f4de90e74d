package sessions

// Roles of a conversation turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Turn is one user or assistant message, the atomic unit of history.
// Timestamp is unix milliseconds.
type Turn struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	Timestamp  int64  `json:"timestamp"`
	SessionKey string `json:"sessionKey,omitempty"`
}
