// Package sessions covers session identity, the append-only session log,
// and the in-memory conversation buffer.
//
// Session keys follow the canonical format:
//
//	{agent}:{channel}:{target}
//
// Where {target} may itself contain colons:
//
//	DM:        main:discord:dm:386246614
//	Channel:   main:discord:channel:99812
//	Email:     main:gmail:alice@example.com
//	CLI:       main:cli:main
//	Voice:     main:voice
//
// Parsing splits on the first two colons only. Keys are the only identity
// for a conversation. The legacy "agent:{id}:..." prefix form is rejected
// at ingress; callers must fail loudly rather than silently remap.
package sessions

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultAgent is the agent component used for all keys built by this
// process. Multi-agent routing is out of scope; the component exists so
// keys stay forward-compatible.
const DefaultAgent = "main"

// ErrLegacyKeyForm is returned for keys using the retired "agent:" prefix
// convention.
var ErrLegacyKeyForm = errors.New("legacy agent:-prefixed session key")

// Key is the parsed form of a session key.
type Key struct {
	Agent   string
	Channel string
	Target  string
}

// String renders the canonical key.
func (k Key) String() string {
	if k.Target == "" {
		return k.Agent + ":" + k.Channel
	}
	return k.Agent + ":" + k.Channel + ":" + k.Target
}

// BuildKey builds the canonical session key for a channel conversation.
func BuildKey(channel, target string) string {
	if target == "" {
		return fmt.Sprintf("%s:%s", DefaultAgent, channel)
	}
	return fmt.Sprintf("%s:%s:%s", DefaultAgent, channel, target)
}

// ParseKey splits a canonical key on its first two colons.
// Returns ErrLegacyKeyForm for "agent:"-prefixed keys so boundary code
// rejects them loudly instead of creating a parallel session namespace.
func ParseKey(key string) (Key, error) {
	if strings.HasPrefix(key, "agent:") {
		return Key{}, fmt.Errorf("%w: %q", ErrLegacyKeyForm, key)
	}
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Key{}, fmt.Errorf("malformed session key %q", key)
	}
	k := Key{Agent: parts[0], Channel: parts[1]}
	if len(parts) == 3 {
		k.Target = parts[2]
	}
	return k, nil
}

// EncodeKey derives the on-disk filename stem for a key: hex of the UTF-8
// bytes. Hex is reversible, so list() can recover the exact key; any lossy
// sanitization causes list-vs-lookup drift.
func EncodeKey(key string) string {
	return hex.EncodeToString([]byte(key))
}

// DecodeKey reverses EncodeKey. Filenames that do not hex-decode to valid
// UTF-8 are rejected; callers skip them when listing, never delete.
func DecodeKey(stem string) (string, error) {
	raw, err := hex.DecodeString(stem)
	if err != nil {
		return "", fmt.Errorf("decode session filename %q: %w", stem, err)
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("session filename %q is not valid UTF-8", stem)
	}
	return string(raw), nil
}

// legacyFilename is the retired lossy scheme (colons replaced with
// underscores). Kept only so Log can migrate old files to the hex scheme.
func legacyFilename(key string) string {
	return strings.ReplaceAll(key, ":", "_")
}
