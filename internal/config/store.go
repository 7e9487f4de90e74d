package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// File names under the data dir.
const (
	aliasesFile   = "model-aliases.json"
	fallbacksFile = "model-fallbacks.json"
	heartbeatFile = "heartbeat-model.json"
)

type heartbeatModel struct {
	Ref *string `json:"ref"`
}

// Store persists the hot-reloadable model settings as JSON files in the
// data directory. Reads tolerate missing or corrupt files by returning the
// zero value; writes are atomic (tmp + rename).
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a Store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Aliases returns the alias map with lowercase keys.
func (s *Store) Aliases() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw map[string]string
	s.readJSON(aliasesFile, &raw)
	aliases := make(map[string]string, len(raw))
	for k, v := range raw {
		aliases[strings.ToLower(k)] = v
	}
	return aliases
}

// SetAlias stores or overwrites one alias. Names are lowercased on write.
func (s *Store) SetAlias(name, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var aliases map[string]string
	s.readJSON(aliasesFile, &aliases)
	if aliases == nil {
		aliases = map[string]string{}
	}
	aliases[strings.ToLower(name)] = ref
	return s.writeJSON(aliasesFile, aliases)
}

// DeleteAlias removes one alias; removing an absent alias is a no-op.
func (s *Store) DeleteAlias(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var aliases map[string]string
	s.readJSON(aliasesFile, &aliases)
	if aliases == nil {
		return nil
	}
	delete(aliases, strings.ToLower(name))
	return s.writeJSON(aliasesFile, aliases)
}

// ResolveAlias maps a name to its ref, case-insensitively. Resolution is
// non-recursive: the result is returned as stored even if it names another
// alias. Unknown names resolve to themselves.
func (s *Store) ResolveAlias(name string) string {
	if ref, ok := s.Aliases()[strings.ToLower(name)]; ok {
		return ref
	}
	return name
}

// Fallbacks returns the ordered fallback chain.
func (s *Store) Fallbacks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var refs []string
	s.readJSON(fallbacksFile, &refs)
	return refs
}

// SetFallbacks replaces the fallback chain.
func (s *Store) SetFallbacks(refs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if refs == nil {
		refs = []string{}
	}
	return s.writeJSON(fallbacksFile, refs)
}

// HeartbeatModel returns the heartbeat model override, or "" when unset.
func (s *Store) HeartbeatModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hm heartbeatModel
	s.readJSON(heartbeatFile, &hm)
	if hm.Ref == nil {
		return ""
	}
	return *hm.Ref
}

// SetHeartbeatModel sets the override; an empty ref clears it.
func (s *Store) SetHeartbeatModel(ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hm heartbeatModel
	if ref != "" {
		hm.Ref = &ref
	}
	return s.writeJSON(heartbeatFile, hm)
}

// readJSON fills v from the named file. Missing or corrupt files leave v
// at its zero value; corruption is logged, never fatal.
func (s *Store) readJSON(name string, v any) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		slog.Warn("config store: ignoring corrupt file", "file", name, "error", err)
	}
}

func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}
