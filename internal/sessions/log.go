package sessions

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Log is the append-only per-session audit trail. One file per session at
// sessions/{hex-of-key}.jsonl, one JSON turn per line. No retention limit.
// A session exists iff its file exists and holds at least one valid record.
type Log struct {
	dir string
	mu  sync.Mutex
}

// SessionMeta describes one session file for listing.
type SessionMeta struct {
	Key          string `json:"key"`
	Parsed       Key    `json:"parsed"`
	MessageCount int    `json:"messageCount"`
	LastActivity int64  `json:"lastActivity"` // unix ms of the newest turn
	Path         string `json:"path"`
}

// NewLog creates the sessions directory if missing.
func NewLog(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &Log{dir: dir}, nil
}

func (l *Log) path(key string) string {
	return filepath.Join(l.dir, EncodeKey(key)+".jsonl")
}

// Append writes one turn as a single JSON line. Creates the file on first
// write; migrates a legacy-named file to the hex scheme if one exists.
func (l *Log) Append(key string, turn Turn) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.migrateLegacy(key)

	turn.SessionKey = key
	line, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	f, err := os.OpenFile(l.path(key), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append session log: %w", err)
	}
	return f.Sync()
}

// Read returns all turns in append order. A partial last line (crash during
// append) is ignored.
func (l *Log) Read(key string) ([]Turn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.migrateLegacy(key)

	f, err := os.Open(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	var turns []Turn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var t Turn
		if err := json.Unmarshal([]byte(line), &t); err != nil {
			// Best-effort parse: a torn trailing line is dropped.
			slog.Debug("skipping unparseable session log line", "key", key)
			continue
		}
		turns = append(turns, t)
	}
	if err := scanner.Err(); err != nil {
		return turns, fmt.Errorf("scan session log: %w", err)
	}
	return turns, nil
}

// Exists reports whether the session has a log file with at least one
// valid record.
func (l *Log) Exists(key string) bool {
	turns, err := l.Read(key)
	return err == nil && len(turns) > 0
}

// Clear truncates a session's log file.
func (l *Log) Clear(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := os.Truncate(l.path(key), 0)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("truncate session log: %w", err)
	}
	return nil
}

// List scans the directory and returns metadata for every decodable
// session file. Filenames that don't hex-decode to valid UTF-8 are skipped
// with a warning, never deleted.
func (l *Log) List() ([]SessionMeta, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var metas []SessionMeta
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		stem := strings.TrimSuffix(e.Name(), ".jsonl")
		key, err := DecodeKey(stem)
		if err != nil {
			slog.Warn("skipping undecodable session file", "file", e.Name())
			continue
		}
		parsed, err := ParseKey(key)
		if err != nil {
			slog.Warn("skipping session file with invalid key", "key", key, "error", err)
			continue
		}
		turns, err := l.Read(key)
		if err != nil || len(turns) == 0 {
			continue
		}
		metas = append(metas, SessionMeta{
			Key:          key,
			Parsed:       parsed,
			MessageCount: len(turns),
			LastActivity: turns[len(turns)-1].Timestamp,
			Path:         l.path(key),
		})
	}
	return metas, nil
}

// Count returns the number of listable sessions.
func (l *Log) Count() int {
	metas, err := l.List()
	if err != nil {
		return 0
	}
	return len(metas)
}

// migrateLegacy renames a sanitized-legacy file to the hex scheme when the
// hex one does not exist yet. Caller holds l.mu.
func (l *Log) migrateLegacy(key string) {
	hexPath := l.path(key)
	if _, err := os.Stat(hexPath); err == nil {
		return
	}
	legacyPath := filepath.Join(l.dir, legacyFilename(key)+".jsonl")
	if _, err := os.Stat(legacyPath); err != nil {
		return
	}
	if err := os.Rename(legacyPath, hexPath); err != nil {
		slog.Warn("legacy session file migration failed", "key", key, "error", err)
	} else {
		slog.Info("migrated legacy session file", "key", key)
	}
}
