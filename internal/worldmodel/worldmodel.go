// Package worldmodel owns the persistent markdown document summarizing
// durable facts about the user. The document has a fixed header block and
// a small closed set of "## Section" headings; within a section, lines of
// the form "- Field: value" are field assignments. There is at most one
// line per (section, field).
package worldmodel

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Update actions.
const (
	ActionReplace = "replace"
	ActionAdd     = "add"
	ActionRemove  = "remove"
)

// Update is one structured mutation of the document.
type Update struct {
	Action  string `json:"action"`
	Section string `json:"section"`
	Field   string `json:"field"`
	Value   string `json:"value,omitempty"`
}

// HistoryRecorder receives lines removed from the document so they can be
// retired into the archive's world-model-history table.
type HistoryRecorder func(section, field, value, reason string)

// Sections of the fixed schema, in document order.
var Sections = []string{
	"Identity",
	"Current Task",
	"Active Projects",
	"Key Technical Decisions",
	"Preferences & Patterns",
}

const template = `# World Model

Last updated: %s

## Identity

## Current Task

## Active Projects

## Key Technical Decisions

## Preferences & Patterns
`

var (
	sectionRe = regexp.MustCompile(`^## (.+)$`)
	fieldRe   = regexp.MustCompile(`^\s*- ([^:]+):\s*(.*)$`)
	updatedRe = regexp.MustCompile(`(?m)^Last updated:.*$`)
)

// Model is the single process-wide owner of the world-model file.
type Model struct {
	path    string
	history HistoryRecorder

	mu     sync.Mutex
	cached string
	loaded bool
}

// Option configures a Model.
type Option func(*Model)

// WithHistory wires removed-line recording.
func WithHistory(h HistoryRecorder) Option {
	return func(m *Model) { m.history = h }
}

// New creates a Model for the given file path.
func New(path string, opts ...Option) *Model {
	m := &Model{path: path}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Load returns the current document text, cached after the first read.
// A missing file is instantiated from the built-in template and persisted.
func (m *Model) Load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Model) loadLocked() (string, error) {
	if m.loaded {
		return m.cached, nil
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("read world model: %w", err)
		}
		text := fmt.Sprintf(template, time.Now().UTC().Format(time.RFC3339))
		if err := m.saveLocked(text); err != nil {
			return "", err
		}
		return m.cached, nil
	}
	m.cached = string(data)
	m.loaded = true
	return m.cached, nil
}

// Save atomically persists the document (tmp + rename), rewriting the
// "Last updated:" header to the current timestamp, and updates the cache.
func (m *Model) Save(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(text)
}

func (m *Model) saveLocked(text string) error {
	stamp := "Last updated: " + time.Now().UTC().Format(time.RFC3339)
	if updatedRe.MatchString(text) {
		text = updatedRe.ReplaceAllString(text, stamp)
	} else {
		text = insertStamp(text, stamp)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		return fmt.Errorf("write world model tmp: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename world model: %w", err)
	}

	m.cached = text
	m.loaded = true
	return nil
}

// insertStamp adds a "Last updated:" line to a document that lacks one,
// after the title when the document starts with a "# " heading, else at
// the top.
func insertStamp(text, stamp string) string {
	if strings.HasPrefix(text, "# ") {
		if i := strings.Index(text, "\n"); i >= 0 {
			return text[:i+1] + "\n" + stamp + "\n" + text[i+1:]
		}
		return text + "\n\n" + stamp + "\n"
	}
	return stamp + "\n\n" + text
}

// ReplaceContent wholesale-replaces the document.
func (m *Model) ReplaceContent(text string) error {
	return m.Save(text)
}

// ApplyUpdates parses the document, applies each update in order, rebuilds
// and saves. Unknown sections are skipped with a warning; the schema is
// fixed and sections are never auto-created.
func (m *Model) ApplyUpdates(updates []Update) error {
	if len(updates) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	text, err := m.loadLocked()
	if err != nil {
		return err
	}

	doc := parse(text)
	for _, u := range updates {
		lines, ok := doc.sections[u.Section]
		if !ok {
			slog.Warn("world model update for unknown section skipped",
				"section", u.Section, "field", u.Field, "action", u.Action)
			continue
		}
		doc.sections[u.Section] = applyUpdate(lines, u, m.history)
	}

	return m.saveLocked(doc.render())
}

func applyUpdate(lines []string, u Update, history HistoryRecorder) []string {
	switch u.Action {
	case ActionReplace:
		for i, line := range lines {
			if f, v, ok := parseField(line); ok && f == u.Field {
				if v != u.Value && history != nil {
					history(u.Section, u.Field, v, "replaced")
				}
				lines[i] = fieldLine(u.Field, u.Value)
				return lines
			}
		}
		return append(lines, fieldLine(u.Field, u.Value))

	case ActionAdd:
		return append(lines, fieldLine(u.Field, u.Value))

	case ActionRemove:
		for i, line := range lines {
			if f, v, ok := parseField(line); ok && f == u.Field {
				if history != nil {
					history(u.Section, u.Field, v, "removed")
				}
				return append(lines[:i], lines[i+1:]...)
			}
		}
		return lines

	default:
		slog.Warn("world model update with unknown action skipped", "action", u.Action)
		return lines
	}
}

func fieldLine(field, value string) string {
	return "- " + field + ": " + value
}

func parseField(line string) (field, value string, ok bool) {
	mch := fieldRe.FindStringSubmatch(line)
	if mch == nil {
		return "", "", false
	}
	return strings.TrimSpace(mch[1]), mch[2], true
}

// document is the parsed form: everything before the first "## " heading
// is the header; each section keeps its raw lines.
type document struct {
	header   []string
	order    []string
	sections map[string][]string
}

func parse(text string) *document {
	doc := &document{sections: make(map[string][]string)}
	current := ""
	for _, line := range strings.Split(text, "\n") {
		if mch := sectionRe.FindStringSubmatch(line); mch != nil {
			current = mch[1]
			if _, ok := doc.sections[current]; !ok {
				doc.order = append(doc.order, current)
				doc.sections[current] = nil
			}
			continue
		}
		if current == "" {
			doc.header = append(doc.header, line)
		} else {
			doc.sections[current] = append(doc.sections[current], line)
		}
	}
	return doc
}

func (d *document) render() string {
	var b strings.Builder
	for _, line := range d.header {
		b.WriteString(line)
		b.WriteString("\n")
	}
	for i, name := range d.order {
		b.WriteString("## " + name + "\n")
		lines := trimBlank(d.sections[name])
		for _, line := range lines {
			b.WriteString(line)
			b.WriteString("\n")
		}
		if i < len(d.order)-1 {
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func trimBlank(lines []string) []string {
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return lines[start:end]
}
