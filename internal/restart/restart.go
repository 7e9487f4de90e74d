// Package restart carries conversational continuity across process
// generations: an on-disk sentinel written before handing control to the
// external supervisor, and a successor protocol that consumes it and
// announces the restart in the originating session.
package restart

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Successor wait parameters: how long to wait for channel adapters to
// connect before delivering the wake message.
const (
	readyRetries = 20
	readyWait    = 500 * time.Millisecond
)

// Sentinel is the single JSON document passed between generations.
type Sentinel struct {
	Reason         string `json:"reason"`
	Timestamp      int64  `json:"timestamp"`
	SessionKey     string `json:"sessionKey,omitempty"`
	DeliveryTarget string `json:"deliveryTarget,omitempty"`
	ReplyTo        string `json:"replyTo,omitempty"`
}

// SessionRunner runs the wake prompt inside the restored session.
type SessionRunner interface {
	RunInSession(ctx context.Context, key, prompt string) (string, error)
}

// Manager owns the sentinel file and the supervisor invocation.
type Manager struct {
	path       string
	supervisor []string // argv of the external restart command
	logger     *slog.Logger
}

// NewManager creates a Manager. supervisor is the opaque external command
// that replaces this process (e.g. systemctl --user restart attache).
func NewManager(path string, supervisor []string) *Manager {
	return &Manager{path: path, supervisor: supervisor, logger: slog.Default()}
}

// TriggerRestart writes the sentinel atomically, then invokes the
// supervisor. The supervisor kills the current process externally, so a
// spawn failure with empty stderr is treated as success (we were killed
// mid-call); a clean exit is success; anything else is a failure.
func (m *Manager) TriggerRestart(s Sentinel) error {
	if s.Timestamp == 0 {
		s.Timestamp = time.Now().UnixMilli()
	}
	if err := m.write(s); err != nil {
		return err
	}

	if len(m.supervisor) == 0 {
		return fmt.Errorf("no supervisor command configured")
	}
	m.logger.Info("restart: invoking supervisor", "command", strings.Join(m.supervisor, " "), "reason", s.Reason)

	cmd := exec.Command(m.supervisor[0], m.supervisor[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if stderr.Len() == 0 {
		return nil
	}
	return fmt.Errorf("supervisor failed: %w: %s", err, strings.TrimSpace(stderr.String()))
}

func (m *Manager) write(s Sentinel) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sentinel: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write sentinel: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename sentinel: %w", err)
	}
	return nil
}

// Consume reads and deletes the sentinel in one step. An absent file
// returns nil; an unparseable file is deleted defensively and returns nil.
// After Consume returns a value, every later call returns nil.
func (m *Manager) Consume() *Sentinel {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil
	}
	defer os.Remove(m.path)

	var s Sentinel
	if err := json.Unmarshal(data, &s); err != nil {
		m.logger.Warn("restart: discarding unparseable sentinel", "error", err)
		return nil
	}
	return &s
}

// SuccessorOptions carries the collaborators the wake path needs.
type SuccessorOptions struct {
	Runner        SessionRunner
	ChannelsReady func() bool
	RawSend       func(target, text string) error
	Hydrate       func(ctx context.Context, sessionKey string)
}

// Resume consumes any sentinel and, when it carries a delivery target,
// announces the restart in the original session. The session buffer is
// restored first so the wake prompt sees its context. Returns the
// consumed sentinel, or nil when there was none.
func (m *Manager) Resume(ctx context.Context, opts SuccessorOptions) *Sentinel {
	s := m.Consume()
	if s == nil {
		return nil
	}
	m.logger.Info("restart: sentinel consumed", "reason", s.Reason, "session", s.SessionKey)

	if s.DeliveryTarget == "" {
		return s
	}

	if opts.ChannelsReady != nil {
		for i := 0; i < readyRetries && !opts.ChannelsReady(); i++ {
			select {
			case <-ctx.Done():
				return s
			case <-time.After(readyWait):
			}
		}
	}

	if opts.Hydrate != nil && s.SessionKey != "" {
		opts.Hydrate(ctx, s.SessionKey)
	}

	prompt := fmt.Sprintf(
		"You have just restarted (reason: %s). Let the user know you restarted and are back, in one short message.",
		s.Reason)

	if opts.Runner != nil {
		if response, err := opts.Runner.RunInSession(ctx, s.SessionKey, prompt); err == nil && strings.TrimSpace(response) != "" {
			if opts.RawSend != nil {
				if serr := opts.RawSend(s.DeliveryTarget, response); serr == nil {
					return s
				}
			}
		}
	}

	// Raw fallback so the user is never left without the wake message.
	if opts.RawSend != nil {
		text := fmt.Sprintf("I restarted (%s) and I'm back online.", s.Reason)
		if err := opts.RawSend(s.DeliveryTarget, text); err != nil {
			m.logger.Error("restart: wake delivery failed", "target", s.DeliveryTarget, "error", err)
		}
	}
	return s
}
