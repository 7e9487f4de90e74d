// Package heartbeat runs a user-authored instruction file on a fixed
// interval inside the most recent DM session, so the assistant can act
// proactively between messages.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/attache/internal/bus"
	"github.com/nextlevelbuilder/attache/internal/config"
	"github.com/nextlevelbuilder/attache/internal/sessions"
)

// firstTickDelay gives channel adapters time to connect before the first
// heartbeat after startup.
const firstTickDelay = 30 * time.Second

// RunRecord is one line of the heartbeat run log.
type RunRecord struct {
	StartedAt   int64  `json:"startedAt"`
	CompletedAt int64  `json:"completedAt"`
	Success     bool   `json:"success"`
	SessionKey  string `json:"sessionKey,omitempty"`
	Response    string `json:"response,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SessionRunner runs a prompt inside a session (empty key = no session
// context). The router implements this.
type SessionRunner interface {
	RunInSession(ctx context.Context, key, prompt string) (string, error)
}

// Runner owns the heartbeat loop.
type Runner struct {
	cfg      config.HeartbeatConfig
	dir      string // heartbeat data dir: HEARTBEAT.md, runs.jsonl
	loc      *time.Location
	runner   SessionRunner
	store    *config.Store
	log      *sessions.Log
	setModel func(ref string)
	getModel func() string
	deliver  func(target, text string) error
	events   bus.EventPublisher
	logger   *slog.Logger

	mu          sync.Mutex
	cachedInstr string
	hasCache    bool
}

// Options carries the runner's collaborators.
type Options struct {
	Config   config.HeartbeatConfig
	Dir      string
	Location *time.Location
	Runner   SessionRunner
	Store    *config.Store
	Log      *sessions.Log
	SetModel func(ref string)
	GetModel func() string
	Deliver  func(target, text string) error
	Events   bus.EventPublisher
}

// New creates a Runner.
func New(opts Options) (*Runner, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create heartbeat dir: %w", err)
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return &Runner{
		cfg:      opts.Config,
		dir:      opts.Dir,
		loc:      loc,
		runner:   opts.Runner,
		store:    opts.Store,
		log:      opts.Log,
		setModel: opts.SetModel,
		getModel: opts.GetModel,
		deliver:  opts.Deliver,
		events:   opts.Events,
		logger:   slog.Default(),
	}, nil
}

// Start launches the tick loop and the instruction-file watcher. The
// first tick fires after a short delay; subsequent ticks follow the
// configured interval. A failed tick is recorded, never retried.
func (r *Runner) Start(ctx context.Context) {
	if !r.cfg.Enabled {
		r.logger.Info("heartbeat disabled")
		return
	}
	go r.watchInstructions(ctx)
	go func() {
		first := time.NewTimer(firstTickDelay)
		defer first.Stop()
		select {
		case <-ctx.Done():
			return
		case <-first.C:
			r.Tick(ctx)
		}

		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Tick(ctx)
			}
		}
	}()
}

// Tick runs one heartbeat pass.
func (r *Runner) Tick(ctx context.Context) {
	now := time.Now().In(r.loc)
	if !ActiveAt(r.cfg.ActiveStart, r.cfg.ActiveEnd, now) {
		r.logger.Debug("heartbeat: outside active hours", "now", now.Format("15:04"))
		return
	}

	instr := r.instructions()
	if strings.TrimSpace(instr) == "" {
		r.logger.Debug("heartbeat: no instructions, skipping")
		return
	}

	rec := RunRecord{StartedAt: time.Now().UnixMilli(), SessionKey: r.lastDMSession()}

	if override := r.store.HeartbeatModel(); override != "" && r.setModel != nil {
		primary := r.getModel()
		r.setModel(override)
		defer r.setModel(primary)
	}

	response, err := r.runner.RunInSession(ctx, rec.SessionKey, instr)
	rec.CompletedAt = time.Now().UnixMilli()

	switch {
	case err != nil:
		rec.Error = err.Error()
	case strings.TrimSpace(response) == "":
		rec.Error = "empty response"
	default:
		rec.Success = true
		rec.Response = response
		if r.cfg.Delivery != "" && r.deliver != nil {
			if derr := r.deliver(r.cfg.Delivery, response); derr != nil {
				r.logger.Error("heartbeat: delivery failed", "error", derr)
			}
		}
	}

	r.appendRun(rec)
	r.logger.Info("heartbeat: tick completed", "success", rec.Success, "session", rec.SessionKey)
	if r.events != nil {
		r.events.Broadcast(bus.Event{Name: "heartbeat", Payload: map[string]any{
			"success": rec.Success, "sessionKey": rec.SessionKey,
		}})
	}
}

// lastDMSession picks the DM session with the newest activity, or "" when
// none exists yet.
func (r *Runner) lastDMSession() string {
	metas, err := r.log.List()
	if err != nil {
		return ""
	}
	var best string
	var bestActivity int64
	for _, m := range metas {
		if !strings.Contains(m.Key, ":dm:") {
			continue
		}
		if m.LastActivity > bestActivity {
			bestActivity = m.LastActivity
			best = m.Key
		}
	}
	return best
}

// instructions returns the cached instruction text, falling back to a
// direct read when the watcher has not populated the cache.
func (r *Runner) instructions() string {
	r.mu.Lock()
	cached, ok := r.cachedInstr, r.hasCache
	r.mu.Unlock()
	if ok {
		return cached
	}
	data, err := os.ReadFile(r.instructionPath())
	if err != nil {
		return ""
	}
	return string(data)
}

// watchInstructions keeps the instruction cache current so edits apply
// without waiting for the next tick.
func (r *Runner) watchInstructions(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn("heartbeat: instruction watch unavailable", "error", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		r.logger.Warn("heartbeat: instruction watch unavailable", "error", err)
		return
	}
	r.reloadInstructions()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == "HEARTBEAT.md" && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				r.reloadInstructions()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Debug("heartbeat: watch error", "error", err)
		}
	}
}

func (r *Runner) reloadInstructions() {
	data, err := os.ReadFile(r.instructionPath())
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.cachedInstr, r.hasCache = "", true
		return
	}
	r.cachedInstr, r.hasCache = string(data), true
}

// Instructions returns the current instruction text for the API.
func (r *Runner) Instructions() string {
	return r.instructions()
}

// SetInstructions rewrites the instruction file; the watcher refreshes
// the cache.
func (r *Runner) SetInstructions(text string) error {
	tmp := r.instructionPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		return fmt.Errorf("write instructions: %w", err)
	}
	if err := os.Rename(tmp, r.instructionPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename instructions: %w", err)
	}
	r.mu.Lock()
	r.cachedInstr, r.hasCache = text, true
	r.mu.Unlock()
	return nil
}

// Runs returns up to limit newest-first run records.
func (r *Runner) Runs(limit int) ([]RunRecord, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, "runs.jsonl"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read run log: %w", err)
	}
	var recs []RunRecord
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec RunRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// Config returns the runner's static configuration for the API.
func (r *Runner) Config() config.HeartbeatConfig {
	return r.cfg
}

func (r *Runner) appendRun(rec RunRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(r.dir, "runs.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		r.logger.Error("heartbeat: run log open failed", "error", err)
		return
	}
	defer f.Close()
	f.Write(append(data, '\n')) //nolint:errcheck
}

func (r *Runner) instructionPath() string {
	return filepath.Join(r.dir, "HEARTBEAT.md")
}

// ActiveAt implements the active-hours window over "HH:MM" bounds.
// An empty or equal pair means always active; start > end spans midnight.
func ActiveAt(start, end string, now time.Time) bool {
	s, okS := clockMinutes(start)
	e, okE := clockMinutes(end)
	if !okS || !okE || s == e {
		return true
	}
	t := now.Hour()*60 + now.Minute()
	if s < e {
		return s <= t && t < e
	}
	return t >= s || t < e
}

func clockMinutes(v string) (int, bool) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
