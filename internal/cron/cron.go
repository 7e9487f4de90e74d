// Package cron schedules persistent jobs: one-shot instants, fixed
// intervals and standard 5-field cron expressions. Jobs survive restarts
// via jobs.json in the data dir; every execution is appended to a per-job
// run log.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/attache/internal/bus"
)

// Schedule types.
const (
	ScheduleAt    = "at"    // ISO instant, fires once then deactivates
	ScheduleEvery = "every" // duration like "30m", converted to a cron pattern
	ScheduleCron  = "cron"  // standard 5-field expression
)

var everyRe = regexp.MustCompile(`^(\d+)([smhd])$`)

// Job is one persistent scheduled job.
type Job struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ScheduleType string `json:"scheduleType"`
	Schedule     string `json:"schedule"`
	Prompt       string `json:"prompt"`
	Delivery     string `json:"delivery,omitempty"`
	Enabled      bool   `json:"enabled"`
	CreatedAt    int64  `json:"createdAt"`
}

// RunRecord is one line of a job's run log.
type RunRecord struct {
	StartedAt   int64  `json:"startedAt"`
	CompletedAt int64  `json:"completedAt"`
	Success     bool   `json:"success"`
	Response    string `json:"response,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ExecuteFunc runs a job's prompt through the host (which serializes it on
// the request queue) and returns the response text.
type ExecuteFunc func(ctx context.Context, prompt string) (string, error)

// DeliverFunc sends text to a delivery target like "discord:dm:42".
type DeliverFunc func(target, text string) error

// Service owns the schedule loop and the jobs file.
type Service struct {
	dir     string
	loc     *time.Location
	gron    *gronx.Gronx
	execute ExecuteFunc
	deliver DeliverFunc
	events  bus.EventPublisher
	logger  *slog.Logger

	mu      sync.Mutex
	jobs    []Job
	lastRun map[string]string // job id → "2006-01-02 15:04" minute it last fired
}

// Option configures a Service.
type Option func(*Service)

// WithEvents broadcasts a cron event after every run.
func WithEvents(p bus.EventPublisher) Option {
	return func(s *Service) { s.events = p }
}

// New creates a Service rooted at dir (jobs.json plus runs/ live there)
// and loads persisted jobs. A corrupt jobs file is discarded with a
// warning.
func New(dir string, loc *time.Location, execute ExecuteFunc, deliver DeliverFunc, opts ...Option) (*Service, error) {
	if err := os.MkdirAll(filepath.Join(dir, "runs"), 0o755); err != nil {
		return nil, fmt.Errorf("create cron dir: %w", err)
	}
	if loc == nil {
		loc = time.Local
	}
	s := &Service{
		dir:     dir,
		loc:     loc,
		gron:    gronx.New(),
		execute: execute,
		deliver: deliver,
		logger:  slog.Default(),
		lastRun: make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	s.load()
	return s, nil
}

// Start runs the schedule loop until ctx is cancelled. Due checks are
// minute-granular.
func (s *Service) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx, time.Now().In(s.loc))
			}
		}
	}()
}

func (s *Service) tick(ctx context.Context, now time.Time) {
	minute := now.Format("2006-01-02 15:04")

	s.mu.Lock()
	var due []Job
	for _, job := range s.jobs {
		if !job.Enabled || s.lastRun[job.ID] == minute {
			continue
		}
		if s.isDue(job, now) {
			s.lastRun[job.ID] = minute
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		if job.ScheduleType == ScheduleAt {
			s.deactivate(job.ID)
		}
		s.run(ctx, job)
	}
}

func (s *Service) isDue(job Job, now time.Time) bool {
	switch job.ScheduleType {
	case ScheduleAt:
		at, err := time.Parse(time.RFC3339, job.Schedule)
		if err != nil {
			s.logger.Warn("cron: bad at-schedule", "job", job.ID, "schedule", job.Schedule)
			return false
		}
		return !now.Before(at)
	case ScheduleEvery, ScheduleCron:
		expr, err := toCronExpr(job.ScheduleType, job.Schedule)
		if err != nil {
			s.logger.Warn("cron: bad schedule", "job", job.ID, "error", err)
			return false
		}
		due, err := s.gron.IsDue(expr, now)
		if err != nil {
			s.logger.Warn("cron: due check failed", "job", job.ID, "error", err)
			return false
		}
		return due
	default:
		return false
	}
}

// toCronExpr converts a schedule to a cron expression. "every" durations
// are rounded to minutes and clamped to at least one.
func toCronExpr(scheduleType, schedule string) (string, error) {
	switch scheduleType {
	case ScheduleCron:
		return schedule, nil
	case ScheduleEvery:
		m := everyRe.FindStringSubmatch(schedule)
		if m == nil {
			return "", fmt.Errorf("invalid interval %q (want e.g. 30m, 2h)", schedule)
		}
		n, _ := strconv.Atoi(m[1])
		var minutes int
		switch m[2] {
		case "s":
			minutes = (n + 30) / 60
		case "m":
			minutes = n
		case "h":
			minutes = n * 60
		case "d":
			minutes = n * 60 * 24
		}
		if minutes < 1 {
			minutes = 1
		}
		if minutes < 60 {
			return fmt.Sprintf("*/%d * * * *", minutes), nil
		}
		if minutes%(60*24) == 0 {
			return fmt.Sprintf("0 0 */%d * *", minutes/(60*24)), nil
		}
		if minutes%60 == 0 {
			return fmt.Sprintf("0 */%d * * *", minutes/60), nil
		}
		// Intervals like 90m have no fixed cron boundary; firing on the
		// minute remainder would run far too often.
		return "", fmt.Errorf("interval %q does not land on a whole-hour or whole-day boundary; use a cron schedule instead", schedule)
	default:
		return "", fmt.Errorf("schedule type %q has no cron form", scheduleType)
	}
}

// run executes one job, delivers the response and appends a run record.
func (s *Service) run(ctx context.Context, job Job) {
	rec := RunRecord{StartedAt: time.Now().UnixMilli()}

	response, err := s.execute(ctx, job.Prompt)
	rec.CompletedAt = time.Now().UnixMilli()
	if err != nil {
		rec.Error = err.Error()
	} else {
		rec.Success = true
		rec.Response = response
		if job.Delivery != "" && s.deliver != nil {
			if derr := s.deliver(job.Delivery, response); derr != nil {
				s.logger.Error("cron: delivery failed", "job", job.ID, "error", derr)
			}
		}
	}

	s.appendRun(job.ID, rec)
	s.logger.Info("cron: job ran", "job", job.ID, "name", job.Name, "success", rec.Success)
	if s.events != nil {
		s.events.Broadcast(bus.Event{Name: "cron", Payload: map[string]any{
			"jobId": job.ID, "name": job.Name, "success": rec.Success,
		}})
	}
}

// AddJob validates, assigns an id if missing, persists and returns the job.
func (s *Service) AddJob(job Job) (Job, error) {
	if job.Prompt == "" {
		return Job{}, fmt.Errorf("job prompt is required")
	}
	if err := s.validateSchedule(job); err != nil {
		return Job{}, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt == 0 {
		job.CreatedAt = time.Now().UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.ID == job.ID {
			return Job{}, fmt.Errorf("job %s already exists", job.ID)
		}
	}
	s.jobs = append(s.jobs, job)
	if err := s.persistLocked(); err != nil {
		s.jobs = s.jobs[:len(s.jobs)-1]
		return Job{}, err
	}
	return job, nil
}

func (s *Service) validateSchedule(job Job) error {
	switch job.ScheduleType {
	case ScheduleAt:
		if _, err := time.Parse(time.RFC3339, job.Schedule); err != nil {
			return fmt.Errorf("invalid instant %q: %w", job.Schedule, err)
		}
	case ScheduleEvery:
		if _, err := toCronExpr(ScheduleEvery, job.Schedule); err != nil {
			return err
		}
	case ScheduleCron:
		if !s.gron.IsValid(job.Schedule) {
			return fmt.Errorf("invalid cron expression %q", job.Schedule)
		}
	default:
		return fmt.Errorf("unknown schedule type %q", job.ScheduleType)
	}
	return nil
}

// RemoveJob deletes a job and persists.
func (s *Service) RemoveJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, job := range s.jobs {
		if job.ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return s.persistLocked()
		}
	}
	return fmt.Errorf("job %s not found", id)
}

// SetEnabled flips a job's enabled flag and persists.
func (s *Service) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			s.jobs[i].Enabled = enabled
			return s.persistLocked()
		}
	}
	return fmt.Errorf("job %s not found", id)
}

// ListJobs returns a copy of all jobs.
func (s *Service) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Job(nil), s.jobs...)
}

// TriggerJob forces one run outside the schedule.
func (s *Service) TriggerJob(ctx context.Context, id string) error {
	s.mu.Lock()
	var found *Job
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			j := s.jobs[i]
			found = &j
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return fmt.Errorf("job %s not found", id)
	}
	s.run(ctx, *found)
	return nil
}

// Runs returns up to limit newest-first run records for a job.
func (s *Service) Runs(id string, limit int) ([]RunRecord, error) {
	data, err := os.ReadFile(s.runPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read run log: %w", err)
	}

	var recs []RunRecord
	for _, line := range splitLines(data) {
		var rec RunRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	// Newest first.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *Service) deactivate(id string) {
	if err := s.SetEnabled(id, false); err != nil {
		s.logger.Warn("cron: deactivate failed", "job", id, "error", err)
	}
}

func (s *Service) load() {
	data, err := os.ReadFile(s.jobsPath())
	if err != nil {
		return
	}
	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		s.logger.Warn("cron: discarding corrupt jobs file", "error", err)
		return
	}
	s.jobs = jobs
}

func (s *Service) persistLocked() error {
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal jobs: %w", err)
	}
	tmp := s.jobsPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write jobs: %w", err)
	}
	if err := os.Rename(tmp, s.jobsPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename jobs: %w", err)
	}
	return nil
}

func (s *Service) appendRun(id string, rec RunRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	f, err := os.OpenFile(s.runPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Error("cron: run log open failed", "job", id, "error", err)
		return
	}
	defer f.Close()
	f.Write(append(data, '\n')) //nolint:errcheck
}

func (s *Service) jobsPath() string {
	return filepath.Join(s.dir, "jobs.json")
}

func (s *Service) runPath(id string) string {
	return filepath.Join(s.dir, "runs", id+".jsonl")
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
