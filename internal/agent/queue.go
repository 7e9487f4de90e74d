package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// terminalGrace is how long the worker waits for a terminal stream event
// after Prompt returns before giving up and resolving with what it has.
const terminalGrace = 500 * time.Millisecond

// noResponse is resolved when a prompt produced no text at all.
const noResponse = "(no response)"

// ErrQueueFull is returned when the request backlog is saturated.
var ErrQueueFull = errors.New("request queue full")

// FallbackSource supplies the ordered fallback chain, re-read per request
// so edits apply without restart.
type FallbackSource interface {
	Fallbacks() []string
}

type request struct {
	input  string
	result chan string
}

// Queue serializes all LLM invocations through a single worker: inbound
// messages, heartbeat ticks, cron jobs and the restart wake message all
// pass through here, so at most one call is in flight process-wide.
type Queue struct {
	runtime   Runtime
	fallbacks FallbackSource
	logger    *slog.Logger

	requests chan *request
	active   sync.WaitGroup
}

// NewQueue creates a Queue over the runtime and fallback source.
func NewQueue(runtime Runtime, fallbacks FallbackSource) *Queue {
	return &Queue{
		runtime:   runtime,
		fallbacks: fallbacks,
		logger:    slog.Default(),
		requests:  make(chan *request, 64),
	}
}

// Start runs the worker until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	q.active.Add(1)
	go func() {
		defer q.active.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-q.requests:
				req.result <- q.process(ctx, req.input)
			}
		}
	}()
}

// Wait blocks until the worker has exited.
func (q *Queue) Wait() {
	q.active.Wait()
}

// Pending returns the current backlog size.
func (q *Queue) Pending() int {
	return len(q.requests)
}

// Submit enqueues input and blocks until the response resolves. Every
// outcome resolves to text; the error return covers only cancellation and
// backlog saturation.
func (q *Queue) Submit(ctx context.Context, input string) (string, error) {
	req := &request{input: input, result: make(chan string, 1)}
	select {
	case q.requests <- req:
	default:
		return "", ErrQueueFull
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case text := <-req.result:
		return text, nil
	}
}

// process runs one request through the primary model and, on failure, the
// fallback chain. The primary model is restored and the runtime scratch
// cleared before the next request regardless of outcome.
func (q *Queue) process(ctx context.Context, input string) string {
	primary := q.runtime.State()
	defer func() {
		q.runtime.SetModel(primary.Model)
		q.runtime.ClearMessages()
	}()

	refs := append([]string{primary.Model}, q.fallbacks.Fallbacks()...)
	var primaryErr string
	for i, ref := range refs {
		if i > 0 {
			q.logger.Warn("request queue: falling back", "model", ref, "attempt", i+1)
			q.runtime.SetModel(ref)
		}
		text, errText, ok := q.attempt(ctx, input)
		if ok {
			return text
		}
		if i == 0 {
			primaryErr = errText
		}
	}
	return primaryErr
}

// attempt performs one prompt and collects its stream. ok=false means the
// attempt errored and the caller may fall back; an empty-but-clean stream
// still resolves (with the buffer or a placeholder).
func (q *Queue) attempt(ctx context.Context, input string) (text, errText string, ok bool) {
	var (
		mu       sync.Mutex
		buffer   strings.Builder
		done     = make(chan struct{})
		doneOnce sync.Once
		errCh    = make(chan error, 1)
	)

	unsub := q.runtime.Subscribe(func(ev Event) {
		switch ev.Kind {
		case EventTextDelta:
			mu.Lock()
			buffer.WriteString(ev.Text)
			mu.Unlock()
		case EventMessageEnd:
			mu.Lock()
			hasText := ev.Text != "" || buffer.Len() > 0
			mu.Unlock()
			if hasText {
				doneOnce.Do(func() { close(done) })
			}
		case EventError:
			select {
			case errCh <- ev.Err:
			default:
			}
		}
	})
	defer unsub()

	if err := q.runtime.Prompt(ctx, input); err != nil {
		return "", err.Error(), false
	}
	select {
	case err := <-errCh:
		return "", err.Error(), false
	default:
	}

	select {
	case <-done:
	case err := <-errCh:
		return "", err.Error(), false
	case <-time.After(terminalGrace):
		// No terminal event; resolve with whatever streamed.
	}

	mu.Lock()
	defer mu.Unlock()
	if buffer.Len() == 0 {
		return noResponse, "", true
	}
	return buffer.String(), "", true
}
