package sessions

import "sync"

// DefaultBufferSize is the per-session turn cap when none is configured.
const DefaultBufferSize = 10

// Buffer holds the last N turns per session in memory for fast context
// assembly. Appends past the cap evict the oldest turns; evicted batches
// are returned oldest-first and are the caller's responsibility to archive.
type Buffer struct {
	maxTurns int
	mu       sync.Mutex
	turns    map[string][]Turn
}

// NewBuffer creates a buffer with the given per-session cap (≤0 uses
// DefaultBufferSize).
func NewBuffer(maxTurns int) *Buffer {
	if maxTurns <= 0 {
		maxTurns = DefaultBufferSize
	}
	return &Buffer{
		maxTurns: maxTurns,
		turns:    make(map[string][]Turn),
	}
}

// MaxTurns returns the per-session cap.
func (b *Buffer) MaxTurns() int { return b.maxTurns }

// Append adds a turn and returns the evicted batch, oldest-first.
// After every append, len(buffer) ≤ maxTurns.
func (b *Buffer) Append(key string, turn Turn) []Turn {
	b.mu.Lock()
	defer b.mu.Unlock()

	turn.SessionKey = key
	buf := append(b.turns[key], turn)

	var evicted []Turn
	if n := len(buf) - b.maxTurns; n > 0 {
		evicted = make([]Turn, n)
		copy(evicted, buf[:n])
		buf = buf[n:]
	}
	b.turns[key] = buf
	return evicted
}

// Turns returns a copy of the buffered turns in chronological order.
func (b *Buffer) Turns(key string) []Turn {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := b.turns[key]
	out := make([]Turn, len(buf))
	copy(out, buf)
	return out
}

// IsEmpty reports whether the session has no buffered turns.
func (b *Buffer) IsEmpty(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.turns[key]) == 0
}

// Restore replaces a session's buffer with the given turns, clamped to the
// last maxTurns. Used for lazy re-hydration from the archive.
func (b *Buffer) Restore(key string, turns []Turn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(turns) > b.maxTurns {
		turns = turns[len(turns)-b.maxTurns:]
	}
	buf := make([]Turn, len(turns))
	copy(buf, turns)
	for i := range buf {
		buf[i].SessionKey = key
	}
	b.turns[key] = buf
}

// Flush removes and returns a session's buffered turns.
func (b *Buffer) Flush(key string) []Turn {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := b.turns[key]
	delete(b.turns, key)
	return buf
}

// FlushAll removes and returns all buffered turns, keyed by session.
// Used at shutdown to drain every buffer into the archive.
func (b *Buffer) FlushAll() map[string][]Turn {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.turns
	b.turns = make(map[string][]Turn)
	return out
}
