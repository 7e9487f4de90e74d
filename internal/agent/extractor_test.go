package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/attache/internal/worldmodel"
)

type recordingUpdater struct {
	mu      sync.Mutex
	text    string
	applied [][]worldmodel.Update
}

func (r *recordingUpdater) Load() (string, error) { return r.text, nil }

func (r *recordingUpdater) ApplyUpdates(updates []worldmodel.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, updates)
	return nil
}

type recordingTagStore struct {
	mu   sync.Mutex
	tags []string
}

func (r *recordingTagStore) RecentIDs(_ context.Context, _ string, n int) ([]int64, error) {
	return []int64{1, 2}, nil
}

func (r *recordingTagStore) UpdateTags(_ context.Context, _ []int64, tags []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = tags
	return nil
}

func TestExtractor_AppliesUpdatesAndTags(t *testing.T) {
	updater := &recordingUpdater{text: "doc"}
	store := &recordingTagStore{}
	prompt := func(_ context.Context, _ string) (string, error) {
		return "```json\n{\"world_model_updates\":[{\"action\":\"replace\",\"section\":\"Current Task\",\"field\":\"Working on\",\"value\":\"Y\"}],\"tags\":[\"project-x\"],\"archive_note\":\"n\"}\n```", nil
	}

	e := NewExtractor(true, time.Second, prompt, updater, store)
	e.Extract("user msg", "assistant msg", "main:cli:main")

	require.Eventually(t, func() bool {
		updater.mu.Lock()
		defer updater.mu.Unlock()
		return len(updater.applied) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, "Working on", updater.applied[0][0].Field)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.tags) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"project-x"}, store.tags)
}

func TestExtractor_DisabledIsNoop(t *testing.T) {
	called := false
	prompt := func(_ context.Context, _ string) (string, error) {
		called = true
		return "{}", nil
	}
	e := NewExtractor(false, time.Second, prompt, &recordingUpdater{}, &recordingTagStore{})
	e.Extract("u", "a", "k")
	time.Sleep(50 * time.Millisecond)
	assert.False(t, called)
}

func TestExtractor_SwallowsFailures(t *testing.T) {
	updater := &recordingUpdater{text: "doc"}
	prompt := func(_ context.Context, _ string) (string, error) {
		return "", errors.New("llm down")
	}
	e := NewExtractor(true, time.Second, prompt, updater, &recordingTagStore{})

	// Must not panic or block.
	e.Extract("u", "a", "k")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, updater.applied)
}

func TestDirectPrompt_SendsBarePrompt(t *testing.T) {
	var gotModel string
	var gotMessages []Message
	tr := transportFunc(func(_ context.Context, model string, messages []Message, emit func(Event)) error {
		gotModel = model
		gotMessages = messages
		emit(Event{Kind: EventTextDelta, Text: "{}"})
		return nil
	})

	prompt := DirectPrompt(tr, func() string { return "anthropic/primary" })
	text, err := prompt(context.Background(), "extract this")
	require.NoError(t, err)
	assert.Equal(t, "{}", text)
	assert.Equal(t, "anthropic/primary", gotModel)

	// The extraction prompt reaches the model unassembled: one user
	// message, no world-model injection, no buffered turns.
	require.Len(t, gotMessages, 1)
	assert.Equal(t, "user", gotMessages[0].Role)
	assert.Equal(t, "extract this", gotMessages[0].Content)
}

func TestDirectPrompt_DeadlineCancelsCall(t *testing.T) {
	tr := transportFunc(func(ctx context.Context, _ string, _ []Message, _ func(Event)) error {
		<-ctx.Done()
		return ctx.Err()
	})

	prompt := DirectPrompt(tr, func() string { return "m" })
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := prompt(ctx, "x")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

// A slow extraction must not hold up user requests on the queue.
func TestExtractor_DoesNotDelayQueuedRequests(t *testing.T) {
	extractionStarted := make(chan struct{})
	slowPrompt := func(ctx context.Context, _ string) (string, error) {
		close(extractionStarted)
		select {
		case <-time.After(400 * time.Millisecond):
			return "{}", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	e := NewExtractor(true, time.Second, slowPrompt, &recordingUpdater{text: "doc"}, &recordingTagStore{})

	tr := &scriptTransport{byModel: map[string]func([]Message, func(Event)) error{
		"anthropic/primary": echo("hi"),
	}}
	rt := NewBaseRuntime(tr, "anthropic/primary")
	q := startQueue(t, rt, nil)

	e.Extract("u", "a", "main:cli:main")
	select {
	case <-extractionStarted:
	case <-time.After(time.Second):
		t.Fatal("extraction never started")
	}

	start := time.Now()
	_, err := q.Submit(context.Background(), "user message")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 200*time.Millisecond,
		"user request waited behind the extraction call")
}

type transportFunc func(ctx context.Context, model string, messages []Message, emit func(Event)) error

func (f transportFunc) Stream(ctx context.Context, model string, messages []Message, emit func(Event)) error {
	return f(ctx, model, messages, emit)
}

func TestParseExtraction(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"plain json", `{"world_model_updates":[],"tags":[]}`, false},
		{"fenced", "```json\n{\"world_model_updates\":[]}\n```", false},
		{"fenced no lang", "```\n{}\n```", false},
		{"prose", "Sure! Here you go.", true},
		{"missing fields", `{"world_model_updates":[{"action":"add"}]}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseExtraction(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
