package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/attache/internal/worldmodel"
)

// tagWindow is how many of the session's newest archive rows receive the
// extractor's tags, covering the exchange that was just archived.
const tagWindow = 4

// PromptFunc performs one LLM call and returns the full text.
type PromptFunc func(ctx context.Context, input string) (string, error)

// DirectPrompt returns a PromptFunc that calls the transport itself, off
// the request queue and without the context transformer: the extractor
// must never wait behind user requests, and its prompt must reach the
// model bare. The context deadline propagates into the HTTP call, so an
// expired extraction cancels mid-stream.
func DirectPrompt(transport Transport, model func() string) PromptFunc {
	return func(ctx context.Context, input string) (string, error) {
		var text strings.Builder
		err := transport.Stream(ctx, model(), []Message{
			{Role: "user", Content: input, Timestamp: time.Now().UnixMilli()},
		}, func(ev Event) {
			if ev.Kind == EventTextDelta {
				text.WriteString(ev.Text)
			}
		})
		if err != nil {
			return "", err
		}
		return text.String(), nil
	}
}

// TagStore is the archive slice the extractor needs for tagging.
type TagStore interface {
	RecentIDs(ctx context.Context, sessionKey string, n int) ([]int64, error)
	UpdateTags(ctx context.Context, ids []int64, tags []string) error
}

// WorldModelUpdater applies structured world-model updates.
type WorldModelUpdater interface {
	Load() (string, error)
	ApplyUpdates(updates []worldmodel.Update) error
}

// extraction is the strict JSON shape the model is asked for.
type extraction struct {
	WorldModelUpdates []worldmodel.Update `json:"world_model_updates"`
	Tags              []string            `json:"tags"`
	ArchiveNote       string              `json:"archive_note"`
}

// Extractor distills completed exchanges into world-model updates and
// archive tags. It is fire-and-forget: every failure is swallowed and it
// never blocks user-visible latency.
type Extractor struct {
	enabled    bool
	timeout    time.Duration
	prompt     PromptFunc
	worldModel WorldModelUpdater
	store      TagStore
	logger     *slog.Logger
}

// NewExtractor creates an Extractor. A nil prompt or disabled flag turns
// extraction into a no-op.
func NewExtractor(enabled bool, timeout time.Duration, prompt PromptFunc, wm WorldModelUpdater, store TagStore) *Extractor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Extractor{
		enabled:    enabled,
		timeout:    timeout,
		prompt:     prompt,
		worldModel: wm,
		store:      store,
		logger:     slog.Default(),
	}
}

// Extract launches extraction for one completed exchange and returns
// immediately.
func (e *Extractor) Extract(userMessage, assistantResponse, sessionKey string) {
	if !e.enabled || e.prompt == nil {
		return
	}
	go e.run(userMessage, assistantResponse, sessionKey)
}

func (e *Extractor) run(userMessage, assistantResponse, sessionKey string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("extractor: recovered from panic", "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	wmText, err := e.worldModel.Load()
	if err != nil {
		e.logger.Debug("extractor: world model load failed", "error", err)
		return
	}

	raw, err := e.prompt(ctx, e.buildPrompt(wmText, userMessage, assistantResponse))
	if err != nil {
		e.logger.Debug("extractor: llm call failed", "error", err)
		return
	}

	ext, err := parseExtraction(raw)
	if err != nil {
		e.logger.Debug("extractor: unparseable response", "error", err)
		return
	}

	if len(ext.WorldModelUpdates) > 0 {
		if err := e.worldModel.ApplyUpdates(ext.WorldModelUpdates); err != nil {
			e.logger.Debug("extractor: apply updates failed", "error", err)
		}
	}
	if len(ext.Tags) > 0 && sessionKey != "" {
		e.applyTags(ctx, sessionKey, ext.Tags)
	}
	if ext.ArchiveNote != "" {
		e.logger.Info("extractor: archive note", "session", sessionKey, "note", ext.ArchiveNote)
	}
}

func (e *Extractor) applyTags(ctx context.Context, sessionKey string, tags []string) {
	ids, err := e.store.RecentIDs(ctx, sessionKey, tagWindow)
	if err != nil || len(ids) == 0 {
		return
	}
	if err := e.store.UpdateTags(ctx, ids, tags); err != nil {
		e.logger.Debug("extractor: tag update failed", "error", err)
	}
}

func (e *Extractor) buildPrompt(worldModel, userMessage, assistantResponse string) string {
	return fmt.Sprintf(`You maintain a compact world model about the user. Current document:

<world_model>
%s
</world_model>

Latest exchange:

User: %s
Assistant: %s

Respond with strict JSON only, no prose, shape:
{"world_model_updates": [{"action": "replace|add|remove", "section": "...", "field": "...", "value": "..."}], "tags": ["..."], "archive_note": "..."}

Only record durable facts. Use existing sections only. Keep the document under 800 tokens; prefer replace over add.`,
		worldModel, userMessage, assistantResponse)
}

// parseExtraction strips surrounding code fences, parses the JSON and
// validates every update carries action, section and field.
func parseExtraction(raw string) (*extraction, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}

	var ext extraction
	if err := json.Unmarshal([]byte(text), &ext); err != nil {
		return nil, fmt.Errorf("parse extraction: %w", err)
	}
	for _, u := range ext.WorldModelUpdates {
		if u.Action == "" || u.Section == "" || u.Field == "" {
			return nil, fmt.Errorf("invalid world model update: %+v", u)
		}
	}
	return &ext, nil
}
