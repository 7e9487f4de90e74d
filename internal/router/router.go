// Package router owns the per-message pipeline: session hydration,
// logging, buffering, in-band commands, queue submission, extraction and
// delivery back to the originating channel.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/attache/internal/agent"
	"github.com/nextlevelbuilder/attache/internal/archive"
	"github.com/nextlevelbuilder/attache/internal/bus"
	"github.com/nextlevelbuilder/attache/internal/sessions"
)

// RestartFunc triggers a gateway restart carrying session context for the
// successor's wake message.
type RestartFunc func(reason, sessionKey, deliveryTarget, replyTo string) error

// TypingFunc shows a thinking indicator on the originating channel while
// a model call is in flight. The channel hub implements this.
type TypingFunc func(channel, target string)

// Router is the session router. One instance serves all channels.
type Router struct {
	log       *sessions.Log
	buffer    *sessions.Buffer
	store     *archive.Store
	queue     *agent.Queue
	assembler *agent.Assembler
	extractor *agent.Extractor
	commands  *CommandHandler
	bus       bus.MessageRouter
	restart   RestartFunc
	typing    TypingFunc
	logger    *slog.Logger
}

// Options carries the router's collaborators.
type Options struct {
	Log       *sessions.Log
	Buffer    *sessions.Buffer
	Archive   *archive.Store
	Queue     *agent.Queue
	Assembler *agent.Assembler
	Extractor *agent.Extractor
	Commands  *CommandHandler
	Bus       bus.MessageRouter
	Restart   RestartFunc
	Typing    TypingFunc
}

// New creates a Router.
func New(opts Options) *Router {
	return &Router{
		log:       opts.Log,
		buffer:    opts.Buffer,
		store:     opts.Archive,
		queue:     opts.Queue,
		assembler: opts.Assembler,
		extractor: opts.Extractor,
		commands:  opts.Commands,
		bus:       opts.Bus,
		restart:   opts.Restart,
		typing:    opts.Typing,
		logger:    slog.Default(),
	}
}

// Run consumes inbound messages until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	for {
		msg, ok := r.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		r.handle(ctx, msg)
	}
}

func (r *Router) handle(ctx context.Context, msg bus.InboundMessage) {
	key, err := sessions.ParseKey(msg.SessionKey)
	if err != nil {
		r.logger.Error("router: rejecting message with bad session key",
			"key", msg.SessionKey, "error", err)
		return
	}

	response, fromCommand := r.process(ctx, msg)
	if response == "" {
		return
	}

	r.bus.PublishOutbound(bus.OutboundMessage{
		Channel: key.Channel,
		Target:  key.Target,
		Text:    response,
		ReplyTo: msg.ReplyTo,
	})

	if !fromCommand {
		r.extractor.Extract(msg.Content, response, msg.SessionKey)
	}
}

// process runs the pipeline for one inbound message and returns the
// response text plus whether it came from an in-band command.
func (r *Router) process(ctx context.Context, msg bus.InboundMessage) (string, bool) {
	r.assembler.SetSession(msg.SessionKey)
	r.Hydrate(ctx, msg.SessionKey)

	userTurn := sessions.Turn{
		Role:       sessions.RoleUser,
		Content:    msg.Content,
		Timestamp:  time.Now().UnixMilli(),
		SessionKey: msg.SessionKey,
	}
	r.record(ctx, msg.SessionKey, userTurn)

	if r.commands.IsRestart(msg.Content) {
		return r.handleRestart(msg), true
	}
	if response, handled := r.commands.Handle(msg.Content); handled {
		r.record(ctx, msg.SessionKey, assistantTurn(msg.SessionKey, response))
		return response, true
	}

	// Commands answered synchronously above; only model calls take long
	// enough to warrant a thinking indicator.
	if r.typing != nil {
		if key, err := sessions.ParseKey(msg.SessionKey); err == nil {
			r.typing(key.Channel, key.Target)
		}
	}

	response, err := r.queue.Submit(ctx, msg.Content)
	if err != nil {
		r.logger.Error("router: queue submit failed", "session", msg.SessionKey, "error", err)
		return "", false
	}
	r.record(ctx, msg.SessionKey, assistantTurn(msg.SessionKey, response))
	return response, false
}

// Hydrate lazily restores a session's buffer from the archive: the newest
// N rows, reversed to chronological order. A non-empty buffer is left
// untouched.
func (r *Router) Hydrate(ctx context.Context, key string) {
	if !r.buffer.IsEmpty(key) {
		return
	}
	recs, err := r.store.GetRecentTurns(ctx, key, r.buffer.MaxTurns())
	if err != nil {
		r.logger.Warn("router: hydration failed", "session", key, "error", err)
		return
	}
	if len(recs) == 0 {
		return
	}
	turns := make([]sessions.Turn, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		turns = append(turns, sessions.Turn{
			Role:      recs[i].Role,
			Content:   recs[i].Content,
			Timestamp: recs[i].Timestamp,
		})
	}
	r.buffer.Restore(key, turns)
	r.logger.Debug("router: session hydrated", "session", key, "turns", len(turns))
}

// RunInSession is the pipeline entry for self-triggered prompts
// (heartbeat, cron wake): same hydration, logging and extraction as an
// inbound message, but the caller owns delivery.
func (r *Router) RunInSession(ctx context.Context, key, prompt string) (string, error) {
	r.assembler.SetSession(key)
	if key != "" {
		r.Hydrate(ctx, key)
		r.record(ctx, key, sessions.Turn{
			Role:       sessions.RoleUser,
			Content:    prompt,
			Timestamp:  time.Now().UnixMilli(),
			SessionKey: key,
		})
	}

	response, err := r.queue.Submit(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("run in session: %w", err)
	}
	if key != "" {
		r.record(ctx, key, assistantTurn(key, response))
		r.extractor.Extract(prompt, response, key)
	}
	return response, nil
}

// record appends a turn to the session log and buffer, archiving any
// turns the buffer evicts.
func (r *Router) record(ctx context.Context, key string, turn sessions.Turn) {
	if err := r.log.Append(key, turn); err != nil {
		r.logger.Error("router: session log append failed", "session", key, "error", err)
	}
	evicted := r.buffer.Append(key, turn)
	if len(evicted) == 0 {
		return
	}
	if err := r.store.Archive(ctx, evicted); err != nil {
		r.logger.Error("router: archiving evictions failed", "session", key, "error", err)
	}
}

func (r *Router) handleRestart(msg bus.InboundMessage) string {
	key, _ := sessions.ParseKey(msg.SessionKey)
	target := key.Channel + ":" + key.Target
	if r.restart == nil {
		return "Restart is not available."
	}
	if err := r.restart("user requested restart", msg.SessionKey, target, msg.ReplyTo); err != nil {
		return "Restart failed: " + err.Error()
	}
	return "Restarting now. Back in a moment."
}

func assistantTurn(key, content string) sessions.Turn {
	return sessions.Turn{
		Role:       sessions.RoleAssistant,
		Content:    content,
		Timestamp:  time.Now().UnixMilli(),
		SessionKey: key,
	}
}
