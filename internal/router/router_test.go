package router

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/attache/internal/agent"
	"github.com/nextlevelbuilder/attache/internal/archive"
	"github.com/nextlevelbuilder/attache/internal/bus"
	"github.com/nextlevelbuilder/attache/internal/config"
	"github.com/nextlevelbuilder/attache/internal/sessions"
	"github.com/nextlevelbuilder/attache/internal/worldmodel"
)

// echoTransport replies "echo: <prompt>" to every call.
type echoTransport struct{}

func (echoTransport) Stream(_ context.Context, _ string, messages []agent.Message, emit func(agent.Event)) error {
	emit(agent.Event{Kind: agent.EventTextDelta, Text: "echo: " + messages[len(messages)-1].Content})
	return nil
}

type fixture struct {
	router  *Router
	bus     *bus.MessageBus
	buffer  *sessions.Buffer
	log     *sessions.Log
	store   *archive.Store
	runtime *agent.BaseRuntime
	typing  *typingRecorder
	cancel  context.CancelFunc
}

type typingRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *typingRecorder) record(channel, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, channel+":"+target)
}

func (r *typingRecorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	log, err := sessions.NewLog(filepath.Join(dir, "sessions"))
	require.NoError(t, err)
	store, err := archive.Open(filepath.Join(dir, "archive.db"))
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { store.Close() })

	cfgStore, err := config.NewStore(dir)
	require.NoError(t, err)

	buffer := sessions.NewBuffer(3)
	wm := worldmodel.New(filepath.Join(dir, "world-model.md"))
	runtime := agent.NewBaseRuntime(echoTransport{}, "anthropic/primary")
	assembler := agent.NewAssembler(wm, buffer)
	runtime.SetContextTransformer(assembler.Transform)

	queue := agent.NewQueue(runtime, cfgStore)
	ctx, cancel := context.WithCancel(context.Background())
	queue.Start(ctx)
	t.Cleanup(func() {
		cancel()
		queue.Wait()
	})

	extractor := agent.NewExtractor(false, time.Second, nil, wm, store)
	mbus := bus.New()
	typing := &typingRecorder{}

	r := New(Options{
		Log:       log,
		Buffer:    buffer,
		Archive:   store,
		Queue:     queue,
		Assembler: assembler,
		Extractor: extractor,
		Commands:  NewCommandHandler(runtime, cfgStore, func() string { return "status" }),
		Bus:       mbus,
		Restart:   nil,
		Typing:    typing.record,
	})
	return &fixture{router: r, bus: mbus, buffer: buffer, log: log, store: store, runtime: runtime, typing: typing, cancel: cancel}
}

func TestRouter_InboundRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.router.Run(ctx)

	f.bus.PublishInbound(bus.InboundMessage{
		SessionKey: "main:cli:main",
		Content:    "hello",
	})

	recvCtx, recvCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer recvCancel()
	m, ok := f.bus.SubscribeOutbound(recvCtx)
	require.True(t, ok, "no outbound message")
	assert.Equal(t, "cli", m.Channel)
	assert.Equal(t, "main", m.Target)
	assert.Equal(t, "echo: hello", m.Text)

	// Both turns logged.
	turns, err := f.log.Read("main:cli:main")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, sessions.RoleUser, turns[0].Role)
	assert.Equal(t, sessions.RoleAssistant, turns[1].Role)
}

func TestRouter_RejectsLegacyKeyForm(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.router.Run(ctx)

	f.bus.PublishInbound(bus.InboundMessage{SessionKey: "agent:main:cli:main", Content: "hello"})

	recvCtx, recvCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer recvCancel()
	_, ok := f.bus.SubscribeOutbound(recvCtx)
	assert.False(t, ok, "legacy-form key must not produce a delivery")
}

func TestRouter_EvictionsReachArchive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := "main:cli:main"

	// Buffer cap 3; six turns force evictions.
	for i := 0; i < 6; i++ {
		f.router.record(ctx, key, sessions.Turn{
			Role: sessions.RoleUser, Content: "turn", Timestamp: int64(i + 1), SessionKey: key,
		})
	}

	recs, err := f.store.GetRecentTurns(ctx, key, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	assert.Len(t, f.buffer.Turns(key), 3)
}

func TestRouter_HydrateRestoresChronologicalOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := "main:discord:dm:42"

	require.NoError(t, f.store.Archive(ctx, []sessions.Turn{
		{SessionKey: key, Role: "user", Content: "old-1", Timestamp: 1},
		{SessionKey: key, Role: "assistant", Content: "old-2", Timestamp: 2},
		{SessionKey: key, Role: "user", Content: "old-3", Timestamp: 3},
	}))

	f.router.Hydrate(ctx, key)

	turns := f.buffer.Turns(key)
	require.Len(t, turns, 3)
	assert.Equal(t, "old-1", turns[0].Content)
	assert.Equal(t, "old-3", turns[2].Content)

	// A second hydrate with a populated buffer is a no-op.
	f.router.Hydrate(ctx, key)
	assert.Len(t, f.buffer.Turns(key), 3)
}

func TestRouter_CommandShortCircuitsQueue(t *testing.T) {
	f := newFixture(t)

	response, fromCommand := f.router.process(context.Background(), bus.InboundMessage{
		SessionKey: "main:cli:main",
		Content:    "/status",
	})
	assert.True(t, fromCommand)
	assert.Equal(t, "status", response)
}

func TestRouter_TypingFiresForModelCalls(t *testing.T) {
	f := newFixture(t)

	_, fromCommand := f.router.process(context.Background(), bus.InboundMessage{
		SessionKey: "main:discord:dm:42",
		Content:    "hello",
	})
	require.False(t, fromCommand)
	assert.Equal(t, []string{"discord:dm:42"}, f.typing.recorded())
}

func TestRouter_TypingSkippedForCommands(t *testing.T) {
	f := newFixture(t)

	_, fromCommand := f.router.process(context.Background(), bus.InboundMessage{
		SessionKey: "main:cli:main",
		Content:    "/status",
	})
	require.True(t, fromCommand)
	assert.Empty(t, f.typing.recorded())
}

func TestRouter_RunInSession(t *testing.T) {
	f := newFixture(t)
	key := "main:discord:dm:42"

	response, err := f.router.RunInSession(context.Background(), key, "heartbeat check")
	require.NoError(t, err)
	assert.Equal(t, "echo: heartbeat check", response)

	turns, err := f.log.Read(key)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestRouter_RestartCommandCarriesSessionContext(t *testing.T) {
	f := newFixture(t)

	var gotKey, gotTarget string
	f.router.restart = func(reason, sessionKey, deliveryTarget, replyTo string) error {
		gotKey = sessionKey
		gotTarget = deliveryTarget
		return nil
	}

	response, fromCommand := f.router.process(context.Background(), bus.InboundMessage{
		SessionKey: "main:discord:dm:42",
		Content:    "restart",
	})
	assert.True(t, fromCommand)
	assert.Contains(t, response, "Restarting")
	assert.Equal(t, "main:discord:dm:42", gotKey)
	assert.Equal(t, "discord:dm:42", gotTarget)
}
