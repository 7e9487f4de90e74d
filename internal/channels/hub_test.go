package channels

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/attache/internal/bus"
)

type fakeAdapter struct {
	name      string
	startErr  error
	connected bool

	mu     sync.Mutex
	sent   []string
	typing []string
}

func (f *fakeAdapter) Name() string                  { return f.name }
func (f *fakeAdapter) Start(_ context.Context) error { return f.startErr }
func (f *fakeAdapter) Stop() error                   { return nil }
func (f *fakeAdapter) Health() Health                { return Health{Connected: f.connected} }

func (f *fakeAdapter) Send(target string, msg Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, target+"|"+msg.Text)
	return nil
}

func (f *fakeAdapter) Typing(target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, target)
}

func (f *fakeAdapter) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func TestHub_DispatchRoutesToAdapter(t *testing.T) {
	b := bus.New()
	hub := NewHub(b)
	discord := &fakeAdapter{name: "discord", connected: true}
	hub.Register(discord)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.StartAll(ctx)

	b.PublishOutbound(bus.OutboundMessage{Channel: "discord", Target: "dm:42", Text: "hello"})

	require.Eventually(t, func() bool {
		return len(discord.sentMessages()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "dm:42|hello", discord.sentMessages()[0])
}

func TestHub_StartAllContinuesPastFailingAdapter(t *testing.T) {
	b := bus.New()
	hub := NewHub(b)
	broken := &fakeAdapter{name: "broken", startErr: errors.New("no token")}
	working := &fakeAdapter{name: "working", connected: true}
	hub.Register(broken)
	hub.Register(working)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub.StartAll(ctx)

	b.PublishOutbound(bus.OutboundMessage{Channel: "working", Target: "t", Text: "x"})
	require.Eventually(t, func() bool {
		return len(working.sentMessages()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestHub_DeliverParsesAdapterPrefix(t *testing.T) {
	hub := NewHub(bus.New())
	discord := &fakeAdapter{name: "discord", connected: true}
	hub.Register(discord)

	require.NoError(t, hub.Deliver("discord:dm:42", "wake up"))
	require.Len(t, discord.sentMessages(), 1)
	assert.Equal(t, "dm:42|wake up", discord.sentMessages()[0])

	assert.Error(t, hub.Deliver("notarget", "x"))
	assert.Error(t, hub.Deliver("unknown:dm:1", "x"))
}

func TestHub_Ready(t *testing.T) {
	hub := NewHub(bus.New())
	assert.True(t, hub.Ready(), "no adapters means nothing to wait for")

	a := &fakeAdapter{name: "a", connected: false}
	hub.Register(a)
	assert.False(t, hub.Ready())

	a.connected = true
	assert.True(t, hub.Ready())
}

func TestHub_TypingOnlyReachesTypingAdapters(t *testing.T) {
	hub := NewHub(bus.New())
	a := &fakeAdapter{name: "discord"}
	hub.Register(a)

	hub.Typing("discord", "dm:42")
	hub.Typing("missing", "dm:42")

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Equal(t, []string{"dm:42"}, a.typing)
}

func TestCLIAdapter_PublishesInboundLines(t *testing.T) {
	b := bus.New()
	a := NewCLIAdapter(b)
	a.in = strings.NewReader("hello world\n\n  \nsecond\n")
	var out bytes.Buffer
	a.out = &out

	require.NoError(t, a.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	m1, ok := b.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "main:cli:main", m1.SessionKey)
	assert.Equal(t, "hello world", m1.Content)

	m2, ok := b.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "second", m2.Content)

	require.NoError(t, a.Send("main", Message{Text: "response"}))
	assert.Equal(t, "response\n", out.String())
}
