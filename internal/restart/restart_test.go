package restart

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sentinelPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "restart-sentinel.json")
}

func TestConsume_ExactlyOnce(t *testing.T) {
	path := sentinelPath(t)
	m := NewManager(path, []string{"true"})

	require.NoError(t, m.write(Sentinel{Reason: "upgrade", Timestamp: 1}))

	s := m.Consume()
	require.NotNil(t, s)
	assert.Equal(t, "upgrade", s.Reason)

	// File is gone; later calls observe nothing.
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Nil(t, m.Consume())
}

func TestConsume_UnparseableDeletedDefensively(t *testing.T) {
	path := sentinelPath(t)
	m := NewManager(path, nil)

	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	assert.Nil(t, m.Consume())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestTriggerRestart_WritesSentinelBeforeSupervisor(t *testing.T) {
	path := sentinelPath(t)
	m := NewManager(path, []string{"true"})

	require.NoError(t, m.TriggerRestart(Sentinel{
		Reason:         "upgrade",
		SessionKey:     "main:discord:dm:42",
		DeliveryTarget: "discord:dm:42",
	}))

	s := m.Consume()
	require.NotNil(t, s)
	assert.Equal(t, "main:discord:dm:42", s.SessionKey)
	assert.NotZero(t, s.Timestamp)
}

func TestTriggerRestart_SupervisorOutcomes(t *testing.T) {
	path := sentinelPath(t)

	// Clean exit: success.
	assert.NoError(t, NewManager(path, []string{"true"}).TriggerRestart(Sentinel{Reason: "r"}))

	// Failure without stderr: the supervisor may have killed us mid-call.
	assert.NoError(t, NewManager(path, []string{"false"}).TriggerRestart(Sentinel{Reason: "r"}))

	// Failure with stderr: a real error.
	err := NewManager(path, []string{"sh", "-c", "echo boom >&2; exit 1"}).TriggerRestart(Sentinel{Reason: "r"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// No supervisor configured.
	assert.Error(t, NewManager(path, nil).TriggerRestart(Sentinel{Reason: "r"}))
}

type wakeRunner struct {
	response string
	err      error
	gotKey   string
}

func (w *wakeRunner) RunInSession(_ context.Context, key, _ string) (string, error) {
	w.gotKey = key
	return w.response, w.err
}

func TestResume_DeliversWakeMessageAndHydrates(t *testing.T) {
	path := sentinelPath(t)
	m := NewManager(path, nil)
	require.NoError(t, m.write(Sentinel{
		Reason:         "upgrade",
		SessionKey:     "main:discord:dm:42",
		DeliveryTarget: "dm:42",
	}))

	runner := &wakeRunner{response: "I restarted for the upgrade and I'm back."}
	var hydrated string
	var sentTarget, sentText string
	readyCalls := 0

	s := m.Resume(context.Background(), SuccessorOptions{
		Runner: runner,
		ChannelsReady: func() bool {
			readyCalls++
			return readyCalls >= 3
		},
		RawSend: func(target, text string) error {
			sentTarget, sentText = target, text
			return nil
		},
		Hydrate: func(_ context.Context, key string) { hydrated = key },
	})

	require.NotNil(t, s)
	assert.Equal(t, "main:discord:dm:42", runner.gotKey)
	assert.Equal(t, "main:discord:dm:42", hydrated)
	assert.Equal(t, "dm:42", sentTarget)
	assert.Contains(t, sentText, "restarted")
	assert.GreaterOrEqual(t, readyCalls, 3)

	// Sentinel consumed.
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestResume_RawFallbackMentionsReason(t *testing.T) {
	path := sentinelPath(t)
	m := NewManager(path, nil)
	require.NoError(t, m.write(Sentinel{Reason: "upgrade", DeliveryTarget: "dm:42"}))

	var sentText string
	s := m.Resume(context.Background(), SuccessorOptions{
		Runner:        &wakeRunner{err: errors.New("runtime down")},
		ChannelsReady: func() bool { return true },
		RawSend: func(_, text string) error {
			sentText = text
			return nil
		},
	})

	require.NotNil(t, s)
	assert.Contains(t, sentText, "restarted")
	assert.Contains(t, sentText, "upgrade")
}

func TestResume_NoSentinelIsNoop(t *testing.T) {
	m := NewManager(sentinelPath(t), nil)
	assert.Nil(t, m.Resume(context.Background(), SuccessorOptions{}))
}

func TestResume_NoDeliveryTargetSkipsWake(t *testing.T) {
	path := sentinelPath(t)
	m := NewManager(path, nil)
	require.NoError(t, m.write(Sentinel{Reason: "crash recovery"}))

	sent := false
	s := m.Resume(context.Background(), SuccessorOptions{
		RawSend: func(_, _ string) error { sent = true; return nil },
	})
	require.NotNil(t, s)
	assert.False(t, sent)
}
