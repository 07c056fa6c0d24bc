package alert

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"grid-tracker-go/infrastructure/logger"
)

// recordingChannel 记录收到的告警
type recordingChannel struct {
	name string
	err  error

	mu     sync.Mutex
	alerts []Alert
}

func (c *recordingChannel) Send(a Alert) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func TestSendAlert(t *testing.T) {
	ch := &recordingChannel{name: "rec"}
	m := NewManager([]Channel{ch}, time.Minute)

	require.NoError(t, m.SendWarning("update conflict", map[string]interface{}{"grid_id": "g1"}))
	require.Equal(t, 1, ch.count())
	got := ch.alerts[0]
	assert.Equal(t, LevelWarning, got.Level)
	assert.Equal(t, "g1", got.Fields["grid_id"])
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, []string{"rec"}, m.GetChannels())
}

func TestSendAlertLevels(t *testing.T) {
	ch := &recordingChannel{name: "rec"}
	m := NewManager([]Channel{ch}, time.Minute)

	require.NoError(t, m.SendInfo("a", nil))
	require.NoError(t, m.SendWarning("a", nil))
	require.NoError(t, m.SendError("a", nil))
	require.NoError(t, m.SendCritical("a", nil))

	var levels []string
	for _, a := range ch.alerts {
		levels = append(levels, a.Level)
	}
	assert.Equal(t, []string{LevelInfo, LevelWarning, LevelError, LevelCritical}, levels)
}

func TestThrottlePerGrid(t *testing.T) {
	ch := &recordingChannel{name: "rec"}
	m := NewManager([]Channel{ch}, time.Hour)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.SendWarning("update conflict", map[string]interface{}{"grid_id": "g1"}))
	}
	require.NoError(t, m.SendWarning("update conflict", map[string]interface{}{"grid_id": "g2"}))
	assert.Equal(t, 2, ch.count())

	m.ResetThrottle()
	require.NoError(t, m.SendWarning("update conflict", map[string]interface{}{"grid_id": "g1"}))
	assert.Equal(t, 3, ch.count())
}

func TestThrottlerInterval(t *testing.T) {
	th := NewThrottler(time.Second)
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	th.now = func() time.Time { return now }

	assert.True(t, th.Allow("k"))
	assert.False(t, th.Allow("k"))
	now = now.Add(time.Second)
	assert.True(t, th.Allow("k"))
}

func TestChannelFailures(t *testing.T) {
	bad := &recordingChannel{name: "bad", err: errors.New("down")}
	good := &recordingChannel{name: "good"}

	m := NewManager([]Channel{bad, good}, 0)
	assert.NoError(t, m.SendError("x", nil))
	assert.Equal(t, 1, good.count())

	only := NewManager([]Channel{bad}, 0)
	err := only.SendError("x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel bad")

	only.AddChannel(good)
	assert.NoError(t, only.SendError("y", nil))
}

func TestLogChannel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ch := NewLogChannel("log", logger.Wrap(zap.New(core)))

	require.NoError(t, ch.Send(Alert{Level: LevelCritical, Message: "trade not applied",
		Fields: map[string]interface{}{"grid_id": "g1"}}))
	require.NoError(t, ch.Send(Alert{Level: LevelWarning, Message: "conflict"}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "alert: trade not applied", entries[0].Message)
	assert.Equal(t, "g1", entries[0].ContextMap()["grid_id"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}

func TestWebhookChannel(t *testing.T) {
	var (
		mu   sync.Mutex
		recv []Alert
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		recv = append(recv, a)
		mu.Unlock()
		if a.Level == LevelCritical {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := NewWebhookChannel("hook", srv.URL)
	require.NoError(t, ch.Send(Alert{Level: LevelWarning, Message: "conflict", Timestamp: time.Now()}))
	assert.Error(t, ch.Send(Alert{Level: LevelCritical, Message: "boom"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, recv, 2)
	assert.Equal(t, "conflict", recv[0].Message)
}
