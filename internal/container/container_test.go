package container

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-tracker-go/config"
	"grid-tracker-go/grid"
)

func testConfig() config.AppConfig {
	cfg := config.Default()
	cfg.Log.Level = "error"
	cfg.API.Addr = "127.0.0.1:0"
	cfg.Feed = config.FeedConfig{
		Mode:           config.FeedStatic,
		PollIntervalMs: 20,
		Prices:         map[string]float64{"USDC": 121},
	}
	cfg.Grids = []config.GridSeed{{
		ID: "seed-usdc",
		Config: grid.Config{
			SourceTokenID: "SOL", TargetTokenID: "USDC",
			UpperLimit: 130, LowerLimit: 100, GridCount: 10, QuantityInvested: 1,
		},
	}}
	return cfg
}

func TestContainerLifecycle(t *testing.T) {
	c := NewWithConfig(testConfig(), "")
	require.NoError(t, c.Build())
	require.NoError(t, c.Start(context.Background()))

	ctx := context.Background()
	require.Eventually(t, func() bool {
		g, err := c.Tracker().Get(ctx, "seed-usdc")
		return err == nil && g.CurrentGridIndex != nil && *g.CurrentGridIndex == 7
	}, 2*time.Second, 20*time.Millisecond)

	resp, err := http.Get("http://" + c.APIAddr() + "/api/v1/grids/seed-usdc")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var g grid.Grid
	require.NoError(t, json.Unmarshal(body, &g))
	assert.Equal(t, "USDC", g.TargetTokenID)

	// metrics.addr 为空时 /metrics 挂在 API 上
	resp, err = http.Get("http://" + c.APIAddr() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.NoError(t, c.HealthCheck())
	assert.Error(t, c.Reload())
	require.NoError(t, c.Stop())
}

func TestContainerSeparateMetricsServer(t *testing.T) {
	cfg := testConfig()
	cfg.Feed = config.FeedConfig{Mode: config.FeedNone}
	cfg.Metrics.Addr = "127.0.0.1:0"
	c := NewWithConfig(cfg, "")
	require.NoError(t, c.Build())
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	resp, err := http.Get("http://" + c.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + c.APIAddr() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestContainerHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	write := func(level string, attempts int, extra string) {
		raw := "env: dev\n" +
			"log:\n  level: " + level + "\n  outputs: [stdout]\n  format: json\n" +
			"api:\n  addr: 127.0.0.1:0\n" +
			"tracker:\n  maxAttempts: " + strconv.Itoa(attempts) + "\n  backoffMs: 1\n" +
			extra
		require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))
	}
	write("error", 3, "")

	c, err := New(path)
	require.NoError(t, err)
	require.NoError(t, c.Build())
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	write("debug", 5, "grids:\n  - id: late\n    sourceTokenId: SOL\n    targetTokenId: BONK\n"+
		"    upperLimit: 2\n    lowerLimit: 1\n    gridCount: 4\n    quantityInvested: 1\n")
	require.NoError(t, c.Reload())

	assert.Equal(t, "debug", c.Logger().Level())
	assert.Equal(t, 5, c.Tracker().RetryPolicy().MaxAttempts)
	g, err := c.Tracker().Get(context.Background(), "late")
	require.NoError(t, err)
	assert.Len(t, g.Levels, 5)
}

func TestNewRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("env: dev\nstore:\n  driver: mongo\n"), 0o644))
	_, err := New(path)
	assert.Error(t, err)
}

type stubComponent struct {
	name     string
	startErr error
	started  bool
	stopped  bool
	order    *[]string
}

func (s *stubComponent) Name() string { return s.name }

func (s *stubComponent) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	*s.order = append(*s.order, "start:"+s.name)
	return nil
}

func (s *stubComponent) Stop() error {
	s.stopped = true
	*s.order = append(*s.order, "stop:"+s.name)
	return nil
}

func (s *stubComponent) Health() error {
	if !s.started {
		return errors.New("down")
	}
	return nil
}

func TestLifecycleManager(t *testing.T) {
	var order []string
	a := &stubComponent{name: "a", order: &order}
	b := &stubComponent{name: "b", order: &order}
	m := NewLifecycleManager()
	m.Register(a)
	m.Register(b)

	assert.Error(t, m.CheckHealth())
	require.NoError(t, m.StartAll(context.Background()))
	assert.NoError(t, m.CheckHealth())
	require.NoError(t, m.StopAll())
	assert.Equal(t, []string{"start:a", "start:b", "stop:b", "stop:a"}, order)
}

func TestLifecycleManager_RollsBackOnStartFailure(t *testing.T) {
	var order []string
	a := &stubComponent{name: "a", order: &order}
	b := &stubComponent{name: "b", order: &order, startErr: errors.New("port in use")}
	m := NewLifecycleManager()
	m.Register(a)
	m.Register(b)

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start b")
	assert.True(t, a.stopped)
	assert.False(t, b.stopped)
}

func TestRunnerComponent(t *testing.T) {
	r := &runnerComponent{
		name: "feed",
		run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		logger: nil,
	}
	assert.Error(t, r.Health())
	require.NoError(t, r.Start(context.Background()))
	assert.NoError(t, r.Health())
	require.NoError(t, r.Stop())
	assert.NoError(t, r.Health())
}
