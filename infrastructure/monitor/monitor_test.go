package monitor

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordGridCreated()
	m.RecordPriceUpdate()
	m.RecordPriceUpdate()
	m.RecordTrade("BUY")
	m.RecordConflict()
	m.RecordUpdateFailure()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.gridsCreated))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.priceUpdates))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tradesRecorded.WithLabelValues("BUY")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.tradesRecorded.WithLabelValues("SELL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.updateConflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.updateFailures))
}

func TestGridPositionGauges(t *testing.T) {
	m := New(DefaultConfig())
	idx := 3
	m.UpdateGridPosition("g1", 110, &idx)
	assert.Equal(t, 110.0, testutil.ToFloat64(m.gridPrice.WithLabelValues("g1")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.gridIndex.WithLabelValues("g1")))

	m.UpdateGridPosition("g1", 90, nil)
	assert.Equal(t, -1.0, testutil.ToFloat64(m.gridIndex.WithLabelValues("g1")))

	m.RecordGridDeleted("g1")
	assert.Equal(t, 0, testutil.CollectAndCount(m.gridPrice))
}

func TestHandlerExposesPrivateRegistry(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordTick()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "grid_tracker_ticks_received_total 1")
	assert.NotContains(t, string(body), "go_goroutines")
}
