package metric

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryGathers(t *testing.T) {
	r := NewRegistry()
	r.Metrics.RecordScans("probe0", 1500)

	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["spikememory_fetch_scans_total"])
	assert.True(t, names["go_goroutines"], "runtime collectors registered")
}

func TestRecordCycleCountsOverruns(t *testing.T) {
	m := NewMetrics()
	m.RecordCycle(10*time.Millisecond, 50*time.Millisecond)
	m.RecordCycle(80*time.Millisecond, 50*time.Millisecond)
	m.RecordCycle(50*time.Millisecond, 50*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CycleOverruns))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CycleDuration))
}

func TestRecordHelpers(t *testing.T) {
	m := NewMetrics()
	m.RecordSpikes("0", 3)
	m.RecordSpikes("0", 0)
	m.RecordEvent("ch3")
	m.RecordEvent("ch3")
	m.RecordGap("aux")
	m.RecordFetchError("aux")
	m.RecordStreamStatus("aux", 2)
	m.RecordBacklog("probe0", 22500)
	m.RecordProcess(ProcessStats{CPUPercent: 12.5, RSSBytes: 4096})

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Spikes.WithLabelValues("0")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Events.WithLabelValues("ch3")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Gaps.WithLabelValues("aux")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchErrors.WithLabelValues("aux")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StreamStatus.WithLabelValues("aux")))
	assert.Equal(t, 22500.0, testutil.ToFloat64(m.Backlog.WithLabelValues("probe0")))
	assert.Equal(t, 12.5, testutil.ToFloat64(m.ProcessCPU))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.ProcessRSS))
}

func TestHandlerServesExposition(t *testing.T) {
	r := NewRegistry()
	r.Metrics.RecordGap("probe0")

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, 200, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `spikememory_fetch_gaps_total{stream="probe0"} 1`))
}

func TestProcessSampler(t *testing.T) {
	s, err := NewProcessSampler()
	require.NoError(t, err)

	first, err := s.Sample()
	require.NoError(t, err)
	assert.Greater(t, first.RSSBytes, uint64(0))
	assert.Equal(t, first, s.Last())
}
