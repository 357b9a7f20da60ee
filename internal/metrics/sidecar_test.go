package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atoms-tech/maice/internal/domain"
)

func newTestSidecar(t *testing.T) (*Sidecar, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, prometheus.NewRegistry()), rdb
}

func TestIncSetObserveRecordIntoHistogramSnapshot(t *testing.T) {
	s, _ := newTestSidecar(t)

	s.Inc("answerer", "requests_total", 1, nil)
	s.Set("answerer", "queue_depth", 4, nil)
	s.Observe("answerer", "latency_seconds", 0.25, nil)
	s.Observe("answerer", "latency_seconds", 0.75, nil)

	snap := s.HistogramSnapshot("answerer", "latency_seconds")
	assert.Equal(t, int64(2), snap.Count)
	assert.Equal(t, 0.25, snap.Min)
	assert.Equal(t, 0.75, snap.Max)
}

func TestAppendLogAndProcessingLogsRoundTrip(t *testing.T) {
	s, _ := newTestSidecar(t)
	ctx := context.Background()

	require.NoError(t, s.AppendLog(ctx, 7, domain.StageAnswering, "answer streaming started", map[string]interface{}{"chunk": 0}))

	logs, err := s.ProcessingLogs(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "answer streaming started", logs[0].Message)
	assert.Equal(t, domain.StageAnswering, logs[0].Stage)
}

func TestStartHeartbeatThenAgentStatusesReportsAlive(t *testing.T) {
	s, _ := newTestSidecar(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.StartHeartbeat(ctx, "classifier")
	time.Sleep(50 * time.Millisecond)

	statuses, err := s.AgentStatuses(context.Background(), []string{"classifier", "answerer"})
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	byName := make(map[string]domain.AgentStatus)
	for _, st := range statuses {
		byName[st.Name] = st
	}
	assert.True(t, byName["classifier"].IsAlive)
	assert.False(t, byName["answerer"].IsAlive, "an agent that never sent a heartbeat must report dead")
}

func TestFlushWritesBufferedSamplesToSharedStore(t *testing.T) {
	s, _ := newTestSidecar(t)
	ctx := context.Background()

	s.Inc("answerer", "requests_total", 1, nil)
	s.flush(ctx)

	samples, err := s.AgentMetrics(ctx, "answerer")
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, "requests_total", samples[0].Name)
}
