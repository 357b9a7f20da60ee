// Package metrics implements the MetricsSidecar: a per-process telemetry
// collector embedded in every agent worker. A Prometheus registry holds
// the counters, gauges, and histograms (registered once, recorded via
// small helper methods), alongside two behaviors the agent fleet needs
// beyond plain Prometheus export: a per-session AppendLog broadcast and a
// Redis-backed agent heartbeat.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/atoms-tech/maice/internal/domain"
	"github.com/atoms-tech/maice/internal/logging"
)

const (
	flushInterval     = 5 * time.Second
	heartbeatInterval = 15 * time.Second
	heartbeatTTL      = 60 * time.Second
	// DegradedAfter is the heartbeat-absence threshold after which
	// AgentStatuses reports the agent with IsAlive=false on the next
	// monitoring poll; AgentStatus has no separate degraded state.
	DegradedAfter = 60 * time.Second
)

// LogEvent is one entry appended via AppendLog, persisted to a per-session
// ordered log and broadcast to live viewers.
type LogEvent struct {
	SessionID int64                  `json:"session_id"`
	Stage     domain.Stage           `json:"stage"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	At        time.Time              `json:"at"`
}

// Sidecar is the MetricsSidecar. One Sidecar is shared by every component
// in-process; each agent worker additionally calls StartHeartbeat once.
type Sidecar struct {
	rdb      *redis.Client
	registry *prometheus.Registry
	logger   *logging.Logger

	counters   *prometheus.CounterVec
	gauges     *prometheus.GaugeVec
	histograms *prometheus.HistogramVec

	mu      sync.Mutex
	buffer  []domain.MetricSample

	summariesMu sync.Mutex
	summaries   map[string]*streamingSummary
}

// New constructs a Sidecar backed by rdb for heartbeats, per-session logs,
// and the cross-process metric snapshot keys. Pass an existing Prometheus
// registry so the HTTP layer can expose /monitoring/metrics from the same
// registry this sidecar writes to.
func New(rdb *redis.Client, registry *prometheus.Registry) *Sidecar {
	s := &Sidecar{
		rdb:      rdb,
		registry: registry,
		logger:   logging.GetLogger("metrics"),
		counters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maice", Name: "counter_total", Help: "Generic agent counters.",
		}, []string{"agent", "name"}),
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "maice", Name: "gauge", Help: "Generic agent gauges.",
		}, []string{"agent", "name"}),
		histograms: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "maice", Name: "histogram", Help: "Generic agent histograms.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"agent", "name"}),
	}
	s.summaries = make(map[string]*streamingSummary)
	registry.MustRegister(s.counters, s.gauges, s.histograms)
	return s
}

// Inc increments a named counter for agent by delta. Labels beyond
// {agent, name} are folded into the sample's Labels map for the JSON
// snapshot but collapsed out of the Prometheus vector to keep
// cardinality bounded.
func (s *Sidecar) Inc(agent, name string, delta float64, labels map[string]string) {
	s.counters.WithLabelValues(agent, name).Add(delta)
	s.record(domain.MetricSample{Agent: agent, Kind: domain.MetricCounter, Name: name, Labels: labels, Value: delta, ObservedAt: time.Now()})
}

// Set records a gauge value for agent.
func (s *Sidecar) Set(agent, name string, value float64, labels map[string]string) {
	s.gauges.WithLabelValues(agent, name).Set(value)
	s.record(domain.MetricSample{Agent: agent, Kind: domain.MetricGauge, Name: name, Labels: labels, Value: value, ObservedAt: time.Now()})
}

// Observe records a histogram observation for agent.
func (s *Sidecar) Observe(agent, name string, value float64, labels map[string]string) {
	s.histograms.WithLabelValues(agent, name).Observe(value)
	s.summaryFor(agent, name).observe(value)
	s.record(domain.MetricSample{Agent: agent, Kind: domain.MetricHistogram, Name: name, Labels: labels, Value: value, ObservedAt: time.Now()})
}

func (s *Sidecar) summaryFor(agent, name string) *streamingSummary {
	key := agent + ":" + name
	s.summariesMu.Lock()
	defer s.summariesMu.Unlock()
	sum, ok := s.summaries[key]
	if !ok {
		sum = newStreamingSummary()
		s.summaries[key] = sum
	}
	return sum
}

// HistogramSnapshot returns the count/min/max/avg/p50/p95/p99 summary for
// one agent's named histogram, computed from an in-process streaming
// reservoir rather than Prometheus's fixed bucket boundaries.
func (s *Sidecar) HistogramSnapshot(agent, name string) HistogramSummary {
	return s.summaryFor(agent, name).snapshot()
}

func (s *Sidecar) record(sample domain.MetricSample) {
	s.mu.Lock()
	s.buffer = append(s.buffer, sample)
	s.mu.Unlock()
}

// Registry returns the underlying Prometheus registry for HTTP exposition.
func (s *Sidecar) Registry() *prometheus.Registry { return s.registry }

// Run starts the background flush and must be called once per process;
// it blocks until ctx is cancelled.
func (s *Sidecar) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.flush(context.Background())
			return
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

// flush writes the accumulated local buffer to the shared metrics store
// under maice:metrics:<agent>:<kind>:<name>, so any process can query
// another agent's snapshot.
func (s *Sidecar) flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(batch) == 0 || s.rdb == nil {
		return
	}

	pipe := s.rdb.Pipeline()
	for _, sample := range batch {
		key := fmt.Sprintf("maice:metrics:%s:%s:%s", sample.Agent, sample.Kind, sample.Name)
		data, err := json.Marshal(sample)
		if err != nil {
			continue
		}
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, 999)
		pipe.Expire(ctx, key, 24*time.Hour)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).Warn("metrics: flush to shared store failed")
	}
}

// AppendLog immediately persists a log event to the session's ordered log
// (a capped Redis stream) and broadcasts it so any live monitoring
// viewer sees it with low latency, without waiting for the periodic
// flush.
func (s *Sidecar) AppendLog(ctx context.Context, sessionID int64, stage domain.Stage, message string, fields map[string]interface{}) error {
	event := LogEvent{SessionID: sessionID, Stage: stage, Message: message, Fields: fields, At: time.Now()}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if s.rdb == nil {
		return nil
	}
	logKey := fmt.Sprintf("maice:logs:session_%d", sessionID)
	pipe := s.rdb.Pipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: logKey, MaxLen: 500, Approx: true, Values: map[string]interface{}{"event": data}})
	pipe.Publish(ctx, fmt.Sprintf("maice:coord:session_log_%d", sessionID), data)
	_, err = pipe.Exec(ctx)
	return err
}

// ProcessingLogs returns the ordered log events for a session, most
// recent `limit` entries, for GET /monitoring/processing-logs/{id}.
func (s *Sidecar) ProcessingLogs(ctx context.Context, sessionID int64, limit int64) ([]LogEvent, error) {
	if s.rdb == nil {
		return nil, nil
	}
	logKey := fmt.Sprintf("maice:logs:session_%d", sessionID)
	entries, err := s.rdb.XRevRangeN(ctx, logKey, "+", "-", limit).Result()
	if err != nil {
		return nil, err
	}
	out := make([]LogEvent, 0, len(entries))
	for _, e := range entries {
		raw, _ := e.Values["event"].(string)
		var ev LogEvent
		if json.Unmarshal([]byte(raw), &ev) == nil {
			out = append(out, ev)
		}
	}
	return out, nil
}

// StartHeartbeat publishes a liveness record for agent every 15s with a
// 60s TTL, until ctx is cancelled. One call per agent worker.
func (s *Sidecar) StartHeartbeat(ctx context.Context, agent string) {
	if s.rdb == nil {
		return
	}
	s.beat(ctx, agent)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.beat(ctx, agent)
		}
	}
}

func (s *Sidecar) beat(ctx context.Context, agent string) {
	key := "maice:agent_status:" + agent
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, "agent_name", agent, "last_update", time.Now().Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, heartbeatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).WithField("agent", agent).Warn("metrics: heartbeat write failed")
	}
}

// AgentStatuses returns a liveness record for every requested agent, for
// GET /monitoring/agents/status; an agent with no heartbeat key is
// reported with IsAlive=false.
func (s *Sidecar) AgentStatuses(ctx context.Context, agents []string) ([]domain.AgentStatus, error) {
	out := make([]domain.AgentStatus, 0, len(agents))
	for _, agent := range agents {
		key := "maice:agent_status:" + agent
		count := s.metricKeyCount(ctx, agent)
		vals, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil || len(vals) == 0 {
			out = append(out, domain.AgentStatus{Name: agent, IsAlive: false, MetricsCount: count})
			continue
		}
		lastUpdate, _ := time.Parse(time.RFC3339Nano, vals["last_update"])
		out = append(out, domain.AgentStatus{
			Name:          agent,
			IsAlive:       time.Since(lastUpdate) <= DegradedAfter,
			LastHeartbeat: lastUpdate,
			MetricsCount:  count,
		})
	}
	return out, nil
}

// metricKeyCount counts the distinct metric keys flushed for one agent.
func (s *Sidecar) metricKeyCount(ctx context.Context, agent string) int {
	count := 0
	iter := s.rdb.Scan(ctx, 0, fmt.Sprintf("maice:metrics:%s:*", agent), 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	return count
}

// AgentMetrics returns the MetricSamples already flushed to Redis for one
// agent (the latest 50 per metric key), for
// GET /monitoring/agents/{agent}/metrics. Samples still in the local
// buffer are not included.
func (s *Sidecar) AgentMetrics(ctx context.Context, agent string) ([]domain.MetricSample, error) {
	pattern := fmt.Sprintf("maice:metrics:%s:*", agent)
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	var out []domain.MetricSample
	for _, key := range keys {
		raws, err := s.rdb.LRange(ctx, key, 0, 49).Result()
		if err != nil {
			continue
		}
		for _, raw := range raws {
			var sample domain.MetricSample
			if json.Unmarshal([]byte(raw), &sample) == nil {
				out = append(out, sample)
			}
		}
	}
	return out, nil
}
