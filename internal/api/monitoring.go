package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/atoms-tech/maice/internal/orchestrator"
)

var monitoredAgents = []string{
	orchestrator.AgentClassifier, orchestrator.AgentClarifier, orchestrator.AgentAnswerer,
	orchestrator.AgentObserver, orchestrator.AgentCurriculum, orchestrator.AgentFreeTalker,
}

type agentStatusOutput struct {
	Body struct {
		Agents []agentStatusDTO `json:"agents"`
	}
}

type agentStatusDTO struct {
	Name         string `json:"agent_name"`
	IsAlive      bool   `json:"is_alive"`
	LastBeat     string `json:"last_update,omitempty"`
	MetricsCount int    `json:"metrics_count"`
}

type agentMetricsInput struct {
	Agent string `path:"agent"`
}

type agentMetricsOutput struct {
	Body struct {
		Agent      string  `json:"agent"`
		Histograms map[string]histogramDTO `json:"histograms"`
	}
}

type histogramDTO struct {
	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

type processingLogsInput struct {
	SessionID int64 `path:"session_id"`
	Limit     int64 `query:"limit" default:"100"`
}

type processingLogsOutput struct {
	Body struct {
		Logs []logDTO `json:"logs"`
	}
}

type logDTO struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
	At      string `json:"at"`
}

type processingSummaryInput struct {
	Hours int `query:"hours" default:"24" minimum:"1" maximum:"168"`
}

type processingSummaryOutput struct {
	Body struct {
		WindowHours    int               `json:"window_hours"`
		ActiveSessions int               `json:"active_sessions"`
		Agents         []agentSummaryDTO `json:"agents"`
	}
}

type agentSummaryDTO struct {
	Agent            string  `json:"agent"`
	Succeeded        float64 `json:"succeeded"`
	Failed           float64 `json:"failed"`
	AvgHandleSeconds float64 `json:"avg_handle_seconds"`
}

type healthDetailOutput struct {
	Body struct {
		Overall string            `json:"overall"`
		Checks  map[string]string `json:"checks"`
	}
}

// mountMonitoring registers the typed /monitoring/* endpoints on a huma
// API bound to the same chi router the rest of the HTTP surface uses.
func (s *Server) mountMonitoring(r chi.Router) {
	cfg := huma.DefaultConfig("MAICE Monitoring API", "1.0.0")
	humaAPI := humachi.New(r, cfg)

	huma.Register(humaAPI, huma.Operation{
		OperationID: "agents-status", Method: http.MethodGet, Path: "/monitoring/agents/status",
	}, func(ctx context.Context, input *struct{}) (*agentStatusOutput, error) {
		statuses, err := s.sidecar.AgentStatuses(ctx, monitoredAgents)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to load agent statuses", err)
		}
		out := &agentStatusOutput{}
		for _, st := range statuses {
			dto := agentStatusDTO{Name: st.Name, IsAlive: st.IsAlive, MetricsCount: st.MetricsCount}
			if !st.LastHeartbeat.IsZero() {
				dto.LastBeat = st.LastHeartbeat.Format("2006-01-02T15:04:05.999999999Z07:00")
			}
			out.Body.Agents = append(out.Body.Agents, dto)
		}
		return out, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "agent-metrics", Method: http.MethodGet, Path: "/monitoring/agents/{agent}/metrics",
	}, func(ctx context.Context, input *agentMetricsInput) (*agentMetricsOutput, error) {
		samples, err := s.sidecar.AgentMetrics(ctx, input.Agent)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to load agent metrics", err)
		}
		names := make(map[string]struct{})
		for _, sm := range samples {
			names[sm.Name] = struct{}{}
		}
		out := &agentMetricsOutput{}
		out.Body.Agent = input.Agent
		out.Body.Histograms = make(map[string]histogramDTO, len(names))
		for name := range names {
			h := s.sidecar.HistogramSnapshot(input.Agent, name)
			out.Body.Histograms[name] = histogramDTO{
				Count: h.Count, Min: h.Min, Max: h.Max, Avg: h.Avg, P50: h.P50, P95: h.P95, P99: h.P99,
			}
		}
		return out, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "processing-logs", Method: http.MethodGet, Path: "/monitoring/processing-logs/{session_id}",
	}, func(ctx context.Context, input *processingLogsInput) (*processingLogsOutput, error) {
		logs, err := s.sidecar.ProcessingLogs(ctx, input.SessionID, input.Limit)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to load processing logs", err)
		}
		out := &processingLogsOutput{}
		for _, l := range logs {
			out.Body.Logs = append(out.Body.Logs, logDTO{Stage: string(l.Stage), Message: l.Message, At: l.At.Format("2006-01-02T15:04:05.999999999Z07:00")})
		}
		return out, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "processing-summary", Method: http.MethodGet, Path: "/monitoring/processing-summary",
	}, func(ctx context.Context, input *processingSummaryInput) (*processingSummaryOutput, error) {
		ids, err := s.sessions.ActiveSessionIDs(ctx)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to load active sessions", err)
		}
		hours := input.Hours
		if hours <= 0 {
			hours = 24
		}
		cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

		out := &processingSummaryOutput{}
		out.Body.WindowHours = hours
		out.Body.ActiveSessions = len(ids)
		for _, agent := range monitoredAgents {
			samples, err := s.sidecar.AgentMetrics(ctx, agent)
			if err != nil {
				continue
			}
			dto := agentSummaryDTO{Agent: agent}
			var latencySum float64
			var latencyCount int
			for _, sample := range samples {
				if sample.ObservedAt.Before(cutoff) {
					continue
				}
				switch sample.Name {
				case "requests_total":
					dto.Succeeded += sample.Value
				case "dispatch_errors":
					dto.Failed += sample.Value
				case "handle_seconds":
					latencySum += sample.Value
					latencyCount++
				}
			}
			if latencyCount > 0 {
				dto.AvgHandleSeconds = latencySum / float64(latencyCount)
			}
			out.Body.Agents = append(out.Body.Agents, dto)
		}
		return out, nil
	})

	huma.Register(humaAPI, huma.Operation{
		OperationID: "health-detailed", Method: http.MethodGet, Path: "/monitoring/health/detailed",
	}, func(ctx context.Context, input *struct{}) (*healthDetailOutput, error) {
		report := s.health.Run(ctx)
		out := &healthDetailOutput{}
		out.Body.Overall = string(report.Overall)
		out.Body.Checks = make(map[string]string, len(report.Checks))
		for name, c := range report.Checks {
			out.Body.Checks[name] = string(c.Status)
		}
		return out, nil
	})
}
