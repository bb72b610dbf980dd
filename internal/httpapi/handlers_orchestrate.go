package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/llmhive/llmhive/internal/events"
	"github.com/llmhive/llmhive/internal/llmtypes"
	"github.com/llmhive/llmhive/internal/orchestrate"
	"github.com/llmhive/llmhive/internal/providers"
	"github.com/llmhive/llmhive/internal/stats"
	"github.com/llmhive/llmhive/internal/store"
)

type ReasonRequest struct {
	Query            string                `json:"query"`
	TaskCategory     llmtypes.TaskCategory `json:"task_category,omitempty"`
	Mode             llmtypes.Mode         `json:"mode,omitempty"`
	IsMultipleChoice bool                  `json:"is_multiple_choice,omitempty"`
	EnsembleSize     int                   `json:"ensemble_size,omitempty"`
	UseCascade       bool                  `json:"use_cascade,omitempty"`
	EnableRefinement bool                  `json:"enable_refinement,omitempty"`
}

type ReasonResponse struct {
	FinalAnswer      string   `json:"final_answer"`
	ModelsConsidered []string `json:"models_considered"`
	StrategyUsed     string   `json:"strategy_used,omitempty"`
	CascadeUsed      bool     `json:"cascade_used"`
	ConsensusScore   float64  `json:"consensus_score,omitempty"`
	RefinementStatus string   `json:"refinement_status,omitempty"`
}

// ReasonHandler exercises the full orchestrator call graph: the Model
// Selector picks an ensemble, the Reasoning Strategy Controller (or the
// Cascade Router, when use_cascade is set) runs it through the Provider
// Router, the Consensus Manager combines the results, and an optional
// Refinement Loop polishes the combined answer.
func ReasonHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var req ReasonRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Query == "" {
			http.Error(w, "query required", http.StatusBadRequest)
			return
		}
		if req.EnsembleSize < 0 || req.EnsembleSize > 10 {
			http.Error(w, "ensemble_size must be between 0 and 10", http.StatusBadRequest)
			return
		}

		reqCtx := providers.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))

		result, err := d.Orchestrator.Run(reqCtx, orchestrate.Request{
			Query:            req.Query,
			TaskCategory:     req.TaskCategory,
			Mode:             req.Mode,
			IsMultipleChoice: req.IsMultipleChoice,
			EnsembleSize:     req.EnsembleSize,
			UseCascade:       req.UseCascade,
			EnableRefinement: req.EnableRefinement,
		})
		latencyMs := time.Since(start).Milliseconds()
		mode := string(req.Mode)

		if err != nil {
			if d.Metrics != nil {
				d.Metrics.RequestsTotal.WithLabelValues(mode, "", "", "error").Inc()
			}
			if d.Store != nil {
				warnOnErr("log_request", d.Store.LogRequest(r.Context(), store.RequestLog{
					Timestamp:  time.Now().UTC(),
					Mode:       mode,
					LatencyMs:  latencyMs,
					StatusCode: http.StatusBadGateway,
					ErrorClass: "orchestrate_failure",
					RequestID:  middleware.GetReqID(r.Context()),
				}))
			}
			if d.EventBus != nil {
				d.EventBus.Publish(events.Event{
					Type:       events.EventRouteError,
					LatencyMs:  float64(latencyMs),
					ErrorClass: "orchestrate_failure",
					ErrorMsg:   err.Error(),
				})
			}
			if d.Stats != nil {
				d.Stats.Record(stats.Snapshot{LatencyMs: float64(latencyMs), Success: false})
			}
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}

		if d.Metrics != nil {
			d.Metrics.RequestsTotal.WithLabelValues(mode, "", "", "ok").Inc()
			d.Metrics.RequestLatency.WithLabelValues(mode, "", "").Observe(float64(latencyMs))
		}
		if d.Store != nil {
			warnOnErr("log_request", d.Store.LogRequest(r.Context(), store.RequestLog{
				Timestamp:  time.Now().UTC(),
				Mode:       mode,
				LatencyMs:  latencyMs,
				StatusCode: http.StatusOK,
				RequestID:  middleware.GetReqID(r.Context()),
			}))
		}
		if d.EventBus != nil {
			d.EventBus.Publish(events.Event{
				Type:      events.EventRouteSuccess,
				LatencyMs: float64(latencyMs),
			})
		}
		if d.Stats != nil {
			d.Stats.Record(stats.Snapshot{LatencyMs: float64(latencyMs), Success: true})
		}

		resp := ReasonResponse{
			FinalAnswer:      result.FinalAnswer,
			ModelsConsidered: result.ModelsConsidered,
			StrategyUsed:     result.StrategyUsed,
			CascadeUsed:      result.CascadeUsed,
		}
		if result.Consensus != nil {
			resp.ConsensusScore = result.Consensus.Score.Overall
		}
		if result.Refinement != nil {
			resp.RefinementStatus = string(result.Refinement.FinalStatus)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
