package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nimbushost/panel/internal/billing"
	"github.com/nimbushost/panel/pkg/models"
	"go.uber.org/zap"
)

// handleRunSweep triggers one billing pass under the caller-supplied
// executor identity. Used by external process managers and operators; the
// embedded ticker calls the engine directly.
func (g *Gateway) handleRunSweep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Executor string `json:"executor"`
	}
	if r.Body != nil {
		// Empty body is fine, it just means the default identity.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Executor == "" {
		req.Executor = "manual"
	}
	if req.Executor == billing.EmbeddedExecutor {
		g.writeError(w, http.StatusBadRequest, "executor identity 'embedded' is reserved for the in-process scheduler")
		return
	}

	summary, err := g.engine.RunSweep(r.Context(), req.Executor)
	if err != nil {
		g.logger.Error("manual sweep failed",
			zap.String("executor", req.Executor),
			zap.Error(err),
		)
		g.writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}

	g.writeJSON(w, http.StatusOK, summary)
}

type executorStatus struct {
	Executor        string    `json:"executor"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	LastOutcome     string    `json:"last_outcome"`
	InstancesBilled int       `json:"instances_billed"`
	TotalAmount     string    `json:"total_amount"`
}

// handleListExecutors returns the lease records for operational dashboards.
func (g *Gateway) handleListExecutors(w http.ResponseWriter, r *http.Request) {
	records, err := g.leases.List(r.Context())
	if err != nil {
		g.logger.Error("failed to list executors", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to list executors")
		return
	}

	out := make([]executorStatus, 0, len(records))
	for _, rec := range records {
		out = append(out, executorStatus{
			Executor:        rec.Executor,
			LastHeartbeat:   rec.LastHeartbeat,
			LastOutcome:     string(rec.LastOutcome),
			InstancesBilled: rec.InstancesBilled,
			TotalAmount:     rec.TotalAmount.String(),
		})
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{"executors": out})
}

type cycleResponse struct {
	ID          string     `json:"id"`
	PeriodStart time.Time  `json:"period_start"`
	PeriodEnd   time.Time  `json:"period_end"`
	HourlyRate  string     `json:"hourly_rate"`
	Amount      string     `json:"amount"`
	Status      string     `json:"status"`
	LedgerTxnID *uuid.UUID `json:"ledger_txn_id,omitempty"`
	FailReason  string     `json:"fail_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// handleBillingHistory lists an instance's billing cycles, newest first,
// for the invoicing collaborator.
func (g *Gateway) handleBillingHistory(w http.ResponseWriter, r *http.Request) {
	instanceID, err := uuid.Parse(chi.URLParam(r, "instance_id"))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}

	cycles, err := g.history.History(r.Context(), instanceID)
	if err != nil {
		g.logger.Error("failed to load billing history",
			zap.String("instance_id", instanceID.String()),
			zap.Error(err),
		)
		g.writeError(w, http.StatusInternalServerError, "failed to load billing history")
		return
	}

	out := make([]cycleResponse, 0, len(cycles))
	for _, c := range cycles {
		out = append(out, toCycleResponse(c))
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"instance_id": instanceID.String(),
		"cycles":      out,
	})
}

func toCycleResponse(c models.BillingCycle) cycleResponse {
	return cycleResponse{
		ID:          c.ID.String(),
		PeriodStart: c.PeriodStart,
		PeriodEnd:   c.PeriodEnd,
		HourlyRate:  c.HourlyRate.String(),
		Amount:      c.Amount.String(),
		Status:      string(c.Status),
		LedgerTxnID: c.LedgerTxnID,
		FailReason:  c.FailReason,
		CreatedAt:   c.CreatedAt,
	}
}
