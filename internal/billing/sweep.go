package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/nimbushost/panel/internal/config"
	"github.com/nimbushost/panel/pkg/events"
	"github.com/nimbushost/panel/pkg/metrics"
	"github.com/nimbushost/panel/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const secondsPerHour = 3600

// SweepSummary describes one execution pass.
type SweepSummary struct {
	Executor        string          `json:"executor"`
	StartedAt       time.Time       `json:"started_at"`
	Duration        time.Duration   `json:"duration"`
	Deferred        bool            `json:"deferred"`
	InstancesSeen   int             `json:"instances_seen"`
	InstancesBilled int             `json:"instances_billed"`
	CyclesFailed    int             `json:"cycles_failed"`
	Skipped         int             `json:"skipped"`
	Errors          int             `json:"errors"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
}

// Engine orchestrates one billing pass: acquire the lease, iterate billable
// instances oldest-watermark-first, compute usage, debit, record outcomes,
// heartbeat. The algorithm is decoupled from scheduling: any timer — the
// embedded ticker, the standalone daemon, a test — invokes RunSweep
// directly.
type Engine struct {
	instances InstanceSource
	states    StateSource
	rates     RateSource
	tracker   CycleTracker
	ledger    Debitor
	leases    *Coordinator
	bus       *events.Bus
	logger    *zap.Logger
	cfg       config.BillingConfig
	now       func() time.Time
}

// NewEngine creates a sweep engine.
func NewEngine(
	instances InstanceSource,
	states StateSource,
	rates RateSource,
	tracker CycleTracker,
	ledger Debitor,
	leases *Coordinator,
	bus *events.Bus,
	logger *zap.Logger,
	cfg config.BillingConfig,
) *Engine {
	return &Engine{
		instances: instances,
		states:    states,
		rates:     rates,
		tracker:   tracker,
		ledger:    ledger,
		leases:    leases,
		bus:       bus,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Start runs the executor's periodic sweep loop until ctx is cancelled. The
// first sweep runs immediately so a freshly started daemon claims the lease
// without waiting a full interval.
func (e *Engine) Start(ctx context.Context, executor string) {
	e.logger.Info("starting sweep loop",
		zap.String("executor", executor),
		zap.Duration("interval", e.cfg.SweepInterval),
	)

	go func() {
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()

		e.runLogged(ctx, executor)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.runLogged(ctx, executor)
			}
		}
	}()
}

func (e *Engine) runLogged(ctx context.Context, executor string) {
	if _, err := e.RunSweep(ctx, executor); err != nil {
		e.logger.Error("sweep failed",
			zap.String("executor", executor),
			zap.Error(err),
		)
	}
}

// RunSweep performs one billing pass as the named executor. Per-instance
// failures are contained; only a lease check or instance listing failure
// aborts the pass, and the next tick recovers automatically.
func (e *Engine) RunSweep(ctx context.Context, executor string) (*SweepSummary, error) {
	start := e.now()
	summary := &SweepSummary{
		Executor:    executor,
		StartedAt:   start,
		TotalAmount: decimal.Zero,
	}

	run, err := e.leases.ShouldRun(ctx, executor)
	if err != nil {
		return nil, err
	}
	if !run {
		summary.Deferred = true
		metrics.SweepSkippedTotal.WithLabelValues(executor).Inc()
		e.logger.Debug("sweep deferred to standalone daemon", zap.String("executor", executor))
		return summary, nil
	}

	// Bound the pass so a large fleet cannot overlap the next tick. A
	// partial pass is safe: no cycle is billed until its debit confirms.
	sweepCtx := ctx
	if e.cfg.SweepDeadline > 0 {
		var cancel context.CancelFunc
		sweepCtx, cancel = context.WithTimeout(ctx, e.cfg.SweepDeadline)
		defer cancel()
	}

	insts, err := e.instances.ListBillable(sweepCtx, e.cfg.MaxInstancesPerSweep)
	if err != nil {
		if hbErr := e.leases.Heartbeat(ctx, executor, models.OutcomeFailure, 0, decimal.Zero); hbErr != nil {
			e.logger.Error("heartbeat failed", zap.String("executor", executor), zap.Error(hbErr))
		}
		metrics.SweepRunsTotal.WithLabelValues(executor, "failure").Inc()
		return nil, err
	}
	summary.InstancesSeen = len(insts)
	metrics.SweepInstancesSeen.WithLabelValues(executor).Set(float64(len(insts)))

	for _, inst := range insts {
		if sweepCtx.Err() != nil {
			e.logger.Warn("sweep deadline reached, remainder picked up next tick",
				zap.String("executor", executor),
				zap.Int("billed_so_far", summary.InstancesBilled),
			)
			break
		}
		e.billInstance(sweepCtx, inst, start, summary)
	}

	summary.Duration = e.now().Sub(start)

	outcome := models.OutcomeSuccess
	if err := e.leases.Heartbeat(ctx, executor, outcome, summary.InstancesBilled, summary.TotalAmount); err != nil {
		e.logger.Error("heartbeat failed", zap.String("executor", executor), zap.Error(err))
	}

	amountUSD, _ := summary.TotalAmount.Float64()
	metrics.ObserveSweep(executor, string(outcome), summary.Duration.Seconds(),
		summary.InstancesBilled, summary.CyclesFailed, amountUSD)

	e.bus.Publish(ctx, events.NewEvent(events.EventSweepCompleted, "", map[string]interface{}{
		"executor":         executor,
		"instances_seen":   summary.InstancesSeen,
		"instances_billed": summary.InstancesBilled,
		"cycles_failed":    summary.CyclesFailed,
		"total_amount":     summary.TotalAmount.String(),
	}))

	e.logger.Info("sweep completed",
		zap.String("executor", executor),
		zap.Int("instances_seen", summary.InstancesSeen),
		zap.Int("instances_billed", summary.InstancesBilled),
		zap.Int("cycles_failed", summary.CyclesFailed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("errors", summary.Errors),
		zap.String("total_amount", summary.TotalAmount.String()),
		zap.Duration("duration", summary.Duration),
	)

	return summary, nil
}

// billInstance attempts one cycle for one instance. Every failure mode is
// contained here so one instance can never abort the sweep for the others.
func (e *Engine) billInstance(ctx context.Context, inst models.Instance, sweepTime time.Time, summary *SweepSummary) {
	log := e.logger.With(
		zap.String("instance_id", inst.ID.String()),
		zap.String("account_id", inst.AccountID.String()),
	)

	state, observedAt, err := e.states.State(ctx, inst)
	if err != nil {
		log.Error("failed to read lifecycle state", zap.Error(err))
		metrics.InstancesSkippedTotal.WithLabelValues("state_unavailable").Inc()
		summary.Errors++
		return
	}

	if !state.Billable() && state != models.StateDeleted {
		// Still provisioning: nothing delivered yet, no cycle.
		metrics.InstancesSkippedTotal.WithLabelValues("not_billable").Inc()
		summary.Skipped++
		return
	}
	if state == models.StateDeleted && inst.DeletedAt == nil {
		// Deletion observed but not yet persisted by the poller; the
		// observation timestamp bounds the final accrual.
		inst.DeletedAt = &observedAt
	}

	period := NextPeriod(inst, sweepTime)
	if !period.End.After(period.Start) {
		// Fully billed, e.g. a deleted instance whose last cycle already
		// reached the deletion timestamp.
		summary.Skipped++
		return
	}

	hours := decimal.NewFromInt(int64(period.End.Sub(period.Start) / time.Second)).
		Div(decimal.NewFromInt(secondsPerHour))
	if hours.LessThan(decimal.NewFromFloat(e.cfg.MinBillableHours)) {
		metrics.InstancesSkippedTotal.WithLabelValues("below_granularity").Inc()
		summary.Skipped++
		return
	}

	rate, err := e.rates.Resolve(ctx, inst)
	if err != nil {
		if errors.Is(err, ErrPlanUnavailable) {
			metrics.InstancesSkippedTotal.WithLabelValues("plan_unavailable").Inc()
		} else {
			log.Error("failed to resolve rate", zap.Error(err))
			metrics.InstancesSkippedTotal.WithLabelValues("rate_error").Inc()
		}
		summary.Errors++
		return
	}

	// Pro-rata to the minor unit, round-half-to-even.
	amount := rate.Mul(hours).RoundBank(2)

	cycle := &models.BillingCycle{
		ID:          uuid.New(),
		InstanceID:  inst.ID,
		AccountID:   inst.AccountID,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		HourlyRate:  rate,
		Amount:      amount,
		Status:      models.CyclePending,
	}
	cycle, err = e.tracker.EnsurePending(ctx, cycle)
	if err != nil {
		log.Error("failed to create pending cycle", zap.Error(err))
		summary.Errors++
		return
	}

	res, err := e.ledger.Debit(ctx, inst.AccountID, cycle.Amount, cycle.ID)
	if err != nil {
		// Transient ledger failure: same handling as insufficient funds —
		// the watermark stays put and the lost time is recovered on the
		// next success.
		log.Error("debit failed", zap.String("cycle_id", cycle.ID.String()), zap.Error(err))
		if mfErr := e.tracker.MarkFailed(ctx, cycle.ID, "ledger_error: "+err.Error()); mfErr != nil {
			log.Error("failed to mark cycle failed", zap.Error(mfErr))
		}
		summary.CyclesFailed++
		return
	}

	if !res.Applied {
		if err := e.tracker.MarkFailed(ctx, cycle.ID, "insufficient_funds"); err != nil {
			log.Error("failed to mark cycle failed", zap.Error(err))
			summary.Errors++
			return
		}
		summary.CyclesFailed++

		// Suspension warning is the notification collaborator's problem;
		// fire and forget.
		e.bus.Publish(ctx, events.NewEvent(events.EventInsufficientFunds, inst.AccountID.String(), map[string]interface{}{
			"instance_id":  inst.ID.String(),
			"cycle_id":     cycle.ID.String(),
			"amount":       cycle.Amount.String(),
			"period_start": cycle.PeriodStart.Format(time.RFC3339),
			"period_end":   cycle.PeriodEnd.Format(time.RFC3339),
		}))
		return
	}

	if err := e.tracker.MarkBilled(ctx, cycle, res.TxnID); err != nil {
		// The debit landed but the cycle is still pending. The cycle ID is
		// the idempotency key, so the next sweep reuses this cycle and the
		// replayed debit is a no-op.
		log.Error("failed to mark cycle billed",
			zap.String("cycle_id", cycle.ID.String()),
			zap.String("txn_id", res.TxnID.String()),
			zap.Error(err),
		)
		summary.Errors++
		return
	}

	summary.InstancesBilled++
	summary.TotalAmount = summary.TotalAmount.Add(cycle.Amount)

	e.bus.Publish(ctx, events.NewEvent(events.EventCycleBilled, inst.AccountID.String(), map[string]interface{}{
		"instance_id": inst.ID.String(),
		"cycle_id":    cycle.ID.String(),
		"amount":      cycle.Amount.String(),
	}))

	log.Debug("billed cycle",
		zap.String("cycle_id", cycle.ID.String()),
		zap.String("amount", cycle.Amount.String()),
		zap.Time("period_start", cycle.PeriodStart),
		zap.Time("period_end", cycle.PeriodEnd),
	)
}
