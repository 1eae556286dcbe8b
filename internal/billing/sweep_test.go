package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nimbushost/panel/internal/config"
	"github.com/nimbushost/panel/pkg/events"
	"github.com/nimbushost/panel/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeFleet is the in-memory instance store. It owns the watermark, like
// the instances table does in production.
type fakeFleet struct {
	mu      sync.Mutex
	insts   map[uuid.UUID]*models.Instance
	listErr error
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{insts: make(map[uuid.UUID]*models.Instance)}
}

func (f *fakeFleet) add(inst *models.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insts[inst.ID] = inst
}

func effectiveWatermark(inst *models.Instance) time.Time {
	if inst.LastBilledAt != nil {
		return *inst.LastBilledAt
	}
	return inst.CreatedAt
}

func (f *fakeFleet) ListBillable(ctx context.Context, limit int) ([]models.Instance, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.Instance
	for _, inst := range f.insts {
		if inst.State == models.StateProvisioning {
			continue
		}
		if inst.DeletedAt != nil && !inst.DeletedAt.After(effectiveWatermark(inst)) {
			continue
		}
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool {
		return effectiveWatermark(&out[i]).Before(effectiveWatermark(&out[j]))
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeFleet) advanceWatermark(id uuid.UUID, to time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst := f.insts[id]
	if inst.LastBilledAt == nil || !inst.LastBilledAt.After(to) {
		t := to
		inst.LastBilledAt = &t
	}
}

// fakeStates serves cached lifecycle observations, with optional overrides
// so a test can make the cache disagree with the instance row.
type fakeStates struct {
	overrides map[uuid.UUID]observation
	errs      map[uuid.UUID]error
}

type observation struct {
	State      models.LifecycleState
	ObservedAt time.Time
}

func newFakeStates() *fakeStates {
	return &fakeStates{
		overrides: make(map[uuid.UUID]observation),
		errs:      make(map[uuid.UUID]error),
	}
}

func (f *fakeStates) State(ctx context.Context, inst models.Instance) (models.LifecycleState, time.Time, error) {
	if err, ok := f.errs[inst.ID]; ok {
		return "", time.Time{}, err
	}
	if obs, ok := f.overrides[inst.ID]; ok {
		return obs.State, obs.ObservedAt, nil
	}
	return inst.State, inst.StateObservedAt, nil
}

// fixedRates resolves every instance to the same rate unless overridden.
type fixedRates struct {
	rate decimal.Decimal
	errs map[uuid.UUID]error
}

func (f *fixedRates) Resolve(ctx context.Context, inst models.Instance) (decimal.Decimal, error) {
	if err, ok := f.errs[inst.ID]; ok {
		return decimal.Zero, err
	}
	return f.rate, nil
}

// memTracker mirrors the pgx tracker's semantics: pending cycles are
// reusable by (instance, period start), MarkBilled advances the watermark
// atomically with the status change.
type memTracker struct {
	mu            sync.Mutex
	fleet         *fakeFleet
	cycles        map[uuid.UUID]*models.BillingCycle
	failMarkBills int
}

func newMemTracker(fleet *fakeFleet) *memTracker {
	return &memTracker{fleet: fleet, cycles: make(map[uuid.UUID]*models.BillingCycle)}
}

func (m *memTracker) EnsurePending(ctx context.Context, cycle *models.BillingCycle) (*models.BillingCycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cycles {
		if c.InstanceID == cycle.InstanceID && c.PeriodStart.Equal(cycle.PeriodStart) && c.Status == models.CyclePending {
			existing := *c
			return &existing, nil
		}
	}
	stored := *cycle
	m.cycles[cycle.ID] = &stored
	out := stored
	return &out, nil
}

func (m *memTracker) MarkBilled(ctx context.Context, cycle *models.BillingCycle, txnID uuid.UUID) error {
	m.mu.Lock()
	if m.failMarkBills > 0 {
		m.failMarkBills--
		m.mu.Unlock()
		return errors.New("storage timeout")
	}
	c := m.cycles[cycle.ID]
	c.Status = models.CycleBilled
	c.LedgerTxnID = &txnID
	m.mu.Unlock()

	m.fleet.advanceWatermark(cycle.InstanceID, cycle.PeriodEnd)
	return nil
}

func (m *memTracker) MarkFailed(ctx context.Context, cycleID uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cycles[cycleID]
	c.Status = models.CycleFailed
	c.FailReason = reason
	return nil
}

func (m *memTracker) byInstance(id uuid.UUID) []models.BillingCycle {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BillingCycle
	for _, c := range m.cycles {
		if c.InstanceID == id {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PeriodStart.Equal(out[j].PeriodStart) {
			return out[i].PeriodStart.Before(out[j].PeriodStart)
		}
		return out[i].PeriodEnd.Before(out[j].PeriodEnd)
	})
	return out
}

// memLedger mirrors the conditional-debit contract including idempotent
// replay by key.
type memLedger struct {
	mu       sync.Mutex
	balances map[uuid.UUID]decimal.Decimal
	byKey    map[uuid.UUID]DebitResult
	applies  int
	errNext  error
}

func newMemLedger() *memLedger {
	return &memLedger{
		balances: make(map[uuid.UUID]decimal.Decimal),
		byKey:    make(map[uuid.UUID]DebitResult),
	}
}

func (m *memLedger) Debit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, key uuid.UUID) (DebitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.errNext != nil {
		err := m.errNext
		m.errNext = nil
		return DebitResult{}, err
	}
	if res, ok := m.byKey[key]; ok {
		return res, nil
	}
	balance := m.balances[accountID]
	if balance.LessThan(amount) {
		return DebitResult{Applied: false}, nil
	}
	balance = balance.Sub(amount)
	m.balances[accountID] = balance
	res := DebitResult{Applied: true, NewBalance: balance, TxnID: uuid.New()}
	m.byKey[key] = res
	m.applies++
	return res, nil
}

// harness wires an engine over the in-memory fakes with a controllable
// clock.
type harness struct {
	fleet   *fakeFleet
	states  *fakeStates
	rates   *fixedRates
	tracker *memTracker
	ledger  *memLedger
	leases  *fakeLeaseStore
	engine  *Engine
	now     time.Time
	cfg     config.BillingConfig
}

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, rate string) *harness {
	t.Helper()
	h := &harness{
		fleet:  newFakeFleet(),
		states: newFakeStates(),
		rates:  &fixedRates{rate: dec(rate), errs: make(map[uuid.UUID]error)},
		leases: newFakeLeaseStore(),
		ledger: newMemLedger(),
		now:    t0,
		cfg: config.BillingConfig{
			SweepInterval:        5 * time.Minute,
			LeaseWindow:          90 * time.Second,
			SweepDeadline:        4 * time.Minute,
			MinBillableHours:     0.01,
			MaxInstancesPerSweep: 500,
		},
	}
	h.tracker = newMemTracker(h.fleet)
	h.rebuild(t)
	return h
}

// rebuild recreates the engine, picking up any cfg changes.
func (h *harness) rebuild(t *testing.T) {
	t.Helper()
	coord := NewCoordinator(h.leases, h.cfg.LeaseWindow, zap.NewNop())
	coord.now = func() time.Time { return h.now }

	h.engine = NewEngine(h.fleet, h.states, h.rates, h.tracker, h.ledger, coord,
		events.NewBus(zap.NewNop()), zap.NewNop(), h.cfg)
	h.engine.now = func() time.Time { return h.now }
}

func (h *harness) addInstance(state models.LifecycleState, created time.Time) *models.Instance {
	inst := &models.Instance{
		ID:              uuid.New(),
		AccountID:       uuid.New(),
		PlanID:          uuid.New(),
		BackupTier:      models.BackupNone,
		State:           state,
		StateObservedAt: created,
		CreatedAt:       created,
	}
	h.fleet.add(inst)
	return inst
}

func (h *harness) fund(accountID uuid.UUID, amount string) {
	h.ledger.mu.Lock()
	defer h.ledger.mu.Unlock()
	h.ledger.balances[accountID] = h.ledger.balances[accountID].Add(dec(amount))
}

func (h *harness) sweep(t *testing.T, executor string) *SweepSummary {
	t.Helper()
	summary, err := h.engine.RunSweep(context.Background(), executor)
	require.NoError(t, err)
	return summary
}

func TestSweepFirstCycle(t *testing.T) {
	// Instance created at T0, hourly rate $0.02, first sweep at T0+3.5h
	// with sufficient balance: one billed cycle of $0.07.
	h := newHarness(t, "0.02")
	inst := h.addInstance(models.StateRunning, t0)
	h.fund(inst.AccountID, "10.00")

	h.now = t0.Add(3*time.Hour + 30*time.Minute)
	summary := h.sweep(t, EmbeddedExecutor)

	require.Equal(t, 1, summary.InstancesBilled)
	require.True(t, summary.TotalAmount.Equal(dec("0.07")), "got %s", summary.TotalAmount)

	cycles := h.tracker.byInstance(inst.ID)
	require.Len(t, cycles, 1)
	require.Equal(t, models.CycleBilled, cycles[0].Status)
	require.True(t, cycles[0].Amount.Equal(dec("0.07")))
	require.Equal(t, t0, cycles[0].PeriodStart)
	require.Equal(t, h.now, cycles[0].PeriodEnd)
	require.NotNil(t, cycles[0].LedgerTxnID)

	require.NotNil(t, inst.LastBilledAt)
	require.Equal(t, h.now, *inst.LastBilledAt)

	// Heartbeat written after the attempt.
	rec, ok := h.leases.records[EmbeddedExecutor]
	require.True(t, ok)
	require.Equal(t, models.OutcomeSuccess, rec.LastOutcome)
	require.Equal(t, 1, rec.InstancesBilled)
}

func TestSweepInsufficientFundsAccumulatesBacklog(t *testing.T) {
	h := newHarness(t, "0.02")
	inst := h.addInstance(models.StateRunning, t0)

	// First sweep at T0+1h with an empty wallet: one failed cycle and an
	// unchanged watermark.
	h.now = t0.Add(time.Hour)
	summary := h.sweep(t, EmbeddedExecutor)
	require.Equal(t, 0, summary.InstancesBilled)
	require.Equal(t, 1, summary.CyclesFailed)
	require.Nil(t, inst.LastBilledAt)

	cycles := h.tracker.byInstance(inst.ID)
	require.Len(t, cycles, 1)
	require.Equal(t, models.CycleFailed, cycles[0].Status)
	require.Equal(t, "insufficient_funds", cycles[0].FailReason)
	require.Equal(t, t0, cycles[0].PeriodStart)

	// Funds arrive; second sweep at T0+2h bills the full backlog, not just
	// the second hour. The failed cycle is retained as an audit record.
	h.fund(inst.AccountID, "5.00")
	h.now = t0.Add(2 * time.Hour)
	summary = h.sweep(t, EmbeddedExecutor)
	require.Equal(t, 1, summary.InstancesBilled)
	require.True(t, summary.TotalAmount.Equal(dec("0.04")), "got %s", summary.TotalAmount)

	cycles = h.tracker.byInstance(inst.ID)
	require.Len(t, cycles, 2)
	require.Equal(t, models.CycleFailed, cycles[0].Status)
	require.Equal(t, models.CycleBilled, cycles[1].Status)
	require.Equal(t, t0, cycles[1].PeriodStart)
	require.Equal(t, h.now, cycles[1].PeriodEnd)
	require.Equal(t, h.now, *inst.LastBilledAt)
}

func TestSweepStoppedStillAccrues(t *testing.T) {
	h := newHarness(t, "0.02")
	inst := h.addInstance(models.StateStopped, t0)
	h.fund(inst.AccountID, "10.00")

	h.now = t0.Add(5 * time.Hour)
	summary := h.sweep(t, EmbeddedExecutor)

	require.Equal(t, 1, summary.InstancesBilled)
	require.True(t, summary.TotalAmount.Equal(dec("0.10")), "got %s", summary.TotalAmount)
}

func TestSweepDeletedAccruesOnlyToDeletion(t *testing.T) {
	h := newHarness(t, "0.02")
	inst := h.addInstance(models.StateDeleted, t0)
	deleted := t0.Add(time.Hour)
	inst.DeletedAt = &deleted
	h.fund(inst.AccountID, "10.00")

	h.now = t0.Add(4 * time.Hour)
	summary := h.sweep(t, EmbeddedExecutor)

	require.Equal(t, 1, summary.InstancesBilled)
	require.True(t, summary.TotalAmount.Equal(dec("0.02")), "got %s", summary.TotalAmount)

	cycles := h.tracker.byInstance(inst.ID)
	require.Len(t, cycles, 1)
	require.Equal(t, deleted, cycles[0].PeriodEnd)

	// Fully billed now: subsequent sweeps create nothing.
	h.now = t0.Add(8 * time.Hour)
	summary = h.sweep(t, EmbeddedExecutor)
	require.Equal(t, 0, summary.InstancesBilled)
	require.Len(t, h.tracker.byInstance(inst.ID), 1)
}

func TestSweepDeletionObservedOnlyInCache(t *testing.T) {
	// The poller has cached the deletion but not yet persisted deleted_at:
	// the observation timestamp bounds the final accrual.
	h := newHarness(t, "0.02")
	inst := h.addInstance(models.StateRunning, t0)
	h.fund(inst.AccountID, "10.00")

	observed := t0.Add(2 * time.Hour)
	h.states.overrides[inst.ID] = observation{State: models.StateDeleted, ObservedAt: observed}

	h.now = t0.Add(3 * time.Hour)
	summary := h.sweep(t, EmbeddedExecutor)

	require.Equal(t, 1, summary.InstancesBilled)
	require.True(t, summary.TotalAmount.Equal(dec("0.04")), "got %s", summary.TotalAmount)
	require.Equal(t, observed, h.tracker.byInstance(inst.ID)[0].PeriodEnd)
}

func TestSweepProvisioningCreatesNoCycle(t *testing.T) {
	h := newHarness(t, "0.02")
	inst := h.addInstance(models.StateRunning, t0)
	h.fund(inst.AccountID, "10.00")
	// The cache is fresher than the row and says it is still provisioning.
	h.states.overrides[inst.ID] = observation{State: models.StateProvisioning, ObservedAt: t0}

	h.now = t0.Add(2 * time.Hour)
	summary := h.sweep(t, EmbeddedExecutor)

	require.Equal(t, 0, summary.InstancesBilled)
	require.Equal(t, 1, summary.Skipped)
	require.Empty(t, h.tracker.byInstance(inst.ID))
}

func TestSweepCyclesContiguous(t *testing.T) {
	// Exactly-once: consecutive successful cycles must tile the timeline
	// with no gaps and no overlaps.
	h := newHarness(t, "0.05")
	inst := h.addInstance(models.StateRunning, t0)
	h.fund(inst.AccountID, "100.00")

	for _, offset := range []time.Duration{time.Hour, 150 * time.Minute, 4 * time.Hour, 399 * time.Minute} {
		h.now = t0.Add(offset)
		h.sweep(t, EmbeddedExecutor)
	}

	cycles := h.tracker.byInstance(inst.ID)
	require.Len(t, cycles, 4)
	require.Equal(t, t0, cycles[0].PeriodStart)
	for i := 1; i < len(cycles); i++ {
		require.Equal(t, cycles[i-1].PeriodEnd, cycles[i].PeriodStart,
			"cycle %d must start where cycle %d ended", i, i-1)
	}
}

func TestSweepCrashBetweenDebitAndMarkBilled(t *testing.T) {
	// The debit lands but marking the cycle billed fails. The pending
	// cycle is reused on the next sweep, the debit replays as a no-op, and
	// the balance moves exactly once.
	h := newHarness(t, "0.02")
	inst := h.addInstance(models.StateRunning, t0)
	h.fund(inst.AccountID, "10.00")
	h.tracker.failMarkBills = 1

	h.now = t0.Add(time.Hour)
	firstEnd := h.now
	summary := h.sweep(t, EmbeddedExecutor)
	require.Equal(t, 0, summary.InstancesBilled)
	require.Equal(t, 1, summary.Errors)
	require.Equal(t, 1, h.ledger.applies)
	require.Nil(t, inst.LastBilledAt)

	cycles := h.tracker.byInstance(inst.ID)
	require.Len(t, cycles, 1)
	require.Equal(t, models.CyclePending, cycles[0].Status)

	h.now = t0.Add(2 * time.Hour)
	summary = h.sweep(t, EmbeddedExecutor)
	require.Equal(t, 1, summary.InstancesBilled)

	// Still exactly one applied debit, and the watermark advanced to the
	// original cycle's period end, not the second sweep time. The
	// remaining hour is the next cycle's problem.
	require.Equal(t, 1, h.ledger.applies)
	require.True(t, h.ledger.balances[inst.AccountID].Equal(dec("9.98")),
		"got %s", h.ledger.balances[inst.AccountID])
	require.Equal(t, firstEnd, *inst.LastBilledAt)

	cycles = h.tracker.byInstance(inst.ID)
	require.Len(t, cycles, 1)
	require.Equal(t, models.CycleBilled, cycles[0].Status)
	require.Equal(t, firstEnd, cycles[0].PeriodEnd)
}

func TestSweepLedgerErrorLeavesWatermark(t *testing.T) {
	h := newHarness(t, "0.02")
	inst := h.addInstance(models.StateRunning, t0)
	h.fund(inst.AccountID, "10.00")
	h.ledger.errNext = errors.New("ledger unavailable")

	h.now = t0.Add(time.Hour)
	summary := h.sweep(t, EmbeddedExecutor)
	require.Equal(t, 1, summary.CyclesFailed)
	require.Nil(t, inst.LastBilledAt)

	// Next sweep recovers the full period.
	h.now = t0.Add(2 * time.Hour)
	summary = h.sweep(t, EmbeddedExecutor)
	require.Equal(t, 1, summary.InstancesBilled)
	require.True(t, summary.TotalAmount.Equal(dec("0.04")), "got %s", summary.TotalAmount)
}

func TestSweepBelowGranularitySkipped(t *testing.T) {
	h := newHarness(t, "0.02")
	inst := h.addInstance(models.StateRunning, t0)
	h.fund(inst.AccountID, "10.00")

	// 20 seconds elapsed, threshold is 0.01h (36s).
	h.now = t0.Add(20 * time.Second)
	summary := h.sweep(t, EmbeddedExecutor)

	require.Equal(t, 0, summary.InstancesBilled)
	require.Equal(t, 1, summary.Skipped)
	require.Empty(t, h.tracker.byInstance(inst.ID))
}

func TestSweepPerInstanceFailureIsContained(t *testing.T) {
	h := newHarness(t, "0.02")
	broken := h.addInstance(models.StateRunning, t0)
	healthy := h.addInstance(models.StateRunning, t0.Add(time.Minute))
	h.fund(broken.AccountID, "10.00")
	h.fund(healthy.AccountID, "10.00")
	h.rates.errs[broken.ID] = ErrPlanUnavailable

	h.now = t0.Add(2 * time.Hour)
	summary := h.sweep(t, EmbeddedExecutor)

	require.Equal(t, 1, summary.InstancesBilled)
	require.Equal(t, 1, summary.Errors)
	require.Empty(t, h.tracker.byInstance(broken.ID))
	require.Len(t, h.tracker.byInstance(healthy.ID), 1)
}

func TestSweepCapsInstancesOldestFirst(t *testing.T) {
	h := newHarness(t, "0.02")
	h.cfg.MaxInstancesPerSweep = 2
	h.rebuild(t)

	oldest := h.addInstance(models.StateRunning, t0)
	middle := h.addInstance(models.StateRunning, t0.Add(time.Hour))
	newest := h.addInstance(models.StateRunning, t0.Add(2*time.Hour))
	for _, inst := range []*models.Instance{oldest, middle, newest} {
		h.fund(inst.AccountID, "10.00")
	}

	h.now = t0.Add(6 * time.Hour)
	summary := h.sweep(t, EmbeddedExecutor)

	require.Equal(t, 2, summary.InstancesBilled)
	require.Len(t, h.tracker.byInstance(oldest.ID), 1)
	require.Len(t, h.tracker.byInstance(middle.ID), 1)
	require.Empty(t, h.tracker.byInstance(newest.ID))

	// The remainder is picked up on the next tick.
	h.now = t0.Add(6*time.Hour + 5*time.Minute)
	h.sweep(t, EmbeddedExecutor)
	require.Len(t, h.tracker.byInstance(newest.ID), 1)
}

func TestEmbeddedPerformsZeroDebitsWhileDaemonLive(t *testing.T) {
	h := newHarness(t, "0.02")
	inst := h.addInstance(models.StateRunning, t0)
	h.fund(inst.AccountID, "10.00")

	daemon := "standalone-worker-7"
	h.now = t0.Add(time.Hour)
	h.leases.records[daemon] = models.LeaseRecord{
		Executor:      daemon,
		LastHeartbeat: h.now.Add(-10 * time.Second),
	}

	summary := h.sweep(t, EmbeddedExecutor)
	require.True(t, summary.Deferred)
	require.Equal(t, 0, h.ledger.applies)
	require.Empty(t, h.tracker.byInstance(inst.ID))

	// A deferral is not an attempt: no embedded heartbeat was written.
	_, ok := h.leases.records[EmbeddedExecutor]
	require.False(t, ok)

	// Daemon heartbeat goes stale; the embedded scheduler's next tick
	// performs the sweep itself.
	h.now = h.now.Add(3 * time.Minute)
	summary = h.sweep(t, EmbeddedExecutor)
	require.False(t, summary.Deferred)
	require.Equal(t, 1, summary.InstancesBilled)
}

func TestSweepHeartbeatsOnNoOpTick(t *testing.T) {
	h := newHarness(t, "0.02")

	h.now = t0.Add(time.Hour)
	summary := h.sweep(t, "standalone-worker-7")
	require.Equal(t, 0, summary.InstancesSeen)

	// Even with nothing to bill the daemon heartbeats, so the embedded
	// scheduler keeps detecting it.
	rec, ok := h.leases.records["standalone-worker-7"]
	require.True(t, ok)
	require.Equal(t, h.now, rec.LastHeartbeat)

	deferred := h.sweep(t, EmbeddedExecutor)
	require.True(t, deferred.Deferred)
}

func TestSweepListFailureAborts(t *testing.T) {
	h := newHarness(t, "0.02")
	h.fleet.listErr = errors.New("storage timeout")

	h.now = t0.Add(time.Hour)
	_, err := h.engine.RunSweep(context.Background(), "standalone-worker-7")
	require.Error(t, err)

	// The failure is still recorded on the lease record.
	rec, ok := h.leases.records["standalone-worker-7"]
	require.True(t, ok)
	require.Equal(t, models.OutcomeFailure, rec.LastOutcome)
}

func TestSweepAmountRoundsHalfToEven(t *testing.T) {
	// 1.5h at $0.03/h = $0.045, which banker's rounding takes to $0.04.
	h := newHarness(t, "0.03")
	inst := h.addInstance(models.StateRunning, t0)
	h.fund(inst.AccountID, "10.00")

	h.now = t0.Add(90 * time.Minute)
	summary := h.sweep(t, EmbeddedExecutor)

	require.Equal(t, 1, summary.InstancesBilled)
	require.True(t, summary.TotalAmount.Equal(dec("0.04")), "got %s", summary.TotalAmount)
}
