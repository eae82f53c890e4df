/*
scheduler.go - Monthly CPD-hour allocation

PURPOSE:
  Credits every active Full member with their monthly entitlement. Runs on
  a cron schedule and on demand (admin "run now").

PERIODS:
  Each member's periods are anchored to lastCpdAllocationDate:

    last = Jan 10  ->  next period [Feb 10, Mar 10), due once now >= Feb 10

  A member never allocated before gets a period starting today. A member
  who missed several months is caught up one period at a time (bounded by
  MaxCatchUp).

IDEMPOTENCY:
  Each allocation carries the key "allocation:<member>:<periodStart>".
  Re-running for a period already credited hits the duplicate key and is
  counted as skipped, never double-credited. Due-ness is re-checked inside
  the unit of work so a crash between members is safe.

FAILURES:
  One member failing never stops the batch. Failures are logged and counted
  on the run record; the next scheduled run retries them.

USAGE:
  s := allocation.NewScheduler(store, runs, ledger, logger, allocation.DefaultConfig())
  s.Start()
  defer s.Stop()

SEE ALSO:
  - cpd/period.go: NextAllocationPeriod
  - api/handlers.go: RunAllocations / ListAllocationRuns endpoints
*/
package allocation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/cpd-engine/cpd"
)

// ErrRunInProgress is returned by RunNow when another run holds the lock.
var ErrRunInProgress = errors.New("allocation run already in progress")

type Config struct {
	// Schedule is a cron spec ("@daily", "0 2 * * *").
	Schedule string
	// MaxCatchUp bounds how many missed periods one run credits per member.
	MaxCatchUp int
}

func DefaultConfig() Config {
	return Config{Schedule: "@daily", MaxCatchUp: 12}
}

type Scheduler struct {
	store  cpd.Store
	runs   cpd.RunStore
	ledger *cpd.Ledger
	logger *zap.Logger
	cfg    Config

	// Now is overridable in tests.
	Now func() time.Time

	cron    *cron.Cron
	running sync.Mutex
	mu      sync.Mutex
}

func NewScheduler(store cpd.Store, runs cpd.RunStore, ledger *cpd.Ledger, logger *zap.Logger, cfg Config) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultConfig().Schedule
	}
	if cfg.MaxCatchUp < 1 {
		cfg.MaxCatchUp = DefaultConfig().MaxCatchUp
	}
	return &Scheduler{
		store:  store,
		runs:   runs,
		ledger: ledger,
		logger: logger.Named("allocation"),
		cfg:    cfg,
		Now:    time.Now,
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start registers the run on the cron schedule and starts the cron loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}

	cl := cronLogger{s.logger.Sugar()}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.RunNow(context.Background()); err != nil {
			s.logger.Error("scheduled allocation run failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid allocation schedule %q: %w", s.cfg.Schedule, err)
	}

	c.Start()
	s.cron = c
	s.logger.Info("scheduler started", zap.String("schedule", s.cfg.Schedule))
	return nil
}

// Stop halts the cron loop and waits for a running job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.logger.Info("scheduler stopped")
}

// =============================================================================
// RUN
// =============================================================================

// RunNow allocates every due period for every eligible member and records
// the run.
func (s *Scheduler) RunNow(ctx context.Context) (cpd.AllocationRun, error) {
	if !s.running.TryLock() {
		return cpd.AllocationRun{}, ErrRunInProgress
	}
	defer s.running.Unlock()

	run := cpd.AllocationRun{
		ID:        uuid.NewString(),
		Status:    cpd.RunRunning,
		StartedAt: s.Now().UTC(),
	}
	if err := s.runs.SaveAllocationRun(ctx, run); err != nil {
		return run, fmt.Errorf("recording run start: %w", err)
	}

	members, err := s.store.ListMembers(ctx)
	if err != nil {
		run.Status = cpd.RunFailed
		run.Error = err.Error()
		s.finish(ctx, &run)
		return run, fmt.Errorf("listing members: %w", err)
	}

	var firstErr error
	for _, m := range members {
		if err := ctx.Err(); err != nil {
			firstErr = err
			break
		}
		if !m.EligibleForAllocation() {
			continue
		}

		n, err := s.AllocateMember(ctx, m.ID)
		switch {
		case err != nil:
			run.Failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("member %s: %w", m.ID, err)
			}
			s.logger.Error("allocation failed",
				zap.String("member_id", string(m.ID)),
				zap.Error(err),
			)
		case n == 0:
			run.Skipped++
		default:
			run.Allocated += n
		}
	}

	run.Status = cpd.RunCompleted
	if firstErr != nil {
		run.Error = firstErr.Error()
	}
	s.finish(ctx, &run)

	s.logger.Info("allocation run completed",
		zap.String("run_id", run.ID),
		zap.Int("allocated", run.Allocated),
		zap.Int("skipped", run.Skipped),
		zap.Int("failed", run.Failed),
	)
	return run, nil
}

func (s *Scheduler) finish(ctx context.Context, run *cpd.AllocationRun) {
	done := s.Now().UTC()
	run.CompletedAt = &done
	// Record the outcome even if the run's context was cancelled.
	if err := s.runs.SaveAllocationRun(context.WithoutCancel(ctx), *run); err != nil {
		s.logger.Error("recording run result failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// AllocateMember credits every due period for one member and returns how
// many periods were credited.
func (s *Scheduler) AllocateMember(ctx context.Context, memberID cpd.MemberID) (int, error) {
	credited := 0
	for i := 0; i < s.cfg.MaxCatchUp; i++ {
		ok, err := s.allocateNext(ctx, memberID)
		if err != nil {
			return credited, err
		}
		if !ok {
			break
		}
		credited++
	}
	return credited, nil
}

// allocateNext credits the member's next period if it is due. It reports
// false when nothing was due or the period was already credited.
func (s *Scheduler) allocateNext(ctx context.Context, memberID cpd.MemberID) (bool, error) {
	now := s.Now().UTC()
	credited := false

	err := s.store.WithTx(ctx, func(uow cpd.Tx) error {
		m, err := uow.GetMember(ctx, memberID)
		if err != nil {
			return err
		}
		if !m.EligibleForAllocation() {
			return nil
		}
		period, due := cpd.NextAllocationPeriod(m.LastCPDAllocationDate, now)
		if !due {
			return nil
		}

		start := period.Start
		_, err = s.ledger.AppendIn(ctx, uow, cpd.Transaction{
			MemberID:       memberID,
			Amount:         m.MonthlyEntitlement(),
			Type:           cpd.TxAllocation,
			Description:    fmt.Sprintf("Monthly CPD allocation %s", period),
			IdempotencyKey: PeriodKey(memberID, period),
			PeriodStart:    &start,
			CreatedAt:      now,
		})
		if errors.Is(err, cpd.ErrDuplicateIdempotencyKey) {
			s.logger.Debug("period already allocated",
				zap.String("member_id", string(memberID)),
				zap.String("period", period.String()),
			)
			return nil
		}
		if err != nil {
			return err
		}
		credited = true
		return nil
	})
	return credited, err
}

// PeriodKey is the idempotency key of a member's allocation for a period.
func PeriodKey(memberID cpd.MemberID, p cpd.Period) string {
	return "allocation:" + string(memberID) + ":" + p.Key()
}

// =============================================================================
// MANUAL GRANTS
// =============================================================================

// Grant credits hours outside the schedule. key makes retries safe; an
// empty key generates one.
func (s *Scheduler) Grant(ctx context.Context, memberID cpd.MemberID, hours decimal.Decimal, description, key string) (cpd.Transaction, error) {
	if !hours.IsPositive() {
		return cpd.Transaction{}, cpd.Invalid("hours", "must be positive")
	}
	if key == "" {
		key = "grant:" + uuid.NewString()
	}
	if description == "" {
		description = "Manual CPD allocation"
	}
	tx, err := s.ledger.Append(ctx, cpd.Transaction{
		MemberID:       memberID,
		Amount:         hours,
		Type:           cpd.TxAllocation,
		Description:    description,
		IdempotencyKey: key,
	})
	if errors.Is(err, cpd.ErrDuplicateIdempotencyKey) {
		return tx, nil
	}
	if err != nil {
		return tx, err
	}
	s.logger.Info("manual allocation",
		zap.String("member_id", string(memberID)),
		zap.String("hours", hours.String()),
	)
	return tx, nil
}

// Runs lists recent run records, newest first.
func (s *Scheduler) Runs(ctx context.Context, limit int) ([]cpd.AllocationRun, error) {
	return s.runs.ListAllocationRuns(ctx, limit)
}

// =============================================================================
// CRON LOGGER
// =============================================================================

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
