package generation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Gegcuk/QuizMaker-sub013/internal/reservation"
	"github.com/Gegcuk/QuizMaker-sub013/pkg/tokenledger"
)

const (
	purposeSweep       = "reservation-sweep"
	reasonSweepExpired = "expired"
)

// Sweeper periodically releases expired reservations that were never
// settled, returning their held tokens to the available balance. Release
// keys are derived from the reservation id, so a sweep that races a crash or
// another sweeper replays as a no-op through the ledger's idempotency path.
type Sweeper struct {
	reservations *reservation.Service
	jobs         Store
	logger       *zap.Logger
	nowFn        func() int64
	interval     time.Duration
	staleness    time.Duration
	batchSize    int
}

// NewSweeper wires a Sweeper.
func NewSweeper(reservations *reservation.Service, jobs Store, logger *zap.Logger, now func() int64, interval time.Duration, staleness time.Duration, batchSize int) (*Sweeper, error) {
	if reservations == nil || jobs == nil {
		return nil, fmt.Errorf("%w: missing dependency", ErrInvalidConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidConfig)
	}
	if interval <= 0 || staleness <= 0 {
		return nil, fmt.Errorf("%w: interval and staleness must be positive", ErrInvalidConfig)
	}
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		reservations: reservations,
		jobs:         jobs,
		logger:       logger,
		nowFn:        now,
		interval:     interval,
		staleness:    staleness,
		batchSize:    batchSize,
	}, nil
}

const defaultSweepBatchSize = 50

// Run sweeps on a ticker until the context is cancelled.
func (sweeper *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if swept, err := sweeper.SweepOnce(ctx); err != nil {
				sweeper.logger.Error("reservation sweep failed", zap.Error(err))
			} else if swept > 0 {
				sweeper.logger.Info("reservation sweep released holds", zap.Int("count", swept))
			}
		}
	}
}

// SweepOnce releases each expired active reservation whose backing job is
// terminal, stale, or gone. Per-reservation failures are logged and retried
// on the next sweep.
func (sweeper *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	expired, err := sweeper.reservations.ExpiredActive(ctx, sweeper.batchSize)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, hold := range expired {
		job, found, err := sweeper.jobs.FindJobByReservation(ctx, hold.ReservationID)
		if err != nil {
			sweeper.logger.Warn("sweep job lookup failed",
				zap.String("reservation_id", hold.ReservationID),
				zap.Error(err))
			continue
		}
		if found && !job.WorkState.Terminal() && !sweeper.isStale(job) {
			// Still making progress; the orchestrator owns this one.
			continue
		}
		if err := sweeper.releaseExpired(ctx, hold, job, found); err != nil {
			sweeper.logger.Warn("sweep release failed",
				zap.String("reservation_id", hold.ReservationID),
				zap.Error(err))
			continue
		}
		swept++
	}
	return swept, nil
}

func (sweeper *Sweeper) releaseExpired(ctx context.Context, hold reservation.Reservation, job Job, hasJob bool) error {
	reservationID, err := tokenledger.NewReservationID(hold.ReservationID)
	if err != nil {
		return err
	}
	key, err := tokenledger.NewIdempotencyKey("sweep:" + hold.ReservationID)
	if err != nil {
		return err
	}
	settlement, err := sweeper.reservations.Release(ctx, reservationID, reasonSweepExpired, purposeSweep, key)
	if err != nil {
		return err
	}
	if settlement.AlreadySettled || !hasJob || job.BillingState != BillingReserved {
		return nil
	}
	return sweeper.jobs.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		current, err := txStore.GetJobForUpdate(ctx, job.JobID)
		if err != nil {
			return err
		}
		if current.BillingState != BillingReserved {
			return nil
		}
		current.BillingState = BillingReleased
		current.RecordBillingKey(BillingOperationRelease, key.String())
		current.UpdatedUnixUTC = sweeper.nowFn()
		return txStore.UpdateJob(ctx, current)
	})
}

func (sweeper *Sweeper) isStale(job Job) bool {
	last := job.LastHeartbeatUnixUTC
	if last == 0 {
		last = job.CreatedUnixUTC
	}
	return sweeper.nowFn()-last > int64(sweeper.staleness/time.Second)
}
