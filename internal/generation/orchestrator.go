package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Gegcuk/QuizMaker-sub013/internal/reservation"
	"github.com/Gegcuk/QuizMaker-sub013/pkg/tokenledger"
)

const (
	purposeGeneration       = "generation"
	purposeGenerationCancel = "generation-cancel"

	reasonCancelledNoWork  = "cancelled-no-work"
	reasonCancelledZero    = "cancelled-zero-cost"
	reasonStartConflict    = "start-conflict"
	reasonStartFailed      = "start-failed"
	reasonCommitRemainder  = "commit-remainder"
	reasonGenerationFailed = "generation-failed"
)

// Config tunes orchestrator billing behavior.
type Config struct {
	// MinStartFeeTokens is the floor charged when work started before a
	// cancellation or failure.
	MinStartFeeTokens int64
	// StalenessWindow is how long a job may go without a progress heartbeat
	// before start may rescue it.
	StalenessWindow time.Duration
	// TokensPerSecond converts an estimate into the duration hint returned
	// to callers.
	TokensPerSecond int64
}

// StartResult is the handle returned to callers of Start.
type StartResult struct {
	JobID            string
	EstimatedTokens  int64
	EstimatedSeconds int64
}

// Orchestrator drives generation jobs through reserve, optional partial
// work, and commit-or-release. Billing state only ever changes under an
// exclusive re-read of the job row, so cancel and completion settlement
// cannot both win for the same job.
type Orchestrator struct {
	jobs         Store
	reservations *reservation.Service
	estimator    Estimator
	engine       Engine
	assembler    Assembler
	logger       *zap.Logger
	nowFn        func() int64
	cfg          Config
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(jobs Store, reservations *reservation.Service, estimator Estimator, engine Engine, assembler Assembler, logger *zap.Logger, now func() int64, cfg Config) (*Orchestrator, error) {
	if jobs == nil || reservations == nil || estimator == nil || engine == nil || assembler == nil {
		return nil, fmt.Errorf("%w: missing dependency", ErrInvalidConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidConfig)
	}
	if cfg.MinStartFeeTokens < 0 {
		return nil, fmt.Errorf("%w: negative min start fee", ErrInvalidConfig)
	}
	if cfg.StalenessWindow <= 0 {
		return nil, fmt.Errorf("%w: staleness window must be positive", ErrInvalidConfig)
	}
	if cfg.TokensPerSecond <= 0 {
		cfg.TokensPerSecond = defaultTokensPerSecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		jobs:         jobs,
		reservations: reservations,
		estimator:    estimator,
		engine:       engine,
		assembler:    assembler,
		logger:       logger,
		nowFn:        now,
		cfg:          cfg,
	}, nil
}

const defaultTokensPerSecond = 150

// Start estimates the request, reserves tokens, and creates the job. At most
// one non-terminal job may exist per user; a conflicting stale job is
// cancelled and creation retried exactly once. On any failure after the
// reserve, the fresh reservation is released before the error is returned.
func (orchestrator *Orchestrator) Start(ctx context.Context, userID string, request Request) (StartResult, error) {
	user, err := tokenledger.NewUserID(userID)
	if err != nil {
		return StartResult{}, err
	}
	estimate, err := orchestrator.estimator.Estimate(ctx, request)
	if err != nil {
		return StartResult{}, err
	}
	amount, err := tokenledger.NewTokenAmount(estimate.EstimatedTokens)
	if err != nil {
		return StartResult{}, err
	}
	reserveKey := fmt.Sprintf("gen:%s:%s:%s", user.String(), request.DocumentID, request.Scope)
	idempotencyKey, err := tokenledger.NewIdempotencyKey(reserveKey)
	if err != nil {
		return StartResult{}, err
	}

	reserved, err := orchestrator.reservations.Reserve(ctx, user, amount, purposeGeneration, idempotencyKey)
	if err != nil {
		return StartResult{}, err
	}
	if reserved.State != reservation.StateActive || orchestrator.nowFn() > reserved.ExpiresUnixUTC {
		// The deterministic key replays the hold of an earlier generation of
		// the same document and scope. A spent or expired hold carries no
		// tokens, so the new attempt must reserve again under its own key.
		reserveKey = fmt.Sprintf("gen:%s:%s:%s:%s", user.String(), request.DocumentID, request.Scope, uuid.NewString())
		idempotencyKey, err = tokenledger.NewIdempotencyKey(reserveKey)
		if err != nil {
			return StartResult{}, err
		}
		reserved, err = orchestrator.reservations.Reserve(ctx, user, amount, purposeGeneration, idempotencyKey)
		if err != nil {
			return StartResult{}, err
		}
	}

	nowUnixUTC := orchestrator.nowFn()
	job := Job{
		JobID:                     uuid.NewString(),
		UserID:                    user.String(),
		DocumentID:                request.DocumentID,
		Scope:                     request.Scope,
		Difficulty:                request.Difficulty,
		QuestionCount:             request.QuestionCount,
		WorkState:                 WorkPending,
		BillingState:              BillingReserved,
		ReservationID:             reserved.ReservationID,
		EstimatedTokens:           reserved.ReservedTokens,
		InputTokens:               estimate.InputTokens,
		ReservationExpiresUnixUTC: reserved.ExpiresUnixUTC,
		CreatedUnixUTC:            nowUnixUTC,
		UpdatedUnixUTC:            nowUnixUTC,
	}
	job.RecordBillingKey(BillingOperationReserve, reserveKey)

	createErr := orchestrator.jobs.CreateJob(ctx, job)
	if createErr == nil {
		return orchestrator.startResult(job), nil
	}
	if !errors.Is(createErr, ErrActiveJobExists) {
		orchestrator.releaseAfterFailedStart(ctx, reserved, reasonStartFailed)
		return StartResult{}, createErr
	}

	existing, found, lookupErr := orchestrator.jobs.FindActiveJobByUser(ctx, user.String())
	if lookupErr == nil && found && existing.ReservationID == reserved.ReservationID {
		// The reserve replayed an earlier start that already created this
		// job: report the prior success instead of conflicting with it.
		return orchestrator.startResult(existing), nil
	}
	if lookupErr == nil && found && orchestrator.isStale(existing) {
		if _, cancelErr := orchestrator.Cancel(ctx, existing.JobID, existing.UserID); cancelErr == nil {
			if retryErr := orchestrator.jobs.CreateJob(ctx, job); retryErr == nil {
				return orchestrator.startResult(job), nil
			}
		} else {
			orchestrator.logger.Warn("stale job rescue failed",
				zap.String("job_id", existing.JobID),
				zap.Error(cancelErr))
		}
	}

	orchestrator.releaseAfterFailedStart(ctx, reserved, reasonStartConflict)
	return StartResult{}, ErrActiveJobExists
}

func (orchestrator *Orchestrator) startResult(job Job) StartResult {
	seconds := job.EstimatedTokens / orchestrator.cfg.TokensPerSecond
	if seconds < 1 {
		seconds = 1
	}
	return StartResult{
		JobID:            job.JobID,
		EstimatedTokens:  job.EstimatedTokens,
		EstimatedSeconds: seconds,
	}
}

func (orchestrator *Orchestrator) releaseAfterFailedStart(ctx context.Context, reserved reservation.Reservation, reason string) {
	reservationID, err := tokenledger.NewReservationID(reserved.ReservationID)
	if err != nil {
		orchestrator.logger.Error("invalid reservation id during cleanup", zap.Error(err))
		return
	}
	key, err := tokenledger.NewIdempotencyKey("release:" + reserved.ReservationID)
	if err != nil {
		orchestrator.logger.Error("invalid release key during cleanup", zap.Error(err))
		return
	}
	if _, releaseErr := orchestrator.reservations.Release(ctx, reservationID, reason, purposeGeneration, key); releaseErr != nil {
		orchestrator.logger.Error("reservation release after failed start",
			zap.String("reservation_id", reserved.ReservationID),
			zap.String("reason", reason),
			zap.Error(releaseErr))
	}
}

func (orchestrator *Orchestrator) isStale(job Job) bool {
	last := job.LastHeartbeatUnixUTC
	if last == 0 {
		last = job.CreatedUnixUTC
	}
	return orchestrator.nowFn()-last > int64(orchestrator.cfg.StalenessWindow/time.Second)
}

// Cancel terminates a non-terminal job and settles its billing. With no work
// started the reservation is fully released; otherwise the floor-or-actual
// amount (capped at the estimate) is committed and the remainder released.
// A billing failure never blocks the cancellation itself; it is recorded on
// the job for out-of-band reconciliation.
func (orchestrator *Orchestrator) Cancel(ctx context.Context, jobID string, userID string) (Job, error) {
	var cancelled Job
	err := orchestrator.jobs.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		job, err := txStore.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if job.UserID != userID {
			return ErrJobNotFound
		}
		if job.WorkState.Terminal() {
			return ErrInvalidJobState
		}
		orchestrator.settleForTermination(ctx, &job)
		job.WorkState = WorkCancelled
		job.UpdatedUnixUTC = orchestrator.nowFn()
		if err := txStore.UpdateJob(ctx, job); err != nil {
			return err
		}
		cancelled = job
		return nil
	})
	if err != nil {
		return Job{}, err
	}
	return cancelled, nil
}

// settleForTermination reconciles a job's billing before it goes terminal.
// The caller holds the job row lock. Failures leave the billing state
// reserved with LastBillingError set; the expiry sweeper picks those up.
func (orchestrator *Orchestrator) settleForTermination(ctx context.Context, job *Job) {
	if job.BillingState != BillingReserved {
		return
	}
	reservationID, err := tokenledger.NewReservationID(job.ReservationID)
	if err != nil {
		job.LastBillingError = err.Error()
		return
	}

	if !job.HasStartedWork {
		orchestrator.releaseAll(ctx, job, reservationID, reasonCancelledNoWork)
		return
	}

	tokensToSettle := job.ActualTokens
	if tokensToSettle < orchestrator.cfg.MinStartFeeTokens {
		tokensToSettle = orchestrator.cfg.MinStartFeeTokens
	}
	if tokensToSettle > job.EstimatedTokens {
		tokensToSettle = job.EstimatedTokens
	}
	if tokensToSettle == 0 {
		orchestrator.releaseAll(ctx, job, reservationID, reasonCancelledZero)
		return
	}

	key := "cancel:" + job.JobID
	idempotencyKey, err := tokenledger.NewIdempotencyKey(key)
	if err != nil {
		job.LastBillingError = err.Error()
		return
	}
	amount, err := tokenledger.NewTokenAmount(tokensToSettle)
	if err != nil {
		job.LastBillingError = err.Error()
		return
	}
	settlement, err := orchestrator.reservations.Commit(ctx, reservationID, amount, purposeGenerationCancel, idempotencyKey)
	if err != nil {
		job.LastBillingError = err.Error()
		orchestrator.logger.Warn("cancellation commit failed",
			zap.String("job_id", job.JobID),
			zap.Error(err))
		return
	}
	if settlement.AlreadySettled {
		job.BillingState = orchestrator.settledBillingState(ctx, job.ReservationID)
		return
	}
	job.CommittedTokens = settlement.CommittedTokens
	job.BillingState = BillingCommitted
	job.RecordBillingKey(BillingOperationCancel, key)

	leftover := job.EstimatedTokens - settlement.CommittedTokens - settlement.ReleasedTokens
	if leftover > 0 {
		orchestrator.releaseLeftover(ctx, job, reservationID, leftover, key+":leftover")
	}
}

// settledBillingState reports how an already-settled reservation was
// resolved. A prior settlement attempt may have committed durably while the
// job update was lost; the reservation row is the source of truth.
func (orchestrator *Orchestrator) settledBillingState(ctx context.Context, reservationID string) BillingState {
	current, err := orchestrator.reservations.Get(ctx, reservationID)
	if err != nil {
		orchestrator.logger.Warn("settled reservation lookup failed",
			zap.String("reservation_id", reservationID),
			zap.Error(err))
		return BillingReleased
	}
	if current.State == reservation.StateCommitted {
		return BillingCommitted
	}
	return BillingReleased
}

// releaseAll returns the full reservation and marks billing released.
func (orchestrator *Orchestrator) releaseAll(ctx context.Context, job *Job, reservationID tokenledger.ReservationID, reason string) {
	key := "cancel:" + job.JobID
	idempotencyKey, err := tokenledger.NewIdempotencyKey(key)
	if err != nil {
		job.LastBillingError = err.Error()
		return
	}
	if _, releaseErr := orchestrator.reservations.Release(ctx, reservationID, reason, purposeGenerationCancel, idempotencyKey); releaseErr != nil {
		job.LastBillingError = releaseErr.Error()
		orchestrator.logger.Warn("cancellation release failed",
			zap.String("job_id", job.JobID),
			zap.Error(releaseErr))
		return
	}
	job.BillingState = BillingReleased
	job.RecordBillingKey(BillingOperationCancel, key)
}

// releaseLeftover returns held tokens that a commit did not report back. The
// commit stays durable; a failure here is logged and left for
// reconciliation.
func (orchestrator *Orchestrator) releaseLeftover(ctx context.Context, job *Job, reservationID tokenledger.ReservationID, leftover int64, key string) {
	idempotencyKey, err := tokenledger.NewIdempotencyKey(key)
	if err != nil {
		job.LastBillingError = err.Error()
		return
	}
	amount, err := tokenledger.NewTokenAmount(leftover)
	if err != nil {
		job.LastBillingError = err.Error()
		return
	}
	if _, releaseErr := orchestrator.reservations.ReleaseRemainder(ctx, reservationID, amount, reasonCommitRemainder, purposeGeneration, idempotencyKey); releaseErr != nil {
		job.LastBillingError = releaseErr.Error()
		orchestrator.logger.Warn("leftover release failed",
			zap.String("job_id", job.JobID),
			zap.Int64("leftover_tokens", leftover),
			zap.Error(releaseErr))
	}
}

// CommitTokensForSuccessfulGeneration settles billing for finished work. The
// job is re-read under an exclusive lock; a job whose billing is no longer
// reserved, whose commit key is already recorded, or whose reservation has
// expired is a no-op. The commit key is derived from the job id, so retried
// calls replay instead of double-charging.
func (orchestrator *Orchestrator) CommitTokensForSuccessfulGeneration(ctx context.Context, jobID string, producedItems int) error {
	var settleErr error
	err := orchestrator.jobs.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		job, err := txStore.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if job.BillingState != BillingReserved {
			return nil
		}
		if _, recorded := job.BillingKey(BillingOperationCommit); recorded {
			return nil
		}
		if orchestrator.nowFn() > job.ReservationExpiresUnixUTC {
			return nil
		}
		reservationID, err := tokenledger.NewReservationID(job.ReservationID)
		if err != nil {
			return err
		}

		actual := orchestrator.estimator.ActualTokens(producedItems, job.Difficulty, job.InputTokens)
		tokensToCommit := actual
		job.WasCappedAtReserved = actual > job.EstimatedTokens
		if job.WasCappedAtReserved {
			tokensToCommit = job.EstimatedTokens
		}
		job.ActualTokens = actual

		if tokensToCommit <= 0 {
			orchestrator.releaseAll(ctx, &job, reservationID, reasonCancelledZero)
			job.UpdatedUnixUTC = orchestrator.nowFn()
			return txStore.UpdateJob(ctx, job)
		}

		key := "commit:" + job.JobID
		idempotencyKey, err := tokenledger.NewIdempotencyKey(key)
		if err != nil {
			return err
		}
		amount, err := tokenledger.NewTokenAmount(tokensToCommit)
		if err != nil {
			return err
		}
		settlement, err := orchestrator.reservations.Commit(ctx, reservationID, amount, purposeGeneration, idempotencyKey)
		if err != nil {
			// The transaction must commit for the error record to survive;
			// the settlement failure is surfaced after it.
			job.LastBillingError = err.Error()
			job.UpdatedUnixUTC = orchestrator.nowFn()
			settleErr = err
			return txStore.UpdateJob(ctx, job)
		}
		if settlement.AlreadySettled {
			job.UpdatedUnixUTC = orchestrator.nowFn()
			return txStore.UpdateJob(ctx, job)
		}
		job.CommittedTokens = settlement.CommittedTokens
		job.BillingState = BillingCommitted
		job.RecordBillingKey(BillingOperationCommit, key)

		if settlement.ReleasedTokens == 0 && tokensToCommit < job.EstimatedTokens {
			orchestrator.releaseLeftover(ctx, &job, reservationID, job.EstimatedTokens-tokensToCommit, key+":leftover")
		}
		job.UpdatedUnixUTC = orchestrator.nowFn()
		return txStore.UpdateJob(ctx, job)
	})
	if err != nil {
		return err
	}
	return settleErr
}

// Process drives the engine for a pending job: progress heartbeats, artifact
// assembly, billing commit, then the terminal work state. Engine or
// assembler failure settles billing the same way a cancellation does.
func (orchestrator *Orchestrator) Process(ctx context.Context, jobID string) error {
	job, err := orchestrator.jobs.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.WorkState.Terminal() {
		return nil
	}

	progress := func(chunkIndex int, totalChunks int, itemsProduced int) error {
		return orchestrator.recordProgress(ctx, jobID, chunkIndex, totalChunks, itemsProduced)
	}
	result, err := orchestrator.engine.Generate(ctx, job, progress)
	if err != nil {
		if errors.Is(err, ErrJobCancelled) {
			// A concurrent cancel already settled billing and terminated
			// the job.
			return nil
		}
		return orchestrator.failJob(ctx, jobID, err)
	}
	if len(result.Items) == 0 {
		return orchestrator.failJob(ctx, jobID, ErrEmptyGeneration)
	}
	if assembleErr := orchestrator.assembler.Assemble(ctx, job, result.Items); assembleErr != nil {
		return orchestrator.failJob(ctx, jobID, assembleErr)
	}

	if commitErr := orchestrator.CommitTokensForSuccessfulGeneration(ctx, jobID, len(result.Items)); commitErr != nil {
		orchestrator.logger.Warn("completion billing commit failed",
			zap.String("job_id", jobID),
			zap.Error(commitErr))
	}

	return orchestrator.jobs.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		current, err := txStore.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if current.WorkState.Terminal() {
			return nil
		}
		current.WorkState = WorkCompleted
		current.TotalChunks = result.TotalChunks
		current.ProcessedChunks = result.TotalChunks
		current.UpdatedUnixUTC = orchestrator.nowFn()
		return txStore.UpdateJob(ctx, current)
	})
}

func (orchestrator *Orchestrator) recordProgress(ctx context.Context, jobID string, chunkIndex int, totalChunks int, itemsProduced int) error {
	return orchestrator.jobs.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		job, err := txStore.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if job.WorkState.Terminal() {
			return ErrJobCancelled
		}
		if !job.HasStartedWork {
			job.HasStartedWork = true
			job.WorkState = WorkProcessing
		}
		nowUnixUTC := orchestrator.nowFn()
		job.TotalChunks = totalChunks
		job.ProcessedChunks = chunkIndex + 1
		job.ActualTokens = orchestrator.estimator.ActualTokens(itemsProduced, job.Difficulty, job.InputTokens)
		job.LastHeartbeatUnixUTC = nowUnixUTC
		job.UpdatedUnixUTC = nowUnixUTC
		return txStore.UpdateJob(ctx, job)
	})
}

func (orchestrator *Orchestrator) failJob(ctx context.Context, jobID string, cause error) error {
	err := orchestrator.jobs.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		job, err := txStore.GetJobForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if job.WorkState.Terminal() {
			return nil
		}
		orchestrator.settleForTermination(ctx, &job)
		job.WorkState = WorkFailed
		job.UpdatedUnixUTC = orchestrator.nowFn()
		return txStore.UpdateJob(ctx, job)
	})
	if err != nil {
		return err
	}
	orchestrator.logger.Warn("generation job failed",
		zap.String("job_id", jobID),
		zap.String("reason", reasonGenerationFailed),
		zap.Error(cause))
	return cause
}

// GetStatus returns the job's current work and billing state.
func (orchestrator *Orchestrator) GetStatus(ctx context.Context, jobID string, userID string) (Job, error) {
	job, err := orchestrator.jobs.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if job.UserID != userID {
		return Job{}, ErrJobNotFound
	}
	return job, nil
}
