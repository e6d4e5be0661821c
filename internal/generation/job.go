package generation

import (
	"context"
	"fmt"
)

// WorkState tracks generation progress for a job.
type WorkState string

const (
	WorkPending    WorkState = "pending"
	WorkProcessing WorkState = "processing"
	WorkCompleted  WorkState = "completed"
	WorkFailed     WorkState = "failed"
	WorkCancelled  WorkState = "cancelled"
)

// String returns the stable state name.
func (state WorkState) String() string {
	return string(state)
}

// Terminal reports whether the work state permits no further transitions.
func (state WorkState) Terminal() bool {
	return state == WorkCompleted || state == WorkFailed || state == WorkCancelled
}

// ParseWorkState validates a stored work state.
func ParseWorkState(raw string) (WorkState, error) {
	switch WorkState(raw) {
	case WorkPending, WorkProcessing, WorkCompleted, WorkFailed, WorkCancelled:
		return WorkState(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidWorkState, raw)
}

// BillingState tracks the billing sub-state embedded in a job. It is driven
// only by the orchestrator's settlement logic, never by progress callbacks.
type BillingState string

const (
	BillingNone      BillingState = "none"
	BillingReserved  BillingState = "reserved"
	BillingCommitted BillingState = "committed"
	BillingReleased  BillingState = "released"
)

// String returns the stable state name.
func (state BillingState) String() string {
	return string(state)
}

// Terminal reports whether billing has been settled.
func (state BillingState) Terminal() bool {
	return state == BillingCommitted || state == BillingReleased
}

// ParseBillingState validates a stored billing state.
func ParseBillingState(raw string) (BillingState, error) {
	switch BillingState(raw) {
	case BillingNone, BillingReserved, BillingCommitted, BillingReleased:
		return BillingState(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidBillingState, raw)
}

// Billing operation names used as keys into a job's idempotency-key map.
const (
	BillingOperationReserve = "reserve"
	BillingOperationCommit  = "commit"
	BillingOperationCancel  = "cancel"
	BillingOperationRelease = "release"
)

// Job is one persisted generation attempt: a work-progress state machine
// with an embedded billing sub-state tied to a single reservation.
type Job struct {
	JobID                     string
	UserID                    string
	DocumentID                string
	Scope                     string
	Difficulty                string
	QuestionCount             int
	WorkState                 WorkState
	BillingState              BillingState
	ReservationID             string
	EstimatedTokens           int64
	InputTokens               int64
	ActualTokens              int64
	CommittedTokens           int64
	WasCappedAtReserved       bool
	TotalChunks               int
	ProcessedChunks           int
	HasStartedWork            bool
	ReservationExpiresUnixUTC int64
	BillingKeys               map[string]string
	LastBillingError          string
	LastHeartbeatUnixUTC      int64
	CreatedUnixUTC            int64
	UpdatedUnixUTC            int64
}

// BillingKey returns the idempotency key recorded for a billing operation.
func (job Job) BillingKey(operation string) (string, bool) {
	key, ok := job.BillingKeys[operation]
	return key, ok
}

// RecordBillingKey stores the idempotency key used for a billing operation so
// retried orchestration calls reuse it deterministically.
func (job *Job) RecordBillingKey(operation string, key string) {
	if job.BillingKeys == nil {
		job.BillingKeys = map[string]string{}
	}
	job.BillingKeys[operation] = key
}

// Store is the persistence contract for jobs. CreateJob must fail with
// ErrActiveJobExists when another non-terminal job already exists for the
// same user (enforced by a storage-level uniqueness constraint, not by
// application locking). GetJobForUpdate takes an exclusive row lock for the
// duration of the surrounding transaction.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	GetJobForUpdate(ctx context.Context, jobID string) (Job, error)
	UpdateJob(ctx context.Context, job Job) error
	FindActiveJobByUser(ctx context.Context, userID string) (Job, bool, error)
	FindJobByReservation(ctx context.Context, reservationID string) (Job, bool, error)
}
