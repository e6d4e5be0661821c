package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gegcuk/QuizMaker-sub013/internal/generation"
)

// JobStore implements generation.Store using GORM.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore returns a JobStore backed by gorm.DB.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *JobStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore generation.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &JobStore{db: transaction})
	})
}

// CreateJob persists a new job. The unique index on the active-user column
// turns a second live job for the same user into ErrActiveJobExists.
func (store *JobStore) CreateJob(ctx context.Context, job generation.Job) error {
	row, err := jobToRow(job)
	if err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	createErr := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(createErr, constraintActiveJobUser) {
		return wrapStoreError(errorSubjectJob, errorCodeDuplicate, generation.ErrActiveJobExists)
	}
	if createErr != nil {
		return wrapStoreError(errorSubjectJob, errorCodeCreate, createErr)
	}
	return nil
}

// GetJob reads a job without locking.
func (store *JobStore) GetJob(ctx context.Context, jobID string) (generation.Job, error) {
	var row GenerationJob
	err := store.db.WithContext(ctx).Take(&row, "job_id = ?", jobID).Error
	return store.mapJobResult(row, err)
}

// GetJobForUpdate reads a job under an exclusive row lock.
func (store *JobStore) GetJobForUpdate(ctx context.Context, jobID string) (generation.Job, error) {
	var row GenerationJob
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Take(&row, "job_id = ?", jobID).Error
	return store.mapJobResult(row, err)
}

func (store *JobStore) mapJobResult(row GenerationJob, err error) (generation.Job, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return generation.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, generation.ErrJobNotFound)
	}
	if err != nil {
		return generation.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, err)
	}
	job, mapErr := rowToJob(row)
	if mapErr != nil {
		return generation.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, mapErr)
	}
	return job, nil
}

// UpdateJob writes the full job row. A terminal work state clears the
// active-user column, freeing the per-user uniqueness slot.
func (store *JobStore) UpdateJob(ctx context.Context, job generation.Job) error {
	row, err := jobToRow(job)
	if err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	result := store.db.WithContext(ctx).
		Model(&GenerationJob{}).
		Where("job_id = ?", job.JobID).
		Select("*").
		Omit("job_id", "created_at").
		Updates(&row)
	if result.Error != nil {
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, generation.ErrJobNotFound)
	}
	return nil
}

// FindActiveJobByUser finds the user's single non-terminal job, if any.
func (store *JobStore) FindActiveJobByUser(ctx context.Context, userID string) (generation.Job, bool, error) {
	var row GenerationJob
	err := store.db.WithContext(ctx).Take(&row, "active_user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return generation.Job{}, false, nil
	}
	if err != nil {
		return generation.Job{}, false, wrapStoreError(errorSubjectJob, errorCodeLookup, err)
	}
	job, mapErr := rowToJob(row)
	if mapErr != nil {
		return generation.Job{}, false, wrapStoreError(errorSubjectJob, errorCodeInvalid, mapErr)
	}
	return job, true, nil
}

// FindJobByReservation finds the job backed by a reservation, if any.
func (store *JobStore) FindJobByReservation(ctx context.Context, reservationID string) (generation.Job, bool, error) {
	var row GenerationJob
	err := store.db.WithContext(ctx).Take(&row, "reservation_id = ?", reservationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return generation.Job{}, false, nil
	}
	if err != nil {
		return generation.Job{}, false, wrapStoreError(errorSubjectJob, errorCodeLookup, err)
	}
	job, mapErr := rowToJob(row)
	if mapErr != nil {
		return generation.Job{}, false, wrapStoreError(errorSubjectJob, errorCodeInvalid, mapErr)
	}
	return job, true, nil
}

func jobToRow(job generation.Job) (GenerationJob, error) {
	billingKeys := job.BillingKeys
	if billingKeys == nil {
		billingKeys = map[string]string{}
	}
	keysJSON, err := json.Marshal(billingKeys)
	if err != nil {
		return GenerationJob{}, err
	}
	var activeUserID *string
	if !job.WorkState.Terminal() {
		userID := job.UserID
		activeUserID = &userID
	}
	var lastHeartbeat *time.Time
	if job.LastHeartbeatUnixUTC != 0 {
		value := time.Unix(job.LastHeartbeatUnixUTC, 0).UTC()
		lastHeartbeat = &value
	}
	return GenerationJob{
		JobID:                job.JobID,
		UserID:               job.UserID,
		ActiveUserID:         activeUserID,
		DocumentID:           job.DocumentID,
		Scope:                job.Scope,
		Difficulty:           job.Difficulty,
		QuestionCount:        job.QuestionCount,
		WorkState:            job.WorkState.String(),
		BillingState:         job.BillingState.String(),
		ReservationID:        job.ReservationID,
		EstimatedTokens:      job.EstimatedTokens,
		InputTokens:          job.InputTokens,
		ActualTokens:         job.ActualTokens,
		CommittedTokens:      job.CommittedTokens,
		WasCappedAtReserved:  job.WasCappedAtReserved,
		TotalChunks:          job.TotalChunks,
		ProcessedChunks:      job.ProcessedChunks,
		HasStartedWork:       job.HasStartedWork,
		ReservationExpiresAt: time.Unix(job.ReservationExpiresUnixUTC, 0).UTC(),
		BillingKeys:          datatypes.JSON(keysJSON),
		LastBillingError:     job.LastBillingError,
		LastHeartbeatAt:      lastHeartbeat,
		CreatedAt:            time.Unix(job.CreatedUnixUTC, 0).UTC(),
		UpdatedAt:            time.Unix(job.UpdatedUnixUTC, 0).UTC(),
	}, nil
}

func rowToJob(row GenerationJob) (generation.Job, error) {
	workState, err := generation.ParseWorkState(row.WorkState)
	if err != nil {
		return generation.Job{}, err
	}
	billingState, err := generation.ParseBillingState(row.BillingState)
	if err != nil {
		return generation.Job{}, err
	}
	billingKeys := map[string]string{}
	if len(row.BillingKeys) > 0 {
		if err := json.Unmarshal(row.BillingKeys, &billingKeys); err != nil {
			return generation.Job{}, err
		}
	}
	var lastHeartbeat int64
	if row.LastHeartbeatAt != nil {
		lastHeartbeat = row.LastHeartbeatAt.Unix()
	}
	return generation.Job{
		JobID:                     row.JobID,
		UserID:                    row.UserID,
		DocumentID:                row.DocumentID,
		Scope:                     row.Scope,
		Difficulty:                row.Difficulty,
		QuestionCount:             row.QuestionCount,
		WorkState:                 workState,
		BillingState:              billingState,
		ReservationID:             row.ReservationID,
		EstimatedTokens:           row.EstimatedTokens,
		InputTokens:               row.InputTokens,
		ActualTokens:              row.ActualTokens,
		CommittedTokens:           row.CommittedTokens,
		WasCappedAtReserved:       row.WasCappedAtReserved,
		TotalChunks:               row.TotalChunks,
		ProcessedChunks:           row.ProcessedChunks,
		HasStartedWork:            row.HasStartedWork,
		ReservationExpiresUnixUTC: row.ReservationExpiresAt.Unix(),
		BillingKeys:               billingKeys,
		LastBillingError:          row.LastBillingError,
		LastHeartbeatUnixUTC:      lastHeartbeat,
		CreatedUnixUTC:            row.CreatedAt.Unix(),
		UpdatedUnixUTC:            row.UpdatedAt.Unix(),
	}, nil
}
