package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gegcuk/QuizMaker-sub013/internal/reservation"
	"github.com/Gegcuk/QuizMaker-sub013/pkg/tokenledger"
)

// ReservationStore implements reservation.Store using GORM.
type ReservationStore struct {
	db *gorm.DB
}

// NewReservationStore returns a ReservationStore backed by gorm.DB.
func NewReservationStore(db *gorm.DB) *ReservationStore {
	return &ReservationStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *ReservationStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore reservation.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &ReservationStore{db: transaction})
	})
}

// Ledger returns the token ledger's store view bound to the same connection
// or transaction.
func (store *ReservationStore) Ledger() tokenledger.Store {
	return &LedgerStore{db: store.db}
}

// CreateReservation persists a new reservation row.
func (store *ReservationStore) CreateReservation(ctx context.Context, record reservation.Reservation) error {
	row := Reservation{
		ReservationID:  record.ReservationID,
		UserID:         record.UserID,
		ReservedTokens: record.ReservedTokens,
		State:          record.State.String(),
		ExpiresAt:      time.Unix(record.ExpiresUnixUTC, 0).UTC(),
		CreatedAt:      time.Unix(record.CreatedUnixUTC, 0).UTC(),
		UpdatedAt:      time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintReservationPrimary) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, reservation.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

// GetReservation reads a reservation without locking.
func (store *ReservationStore) GetReservation(ctx context.Context, reservationID string) (reservation.Reservation, error) {
	var row Reservation
	err := store.db.WithContext(ctx).Take(&row, "reservation_id = ?", reservationID).Error
	return store.mapReservationResult(row, err)
}

// GetReservationForUpdate reads a reservation under an exclusive row lock.
func (store *ReservationStore) GetReservationForUpdate(ctx context.Context, reservationID string) (reservation.Reservation, error) {
	var row Reservation
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Take(&row, "reservation_id = ?", reservationID).Error
	return store.mapReservationResult(row, err)
}

func (store *ReservationStore) mapReservationResult(row Reservation, err error) (reservation.Reservation, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return reservation.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, reservation.ErrUnknownReservation)
	}
	if err != nil {
		return reservation.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	record, mapErr := mapReservation(row)
	if mapErr != nil {
		return reservation.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, mapErr)
	}
	return record, nil
}

// UpdateReservationState transitions a reservation between states; zero rows
// affected means the expected prior state was gone.
func (store *ReservationStore) UpdateReservationState(ctx context.Context, reservationID string, from reservation.State, to reservation.State) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND state = ?", reservationID, from.String()).
		Updates(map[string]interface{}{
			"state":      to.String(),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateState, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateState, reservation.ErrReservationSettled)
	}
	return nil
}

// ListExpiredActive lists active reservations past their TTL, oldest first.
func (store *ReservationStore) ListExpiredActive(ctx context.Context, nowUnixUTC int64, limit int) ([]reservation.Reservation, error) {
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Where("state = ? AND expires_at < ?", reservation.StateActive.String(), time.Unix(nowUnixUTC, 0).UTC()).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	records := make([]reservation.Reservation, 0, len(rows))
	for _, row := range rows {
		record, mapErr := mapReservation(row)
		if mapErr != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, mapErr)
		}
		records = append(records, record)
	}
	return records, nil
}

func mapReservation(row Reservation) (reservation.Reservation, error) {
	state, err := reservation.ParseState(row.State)
	if err != nil {
		return reservation.Reservation{}, err
	}
	return reservation.Reservation{
		ReservationID:  row.ReservationID,
		UserID:         row.UserID,
		ReservedTokens: row.ReservedTokens,
		State:          state,
		CreatedUnixUTC: row.CreatedAt.Unix(),
		ExpiresUnixUTC: row.ExpiresAt.Unix(),
	}, nil
}
