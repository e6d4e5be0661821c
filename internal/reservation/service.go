package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Gegcuk/QuizMaker-sub013/pkg/tokenledger"
)

func newReservationID() string {
	return uuid.NewString()
}

// Service layers reservation lifecycle and TTL semantics over the token
// ledger. The ledger only ever sees amounts; whether a settlement call is
// safe to apply is decided here, against the reservation row read under an
// exclusive lock.
type Service struct {
	store         Store
	nowFn         func() int64
	ttlSeconds    int64
	ledgerOptions []tokenledger.ServiceOption
}

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithLedgerLogger forwards ledger operation logs emitted during settlement.
func WithLedgerLogger(logger tokenledger.OperationLogger) ServiceOption {
	return func(service *Service) {
		service.ledgerOptions = append(service.ledgerOptions, tokenledger.WithOperationLogger(logger))
	}
}

// NewService wires a Service.
func NewService(store Store, now func() int64, ttl time.Duration, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidConfig)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl must be positive", ErrInvalidTTL)
	}
	service := &Service{store: store, nowFn: now, ttlSeconds: int64(ttl / time.Second)}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

func (service *Service) ledgerFor(store tokenledger.Store) (*tokenledger.Service, error) {
	return tokenledger.NewService(store, service.nowFn, service.ledgerOptions...)
}

// Reserve holds tokens for the user and persists an active reservation with
// expiresAt = now + TTL. A replayed idempotency key returns the reservation
// created by the original call.
func (service *Service) Reserve(ctx context.Context, userID tokenledger.UserID, amount tokenledger.TokenAmount, purpose string, idempotencyKey tokenledger.IdempotencyKey) (Reservation, error) {
	var created Reservation
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		ledger, err := service.ledgerFor(txStore.Ledger())
		if err != nil {
			return err
		}
		reservationID, err := tokenledger.NewReservationID(newReservationID())
		if err != nil {
			return err
		}
		hold, err := ledger.Reserve(ctx, userID, amount, purpose, reservationID, idempotencyKey)
		if err != nil {
			return err
		}
		if hold.Replayed {
			existing, err := txStore.GetReservation(ctx, hold.ReservationID)
			if err != nil {
				return err
			}
			created = existing
			return nil
		}
		nowUnixUTC := service.nowFn()
		created = Reservation{
			ReservationID:  hold.ReservationID,
			UserID:         userID.String(),
			ReservedTokens: hold.Tokens,
			State:          StateActive,
			CreatedUnixUTC: nowUnixUTC,
			ExpiresUnixUTC: nowUnixUTC + service.ttlSeconds,
		}
		return txStore.CreateReservation(ctx, created)
	})
	if err != nil {
		return Reservation{}, err
	}
	return created, nil
}

// Commit settles an active reservation for amount tokens and returns the
// remainder to the available balance. A reservation that is no longer active,
// or whose TTL has elapsed, yields an AlreadySettled sentinel instead of an
// error: the expiry sweeper owns those holds.
func (service *Service) Commit(ctx context.Context, reservationID tokenledger.ReservationID, amount tokenledger.TokenAmount, purpose string, idempotencyKey tokenledger.IdempotencyKey) (Settlement, error) {
	var settlement Settlement
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		current, err := txStore.GetReservationForUpdate(ctx, reservationID.String())
		if err != nil {
			return err
		}
		settlement.ReservationID = current.ReservationID
		if current.State != StateActive || service.nowFn() > current.ExpiresUnixUTC {
			settlement.AlreadySettled = true
			return nil
		}
		userID, err := tokenledger.NewUserID(current.UserID)
		if err != nil {
			return err
		}
		heldTokens, err := tokenledger.NewTokenAmount(current.ReservedTokens)
		if err != nil {
			return err
		}
		ledger, err := service.ledgerFor(txStore.Ledger())
		if err != nil {
			return err
		}
		result, err := ledger.Commit(ctx, userID, reservationID, heldTokens, amount, purpose, idempotencyKey)
		if err != nil {
			return err
		}
		if err := txStore.UpdateReservationState(ctx, reservationID.String(), StateActive, StateCommitted); err != nil {
			return err
		}
		settlement.CommittedTokens = result.CommittedTokens
		settlement.ReleasedTokens = result.ReleasedTokens
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}
	return settlement, nil
}

// Release returns an active reservation's full held amount to the available
// balance. Non-active reservations yield the AlreadySettled sentinel. Expired
// reservations are still releasable here; this is the path the expiry sweeper
// reuses.
func (service *Service) Release(ctx context.Context, reservationID tokenledger.ReservationID, reason string, purpose string, idempotencyKey tokenledger.IdempotencyKey) (Settlement, error) {
	var settlement Settlement
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		current, err := txStore.GetReservationForUpdate(ctx, reservationID.String())
		if err != nil {
			return err
		}
		settlement.ReservationID = current.ReservationID
		if current.State != StateActive {
			settlement.AlreadySettled = true
			return nil
		}
		userID, err := tokenledger.NewUserID(current.UserID)
		if err != nil {
			return err
		}
		heldTokens, err := tokenledger.NewTokenAmount(current.ReservedTokens)
		if err != nil {
			return err
		}
		ledger, err := service.ledgerFor(txStore.Ledger())
		if err != nil {
			return err
		}
		result, err := ledger.Release(ctx, userID, reservationID, heldTokens, reason, purpose, idempotencyKey)
		if err != nil {
			return err
		}
		if err := txStore.UpdateReservationState(ctx, reservationID.String(), StateActive, StateReleased); err != nil {
			return err
		}
		settlement.ReleasedTokens = result.ReleasedTokens
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}
	return settlement, nil
}

// ReleaseRemainder returns part of a reservation's held tokens directly to
// the available balance without touching the reservation's state. It exists
// for the leftover a commit did not report back: the commit is already
// durable and terminal, only the ledger amounts need correcting.
func (service *Service) ReleaseRemainder(ctx context.Context, reservationID tokenledger.ReservationID, tokens tokenledger.TokenAmount, reason string, purpose string, idempotencyKey tokenledger.IdempotencyKey) (Settlement, error) {
	var settlement Settlement
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		current, err := txStore.GetReservationForUpdate(ctx, reservationID.String())
		if err != nil {
			return err
		}
		settlement.ReservationID = current.ReservationID
		userID, err := tokenledger.NewUserID(current.UserID)
		if err != nil {
			return err
		}
		ledger, err := service.ledgerFor(txStore.Ledger())
		if err != nil {
			return err
		}
		result, err := ledger.Release(ctx, userID, reservationID, tokens, reason, purpose, idempotencyKey)
		if err != nil {
			return err
		}
		settlement.ReleasedTokens = result.ReleasedTokens
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}
	return settlement, nil
}

// Get reads a reservation without locking. An active reservation past its
// TTL is reported as expired.
func (service *Service) Get(ctx context.Context, reservationID string) (Reservation, error) {
	current, err := service.store.GetReservation(ctx, reservationID)
	if err != nil {
		return Reservation{}, err
	}
	if current.State == StateActive && service.nowFn() > current.ExpiresUnixUTC {
		current.State = StateExpired
	}
	return current, nil
}

// ExpiredActive lists active reservations whose TTL has elapsed, oldest
// first.
func (service *Service) ExpiredActive(ctx context.Context, limit int) ([]Reservation, error) {
	return service.store.ListExpiredActive(ctx, service.nowFn(), limit)
}
