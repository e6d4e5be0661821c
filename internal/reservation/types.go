package reservation

import (
	"context"
	"fmt"

	"github.com/Gegcuk/QuizMaker-sub013/pkg/tokenledger"
)

// State defines the reservation lifecycle.
type State string

const (
	StateActive    State = "active"
	StateCommitted State = "committed"
	StateReleased  State = "released"
	StateExpired   State = "expired"
)

// String returns the stable state name.
func (state State) String() string {
	return string(state)
}

// Terminal reports whether the state permits no further transitions.
func (state State) Terminal() bool {
	return state == StateCommitted || state == StateReleased
}

// ParseState validates a stored reservation state.
func ParseState(raw string) (State, error) {
	switch State(raw) {
	case StateActive, StateCommitted, StateReleased, StateExpired:
		return State(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidState, raw)
}

// Reservation is a time-bounded hold on a user's tokens pending settlement.
type Reservation struct {
	ReservationID  string
	UserID         string
	ReservedTokens int64
	State          State
	CreatedUnixUTC int64
	ExpiresUnixUTC int64
}

// Settlement reports how a reservation was finally reconciled. AlreadySettled
// marks the sentinel outcome for a reservation that was no longer active (or
// past its TTL): the call was a no-op, not a failure.
type Settlement struct {
	ReservationID   string
	CommittedTokens int64
	ReleasedTokens  int64
	AlreadySettled  bool
}

// Store is the persistence contract used by Service. Ledger exposes the token
// ledger's store view bound to the same transaction, so a reservation state
// change and its balance mutation commit or roll back together.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	Ledger() tokenledger.Store
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, reservationID string) (Reservation, error)
	GetReservationForUpdate(ctx context.Context, reservationID string) (Reservation, error)
	UpdateReservationState(ctx context.Context, reservationID string, from State, to State) error
	ListExpiredActive(ctx context.Context, nowUnixUTC int64, limit int) ([]Reservation, error)
}
