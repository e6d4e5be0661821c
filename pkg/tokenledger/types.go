package tokenledger

import (
	"context"
	"fmt"
	"strings"
)

// TokenAmount is an integer count of billing tokens.
type TokenAmount int64

// UserID identifies a balance owner.
type UserID struct {
	value string
}

// ReservationID identifies a hold on a user's tokens.
type ReservationID struct {
	value string
}

// IdempotencyKey scopes duplicate detection for ledger operations.
type IdempotencyKey struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewTokenAmount validates an amount and ensures it is strictly positive.
func NewTokenAmount(raw int64) (TokenAmount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidTokenAmount)
	}
	return TokenAmount(raw), nil
}

// Int64 returns the raw token count.
func (amount TokenAmount) Int64() int64 {
	return int64(amount)
}

// TransactionType enumerates ledger transaction kinds.
type TransactionType string

const (
	TransactionGrant   TransactionType = "grant"
	TransactionReserve TransactionType = "reserve"
	TransactionCommit  TransactionType = "commit"
	TransactionRelease TransactionType = "release"
)

// String returns the stable transaction type name.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionGrant, TransactionReserve, TransactionCommit, TransactionRelease:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// Balance is the per-user token balance row.
type Balance struct {
	UserID          string
	AvailableTokens int64
	ReservedTokens  int64
	UpdatedUnixUTC  int64
}

// Transaction is a single immutable line in the audit log.
type Transaction struct {
	TransactionID         string
	UserID                string
	Type                  TransactionType
	Tokens                int64
	ReferenceID           string
	IdempotencyKey        string
	Purpose               string
	BalanceAfterAvailable int64
	BalanceAfterReserved  int64
	CreatedUnixUTC        int64
}

// Hold is the ledger's view of a reservation: who holds how many tokens.
type Hold struct {
	ReservationID string
	UserID        string
	Tokens        int64
	Replayed      bool
}

// CommitResult reports how a hold was settled.
type CommitResult struct {
	CommittedTokens int64
	ReleasedTokens  int64
	Replayed        bool
}

// ReleaseResult reports a hold returned to the available balance.
type ReleaseResult struct {
	ReleasedTokens int64
	Replayed       bool
}

// Store is the persistence contract used by Service. Balance reads inside a
// transaction take an exclusive row lock.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateBalance(ctx context.Context, userID string) (Balance, error)
	GetBalance(ctx context.Context, userID string) (Balance, bool, error)
	UpdateBalance(ctx context.Context, balance Balance) error
	InsertTransaction(ctx context.Context, transaction Transaction) error
	GetTransactionByKey(ctx context.Context, userID string, idempotencyKey string) (Transaction, bool, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error)
}
