package tokenledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Service contains the ledger logic over a Store. Every operation is a single
// transaction against one user's balance row, guarded by the idempotency key
// of the transaction log: a replayed key returns the prior outcome without
// touching the balance.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the user's current balance. A user with no ledger history
// has a zero balance.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	balance, found, err := service.store.GetBalance(ctx, userID.String())
	if err != nil {
		return Balance{}, err
	}
	if !found {
		return Balance{UserID: userID.String()}, nil
	}
	return balance, nil
}

// Reserve moves tokens from available to reserved and records a reserve
// transaction. Replaying the same idempotency key returns the previously
// created hold unchanged.
func (service *Service) Reserve(ctx context.Context, userID UserID, amount TokenAmount, purpose string, reservationID ReservationID, idempotencyKey IdempotencyKey) (Hold, error) {
	var hold Hold
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		prior, found, err := transactionStore.GetTransactionByKey(ctx, userID.String(), idempotencyKey.String())
		if err != nil {
			return err
		}
		if found {
			if prior.Type != TransactionReserve {
				return WrapError(operationReserve, "transaction", "key_reuse", ErrDuplicateIdempotencyKey)
			}
			hold = Hold{
				ReservationID: prior.ReferenceID,
				UserID:        prior.UserID,
				Tokens:        prior.Tokens,
				Replayed:      true,
			}
			return nil
		}
		balance, err := transactionStore.GetOrCreateBalance(ctx, userID.String())
		if err != nil {
			return err
		}
		if balance.AvailableTokens < amount.Int64() {
			return ErrInsufficientTokens
		}
		nowUnixUTC := service.nowFn()
		balance.AvailableTokens -= amount.Int64()
		balance.ReservedTokens += amount.Int64()
		balance.UpdatedUnixUTC = nowUnixUTC
		if err := transactionStore.UpdateBalance(ctx, balance); err != nil {
			return err
		}
		if err := transactionStore.InsertTransaction(ctx, Transaction{
			TransactionID:         uuid.NewString(),
			UserID:                userID.String(),
			Type:                  TransactionReserve,
			Tokens:                amount.Int64(),
			ReferenceID:           reservationID.String(),
			IdempotencyKey:        idempotencyKey.String(),
			Purpose:               purpose,
			BalanceAfterAvailable: balance.AvailableTokens,
			BalanceAfterReserved:  balance.ReservedTokens,
			CreatedUnixUTC:        nowUnixUTC,
		}); err != nil {
			return err
		}
		hold = Hold{
			ReservationID: reservationID.String(),
			UserID:        userID.String(),
			Tokens:        amount.Int64(),
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationReserve,
		UserID:         userID,
		ReservationID:  reservationID,
		Tokens:         amount.Int64(),
		Purpose:        purpose,
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	return hold, operationError
}

// Commit settles a hold: amount is recorded as spent, and the uncommitted
// remainder of the held tokens is returned to available in the same atomic
// step. Requires amount <= heldTokens.
func (service *Service) Commit(ctx context.Context, userID UserID, reservationID ReservationID, heldTokens TokenAmount, amount TokenAmount, purpose string, idempotencyKey IdempotencyKey) (CommitResult, error) {
	var result CommitResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		prior, found, err := transactionStore.GetTransactionByKey(ctx, userID.String(), idempotencyKey.String())
		if err != nil {
			return err
		}
		if found {
			if prior.Type != TransactionCommit {
				return WrapError(operationCommit, "transaction", "key_reuse", ErrDuplicateIdempotencyKey)
			}
			result = CommitResult{
				CommittedTokens: prior.Tokens,
				ReleasedTokens:  heldTokens.Int64() - prior.Tokens,
				Replayed:        true,
			}
			return nil
		}
		if amount.Int64() > heldTokens.Int64() {
			return ErrCommitExceedsHold
		}
		balance, err := transactionStore.GetOrCreateBalance(ctx, userID.String())
		if err != nil {
			return err
		}
		if balance.ReservedTokens < heldTokens.Int64() {
			return WrapError(operationCommit, "balance", "reserved_underflow", ErrLedgerInconsistency)
		}
		remainder := heldTokens.Int64() - amount.Int64()
		nowUnixUTC := service.nowFn()
		balance.ReservedTokens -= heldTokens.Int64()
		balance.AvailableTokens += remainder
		balance.UpdatedUnixUTC = nowUnixUTC
		if err := transactionStore.UpdateBalance(ctx, balance); err != nil {
			return err
		}
		if err := transactionStore.InsertTransaction(ctx, Transaction{
			TransactionID:         uuid.NewString(),
			UserID:                userID.String(),
			Type:                  TransactionCommit,
			Tokens:                amount.Int64(),
			ReferenceID:           reservationID.String(),
			IdempotencyKey:        idempotencyKey.String(),
			Purpose:               purpose,
			BalanceAfterAvailable: balance.AvailableTokens,
			BalanceAfterReserved:  balance.ReservedTokens,
			CreatedUnixUTC:        nowUnixUTC,
		}); err != nil {
			return err
		}
		result = CommitResult{
			CommittedTokens: amount.Int64(),
			ReleasedTokens:  remainder,
		}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationCommit,
		UserID:         userID,
		ReservationID:  reservationID,
		Tokens:         amount.Int64(),
		Purpose:        purpose,
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	return result, operationError
}

// Release returns a hold's full remaining tokens to available.
func (service *Service) Release(ctx context.Context, userID UserID, reservationID ReservationID, heldTokens TokenAmount, reason string, purpose string, idempotencyKey IdempotencyKey) (ReleaseResult, error) {
	var result ReleaseResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		prior, found, err := transactionStore.GetTransactionByKey(ctx, userID.String(), idempotencyKey.String())
		if err != nil {
			return err
		}
		if found {
			if prior.Type != TransactionRelease {
				return WrapError(operationRelease, "transaction", "key_reuse", ErrDuplicateIdempotencyKey)
			}
			result = ReleaseResult{ReleasedTokens: prior.Tokens, Replayed: true}
			return nil
		}
		balance, err := transactionStore.GetOrCreateBalance(ctx, userID.String())
		if err != nil {
			return err
		}
		if balance.ReservedTokens < heldTokens.Int64() {
			return WrapError(operationRelease, "balance", "reserved_underflow", ErrLedgerInconsistency)
		}
		nowUnixUTC := service.nowFn()
		balance.ReservedTokens -= heldTokens.Int64()
		balance.AvailableTokens += heldTokens.Int64()
		balance.UpdatedUnixUTC = nowUnixUTC
		if err := transactionStore.UpdateBalance(ctx, balance); err != nil {
			return err
		}
		if err := transactionStore.InsertTransaction(ctx, Transaction{
			TransactionID:         uuid.NewString(),
			UserID:                userID.String(),
			Type:                  TransactionRelease,
			Tokens:                heldTokens.Int64(),
			ReferenceID:           reservationID.String(),
			IdempotencyKey:        idempotencyKey.String(),
			Purpose:               fmt.Sprintf("%s:%s", purpose, reason),
			BalanceAfterAvailable: balance.AvailableTokens,
			BalanceAfterReserved:  balance.ReservedTokens,
			CreatedUnixUTC:        nowUnixUTC,
		}); err != nil {
			return err
		}
		result = ReleaseResult{ReleasedTokens: heldTokens.Int64()}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationRelease,
		UserID:         userID,
		ReservationID:  reservationID,
		Tokens:         heldTokens.Int64(),
		Purpose:        purpose,
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	return result, operationError
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
