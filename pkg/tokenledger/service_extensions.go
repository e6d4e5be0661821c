package tokenledger

import (
	"context"

	"github.com/google/uuid"
)

// GrantResult reports tokens added to a user's available balance.
type GrantResult struct {
	GrantedTokens int64
	Replayed      bool
}

// Grant adds tokens to the user's available balance and records a grant
// transaction. Grants only ever touch the available side; reserved tokens are
// owned exclusively by the reserve, commit and release operations.
func (service *Service) Grant(ctx context.Context, userID UserID, amount TokenAmount, purpose string, idempotencyKey IdempotencyKey) (GrantResult, error) {
	var result GrantResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		prior, found, err := transactionStore.GetTransactionByKey(ctx, userID.String(), idempotencyKey.String())
		if err != nil {
			return err
		}
		if found {
			if prior.Type != TransactionGrant {
				return WrapError(operationGrant, "transaction", "key_reuse", ErrDuplicateIdempotencyKey)
			}
			result = GrantResult{GrantedTokens: prior.Tokens, Replayed: true}
			return nil
		}
		balance, err := transactionStore.GetOrCreateBalance(ctx, userID.String())
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		balance.AvailableTokens += amount.Int64()
		balance.UpdatedUnixUTC = nowUnixUTC
		if err := transactionStore.UpdateBalance(ctx, balance); err != nil {
			return err
		}
		if err := transactionStore.InsertTransaction(ctx, Transaction{
			TransactionID:         uuid.NewString(),
			UserID:                userID.String(),
			Type:                  TransactionGrant,
			Tokens:                amount.Int64(),
			IdempotencyKey:        idempotencyKey.String(),
			Purpose:               purpose,
			BalanceAfterAvailable: balance.AvailableTokens,
			BalanceAfterReserved:  balance.ReservedTokens,
			CreatedUnixUTC:        nowUnixUTC,
		}); err != nil {
			return err
		}
		result = GrantResult{GrantedTokens: amount.Int64()}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationGrant,
		UserID:         userID,
		Tokens:         amount.Int64(),
		Purpose:        purpose,
		IdempotencyKey: idempotencyKey,
		Error:          operationError,
	})
	return result, operationError
}

// Transactions lists the user's audit log, newest first.
func (service *Service) Transactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	return service.store.ListTransactions(ctx, userID.String(), limit)
}
