package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Gegcuk/QuizMaker-sub013/pkg/tokenledger"
)

// LedgerStore implements tokenledger.Store using GORM.
type LedgerStore struct {
	db *gorm.DB
}

// NewLedgerStore returns a LedgerStore backed by gorm.DB.
func NewLedgerStore(db *gorm.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *LedgerStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore tokenledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &LedgerStore{db: transaction})
	})
}

// GetOrCreateBalance reads the user's balance row under an exclusive lock,
// creating a zero row for first-time users.
func (store *LedgerStore) GetOrCreateBalance(ctx context.Context, userID string) (tokenledger.Balance, error) {
	var row TokenBalance
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Take(&row, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = TokenBalance{UserID: userID, UpdatedAt: time.Now().UTC()}
		if createErr := store.db.WithContext(ctx).Create(&row).Error; createErr != nil {
			return tokenledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, createErr)
		}
	} else if err != nil {
		return tokenledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return mapBalance(row), nil
}

// GetBalance reads the user's balance row without locking.
func (store *LedgerStore) GetBalance(ctx context.Context, userID string) (tokenledger.Balance, bool, error) {
	var row TokenBalance
	err := store.db.WithContext(ctx).Take(&row, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tokenledger.Balance{}, false, nil
	}
	if err != nil {
		return tokenledger.Balance{}, false, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return mapBalance(row), true, nil
}

// UpdateBalance writes new available/reserved counts for the user's row.
func (store *LedgerStore) UpdateBalance(ctx context.Context, balance tokenledger.Balance) error {
	result := store.db.WithContext(ctx).
		Model(&TokenBalance{}).
		Where("user_id = ?", balance.UserID).
		Updates(map[string]interface{}{
			"available_tokens": balance.AvailableTokens,
			"reserved_tokens":  balance.ReservedTokens,
			"updated_at":       time.Unix(balance.UpdatedUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return nil
}

// InsertTransaction appends an audit-log line; a duplicate idempotency key
// for the user maps to tokenledger.ErrDuplicateIdempotencyKey.
func (store *LedgerStore) InsertTransaction(ctx context.Context, transaction tokenledger.Transaction) error {
	row := TokenTransaction{
		TransactionID:         transaction.TransactionID,
		UserID:                transaction.UserID,
		Type:                  transaction.Type.String(),
		Tokens:                transaction.Tokens,
		ReferenceID:           transaction.ReferenceID,
		IdempotencyKey:        transaction.IdempotencyKey,
		Purpose:               transaction.Purpose,
		BalanceAfterAvailable: transaction.BalanceAfterAvailable,
		BalanceAfterReserved:  transaction.BalanceAfterReserved,
		CreatedAt:             time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintTransactionIdempotencyKey) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, tokenledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

// GetTransactionByKey looks up the audit line written for an idempotency
// key, if any.
func (store *LedgerStore) GetTransactionByKey(ctx context.Context, userID string, idempotencyKey string) (tokenledger.Transaction, bool, error) {
	var row TokenTransaction
	err := store.db.WithContext(ctx).
		Take(&row, "user_id = ? AND idempotency_key = ?", userID, idempotencyKey).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tokenledger.Transaction{}, false, nil
	}
	if err != nil {
		return tokenledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeLookup, err)
	}
	transaction, err := mapTransaction(row)
	if err != nil {
		return tokenledger.Transaction{}, false, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, true, nil
}

// ListTransactions lists the user's audit log newest first.
func (store *LedgerStore) ListTransactions(ctx context.Context, userID string, limit int) ([]tokenledger.Transaction, error) {
	var rows []TokenTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]tokenledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func mapBalance(row TokenBalance) tokenledger.Balance {
	return tokenledger.Balance{
		UserID:          row.UserID,
		AvailableTokens: row.AvailableTokens,
		ReservedTokens:  row.ReservedTokens,
		UpdatedUnixUTC:  row.UpdatedAt.Unix(),
	}
}

func mapTransaction(row TokenTransaction) (tokenledger.Transaction, error) {
	transactionType, err := tokenledger.ParseTransactionType(row.Type)
	if err != nil {
		return tokenledger.Transaction{}, err
	}
	return tokenledger.Transaction{
		TransactionID:         row.TransactionID,
		UserID:                row.UserID,
		Type:                  transactionType,
		Tokens:                row.Tokens,
		ReferenceID:           row.ReferenceID,
		IdempotencyKey:        row.IdempotencyKey,
		Purpose:               row.Purpose,
		BalanceAfterAvailable: row.BalanceAfterAvailable,
		BalanceAfterReserved:  row.BalanceAfterReserved,
		CreatedUnixUTC:        row.CreatedAt.Unix(),
	}, nil
}
