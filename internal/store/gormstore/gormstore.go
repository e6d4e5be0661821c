package gormstore

import (
	"errors"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/Gegcuk/QuizMaker-sub013/pkg/tokenledger"
)

const (
	constraintTransactionIdempotencyKey = "uniq_token_txn_user_idem"
	constraintReservationPrimary        = "reservations_pkey"
	constraintActiveJobUser             = "uniq_jobs_active_user"
	pgUniqueViolationCode               = "23505"
	sqliteConstraintCode                = 19

	errorOperationStore     = "store"
	errorSubjectBalance     = "balance"
	errorSubjectTransaction = "transaction"
	errorSubjectReservation = "reservation"
	errorSubjectJob         = "job"
	errorSubjectDocument    = "document"
	errorSubjectQuiz        = "quiz"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeUpdate         = "update"
	errorCodeUpdateState    = "update_state"
)

func wrapStoreError(subject string, code string, err error) error {
	return tokenledger.WrapError(errorOperationStore, subject, code, err)
}

// isUniqueViolation reports whether err is a unique-constraint violation on
// the named constraint (postgres) or any constraint (sqlite, which does not
// surface constraint names through the driver error).
func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
