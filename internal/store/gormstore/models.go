package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TokenBalance mirrors the token_balances table: one row per user, mutated
// only by the ledger's reserve/commit/release transactions.
type TokenBalance struct {
	UserID          string    `gorm:"primaryKey"`
	AvailableTokens int64     `gorm:"not null"`
	ReservedTokens  int64     `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (TokenBalance) TableName() string { return "token_balances" }

// TokenTransaction mirrors the append-only token_transactions audit log.
type TokenTransaction struct {
	TransactionID         string    `gorm:"type:uuid;primaryKey"`
	UserID                string    `gorm:"not null;index:uniq_token_txn_user_idem,unique,priority:1"`
	Type                  string    `gorm:"not null"`
	Tokens                int64     `gorm:"not null"`
	ReferenceID           string    `gorm:"index:idx_token_txn_reference"`
	IdempotencyKey        string    `gorm:"not null;index:uniq_token_txn_user_idem,unique,priority:2"`
	Purpose               string    `gorm:""`
	BalanceAfterAvailable int64     `gorm:"not null"`
	BalanceAfterReserved  int64     `gorm:"not null"`
	CreatedAt             time.Time `gorm:"not null"`
}

func (TokenTransaction) TableName() string { return "token_transactions" }

func (transaction *TokenTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Reservation mirrors the reservations table.
type Reservation struct {
	ReservationID  string    `gorm:"primaryKey"`
	UserID         string    `gorm:"not null;index:idx_reservations_user"`
	ReservedTokens int64     `gorm:"not null"`
	State          string    `gorm:"not null;index:idx_reservations_state_expires,priority:1"`
	ExpiresAt      time.Time `gorm:"not null;index:idx_reservations_state_expires,priority:2"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

// GenerationJob mirrors the generation_jobs table. ActiveUserID carries the
// user id while the job is non-terminal and NULL afterwards; its unique
// index is what guarantees at most one live job per user.
type GenerationJob struct {
	JobID                string         `gorm:"type:uuid;primaryKey"`
	UserID               string         `gorm:"not null;index:idx_jobs_user"`
	ActiveUserID         *string        `gorm:"uniqueIndex:uniq_jobs_active_user"`
	DocumentID           string         `gorm:"not null"`
	Scope                string         `gorm:""`
	Difficulty           string         `gorm:""`
	QuestionCount        int            `gorm:"not null"`
	WorkState            string         `gorm:"not null"`
	BillingState         string         `gorm:"not null"`
	ReservationID        string         `gorm:"index:idx_jobs_reservation"`
	EstimatedTokens      int64          `gorm:"not null"`
	InputTokens          int64          `gorm:"not null"`
	ActualTokens         int64          `gorm:"not null"`
	CommittedTokens      int64          `gorm:"not null"`
	WasCappedAtReserved  bool           `gorm:"not null"`
	TotalChunks          int            `gorm:"not null"`
	ProcessedChunks      int            `gorm:"not null"`
	HasStartedWork       bool           `gorm:"not null"`
	ReservationExpiresAt time.Time      `gorm:"not null"`
	BillingKeys          datatypes.JSON `gorm:"not null"`
	LastBillingError     string         `gorm:""`
	LastHeartbeatAt      *time.Time     `gorm:""`
	CreatedAt            time.Time      `gorm:"not null"`
	UpdatedAt            time.Time      `gorm:"not null"`
}

func (GenerationJob) TableName() string { return "generation_jobs" }

// Document mirrors the documents table holding uploaded source text.
type Document struct {
	DocumentID string    `gorm:"type:uuid;primaryKey"`
	UserID     string    `gorm:"not null;index:idx_documents_user"`
	Title      string    `gorm:""`
	Text       string    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (Document) TableName() string { return "documents" }

func (document *Document) BeforeCreate(tx *gorm.DB) error {
	if document.DocumentID == "" {
		document.DocumentID = uuid.NewString()
	}
	return nil
}

// Quiz and QuizQuestion hold assembled generation output.
type Quiz struct {
	QuizID     string    `gorm:"type:uuid;primaryKey"`
	JobID      string    `gorm:"not null;index:idx_quizzes_job"`
	UserID     string    `gorm:"not null;index:idx_quizzes_user"`
	DocumentID string    `gorm:"not null"`
	Title      string    `gorm:""`
	CreatedAt  time.Time `gorm:"not null"`
}

func (Quiz) TableName() string { return "quizzes" }

func (quiz *Quiz) BeforeCreate(tx *gorm.DB) error {
	if quiz.QuizID == "" {
		quiz.QuizID = uuid.NewString()
	}
	return nil
}

// QuizQuestion is one generated question inside a quiz.
type QuizQuestion struct {
	QuestionID string         `gorm:"type:uuid;primaryKey"`
	QuizID     string         `gorm:"not null;index:idx_quiz_questions_quiz"`
	Position   int            `gorm:"not null"`
	Question   string         `gorm:"not null"`
	Answer     string         `gorm:"not null"`
	Choices    datatypes.JSON `gorm:""`
	Difficulty string         `gorm:""`
	CreatedAt  time.Time      `gorm:"not null"`
}

func (QuizQuestion) TableName() string { return "quiz_questions" }

func (question *QuizQuestion) BeforeCreate(tx *gorm.DB) error {
	if question.QuestionID == "" {
		question.QuestionID = uuid.NewString()
	}
	return nil
}
