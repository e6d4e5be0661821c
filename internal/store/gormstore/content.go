package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Gegcuk/QuizMaker-sub013/internal/generation"
)

// ErrDocumentNotFound is returned when a document id resolves to nothing.
var ErrDocumentNotFound = errors.New("document not found")

// ContentStore persists uploaded documents and assembled quizzes. It
// implements both the engine's document source and the orchestrator's
// assembler.
type ContentStore struct {
	db *gorm.DB
}

// NewContentStore returns a ContentStore backed by gorm.DB.
func NewContentStore(db *gorm.DB) *ContentStore {
	return &ContentStore{db: db}
}

// StoredDocument is the caller-facing view of an uploaded document.
type StoredDocument struct {
	DocumentID     string
	UserID         string
	Title          string
	Text           string
	CreatedUnixUTC int64
}

// CreateDocument stores uploaded source text and returns its id.
func (store *ContentStore) CreateDocument(ctx context.Context, userID string, title string, text string) (StoredDocument, error) {
	row := Document{
		UserID:    userID,
		Title:     title,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return StoredDocument{}, wrapStoreError(errorSubjectDocument, errorCodeCreate, err)
	}
	return StoredDocument{
		DocumentID:     row.DocumentID,
		UserID:         row.UserID,
		Title:          row.Title,
		Text:           row.Text,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

// DocumentText returns the raw text for a document id.
func (store *ContentStore) DocumentText(ctx context.Context, documentID string) (string, error) {
	var row Document
	err := store.db.WithContext(ctx).Take(&row, "document_id = ?", documentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", wrapStoreError(errorSubjectDocument, errorCodeGet, ErrDocumentNotFound)
	}
	if err != nil {
		return "", wrapStoreError(errorSubjectDocument, errorCodeGet, err)
	}
	return row.Text, nil
}

// Assemble persists the generated quiz and its questions in one
// transaction. Implements generation.Assembler.
func (store *ContentStore) Assemble(ctx context.Context, job generation.Job, items []generation.QuizItem) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		quiz := Quiz{
			JobID:      job.JobID,
			UserID:     job.UserID,
			DocumentID: job.DocumentID,
			Title:      job.Scope,
			CreatedAt:  time.Now().UTC(),
		}
		if err := transaction.Create(&quiz).Error; err != nil {
			return wrapStoreError(errorSubjectQuiz, errorCodeCreate, err)
		}
		questions := make([]QuizQuestion, 0, len(items))
		for position, item := range items {
			choicesJSON, err := json.Marshal(item.Choices)
			if err != nil {
				return wrapStoreError(errorSubjectQuiz, errorCodeInvalid, err)
			}
			questions = append(questions, QuizQuestion{
				QuizID:     quiz.QuizID,
				Position:   position,
				Question:   item.Question,
				Answer:     item.Answer,
				Choices:    datatypes.JSON(choicesJSON),
				Difficulty: item.Difficulty,
				CreatedAt:  time.Now().UTC(),
			})
		}
		if err := transaction.Create(&questions).Error; err != nil {
			return wrapStoreError(errorSubjectQuiz, errorCodeInsert, err)
		}
		return nil
	})
}
