package quizengine

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/Gegcuk/QuizMaker-sub013/internal/generation"
)

const (
	// Rough average for English prose against common BPE tokenizers.
	runesPerToken = 4

	tokensPerQuestionEasy   = 40
	tokensPerQuestionMedium = 60
	tokensPerQuestionHard   = 90
)

// CostEstimator prices generation work from document size and the requested
// question count. It implements generation.Estimator with the same model on
// both sides: the pre-work estimate and the post-work actual differ only in
// whether the question count is requested or produced.
type CostEstimator struct {
	source DocumentSource
}

// NewCostEstimator returns a CostEstimator reading document sizes from source.
func NewCostEstimator(source DocumentSource) (*CostEstimator, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: document source is required", ErrInvalidEngineConfig)
	}
	return &CostEstimator{source: source}, nil
}

// Estimate implements generation.Estimator.
func (estimator *CostEstimator) Estimate(ctx context.Context, request generation.Request) (generation.Estimate, error) {
	text, err := estimator.source.DocumentText(ctx, request.DocumentID)
	if err != nil {
		return generation.Estimate{}, fmt.Errorf("load document %s: %w", request.DocumentID, err)
	}
	inputTokens := int64(utf8.RuneCountInString(text) / runesPerToken)
	if inputTokens == 0 {
		inputTokens = 1
	}
	return generation.Estimate{
		InputTokens:     inputTokens,
		EstimatedTokens: inputTokens + int64(request.QuestionCount)*tokensPerQuestion(request.Difficulty),
	}, nil
}

// ActualTokens implements generation.Estimator.
func (estimator *CostEstimator) ActualTokens(producedItems int, difficulty string, inputTokens int64) int64 {
	return inputTokens + int64(producedItems)*tokensPerQuestion(difficulty)
}

func tokensPerQuestion(difficulty string) int64 {
	switch difficulty {
	case "easy":
		return tokensPerQuestionEasy
	case "hard":
		return tokensPerQuestionHard
	default:
		return tokensPerQuestionMedium
	}
}
