package quizengine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Gegcuk/QuizMaker-sub013/internal/generation"
)

func requestFor(documentID string, difficulty string, questionCount int) generation.Request {
	return generation.Request{
		DocumentID:    documentID,
		Difficulty:    difficulty,
		QuestionCount: questionCount,
	}
}

type stubSource struct {
	texts map[string]string
}

func (source *stubSource) DocumentText(ctx context.Context, documentID string) (string, error) {
	text, ok := source.texts[documentID]
	if !ok {
		return "", errors.New("document not found")
	}
	return text, nil
}

func TestSplitChunksKeepsShortTextWhole(test *testing.T) {
	test.Parallel()
	chunks := splitChunks("a short document", 6000)
	if len(chunks) != 1 || chunks[0] != "a short document" {
		test.Fatalf("unexpected chunks: %q", chunks)
	}
}

func TestSplitChunksPrefersParagraphBoundaries(test *testing.T) {
	test.Parallel()
	first := strings.Repeat("a", 60)
	second := strings.Repeat("b", 60)
	chunks := splitChunks(first+"\n\n"+second, 100)
	if len(chunks) != 2 {
		test.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0] != first {
		test.Fatalf("first chunk crossed the paragraph break: %q", chunks[0])
	}
}

func TestSplitChunksEmptyText(test *testing.T) {
	test.Parallel()
	if chunks := splitChunks("   \n  ", 100); chunks != nil {
		test.Fatalf("expected no chunks, got %q", chunks)
	}
}

func TestChunkQuotaFrontLoadsRemainder(test *testing.T) {
	test.Parallel()
	total := 0
	for index := 0; index < 3; index++ {
		total += chunkQuota(10, 3, index)
	}
	if total != 10 {
		test.Fatalf("quotas do not sum to the request: %d", total)
	}
	if chunkQuota(10, 3, 0) != 4 || chunkQuota(10, 3, 2) != 3 {
		test.Fatalf("unexpected quota distribution")
	}
}

func TestParseItemsDropsIncompleteQuestions(test *testing.T) {
	test.Parallel()
	payload := `{"questions":[
		{"question":"What is Go?","answer":"A language","choices":["A language","A game"]},
		{"question":"","answer":"orphaned"}
	]}`
	items, err := parseItems(payload, "medium")
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	if len(items) != 1 {
		test.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Difficulty != "medium" {
		test.Fatalf("difficulty not stamped: %q", items[0].Difficulty)
	}
}

func TestParseItemsMalformedPayload(test *testing.T) {
	test.Parallel()
	_, err := parseItems("not json", "medium")
	if !errors.Is(err, ErrProviderError) {
		test.Fatalf("expected ErrProviderError, got %v", err)
	}
}

func TestEstimatorScalesWithDocumentAndQuestions(test *testing.T) {
	test.Parallel()
	source := &stubSource{texts: map[string]string{
		"doc-1": strings.Repeat("word ", 800), // 4000 runes, about 1000 input tokens
	}}
	estimator, err := NewCostEstimator(source)
	if err != nil {
		test.Fatalf("estimator: %v", err)
	}

	estimate, err := estimator.Estimate(context.Background(), requestFor("doc-1", "medium", 10))
	if err != nil {
		test.Fatalf("estimate: %v", err)
	}
	if estimate.InputTokens != 1000 {
		test.Fatalf("expected 1000 input tokens, got %d", estimate.InputTokens)
	}
	if estimate.EstimatedTokens != 1000+10*tokensPerQuestionMedium {
		test.Fatalf("unexpected estimate %d", estimate.EstimatedTokens)
	}

	actual := estimator.ActualTokens(10, "medium", estimate.InputTokens)
	if actual != estimate.EstimatedTokens {
		test.Fatalf("full production should match the estimate: %d vs %d", actual, estimate.EstimatedTokens)
	}
	if estimator.ActualTokens(5, "medium", estimate.InputTokens) >= actual {
		test.Fatalf("fewer items must cost less")
	}
}

func TestEstimatorDifficultyOrdering(test *testing.T) {
	test.Parallel()
	estimator, err := NewCostEstimator(&stubSource{texts: map[string]string{"doc": "text"}})
	if err != nil {
		test.Fatalf("estimator: %v", err)
	}
	easy := estimator.ActualTokens(10, "easy", 0)
	medium := estimator.ActualTokens(10, "medium", 0)
	hard := estimator.ActualTokens(10, "hard", 0)
	if !(easy < medium && medium < hard) {
		test.Fatalf("difficulty cost not monotonic: %d %d %d", easy, medium, hard)
	}
}

func TestNewEngineRequiresAPIKey(test *testing.T) {
	test.Parallel()
	_, err := NewEngine(Config{}, &stubSource{})
	if !errors.Is(err, ErrInvalidEngineConfig) {
		test.Fatalf("expected ErrInvalidEngineConfig, got %v", err)
	}
}
