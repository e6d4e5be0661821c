package generation

import "context"

// Request describes one quiz generation attempt.
type Request struct {
	DocumentID    string
	Scope         string
	Difficulty    string
	QuestionCount int
}

// Estimate is the cost model's prediction for a request.
type Estimate struct {
	InputTokens     int64
	EstimatedTokens int64
}

// Estimator prices generation work. Estimate predicts cost before any work
// happens; ActualTokens computes the true cost from what was produced.
type Estimator interface {
	Estimate(ctx context.Context, request Request) (Estimate, error)
	ActualTokens(producedItems int, difficulty string, inputTokens int64) int64
}

// QuizItem is one generated question.
type QuizItem struct {
	Question   string
	Answer     string
	Choices    []string
	Difficulty string
}

// Result is the engine's output for a completed job.
type Result struct {
	Items       []QuizItem
	TotalChunks int
}

// ProgressFunc reports per-chunk progress. Returning an error aborts the
// engine; the orchestrator uses this to stop work on a cancelled job.
type ProgressFunc func(chunkIndex int, totalChunks int, itemsProduced int) error

// Engine turns a document into quiz items, reporting chunk progress as it
// goes. The orchestrator only consumes counts and the completion or failure
// signal.
type Engine interface {
	Generate(ctx context.Context, job Job, progress ProgressFunc) (Result, error)
}

// Assembler persists the final quiz artifacts. A failure here is a job
// failure and triggers cancellation-style settlement.
type Assembler interface {
	Assemble(ctx context.Context, job Job, items []QuizItem) error
}
