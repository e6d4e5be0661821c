package quizengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/Gegcuk/QuizMaker-sub013/internal/generation"
)

const (
	defaultChunkRunes  = 6000
	defaultModel       = openai.GPT4oMini
	defaultTemperature = 0.3
)

// DocumentSource resolves a document id to its raw text.
type DocumentSource interface {
	DocumentText(ctx context.Context, documentID string) (string, error)
}

// Config holds the completion provider settings.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	ChunkRunes int
	Logger     *zap.Logger
}

// Engine generates quiz items from stored documents using an
// OpenAI-compatible chat completion API. Documents are split into chunks and
// each chunk produces its share of the requested question count, with
// progress reported after every chunk.
type Engine struct {
	client     *openai.Client
	model      string
	chunkRunes int
	source     DocumentSource
	logger     *zap.Logger
}

// NewEngine creates an OpenAI-compatible quiz generation engine.
func NewEngine(cfg Config, source DocumentSource) (*Engine, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key is required", ErrInvalidEngineConfig)
	}
	if source == nil {
		return nil, fmt.Errorf("%w: document source is required", ErrInvalidEngineConfig)
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	chunkRunes := cfg.ChunkRunes
	if chunkRunes <= 0 {
		chunkRunes = defaultChunkRunes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      model,
		chunkRunes: chunkRunes,
		source:     source,
		logger:     logger,
	}, nil
}

// Generate implements generation.Engine.
func (engine *Engine) Generate(ctx context.Context, job generation.Job, progress generation.ProgressFunc) (generation.Result, error) {
	text, err := engine.source.DocumentText(ctx, job.DocumentID)
	if err != nil {
		return generation.Result{}, fmt.Errorf("load document %s: %w", job.DocumentID, err)
	}
	chunks := splitChunks(text, engine.chunkRunes)
	if len(chunks) == 0 {
		return generation.Result{TotalChunks: 0}, nil
	}

	items := make([]generation.QuizItem, 0, job.QuestionCount)
	for index, chunk := range chunks {
		quota := chunkQuota(job.QuestionCount, len(chunks), index)
		if quota == 0 {
			if err := progress(index, len(chunks), len(items)); err != nil {
				return generation.Result{}, err
			}
			continue
		}
		chunkItems, err := engine.generateChunk(ctx, job, chunk, quota)
		if err != nil {
			return generation.Result{}, err
		}
		items = append(items, chunkItems...)
		if err := progress(index, len(chunks), len(items)); err != nil {
			return generation.Result{}, err
		}
	}
	if len(items) > job.QuestionCount {
		items = items[:job.QuestionCount]
	}
	return generation.Result{Items: items, TotalChunks: len(chunks)}, nil
}

func (engine *Engine) generateChunk(ctx context.Context, job generation.Job, chunk string, quota int) ([]generation.QuizItem, error) {
	response, err := engine.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       engine.model,
		Temperature: defaultTemperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildPrompt(job, chunk, quota),
			},
		},
	})
	if err != nil {
		return nil, parseAPIError(err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("empty completion response: %w", ErrProviderError)
	}
	items, err := parseItems(response.Choices[0].Message.Content, job.Difficulty)
	if err != nil {
		return nil, err
	}
	engine.logger.Debug("generated chunk",
		zap.String("job_id", job.JobID),
		zap.Int("items", len(items)),
		zap.Int("prompt_tokens", response.Usage.PromptTokens),
		zap.Int("completion_tokens", response.Usage.CompletionTokens))
	return items, nil
}

const systemPrompt = "You are a quiz author. Produce multiple-choice questions " +
	"strictly grounded in the supplied text. Respond with a JSON object of the " +
	`form {"questions":[{"question":"...","answer":"...","choices":["...","...","...","..."]}]}. ` +
	"Every answer must appear verbatim among its choices."

func buildPrompt(job generation.Job, chunk string, quota int) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "Write %d %s-difficulty questions", quota, job.Difficulty)
	if job.Scope != "" {
		fmt.Fprintf(&builder, " focused on %q", job.Scope)
	}
	builder.WriteString(" about the following text.\n\n")
	builder.WriteString(chunk)
	return builder.String()
}

func parseItems(content string, difficulty string) ([]generation.QuizItem, error) {
	var parsed struct {
		Questions []struct {
			Question string   `json:"question"`
			Answer   string   `json:"answer"`
			Choices  []string `json:"choices"`
		} `json:"questions"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("malformed completion payload: %v: %w", err, ErrProviderError)
	}
	items := make([]generation.QuizItem, 0, len(parsed.Questions))
	for _, question := range parsed.Questions {
		if question.Question == "" || question.Answer == "" {
			continue
		}
		items = append(items, generation.QuizItem{
			Question:   question.Question,
			Answer:     question.Answer,
			Choices:    question.Choices,
			Difficulty: difficulty,
		})
	}
	return items, nil
}

// splitChunks cuts text into rune-bounded pieces, preferring paragraph
// boundaries when one falls inside the window.
func splitChunks(text string, chunkRunes int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	runes := []rune(trimmed)
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= chunkRunes {
			chunks = append(chunks, string(runes))
			break
		}
		cut := chunkRunes
		if boundary := lastParagraphBreak(runes[:cut]); boundary > chunkRunes/2 {
			cut = boundary
		}
		chunks = append(chunks, strings.TrimSpace(string(runes[:cut])))
		runes = runes[cut:]
	}
	return chunks
}

func lastParagraphBreak(runes []rune) int {
	for index := len(runes) - 1; index > 0; index-- {
		if runes[index] == '\n' && runes[index-1] == '\n' {
			return index
		}
	}
	return -1
}

// chunkQuota spreads the requested question count across chunks, front-loading
// the remainder so early chunks carry at most one extra question.
func chunkQuota(total int, chunks int, index int) int {
	base := total / chunks
	if index < total%chunks {
		return base + 1
	}
	return base
}
