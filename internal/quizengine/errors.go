package quizengine

import (
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// ErrProviderError marks failures originating in the completion provider so
// callers can map them to an upstream-failure response.
var ErrProviderError = errors.New("quiz generation provider error")

// ErrInvalidEngineConfig is returned when engine construction parameters are
// missing or out of range.
var ErrInvalidEngineConfig = errors.New("invalid quiz engine config")

// parseAPIError extracts a human-readable error from the API response. All
// errors are wrapped with ErrProviderError for correct upstream mapping.
func parseAPIError(err error) error {
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		detail := extractDetail(reqErr.Body)
		if detail != "" {
			return fmt.Errorf("completion API error %d: %s: %w",
				reqErr.HTTPStatusCode, detail, ErrProviderError)
		}
		return fmt.Errorf("completion API error %d: %s: %w",
			reqErr.HTTPStatusCode, string(reqErr.Body), ErrProviderError)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("completion API error %d: %s: %w",
			apiErr.HTTPStatusCode, apiErr.Message, ErrProviderError)
	}

	return fmt.Errorf("completion request failed: %v: %w", err, ErrProviderError)
}

// extractDetail extracts the "detail" field from a JSON error body.
func extractDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return ""
}
