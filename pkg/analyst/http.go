package analyst

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mbo-labs/budgetpilot/pkg/contracts"
)

const systemPrompt = `You are a marketing budget analyst for a cross-platform ad portfolio.
All monetary amounts are integer minor units (cents). Respond with a single
JSON object and nothing else, matching this shape:

{
  "overall_health": "EXCELLENT|GOOD|FAIR|POOR|CRITICAL",
  "summary": "...",
  "proposals": [
    {
      "platform": "google_ads|meta_ads|tiktok_ads|linkedin_ads",
      "external_id": "...",
      "kind": "PAUSE|RESUME|INCREASE_BUDGET|DECREASE_BUDGET|REALLOCATE|CREATE_CAMPAIGN|STRATEGY_CHANGE",
      "from_state": {"status": "ENABLED|PAUSED|REMOVED", "daily_budget": 0},
      "to_state": {"status": "ENABLED|PAUSED|REMOVED", "daily_budget": 0},
      "confidence": 0.0,
      "reasoning": "...",
      "expected_impact": {"metric": "...", "change_percent": 0.0}
    }
  ],
  "alerts": [
    {"platform": "...", "external_id": "...", "signal": "...", "severity": "INFO|WARNING|CRITICAL", "detail": "..."}
  ]
}

from_state must echo the campaign state given to you. Only propose changes
with confidence at or above the stated threshold; lower-confidence ideas
belong in the summary, not in proposals.`

// HTTPClient talks to an OpenAI-compatible chat completions endpoint.
type HTTPClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	clock   func() time.Time
}

// NewHTTPClient creates a client against baseURL (for example
// https://api.openai.com/v1). timeout bounds the whole exchange.
func NewHTTPClient(baseURL, apiKey, model string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: timeout},
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (c *HTTPClient) WithClock(clock func() time.Time) *HTTPClient {
	c.clock = clock
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *HTTPClient) Analyze(ctx context.Context, req Request) (Response, error) {
	userContent, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal analysis request: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(userContent)},
		},
		Temperature:    0,
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return Response{}, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return Response{}, contracts.NewAdapterError(contracts.ErrAnalystTimeout, "", err)
		}
		return Response{}, contracts.NewAdapterError(contracts.ErrTransient, "", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		kind := contracts.ErrTransient
		if resp.StatusCode == http.StatusTooManyRequests {
			kind = contracts.ErrRateLimited
		}
		return Response{}, contracts.NewAdapterError(kind, "", fmt.Errorf("analyst endpoint: status %d", resp.StatusCode))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return Response{}, contracts.NewAdapterError(contracts.ErrAnalystMalformed, "", fmt.Errorf("decode chat response: %w", err))
	}
	if len(chat.Choices) == 0 {
		return Response{}, contracts.NewAdapterError(contracts.ErrAnalystMalformed, "", errors.New("empty choices in chat response"))
	}

	return ParseResponse([]byte(chat.Choices[0].Message.Content), c.clock().UTC())
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

var _ Client = (*HTTPClient)(nil)
