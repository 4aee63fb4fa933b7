package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config holds connection settings for an OpenAI-compatible endpoint.
type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	AdvancedModel string
	Timeout       time.Duration
}

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewOpenAI creates a client for an OpenAI-compatible API.
func NewOpenAI(cfg Config, logger *zap.Logger) *OpenAI {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	return &OpenAI{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// Generate sends one chat request and returns the assistant text.
func (c *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	model := c.cfg.Model
	if req.Advanced && c.cfg.AdvancedModel != "" {
		model = c.cfg.AdvancedModel
	}

	messages := make([]chatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return "", fmt.Errorf("empty response from model")
	}
	return strings.TrimSpace(chat.Choices[0].Message.Content), nil
}

// Score sends a scoring request and parses the structured result. The
// model is asked for JSON; a bare number is accepted as a fallback since
// smaller models often ignore format instructions.
func (c *OpenAI) Score(ctx context.Context, req Request) (*ScoreResult, error) {
	if req.MaxTokens == 0 {
		req.MaxTokens = 120
	}
	if req.Temperature == 0 {
		req.Temperature = 0.1
	}
	raw, err := c.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return ParseScore(raw)
}

// ParseScore extracts a ScoreResult from model output. Accepts a JSON
// object (optionally fenced) or a bare number; the score is clamped
// to [0,1].
func ParseScore(raw string) (*ScoreResult, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var result ScoreResult
	if err := json.Unmarshal([]byte(cleaned), &result); err == nil {
		result.Score = clamp01(result.Score)
		return &result, nil
	}

	if fields := strings.Fields(cleaned); len(fields) > 0 {
		if v, err := strconv.ParseFloat(fields[0], 64); err == nil {
			return &ScoreResult{Score: clamp01(v)}, nil
		}
	}
	return nil, fmt.Errorf("unparseable score output: %q", raw)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
