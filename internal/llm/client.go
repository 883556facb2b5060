// Package llm provides the chat transport used by the strategist and the
// reflection engine. Callers depend on the ChatClient interface; the HTTP
// implementation speaks the OpenAI-compatible chat completions protocol
// (OpenRouter, or any gateway exposing the same shape).
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ChatClient issues one chat completion and returns the assistant content.
type ChatClient interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Config holds transport settings.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// Client is the HTTP ChatClient.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates an HTTP chat client.
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.With().Str("component", "llm").Logger(),
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
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string      `json:"message"`
		Type    string      `json:"type"`
		Code    interface{} `json:"code"` // string or number depending on gateway
	} `json:"error,omitempty"`
}

// Complete sends the system and user messages, retrying transient failures
// with exponential backoff (2s, 4s, 8s). The caller's context bounds the
// whole call including retries.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		content, err := c.doChat(ctx, system, user, attempt)
		if err == nil {
			return content, nil
		}
		lastErr = err

		if !isRetryableError(err) {
			return "", err
		}
		if attempt < c.cfg.MaxRetries {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			c.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).
				Msg("Retryable LLM error, backing off")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}

	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

// doChat performs a single chat completion request.
func (c *Client) doChat(ctx context.Context, system, user string, attempt int) (string, error) {
	start := time.Now()

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   4096,
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	c.log.Debug().Str("model", c.cfg.Model).Int("attempt", attempt).
		Int("prompt_chars", len(system)+len(user)).Msg("Sending LLM request")

	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no response choices returned")
	}

	c.log.Debug().Dur("elapsed", elapsed).
		Int("completion_tokens", chatResp.Usage.CompletionTokens).
		Msg("LLM response received")

	return chatResp.Choices[0].Message.Content, nil
}

// isRetryableError checks whether an error is transient and worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	retryable := []string{
		"timeout",
		"deadline exceeded",
		"connection reset",
		"connection refused",
		"temporary failure",
		"no such host",
		"eof",
		"stream error",
		"429", // rate limit
		"502", // bad gateway
		"503", // service unavailable
		"504", // gateway timeout
	}
	for _, pattern := range retryable {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// ExtractJSON pulls a JSON object out of a chat response. Models sometimes
// wrap the payload in markdown fences or prose; we take the outermost
// brace-delimited span.
func ExtractJSON(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	if json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object found in response")
	}
	candidate := trimmed[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return "", fmt.Errorf("extracted span is not valid JSON")
	}
	return candidate, nil
}
