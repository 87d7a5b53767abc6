// Package httpllm provides a completion connector for OpenAI-compatible
// chat completion endpoints.
package httpllm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fentz26/cadre/internal/completion"
)

const maxResponseBytes = 2 << 20

// Config configures the HTTP connector.
type Config struct {
	BaseURL   string
	Model     string
	APIKeyEnv string
	Timeout   time.Duration
}

// Connector calls POST {BaseURL}/chat/completions.
type Connector struct {
	cfg    Config
	client *http.Client
}

// New creates an HTTP connector.
func New(cfg Config) *Connector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Connector{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Name returns the connector identifier.
func (c *Connector) Name() string {
	return "httpllm"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	User        string        `json:"user,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate sends the prompt as a single user message.
func (c *Connector) Generate(ctx context.Context, prompt string, opts completion.Options) (*completion.Response, error) {
	payload := chatRequest{
		Model:     c.cfg.Model,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens: opts.MaxTokens,
		User:      opts.AgentID,
	}
	if opts.Temperature > 0 {
		payload.Temperature = &opts.Temperature
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &completion.Error{Provider: c.Name(), Message: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, chatCompletionsURL(c.cfg.BaseURL), bytes.NewReader(body))
	if err != nil {
		return nil, &completion.Error{Provider: c.Name(), Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKeyEnv != "" {
		if key := strings.TrimSpace(os.Getenv(c.cfg.APIKeyEnv)); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
	}
	if opts.CorrelationID != "" {
		req.Header.Set("X-Request-ID", opts.CorrelationID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &completion.Error{Provider: c.Name(), Message: "send request", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &completion.Error{Provider: c.Name(), Message: "read response", Err: err}
	}

	var out chatResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return nil, &completion.Error{Provider: c.Name(), StatusCode: resp.StatusCode, Message: trim(msg, 300)}
	}
	if decodeErr != nil {
		return nil, &completion.Error{Provider: c.Name(), Message: "decode response", Err: decodeErr}
	}
	if len(out.Choices) == 0 {
		return nil, &completion.Error{Provider: c.Name(), Message: "response has no choices"}
	}

	content := out.Choices[0].Message.Content
	usage := completion.Usage{}
	if out.Usage != nil {
		usage = completion.Usage{
			Prompt:     out.Usage.PromptTokens,
			Completion: out.Usage.CompletionTokens,
			Total:      out.Usage.TotalTokens,
		}
		if usage.Total == 0 {
			usage.Total = usage.Prompt + usage.Completion
		}
	} else {
		usage.Prompt = completion.EstimateTokens(prompt)
		usage.Completion = completion.EstimateTokens(content)
		usage.Total = usage.Prompt + usage.Completion
	}

	return &completion.Response{Content: content, TokensUsed: usage}, nil
}

func chatCompletionsURL(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	return base + "/chat/completions"
}

func trim(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:max], len(s))
}
