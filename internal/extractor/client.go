package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"mailschedule/pkg/circuitbreaker"
	"mailschedule/pkg/config"
	"mailschedule/pkg/metrics"
	"mailschedule/pkg/otel"
	"mailschedule/pkg/trace"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelClient sends a system+user exchange and returns the raw completion text.
type ModelClient interface {
	Complete(ctx context.Context, messages []Message, jsonMode bool) (string, error)
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Stream         bool            `json:"stream"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// statusError is a non-2xx reply from the model endpoint.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.code >= 500 {
		return fmt.Sprintf("model service 5xx: %d", e.code)
	}
	return fmt.Sprintf("model service error: %d: %s", e.code, e.body)
}

// HTTPModelClient talks to an OpenAI-compatible chat completions endpoint.
type HTTPModelClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker
}

func NewHTTPModelClient(cfg config.LLMConfig) *HTTPModelClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &HTTPModelClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		// 4xx 是请求本身的问题，不计入熔断
		cb: circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
			FailureThreshold:    3,
			SuccessThreshold:    2,
			Timeout:             30 * time.Second,
			HalfOpenMaxRequests: 2,
			IsFailure: func(err error) bool {
				var se *statusError
				return !errors.As(err, &se) || se.code >= 500 || se.code == http.StatusTooManyRequests
			},
		}),
	}
}

func (c *HTTPModelClient) Complete(ctx context.Context, messages []Message, jsonMode bool) (string, error) {
	var content string
	err := c.cb.Execute(func() error {
		return otel.WithClientSpan(ctx, "model", "chat.completions", func(ctx context.Context) error {
			var err error
			content, err = c.do(ctx, messages, jsonMode)
			return err
		})
	})
	return content, err
}

func (c *HTTPModelClient) do(ctx context.Context, messages []Message, jsonMode bool) (string, error) {
	payload := chatRequest{Model: c.model, Messages: messages}
	if jsonMode {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if traceID := trace.FromContext(ctx); traceID != "" {
		req.Header.Set(trace.HeaderName, traceID)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordModelCallLatency(c.model, "error", time.Since(start))
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		status := fmt.Sprintf("%d", resp.StatusCode)
		if resp.StatusCode >= 500 {
			status = "5xx"
		}
		metrics.RecordModelCallLatency(c.model, status, time.Since(start))
		return "", &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
	}
	metrics.RecordModelCallLatency(c.model, "success", time.Since(start))

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode model response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("model response has no choices")
	}
	return decoded.Choices[0].Message.Content, nil
}
