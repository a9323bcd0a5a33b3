// Package upstream calls the Gemini generateContent endpoint on behalf of
// clients so the API key never leaves the server.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultEndpoint = "https://generativelanguage.googleapis.com"
	DefaultModel    = "gemini-2.5-flash"
	DefaultTimeout  = 30 * time.Second

	// MaxDetailLength bounds the upstream error text relayed to clients.
	MaxDetailLength = 500

	maxResponseBytes = 4 << 20
)

var (
	// ErrTimeout is returned when the upstream did not answer in time.
	ErrTimeout = errors.New("upstream: request timed out")
	// ErrInvalidResponse is returned for a 2xx answer that is not JSON.
	ErrInvalidResponse = errors.New("upstream: response is not valid JSON")
	ErrAPIKeyRequired  = errors.New("upstream: api key is required")
)

// StatusError reports a non-2xx upstream answer.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: status %d: %s", e.StatusCode, e.Detail)
}

// Generator produces a completion for a single prompt.
type Generator interface {
	Generate(ctx context.Context, text string) (json.RawMessage, error)
}

type Config struct {
	Endpoint   string
	Model      string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	endpoint string
	model    string
	apiKey   string
	timeout  time.Duration
	client   *http.Client
	logger   *slog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, ErrAPIKeyRequired
	}
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint: endpoint,
		model:    model,
		apiKey:   apiKey,
		timeout:  timeout,
		client:   client,
		logger:   logger,
	}, nil
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

func (c *Client) url() string {
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.endpoint, c.model)
}

// Generate sends text as a single-part prompt and returns the upstream JSON
// untouched.
func (c *Client) Generate(ctx context.Context, text string) (json.RawMessage, error) {
	body, err := json.Marshal(generateRequest{Contents: []content{{Parts: []part{{Text: text}}}}})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("call upstream: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("upstream rejected request", "status", resp.StatusCode)
		return nil, &StatusError{StatusCode: resp.StatusCode, Detail: truncate(strings.TrimSpace(string(data)), MaxDetailLength)}
	}
	if !json.Valid(data) {
		return nil, ErrInvalidResponse
	}
	return json.RawMessage(data), nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
