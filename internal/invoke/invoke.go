// Package invoke performs the external model invocation for a task prompt.
//
// The core depends only on the Invoker capability interface; the Anthropic
// Messages API client below is one implementation of it. Transient API
// failures (timeouts, 429, 5xx) are retried with exponential backoff;
// anything else fails immediately.
package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"cronsmith/pkg/logx"
)

var ErrInvocation = errors.New("invocation failed")

// Request is one prompt invocation.
type Request struct {
	Prompt    string
	Model     string
	MaxTokens int
}

// Result is the text outcome of a successful invocation.
type Result struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Invoker is the capability interface the dispatcher depends on.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// Client calls the Anthropic Messages API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Log        logx.Logger

	// MaxRetryElapsed bounds the retry window for transient failures.
	MaxRetryElapsed time.Duration
}

// NewClient builds a client reading the API key from the named environment
// variable.
func NewClient(baseURL, apiKeyEnv string, log logx.Logger) (*Client, error) {
	key := strings.TrimSpace(os.Getenv(apiKeyEnv))
	if key == "" {
		return nil, fmt.Errorf("%w: environment variable %s not set", ErrInvocation, apiKeyEnv)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		BaseURL:         strings.TrimRight(baseURL, "/"),
		APIKey:          key,
		HTTPClient:      &http.Client{},
		Log:             log,
		MaxRetryElapsed: 2 * time.Minute,
	}, nil
}

const apiVersion = "2023-06-01"

type messagesRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Invoke sends the prompt and collects the concatenated text blocks.
// Bounded by ctx; a ctx timeout surfaces as an error, never a hang.
func (c *Client) Invoke(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(messagesRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Messages:  []chatMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvocation, err)
	}

	var res Result
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		r, err := c.once(ctx, body)
		if err != nil {
			var te *transientError
			if errors.As(err, &te) {
				c.Log.Warn("transient invocation failure, retrying", logx.Err(err))
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = c.MaxRetryElapsed
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return Result{}, err
	}
	return res, nil
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func (c *Client) once(ctx context.Context, body []byte) (Result, error) {
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvocation, err)
	}
	hr.Header.Set("content-type", "application/json")
	hr.Header.Set("x-api-key", c.APIKey)
	hr.Header.Set("anthropic-version", apiVersion)

	resp, err := c.HTTPClient.Do(hr)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrInvocation, ctx.Err())
		}
		return Result{}, &transientError{fmt.Errorf("%w: %v", ErrInvocation, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return Result{}, &transientError{fmt.Errorf("%w: read response: %v", ErrInvocation, err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Result{}, &transientError{fmt.Errorf("%w: http %d: %s", ErrInvocation, resp.StatusCode, truncate(raw, 300))}
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: http %d: %s", ErrInvocation, resp.StatusCode, truncate(raw, 300))
	}

	var mr messagesResponse
	if err := json.Unmarshal(raw, &mr); err != nil {
		return Result{}, fmt.Errorf("%w: malformed response: %v", ErrInvocation, err)
	}
	if mr.Error != nil {
		return Result{}, fmt.Errorf("%w: %s: %s", ErrInvocation, mr.Error.Type, mr.Error.Message)
	}

	var text strings.Builder
	for _, block := range mr.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return Result{
		Text:         text.String(),
		Model:        mr.Model,
		InputTokens:  mr.Usage.InputTokens,
		OutputTokens: mr.Usage.OutputTokens,
	}, nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
