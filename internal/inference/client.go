package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/aulog"
)

// Result is the parsed inference verdict. MaxBidLakh is explicitly in lakh:
// the response schema names the unit so nothing has to be inferred from
// magnitude.
type Result struct {
	Decision   string `json:"decision"` // "bid" or "pass"
	MaxBidLakh int64  `json:"max_bid_lakh"`
	Reasoning  string `json:"reasoning"`
}

// ClientConfig tunes the inference HTTP client.
type ClientConfig struct {
	BaseURL        string
	Model          string
	APIKey         string
	RequestTimeout time.Duration
	MaxRetries     int           // retries for transient failures only
	RetryBackoff   time.Duration // doubled per attempt
}

// DefaultClientConfig returns conservative defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:        "http://127.0.0.1:11434/v1",
		Model:          "llama3.1",
		RequestTimeout: 8 * time.Second,
		MaxRetries:     2,
		RetryBackoff:   500 * time.Millisecond,
	}
}

// Client calls a chat-completion style inference service and parses the
// structured bid/pass verdict out of the reply.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

// NewClient creates a client with its own http.Client so the per-request
// timeout is enforced regardless of caller context.
func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// chat request/response shapes (OpenAI-compatible surface).
type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
	Temperature    float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends the prompt and returns the parsed verdict. Transient
// failures are retried with exponential backoff up to MaxRetries; a
// malformed body is returned immediately as ErrMalformed.
func (c *Client) Complete(ctx context.Context, prompt string) (*Result, error) {
	log := aulog.For("inference")

	var lastErr error
	backoff := c.cfg.RetryBackoff
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Debug("retrying inference call", "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
			}
			backoff *= 2
		}

		res, err := c.once(ctx, prompt)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !Transient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) once(ctx context.Context, prompt string) (*Result, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		ResponseFormat: &respFormat{Type: "json_object"},
		Temperature:    0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	if len(chat.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformed)
	}

	return ParseResult([]byte(chat.Choices[0].Message.Content))
}

// ParseResult validates the model's JSON verdict. Required: decision is
// "bid" or "pass"; a bid carries a positive ceiling in lakh.
func ParseResult(raw []byte) (*Result, error) {
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: verdict: %v", ErrMalformed, err)
	}
	switch res.Decision {
	case "bid":
		if res.MaxBidLakh <= 0 {
			return nil, fmt.Errorf("%w: bid verdict with non-positive ceiling %d", ErrMalformed, res.MaxBidLakh)
		}
	case "pass":
		// Ceiling is irrelevant on a pass.
	default:
		return nil, fmt.Errorf("%w: decision %q", ErrMalformed, res.Decision)
	}
	return &res, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
