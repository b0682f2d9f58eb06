package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/browser"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/inference"
)

// Client is the worker side of the broker protocol. Inference errors come
// back as the same sentinels the in-process client produces, so the
// decision engine's fallback logic does not care which process it runs in.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the broker at addr (host:port).
func NewClient(addr string) *Client {
	return &Client{
		base: "http://" + addr,
		// The broker enforces inference deadlines itself; this only guards
		// against a wedged listener.
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Submit runs a decision prompt through the shared queue. Implements the
// decision engine's Submitter.
func (c *Client) Submit(ctx context.Context, franchise, prompt string) (*inference.Result, error) {
	body, err := json.Marshal(inferenceRequest{Franchise: franchise, Prompt: prompt})
	if err != nil {
		return nil, err
	}

	var res inference.Result
	if err := c.post(ctx, "/v1/inference", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RequestContext leases a browser page target for the franchise.
func (c *Client) RequestContext(ctx context.Context, franchise string) (browser.Lease, error) {
	body, _ := json.Marshal(contextRequest{Franchise: franchise})
	var lease browser.Lease
	if err := c.post(ctx, "/v1/context/request", body, &lease); err != nil {
		return browser.Lease{}, err
	}
	return lease, nil
}

// ReleaseContext schedules the franchise's lease for cooldown release.
func (c *Client) ReleaseContext(ctx context.Context, franchise string) error {
	body, _ := json.Marshal(contextRequest{Franchise: franchise})
	return c.post(ctx, "/v1/context/release", body, nil)
}

// ForceReleaseContext closes the franchise's lease immediately.
func (c *Client) ForceReleaseContext(ctx context.Context, franchise string) error {
	body, _ := json.Marshal(contextRequest{Franchise: franchise})
	return c.post(ctx, "/v1/context/force-release", body, nil)
}

// Stats fetches the broker's resource snapshot.
func (c *Client) Stats(ctx context.Context) (StatsReply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/stats", nil)
	if err != nil {
		return StatsReply{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return StatsReply{}, fmt.Errorf("broker stats: %w", err)
	}
	defer resp.Body.Close()

	var out StatsReply
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return StatsReply{}, fmt.Errorf("broker stats: %w", err)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", inference.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode reply: %v", inference.ErrMalformed, err)
	}
	return nil
}

// decodeError maps a broker error reply back onto the sentinel taxonomy.
func decodeError(resp *http.Response) error {
	var reply errorReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("%w: status %d", inference.ErrUnavailable, resp.StatusCode)
	}

	var sentinel error
	switch reply.Kind {
	case kindTimeout:
		sentinel = inference.ErrTimeout
	case kindMalformed:
		sentinel = inference.ErrMalformed
	case kindQueueClosed:
		sentinel = inference.ErrQueueClosed
	default:
		sentinel = inference.ErrUnavailable
	}
	return fmt.Errorf("%w: %s", sentinel, reply.Error)
}
