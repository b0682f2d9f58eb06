package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func chatReply(t *testing.T, w http.ResponseWriter, verdict string) {
	t.Helper()
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": verdict}},
		},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.Fatal(err)
	}
}

func newTestClient(url string) *Client {
	cfg := DefaultClientConfig()
	cfg.BaseURL = url
	cfg.RequestTimeout = 500 * time.Millisecond
	cfg.MaxRetries = 2
	cfg.RetryBackoff = 10 * time.Millisecond
	return NewClient(cfg)
}

func TestCompleteParsesVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chatReply(t, w, `{"decision":"bid","max_bid_lakh":650,"reasoning":"fills bowler gap"}`)
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Complete(context.Background(), "prompt")
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != "bid" || res.MaxBidLakh != 650 {
		t.Errorf("got %+v", res)
	}
}

func TestCompleteRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		chatReply(t, w, `{"decision":"pass","max_bid_lakh":0,"reasoning":"too expensive"}`)
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Complete(context.Background(), "prompt")
	if err != nil {
		t.Fatal(err)
	}
	if res.Decision != "pass" {
		t.Errorf("got %+v", res)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestCompleteDoesNotRetryMalformed(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		chatReply(t, w, `not json at all`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Complete(context.Background(), "prompt")
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, malformed responses must not be retried", calls.Load())
	}
}

func TestCompleteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.cfg.MaxRetries = 0
	c.http.Timeout = 50 * time.Millisecond

	_, err := c.Complete(context.Background(), "prompt")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestParseResult(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"bid with ceiling", `{"decision":"bid","max_bid_lakh":400,"reasoning":"r"}`, false},
		{"pass", `{"decision":"pass","max_bid_lakh":0,"reasoning":"r"}`, false},
		{"bid without ceiling", `{"decision":"bid","max_bid_lakh":0}`, true},
		{"bid negative ceiling", `{"decision":"bid","max_bid_lakh":-5}`, true},
		{"unknown decision", `{"decision":"hold","max_bid_lakh":1}`, true},
		{"garbage", `{{`, true},
	}
	for _, tt := range tests {
		_, err := ParseResult([]byte(tt.raw))
		if tt.wantErr && !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: err = %v, want ErrMalformed", tt.name, err)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("%s: unexpected error %v", tt.name, err)
		}
	}
}
