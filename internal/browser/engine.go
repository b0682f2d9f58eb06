// Package browser manages the shared Chrome instance and the pool of CDP
// page targets leased to agents. One browser serves every franchise; each
// agent attaches to its own target over the browser's websocket endpoint.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/aulog"
)

// Lease is what an agent needs to drive its page from another process.
type Lease struct {
	TargetID     string `json:"target_id"`
	WebSocketURL string `json:"websocket_url"`
}

// Engine creates and destroys page targets on a shared browser.
type Engine interface {
	CreateTarget(ctx context.Context, url string) (Lease, error)
	CloseTarget(ctx context.Context, targetID string) error
	Close() error
}

// ChromeConfig tunes the shared browser.
type ChromeConfig struct {
	Headless      bool
	DebuggingPort int
	StartTimeout  time.Duration
}

// DefaultChromeConfig returns engine defaults.
func DefaultChromeConfig() ChromeConfig {
	return ChromeConfig{
		Headless:      true,
		DebuggingPort: 9222,
		StartTimeout:  30 * time.Second,
	}
}

// ChromeEngine runs one Chrome process via chromedp and mints page targets
// on it. Only the orchestrator process holds a ChromeEngine; workers attach
// remotely using the lease.
type ChromeEngine struct {
	cfg           ChromeConfig
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	wsURL         string
	log           *slog.Logger
}

// NewChromeEngine launches the shared browser and resolves its websocket
// debugger endpoint.
func NewChromeEngine(ctx context.Context, cfg ChromeConfig) (*ChromeEngine, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("remote-debugging-port", fmt.Sprintf("%d", cfg.DebuggingPort)),
		chromedp.Flag("remote-debugging-address", "127.0.0.1"),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	startCtx, cancel := context.WithTimeout(ctx, cfg.StartTimeout)
	defer cancel()
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	wsURL, err := debuggerURL(startCtx, cfg.DebuggingPort)
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, err
	}

	e := &ChromeEngine{
		cfg:           cfg,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		wsURL:         wsURL,
		log:           aulog.For("browser"),
	}
	e.log.Info("browser started", "ws_url", wsURL)
	return e, nil
}

// CreateTarget opens a new page target at the given URL.
func (e *ChromeEngine) CreateTarget(ctx context.Context, url string) (Lease, error) {
	c := chromedp.FromContext(e.browserCtx)
	tid, err := target.CreateTarget(url).Do(cdp.WithExecutor(ctx, c.Browser))
	if err != nil {
		return Lease{}, fmt.Errorf("create target: %w", err)
	}
	e.log.Debug("target created", "target_id", tid)
	return Lease{TargetID: string(tid), WebSocketURL: e.wsURL}, nil
}

// CloseTarget closes a page target.
func (e *ChromeEngine) CloseTarget(ctx context.Context, targetID string) error {
	c := chromedp.FromContext(e.browserCtx)
	if err := target.CloseTarget(target.ID(targetID)).Do(cdp.WithExecutor(ctx, c.Browser)); err != nil {
		return fmt.Errorf("close target %s: %w", targetID, err)
	}
	e.log.Debug("target closed", "target_id", targetID)
	return nil
}

// Close shuts the browser down.
func (e *ChromeEngine) Close() error {
	e.browserCancel()
	e.allocCancel()
	e.log.Info("browser stopped")
	return nil
}

// debuggerURL asks the DevTools HTTP endpoint for the browser-level
// websocket URL that remote workers attach through.
func debuggerURL(ctx context.Context, port int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://127.0.0.1:%d/json/version", port), nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("query devtools endpoint: %w", err)
	}
	defer resp.Body.Close()

	var v struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", fmt.Errorf("parse devtools version: %w", err)
	}
	if v.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("devtools endpoint returned no websocket url")
	}
	return v.WebSocketDebuggerURL, nil
}
