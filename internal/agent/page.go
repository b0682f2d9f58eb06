// Package agent is the worker process: it attaches to its leased browser
// page, watches the auction, and bids through the decision engine.
package agent

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/browser"
)

// LotState is one observation of the rendered auction page.
type LotState struct {
	Player         string `json:"player"`
	Role           string `json:"role"`
	BasePriceLakh  int64  `json:"base_price_lakh"`
	CurrentBidLakh int64  `json:"current_bid_lakh"`
	LeadingBidder  string `json:"leading_bidder"`
	TimerSeconds   int    `json:"timer_seconds"`
	Status         string `json:"status"` // waiting | live | sold | unsold
}

// Live reports whether a lot is currently under the hammer.
func (l LotState) Live() bool { return l.Status == "live" }

// Page drives the auction page for one franchise.
type Page interface {
	Observe(ctx context.Context) (LotState, error)
	PlaceBid(ctx context.Context) error
	Close()
}

// observeJS scrapes the auction page's data attributes in one evaluate
// round trip.
const observeJS = `(() => {
	const lot = document.querySelector('[data-auction-lot]');
	if (!lot) {
		return {status: "waiting"};
	}
	return {
		player: lot.getAttribute('data-player') || "",
		role: lot.getAttribute('data-role') || "",
		base_price_lakh: parseInt(lot.getAttribute('data-base-price-lakh') || "0", 10),
		current_bid_lakh: parseInt(lot.getAttribute('data-current-bid-lakh') || "0", 10),
		leading_bidder: lot.getAttribute('data-leading-bidder') || "",
		timer_seconds: parseInt(lot.getAttribute('data-timer-seconds') || "0", 10),
		status: lot.getAttribute('data-status') || "waiting",
	};
})()`

const bidButton = `[data-action="place-bid"]`

// ChromePage attaches to a leased CDP target over the browser's websocket
// endpoint and drives it with chromedp.
type ChromePage struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

// Attach connects to the lease and navigates the page to the auction URL.
func Attach(lease browser.Lease, auctionURL string) (*ChromePage, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), lease.WebSocketURL)
	ctx, cancel := chromedp.NewContext(allocCtx, chromedp.WithTargetID(target.ID(lease.TargetID)))

	if err := chromedp.Run(ctx, chromedp.Navigate(auctionURL)); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("attach target %s: %w", lease.TargetID, err)
	}
	return &ChromePage{ctx: ctx, cancel: cancel, allocCancel: allocCancel}, nil
}

// Observe evaluates the page state.
func (p *ChromePage) Observe(ctx context.Context) (LotState, error) {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	var state LotState
	if err := chromedp.Run(runCtx, chromedp.Evaluate(observeJS, &state)); err != nil {
		return LotState{}, fmt.Errorf("observe page: %w", err)
	}
	return state, nil
}

// PlaceBid clicks the bid control.
func (p *ChromePage) PlaceBid(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	if err := chromedp.Run(runCtx, chromedp.Click(bidButton, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("place bid: %w", err)
	}
	return nil
}

// Close detaches from the target. The target itself stays open; its
// lifetime belongs to the pool.
func (p *ChromePage) Close() {
	p.cancel()
	p.allocCancel()
}
