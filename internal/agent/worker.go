package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/aulog"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/broker"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/browser"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/config"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/decision"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/inference"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/ipc"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/squad"
)

// Broker is the worker's view of the orchestrator-hosted resources.
type Broker interface {
	Submit(ctx context.Context, franchise, prompt string) (*inference.Result, error)
	RequestContext(ctx context.Context, franchise string) (browser.Lease, error)
	ReleaseContext(ctx context.Context, franchise string) error
	ForceReleaseContext(ctx context.Context, franchise string) error
	Stats(ctx context.Context) (broker.StatsReply, error)
}

// SquadSource is the worker's view of the relational store.
type SquadSource interface {
	RemainingBudgetLakh(ctx context.Context, auctionID, franchise string) (int64, error)
	Squad(ctx context.Context, auctionID, franchise string) ([]squad.Member, error)
	PlayerByName(ctx context.Context, name string) (squad.Player, error)
}

// Worker is one franchise's bidding loop.
type Worker struct {
	cfg      config.Agent
	strategy squad.Strategy
	engine   *decision.Engine
	broker   Broker
	store    SquadSource

	out *ipc.Encoder
	in  io.Reader

	// attach is swappable so tests can run without a browser.
	attach func(lease browser.Lease) (Page, error)

	heartbeatEvery time.Duration
	pollEvery      time.Duration

	members   []squad.Member
	remaining int64

	log *slog.Logger
}

// New builds a worker. stdout carries the parent protocol, stdin carries
// the parent's shutdown frame.
func New(cfg config.Agent, strategy squad.Strategy, engine *decision.Engine, b Broker, s SquadSource, stdout io.Writer, stdin io.Reader) *Worker {
	w := &Worker{
		cfg:            cfg,
		strategy:       strategy,
		engine:         engine,
		broker:         b,
		store:          s,
		out:            ipc.NewEncoder(stdout),
		in:             stdin,
		heartbeatEvery: 10 * time.Second,
		pollEvery:      500 * time.Millisecond,
		log:            aulog.ForFranchise("agent", cfg.Franchise),
	}
	w.attach = func(lease browser.Lease) (Page, error) {
		return Attach(lease, cfg.AuctionURL)
	}
	return w
}

// Run drives the session until the parent requests shutdown or the context
// is cancelled. A clean shutdown returns nil.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := w.loadSquad(ctx); err != nil {
		w.emitError(fmt.Sprintf("load squad: %v", err))
		return err
	}

	// Fail fast when the broker is unreachable instead of discovering it
	// mid-auction on the first decision.
	bs, err := w.broker.Stats(ctx)
	if err != nil {
		w.emitError(fmt.Sprintf("broker unreachable: %v", err))
		return err
	}
	w.log.Info("broker connected", "queue_cap", bs.QueueCap, "pool_capacity", bs.PoolCapacity)

	lease, err := w.broker.RequestContext(ctx, w.cfg.Franchise)
	if err != nil {
		w.emitError(fmt.Sprintf("lease context: %v", err))
		return err
	}
	attached := false
	defer func() {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer releaseCancel()
		if !attached {
			// The target never worked; close it now so a restart gets a
			// fresh one instead of reusing it out of cooldown.
			if err := w.broker.ForceReleaseContext(releaseCtx, w.cfg.Franchise); err != nil {
				w.log.Warn("context force-release failed", "err", err)
			}
			return
		}
		if err := w.broker.ReleaseContext(releaseCtx, w.cfg.Franchise); err != nil {
			w.log.Warn("context release failed", "err", err)
		}
	}()

	page, err := w.attach(lease)
	if err != nil {
		w.emitError(fmt.Sprintf("attach page: %v", err))
		return err
	}
	attached = true
	defer page.Close()

	if err := w.out.Encode(ipc.Ready(w.cfg.Franchise)); err != nil {
		return fmt.Errorf("emit ready: %w", err)
	}
	w.log.Info("session started", "budget_lakh", w.remaining, "squad", len(w.members))

	// The parent's shutdown frame ends the run.
	go w.watchStdin(cancel)

	// Heartbeats are independent of decision activity: a slow inference
	// call must not look like a dead worker.
	go w.heartbeatLoop(ctx)

	w.observeLoop(ctx, page)

	w.log.Info("session finished")
	return nil
}

// loadSquad pulls the authoritative squad and budget from the store.
func (w *Worker) loadSquad(ctx context.Context) error {
	remaining, err := w.store.RemainingBudgetLakh(ctx, w.cfg.AuctionID, w.cfg.Franchise)
	if err != nil {
		return err
	}
	members, err := w.store.Squad(ctx, w.cfg.AuctionID, w.cfg.Franchise)
	if err != nil {
		return err
	}
	w.remaining = remaining
	w.members = members
	return nil
}

func (w *Worker) watchStdin(cancel context.CancelFunc) {
	dec := ipc.NewDecoder(w.in)
	for {
		msg, err := dec.Decode()
		if err != nil {
			// Parent gone; treat like shutdown.
			cancel()
			return
		}
		if msg.Kind == ipc.KindShutdown {
			w.log.Info("shutdown requested")
			cancel()
			return
		}
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.out.Encode(ipc.Heartbeat(w.cfg.Franchise)); err != nil {
				return
			}
		}
	}
}

// observeLoop polls the page and reacts to lot changes.
func (w *Worker) observeLoop(ctx context.Context, page Page) {
	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()

	var lastPlayer string
	var lastBid int64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		state, err := page.Observe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.emitError(fmt.Sprintf("observe: %v", err))
			continue
		}

		switch {
		case state.Live():
			newLot := state.Player != lastPlayer
			raised := !newLot && state.CurrentBidLakh > lastBid
			if newLot || raised {
				w.decide(ctx, page, state)
			}
			lastPlayer, lastBid = state.Player, state.CurrentBidLakh

		case state.Status == "sold" && state.Player == lastPlayer && lastPlayer != "":
			w.settleLot(ctx, state)
			lastPlayer, lastBid = "", 0
		}
	}
}

// decide runs the engine for the observed lot and bids when the verdict
// clears the next increment.
func (w *Worker) decide(ctx context.Context, page Page, state LotState) {
	player := w.resolvePlayer(ctx, state)
	analysis := squad.Analyze(w.members, w.remaining, w.strategy)

	v := w.engine.MakeDecision(ctx, player, analysis)

	if err := w.out.Encode(ipc.Decision(w.cfg.Franchise, ipc.DecisionNote{
		Player:     player.Name,
		ShouldBid:  v.ShouldBid,
		MaxBidLakh: v.MaxBidLakh,
		Reasoning:  v.Reasoning,
		Source:     v.Source,
	})); err != nil {
		w.log.Warn("decision frame failed", "err", err)
	}

	if !v.ShouldBid {
		return
	}
	if state.LeadingBidder == w.cfg.Franchise {
		return // already winning the lot
	}
	next := state.CurrentBidLakh + bidIncrementLakh(state.CurrentBidLakh)
	if v.MaxBidLakh < next {
		w.log.Debug("ceiling below next increment", "player", player.Name, "ceiling", v.MaxBidLakh, "next", next)
		return
	}
	if err := page.PlaceBid(ctx); err != nil {
		if ctx.Err() == nil {
			w.emitError(fmt.Sprintf("bid %s: %v", player.Name, err))
		}
		return
	}
	w.log.Info("bid placed", "player", player.Name, "at_lakh", next, "ceiling_lakh", v.MaxBidLakh)
}

// resolvePlayer enriches the observed lot with store data; the observation
// alone is enough when the store cannot answer.
func (w *Worker) resolvePlayer(ctx context.Context, state LotState) squad.Player {
	player, err := w.store.PlayerByName(ctx, state.Player)
	if err != nil {
		w.log.Warn("player lookup failed, using page data", "player", state.Player, "err", err)
		player = squad.Player{
			Name:          state.Player,
			Role:          squad.Role(state.Role),
			BasePriceLakh: state.BasePriceLakh,
		}
	}
	player.CurrentBidLakh = state.CurrentBidLakh
	return player
}

// settleLot updates the local squad view when a lot closes. The page does
// not carry the overseas flag, so the settled player is resolved through
// the store; without it the overseas count would drift and the quota check
// on later decisions would admit players over the limit.
func (w *Worker) settleLot(ctx context.Context, state LotState) {
	if state.LeadingBidder != w.cfg.Franchise {
		return
	}
	player := w.resolvePlayer(ctx, state)
	w.members = append(w.members, squad.Member{
		Name:     player.Name,
		Role:     player.Role,
		Overseas: player.Overseas,
		PaidLakh: state.CurrentBidLakh,
	})
	w.remaining -= state.CurrentBidLakh
	w.log.Info("lot won", "player", state.Player, "paid_lakh", state.CurrentBidLakh, "remaining_lakh", w.remaining)
}

func (w *Worker) emitError(text string) {
	w.log.Error(text)
	if err := w.out.Encode(ipc.Error(w.cfg.Franchise, text)); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		w.log.Warn("error frame failed", "err", err)
	}
}

// bidIncrementLakh mirrors the auction house's increment ladder.
func bidIncrementLakh(currentLakh int64) int64 {
	switch {
	case currentLakh < 100:
		return 5
	case currentLakh < 200:
		return 10
	case currentLakh < 500:
		return 20
	default:
		return 25
	}
}
