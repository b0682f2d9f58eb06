package agent

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/broker"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/browser"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/config"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/decision"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/inference"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/ipc"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/squad"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/stats"
)

type fakePage struct {
	mu     sync.Mutex
	states []LotState // served in order, last one repeats
	served int
	bids   atomic.Int32
}

func (p *fakePage) Observe(ctx context.Context) (LotState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.states) == 0 {
		return LotState{Status: "waiting"}, nil
	}
	s := p.states[p.served]
	if p.served < len(p.states)-1 {
		p.served++
	}
	return s, nil
}

func (p *fakePage) PlaceBid(ctx context.Context) error {
	p.bids.Add(1)
	return nil
}

func (p *fakePage) Close() {}

type fakeBroker struct {
	res           *inference.Result
	err           error
	statsErr      error
	leases        atomic.Int32
	releases      atomic.Int32
	forceReleases atomic.Int32
}

func (b *fakeBroker) Submit(ctx context.Context, franchise, prompt string) (*inference.Result, error) {
	return b.res, b.err
}

func (b *fakeBroker) RequestContext(ctx context.Context, franchise string) (browser.Lease, error) {
	b.leases.Add(1)
	return browser.Lease{TargetID: "t1", WebSocketURL: "ws://test"}, nil
}

func (b *fakeBroker) ReleaseContext(ctx context.Context, franchise string) error {
	b.releases.Add(1)
	return nil
}

func (b *fakeBroker) ForceReleaseContext(ctx context.Context, franchise string) error {
	b.forceReleases.Add(1)
	return nil
}

func (b *fakeBroker) Stats(ctx context.Context) (broker.StatsReply, error) {
	if b.statsErr != nil {
		return broker.StatsReply{}, b.statsErr
	}
	return broker.StatsReply{QueueCap: 3, PoolCapacity: 4}, nil
}

type fakeStore struct {
	budget  int64
	players map[string]squad.Player
}

func (s fakeStore) RemainingBudgetLakh(ctx context.Context, auctionID, franchise string) (int64, error) {
	return s.budget, nil
}

func (s fakeStore) Squad(ctx context.Context, auctionID, franchise string) ([]squad.Member, error) {
	return nil, nil
}

func (s fakeStore) PlayerByName(ctx context.Context, name string) (squad.Player, error) {
	p, ok := s.players[name]
	if !ok {
		return squad.Player{}, fmt.Errorf("player %q not found", name)
	}
	return p, nil
}

type nilStats struct{}

func (nilStats) Quality(ctx context.Context, playerID int64) (stats.Quality, error) {
	return stats.Quality{Score: 60}, nil
}

type runningWorker struct {
	worker *Worker
	page   *fakePage
	broker *fakeBroker
	frames <-chan ipc.Message
	stdin  io.WriteCloser

	done    <-chan error
	waitOne sync.Once
	runErr  error
	timeout bool
}

// wait blocks until Run returns, at most once; repeat calls see the cached
// result.
func (rw *runningWorker) wait() (error, bool) {
	rw.waitOne.Do(func() {
		select {
		case rw.runErr = <-rw.done:
		case <-time.After(5 * time.Second):
			rw.timeout = true
		}
	})
	return rw.runErr, !rw.timeout
}

func startWorker(t *testing.T, page *fakePage, b *fakeBroker) *runningWorker {
	t.Helper()

	cfg := config.Agent{Franchise: "CSK", AuctionID: "auction-1", BrokerAddr: "x", AuctionURL: "http://test"}
	strategy := config.DefaultStrategy("CSK")
	engine := decision.New("CSK", strategy, nilStats{}, b, decision.DefaultConfig())

	outR, outW := io.Pipe()
	inR, inW := io.Pipe()

	st := fakeStore{
		budget: 10000,
		players: map[string]squad.Player{
			"T Head": {ID: 7, Name: "T Head", Role: squad.RoleBatter, BasePriceLakh: 200},
		},
	}

	w := New(cfg, strategy, engine, b, st, outW, inR)
	w.heartbeatEvery = 30 * time.Millisecond
	w.pollEvery = 10 * time.Millisecond
	w.attach = func(lease browser.Lease) (Page, error) { return page, nil }

	frames := make(chan ipc.Message, 64)
	go func() {
		dec := ipc.NewDecoder(outR)
		for {
			msg, err := dec.Decode()
			if err != nil {
				close(frames)
				return
			}
			frames <- msg
		}
	}()

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	rw := &runningWorker{worker: w, page: page, broker: b, frames: frames, stdin: inW, done: done}
	t.Cleanup(func() {
		// A closed stdin reads as parent-gone, which the worker treats as
		// shutdown.
		inW.Close()
		rw.wait()
		outW.Close()
	})
	return rw
}

// nextFrame pulls the next frame of the given kind, skipping others.
func nextFrame(t *testing.T, frames <-chan ipc.Message, kind ipc.Kind) ipc.Message {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg, ok := <-frames:
			if !ok {
				t.Fatal("frame stream closed")
			}
			if msg.Kind == kind {
				return msg
			}
		case <-timeout:
			t.Fatalf("no %s frame", kind)
		}
	}
}

func TestWorkerEmitsReadyThenHeartbeats(t *testing.T) {
	b := &fakeBroker{res: &inference.Result{Decision: "pass", Reasoning: "r"}}
	rw := startWorker(t, &fakePage{}, b)

	ready := nextFrame(t, rw.frames, ipc.KindReady)
	if ready.Franchise != "CSK" {
		t.Errorf("ready franchise = %q", ready.Franchise)
	}
	nextFrame(t, rw.frames, ipc.KindHeartbeat)
	nextFrame(t, rw.frames, ipc.KindHeartbeat)

	if rw.broker.leases.Load() != 1 {
		t.Errorf("leases = %d, want 1", rw.broker.leases.Load())
	}
}

func TestWorkerDecidesAndBidsOnNewLot(t *testing.T) {
	page := &fakePage{states: []LotState{
		{Status: "waiting"},
		{Player: "T Head", Role: "batter", BasePriceLakh: 200, CurrentBidLakh: 200, LeadingBidder: "MI", Status: "live"},
	}}
	b := &fakeBroker{res: &inference.Result{Decision: "bid", MaxBidLakh: 800, Reasoning: "gap"}}
	rw := startWorker(t, page, b)

	msg := nextFrame(t, rw.frames, ipc.KindDecision)
	if msg.Decision.Player != "T Head" || !msg.Decision.ShouldBid {
		t.Errorf("decision = %+v", msg.Decision)
	}
	if msg.Decision.Source != "model" {
		t.Errorf("source = %q", msg.Decision.Source)
	}

	deadline := time.Now().Add(5 * time.Second)
	for page.bids.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if page.bids.Load() == 0 {
		t.Fatal("bid never placed")
	}
}

func TestWorkerDoesNotBidWhenLeading(t *testing.T) {
	page := &fakePage{states: []LotState{
		{Player: "T Head", Role: "batter", CurrentBidLakh: 300, LeadingBidder: "CSK", Status: "live"},
	}}
	b := &fakeBroker{res: &inference.Result{Decision: "bid", MaxBidLakh: 800, Reasoning: "gap"}}
	rw := startWorker(t, page, b)

	nextFrame(t, rw.frames, ipc.KindDecision)
	time.Sleep(50 * time.Millisecond)
	if page.bids.Load() != 0 {
		t.Errorf("bid placed while already leading: %d", page.bids.Load())
	}
}

func TestWorkerPassVerdictPlacesNoBid(t *testing.T) {
	page := &fakePage{states: []LotState{
		{Player: "T Head", Role: "batter", CurrentBidLakh: 200, LeadingBidder: "MI", Status: "live"},
	}}
	b := &fakeBroker{res: &inference.Result{Decision: "pass", Reasoning: "overpriced"}}
	rw := startWorker(t, page, b)

	msg := nextFrame(t, rw.frames, ipc.KindDecision)
	if msg.Decision.ShouldBid {
		t.Errorf("decision = %+v", msg.Decision)
	}
	time.Sleep(50 * time.Millisecond)
	if page.bids.Load() != 0 {
		t.Error("bid placed on pass verdict")
	}
}

func TestWorkerShutsDownCleanly(t *testing.T) {
	b := &fakeBroker{res: &inference.Result{Decision: "pass", Reasoning: "r"}}
	rw := startWorker(t, &fakePage{}, b)

	nextFrame(t, rw.frames, ipc.KindReady)

	enc := ipc.NewEncoder(rw.stdin)
	if err := enc.Encode(ipc.Shutdown()); err != nil {
		t.Fatal(err)
	}

	err, exited := rw.wait()
	if !exited {
		t.Fatal("worker ignored shutdown")
	}
	if err != nil {
		t.Errorf("run returned %v", err)
	}
	if rw.broker.releases.Load() != 1 {
		t.Errorf("context releases = %d, want 1", rw.broker.releases.Load())
	}
}

func TestWorkerFailsFastWhenBrokerUnreachable(t *testing.T) {
	b := &fakeBroker{statsErr: fmt.Errorf("connection refused")}
	cfg := config.Agent{Franchise: "CSK", AuctionID: "auction-1"}
	strategy := config.DefaultStrategy("CSK")
	engine := decision.New("CSK", strategy, nilStats{}, b, decision.DefaultConfig())
	w := New(cfg, strategy, engine, b, fakeStore{budget: 1000}, io.Discard, nil)

	if err := w.Run(context.Background()); err == nil {
		t.Fatal("run succeeded with unreachable broker")
	}
	if b.leases.Load() != 0 {
		t.Errorf("context leased despite unreachable broker: %d", b.leases.Load())
	}
}

func TestWorkerAttachFailureForceReleasesContext(t *testing.T) {
	b := &fakeBroker{}
	cfg := config.Agent{Franchise: "CSK", AuctionID: "auction-1"}
	strategy := config.DefaultStrategy("CSK")
	engine := decision.New("CSK", strategy, nilStats{}, b, decision.DefaultConfig())
	w := New(cfg, strategy, engine, b, fakeStore{budget: 1000}, io.Discard, nil)
	w.attach = func(lease browser.Lease) (Page, error) { return nil, fmt.Errorf("target gone") }

	if err := w.Run(context.Background()); err == nil {
		t.Fatal("run succeeded without a page")
	}
	if b.forceReleases.Load() != 1 {
		t.Errorf("force releases = %d, want 1", b.forceReleases.Load())
	}
	if b.releases.Load() != 0 {
		t.Errorf("cooldown release scheduled for a dead target: %d", b.releases.Load())
	}
}

func TestSettleLotTracksBudget(t *testing.T) {
	b := &fakeBroker{}
	cfg := config.Agent{Franchise: "CSK", AuctionID: "auction-1"}
	strategy := config.DefaultStrategy("CSK")
	engine := decision.New("CSK", strategy, nilStats{}, b, decision.DefaultConfig())
	w := New(cfg, strategy, engine, b, fakeStore{budget: 1000}, io.Discard, nil)
	w.remaining = 1000

	w.settleLot(context.Background(), LotState{Player: "T Head", Role: "batter", CurrentBidLakh: 400, LeadingBidder: "CSK", Status: "sold"})
	if w.remaining != 600 || len(w.members) != 1 {
		t.Errorf("remaining = %d, members = %d", w.remaining, len(w.members))
	}

	// A lot lost to another franchise changes nothing.
	w.settleLot(context.Background(), LotState{Player: "X", CurrentBidLakh: 300, LeadingBidder: "MI", Status: "sold"})
	if w.remaining != 600 || len(w.members) != 1 {
		t.Errorf("lost lot mutated squad: remaining = %d, members = %d", w.remaining, len(w.members))
	}
}

func TestSettleLotCarriesOverseasFlag(t *testing.T) {
	b := &fakeBroker{}
	cfg := config.Agent{Franchise: "CSK", AuctionID: "auction-1"}
	strategy := config.DefaultStrategy("CSK")
	engine := decision.New("CSK", strategy, nilStats{}, b, decision.DefaultConfig())
	st := fakeStore{budget: 2000, players: map[string]squad.Player{
		"M Starc": {ID: 11, Name: "M Starc", Role: squad.RoleBowler, BasePriceLakh: 200, Overseas: true},
	}}
	w := New(cfg, strategy, engine, b, st, io.Discard, nil)
	w.remaining = 2000

	// The page never reports the overseas flag, so the settled member must
	// come from the store record.
	w.settleLot(context.Background(), LotState{Player: "M Starc", Role: "bowler", CurrentBidLakh: 500, LeadingBidder: "CSK", Status: "sold"})

	if len(w.members) != 1 {
		t.Fatalf("members = %d, want 1", len(w.members))
	}
	if !w.members[0].Overseas {
		t.Errorf("member = %+v, overseas flag lost", w.members[0])
	}
	a := squad.Analyze(w.members, w.remaining, strategy)
	if a.OverseasCount != 1 {
		t.Errorf("overseas count = %d, want 1", a.OverseasCount)
	}
}
