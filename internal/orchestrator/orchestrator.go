// Package orchestrator runs the auction session: it resolves unclaimed
// franchises, spawns one worker per franchise with a stagger, supervises
// them through the health monitor, and tears everything down in order.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/aulog"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/config"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/health"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/ipc"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/metrics"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/report"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/spawner"
)

// State is the orchestrator lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateRunning      State = "running"
	StateShuttingDown State = "shutting-down"
	StateStopped      State = "stopped"
)

// FranchiseSource resolves which franchises need an agent.
type FranchiseSource interface {
	UnclaimedFranchises(ctx context.Context, auctionID string) ([]string, error)
}

// Agents is the orchestrator's handle on the spawner.
type Agents interface {
	Spawn(franchise string) error
	Restart(franchise string) error
	StopAll(timeout time.Duration)
	State(franchise string) (spawner.Record, bool)
	States() []spawner.Record

	OnReady(fn func(franchise string))
	OnDecision(fn func(franchise string, note ipc.DecisionNote))
	OnAgentError(fn func(franchise, errText string))
	OnExit(fn func(franchise string, err error))
}

// Broker is the orchestrator's handle on the resource broker.
type Broker interface {
	Start() error
	Addr() string
	Shutdown(ctx context.Context) error
}

// Orchestrator supervises one auction run end to end.
type Orchestrator struct {
	cfg config.Run

	source  FranchiseSource
	agents  Agents
	broker  Broker
	monitor *health.Monitor
	sampler *metrics.Sampler
	events  *report.EventLog

	mu         sync.Mutex
	state      State
	franchises []string
	startedAt  time.Time

	bgCancel context.CancelFunc
	stopOnce sync.Once

	log *slog.Logger
}

// New wires an orchestrator. The health monitor's unhealthy callback and
// the spawner's event callbacks are attached here.
func New(cfg config.Run, source FranchiseSource, agents Agents, b Broker, monitor *health.Monitor, sampler *metrics.Sampler, events *report.EventLog) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		source:  source,
		agents:  agents,
		broker:  b,
		monitor: monitor,
		sampler: sampler,
		events:  events,
		state:   StateIdle,
		log:     aulog.For("orchestrator"),
	}
	o.wireCallbacks()
	return o
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) wireCallbacks() {
	o.agents.OnReady(func(franchise string) {
		o.events.Emit(report.Event{Type: report.EventAgentReady, Franchise: franchise})
	})

	o.agents.OnDecision(func(franchise string, note ipc.DecisionNote) {
		o.events.Emit(report.Event{
			Type:       report.EventDecision,
			Franchise:  franchise,
			Player:     note.Player,
			ShouldBid:  note.ShouldBid,
			MaxBidLakh: note.MaxBidLakh,
			Source:     note.Source,
			Detail:     note.Reasoning,
		})
		metrics.DecisionsTotal.WithLabelValues(franchise, note.Source).Inc()
		outcome := "pass"
		if note.ShouldBid {
			outcome = "bid"
		}
		metrics.BidsTotal.WithLabelValues(franchise, outcome).Inc()
	})

	o.agents.OnAgentError(func(franchise, errText string) {
		o.events.Emit(report.Event{Type: report.EventAgentError, Franchise: franchise, Detail: errText})
	})

	o.agents.OnExit(func(franchise string, err error) {
		detail := "exited"
		if err != nil {
			detail = err.Error()
		}
		o.events.Emit(report.Event{Type: report.EventAgentError, Franchise: franchise, Detail: detail})
		o.recover(franchise, "crashed: "+detail)
	})

	o.monitor.OnUnhealthy(func(franchise, reason string) {
		o.events.Emit(report.Event{Type: report.EventAgentUnhealthy, Franchise: franchise, Detail: reason})
		metrics.UnhealthyTotal.WithLabelValues(franchise).Inc()
		o.recover(franchise, reason)
	})
}

// recover restarts a broken agent unless the run is already winding down
// or the restart cap refuses.
func (o *Orchestrator) recover(franchise, reason string) {
	if o.State() != StateRunning {
		return
	}
	o.log.Warn("recovering agent", "franchise", franchise, "reason", reason)

	if err := o.agents.Restart(franchise); err != nil {
		o.log.Error("restart refused", "franchise", franchise, "err", err)
		o.events.Emit(report.Event{Type: report.EventAgentError, Franchise: franchise, Detail: err.Error()})
		return
	}
	o.events.Emit(report.Event{Type: report.EventAgentRestarted, Franchise: franchise, Detail: reason})
	metrics.RestartsTotal.WithLabelValues(franchise).Inc()
}

// Start brings the run up: broker first, then the staggered spawn, then
// the background monitors. It returns once every spawn was attempted.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		s := o.state
		o.mu.Unlock()
		return fmt.Errorf("start: orchestrator is %s", s)
	}
	o.state = StateRunning
	o.startedAt = time.Now()
	o.mu.Unlock()

	o.events.Emit(report.Event{Type: report.EventRunStarted, Detail: o.cfg.AuctionID})

	if err := o.broker.Start(); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}

	franchises, err := o.source.UnclaimedFranchises(ctx, o.cfg.AuctionID)
	if err != nil {
		return fmt.Errorf("resolve franchises: %w", err)
	}
	if len(franchises) == 0 {
		return fmt.Errorf("no unclaimed franchises for auction %s", o.cfg.AuctionID)
	}
	o.mu.Lock()
	o.franchises = franchises
	o.mu.Unlock()
	o.log.Info("franchises resolved", "count", len(franchises), "franchises", franchises)

	// Staggered spawn: agents hit the shared page and the database one at
	// a time rather than as a thundering herd.
	for i, f := range franchises {
		if i > 0 {
			select {
			case <-time.After(o.cfg.StaggerDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		o.events.Emit(report.Event{Type: report.EventAgentSpawned, Franchise: f})
		if err := o.agents.Spawn(f); err != nil {
			o.log.Error("spawn failed", "franchise", f, "err", err)
			o.events.Emit(report.Event{Type: report.EventAgentError, Franchise: f, Detail: err.Error()})
		}
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.bgCancel = cancel
	o.mu.Unlock()
	go o.monitor.Run(bgCtx)
	if o.sampler != nil {
		go o.sampler.Run(bgCtx)
	}

	return nil
}

// Shutdown tears the run down in order: monitors stop first so a stopping
// agent is not flagged unhealthy, then the agents, then the broker, and
// finally the report. Safe to call from any path, any number of times.
func (o *Orchestrator) Shutdown() {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		o.state = StateShuttingDown
		bgCancel := o.bgCancel
		started := o.startedAt
		o.mu.Unlock()

		o.log.Info("shutting down")
		if bgCancel != nil {
			bgCancel()
		}

		o.agents.StopAll(o.cfg.StopTimeout)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.broker.Shutdown(ctx); err != nil {
			o.log.Warn("broker shutdown", "err", err)
		}

		o.events.Emit(report.Event{Type: report.EventRunFinished})
		if o.cfg.Report != "" {
			rep := report.Build(o.cfg.AuctionID, started, o.events, o.agents.States())
			if err := report.Write(rep, o.cfg.Report); err != nil {
				o.log.Error("report write failed", "err", err)
			} else {
				o.log.Info("report written", "path", o.cfg.Report)
			}
		}
		o.events.Close()

		o.mu.Lock()
		o.state = StateStopped
		o.mu.Unlock()
		o.log.Info("stopped")
	})
}
