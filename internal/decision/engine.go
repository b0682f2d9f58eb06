// Package decision houses the per-agent bid/pass engine: quick rule checks,
// statistics lookup, cached verdicts, queued inference, and a deterministic
// rule-based fallback. The engine never returns an error: a failed decision
// is always a pass with the cause in the reasoning.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/aulog"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/inference"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/squad"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/stats"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/tracing"
)

// Verdict is the engine's answer for one lot.
type Verdict struct {
	ShouldBid  bool
	MaxBidLakh int64
	Reasoning  string
	Source     string // "rules", "cache", "model", "fallback"
}

// Submitter routes a decision prompt through the shared inference queue.
type Submitter interface {
	Submit(ctx context.Context, franchise, prompt string) (*inference.Result, error)
}

// Config tunes one engine instance.
type Config struct {
	CacheTTL        time.Duration
	CacheMaxSize    int
	BudgetFloorLakh int64 // quick-reject below this remaining budget
}

// DefaultConfig returns engine defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:        30 * time.Second,
		CacheMaxSize:    256,
		BudgetFloorLakh: 50,
	}
}

// Engine makes bid/pass decisions for one franchise. It owns its verdict
// cache; the inference queue behind the Submitter is shared across agents.
type Engine struct {
	franchise string
	strategy  squad.Strategy
	stats     stats.Provider
	submit    Submitter
	cache     *Cache
	cfg       Config
	log       *slog.Logger
}

// New creates an engine for a franchise.
func New(franchise string, strategy squad.Strategy, sp stats.Provider, sub Submitter, cfg Config) *Engine {
	return &Engine{
		franchise: franchise,
		strategy:  strategy,
		stats:     sp,
		submit:    sub,
		cache:     NewCache(cfg.CacheTTL, cfg.CacheMaxSize),
		cfg:       cfg,
		log:       aulog.ForFranchise("decision", franchise),
	}
}

// Cache exposes the engine's cache for observability.
func (e *Engine) Cache() *Cache { return e.cache }

// MakeDecision produces a verdict for the lot. It never panics out and
// never returns an error: any failure becomes a safe pass.
func (e *Engine) MakeDecision(ctx context.Context, player squad.Player, analysis squad.Analysis) (verdict Verdict) {
	ctx, span := tracing.Tracer().Start(ctx, "decision.make",
		trace.WithAttributes(
			attribute.String("franchise", e.franchise),
			attribute.String("player", player.Name),
			attribute.Int64("current_bid_lakh", player.CurrentBidLakh),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("decision panicked, passing", "player", player.Name, "panic", r)
			verdict = Verdict{ShouldBid: false, Reasoning: fmt.Sprintf("internal error: %v", r), Source: "rules"}
		}
		span.SetAttributes(
			attribute.Bool("should_bid", verdict.ShouldBid),
			attribute.String("source", verdict.Source),
		)
	}()

	// Quick rejection rules: no inference call needed.
	if v, done := e.quickRules(player, analysis); done {
		return v
	}

	// Context assembly. A stats miss is not fatal: the prompt and fallback
	// both work with a zero quality view.
	quality, err := e.stats.Quality(ctx, player.ID)
	if err != nil {
		e.log.Warn("statistics unavailable", "player", player.Name, "err", err)
	}
	bc := BidContext{Player: player, Analysis: analysis, Strategy: e.strategy, Quality: quality}

	// Cache probe.
	budgetOK := analysis.MaxAffordableLakh() > player.CurrentBidLakh
	key := CacheKey(player.ID, player.CurrentBidLakh, analysis.Phase, budgetOK)
	if v, ok := e.cache.Get(key); ok {
		e.log.Debug("cache hit", "player", player.Name, "key", key)
		v.Source = "cache"
		return v
	}

	// Inference arbitration through the shared queue.
	res, err := e.submit.Submit(ctx, e.franchise, buildPrompt(bc))
	if err != nil {
		e.log.Info("inference failed, using fallback", "player", player.Name, "err", err)
		v := e.fallback(bc)
		e.cache.Put(key, v)
		return v
	}

	v := e.validate(res, bc)
	e.cache.Put(key, v)
	return v
}

// quickRules applies the no-inference rejections. done=false means continue.
func (e *Engine) quickRules(player squad.Player, a squad.Analysis) (Verdict, bool) {
	if a.RemainingLakh < e.cfg.BudgetFloorLakh {
		return Verdict{Reasoning: fmt.Sprintf("remaining budget %d lakh below reserve floor %d lakh", a.RemainingLakh, e.cfg.BudgetFloorLakh), Source: "rules"}, true
	}
	if a.Size >= squad.MaxSquadSize {
		return Verdict{Reasoning: fmt.Sprintf("squad already at maximum size %d", squad.MaxSquadSize), Source: "rules"}, true
	}
	if player.Overseas && a.OverseasCount >= squad.OverseasQuota {
		return Verdict{Reasoning: fmt.Sprintf("overseas quota %d exhausted", squad.OverseasQuota), Source: "rules"}, true
	}
	return Verdict{}, false
}

// validate post-processes a model verdict against budget reality.
func (e *Engine) validate(res *inference.Result, bc BidContext) Verdict {
	if res.Decision == "pass" {
		return Verdict{ShouldBid: false, Reasoning: res.Reasoning, Source: "model"}
	}

	affordable := bc.Analysis.MaxAffordableLakh()
	if bc.Player.CurrentBidLakh >= affordable {
		return Verdict{
			ShouldBid: false,
			Reasoning: fmt.Sprintf("live bid %d lakh already at affordable ceiling %d lakh", bc.Player.CurrentBidLakh, affordable),
			Source:    "model",
		}
	}

	ceiling := res.MaxBidLakh
	if ceiling > affordable {
		ceiling = affordable
	}
	if ceiling > e.strategy.MaxPerPlayerLakh {
		ceiling = e.strategy.MaxPerPlayerLakh
	}
	if ceiling <= bc.Player.CurrentBidLakh {
		return Verdict{
			ShouldBid: false,
			Reasoning: fmt.Sprintf("capped ceiling %d lakh does not beat current bid", ceiling),
			Source:    "model",
		}
	}

	return Verdict{ShouldBid: true, MaxBidLakh: ceiling, Reasoning: res.Reasoning, Source: "model"}
}

// fallback is the deterministic path when inference is slow, unavailable,
// or structurally invalid. Bid only when the role is still needed and the
// budget ceiling clears the asking price, with extra conservatism late.
func (e *Engine) fallback(bc BidContext) Verdict {
	affordable := bc.Analysis.MaxAffordableLakh()
	asking := bc.Player.CurrentBidLakh
	if asking < bc.Player.BasePriceLakh {
		asking = bc.Player.BasePriceLakh
	}

	if !bc.Analysis.NeedsRole(bc.Player.Role) {
		return Verdict{Reasoning: fmt.Sprintf("fallback: no remaining need at %s", bc.Player.Role), Source: "fallback"}
	}
	if affordable < asking {
		return Verdict{Reasoning: fmt.Sprintf("fallback: affordable ceiling %d lakh below asking %d lakh", affordable, asking), Source: "fallback"}
	}

	// Late phase, or budget thin relative to remaining slots: only stretch
	// for priority gaps and demand clear headroom over the asking price.
	priority := bc.Analysis.RolePriority(bc.Player.Role)
	conservative := bc.Analysis.Phase == squad.PhaseLate || bc.Analysis.RemainingLakh < 4*squad.ReservePerSlotLakh
	if conservative {
		if priority < 6 {
			return Verdict{Reasoning: "fallback: late phase, role gap not critical", Source: "fallback"}
		}
		if affordable < 2*asking {
			return Verdict{Reasoning: "fallback: late phase, insufficient headroom over asking price", Source: "fallback"}
		}
	}

	ceiling := affordable
	if ceiling > e.strategy.MaxPerPlayerLakh {
		ceiling = e.strategy.MaxPerPlayerLakh
	}
	return Verdict{
		ShouldBid:  true,
		MaxBidLakh: ceiling,
		Reasoning:  fmt.Sprintf("fallback: %s gap (priority %d), ceiling %d lakh", bc.Player.Role, priority, ceiling),
		Source:     "fallback",
	}
}
