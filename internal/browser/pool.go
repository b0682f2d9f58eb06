package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/aulog"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/tracing"
)

// Pool defaults.
const (
	DefaultPoolCapacity = 4
	DefaultCooldown     = 5 * time.Second
)

// entry is one leased page target. Guarded by PagePool.mu.
type entry struct {
	key      string
	lease    Lease
	lastUsed time.Time
	release  *time.Timer // pending cooldown close, nil when active
	gen      int         // invalidates stale timer fires
}

// PagePool hands out page targets keyed by franchise, bounded by capacity.
// An existing key returns the same lease and cancels any pending release.
// At capacity the entry with the oldest lastUsed is evicted to make room.
// Release defers the close by a cooldown so a franchise re-entering the
// bidding window reuses its page instead of paying target startup again.
type PagePool struct {
	mu       sync.Mutex
	engine   Engine
	capacity int
	entries  map[string]*entry
	pageURL  string
	now      func() time.Time
	log      *slog.Logger
}

// NewPagePool creates a pool over the engine. pageURL is the auction page
// every created target navigates to.
func NewPagePool(engine Engine, capacity int, pageURL string) *PagePool {
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}
	return &PagePool{
		engine:   engine,
		capacity: capacity,
		entries:  make(map[string]*entry),
		pageURL:  pageURL,
		now:      time.Now,
		log:      aulog.For("pool"),
	}
}

// Request leases a page target for the key, reusing an existing lease,
// evicting the least recently used entry when the pool is full.
func (p *PagePool) Request(ctx context.Context, key string) (Lease, error) {
	ctx, span := tracing.Tracer().Start(ctx, "pool.request",
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[key]; ok {
		if e.release != nil {
			e.release.Stop()
			e.release = nil
			e.gen++
		}
		e.lastUsed = p.now()
		p.log.Debug("lease reused", "key", key, "target_id", e.lease.TargetID)
		return e.lease, nil
	}

	if len(p.entries) >= p.capacity {
		if err := p.evictOldestLocked(ctx); err != nil {
			return Lease{}, err
		}
	}

	lease, err := p.engine.CreateTarget(ctx, p.pageURL)
	if err != nil {
		return Lease{}, fmt.Errorf("lease %s: %w", key, err)
	}
	p.entries[key] = &entry{key: key, lease: lease, lastUsed: p.now()}
	p.log.Info("lease created", "key", key, "target_id", lease.TargetID, "occupancy", len(p.entries))
	return lease, nil
}

// Release schedules the key's target to close after the cooldown. A request
// for the same key before the timer fires keeps the target alive; a second
// release replaces the pending timer.
func (p *PagePool) Release(key string, cooldown time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		return
	}
	if e.release != nil {
		e.release.Stop()
	}
	e.gen++
	gen := e.gen
	e.release = time.AfterFunc(cooldown, func() { p.expire(key, gen) })
	p.log.Debug("release scheduled", "key", key, "cooldown", cooldown)
}

// ForceRelease closes the key's target immediately.
func (p *PagePool) ForceRelease(ctx context.Context, key string) error {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	if e.release != nil {
		e.release.Stop()
	}
	delete(p.entries, key)
	p.mu.Unlock()

	p.log.Info("lease force-released", "key", key, "target_id", e.lease.TargetID)
	return p.engine.CloseTarget(ctx, e.lease.TargetID)
}

// Occupancy reports active entries and capacity.
func (p *PagePool) Occupancy() (active, capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries), p.capacity
}

// Close force-releases every entry.
func (p *PagePool) Close(ctx context.Context) error {
	p.mu.Lock()
	keys := make([]string, 0, len(p.entries))
	for k := range p.entries {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	var firstErr error
	for _, k := range keys {
		if err := p.ForceRelease(ctx, k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// expire is the cooldown timer body. The generation check drops fires that
// lost a race with a Request or a re-Release.
func (p *PagePool) expire(key string, gen int) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok || e.gen != gen {
		p.mu.Unlock()
		return
	}
	delete(p.entries, key)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.engine.CloseTarget(ctx, e.lease.TargetID); err != nil {
		p.log.Warn("cooldown close failed", "key", key, "err", err)
		return
	}
	p.log.Debug("lease expired", "key", key, "target_id", e.lease.TargetID)
}

// evictOldestLocked removes the entry with the oldest lastUsed. Caller
// holds p.mu.
func (p *PagePool) evictOldestLocked(ctx context.Context) error {
	var oldest *entry
	for _, e := range p.entries {
		if oldest == nil || e.lastUsed.Before(oldest.lastUsed) {
			oldest = e
		}
	}
	if oldest == nil {
		return nil
	}
	if oldest.release != nil {
		oldest.release.Stop()
	}
	delete(p.entries, oldest.key)
	p.log.Info("lease evicted", "key", oldest.key, "target_id", oldest.lease.TargetID)
	if err := p.engine.CloseTarget(ctx, oldest.lease.TargetID); err != nil {
		return fmt.Errorf("evict %s: %w", oldest.key, err)
	}
	return nil
}
