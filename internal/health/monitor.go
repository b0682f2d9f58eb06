// Package health watches agent heartbeats and flags workers that have gone
// quiet. It reads spawner records and never mutates them; recovery is the
// orchestrator's job via the unhealthy callback.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/aulog"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/spawner"
)

// Config holds the monitor thresholds.
type Config struct {
	CheckInterval    time.Duration // how often records are scanned
	HeartbeatTimeout time.Duration // silence after a heartbeat before unhealthy
	StartupGrace     time.Duration // allowed silence before the first heartbeat
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:    10 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		StartupGrace:     60 * time.Second,
	}
}

// AgentHealth is one agent's classification at scan time.
type AgentHealth struct {
	Franchise string
	Healthy   bool
	Reason    string
}

// Summary is a side-effect-free view of the whole fleet.
type Summary struct {
	Checked   int
	Healthy   int
	Unhealthy int
	Agents    []AgentHealth
}

// Monitor scans spawner records on a ticker and fires a callback for each
// unhealthy agent.
type Monitor struct {
	cfg  Config
	view spawner.View

	onUnhealthy func(franchise, reason string)

	now func() time.Time
	log *slog.Logger
}

// New creates a monitor over the given record view.
func New(view spawner.View, cfg Config) *Monitor {
	return &Monitor{
		cfg:  cfg,
		view: view,
		now:  time.Now,
		log:  aulog.For("health"),
	}
}

// OnUnhealthy sets the callback fired once per unhealthy agent per scan.
func (m *Monitor) OnUnhealthy(fn func(franchise, reason string)) {
	m.onUnhealthy = fn
}

// Run scans on the configured interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info("health monitoring started",
		"interval", m.cfg.CheckInterval,
		"timeout", m.cfg.HeartbeatTimeout,
		"grace", m.cfg.StartupGrace)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("health monitoring stopped")
			return
		case <-ticker.C:
			m.CheckOnce()
		}
	}
}

// CheckOnce runs a single scan, firing the unhealthy callback as needed.
func (m *Monitor) CheckOnce() Summary {
	sum := m.classify()
	for _, a := range sum.Agents {
		if a.Healthy {
			continue
		}
		m.log.Warn("agent unhealthy", "franchise", a.Franchise, "reason", a.Reason)
		if m.onUnhealthy != nil {
			m.onUnhealthy(a.Franchise, a.Reason)
		}
	}
	return sum
}

// Summary classifies every record without firing callbacks.
func (m *Monitor) Summary() Summary {
	return m.classify()
}

func (m *Monitor) classify() Summary {
	now := m.now()
	var sum Summary
	for _, r := range m.view.States() {
		// Only running agents answer for their heartbeats.
		if r.Status != spawner.StatusRunning {
			continue
		}
		sum.Checked++

		a := AgentHealth{Franchise: r.Franchise, Healthy: true}
		if r.LastHeartbeat.IsZero() {
			if since := now.Sub(r.StartedAt); since > m.cfg.StartupGrace {
				a.Healthy = false
				a.Reason = fmt.Sprintf("no heartbeat %s after start, grace %s", since.Round(time.Second), m.cfg.StartupGrace)
			}
		} else if since := now.Sub(r.LastHeartbeat); since >= m.cfg.HeartbeatTimeout {
			a.Healthy = false
			a.Reason = fmt.Sprintf("last heartbeat %s ago, timeout %s", since.Round(time.Second), m.cfg.HeartbeatTimeout)
		}

		if a.Healthy {
			sum.Healthy++
		} else {
			sum.Unhealthy++
		}
		sum.Agents = append(sum.Agents, a)
	}
	return sum
}
