package metrics

import (
	"context"
	"runtime"
	"time"
)

// Sources are the polled inputs the sampler mirrors into gauges.
type Sources struct {
	QueueStats    func() (depth, active, cap int)
	PoolOccupancy func() (active, capacity int)
	RunningAgents func() int
}

// Sampler copies polled values into gauges on a fixed interval.
type Sampler struct {
	interval time.Duration
	src      Sources
}

// NewSampler creates a sampler. A zero interval defaults to 5s.
func NewSampler(interval time.Duration, src Sources) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sampler{interval: interval, src: src}
}

// Run samples until the context is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SampleOnce()
		}
	}
}

// SampleOnce takes a single sample.
func (s *Sampler) SampleOnce() {
	if s.src.QueueStats != nil {
		depth, active, _ := s.src.QueueStats()
		QueueDepth.Set(float64(depth))
		QueueActive.Set(float64(active))
	}
	if s.src.PoolOccupancy != nil {
		active, _ := s.src.PoolOccupancy()
		PoolOccupancy.Set(float64(active))
	}
	if s.src.RunningAgents != nil {
		AgentsRunning.Set(float64(s.src.RunningAgents()))
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
	HeapAllocBytes.Set(float64(mem.HeapAlloc))
}
