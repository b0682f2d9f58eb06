package inference

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/aulog"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/tracing"
)

// WorkFn is one queued inference call.
type WorkFn func(ctx context.Context) (*Result, error)

// QueueStats is a snapshot for observability.
type QueueStats struct {
	Depth         int `json:"depth"`
	Active        int `json:"active"`
	MaxConcurrent int `json:"max_concurrent"`
}

type outcome struct {
	res *Result
	err error
}

type request struct {
	requester string
	fn        WorkFn
	ctx       context.Context
	done      chan outcome
}

// Queue is the single admission queue in front of the inference service.
// Admission is strict arrival order; at most maxConcurrent requests execute
// at once. All bookkeeping happens under one mutex owned by the queue.
type Queue struct {
	mu       sync.Mutex
	pending  []*request
	active   int
	max      int
	closed   bool
	inflight sync.WaitGroup
}

// NewQueue creates a queue admitting up to maxConcurrent requests at once.
func NewQueue(maxConcurrent int) *Queue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Queue{max: maxConcurrent}
}

// Enqueue appends the request and blocks until it completes or the queue
// is closed before the request was admitted. The caller's context is passed
// through to the work function; cancellation is the work function's job.
func (q *Queue) Enqueue(ctx context.Context, requesterID string, fn WorkFn) (*Result, error) {
	ctx, span := tracing.Tracer().Start(ctx, "inference.enqueue",
		trace.WithAttributes(attribute.String("requester", requesterID)))
	defer span.End()

	req := &request{
		requester: requesterID,
		fn:        fn,
		ctx:       ctx,
		done:      make(chan outcome, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.pending = append(q.pending, req)
	q.drainLocked()
	q.mu.Unlock()

	out := <-req.done
	return out.res, out.err
}

// drainLocked admits pending requests while slots are free. Caller holds mu.
func (q *Queue) drainLocked() {
	for q.active < q.max && len(q.pending) > 0 {
		req := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.active++
		q.inflight.Add(1)
		go q.run(req)
	}
}

func (q *Queue) run(req *request) {
	defer q.inflight.Done()

	res, err := req.fn(req.ctx)
	req.done <- outcome{res: res, err: err}

	q.mu.Lock()
	q.active--
	q.drainLocked()
	q.mu.Unlock()
}

// Stats returns the current queue snapshot.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Depth:         len(q.pending),
		Active:        q.active,
		MaxConcurrent: q.max,
	}
}

// Close stops admission, fails queued-but-unstarted requests with
// ErrQueueClosed, and waits for in-flight work to finish. In-flight work is
// never abandoned. The wait is bounded by ctx.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, req := range dropped {
		req.done <- outcome{err: ErrQueueClosed}
	}
	if len(dropped) > 0 {
		aulog.For("inference-queue").Info("dropped unstarted requests on close", "count", len(dropped))
	}

	finished := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
