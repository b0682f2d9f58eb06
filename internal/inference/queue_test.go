package inference

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueBoundsConcurrency(t *testing.T) {
	q := NewQueue(3)

	var current, peak atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), "agent", func(ctx context.Context) (*Result, error) {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				current.Add(-1)
				return &Result{Decision: "pass"}, nil
			})
			if err != nil {
				t.Errorf("enqueue: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > 3 {
		t.Errorf("peak concurrency = %d, cap is 3", got)
	}
}

func TestQueueSingleSlotIsFIFO(t *testing.T) {
	q := NewQueue(1)

	var mu sync.Mutex
	var order []int

	// Occupy the single slot so the rest queue up in submission order.
	release := make(chan struct{})
	started := make(chan struct{})
	go q.Enqueue(context.Background(), "blocker", func(ctx context.Context) (*Result, error) {
		close(started)
		<-release
		return &Result{Decision: "pass"}, nil
	})
	<-started

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(context.Background(), "agent", func(ctx context.Context) (*Result, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return &Result{Decision: "pass"}, nil
			})
		}()
		// Give each goroutine time to append to the pending list so
		// arrival order is deterministic.
		time.Sleep(10 * time.Millisecond)
	}

	close(release)
	wg.Wait()

	for i, got := range order {
		if got != i {
			t.Fatalf("execution order %v, want strict FIFO", order)
		}
	}
}

func TestQueueStats(t *testing.T) {
	q := NewQueue(2)

	release := make(chan struct{})
	started := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		go q.Enqueue(context.Background(), "agent", func(ctx context.Context) (*Result, error) {
			started <- struct{}{}
			<-release
			return &Result{Decision: "pass"}, nil
		})
	}
	<-started
	<-started

	// Third request cannot have been admitted yet.
	deadline := time.After(time.Second)
	for {
		s := q.Stats()
		if s.Active == 2 && s.Depth == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("stats = %+v, want active=2 depth=1", s)
		case <-time.After(5 * time.Millisecond):
		}
	}

	if s := q.Stats(); s.MaxConcurrent != 2 {
		t.Errorf("cap = %d, want 2", s.MaxConcurrent)
	}
	close(release)
}

func TestQueueCloseDropsUnstartedKeepsInflight(t *testing.T) {
	q := NewQueue(1)

	release := make(chan struct{})
	started := make(chan struct{})
	var inflightDone atomic.Bool

	go q.Enqueue(context.Background(), "inflight", func(ctx context.Context) (*Result, error) {
		close(started)
		<-release
		inflightDone.Store(true)
		return &Result{Decision: "pass"}, nil
	})
	<-started

	queuedErr := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), "queued", func(ctx context.Context) (*Result, error) {
			return &Result{Decision: "pass"}, nil
		})
		queuedErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	closeDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		closeDone <- q.Close(ctx)
	}()

	// Queued-but-unstarted work fails fast.
	select {
	case err := <-queuedErr:
		if !errors.Is(err, ErrQueueClosed) {
			t.Errorf("queued request error = %v, want ErrQueueClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued request not failed on close")
	}

	// Close must still be waiting on the in-flight request.
	select {
	case <-closeDone:
		t.Fatal("Close returned while work was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-closeDone; err != nil {
		t.Fatalf("close: %v", err)
	}
	if !inflightDone.Load() {
		t.Error("in-flight work was abandoned")
	}
}

func TestQueueEnqueueAfterClose(t *testing.T) {
	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatal(err)
	}
	_, err := q.Enqueue(context.Background(), "late", func(ctx context.Context) (*Result, error) {
		return nil, nil
	})
	if !errors.Is(err, ErrQueueClosed) {
		t.Errorf("err = %v, want ErrQueueClosed", err)
	}
}
