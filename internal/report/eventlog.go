// Package report keeps the sequenced run log and writes the final auction
// report. The log is an in-memory ring with optional JSONL persistence and
// fan-out to live subscribers.
package report

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies what happened during the run.
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventRunFinished    EventType = "run_finished"
	EventAgentSpawned   EventType = "agent_spawned"
	EventAgentReady     EventType = "agent_ready"
	EventAgentStopped   EventType = "agent_stopped"
	EventAgentRestarted EventType = "agent_restarted"
	EventAgentUnhealthy EventType = "agent_unhealthy"
	EventAgentError     EventType = "agent_error"
	EventDecision       EventType = "decision"
)

// Event is one sequenced entry in the run log.
type Event struct {
	Seq        uint64    `json:"seq"`
	Timestamp  time.Time `json:"ts"`
	Type       EventType `json:"type"`
	Franchise  string    `json:"franchise,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Player     string    `json:"player,omitempty"`
	ShouldBid  bool      `json:"should_bid,omitempty"`
	MaxBidLakh int64     `json:"max_bid_lakh,omitempty"`
	Source     string    `json:"source,omitempty"`
}

// EventLog is a sequenced, append-only run log: in-memory ring buffer,
// optional JSONL persistence, fan-out to live subscribers.
type EventLog struct {
	mu      sync.RWMutex
	events  []Event
	seq     atomic.Uint64
	maxSize int

	subs []chan Event

	logFile *os.File
	writer  *bufio.Writer
}

// NewEventLog creates a log with the given ring capacity. A non-empty
// logPath also appends every event to that file as JSONL.
func NewEventLog(maxSize int, logPath string) (*EventLog, error) {
	el := &EventLog{
		events:  make([]Event, 0, maxSize),
		maxSize: maxSize,
	}

	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open run log: %w", err)
		}
		el.logFile = f
		el.writer = bufio.NewWriter(f)
	}

	return el, nil
}

// Emit stamps the event with a sequence number and timestamp, appends it,
// persists it, and fans it out.
func (el *EventLog) Emit(evt Event) {
	evt.Seq = el.seq.Add(1)
	evt.Timestamp = time.Now()

	el.mu.Lock()

	el.events = append(el.events, evt)
	if len(el.events) > el.maxSize {
		// Trim oldest half.
		half := len(el.events) / 2
		el.events = append([]Event(nil), el.events[half:]...)
	}

	if el.writer != nil {
		data, err := json.Marshal(evt)
		if err == nil {
			el.writer.Write(data)
			el.writer.WriteByte('\n')
			el.writer.Flush()
		}
	}

	subs := make([]chan Event, len(el.subs))
	copy(subs, el.subs)
	el.mu.Unlock()

	// Fan-out outside the lock; a slow consumer drops rather than blocks.
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Since returns all buffered events with Seq > sinceSeq.
func (el *EventLog) Since(sinceSeq uint64) []Event {
	el.mu.RLock()
	defer el.mu.RUnlock()

	var result []Event
	for _, e := range el.events {
		if e.Seq > sinceSeq {
			result = append(result, e)
		}
	}
	return result
}

// CurrentSeq returns the latest sequence number.
func (el *EventLog) CurrentSeq() uint64 {
	return el.seq.Load()
}

// SubscribeSince replays buffered events with Seq > sinceSeq into the
// returned channel, then registers it for live events, atomically under
// the write lock so nothing is missed in between.
func (el *EventLog) SubscribeSince(sinceSeq uint64, bufSize int) chan Event {
	ch := make(chan Event, bufSize)

	el.mu.Lock()
	defer el.mu.Unlock()

	for _, e := range el.events {
		if e.Seq > sinceSeq {
			select {
			case ch <- e:
			default:
			}
		}
	}

	el.subs = append(el.subs, ch)
	return ch
}

// Unsubscribe removes a channel from the subscriber list and closes it.
func (el *EventLog) Unsubscribe(ch chan Event) {
	el.mu.Lock()
	defer el.mu.Unlock()

	for i, s := range el.subs {
		if s == ch {
			el.subs = append(el.subs[:i], el.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Close flushes and closes the disk file and every subscriber channel.
func (el *EventLog) Close() {
	el.mu.Lock()
	defer el.mu.Unlock()

	if el.writer != nil {
		el.writer.Flush()
	}
	if el.logFile != nil {
		el.logFile.Close()
		el.logFile = nil
		el.writer = nil
	}

	for _, ch := range el.subs {
		close(ch)
	}
	el.subs = nil
}
