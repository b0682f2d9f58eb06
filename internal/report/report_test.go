package report

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/spawner"
)

func TestEmitSequencesEvents(t *testing.T) {
	el, err := NewEventLog(100, "")
	if err != nil {
		t.Fatal(err)
	}
	defer el.Close()

	el.Emit(Event{Type: EventRunStarted})
	el.Emit(Event{Type: EventAgentSpawned, Franchise: "CSK"})
	el.Emit(Event{Type: EventAgentReady, Franchise: "CSK"})

	events := el.Since(0)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i, e := range events {
		if e.Seq != uint64(i+1) {
			t.Errorf("event %d has seq %d", i, e.Seq)
		}
		if e.Timestamp.IsZero() {
			t.Errorf("event %d without timestamp", i)
		}
	}

	if got := el.Since(2); len(got) != 1 || got[0].Type != EventAgentReady {
		t.Errorf("Since(2) = %+v", got)
	}
}

func TestRingTrimsOldestHalf(t *testing.T) {
	el, err := NewEventLog(10, "")
	if err != nil {
		t.Fatal(err)
	}
	defer el.Close()

	for i := 0; i < 11; i++ {
		el.Emit(Event{Type: EventDecision, Franchise: "CSK"})
	}

	events := el.Since(0)
	if len(events) > 10 {
		t.Fatalf("ring grew to %d, cap 10", len(events))
	}
	// The newest event always survives a trim.
	if events[len(events)-1].Seq != 11 {
		t.Errorf("latest seq = %d, want 11", events[len(events)-1].Seq)
	}
	if el.CurrentSeq() != 11 {
		t.Errorf("current seq = %d, want 11", el.CurrentSeq())
	}
}

func TestSubscribeSinceReplaysThenStreams(t *testing.T) {
	el, err := NewEventLog(100, "")
	if err != nil {
		t.Fatal(err)
	}
	defer el.Close()

	el.Emit(Event{Type: EventAgentSpawned, Franchise: "CSK"})
	el.Emit(Event{Type: EventAgentReady, Franchise: "CSK"})

	ch := el.SubscribeSince(1, 16)
	el.Emit(Event{Type: EventDecision, Franchise: "CSK", Player: "A Kumar"})

	var got []Event
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case e := <-ch:
			got = append(got, e)
		case <-timeout:
			t.Fatalf("received %d events, want 2", len(got))
		}
	}
	if got[0].Type != EventAgentReady || got[1].Type != EventDecision {
		t.Errorf("events = %+v", got)
	}

	el.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
}

func TestJSONLPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	el, err := NewEventLog(100, path)
	if err != nil {
		t.Fatal(err)
	}

	el.Emit(Event{Type: EventDecision, Franchise: "MI", Player: "R Sharma", ShouldBid: true, MaxBidLakh: 900, Source: "model"})
	el.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatal("persisted log is empty")
	}
	var e Event
	if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
		t.Fatalf("bad JSONL line: %v", err)
	}
	if e.Franchise != "MI" || e.MaxBidLakh != 900 || !e.ShouldBid {
		t.Errorf("persisted event = %+v", e)
	}
}

func TestBuildAggregatesRun(t *testing.T) {
	el, err := NewEventLog(100, "")
	if err != nil {
		t.Fatal(err)
	}
	defer el.Close()

	el.Emit(Event{Type: EventRunStarted})
	el.Emit(Event{Type: EventDecision, Franchise: "CSK", Player: "A", ShouldBid: true, Source: "model"})
	el.Emit(Event{Type: EventDecision, Franchise: "CSK", Player: "B", Source: "fallback"})
	el.Emit(Event{Type: EventDecision, Franchise: "MI", Player: "A", Source: "rules"})
	el.Emit(Event{Type: EventAgentUnhealthy, Franchise: "MI", Detail: "no heartbeat"})

	records := []spawner.Record{
		{Franchise: "CSK", Status: spawner.StatusStopped, Restarts: 1},
		{Franchise: "MI", Status: spawner.StatusError, Errors: []string{"exited: exit status 1"}},
	}

	rep := Build("auction-1", time.Now().Add(-time.Minute), el, records)
	if len(rep.Franchises) != 2 {
		t.Fatalf("franchises = %d, want 2", len(rep.Franchises))
	}

	csk, mi := rep.Franchises[0], rep.Franchises[1]
	if csk.Decisions != 2 || csk.Bids != 1 || csk.Passes != 1 || csk.Fallbacks != 1 {
		t.Errorf("CSK outcome = %+v", csk)
	}
	if csk.Restarts != 1 || csk.FinalStatus != "stopped" {
		t.Errorf("CSK record fields = %+v", csk)
	}
	if mi.Decisions != 1 || mi.UnhealthyHits != 1 || len(mi.Errors) != 1 {
		t.Errorf("MI outcome = %+v", mi)
	}
	if rep.Events != 5 {
		t.Errorf("events = %d, want 5", rep.Events)
	}

	path := filepath.Join(t.TempDir(), "report.json")
	if err := Write(rep, path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var back Report
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if back.AuctionID != "auction-1" {
		t.Errorf("auction id = %q", back.AuctionID)
	}
}
