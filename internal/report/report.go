package report

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/spawner"
)

// FranchiseOutcome is one franchise's slice of the final report.
type FranchiseOutcome struct {
	Franchise     string   `json:"franchise"`
	FinalStatus   string   `json:"final_status"`
	Restarts      int      `json:"restarts"`
	Decisions     int      `json:"decisions"`
	Bids          int      `json:"bids"`
	Passes        int      `json:"passes"`
	Fallbacks     int      `json:"fallbacks"`
	UnhealthyHits int      `json:"unhealthy_hits"`
	Errors        []string `json:"errors,omitempty"`
}

// Report is the run's final JSON document.
type Report struct {
	AuctionID  string             `json:"auction_id"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Duration   string             `json:"duration"`
	Events     uint64             `json:"events"`
	Franchises []FranchiseOutcome `json:"franchises"`
}

// Build aggregates the run log and the final spawner records into a report.
func Build(auctionID string, startedAt time.Time, log *EventLog, records []spawner.Record) Report {
	outcomes := make(map[string]*FranchiseOutcome, len(records))
	for _, r := range records {
		outcomes[r.Franchise] = &FranchiseOutcome{
			Franchise:   r.Franchise,
			FinalStatus: string(r.Status),
			Restarts:    r.Restarts,
			Errors:      r.Errors,
		}
	}

	for _, e := range log.Since(0) {
		o, ok := outcomes[e.Franchise]
		if !ok {
			continue
		}
		switch e.Type {
		case EventDecision:
			o.Decisions++
			if e.ShouldBid {
				o.Bids++
			} else {
				o.Passes++
			}
			if e.Source == "fallback" {
				o.Fallbacks++
			}
		case EventAgentUnhealthy:
			o.UnhealthyHits++
		}
	}

	finished := time.Now()
	rep := Report{
		AuctionID:  auctionID,
		StartedAt:  startedAt,
		FinishedAt: finished,
		Duration:   finished.Sub(startedAt).Round(time.Millisecond).String(),
		Events:     log.CurrentSeq(),
	}
	for _, o := range outcomes {
		rep.Franchises = append(rep.Franchises, *o)
	}
	sort.Slice(rep.Franchises, func(i, j int) bool {
		return rep.Franchises[i].Franchise < rep.Franchises[j].Franchise
	})
	return rep
}

// Write stores the report as indented JSON at path.
func Write(rep Report, path string) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
