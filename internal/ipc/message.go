// Package ipc defines the parent↔worker message protocol.
//
// Workers talk to the orchestrator over their own stdin/stdout: one JSON
// object per line, capped at MaxFrameBytes. The message set is closed:
// an unknown kind is a decode error, not a silently ignored frame.
package ipc

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies a message variant.
type Kind int

const (
	KindReady Kind = iota
	KindHeartbeat
	KindError
	KindDecision
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindReady:
		return "ready"
	case KindHeartbeat:
		return "heartbeat"
	case KindError:
		return "error"
	case KindDecision:
		return "decision"
	case KindShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// kindFromString maps a wire string back to a Kind. The mapping is
// exhaustive over the closed set; anything else is an error.
func kindFromString(s string) (Kind, error) {
	switch s {
	case "ready":
		return KindReady, nil
	case "heartbeat":
		return KindHeartbeat, nil
	case "error":
		return KindError, nil
	case "decision":
		return KindDecision, nil
	case "shutdown":
		return KindShutdown, nil
	default:
		return 0, fmt.Errorf("unknown message kind %q", s)
	}
}

// DecisionNote carries a worker's bid/pass verdict for the run log.
type DecisionNote struct {
	Player     string `json:"player"`
	ShouldBid  bool   `json:"should_bid"`
	MaxBidLakh int64  `json:"max_bid_lakh,omitempty"`
	Reasoning  string `json:"reasoning,omitempty"`
	Source     string `json:"source,omitempty"`
}

// Message is one frame on the wire. Franchise identifies the sender for
// worker→parent frames; it is empty on the parent's shutdown frame.
type Message struct {
	Kind      Kind
	Franchise string
	SentAt    time.Time
	Err       string        // KindError only
	Decision  *DecisionNote // KindDecision only
}

// wireMessage is the JSON shape of a frame.
type wireMessage struct {
	Kind      string        `json:"kind"`
	Franchise string        `json:"franchise,omitempty"`
	SentAt    time.Time     `json:"sent_at"`
	Err       string        `json:"error,omitempty"`
	Decision  *DecisionNote `json:"decision,omitempty"`
}

// MarshalJSON encodes the tagged variant.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		Kind:      m.Kind.String(),
		Franchise: m.Franchise,
		SentAt:    m.SentAt,
		Err:       m.Err,
		Decision:  m.Decision,
	})
}

// UnmarshalJSON decodes and validates the tagged variant.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, err := kindFromString(w.Kind)
	if err != nil {
		return err
	}
	switch kind {
	case KindError:
		if w.Err == "" {
			return fmt.Errorf("error message without error text")
		}
	case KindDecision:
		if w.Decision == nil {
			return fmt.Errorf("decision message without decision payload")
		}
	case KindReady, KindHeartbeat, KindShutdown:
		// No payload.
	}
	*m = Message{
		Kind:      kind,
		Franchise: w.Franchise,
		SentAt:    w.SentAt,
		Err:       w.Err,
		Decision:  w.Decision,
	}
	return nil
}

// Ready builds a ready frame for the given franchise.
func Ready(franchise string) Message {
	return Message{Kind: KindReady, Franchise: franchise, SentAt: time.Now()}
}

// Heartbeat builds a heartbeat frame for the given franchise.
func Heartbeat(franchise string) Message {
	return Message{Kind: KindHeartbeat, Franchise: franchise, SentAt: time.Now()}
}

// Error builds an error frame.
func Error(franchise, errText string) Message {
	return Message{Kind: KindError, Franchise: franchise, SentAt: time.Now(), Err: errText}
}

// Decision builds a decision frame.
func Decision(franchise string, note DecisionNote) Message {
	return Message{Kind: KindDecision, Franchise: franchise, SentAt: time.Now(), Decision: &note}
}

// Shutdown builds the parent's cooperative-exit request.
func Shutdown() Message {
	return Message{Kind: KindShutdown, SentAt: time.Now()}
}
