// Package squad models a franchise's squad state during the auction:
// role composition, budget arithmetic, and auction-phase derivation.
// Everything here is a value computed from live agent state; nothing
// is persisted.
package squad

import "fmt"

// Role is a player's primary role.
type Role string

const (
	RoleBatter       Role = "batter"
	RoleBowler       Role = "bowler"
	RoleAllRounder   Role = "all-rounder"
	RoleWicketkeeper Role = "wicketkeeper"
)

// Roles lists all roles in a stable order.
var Roles = []Role{RoleBatter, RoleBowler, RoleAllRounder, RoleWicketkeeper}

// Phase describes how far the auction has progressed for a franchise,
// derived from its squad size.
type Phase string

const (
	PhaseEarly Phase = "early"
	PhaseMid   Phase = "mid"
	PhaseLate  Phase = "late"
)

// Squad and budget rules. Budgets are held in lakh; the store keeps
// crore and the conversion happens at the boundary.
const (
	MinSquadSize  = 18
	MaxSquadSize  = 25
	OverseasQuota = 8

	// ReservePerSlotLakh is withheld per unfilled mandatory slot so the
	// minimum squad size stays reachable.
	ReservePerSlotLakh int64 = 20

	// LakhPerCrore converts the store's crore figures to internal lakh.
	LakhPerCrore int64 = 100

	// Phase thresholds on squad size.
	earlyPhaseBelow = 8
	latePhaseFrom   = 15
)

// Player is the lot under auction.
type Player struct {
	ID             int64
	Name           string
	Role           Role
	BasePriceLakh  int64
	CurrentBidLakh int64
	Capped         bool
	Overseas       bool
}

// Member is a player already in the squad.
type Member struct {
	Name     string
	Role     Role
	Overseas bool
	PaidLakh int64
}

// Strategy is a franchise's bidding profile, loaded from configuration.
type Strategy struct {
	Franchise        string       `yaml:"franchise"`
	Targets          map[Role]int `yaml:"targets"`
	MaxPerPlayerLakh int64        `yaml:"max_per_player_lakh"`
	Aggression       float64      `yaml:"aggression"`
}

// Validate checks a strategy is usable.
func (s Strategy) Validate() error {
	if s.Franchise == "" {
		return fmt.Errorf("strategy without franchise code")
	}
	total := 0
	for role, n := range s.Targets {
		switch role {
		case RoleBatter, RoleBowler, RoleAllRounder, RoleWicketkeeper:
		default:
			return fmt.Errorf("strategy %s: unknown role %q", s.Franchise, role)
		}
		if n < 0 {
			return fmt.Errorf("strategy %s: negative target for %s", s.Franchise, role)
		}
		total += n
	}
	if total < MinSquadSize {
		return fmt.Errorf("strategy %s: targets sum to %d, below minimum squad %d", s.Franchise, total, MinSquadSize)
	}
	if s.MaxPerPlayerLakh <= 0 {
		return fmt.Errorf("strategy %s: max per player must be positive", s.Franchise)
	}
	return nil
}

// Analysis is the per-decision snapshot of the squad. Rebuilt on every
// decision from the agent's live state; never stored.
type Analysis struct {
	Size          int
	OverseasCount int
	RoleCounts    map[Role]int
	RoleDeficits  map[Role]int
	RemainingLakh int64
	Phase         Phase
}

// Analyze computes the snapshot for the given members and budget against
// a strategy's target distribution.
func Analyze(members []Member, remainingLakh int64, strategy Strategy) Analysis {
	counts := make(map[Role]int, len(Roles))
	overseas := 0
	for _, m := range members {
		counts[m.Role]++
		if m.Overseas {
			overseas++
		}
	}

	deficits := make(map[Role]int, len(Roles))
	for _, role := range Roles {
		d := strategy.Targets[role] - counts[role]
		if d < 0 {
			d = 0
		}
		deficits[role] = d
	}

	return Analysis{
		Size:          len(members),
		OverseasCount: overseas,
		RoleCounts:    counts,
		RoleDeficits:  deficits,
		RemainingLakh: remainingLakh,
		Phase:         PhaseForSize(len(members)),
	}
}

// PhaseForSize derives the auction phase from squad size.
func PhaseForSize(size int) Phase {
	switch {
	case size < earlyPhaseBelow:
		return PhaseEarly
	case size >= latePhaseFrom:
		return PhaseLate
	default:
		return PhaseMid
	}
}

// MaxAffordableLakh is the hard bid ceiling: remaining budget minus the
// reserve for every still-unfilled mandatory slot. Never negative.
func (a Analysis) MaxAffordableLakh() int64 {
	unfilled := int64(MinSquadSize - a.Size)
	if unfilled < 0 {
		unfilled = 0
	}
	ceiling := a.RemainingLakh - unfilled*ReservePerSlotLakh
	if ceiling < 0 {
		return 0
	}
	return ceiling
}

// RolePriority scores how badly the squad needs the given role, 0–10.
// A squad with no wicketkeeper scores a wicketkeeper at the maximum
// regardless of other gaps: a playing XI cannot take the field without one.
func (a Analysis) RolePriority(role Role) int {
	if role == RoleWicketkeeper && a.RoleCounts[RoleWicketkeeper] == 0 {
		return 10
	}
	deficit := a.RoleDeficits[role]
	if deficit <= 0 {
		return 0
	}
	score := deficit * 3
	if score > 9 {
		score = 9
	}
	return score
}

// NeedsRole reports whether the squad still has a gap at the role.
func (a Analysis) NeedsRole(role Role) bool {
	return a.RolePriority(role) > 0
}

// CroreToLakh converts a store budget figure to internal lakh.
func CroreToLakh(crore float64) int64 {
	return int64(crore * float64(LakhPerCrore))
}
