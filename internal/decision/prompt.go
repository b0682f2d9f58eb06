package decision

import (
	"fmt"
	"strings"

	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/squad"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/stats"
)

// BidContext is everything a single decision sees: the lot, the squad
// snapshot, the strategy, and the player's quality view. Built per decision,
// never stored.
type BidContext struct {
	Player   squad.Player
	Analysis squad.Analysis
	Strategy squad.Strategy
	Quality  stats.Quality
}

// buildPrompt renders the decision prompt. The response contract is pinned
// in the prompt itself: JSON only, decision bid|pass, ceiling in lakh.
func buildPrompt(bc BidContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are the auction strategist for franchise %s in a T20 player auction.\n\n", bc.Strategy.Franchise)

	fmt.Fprintf(&b, "Player on the block: %s (%s)\n", bc.Player.Name, bc.Player.Role)
	fmt.Fprintf(&b, "- base price: %d lakh, current bid: %d lakh\n", bc.Player.BasePriceLakh, bc.Player.CurrentBidLakh)
	fmt.Fprintf(&b, "- capped international: %t, overseas: %t\n", bc.Player.Capped, bc.Player.Overseas)
	fmt.Fprintf(&b, "- quality score: %.1f/100 (batting %.1f, bowling %.1f, venue bonus %+.1f, form trend %+.1f, tier %s)\n\n",
		bc.Quality.Score, bc.Quality.BattingRating, bc.Quality.BowlingRating,
		bc.Quality.VenueBonus, bc.Quality.FormTrend, bc.Quality.ExperienceTier)

	fmt.Fprintf(&b, "Your squad: %d players (%d overseas of %d allowed), auction phase: %s\n",
		bc.Analysis.Size, bc.Analysis.OverseasCount, squad.OverseasQuota, bc.Analysis.Phase)
	for _, role := range squad.Roles {
		fmt.Fprintf(&b, "- %s: have %d, still need %d\n",
			role, bc.Analysis.RoleCounts[role], bc.Analysis.RoleDeficits[role])
	}
	fmt.Fprintf(&b, "Remaining budget: %d lakh. Hard ceiling after reserves: %d lakh. Franchise per-player cap: %d lakh.\n",
		bc.Analysis.RemainingLakh, bc.Analysis.MaxAffordableLakh(), bc.Strategy.MaxPerPlayerLakh)
	fmt.Fprintf(&b, "Aggression profile: %.1f (0 frugal, 1 aggressive).\n\n", bc.Strategy.Aggression)

	b.WriteString("Decide whether to bid. Respond with JSON only, exactly this shape:\n")
	b.WriteString(`{"decision":"bid"|"pass","max_bid_lakh":<integer lakh, 0 when passing>,"reasoning":"<one sentence>"}`)
	b.WriteString("\nmax_bid_lakh is in lakh rupees; do not use crore or absolute rupees.")

	return b.String()
}
