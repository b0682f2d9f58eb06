// Package stats reads derived per-player statistics from the relational
// store and folds them into a single quality score for the decision engine.
// The rollup that fills these tables from ball-by-ball records happens
// elsewhere; this package only reads the derived rows.
package stats

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Quality is the derived view of a player used in bid prompts.
type Quality struct {
	PlayerID       int64
	BattingRating  float64
	BowlingRating  float64
	VenueBonus     float64
	FormTrend      float64 // positive = improving
	ExperienceTier string  // "emerging", "established", "elite"
	Score          float64 // 0–100 composite
}

// Provider looks up a player's quality view.
type Provider interface {
	Quality(ctx context.Context, playerID int64) (Quality, error)
}

// SQLProvider reads quality inputs from Postgres with a short process-local
// cache; the same player comes up repeatedly as bids escalate on a lot.
type SQLProvider struct {
	db  *sql.DB
	ttl time.Duration

	mu    sync.Mutex
	cache map[int64]cachedQuality
}

type cachedQuality struct {
	q       Quality
	fetched time.Time
}

// NewSQLProvider wraps a database handle. ttl bounds cache staleness.
func NewSQLProvider(db *sql.DB, ttl time.Duration) *SQLProvider {
	return &SQLProvider{
		db:    db,
		ttl:   ttl,
		cache: make(map[int64]cachedQuality),
	}
}

const qualityQuery = `
SELECT batting_rating, bowling_rating, venue_bonus, form_trend, matches_played
FROM player_statistics
WHERE player_id = $1`

// Quality returns the cached view when fresh, otherwise queries the store.
func (p *SQLProvider) Quality(ctx context.Context, playerID int64) (Quality, error) {
	p.mu.Lock()
	if c, ok := p.cache[playerID]; ok && time.Since(c.fetched) < p.ttl {
		p.mu.Unlock()
		return c.q, nil
	}
	p.mu.Unlock()

	var bat, bowl, venue, form float64
	var matches int
	err := p.db.QueryRowContext(ctx, qualityQuery, playerID).Scan(&bat, &bowl, &venue, &form, &matches)
	if err == sql.ErrNoRows {
		return Quality{}, fmt.Errorf("stats: no statistics for player %d", playerID)
	}
	if err != nil {
		return Quality{}, fmt.Errorf("stats: query player %d: %w", playerID, err)
	}

	q := Quality{
		PlayerID:       playerID,
		BattingRating:  bat,
		BowlingRating:  bowl,
		VenueBonus:     venue,
		FormTrend:      form,
		ExperienceTier: tierForMatches(matches),
	}
	q.Score = compositeScore(q)

	p.mu.Lock()
	p.cache[playerID] = cachedQuality{q: q, fetched: time.Now()}
	p.mu.Unlock()
	return q, nil
}

func tierForMatches(matches int) string {
	switch {
	case matches >= 100:
		return "elite"
	case matches >= 30:
		return "established"
	default:
		return "emerging"
	}
}

// compositeScore folds the inputs into 0–100. The stronger discipline
// dominates; venue and form nudge the result.
func compositeScore(q Quality) float64 {
	base := q.BattingRating
	if q.BowlingRating > base {
		base = q.BowlingRating
	}
	score := base + q.VenueBonus + 5*q.FormTrend
	switch q.ExperienceTier {
	case "elite":
		score += 8
	case "established":
		score += 4
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
