// Package store is the read side of the auction's relational state:
// franchise budgets, squad composition, and franchise claims. The auction
// backend owns the writes; agents only observe.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/squad"
)

// Store wraps the auction database.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// Wrap adopts an existing handle (tests).
func Wrap(db *sql.DB) *Store { return &Store{db: db} }

// DB exposes the underlying handle for collaborators that share it.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// UnclaimedFranchises returns franchise codes for the auction that no
// bidder (human or agent) has claimed yet, in stable order.
func (s *Store) UnclaimedFranchises(ctx context.Context, auctionID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code FROM teams
		WHERE auction_id = $1 AND claimed_by IS NULL
		ORDER BY code`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("store: unclaimed franchises: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("store: scan franchise: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// RemainingBudgetLakh reads a franchise's remaining budget. The teams table
// keeps crore; internal arithmetic is lakh.
func (s *Store) RemainingBudgetLakh(ctx context.Context, auctionID, franchise string) (int64, error) {
	var crore float64
	err := s.db.QueryRowContext(ctx, `
		SELECT remaining_budget_crore FROM teams
		WHERE auction_id = $1 AND code = $2`, auctionID, franchise).Scan(&crore)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("store: franchise %s not in auction %s", franchise, auctionID)
	}
	if err != nil {
		return 0, fmt.Errorf("store: budget for %s: %w", franchise, err)
	}
	return squad.CroreToLakh(crore), nil
}

// Squad reads a franchise's current squad composition.
func (s *Store) Squad(ctx context.Context, auctionID, franchise string) ([]squad.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.name, p.role, p.overseas, sq.price_lakh
		FROM squad_players sq
		JOIN players p ON p.id = sq.player_id
		WHERE sq.auction_id = $1 AND sq.team_code = $2
		ORDER BY sq.acquired_at`, auctionID, franchise)
	if err != nil {
		return nil, fmt.Errorf("store: squad for %s: %w", franchise, err)
	}
	defer rows.Close()

	var members []squad.Member
	for rows.Next() {
		var m squad.Member
		var role string
		if err := rows.Scan(&m.Name, &role, &m.Overseas, &m.PaidLakh); err != nil {
			return nil, fmt.Errorf("store: scan squad member: %w", err)
		}
		m.Role = squad.Role(role)
		members = append(members, m)
	}
	return members, rows.Err()
}

// PlayerByName resolves a lot observed on the page to its store row.
func (s *Store) PlayerByName(ctx context.Context, name string) (squad.Player, error) {
	var p squad.Player
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, role, base_price_lakh, capped, overseas
		FROM players WHERE name = $1`, name).Scan(
		&p.ID, &p.Name, &role, &p.BasePriceLakh, &p.Capped, &p.Overseas)
	if err == sql.ErrNoRows {
		return squad.Player{}, fmt.Errorf("store: unknown player %q", name)
	}
	if err != nil {
		return squad.Player{}, fmt.Errorf("store: player %q: %w", name, err)
	}
	p.Role = squad.Role(role)
	return p, nil
}
