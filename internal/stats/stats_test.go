package stats

import "testing"

func TestTierForMatches(t *testing.T) {
	tests := []struct {
		matches int
		want    string
	}{
		{0, "emerging"},
		{29, "emerging"},
		{30, "established"},
		{99, "established"},
		{100, "elite"},
	}
	for _, tt := range tests {
		if got := tierForMatches(tt.matches); got != tt.want {
			t.Errorf("tierForMatches(%d) = %s, want %s", tt.matches, got, tt.want)
		}
	}
}

func TestCompositeScore(t *testing.T) {
	q := Quality{BattingRating: 70, BowlingRating: 20, VenueBonus: 5, FormTrend: 1, ExperienceTier: "elite"}
	got := compositeScore(q)
	// 70 + 5 + 5 + 8 = 88
	if got != 88 {
		t.Errorf("score = %v, want 88", got)
	}

	// Stronger discipline wins.
	q = Quality{BattingRating: 10, BowlingRating: 80}
	if got := compositeScore(q); got != 80 {
		t.Errorf("score = %v, want 80", got)
	}

	// Clamped to [0, 100].
	q = Quality{BattingRating: 95, VenueBonus: 10, FormTrend: 2, ExperienceTier: "elite"}
	if got := compositeScore(q); got != 100 {
		t.Errorf("score = %v, want clamp to 100", got)
	}
}
