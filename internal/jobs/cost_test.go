package jobs

import (
	"strings"
	"testing"

	"orbital/internal/domain"
)

func TestStripEmotionMarkers(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"(excited) And the answer is five!", "And the answer is five!"},
		{"(calm) Let's think. (Curious) What do we know?", "Let's think. What do we know?"},
		{"No emotions here.", "No emotions here."},
		{"(in a hurry tone) Quick! (x + 1) stays", "Quick! (x + 1) stays"},
	}
	for _, tc := range cases {
		if got := StripEmotionMarkers(tc.in); got != tc.want {
			t.Fatalf("StripEmotionMarkers(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCost(t *testing.T) {
	cases := []struct {
		spoken int
		want   domain.Minutes
	}{
		{0, domain.MinutesFromFloat(0.1)},
		{40, domain.MinutesFromFloat(0.1)},
		{1049, domain.MinutesFromFloat(1.0)},
		{1050, domain.MinutesFromFloat(1.1)},
		{2000, domain.WholeMinutes(2)},
	}
	for _, tc := range cases {
		if got := Cost(tc.spoken); got != tc.want {
			t.Fatalf("Cost(%d) = %s, want %s", tc.spoken, got, tc.want)
		}
	}
}

func TestSpokenChars(t *testing.T) {
	steps := []domain.Step{
		{Narration: "(calm) " + strings.Repeat("a", 10)},
		{Narration: strings.Repeat("b", 5)},
	}
	spoken, total := SpokenChars(steps)
	if spoken != 15 || total != 22 {
		t.Fatalf("got spoken %d total %d want 15 22", spoken, total)
	}
}
