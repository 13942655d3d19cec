package policy

import (
	"testing"
	"time"

	"github.com/invigil-io/invigil/internal/proctor/types"
)

func TestDeltaCp(t *testing.T) {
	p := Default()

	cases := []struct {
		sev    types.Severity
		confPm int64
		want   int64
	}{
		{types.SeverityLow, 1000, 200},
		{types.SeverityMedium, 1000, 500},
		{types.SeverityHigh, 1000, 1200},
		{types.SeverityCritical, 1000, 2500},
		{types.SeverityHigh, 500, 600},
		{types.SeverityHigh, 0, 0},
		// Out-of-range confidence clamps instead of corrupting the score.
		{types.SeverityHigh, 1500, 1200},
		{types.SeverityHigh, -10, 0},
	}
	for _, tc := range cases {
		if got := p.DeltaCp(tc.sev, tc.confPm); got != tc.want {
			t.Errorf("DeltaCp(%s, %d) = %d, want %d", tc.sev, tc.confPm, got, tc.want)
		}
	}
}

func TestDecayCp(t *testing.T) {
	p := Default() // 1 point per minute

	cases := []struct {
		elapsed time.Duration
		want    int64
	}{
		{0, 0},
		{-time.Minute, 0},
		{time.Minute, 100},
		{30 * time.Second, 50},
		{10 * time.Minute, 1000},
		// Sub-second remainders are dropped so replays stay exact.
		{90500 * time.Millisecond, 150},
	}
	for _, tc := range cases {
		if got := p.DecayCp(tc.elapsed); got != tc.want {
			t.Errorf("DecayCp(%s) = %d, want %d", tc.elapsed, got, tc.want)
		}
	}

	p.DecayPerMinute = 0
	if got := p.DecayCp(time.Hour); got != 0 {
		t.Errorf("disabled decay returned %d", got)
	}
}

func TestSupervisionWindows(t *testing.T) {
	p := Default()

	if got := p.StallAfter(); got != 90*time.Second {
		t.Errorf("StallAfter = %s", got)
	}
	if got := p.AbandonAfter(); got != 180*time.Second {
		t.Errorf("AbandonAfter = %s", got)
	}

	p.AbandonIntervals = 0
	if got := p.AbandonAfter(); got != 0 {
		t.Errorf("disabled abandonment returned %s", got)
	}
}

func TestThresholdConversions(t *testing.T) {
	p := Default()

	if p.FlagThresholdCp() != 5000 || p.TerminateThresholdCp() != 7500 || p.DisqualifyThresholdCp() != 9000 {
		t.Errorf("threshold conversions: %d %d %d",
			p.FlagThresholdCp(), p.TerminateThresholdCp(), p.DisqualifyThresholdCp())
	}
}
