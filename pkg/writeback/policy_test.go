package writeback

import "testing"

func TestStandardPolicy_BucketsByDirtyRatio(t *testing.T) {
	cases := []struct {
		ratio      float64
		wantTarget int
		wantRate   int
		wantAge    int64
	}{
		{96, 80, 0, 0},
		{91, 32, 0, 0},
		{65, 2, 300, 1},
		{45, 2, 100, 5},
		{25, 1, 50, 20},
		{5, 1, 30, 30},
	}

	for _, c := range cases {
		got := standardPolicy(c.ratio, 100)
		if got.TargetSlots != c.wantTarget || got.RatePerSec != c.wantRate || got.MinBlockAgeSecs != c.wantAge {
			t.Fatalf("standardPolicy(%v, 100) = %+v, want target=%d rate=%d age=%d",
				c.ratio, got, c.wantTarget, c.wantRate, c.wantAge)
		}
	}
}

func TestClassicPolicy_BucketsByDirtyRatio(t *testing.T) {
	cases := []struct {
		ratio      float64
		wantTarget int
		wantRate   int
		wantAge    int64
	}{
		{96, 50, 0, 0},
		{91, 25, 0, 0},
		{85, 10, 0, 0},
		{75, 4, 0, 1},
		{65, 2, 0, 1},
		{55, 2, 400, 5},
		{45, 2, 200, 5}, // 1% of 100 slots floors at 2
		{35, 2, 50, 10},
		{25, 1, 50, 20},
		{5, 1, 30, 30},
	}

	for _, c := range cases {
		got := classicPolicy(c.ratio, 100)
		if got.TargetSlots != c.wantTarget || got.RatePerSec != c.wantRate || got.MinBlockAgeSecs != c.wantAge {
			t.Fatalf("classicPolicy(%v, 100) = %+v, want target=%d rate=%d age=%d",
				c.ratio, got, c.wantTarget, c.wantRate, c.wantAge)
		}
	}
}

func TestApplyGreedyness_ClampsToTarget(t *testing.T) {
	if got := applyGreedyness(10, 20); got != 10 {
		t.Fatalf("applyGreedyness(10, 20) = %d, want 10", got)
	}

	if got := applyGreedyness(10, -20); got != 1 {
		t.Fatalf("applyGreedyness(10, -20) = %d, want 1", got)
	}

	if got := applyGreedyness(10, -5); got != 5 {
		t.Fatalf("applyGreedyness(10, -5) = %d, want 5", got)
	}
}

func TestAggressivePolicy_TargetsEverySlot(t *testing.T) {
	got := aggressivePolicy(42)
	if got.TargetSlots != 42 || got.RatePerSec != 0 || got.MinBlockAgeSecs != 0 {
		t.Fatalf("aggressivePolicy(42) = %+v", got)
	}
}
