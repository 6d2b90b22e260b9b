package writeback

// Policy is the per-cycle decision the background writeback worker
// makes: how many dirty blocks to target this cycle, how fast to
// submit them, and how old a block must be before it is eligible
// (spec §4.8).
type Policy struct {
	// TargetSlots is the number of dirty blocks this cycle should aim
	// to flush, before the greedyness bias and [1, target] clamp.
	TargetSlots int

	// RatePerSec throttles submission; 0 means unlimited.
	RatePerSec int

	MinBlockAgeSecs int64
}

// dirtyRatioRow is one row of a dirty-ratio policy table (spec §4.8).
type dirtyRatioRow struct {
	minRatioPct float64
	// exactly one of depthPct/depthSlots is set.
	depthPct   int
	depthSlots int
	// minSlots floors a percentage-derived depth (the classic table
	// keeps at least two in flight on its mid-range rows).
	minSlots   int
	ratePerSec int
	minAgeSecs int64
}

// standardTable is spec §4.8's table, highest ratio first.
var standardTable = []dirtyRatioRow{
	{minRatioPct: 95, depthPct: 80, ratePerSec: 0, minAgeSecs: 0},
	{minRatioPct: 90, depthPct: 32, ratePerSec: 0, minAgeSecs: 0},
	{minRatioPct: 85, depthPct: 16, ratePerSec: 0, minAgeSecs: 0},
	{minRatioPct: 80, depthPct: 8, ratePerSec: 0, minAgeSecs: 0},
	{minRatioPct: 75, depthPct: 2, ratePerSec: 0, minAgeSecs: 0},
	{minRatioPct: 70, depthPct: 1, ratePerSec: 0, minAgeSecs: 0},
	{minRatioPct: 60, depthSlots: 2, ratePerSec: 300, minAgeSecs: 1},
	{minRatioPct: 50, depthSlots: 2, ratePerSec: 200, minAgeSecs: 1},
	{minRatioPct: 40, depthSlots: 2, ratePerSec: 100, minAgeSecs: 5},
	{minRatioPct: 30, depthSlots: 2, ratePerSec: 50, minAgeSecs: 10},
	{minRatioPct: 20, depthSlots: 1, ratePerSec: 50, minAgeSecs: 20},
	{minRatioPct: 0, depthSlots: 1, ratePerSec: 30, minAgeSecs: 30},
}

// classicTable is the older dirty-ratio table the standard one evolved
// from: shallower depths at the top end, earlier age-gating, and higher
// submission rates through the middle ratios.
var classicTable = []dirtyRatioRow{
	{minRatioPct: 95, depthPct: 50, ratePerSec: 0, minAgeSecs: 0},
	{minRatioPct: 90, depthPct: 25, ratePerSec: 0, minAgeSecs: 0},
	{minRatioPct: 80, depthPct: 10, ratePerSec: 0, minAgeSecs: 0},
	{minRatioPct: 70, depthPct: 4, ratePerSec: 0, minAgeSecs: 1},
	{minRatioPct: 60, depthPct: 2, minSlots: 2, ratePerSec: 0, minAgeSecs: 1},
	{minRatioPct: 50, depthPct: 2, minSlots: 2, ratePerSec: 400, minAgeSecs: 5},
	{minRatioPct: 40, depthPct: 1, minSlots: 2, ratePerSec: 200, minAgeSecs: 5},
	{minRatioPct: 30, depthSlots: 2, ratePerSec: 50, minAgeSecs: 10},
	{minRatioPct: 20, depthSlots: 1, ratePerSec: 50, minAgeSecs: 20},
	{minRatioPct: 0, depthSlots: 1, ratePerSec: 30, minAgeSecs: 30},
}

// tablePolicy resolves a dirty-ratio table row into a Policy, given the
// current dirty ratio (0..100) and the total block count (for
// percentage-based rows).
func tablePolicy(table []dirtyRatioRow, dirtyRatioPct float64, totalSlots int) Policy {
	for _, row := range table {
		if dirtyRatioPct <= row.minRatioPct && row.minRatioPct != 0 {
			continue
		}

		target := row.depthSlots
		if row.depthPct != 0 {
			target = (totalSlots * row.depthPct) / 100
		}

		if target < 1 {
			target = 1
		}

		if target < row.minSlots {
			target = row.minSlots
		}

		return Policy{TargetSlots: target, RatePerSec: row.ratePerSec, MinBlockAgeSecs: row.minAgeSecs}
	}

	return Policy{TargetSlots: 1, RatePerSec: 30, MinBlockAgeSecs: 30}
}

// standardPolicy implements the default "standard / dirty-ratio" policy
// of spec §4.8.
func standardPolicy(dirtyRatioPct float64, totalSlots int) Policy {
	return tablePolicy(standardTable, dirtyRatioPct, totalSlots)
}

// classicPolicy implements the older table under the "classic" policy
// name.
func classicPolicy(dirtyRatioPct float64, totalSlots int) Policy {
	return tablePolicy(classicTable, dirtyRatioPct, totalSlots)
}

// aggressivePolicy is used while cache mode is write-through, which
// overrides the table to flush as fast as possible (spec §4.8: "If
// cache mode is write-through, policy is overridden to flush
// aggressively").
func aggressivePolicy(totalSlots int) Policy {
	return Policy{TargetSlots: totalSlots, RatePerSec: 0, MinBlockAgeSecs: 0}
}

// applyGreedyness adds the per-cycle greedyness bias and clamps the
// result to [1, target] (spec §4.8).
func applyGreedyness(target int, greedyness int) int {
	depth := target + greedyness

	if depth < 1 {
		depth = 1
	}

	if depth > target {
		depth = target
	}

	return depth
}
