package directory_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/bittern-cache/bittern/pkg/bithash"
	"github.com/bittern-cache/bittern/pkg/directory"
	"github.com/bittern-cache/bittern/pkg/layout"
)

func adopt(t *testing.T, d *directory.Directory, id uint32, sector uint64, state directory.State) {
	t.Helper()

	require.NoError(t, d.Adopt(id, sector, state, layout.XID{Lo: uint64(id)}, bithash.Sum128{}))
}

func TestTreeWalk_SnapshotMatches(t *testing.T) {
	d := directory.New(4, directory.ReplacementFIFO)

	adopt(t, d, 2, 16, directory.StateClean)
	adopt(t, d, 4, 0, directory.StateDirty)
	adopt(t, d, 1, 8, directory.StateClean)

	want := []directory.BlockSnapshot{
		{BlockID: 4, Sector: 0, State: directory.StateDirty},
		{BlockID: 1, Sector: 8, State: directory.StateClean},
		{BlockID: 2, Sector: 16, State: directory.StateClean},
	}

	if diff := cmp.Diff(want, d.TreeWalk()); diff != "" {
		t.Fatalf("tree walk mismatch (-want +got):\n%s", diff)
	}
}

func TestTreeInfo_CountsNodesAndHeight(t *testing.T) {
	d := directory.New(8, directory.ReplacementFIFO)

	info := d.TreeInfo()
	require.Zero(t, info.Nodes)
	require.Zero(t, info.Height)

	for i := uint32(1); i <= 5; i++ {
		adopt(t, d, i, uint64(i*8), directory.StateClean)
	}

	info = d.TreeInfo()
	require.Equal(t, 5, info.Nodes)
	require.GreaterOrEqual(t, info.Height, 3)
	require.LessOrEqual(t, info.Height, 5)
}

func TestStateTally_IncludesEveryPopulatedState(t *testing.T) {
	d := directory.New(4, directory.ReplacementFIFO)

	adopt(t, d, 1, 0, directory.StateClean)
	adopt(t, d, 2, 8, directory.StateDirty)

	want := []directory.StateTally{
		{State: directory.StateInvalid, Count: 2},
		{State: directory.StateClean, Count: 1},
		{State: directory.StateDirty, Count: 1},
	}

	if diff := cmp.Diff(want, d.StateTally()); diff != "" {
		t.Fatalf("state tally mismatch (-want +got):\n%s", diff)
	}
}
