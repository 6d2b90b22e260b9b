package writeback_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bittern-cache/bittern/pkg/devio"
	"github.com/bittern-cache/bittern/pkg/directory"
	"github.com/bittern-cache/bittern/pkg/engine"
	"github.com/bittern-cache/bittern/pkg/layout"
	"github.com/bittern-cache/bittern/pkg/writeback"
)

func TestSetPolicy_RejectsUnknownName(t *testing.T) {
	dir := directory.New(4, directory.ReplacementFIFO)
	backing := devio.New(&memBacking{data: make([]byte, layout.PageSize*4)}, 2)
	eng := engine.New(dir, newFakeDevice(), backing, engine.ModeWriteBack, 0)

	w := writeback.New(eng, dir, 1)
	require.Equal(t, writeback.PolicyStandard, w.PolicyName())

	require.NoError(t, w.SetPolicy(writeback.PolicyClassic))
	require.Equal(t, writeback.PolicyClassic, w.PolicyName())

	require.NoError(t, w.SetPolicy(writeback.PolicyAggressive))
	require.Equal(t, writeback.PolicyAggressive, w.PolicyName())

	require.Error(t, w.SetPolicy("greedy"))
	require.Equal(t, writeback.PolicyAggressive, w.PolicyName())
}

func TestSetMaxQueueDepthPct_Clamps(t *testing.T) {
	dir := directory.New(4, directory.ReplacementFIFO)
	backing := devio.New(&memBacking{data: make([]byte, layout.PageSize*4)}, 2)
	eng := engine.New(dir, newFakeDevice(), backing, engine.ModeWriteBack, 0)

	w := writeback.New(eng, dir, 1)
	require.Equal(t, 100, w.MaxQueueDepthPct())

	w.SetMaxQueueDepthPct(0)
	require.Equal(t, 1, w.MaxQueueDepthPct())

	w.SetMaxQueueDepthPct(250)
	require.Equal(t, 100, w.MaxQueueDepthPct())
}

func TestAggressivePolicy_FlushesRegardlessOfDirtyRatio(t *testing.T) {
	dir := directory.New(8, directory.ReplacementFIFO)
	backing := devio.New(&memBacking{data: make([]byte, layout.PageSize*8)}, 2)
	stopFlush := backing.StartWorker()
	defer stopFlush()
	eng := engine.New(dir, newFakeDevice(), backing, engine.ModeWriteBack, 0)

	res := <-eng.Map(context.Background(), engine.Request{
		Sector: 0, Length: layout.PageSize, Data: fill(layout.PageSize, 0x7), Write: true,
	})
	require.NoError(t, res.Err)

	w := writeback.New(eng, dir, 4)
	w.SetTick(2 * time.Millisecond)
	require.NoError(t, w.SetPolicy(writeback.PolicyAggressive))
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		c := dir.Counters()

		return c.Dirty == 0 && c.Clean == 1
	}, time.Second, 2*time.Millisecond)
}

func TestLastPolicy_ReflectsMostRecentCycle(t *testing.T) {
	dir := directory.New(4, directory.ReplacementFIFO)
	backing := devio.New(&memBacking{data: make([]byte, layout.PageSize*4)}, 2)
	eng := engine.New(dir, newFakeDevice(), backing, engine.ModeWriteBack, 0)

	w := writeback.New(eng, dir, 1)
	w.SetTick(2 * time.Millisecond)
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		return w.LastPolicy().TargetSlots >= 1
	}, time.Second, 2*time.Millisecond)
}
