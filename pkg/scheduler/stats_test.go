package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bittern-cache/bittern/pkg/devio"
	"github.com/bittern-cache/bittern/pkg/directory"
	"github.com/bittern-cache/bittern/pkg/engine"
	"github.com/bittern-cache/bittern/pkg/layout"
	"github.com/bittern-cache/bittern/pkg/scheduler"
)

func TestStats_TracksHighWaterRequeuesAndTimePending(t *testing.T) {
	dir := directory.New(2, directory.ReplacementFIFO)
	backing := devio.New(&memBacking{data: make([]byte, layout.PageSize*2)}, 2)
	stopFlush := backing.StartWorker()
	defer stopFlush()
	eng := engine.New(dir, newFakeDevice(), backing, engine.ModeWriteThrough, 0)

	pattern := fill(layout.PageSize, 0x5)
	res := <-eng.Map(context.Background(), engine.Request{Sector: 0, Length: layout.PageSize, Data: pattern, Write: true})
	require.NoError(t, res.Err)

	_, held := dir.Get(0, directory.GetFlags{Hit: true})
	require.NotNil(t, held)

	sched := scheduler.New(eng)
	sched.SetRetryDelay(2 * time.Millisecond)
	sched.Start()
	defer sched.Stop()

	out := sched.Submit(context.Background(), engine.Request{
		Sector: 0, Length: layout.PageSize, Data: make([]byte, layout.PageSize),
	})

	// Let the worker requeue the contended request a few times before
	// releasing the holder.
	require.Eventually(t, func() bool {
		return sched.Stats().Requeues >= 2
	}, time.Second, 2*time.Millisecond)

	require.Equal(t, 1, sched.Stats().WaitBusyMax)

	// The worker pops the queue while retrying, so the dump can be
	// momentarily empty between rounds.
	require.Eventually(t, func() bool {
		dump := sched.DumpWaitBusy()

		return len(dump) == 1 && dump[0].Sector == 0 && !dump[0].Write
	}, time.Second, 2*time.Millisecond)

	dir.Put(held, false, 0, nil)

	select {
	case res := <-out:
		require.NoError(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("scheduler never resolved the wait-busy request")
	}

	stats := sched.Stats()
	require.Zero(t, stats.WaitBusyLen)
	require.Greater(t, stats.TimePending, time.Duration(0))
}
