package bufferpool_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bittern-cache/bittern/pkg/bufferpool"
)

func TestAllocNoWait_ExhaustsAndRecovers(t *testing.T) {
	p := bufferpool.New(2)

	b1, ok := p.AllocNoWait(bufferpool.SubpoolMap)
	require.True(t, ok)

	b2, ok := p.AllocNoWait(bufferpool.SubpoolMap)
	require.True(t, ok)

	_, ok = p.AllocNoWait(bufferpool.SubpoolMap)
	require.False(t, ok, "pool of 2 must be exhausted after 2 allocations")

	p.Release(bufferpool.SubpoolMap, b1)

	b3, ok := p.AllocNoWait(bufferpool.SubpoolMap)
	require.True(t, ok)

	p.Release(bufferpool.SubpoolMap, b2)
	p.Release(bufferpool.SubpoolMap, b3)

	stats := p.Stats()
	require.Equal(t, 2, stats.FreelistLen)
	require.Equal(t, 2, stats.HighWater)
}

func TestAllocWait_BlocksUntilRelease(t *testing.T) {
	p := bufferpool.New(1)

	buf, ok := p.AllocNoWait(bufferpool.SubpoolBGWriter)
	require.True(t, ok)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		got, err := p.AllocWait(context.Background(), bufferpool.SubpoolThreads)
		require.NoError(t, err)
		require.NotNil(t, got)
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release(bufferpool.SubpoolBGWriter, buf)

	wg.Wait()
}

func TestAllocWait_ContextCanceled(t *testing.T) {
	p := bufferpool.New(0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.AllocWait(ctx, bufferpool.SubpoolMap)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubpoolAccounting(t *testing.T) {
	p := bufferpool.New(3)

	a, _ := p.AllocNoWait(bufferpool.SubpoolMap)
	b, _ := p.AllocNoWait(bufferpool.SubpoolBGWriter)
	c, _ := p.AllocNoWait(bufferpool.SubpoolThreads)

	stats := p.Stats()
	require.Equal(t, 1, stats.InUseMap)
	require.Equal(t, 1, stats.InUseBGW)
	require.Equal(t, 1, stats.InUseThread)

	p.Release(bufferpool.SubpoolMap, a)
	p.Release(bufferpool.SubpoolBGWriter, b)
	p.Release(bufferpool.SubpoolThreads, c)
}
