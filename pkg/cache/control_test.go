package cache_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bittern-cache/bittern/pkg/cache"
	"github.com/bittern-cache/bittern/pkg/engine"
	"github.com/bittern-cache/bittern/pkg/layout"
)

func TestControlSet_BGWriterKnobs(t *testing.T) {
	c, _, _ := newTestCache(t, engine.ModeWriteBack)

	require.NoError(t, c.ControlSet("bgwriter_conf_flush_on_exit", "0"))
	require.False(t, c.Writeback().FlushOnExit())

	require.NoError(t, c.ControlSet("bgwriter_conf_max_queue_depth_pct", "50"))
	require.Equal(t, 50, c.Writeback().MaxQueueDepthPct())
	require.Error(t, c.ControlSet("bgwriter_conf_max_queue_depth_pct", "0"))

	require.NoError(t, c.ControlSet("bgwriter_conf_policy", "aggressive"))
	require.Equal(t, "aggressive", c.Writeback().PolicyName())
	require.Error(t, c.ControlSet("bgwriter_conf_policy", "bogus"))
}

func TestControlSet_TraceSplitsMasks(t *testing.T) {
	c, _, _ := newTestCache(t, engine.ModeWriteBack)

	require.NoError(t, c.ControlSet("trace", "4660")) // 0x1234
	require.Equal(t, uint16(0x1234), c.Engine().Trace())

	sm, dev := c.Engine().TraceMasks()
	require.Equal(t, uint8(0x34), sm)
	require.Equal(t, uint8(0x12), dev)

	out, err := c.ControlGet("trace")
	require.NoError(t, err)
	require.Contains(t, out, "value=4660")

	require.Error(t, c.ControlSet("trace", "65536"))
}

func TestControlSet_DumpCommandsWriteLines(t *testing.T) {
	c, _, _ := newTestCache(t, engine.ModeWriteBack)
	c.Writeback().Stop() // keep the written block dirty for the dump

	var buf bytes.Buffer

	c.SetDumpWriter(&buf)

	pattern := fill(layout.PageSize, 0x5A)
	res := <-c.Map(context.Background(), engine.Request{
		Sector: 8, Offset: 0, Length: layout.PageSize, Data: pattern, Write: true,
	})
	require.NoError(t, res.Err)

	require.NoError(t, c.ControlSet("dump_blocks_dirty", "1"))
	require.Contains(t, buf.String(), "sector=8")
	require.Contains(t, buf.String(), "state=dirty")

	buf.Reset()
	require.NoError(t, c.ControlSet("tree_walk", "1"))
	require.Contains(t, buf.String(), "tree_walk: block:")

	buf.Reset()
	require.NoError(t, c.ControlSet("dump_blocks_clean", "1"))
	require.Empty(t, buf.String())
}

func TestControlSet_ZeroStatsResetsCounters(t *testing.T) {
	c, _, _ := newTestCache(t, engine.ModeWriteBack)

	pattern := fill(layout.PageSize, 0x01)
	res := <-c.Map(context.Background(), engine.Request{
		Sector: 0, Offset: 0, Length: layout.PageSize, Data: pattern, Write: true,
	})
	require.NoError(t, res.Err)
	require.Equal(t, int64(1), c.Engine().Stats().Writes)

	require.NoError(t, c.ControlSet("zero_stats", "1"))
	require.Equal(t, int64(0), c.Engine().Stats().Writes)
	require.Equal(t, int64(0), c.Engine().Stats().WriteMisses)
}

func TestControlGet_StatsExtraAndInfo(t *testing.T) {
	c, _, _ := newTestCache(t, engine.ModeWriteBack)
	c.Writeback().Stop() // the second write must hit the block while still dirty

	pattern := fill(layout.PageSize, 0x44)

	res := <-c.Map(context.Background(), engine.Request{
		Sector: 0, Offset: 0, Length: layout.PageSize, Data: pattern, Write: true,
	})
	require.NoError(t, res.Err)

	res = <-c.Map(context.Background(), engine.Request{
		Sector: 0, Offset: 0, Length: layout.PageSize, Data: pattern, Write: true,
	})
	require.NoError(t, res.Err)

	out, err := c.ControlGet("stats_extra")
	require.NoError(t, err)
	require.Contains(t, out, "dirty_write_clones=1")

	out, err = c.ControlGet("info")
	require.NoError(t, err)
	require.Contains(t, out, "slot_count=8")
	require.Contains(t, out, "metadata_slot_size=64")

	out, err = c.ControlGet("build_info")
	require.NoError(t, err)
	require.Contains(t, out, "version="+cache.Version)
}

func TestControlGet_ReadCachedDeviceRequestsUnchangedOnHit(t *testing.T) {
	c, _, _ := newTestCache(t, engine.ModeWriteBack)

	out := make([]byte, layout.PageSize)

	res := <-c.Map(context.Background(), engine.Request{
		Sector: 0, Offset: 0, Length: layout.PageSize, Data: out,
	})
	require.NoError(t, res.Err)
	require.Equal(t, int64(1), c.Engine().Stats().ReadCachedDeviceRequests)

	res = <-c.Map(context.Background(), engine.Request{
		Sector: 0, Offset: 0, Length: layout.PageSize, Data: out,
	})
	require.NoError(t, res.Err)

	stats := c.Engine().Stats()
	require.Equal(t, int64(1), stats.ReadCachedDeviceRequests)
	require.Equal(t, int64(1), stats.ReadHits)
}

func TestControlGet_RedblackInfoTracksTree(t *testing.T) {
	c, _, _ := newTestCache(t, engine.ModeWriteBack)

	pattern := fill(layout.PageSize, 0x13)

	for _, sector := range []uint64{0, 8, 16} {
		res := <-c.Map(context.Background(), engine.Request{
			Sector: sector, Offset: 0, Length: layout.PageSize, Data: pattern, Write: true,
		})
		require.NoError(t, res.Err)
	}

	out, err := c.ControlGet("redblack_info")
	require.NoError(t, err)
	require.Contains(t, out, "nodes=3")
}

func TestControlGet_CacheStatesAndPmemAPI(t *testing.T) {
	c, _, _ := newTestCache(t, engine.ModeWriteBack)

	out, err := c.ControlGet("cache_states")
	require.NoError(t, err)
	require.Contains(t, out, "invalid=8")

	out, err = c.ControlGet("pmem_api")
	require.NoError(t, err)
	require.Contains(t, out, "page_granularity_only=1")
	require.Contains(t, out, "mmap=0")
}

func TestControlGet_TrackedHashes(t *testing.T) {
	c, _, _ := newTestCache(t, engine.ModeWriteBack)

	require.NoError(t, c.ControlSet("enable_extra_checksum_check", "1"))

	pattern := fill(layout.PageSize, 0x29)
	res := <-c.Map(context.Background(), engine.Request{
		Sector: 0, Offset: 0, Length: layout.PageSize, Data: pattern, Write: true,
	})
	require.NoError(t, res.Err)

	out, err := c.ControlGet("tracked_hashes")
	require.NoError(t, err)
	require.Contains(t, out, "enabled=1")
	require.Contains(t, out, "count=1")

	// A read hit re-checks the tracked hash and must not trip fail-all.
	buf := make([]byte, layout.PageSize)
	res = <-c.Map(context.Background(), engine.Request{
		Sector: 0, Offset: 0, Length: layout.PageSize, Data: buf,
	})
	require.NoError(t, res.Err)
	require.False(t, c.Engine().FailAll())
}

func TestControlGet_TimersAndBGWriterPolicy(t *testing.T) {
	c, _, _ := newTestCache(t, engine.ModeWriteBack)

	out, err := c.ControlGet("timers")
	require.NoError(t, err)
	require.Contains(t, out, "deferred_requeues=0")

	out, err = c.ControlGet("bgwriter_policy")
	require.NoError(t, err)
	require.True(t, strings.Contains(out, "policy=standard"))
	require.Contains(t, out, "flush_on_exit=1")
}
