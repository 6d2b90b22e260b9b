package cache

import (
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/bittern-cache/bittern/internal/ctl"
	"github.com/bittern-cache/bittern/pkg/bypass"
	"github.com/bittern-cache/bittern/pkg/directory"
	"github.com/bittern-cache/bittern/pkg/engine"
	"github.com/bittern-cache/bittern/pkg/layout"
	"github.com/bittern-cache/bittern/pkg/scheduler"
)

// Version identifies this build on the "build_info" observability key.
const Version = "1.0.0"

// ControlSet implements the key/value control-message surface of spec
// §6. Unknown keys and out-of-range values are rejected rather than
// clamped silently, except where the underlying setter already clamps
// per its own documented range (greedyness, cluster_size).
func (c *Cache) ControlSet(key, value string) error {
	switch key {
	case "max_pending_requests":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("cache: control: %s: %w", key, err)
		}

		if n < 10 || n > 2000 {
			return fmt.Errorf("cache: control: %s: out of range [10,2000]", key)
		}

		c.eng.SetMaxPending(n)

		return nil

	case "bgwriter_conf_greedyness":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("cache: control: %s: %w", key, err)
		}

		c.wb.SetGreedyness(n)

		return nil

	case "bgwriter_conf_cluster_size":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("cache: control: %s: %w", key, err)
		}

		c.wb.SetClusterSize(n)

		return nil

	case "bgwriter_conf_flush_on_exit":
		on, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("cache: control: %s: %w", key, err)
		}

		c.wb.SetFlushOnExit(on)

		return nil

	case "bgwriter_conf_max_queue_depth_pct":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("cache: control: %s: %w", key, err)
		}

		if n < 1 || n > 100 {
			return fmt.Errorf("cache: control: %s: out of range [1,100]", key)
		}

		c.wb.SetMaxQueueDepthPct(n)

		return nil

	case "bgwriter_conf_policy":
		if err := c.wb.SetPolicy(value); err != nil {
			return fmt.Errorf("cache: control: %s: %w", key, err)
		}

		return nil

	case "trace":
		n, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return fmt.Errorf("cache: control: %s: must be a 16-bit integer: %w", key, err)
		}

		c.eng.SetTrace(uint16(n))

		return nil

	case "invalidator_conf_min_invalid_count":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("cache: control: %s: %w", key, err)
		}

		if n < 10 || n > 2000 {
			return fmt.Errorf("cache: control: %s: out of range [10,2000]", key)
		}

		c.inv.SetMinInvalidCount(int32(n))

		return nil

	case "enable_extra_checksum_check":
		on, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("cache: control: %s: %w", key, err)
		}

		c.eng.SetExtraChecksumCheck(on)

		return nil

	case "read_bypass_enabled", "read_bypass_threshold", "read_bypass_timeout":
		return c.setBypass(&c.readBypass, key, "read_bypass_", value)

	case "write_bypass_enabled", "write_bypass_threshold", "write_bypass_timeout":
		return c.setBypass(&c.writeBypass, key, "write_bypass_", value)

	case "cache_mode":
		switch value {
		case "writeback":
			c.eng.SetMode(engine.ModeWriteBack)
		case "writethrough":
			c.eng.SetMode(engine.ModeWriteThrough)
		default:
			return fmt.Errorf("cache: control: %s: must be writeback or writethrough", key)
		}

		return nil

	case "replacement":
		switch value {
		case "fifo":
			c.dir.SetReplacement(directory.ReplacementFIFO)
		case "lru":
			c.dir.SetReplacement(directory.ReplacementLRU)
		case "random":
			c.dir.SetReplacement(directory.ReplacementRandom)
		default:
			return fmt.Errorf("cache: control: %s: must be fifo, lru, or random", key)
		}

		return nil

	case "devio_worker_delay":
		ms, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("cache: control: %s: %w", key, err)
		}

		if ms < 1 || ms > 100 {
			return fmt.Errorf("cache: control: %s: out of range [1,100]", key)
		}

		c.backing.SetWorkerDelay(time.Duration(ms) * time.Millisecond)

		return nil

	case "devio_fua_insert":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("cache: control: %s: %w", key, err)
		}

		if n < 10 || n > 5000 {
			return fmt.Errorf("cache: control: %s: out of range [10,5000]", key)
		}

		c.backing.SetFUADistance(n)

		return nil

	case "verifier_running":
		on, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("cache: control: %s: %w", key, err)
		}

		c.ver.SetRunning(on)

		return nil

	case "verifier_one_shot":
		on, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("cache: control: %s: %w", key, err)
		}

		c.ver.SetOneShot(on)

		return nil

	case "verifier_scan_delay_ms":
		ms, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("cache: control: %s: %w", key, err)
		}

		c.ver.SetScanDelay(time.Duration(ms) * time.Millisecond)

		return nil

	case "verifier_bugon_on_errors":
		on, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("cache: control: %s: %w", key, err)
		}

		c.ver.SetFatalOnMismatch(on)

		return nil

	case "error_state":
		c.eng.SetErrorState()

		return nil

	case "invalidate_cache":
		return c.invalidateAll()

	case "zero_stats":
		c.eng.ZeroStats()
		c.byp.ZeroStats()
		c.tracker.Reset()

		return nil

	case "tree_walk":
		return c.dumpSnapshots("tree_walk", c.dir.TreeWalk())

	case "dump_blocks_clean":
		return c.dumpSnapshots(key, c.dir.DumpList(directory.ListClean))

	case "dump_blocks_dirty":
		return c.dumpSnapshots(key, c.dir.DumpList(directory.ListDirty))

	case "dump_blocks_busy":
		return c.dumpSnapshots(key, c.dir.DumpBusy())

	case "dump_blocks_pending":
		_, err := fmt.Fprintf(c.dumpW, "%s: pending: count=%d\n", key, c.eng.PendingCount())

		return err

	case "dump_blocks_deferred":
		if err := c.dumpQueued("dump_blocks_deferred_wait_busy", c.sch.DumpWaitBusy()); err != nil {
			return err
		}

		return c.dumpQueued("dump_blocks_deferred_wait_page", c.sch.DumpWaitPage())

	case "dump_blocks_deferred_wait_busy":
		return c.dumpQueued(key, c.sch.DumpWaitBusy())

	case "dump_blocks_deferred_wait_page":
		return c.dumpQueued(key, c.sch.DumpWaitPage())

	default:
		return fmt.Errorf("cache: control: unknown key %q", key)
	}
}

// dumpSnapshots writes one line per CB to the dump writer, the
// translation of the original's kernel-log block dumps.
func (c *Cache) dumpSnapshots(name string, blocks []directory.BlockSnapshot) error {
	for _, b := range blocks {
		line := ctl.Render(name, []ctl.Section{{
			Name: "block",
			Pairs: []ctl.KV{
				ctl.Int("id", int(b.BlockID)),
				ctl.Uint64("sector", b.Sector),
				ctl.Str("state", b.State.String()),
				ctl.Int("refcount", int(b.Refcount)),
			},
		}})

		if _, err := fmt.Fprintln(c.dumpW, line); err != nil {
			return err
		}
	}

	return nil
}

func (c *Cache) dumpQueued(name string, reqs []scheduler.QueuedRequest) error {
	for _, r := range reqs {
		line := ctl.Render(name, []ctl.Section{{
			Name: "request",
			Pairs: []ctl.KV{
				ctl.Uint64("sector", r.Sector),
				ctl.Bool("write", r.Write),
				ctl.Int("length", r.Length),
			},
		}})

		if _, err := fmt.Fprintln(c.dumpW, line); err != nil {
			return err
		}
	}

	return nil
}

func (c *Cache) setBypass(cfg *bypass.Config, key, prefix, value string) error {
	switch key[len(prefix):] {
	case "enabled":
		on, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("cache: control: %s: %w", key, err)
		}

		cfg.Enabled = on

	case "threshold":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("cache: control: %s: %w", key, err)
		}

		cfg.ThresholdBytes = n

	case "timeout":
		ms, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("cache: control: %s: %w", key, err)
		}

		cfg.Timeout = time.Duration(ms) * time.Millisecond
	}

	if prefix == "read_bypass_" {
		c.byp.SetReadConfig(*cfg)
	} else {
		c.byp.SetWriteConfig(*cfg)
	}

	return nil
}

func (c *Cache) invalidateAll() error {
	for id := uint32(1); id <= uint32(c.dir.Len()); id++ {
		cb, err := c.dir.GetByID(id)
		if err != nil {
			continue
		}

		if c.dir.Hold(cb) != 1 {
			c.dir.Put(cb, false, 0, nil)

			continue
		}

		if cb.State() == directory.StateClean {
			if err := c.eng.CleanInvalidate(cb); err != nil {
				return err
			}

			continue
		}

		c.dir.Put(cb, false, 0, nil)
	}

	return nil
}

func parseBool(v string) (bool, error) {
	switch v {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, fmt.Errorf("must be 0 or 1, got %q", v)
	}
}

// ControlGet implements the read-only observability surface of spec
// §6. Each key renders as one or more "<name>: <section>: k=v ..."
// lines via internal/ctl.Render.
func (c *Cache) ControlGet(key string) (string, error) {
	switch key {
	case "conf":
		return ctl.Render("conf", []ctl.Section{{
			Name: "conf",
			Pairs: []ctl.KV{
				ctl.Int("slot_count", c.dir.Len()),
				ctl.Str("cache_mode", modeString(c.eng.Mode())),
				ctl.Str("replacement", replacementString(c.dir.Replacement())),
				ctl.Int("cluster_size", c.wb.ClusterSize()),
			},
		}}), nil

	case "stats":
		counters := c.dir.Counters()
		stats := c.eng.Stats()

		return ctl.Render("stats", []ctl.Section{{
			Name: "stats",
			Pairs: []ctl.KV{
				ctl.Int("invalid", int(counters.Invalid)),
				ctl.Int("clean", int(counters.Clean)),
				ctl.Int("dirty", int(counters.Dirty)),
				ctl.Int("pending", c.eng.PendingCount()),
				ctl.Int64("read_requests", stats.Reads),
				ctl.Int64("write_requests", stats.Writes),
				ctl.Int64("read_hits", stats.ReadHits),
				ctl.Int64("read_misses", stats.ReadMisses),
				ctl.Int64("write_hits", stats.WriteHits),
				ctl.Int64("write_misses", stats.WriteMisses),
				ctl.Int64("read_cached_device_requests", stats.ReadCachedDeviceRequests),
				ctl.Int64("write_cached_device_requests", stats.WriteCachedDeviceRequests),
			},
		}}), nil

	case "stats_extra":
		stats := c.eng.Stats()

		return ctl.Render("stats_extra", []ctl.Section{{
			Name: "stats_extra",
			Pairs: []ctl.KV{
				ctl.Int64("flush_requests", stats.FlushRequests),
				ctl.Int64("discard_requests", stats.DiscardRequests),
				ctl.Int64("dirty_write_clones", stats.DirtyWriteClones),
				ctl.Int64("writebacks", stats.Writebacks),
				ctl.Int64("writeback_invalidates", stats.WritebackInvalidates),
				ctl.Int64("clean_invalidates", stats.CleanInvalidates),
				ctl.Int64("dirty_invalidates", stats.DirtyInvalidates),
				ctl.Int64("bypass_forwards", stats.BypassForwards),
				ctl.Int64("deferred_wait_busy", stats.DeferredWaitBusy),
				ctl.Int64("deferred_wait_page", stats.DeferredWaitPage),
			},
		}}), nil

	case "info":
		return ctl.Render("info", []ctl.Section{{
			Name: "info",
			Pairs: []ctl.KV{
				ctl.Uint64("slot_count", c.header.SlotCount),
				ctl.Int("metadata_slot_size", int(c.header.MetadataSlotSize)),
				ctl.Uint64("metadata_offset", c.header.MetadataOffset),
				ctl.Uint64("data_area_offset", c.header.DataAreaOffset),
				ctl.Uint64("device_size", layout.DeviceSize(c.header.SlotCount)),
				ctl.Int("version", int(c.header.Version)),
			},
		}}), nil

	case "build_info":
		return ctl.Render("build_info", []ctl.Section{{
			Name: "build_info",
			Pairs: []ctl.KV{
				ctl.Str("version", Version),
				ctl.Str("go", runtime.Version()),
			},
		}}), nil

	case "trace":
		sm, dev := c.eng.TraceMasks()

		return ctl.Render("trace", []ctl.Section{{
			Name: "trace",
			Pairs: []ctl.KV{
				ctl.Int("value", int(c.eng.Trace())),
				ctl.Int("sm_mask", int(sm)),
				ctl.Int("dev_mask", int(dev)),
			},
		}}), nil

	case "redblack_info":
		info := c.dir.TreeInfo()

		return ctl.Render("redblack_info", []ctl.Section{{
			Name: "redblack_info",
			Pairs: []ctl.KV{
				ctl.Int("nodes", info.Nodes),
				ctl.Int("height", info.Height),
			},
		}}), nil

	case "bgwriter_policy":
		policy := c.wb.LastPolicy()

		return ctl.Render("bgwriter_policy", []ctl.Section{{
			Name: "bgwriter_policy",
			Pairs: []ctl.KV{
				ctl.Str("policy", c.wb.PolicyName()),
				ctl.Int("target_slots", policy.TargetSlots),
				ctl.Int("rate_per_sec", policy.RatePerSec),
				ctl.Int64("min_block_age_secs", policy.MinBlockAgeSecs),
				ctl.Int("max_queue_depth_pct", c.wb.MaxQueueDepthPct()),
				ctl.Bool("flush_on_exit", c.wb.FlushOnExit()),
			},
		}}), nil

	case "timers":
		stats := c.sch.Stats()

		uptime := int64(0)
		if !c.startedAt.IsZero() {
			uptime = int64(time.Since(c.startedAt).Seconds())
		}

		return ctl.Render("timers", []ctl.Section{{
			Name: "timers",
			Pairs: []ctl.KV{
				ctl.Int64("uptime_secs", uptime),
				ctl.Int64("deferred_requeues", stats.Requeues),
				ctl.Int64("deferred_time_pending_ms", stats.TimePending.Milliseconds()),
				ctl.Int("wait_busy_max", stats.WaitBusyMax),
				ctl.Int("wait_page_max", stats.WaitPageMax),
			},
		}}), nil

	case "tracked_hashes":
		return ctl.Render("tracked_hashes", []ctl.Section{{
			Name: "tracked_hashes",
			Pairs: []ctl.KV{
				ctl.Bool("enabled", c.eng.ExtraChecksumCheck()),
				ctl.Int("count", c.tracker.Len()),
			},
		}}), nil

	case "cache_states":
		tally := c.dir.StateTally()
		pairs := make([]ctl.KV, 0, len(tally))

		for _, t := range tally {
			pairs = append(pairs, ctl.Int(t.State.String(), t.Count))
		}

		return ctl.Render("cache_states", []ctl.Section{{
			Name:  "cache_states",
			Pairs: pairs,
		}}), nil

	case "pmem_api":
		caps := c.cacheDevice.Capabilities()

		return ctl.Render("pmem_api", []ctl.Section{{
			Name: "pmem_api",
			Pairs: []ctl.KV{
				ctl.Bool("page_granularity_only", caps.PageGranularityOnly),
				ctl.Int("layout_variant", int(caps.Variant)),
				ctl.Bool("mmap", c.isMmap()),
			},
		}}), nil

	case "pmem_stats":
		return ctl.Render("pmem_stats", []ctl.Section{{
			Name:  "pmem_stats",
			Pairs: []ctl.KV{ctl.Bool("fail_all", c.eng.FailAll())},
		}}), nil

	case "sequential":
		return ctl.Render("sequential", []ctl.Section{{
			Name: "sequential",
			Pairs: []ctl.KV{
				ctl.Int64("read_bypass_hits", c.byp.ReadBypassHits()),
				ctl.Int64("write_bypass_hits", c.byp.WriteBypassHits()),
			},
		}}), nil

	case "verifier":
		counts := c.ver.Counts()

		return ctl.Render("verifier", []ctl.Section{{
			Name: "verifier",
			Pairs: []ctl.KV{
				ctl.Int64("verified", counts.Verified),
				ctl.Int64("not_verified_dirty", counts.NotVerifiedDirty),
				ctl.Int64("busy", counts.Busy),
				ctl.Int64("invalid", counts.Invalid),
				ctl.Int64("errors", counts.Errors),
			},
		}}), nil

	case "bgwriter":
		stats := c.sch.Stats()

		return ctl.Render("bgwriter", []ctl.Section{{
			Name: "bgwriter",
			Pairs: []ctl.KV{
				ctl.Int("cluster_size", c.wb.ClusterSize()),
				ctl.Int("wait_busy_len", stats.WaitBusyLen),
				ctl.Int("wait_page_len", stats.WaitPageLen),
			},
		}}), nil

	case "kthreads":
		devioStats := c.backing.Stats()

		return ctl.Render("kthreads", []ctl.Section{{
			Name: "kthreads",
			Pairs: []ctl.KV{
				ctl.Uint64("devio_gen", devioStats.Gen),
				ctl.Uint64("devio_gen_flush_last", devioStats.GenFlushLast),
				ctl.Int("devio_flush_pending", devioStats.FlushPendingLen),
				ctl.Bool("devio_flush_in_flight", devioStats.FlushInFlight),
			},
		}}), nil

	case "cache_mode":
		return ctl.Render("cache_mode", []ctl.Section{{
			Name:  "cache_mode",
			Pairs: []ctl.KV{ctl.Str("mode", modeString(c.eng.Mode()))},
		}}), nil

	case "replacement":
		return ctl.Render("replacement", []ctl.Section{{
			Name:  "replacement",
			Pairs: []ctl.KV{ctl.Str("policy", replacementString(c.dir.Replacement()))},
		}}), nil

	default:
		return "", fmt.Errorf("cache: control: unknown key %q", key)
	}
}

func modeString(m engine.CacheMode) string {
	if m == engine.ModeWriteThrough {
		return "writethrough"
	}

	return "writeback"
}

func replacementString(r directory.Replacement) string {
	switch r {
	case directory.ReplacementFIFO:
		return "fifo"
	case directory.ReplacementLRU:
		return "lru"
	default:
		return "random"
	}
}
