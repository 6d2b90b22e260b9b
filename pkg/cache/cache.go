// Package cache wires together every component spec.md names (§2) into
// one running Bittern instance: the on-media layout and restore
// procedure (pkg/layout), the persistent-memory interface (pkg/pmem),
// the backing-device durability layer (pkg/devio), the cache directory
// (pkg/directory), the block state machine (pkg/engine), the deferred
// scheduler (pkg/scheduler), the background writeback/invalidator/
// verifier workers, and the sequential-I/O bypass detector. It exposes
// the request entry point, the cache-create/cache-restore constructors
// of spec §6, and the teardown sequencing of spec §5.
package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bittern-cache/bittern/pkg/bufferpool"
	"github.com/bittern-cache/bittern/pkg/bypass"
	"github.com/bittern-cache/bittern/pkg/devio"
	"github.com/bittern-cache/bittern/pkg/directory"
	"github.com/bittern-cache/bittern/pkg/engine"
	"github.com/bittern-cache/bittern/pkg/invalidator"
	"github.com/bittern-cache/bittern/pkg/layout"
	"github.com/bittern-cache/bittern/pkg/pmem"
	"github.com/bittern-cache/bittern/pkg/scheduler"
	"github.com/bittern-cache/bittern/pkg/verifier"
	"github.com/bittern-cache/bittern/pkg/writeback"
)

// Options configures a Cache at construction time. Every field has a
// spec-given default (applied by DefaultOptions) and corresponds to one
// or more of the control-plane knobs in spec §6.
type Options struct {
	// SlotCount is the number of cache blocks (only used by Create;
	// Restore always adopts the slot count recorded in the on-media
	// header).
	SlotCount int

	Replacement directory.Replacement
	CacheMode   engine.CacheMode

	// MaxPendingRequests is "bc_max_pending_requests" (spec §5, 10..2000,
	// default 500, also capped to 10% of SlotCount).
	MaxPendingRequests int

	// ClusterSize is the background writeback worker's "cluster_size".
	ClusterSize int

	// BGWriterGreedyness, BGWriterMaxQueueDepthPct, BGWriterPolicy, and
	// BGWriterFlushOnExit carry the remaining "bgwriter_conf_*" knobs
	// (spec §6). Zero values mean "leave the worker's default": no bias,
	// 100%, "standard", and flush-on-exit respectively (DefaultOptions
	// sets BGWriterFlushOnExit explicitly).
	BGWriterGreedyness       int
	BGWriterMaxQueueDepthPct int
	BGWriterPolicy           string
	BGWriterFlushOnExit      bool

	// InvalidatorMinInvalid is "invalidator_conf_min_invalid_count"
	// (10..2000).
	InvalidatorMinInvalid int32

	// FUADistance is "devio_fua_insert" (10..5000); 0 selects pkg/devio's
	// own default of 4.
	FUADistance uint64

	// DevioWorkerDelay is "devio_worker_delay" (1..100ms).
	DevioWorkerDelay time.Duration

	ReadBypass  bypass.Config
	WriteBypass bypass.Config

	ExtraChecksumCheck bool

	// RestoreWorkers sizes the parallel restore worker pool (spec §4.2
	// "a fixed pool (~128)"); 0 selects pkg/layout's default of 128.
	RestoreWorkers int

	// UseMmap selects pmem.MmapDevice over pmem.BufferedDevice for the
	// cache device. mmap is the default, matching spec §4.1's "DMA
	// directly into cache memory" case; BufferedDevice is for cache
	// devices/files that cannot be mapped.
	UseMmap bool

	// BufferPoolCapacity sizes the process-wide buffer pool pkg/bufferpool
	// provides to BufferedDevice when UseMmap is false.
	BufferPoolCapacity int

	// VerifierRunning starts the background verifier scanning
	// immediately (control-plane "verifier_running").
	VerifierRunning bool
}

// clampMaxPending applies the admission-cap rule from spec §5: 10..2000, also
// capped to 10% of the slot count.
func clampMaxPending(v, slotCount int) int {
	if v <= 0 {
		v = 500
	}

	if v < 10 {
		v = 10
	}

	if v > 2000 {
		v = 2000
	}

	if tenPct := slotCount / 10; tenPct > 0 && v > tenPct {
		v = tenPct
	}

	return v
}

// DefaultOptions returns spec-default tunables for slotCount blocks.
func DefaultOptions(slotCount int) Options {
	return Options{
		SlotCount:             slotCount,
		Replacement:           directory.ReplacementRandom,
		CacheMode:             engine.ModeWriteBack,
		MaxPendingRequests:    clampMaxPending(500, slotCount),
		ClusterSize:           1,
		BGWriterFlushOnExit:   true,
		InvalidatorMinInvalid: 64,
		FUADistance:           0,
		DevioWorkerDelay:      10 * time.Millisecond,
		ReadBypass:            bypass.DefaultReadConfig(),
		WriteBypass:           bypass.DefaultWriteConfig(),
		RestoreWorkers:        0,
		UseMmap:               true,
		BufferPoolCapacity:    64,
	}
}

// Cache is one running Bittern instance over a pair of open files: the
// cache (persistent-memory-class) device and the backing device.
type Cache struct {
	backingFile *os.File
	cacheFile   *os.File

	header layout.Header

	cacheDevice pmem.Device
	backing     *devio.Layer
	devioStop   func()

	dir     *directory.Directory
	eng     *engine.Engine
	sch     *scheduler.Scheduler
	wb      *writeback.Worker
	inv     *invalidator.Worker
	byp     *bypass.Detector
	bypW    *bypass.Worker
	ver     *verifier.Worker
	tracker *hashTracker

	// dumpW receives the rendered output of the dump_blocks_*/tree_walk
	// control commands (the translation of the original's kernel-log
	// dumps); defaults to os.Stderr.
	dumpW io.Writer

	startedAt time.Time

	// readBypass/writeBypass mirror the configs last applied to byp, so
	// ControlSet can patch a single field (e.g. just the threshold)
	// without the caller having to resend the whole triple.
	readBypass  bypass.Config
	writeBypass bypass.Config

	started bool
	closed  bool
}

// Create performs cache-create (spec §6): it fails if cachePath already
// carries a valid header (spec: "create fails if it finds a valid
// header").
func Create(backingPath, cachePath string, opts Options) (*Cache, error) {
	if opts.SlotCount <= 0 {
		return nil, fmt.Errorf("cache: create: SlotCount must be > 0")
	}

	cacheFile, err := openSized(cachePath, layout.DeviceSize(uint64(opts.SlotCount)))
	if err != nil {
		return nil, fmt.Errorf("cache: open cache device: %w", err)
	}

	if err := layout.Initialize(cacheFile, uint64(opts.SlotCount)); err != nil {
		cacheFile.Close()

		return nil, fmt.Errorf("cache: initialize: %w", err)
	}

	result, err := layout.Restore(cacheFile, layout.RestoreOptions{Workers: opts.RestoreWorkers})
	if err != nil {
		cacheFile.Close()

		return nil, fmt.Errorf("cache: read back freshly initialized header: %w", err)
	}

	dir := directory.New(int(result.Header.SlotCount), opts.Replacement)

	backingFile, err := os.OpenFile(backingPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		cacheFile.Close()

		return nil, fmt.Errorf("cache: open backing device: %w", err)
	}

	return build(cacheFile, backingFile, result.Header, dir, opts)
}

// Restore performs cache-restore (spec §6, §4.2): it fails if cachePath
// does not carry a valid header. Rolled-back slots (torn writes or
// xid-collision losers) are rewritten to invalid on media before the
// cache is handed back to the caller, so a second Restore sees a clean
// device.
func Restore(backingPath, cachePath string, opts Options) (*Cache, error) {
	cacheFile, err := os.OpenFile(cachePath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cache: open cache device: %w", err)
	}

	result, err := layout.Restore(cacheFile, layout.RestoreOptions{Workers: opts.RestoreWorkers})
	if err != nil {
		cacheFile.Close()

		return nil, fmt.Errorf("cache: restore: %w", err)
	}

	dir := directory.New(int(result.Header.SlotCount), opts.Replacement)

	for _, blk := range result.Blocks {
		if blk.RolledBack {
			zero := layout.EncodeSlot(layout.ZeroSlot(blk.BlockID))
			off := int64(layout.SlotOffset(result.Header.MetadataOffset, uint64(blk.BlockID-1)))

			if _, err := cacheFile.WriteAt(zero, off); err != nil {
				cacheFile.Close()

				return nil, fmt.Errorf("cache: restore: rewrite rolled-back slot %d: %w", blk.BlockID, err)
			}

			continue
		}

		if blk.State == layout.StateInvalid {
			continue
		}

		state := directory.StateClean
		if blk.State == layout.StateDirty {
			state = directory.StateDirty
		}

		if err := dir.Adopt(blk.BlockID, blk.Sector, state, blk.XID, blk.HashData); err != nil {
			cacheFile.Close()

			return nil, fmt.Errorf("cache: restore: adopt block %d: %w", blk.BlockID, err)
		}
	}

	if err := cacheFile.Sync(); err != nil {
		cacheFile.Close()

		return nil, fmt.Errorf("cache: restore: sync rewritten slots: %w", err)
	}

	backingFile, err := os.OpenFile(backingPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		cacheFile.Close()

		return nil, fmt.Errorf("cache: open backing device: %w", err)
	}

	c, err := build(cacheFile, backingFile, result.Header, dir, opts)
	if err != nil {
		return nil, err
	}

	c.eng.SetXID(result.MaxXID)

	return c, nil
}

// openSized opens path for read/write, creating it if necessary, and
// ensures it is at least size bytes long.
func openSized(path string, size uint64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, err
	}

	if uint64(info.Size()) < size {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()

			return nil, err
		}
	}

	return f, nil
}

func build(cacheFile, backingFile *os.File, header layout.Header, dir *directory.Directory, opts Options) (*Cache, error) {
	var cacheDevice pmem.Device

	if opts.UseMmap {
		length := int64(layout.DataOffset(header.DataAreaOffset, header.SlotCount))

		dev, err := pmem.OpenMmap(cacheFile, header, length)
		if err != nil {
			cacheFile.Close()
			backingFile.Close()

			return nil, fmt.Errorf("cache: mmap cache device: %w", err)
		}

		cacheDevice = dev
	} else {
		pool := bufferpool.New(opts.BufferPoolCapacity)
		cacheDevice = pmem.NewBuffered(cacheFile, header, pool)
	}

	backing := devio.New(devio.NewFileDevice(backingFile), opts.FUADistance)

	if opts.DevioWorkerDelay > 0 {
		backing.SetWorkerDelay(opts.DevioWorkerDelay)
	}

	maxPending := clampMaxPending(opts.MaxPendingRequests, dir.Len())
	eng := engine.New(dir, cacheDevice, backing, opts.CacheMode, maxPending)
	eng.SetExtraChecksumCheck(opts.ExtraChecksumCheck)

	readCfg := opts.ReadBypass
	if readCfg == (bypass.Config{}) {
		readCfg = bypass.DefaultReadConfig()
	}

	writeCfg := opts.WriteBypass
	if writeCfg == (bypass.Config{}) {
		writeCfg = bypass.DefaultWriteConfig()
	}

	det := bypass.New(readCfg, writeCfg)
	eng.SetBypassDetector(det)

	tracker := newHashTracker()
	eng.SetHashTracker(tracker)

	sch := scheduler.New(eng)

	clusterSize := opts.ClusterSize
	if clusterSize <= 0 {
		clusterSize = 1
	}

	wb := writeback.New(eng, dir, clusterSize)
	wb.SetFlushOnExit(opts.BGWriterFlushOnExit)

	if opts.BGWriterGreedyness != 0 {
		wb.SetGreedyness(opts.BGWriterGreedyness)
	}

	if opts.BGWriterMaxQueueDepthPct > 0 {
		wb.SetMaxQueueDepthPct(opts.BGWriterMaxQueueDepthPct)
	}

	if opts.BGWriterPolicy != "" {
		if err := wb.SetPolicy(opts.BGWriterPolicy); err != nil {
			cacheFile.Close()
			backingFile.Close()

			return nil, fmt.Errorf("cache: %w", err)
		}
	}

	minInvalid := opts.InvalidatorMinInvalid
	if minInvalid <= 0 {
		minInvalid = 64
	}

	inv := invalidator.New(eng, dir, minInvalid)
	wb.SetInvalidatorThresholdFunc(inv.Active)

	ver := verifier.New(dir, cacheDevice, backing)
	ver.SetRunning(opts.VerifierRunning)

	bypW := bypass.NewWorker(det)

	return &Cache{
		backingFile: backingFile,
		cacheFile:   cacheFile,
		header:      header,
		cacheDevice: cacheDevice,
		backing:     backing,
		dir:         dir,
		eng:         eng,
		sch:         sch,
		wb:          wb,
		inv:         inv,
		byp:         det,
		bypW:        bypW,
		ver:         ver,
		tracker:     tracker,
		dumpW:       os.Stderr,
		readBypass:  readCfg,
		writeBypass: writeCfg,
	}, nil
}

// isMmap reports whether the cache device is the mmap'd backend, for
// the "pmem_api" observability key.
func (c *Cache) isMmap() bool {
	_, ok := c.cacheDevice.(*pmem.MmapDevice)

	return ok
}

// SetDumpWriter redirects the dump_blocks_*/tree_walk command output
// (os.Stderr by default).
func (c *Cache) SetDumpWriter(w io.Writer) {
	if w == nil {
		w = io.Discard
	}

	c.dumpW = w
}

// Start launches every background worker: the scheduler's retry loop,
// the devio periodic flush worker, background writeback, the
// invalidator, the bypass stream reaper, and the verifier. Idempotent.
func (c *Cache) Start() {
	if c.started {
		return
	}

	c.started = true
	c.startedAt = time.Now()

	c.devioStop = c.backing.StartWorker()
	c.sch.Start()
	c.wb.Start()
	c.inv.Start()
	c.bypW.Start()
	c.ver.Start()
}

// Map is the request entry point (spec §6), routed through the
// deferred scheduler so wait-busy/wait-page contention is retried
// instead of handed back to the caller.
func (c *Cache) Map(ctx context.Context, req engine.Request) <-chan engine.Result {
	return c.sch.Submit(ctx, req)
}

// Engine, Directory, Devio, Bypass, Writeback, Invalidator, and
// Verifier expose the underlying components for the control plane
// (pkg/cache/control.go) and for callers that need lower-level access
// (tests, the CLI's observability renderer).
func (c *Cache) Engine() *engine.Engine         { return c.eng }
func (c *Cache) Directory() *directory.Directory { return c.dir }
func (c *Cache) Devio() *devio.Layer             { return c.backing }
func (c *Cache) Bypass() *bypass.Detector        { return c.byp }
func (c *Cache) Writeback() *writeback.Worker    { return c.wb }
func (c *Cache) Invalidator() *invalidator.Worker { return c.inv }
func (c *Cache) Verifier() *verifier.Worker       { return c.ver }

// Close tears the cache down in the order spec §5 prescribes: drain to
// write-through and wait for the dirty count to reach zero, stop the
// invalidator/writeback/devio-flush/deferred-queue/verifier workers in
// that order, wait for pending requests to drain, then close the
// underlying devices. waitDirty bounds how long Close waits for the
// dirty count to reach zero before giving up and closing anyway.
func (c *Cache) Close(waitDirty time.Duration) error {
	if c.closed {
		return nil
	}

	c.closed = true

	c.eng.SetMode(engine.ModeWriteThrough)

	if c.wb.FlushOnExit() {
		deadline := time.Now().Add(waitDirty)
		for time.Now().Before(deadline) {
			if c.dir.Counters().Dirty == 0 {
				break
			}

			time.Sleep(time.Millisecond)
		}
	}

	_ = c.backing.TriggerFlush()

	// Stop order: invalidator, writeback, devio-flush, deferred-queue
	// (scheduler), verifier (spec §5 "stops the invalidator, writeback,
	// devio-flush, deferred-queue, and verifier workers in that order").
	c.inv.Stop()
	c.wb.Stop()

	if c.devioStop != nil {
		c.devioStop()
	}

	c.sch.Stop()
	c.bypW.Stop()
	c.ver.Stop()

	for i := 0; i < 1000 && c.eng.PendingCount() > 0; i++ {
		time.Sleep(time.Millisecond)
	}

	var errs []error

	if err := c.cacheDevice.Close(); err != nil {
		errs = append(errs, err)
	}

	if err := c.cacheFile.Close(); err != nil {
		errs = append(errs, err)
	}

	if err := c.backingFile.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return nil
	}

	joined := errs[0]
	for _, e := range errs[1:] {
		joined = fmt.Errorf("%w; %w", joined, e)
	}

	return joined
}
