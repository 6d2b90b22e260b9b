// Package engine implements Bittern's block state machine: the
// request entry point, the transition paths of spec §4.6, and the
// fail-all error-state transition of spec §7.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bittern-cache/bittern/pkg/bithash"
	"github.com/bittern-cache/bittern/pkg/bypass"
	"github.com/bittern-cache/bittern/pkg/devio"
	"github.com/bittern-cache/bittern/pkg/directory"
	"github.com/bittern-cache/bittern/pkg/layout"
	"github.com/bittern-cache/bittern/pkg/pmem"
)

// CacheMode selects write-back or write-through behavior (spec §6
// "cache_mode").
type CacheMode int

const (
	ModeWriteBack CacheMode = iota
	ModeWriteThrough
)

func (m CacheMode) String() string {
	if m == ModeWriteThrough {
		return "writethrough"
	}

	return "writeback"
}

// ErrFailAll is returned for every request once the engine has
// transitioned to the permanent error state (spec §7: "transition the
// cache to fail-all; fail all subsequent requests with EIO").
var ErrFailAll = errors.New("engine: cache in fail-all error state")

// ErrDeferred signals backpressure the caller should retry later: the
// admission cap (bc_max_pending_requests) is reached, or a dirty write
// hit found no invalid CB to clone into. pkg/scheduler puts it on the
// wait-page queue and retries it together with wait-page requests.
var ErrDeferred = errors.New("engine: deferred, pending-request cap reached")

// ErrWaitBusy is returned when a request hit a CB another work item
// already holds (spec §4.5 "wait-busy queue"). pkg/scheduler queues
// these per-CB and retries once the holder's Put/Move wakes it.
var ErrWaitBusy = errors.New("engine: cb busy, wait-busy queue")

// ErrWaitPage is returned when a miss found no invalid CB to allocate
// (spec §4.5 "wait-page queue"). pkg/scheduler queues these globally
// and retries as invalid slots become available.
var ErrWaitPage = errors.New("engine: no invalid block available, wait-page queue")

// Request is one inbound block request (spec §6's map entry point). It
// must fit in exactly one cache block; splitting wider requests is the
// caller's responsibility.
type Request struct {
	Sector  uint64 // backing-device sector, must be 512-byte aligned
	Offset  int    // byte offset within the governing 4KiB page
	Length  int    // byte length; 0 = pure flush
	Data    []byte // length == Length; write payload, or destination buffer for reads
	Write   bool
	Discard bool
	PID     uint32 // originating process id, for sequential-bypass tracking
}

// Result is a completed request's outcome.
type Result struct {
	Err error
}

// Engine wires the directory, cache device, and backing device together
// and drives work items through the transition paths.
type Engine struct {
	dir     *directory.Directory
	cache   pmem.Device
	backing *devio.Layer

	hashTracker HashTracker       // optional integrity tracker, spec §4.4
	bypass      *bypass.Detector // optional sequential-I/O bypass detector, spec §4.10

	counters counters
	trace    atomic.Uint32 // low 16 bits: the two 8-bit trace masks of spec §6

	mu           sync.Mutex
	mode         CacheMode
	xid          layout.XID
	failAll      bool
	extraCheck   bool
	maxPending   int
	pendingCount int
}

// HashTracker is the optional per-backing-sector integrity tracker of
// spec §4.4/§4.6: the engine records each sector's content hash as it
// writes metadata, and re-checks it when a held transition ends on a
// clean/dirty state (gated by enable_extra_checksum_check).
type HashTracker interface {
	Record(sector uint64, hash bithash.Sum128)

	// Check reports whether hash matches the tracker's last recorded
	// hash for sector (an untracked sector always matches).
	Check(sector uint64, hash bithash.Sum128) bool
}

// New creates an Engine. maxPending is the admission cap (spec §5
// "bc_max_pending_requests", 10..2000, default 500).
func New(dir *directory.Directory, cache pmem.Device, backing *devio.Layer, mode CacheMode, maxPending int) *Engine {
	if maxPending <= 0 {
		maxPending = 500
	}

	return &Engine{dir: dir, cache: cache, backing: backing, mode: mode, maxPending: maxPending}
}

// SetHashTracker installs the optional per-backing-sector integrity
// tracker consulted on Put (spec §4.4).
func (e *Engine) SetHashTracker(t HashTracker) {
	e.mu.Lock()
	e.hashTracker = t
	e.mu.Unlock()
}

// SetBypassDetector installs the optional sequential-I/O bypass
// detector consulted before every directory lookup (spec §4.10).
func (e *Engine) SetBypassDetector(d *bypass.Detector) {
	e.mu.Lock()
	e.bypass = d
	e.mu.Unlock()
}

// Mode returns the current cache mode.
func (e *Engine) Mode() CacheMode {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.mode
}

// SetMode changes the cache mode (control-plane "cache_mode").
func (e *Engine) SetMode(m CacheMode) {
	e.mu.Lock()
	e.mode = m
	e.mu.Unlock()
}

// SetMaxPending updates the admission cap (control-plane
// "max_pending_requests").
func (e *Engine) SetMaxPending(n int) {
	e.mu.Lock()
	e.maxPending = n
	e.mu.Unlock()
}

// SetExtraChecksumCheck toggles the optional per-transition hash
// verification (control-plane "enable_extra_checksum_check").
func (e *Engine) SetExtraChecksumCheck(on bool) {
	e.mu.Lock()
	e.extraCheck = on
	e.mu.Unlock()
}

// ExtraChecksumCheck reports whether the optional per-transition hash
// verification is enabled.
func (e *Engine) ExtraChecksumCheck() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.extraCheck
}

// FailAll reports whether the cache has transitioned to the permanent
// error state.
func (e *Engine) FailAll() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.failAll
}

// enterFailAll transitions the cache to fail-all. The transition is
// monotonic: once set, it cannot be cleared from the control plane
// (spec §7 "refuse resetting error state from control plane").
func (e *Engine) enterFailAll() {
	e.mu.Lock()
	e.failAll = true
	e.mu.Unlock()
}

// SetErrorState forces fail-all (control-plane "error_state", set-only).
func (e *Engine) SetErrorState() {
	e.enterFailAll()
}

func (e *Engine) nextXID() layout.XID {
	e.mu.Lock()
	e.xid = e.xid.Next()
	x := e.xid
	e.mu.Unlock()

	return x
}

// SetXID seeds the engine's xid counter from a restored value (spec
// §4.2: "the global xid counter is bumped to the maximum xid
// observed").
func (e *Engine) SetXID(x layout.XID) {
	e.mu.Lock()
	if e.xid.Less(x) {
		e.xid = x
	}
	e.mu.Unlock()
}

func (e *Engine) admit() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pendingCount >= e.maxPending {
		return false
	}

	e.pendingCount++

	return true
}

func (e *Engine) release() {
	e.mu.Lock()
	e.pendingCount--
	e.mu.Unlock()
}

// PendingCount reports the current number of admitted, in-flight
// requests.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.pendingCount
}

// pageIndex maps a CB's stable block id to its on-media slot / pmem page
// index (spec §4.3: "block_id = index + 1").
func pageIndex(cb *directory.CB) uint64 {
	return uint64(cb.BlockID - 1)
}

// writeMetadata encodes and persists the metadata slot for cb under a
// fresh xid, then records that xid/hash on the CB (spec §3 invariant 6,
// §4.6 "the metadata slot is written only after its data write is
// observed complete (for WB) or before (for WT)" — callers choose when
// to call this relative to the data write).
func (e *Engine) writeMetadata(cb *directory.CB, onMedia layout.State, hash bithash.Sum128) error {
	xid := e.nextXID()

	slot := layout.Slot{
		BlockID:  cb.BlockID,
		State:    onMedia,
		XID:      xid,
		Sector:   cb.Sector(),
		HashData: hash,
	}

	if err := e.cache.WriteMetadataSlot(pageIndex(cb), layout.EncodeSlot(slot)); err != nil {
		return err
	}

	cb.SetData(xid, hash)

	if onMedia != layout.StateInvalid {
		e.mu.Lock()
		tracker := e.hashTracker
		e.mu.Unlock()

		if tracker != nil {
			tracker.Record(slot.Sector, hash)
		}
	}

	return nil
}

func nowSeconds() int64 {
	return time.Now().Unix()
}

// verify wraps the optional hash tracker into the callback shape
// directory.Put expects; a tracker that reports a mismatch trips
// fail-all the same as a device error would. The check only runs when
// enable_extra_checksum_check is on (spec §4.6 "when enabled").
func (e *Engine) verify(sector uint64, hash bithash.Sum128) {
	e.mu.Lock()
	tracker := e.hashTracker
	enabled := e.extraCheck
	e.mu.Unlock()

	if tracker == nil || !enabled {
		return
	}

	if !tracker.Check(sector, hash) {
		e.enterFailAll()
	}
}

// put releases cb, refreshing its age and running the integrity
// tracker (spec §4.4).
func (e *Engine) put(cb *directory.CB) {
	e.dir.Put(cb, true, nowSeconds(), e.verify)
}

// pageByteOffset returns req's byte offset within its governing 4KiB
// page, combining the sector remainder and the intra-sector Offset
// field (spec §6: "Offset int // byte offset within the governing
// 4KiB page").
func pageByteOffset(req Request) int {
	remainder := req.Sector - blockSector(req.Sector)

	return int(remainder)*layout.SectorSize + req.Offset
}

// fail classifies a device/context error into engine's failure policy:
// the engine aborts and transitions to fail-all on any device error
// (spec §9 open question, resolved as "fail cache permanently on any
// device error").
func (e *Engine) fail(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	e.enterFailAll()

	return err
}
