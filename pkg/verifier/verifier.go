// Package verifier implements the background consistency scanner
// (spec §4.11): for each block in turn it acquires the CB, reads cache
// and backing-device contents, recomputes hashes, cross-checks the
// on-media metadata slot, and tallies outcome counts.
package verifier

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bittern-cache/bittern/pkg/bithash"
	"github.com/bittern-cache/bittern/pkg/devio"
	"github.com/bittern-cache/bittern/pkg/directory"
	"github.com/bittern-cache/bittern/pkg/layout"
	"github.com/bittern-cache/bittern/pkg/pmem"
)

// Counts tallies one full pass's outcomes (spec §4.11: "records counts
// of verified/not-verified-dirty/busy/invalid and errors").
type Counts struct {
	Verified          int64
	NotVerifiedDirty  int64
	Busy              int64
	Invalid           int64
	Errors            int64
}

// Worker scans the directory by stable block id (spec: "get_by_id ...
// bypasses sector indexing").
type Worker struct {
	dir     *directory.Directory
	cache   pmem.Device
	backing *devio.Layer

	mu         sync.Mutex
	running    bool
	oneShot    bool
	scanDelay  time.Duration
	bugOnError bool

	counts Counts
	nextID uint32

	stopCh    chan struct{}
	stoppedCh chan struct{}
	started   bool
}

// New creates a Worker over every block of dir (block ids 1..dir.Len()).
func New(dir *directory.Directory, cache pmem.Device, backing *devio.Layer) *Worker {
	return &Worker{dir: dir, cache: cache, backing: backing, scanDelay: 10 * time.Millisecond, nextID: 1}
}

// SetRunning toggles whether the worker's cycle actually scans
// (control-plane "verifier_running").
func (w *Worker) SetRunning(on bool) {
	w.mu.Lock()
	w.running = on
	w.mu.Unlock()
}

// SetOneShot makes the worker stop itself after one full pass over the
// directory (control-plane "verifier_one_shot").
func (w *Worker) SetOneShot(on bool) {
	w.mu.Lock()
	w.oneShot = on
	w.mu.Unlock()
}

// SetScanDelay configures the per-block delay (control-plane
// "verifier_scan_delay_ms").
func (w *Worker) SetScanDelay(d time.Duration) {
	w.mu.Lock()
	w.scanDelay = d
	w.mu.Unlock()
}

// SetFatalOnMismatch toggles whether a hash mismatch panics rather
// than just incrementing Errors (control-plane
// "verifier_bugon_on_errors").
func (w *Worker) SetFatalOnMismatch(on bool) {
	w.mu.Lock()
	w.bugOnError = on
	w.mu.Unlock()
}

// Counts returns a snapshot of the running tallies.
func (w *Worker) Counts() Counts {
	return Counts{
		Verified:         atomic.LoadInt64(&w.counts.Verified),
		NotVerifiedDirty: atomic.LoadInt64(&w.counts.NotVerifiedDirty),
		Busy:             atomic.LoadInt64(&w.counts.Busy),
		Invalid:          atomic.LoadInt64(&w.counts.Invalid),
		Errors:           atomic.LoadInt64(&w.counts.Errors),
	}
}

// Start launches the periodic worker; idempotent.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()

		return
	}

	w.started = true
	w.stopCh = make(chan struct{})
	w.stoppedCh = make(chan struct{})
	w.mu.Unlock()

	go w.run()
}

// Stop shuts the worker down; idempotent.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()

		return
	}

	w.started = false
	stopCh := w.stopCh
	stoppedCh := w.stoppedCh
	w.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

func (w *Worker) run() {
	defer close(w.stoppedCh)

	for {
		w.mu.Lock()
		running := w.running
		delay := w.scanDelay
		oneShot := w.oneShot
		w.mu.Unlock()

		if !running {
			select {
			case <-w.stopCh:
				return
			case <-time.After(delay):
				continue
			}
		}

		done := w.scanOne()

		if done && oneShot {
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
		}

		select {
		case <-w.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

// scanOne advances the scan cursor by one block id, wrapping at the
// directory's size; it reports true once a full pass has completed.
func (w *Worker) scanOne() bool {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.mu.Unlock()

	wrapped := false

	if id > uint32(w.dir.Len()) {
		w.mu.Lock()
		w.nextID = 2
		w.mu.Unlock()

		id = 1
		wrapped = true
	}

	cb, err := w.dir.GetByID(id)
	if err != nil {
		atomic.AddInt64(&w.counts.Errors, 1)

		return wrapped
	}

	if n := w.dir.Hold(cb); n != 1 {
		w.dir.Put(cb, false, 0, nil)
		atomic.AddInt64(&w.counts.Busy, 1)

		return wrapped
	}

	w.verify(cb)

	return wrapped
}

func (w *Worker) verify(cb *directory.CB) {
	defer w.dir.Put(cb, false, 0, nil)

	switch cb.State() {
	case directory.StateInvalid:
		atomic.AddInt64(&w.counts.Invalid, 1)

		return
	case directory.StateDirty:
		// Dirty blocks have no stable backing-device image to compare
		// against yet (spec §4.11: tallied separately, not an error).
		atomic.AddInt64(&w.counts.NotVerifiedDirty, 1)

		return
	}

	cachePage, err := w.cache.GetPageForRead(pageIndex(cb))
	if err != nil {
		atomic.AddInt64(&w.counts.Errors, 1)

		return
	}

	cacheBytes := append([]byte(nil), cachePage.Bytes...)

	if err := w.cache.PutPage(cachePage); err != nil {
		atomic.AddInt64(&w.counts.Errors, 1)

		return
	}

	backingBytes := make([]byte, layout.PageSize)
	if err := w.backing.ReadPage(cb.Sector(), backingBytes); err != nil {
		atomic.AddInt64(&w.counts.Errors, 1)

		return
	}

	slotBuf, err := w.cache.ReadMetadataSlot(pageIndex(cb))
	if err != nil {
		atomic.AddInt64(&w.counts.Errors, 1)

		return
	}

	slot, err := layout.DecodeSlot(slotBuf)
	if err != nil {
		// ErrCorrupt: bad magic or a hash_metadata checksum that fails
		// to validate. ErrStateOutOfRange: an unknown state byte.
		w.recordMismatch()

		return
	}

	cacheHash := bithash.Sum128Zero(cacheBytes)
	backingHash := bithash.Sum128Zero(backingBytes)

	if cacheHash != backingHash || cacheHash != slot.HashData || cb.HashData() != slot.HashData {
		w.recordMismatch()

		return
	}

	atomic.AddInt64(&w.counts.Verified, 1)
}

func (w *Worker) recordMismatch() {
	atomic.AddInt64(&w.counts.Errors, 1)

	w.mu.Lock()
	fatal := w.bugOnError
	w.mu.Unlock()

	if fatal {
		panic("verifier: hash mismatch with verifier_bugon_on_errors set")
	}
}

func pageIndex(cb *directory.CB) uint64 {
	return uint64(cb.BlockID - 1)
}
