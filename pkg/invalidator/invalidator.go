// Package invalidator implements the background invalidator worker
// (spec §4.9): it keeps a minimum pool of invalid, allocatable blocks
// available by sweeping clean CBs through the clean-invalidate path,
// using Schmitt-trigger hysteresis so it doesn't thrash at the
// threshold boundary.
package invalidator

import (
	"sync"
	"time"

	"github.com/bittern-cache/bittern/pkg/directory"
	"github.com/bittern-cache/bittern/pkg/engine"
)

const defaultTick = 100 * time.Millisecond

// rearmNumerator/rearmDenominator encode the 25%-above-threshold rearm
// point (spec §4.9: "Schmitt-trigger hysteresis (rearm 25% above the
// threshold)") without floating point.
const rearmNumerator = 125
const rearmDenominator = 100

// Worker maintains minInvalidCount invalid slots.
type Worker struct {
	eng *engine.Engine
	dir *directory.Directory

	mu              sync.Mutex
	minInvalidCount int32
	active          bool
	tick            time.Duration

	stopCh    chan struct{}
	stoppedCh chan struct{}
	started   bool
}

// New creates a Worker targeting minInvalidCount invalid slots
// (control-plane "invalidator_conf_min_invalid_count", spec range
// 10..2000).
func New(eng *engine.Engine, dir *directory.Directory, minInvalidCount int32) *Worker {
	return &Worker{eng: eng, dir: dir, minInvalidCount: minInvalidCount, tick: defaultTick}
}

// SetMinInvalidCount updates the target pool size.
func (w *Worker) SetMinInvalidCount(n int32) {
	w.mu.Lock()
	w.minInvalidCount = n
	w.mu.Unlock()
}

// SetTick configures the worker's cycle period.
func (w *Worker) SetTick(d time.Duration) {
	w.mu.Lock()
	w.tick = d
	w.mu.Unlock()
}

// Active reports whether the invalidator currently considers itself
// below threshold (armed and working, or not yet rearmed). pkg/writeback
// consults this to decide whether to shortcut-invalidate a flushed
// block instead of just cleaning it (spec §4.8/§4.9).
func (w *Worker) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.active
}

// Start launches the periodic worker; idempotent.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()

		return
	}

	w.started = true
	tick := w.tick
	w.stopCh = make(chan struct{})
	w.stoppedCh = make(chan struct{})
	w.mu.Unlock()

	go w.run(tick)
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

func (w *Worker) run(tick time.Duration) {
	defer close(w.stoppedCh)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.cycle()
		}
	}
}

func (w *Worker) cycle() {
	w.mu.Lock()
	threshold := w.minInvalidCount
	w.mu.Unlock()

	invalid := w.dir.Counters().Invalid

	w.mu.Lock()
	if invalid < threshold {
		w.active = true
	} else if w.active && int64(invalid)*rearmDenominator >= int64(threshold)*rearmNumerator {
		w.active = false
	}
	active := w.active
	w.mu.Unlock()

	if !active {
		return
	}

	cb, err := w.dir.GetClean()
	if err != nil {
		return
	}

	_ = w.eng.CleanInvalidate(cb)
}
