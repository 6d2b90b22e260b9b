// Package writeback implements the background writeback worker (spec
// §4.8): a single periodic worker that drains the dirty list at a rate
// and depth driven by the current dirty ratio, pausing after each
// cluster of cluster_size blocks. Blocks are taken in dirty-list order;
// a cluster is not made of sequentially-addressed blocks.
package writeback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bittern-cache/bittern/pkg/directory"
	"github.com/bittern-cache/bittern/pkg/engine"
)

const defaultTick = 100 * time.Millisecond

// Worker drives the background writeback cycle.
type Worker struct {
	eng *engine.Engine
	dir *directory.Directory

	mu           sync.Mutex
	greedyness   int
	clusterSize  int
	tick         time.Duration
	flushOnExit  bool
	maxDepthPct  int
	policyName   string
	lastPolicy   Policy

	// nearInvalidatorThreshold, when set, reports whether the
	// invalidator's free-slot count is near its hysteresis rearm
	// point; when true a flushed block is invalidated rather than
	// merely cleaned (spec §4.8: "shortcut-invalidate when the
	// invalidator is close to its threshold").
	nearInvalidatorThreshold func() bool

	stopCh    chan struct{}
	stoppedCh chan struct{}
	started   bool
}

// New creates a Worker over eng/dir. clusterSize is the maximum number
// of blocks submitted before the worker pauses within a single cycle
// (spec §4.8 "cluster_size"); 0 uses a cluster of 1.
func New(eng *engine.Engine, dir *directory.Directory, clusterSize int) *Worker {
	if clusterSize <= 0 {
		clusterSize = 1
	}

	return &Worker{
		eng:         eng,
		dir:         dir,
		clusterSize: clusterSize,
		tick:        defaultTick,
		flushOnExit: true,
		maxDepthPct: 100,
		policyName:  PolicyStandard,
	}
}

// Policy names accepted by SetPolicy (control-plane
// "bgwriter_conf_policy").
const (
	// PolicyStandard is the default dirty-ratio-driven table of spec §4.8.
	PolicyStandard = "standard"

	// PolicyClassic is the older dirty-ratio table PolicyStandard
	// evolved from: shallower top-end depths, earlier age-gating.
	PolicyClassic = "classic"

	// PolicyAggressive ignores the dirty ratio and always flushes at the
	// depth the write-through override would use.
	PolicyAggressive = "aggressive"
)

// SetFlushOnExit controls whether teardown waits for the dirty count to
// drain (control-plane "bgwriter_conf_flush_on_exit"; spec §5 "spins
// waiting for the dirty count to reach zero (unless configured
// otherwise)").
func (w *Worker) SetFlushOnExit(on bool) {
	w.mu.Lock()
	w.flushOnExit = on
	w.mu.Unlock()
}

// FlushOnExit reports the current flush-on-exit setting.
func (w *Worker) FlushOnExit() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.flushOnExit
}

// SetMaxQueueDepthPct caps each cycle's queue depth to a percentage of
// the total slot count (control-plane "bgwriter_conf_max_queue_depth_pct",
// 1..100).
func (w *Worker) SetMaxQueueDepthPct(pct int) {
	if pct < 1 {
		pct = 1
	}

	if pct > 100 {
		pct = 100
	}

	w.mu.Lock()
	w.maxDepthPct = pct
	w.mu.Unlock()
}

// MaxQueueDepthPct returns the current queue-depth cap percentage.
func (w *Worker) MaxQueueDepthPct() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.maxDepthPct
}

// SetPolicy selects the writeback policy by name (control-plane
// "bgwriter_conf_policy").
func (w *Worker) SetPolicy(name string) error {
	if name != PolicyStandard && name != PolicyClassic && name != PolicyAggressive {
		return fmt.Errorf("writeback: unknown policy %q", name)
	}

	w.mu.Lock()
	w.policyName = name
	w.mu.Unlock()

	return nil
}

// PolicyName returns the currently selected policy's name.
func (w *Worker) PolicyName() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.policyName
}

// LastPolicy returns the policy decision the most recent cycle ran
// under, for the "bgwriter_policy" observability key.
func (w *Worker) LastPolicy() Policy {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.lastPolicy
}

// SetGreedyness sets the per-cycle queue-depth bias, clamped to
// [-10, 20] per spec §4.8.
func (w *Worker) SetGreedyness(g int) {
	if g < -10 {
		g = -10
	}

	if g > 20 {
		g = 20
	}

	w.mu.Lock()
	w.greedyness = g
	w.mu.Unlock()
}

// SetTick configures the worker's cycle period.
func (w *Worker) SetTick(d time.Duration) {
	w.mu.Lock()
	w.tick = d
	w.mu.Unlock()
}

// SetClusterSize updates the cluster_size control-plane knob (spec
// §4.8); takes effect on the next cycle.
func (w *Worker) SetClusterSize(n int) {
	if n <= 0 {
		n = 1
	}

	w.mu.Lock()
	w.clusterSize = n
	w.mu.Unlock()
}

// ClusterSize returns the current cluster_size.
func (w *Worker) ClusterSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.clusterSize
}

// SetInvalidatorThresholdFunc wires the predicate the worker consults
// to decide whether a flushed block should be invalidated outright
// rather than just cleaned.
func (w *Worker) SetInvalidatorThresholdFunc(f func() bool) {
	w.mu.Lock()
	w.nearInvalidatorThreshold = f
	w.mu.Unlock()
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
			w.cycle(context.Background())
		}
	}
}

// cycle runs one policy-driven pass over the dirty list.
func (w *Worker) cycle(ctx context.Context) {
	policy := w.currentPolicy()

	w.mu.Lock()
	greedyness := w.greedyness
	clusterSize := w.clusterSize
	maxDepthPct := w.maxDepthPct
	w.lastPolicy = policy
	w.mu.Unlock()

	depth := applyGreedyness(policy.TargetSlots, greedyness)

	if limit := (w.dir.Len() * maxDepthPct) / 100; limit >= 1 && depth > limit {
		depth = limit
	}

	var interval time.Duration
	if policy.RatePerSec > 0 {
		interval = time.Second / time.Duration(policy.RatePerSec)
	}

	submitted := 0
	clustered := 0

	for submitted < depth {
		cb, err := w.dir.GetDirtyFromHead(policy.MinBlockAgeSecs, nowSeconds())
		if err != nil {
			// ErrEmpty, ErrTooYoung, or ErrBusy: nothing more eligible
			// this cycle.
			return
		}

		if err := w.flush(ctx, cb); err != nil {
			return
		}

		submitted++
		clustered++

		if clustered >= clusterSize {
			clustered = 0

			if interval > 0 {
				time.Sleep(interval)
			}
		}
	}
}

func (w *Worker) flush(ctx context.Context, cb *directory.CB) error {
	shortcut := w.nearInvalidatorThreshold != nil && w.nearInvalidatorThreshold()

	if shortcut {
		return w.eng.WritebackAndInvalidate(ctx, cb)
	}

	return w.eng.Writeback(ctx, cb)
}

func (w *Worker) currentPolicy() Policy {
	name := w.PolicyName()

	if w.eng.Mode() == engine.ModeWriteThrough || name == PolicyAggressive {
		return aggressivePolicy(w.dir.Len())
	}

	counters := w.dir.Counters()
	total := w.dir.Len()

	ratio := 0.0
	if total > 0 {
		ratio = float64(counters.Dirty) * 100 / float64(total)
	}

	if name == PolicyClassic {
		return classicPolicy(ratio, total)
	}

	return standardPolicy(ratio, total)
}

func nowSeconds() int64 {
	return time.Now().Unix()
}
