package cache

import (
	"sync"

	"github.com/bittern-cache/bittern/pkg/bithash"
)

// hashTracker is the per-backing-sector integrity tracker of spec §4.4:
// the engine records each sector's content hash at metadata-write time
// and re-checks it when a held transition releases a clean/dirty block.
// It implements engine.HashTracker.
type hashTracker struct {
	mu     sync.Mutex
	hashes map[uint64]bithash.Sum128
}

func newHashTracker() *hashTracker {
	return &hashTracker{hashes: make(map[uint64]bithash.Sum128)}
}

func (t *hashTracker) Record(sector uint64, hash bithash.Sum128) {
	t.mu.Lock()
	t.hashes[sector] = hash
	t.mu.Unlock()
}

func (t *hashTracker) Check(sector uint64, hash bithash.Sum128) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	recorded, ok := t.hashes[sector]
	if !ok {
		return true
	}

	return recorded == hash
}

// Len reports how many sectors currently carry a tracked hash, for the
// "tracked_hashes" observability key.
func (t *hashTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.hashes)
}

// Reset drops every tracked hash (control-plane "zero_stats" clears it
// along with the counters so a later enable starts from scratch).
func (t *hashTracker) Reset() {
	t.mu.Lock()
	t.hashes = make(map[uint64]bithash.Sum128)
	t.mu.Unlock()
}
