// Package directory implements Bittern's cache block directory: the
// fixed array of cache block descriptors, the red-black tree that maps a
// backing-device sector to its CB, the intrusive invalid/clean/dirty/
// valid lists, and the refcount/ownership protocol that serializes
// access to a single CB across concurrent work items.
package directory

import (
	"math/rand"
	"sync"

	"github.com/bittern-cache/bittern/pkg/layout"
)

// Replacement selects which CB a clean-slot request picks (spec §4.3).
type Replacement int

const (
	ReplacementRandom Replacement = iota
	ReplacementFIFO
	ReplacementLRU
)

func (r Replacement) String() string {
	switch r {
	case ReplacementFIFO:
		return "fifo"
	case ReplacementLRU:
		return "lru"
	default:
		return "random"
	}
}

// randomScanLimit bounds how many uniform picks GetClean tries under
// ReplacementRandom before falling back to sweeping the clean list head.
const randomScanLimit = 8

// Counters mirrors the global, eventually-consistent block counts spec
// §9 describes ("many counters are tracked separately from list
// membership ... consistency is re-established at quiesce points").
type Counters struct {
	Invalid int32
	Clean   int32
	Dirty   int32
}

// Directory is the cache block directory for a single cache instance.
type Directory struct {
	mu sync.Mutex // directory spinlock: lists, counters, rb-tree, pending list

	cbs  []CB
	root int32

	primary   [numLists]listHead
	validList listHead

	counters Counters

	replacement Replacement
	rng         *rand.Rand
}

// New allocates a directory of n cache blocks, all initially invalid.
func New(n int, replacement Replacement) *Directory {
	d := &Directory{
		cbs:         make([]CB, n),
		root:        nilIdx,
		replacement: replacement,
		rng:         rand.New(rand.NewSource(1)),
	}

	for i := range d.primary {
		d.primary[i] = listHead{head: nilIdx, tail: nilIdx}
	}

	d.validList = listHead{head: nilIdx, tail: nilIdx}

	for i := range d.cbs {
		cb := &d.cbs[i]
		cb.BlockID = uint32(i + 1)
		cb.sector = layout.InvalidSector
		cb.state = StateInvalid
		cb.primaryList = -1
		cb.prev, cb.next = nilIdx, nilIdx
		cb.validPrev, cb.validNext = nilIdx, nilIdx
		cb.rbLeft, cb.rbRight, cb.rbParent = nilIdx, nilIdx, nilIdx

		d.pushPrimaryBack(listInvalid, int32(i))
	}

	d.counters.Invalid = int32(n)

	return d
}

// Len returns the total number of cache blocks.
func (d *Directory) Len() int {
	return len(d.cbs)
}

// Counters returns a snapshot of the global block counters.
func (d *Directory) Counters() Counters {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.counters
}

// Replacement returns the directory's configured replacement policy.
func (d *Directory) Replacement() Replacement {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.replacement
}

// SetReplacement changes the replacement policy (control-plane
// "replacement" key, spec §6).
func (d *Directory) SetReplacement(r Replacement) {
	d.mu.Lock()
	d.replacement = r
	d.mu.Unlock()
}

// cbAt returns the CB for a 1-based block id, or nil if out of range.
func (d *Directory) cbAt(blockID uint32) *CB {
	if blockID == 0 || int(blockID) > len(d.cbs) {
		return nil
	}

	return &d.cbs[blockID-1]
}

func (d *Directory) indexOf(cb *CB) int32 {
	return int32(cb.BlockID - 1)
}

// nextRand produces a uniform index in [0, n). A private source (rather
// than the math/rand global one) avoids lock contention with unrelated
// callers elsewhere in the process; all access to it is already
// serialized by the directory spinlock.
func (d *Directory) nextRand(n int) int {
	return d.rng.Intn(n)
}
