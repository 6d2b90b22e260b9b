package directory

import (
	"github.com/bittern-cache/bittern/pkg/bithash"
	"github.com/bittern-cache/bittern/pkg/layout"
)

// hold increments idx's refcount and returns the new value. Caller is the
// exclusive owner iff it receives 1; any caller that does not become
// owner must release immediately (spec §4.4).
func (d *Directory) hold(idx int32) int32 {
	cb := &d.cbs[idx]
	cb.mu.Lock()
	cb.refcount++
	n := cb.refcount
	cb.mu.Unlock()

	return n
}

func (d *Directory) release(idx int32) int32 {
	cb := &d.cbs[idx]
	cb.mu.Lock()
	cb.refcount--
	n := cb.refcount
	cb.mu.Unlock()

	return n
}

// Hold is the exported form of hold, for callers (verifier, control
// plane) that already have a *CB and need a secondary shared hold.
func (d *Directory) Hold(cb *CB) int32 {
	return d.hold(d.indexOf(cb))
}

// GetResult classifies the outcome of Get.
type GetResult int

const (
	ResultHitIdle GetResult = iota
	ResultHitBusy
	ResultMissInvalidIdle
	ResultMiss
)

func (r GetResult) String() string {
	switch r {
	case ResultHitIdle:
		return "hit-idle"
	case ResultHitBusy:
		return "hit-busy"
	case ResultMissInvalidIdle:
		return "miss-invalid-idle"
	default:
		return "miss"
	}
}

// Allocate selects which no-data staging state a miss-allocate
// pre-populates (spec §4.4).
type Allocate int

const (
	AllocateClean Allocate = iota
	AllocateDirty
)

// GetFlags mirrors spec §4.4's get(sector, flags={hit?, miss?,
// clean-on-allocate|dirty-on-allocate}).
type GetFlags struct {
	Hit      bool
	Miss     bool
	Allocate Allocate
}

// Get performs the primary directory lookup. It is atomic under the
// directory lock.
func (d *Directory) Get(sector uint64, flags GetFlags) (GetResult, *CB) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if idx := d.rbFind(sector); idx != nilIdx {
		if !flags.Hit {
			return ResultMiss, nil
		}

		n := d.hold(idx)
		if n == 1 {
			return ResultHitIdle, &d.cbs[idx]
		}

		d.release(idx)

		return ResultHitBusy, &d.cbs[idx]
	}

	if !flags.Miss {
		return ResultMiss, nil
	}

	idx := d.popPrimaryFront(listInvalid)
	if idx == nilIdx {
		return ResultMiss, nil
	}

	cb := &d.cbs[idx]

	n := d.hold(idx)
	if n != 1 {
		// Unreachable: a CB just pulled off the invalid list cannot have
		// been visible to any other lookup.
		panic("directory: freshly allocated CB was not idle")
	}

	cb.mu.Lock()
	cb.sector = sector

	if flags.Allocate == AllocateDirty {
		cb.state = StateDirtyNoData
	} else {
		cb.state = StateCleanNoData
	}

	cb.mu.Unlock()

	if err := d.rbInsert(idx); err != nil {
		panic("directory: " + err.Error())
	}

	d.counters.Invalid--

	return ResultMissInvalidIdle, cb
}

// GetDirtyFromHead is used by writeback to pull the oldest dirty CB at
// least minAgeSecs old. now and last_modify are both seconds-since-boot
// (spec §3).
func (d *Directory) GetDirtyFromHead(minAgeSecs int64, now int64) (*CB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := d.primary[listDirty].head
	if idx == nilIdx {
		return nil, ErrEmpty
	}

	cb := &d.cbs[idx]

	cb.mu.Lock()
	age := now - cb.lastModify
	cb.mu.Unlock()

	if age < minAgeSecs {
		return nil, ErrTooYoung
	}

	n := d.hold(idx)
	if n != 1 {
		d.release(idx)

		return nil, ErrBusy
	}

	d.removePrimary(idx)
	d.removeValid(idx)

	return cb, nil
}

// GetClean finds a clean, idle CB per the configured replacement policy
// (spec §4.3/§4.4, used by the invalidator).
func (d *Directory) GetClean() (*CB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.replacement {
	case ReplacementRandom:
		return d.getCleanRandom()
	default:
		return d.getCleanSweep()
	}
}

// getCleanRandom picks a uniformly random block id, holds it, confirms
// it is clean and idle, and retries a bounded number of times before
// falling back to sweeping the clean list head (spec §4.3).
func (d *Directory) getCleanRandom() (*CB, error) {
	n := len(d.cbs)
	if n == 0 {
		return nil, ErrEmpty
	}

	for attempt := 0; attempt < randomScanLimit; attempt++ {
		idx := int32(d.nextRand(n))
		cb := &d.cbs[idx]

		cb.mu.Lock()
		isClean := cb.state == StateClean
		cb.mu.Unlock()

		if !isClean {
			continue
		}

		held := d.hold(idx)
		if held != 1 {
			d.release(idx)

			continue
		}

		cb.mu.Lock()
		stillClean := cb.state == StateClean
		cb.mu.Unlock()

		if !stillClean {
			d.release(idx)

			continue
		}

		d.removePrimary(idx)
		d.removeValid(idx)

		return cb, nil
	}

	return d.getCleanSweep()
}

// getCleanSweep walks the clean list from the head (LRU/FIFO mode, and
// Random's fallback).
func (d *Directory) getCleanSweep() (*CB, error) {
	for idx := d.primary[listClean].head; idx != nilIdx; {
		cb := &d.cbs[idx]
		next := cb.next

		held := d.hold(idx)
		if held == 1 {
			d.removePrimary(idx)
			d.removeValid(idx)

			return cb, nil
		}

		d.release(idx)
		idx = next
	}

	return nil, ErrEmpty
}

// GetClone acquires a second invalid slot whose sector is set to that of
// original, preparing for dirty-write cloning. The clone is
// deliberately NOT inserted into the rb-tree yet (spec §9 design
// notes): it is inserted at the end of the clone path, once its data
// write is durable, by MoveToDirty.
func (d *Directory) GetClone(original *CB) (*CB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := d.popPrimaryFront(listInvalid)
	if idx == nilIdx {
		return nil, ErrEmpty
	}

	clone := &d.cbs[idx]

	n := d.hold(idx)
	if n != 1 {
		panic("directory: freshly allocated clone CB was not idle")
	}

	original.mu.Lock()
	sector := original.sector
	original.mu.Unlock()

	clone.mu.Lock()
	clone.sector = sector
	clone.state = StateDirtyNoData
	clone.mu.Unlock()

	d.counters.Invalid--

	return clone, nil
}

// GetByID bypasses sector indexing, for the verifier's sequential scan.
func (d *Directory) GetByID(id uint32) (*CB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cb := d.cbAt(id)
	if cb == nil {
		return nil, ErrNotFound
	}

	return cb, nil
}

// Put releases a held CB. If updateAge is set, last_modify is refreshed.
// If verify is non-nil and the block is clean/dirty, it is called with
// the CB's recorded hash so an integrity tracker can cross-check it
// (spec §4.4: "re-checks its hash_data against an optional integrity
// tracker").
func (d *Directory) Put(cb *CB, updateAge bool, now int64, verify func(sector uint64, hash bithash.Sum128)) {
	cb.mu.Lock()

	if updateAge {
		cb.lastModify = now
	}

	state := cb.state
	sector := cb.sector
	hash := cb.hashData
	cb.mu.Unlock()

	if verify != nil && (state == StateClean || state == StateDirty) {
		verify(sector, hash)
	}

	d.release(d.indexOf(cb))
}

// MoveToClean finalizes a held CB into the clean+valid lists, inserting
// it into the rb-tree first if it is not already present (the
// miss-allocate path already inserted at allocation time; the clone
// path defers insertion until here).
func (d *Directory) MoveToClean(cb *CB) {
	d.moveToValid(cb, StateClean, &d.counters.Clean)
}

// MoveToDirty is the dirty-terminal counterpart used by write-hit/miss
// WB and dirty-write-clone completion.
func (d *Directory) MoveToDirty(cb *CB) {
	d.moveToValid(cb, StateDirty, &d.counters.Dirty)
}

func (d *Directory) moveToValid(cb *CB, final State, counter *int32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := d.indexOf(cb)

	if d.rbFind(cb.sector) != idx {
		if err := d.rbInsert(idx); err != nil {
			panic("directory: " + err.Error())
		}
	}

	cb.mu.Lock()
	prior := cb.state
	cb.state = final
	cb.transition = ""
	cb.mu.Unlock()

	// A CB moving between terminal states (a hit or a writeback) leaves
	// its old counter and primary list first.
	switch prior {
	case StateClean:
		d.counters.Clean--
	case StateDirty:
		d.counters.Dirty--
	}

	d.removePrimary(idx)

	var list listID
	if final == StateDirty {
		list = listDirty
	} else {
		list = listClean
	}

	d.pushPrimaryBack(list, idx)
	d.pushValidBack(idx)

	*counter++

	d.release(idx)
}

// MoveToInvalid finalizes a held CB back to invalid: removes it from the
// rb-tree, rewires lists, and releases it. wasDirty selects whether the
// dirty or clean counter is decremented for a block that had reached a
// terminal state. A block still in a no-data staging state is an
// allocate-then-fail rollback: it left the invalid count at allocation
// but was never counted clean or dirty, so only the invalid side moves
// back.
func (d *Directory) MoveToInvalid(cb *CB, wasDirty bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := d.indexOf(cb)

	if d.rbFind(cb.sector) == idx {
		d.rbDelete(idx)
	}

	d.removePrimary(idx)
	d.removeValid(idx)

	cb.mu.Lock()
	staged := cb.state == StateCleanNoData || cb.state == StateDirtyNoData
	cb.state = StateInvalid
	cb.sector = layout.InvalidSector
	cb.transition = ""
	cb.mu.Unlock()

	switch {
	case staged:
	case wasDirty:
		d.counters.Dirty--
	default:
		d.counters.Clean--
	}

	d.pushPrimaryBack(listInvalid, idx)
	d.counters.Invalid++

	d.release(idx)
}
