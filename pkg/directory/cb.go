package directory

import (
	"sync"

	"github.com/bittern-cache/bittern/pkg/bithash"
	"github.com/bittern-cache/bittern/pkg/layout"
)

const nilIdx int32 = -1

// CB is one cache block descriptor (spec §3). Fields below the dashed
// line are directory-private bookkeeping (list links, rb-tree links) and
// must only be touched while holding the directory's lock.
type CB struct {
	mu sync.Mutex // per-block spinlock: state, transition, refcount, sector, hashData, xid

	// BlockID is stable for the CB's lifetime; on-media slot is BlockID-1.
	BlockID uint32

	sector     uint64
	state      State
	transition string // logical transition path in progress, "" = none
	xid        layout.XID
	hashData   bithash.Sum128
	refcount   int32
	lastModify int64 // seconds since boot

	// ---- directory-private ----

	primaryList int8  // which of {invalid,clean,dirty} this CB threads on, -1 = none
	prev, next  int32 // links for primaryList

	inValidList          bool
	validPrev, validNext int32 // links for the combined valid list

	rbLeft, rbRight, rbParent int32
	rbRed                     bool
}

// Sector returns the backing-device sector this CB caches, or
// layout.InvalidSector.
func (cb *CB) Sector() uint64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.sector
}

// State returns the CB's current coarse state.
func (cb *CB) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.state
}

// Transition returns the logical transition path in progress, or "" if
// none.
func (cb *CB) Transition() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.transition
}

// SetTransition records the transition path the engine is about to drive
// this held CB through, or clears it ("") on finalization.
func (cb *CB) SetTransition(path string) {
	cb.mu.Lock()
	cb.transition = path
	cb.mu.Unlock()
}

// XID returns the transaction id under which the CB's current content was
// written.
func (cb *CB) XID() layout.XID {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.xid
}

// HashData returns the 128-bit content hash of the cached page.
func (cb *CB) HashData() bithash.Sum128 {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.hashData
}

// Refcount returns the current refcount (0 = idle, 1 = exclusively owned,
// >1 = shared-held).
func (cb *CB) Refcount() int32 {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.refcount
}

// SetData is called by the owner (refcount == 1) once a data write has
// completed, recording the new hash and xid (spec §3 invariant 6).
func (cb *CB) SetData(xid layout.XID, hash bithash.Sum128) {
	cb.mu.Lock()
	cb.xid = xid
	cb.hashData = hash
	cb.mu.Unlock()
}
