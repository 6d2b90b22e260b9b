package directory

import (
	"fmt"

	"github.com/bittern-cache/bittern/pkg/bithash"
	"github.com/bittern-cache/bittern/pkg/layout"
)

// Adopt seeds a freshly-allocated, all-invalid Directory with one
// reconciled restore-time slot (spec §4.2/§4.3: after Restore picks a
// winner for each sector, the directory must come up with those CBs
// already threaded onto the rb-tree and the correct clean/dirty list,
// exactly as if they had just completed their allocating transition).
// Callers drive this once per RestoredBlock before the directory is
// exposed to any concurrent request; it is not safe to call once the
// engine has started serving requests.
func (d *Directory) Adopt(blockID uint32, sector uint64, state State, xid layout.XID, hash bithash.Sum128) error {
	if state != StateClean && state != StateDirty {
		return fmt.Errorf("directory: adopt: invalid terminal state %s for block %d", state, blockID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	idx := int32(blockID - 1)
	if idx < 0 || int(idx) >= len(d.cbs) {
		return fmt.Errorf("directory: adopt: block id %d out of range", blockID)
	}

	if d.rbFind(sector) != nilIdx {
		return ErrDuplicateSector
	}

	d.removePrimary(idx)

	cb := &d.cbs[idx]
	cb.mu.Lock()
	cb.sector = sector
	cb.state = state
	cb.xid = xid
	cb.hashData = hash
	cb.mu.Unlock()

	if err := d.rbInsert(idx); err != nil {
		return err
	}

	list := listClean
	counter := &d.counters.Clean

	if state == StateDirty {
		list = listDirty
		counter = &d.counters.Dirty
	}

	d.pushPrimaryBack(list, idx)
	d.pushValidBack(idx)

	*counter++
	d.counters.Invalid--

	return nil
}
