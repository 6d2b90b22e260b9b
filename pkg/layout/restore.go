package layout

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// Device is the narrow random-access surface Initialize and Restore need
// from the cache device; *os.File satisfies it. Restore issues concurrent
// ReadAt calls from its worker pool, which is safe for pread-backed
// implementations but would not be safe for a Seek+Read based one —
// callers must supply something pread-like.
type Device interface {
	io.ReaderAt
	io.WriterAt
}

type syncer interface {
	Sync() error
}

// RestoreOptions configures Restore.
type RestoreOptions struct {
	// Workers is the size of the fixed worker pool used to verify and
	// decode slots in parallel (spec §4.2: "a fixed pool (≈128)").
	// Zero selects the default of 128.
	Workers int
}

func (o RestoreOptions) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}

	return 128
}

// RestoredBlock is one reconciled metadata slot, ready for the directory to
// adopt (spec §4.2, §4.3).
type RestoredBlock struct {
	Slot

	// RolledBack reports whether this block's on-media content was
	// discarded during restore (torn write, or it lost an xid collision)
	// and is therefore reported here with State == StateInvalid even
	// though the raw bytes on disk may still show otherwise until the
	// caller rewrites the slot.
	RolledBack bool
}

// Result is the outcome of a successful Restore.
type Result struct {
	Header Header
	Blocks []RestoredBlock // len == Header.SlotCount, indexed by block_id-1
	MaxXID XID
}

// Initialize performs cache-create: writes a fresh header and zeroes every
// metadata slot (spec §4.2 "Initialize"). Fails with ErrAlreadyInitialized
// if a valid header is already present (spec §6: "create fails if it finds
// a valid header").
func Initialize(dev Device, slotCount uint64) error {
	if _, _, err := readValidHeader(dev); err == nil {
		return ErrAlreadyInitialized
	}

	metadataOffset := MetadataArrayOffset()
	dataOffset := metadataOffset + slotCount*metaSlotSize

	for i := uint64(0); i < slotCount; i++ {
		slotBuf := EncodeSlot(ZeroSlot(uint32(i + 1)))
		if _, err := dev.WriteAt(slotBuf, int64(SlotOffset(metadataOffset, i))); err != nil {
			return fmt.Errorf("layout: zero slot %d: %w", i, err)
		}
	}

	h := Header{
		Version:          formatVersion,
		SlotCount:        slotCount,
		MetadataSlotSize: metaSlotSize,
		DataAreaOffset:   dataOffset,
		MetadataOffset:   metadataOffset,
		LastXID:          XID{},
		Seq:              1,
	}

	if _, err := dev.WriteAt(EncodeHeader(h), HeaderAOffset); err != nil {
		return fmt.Errorf("layout: write header A: %w", err)
	}

	if s, ok := dev.(syncer); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("layout: sync after initialize: %w", err)
		}
	}

	return nil
}

// readValidHeader reads both superblock copies and returns the one with the
// higher Seq, along with which offset it lives at. If exactly one copy is
// valid, that one wins regardless of Seq (tolerating a torn write to the
// other copy, per spec §4.2).
func readValidHeader(dev Device) (Header, uint64, error) {
	bufA := make([]byte, headerSize)
	bufB := make([]byte, headerSize)

	_, errA := dev.ReadAt(bufA, HeaderAOffset)
	_, errB := dev.ReadAt(bufB, HeaderBOffset)

	var hA, hB Header

	okA := errA == nil
	if okA {
		var decErr error

		hA, decErr = DecodeHeader(bufA)
		okA = decErr == nil
	}

	okB := errB == nil
	if okB {
		var decErr error

		hB, decErr = DecodeHeader(bufB)
		okB = decErr == nil
	}

	switch {
	case okA && okB:
		if hB.Seq > hA.Seq {
			return hB, HeaderBOffset, nil
		}

		return hA, HeaderAOffset, nil
	case okA:
		return hA, HeaderAOffset, nil
	case okB:
		return hB, HeaderBOffset, nil
	default:
		return Header{}, 0, ErrNoValidHeader
	}
}

// WriteHeader persists a header, always targeting the copy that is NOT the
// one most recently written (spec §4.2: "Header writes alternate between A
// and B"). It stamps Seq as one greater than the current maximum so restore
// can always identify the newest copy.
func WriteHeader(dev Device, h Header) error {
	cur, lastOffset, err := readValidHeader(dev)

	target := uint64(HeaderBOffset)

	if err == nil {
		h.Seq = cur.Seq + 1

		if lastOffset == HeaderBOffset {
			target = HeaderAOffset
		}
	}

	if _, err := dev.WriteAt(EncodeHeader(h), int64(target)); err != nil {
		return fmt.Errorf("layout: write header: %w", err)
	}

	if s, ok := dev.(syncer); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("layout: sync header: %w", err)
		}
	}

	return nil
}

// Restore parses the header and reconciles every metadata slot, resolving
// sector collisions by xid (spec §4.2). It never mutates the device; the
// caller (directory.Restore via pkg/cache) is responsible for rewriting
// rolled-back slots to invalid on media.
func Restore(dev Device, opts RestoreOptions) (Result, error) {
	header, _, err := readValidHeader(dev)
	if err != nil {
		return Result{}, err
	}

	decoded := make([]Slot, header.SlotCount)
	tornOrBad := make([]bool, header.SlotCount)

	if err := decodeSlotsParallel(dev, header, decoded, tornOrBad, opts.workers()); err != nil {
		return Result{}, err
	}

	blocks := make([]RestoredBlock, header.SlotCount)
	maxXID := header.LastXID

	// bySector reconciles collisions: for a given sector, only the slot
	// with the strictly greatest xid survives (spec §4.2).
	bySector := make(map[uint64]int, header.SlotCount)

	for i := range decoded {
		if tornOrBad[i] {
			blocks[i] = RestoredBlock{Slot: ZeroSlot(uint32(i + 1)), RolledBack: true}

			continue
		}

		slot := decoded[i]
		blocks[i] = RestoredBlock{Slot: slot}

		if maxXID.Less(slot.XID) {
			maxXID = slot.XID
		}

		if slot.State == StateInvalid {
			continue
		}

		if prev, exists := bySector[slot.Sector]; exists {
			winner, loser, conflictErr := resolveCollision(decoded[prev], slot)
			if conflictErr != nil {
				return Result{}, fmt.Errorf("%w: sector %d, slots %d and %d",
					ErrFatalInconsistency, slot.Sector, decoded[prev].BlockID, slot.BlockID)
			}

			if winner == 0 {
				blocks[i] = RestoredBlock{Slot: ZeroSlot(slot.BlockID), RolledBack: true}
			} else {
				blocks[prev] = RestoredBlock{Slot: ZeroSlot(decoded[prev].BlockID), RolledBack: true}
				bySector[slot.Sector] = i
			}

			_ = loser
		} else {
			bySector[slot.Sector] = i
		}
	}

	return Result{Header: header, Blocks: blocks, MaxXID: maxXID}, nil
}

// resolveCollision returns the index (as passed in) of the winner between
// two slots claiming the same sector, per spec §4.2: strictly greater xid
// wins; equal xid on two different slots is a fatal inconsistency.
func resolveCollision(a, b Slot) (winner, loser int, err error) {
	switch {
	case a.XID.Equal(b.XID):
		return 0, 0, ErrFatalInconsistency
	case b.XID.Less(a.XID):
		return 0, 1, nil
	default:
		return 1, 0, nil
	}
}

func decodeSlotsParallel(dev Device, header Header, decoded []Slot, tornOrBad []bool, workers int) error {
	n := int(header.SlotCount)
	if n == 0 {
		return nil
	}

	if workers > n {
		workers = n
	}

	jobs := make(chan int, n)
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		firstFail error
	)

	for w := 0; w < workers; w++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			buf := make([]byte, metaSlotSize)

			for i := range jobs {
				off := int64(SlotOffset(header.MetadataOffset, uint64(i)))

				if _, err := dev.ReadAt(buf, off); err != nil {
					mu.Lock()
					if firstFail == nil {
						firstFail = fmt.Errorf("layout: read slot %d: %w", i, err)
					}
					mu.Unlock()

					return
				}

				slot, err := DecodeSlot(buf)
				switch {
				case err == nil:
					decoded[i] = slot
				case errors.Is(err, ErrCorrupt):
					tornOrBad[i] = true
				default:
					mu.Lock()
					if firstFail == nil {
						firstFail = fmt.Errorf("layout: slot %d: %w", i, err)
					}
					mu.Unlock()

					return
				}
			}
		}()
	}

	wg.Wait()

	return firstFail
}
