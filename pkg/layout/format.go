package layout

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/bittern-cache/bittern/pkg/bithash"
)

// On-media constants (spec §6 "On-media format").
const (
	// PageSize is the fixed cache-block / data-page granularity.
	PageSize = 4096

	// SectorSize is the only backing-device sector size Bittern supports
	// (spec §1 Non-goals).
	SectorSize = 512

	// SectorsPerPage is the number of 512-byte sectors in one cache block.
	SectorsPerPage = PageSize / SectorSize

	headerMagic  = "BTTNHDR1"
	headerSize   = 256
	slotMagic    = uint32(0x42545331) // "BTS1"
	metaSlotSize = 64

	formatVersion = 1
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// State is the on-media state of a metadata slot. Only these three values
// are legal on media; any other value found at restore is corruption
// (spec §4.2).
type State uint8

const (
	StateInvalid State = 0
	StateClean   State = 1
	StateDirty   State = 2
)

func (s State) Valid() bool {
	return s == StateInvalid || s == StateClean || s == StateDirty
}

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	default:
		return "unknown"
	}
}

// InvalidSector is the sentinel stored in a slot with StateInvalid.
const InvalidSector = ^uint64(0)

// XID is the 128-bit transaction id (spec §9 Open Questions: rollover is
// resolved by widening to 128 bits rather than reusing TCP-style sequence
// comparison tricks). Lo increments on every allocation/write; Hi increments
// the one time Lo wraps, which at any plausible write rate will not happen
// within the lifetime of a single cache device.
type XID struct {
	Hi, Lo uint64
}

// Next returns the successor transaction id.
func (x XID) Next() XID {
	lo := x.Lo + 1
	hi := x.Hi

	if lo == 0 {
		hi++
	}

	return XID{Hi: hi, Lo: lo}
}

// Less reports whether x sorts strictly before other.
func (x XID) Less(other XID) bool {
	if x.Hi != other.Hi {
		return x.Hi < other.Hi
	}

	return x.Lo < other.Lo
}

// Equal reports value equality.
func (x XID) Equal(other XID) bool {
	return x.Hi == other.Hi && x.Lo == other.Lo
}

// Header is the 256-byte superblock, written alternately at two fixed
// offsets (spec §3 "Pmem header", §6).
type Header struct {
	Version          uint32
	SlotCount        uint64
	MetadataSlotSize uint32
	DataAreaOffset   uint64
	MetadataOffset   uint64
	LastXID          XID
	Seq              uint64 // monotonic write counter; higher Seq wins at restore
}

// HeaderSize is the fixed size in bytes of one superblock copy.
const HeaderSize = headerSize

// HeaderAOffset and HeaderBOffset are the fixed locations of the two
// alternating superblock copies.
const (
	HeaderAOffset = 0
	HeaderBOffset = headerSize
)

// MetadataArrayOffset returns the byte offset of the metadata slot array given
// that both superblocks precede it.
func MetadataArrayOffset() uint64 {
	return 2 * headerSize
}

// EncodeHeader serializes h into a HeaderSize-byte slice, computing and
// embedding its checksum.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, headerSize)

	copy(buf[0:8], headerMagic)
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint64(buf[12:20], h.SlotCount)
	binary.LittleEndian.PutUint32(buf[20:24], h.MetadataSlotSize)
	binary.LittleEndian.PutUint64(buf[24:32], h.DataAreaOffset)
	binary.LittleEndian.PutUint64(buf[32:40], h.MetadataOffset)
	binary.LittleEndian.PutUint64(buf[40:48], h.LastXID.Hi)
	binary.LittleEndian.PutUint64(buf[48:56], h.LastXID.Lo)
	binary.LittleEndian.PutUint64(buf[56:64], h.Seq)

	// Reserved bytes [64:252) are implicitly zero.
	crc := crc32.Checksum(buf[:252], crcTable)
	binary.LittleEndian.PutUint32(buf[252:256], crc)

	return buf
}

// DecodeHeader parses a HeaderSize-byte slice and validates its checksum and
// magic. Returns ErrIncompatible for a magic/version mismatch, ErrCorrupt
// for a checksum mismatch.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, ErrCorrupt
	}

	if string(buf[0:8]) != headerMagic {
		return Header{}, ErrIncompatible
	}

	version := binary.LittleEndian.Uint32(buf[8:12])
	if version != formatVersion {
		return Header{}, ErrIncompatible
	}

	wantCRC := crc32.Checksum(buf[:252], crcTable)
	gotCRC := binary.LittleEndian.Uint32(buf[252:256])

	if wantCRC != gotCRC {
		return Header{}, ErrCorrupt
	}

	return Header{
		Version:          version,
		SlotCount:        binary.LittleEndian.Uint64(buf[12:20]),
		MetadataSlotSize: binary.LittleEndian.Uint32(buf[20:24]),
		DataAreaOffset:   binary.LittleEndian.Uint64(buf[24:32]),
		MetadataOffset:   binary.LittleEndian.Uint64(buf[32:40]),
		LastXID: XID{
			Hi: binary.LittleEndian.Uint64(buf[40:48]),
			Lo: binary.LittleEndian.Uint64(buf[48:56]),
		},
		Seq: binary.LittleEndian.Uint64(buf[56:64]),
	}, nil
}

// Slot is the decoded form of one 64-byte per-block metadata record
// (spec §3 "Per-block metadata slot").
type Slot struct {
	BlockID  uint32
	State    State
	XID      XID
	Sector   uint64
	HashData bithash.Sum128
}

// MetaSlotSize is the fixed, on-media size of one metadata slot.
const MetaSlotSize = metaSlotSize

// EncodeSlot serializes s into a MetaSlotSize-byte slice with an embedded
// hash_metadata checksum. A zeroed slot (State: StateInvalid, BlockID: 0,
// Sector: InvalidSector) is the well-defined "never written" value used by
// Initialize.
func EncodeSlot(s Slot) []byte {
	buf := make([]byte, metaSlotSize)

	binary.LittleEndian.PutUint32(buf[0:4], slotMagic)
	binary.LittleEndian.PutUint32(buf[4:8], s.BlockID)
	buf[8] = byte(s.State)
	// buf[9:12] reserved/zero
	binary.LittleEndian.PutUint64(buf[12:20], s.XID.Hi)
	binary.LittleEndian.PutUint64(buf[20:28], s.XID.Lo)
	binary.LittleEndian.PutUint64(buf[28:36], s.Sector)

	hd := s.HashData.Bytes()
	copy(buf[36:52], hd[:])
	// buf[52:60] reserved/zero

	crc := crc32.Checksum(buf[:60], crcTable)
	binary.LittleEndian.PutUint32(buf[60:64], crc)

	return buf
}

// DecodeSlot parses a MetaSlotSize-byte slice.
//
// Per spec §4.2, a checksum mismatch means the slot represents a torn
// write and the caller must roll it back to invalid rather than treat it
// as a hard failure; DecodeSlot reports this via ErrCorrupt so restore can
// distinguish it from ErrStateOutOfRange (structurally valid but
// semantically impossible, which is unrecoverable corruption).
func DecodeSlot(buf []byte) (Slot, error) {
	if len(buf) < metaSlotSize {
		return Slot{}, ErrCorrupt
	}

	if binary.LittleEndian.Uint32(buf[0:4]) != slotMagic {
		return Slot{}, ErrCorrupt
	}

	wantCRC := crc32.Checksum(buf[:60], crcTable)
	gotCRC := binary.LittleEndian.Uint32(buf[60:64])

	if wantCRC != gotCRC {
		return Slot{}, ErrCorrupt
	}

	state := State(buf[8])

	slot := Slot{
		BlockID: binary.LittleEndian.Uint32(buf[4:8]),
		State:   state,
		XID: XID{
			Hi: binary.LittleEndian.Uint64(buf[12:20]),
			Lo: binary.LittleEndian.Uint64(buf[20:28]),
		},
		Sector:   binary.LittleEndian.Uint64(buf[28:36]),
		HashData: bithash.SumFromBytes(buf[36:52]),
	}

	if !state.Valid() {
		return slot, ErrStateOutOfRange
	}

	return slot, nil
}

// ZeroSlot returns the canonical encoding of an unused (invalid, never
// written) slot, used by Initialize.
func ZeroSlot(blockID uint32) Slot {
	return Slot{BlockID: blockID, State: StateInvalid, Sector: InvalidSector}
}

// SlotOffset returns the byte offset of slot index i (0-based) within the
// metadata array.
func SlotOffset(metadataOffset uint64, i uint64) uint64 {
	return metadataOffset + i*metaSlotSize
}

// DataOffset returns the byte offset of data page i (0-based) within the
// data area.
func DataOffset(dataAreaOffset uint64, i uint64) uint64 {
	return dataAreaOffset + i*PageSize
}

// DeviceSize returns the required cache-device size in bytes for slotCount
// slots, matching spec §6: "a multiple of (slot_size * N + 2 * header_size
// + N * 4 KiB)".
func DeviceSize(slotCount uint64) uint64 {
	return 2*headerSize + slotCount*metaSlotSize + slotCount*PageSize
}
