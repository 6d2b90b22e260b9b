package layout_test

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bittern-cache/bittern/pkg/bithash"
	"github.com/bittern-cache/bittern/pkg/layout"
)

// memDevice is an in-memory layout.Device for tests that don't need a real
// file.
type memDevice struct {
	buf []byte
}

func newMemDevice(size int) *memDevice {
	return &memDevice{buf: make([]byte, size)}
}

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	if int(off) >= len(d.buf) {
		return 0, io.EOF
	}

	n := copy(p, d.buf[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}

	return n, nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	end := int(off) + len(p)
	if end > len(d.buf) {
		grown := make([]byte, end)
		copy(grown, d.buf)
		d.buf = grown
	}

	return copy(d.buf[off:], p), nil
}

func (d *memDevice) Sync() error { return nil }

func newInitializedDevice(t *testing.T, slots uint64) *memDevice {
	t.Helper()

	dev := newMemDevice(int(layout.DeviceSize(slots)))
	require.NoError(t, layout.Initialize(dev, slots))

	return dev
}

func TestHeaderRoundTrip(t *testing.T) {
	h := layout.Header{
		Version:          1,
		SlotCount:        1000,
		MetadataSlotSize: layout.MetaSlotSize,
		DataAreaOffset:   layout.MetadataArrayOffset() + 1000*layout.MetaSlotSize,
		MetadataOffset:   layout.MetadataArrayOffset(),
		LastXID:          layout.XID{Hi: 1, Lo: 42},
		Seq:              7,
	}

	buf := layout.EncodeHeader(h)
	require.Len(t, buf, layout.HeaderSize)

	got, err := layout.DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestDecodeHeader_CorruptChecksum(t *testing.T) {
	h := layout.Header{Version: 1, SlotCount: 10}
	buf := layout.EncodeHeader(h)
	buf[100] ^= 0xFF // reserved region, doesn't touch magic/version

	_, err := layout.DecodeHeader(buf)
	require.ErrorIs(t, err, layout.ErrCorrupt)
}

func TestDecodeHeader_BadMagic(t *testing.T) {
	buf := layout.EncodeHeader(layout.Header{Version: 1})
	copy(buf[0:8], "GARBAGE!")

	_, err := layout.DecodeHeader(buf)
	require.ErrorIs(t, err, layout.ErrIncompatible)
}

func TestSlotRoundTrip(t *testing.T) {
	s := layout.Slot{
		BlockID:  7,
		State:    layout.StateDirty,
		XID:      layout.XID{Lo: 99},
		Sector:   4096,
		HashData: bithash.Sum128Zero([]byte("page")),
	}

	buf := layout.EncodeSlot(s)
	require.Len(t, buf, layout.MetaSlotSize)

	got, err := layout.DecodeSlot(buf)
	require.NoError(t, err)
	require.Equal(t, s, got)
}

func TestDecodeSlot_TornWrite(t *testing.T) {
	buf := layout.EncodeSlot(layout.Slot{BlockID: 1, State: layout.StateClean, Sector: 0})
	buf[40] ^= 0xFF // flip a hash_data byte without fixing hash_metadata

	_, err := layout.DecodeSlot(buf)
	require.ErrorIs(t, err, layout.ErrCorrupt)
}

func TestDecodeSlot_StateOutOfRange(t *testing.T) {
	buf := layout.EncodeSlot(layout.ZeroSlot(1))
	buf[8] = 9 // not a legal State
	binary.LittleEndian.PutUint32(buf[60:64], crc32.Checksum(buf[:60], crc32.MakeTable(crc32.Castagnoli)))

	_, err := layout.DecodeSlot(buf)
	require.ErrorIs(t, err, layout.ErrStateOutOfRange)
}

func TestInitialize_ThenRestore_EmptyCache(t *testing.T) {
	dev := newInitializedDevice(t, 16)

	res, err := layout.Restore(dev, layout.RestoreOptions{Workers: 4})
	require.NoError(t, err)
	require.Len(t, res.Blocks, 16)

	for i, b := range res.Blocks {
		require.Equal(t, layout.StateInvalid, b.State, "slot %d", i)
		require.Equal(t, layout.InvalidSector, b.Sector, "slot %d", i)
	}
}

func TestInitialize_RefusesAlreadyInitialized(t *testing.T) {
	dev := newInitializedDevice(t, 4)

	err := layout.Initialize(dev, 4)
	require.ErrorIs(t, err, layout.ErrAlreadyInitialized)
}

func TestRestore_PicksMaxXID(t *testing.T) {
	// Scenario 1 from spec §8: slot 3 has sector=200,xid=7; slot 9 has
	// sector=200,xid=12. Slot 9 should win; slot 3 rolled back to invalid.
	dev := newInitializedDevice(t, 16)

	header, _, err := readHeaderForTest(dev)
	require.NoError(t, err)

	writeSlot(t, dev, header, 3, layout.Slot{
		BlockID: 4, State: layout.StateClean, XID: layout.XID{Lo: 7}, Sector: 200,
	})
	writeSlot(t, dev, header, 9, layout.Slot{
		BlockID: 10, State: layout.StateClean, XID: layout.XID{Lo: 12}, Sector: 200,
	})

	res, err := layout.Restore(dev, layout.RestoreOptions{Workers: 4})
	require.NoError(t, err)

	require.True(t, res.Blocks[3].RolledBack)
	require.False(t, res.Blocks[9].RolledBack)
	require.Equal(t, uint64(200), res.Blocks[9].Sector)
	require.Equal(t, layout.XID{Lo: 12}, res.MaxXID)
}

func TestRestore_EqualXIDCollisionIsFatal(t *testing.T) {
	dev := newInitializedDevice(t, 16)

	header, _, err := readHeaderForTest(dev)
	require.NoError(t, err)

	writeSlot(t, dev, header, 1, layout.Slot{BlockID: 2, State: layout.StateClean, XID: layout.XID{Lo: 5}, Sector: 50})
	writeSlot(t, dev, header, 2, layout.Slot{BlockID: 3, State: layout.StateClean, XID: layout.XID{Lo: 5}, Sector: 50})

	_, err = layout.Restore(dev, layout.RestoreOptions{Workers: 4})
	require.ErrorIs(t, err, layout.ErrFatalInconsistency)
}

func TestRestore_TornSlotRolledBack(t *testing.T) {
	dev := newInitializedDevice(t, 8)

	header, _, err := readHeaderForTest(dev)
	require.NoError(t, err)

	writeSlot(t, dev, header, 2, layout.Slot{BlockID: 3, State: layout.StateDirty, XID: layout.XID{Lo: 1}, Sector: 10})

	// Tear the write: corrupt one byte after the fact.
	off := layout.SlotOffset(header.MetadataOffset, 2)
	buf := make([]byte, layout.MetaSlotSize)
	_, err = dev.ReadAt(buf, int64(off))
	require.NoError(t, err)
	buf[45] ^= 0xFF
	_, err = dev.WriteAt(buf, int64(off))
	require.NoError(t, err)

	res, err := layout.Restore(dev, layout.RestoreOptions{Workers: 2})
	require.NoError(t, err)
	require.True(t, res.Blocks[2].RolledBack)
}

func TestRestore_NoValidHeader(t *testing.T) {
	dev := newMemDevice(int(layout.DeviceSize(4)))

	_, err := layout.Restore(dev, layout.RestoreOptions{})
	require.ErrorIs(t, err, layout.ErrNoValidHeader)
}

func TestWriteHeader_AlternatesCopies(t *testing.T) {
	dev := newInitializedDevice(t, 4)

	h1, off1, err := readHeaderForTest(dev)
	require.NoError(t, err)

	h1.Seq++
	require.NoError(t, layout.WriteHeader(dev, h1))

	_, off2, err := readHeaderForTest(dev)
	require.NoError(t, err)
	require.NotEqual(t, off1, off2, "header writes must alternate copies")
}

func TestDeviceSizeMatchesInitializedLayout(t *testing.T) {
	const slots = 32

	path := tempFile(t)

	f, err := os.Create(path)
	require.NoError(t, err)

	defer f.Close()

	require.NoError(t, f.Truncate(int64(layout.DeviceSize(slots))))
	require.NoError(t, layout.Initialize(f, slots))

	res, err := layout.Restore(f, layout.RestoreOptions{Workers: 8})
	require.NoError(t, err)
	require.Len(t, res.Blocks, slots)
}

func readHeaderForTest(dev layout.Device) (layout.Header, uint64, error) {
	bufA := make([]byte, layout.HeaderSize)

	_, err := dev.ReadAt(bufA, layout.HeaderAOffset)
	if err != nil {
		return layout.Header{}, 0, err
	}

	if h, err := layout.DecodeHeader(bufA); err == nil {
		bufB := make([]byte, layout.HeaderSize)
		if _, err := dev.ReadAt(bufB, layout.HeaderBOffset); err == nil {
			if hb, err := layout.DecodeHeader(bufB); err == nil && hb.Seq > h.Seq {
				return hb, layout.HeaderBOffset, nil
			}
		}

		return h, layout.HeaderAOffset, nil
	}

	bufB := make([]byte, layout.HeaderSize)
	if _, err := dev.ReadAt(bufB, layout.HeaderBOffset); err == nil {
		if hb, err := layout.DecodeHeader(bufB); err == nil {
			return hb, layout.HeaderBOffset, nil
		}
	}

	return layout.Header{}, 0, layout.ErrNoValidHeader
}

func writeSlot(t *testing.T, dev layout.Device, header layout.Header, index uint64, s layout.Slot) {
	t.Helper()

	off := layout.SlotOffset(header.MetadataOffset, index)
	_, err := dev.WriteAt(layout.EncodeSlot(s), int64(off))
	require.NoError(t, err)
}

func tempFile(t *testing.T) string {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "bittern-layout-*.img")
	require.NoError(t, err)

	path := f.Name()
	require.NoError(t, f.Close())

	return path
}
