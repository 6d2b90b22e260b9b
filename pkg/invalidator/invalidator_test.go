package invalidator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bittern-cache/bittern/pkg/devio"
	"github.com/bittern-cache/bittern/pkg/directory"
	"github.com/bittern-cache/bittern/pkg/engine"
	"github.com/bittern-cache/bittern/pkg/invalidator"
	"github.com/bittern-cache/bittern/pkg/layout"
	"github.com/bittern-cache/bittern/pkg/pmem"
)

type fakeDevice struct {
	mu      sync.Mutex
	pages   map[uint64][]byte
	slots   map[uint64][]byte
	pending map[*pmem.Page]uint64
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{pages: map[uint64][]byte{}, slots: map[uint64][]byte{}, pending: map[*pmem.Page]uint64{}}
}

func (f *fakeDevice) ReadMetadataSlot(n uint64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if buf, ok := f.slots[n]; ok {
		return append([]byte(nil), buf...), nil
	}

	return layout.EncodeSlot(layout.ZeroSlot(uint32(n + 1))), nil
}

func (f *fakeDevice) WriteMetadataSlot(n uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.slots[n] = append([]byte(nil), data...)

	return nil
}

func (f *fakeDevice) GetPageForRead(n uint64) (*pmem.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	buf := make([]byte, layout.PageSize)
	if existing, ok := f.pages[n]; ok {
		copy(buf, existing)
	}

	return &pmem.Page{Bytes: buf}, nil
}

func (f *fakeDevice) GetPageForWrite(n uint64) (*pmem.Page, error) {
	p := &pmem.Page{Bytes: make([]byte, layout.PageSize)}

	f.mu.Lock()
	f.pending[p] = n
	f.mu.Unlock()

	return p, nil
}

func (f *fakeDevice) PutPage(p *pmem.Page) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n, ok := f.pending[p]; ok {
		f.pages[n] = append([]byte(nil), p.Bytes...)
		delete(f.pending, p)
	}

	return nil
}

func (f *fakeDevice) CloneReadPageToWritePage(dst, src *pmem.Page) error {
	copy(dst.Bytes, src.Bytes)

	return nil
}

func (f *fakeDevice) WriteHeader(layout.Header) error { return nil }
func (f *fakeDevice) Capabilities() pmem.Capabilities { return pmem.Capabilities{} }
func (f *fakeDevice) Close() error                    { return nil }

type memBacking struct {
	mu   sync.Mutex
	data []byte
}

func (m *memBacking) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return copy(p, m.data[off:]), nil
}

func (m *memBacking) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return copy(m.data[off:], p), nil
}

func (m *memBacking) Flush() error { return nil }

func fill(n int, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}

	return buf
}

func TestWorker_InvalidatesCleanBlocksBelowThreshold(t *testing.T) {
	dir := directory.New(4, directory.ReplacementFIFO)
	backing := devio.New(&memBacking{data: make([]byte, layout.PageSize*4)}, 2)
	stopFlush := backing.StartWorker()
	defer stopFlush()
	eng := engine.New(dir, newFakeDevice(), backing, engine.ModeWriteThrough, 0)

	// Fill all 4 blocks clean (write-through miss path moves to clean).
	for i := 0; i < 4; i++ {
		sector := uint64(i) * layout.SectorsPerPage
		res := <-eng.Map(context.Background(), engine.Request{
			Sector: sector, Length: layout.PageSize, Data: fill(layout.PageSize, byte(i)), Write: true,
		})
		require.NoError(t, res.Err)
	}

	require.Equal(t, int32(4), dir.Counters().Clean)
	require.Equal(t, int32(0), dir.Counters().Invalid)

	w := invalidator.New(eng, dir, 3)
	w.SetTick(2 * time.Millisecond)
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		return dir.Counters().Invalid >= 3
	}, time.Second, 2*time.Millisecond)
}

func TestWorker_RearmsAt25PercentAboveThreshold(t *testing.T) {
	dir := directory.New(10, directory.ReplacementFIFO)
	backing := devio.New(&memBacking{data: make([]byte, layout.PageSize*10)}, 2)
	stopFlush := backing.StartWorker()
	defer stopFlush()
	eng := engine.New(dir, newFakeDevice(), backing, engine.ModeWriteThrough, 0)

	for i := 0; i < 6; i++ {
		sector := uint64(i) * layout.SectorsPerPage
		res := <-eng.Map(context.Background(), engine.Request{
			Sector: sector, Length: layout.PageSize, Data: fill(layout.PageSize, byte(i)), Write: true,
		})
		require.NoError(t, res.Err)
	}

	// 6 clean, 4 invalid. A threshold of 4 would not start the worker
	// (4 invalid is not below 4), so the threshold is 5.
	w := invalidator.New(eng, dir, 5)
	w.SetTick(2 * time.Millisecond)
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		return dir.Counters().Invalid >= 5
	}, time.Second, 2*time.Millisecond)

	// Rearm point is 25% above threshold (5 * 1.25 = 6.25, so 7
	// invalid blocks rearms and the worker goes idle again).
	require.Eventually(t, func() bool {
		return !w.Active()
	}, time.Second, 2*time.Millisecond)
}
