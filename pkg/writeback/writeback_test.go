package writeback_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bittern-cache/bittern/pkg/devio"
	"github.com/bittern-cache/bittern/pkg/directory"
	"github.com/bittern-cache/bittern/pkg/engine"
	"github.com/bittern-cache/bittern/pkg/layout"
	"github.com/bittern-cache/bittern/pkg/pmem"
	"github.com/bittern-cache/bittern/pkg/writeback"
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

func TestWorker_FlushesDirtyBlockToClean(t *testing.T) {
	dir := directory.New(4, directory.ReplacementFIFO)
	backing := devio.New(&memBacking{data: make([]byte, layout.PageSize*4)}, 2)
	stopFlush := backing.StartWorker()
	defer stopFlush()
	eng := engine.New(dir, newFakeDevice(), backing, engine.ModeWriteBack, 0)

	res := <-eng.Map(context.Background(), engine.Request{
		Sector: 0, Length: layout.PageSize, Data: fill(layout.PageSize, 0x9), Write: true,
	})
	require.NoError(t, res.Err)
	require.Equal(t, int32(1), dir.Counters().Dirty)

	w := writeback.New(eng, dir, 4)
	w.SetTick(2 * time.Millisecond)
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		return dir.Counters().Dirty == 0 && dir.Counters().Clean == 1
	}, time.Second, 2*time.Millisecond)
}

func TestWorker_ShortcutInvalidatesNearThreshold(t *testing.T) {
	dir := directory.New(4, directory.ReplacementFIFO)
	backing := devio.New(&memBacking{data: make([]byte, layout.PageSize*4)}, 2)
	stopFlush := backing.StartWorker()
	defer stopFlush()
	eng := engine.New(dir, newFakeDevice(), backing, engine.ModeWriteBack, 0)

	res := <-eng.Map(context.Background(), engine.Request{
		Sector: 0, Length: layout.PageSize, Data: fill(layout.PageSize, 0x3), Write: true,
	})
	require.NoError(t, res.Err)

	w := writeback.New(eng, dir, 4)
	w.SetTick(2 * time.Millisecond)
	w.SetInvalidatorThresholdFunc(func() bool { return true })
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		c := dir.Counters()

		return c.Dirty == 0 && c.Clean == 0 && c.Invalid == 4
	}, time.Second, 2*time.Millisecond)
}
