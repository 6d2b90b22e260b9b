package scheduler_test

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
	"github.com/bittern-cache/bittern/pkg/scheduler"
)

// fakeDevice mirrors pkg/engine's test double; kept local since it is
// not exported for reuse across package boundaries.
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

func TestScheduler_RetriesWaitBusyUntilHolderReleases(t *testing.T) {
	dir := directory.New(2, directory.ReplacementFIFO)
	backing := devio.New(&memBacking{data: make([]byte, layout.PageSize*2)}, 2)
	stopFlush := backing.StartWorker()
	defer stopFlush()
	eng := engine.New(dir, newFakeDevice(), backing, engine.ModeWriteThrough, 0)

	pattern := fill(layout.PageSize, 0x5)
	res := <-eng.Map(context.Background(), engine.Request{Sector: 0, Length: layout.PageSize, Data: pattern, Write: true})
	require.NoError(t, res.Err)

	// Hold the CB to simulate another in-flight work item, making the
	// next lookup report hit-busy.
	_, held := dir.Get(0, directory.GetFlags{Hit: true})
	require.NotNil(t, held)

	sched := scheduler.New(eng)
	sched.SetRetryDelay(2 * time.Millisecond)
	sched.Start()
	defer sched.Stop()

	out := sched.Submit(context.Background(), engine.Request{
		Sector: 0, Length: layout.PageSize, Data: make([]byte, layout.PageSize),
	})

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, sched.Stats().WaitBusyLen)

	dir.Put(held, false, 0, nil)

	select {
	case res := <-out:
		require.NoError(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("scheduler never resolved the wait-busy request")
	}
}

func TestScheduler_RetriesWaitPageUntilSlotFrees(t *testing.T) {
	dir := directory.New(1, directory.ReplacementFIFO)
	backing := devio.New(&memBacking{data: make([]byte, layout.PageSize*4)}, 2)
	stopFlush := backing.StartWorker()
	defer stopFlush()
	eng := engine.New(dir, newFakeDevice(), backing, engine.ModeWriteThrough, 0)

	pattern := fill(layout.PageSize, 0x7)
	res := <-eng.Map(context.Background(), engine.Request{Sector: 0, Length: layout.PageSize, Data: pattern, Write: true})
	require.NoError(t, res.Err)

	sched := scheduler.New(eng)
	sched.SetRetryDelay(2 * time.Millisecond)
	sched.Start()
	defer sched.Stop()

	// The only CB is occupied by sector 0; a miss on sector 8
	// (block 1) has nowhere to allocate from until it is freed.
	out := sched.Submit(context.Background(), engine.Request{
		Sector: layout.SectorsPerPage, Length: layout.PageSize, Data: make([]byte, layout.PageSize), Write: true,
		Offset: 0,
	})

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, sched.Stats().WaitPageLen)

	cb, err := dir.GetClean()
	require.NoError(t, err)
	require.NoError(t, eng.CleanInvalidate(cb))

	select {
	case res := <-out:
		require.NoError(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("scheduler never resolved the wait-page request")
	}
}

func TestScheduler_ContextCanceledWhileQueued(t *testing.T) {
	dir := directory.New(1, directory.ReplacementFIFO)
	backing := devio.New(&memBacking{data: make([]byte, layout.PageSize*4)}, 2)
	stopFlush := backing.StartWorker()
	defer stopFlush()
	eng := engine.New(dir, newFakeDevice(), backing, engine.ModeWriteThrough, 0)

	pattern := fill(layout.PageSize, 0x7)
	res := <-eng.Map(context.Background(), engine.Request{Sector: 0, Length: layout.PageSize, Data: pattern, Write: true})
	require.NoError(t, res.Err)

	sched := scheduler.New(eng)
	sched.SetRetryDelay(2 * time.Millisecond)
	sched.Start()
	defer sched.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	out := sched.Submit(ctx, engine.Request{
		Sector: layout.SectorsPerPage, Length: layout.PageSize, Data: make([]byte, layout.PageSize), Write: true,
	})

	cancel()

	select {
	case res := <-out:
		require.ErrorIs(t, res.Err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler never observed context cancellation")
	}
}
