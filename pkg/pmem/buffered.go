package pmem

import (
	"fmt"
	"sync"

	"github.com/bittern-cache/bittern/pkg/bufferpool"
	"github.com/bittern-cache/bittern/pkg/layout"
)

// BufferedDevice implements Device via pread/pwrite plus a process-wide
// buffer pool, for cache devices that cannot be mmap'd (spec §4.1: "if the
// underlying hardware cannot DMA directly into the cache memory, the
// implementation must transparently double-buffer").
type BufferedDevice struct {
	dev    layout.Device // pread/pwrite surface (e.g. *os.File)
	header layout.Header
	pool   *bufferpool.Pool

	mu     sync.Mutex
	closed bool
}

// NewBuffered wraps dev (already positioned over an initialized/restored
// cache device) with a double-buffering Device. pool sizes the shared
// buffer pool; a nil pool allocates a private pool of 64 pages.
func NewBuffered(dev layout.Device, header layout.Header, pool *bufferpool.Pool) *BufferedDevice {
	if pool == nil {
		pool = bufferpool.New(64)
	}

	return &BufferedDevice{dev: dev, header: header, pool: pool}
}

func (d *BufferedDevice) Capabilities() Capabilities {
	return Capabilities{PageGranularityOnly: true, Variant: LayoutVariantStandard}
}

func (d *BufferedDevice) ReadMetadataSlot(n uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	buf := make([]byte, layout.MetaSlotSize)
	off := layout.SlotOffset(d.header.MetadataOffset, n)

	if _, err := d.dev.ReadAt(buf, int64(off)); err != nil {
		return nil, fmt.Errorf("pmem: read slot %d: %w", n, err)
	}

	return buf, nil
}

func (d *BufferedDevice) WriteMetadataSlot(n uint64, data []byte) error {
	if len(data) != layout.MetaSlotSize {
		return fmt.Errorf("pmem: slot write must be %d bytes, got %d", layout.MetaSlotSize, len(data))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	off := layout.SlotOffset(d.header.MetadataOffset, n)
	if _, err := d.dev.WriteAt(data, int64(off)); err != nil {
		return fmt.Errorf("pmem: write slot %d: %w", n, err)
	}

	return syncIfPossible(d.dev)
}

func (d *BufferedDevice) GetPageForRead(n uint64) (*Page, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}

	buf, ok := d.pool.AllocNoWait(bufferpool.SubpoolMap)
	if !ok {
		return nil, fmt.Errorf("pmem: %w", ErrBufferExhausted)
	}

	off := layout.DataOffset(d.header.DataAreaOffset, n)
	if _, err := d.dev.ReadAt(buf, int64(off)); err != nil {
		d.pool.Release(bufferpool.SubpoolMap, buf)

		return nil, fmt.Errorf("pmem: read page %d: %w", n, err)
	}

	return &Page{Bytes: buf, slot: n, forWrite: false, owner: d, pooled: true}, nil
}

func (d *BufferedDevice) GetPageForWrite(n uint64) (*Page, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()

	if closed {
		return nil, ErrClosed
	}

	buf, ok := d.pool.AllocNoWait(bufferpool.SubpoolMap)
	if !ok {
		return nil, fmt.Errorf("pmem: %w", ErrBufferExhausted)
	}

	return &Page{Bytes: buf, slot: n, forWrite: true, owner: d, pooled: true}, nil
}

func (d *BufferedDevice) PutPage(p *Page) error {
	if err := validatePage(p, p.forWrite); err != nil {
		return err
	}

	defer func() {
		if p.pooled {
			d.pool.Release(bufferpool.SubpoolMap, p.Bytes)
		}
	}()

	if !p.forWrite {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	off := layout.DataOffset(d.header.DataAreaOffset, p.slot)
	if _, err := d.dev.WriteAt(p.Bytes, int64(off)); err != nil {
		return fmt.Errorf("pmem: write page %d: %w", p.slot, err)
	}

	return syncIfPossible(d.dev)
}

func (d *BufferedDevice) CloneReadPageToWritePage(dst, src *Page) error {
	if err := validatePage(src, false); err != nil {
		return err
	}

	if err := validatePage(dst, true); err != nil {
		return err
	}

	copy(dst.Bytes, src.Bytes)

	return nil
}

func (d *BufferedDevice) WriteHeader(h layout.Header) error {
	return layout.WriteHeader(d.dev, h)
}

func (d *BufferedDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true

	return nil
}

func syncIfPossible(dev layout.Device) error {
	type syncer interface{ Sync() error }

	if s, ok := dev.(syncer); ok {
		return s.Sync()
	}

	return nil
}
