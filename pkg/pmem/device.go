package pmem

import (
	"errors"
	"fmt"

	"github.com/bittern-cache/bittern/pkg/layout"
)

// ErrClosed is returned by any Device method called after Close.
var ErrClosed = errors.New("pmem: device closed")

// ErrBufferExhausted is returned by BufferedDevice when the shared buffer
// pool has no free pages. pkg/engine treats it like any other device
// error and moves the cache to fail-all.
var ErrBufferExhausted = errors.New("pmem: buffer pool exhausted")

// LayoutVariant identifies the logical on-media layout in effect, exposed
// so upper layers can report it via the "pmem_api" observability key
// (spec §6).
type LayoutVariant int

const (
	// LayoutVariantStandard is the only variant this implementation
	// produces: dual superblock, metadata array, data area (spec §4.2).
	LayoutVariantStandard LayoutVariant = iota
)

// Capabilities answers the two queries spec §4.1 requires of the pmem
// interface.
type Capabilities struct {
	// PageGranularityOnly reports whether this backend only supports
	// whole-4KiB-page transfers (true for both backends here; Bittern
	// never does sub-page I/O against the cache device).
	PageGranularityOnly bool

	Variant LayoutVariant
}

// Page is a handle to one 4 KiB cache-device page, obtained from
// GetPageForRead/GetPageForWrite and released with PutPage.
type Page struct {
	// Bytes is the page content. For MmapDevice this aliases the mapping
	// directly; for BufferedDevice it is a pooled buffer that PutPage
	// returns to the pool (and, for writes, first flushes to the device).
	Bytes []byte

	slot     uint64
	forWrite bool
	owner    Device
	pooled   bool
}

// Device is the persistent-memory interface (spec §4.1). All methods here
// are synchronous; see the package doc for how asynchrony is layered on top
// by pkg/engine.
type Device interface {
	// ReadMetadataSlot reads the n'th fixed-size metadata slot.
	ReadMetadataSlot(n uint64) ([]byte, error)

	// WriteMetadataSlot writes the n'th metadata slot and ensures it is
	// durable on the cache device before returning (cache-device writes are
	// always synchronously durable in this design; only the backing-device
	// write path needs FLUSH+FUA, per spec §4.7).
	WriteMetadataSlot(n uint64, data []byte) error

	// GetPageForRead returns a Page positioned to read data page n.
	GetPageForRead(n uint64) (*Page, error)

	// GetPageForWrite returns a Page positioned to write data page n. The
	// caller must fill Page.Bytes and call PutPage to commit it.
	GetPageForWrite(n uint64) (*Page, error)

	// PutPage releases a page obtained from GetPageForRead/GetPageForWrite.
	// For a write page, this is also where the write becomes durable.
	PutPage(p *Page) error

	// CloneReadPageToWritePage copies src (obtained for read) into dst
	// (obtained for write), used by dirty-write cloning's partial-write
	// path (spec transition table: dwc_cpf_original_cache_start).
	CloneReadPageToWritePage(dst, src *Page) error

	// WriteHeader persists a layout.Header to whichever superblock copy is
	// due for the next write (spec §4.2: alternating A/B).
	WriteHeader(h layout.Header) error

	// Capabilities reports the two upper-layer queries from spec §4.1.
	Capabilities() Capabilities

	Close() error
}

// validatePage is a shared guard used by both backends before touching a
// page handle.
func validatePage(p *Page, wantWrite bool) error {
	if p == nil {
		return fmt.Errorf("pmem: nil page")
	}

	if p.forWrite != wantWrite {
		return fmt.Errorf("pmem: page opened for %s, used for %s", modeName(p.forWrite), modeName(wantWrite))
	}

	return nil
}

func modeName(forWrite bool) string {
	if forWrite {
		return "write"
	}

	return "read"
}
