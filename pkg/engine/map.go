package engine

import (
	"context"
	"errors"
	"time"

	"github.com/bittern-cache/bittern/pkg/directory"
	"github.com/bittern-cache/bittern/pkg/layout"
)

// ErrMisalignedRequest is returned when a request's Offset or Length is
// not a multiple of the 512-byte sector size (spec §6 precondition).
var ErrMisalignedRequest = errors.New("engine: offset or length not 512-byte aligned")

// ErrSpansBlocks is returned when a request does not fit within a
// single 4KiB cache block (spec §6: "request is split upstream").
var ErrSpansBlocks = errors.New("engine: request spans more than one cache block")

// blockSector returns the 4KiB-aligned sector that governs sector (the
// backing-device sector of the cache block containing it).
func blockSector(sector uint64) uint64 {
	return (sector / layout.SectorsPerPage) * layout.SectorsPerPage
}

func validate(req Request) error {
	if req.Length == 0 {
		return nil // pure flush, always valid
	}

	if req.Offset%layout.SectorSize != 0 || req.Length%layout.SectorSize != 0 {
		return ErrMisalignedRequest
	}

	if pageByteOffset(req)+req.Length > layout.PageSize {
		return ErrSpansBlocks
	}

	if len(req.Data) != req.Length {
		return errors.New("engine: request Data length does not match Length")
	}

	return nil
}

// Map is the request entry point (spec §6, analogous to device-mapper
// map): it accepts a block request and returns a channel that receives
// exactly one Result once the request completes. The call itself
// returns immediately ("submitted"); completion happens asynchronously
// on a goroutine (see pkg/pmem/doc.go for why that is this translation's
// equivalent of a completion callback).
func (e *Engine) Map(ctx context.Context, req Request) <-chan Result {
	out := make(chan Result, 1)

	if req.Length == 0 || req.Discard {
		// Pure-flush and discard requests are acknowledged immediately
		// and never touch the directory (spec §6).
		if req.Discard {
			e.counters.discardRequests.Add(1)
		} else {
			e.counters.flushRequests.Add(1)
		}

		out <- Result{}

		return out
	}

	if err := validate(req); err != nil {
		out <- Result{Err: err}

		return out
	}

	if e.FailAll() {
		out <- Result{Err: ErrFailAll}

		return out
	}

	if !e.admit() {
		out <- Result{Err: ErrDeferred}

		return out
	}

	go func() {
		defer e.release()
		out <- Result{Err: e.dispatch(ctx, req)}
	}()

	return out
}

func (e *Engine) dispatch(ctx context.Context, req Request) error {
	sector := blockSector(req.Sector)
	partial := req.Offset != 0 || req.Length != layout.PageSize

	e.mu.Lock()
	detector := e.bypass
	e.mu.Unlock()

	if detector != nil {
		if detector.Observe(req.Write, req.PID, req.Sector, req.Length, time.Now()) {
			return e.dispatchBypass(ctx, sector, req, partial)
		}
	}

	if req.Write {
		return e.dispatchWrite(ctx, sector, req, partial)
	}

	return e.dispatchRead(ctx, sector, req, partial)
}

// dispatchBypass handles a request the sequential tracker marked for
// bypass. It still peeks the directory first: a hit on an existing
// valid CB is never bypassed (spec §4.10), so the request falls
// through to the ordinary hit path instead.
func (e *Engine) dispatchBypass(ctx context.Context, sector uint64, req Request, partial bool) error {
	res, cb := e.dir.Get(sector, directory.GetFlags{Hit: true})

	switch res {
	case directory.ResultHitIdle:
		if req.Write {
			return e.dispatchWriteHit(ctx, cb, req, partial)
		}

		return e.readHit(cb, req)
	case directory.ResultHitBusy:
		return ErrWaitBusy
	default:
		return e.forwardBypass(ctx, req)
	}
}

// forwardBypass sends req straight to the backing device, skipping the
// directory entirely (spec §4.10: "the request is cloned and
// forwarded straight to the backing device without touching the
// directory").
func (e *Engine) forwardBypass(ctx context.Context, req Request) error {
	e.counters.bypassForwards.Add(1)

	if req.Write {
		return e.fail(e.backing.WritePage(ctx, req.Sector, req.Data))
	}

	return e.fail(e.backing.ReadPage(req.Sector, req.Data))
}

func (e *Engine) dispatchRead(ctx context.Context, sector uint64, req Request, partial bool) error {
	e.counters.reads.Add(1)

	res, cb := e.dir.Get(sector, directory.GetFlags{Hit: true, Miss: true, Allocate: directory.AllocateClean})

	switch res {
	case directory.ResultHitIdle:
		e.counters.readHits.Add(1)

		return e.readHit(cb, req)
	case directory.ResultMissInvalidIdle:
		e.counters.readMisses.Add(1)
		e.counters.readCachedDev.Add(1)

		return e.readMiss(ctx, cb, req)
	case directory.ResultHitBusy:
		e.counters.deferredWaitBusy.Add(1)

		return ErrWaitBusy
	default:
		e.counters.deferredWaitPage.Add(1)

		return ErrWaitPage
	}
}

func (e *Engine) dispatchWrite(ctx context.Context, sector uint64, req Request, partial bool) error {
	allocate := directory.AllocateClean
	if e.Mode() == ModeWriteBack {
		allocate = directory.AllocateDirty
	}

	e.counters.writes.Add(1)

	res, cb := e.dir.Get(sector, directory.GetFlags{Hit: true, Miss: true, Allocate: allocate})

	switch res {
	case directory.ResultMissInvalidIdle:
		e.counters.writeMisses.Add(1)

		if partial {
			// The partial path always reads the backing page to merge
			// into; write-through additionally propagates the merged
			// page back out (spec §4.6 "Partial write miss").
			e.counters.readCachedDev.Add(1)

			if e.Mode() == ModeWriteThrough {
				e.counters.writeCachedDev.Add(1)
			}

			return e.partialWriteMiss(ctx, cb, req, e.Mode())
		}

		if e.Mode() == ModeWriteThrough {
			e.counters.writeCachedDev.Add(1)

			return e.writeMissWT(ctx, cb, req)
		}

		return e.writeMissWB(cb, req)

	case directory.ResultHitIdle:
		e.counters.writeHits.Add(1)

		return e.dispatchWriteHit(ctx, cb, req, partial)

	case directory.ResultHitBusy:
		e.counters.deferredWaitBusy.Add(1)

		return ErrWaitBusy
	default:
		e.counters.deferredWaitPage.Add(1)

		return ErrWaitPage
	}
}

// dispatchWriteHit runs the write-hit transition for an already-held
// cb, shared by the ordinary write path and the bypass path's
// existing-valid-CB fallback.
func (e *Engine) dispatchWriteHit(ctx context.Context, cb *directory.CB, req Request, partial bool) error {
	if cb.State() == directory.StateDirty {
		e.counters.dirtyWriteClones.Add(1)

		if partial {
			return e.partialDirtyWriteClone(ctx, cb, req)
		}

		return e.dirtyWriteClone(ctx, cb, req)
	}

	if e.Mode() == ModeWriteThrough {
		e.counters.writeCachedDev.Add(1)

		if partial {
			return e.partialWriteHitWT(ctx, cb, req)
		}

		return e.writeHitWT(ctx, cb, req)
	}

	if partial {
		return e.partialWriteHitWBClean(cb, req)
	}

	return e.writeHitWBClean(cb, req)
}
