package engine

import (
	"context"

	"github.com/bittern-cache/bittern/pkg/bithash"
	"github.com/bittern-cache/bittern/pkg/directory"
	"github.com/bittern-cache/bittern/pkg/layout"
)

// writeMissWT is a full-page write-through write miss (spec §4.6): the
// data reaches the backing device synchronously before the cache page
// and metadata are updated.
func (e *Engine) writeMissWT(ctx context.Context, cb *directory.CB, req Request) error {
	checkHop(StepCleanNoData, StepWmissCptDevStartio)
	cb.SetTransition(string(StepWmissCptDevStartio))

	if err := e.backing.WritePage(ctx, cb.Sector(), req.Data); err != nil {
		e.dir.MoveToInvalid(cb, false)

		return e.fail(err)
	}

	checkHop(StepWmissCptDevStartio, StepWmissCptDevEndio)
	cb.SetTransition(string(StepWmissCptDevEndio))

	if err := e.writeCachePage(cb, req.Data); err != nil {
		e.dir.MoveToInvalid(cb, false)

		return e.fail(err)
	}

	hash := bithash.Sum128Zero(req.Data)
	if err := e.writeMetadata(cb, layout.StateClean, hash); err != nil {
		e.dir.MoveToInvalid(cb, false)

		return e.fail(err)
	}

	checkHop(StepWmissCptDevEndio, StepWmissCptCacheEnd)
	cb.SetTransition(string(StepWmissCptCacheEnd))

	checkHop(StepWmissCptCacheEnd, StepClean)
	cb.SetTransition("")

	e.dir.MoveToClean(cb)

	return nil
}

// writeMissWB is a full-page write-back write miss: only the cache
// page and metadata are touched; the backing device sees this data
// later via writeback.
func (e *Engine) writeMissWB(cb *directory.CB, req Request) error {
	checkHop(StepDirtyNoData, StepWmissCptCacheStart)
	cb.SetTransition(string(StepWmissCptCacheStart))

	if err := e.writeCachePage(cb, req.Data); err != nil {
		e.dir.MoveToInvalid(cb, true)

		return e.fail(err)
	}

	hash := bithash.Sum128Zero(req.Data)
	if err := e.writeMetadata(cb, layout.StateDirty, hash); err != nil {
		e.dir.MoveToInvalid(cb, true)

		return e.fail(err)
	}

	checkHop(StepWmissCptCacheStart, StepWmissCptCacheEnd)
	cb.SetTransition(string(StepWmissCptCacheEnd))

	checkHop(StepWmissCptCacheEnd, StepDirty)
	cb.SetTransition("")

	e.dir.MoveToDirty(cb)

	return nil
}

// writeHitWT is a full-page write-through write hit against an
// already-clean CB; cb's terminal state does not change, so it is
// only released, never moved between lists.
func (e *Engine) writeHitWT(ctx context.Context, cb *directory.CB, req Request) error {
	checkHop(StepClean, StepWhitCptDevStartio)
	cb.SetTransition(string(StepWhitCptDevStartio))

	if err := e.backing.WritePage(ctx, cb.Sector(), req.Data); err != nil {
		e.put(cb)

		return e.fail(err)
	}

	checkHop(StepWhitCptDevStartio, StepWhitCptDevEndio)
	cb.SetTransition(string(StepWhitCptDevEndio))

	if err := e.writeCachePage(cb, req.Data); err != nil {
		e.put(cb)

		return e.fail(err)
	}

	hash := bithash.Sum128Zero(req.Data)
	if err := e.writeMetadata(cb, layout.StateClean, hash); err != nil {
		e.put(cb)

		return e.fail(err)
	}

	checkHop(StepWhitCptDevEndio, StepWhitCptCacheEnd)
	cb.SetTransition(string(StepWhitCptCacheEnd))

	checkHop(StepWhitCptCacheEnd, StepClean)
	cb.SetTransition("")

	e.put(cb)

	return nil
}

// partialWriteHitWT is the sub-page write-through write hit: the
// existing page is read back, the write spliced in, and the merged
// page propagated through to the backing device (spec §4.6 "Partial
// write hit WT").
func (e *Engine) partialWriteHitWT(ctx context.Context, cb *directory.CB, req Request) error {
	checkHop(StepClean, StepPwhitCpfCacheStart)
	cb.SetTransition(string(StepPwhitCpfCacheStart))

	buf, err := e.readCachePage(cb)
	if err != nil {
		e.put(cb)

		return e.fail(err)
	}

	copy(buf[pageByteOffset(req):], req.Data)

	checkHop(StepPwhitCpfCacheStart, StepPwhitCptDevStartio)
	cb.SetTransition(string(StepPwhitCptDevStartio))

	if err := e.backing.WritePage(ctx, cb.Sector(), buf); err != nil {
		e.put(cb)

		return e.fail(err)
	}

	checkHop(StepPwhitCptDevStartio, StepPwhitCptDevEndio)
	cb.SetTransition(string(StepPwhitCptDevEndio))

	if err := e.writeCachePage(cb, buf); err != nil {
		e.put(cb)

		return e.fail(err)
	}

	hash := bithash.Sum128Zero(buf)
	if err := e.writeMetadata(cb, layout.StateClean, hash); err != nil {
		e.put(cb)

		return e.fail(err)
	}

	checkHop(StepPwhitCptDevEndio, StepPwhitCptCacheEnd)
	cb.SetTransition(string(StepPwhitCptCacheEnd))

	checkHop(StepPwhitCptCacheEnd, StepClean)
	cb.SetTransition("")

	e.put(cb)

	return nil
}

// writeHitWBClean is a full-page write-back write hit against a clean
// CB: it transitions the block to dirty without touching the backing
// device (spec §4.6 "Write hit WB (clean)").
func (e *Engine) writeHitWBClean(cb *directory.CB, req Request) error {
	checkHop(StepClean, StepDirtyWhitCptCacheStart)
	cb.SetTransition(string(StepDirtyWhitCptCacheStart))

	if err := e.writeCachePage(cb, req.Data); err != nil {
		e.put(cb)

		return e.fail(err)
	}

	hash := bithash.Sum128Zero(req.Data)
	if err := e.writeMetadata(cb, layout.StateDirty, hash); err != nil {
		e.put(cb)

		return e.fail(err)
	}

	checkHop(StepDirtyWhitCptCacheStart, StepDirtyWhitCptCacheEnd)
	cb.SetTransition(string(StepDirtyWhitCptCacheEnd))

	checkHop(StepDirtyWhitCptCacheEnd, StepDirty)
	cb.SetTransition("")

	e.dir.MoveToDirty(cb)

	return nil
}

// partialWriteHitWBClean is the sub-page counterpart: the existing
// page is read, merged, and rewritten, with the CB ending up dirty
// (spec §4.6 "Partial write hit WB (clean)").
func (e *Engine) partialWriteHitWBClean(cb *directory.CB, req Request) error {
	checkHop(StepClean, StepDirtyPwhitCpfCacheStart)
	cb.SetTransition(string(StepDirtyPwhitCpfCacheStart))

	buf, err := e.readCachePage(cb)
	if err != nil {
		e.put(cb)

		return e.fail(err)
	}

	copy(buf[pageByteOffset(req):], req.Data)

	checkHop(StepDirtyPwhitCpfCacheStart, StepDirtyPwhitCptCacheStart)
	cb.SetTransition(string(StepDirtyPwhitCptCacheStart))

	if err := e.writeCachePage(cb, buf); err != nil {
		e.put(cb)

		return e.fail(err)
	}

	hash := bithash.Sum128Zero(buf)
	if err := e.writeMetadata(cb, layout.StateDirty, hash); err != nil {
		e.put(cb)

		return e.fail(err)
	}

	checkHop(StepDirtyPwhitCptCacheStart, StepDirtyPwhitCptCacheEnd)
	cb.SetTransition(string(StepDirtyPwhitCptCacheEnd))

	checkHop(StepDirtyPwhitCptCacheEnd, StepDirty)
	cb.SetTransition("")

	e.dir.MoveToDirty(cb)

	return nil
}

// dirtyWriteClone handles a full-page write that hits a CB already
// dirty: rather than overwrite data a reader may be holding, a clone
// CB takes the new data and the original is invalidated (spec §4.6
// "Write hit WB (dirty, clone)", §9 design note).
func (e *Engine) dirtyWriteClone(ctx context.Context, original *directory.CB, req Request) error {
	_ = ctx

	clone, err := e.dir.GetClone(original)
	if err != nil {
		e.put(original)

		return ErrDeferred
	}

	checkHop(StepDirtyNoData, StepDwcCptCacheStart)
	clone.SetTransition(string(StepDwcCptCacheStart))

	if err := e.writeCachePage(clone, req.Data); err != nil {
		e.dir.MoveToInvalid(clone, true)
		e.put(original)

		return e.fail(err)
	}

	hash := bithash.Sum128Zero(req.Data)
	if err := e.writeMetadata(clone, layout.StateDirty, hash); err != nil {
		e.dir.MoveToInvalid(clone, true)
		e.put(original)

		return e.fail(err)
	}

	checkHop(StepDwcCptCacheStart, StepDwcCptCacheEnd)
	clone.SetTransition(string(StepDwcCptCacheEnd))

	checkHop(StepDwcCptCacheEnd, StepDirty)
	clone.SetTransition("")

	err = e.invalidateDirtyOriginal(original)
	e.dir.MoveToDirty(clone)

	return err
}

// partialDirtyWriteClone is the sub-page counterpart: the clone must
// first inherit the original's full page content before the partial
// write is spliced in (spec §4.6 "Partial write hit WB (dirty,
// clone)").
func (e *Engine) partialDirtyWriteClone(ctx context.Context, original *directory.CB, req Request) error {
	_ = ctx

	clone, err := e.dir.GetClone(original)
	if err != nil {
		e.put(original)

		return ErrDeferred
	}

	checkHop(StepDirtyNoData, StepDwcCpfOriginalCacheStart)
	clone.SetTransition(string(StepDwcCpfOriginalCacheStart))

	origPage, err := e.cache.GetPageForRead(pageIndex(original))
	if err != nil {
		e.dir.MoveToInvalid(clone, true)
		e.put(original)

		return e.fail(err)
	}

	clonePage, err := e.cache.GetPageForWrite(pageIndex(clone))
	if err != nil {
		_ = e.cache.PutPage(origPage)
		e.dir.MoveToInvalid(clone, true)
		e.put(original)

		return e.fail(err)
	}

	if err := e.cache.CloneReadPageToWritePage(clonePage, origPage); err != nil {
		_ = e.cache.PutPage(origPage)
		e.dir.MoveToInvalid(clone, true)
		e.put(original)

		return e.fail(err)
	}

	if err := e.cache.PutPage(origPage); err != nil {
		e.dir.MoveToInvalid(clone, true)
		e.put(original)

		return e.fail(err)
	}

	checkHop(StepDwcCpfOriginalCacheStart, StepDwcCptCloneCacheStart)
	clone.SetTransition(string(StepDwcCptCloneCacheStart))

	copy(clonePage.Bytes[pageByteOffset(req):], req.Data)
	hash := bithash.Sum128Zero(clonePage.Bytes)

	if err := e.cache.PutPage(clonePage); err != nil {
		e.dir.MoveToInvalid(clone, true)
		e.put(original)

		return e.fail(err)
	}

	if err := e.writeMetadata(clone, layout.StateDirty, hash); err != nil {
		e.dir.MoveToInvalid(clone, true)
		e.put(original)

		return e.fail(err)
	}

	checkHop(StepDwcCptCloneCacheStart, StepDwcCptCloneCacheEnd)
	clone.SetTransition(string(StepDwcCptCloneCacheEnd))

	checkHop(StepDwcCptCloneCacheEnd, StepDirty)
	clone.SetTransition("")

	err = e.invalidateDirtyOriginal(original)
	e.dir.MoveToDirty(clone)

	return err
}

func (e *Engine) invalidateDirtyOriginal(original *directory.CB) error {
	e.counters.dirtyInvalidates.Add(1)

	checkHop(StepDirty, StepDirtyInvalidateStart)
	original.SetTransition(string(StepDirtyInvalidateStart))

	checkHop(StepDirtyInvalidateStart, StepDirtyInvalidateEnd)
	original.SetTransition(string(StepDirtyInvalidateEnd))

	checkHop(StepDirtyInvalidateEnd, StepInvalid)
	original.SetTransition("")

	e.dir.MoveToInvalid(original, true)

	return nil
}

// partialWriteMiss reads the backing device's existing page content
// (there is no cached copy to splice into on a miss), merges the
// partial write, and finishes per cache mode: write-through also
// propagates the merged page back to the backing device before
// marking clean; write-back only updates the cache and marks dirty
// (spec §4.6 "Partial write miss" rows).
func (e *Engine) partialWriteMiss(ctx context.Context, cb *directory.CB, req Request, mode CacheMode) error {
	checkHop(StepCleanNoData, StepPwmissCpfDevStartio)

	wasDirty := mode == ModeWriteBack
	if wasDirty {
		checkHop(StepDirtyNoData, StepPwmissCpfDevStartio)
	}

	cb.SetTransition(string(StepPwmissCpfDevStartio))

	buf := make([]byte, layout.PageSize)

	if err := e.backing.ReadPage(cb.Sector(), buf); err != nil {
		e.dir.MoveToInvalid(cb, wasDirty)

		return e.fail(err)
	}

	checkHop(StepPwmissCpfDevStartio, StepPwmissCpfDevEndio)
	cb.SetTransition(string(StepPwmissCpfDevEndio))

	copy(buf[pageByteOffset(req):], req.Data)

	if mode == ModeWriteThrough {
		checkHop(StepPwmissCpfDevEndio, StepPwmissCptDevEndio)
		cb.SetTransition(string(StepPwmissCptDevEndio))

		if err := e.backing.WritePage(ctx, cb.Sector(), buf); err != nil {
			e.dir.MoveToInvalid(cb, false)

			return e.fail(err)
		}

		checkHop(StepPwmissCptDevEndio, StepPwmissCptCacheEnd)
	} else {
		checkHop(StepPwmissCpfDevEndio, StepPwmissCptCacheEnd)
	}

	cb.SetTransition(string(StepPwmissCptCacheEnd))

	if err := e.writeCachePage(cb, buf); err != nil {
		e.dir.MoveToInvalid(cb, wasDirty)

		return e.fail(err)
	}

	finalOnMedia := layout.StateClean
	finalStep := StepClean

	if mode == ModeWriteBack {
		finalOnMedia = layout.StateDirty
		finalStep = StepDirty
	}

	hash := bithash.Sum128Zero(buf)
	if err := e.writeMetadata(cb, finalOnMedia, hash); err != nil {
		e.dir.MoveToInvalid(cb, wasDirty)

		return e.fail(err)
	}

	checkHop(StepPwmissCptCacheEnd, finalStep)
	cb.SetTransition("")

	if mode == ModeWriteThrough {
		e.dir.MoveToClean(cb)
	} else {
		e.dir.MoveToDirty(cb)
	}

	return nil
}

func (e *Engine) writeCachePage(cb *directory.CB, data []byte) error {
	page, err := e.cache.GetPageForWrite(pageIndex(cb))
	if err != nil {
		return err
	}

	copy(page.Bytes, data)

	return e.cache.PutPage(page)
}

func (e *Engine) readCachePage(cb *directory.CB) ([]byte, error) {
	page, err := e.cache.GetPageForRead(pageIndex(cb))
	if err != nil {
		return nil, err
	}

	buf := make([]byte, layout.PageSize)
	copy(buf, page.Bytes)

	return buf, e.cache.PutPage(page)
}
