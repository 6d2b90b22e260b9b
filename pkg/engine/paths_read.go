package engine

import (
	"context"

	"github.com/bittern-cache/bittern/pkg/bithash"
	"github.com/bittern-cache/bittern/pkg/directory"
	"github.com/bittern-cache/bittern/pkg/layout"
)

// readHit copies the requested slice out of an already-cached page
// (spec §4.6 "Read hit": valid -> read_hit_cpf_cache_start ->
// read_hit_cpf_cache_end -> valid). State does not change, so cb stays
// on whatever list it was already on.
func (e *Engine) readHit(cb *directory.CB, req Request) error {
	checkHop(StepValid, StepReadHitCpfCacheStart)
	cb.SetTransition(string(StepReadHitCpfCacheStart))

	page, err := e.cache.GetPageForRead(pageIndex(cb))
	if err != nil {
		e.put(cb)

		return e.fail(err)
	}

	copy(req.Data, page.Bytes[pageByteOffset(req):])

	if err := e.cache.PutPage(page); err != nil {
		e.put(cb)

		return e.fail(err)
	}

	checkHop(StepReadHitCpfCacheStart, StepReadHitCpfCacheEnd)
	cb.SetTransition(string(StepReadHitCpfCacheEnd))

	checkHop(StepReadHitCpfCacheEnd, StepValid)
	cb.SetTransition("")

	e.put(cb)

	return nil
}

// readMiss pulls the governing page in from the backing device, seeds
// the cache with it, and answers the request out of the freshly
// cached page (spec §4.6 "Read miss").
func (e *Engine) readMiss(ctx context.Context, cb *directory.CB, req Request) error {
	checkHop(StepCleanNoData, StepReadMissCpfDevStartio)
	cb.SetTransition(string(StepReadMissCpfDevStartio))

	buf := make([]byte, layout.PageSize)

	if err := e.backing.ReadPage(cb.Sector(), buf); err != nil {
		e.dir.MoveToInvalid(cb, false)

		return e.fail(err)
	}

	_ = ctx // reads are not FUA-gated; ctx is accepted for symmetry with write paths

	checkHop(StepReadMissCpfDevStartio, StepReadMissCpfDevEndio)
	cb.SetTransition(string(StepReadMissCpfDevEndio))

	copy(req.Data, buf[pageByteOffset(req):])

	page, err := e.cache.GetPageForWrite(pageIndex(cb))
	if err != nil {
		e.dir.MoveToInvalid(cb, false)

		return e.fail(err)
	}

	copy(page.Bytes, buf)

	if err := e.cache.PutPage(page); err != nil {
		e.dir.MoveToInvalid(cb, false)

		return e.fail(err)
	}

	hash := bithash.Sum128Zero(buf)
	if err := e.writeMetadata(cb, layout.StateClean, hash); err != nil {
		e.dir.MoveToInvalid(cb, false)

		return e.fail(err)
	}

	checkHop(StepReadMissCpfDevEndio, StepReadMissCptCacheEnd)
	cb.SetTransition(string(StepReadMissCptCacheEnd))

	checkHop(StepReadMissCptCacheEnd, StepClean)
	cb.SetTransition("")

	e.dir.MoveToClean(cb)

	return nil
}
