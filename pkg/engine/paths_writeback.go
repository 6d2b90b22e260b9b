package engine

import (
	"context"

	"github.com/bittern-cache/bittern/pkg/bithash"
	"github.com/bittern-cache/bittern/pkg/directory"
	"github.com/bittern-cache/bittern/pkg/layout"
)

// Writeback flushes a dirty CB's data to the backing device and marks
// it clean (spec §4.6 "Writeback (-> clean)"). cb must already be held
// (e.g. via directory.GetDirtyFromHead); Writeback always releases it.
func (e *Engine) Writeback(ctx context.Context, cb *directory.CB) error {
	e.counters.writebacks.Add(1)
	e.counters.writeCachedDev.Add(1)

	checkHop(StepDirty, StepWbCpfCacheStart)
	cb.SetTransition(string(StepWbCpfCacheStart))

	buf, err := e.readCachePage(cb)
	if err != nil {
		e.put(cb)

		return e.fail(err)
	}

	checkHop(StepWbCpfCacheStart, StepWbCpfCacheEnd)
	cb.SetTransition(string(StepWbCpfCacheEnd))

	if err := e.backing.WritePage(ctx, cb.Sector(), buf); err != nil {
		e.put(cb)

		return e.fail(err)
	}

	checkHop(StepWbCpfCacheEnd, StepWbCptDevEndio)
	cb.SetTransition(string(StepWbCptDevEndio))

	hash := bithash.Sum128Zero(buf)
	if err := e.writeMetadata(cb, layout.StateClean, hash); err != nil {
		e.put(cb)

		return e.fail(err)
	}

	checkHop(StepWbCptDevEndio, StepWbUpdMetadataEnd)
	cb.SetTransition(string(StepWbUpdMetadataEnd))

	checkHop(StepWbUpdMetadataEnd, StepClean)
	cb.SetTransition("")

	e.dir.MoveToClean(cb)

	return nil
}

// WritebackAndInvalidate flushes a dirty CB to the backing device and
// then discards it entirely, returning its slot to the invalid pool
// (spec §4.6 "Writeback-and-invalidate"), used when the invalidator
// needs a dirty block reclaimed rather than kept clean.
func (e *Engine) WritebackAndInvalidate(ctx context.Context, cb *directory.CB) error {
	e.counters.writebackInvalidates.Add(1)
	e.counters.writeCachedDev.Add(1)

	checkHop(StepDirty, StepWbInvCpfCacheStart)
	cb.SetTransition(string(StepWbInvCpfCacheStart))

	buf, err := e.readCachePage(cb)
	if err != nil {
		e.put(cb)

		return e.fail(err)
	}

	checkHop(StepWbInvCpfCacheStart, StepWbInvCpfCacheEnd)
	cb.SetTransition(string(StepWbInvCpfCacheEnd))

	if err := e.backing.WritePage(ctx, cb.Sector(), buf); err != nil {
		e.put(cb)

		return e.fail(err)
	}

	checkHop(StepWbInvCpfCacheEnd, StepWbInvCptDevEndio)
	cb.SetTransition(string(StepWbInvCptDevEndio))

	if err := e.writeMetadata(cb, layout.StateInvalid, bithash.Sum128{}); err != nil {
		e.put(cb)

		return e.fail(err)
	}

	checkHop(StepWbInvCptDevEndio, StepWbInvUpdMetadataEnd)
	cb.SetTransition(string(StepWbInvUpdMetadataEnd))

	checkHop(StepWbInvUpdMetadataEnd, StepInvalid)
	cb.SetTransition("")

	e.dir.MoveToInvalid(cb, true)

	return nil
}
