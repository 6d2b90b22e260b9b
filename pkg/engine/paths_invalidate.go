package engine

import (
	"github.com/bittern-cache/bittern/pkg/bithash"
	"github.com/bittern-cache/bittern/pkg/directory"
	"github.com/bittern-cache/bittern/pkg/layout"
)

// CleanInvalidate discards a clean CB's cached data outright, without
// touching the backing device (spec §4.6 "Clean invalidate"), used by
// the invalidator to maintain the minimum invalid-block pool. cb must
// already be held (e.g. via directory.GetClean); CleanInvalidate
// always releases it.
func (e *Engine) CleanInvalidate(cb *directory.CB) error {
	e.counters.cleanInvalidates.Add(1)

	checkHop(StepClean, StepCleanInvalidateStart)
	cb.SetTransition(string(StepCleanInvalidateStart))

	if err := e.writeMetadata(cb, layout.StateInvalid, bithash.Sum128{}); err != nil {
		e.put(cb)

		return e.fail(err)
	}

	checkHop(StepCleanInvalidateStart, StepCleanInvalidateEnd)
	cb.SetTransition(string(StepCleanInvalidateEnd))

	checkHop(StepCleanInvalidateEnd, StepInvalid)
	cb.SetTransition("")

	e.dir.MoveToInvalid(cb, false)

	return nil
}
