package engine

import "sync/atomic"

// Stats is a snapshot of the engine's request counters, rendered by the
// control plane's "stats"/"stats_extra" observability keys (spec §6).
// Counters are eventually consistent with each other: a reader may see a
// request counted in Reads before its hit/miss outcome lands (spec §9
// "reads of multiple counters together are not atomic").
type Stats struct {
	Reads  int64
	Writes int64

	ReadHits    int64
	ReadMisses  int64
	WriteHits   int64
	WriteMisses int64

	FlushRequests   int64
	DiscardRequests int64

	DirtyWriteClones    int64
	Writebacks          int64
	WritebackInvalidates int64
	CleanInvalidates    int64
	DirtyInvalidates    int64

	// ReadCachedDeviceRequests / WriteCachedDeviceRequests count backing
	// device I/Os issued on behalf of cached blocks (miss fills, WT
	// propagation, writeback flushes) — bypass traffic is counted
	// separately under BypassForwards.
	ReadCachedDeviceRequests  int64
	WriteCachedDeviceRequests int64

	BypassForwards int64

	DeferredWaitBusy int64
	DeferredWaitPage int64
}

// counters holds the live atomics behind Stats.
type counters struct {
	reads  atomic.Int64
	writes atomic.Int64

	readHits    atomic.Int64
	readMisses  atomic.Int64
	writeHits   atomic.Int64
	writeMisses atomic.Int64

	flushRequests   atomic.Int64
	discardRequests atomic.Int64

	dirtyWriteClones     atomic.Int64
	writebacks           atomic.Int64
	writebackInvalidates atomic.Int64
	cleanInvalidates     atomic.Int64
	dirtyInvalidates     atomic.Int64

	readCachedDev  atomic.Int64
	writeCachedDev atomic.Int64

	bypassForwards atomic.Int64

	deferredWaitBusy atomic.Int64
	deferredWaitPage atomic.Int64
}

// Stats returns a point-in-time copy of the engine's counters.
func (e *Engine) Stats() Stats {
	c := &e.counters

	return Stats{
		Reads:  c.reads.Load(),
		Writes: c.writes.Load(),

		ReadHits:    c.readHits.Load(),
		ReadMisses:  c.readMisses.Load(),
		WriteHits:   c.writeHits.Load(),
		WriteMisses: c.writeMisses.Load(),

		FlushRequests:   c.flushRequests.Load(),
		DiscardRequests: c.discardRequests.Load(),

		DirtyWriteClones:     c.dirtyWriteClones.Load(),
		Writebacks:           c.writebacks.Load(),
		WritebackInvalidates: c.writebackInvalidates.Load(),
		CleanInvalidates:     c.cleanInvalidates.Load(),
		DirtyInvalidates:     c.dirtyInvalidates.Load(),

		ReadCachedDeviceRequests:  c.readCachedDev.Load(),
		WriteCachedDeviceRequests: c.writeCachedDev.Load(),

		BypassForwards: c.bypassForwards.Load(),

		DeferredWaitBusy: c.deferredWaitBusy.Load(),
		DeferredWaitPage: c.deferredWaitPage.Load(),
	}
}

// ZeroStats resets every counter (control-plane "zero_stats").
func (e *Engine) ZeroStats() {
	c := &e.counters

	for _, a := range []*atomic.Int64{
		&c.reads, &c.writes,
		&c.readHits, &c.readMisses, &c.writeHits, &c.writeMisses,
		&c.flushRequests, &c.discardRequests,
		&c.dirtyWriteClones, &c.writebacks, &c.writebackInvalidates,
		&c.cleanInvalidates, &c.dirtyInvalidates,
		&c.readCachedDev, &c.writeCachedDev,
		&c.bypassForwards,
		&c.deferredWaitBusy, &c.deferredWaitPage,
	} {
		a.Store(0)
	}
}

// Trace returns the current 16-bit trace value; the low byte is the
// state-machine mask, the high byte the device-I/O mask (spec §6
// "trace (16-bit integer, two 8-bit trace masks)").
func (e *Engine) Trace() uint16 {
	return uint16(e.trace.Load())
}

// SetTrace stores the two 8-bit trace masks (control-plane "trace").
func (e *Engine) SetTrace(v uint16) {
	e.trace.Store(uint32(v))
}

// TraceMasks splits the trace value into its state-machine (low byte)
// and device (high byte) masks.
func (e *Engine) TraceMasks() (sm, dev uint8) {
	v := e.Trace()

	return uint8(v & 0xff), uint8(v >> 8)
}
