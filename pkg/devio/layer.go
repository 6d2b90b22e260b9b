package devio

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	// defaultFUADistance is K from spec §4.7: a write whose gen runs this
	// far ahead of the last flush carries REQ_FLUSH|REQ_FUA itself.
	defaultFUADistance = 4

	// defaultWorkerInterval is the periodic flush worker's polling period.
	defaultWorkerInterval = 10 * time.Millisecond
)

// pendingWrite is a write that completed at the device but is not yet
// durable: it sits on the flush-pending list until a flush whose
// gen_flush is >= its gen fires.
type pendingWrite struct {
	gen  uint64
	done chan error
}

// Layer implements the devio pending/flush-pending durability protocol
// over a single BlockDevice (spec §4.7).
type Layer struct {
	dev BlockDevice

	fuaDistance uint64
	workerDelay time.Duration

	mu           sync.Mutex
	gen          uint64
	genFlushLast uint64
	flushPending []*pendingWrite
	flushing     bool
}

// New wraps dev with devio's FLUSH+FUA bookkeeping. A zero fuaDistance
// takes the spec default of 4.
func New(dev BlockDevice, fuaDistance uint64) *Layer {
	if fuaDistance == 0 {
		fuaDistance = defaultFUADistance
	}

	return &Layer{
		dev:         dev,
		fuaDistance: fuaDistance,
		workerDelay: defaultWorkerInterval,
	}
}

// SetWorkerDelay configures the periodic flush worker's interval
// (control-plane "devio_worker_delay", 1..100 ms).
func (l *Layer) SetWorkerDelay(d time.Duration) {
	l.mu.Lock()
	l.workerDelay = d
	l.mu.Unlock()
}

// SetFUADistance configures K (control-plane "devio_fua_insert").
func (l *Layer) SetFUADistance(k uint64) {
	l.mu.Lock()
	l.fuaDistance = k
	l.mu.Unlock()
}

// ReadPage reads sector's backing-device page. Reads are acknowledged
// to the caller as soon as the device completes them (spec §4.7).
func (l *Layer) ReadPage(sector uint64, buf []byte) error {
	off := int64(sector) * sectorSize

	if _, err := l.dev.ReadAt(buf, off); err != nil {
		return fmt.Errorf("devio: read sector %d: %w", sector, err)
	}

	return nil
}

const sectorSize = 512

// WritePage submits a write and returns once it is durable: either
// because this write itself carried the FUA flush (gen ran ahead of
// gen_flush_last by more than the configured distance), or because it
// waited for a later flush (periodic worker or another write's inline
// flush) to cover its generation.
func (l *Layer) WritePage(ctx context.Context, sector uint64, buf []byte) error {
	off := int64(sector) * sectorSize

	l.mu.Lock()
	l.gen++
	myGen := l.gen
	distance := l.fuaDistance
	l.mu.Unlock()

	if _, err := l.dev.WriteAt(buf, off); err != nil {
		return fmt.Errorf("devio: write sector %d: %w", sector, err)
	}

	done := make(chan error, 1)

	l.mu.Lock()
	aheadByMoreThanK := myGen-l.genFlushLast > distance
	l.flushPending = append(l.flushPending, &pendingWrite{gen: myGen, done: done})
	l.mu.Unlock()

	// The write joins the flush-pending list before flushing, so only a
	// flush issued after its device write completed acknowledges it: its
	// own, or the next one if another flush was already in flight.
	if aheadByMoreThanK {
		_ = l.flush()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerFlush issues a pure-flush bio if the flush-pending list is
// non-empty and no flush is currently in flight; it is the periodic
// worker's action and may also be called directly (e.g. on cache
// mode switch to write-through, or teardown).
func (l *Layer) TriggerFlush() error {
	l.mu.Lock()
	if len(l.flushPending) == 0 || l.flushing {
		l.mu.Unlock()

		return nil
	}
	l.mu.Unlock()

	return l.flush()
}

func (l *Layer) flush() error {
	l.mu.Lock()
	if l.flushing {
		l.mu.Unlock()

		return nil
	}

	l.flushing = true
	// Only writes already on the flush-pending list when the flush is
	// issued have completed at the device, so only they are covered.
	submitGen := l.gen
	covered := len(l.flushPending)
	l.mu.Unlock()

	err := l.dev.Flush()

	l.mu.Lock()
	l.flushing = false

	if err == nil {
		l.genFlushLast = submitGen
	}

	for _, pw := range l.flushPending[:covered] {
		pw.done <- err
	}

	l.flushPending = append(l.flushPending[:0], l.flushPending[covered:]...)
	l.mu.Unlock()

	return err
}

// StartWorker launches the periodic flush worker; call the returned
// stop function to shut it down (spec §5 teardown sequencing: devio
// workers stop before the directory is torn down).
func (l *Layer) StartWorker() (stop func()) {
	l.mu.Lock()
	delay := l.workerDelay
	l.mu.Unlock()

	stopCh := make(chan struct{})
	stoppedCh := make(chan struct{})

	go func() {
		defer close(stoppedCh)

		ticker := time.NewTicker(delay)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				_ = l.TriggerFlush()
			}
		}
	}()

	return func() {
		close(stopCh)
		<-stoppedCh
	}
}

// Stats reports the devio layer's current bookkeeping, for the
// "kthreads" key of the observability surface.
type Stats struct {
	Gen             uint64
	GenFlushLast    uint64
	FlushPendingLen int
	FlushInFlight   bool
}

func (l *Layer) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		Gen:             l.gen,
		GenFlushLast:    l.genFlushLast,
		FlushPendingLen: len(l.flushPending),
		FlushInFlight:   l.flushing,
	}
}
