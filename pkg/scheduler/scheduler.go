// Package scheduler implements the retry loop spec §4.5 describes for
// requests the engine cannot service immediately: a request that hit a
// busy CB goes on the wait-busy queue, a miss that found no invalid CB
// goes on the wait-page queue, and a periodic worker retries both
// until each request either completes or its context is canceled.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/bittern-cache/bittern/pkg/engine"
)

const defaultRetryDelay = 5 * time.Millisecond

// pending is one request waiting for a CB to free up.
type pending struct {
	ctx      context.Context
	req      engine.Request
	out      chan engine.Result
	enqueued time.Time
}

// Scheduler retries engine.Map calls that returned engine.ErrWaitBusy,
// engine.ErrWaitPage, or engine.ErrDeferred, instead of handing that
// backpressure straight back to the caller.
type Scheduler struct {
	eng *engine.Engine

	mu         sync.Mutex
	waitBusy   []*pending
	waitPage   []*pending
	retryDelay time.Duration

	// backpressure observation, spec §4.5: "each queue records its
	// curr/max depth, requeue count, and time spent pending".
	waitBusyMax int
	waitPageMax int
	requeues    int64
	timePending time.Duration

	stopCh    chan struct{}
	stoppedCh chan struct{}
	started   bool
}

// New creates a Scheduler over eng. Call Start to launch its retry
// worker.
func New(eng *engine.Engine) *Scheduler {
	return &Scheduler{eng: eng, retryDelay: defaultRetryDelay}
}

// SetRetryDelay configures the worker's polling period (control-plane
// "scheduler_retry_delay").
func (s *Scheduler) SetRetryDelay(d time.Duration) {
	s.mu.Lock()
	s.retryDelay = d
	s.mu.Unlock()
}

// Submit attempts req immediately; if the engine reports contention
// rather than a hard failure, the request is queued and retried by the
// worker until it resolves or ctx is canceled.
func (s *Scheduler) Submit(ctx context.Context, req engine.Request) <-chan engine.Result {
	res := <-s.eng.Map(ctx, req)

	out := make(chan engine.Result, 1)

	switch res.Err {
	case engine.ErrWaitBusy:
		s.enqueue(&s.waitBusy, &pending{ctx: ctx, req: req, out: out, enqueued: time.Now()})
	case engine.ErrWaitPage, engine.ErrDeferred:
		s.enqueue(&s.waitPage, &pending{ctx: ctx, req: req, out: out, enqueued: time.Now()})
	default:
		out <- res
	}

	return out
}

func (s *Scheduler) enqueue(queue *[]*pending, p *pending) {
	s.mu.Lock()
	*queue = append(*queue, p)

	if n := len(s.waitBusy); n > s.waitBusyMax {
		s.waitBusyMax = n
	}

	if n := len(s.waitPage); n > s.waitPageMax {
		s.waitPageMax = n
	}

	s.mu.Unlock()
}

// Start launches the retry worker; Stop shuts it down. Calling Start
// while the worker already runs does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()

		return
	}

	s.started = true
	delay := s.retryDelay
	s.stopCh = make(chan struct{})
	s.stoppedCh = make(chan struct{})
	s.mu.Unlock()

	go s.run(delay)
}

// Stop shuts down the retry worker. Queued requests are abandoned
// (their channels never receive a value); callers should pass a
// cancelable context to Submit if they need a bounded wait.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()

		return
	}

	s.started = false
	stopCh := s.stopCh
	stoppedCh := s.stoppedCh
	s.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

func (s *Scheduler) run(delay time.Duration) {
	defer close(s.stoppedCh)

	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.retryOnce()
		}
	}
}

func (s *Scheduler) retryOnce() {
	s.drain(&s.waitBusy)
	s.drain(&s.waitPage)
}

// drain pops every entry currently on queue and retries each; entries
// that are still contended are re-enqueued at the tail, preserving
// rough FIFO order across retry rounds.
func (s *Scheduler) drain(queue *[]*pending) {
	s.mu.Lock()
	batch := *queue
	*queue = nil
	s.mu.Unlock()

	for _, p := range batch {
		if p.ctx.Err() != nil {
			s.settle(p)
			p.out <- engine.Result{Err: p.ctx.Err()}

			continue
		}

		res := <-s.eng.Map(p.ctx, p.req)

		switch res.Err {
		case engine.ErrWaitBusy:
			s.requeue(&s.waitBusy, p)
		case engine.ErrWaitPage, engine.ErrDeferred:
			s.requeue(&s.waitPage, p)
		default:
			s.settle(p)
			p.out <- res
		}
	}
}

func (s *Scheduler) requeue(queue *[]*pending, p *pending) {
	s.mu.Lock()
	s.requeues++
	s.mu.Unlock()

	s.enqueue(queue, p)
}

// settle accounts the time p spent on a deferred queue once it leaves
// for good.
func (s *Scheduler) settle(p *pending) {
	s.mu.Lock()
	s.timePending += time.Since(p.enqueued)
	s.mu.Unlock()
}

// Stats reports the deferred queues' backpressure observation counters
// (spec §4.5): current and high-water depths, total requeues, and
// cumulative time requests spent pending.
type Stats struct {
	WaitBusyLen int
	WaitPageLen int
	WaitBusyMax int
	WaitPageMax int
	Requeues    int64
	TimePending time.Duration
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		WaitBusyLen: len(s.waitBusy),
		WaitPageLen: len(s.waitPage),
		WaitBusyMax: s.waitBusyMax,
		WaitPageMax: s.waitPageMax,
		Requeues:    s.requeues,
		TimePending: s.timePending,
	}
}

// QueuedRequest is a point-in-time description of one deferred request,
// for the "dump_blocks_deferred*" control commands.
type QueuedRequest struct {
	Sector uint64
	Write  bool
	Length int
}

// DumpWaitBusy and DumpWaitPage snapshot the deferred queues head to
// tail.
func (s *Scheduler) DumpWaitBusy() []QueuedRequest { return s.dump(&s.waitBusy) }
func (s *Scheduler) DumpWaitPage() []QueuedRequest { return s.dump(&s.waitPage) }

func (s *Scheduler) dump(queue *[]*pending) []QueuedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]QueuedRequest, 0, len(*queue))

	for _, p := range *queue {
		out = append(out, QueuedRequest{Sector: p.req.Sector, Write: p.req.Write, Length: p.req.Length})
	}

	return out
}
