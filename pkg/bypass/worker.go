package bypass

import (
	"sync"
	"time"
)

const defaultReapTick = time.Second

// Worker periodically reaps idle streams from a Detector (spec §4.10:
// "Streams with no hit for bypass_timeout milliseconds ... are
// reclaimed by a periodic worker").
type Worker struct {
	det *Detector

	mu   sync.Mutex
	tick time.Duration

	stopCh    chan struct{}
	stoppedCh chan struct{}
	started   bool
}

func NewWorker(det *Detector) *Worker {
	return &Worker{det: det, tick: defaultReapTick}
}

func (w *Worker) SetTick(d time.Duration) {
	w.mu.Lock()
	w.tick = d
	w.mu.Unlock()
}

func (w *Worker) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()

		return
	}

	w.started = true
	tick := w.tick
	w.stopCh = make(chan struct{})
	w.stoppedCh = make(chan struct{})
	w.mu.Unlock()

	go w.run(tick)
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()

		return
	}

	w.started = false
	stopCh := w.stopCh
	stoppedCh := w.stoppedCh
	w.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

func (w *Worker) run(tick time.Duration) {
	defer close(w.stoppedCh)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.det.Reap(time.Now())
		}
	}
}
