// Package bypass implements the sequential-I/O bypass detector (spec
// §4.10): independent read and write trackers recognize long
// sequential per-process streams and mark them to skip the cache
// directory entirely, forwarding straight to the backing device.
package bypass

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bittern-cache/bittern/pkg/layout"
)

const maxStreams = 32

// Config holds one direction's tunables (spec §4.10 "read_bypass_*" /
// "write_bypass_*" control-plane knobs).
type Config struct {
	Enabled        bool
	ThresholdBytes int64
	Timeout        time.Duration
}

// DefaultReadConfig matches spec §4.10's stated default: 128 KiB.
func DefaultReadConfig() Config {
	return Config{Enabled: true, ThresholdBytes: 128 * 1024, Timeout: 5 * time.Second}
}

// DefaultWriteConfig matches spec §4.10's stated default: 8000 KiB.
func DefaultWriteConfig() Config {
	return Config{Enabled: true, ThresholdBytes: 8000 * 1024, Timeout: 5 * time.Second}
}

type streamKey struct {
	pid uint32
}

type stream struct {
	pid        uint32
	lastSector uint64
	length     int64
	lastSeen   time.Time
	elem       *list.Element
}

// tracker maintains up to maxStreams per-process stream records for
// one direction, evicting least-recently-used entries (spec §4.10:
// "sequential-tracker spinlock per-direction guards the LRU of
// streams").
type tracker struct {
	mu      sync.Mutex
	cfg     Config
	streams map[streamKey]*stream
	lru     *list.List // front = most recently used

	hits int64
}

func newTracker(cfg Config) *tracker {
	return &tracker{cfg: cfg, streams: map[streamKey]*stream{}, lru: list.New()}
}

func (t *tracker) setConfig(cfg Config) {
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
}

// observe records one request on this direction's tracker and reports
// whether it should bypass the cache.
func (t *tracker) observe(pid uint32, sector uint64, lengthBytes int, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.cfg.Enabled {
		return false
	}

	key := streamKey{pid: pid}
	s, ok := t.streams[key]

	sectors := uint64(lengthBytes) / layout.SectorSize
	if lengthBytes%layout.SectorSize != 0 {
		sectors++
	}

	if !ok || s.lastSector != sector {
		s = t.newStream(key, sector, now)
	}

	s.length += int64(lengthBytes)
	s.lastSector = sector + sectors
	s.lastSeen = now
	t.lru.MoveToFront(s.elem)

	bypass := s.length > t.cfg.ThresholdBytes
	if bypass {
		t.hits++
	}

	return bypass
}

func (t *tracker) newStream(key streamKey, sector uint64, now time.Time) *stream {
	if existing, ok := t.streams[key]; ok {
		t.lru.Remove(existing.elem)
		delete(t.streams, key)
	}

	if t.lru.Len() >= maxStreams {
		back := t.lru.Back()
		if back != nil {
			evict := back.Value.(*stream)
			t.lru.Remove(back)
			delete(t.streams, streamKey{pid: evict.pid})
		}
	}

	s := &stream{pid: key.pid, lastSector: sector, lastSeen: now}
	s.elem = t.lru.PushFront(s)
	t.streams[key] = s

	return s
}

// reap evicts streams idle for longer than the configured timeout.
func (t *tracker) reap(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for e := t.lru.Back(); e != nil; {
		s := e.Value.(*stream)
		if now.Sub(s.lastSeen) < t.cfg.Timeout {
			break
		}

		prev := e.Prev()
		t.lru.Remove(e)
		delete(t.streams, streamKey{pid: s.pid})
		e = prev
	}
}

func (t *tracker) hitCount() int64 {
	return atomic.LoadInt64(&t.hits)
}

// Detector wraps the independent read and write trackers (spec
// §4.10).
type Detector struct {
	read  *tracker
	write *tracker
}

// New creates a Detector with the given per-direction configs.
func New(readCfg, writeCfg Config) *Detector {
	return &Detector{read: newTracker(readCfg), write: newTracker(writeCfg)}
}

// SetReadConfig updates the read tracker's tunables.
func (d *Detector) SetReadConfig(cfg Config) { d.read.setConfig(cfg) }

// SetWriteConfig updates the write tracker's tunables.
func (d *Detector) SetWriteConfig(cfg Config) { d.write.setConfig(cfg) }

// Observe records one request and reports whether it should bypass
// the cache (subject to the caller separately confirming it does not
// hit an existing valid CB, per spec §4.10: "A request is never
// bypassed if it hits an existing valid CB").
func (d *Detector) Observe(write bool, pid uint32, sector uint64, lengthBytes int, now time.Time) bool {
	if write {
		return d.write.observe(pid, sector, lengthBytes, now)
	}

	return d.read.observe(pid, sector, lengthBytes, now)
}

// Reap evicts idle streams on both trackers; call periodically from a
// background worker.
func (d *Detector) Reap(now time.Time) {
	d.read.reap(now)
	d.write.reap(now)
}

// ReadBypassHits / WriteBypassHits expose the control-plane
// "read_sequential_bypass_hit" / "write_sequential_bypass_hit"
// counters (spec §6 observability, scenario 6).
func (d *Detector) ReadBypassHits() int64  { return d.read.hitCount() }
func (d *Detector) WriteBypassHits() int64 { return d.write.hitCount() }

// ZeroStats resets both directions' hit counters (control-plane
// "zero_stats").
func (d *Detector) ZeroStats() {
	atomic.StoreInt64(&d.read.hits, 0)
	atomic.StoreInt64(&d.write.hits, 0)
}
