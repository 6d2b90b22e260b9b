// Package config loads and saves Bittern's tunables file: a JSONC
// document holding the subset of spec §6's control-plane knobs that
// make sense to pin at startup (the rest are runtime-only, reachable
// solely via ControlSet). Loading follows the same defaults-then-file
// precedence the rest of the ecosystem uses for JSONC config files;
// saving round-trips through a temp-file-plus-rename so a crash mid
// write never leaves a torn tunables file behind.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"

	"github.com/bittern-cache/bittern/pkg/fs"
)

var (
	// ErrFileNotFound is returned by Load when an explicitly given path
	// does not exist.
	ErrFileNotFound = errors.New("config: tunables file not found")
	// ErrInvalid wraps a JSONC parse or JSON-shape error.
	ErrInvalid = errors.New("config: invalid tunables file")
)

// BypassConfig mirrors pkg/bypass.Config's serialized shape.
type BypassConfig struct {
	Enabled        bool  `json:"enabled"`
	ThresholdBytes int64 `json:"threshold_bytes"`
	TimeoutMs      int   `json:"timeout_ms"`
}

// Tunables is the on-disk shape of Bittern's config file, covering the
// control-plane keys of spec §6 that are meaningful as startup
// defaults.
type Tunables struct {
	MaxPendingRequests int `json:"max_pending_requests,omitempty"`

	BGWriterGreedyness       int    `json:"bgwriter_conf_greedyness,omitempty"`
	BGWriterClusterSize      int    `json:"bgwriter_conf_cluster_size,omitempty"`
	BGWriterMaxQueueDepthPct int    `json:"bgwriter_conf_max_queue_depth_pct,omitempty"`
	BGWriterPolicy           string `json:"bgwriter_conf_policy,omitempty"`
	InvalidatorMinInvalid    int    `json:"invalidator_conf_min_invalid_count,omitempty"`
	EnableExtraChecksumCheck bool   `json:"enable_extra_checksum_check,omitempty"`

	// BGWriterFlushOnExit is a pointer so an absent field keeps the
	// default (flush on exit) instead of forcing it off.
	BGWriterFlushOnExit *bool `json:"bgwriter_conf_flush_on_exit,omitempty"`

	ReadBypass  BypassConfig `json:"read_bypass,omitempty"`
	WriteBypass BypassConfig `json:"write_bypass,omitempty"`

	CacheMode   string `json:"cache_mode,omitempty"`
	Replacement string `json:"replacement,omitempty"`

	DevioWorkerDelayMs int    `json:"devio_worker_delay_ms,omitempty"`
	DevioFUAInsert     uint64 `json:"devio_fua_insert,omitempty"`

	VerifierRunning       bool `json:"verifier_running,omitempty"`
	VerifierOneShot       bool `json:"verifier_one_shot,omitempty"`
	VerifierScanDelayMs   int  `json:"verifier_scan_delay_ms,omitempty"`
	VerifierBugonOnErrors bool `json:"verifier_bugon_on_errors,omitempty"`
}

// Default returns the built-in defaults, matching the tunables'
// documented defaults in spec §4.8-§4.11 and §5.
func Default() Tunables {
	return Tunables{
		MaxPendingRequests:       500,
		BGWriterClusterSize:      1,
		BGWriterMaxQueueDepthPct: 100,
		BGWriterPolicy:           "standard",
		InvalidatorMinInvalid:    64,
		ReadBypass:            BypassConfig{Enabled: true, ThresholdBytes: 128 * 1024, TimeoutMs: 5000},
		WriteBypass:           BypassConfig{Enabled: true, ThresholdBytes: 8000 * 1024, TimeoutMs: 5000},
		CacheMode:             "writeback",
		Replacement:           "random",
		DevioWorkerDelayMs:    10,
		DevioFUAInsert:        4,
		VerifierScanDelayMs:   10,
	}
}

// Load reads a JSONC tunables file from path, overlaying it onto
// Default(). An empty path returns Default() unchanged. A path that
// does not exist is an error so a typo in a CLI flag fails loudly
// rather than silently falling back to defaults. File access goes
// through fs.FS rather than the os package directly, so a test can
// substitute a fake FS without touching the real disk.
func Load(path string) (Tunables, error) {
	return LoadFS(fs.NewReal(), path)
}

// LoadFS is Load with an injectable fs.FS.
func LoadFS(fsys fs.FS, path string) (Tunables, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := fsys.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Tunables{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}

		return Tunables{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Tunables{}, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}

	var overlay Tunables
	if err := json.Unmarshal(standardized, &overlay); err != nil {
		return Tunables{}, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}

	merge(&cfg, overlay)

	return cfg, nil
}

// merge overlays non-zero fields of overlay onto base. Bool fields
// with a documented "off unless set" meaning (e.g. VerifierRunning)
// are overlaid unconditionally since false is both the zero value and
// a legitimate override.
func merge(base *Tunables, overlay Tunables) {
	if overlay.MaxPendingRequests != 0 {
		base.MaxPendingRequests = overlay.MaxPendingRequests
	}

	if overlay.BGWriterGreedyness != 0 {
		base.BGWriterGreedyness = overlay.BGWriterGreedyness
	}

	if overlay.BGWriterClusterSize != 0 {
		base.BGWriterClusterSize = overlay.BGWriterClusterSize
	}

	if overlay.BGWriterMaxQueueDepthPct != 0 {
		base.BGWriterMaxQueueDepthPct = overlay.BGWriterMaxQueueDepthPct
	}

	if overlay.BGWriterPolicy != "" {
		base.BGWriterPolicy = overlay.BGWriterPolicy
	}

	if overlay.BGWriterFlushOnExit != nil {
		base.BGWriterFlushOnExit = overlay.BGWriterFlushOnExit
	}

	if overlay.InvalidatorMinInvalid != 0 {
		base.InvalidatorMinInvalid = overlay.InvalidatorMinInvalid
	}

	base.EnableExtraChecksumCheck = overlay.EnableExtraChecksumCheck

	if overlay.ReadBypass != (BypassConfig{}) {
		base.ReadBypass = overlay.ReadBypass
	}

	if overlay.WriteBypass != (BypassConfig{}) {
		base.WriteBypass = overlay.WriteBypass
	}

	if overlay.CacheMode != "" {
		base.CacheMode = overlay.CacheMode
	}

	if overlay.Replacement != "" {
		base.Replacement = overlay.Replacement
	}

	if overlay.DevioWorkerDelayMs != 0 {
		base.DevioWorkerDelayMs = overlay.DevioWorkerDelayMs
	}

	if overlay.DevioFUAInsert != 0 {
		base.DevioFUAInsert = overlay.DevioFUAInsert
	}

	base.VerifierRunning = overlay.VerifierRunning
	base.VerifierOneShot = overlay.VerifierOneShot

	if overlay.VerifierScanDelayMs != 0 {
		base.VerifierScanDelayMs = overlay.VerifierScanDelayMs
	}

	base.VerifierBugonOnErrors = overlay.VerifierBugonOnErrors
}

// Save writes cfg to path as indented JSON via atomic.WriteFile's
// temp-file-plus-rename, so a process crash mid write never leaves a
// torn tunables file on disk.
func Save(path string, cfg Tunables) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	data = append(data, '\n')

	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}

	return nil
}

// DevioWorkerDelay and VerifierScanDelay convert the millisecond
// fields to time.Duration for callers wiring pkg/cache.Options.
func (t Tunables) DevioWorkerDelay() time.Duration {
	return time.Duration(t.DevioWorkerDelayMs) * time.Millisecond
}

func (t Tunables) VerifierScanDelay() time.Duration {
	return time.Duration(t.VerifierScanDelayMs) * time.Millisecond
}

// FlushOnExit resolves the optional bgwriter_conf_flush_on_exit field;
// absent means on.
func (t Tunables) FlushOnExit() bool {
	if t.BGWriterFlushOnExit == nil {
		return true
	}

	return *t.BGWriterFlushOnExit
}
