package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/bittern-cache/bittern/internal/config"
)

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	t.Parallel()

	got, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if want := config.Default(); got != want {
		t.Fatalf("Load(\"\") = %+v, want %+v", got, want)
	}
}

func TestLoad_MissingFileIsError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := config.Load(filepath.Join(dir, "missing.jsonc"))
	if !errors.Is(err, config.ErrFileNotFound) {
		t.Fatalf("err = %v, want ErrFileNotFound", err)
	}
}

func TestLoad_OverlaysFileOntoDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "bittern.jsonc")

	// JSONC: trailing comma and a comment, both of which hujson must
	// tolerate before json.Unmarshal sees it.
	doc := `{
		// override only two knobs
		"cache_mode": "writethrough",
		"bgwriter_conf_cluster_size": 4,
	}`

	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	got, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := config.Default()
	want.CacheMode = "writethrough"
	want.BGWriterClusterSize = 4

	if got != want {
		t.Fatalf("Load(%q) = %+v, want %+v", path, got, want)
	}
}

func TestLoad_BGWriterKnobsOverlay(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "bittern.jsonc")

	doc := `{
		"bgwriter_conf_policy": "aggressive",
		"bgwriter_conf_max_queue_depth_pct": 40,
		"bgwriter_conf_flush_on_exit": false,
	}`

	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	got, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got.BGWriterPolicy != "aggressive" {
		t.Fatalf("BGWriterPolicy = %q, want aggressive", got.BGWriterPolicy)
	}

	if got.BGWriterMaxQueueDepthPct != 40 {
		t.Fatalf("BGWriterMaxQueueDepthPct = %d, want 40", got.BGWriterMaxQueueDepthPct)
	}

	if got.FlushOnExit() {
		t.Fatal("FlushOnExit() = true, want false after explicit override")
	}

	if !config.Default().FlushOnExit() {
		t.Fatal("Default().FlushOnExit() = false, want true when unset")
	}
}

func TestLoad_InvalidJSONIsError(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "bittern.jsonc")

	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	_, err := config.Load(path)
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}

func TestSave_ThenLoadRoundTrips(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "bittern.jsonc")

	cfg := config.Default()
	cfg.MaxPendingRequests = 42
	cfg.Replacement = "lru"

	if err := config.Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got != cfg {
		t.Fatalf("round-trip = %+v, want %+v", got, cfg)
	}
}

// failingFS fails every ReadFile call, standing in for a torn or
// permission-denied tunables read. It demonstrates that LoadFS's fs.FS
// parameter is genuinely substitutable, not just an indirection with
// one implementation.
type failingFS struct {
	readErr error
}

func (f failingFS) ReadFile(path string) ([]byte, error) {
	return nil, f.readErr
}

func TestLoadFS_PropagatesReadFailure(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("injected read failure")

	_, err := config.LoadFS(failingFS{readErr: wantErr}, "bittern.jsonc")
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapping %v", err, wantErr)
	}
}
