// Package fs provides the narrow filesystem abstraction internal/config
// reads its tunables file through.
//
// The only production implementation is [Real], a thin passthrough to
// the [os] package. The seam exists so a test can hand internal/config
// an [FS] backed by something other than the real disk rather than so
// every directory/permission corner of [os] is reachable through it;
// the interface below is kept to exactly the operations internal/config
// calls. Atomic replacement of the tunables file goes through
// github.com/natefinch/atomic directly (see internal/config.Save) and
// needs no seam here.
package fs

// FS defines the filesystem operations internal/config needs: reading a
// tunables file.
//
// Paths use OS semantics (like the os package and path/filepath), not the
// slash-separated paths used by the standard library io/fs package.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type FS interface {
	// ReadFile reads an entire file into memory. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)
}
