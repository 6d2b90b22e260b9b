package fs

import (
	"os"
)

// Real implements [FS] against the real filesystem. Every method is a
// pure passthrough to the [os] package with identical error semantics.
type Real struct{}

// NewReal returns a new [Real] filesystem.
func NewReal() *Real {
	return &Real{}
}

// ReadFile is a passthrough wrapper for [os.ReadFile].
func (r *Real) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Compile-time interface check.
var _ FS = (*Real)(nil)
