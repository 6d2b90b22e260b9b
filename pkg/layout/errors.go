package layout

import "errors"

// Error classification.
//
// ErrCorrupt and ErrIncompatible are rebuild/abort-class: the caller should
// give up on this cache device rather than retry. Implementations may wrap
// these with additional context via fmt.Errorf("%w", ...); callers MUST
// classify with errors.Is.
var (
	// ErrCorrupt indicates a checksum mismatch or structurally invalid
	// on-media content (torn write, garbage header).
	ErrCorrupt = errors.New("layout: corrupt")

	// ErrIncompatible indicates a header with the wrong magic or a version
	// this build does not understand.
	ErrIncompatible = errors.New("layout: incompatible format")

	// ErrNoValidHeader indicates neither superblock copy is valid; the
	// device has never been initialized or both copies were torn.
	ErrNoValidHeader = errors.New("layout: no valid header")

	// ErrFatalInconsistency indicates two metadata slots for the same
	// sector carry the same xid at restore time (spec §4.2): this can only
	// happen from a bug elsewhere, and restore refuses to guess a winner.
	ErrFatalInconsistency = errors.New("layout: fatal restore inconsistency")

	// ErrStateOutOfRange indicates a slot's declared state is not one of
	// {invalid, clean, dirty}.
	ErrStateOutOfRange = errors.New("layout: slot state out of range")

	// ErrAlreadyInitialized indicates Initialize was called against a
	// device that already carries a valid header (cache-create precondition
	// from spec §6: "create fails if it finds a valid header").
	ErrAlreadyInitialized = errors.New("layout: device already initialized")
)
