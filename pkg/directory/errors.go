package directory

import "errors"

// ErrBusy is returned when a lookup or queue pull finds its target CB
// already held by another owner.
var ErrBusy = errors.New("directory: block busy")

// ErrTooYoung is returned by GetDirtyFromHead when the head of the dirty
// list has not yet reached the requested minimum age.
var ErrTooYoung = errors.New("directory: dirty block younger than requested age")

// ErrEmpty is returned when the requested list has no eligible CB at all.
var ErrEmpty = errors.New("directory: list empty")

// ErrDuplicateSector signals an rb-tree invariant violation: two CBs
// claiming the same sector at once. Reaching this indicates a bug in the
// caller (every insertion path is expected to have already confirmed the
// sector was absent under the same lock), not a runtime condition to
// recover from.
var ErrDuplicateSector = errors.New("directory: duplicate sector in rb-tree")

// ErrNotFound is returned by GetByID for an out-of-range block id.
var ErrNotFound = errors.New("directory: no such block id")
