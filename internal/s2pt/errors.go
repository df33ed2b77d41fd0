package s2pt

import "errors"

// ErrBadAlign is returned when from, size, or to violate the alignment a
// given operation requires: 4-byte (L4 granule) for every operation, and
// additionally 16 KiB (L3 granule) for a hardware mapping.
var ErrBadAlign = errors.New("s2pt: misaligned range")

// ErrIPARange is returned when [from, from+size) extends past the 36-bit
// IPA space PageTable covers.
var ErrIPARange = errors.New("s2pt: range exceeds IPA space")

// ErrUnknownHook is returned by ResolveHook for an id no MapHook call ever
// registered (or one a prior Init already discarded).
var ErrUnknownHook = errors.New("s2pt: unknown hook id")
