package memutils

import "github.com/cockroachdb/errors"

var (
	// ErrUsage marks errors caused by a caller violating the contract of an arena or segment list: freeing
	// a segment twice, presenting a stale handle, shrinking an arena below its live data, and so on.
	ErrUsage = errors.New("invalid use of buffer arena")
	// ErrOutOfRange marks errors caused by a request for a device buffer that would reach or exceed the
	// 4 GiB device buffer ceiling
	ErrOutOfRange = errors.New("device buffer size out of range")
	// ErrOverflow marks errors caused by a value that could not be narrowed to 32 bits without losing data
	ErrOverflow = errors.New("value does not fit in 32 bits")
	// ErrCapacityExhausted marks errors returned when an upload batch could not be fully admitted even after
	// the arena was resized. The arena is still consistent, but the caller should treat it as fatal.
	ErrCapacityExhausted = errors.New("arena capacity exhausted after resize")
	// ErrCorruption marks errors returned from consistency checks
	ErrCorruption = errors.New("segment list is corrupted")

	// PowerOfTwoError is the error returned from CheckPow2 if the number being tested is not a power of two
	PowerOfTwoError = errors.New("number must be a power of two")
)

// UsageErrorf builds an error marked with ErrUsage
func UsageErrorf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrUsage)
}

// CorruptionErrorf builds an error marked with ErrCorruption
func CorruptionErrorf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}
