package ix

import "github.com/cockroachdb/errors"

// Sentinel errors returned by Table, Queue and Wheel operations. Use
// errors.Is to test for them. Most call sites return the sentinel itself;
// a Table node allocator error is returned wrapped around ErrAllocFailed
// via github.com/cockroachdb/errors.
var (
	// ErrInvalidArgument is returned for a nil/zero-length key passed to
	// Table.Insert, LookupOrInsert or Remove, and by Wheel.Tick on a wheel
	// with no slots. Methods do not check for a nil receiver.
	ErrInvalidArgument = errors.New("ix: invalid argument")

	// ErrAllocFailed is returned when a caller-supplied node allocator
	// (WithNodeAllocator, WithItemRecycler) returns nil. The built-in
	// allocator never returns this error.
	ErrAllocFailed = errors.New("ix: allocation failed")

	// ErrNotFound is returned by Table.Remove when the key isn't present.
	ErrNotFound = errors.New("ix: not found")

	// ErrResizeInProgress is returned internally when a second concurrent
	// resize is declined; Table operations never surface it to the
	// caller, they fall back to operating without resizing and count the
	// occurrence in Stats().DoubleSizeFail.
	ErrResizeInProgress = errors.New("ix: resize already in progress")

	// ErrClosed is returned after Close by Table.Insert, LookupOrInsert and
	// Remove, by Queue.Insert, InsertItem and RescheduleItem, and by
	// Wheel.Add and Tick. Other operations do not check for it.
	ErrClosed = errors.New("ix: handle closed")
)
