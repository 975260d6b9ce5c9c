package blockstore

import "errors"

// Sentinel error kinds shared by lowdb, pidx, and highdb. Callers should
// use errors.Is against these, never string-match error text.
var (
	// ErrNotFound reports that a key, or a PIdx file, is absent. This is
	// an expected outcome, not logged as a warning.
	ErrNotFound = errors.New("blockstore: not found")

	// ErrIO reports a filesystem or embedded-store I/O failure. Always
	// surfaced to the caller, never swallowed or retried internally.
	ErrIO = errors.New("blockstore: io error")

	// ErrQuota reports a write refused by a back-end size cap or the
	// free-space floor.
	ErrQuota = errors.New("blockstore: quota exceeded")

	// ErrCorrupt reports an on-disk invariant violation: an off-multiple
	// PIdx file length, a short LowDB value, or a PIdx entry pointing at
	// an absent LowDB key. Most Corrupt conditions are repaired locally
	// and only logged; ErrCorrupt is returned to the caller when local
	// repair cannot restore the requested postcondition (e.g. delete_n
	// could not free the requested count).
	ErrCorrupt = errors.New("blockstore: corrupt")

	// ErrRefused reports that a back-end refused a write outright
	// because the value is larger than its configured maximum size.
	// Free-disk-space refusals are reported as ErrQuota instead.
	ErrRefused = errors.New("blockstore: refused")
)
