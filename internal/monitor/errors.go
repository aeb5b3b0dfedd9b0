package monitor

import "errors"

// Error taxonomy shared across the pipeline. Errors are matched with
// errors.Is; parsers and stores wrap these sentinels with origin detail.
var (
	// ErrSourceUnavailable marks a transient origin failure. Fetches are
	// retried with bounded backoff, then the source is skipped for the run
	// with its cursor unchanged.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrMalformedItem marks a single origin payload that cannot be decoded
	// into an item. The item is skipped and counted; the run continues.
	ErrMalformedItem = errors.New("malformed item")

	// ErrClassifierUnavailable switches scoring to the keyword-only degraded
	// mode for the affected items. Never silent: the degradation is counted.
	ErrClassifierUnavailable = errors.New("classifier unavailable")

	// ErrParentUnresolved marks a comment whose parent post is not stored.
	// The comment is skipped and counted.
	ErrParentUnresolved = errors.New("parent post unresolved")

	// ErrStoreUnavailable marks total storage unavailability. It is the only
	// error that aborts a run; no cursor advances.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound signals that a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrRunActive rejects a trigger while another run is in flight. One
	// process processes its sources one run at a time.
	ErrRunActive = errors.New("a run is already active")
)
