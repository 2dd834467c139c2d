package core

import "errors"

// Failure classes for synthesis, assembly, and setup. Backends and the
// pipeline wrap these with request context via fmt.Errorf and %w, and
// callers branch with errors.Is instead of matching on concrete types.
var (
	// ErrConfiguration indicates the conversion cannot run as configured:
	// an empty credential pool, a missing external transcoder, or an
	// invalid chunk limit. Never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrRateLimited indicates the backend reported quota exhaustion for
	// the current credential.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidCredential indicates the backend rejected the current
	// credential as unauthorized.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrNetworkFailure indicates a transport-level failure before any
	// backend verdict was received.
	ErrNetworkFailure = errors.New("network failure")

	// ErrService indicates a backend-reported failure that a single
	// attempt cannot recover from.
	ErrService = errors.New("service error")

	// ErrAudioProcessing indicates assembly or transcoding failed.
	ErrAudioProcessing = errors.New("audio processing failed")

	// ErrUnitExhausted indicates a bounded-retry backend gave up on one
	// unit after its attempt budget.
	ErrUnitExhausted = errors.New("unit synthesis attempts exhausted")

	// ErrIncompleteResult indicates the pipeline settled with at least one
	// unit missing from the result map.
	ErrIncompleteResult = errors.New("pipeline result incomplete")
)
