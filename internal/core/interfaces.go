// Package core defines the shared contracts, domain types, and failure
// classes for the narrator service.
package core

import "context"

// SynthesisBackend converts one unit of text into an audio file on disk.
type SynthesisBackend interface {
	// Name identifies the backend in cache keys, file naming, and logs.
	Name() string

	// Metered reports whether the backend draws on a rate-limited quota.
	// The pipeline retries failed units on metered backends until the
	// quota recovers, and bounds retries on unmetered ones.
	Metered() bool

	// Extension returns the container extension (including the dot) of
	// the files the backend writes.
	Extension() string

	// Synthesize writes the audio for req.Text to req.OutputPath. The
	// returned error wraps one of the core failure classes.
	Synthesize(ctx context.Context, req SynthesisRequest) error
}

// ObjectStore is a key-value blob store for job payloads.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// Narrator converts extracted plain text into one assembled audio artifact.
type Narrator interface {
	Narrate(ctx context.Context, text []byte, job NarrationJob) (*NarrationResult, error)
}
