package core

import (
	"fmt"
	"time"
)

// TextUnit is one bounded-length slice of source text scheduled for
// independent synthesis. Units are immutable once produced by the chunker;
// Index is the sole ordering key for reassembly.
type TextUnit struct {
	Index int
	Text  string
}

// Len returns the unit text length in bytes.
func (u TextUnit) Len() int {
	return len(u.Text)
}

// SynthesisRequest describes one unit synthesis call against a backend.
type SynthesisRequest struct {
	Text       string
	Voice      string
	Rate       string
	OutputPath string
}

// Progress is a completion snapshot, emitted after each unit settles
// (success or terminal failure).
type Progress struct {
	Completed int
	Total     int
	Elapsed   time.Duration
}

// PipelineResult maps unit indices to synthesized audio files. Paths holds
// entries only for units that succeeded; FailedUnits lists, in ascending
// order, the indices a bounded-retry backend gave up on.
type PipelineResult struct {
	Paths       map[int]string
	FailedUnits []int
	Elapsed     time.Duration
}

// Complete reports whether every unit index in [0, total) has an output path.
func (r PipelineResult) Complete(total int) bool {
	return len(r.MissingUnits(total)) == 0
}

// MissingUnits returns the indices in [0, total) without an output path,
// in ascending order.
func (r PipelineResult) MissingUnits(total int) []int {
	var missing []int

	for index := 0; index < total; index++ {
		_, ok := r.Paths[index]
		if !ok {
			missing = append(missing, index)
		}
	}

	return missing
}

// OrderedPaths returns the output paths in strict unit-index order,
// regardless of the order units completed in. A partial result map yields
// ErrIncompleteResult naming the missing indices.
func (r PipelineResult) OrderedPaths(total int) ([]string, error) {
	missing := r.MissingUnits(total)
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing units %v", ErrIncompleteResult, missing)
	}

	paths := make([]string, 0, total)

	for index := 0; index < total; index++ {
		paths = append(paths, r.Paths[index])
	}

	return paths, nil
}

// NarrationJob carries the per-job synthesis knobs a caller supplies.
// Empty fields fall back to the configured defaults.
type NarrationJob struct {
	Voice string
	Rate  string
}

// NarrationResult is the outcome of one narration job.
type NarrationResult struct {
	Audio           []byte
	Extension       string
	Units           int
	FailedUnits     []int
	DurationSeconds float64
	Elapsed         time.Duration
}
