// Package pipeline fans synthesis of text units out to a bounded pool of
// concurrent workers and reassembles the results in unit order.
//
// Each worker owns its unit's transient state and touches shared state only
// through the result map's mutex, the credential pool's serialized rotation,
// and the cache's independent per-key files. Completion order never affects
// output order: results are keyed by unit index.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/core"
)

// outputFileFormat names per-unit files; ordering is carried by the index,
// the name is for humans inspecting the temp directory.
const outputFileFormat = "chunk_%04d%s"

// progressBuffer sizes the progress channel; sends are non-blocking so a
// slow consumer can never stall synthesis workers.
const progressBuffer = 64

// Config tunes fan-out and the per-reliability-class retry policy.
type Config struct {
	// Workers bounds the number of in-flight synthesis calls.
	Workers int

	// QuotaCooldown is the pause between whole-unit retries on a metered
	// backend, where failures are typically pool-wide quota exhaustion
	// that eventually clears.
	QuotaCooldown time.Duration

	// QuotaRetryLimit caps whole-unit retries on a metered backend.
	// Zero means retry until the quota recovers, trading liveness for
	// completeness.
	QuotaRetryLimit int

	// LocalRetryAttempts bounds attempts per unit on an unmetered
	// backend.
	LocalRetryAttempts int

	// LocalRetryBase is the exponential backoff base between attempts on
	// an unmetered backend.
	LocalRetryBase time.Duration
}

// Pipeline runs bounded-concurrency synthesis over a unit list.
type Pipeline struct {
	backend  core.SynthesisBackend
	cfg      Config
	log      *logger.Logger
	progress chan core.Progress
}

// job is the per-unit state owned exclusively by one worker.
type job struct {
	unit       core.TextUnit
	voice      string
	rate       string
	outputPath string
	attempts   int
	lastErr    error
	succeeded  bool
}

// New creates a Pipeline for the given backend.
func New(backend core.SynthesisBackend, cfg Config, log *logger.Logger) *Pipeline {
	return &Pipeline{
		backend:  backend,
		cfg:      cfg,
		log:      log,
		progress: make(chan core.Progress, progressBuffer),
	}
}

// Progress returns the channel of completion snapshots. One snapshot is
// emitted after each unit settles; snapshots are dropped rather than block
// workers when the consumer lags.
func (p *Pipeline) Progress() <-chan core.Progress {
	return p.progress
}

// Run synthesizes every unit into outputDir and returns the index-ordered
// result. The returned error is non-nil only for failures that abort the
/// whole run: a configuration error from the backend or context
// cancellation. Units a bounded-retry policy gave up on are reported in
// FailedUnits, not as an error.
func (p *Pipeline) Run(
	ctx context.Context,
	units []core.TextUnit,
	narration core.NarrationJob,
	outputDir string,
) (core.PipelineResult, error) {
	start := time.Now()
	total := len(units)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		fatalErr  error
	)

	paths := make(map[int]string, total)

	var failed []int

	completed := 0

	workerPool := make(chan struct{}, p.cfg.Workers)

	for _, unit := range units {
		waitGroup.Add(1)

		go func(unit core.TextUnit) {
			defer waitGroup.Done()

			// Admission gate: a canceled run stops issuing new
			// synthesis calls; in-flight calls finish on their own.
			select {
			case workerPool <- struct{}{}:
			case <-runCtx.Done():
				return
			}

			defer func() { <-workerPool }()

			workerJob := &job{
				unit:  unit,
				voice: narration.Voice,
				rate:  narration.Rate,
				outputPath: filepath.Join(
					outputDir,
					fmt.Sprintf(outputFileFormat, unit.Index+1, p.backend.Extension()),
				),
				attempts:  0,
				lastErr:   nil,
				succeeded: false,
			}

			p.processUnit(runCtx, workerJob)

			mutex.Lock()

			switch {
			case workerJob.succeeded:
				paths[unit.Index] = workerJob.outputPath
			case workerJob.lastErr != nil && errors.Is(workerJob.lastErr, core.ErrConfiguration):
				if fatalErr == nil {
					fatalErr = workerJob.lastErr
				}

				cancel()
			default:
				failed = append(failed, unit.Index)
			}

			completed++
			snapshot := core.Progress{
				Completed: completed,
				Total:     total,
				Elapsed:   time.Since(start),
			}

			mutex.Unlock()

			// Non-blocking: reporting must never stall a worker.
			select {
			case p.progress <- snapshot:
			default:
			}
		}(unit)
	}

	waitGroup.Wait()

	sort.Ints(failed)

	result := core.PipelineResult{
		Paths:       paths,
		FailedUnits: failed,
		Elapsed:     time.Since(start),
	}

	if fatalErr != nil {
		return result, fatalErr
	}

	if ctx.Err() != nil {
		return result, fmt.Errorf("pipeline canceled: %w", ctx.Err())
	}

	return result, nil
}

// processUnit drives the retry policy for one unit. Metered backends retry
// whole units on a fixed cooldown until the quota recovers; unmetered
// backends get bounded attempts with exponential backoff.
func (p *Pipeline) processUnit(ctx context.Context, workerJob *job) {
	if p.backend.Metered() {
		p.processMetered(ctx, workerJob)

		return
	}

	p.processUnmetered(ctx, workerJob)
}

func (p *Pipeline) processMetered(ctx context.Context, workerJob *job) {
	for {
		err := p.synthesizeOnce(ctx, workerJob)
		if err == nil {
			workerJob.succeeded = true

			return
		}

		workerJob.lastErr = err

		if errors.Is(err, core.ErrConfiguration) || ctx.Err() != nil {
			return
		}

		if p.cfg.QuotaRetryLimit > 0 && workerJob.attempts >= p.cfg.QuotaRetryLimit {
			workerJob.lastErr = fmt.Errorf(
				"%w: unit %d after %d rounds: %w",
				core.ErrUnitExhausted, workerJob.unit.Index, workerJob.attempts, err,
			)

			return
		}

		p.log.Warn(
			"Unit %d failed (%v), retrying after cooldown",
			workerJob.unit.Index, err,
		)

		if !sleepContext(ctx, p.cfg.QuotaCooldown) {
			return
		}
	}
}

func (p *Pipeline) processUnmetered(ctx context.Context, workerJob *job) {
	for attempt := 0; attempt < p.cfg.LocalRetryAttempts; attempt++ {
		err := p.synthesizeOnce(ctx, workerJob)
		if err == nil {
			workerJob.succeeded = true

			return
		}

		workerJob.lastErr = err

		if errors.Is(err, core.ErrConfiguration) || ctx.Err() != nil {
			return
		}

		backoff := p.cfg.LocalRetryBase << uint(attempt)

		if !sleepContext(ctx, backoff) {
			return
		}
	}

	workerJob.lastErr = fmt.Errorf(
		"%w: unit %d after %d attempts: %w",
		core.ErrUnitExhausted, workerJob.unit.Index, workerJob.attempts, workerJob.lastErr,
	)
}

func (p *Pipeline) synthesizeOnce(ctx context.Context, workerJob *job) error {
	workerJob.attempts++

	req := core.SynthesisRequest{
		Text:       workerJob.unit.Text,
		Voice:      workerJob.voice,
		Rate:       workerJob.rate,
		OutputPath: workerJob.outputPath,
	}

	err := p.backend.Synthesize(ctx, req)
	if err != nil {
		return fmt.Errorf("unit %d synthesis failed: %w", workerJob.unit.Index, err)
	}

	return nil
}

// sleepContext waits for the delay and reports false when the context was
// canceled first.
func sleepContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
