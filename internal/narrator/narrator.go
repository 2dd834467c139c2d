// Package narrator composes chunking, synthesis, and assembly into the
// text-to-audiobook operation the CLI and the service worker both run.
package narrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/audio"
	"github.com/book-expert/narrator-service/internal/audiocache"
	"github.com/book-expert/narrator-service/internal/chunker"
	"github.com/book-expert/narrator-service/internal/config"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/pipeline"
	"github.com/book-expert/narrator-service/internal/voices"
	"github.com/google/uuid"
)

const (
	tempDirFormat  = ".narrator-%s"
	mergedBaseName = "narration"
	mergedExt      = ".mp3"

	outputFileMode = 0o600
)

// ErrNoNarratableText is returned when normalization leaves nothing to
// synthesize.
var ErrNoNarratableText = errors.New("no narratable text after normalization")

// Summary reports the outcome of a narration written to disk.
type Summary struct {
	Units           int
	FailedUnits     []int
	OutputPath      string
	OutputBytes     int64
	DurationSeconds float64
	Elapsed         time.Duration
}

// Service wires the chunker, one synthesis backend, the pipeline, and the
// assembler into the core.Narrator contract.
type Service struct {
	chunker   *chunker.Chunker
	backend   core.SynthesisBackend
	pipeline  *pipeline.Pipeline
	assembler *audio.Assembler
	cfg       *config.Config
	log       *logger.Logger
}

// New builds a Service and runs the startup cache sweep, evicting entries
// older than the configured age.
func New(
	cfg *config.Config,
	backend core.SynthesisBackend,
	pipe *pipeline.Pipeline,
	assembler *audio.Assembler,
	cache *audiocache.Cache,
	log *logger.Logger,
) *Service {
	if cache != nil {
		removed, err := cache.EvictOlderThan(cfg.EvictionAge())
		if err != nil {
			log.Warn("Cache sweep failed: %v", err)
		} else if removed > 0 {
			log.Info("Cache sweep removed %d stale entries", removed)
		}
	}

	return &Service{
		chunker:   chunker.New(),
		backend:   backend,
		pipeline:  pipe,
		assembler: assembler,
		cfg:       cfg,
		log:       log,
	}
}

// Progress exposes the pipeline's completion snapshots for the current run.
func (s *Service) Progress() <-chan core.Progress {
	return s.pipeline.Progress()
}

// Narrate converts text into one assembled audio artifact and returns its
// bytes. Units a bounded-retry backend gave up on are reported in
// FailedUnits; the surviving units are still assembled in order.
func (s *Service) Narrate(
	ctx context.Context,
	text []byte,
	job core.NarrationJob,
) (*core.NarrationResult, error) {
	start := time.Now()

	job = s.applyDefaults(job)

	units, err := s.splitText(string(text))
	if err != nil {
		return nil, err
	}

	tempDir, err := s.makeTempDir()
	if err != nil {
		return nil, err
	}

	defer s.removeTempDir(tempDir)

	result, err := s.pipeline.Run(ctx, units, job, tempDir)
	if err != nil {
		return nil, fmt.Errorf("synthesis pipeline: %w", err)
	}

	survivors := survivingPaths(result)
	if len(survivors) == 0 {
		return nil, fmt.Errorf(
			"%w: all %d units failed",
			core.ErrService, len(units),
		)
	}

	mergedPath, extension, err := s.merge(ctx, survivors, tempDir)
	if err != nil {
		return nil, err
	}

	durationSeconds, err := audio.Duration(ctx, mergedPath)
	if err != nil {
		s.log.Warn("Failed to probe output duration: %v", err)

		durationSeconds = 0
	}

	assembled, err := os.ReadFile(mergedPath)
	if err != nil {
		return nil, fmt.Errorf(
			"%w: read assembled output: %w",
			core.ErrAudioProcessing, err,
		)
	}

	return &core.NarrationResult{
		Audio:           assembled,
		Extension:       extension,
		Units:           len(units),
		FailedUnits:     result.FailedUnits,
		DurationSeconds: durationSeconds,
		Elapsed:         time.Since(start),
	}, nil
}

// NarrateToFile runs Narrate and writes the assembled audio to outputPath.
func (s *Service) NarrateToFile(
	ctx context.Context,
	text []byte,
	job core.NarrationJob,
	outputPath string,
) (Summary, error) {
	result, err := s.Narrate(ctx, text, job)
	if err != nil {
		return Summary{}, err
	}

	err = os.WriteFile(outputPath, result.Audio, outputFileMode)
	if err != nil {
		return Summary{}, fmt.Errorf(
			"%w: write %s: %w",
			core.ErrAudioProcessing, outputPath, err,
		)
	}

	return Summary{
		Units:           result.Units,
		FailedUnits:     result.FailedUnits,
		OutputPath:      outputPath,
		OutputBytes:     int64(len(result.Audio)),
		DurationSeconds: result.DurationSeconds,
		Elapsed:         result.Elapsed,
	}, nil
}

// applyDefaults fills the job's voice and rate from configuration and the
// catalog when the caller left them empty.
func (s *Service) applyDefaults(job core.NarrationJob) core.NarrationJob {
	if job.Voice == "" {
		job.Voice = s.cfg.Synthesis.Voice
	}

	if job.Voice == "" {
		job.Voice = voices.Default(s.backend.Name()).ID
	}

	if job.Rate == "" {
		job.Rate = s.cfg.Synthesis.Rate
	}

	return job
}

// splitText normalizes and chunks the source text.
func (s *Service) splitText(text string) ([]core.TextUnit, error) {
	normalized := s.chunker.Normalize(text)

	units, err := s.chunker.Split(normalized, s.cfg.Chunking.Limit)
	if err != nil {
		return nil, fmt.Errorf("split text: %w", err)
	}

	if len(units) == 0 {
		return nil, ErrNoNarratableText
	}

	return units, nil
}

// makeTempDir creates the per-job scratch directory the pipeline writes
// unit files into.
func (s *Service) makeTempDir() (string, error) {
	tempDir := filepath.Join(
		s.cfg.Paths.TempDir,
		fmt.Sprintf(tempDirFormat, uuid.NewString()),
	)

	err := os.MkdirAll(tempDir, 0o750)
	if err != nil {
		return "", fmt.Errorf(
			"%w: create temp directory: %w",
			core.ErrConfiguration, err,
		)
	}

	return tempDir, nil
}

// removeTempDir discards the scratch directory. Removal failure never fails
// the narration.
func (s *Service) removeTempDir(tempDir string) {
	err := os.RemoveAll(tempDir)
	if err != nil {
		s.log.Warn("Failed to remove temp directory %s: %v", tempDir, err)
	}
}

// merge assembles the surviving unit files. More than one unit goes through
// the transcoder into the MP3 container; a lone unit keeps its backend's
// native container.
func (s *Service) merge(
	ctx context.Context,
	survivors []string,
	tempDir string,
) (mergedPath, extension string, err error) {
	extension = mergedExt
	if len(survivors) == 1 {
		extension = s.backend.Extension()
	}

	mergedPath = filepath.Join(tempDir, mergedBaseName+extension)

	err = s.assembler.Merge(ctx, survivors, mergedPath, s.cfg.Audio.Normalize)
	if err != nil {
		return "", "", fmt.Errorf("assemble narration: %w", err)
	}

	return mergedPath, extension, nil
}

// survivingPaths returns the successful unit outputs in strict index order,
// skipping failed units.
func survivingPaths(result core.PipelineResult) []string {
	indices := make([]int, 0, len(result.Paths))
	for index := range result.Paths {
		indices = append(indices, index)
	}

	sort.Ints(indices)

	paths := make([]string, 0, len(indices))
	for _, index := range indices {
		paths = append(paths, result.Paths[index])
	}

	return paths
}
