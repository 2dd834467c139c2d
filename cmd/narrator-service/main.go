// main package for the narrator-service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/audio"
	"github.com/book-expert/narrator-service/internal/audiocache"
	"github.com/book-expert/narrator-service/internal/config"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/keypool"
	"github.com/book-expert/narrator-service/internal/narrator"
	"github.com/book-expert/narrator-service/internal/objectstore"
	"github.com/book-expert/narrator-service/internal/pipeline"
	"github.com/book-expert/narrator-service/internal/synth/edge"
	"github.com/book-expert/narrator-service/internal/synth/gemini"
	"github.com/book-expert/narrator-service/internal/worker"
	"github.com/nats-io/nats.go"
)

const (
	networkRetryDelay = 5 * time.Second
	edgeDialTimeout   = 30 * time.Second
)

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "narrator-service.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	// Temporary logger for the bootstrap process; the configured one
	// replaces it once paths are known.
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	err = cfg.EnsureDirectories()
	if err != nil {
		bootstrapLog.Error("Failed to create directories: %v", err)

		return fmt.Errorf("failed to create directories: %w", err)
	}

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runService(ctx, cfg, finalLog)
}

// runService connects to NATS, wires the narration stack, and runs the
// worker until the context is canceled.
func runService(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}

	textStore, err := objectstore.New(jetstreamContext, cfg.NATS.TextObjectStoreBucket)
	if err != nil {
		return fmt.Errorf("failed to open text object store: %w", err)
	}

	audioStore, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return fmt.Errorf("failed to open audio object store: %w", err)
	}

	service, err := buildNarrator(cfg, log)
	if err != nil {
		return err
	}

	natsWorker, err := worker.NewNatsWorker(
		natsConnection,
		cfg.NATS.TextProcessedSubject,
		cfg.Synthesis.Backend,
		textStore,
		audioStore,
		service,
		log,
	)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	log.System(
		"Narrator service initialized. Backend: %s. Listening on subject: %s",
		cfg.Synthesis.Backend, cfg.NATS.TextProcessedSubject,
	)

	err = natsWorker.Run(ctx)
	if err != nil {
		return fmt.Errorf("worker stopped with error: %w", err)
	}

	return nil
}

// buildNarrator wires the cache, backend, pipeline, and assembler into a
// narration service.
func buildNarrator(cfg *config.Config, log *logger.Logger) (*narrator.Service, error) {
	cache, err := audiocache.New(cfg.Paths.CacheDir, cfg.Cache.MinValidBytes, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio cache: %w", err)
	}

	backend := buildBackend(cfg, cache, log)

	pipe := pipeline.New(backend, pipeline.Config{
		Workers:            cfg.Synthesis.Workers,
		QuotaCooldown:      cfg.QuotaCooldown(),
		QuotaRetryLimit:    cfg.Synthesis.QuotaRetryLimit,
		LocalRetryAttempts: cfg.Synthesis.LocalRetryAttempts,
		LocalRetryBase:     cfg.LocalRetryBase(),
	}, log)

	assembler, err := audio.NewAssembler(audio.Settings{
		Codec:      cfg.Audio.Codec,
		Bitrate:    cfg.Audio.Bitrate,
		Quality:    cfg.Audio.Quality,
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		Normalize:  cfg.Audio.Normalize,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize assembler: %w", err)
	}

	return narrator.New(cfg, backend, pipe, assembler, cache, log), nil
}

// buildBackend constructs the configured synthesis backend over a shared
// cache.
func buildBackend(cfg *config.Config, cache *audiocache.Cache, log *logger.Logger) core.SynthesisBackend {
	if cfg.Synthesis.Backend == config.BackendEdge {
		return edge.New(edge.Config{
			Endpoint:    cfg.Edge.Endpoint,
			DialTimeout: edgeDialTimeout,
			ReadTimeout: cfg.RequestTimeout(),
		}, cache, log)
	}

	pool := keypool.New(cfg.Gemini.APIKeys)

	return gemini.New(gemini.Config{
		Endpoint:          cfg.Gemini.Endpoint,
		Model:             cfg.Gemini.Model,
		FallbackModel:     cfg.Gemini.FallbackModel,
		MaxAttempts:       cfg.Gemini.MaxAttempts,
		RetryBaseDelay:    time.Duration(cfg.Gemini.RetryBaseDelaySeconds * float64(time.Second)),
		RetryMaxDelay:     time.Duration(cfg.Gemini.RetryMaxDelaySeconds * float64(time.Second)),
		NetworkRetryDelay: networkRetryDelay,
		RequestTimeout:    cfg.RequestTimeout(),
	}, pool, cache, log)
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
