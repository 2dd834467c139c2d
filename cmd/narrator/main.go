// Command narrator converts plain text into narrated audio from the
// command line.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/audio"
	"github.com/book-expert/narrator-service/internal/audiocache"
	"github.com/book-expert/narrator-service/internal/config"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/keypool"
	"github.com/book-expert/narrator-service/internal/narrator"
	"github.com/book-expert/narrator-service/internal/pipeline"
	"github.com/book-expert/narrator-service/internal/synth/edge"
	"github.com/book-expert/narrator-service/internal/synth/gemini"
	"github.com/book-expert/narrator-service/internal/voices"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const (
	logFileNameDefault = "narrator.log"
	logFileNameVerbose = "narrator-verbose.log"

	edgeDialTimeout = 30 * time.Second
)

// ErrInputRequired is returned when convert is called without --in.
var ErrInputRequired = errors.New("--in is required")

// globalFlags holds the persistent flag values shared by all commands.
type globalFlags struct {
	config  string
	verbose bool
}

// app carries the loaded configuration and logger through command
// execution.
type app struct {
	cfg         *config.Config
	log         *logger.Logger
	projectRoot string
}

func main() {
	err := newRootCommand().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "narrator",
		Short:         "Convert text into narrated audio",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(
		&flags.config, "config", "",
		"path to project.toml (defaults to searching up the directory tree)",
	)
	rootCmd.PersistentFlags().BoolVar(
		&flags.verbose, "verbose", false,
		"enable verbose logging",
	)

	rootCmd.AddCommand(
		newConvertCommand(flags),
		newVoicesCommand(flags),
		newCacheCommand(flags),
		newDurationCommand(),
	)

	return rootCmd
}

// setup resolves the configuration and opens the log file.
func setup(flags *globalFlags) (*app, error) {
	startDir := "."
	if flags.config != "" {
		startDir = filepath.Dir(flags.config)
	}

	cfg, projectRoot, err := config.Resolve(startDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	err = cfg.EnsureDirectories()
	if err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	logFileName := logFileNameDefault
	if flags.verbose {
		logFileName = logFileNameVerbose
	}

	log, err := logger.New(cfg.Paths.BaseLogsDir, logFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return &app{cfg: cfg, log: log, projectRoot: projectRoot}, nil
}

// buildBackend constructs the configured synthesis backend over a shared
// cache.
func buildBackend(a *app, cache *audiocache.Cache) core.SynthesisBackend {
	if a.cfg.Synthesis.Backend == config.BackendEdge {
		return edge.New(edge.Config{
			Endpoint:    a.cfg.Edge.Endpoint,
			DialTimeout: edgeDialTimeout,
			ReadTimeout: a.cfg.RequestTimeout(),
		}, cache, a.log)
	}

	pool := keypool.New(a.cfg.Gemini.APIKeys)

	return gemini.New(gemini.Config{
		Endpoint:          a.cfg.Gemini.Endpoint,
		Model:             a.cfg.Gemini.Model,
		FallbackModel:     a.cfg.Gemini.FallbackModel,
		MaxAttempts:       a.cfg.Gemini.MaxAttempts,
		RetryBaseDelay:    time.Duration(a.cfg.Gemini.RetryBaseDelaySeconds * float64(time.Second)),
		RetryMaxDelay:     time.Duration(a.cfg.Gemini.RetryMaxDelaySeconds * float64(time.Second)),
		NetworkRetryDelay: 5 * time.Second,
		RequestTimeout:    a.cfg.RequestTimeout(),
	}, pool, cache, a.log)
}

// buildNarrator wires the cache, backend, pipeline, and assembler into a
// narration service.
func buildNarrator(a *app) (*narrator.Service, error) {
	cache, err := audiocache.New(a.cfg.Paths.CacheDir, a.cfg.Cache.MinValidBytes, a.log)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio cache: %w", err)
	}

	backend := buildBackend(a, cache)

	pipe := pipeline.New(backend, pipeline.Config{
		Workers:            a.cfg.Synthesis.Workers,
		QuotaCooldown:      a.cfg.QuotaCooldown(),
		QuotaRetryLimit:    a.cfg.Synthesis.QuotaRetryLimit,
		LocalRetryAttempts: a.cfg.Synthesis.LocalRetryAttempts,
		LocalRetryBase:     a.cfg.LocalRetryBase(),
	}, a.log)

	assembler, err := audio.NewAssembler(audio.Settings{
		Codec:      a.cfg.Audio.Codec,
		Bitrate:    a.cfg.Audio.Bitrate,
		Quality:    a.cfg.Audio.Quality,
		SampleRate: a.cfg.Audio.SampleRate,
		Channels:   a.cfg.Audio.Channels,
		Normalize:  a.cfg.Audio.Normalize,
	}, a.log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize assembler: %w", err)
	}

	return narrator.New(a.cfg, backend, pipe, assembler, cache, a.log), nil
}

func newConvertCommand(flags *globalFlags) *cobra.Command {
	var (
		inPath      string
		outPath     string
		backendName string
		voice       string
		rate        string
		limit       int
		workers     int
		noNormalize bool
	)

	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Narrate a text file into a single audio file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if inPath == "" {
				return ErrInputRequired
			}

			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.log.Close()

			applyConvertOverrides(a.cfg, backendName, voice, rate, limit, workers, noNormalize)

			validateErr := a.cfg.Validate()
			if validateErr != nil {
				return fmt.Errorf("invalid configuration: %w", validateErr)
			}

			text, err := readInput(inPath)
			if err != nil {
				return err
			}

			service, err := buildNarrator(a)
			if err != nil {
				return err
			}

			if outPath == "" {
				outPath = filepath.Join(a.cfg.Paths.OutputDir, "narration.mp3")
			}

			summary, err := service.NarrateToFile(
				cmd.Context(),
				text,
				core.NarrationJob{Voice: voice, Rate: rate},
				outPath,
			)
			if err != nil {
				return fmt.Errorf("narration failed: %w", err)
			}

			printSummary(cmd.OutOrStdout(), summary)

			return nil
		},
	}

	cmd.Flags().StringVar(&inPath, "in", "", "input text file ('-' for stdin)")
	cmd.Flags().StringVar(&outPath, "out", "", "output audio file")
	cmd.Flags().StringVar(&backendName, "backend", "", "synthesis backend (gemini or edge)")
	cmd.Flags().StringVar(&voice, "voice", "", "voice name (see 'narrator voices')")
	cmd.Flags().StringVar(&rate, "rate", "", "speaking rate adjustment, e.g. +10%")
	cmd.Flags().IntVar(&limit, "limit", 0, "chunk size limit in characters")
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent synthesis workers")
	cmd.Flags().BoolVar(&noNormalize, "no-normalize", false, "skip loudness normalization")

	return cmd
}

// applyConvertOverrides folds non-zero convert flags into the loaded
// configuration.
func applyConvertOverrides(
	cfg *config.Config,
	backendName, voice, rate string,
	limit, workers int,
	noNormalize bool,
) {
	if backendName != "" {
		cfg.Synthesis.Backend = backendName
	}

	if voice != "" {
		cfg.Synthesis.Voice = voice
	}

	if rate != "" {
		cfg.Synthesis.Rate = rate
	}

	if limit > 0 {
		cfg.Chunking.Limit = limit
	}

	if workers > 0 {
		cfg.Synthesis.Workers = workers
	}

	if noNormalize {
		cfg.Audio.Normalize = false
	}
}

// readInput loads the source text from a file or stdin.
func readInput(inPath string) ([]byte, error) {
	if inPath == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}

		return data, nil
	}

	data, err := os.ReadFile(inPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", inPath, err)
	}

	return data, nil
}

// printSummary reports the narration outcome on stdout.
func printSummary(out io.Writer, summary narrator.Summary) {
	fmt.Fprintf(out, "Output:   %s (%s)\n",
		summary.OutputPath,
		humanize.Bytes(uint64(summary.OutputBytes)),
	)
	fmt.Fprintf(out, "Units:    %d\n", summary.Units)

	if len(summary.FailedUnits) > 0 {
		fmt.Fprintf(out, "Failed:   %v\n", summary.FailedUnits)
	}

	if summary.DurationSeconds > 0 {
		fmt.Fprintf(out, "Duration: %.1fs\n", summary.DurationSeconds)
	}

	fmt.Fprintf(out, "Elapsed:  %s\n", summary.Elapsed.Round(time.Millisecond))
}

func newVoicesCommand(flags *globalFlags) *cobra.Command {
	var (
		backendName string
		searchTerm  string
	)

	cmd := &cobra.Command{
		Use:   "voices",
		Short: "List the available voices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.log.Close()

			if backendName == "" {
				backendName = a.cfg.Synthesis.Backend
			}

			catalog := voices.Search(backendName, searchTerm)
			if len(catalog) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No voices found for backend %q\n", backendName)

				return nil
			}

			for _, voice := range catalog {
				fmt.Fprintf(cmd.OutOrStdout(), "%-36s %s  %s\n", voice.ID, voice.Gender, voice.Style)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&backendName, "backend", "", "backend to list voices for")
	cmd.Flags().StringVar(&searchTerm, "search", "", "fuzzy search term")

	return cmd
}

func newCacheCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the audio cache",
	}

	cmd.AddCommand(newCacheStatsCommand(flags), newCachePurgeCommand(flags))

	return cmd
}

func newCacheStatsCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache entry count and size",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.log.Close()

			cache, err := audiocache.New(a.cfg.Paths.CacheDir, a.cfg.Cache.MinValidBytes, a.log)
			if err != nil {
				return fmt.Errorf("failed to open audio cache: %w", err)
			}

			count, bytes, err := cache.Stats()
			if err != nil {
				return fmt.Errorf("failed to read cache stats: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Entries: %d\n", count)
			fmt.Fprintf(cmd.OutOrStdout(), "Size:    %s\n", humanize.Bytes(uint64(bytes)))
			fmt.Fprintf(cmd.OutOrStdout(), "Path:    %s\n", a.cfg.Paths.CacheDir)

			return nil
		},
	}
}

func newCachePurgeCommand(flags *globalFlags) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove cache entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(flags)
			if err != nil {
				return err
			}
			defer a.log.Close()

			cache, err := audiocache.New(a.cfg.Paths.CacheDir, a.cfg.Cache.MinValidBytes, a.log)
			if err != nil {
				return fmt.Errorf("failed to open audio cache: %w", err)
			}

			removed, err := cache.EvictOlderThan(olderThan)
			if err != nil {
				return fmt.Errorf("failed to purge cache: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries\n", removed)

			return nil
		},
	}

	cmd.Flags().DurationVar(
		&olderThan, "older-than", 0,
		"only remove entries older than this age (0 removes everything)",
	)

	return cmd
}

func newDurationCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "duration FILE",
		Short: "Print the playback length of an audio file in seconds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seconds, err := audio.Duration(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to probe %s: %w", args[0], err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%.2f\n", seconds)

			return nil
		},
	}
}
