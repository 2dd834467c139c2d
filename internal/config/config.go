// Package config provides the configuration structure for the narrator service.
//
// The service loads its configuration through the central configurator; the
// CLI resolves a project.toml by searching up the directory tree and falls
// back to the built-in defaults when none exists. In both cases
// deploy-varying values can be overridden from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

// Backend identifiers accepted by the synthesis section.
const (
	BackendGemini = "gemini"
	BackendEdge   = "edge"
)

// Default values for the chunking and synthesis sections.
const (
	DefaultChunkLimit            = 3000
	MinChunkLimit                = 100
	MaxChunkLimit                = 5000
	DefaultWorkers               = 3
	DefaultRequestTimeoutSeconds = 120
	DefaultQuotaCooldownSeconds  = 30
	DefaultLocalRetryAttempts    = 5
	DefaultLocalRetryBaseSeconds = 2
	DefaultRate                  = "+0%"
)

// Default values for the cloud backend section.
const (
	DefaultGeminiEndpoint        = "https://generativelanguage.googleapis.com"
	DefaultGeminiModel           = "gemini-2.5-flash-preview-tts"
	DefaultGeminiFallbackModel   = "gemini-2.0-flash-exp"
	DefaultMaxAttempts           = 10
	DefaultRetryBaseDelaySeconds = 1.0
	DefaultRetryMaxDelaySeconds  = 60.0
)

// DefaultEdgeEndpoint is the streaming synthesis endpoint of the free backend.
const DefaultEdgeEndpoint = "wss://speech.platform.bing.com/consumer/speech/synthesize/readaloud/edge/v1"

// Default values for the audio output section.
const (
	DefaultCodec      = "libmp3lame"
	DefaultBitrate    = "192k"
	DefaultQuality    = 2
	DefaultSampleRate = 24000
	DefaultChannels   = 1
)

// Default values for the cache section.
const (
	DefaultMinValidBytes = 200
	DefaultEvictionDays  = 7
)

// Default values for the NATS section.
const (
	DefaultNATSURL                  = "nats://127.0.0.1:4222"
	DefaultTextProcessedSubject     = "text.processed"
	DefaultAudioChunkCreatedSubject = "audio.chunk.created"
	DefaultTextBucket               = "TEXT_FILES"
	DefaultAudioBucket              = "AUDIO_FILES"
)

const (
	configFileName        = "project.toml"
	defaultDirPermissions = 0o750
	hoursPerDay           = 24
)

// Static validation errors.
var (
	ErrChunkLimitOutOfRange = errors.New("chunk limit out of range")
	ErrWorkersNotPositive   = errors.New("workers must be positive")
	ErrUnknownBackend       = errors.New("unknown synthesis backend")
	ErrMaxAttemptsInvalid   = errors.New("max attempts must be positive")
	ErrBitrateEmpty         = errors.New("audio bitrate cannot be empty")
	ErrCodecEmpty           = errors.New("audio codec cannot be empty")
)

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `env:"NARRATOR_LOGS_DIR"   toml:"base_logs_dir"`
	OutputDir   string `env:"NARRATOR_OUTPUT_DIR" toml:"output_dir"`
	CacheDir    string `env:"NARRATOR_CACHE_DIR"  toml:"cache_dir"`
	TempDir     string `env:"NARRATOR_TEMP_DIR"   toml:"temp_dir"`
}

// ChunkingConfig bounds the units the chunker produces.
type ChunkingConfig struct {
	Limit int `env:"NARRATOR_CHUNK_LIMIT" toml:"limit"`
}

// SynthesisConfig selects the backend and tunes the pipeline.
type SynthesisConfig struct {
	Backend               string `env:"NARRATOR_BACKEND" toml:"backend"`
	Voice                 string `env:"NARRATOR_VOICE"   toml:"voice"`
	Rate                  string `toml:"rate"`
	Workers               int    `env:"NARRATOR_WORKERS" toml:"workers"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	QuotaCooldownSeconds  int    `toml:"quota_cooldown_seconds"`
	QuotaRetryLimit       int    `toml:"quota_retry_limit"`
	LocalRetryAttempts    int    `toml:"local_retry_attempts"`
	LocalRetryBaseSeconds int    `toml:"local_retry_base_seconds"`
}

// GeminiConfig holds the quota-limited cloud backend settings. APIKeys is
// ordered; rotation walks it modulo its length.
type GeminiConfig struct {
	Endpoint              string   `toml:"endpoint"`
	Model                 string   `toml:"model"`
	FallbackModel         string   `toml:"fallback_model"`
	APIKeys               []string `env:"GEMINI_API_KEYS" envSeparator:"," toml:"api_keys"`
	MaxAttempts           int      `toml:"max_attempts"`
	RetryBaseDelaySeconds float64  `toml:"retry_base_delay_seconds"`
	RetryMaxDelaySeconds  float64  `toml:"retry_max_delay_seconds"`
}

// EdgeConfig holds the free streaming backend settings.
type EdgeConfig struct {
	Endpoint string `toml:"endpoint"`
}

// AudioConfig holds the assembler output settings.
type AudioConfig struct {
	Codec      string `toml:"codec"`
	Bitrate    string `toml:"bitrate"`
	Quality    int    `toml:"quality"`
	SampleRate int    `toml:"sample_rate"`
	Channels   int    `toml:"channels"`
	Normalize  bool   `toml:"normalize"`
}

// CacheConfig holds the content-addressed cache settings.
type CacheConfig struct {
	MinValidBytes int64 `toml:"min_valid_bytes"`
	EvictionDays  int   `toml:"eviction_days"`
}

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                      string `env:"NARRATOR_NATS_URL" toml:"url"`
	TextProcessedSubject     string `toml:"text_processed_subject"`
	AudioChunkCreatedSubject string `toml:"audio_chunk_created_subject"`
	TextObjectStoreBucket    string `toml:"text_object_store_bucket"`
	AudioObjectStoreBucket   string `toml:"audio_object_store_bucket"`
}

// Config is the root configuration structure.
type Config struct {
	Paths     PathsConfig     `toml:"paths"`
	Chunking  ChunkingConfig  `toml:"chunking"`
	Synthesis SynthesisConfig `toml:"synthesis"`
	Gemini    GeminiConfig    `toml:"gemini"`
	Edge      EdgeConfig      `toml:"edge"`
	Audio     AudioConfig     `toml:"audio"`
	Cache     CacheConfig     `toml:"cache"`
	NATS      NATSConfig      `toml:"nats"`
}

// Default returns a configuration populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			BaseLogsDir: filepath.Join(os.TempDir(), "narrator", "logs"),
			OutputDir:   ".",
			CacheDir:    defaultCacheDir(),
			TempDir:     os.TempDir(),
		},
		Chunking: ChunkingConfig{
			Limit: DefaultChunkLimit,
		},
		Synthesis: SynthesisConfig{
			Backend:               BackendGemini,
			Voice:                 "",
			Rate:                  DefaultRate,
			Workers:               DefaultWorkers,
			RequestTimeoutSeconds: DefaultRequestTimeoutSeconds,
			QuotaCooldownSeconds:  DefaultQuotaCooldownSeconds,
			QuotaRetryLimit:       0,
			LocalRetryAttempts:    DefaultLocalRetryAttempts,
			LocalRetryBaseSeconds: DefaultLocalRetryBaseSeconds,
		},
		Gemini: GeminiConfig{
			Endpoint:              DefaultGeminiEndpoint,
			Model:                 DefaultGeminiModel,
			FallbackModel:         DefaultGeminiFallbackModel,
			APIKeys:               nil,
			MaxAttempts:           DefaultMaxAttempts,
			RetryBaseDelaySeconds: DefaultRetryBaseDelaySeconds,
			RetryMaxDelaySeconds:  DefaultRetryMaxDelaySeconds,
		},
		Edge: EdgeConfig{
			Endpoint: DefaultEdgeEndpoint,
		},
		Audio: AudioConfig{
			Codec:      DefaultCodec,
			Bitrate:    DefaultBitrate,
			Quality:    DefaultQuality,
			SampleRate: DefaultSampleRate,
			Channels:   DefaultChannels,
			Normalize:  true,
		},
		Cache: CacheConfig{
			MinValidBytes: DefaultMinValidBytes,
			EvictionDays:  DefaultEvictionDays,
		},
		NATS: NATSConfig{
			URL:                      DefaultNATSURL,
			TextProcessedSubject:     DefaultTextProcessedSubject,
			AudioChunkCreatedSubject: DefaultAudioChunkCreatedSubject,
			TextObjectStoreBucket:    DefaultTextBucket,
			AudioObjectStoreBucket:   DefaultAudioBucket,
		},
	}
}

// Load loads the service configuration through the central configurator,
// then applies environment overrides and validates the result.
func Load(log *logger.Logger) (*Config, error) {
	cfg := Default()

	err := configurator.Load(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	err = finalize(cfg)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Resolve finds a project.toml by walking up from startDir and loads it over
// the defaults. When no file exists the defaults are used as-is. It returns
// the configuration and the directory the file was found in ("" when
// defaulted).
func Resolve(startDir string) (*Config, string, error) {
	cfg := Default()

	path, found, err := findConfigFile(startDir)
	if err != nil {
		return nil, "", err
	}

	projectRoot := ""

	if found {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, "", fmt.Errorf("failed to read %s: %w", path, readErr)
		}

		unmarshalErr := toml.Unmarshal(data, cfg)
		if unmarshalErr != nil {
			return nil, "", fmt.Errorf("failed to parse %s: %w", path, unmarshalErr)
		}

		projectRoot = filepath.Dir(path)
	}

	finalizeErr := finalize(cfg)
	if finalizeErr != nil {
		return nil, "", finalizeErr
	}

	return cfg, projectRoot, nil
}

// finalize applies environment overrides and validates the configuration.
func finalize(cfg *Config) error {
	err := env.Parse(cfg)
	if err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return cfg.Validate()
}

// findConfigFile walks up from startDir looking for project.toml.
func findConfigFile(startDir string) (path string, found bool, err error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory %q: %w", startDir, err)
	}

	for {
		candidate := filepath.Join(dir, configFileName)

		_, statErr := os.Stat(candidate)
		if statErr == nil {
			return candidate, true, nil
		}

		if !os.IsNotExist(statErr) {
			return "", false, fmt.Errorf("failed to check %s: %w", candidate, statErr)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false, nil
		}

		dir = parent
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Chunking.Limit < MinChunkLimit || c.Chunking.Limit > MaxChunkLimit {
		return fmt.Errorf(
			"%w: %d not in [%d, %d]",
			ErrChunkLimitOutOfRange,
			c.Chunking.Limit,
			MinChunkLimit,
			MaxChunkLimit,
		)
	}

	if c.Synthesis.Workers <= 0 {
		return fmt.Errorf("%w: got %d", ErrWorkersNotPositive, c.Synthesis.Workers)
	}

	if c.Synthesis.Backend != BackendGemini && c.Synthesis.Backend != BackendEdge {
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Synthesis.Backend)
	}

	if c.Gemini.MaxAttempts <= 0 {
		return fmt.Errorf("%w: got %d", ErrMaxAttemptsInvalid, c.Gemini.MaxAttempts)
	}

	if c.Audio.Codec == "" {
		return ErrCodecEmpty
	}

	if c.Audio.Bitrate == "" {
		return ErrBitrateEmpty
	}

	return nil
}

// EnsureDirectories creates the directories the pipeline writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Paths.BaseLogsDir,
		c.Paths.OutputDir,
		c.Paths.CacheDir,
		c.Paths.TempDir,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}

		err := os.MkdirAll(dir, defaultDirPermissions)
		if err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// RequestTimeout returns the per-request synthesis timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Synthesis.RequestTimeoutSeconds) * time.Second
}

// QuotaCooldown returns the pause between whole-unit retries on the
// quota-limited backend.
func (c *Config) QuotaCooldown() time.Duration {
	return time.Duration(c.Synthesis.QuotaCooldownSeconds) * time.Second
}

// LocalRetryBase returns the exponential backoff base for the free backend.
func (c *Config) LocalRetryBase() time.Duration {
	return time.Duration(c.Synthesis.LocalRetryBaseSeconds) * time.Second
}

// EvictionAge returns the cache entry age beyond which the startup sweep
// removes entries.
func (c *Config) EvictionAge() time.Duration {
	return time.Duration(c.Cache.EvictionDays) * hoursPerDay * time.Hour
}

// defaultCacheDir places the cache under the user cache root, falling back
// to the system temp directory when the home cannot be determined.
func defaultCacheDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "narrator", "cache")
	}

	return filepath.Join(homeDir, ".cache", "narrator")
}
