// Package gemini implements the quota-limited cloud synthesis backend
// against the Gemini generateContent API.
//
// The API returns base64-encoded raw PCM samples; this package frames them
// as playable WAV files. Each call runs a bounded attempt loop with
// per-failure-class handling: rate limits back off exponentially and rotate
// the credential, invalid credentials rotate immediately, a bad request on
// the primary model falls back to the secondary model exactly once, and
// transport failures retry after a fixed delay.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/audiocache"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/keypool"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// BackendName identifies this backend in cache keys and logs.
const BackendName = "gemini"

// PCM framing parameters for the audio the API returns.
const (
	pcmSampleRate = 24000
	pcmBitDepth   = 16
	pcmChannels   = 1

	// minPCMBytes rejects responses whose decoded payload is too small to
	// be real audio.
	minPCMBytes = 100
)

// generatePathFormat is the request path template: model, then credential.
const generatePathFormat = "%s/v1beta/models/%s:generateContent?key=%s"

// HTTP headers.
const (
	headerContentType = "Content-Type"
	contentTypeJSON   = "application/json"
)

// maxJitter bounds the random delay added to unexpected-failure backoff.
const maxJitter = time.Second

// maxErrorBodyBytes caps how much of an error response body is kept for
// diagnostics.
const maxErrorBodyBytes = 512

const filePermissions = 0o600

// errBadRequest classifies a 400 response: the current model rejected the
// request. Internal to the attempt loop; the terminal form is ErrService.
var errBadRequest = errors.New("model rejected request")

// Config holds the backend settings. All timing knobs are explicit so tests
// can run with near-zero delays.
type Config struct {
	Endpoint          string
	Model             string
	FallbackModel     string
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	NetworkRetryDelay time.Duration
	RequestTimeout    time.Duration
}

// Backend synthesizes text through the Gemini TTS API with caching,
// credential rotation, and model fallback.
type Backend struct {
	cfg    Config
	client *http.Client
	pool   *keypool.Pool
	cache  *audiocache.Cache
	log    *logger.Logger
}

// New creates a Backend. The pool supplies credentials for rotation and the
// cache is consulted before any network call.
func New(cfg Config, pool *keypool.Pool, cache *audiocache.Cache, log *logger.Logger) *Backend {
	return &Backend{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		pool:  pool,
		cache: cache,
		log:   log,
	}
}

// Name identifies the backend.
func (b *Backend) Name() string {
	return BackendName
}

// Metered reports that this backend draws on a rate-limited quota.
func (b *Backend) Metered() bool {
	return true
}

// Extension returns the container extension of the files this backend writes.
func (b *Backend) Extension() string {
	return ".wav"
}

// Synthesize writes WAV audio for req.Text to req.OutputPath. A cache hit
// returns immediately without touching the network; an empty credential
// pool fails fast with a configuration error.
func (b *Backend) Synthesize(ctx context.Context, req core.SynthesisRequest) error {
	if cached, hit := b.cache.Get(req.Text, req.Voice, BackendName); hit {
		err := os.WriteFile(req.OutputPath, cached, filePermissions)
		if err != nil {
			return fmt.Errorf("failed to write cached audio to %s: %w", req.OutputPath, err)
		}

		return nil
	}

	if !b.pool.HasCredentials() {
		return fmt.Errorf("%w: no API credentials configured", core.ErrConfiguration)
	}

	return b.attemptLoop(ctx, req)
}

// attemptLoop drives the bounded retry state machine around single attempts.
func (b *Backend) attemptLoop(ctx context.Context, req core.SynthesisRequest) error {
	model := b.cfg.Model
	fellBack := false

	var lastErr error

	for attempt := 0; attempt < b.cfg.MaxAttempts; attempt++ {
		pcm, err := b.attempt(ctx, req.Text, req.Voice, model)
		if err == nil {
			return b.persist(req, pcm)
		}

		lastErr = err

		switch {
		case errors.Is(err, errBadRequest):
			if !fellBack && b.cfg.FallbackModel != "" {
				b.log.Warn("Model %s rejected request, falling back to %s", model, b.cfg.FallbackModel)

				model = b.cfg.FallbackModel
				fellBack = true

				// The fallback try does not consume an attempt.
				attempt--

				continue
			}

			return fmt.Errorf("%w: model %s rejected request: %w", core.ErrService, model, err)
		case errors.Is(err, core.ErrRateLimited):
			b.log.Warn("Rate limited on attempt %d, rotating credential", attempt+1)

			sleepErr := sleepContext(ctx, b.backoff(attempt))
			if sleepErr != nil {
				return sleepErr
			}

			b.pool.Rotate()
		case errors.Is(err, core.ErrInvalidCredential):
			b.log.Warn("Credential rejected on attempt %d, rotating", attempt+1)
			b.pool.Rotate()
		case errors.Is(err, core.ErrNetworkFailure):
			sleepErr := sleepContext(ctx, b.cfg.NetworkRetryDelay)
			if sleepErr != nil {
				return sleepErr
			}
		default:
			jitter := time.Duration(rand.Int64N(int64(maxJitter)))

			sleepErr := sleepContext(ctx, b.backoff(attempt)+jitter)
			if sleepErr != nil {
				return sleepErr
			}
		}
	}

	return fmt.Errorf("synthesis failed after %d attempts: %w", b.cfg.MaxAttempts, lastErr)
}

// attempt issues one request against the given model and returns the decoded
// PCM payload. Errors are classified with the core failure sentinels, or
// errBadRequest for a model-level 400.
func (b *Backend) attempt(ctx context.Context, text, voice, model string) ([]byte, error) {
	credential, ok := b.pool.Current()
	if !ok {
		return nil, fmt.Errorf("%w: credential pool drained", core.ErrConfiguration)
	}

	body, err := json.Marshal(newGenerateRequest(text, voice))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	url := fmt.Sprintf(generatePathFormat, b.cfg.Endpoint, model, credential)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create synthesis request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	return decodeAudio(resp.Body)
}

// persist frames the PCM payload as WAV, writes it to the output path, and
// populates the cache.
func (b *Backend) persist(req core.SynthesisRequest, pcm []byte) error {
	err := writeWAV(req.OutputPath, pcm)
	if err != nil {
		return err
	}

	data, readErr := os.ReadFile(req.OutputPath)
	if readErr != nil {
		return fmt.Errorf("failed to read back %s: %w", req.OutputPath, readErr)
	}

	b.cache.Put(req.Text, req.Voice, BackendName, data)

	return nil
}

// backoff computes min(RetryMaxDelay, RetryBaseDelay * 2^attempt).
func (b *Backend) backoff(attempt int) time.Duration {
	delay := b.cfg.RetryBaseDelay << uint(attempt)
	if delay > b.cfg.RetryMaxDelay || delay <= 0 {
		delay = b.cfg.RetryMaxDelay
	}

	return delay
}

// classifyStatus maps a non-200 response to a failure class, preserving a
// bounded slice of the body for diagnostics.
func classifyStatus(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", core.ErrRateLimited, resp.Status)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s: %s", errBadRequest, resp.Status, snippet)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", core.ErrInvalidCredential, resp.Status)
	default:
		return fmt.Errorf("%w: %s: %s", core.ErrService, resp.Status, snippet)
	}
}

// generateRequest is the generateContent payload requesting audio output.
type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"responseModalities"`
	SpeechConfig       speechConfig `json:"speechConfig"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

func newGenerateRequest(text, voice string) generateRequest {
	return generateRequest{
		Contents: []content{
			{Parts: []part{{Text: text}}},
		},
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: speechConfig{
				VoiceConfig: voiceConfig{
					PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
				},
			},
		},
	}
}

// generateResponse carries the base64 PCM payload of a successful call.
type generateResponse struct {
	Candidates []candidate `json:"candidates"`
}

type candidate struct {
	Content candidateContent `json:"content"`
}

type candidateContent struct {
	Parts []candidatePart `json:"parts"`
}

type candidatePart struct {
	InlineData inlineData `json:"inlineData"`
}

type inlineData struct {
	Data string `json:"data"`
}

// decodeAudio extracts and validates the PCM payload from a 200 response.
func decodeAudio(body io.Reader) ([]byte, error) {
	var parsed generateResponse

	err := json.NewDecoder(body).Decode(&parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %w", core.ErrService, err)
	}

	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("%w: response carries no audio part", core.ErrService)
	}

	encoded := parsed.Candidates[0].Content.Parts[0].InlineData.Data
	if encoded == "" {
		return nil, fmt.Errorf("%w: response audio payload is empty", core.ErrService)
	}

	pcm, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode audio payload: %w", core.ErrService, err)
	}

	if len(pcm) < minPCMBytes {
		return nil, fmt.Errorf("%w: audio payload too small: %d bytes", core.ErrService, len(pcm))
	}

	return pcm, nil
}

// writeWAV frames raw little-endian 16-bit mono PCM as a WAV file.
func writeWAV(path string, pcm []byte) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}

	encoder := wav.NewEncoder(file, pcmSampleRate, pcmBitDepth, pcmChannels, 1)
	buffer := &audio.IntBuffer{
		Data: samples,
		Format: &audio.Format{
			NumChannels: pcmChannels,
			SampleRate:  pcmSampleRate,
		},
		SourceBitDepth: pcmBitDepth,
	}

	writeErr := encoder.Write(buffer)
	if writeErr != nil {
		_ = encoder.Close()
		_ = file.Close()

		return fmt.Errorf("failed to encode WAV for %s: %w", path, writeErr)
	}

	closeErr := encoder.Close()
	if closeErr != nil {
		_ = file.Close()

		return fmt.Errorf("failed to finalize WAV %s: %w", path, closeErr)
	}

	fileCloseErr := file.Close()
	if fileCloseErr != nil {
		return fmt.Errorf("failed to close %s: %w", path, fileCloseErr)
	}

	return nil
}

// sleepContext waits for the delay or until the context is canceled.
func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("synthesis canceled during backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
