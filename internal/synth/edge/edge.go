// Package edge implements the free streaming synthesis backend over the
// Edge read-aloud WebSocket protocol.
//
// One synthesis call is one WebSocket session: a speech.config frame, an
// SSML frame, then a stream of binary frames whose audio payloads are
// concatenated in delivery order until a turn.end frame arrives. The
// service already returns a playable MP3 stream, so no container framing is
// applied. The backend makes a single attempt per call; bounded retry lives
// in the pipeline because there is no credential state to advance here.
package edge

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/audiocache"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// BackendName identifies this backend in cache keys and logs.
const BackendName = "edge"

// Protocol constants for the read-aloud service.
const (
	trustedClientToken = "6A5AA1D4EAFF4E9FB37E23D68491D6F4"
	outputFormat       = "audio-24khz-48kbitrate-mono-mp3"
	originHeader       = "chrome-extension://jdiccldimpdaibmpdkjnbmckianbfold"

	pathAudio   = "Path:audio"
	pathTurnEnd = "Path:turn.end"

	defaultRate = "+0%"
)

// Frame templates. Headers are CRLF-separated, terminated by a blank line.
const (
	speechConfigFrame = "X-Timestamp:%s\r\n" +
		"Content-Type:application/json; charset=utf-8\r\n" +
		"Path:speech.config\r\n\r\n" +
		`{"context":{"synthesis":{"audio":{"metadataoptions":` +
		`{"sentenceBoundaryEnabled":"false","wordBoundaryEnabled":"false"},` +
		`"outputFormat":"` + outputFormat + `"}}}}`

	ssmlFrame = "X-RequestId:%s\r\n" +
		"Content-Type:application/ssml+xml\r\n" +
		"X-Timestamp:%s\r\n" +
		"Path:ssml\r\n\r\n" +
		`<speak version='1.0' xmlns='http://www.w3.org/2001/10/synthesis' xml:lang='en-US'>` +
		`<voice name='%s'><prosody pitch='+0Hz' rate='%s' volume='+0%%'>%s</prosody></voice></speak>`
)

// Connection limits.
const (
	maxMessageSize   = 16 * 1024 * 1024
	binaryHeaderSize = 2
)

const filePermissions = 0o600

// Config holds the streaming backend settings.
type Config struct {
	Endpoint    string
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

// Backend synthesizes text through the Edge read-aloud service.
type Backend struct {
	cfg    Config
	dialer *websocket.Dialer
	cache  *audiocache.Cache
	log    *logger.Logger
}

// ssmlEscaper rewrites characters that would break the SSML payload.
var ssmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// New creates a Backend.
func New(cfg Config, cache *audiocache.Cache, log *logger.Logger) *Backend {
	return &Backend{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
			TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
		},
		cache: cache,
		log:   log,
	}
}

// Name identifies the backend.
func (b *Backend) Name() string {
	return BackendName
}

// Metered reports that this backend is free of quota accounting.
func (b *Backend) Metered() bool {
	return false
}

// Extension returns the container extension of the files this backend writes.
func (b *Backend) Extension() string {
	return ".mp3"
}

// Synthesize streams audio for req.Text to req.OutputPath. The cache is
// consulted before dialing and populated after a successful stream.
func (b *Backend) Synthesize(ctx context.Context, req core.SynthesisRequest) error {
	if cached, hit := b.cache.Get(req.Text, req.Voice, BackendName); hit {
		err := os.WriteFile(req.OutputPath, cached, filePermissions)
		if err != nil {
			return fmt.Errorf("failed to write cached audio to %s: %w", req.OutputPath, err)
		}

		return nil
	}

	rate := req.Rate
	if rate == "" {
		rate = defaultRate
	}

	audio, err := b.stream(ctx, req.Text, req.Voice, rate)
	if err != nil {
		return err
	}

	if len(audio) == 0 {
		return fmt.Errorf("%w: stream ended with no audio frames", core.ErrService)
	}

	writeErr := os.WriteFile(req.OutputPath, audio, filePermissions)
	if writeErr != nil {
		return fmt.Errorf("failed to write audio to %s: %w", req.OutputPath, writeErr)
	}

	b.cache.Put(req.Text, req.Voice, BackendName, audio)

	return nil
}

// stream runs one WebSocket session and returns the concatenated audio
// payloads in delivery order.
func (b *Backend) stream(ctx context.Context, text, voice, rate string) ([]byte, error) {
	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")
	url := b.cfg.Endpoint + "?TrustedClientToken=" + trustedClientToken + "&ConnectionId=" + requestID

	headers := http.Header{}
	headers.Set("Origin", originHeader)

	conn, resp, err := b.dialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}

		return nil, fmt.Errorf("%w: failed to dial %s: %w", core.ErrNetworkFailure, b.cfg.Endpoint, err)
	}

	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	defer func() {
		closeErr := conn.Close()
		if closeErr != nil {
			b.log.Warn("Failed to close synthesis stream: %v", closeErr)
		}
	}()

	conn.SetReadLimit(maxMessageSize)

	timestamp := time.Now().UTC().Format(time.RFC1123)

	configFrame := fmt.Sprintf(speechConfigFrame, timestamp)

	err = conn.WriteMessage(websocket.TextMessage, []byte(configFrame))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to send speech config: %w", core.ErrNetworkFailure, err)
	}

	escaped := ssmlEscaper.Replace(text)
	requestFrame := fmt.Sprintf(ssmlFrame, requestID, timestamp, voice, rate, escaped)

	err = conn.WriteMessage(websocket.TextMessage, []byte(requestFrame))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to send synthesis request: %w", core.ErrNetworkFailure, err)
	}

	return b.collectFrames(conn)
}

// collectFrames reads frames until turn.end, appending each binary audio
// payload in delivery order.
func (b *Backend) collectFrames(conn *websocket.Conn) ([]byte, error) {
	var audio []byte

	if b.cfg.ReadTimeout > 0 {
		deadlineErr := conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
		if deadlineErr != nil {
			return nil, fmt.Errorf("%w: failed to set read deadline: %w", core.ErrNetworkFailure, deadlineErr)
		}
	}

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: stream read failed: %w", core.ErrNetworkFailure, err)
		}

		switch messageType {
		case websocket.BinaryMessage:
			payload, ok := audioPayload(data)
			if ok {
				audio = append(audio, payload...)
			}
		case websocket.TextMessage:
			if strings.Contains(string(data), pathTurnEnd) {
				return audio, nil
			}
		default:
			// Control frames are handled by gorilla internally.
		}
	}
}

// audioPayload strips the length-prefixed header from a binary frame and
// returns the audio bytes. Frames whose header does not carry an audio path
// are skipped.
func audioPayload(data []byte) ([]byte, bool) {
	if len(data) < binaryHeaderSize {
		return nil, false
	}

	headerLen := int(binary.BigEndian.Uint16(data[:binaryHeaderSize]))
	end := binaryHeaderSize + headerLen

	if end > len(data) {
		return nil, false
	}

	header := string(data[binaryHeaderSize:end])
	if !strings.Contains(header, pathAudio) {
		return nil, false
	}

	return data[end:], true
}
