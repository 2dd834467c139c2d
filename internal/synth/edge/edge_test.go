// Package edge_test tests the streaming backend against a mock read-aloud
// WebSocket service.
package edge_test

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/audiocache"
	"github.com/book-expert/narrator-service/internal/core"
	"github.com/book-expert/narrator-service/internal/synth/edge"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMinValidBytes = 4

// binaryFrame builds a protocol frame: big-endian header length, ASCII
// headers, then the payload.
func binaryFrame(header string, payload []byte) []byte {
	frame := make([]byte, 2, 2+len(header)+len(payload))
	binary.BigEndian.PutUint16(frame, uint16(len(header)))

	frame = append(frame, header...)
	frame = append(frame, payload...)

	return frame
}

// mockReadAloudServer speaks just enough of the protocol: it consumes the
// speech.config and ssml frames, then plays back the scripted frames.
func mockReadAloudServer(t *testing.T, script func(t *testing.T, conn *websocket.Conn)) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		defer conn.Close()

		_, configFrame, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Contains(t, string(configFrame), "Path:speech.config")

		_, ssmlFrame, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Contains(t, string(ssmlFrame), "Path:ssml")

		script(t, conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func newTestBackend(t *testing.T, endpoint string) (*edge.Backend, *audiocache.Cache) {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "edge-test.log")
	require.NoError(t, err)

	cache, err := audiocache.New(t.TempDir(), testMinValidBytes, testLogger)
	require.NoError(t, err)

	cfg := edge.Config{
		Endpoint:    endpoint,
		DialTimeout: 5 * time.Second,
		ReadTimeout: 5 * time.Second,
	}

	return edge.New(cfg, cache, testLogger), cache
}

func synthesisRequest(t *testing.T) core.SynthesisRequest {
	t.Helper()

	return core.SynthesisRequest{
		Text:       "hello streaming world",
		Voice:      "en-US-AriaNeural",
		Rate:       "+0%",
		OutputPath: filepath.Join(t.TempDir(), "unit.mp3"),
	}
}

func TestSynthesize_ConcatenatesFramesInDeliveryOrder(t *testing.T) {
	t.Parallel()

	server := mockReadAloudServer(t, func(t *testing.T, conn *websocket.Conn) {
		t.Helper()

		frames := [][]byte{
			binaryFrame("Path:audio\r\n", []byte("first-")),
			// A non-audio binary frame must be skipped, not appended.
			binaryFrame("Path:metadata\r\n", []byte("junk")),
			binaryFrame("Path:audio\r\n", []byte("second-")),
			binaryFrame("Path:audio\r\n", []byte("third")),
		}

		for _, frame := range frames {
			require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
		}

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("Path:turn.end\r\n\r\n{}")))
	})
	defer server.Close()

	backend, cache := newTestBackend(t, wsURL(server))
	req := synthesisRequest(t)

	err := backend.Synthesize(context.Background(), req)
	require.NoError(t, err)

	written, err := os.ReadFile(req.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "first-second-third", string(written))

	cached, hit := cache.Get(req.Text, req.Voice, edge.BackendName)
	require.True(t, hit)
	assert.Equal(t, written, cached)
}

func TestSynthesize_CacheHitSkipsDialing(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("cache hit must not dial the service")
	}))
	defer server.Close()

	backend, cache := newTestBackend(t, wsURL(server))
	req := synthesisRequest(t)

	cachedAudio := []byte("cached-mp3-bytes")
	require.True(t, cache.Put(req.Text, req.Voice, edge.BackendName, cachedAudio))

	err := backend.Synthesize(context.Background(), req)
	require.NoError(t, err)

	written, err := os.ReadFile(req.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, cachedAudio, written)
}

func TestSynthesize_EmptyStreamIsServiceError(t *testing.T) {
	t.Parallel()

	server := mockReadAloudServer(t, func(t *testing.T, conn *websocket.Conn) {
		t.Helper()

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("Path:turn.end\r\n\r\n{}")))
	})
	defer server.Close()

	backend, _ := newTestBackend(t, wsURL(server))

	err := backend.Synthesize(context.Background(), synthesisRequest(t))
	require.ErrorIs(t, err, core.ErrService)
}

func TestSynthesize_DialFailureIsNetworkFailure(t *testing.T) {
	t.Parallel()

	backend, _ := newTestBackend(t, "ws://127.0.0.1:1")

	err := backend.Synthesize(context.Background(), synthesisRequest(t))
	require.ErrorIs(t, err, core.ErrNetworkFailure)
}

func TestSynthesize_SSMLCarriesVoiceAndRate(t *testing.T) {
	t.Parallel()

	var captured string

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		defer conn.Close()

		_, _, err = conn.ReadMessage()
		require.NoError(t, err)

		_, ssmlFrame, err := conn.ReadMessage()
		require.NoError(t, err)

		captured = string(ssmlFrame)

		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage,
			binaryFrame("Path:audio\r\n", []byte("mp3-data"))))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("Path:turn.end")))
	}))
	defer server.Close()

	backend, _ := newTestBackend(t, wsURL(server))

	req := core.SynthesisRequest{
		Text:       "a < b & c",
		Voice:      "en-GB-RyanNeural",
		Rate:       "+10%",
		OutputPath: filepath.Join(t.TempDir(), "unit.mp3"),
	}

	err := backend.Synthesize(context.Background(), req)
	require.NoError(t, err)

	assert.Contains(t, captured, "name='en-GB-RyanNeural'")
	assert.Contains(t, captured, "rate='+10%'")
	assert.Contains(t, captured, "a &lt; b &amp; c")
}
