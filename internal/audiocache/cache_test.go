// Package audiocache_test tests the content-addressed audio cache.
package audiocache_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/narrator-service/internal/audiocache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMinValidBytes = 200

func newTestCache(t *testing.T) *audiocache.Cache {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "cache-test.log")
	require.NoError(t, err)

	cache, err := audiocache.New(t.TempDir(), testMinValidBytes, testLogger)
	require.NoError(t, err)

	return cache
}

func validPayload(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, testMinValidBytes+56)
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)
	payload := validPayload('x')

	stored := cache.Put("some unit text", "Puck", "gemini", payload)
	require.True(t, stored)

	got, hit := cache.Get("some unit text", "Puck", "gemini")
	require.True(t, hit)
	assert.Equal(t, payload, got)
}

func TestGet_MissOnAbsentEntry(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	_, hit := cache.Get("never stored", "Puck", "gemini")
	assert.False(t, hit)
}

func TestKeyCoversAllInputs(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)
	payload := validPayload('a')

	require.True(t, cache.Put("text", "Puck", "gemini", payload))

	_, hit := cache.Get("text", "Kore", "gemini")
	assert.False(t, hit, "different voice must miss")

	_, hit = cache.Get("text", "Puck", "edge")
	assert.False(t, hit, "different backend must miss")

	_, hit = cache.Get("text ", "Puck", "gemini")
	assert.False(t, hit, "non-identical text must miss")
}

func TestPut_RejectsUndersizedPayload(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	stored := cache.Put("tiny", "Puck", "gemini", []byte("too small"))
	assert.False(t, stored)

	_, hit := cache.Get("tiny", "Puck", "gemini")
	assert.False(t, hit, "rejected payload must never be stored")
}

func TestEvictOlderThan_AgeBoundary(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	testLogger, err := logger.New(t.TempDir(), "cache-test.log")
	require.NoError(t, err)

	cache, err := audiocache.New(dir, testMinValidBytes, testLogger)
	require.NoError(t, err)

	require.True(t, cache.Put("old entry", "Puck", "gemini", validPayload('o')))
	require.True(t, cache.Put("new entry", "Puck", "gemini", validPayload('n')))

	// Age the first entry by rewinding its modification time.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	old := time.Now().Add(-10 * 24 * time.Hour)

	var aged string

	for _, entry := range entries {
		_, hit := cache.Get("old entry", "Puck", "gemini")
		require.True(t, hit)

		path := filepath.Join(dir, entry.Name())

		data, readErr := os.ReadFile(path)
		require.NoError(t, readErr)

		if data[0] == 'o' {
			require.NoError(t, os.Chtimes(path, old, old))

			aged = path
		}
	}

	require.NotEmpty(t, aged)

	removed, err := cache.EvictOlderThan(7 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, hit := cache.Get("old entry", "Puck", "gemini")
	assert.False(t, hit)

	_, hit = cache.Get("new entry", "Puck", "gemini")
	assert.True(t, hit)
}

func TestEvictOlderThan_ZeroPurgesEverything(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)

	require.True(t, cache.Put("first", "Puck", "gemini", validPayload('1')))
	require.True(t, cache.Put("second", "Puck", "gemini", validPayload('2')))

	removed, err := cache.EvictOlderThan(0)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, bytesUsed, err := cache.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, entries)
	assert.Equal(t, int64(0), bytesUsed)
}

func TestStats(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t)
	payload := validPayload('s')

	require.True(t, cache.Put("first", "Puck", "gemini", payload))
	require.True(t, cache.Put("second", "Puck", "gemini", payload))

	entries, bytesUsed, err := cache.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, entries)
	assert.Equal(t, int64(2*len(payload)), bytesUsed)
}
