// Package audiocache provides a content-addressed disk cache for synthesized
// audio. Entries are keyed by a hash of (backend, voice, exact text), so a
// hit is only possible for a byte-identical synthesis request.
package audiocache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
)

const (
	// keyLength is the hex prefix length of the sha256 digest used as the
	// entry name. Collisions at this length are treated as negligible.
	keyLength = 16

	entryExtension  = ".audio"
	dirPermissions  = 0o750
	filePermissions = 0o600
)

// Cache is a directory of content-addressed audio files. Distinct keys never
// collide in practice and identical keys hold byte-identical payloads, so no
// locking is needed across concurrent readers and writers.
type Cache struct {
	dir           string
	minValidBytes int64
	log           *logger.Logger
}

// New creates the cache directory if needed and returns the cache. Payloads
// smaller than minValidBytes are treated as invalid on both read and write.
func New(dir string, minValidBytes int64, log *logger.Logger) (*Cache, error) {
	err := os.MkdirAll(dir, dirPermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}

	return &Cache{
		dir:           dir,
		minValidBytes: minValidBytes,
		log:           log,
	}, nil
}

// Get returns the cached audio for the exact (text, voice, backend) triple.
// Any failure along the way, absent file, undersized entry, or read error,
// is reported as a miss, never as an error.
func (c *Cache) Get(text, voice, backend string) ([]byte, bool) {
	path := c.entryPath(text, voice, backend)

	info, err := os.Stat(path)
	if err != nil || info.Size() < c.minValidBytes {
		return nil, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	return data, true
}

// Put stores audio for the triple and reports whether it was written.
// Undersized payloads are rejected so failed or empty synthesis results
// cannot poison the cache; write failures are logged at warn level.
func (c *Cache) Put(text, voice, backend string, data []byte) bool {
	if int64(len(data)) < c.minValidBytes {
		return false
	}

	path := c.entryPath(text, voice, backend)

	err := os.WriteFile(path, data, filePermissions)
	if err != nil {
		c.log.Warn("Failed to write cache entry %s: %v", path, err)

		return false
	}

	return true
}

// EvictOlderThan removes entries whose modification time is older than now
// minus age and returns the number removed. An age of zero purges every
// entry. Removal failures on individual entries are logged and skipped.
func (c *Cache) EvictOlderThan(age time.Duration) (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to scan cache directory %s: %w", c.dir, err)
	}

	cutoff := time.Now().Add(-age)
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != entryExtension {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}

		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(c.dir, entry.Name())

		removeErr := os.Remove(path)
		if removeErr != nil {
			c.log.Warn("Failed to evict cache entry %s: %v", path, removeErr)

			continue
		}

		removed++
	}

	return removed, nil
}

// Stats returns the entry count and total payload size of the cache.
func (c *Cache) Stats() (int, int64, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to scan cache directory %s: %w", c.dir, err)
	}

	count := 0

	var totalBytes int64

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != entryExtension {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}

		count++
		totalBytes += info.Size()
	}

	return count, totalBytes, nil
}

// entryPath derives the content-addressed file path for a triple.
func (c *Cache) entryPath(text, voice, backend string) string {
	digest := sha256.Sum256([]byte(backend + ":" + voice + ":" + text))
	key := hex.EncodeToString(digest[:])[:keyLength]

	return filepath.Join(c.dir, key+entryExtension)
}
