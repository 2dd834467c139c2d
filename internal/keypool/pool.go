// Package keypool holds an ordered set of API credentials and serializes
// rotation between concurrent synthesis workers.
package keypool

import (
	"strings"
	"sync"
)

// Pool owns the credential list and the current index. Both reads and
// rotation go through the pool mutex; the index is never exposed directly.
type Pool struct {
	mu    sync.Mutex
	keys  []string
	index int
}

// New creates a pool from the given credentials. Blank entries are dropped
// and the remaining keys are copied, so later mutation of the input slice
// cannot affect the pool.
func New(keys []string) *Pool {
	cleaned := make([]string, 0, len(keys))

	for _, key := range keys {
		trimmed := strings.TrimSpace(key)
		if trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}

	return &Pool{
		mu:    sync.Mutex{},
		keys:  cleaned,
		index: 0,
	}
}

// Current returns the credential at the current index. The second return is
// false when the pool is empty.
func (p *Pool) Current() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) == 0 {
		return "", false
	}

	return p.keys[p.index], true
}

// Rotate advances to the next credential, wrapping at the end of the list.
// Each call advances exactly one step; concurrent calls never lose an
// update. Rotating an empty pool is a no-op.
func (p *Pool) Rotate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) == 0 {
		return
	}

	p.index = (p.index + 1) % len(p.keys)
}

// HasCredentials reports whether the pool holds at least one credential.
func (p *Pool) HasCredentials() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.keys) > 0
}

// Len returns the number of credentials in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.keys)
}
