// Package keyring rotates through a pool of API keys for rate-limited providers.
package keyring

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Rotator hands out API keys round-robin. Callers advance it when a key is rate limited.
type Rotator struct {
	mu     sync.Mutex
	keys   []string
	idx    int
	logger *zap.Logger
}

// New builds a Rotator from keys, dropping blanks and duplicates.
func New(keys []string, logger *zap.Logger) *Rotator {
	if logger == nil {
		logger = zap.NewNop()
	}
	seen := make(map[string]bool, len(keys))
	var clean []string
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		clean = append(clean, k)
	}
	return &Rotator{keys: clean, logger: logger}
}

// Current returns the key in use, or "" when the pool is empty.
func (r *Rotator) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) == 0 {
		return ""
	}
	return r.keys[r.idx]
}

// Rotate moves past failed if it is still the current key and returns the new current key.
// Concurrent callers that saw the same rate-limited key advance the pool once.
func (r *Rotator) Rotate(failed string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.keys) == 0 {
		return ""
	}
	if r.keys[r.idx] == failed && len(r.keys) > 1 {
		r.idx = (r.idx + 1) % len(r.keys)
		r.logger.Info("rotated api key", zap.Int("index", r.idx), zap.Int("pool", len(r.keys)))
	}
	return r.keys[r.idx]
}

// Len reports the pool size.
func (r *Rotator) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}
