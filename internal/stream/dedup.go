package stream

import (
	"crypto/sha256"
	"sync"
	"time"
)

const DefaultDedupTTL = 30 * time.Second

// dedupTable remembers fingerprints of text the caller already delivered
// out-of-band, so the same content echoed back on the stream is suppressed.
// Entries expire after the TTL; expired entries are purged lazily.
type dedupTable struct {
	mu      sync.Mutex
	entries map[[32]byte]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func newDedupTable(ttl time.Duration) *dedupTable {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &dedupTable{
		entries: make(map[[32]byte]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (d *dedupTable) mark(text string) {
	key := sha256.Sum256([]byte(text))
	d.mu.Lock()
	d.entries[key] = d.now()
	d.purgeLocked()
	d.mu.Unlock()
}

// suppress reports whether text matches an unexpired fingerprint. A match
// consumes the fingerprint so only one echo is swallowed per mark.
func (d *dedupTable) suppress(text string) bool {
	key := sha256.Sum256([]byte(text))
	d.mu.Lock()
	defer d.mu.Unlock()
	marked, ok := d.entries[key]
	if !ok {
		return false
	}
	if d.now().Sub(marked) > d.ttl {
		delete(d.entries, key)
		return false
	}
	delete(d.entries, key)
	return true
}

func (d *dedupTable) purgeLocked() {
	cutoff := d.now().Add(-d.ttl)
	for key, marked := range d.entries {
		if marked.Before(cutoff) {
			delete(d.entries, key)
		}
	}
}
