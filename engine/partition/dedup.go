package partition

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/willf/bloom"
)

// deduplicator drops messages whose client-supplied id has already been
// seen within a bounded TTL window (spec §4.3 "append": "if dedup is
// enabled and id already seen within the window, drop the message").
//
// It composes a bloom filter as a cheap pre-filter with an exact, bounded
// LRU behind it — the same two-stage "probably-seen, then confirm" shape
// friggdb.go's Find uses its bloom filter for before paying for the real
// lookup.
type deduplicator struct {
	mu sync.Mutex

	ttl     time.Duration
	filter  *bloom.BloomFilter
	exact   *lru.Cache[[16]byte, time.Time]
	entries uint
}

func newDeduplicator(capacity int, falsePositive float64, ttl time.Duration) (*deduplicator, error) {
	if capacity <= 0 {
		capacity = 1
	}
	exact, err := lru.New[[16]byte, time.Time](capacity)
	if err != nil {
		return nil, err
	}
	return &deduplicator{
		ttl:    ttl,
		filter: bloom.NewWithEstimates(uint(capacity), falsePositive),
		exact:  exact,
	}, nil
}

// Seen reports whether id was already recorded within the TTL window, and
// records it as seen either way (matching append's "observe, then decide"
// semantics: a duplicate is dropped, a fresh id is recorded so later
// duplicates of it are also caught).
func (d *deduplicator) Seen(id [16]byte, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.filter.Test(id[:]) {
		d.remember(id, now)
		return false
	}

	seenAt, ok := d.exact.Get(id)
	if !ok {
		// Bloom false positive: not actually in the exact set.
		d.remember(id, now)
		return false
	}
	if now.Sub(seenAt) > d.ttl {
		// Stale entry past its window; treat as fresh and refresh it.
		d.remember(id, now)
		return false
	}
	return true
}

func (d *deduplicator) remember(id [16]byte, now time.Time) {
	d.filter.Add(id[:])
	d.exact.Add(id, now)
}
