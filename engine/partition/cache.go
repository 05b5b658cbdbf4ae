package partition

import (
	"sync"

	"github.com/lumenmq/lumenmq/engine/codec"
)

// payloadCache is a byte-budgeted ring buffer of the most recently
// appended messages for a partition (spec §3 "optional cache: ring buffer
// of recent messages with a byte budget"). Unlike an LRU, it only ever
// holds a contiguous, offset-ascending tail of the partition, so a read
// range either is fully covered by the ring or isn't covered at all (spec
// §4.3 "get_by_offset": "if cache is enabled and [start,end] subseteq
// cache.range").
//
// This is deliberately the simpler, fixed ring design spec §9's open
// question calls out as an acceptable substitute for proportional sizing.
type payloadCache struct {
	mu sync.RWMutex

	budget    uint64
	usedBytes uint64
	messages  []*codec.Message // offset-ascending, contiguous
}

func newPayloadCache(budgetBytes uint64) *payloadCache {
	return &payloadCache{budget: budgetBytes}
}

// Push appends newly-written messages to the cache tail, evicting the
// oldest entries until the byte budget is respected.
func (c *payloadCache) Push(messages []*codec.Message) {
	if c.budget == 0 || len(messages) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, m := range messages {
		c.messages = append(c.messages, m)
		c.usedBytes += uint64(codec.EncodedLen(m))
	}

	for c.usedBytes > c.budget && len(c.messages) > 0 {
		evicted := c.messages[0]
		c.messages = c.messages[1:]
		c.usedBytes -= uint64(codec.EncodedLen(evicted))
	}
}

// Reset drops every cached message, used when a purge invalidates
// whatever the cache was holding (spec §1 "cache coherence").
func (c *payloadCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	c.usedBytes = 0
}

// Range reports the [start,end] offsets currently covered by the cache,
// and whether the cache holds anything at all.
func (c *payloadCache) Range() (start, end uint64, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.messages) == 0 {
		return 0, 0, false
	}
	return c.messages[0].Offset, c.messages[len(c.messages)-1].Offset, true
}

// Covers reports whether [start,end] is fully contained in the cached
// range.
func (c *payloadCache) Covers(start, end uint64) bool {
	rStart, rEnd, ok := c.Range()
	if !ok {
		return false
	}
	return start >= rStart && end <= rEnd
}

// Get returns the cached messages with offsets in [start,end], capped at
// maxCount. Callers must have already confirmed Covers(start,end).
func (c *payloadCache) Get(start, end uint64, maxCount int) []*codec.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.messages) == 0 {
		return nil
	}
	base := c.messages[0].Offset
	startIdx := int(start - base)
	endIdx := int(end-base) + 1
	if startIdx < 0 {
		startIdx = 0
	}
	if endIdx > len(c.messages) {
		endIdx = len(c.messages)
	}
	if maxCount > 0 && endIdx-startIdx > maxCount {
		endIdx = startIdx + maxCount
	}
	if startIdx >= endIdx {
		return nil
	}

	out := make([]*codec.Message, endIdx-startIdx)
	copy(out, c.messages[startIdx:endIdx])
	return out
}
