// Package partition implements one partition's ordered list of segments,
// its consumer/group offset bookkeeping, optional payload cache and
// optional deduplicator (spec §3 "Partition", §4.3).
//
// The segment-list management — picking the tail, rolling when it's
// closed or full, concatenating reads across segment boundaries — plays
// the same role friggdb.go's readerWriter plays composing wal+backend+pool
// into one logical reader/writer over many physical blocks.
package partition

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/lumenmq/lumenmq/engine/brokererr"
	"github.com/lumenmq/lumenmq/engine/codec"
	"github.com/lumenmq/lumenmq/engine/config"
	"github.com/lumenmq/lumenmq/engine/metrics"
	"github.com/lumenmq/lumenmq/engine/segment"
)

// OffsetKind distinguishes a lone-consumer offset from a consumer-group
// offset, the "kind" component of the embedded store's composite key
// (spec §4.3 "store_consumer_offset": "keyed by (kind, stream, topic,
// partition, consumer_or_group_id)").
type OffsetKind uint8

const (
	OffsetKindConsumer OffsetKind = iota + 1
	OffsetKindGroup
)

// OffsetStore is the durable, ordered key-value collaborator consumer and
// group offsets are persisted through. Partition depends only on this
// narrow interface so it never imports the storage package directly.
type OffsetStore interface {
	GetOffset(kind OffsetKind, streamID, topicID, partitionID, entityID uint32) (uint64, bool, error)
	StoreOffset(kind OffsetKind, streamID, topicID, partitionID, entityID uint32, offset uint64) error
}

// AppendRequest is one inbound record awaiting dedup/offset assignment.
type AppendRequest struct {
	ID      [16]byte
	Headers map[string]codec.HeaderValue
	Payload []byte
}

// Partition owns an ordered, non-empty list of Segments and the
// bookkeeping layered on top of them (spec §3 "Partition").
type Partition struct {
	streamID, topicID, id uint32
	dir                   string
	cfg                   *config.Config
	logger                log.Logger

	appendMu sync.Mutex // serializes append (single-writer domain, spec §5)

	structMu      sync.RWMutex
	segments      []*segment.Segment // ascending by StartOffset
	currentOffset uint64
	hasMessages   bool
	messagesCount uint64

	cache *payloadCache
	dedup *deduplicator

	offsets OffsetStore

	offsetMu       sync.Mutex
	consumerCache  map[uint32]uint64
	groupCache     map[uint32]uint64
}

// Open reopens (or creates, if dir is empty) the partition's segments from
// disk (spec §4.6 "Open on-disk segments": enumerate *.log files, parse
// start_offset from the filename, open each Segment, rebuild indexes, set
// current_offset from the last segment).
func Open(dir string, streamID, topicID, id uint32, cfg *config.Config, store OffsetStore, logger log.Logger) (*Partition, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, brokererr.Wrap(brokererr.CodeIOFailure, "create partition directory", err)
	}

	p := &Partition{
		streamID:      streamID,
		topicID:       topicID,
		id:            id,
		dir:           dir,
		cfg:           cfg,
		logger:        log.With(logger, "partition", id),
		offsets:       store,
		consumerCache: make(map[uint32]uint64),
		groupCache:    make(map[uint32]uint64),
	}

	if cfg.Partition.CacheEnabled {
		p.cache = newPayloadCache(cfg.Partition.CacheBytesBudget)
	}
	if cfg.Partition.DedupEnabled {
		dd, err := newDeduplicator(cfg.Partition.DedupCapacity, cfg.Partition.DedupFalsePositive, cfg.Partition.DedupTTL)
		if err != nil {
			return nil, brokererr.Wrap(brokererr.CodeUnknown, "create partition deduplicator", err)
		}
		p.dedup = dd
	}

	starts, err := discoverSegmentStarts(dir)
	if err != nil {
		return nil, err
	}

	if len(starts) == 0 {
		seg, err := segment.Open(dir, 0, cfg.Segment, log.With(p.logger, "component", "segment"))
		if err != nil {
			return nil, err
		}
		p.segments = []*segment.Segment{seg}
		p.currentOffset = 0
		p.hasMessages = false
		metrics.SegmentsOpen.WithLabelValues(strconv.Itoa(int(topicID)), strconv.Itoa(int(id))).Set(1)
		return p, nil
	}

	segs := make([]*segment.Segment, 0, len(starts))
	for _, start := range starts {
		seg, err := segment.Open(dir, start, cfg.Segment, log.With(p.logger, "component", "segment"))
		if err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}

	// Every segment but the last was rolled closed when it was written;
	// an on-disk segment never ends mid-write (recover() truncates
	// trailers), so it's safe to mark all but the tail closed.
	for _, seg := range segs[:len(segs)-1] {
		if !seg.IsClosed() {
			if err := seg.Close(); err != nil {
				return nil, err
			}
		}
	}

	p.segments = segs
	tail := segs[len(segs)-1]
	if tail.Count() > 0 {
		p.currentOffset = tail.CurrentOffset()
		p.hasMessages = true
	} else if len(segs) > 1 {
		p.currentOffset = segs[len(segs)-2].EndOffset()
		p.hasMessages = true
	}
	for _, seg := range segs {
		p.messagesCount += uint64(seg.Count())
	}
	metrics.SegmentsOpen.WithLabelValues(strconv.Itoa(int(topicID)), strconv.Itoa(int(id))).Set(float64(len(segs)))

	return p, nil
}

func discoverSegmentStarts(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.CodeIOFailure, "list partition directory", err)
	}

	var starts []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".log")
		start, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue
		}
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts, nil
}

func (p *Partition) labels() []string {
	return []string{strconv.Itoa(int(p.topicID)), strconv.Itoa(int(p.id))}
}

// Append assigns offsets for records against the tail segment, rolling to
// a fresh segment first if the tail is closed or full, dropping
// duplicates when dedup is enabled (spec §4.3 "append").
func (p *Partition) Append(ctx context.Context, reqs []AppendRequest, messageExpiryMicros uint64) ([]*codec.Message, error) {
	p.appendMu.Lock()
	defer p.appendMu.Unlock()

	filtered := make([]segment.AppendRecord, 0, len(reqs))
	now := time.Now()
	for _, r := range reqs {
		id := r.ID
		if id == ([16]byte{}) {
			gen, err := codec.GenerateID()
			if err != nil {
				return nil, brokererr.Wrap(brokererr.CodeUnknown, "generate message id", err)
			}
			id = gen
		}

		if p.dedup != nil {
			if p.dedup.Seen(id, now) {
				level.Warn(p.logger).Log("msg", "dropping duplicate message", "id", fmt.Sprintf("%x", id))
				metrics.DedupDropped.WithLabelValues(p.labels()...).Inc()
				continue
			}
		}

		filtered = append(filtered, segment.AppendRecord{ID: id, Headers: r.Headers, Payload: r.Payload})
	}

	if len(filtered) == 0 {
		return nil, nil
	}

	tail, err := p.tailForAppend()
	if err != nil {
		return nil, err
	}

	assigned, shouldRoll, err := tail.Append(ctx, filtered, messageExpiryMicros)
	if err != nil {
		return nil, err
	}

	metrics.SegmentAppends.WithLabelValues(p.labels()...).Add(float64(len(assigned)))
	var bytesWritten int
	for _, m := range assigned {
		bytesWritten += codec.EncodedLen(m)
	}
	metrics.SegmentBytesWritten.WithLabelValues(p.labels()...).Add(float64(bytesWritten))

	p.structMu.Lock()
	if len(assigned) > 0 {
		p.currentOffset = assigned[len(assigned)-1].Offset
		p.hasMessages = true
		p.messagesCount += uint64(len(assigned))
	}
	p.structMu.Unlock()

	if p.cache != nil {
		p.cache.Push(assigned)
	}

	if shouldRoll {
		if err := p.roll(tail); err != nil {
			level.Error(p.logger).Log("msg", "failed to roll segment", "err", err)
		}
	}

	return assigned, nil
}

func (p *Partition) tailForAppend() (*segment.Segment, error) {
	p.structMu.RLock()
	tail := p.segments[len(p.segments)-1]
	closed := tail.IsClosed()
	p.structMu.RUnlock()

	if !closed {
		return tail, nil
	}
	return p.roll(tail)
}

// roll closes cur (if not already closed) and opens a fresh segment
// starting at cur.EndOffset()+1 (spec §4.3 "If the tail is closed, opens a
// new segment at prev.end_offset + 1").
func (p *Partition) roll(cur *segment.Segment) (*segment.Segment, error) {
	p.structMu.Lock()
	defer p.structMu.Unlock()

	// Another goroutine may have already rolled past cur while we waited
	// for the lock; if so, just return the current tail.
	tail := p.segments[len(p.segments)-1]
	if tail != cur {
		return tail, nil
	}

	if !cur.IsClosed() {
		if err := cur.Close(); err != nil {
			return nil, err
		}
	}

	next, err := segment.Open(p.dir, cur.EndOffset()+1, p.cfg.Segment, log.With(p.logger, "component", "segment"))
	if err != nil {
		return nil, err
	}
	p.segments = append(p.segments, next)
	metrics.SegmentsRolled.WithLabelValues(p.labels()...).Inc()
	metrics.SegmentsOpen.WithLabelValues(p.labels()...).Set(float64(len(p.segments)))
	return next, nil
}

// CurrentOffset returns the highest assigned offset, and whether any
// message has ever landed in this partition.
func (p *Partition) CurrentOffset() (offset uint64, hasMessages bool) {
	p.structMu.RLock()
	defer p.structMu.RUnlock()
	return p.currentOffset, p.hasMessages
}

// MessagesCount returns the total number of records stored across all
// segments.
func (p *Partition) MessagesCount() uint64 {
	p.structMu.RLock()
	defer p.structMu.RUnlock()
	return p.messagesCount
}

// GetByOffset returns nothing when start is past current_offset, computes
// end = min(start+count-1, current_offset), serves from the cache when it
// fully covers the range, and otherwise concatenates reads across the
// segments whose ranges intersect it (spec §4.3 "get_by_offset").
func (p *Partition) GetByOffset(start uint64, count int) ([]*codec.Message, error) {
	p.structMu.RLock()
	cur, has := p.currentOffset, p.hasMessages
	segs := append([]*segment.Segment(nil), p.segments...)
	p.structMu.RUnlock()

	if !has || count <= 0 {
		return nil, nil
	}
	if start > cur {
		return nil, nil
	}
	end := cur
	if count > 0 && start+uint64(count)-1 < cur {
		end = start + uint64(count) - 1
	}

	if p.cache != nil && p.cache.Covers(start, end) {
		metrics.PartitionCacheHits.WithLabelValues(p.labels()...).Inc()
		return p.cache.Get(start, end, count), nil
	}
	if p.cache != nil {
		metrics.PartitionCacheMisses.WithLabelValues(p.labels()...).Inc()
	}

	var out []*codec.Message
	for _, seg := range segs {
		if len(out) >= count {
			break
		}
		segEnd := seg.CurrentOffset()
		if seg.IsClosed() {
			segEnd = seg.EndOffset()
		}
		if seg.StartOffset() > end || segEnd < start {
			continue
		}
		remaining := count - len(out)
		msgs, err := seg.GetByOffsetRange(start, end, remaining)
		if err != nil {
			return nil, err
		}
		out = append(out, msgs...)
	}
	return out, nil
}

// GetByTimestamp locates the first segment whose [first_ts, last_ts]
// covers ts and delegates to it; if none covers, returns empty (spec
// §4.3 "get_by_timestamp").
func (p *Partition) GetByTimestamp(ts uint64, count int) ([]*codec.Message, error) {
	p.structMu.RLock()
	segs := append([]*segment.Segment(nil), p.segments...)
	p.structMu.RUnlock()

	for _, seg := range segs {
		msgs, err := seg.GetByTimestamp(ts, count)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			// The first segment holding a record at or after ts starts
			// after ts: ts falls before or between segments.
			if msgs[0].Offset == seg.StartOffset() && msgs[0].Timestamp > ts {
				return nil, nil
			}
			return msgs, nil
		}
	}
	return nil, nil
}

// GetFirst returns up to count records from offset 0.
func (p *Partition) GetFirst(count int) ([]*codec.Message, error) {
	return p.GetByOffset(0, count)
}

// GetLast returns up to count records ending at current_offset.
func (p *Partition) GetLast(count int) ([]*codec.Message, error) {
	p.structMu.RLock()
	cur, has := p.currentOffset, p.hasMessages
	p.structMu.RUnlock()
	if !has || count <= 0 {
		return nil, nil
	}
	var start uint64
	if uint64(count) <= cur+1 {
		start = cur - uint64(count) + 1
	}
	return p.GetByOffset(start, count)
}

// GetNext returns up to count records after the consumer's stored offset,
// starting from offset 0 when the consumer has none stored (spec §4.3
// "get_next").
func (p *Partition) GetNext(consumer uint32, count int) ([]*codec.Message, error) {
	p.offsetMu.Lock()
	stored, found := p.consumerCache[consumer]
	p.offsetMu.Unlock()
	if !found && p.offsets != nil {
		v, ok, err := p.offsets.GetOffset(OffsetKindConsumer, p.streamID, p.topicID, p.id, consumer)
		if err != nil {
			return nil, brokererr.Wrap(brokererr.CodeIOFailure, "load offset", err)
		}
		stored, found = v, ok
	}
	if !found {
		return p.GetByOffset(0, count)
	}
	return p.GetByOffset(stored+1, count)
}

// StoreConsumerOffset durably records offset for consumer, last-writer-
// wins (spec §4.3 "Consumer offset state machine").
func (p *Partition) StoreConsumerOffset(consumer uint32, offset uint64) error {
	return p.storeOffset(OffsetKindConsumer, consumer, offset)
}

// GetConsumerOffset returns the last stored offset for consumer, or 0 if
// none has ever been stored.
func (p *Partition) GetConsumerOffset(consumer uint32) (uint64, error) {
	return p.getOffset(OffsetKindConsumer, consumer)
}

// StoreGroupOffset durably records offset for the consumer group.
func (p *Partition) StoreGroupOffset(group uint32, offset uint64) error {
	return p.storeOffset(OffsetKindGroup, group, offset)
}

// GetGroupOffset returns the last stored offset for the consumer group, or
// 0 if none has ever been stored.
func (p *Partition) GetGroupOffset(group uint32) (uint64, error) {
	return p.getOffset(OffsetKindGroup, group)
}

func (p *Partition) storeOffset(kind OffsetKind, entityID uint32, offset uint64) error {
	if p.offsets != nil {
		if err := p.offsets.StoreOffset(kind, p.streamID, p.topicID, p.id, entityID, offset); err != nil {
			return brokererr.Wrap(brokererr.CodeIOFailure, "store offset", err)
		}
	}
	p.offsetMu.Lock()
	defer p.offsetMu.Unlock()
	if kind == OffsetKindConsumer {
		p.consumerCache[entityID] = offset
	} else {
		p.groupCache[entityID] = offset
	}
	return nil
}

func (p *Partition) getOffset(kind OffsetKind, entityID uint32) (uint64, error) {
	p.offsetMu.Lock()
	cache := p.consumerCache
	if kind == OffsetKindGroup {
		cache = p.groupCache
	}
	if v, ok := cache[entityID]; ok {
		p.offsetMu.Unlock()
		return v, nil
	}
	p.offsetMu.Unlock()

	if p.offsets == nil {
		return 0, nil
	}
	v, ok, err := p.offsets.GetOffset(kind, p.streamID, p.topicID, p.id, entityID)
	if err != nil {
		return 0, brokererr.Wrap(brokererr.CodeIOFailure, "load offset", err)
	}
	if !ok {
		return 0, nil
	}

	p.offsetMu.Lock()
	cache[entityID] = v
	p.offsetMu.Unlock()
	return v, nil
}

// Purge deletes all segments, then creates a fresh empty segment at the
// offset after the last one ever assigned (0 if none) so the next append
// continues the offset sequence on disk, even across repeated purges, but
// reports current_offset as empty again — a purged partition
// polls back as offset 0/no messages, matching spec S7's
// `poll(...) returns empty with current_offset=0` (spec §4.3 "purge").
func (p *Partition) Purge() error {
	p.appendMu.Lock()
	defer p.appendMu.Unlock()

	p.structMu.Lock()
	defer p.structMu.Unlock()

	tail := p.segments[len(p.segments)-1]
	next := tail.StartOffset()
	if tail.Count() > 0 {
		next = tail.CurrentOffset() + 1
	}

	for _, seg := range p.segments {
		if err := seg.Delete(); err != nil {
			return err
		}
	}

	fresh, err := segment.Open(p.dir, next, p.cfg.Segment, log.With(p.logger, "component", "segment"))
	if err != nil {
		return err
	}
	p.segments = []*segment.Segment{fresh}
	p.messagesCount = 0
	p.currentOffset = 0
	p.hasMessages = false
	if p.cache != nil {
		p.cache.Reset()
	}
	metrics.SegmentsOpen.WithLabelValues(p.labels()...).Set(1)
	return nil
}

// DeleteSegment removes the closed segment starting at startOffset, used
// by the retention maintainer. If the partition would become empty, a
// replacement empty segment is created at last_end_offset + 1 (spec §4.3
// "delete_segment").
func (p *Partition) DeleteSegment(startOffset uint64) error {
	p.structMu.Lock()
	defer p.structMu.Unlock()

	idx := -1
	for i, seg := range p.segments {
		if seg.StartOffset() == startOffset {
			idx = i
			break
		}
	}
	if idx < 0 {
		return brokererr.New(brokererr.CodeSegmentNotFound, "segment not found")
	}

	victim := p.segments[idx]
	lastEnd := victim.EndOffset()
	if err := victim.Delete(); err != nil {
		return err
	}
	p.segments = append(p.segments[:idx], p.segments[idx+1:]...)
	p.messagesCount -= uint64(victim.Count())

	if len(p.segments) == 0 {
		fresh, err := segment.Open(p.dir, lastEnd+1, p.cfg.Segment, log.With(p.logger, "component", "segment"))
		if err != nil {
			return err
		}
		p.segments = []*segment.Segment{fresh}
	}
	metrics.SegmentsOpen.WithLabelValues(p.labels()...).Set(float64(len(p.segments)))
	return nil
}

// Close closes every segment's file handles, without deleting data.
func (p *Partition) Close() error {
	p.structMu.Lock()
	defer p.structMu.Unlock()
	for _, seg := range p.segments {
		if !seg.IsClosed() {
			if err := seg.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}

// SizeBytes returns the sum of every segment's on-disk log size, used by
// the topic "almost full" check (spec §4.4).
func (p *Partition) SizeBytes() uint64 {
	p.structMu.RLock()
	defer p.structMu.RUnlock()
	var total uint64
	for _, seg := range p.segments {
		total += seg.SizeBytes()
	}
	return total
}

// OldestClosedSegmentStart returns the start offset of the oldest closed
// segment, used by retention's delete_oldest_segments policy.
func (p *Partition) OldestClosedSegmentStart() (uint64, bool) {
	p.structMu.RLock()
	defer p.structMu.RUnlock()
	for _, seg := range p.segments {
		if seg.IsClosed() {
			return seg.StartOffset(), true
		}
	}
	return 0, false
}

// ExpiredClosedSegmentStarts returns the start offsets of every closed
// segment whose last-record timestamp is older than expiryMicros as of
// nowMicros (spec §4.7: "any closed segment whose last-record timestamp +
// message_expiry < now"). Retention never touches the tail (open) segment,
// so only closed segments are considered here.
func (p *Partition) ExpiredClosedSegmentStarts(nowMicros, expiryMicros uint64) []uint64 {
	if expiryMicros == 0 {
		return nil
	}
	p.structMu.RLock()
	defer p.structMu.RUnlock()

	var starts []uint64
	for _, seg := range p.segments {
		if !seg.IsClosed() {
			continue
		}
		if seg.LastTimestamp()+expiryMicros < nowMicros {
			starts = append(starts, seg.StartOffset())
		}
	}
	return starts
}

// SegmentLogPath returns the on-disk log path of the segment starting at
// startOffset, used by the retention maintainer to hand archival files to
// the Archiver before deleting them.
func (p *Partition) SegmentLogPath(startOffset uint64) (string, bool) {
	p.structMu.RLock()
	defer p.structMu.RUnlock()
	for _, seg := range p.segments {
		if seg.StartOffset() == startOffset {
			return seg.LogPath(), true
		}
	}
	return "", false
}

// ID returns the partition's own id within its topic.
func (p *Partition) ID() uint32 { return p.id }

// Dir returns the partition's on-disk directory.
func (p *Partition) Dir() string { return p.dir }
