// Package topic implements a topic's partition set, partitioning
// strategies, and the metadata-only mutation operations layered on top of
// Partition (spec §3 "Topic", §4.4).
package topic

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-kit/log"
	"go.uber.org/atomic"

	"github.com/lumenmq/lumenmq/engine/brokererr"
	"github.com/lumenmq/lumenmq/engine/codec"
	"github.com/lumenmq/lumenmq/engine/config"
	"github.com/lumenmq/lumenmq/engine/partition"
)

// CompressionAlgorithm is advisory metadata only: payloads are always
// stored exactly as received (spec §3 "Topic": "advisory — payloads are
// stored as received; the field is metadata").
type CompressionAlgorithm uint8

const (
	CompressionNone CompressionAlgorithm = iota + 1
	CompressionGzip
)

// MessageExpiryKind distinguishes "never expires" from a concrete TTL.
type MessageExpiryKind uint8

const (
	MessageExpiryNever MessageExpiryKind = iota + 1
	MessageExpiryDuration
)

// MessageExpiry is the topic's message TTL setting.
type MessageExpiry struct {
	Kind   MessageExpiryKind
	Micros uint64
}

// AsMicros returns the TTL in microseconds, or 0 for "never" (0 is also
// treated by Partition/Segment as "no expiry enforced").
func (e MessageExpiry) AsMicros() uint64 {
	if e.Kind == MessageExpiryDuration {
		return e.Micros
	}
	return 0
}

// MaxTopicSizeKind distinguishes the three ways max_topic_size can be set.
type MaxTopicSizeKind uint8

const (
	MaxTopicSizeServerDefault MaxTopicSizeKind = iota + 1
	MaxTopicSizeNever
	MaxTopicSizeBytes
)

// MaxTopicSize is the topic's size cap, used by the "almost full" check.
type MaxTopicSize struct {
	Kind  MaxTopicSizeKind
	Bytes uint64
}

// Metadata is the mutable, non-segment-affecting topic configuration
// (spec §4.4 "update(name, expiry, max_size, compression, replication)
// mutates metadata only — never rewrites segments").
type Metadata struct {
	Name              string
	MessageExpiry     MessageExpiry
	MaxTopicSize      MaxTopicSize
	Compression       CompressionAlgorithm
	ReplicationFactor uint8
}

// OffsetStoreFactory builds the OffsetStore collaborator a newly-created
// partition should use. Kept as a factory (rather than one shared store
// passed straight through) so the Topic can be constructed without
// knowing offsetstore's concrete type.
type OffsetStoreFactory func() partition.OffsetStore

// Topic owns a contiguous 1..n set of Partitions plus their shared
// metadata (spec §3 "Topic").
type Topic struct {
	id  uint32
	dir string

	cfg           *config.Config
	logger        log.Logger
	offsetFactory OffsetStoreFactory

	streamID uint32

	mu          sync.RWMutex
	meta        Metadata
	partitions  map[uint32]*partition.Partition // keyed by partition id, contiguous 1..n
	partCounter atomic.Uint32                   // round-robin cursor, spec §4.4 "Balanced"
}

// Open creates or reopens a topic directory, opening the given number of
// existing partitions (called during startup recovery once the metadata
// log has declared how many partitions this topic has).
func Open(dir string, streamID, id uint32, meta Metadata, numPartitions uint32, cfg *config.Config, offsetFactory OffsetStoreFactory, logger log.Logger) (*Topic, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	t := &Topic{
		id:            id,
		streamID:      streamID,
		dir:           dir,
		cfg:           cfg,
		logger:        log.With(logger, "topic", id),
		offsetFactory: offsetFactory,
		meta:          meta,
		partitions:    make(map[uint32]*partition.Partition),
	}

	for pid := uint32(1); pid <= numPartitions; pid++ {
		p, err := t.openPartition(pid)
		if err != nil {
			return nil, err
		}
		t.partitions[pid] = p
	}

	return t, nil
}

func (t *Topic) openPartition(pid uint32) (*partition.Partition, error) {
	dir := filepath.Join(t.dir, fmt.Sprintf("partitions/%d", pid))
	var store partition.OffsetStore
	if t.offsetFactory != nil {
		store = t.offsetFactory()
	}
	return partition.Open(dir, t.streamID, t.id, pid, t.cfg, store, t.logger)
}

// ID returns the topic's own id.
func (t *Topic) ID() uint32 { return t.id }

// Name returns the topic's current name.
func (t *Topic) Name() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.meta.Name
}

// PartitionCount returns the current number of partitions.
func (t *Topic) PartitionCount() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint32(len(t.partitions))
}

// Partition returns the partition by id, or false if it doesn't exist.
func (t *Topic) Partition(id uint32) (*partition.Partition, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.partitions[id]
	return p, ok
}

// Append resolves sel's target partition and appends reqs to it (spec
// §4.4 "Partitioning").
func (t *Topic) Append(ctx context.Context, sel PartitionSelector, reqs []partition.AppendRequest) (uint32, []*codec.Message, error) {
	t.mu.RLock()
	n := uint32(len(t.partitions))
	expiry := t.meta.MessageExpiry.AsMicros()
	t.mu.RUnlock()

	pid, err := resolvePartitionID(sel, n, &t.partCounter)
	if err != nil {
		return 0, nil, err
	}

	p, ok := t.Partition(pid)
	if !ok {
		return 0, nil, brokererr.New(brokererr.CodePartitionNotFound, "resolved partition does not exist")
	}

	msgs, err := p.Append(ctx, reqs, expiry)
	return pid, msgs, err
}

// CreatePartitions appends k new partitions with ids n+1..n+k (spec §4.4
// "create_partitions(k)").
func (t *Topic) CreatePartitions(k uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := uint32(len(t.partitions))
	for i := uint32(1); i <= k; i++ {
		pid := n + i
		p, err := t.openPartition(pid)
		if err != nil {
			return err
		}
		t.partitions[pid] = p
	}
	return nil
}

// DeletePartitions removes the last k partition ids and their segments
// (spec §4.4 "delete_partitions(k)").
func (t *Topic) DeletePartitions(k uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := uint32(len(t.partitions))
	if k > n {
		return brokererr.New(brokererr.CodeInvalidIdentifier, "cannot delete more partitions than exist")
	}
	for pid := n; pid > n-k; pid-- {
		p := t.partitions[pid]
		if p != nil {
			if err := p.Close(); err != nil {
				return err
			}
			if err := os.RemoveAll(p.Dir()); err != nil {
				return brokererr.Wrap(brokererr.CodeIOFailure, "remove partition directory", err)
			}
		}
		delete(t.partitions, pid)
	}
	return nil
}

// Update mutates topic metadata only; it never rewrites segments (spec
// §4.4 "update").
func (t *Topic) Update(meta Metadata) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meta = meta
}

// Purge purges every partition (spec §4.4 "purge").
func (t *Topic) Purge() error {
	t.mu.RLock()
	parts := make([]*partition.Partition, 0, len(t.partitions))
	for _, p := range t.partitions {
		parts = append(parts, p)
	}
	t.mu.RUnlock()

	for _, p := range parts {
		if err := p.Purge(); err != nil {
			return err
		}
	}
	return nil
}

// SizeBytes sums every partition's on-disk log size.
func (t *Topic) SizeBytes() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var total uint64
	for _, p := range t.partitions {
		total += p.SizeBytes()
	}
	return total
}

// AlmostFull reports whether the topic has crossed 90% of its configured
// max size (spec §4.4 "Almost-full policy").
func (t *Topic) AlmostFull() bool {
	t.mu.RLock()
	maxSize := t.meta.MaxTopicSize
	t.mu.RUnlock()

	if maxSize.Kind != MaxTopicSizeBytes || maxSize.Bytes == 0 {
		return false
	}
	return float64(t.SizeBytes()) >= float64(maxSize.Bytes)*almostFullFractionOr(t.cfg)
}

func almostFullFractionOr(cfg *config.Config) float64 {
	if cfg == nil || cfg.Retention.AlmostFullFraction <= 0 {
		return 0.9
	}
	return cfg.Retention.AlmostFullFraction
}

// EachPartition calls fn for every partition, in ascending id order.
func (t *Topic) EachPartition(fn func(*partition.Partition)) {
	t.mu.RLock()
	ordered := make([]uint32, 0, len(t.partitions))
	for pid := range t.partitions {
		ordered = append(ordered, pid)
	}
	t.mu.RUnlock()

	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j] < ordered[i] {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}

	t.mu.RLock()
	parts := make([]*partition.Partition, len(ordered))
	for i, pid := range ordered {
		parts[i] = t.partitions[pid]
	}
	t.mu.RUnlock()

	for _, p := range parts {
		fn(p)
	}
}
