package retention

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/lumenmq/lumenmq/engine/codec"
	"github.com/lumenmq/lumenmq/engine/metrics"
	"github.com/lumenmq/lumenmq/engine/partition"
	"github.com/lumenmq/lumenmq/engine/topic"
)

// TopicConfig is the per-topic retention inputs the maintainer needs;
// System supplies one per topic each run (message_expiry and
// delete_oldest_segments are topic/broker configuration, not partition
// state).
type TopicConfig struct {
	Name                 string
	Topic                *topic.Topic
	MessageExpiryMicros  uint64 // 0 means never expires
	DeleteOldestSegments bool
}

// Maintainer is the single logical actor that runs retention every
// Interval (spec §4.7 "RetentionMaintainer").
type Maintainer struct {
	Interval   time.Duration
	Archiver   Archiver
	ArchiveExp bool // archive_expired
	Logger     log.Logger

	// Topics returns the current retention inputs at the start of each
	// run; called fresh every tick so topic/partition churn is picked up.
	Topics func() []TopicConfig
}

// New builds a Maintainer. A nil archiver is replaced with Noop.
func New(interval time.Duration, archiver Archiver, archiveExpired bool, topics func() []TopicConfig, logger log.Logger) *Maintainer {
	if archiver == nil {
		archiver = Noop{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Maintainer{
		Interval:   interval,
		Archiver:   archiver,
		ArchiveExp: archiveExpired,
		Topics:     topics,
		Logger:     logger,
	}
}

// Run blocks, ticking every m.Interval until ctx is canceled.
func (m *Maintainer) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				level.Error(m.Logger).Log("msg", "retention pass failed", "err", err)
			}
		}
	}
}

// RunOnce performs exactly one retention pass (spec §4.7, steps 1-5).
func (m *Maintainer) RunOnce(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.RetentionRunDuration.Observe(time.Since(start).Seconds()) }()

	now := codec.NowMicros()

	for _, tc := range m.Topics() {
		toDelete := m.collectExpired(tc, now)
		toDelete = m.collectAlmostFull(tc, toDelete)

		if len(toDelete) == 0 {
			continue
		}

		if err := m.archiveAndDelete(ctx, tc, toDelete); err != nil {
			level.Error(m.Logger).Log("msg", "retention delete failed", "topic", tc.Name, "err", err)
		}
	}
	return nil
}

type segmentRef struct {
	part  *partition.Partition
	start uint64
}

func (m *Maintainer) collectExpired(tc TopicConfig, now uint64) []segmentRef {
	var out []segmentRef
	tc.Topic.EachPartition(func(p *partition.Partition) {
		for _, start := range p.ExpiredClosedSegmentStarts(now, tc.MessageExpiryMicros) {
			out = append(out, segmentRef{part: p, start: start})
		}
	})
	return out
}

// collectAlmostFull appends, for a topic that's almost full with
// delete_oldest_segments enabled, the first closed segment of every
// partition not already slated for deletion (spec §4.4 "Almost-full
// policy", §4.7 step 3).
func (m *Maintainer) collectAlmostFull(tc TopicConfig, existing []segmentRef) []segmentRef {
	if !tc.DeleteOldestSegments || !tc.Topic.AlmostFull() {
		return existing
	}

	already := make(map[string]bool, len(existing))
	for _, r := range existing {
		already[refKey(r)] = true
	}

	tc.Topic.EachPartition(func(p *partition.Partition) {
		start, ok := p.OldestClosedSegmentStart()
		if !ok {
			return
		}
		ref := segmentRef{part: p, start: start}
		if !already[refKey(ref)] {
			existing = append(existing, ref)
			already[refKey(ref)] = true
		}
	})
	return existing
}

func refKey(r segmentRef) string {
	return r.part.Dir() + "#" + strconv.FormatUint(r.start, 10)
}

func (m *Maintainer) archiveAndDelete(ctx context.Context, tc TopicConfig, refs []segmentRef) error {
	if m.ArchiveExp {
		files := make([]string, 0, len(refs))
		for _, r := range refs {
			if path, ok := r.part.SegmentLogPath(r.start); ok {
				files = append(files, path)
			}
		}
		if err := m.Archiver.Archive(ctx, files); err != nil {
			level.Warn(m.Logger).Log("msg", "archive failed, skipping delete this cycle", "topic", tc.Name, "err", err)
			return nil
		}
	}

	for _, r := range refs {
		if err := r.part.DeleteSegment(r.start); err != nil {
			return err
		}
		metrics.RetentionSegmentsDeleted.WithLabelValues(tc.Name, "expiry").Inc()
	}
	return nil
}
