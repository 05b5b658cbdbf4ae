package retention

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/lumenmq/lumenmq/engine/config"
	"github.com/lumenmq/lumenmq/engine/partition"
	"github.com/lumenmq/lumenmq/engine/topic"
)

func newTestTopic(t *testing.T) *topic.Topic {
	t.Helper()
	cfg := config.Default()
	cfg.Segment.MaxSizeBytes = 64
	cfg.Segment.MessagesRequiredToSave = 1
	cfg.Partition.CacheEnabled = false
	tp, err := topic.Open(t.TempDir(), 1, 1, topic.Metadata{Name: "events"}, 1, cfg, nil, log.NewNopLogger())
	require.NoError(t, err)
	return tp
}

func TestMaintainerDeletesExpiredClosedSegments(t *testing.T) {
	tp := newTestTopic(t)

	for i := 0; i < 10; i++ {
		_, _, err := tp.Append(context.Background(),
			topic.PartitionSelector{Kind: topic.PartitionExplicit, PartitionID: 1},
			[]partition.AppendRequest{{Payload: []byte("payload-bytes-to-roll-segments")}})
		require.NoError(t, err)
	}

	p, ok := tp.Partition(1)
	require.True(t, ok)
	_, hasOldest := p.OldestClosedSegmentStart()
	require.True(t, hasOldest, "expected at least one rolled, closed segment")

	m := New(time.Hour, nil, false, func() []TopicConfig {
		return []TopicConfig{{Name: "events", Topic: tp, MessageExpiryMicros: 1}}
	}, log.NewNopLogger())

	require.NoError(t, m.RunOnce(context.Background()))

	_, hasOldestAfter := p.OldestClosedSegmentStart()
	require.False(t, hasOldestAfter, "expired closed segments should have been deleted")
}

func TestMaintainerNeverTouchesOpenTailSegment(t *testing.T) {
	tp := newTestTopic(t)
	_, _, err := tp.Append(context.Background(),
		topic.PartitionSelector{Kind: topic.PartitionExplicit, PartitionID: 1},
		[]partition.AppendRequest{{Payload: []byte("a")}})
	require.NoError(t, err)

	m := New(time.Hour, nil, false, func() []TopicConfig {
		return []TopicConfig{{Name: "events", Topic: tp, MessageExpiryMicros: 1}}
	}, log.NewNopLogger())
	require.NoError(t, m.RunOnce(context.Background()))

	p, _ := tp.Partition(1)
	msgs, err := p.GetByOffset(0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "the single open tail segment must survive retention")
}
