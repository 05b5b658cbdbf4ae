package system

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/lumenmq/lumenmq/engine/config"
	"github.com/lumenmq/lumenmq/engine/consumergroup"
	"github.com/lumenmq/lumenmq/engine/partition"
	"github.com/lumenmq/lumenmq/engine/topic"
)

// These tests walk the end-to-end scenarios, exercised directly against
// System/Stream/Topic/Partition since the wire protocol sits outside this
// module's scope.

func snapshotFor(numPartitions uint32, expiry topic.MessageExpiry) Snapshot {
	return Snapshot{
		Streams: []StreamDecl{{ID: 1, Name: "s"}},
		Topics: []TopicDecl{{
			StreamID:      1,
			ID:            1,
			Name:          "t",
			Partitions:    numPartitions,
			MessageExpiry: expiry,
		}},
	}
}

func appendN(t *testing.T, tp *topic.Topic, partitionID uint32, n int, payload func(i int) string) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, _, err := tp.Append(context.Background(),
			topic.PartitionSelector{Kind: topic.PartitionExplicit, PartitionID: partitionID},
			[]partition.AppendRequest{{Payload: []byte(payload(i))}})
		require.NoError(t, err)
	}
}

// S1 — basic round-trip.
func TestScenarioBasicRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	cfg.Partition.CacheEnabled = false

	sys, err := Recover(context.Background(), cfg, StaticLog{Snapshot: snapshotFor(3, topic.MessageExpiry{})}, log.NewNopLogger())
	require.NoError(t, err)

	s, _ := sys.StreamByID(1)
	tp, _ := s.TopicByID(1)

	appendN(t, tp, 1, 1000, func(i int) string { return fmt.Sprintf("message %d", i) })

	p, _ := tp.Partition(1)
	msgs, err := p.GetByOffset(0, 1000)
	require.NoError(t, err)
	require.Len(t, msgs, 1000)
	for i, m := range msgs {
		require.Equal(t, uint64(i), m.Offset)
		require.Equal(t, fmt.Sprintf("message %d", i), string(m.Payload))
	}
}

// S2 — batched poll.
func TestScenarioBatchedPoll(t *testing.T) {
	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	cfg.Partition.CacheEnabled = false

	sys, err := Recover(context.Background(), cfg, StaticLog{Snapshot: snapshotFor(3, topic.MessageExpiry{})}, log.NewNopLogger())
	require.NoError(t, err)
	s, _ := sys.StreamByID(1)
	tp, _ := s.TopicByID(1)
	appendN(t, tp, 1, 1000, func(i int) string { return fmt.Sprintf("message %d", i) })

	p, _ := tp.Partition(1)
	for i := 0; i < 10; i++ {
		msgs, err := p.GetByOffset(uint64(i*100), 100)
		require.NoError(t, err)
		require.Len(t, msgs, 100)
		require.Equal(t, uint64(i*100), msgs[0].Offset)
	}
}

// S3 — cross-partition isolation.
func TestScenarioCrossPartitionIsolation(t *testing.T) {
	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	cfg.Partition.CacheEnabled = false

	sys, err := Recover(context.Background(), cfg, StaticLog{Snapshot: snapshotFor(3, topic.MessageExpiry{})}, log.NewNopLogger())
	require.NoError(t, err)
	s, _ := sys.StreamByID(1)
	tp, _ := s.TopicByID(1)
	appendN(t, tp, 1, 1000, func(i int) string { return fmt.Sprintf("message %d", i) })

	p2, _ := tp.Partition(2)
	msgs, err := p2.GetByOffset(0, 1000)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

// S4 — consumer offset.
func TestScenarioConsumerOffset(t *testing.T) {
	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	cfg.Partition.CacheEnabled = false

	sys, err := Recover(context.Background(), cfg, StaticLog{Snapshot: snapshotFor(3, topic.MessageExpiry{})}, log.NewNopLogger())
	require.NoError(t, err)
	s, _ := sys.StreamByID(1)
	tp, _ := s.TopicByID(1)
	appendN(t, tp, 1, 1000, func(i int) string { return fmt.Sprintf("message %d", i) })

	p, _ := tp.Partition(1)

	stored, err := p.GetConsumerOffset(1)
	require.NoError(t, err)
	require.Equal(t, uint64(0), stored)

	require.NoError(t, p.StoreConsumerOffset(1, 10))
	stored, err = p.GetConsumerOffset(1)
	require.NoError(t, err)
	require.Equal(t, uint64(10), stored)

	msgs, err := p.GetNext(1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 10)
	require.Equal(t, uint64(11), msgs[0].Offset)
	require.Equal(t, uint64(20), msgs[len(msgs)-1].Offset)

	// auto_commit=true: the caller stores the last-polled offset.
	require.NoError(t, p.StoreConsumerOffset(1, msgs[len(msgs)-1].Offset))
	stored, err = p.GetConsumerOffset(1)
	require.NoError(t, err)
	require.Equal(t, uint64(20), stored)
}

// S5 — consumer group.
func TestScenarioConsumerGroup(t *testing.T) {
	g := consumergroup.New(1, []uint32{1, 2, 3})

	g.Join(100) // member A
	require.Equal(t, []uint32{1, 2, 3}, g.AssignedPartitions(100))

	g.Join(200) // member B
	aAfter := g.AssignedPartitions(100)
	bAfter := g.AssignedPartitions(200)
	require.LessOrEqual(t, abs(len(aAfter)-len(bAfter)), 1)
	require.Len(t, aAfter, 2)
	require.Len(t, bAfter, 1)

	g.Leave(200)
	require.Equal(t, []uint32{1, 2, 3}, g.AssignedPartitions(100))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// S6 — retention by expiry.
func TestScenarioRetentionByExpiry(t *testing.T) {
	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	cfg.Partition.CacheEnabled = false
	// The first 57-byte record (45 bytes of framing + 12-byte payload) fills
	// and rolls its segment; the 49-byte "tail" record below does not.
	cfg.Segment.MaxSizeBytes = 50
	cfg.Retention.Interval = time.Hour

	expiry := topic.MessageExpiry{Kind: topic.MessageExpiryDuration, Micros: 1000} // 1ms
	sys, err := Recover(context.Background(), cfg, StaticLog{Snapshot: snapshotFor(1, expiry)}, log.NewNopLogger())
	require.NoError(t, err)
	s, _ := sys.StreamByID(1)
	tp, _ := s.TopicByID(1)
	p, _ := tp.Partition(1)

	_, _, err = tp.Append(context.Background(),
		topic.PartitionSelector{Kind: topic.PartitionExplicit, PartitionID: 1},
		[]partition.AppendRequest{{Payload: []byte("expires soon")}})
	require.NoError(t, err)

	_, hasOldest := p.OldestClosedSegmentStart()
	require.True(t, hasOldest, "expected the first segment to have rolled closed")

	time.Sleep(10 * time.Millisecond)

	// Append to the new tail segment; this message must survive the run
	// below since its own segment is still open.
	_, _, err = tp.Append(context.Background(),
		topic.PartitionSelector{Kind: topic.PartitionExplicit, PartitionID: 1},
		[]partition.AppendRequest{{Payload: []byte("tail")}})
	require.NoError(t, err)

	require.NoError(t, sys.Retention.RunOnce(context.Background()))

	_, hasOldestAfter := p.OldestClosedSegmentStart()
	require.False(t, hasOldestAfter, "expired closed segment should have been deleted")

	msgs, err := p.GetByOffset(0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "only the still-open tail segment's message should remain")
	require.Equal(t, "tail", string(msgs[0].Payload))
}

// S7 — purge.
func TestScenarioPurge(t *testing.T) {
	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	cfg.Partition.CacheEnabled = false

	sys, err := Recover(context.Background(), cfg, StaticLog{Snapshot: snapshotFor(3, topic.MessageExpiry{})}, log.NewNopLogger())
	require.NoError(t, err)
	s, _ := sys.StreamByID(1)
	tp, _ := s.TopicByID(1)
	appendN(t, tp, 1, 1000, func(i int) string { return fmt.Sprintf("message %d", i) })

	require.NoError(t, tp.Purge())

	p, _ := tp.Partition(1)
	msgs, err := p.GetByOffset(0, 1000)
	require.NoError(t, err)
	require.Empty(t, msgs)

	cur, hasMessages := p.CurrentOffset()
	require.False(t, hasMessages)
	require.Equal(t, uint64(0), cur)
}

// S8 — recovery.
func TestScenarioRecovery(t *testing.T) {
	dataRoot := t.TempDir()
	cfg := config.Default()
	cfg.DataRoot = dataRoot
	cfg.Partition.CacheEnabled = false

	sys, err := Recover(context.Background(), cfg, StaticLog{Snapshot: snapshotFor(3, topic.MessageExpiry{})}, log.NewNopLogger())
	require.NoError(t, err)
	s, _ := sys.StreamByID(1)
	tp, _ := s.TopicByID(1)
	appendN(t, tp, 1, 1000, func(i int) string { return fmt.Sprintf("message %d", i) })
	require.NoError(t, sys.Close())

	reopened, err := Recover(context.Background(), cfg, StaticLog{Snapshot: snapshotFor(3, topic.MessageExpiry{})}, log.NewNopLogger())
	require.NoError(t, err)

	rs, _ := reopened.StreamByID(1)
	rtp, _ := rs.TopicByID(1)
	require.Equal(t, uint64(1000), func() uint64 {
		p, _ := rtp.Partition(1)
		return p.MessagesCount()
	}())

	rp, _ := rtp.Partition(1)
	msgs, err := rp.GetByOffset(500, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 10)
	for i, m := range msgs {
		require.Equal(t, uint64(500+i), m.Offset)
		require.Equal(t, fmt.Sprintf("message %d", 500+i), string(m.Payload))
	}
}
