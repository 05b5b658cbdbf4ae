package topic

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/lumenmq/lumenmq/engine/config"
	"github.com/lumenmq/lumenmq/engine/partition"
)

func testTopic(t *testing.T, numPartitions uint32) *Topic {
	t.Helper()
	cfg := config.Default()
	cfg.Partition.CacheEnabled = false
	topic, err := Open(t.TempDir(), 1, 1, Metadata{Name: "orders"}, numPartitions, cfg, nil, log.NewNopLogger())
	require.NoError(t, err)
	return topic
}

func TestTopicBalancedPartitioningRoundRobins(t *testing.T) {
	topic := testTopic(t, 3)

	seen := map[uint32]int{}
	for i := 0; i < 9; i++ {
		pid, _, err := topic.Append(context.Background(),
			PartitionSelector{Kind: PartitionBalanced},
			[]partition.AppendRequest{{Payload: []byte("x")}})
		require.NoError(t, err)
		seen[pid]++
	}

	require.Equal(t, 3, len(seen))
	for _, count := range seen {
		require.Equal(t, 3, count)
	}
}

func TestTopicExplicitPartitioningRejectsOutOfRange(t *testing.T) {
	topic := testTopic(t, 2)

	_, _, err := topic.Append(context.Background(),
		PartitionSelector{Kind: PartitionExplicit, PartitionID: 5},
		[]partition.AppendRequest{{Payload: []byte("x")}})
	require.Error(t, err)
}

func TestTopicMessagesKeyPartitioningIsDeterministic(t *testing.T) {
	topic := testTopic(t, 4)

	sel := PartitionSelector{Kind: PartitionMessagesKey, Key: []byte("order-42")}
	pid1, _, err := topic.Append(context.Background(), sel, []partition.AppendRequest{{Payload: []byte("x")}})
	require.NoError(t, err)
	pid2, _, err := topic.Append(context.Background(), sel, []partition.AppendRequest{{Payload: []byte("y")}})
	require.NoError(t, err)

	require.Equal(t, pid1, pid2)
	require.GreaterOrEqual(t, pid1, uint32(1))
	require.LessOrEqual(t, pid1, uint32(4))
}

func TestTopicCreateAndDeletePartitions(t *testing.T) {
	topic := testTopic(t, 2)
	require.NoError(t, topic.CreatePartitions(2))
	require.Equal(t, uint32(4), topic.PartitionCount())

	require.NoError(t, topic.DeletePartitions(3))
	require.Equal(t, uint32(1), topic.PartitionCount())
}

func TestTopicPurge(t *testing.T) {
	topic := testTopic(t, 1)
	_, _, err := topic.Append(context.Background(),
		PartitionSelector{Kind: PartitionExplicit, PartitionID: 1},
		[]partition.AppendRequest{{Payload: []byte("x")}, {Payload: []byte("y")}})
	require.NoError(t, err)

	require.NoError(t, topic.Purge())

	p, ok := topic.Partition(1)
	require.True(t, ok)
	msgs, err := p.GetByOffset(0, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}
