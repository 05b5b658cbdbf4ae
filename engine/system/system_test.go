package system

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/lumenmq/lumenmq/engine/config"
	"github.com/lumenmq/lumenmq/engine/partition"
	"github.com/lumenmq/lumenmq/engine/topic"
)

func testSnapshot() Snapshot {
	return Snapshot{
		Streams: []StreamDecl{{ID: 1, Name: "prod"}},
		Topics: []TopicDecl{{
			StreamID:   1,
			ID:         1,
			Name:       "orders",
			Partitions: 2,
		}},
		ConsumerGroups: []ConsumerGroupDecl{{StreamID: 1, TopicID: 1, ID: 1, Name: "fulfillment"}},
	}
}

func TestRecoverBuildsDeclaredTopology(t *testing.T) {
	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	cfg.Partition.CacheEnabled = false

	sys, err := Recover(context.Background(), cfg, StaticLog{Snapshot: testSnapshot()}, log.NewNopLogger())
	require.NoError(t, err)

	s, ok := sys.StreamByID(1)
	require.True(t, ok)
	tp, ok := s.TopicByID(1)
	require.True(t, ok)
	require.Equal(t, uint32(2), tp.PartitionCount())

	mgr, ok := sys.ConsumerGroups(1)
	require.True(t, ok)
	_, err = mgr.Get(1)
	require.NoError(t, err)
}

func TestRecoverAppendAndReopenRecovers(t *testing.T) {
	dataRoot := t.TempDir()
	cfg := config.Default()
	cfg.DataRoot = dataRoot
	cfg.Partition.CacheEnabled = false

	sys, err := Recover(context.Background(), cfg, StaticLog{Snapshot: testSnapshot()}, log.NewNopLogger())
	require.NoError(t, err)

	s, _ := sys.StreamByID(1)
	tp, _ := s.TopicByID(1)

	_, _, err = tp.Append(context.Background(),
		topic.PartitionSelector{Kind: topic.PartitionExplicit, PartitionID: 1},
		[]partition.AppendRequest{{Payload: []byte("hello")}, {Payload: []byte("world")}})
	require.NoError(t, err)
	require.NoError(t, sys.Close())

	reopened, err := Recover(context.Background(), cfg, StaticLog{Snapshot: testSnapshot()}, log.NewNopLogger())
	require.NoError(t, err)

	rs, _ := reopened.StreamByID(1)
	rtp, _ := rs.TopicByID(1)
	rp, _ := rtp.Partition(1)

	msgs, err := rp.GetByOffset(0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, []byte("hello"), msgs[0].Payload)
}
