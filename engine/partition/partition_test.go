package partition

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/lumenmq/lumenmq/engine/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Segment.MaxSizeBytes = 256
	cfg.Segment.MessagesRequiredToSave = 1
	cfg.Partition.CacheEnabled = true
	cfg.Partition.CacheBytesBudget = 1 << 20
	return cfg
}

func openTestPartition(t *testing.T) *Partition {
	t.Helper()
	dir := t.TempDir()
	p, err := Open(dir, 1, 1, 1, testConfig(t), nil, log.NewNopLogger())
	require.NoError(t, err)
	return p
}

func TestPartitionAppendAndGetByOffset(t *testing.T) {
	p := openTestPartition(t)

	assigned, err := p.Append(context.Background(), []AppendRequest{
		{Payload: []byte("one")},
		{Payload: []byte("two")},
		{Payload: []byte("three")},
	}, 0)
	require.NoError(t, err)
	require.Len(t, assigned, 3)
	require.Equal(t, uint64(0), assigned[0].Offset)
	require.Equal(t, uint64(2), assigned[2].Offset)

	cur, has := p.CurrentOffset()
	require.True(t, has)
	require.Equal(t, uint64(2), cur)

	msgs, err := p.GetByOffset(1, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, []byte("two"), msgs[0].Payload)
	require.Equal(t, []byte("three"), msgs[1].Payload)
}

func TestPartitionGetFirstLast(t *testing.T) {
	p := openTestPartition(t)
	_, err := p.Append(context.Background(), []AppendRequest{
		{Payload: []byte("a")},
		{Payload: []byte("b")},
		{Payload: []byte("c")},
	}, 0)
	require.NoError(t, err)

	first, err := p.GetFirst(1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, []byte("a"), first[0].Payload)

	last, err := p.GetLast(1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	require.Equal(t, []byte("c"), last[0].Payload)
}

func TestPartitionConsumerOffsetRoundTrip(t *testing.T) {
	p := openTestPartition(t)
	_, err := p.Append(context.Background(), []AppendRequest{
		{Payload: []byte("a")},
		{Payload: []byte("b")},
	}, 0)
	require.NoError(t, err)

	offset, err := p.GetConsumerOffset(42)
	require.NoError(t, err)
	require.Equal(t, uint64(0), offset)

	next, err := p.GetNext(42, 10)
	require.NoError(t, err)
	require.Len(t, next, 2)

	require.NoError(t, p.StoreConsumerOffset(42, 0))
	next, err = p.GetNext(42, 10)
	require.NoError(t, err)
	require.Len(t, next, 1)
	require.Equal(t, []byte("b"), next[0].Payload)
}

func TestPartitionRollsSegmentsBySize(t *testing.T) {
	p := openTestPartition(t)

	for i := 0; i < 20; i++ {
		_, err := p.Append(context.Background(), []AppendRequest{
			{Payload: []byte("payload-of-some-length")},
		}, 0)
		require.NoError(t, err)
	}

	p.structMu.RLock()
	numSegments := len(p.segments)
	p.structMu.RUnlock()
	require.Greater(t, numSegments, 1)

	msgs, err := p.GetByOffset(0, 20)
	require.NoError(t, err)
	require.Len(t, msgs, 20)
	for i, m := range msgs {
		require.Equal(t, uint64(i), m.Offset)
	}
}

func TestPartitionPurgeResetsCurrentOffsetButContinuesNumbering(t *testing.T) {
	p := openTestPartition(t)
	_, err := p.Append(context.Background(), []AppendRequest{
		{Payload: []byte("a")},
		{Payload: []byte("b")},
	}, 0)
	require.NoError(t, err)

	require.NoError(t, p.Purge())

	// A purged partition reports empty, per spec S7 ("poll(...) returns
	// empty with current_offset=0").
	cur, has := p.CurrentOffset()
	require.False(t, has)
	require.Equal(t, uint64(0), cur)

	msgs, err := p.GetByOffset(0, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)

	// The next append still continues the on-disk offset sequence from
	// before the purge rather than restarting at 0.
	assigned, err := p.Append(context.Background(), []AppendRequest{{Payload: []byte("c")}}, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(2), assigned[0].Offset)
}

func TestPartitionPurgeClearsCache(t *testing.T) {
	p := openTestPartition(t)
	_, err := p.Append(context.Background(), []AppendRequest{
		{Payload: []byte("a")},
		{Payload: []byte("b")},
	}, 0)
	require.NoError(t, err)

	// Before the purge the payload cache already covers offsets 0-1.
	require.True(t, p.cache.Covers(0, 1))

	require.NoError(t, p.Purge())

	start, end, ok := p.cache.Range()
	require.False(t, ok, "purge must clear the payload cache, got range [%d,%d]", start, end)

	// The first post-purge append must not be served alongside the
	// pre-purge payloads that purge was supposed to delete.
	assigned, err := p.Append(context.Background(), []AppendRequest{{Payload: []byte("c")}}, 0)
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	require.Equal(t, uint64(2), assigned[0].Offset)

	msgs, err := p.GetByOffset(2, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "c", string(msgs[0].Payload))
}

func TestPartitionDedupDropsRepeatedID(t *testing.T) {
	cfg := testConfig(t)
	cfg.Partition.DedupEnabled = true
	dir := t.TempDir()
	p, err := Open(dir, 1, 1, 1, cfg, nil, log.NewNopLogger())
	require.NoError(t, err)

	id := [16]byte{1, 2, 3}
	assigned, err := p.Append(context.Background(), []AppendRequest{{ID: id, Payload: []byte("a")}}, 0)
	require.NoError(t, err)
	require.Len(t, assigned, 1)

	assigned, err = p.Append(context.Background(), []AppendRequest{{ID: id, Payload: []byte("b")}}, 0)
	require.NoError(t, err)
	require.Empty(t, assigned)
}
