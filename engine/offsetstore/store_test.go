package offsetstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lumenmq/lumenmq/engine/partition"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.log")
	s, err := Open(path)
	require.NoError(t, err)

	_, ok, err := s.GetOffset(partition.OffsetKindConsumer, 1, 1, 1, 42)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.StoreOffset(partition.OffsetKindConsumer, 1, 1, 1, 42, 100))
	v, ok, err := s.GetOffset(partition.OffsetKindConsumer, 1, 1, 1, 42)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(100), v)

	require.NoError(t, s.StoreOffset(partition.OffsetKindConsumer, 1, 1, 1, 42, 150))
	v, _, err = s.GetOffset(partition.OffsetKindConsumer, 1, 1, 1, 42)
	require.NoError(t, err)
	require.Equal(t, uint64(150), v)
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.log")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.StoreOffset(partition.OffsetKindGroup, 1, 2, 3, 7, 55))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	v, ok, err := reopened.GetOffset(partition.OffsetKindGroup, 1, 2, 3, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(55), v)
}
