package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexEntryRoundTrip(t *testing.T) {
	var buf []byte
	buf = EncodeIndexEntry(buf, 0)
	buf = EncodeIndexEntry(buf, 128)
	buf = EncodeIndexEntry(buf, 512)

	assert.Equal(t, 3, IndexEntryCount(buf))

	v, ok := DecodeIndexEntry(buf, 1)
	require.True(t, ok)
	assert.Equal(t, uint32(128), v)

	_, ok = DecodeIndexEntry(buf, 3)
	assert.False(t, ok)
}

func TestSearchTimeIndex(t *testing.T) {
	var buf []byte
	timestamps := []uint64{10, 10, 20, 30, 30, 30, 50}
	for _, ts := range timestamps {
		buf = EncodeTimeIndexEntry(buf, ts)
	}

	assert.Equal(t, 0, SearchTimeIndex(buf, 5))
	assert.Equal(t, 2, SearchTimeIndex(buf, 20))
	assert.Equal(t, 3, SearchTimeIndex(buf, 25))
	assert.Equal(t, 6, SearchTimeIndex(buf, 50))
	assert.Equal(t, -1, SearchTimeIndex(buf, 51))
}
