package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	id, err := GenerateID()
	require.NoError(t, err)

	msg := &Message{
		Offset:    42,
		State:     StateAvailable,
		Timestamp: NowMicros(),
		ID:        id,
		Payload:   []byte("message 42"),
		Headers: map[string]HeaderValue{
			"trace-id": {Kind: HeaderString, Value: []byte("abc123")},
		},
	}
	msg.Checksum = Checksum(msg.Payload)

	encoded, err := Encode(msg)
	require.NoError(t, err)
	assert.Equal(t, EncodedLen(msg), len(encoded))

	decoded, consumed, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), consumed)
	assert.Equal(t, msg.Offset, decoded.Offset)
	assert.Equal(t, msg.State, decoded.State)
	assert.Equal(t, msg.Timestamp, decoded.Timestamp)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, msg.Checksum, decoded.Checksum)
	assert.Equal(t, msg.Payload, decoded.Payload)
	require.Len(t, decoded.Headers, 1)
	assert.Equal(t, []byte("abc123"), decoded.Headers["trace-id"].Value)
}

func TestEncodeRejectsEmptyPayload(t *testing.T) {
	msg := &Message{State: StateAvailable}
	_, err := Encode(msg)
	assert.ErrorIs(t, err, ErrEmptyPayload())
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	msg := &Message{State: StateAvailable, Payload: make([]byte, MaxPayloadBytes+1)}
	_, err := Encode(msg)
	assert.ErrorIs(t, err, ErrTooBigPayload())
}

func TestDecodeRejectsUnknownState(t *testing.T) {
	msg := &Message{State: StateAvailable, Payload: []byte("x")}
	encoded, err := Encode(msg)
	require.NoError(t, err)
	encoded[8] = 0xFF // corrupt the state byte

	_, _, err = Decode(encoded)
	assert.ErrorIs(t, err, ErrUnknownState())
}

func TestDecodeRejectsTruncatedRecord(t *testing.T) {
	msg := &Message{State: StateAvailable, Payload: []byte("hello world")}
	encoded, err := Encode(msg)
	require.NoError(t, err)

	_, _, err = Decode(encoded[:len(encoded)-3])
	assert.Error(t, err)
}

func TestEncodedLenMatchesSpecFormula(t *testing.T) {
	msg := &Message{State: StateAvailable, Payload: []byte("abcd")}
	assert.Equal(t, 45+4, EncodedLen(msg))
}
