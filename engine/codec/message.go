// Package codec implements the bit-exact binary record format used by every
// segment log file (spec §4.1, §6.2), plus the parallel offset-index and
// time-index entry formats (spec §3 "Index entry" / "Time index entry").
//
// The framing style — a little-endian fixed-width header followed by a
// variable-length tail — is the same one friggdb/backend/object.go uses for
// its length-prefixed (id, bytes) records; this package plays the same
// role for the broker's richer message record.
package codec

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageState is the durable per-record lifecycle flag (spec §3 field 2).
type MessageState uint8

const (
	StateAvailable         MessageState = 1
	StateUnavailable       MessageState = 2
	StatePoisoned          MessageState = 3
	StateMarkedForDeletion MessageState = 4
)

func (s MessageState) valid() bool {
	switch s {
	case StateAvailable, StateUnavailable, StatePoisoned, StateMarkedForDeletion:
		return true
	default:
		return false
	}
}

// HeaderKind tags how a header value's raw bytes should be interpreted.
type HeaderKind uint8

const (
	HeaderRaw HeaderKind = iota + 1
	HeaderString
	HeaderBool
	HeaderInt8
	HeaderInt16
	HeaderInt32
	HeaderInt64
	HeaderInt128
	HeaderUint8
	HeaderUint16
	HeaderUint32
	HeaderUint64
	HeaderUint128
	HeaderFloat32
	HeaderFloat64
)

// HeaderValue is one header map entry's value: a kind tag plus its raw,
// length-prefixed bytes.
type HeaderValue struct {
	Kind  HeaderKind
	Value []byte
}

// MaxPayloadBytes is the hard ceiling on a single message's payload
// (spec §4.1 "TooBigMessagePayload").
const MaxPayloadBytes = 10 * 1024 * 1024

// fixedPrefixBytes is the size of every field from offset up to and
// including headers_length (spec §6.2: 41 bytes). The 4-byte payload_length
// field follows the variable-length headers and is counted separately;
// headers and payload are variable length.
const fixedPrefixBytes = 41 // offset..headers_length inclusive
const payloadLengthFieldBytes = 4

// Message is the in-memory, decoded form of one durable record.
type Message struct {
	Offset    uint64
	State     MessageState
	Timestamp uint64 // microseconds since epoch
	ID        [16]byte
	Checksum  uint32
	Headers   map[string]HeaderValue
	Payload   []byte
}

// EncodedLen returns the exact number of bytes Encode will produce for msg:
// 45 + headers_bytes + payload_bytes (spec §4.1, testable property 4).
func EncodedLen(msg *Message) int {
	return fixedPrefixBytes + payloadLengthFieldBytes + headersLen(msg.Headers) + len(msg.Payload)
}

func headersLen(headers map[string]HeaderValue) int {
	if len(headers) == 0 {
		return 0
	}
	n := 0
	for k, v := range headers {
		n += 4 + len(k) + 1 + 4 + len(v.Value)
	}
	return n
}

// GenerateID produces a time-ordered 128-bit id with google/uuid's NewV7
// (spec §4.1 "id = 0 on input means assign; generator: time-ordered
// 128-bit"): the high 48 bits are a millisecond Unix timestamp and the low
// 80 bits hold the UUID version and variant bits plus random bits. The
// timestamp has millisecond resolution, not microsecond.
func GenerateID() ([16]byte, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return [16]byte{}, fmt.Errorf("generate message id: %w", err)
	}
	return [16]byte(u), nil
}

// Checksum computes the CRC-style checksum over payload (spec §3 field 5).
// CRC-32 (IEEE) is used — the same "CRC-style over payload" the spec asks
// for, with no further algorithm mandated.
func Checksum(payload []byte) uint32 {
	return crc32IEEE(payload)
}

// Encode serializes msg per spec §6.2. The first byte of the returned slice
// is the LSB of msg.Offset, matching the MessageCodec contract in spec
// §4.1.
func Encode(msg *Message) ([]byte, error) {
	if len(msg.Payload) == 0 {
		return nil, errEmptyPayload
	}
	if len(msg.Payload) > MaxPayloadBytes {
		return nil, errTooBigPayload
	}
	if !msg.State.valid() {
		return nil, errUnknownState
	}

	hBytes, err := marshalHeaders(msg.Headers)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, EncodedLen(msg))
	binary.LittleEndian.PutUint64(buf[0:8], msg.Offset)
	buf[8] = byte(msg.State)
	binary.LittleEndian.PutUint64(buf[9:17], msg.Timestamp)
	copy(buf[17:33], msg.ID[:])
	binary.LittleEndian.PutUint32(buf[33:37], msg.Checksum)
	binary.LittleEndian.PutUint32(buf[37:41], uint32(len(hBytes)))
	copy(buf[41:41+len(hBytes)], hBytes)

	payloadLenOffset := 41 + len(hBytes)
	binary.LittleEndian.PutUint32(buf[payloadLenOffset:payloadLenOffset+4], uint32(len(msg.Payload)))
	copy(buf[payloadLenOffset+4:], msg.Payload)

	return buf, nil
}

// Decode parses one record from the front of b, returning the message and
// the number of bytes consumed. Errors name the short/malformed field, as
// CannotReadX per spec §4.1.
func Decode(b []byte) (*Message, int, error) {
	if len(b) < fixedPrefixBytes {
		return nil, 0, fmt.Errorf("%w: headers_length", errCannotRead)
	}

	msg := &Message{}
	msg.Offset = binary.LittleEndian.Uint64(b[0:8])
	msg.State = MessageState(b[8])
	if !msg.State.valid() {
		return nil, 0, errUnknownState
	}
	msg.Timestamp = binary.LittleEndian.Uint64(b[9:17])
	copy(msg.ID[:], b[17:33])
	msg.Checksum = binary.LittleEndian.Uint32(b[33:37])
	headersLength := binary.LittleEndian.Uint32(b[37:41])

	cursor := fixedPrefixBytes
	if len(b) < cursor+int(headersLength) {
		return nil, 0, fmt.Errorf("%w: headers", errCannotRead)
	}
	headers, err := unmarshalHeaders(b[cursor : cursor+int(headersLength)])
	if err != nil {
		return nil, 0, err
	}
	msg.Headers = headers
	cursor += int(headersLength)

	if len(b) < cursor+4 {
		return nil, 0, fmt.Errorf("%w: payload_length", errCannotRead)
	}
	payloadLength := binary.LittleEndian.Uint32(b[cursor : cursor+4])
	cursor += 4

	if payloadLength == 0 {
		return nil, 0, errEmptyPayload
	}
	if payloadLength > MaxPayloadBytes {
		return nil, 0, errTooBigPayload
	}
	if len(b) < cursor+int(payloadLength) {
		return nil, 0, fmt.Errorf("%w: payload", errCannotRead)
	}
	msg.Payload = append([]byte(nil), b[cursor:cursor+int(payloadLength)]...)
	cursor += int(payloadLength)

	return msg, cursor, nil
}

func marshalHeaders(headers map[string]HeaderValue) ([]byte, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	total := headersLen(headers)
	buf := make([]byte, total)
	pos := 0
	for k, v := range headers {
		if len(k) == 0 || len(k) > 255 {
			return nil, errInvalidHeaderKey
		}
		if len(v.Value) == 0 || len(v.Value) > 255 {
			return nil, errInvalidHeaderKey
		}
		binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(len(k)))
		pos += 4
		copy(buf[pos:], k)
		pos += len(k)
		buf[pos] = byte(v.Kind)
		pos++
		binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(len(v.Value)))
		pos += 4
		copy(buf[pos:], v.Value)
		pos += len(v.Value)
	}
	return buf, nil
}

func unmarshalHeaders(b []byte) (map[string]HeaderValue, error) {
	if len(b) == 0 {
		return nil, nil
	}
	headers := make(map[string]HeaderValue)
	pos := 0
	for pos < len(b) {
		if pos+4 > len(b) {
			return nil, fmt.Errorf("%w: header key length", errCannotRead)
		}
		keyLen := int(binary.LittleEndian.Uint32(b[pos : pos+4]))
		pos += 4
		if keyLen == 0 || keyLen > 255 || pos+keyLen > len(b) {
			return nil, errInvalidHeaderKey
		}
		key := string(b[pos : pos+keyLen])
		pos += keyLen

		if pos+1 > len(b) {
			return nil, fmt.Errorf("%w: header kind", errCannotRead)
		}
		kind := HeaderKind(b[pos])
		pos++

		if pos+4 > len(b) {
			return nil, fmt.Errorf("%w: header value length", errCannotRead)
		}
		valLen := int(binary.LittleEndian.Uint32(b[pos : pos+4]))
		pos += 4
		if valLen == 0 || valLen > 255 || pos+valLen > len(b) {
			return nil, errInvalidHeaderKey
		}
		value := append([]byte(nil), b[pos:pos+valLen]...)
		pos += valLen

		headers[key] = HeaderValue{Kind: kind, Value: value}
	}
	return headers, nil
}

// NowMicros returns the current time as microseconds since epoch, the unit
// spec §3 field 3 mandates for the timestamp field.
func NowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}
