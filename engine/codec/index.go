package codec

import "encoding/binary"

// IndexEntryBytes is the fixed width of one offset-index entry: a
// little-endian u32 file position (spec §3 "Index entry").
const IndexEntryBytes = 4

// TimeIndexEntryBytes is the fixed width of one time-index entry: a
// little-endian u64 timestamp (spec §3 "Time index entry").
const TimeIndexEntryBytes = 8

// EncodeIndexEntry appends the 4-byte little-endian file position of a
// record to buf.
func EncodeIndexEntry(buf []byte, filePosition uint32) []byte {
	var b [IndexEntryBytes]byte
	binary.LittleEndian.PutUint32(b[:], filePosition)
	return append(buf, b[:]...)
}

// DecodeIndexEntry reads the file position at the given record ordinal N
// from a flushed offset-index file's bytes.
func DecodeIndexEntry(indexBytes []byte, n int) (uint32, bool) {
	start := n * IndexEntryBytes
	if start < 0 || start+IndexEntryBytes > len(indexBytes) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(indexBytes[start : start+IndexEntryBytes]), true
}

// IndexEntryCount returns how many whole entries indexBytes contains
// (testable property 3: index_file_size == 4 * record_count).
func IndexEntryCount(indexBytes []byte) int {
	return len(indexBytes) / IndexEntryBytes
}

// EncodeTimeIndexEntry appends the 8-byte little-endian timestamp of a
// record to buf.
func EncodeTimeIndexEntry(buf []byte, timestamp uint64) []byte {
	var b [TimeIndexEntryBytes]byte
	binary.LittleEndian.PutUint64(b[:], timestamp)
	return append(buf, b[:]...)
}

// DecodeTimeIndexEntry reads the timestamp at record ordinal N from a
// flushed time-index file's bytes.
func DecodeTimeIndexEntry(timeIndexBytes []byte, n int) (uint64, bool) {
	start := n * TimeIndexEntryBytes
	if start < 0 || start+TimeIndexEntryBytes > len(timeIndexBytes) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(timeIndexBytes[start : start+TimeIndexEntryBytes]), true
}

// TimeIndexEntryCount returns how many whole entries timeIndexBytes
// contains.
func TimeIndexEntryCount(timeIndexBytes []byte) int {
	return len(timeIndexBytes) / TimeIndexEntryBytes
}

// SearchTimeIndex binary-searches a time index (record ordinals are
// monotonically non-decreasing in timestamp, spec testable property 2) for
// the first ordinal whose timestamp is >= ts. Returns -1 if none qualifies.
func SearchTimeIndex(timeIndexBytes []byte, ts uint64) int {
	n := TimeIndexEntryCount(timeIndexBytes)
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		v, _ := DecodeTimeIndexEntry(timeIndexBytes, mid)
		if v >= ts {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo >= n {
		return -1
	}
	return lo
}
