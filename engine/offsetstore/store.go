// Package offsetstore implements the durable, ordered key-value store that
// consumer and consumer-group offsets are persisted through (spec §4.3
// "store_consumer_offset/get_consumer_offset": "persisted in an embedded
// key-value store keyed by (kind, stream, topic, partition,
// consumer_or_group_id); value is big-endian u64 for ordered scans").
//
// The example corpus doesn't carry an embedded KV engine (no bbolt/badger
// in the retrieved dependency set), so this is built the way the rest of
// this codebase builds its own durable state: an append-only log of fixed-
// width records, replayed into an in-memory map on open — the same shape
// segment.recover() uses for the message log itself, just with one record
// per key update instead of per message.
package offsetstore

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/lumenmq/lumenmq/engine/brokererr"
	"github.com/lumenmq/lumenmq/engine/partition"
)

// recordBytes is the fixed width of one append-only offset record:
// kind(1) + stream(4) + topic(4) + partition(4) + entity(4) + offset(8).
const recordBytes = 1 + 4 + 4 + 4 + 4 + 8

type key struct {
	kind                           partition.OffsetKind
	streamID, topicID, partitionID uint32
	entityID                       uint32
}

// Store is a log-replay, last-writer-wins offset table, safe for
// concurrent use from every partition it backs.
type Store struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	values map[key]uint64
}

// Open replays path's existing log (if any) into memory, then opens it for
// further appends. A truncated trailing record is dropped, matching the
// segment log's own crash-recovery rule.
func Open(path string) (*Store, error) {
	s := &Store{path: path, values: make(map[key]uint64)}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.CodeIOFailure, "open offset store log", err)
	}
	s.file = f

	if err := s.replay(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) replay() error {
	data, err := io.ReadAll(s.file)
	if err != nil {
		return brokererr.Wrap(brokererr.CodeIOFailure, "read offset store log", err)
	}

	pos := 0
	for pos+recordBytes <= len(data) {
		rec := data[pos : pos+recordBytes]
		k := key{
			kind:        partition.OffsetKind(rec[0]),
			streamID:    binary.BigEndian.Uint32(rec[1:5]),
			topicID:     binary.BigEndian.Uint32(rec[5:9]),
			partitionID: binary.BigEndian.Uint32(rec[9:13]),
			entityID:    binary.BigEndian.Uint32(rec[13:17]),
		}
		s.values[k] = binary.BigEndian.Uint64(rec[17:25])
		pos += recordBytes
	}

	if pos != len(data) {
		if err := s.file.Truncate(int64(pos)); err != nil {
			return brokererr.Wrap(brokererr.CodeIOFailure, "truncate offset store log", err)
		}
	}
	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return brokererr.Wrap(brokererr.CodeIOFailure, "seek offset store log", err)
	}
	return nil
}

// StoreOffset implements partition.OffsetStore.
func (s *Store) StoreOffset(kind partition.OffsetKind, streamID, topicID, partitionID, entityID uint32, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := make([]byte, recordBytes)
	rec[0] = byte(kind)
	binary.BigEndian.PutUint32(rec[1:5], streamID)
	binary.BigEndian.PutUint32(rec[5:9], topicID)
	binary.BigEndian.PutUint32(rec[9:13], partitionID)
	binary.BigEndian.PutUint32(rec[13:17], entityID)
	binary.BigEndian.PutUint64(rec[17:25], offset)

	if _, err := s.file.Write(rec); err != nil {
		return brokererr.Wrap(brokererr.CodeIOFailure, "append offset store record", err)
	}
	if err := s.file.Sync(); err != nil {
		return brokererr.Wrap(brokererr.CodeIOFailure, "fsync offset store", err)
	}

	s.values[key{kind, streamID, topicID, partitionID, entityID}] = offset
	return nil
}

// GetOffset implements partition.OffsetStore.
func (s *Store) GetOffset(kind partition.OffsetKind, streamID, topicID, partitionID, entityID uint32) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key{kind, streamID, topicID, partitionID, entityID}]
	return v, ok, nil
}

// Close closes the underlying log file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

var _ partition.OffsetStore = (*Store)(nil)
