// Package segment implements one append-only log file plus its parallel
// offset-index and optional time-index files (spec §3 "Segment", §4.2).
//
// The append/flush/recover shape is grounded on friggdb/wal's
// headBlock/bufferedAppender split: a segment encodes each append batch in
// RAM and writes it straight through to the log and index files, keeping
// an in-RAM record index the way backend.NewBufferedAppender does; fsync
// is grouped by record count (MessagesRequiredToSave) according to the
// configured FsyncPolicy. There is no time-based flush.
package segment

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/lumenmq/lumenmq/engine/brokererr"
	"github.com/lumenmq/lumenmq/engine/codec"
	"github.com/lumenmq/lumenmq/engine/config"
)

// filenameWidth is the zero-padded decimal width of a segment's start
// offset in its filenames (spec §6.1: "20 digits so lexical sort matches
// numeric sort").
const filenameWidth = 20

// AppendRecord is one inbound record awaiting an offset and timestamp.
type AppendRecord struct {
	ID      [16]byte
	Headers map[string]codec.HeaderValue
	Payload []byte
}

// Segment owns one log file, its offset-index file, and (optionally) its
// time-index file, plus the writer/reader handles onto them.
type Segment struct {
	mu sync.RWMutex

	dir         string
	startOffset uint64
	endOffset   uint64 // valid only once isClosed
	maxSize     uint64
	isClosed    bool

	sizeBytes uint64
	indexes   []uint32 // file position of record N (N = offset - startOffset)
	timeIdx   []uint64 // optional: timestamp of record N

	firstTimestamp uint64
	lastTimestamp  uint64

	logPath       string
	indexPath     string
	timeIndexPath string

	logFile       *os.File
	indexFile     *os.File
	timeIndexFile *os.File

	cfg    config.SegmentConfig
	logger log.Logger

	pendingSinceFlush int
}

func filenames(dir string, startOffset uint64) (logPath, indexPath, timeIndexPath string) {
	base := fmt.Sprintf("%0*d", filenameWidth, startOffset)
	return filepath.Join(dir, base+".log"),
		filepath.Join(dir, base+".index"),
		filepath.Join(dir, base+".timeindex")
}

// Open creates (if absent) or reopens (if present) the segment starting at
// startOffset inside dir. Reopening rebuilds current_offset, size_bytes and
// the in-memory indexes vector by scanning the log (spec §4.2 "open").
func Open(dir string, startOffset uint64, cfg config.SegmentConfig, logger log.Logger) (*Segment, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logPath, indexPath, timeIndexPath := filenames(dir, startOffset)

	s := &Segment{
		dir:         dir,
		startOffset: startOffset,
		maxSize:     cfg.MaxSizeBytes,
		logPath:     logPath,
		indexPath:   indexPath,
		cfg:         cfg,
		logger:      logger,
	}
	if cfg.CacheTimeIndexes {
		s.timeIndexPath = timeIndexPath
	}

	exists := fileExists(logPath)

	var err error
	s.logFile, err = os.OpenFile(logPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.CodeIOFailure, "open segment log", err)
	}
	s.indexFile, err = os.OpenFile(indexPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.CodeIOFailure, "open segment index", err)
	}
	if s.timeIndexPath != "" {
		s.timeIndexFile, err = os.OpenFile(s.timeIndexPath, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, brokererr.Wrap(brokererr.CodeIOFailure, "open segment time index", err)
		}
	}

	if exists {
		if err := s.recover(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// recover scans the log file from the start, rebuilding size_bytes,
// indexes and the time index. If the log ends with a truncated record, the
// log is truncated to the last fully parseable record (spec §4.2
// "Recovery"); the index file itself is treated as hint-only and always
// rebuilt from the log.
func (s *Segment) recover() error {
	data, err := io.ReadAll(s.logFile)
	if err != nil {
		return brokererr.Wrap(brokererr.CodeIOFailure, "read segment log for recovery", err)
	}

	var pos int
	for pos < len(data) {
		msg, consumed, err := codec.Decode(data[pos:])
		if err != nil {
			level.Warn(s.logger).Log("msg", "truncating segment at unparseable trailer", "path", s.logPath, "offset", pos, "err", err)
			break
		}
		if s.cfg.VerifyChecksumOnLoad {
			if got := codec.Checksum(msg.Payload); got != msg.Checksum {
				return brokererr.Wrap(brokererr.CodeChecksumMismatch,
					fmt.Sprintf("checksum mismatch at offset %d: expected %d got %d", msg.Offset, msg.Checksum, got), nil)
			}
		}

		s.indexes = append(s.indexes, uint32(pos))
		if s.timeIndexPath != "" {
			s.timeIdx = append(s.timeIdx, msg.Timestamp)
		}
		if len(s.indexes) == 1 {
			s.firstTimestamp = msg.Timestamp
		}
		s.lastTimestamp = msg.Timestamp

		pos += consumed
	}

	if pos != len(data) {
		// Truncate the log to the last fully parseable record; never drop
		// records in the middle of the segment.
		if err := s.logFile.Truncate(int64(pos)); err != nil {
			return brokererr.Wrap(brokererr.CodeIOFailure, "truncate segment log after recovery", err)
		}
		if _, err := s.logFile.Seek(0, io.SeekEnd); err != nil {
			return brokererr.Wrap(brokererr.CodeIOFailure, "seek segment log after truncate", err)
		}
	}

	s.sizeBytes = uint64(pos)

	// The index/time-index files are hint-only; rewrite them to match the
	// recovered log exactly.
	if err := s.rewriteIndexFiles(); err != nil {
		return err
	}

	return nil
}

func (s *Segment) rewriteIndexFiles() error {
	var indexBuf []byte
	for _, pos := range s.indexes {
		indexBuf = codec.EncodeIndexEntry(indexBuf, pos)
	}
	if err := overwriteFile(s.indexFile, indexBuf); err != nil {
		return brokererr.Wrap(brokererr.CodeIOFailure, "rewrite segment index", err)
	}

	if s.timeIndexPath != "" {
		var tBuf []byte
		for _, ts := range s.timeIdx {
			tBuf = codec.EncodeTimeIndexEntry(tBuf, ts)
		}
		if err := overwriteFile(s.timeIndexFile, tBuf); err != nil {
			return brokererr.Wrap(brokererr.CodeIOFailure, "rewrite segment time index", err)
		}
	}
	return nil
}

func overwriteFile(f *os.File, data []byte) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	_, err := f.Seek(0, io.SeekEnd)
	return err
}

// StartOffset returns the segment's fixed start offset.
func (s *Segment) StartOffset() uint64 { return s.startOffset }

// CurrentOffset returns the highest offset assigned in this segment, or
// startOffset-1 (i.e. empty) when no records have landed yet. Callers must
// not call this on an empty segment before any append if startOffset is 0
// without checking Count() first.
func (s *Segment) CurrentOffset() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentOffsetLocked()
}

func (s *Segment) currentOffsetLocked() uint64 {
	if len(s.indexes) == 0 {
		if s.startOffset == 0 {
			return 0
		}
		return s.startOffset - 1
	}
	return s.startOffset + uint64(len(s.indexes)) - 1
}

// Count returns the number of records stored in this segment.
func (s *Segment) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.indexes)
}

// SizeBytes returns the current size of the log file.
func (s *Segment) SizeBytes() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sizeBytes
}

// IsClosed reports whether the segment has been rolled closed.
func (s *Segment) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isClosed
}

// EndOffset returns the offset the segment was closed at. Only meaningful
// once IsClosed() is true.
func (s *Segment) EndOffset() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endOffset
}

// LastTimestamp returns the timestamp of the most recently appended
// record, used by retention's message-expiry check (spec §4.7).
func (s *Segment) LastTimestamp() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTimestamp
}

// Append assigns each record the next offset and a monotonically
// non-decreasing timestamp, encodes it, and writes it to the log and index
// files (spec §4.2 "append"). It returns the fully assigned messages, and
// whether the segment should now be rolled (size threshold or message
// expiry exceeded).
func (s *Segment) Append(ctx context.Context, records []AppendRecord, messageExpiryMicros uint64) ([]*codec.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isClosed {
		return nil, false, brokererr.New(brokererr.CodeSegmentClosed, "segment is closed")
	}

	assigned := make([]*codec.Message, 0, len(records))
	var logBuf, indexBuf, timeBuf []byte

	for _, rec := range records {
		offset := s.startOffset + uint64(len(s.indexes)) + uint64(len(assigned))
		ts := codec.NowMicros()
		if ts < s.lastTimestamp {
			ts = s.lastTimestamp
		}

		msg := &codec.Message{
			Offset:    offset,
			State:     codec.StateAvailable,
			Timestamp: ts,
			ID:        rec.ID,
			Checksum:  codec.Checksum(rec.Payload),
			Headers:   rec.Headers,
			Payload:   rec.Payload,
		}

		encoded, err := codec.Encode(msg)
		if err != nil {
			return nil, false, err
		}

		position := s.sizeBytes + uint64(len(logBuf))
		indexBuf = codec.EncodeIndexEntry(indexBuf, uint32(position))
		if s.timeIndexPath != "" {
			timeBuf = codec.EncodeTimeIndexEntry(timeBuf, ts)
		}
		logBuf = append(logBuf, encoded...)

		assigned = append(assigned, msg)
		s.lastTimestamp = ts
		if len(s.indexes) == 0 && len(assigned) == 1 {
			s.firstTimestamp = ts
		}
	}

	if err := retry(s.cfg.MaxFileOperationRetries, s.cfg.RetryDelay, func() error {
		_, err := s.logFile.Write(logBuf)
		return err
	}); err != nil {
		return nil, false, brokererr.Wrap(brokererr.CodeIOFailure, "write segment log", err)
	}
	if _, err := s.indexFile.Write(indexBuf); err != nil {
		return nil, false, brokererr.Wrap(brokererr.CodeIOFailure, "write segment index", err)
	}
	if s.timeIndexPath != "" {
		if _, err := s.timeIndexFile.Write(timeBuf); err != nil {
			return nil, false, brokererr.Wrap(brokererr.CodeIOFailure, "write segment time index", err)
		}
	}

	for i := range assigned {
		position := s.sizeBytes
		s.indexes = append(s.indexes, uint32(position))
		s.sizeBytes += uint64(len(mustEncode(assigned[i])))
		if s.timeIndexPath != "" {
			s.timeIdx = append(s.timeIdx, assigned[i].Timestamp)
		}
	}

	s.pendingSinceFlush += len(assigned)
	if s.cfg.FsyncPolicy == config.FsyncPerAppend ||
		(s.cfg.FsyncPolicy != config.FsyncOSBuffer && s.pendingSinceFlush >= maxInt(s.cfg.MessagesRequiredToSave, 1)) {
		if err := s.flush(); err != nil {
			return nil, false, err
		}
	}

	shouldRoll := s.sizeBytes >= s.maxSize
	if messageExpiryMicros > 0 && len(assigned) > 0 {
		if s.lastTimestamp > s.firstTimestamp+messageExpiryMicros {
			shouldRoll = true
		}
	}

	return assigned, shouldRoll, nil
}

func mustEncode(msg *codec.Message) []byte {
	b, _ := codec.Encode(msg)
	return b
}

func (s *Segment) flush() error {
	s.pendingSinceFlush = 0
	if err := s.logFile.Sync(); err != nil {
		return brokererr.Wrap(brokererr.CodeIOFailure, "fsync segment log", err)
	}
	if err := s.indexFile.Sync(); err != nil {
		return brokererr.Wrap(brokererr.CodeIOFailure, "fsync segment index", err)
	}
	if s.timeIndexPath != "" {
		if err := s.timeIndexFile.Sync(); err != nil {
			return brokererr.Wrap(brokererr.CodeIOFailure, "fsync segment time index", err)
		}
	}
	return nil
}

// GetByOffsetRange decodes records from this segment with offsets in
// [start, end], capped at maxCount (spec §4.2 "get_by_offset_range").
func (s *Segment) GetByOffsetRange(start, end uint64, maxCount int) ([]*codec.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.indexes) == 0 {
		return nil, nil
	}
	cur := s.currentOffsetLocked()
	if start > cur {
		return nil, nil
	}
	if end > cur {
		end = cur
	}
	if start < s.startOffset {
		start = s.startOffset
	}

	startN := int(start - s.startOffset)
	startPos, ok := codec.DecodeIndexEntry(indexesToBytes(s.indexes), startN)
	if !ok {
		return nil, nil
	}

	want := int(end-start) + 1
	if maxCount > 0 && want > maxCount {
		want = maxCount
	}

	results := make([]*codec.Message, 0, want)
	pos := int64(startPos)
	for len(results) < want {
		msg, consumed, err := decodeAt(s.logFile, pos)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		results = append(results, msg)
		pos += int64(consumed)
	}

	return results, nil
}

// GetByTimestamp locates the first record with timestamp >= ts and returns
// up to count records from there (spec §4.2 "get_by_timestamp"). When no
// time index is present, it degrades to a linear scan of the segment, per
// the design note in spec §9.
func (s *Segment) GetByTimestamp(ts uint64, count int) ([]*codec.Message, error) {
	s.mu.RLock()
	hasTimeIndex := s.timeIndexPath != ""
	var ordinal int
	if hasTimeIndex {
		ordinal = codec.SearchTimeIndex(indexesToTimeBytes(s.timeIdx), ts)
	}
	startOffset := s.startOffset
	cur := s.currentOffsetLocked()
	s.mu.RUnlock()

	if hasTimeIndex {
		if ordinal < 0 {
			return nil, nil
		}
		return s.GetByOffsetRange(startOffset+uint64(ordinal), cur, count)
	}

	// Linear scan fallback.
	all, err := s.GetByOffsetRange(startOffset, cur, 0)
	if err != nil {
		return nil, err
	}
	for i, msg := range all {
		if msg.Timestamp >= ts {
			end := i + count
			if count <= 0 || end > len(all) {
				end = len(all)
			}
			return all[i:end], nil
		}
	}
	return nil, nil
}

// GetNewestBySize walks the log from the end, accumulating whole records
// until limitBytes would be exceeded, and returns them in forward
// (offset-ascending) order (spec §4.2 "get_newest_by_size"). The limit is
// measured in encoded record bytes (framing and headers included), not in
// payload bytes alone.
func (s *Segment) GetNewestBySize(limitBytes uint64) ([]*codec.Message, error) {
	s.mu.RLock()
	indexes := append([]uint32(nil), s.indexes...)
	sizeBytes := s.sizeBytes
	startOffset := s.startOffset
	s.mu.RUnlock()

	if len(indexes) == 0 {
		return nil, nil
	}

	var acc uint64
	firstN := len(indexes)
	for firstN > 0 {
		recEnd := sizeBytes
		if firstN < len(indexes) {
			recEnd = uint64(indexes[firstN])
		}
		recLen := recEnd - uint64(indexes[firstN-1])
		if acc+recLen > limitBytes {
			break
		}
		acc += recLen
		firstN--
	}
	if firstN == len(indexes) {
		return nil, nil
	}

	return s.GetByOffsetRange(startOffset+uint64(firstN), startOffset+uint64(len(indexes)-1), 0)
}

// Close marks the segment closed and flushes any pending writes (spec
// §4.2 "close").
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.endOffset = s.currentOffsetLocked()
	s.isClosed = true
	return s.flush()
}

// Delete closes the segment's file handles and removes its files from
// disk (spec §4.2 "delete").
func (s *Segment) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.logFile.Close()
	_ = s.indexFile.Close()
	if s.timeIndexFile != nil {
		_ = s.timeIndexFile.Close()
	}

	if err := os.Remove(s.logPath); err != nil && !os.IsNotExist(err) {
		return brokererr.Wrap(brokererr.CodeIOFailure, "remove segment log", err)
	}
	if err := os.Remove(s.indexPath); err != nil && !os.IsNotExist(err) {
		return brokererr.Wrap(brokererr.CodeIOFailure, "remove segment index", err)
	}
	if s.timeIndexPath != "" {
		if err := os.Remove(s.timeIndexPath); err != nil && !os.IsNotExist(err) {
			return brokererr.Wrap(brokererr.CodeIOFailure, "remove segment time index", err)
		}
	}
	return nil
}

// LogPath returns the path of the underlying log file, used by the
// archiver (spec §4.7 "archive_expired").
func (s *Segment) LogPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logPath
}

func indexesToBytes(indexes []uint32) []byte {
	var buf []byte
	for _, v := range indexes {
		buf = codec.EncodeIndexEntry(buf, v)
	}
	return buf
}

func indexesToTimeBytes(timeIdx []uint64) []byte {
	var buf []byte
	for _, v := range timeIdx {
		buf = codec.EncodeTimeIndexEntry(buf, v)
	}
	return buf
}

// decodeAt decodes one record starting at byte offset pos using ReadAt, so
// concurrent reads never contend on the shared file descriptor's seek
// position (the same reason friggdb/backend/local/local.go's Object()
// uses f.ReadAt instead of Seek+Read).
func decodeAt(f *os.File, pos int64) (*codec.Message, int, error) {
	header := make([]byte, 41)
	if _, err := f.ReadAt(header, pos); err != nil {
		return nil, 0, io.EOF
	}

	headersLength := int(le32(header[37:41]))
	rest := make([]byte, headersLength+4)
	if _, err := f.ReadAt(rest, pos+41); err != nil {
		return nil, 0, io.EOF
	}
	payloadLength := int(le32(rest[headersLength : headersLength+4]))
	payload := make([]byte, payloadLength)
	if _, err := f.ReadAt(payload, pos+41+int64(len(rest))); err != nil {
		return nil, 0, io.EOF
	}

	full := make([]byte, 0, len(header)+len(rest)+len(payload))
	full = append(full, header...)
	full = append(full, rest...)
	full = append(full, payload...)

	msg, consumed, err := codec.Decode(full)
	return msg, consumed, err
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// retry re-attempts fn up to attempts times with delay between tries, per
// spec §7 "I/O errors on append are retried up to max_file_operation_retries
// with retry_delay backoff".
func retry(attempts int, delay time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < attempts-1 && delay > 0 {
			time.Sleep(delay)
		}
	}
	return err
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
