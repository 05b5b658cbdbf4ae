// Package system implements the broker root: System exclusively owns
// Streams, wires the shared OffsetStore and RetentionMaintainer, and
// drives the two-phase startup recovery (spec §3 "Ownership", §4.6).
package system

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/lumenmq/lumenmq/engine/brokererr"
	"github.com/lumenmq/lumenmq/engine/config"
	"github.com/lumenmq/lumenmq/engine/consumergroup"
	"github.com/lumenmq/lumenmq/engine/ids"
	"github.com/lumenmq/lumenmq/engine/offsetstore"
	"github.com/lumenmq/lumenmq/engine/partition"
	"github.com/lumenmq/lumenmq/engine/retention"
	"github.com/lumenmq/lumenmq/engine/stream"
	"github.com/lumenmq/lumenmq/engine/topic"
)

// System is the broker root.
type System struct {
	cfg    *config.Config
	logger log.Logger

	offsets *offsetstore.Store

	mu            sync.RWMutex
	streamsByID   map[uint32]*stream.Stream
	streamsByName map[string]*stream.Stream
	groups        map[uint32]*consumergroup.Manager // keyed by topic id
	topicExpiry   map[uint32]uint64                 // topic id -> message expiry micros
	users         map[uint32]UserDecl
	pats          map[uint32]PATDecl

	Retention *retention.Maintainer
}

// Recover runs the two-phase startup sequence: replay the metadata log to
// reconstruct declarative state, then open every partition's on-disk
// segments (folded into stream.CreateTopic -> topic.Open ->
// partition.Open, which itself performs the "enumerate *.log files,
// rebuild indexes, set current_offset" scan (spec §4.6 phase 2)).
func Recover(ctx context.Context, cfg *config.Config, metaLog MetadataLog, logger log.Logger) (*System, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	offsets, err := offsetstore.Open(filepath.Join(cfg.DataRoot, "offsets.log"))
	if err != nil {
		return nil, err
	}

	sys := &System{
		cfg:           cfg,
		logger:        logger,
		offsets:       offsets,
		streamsByID:   make(map[uint32]*stream.Stream),
		streamsByName: make(map[string]*stream.Stream),
		groups:        make(map[uint32]*consumergroup.Manager),
		topicExpiry:   make(map[uint32]uint64),
		users:         make(map[uint32]UserDecl),
		pats:          make(map[uint32]PATDecl),
	}

	snap, err := metaLog.Replay(ctx)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.CodeIOFailure, "replay metadata log", err)
	}

	for _, sd := range snap.Streams {
		dir := filepath.Join(cfg.DataRoot, "streams", fmt.Sprintf("%d", sd.ID))
		s := stream.New(dir, sd.ID, sd.Name, cfg, sys.offsetStoreFactory, logger)
		sys.streamsByID[sd.ID] = s
		sys.streamsByName[sd.Name] = s
	}

	for _, td := range snap.Topics {
		s, ok := sys.streamsByID[td.StreamID]
		if !ok {
			return nil, brokererr.New(brokererr.CodeStreamNotFound,
				fmt.Sprintf("topic %d declares unknown stream %d", td.ID, td.StreamID))
		}
		meta := topic.Metadata{
			Name:              td.Name,
			MessageExpiry:     td.MessageExpiry,
			MaxTopicSize:      td.MaxTopicSize,
			Compression:       td.Compression,
			ReplicationFactor: td.ReplicationFactor,
		}
		if _, err := s.CreateTopic(td.ID, meta, td.Partitions); err != nil {
			return nil, err
		}
		sys.topicExpiry[td.ID] = td.MessageExpiry.AsMicros()
		sys.groups[td.ID] = consumergroup.NewManager(cfg.ConsumerGroups.Enabled)
	}

	for _, gd := range snap.ConsumerGroups {
		mgr, ok := sys.groups[gd.TopicID]
		if !ok {
			return nil, brokererr.New(brokererr.CodeTopicNotFound,
				fmt.Sprintf("consumer group %d declares unknown topic %d", gd.ID, gd.TopicID))
		}
		s, ok := sys.streamsByID[gd.StreamID]
		if !ok {
			return nil, brokererr.New(brokererr.CodeStreamNotFound,
				fmt.Sprintf("consumer group %d declares unknown stream %d", gd.ID, gd.StreamID))
		}
		t, ok := s.TopicByID(gd.TopicID)
		if !ok {
			return nil, brokererr.New(brokererr.CodeTopicNotFound, "consumer group topic vanished")
		}
		partitionIDs := make([]uint32, 0, t.PartitionCount())
		for i := uint32(1); i <= t.PartitionCount(); i++ {
			partitionIDs = append(partitionIDs, i)
		}
		if err := mgr.Create(gd.ID, partitionIDs); err != nil {
			return nil, err
		}
	}

	for _, u := range snap.Users {
		sys.users[u.ID] = u
	}
	for _, p := range snap.PATs {
		sys.pats[p.ID] = p
	}

	sys.Retention = retention.New(cfg.Retention.Interval, sys.buildArchiver(), cfg.Retention.ArchiveExpired, sys.retentionTopics, logger)

	return sys, nil
}

// offsetStoreFactory hands every partition a reference to the one shared
// offsets log; the composite (kind, stream, topic, partition, entity) key
// already disambiguates entries across every partition that uses it.
func (sys *System) offsetStoreFactory() partition.OffsetStore {
	return sys.offsets
}

// StreamByID resolves a stream by numeric id.
func (sys *System) StreamByID(id uint32) (*stream.Stream, bool) {
	sys.mu.RLock()
	defer sys.mu.RUnlock()
	s, ok := sys.streamsByID[id]
	return s, ok
}

// StreamByName resolves a stream by name.
func (sys *System) StreamByName(name string) (*stream.Stream, bool) {
	sys.mu.RLock()
	defer sys.mu.RUnlock()
	s, ok := sys.streamsByName[name]
	return s, ok
}

// ResolveStream looks up a stream by the tagged union identifier.
func (sys *System) ResolveStream(id ids.Identifier) (*stream.Stream, bool) {
	if id.IsNumeric() {
		return sys.StreamByID(id.Numeric)
	}
	return sys.StreamByName(id.Name)
}

// ConsumerGroups returns the Manager for a topic id, or nil if the topic
// was never declared.
func (sys *System) ConsumerGroups(topicID uint32) (*consumergroup.Manager, bool) {
	sys.mu.RLock()
	defer sys.mu.RUnlock()
	mgr, ok := sys.groups[topicID]
	return mgr, ok
}

func (sys *System) retentionTopics() []retention.TopicConfig {
	sys.mu.RLock()
	defer sys.mu.RUnlock()

	var out []retention.TopicConfig
	for _, s := range sys.streamsByID {
		for _, t := range s.Topics() {
			out = append(out, retention.TopicConfig{
				Name:                 t.Name(),
				Topic:                t,
				MessageExpiryMicros:  sys.topicExpiry[t.ID()],
				DeleteOldestSegments: sys.cfg.Retention.DeleteOldestSegments,
			})
		}
	}
	return out
}

func (sys *System) buildArchiver() retention.Archiver {
	if !sys.cfg.Retention.ArchiveExpired {
		return retention.Noop{}
	}
	switch sys.cfg.Retention.ArchiveBackend {
	case "local":
		return retention.NewLocal(sys.cfg.Retention.ArchivePath)
	default:
		return retention.Noop{}
	}
}

// Close flushes and closes every stream's topics and the shared offset
// store.
func (sys *System) Close() error {
	sys.mu.RLock()
	defer sys.mu.RUnlock()
	for _, s := range sys.streamsByID {
		for _, t := range s.Topics() {
			t.EachPartition(func(p *partition.Partition) {
				if err := p.Close(); err != nil {
					level.Error(sys.logger).Log("msg", "failed to close partition", "err", err)
				}
			})
		}
	}
	return sys.offsets.Close()
}
