package system

import (
	"context"

	"github.com/lumenmq/lumenmq/engine/topic"
)

// StreamDecl declares one stream's existence (spec §4.6 phase 1: "which
// streams, topics, partitions, users, groups, personal-access-tokens
// exist").
type StreamDecl struct {
	ID   uint32
	Name string
}

// TopicDecl declares one topic's existence and metadata.
type TopicDecl struct {
	StreamID          uint32
	ID                uint32
	Name              string
	Partitions        uint32
	MessageExpiry     topic.MessageExpiry
	MaxTopicSize      topic.MaxTopicSize
	Compression       topic.CompressionAlgorithm
	ReplicationFactor uint8
}

// ConsumerGroupDecl declares a pre-existing consumer group on a topic.
type ConsumerGroupDecl struct {
	StreamID uint32
	TopicID  uint32
	ID       uint32
	Name     string
}

// UserDecl and PATDecl are carried through the metadata log purely as
// declarative records: this broker core reuses their identifier shape
// (numeric id + unique name) but does not implement authentication or
// authorization — that's a transport-layer concern outside this module's
// scope.
type UserDecl struct {
	ID   uint32
	Name string
}

// PATDecl declares a personal access token's existence, keyed to its
// owning user.
type PATDecl struct {
	ID     uint32
	UserID uint32
	Name   string
}

// Snapshot is the declarative state phase 1 reconstructs (spec §4.6
// "This phase creates entities but does not touch segment files").
type Snapshot struct {
	Streams        []StreamDecl
	Topics         []TopicDecl
	ConsumerGroups []ConsumerGroupDecl
	Users          []UserDecl
	PATs           []PATDecl
}

// MetadataLog is the external collaborator that owns the declarative
// metadata log; System only ever replays it (spec §4.6 "provided by the
// external collaborator").
type MetadataLog interface {
	Replay(ctx context.Context) (Snapshot, error)
}

// StaticLog is a MetadataLog backed by a fixed, in-memory Snapshot — used
// for tests and for bootstrapping a single-node broker from a declarative
// config file rather than a real replicated metadata log.
type StaticLog struct {
	Snapshot Snapshot
}

func (s StaticLog) Replay(ctx context.Context) (Snapshot, error) {
	return s.Snapshot, nil
}
