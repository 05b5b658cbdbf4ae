// Package stream implements a stream's topic set, keeping the by-id and
// by-name views coherent (spec §3 "Stream").
package stream

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/go-kit/log"

	"github.com/lumenmq/lumenmq/engine/brokererr"
	"github.com/lumenmq/lumenmq/engine/config"
	"github.com/lumenmq/lumenmq/engine/ids"
	"github.com/lumenmq/lumenmq/engine/topic"
)

// Stream owns a set of Topics, exposed both by id and by name (spec §3
// "Stream": "topics_by_id, topics_by_name (both views kept coherent)").
type Stream struct {
	id   uint32
	name string
	dir  string

	cfg           *config.Config
	offsetFactory topic.OffsetStoreFactory
	logger        log.Logger

	mu          sync.RWMutex
	topicsByID  map[uint32]*topic.Topic
	topicsByName map[string]*topic.Topic
}

// New creates an empty Stream rooted at dir.
func New(dir string, id uint32, name string, cfg *config.Config, offsetFactory topic.OffsetStoreFactory, logger log.Logger) *Stream {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Stream{
		id:            id,
		name:          name,
		dir:           dir,
		cfg:           cfg,
		offsetFactory: offsetFactory,
		logger:        log.With(logger, "stream", id),
		topicsByID:    make(map[uint32]*topic.Topic),
		topicsByName: make(map[string]*topic.Topic),
	}
}

// ID returns the stream's numeric id.
func (s *Stream) ID() uint32 { return s.id }

// Name returns the stream's name.
func (s *Stream) Name() string { return s.name }

// CreateTopic opens (or creates) a topic with the given id/name/partition
// count and registers it under both views.
func (s *Stream) CreateTopic(id uint32, meta topic.Metadata, numPartitions uint32) (*topic.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.topicsByID[id]; exists {
		return nil, brokererr.New(brokererr.CodeTopicExists, "topic id already exists")
	}
	if _, exists := s.topicsByName[meta.Name]; exists {
		return nil, brokererr.New(brokererr.CodeTopicExists, "topic name already exists")
	}
	if !ids.ValidName(meta.Name) {
		return nil, brokererr.New(brokererr.CodeInvalidName, "invalid topic name")
	}

	dir := filepath.Join(s.dir, fmt.Sprintf("topics/%d", id))
	t, err := topic.Open(dir, s.id, id, meta, numPartitions, s.cfg, s.offsetFactory, s.logger)
	if err != nil {
		return nil, err
	}

	s.topicsByID[id] = t
	s.topicsByName[meta.Name] = t
	return t, nil
}

// RenameTopic updates the name-keyed view after a topic's Update() call
// changes its name; id-keyed identity never changes.
func (s *Stream) RenameTopic(id uint32, oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.topicsByID[id]
	if !ok {
		return brokererr.New(brokererr.CodeTopicNotFound, "topic not found")
	}
	if _, exists := s.topicsByName[newName]; exists && newName != oldName {
		return brokererr.New(brokererr.CodeTopicExists, "topic name already exists")
	}
	delete(s.topicsByName, oldName)
	s.topicsByName[newName] = t
	return nil
}

// DeleteTopic removes a topic from both views.
func (s *Stream) DeleteTopic(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.topicsByID[id]
	if !ok {
		return brokererr.New(brokererr.CodeTopicNotFound, "topic not found")
	}
	delete(s.topicsByID, id)
	delete(s.topicsByName, t.Name())
	return nil
}

// TopicByID resolves a topic by numeric id.
func (s *Stream) TopicByID(id uint32) (*topic.Topic, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.topicsByID[id]
	return t, ok
}

// TopicByName resolves a topic by name.
func (s *Stream) TopicByName(name string) (*topic.Topic, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.topicsByName[name]
	return t, ok
}

// Resolve looks a topic up by the tagged union identifier (spec §3 "Any
// identifier at the boundary is a tagged union").
func (s *Stream) Resolve(id ids.Identifier) (*topic.Topic, bool) {
	if id.IsNumeric() {
		return s.TopicByID(id.Numeric)
	}
	return s.TopicByName(id.Name)
}

// Topics returns every topic, unordered.
func (s *Stream) Topics() []*topic.Topic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*topic.Topic, 0, len(s.topicsByID))
	for _, t := range s.topicsByID {
		out = append(out, t)
	}
	return out
}
