package consumergroup

import (
	"sync"

	"github.com/lumenmq/lumenmq/engine/brokererr"
)

// Manager owns every Group for one topic and enforces the broker-wide
// enable/disable switch (spec §4.5 "Failure": "If the feature is disabled
// at the broker, every consumer-group command fails with
// FeatureUnavailable").
type Manager struct {
	enabled bool

	mu     sync.RWMutex
	groups map[uint32]*Group
}

// NewManager creates a Manager; enabled mirrors config.ConsumerGroupsConfig.Enabled.
func NewManager(enabled bool) *Manager {
	return &Manager{enabled: enabled, groups: make(map[uint32]*Group)}
}

// Create registers a new group spanning partitionIDs.
func (m *Manager) Create(id uint32, partitionIDs []uint32) error {
	if err := m.checkEnabled(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[id] = New(id, partitionIDs)
	return nil
}

// Delete removes a group.
func (m *Manager) Delete(id uint32) error {
	if err := m.checkEnabled(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, id)
	return nil
}

// Get returns the group by id, failing with ConsumerGroupNotFound if
// absent (spec §4.5 "Failure": "Joining a non-existent group fails with
// ConsumerGroupNotFound").
func (m *Manager) Get(id uint32) (*Group, error) {
	if err := m.checkEnabled(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, brokererr.New(brokererr.CodeConsumerGroupNotFound, "consumer group not found")
	}
	return g, nil
}

func (m *Manager) checkEnabled() error {
	if !m.enabled {
		return brokererr.New(brokererr.CodeFeatureUnavailable, "consumer groups are disabled")
	}
	return nil
}

// All returns every group, for recovery/introspection use.
func (m *Manager) All() map[uint32]*Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uint32]*Group, len(m.groups))
	for k, v := range m.groups {
		out[k] = v
	}
	return out
}
