// Package consumergroup implements the deterministic partition-assignment
// coordinator for a topic's consumer groups (spec §3 "ConsumerGroup",
// §4.5).
package consumergroup

import (
	"sort"
	"sync"

	"github.com/lumenmq/lumenmq/engine/brokererr"
)

// Group coordinates a fixed set of partitions across the members currently
// joined to it. Single-threaded coordination within the group (spec §4.5
// "Single-threaded coordination within the group") is modeled here with
// one mutex guarding every mutation.
type Group struct {
	mu sync.Mutex

	id         uint32
	partitions []uint32 // all partition ids this group spans, ascending

	members     []uint32            // joined member ids, ascending
	assignments map[uint32][]uint32 // member id -> assigned partition ids, ascending
	cursors     map[uint32]int      // member id -> current_index into its assignment
}

// New creates a group spanning partitionIDs, initially with no members.
func New(id uint32, partitionIDs []uint32) *Group {
	ids := append([]uint32(nil), partitionIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return &Group{
		id:          id,
		partitions:  ids,
		assignments: make(map[uint32][]uint32),
		cursors:     make(map[uint32]int),
	}
}

// ID returns the group's own id.
func (g *Group) ID() uint32 { return g.id }

// Join adds memberID to the group and re-runs the deterministic
// assignment across all members. Joining twice is idempotent (spec §4.5
// "Failure": "joining twice is idempotent").
func (g *Group) Join(memberID uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, m := range g.members {
		if m == memberID {
			return
		}
	}
	g.members = append(g.members, memberID)
	sort.Slice(g.members, func(i, j int) bool { return g.members[i] < g.members[j] })
	g.reassignLocked()
}

// Leave removes memberID and redistributes its partitions to the
// remaining members by the same deterministic assignment (spec §4.5
// "On leave, redistribute the departing member's partitions to remaining
// members by the same algorithm").
func (g *Group) Leave(memberID uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, m := range g.members {
		if m == memberID {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	delete(g.assignments, memberID)
	delete(g.cursors, memberID)
	g.reassignLocked()
}

// reassignLocked sorts partitions ascending, sorts members ascending, and
// deals partitions round-robin to members (spec §4.5 "Join/leave").
func (g *Group) reassignLocked() {
	g.assignments = make(map[uint32][]uint32, len(g.members))
	g.cursors = make(map[uint32]int, len(g.members))

	if len(g.members) == 0 {
		return
	}
	for i, pid := range g.partitions {
		member := g.members[i%len(g.members)]
		g.assignments[member] = append(g.assignments[member], pid)
	}
}

// PollNext returns the next partition id assigned to memberID, advancing
// that member's round-robin cursor (spec §4.5 "Next partition for
// member").
func (g *Group) PollNext(memberID uint32) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	assigned, ok := g.assignments[memberID]
	if !ok || len(assigned) == 0 {
		return 0, brokererr.New(brokererr.CodeConsumerGroupMember, "member has no assigned partitions")
	}

	idx := g.cursors[memberID]
	pid := assigned[idx]
	g.cursors[memberID] = (idx + 1) % len(assigned)
	return pid, nil
}

// AssignedPartitions returns the partitions currently assigned to
// memberID.
func (g *Group) AssignedPartitions(memberID uint32) []uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]uint32(nil), g.assignments[memberID]...)
}

// Members returns the currently joined member ids, ascending.
func (g *Group) Members() []uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]uint32(nil), g.members...)
}
