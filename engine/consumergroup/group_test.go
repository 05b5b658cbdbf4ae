package consumergroup

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGroupJoinAssignsFairly(t *testing.T) {
	g := New(1, []uint32{1, 2, 3, 4})

	g.Join(100)
	g.Join(200)

	a := g.AssignedPartitions(100)
	b := g.AssignedPartitions(200)
	require.Len(t, a, 2)
	require.Len(t, b, 2)

	// Fairness: at most a difference of one partition between any two
	// members (spec's testable-property analogue for consumer groups).
	require.LessOrEqual(t, abs(len(a)-len(b)), 1)
}

func TestGroupJoinIsIdempotent(t *testing.T) {
	g := New(1, []uint32{1, 2})
	g.Join(100)
	before := g.AssignedPartitions(100)
	g.Join(100)
	after := g.AssignedPartitions(100)
	require.Equal(t, before, after)
	require.Len(t, g.Members(), 1)
}

func TestGroupLeaveRedistributes(t *testing.T) {
	g := New(1, []uint32{1, 2, 3, 4})
	g.Join(100)
	g.Join(200)
	g.Leave(100)

	require.Empty(t, g.AssignedPartitions(100))
	require.Len(t, g.AssignedPartitions(200), 4)
}

func TestGroupPollNextRoundRobins(t *testing.T) {
	// Two members over four partitions: member 1 is dealt 10 and 30.
	g := New(1, []uint32{10, 20, 30, 40})
	g.Join(1)
	g.Join(2)

	first, err := g.PollNext(1)
	require.NoError(t, err)
	second, err := g.PollNext(1)
	require.NoError(t, err)
	third, err := g.PollNext(1)
	require.NoError(t, err)

	require.Equal(t, first, third)
	require.NotEqual(t, first, second)
}

func TestManagerFeatureUnavailableWhenDisabled(t *testing.T) {
	m := NewManager(false)
	require.Error(t, m.Create(1, []uint32{1}))

	_, err := m.Get(1)
	require.Error(t, err)
}

func TestManagerGroupNotFound(t *testing.T) {
	m := NewManager(true)
	_, err := m.Get(99)
	require.Error(t, err)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
