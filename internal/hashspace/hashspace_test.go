package hashspace

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func nodeID(addr string) NodeID { return NodeID{Addr: addr, Incarnation: "1"} }

func TestReplicatorsForReturnsDistinctNodes(t *testing.T) {
	hs := New(3, 16)
	for _, a := range []string{"n1", "n2", "n3", "n4"} {
		hs.Write.AddNode(nodeID(a))
		hs.Read.AddNode(nodeID(a))
	}

	rrepto, wrepto := hs.ReplicatorsFor(StdHash([]byte("some-key")))
	require.Len(t, wrepto, 3)
	require.Len(t, rrepto, 3)

	seen := make(map[string]bool)
	for _, n := range wrepto {
		require.False(t, seen[n.Addr], "duplicate node in wrepto")
		seen[n.Addr] = true
	}
}

func TestCheckCoordinatorAssignMatchesFirstReplica(t *testing.T) {
	hs := New(2, 16)
	for _, a := range []string{"n1", "n2", "n3"} {
		hs.Write.AddNode(nodeID(a))
	}

	h := StdHash([]byte("coord-key"))
	_, wrepto := hs.ReplicatorsFor(h)
	require.NotEmpty(t, wrepto)

	require.True(t, hs.CheckCoordinatorAssign(wrepto[0], h))
	for _, other := range wrepto[1:] {
		require.False(t, hs.CheckCoordinatorAssign(other, h))
	}
}

func TestCheckReplicatorAssignSelectsViewByFlag(t *testing.T) {
	hs := New(2, 16)
	hs.Write.AddNode(nodeID("w1"))
	hs.Write.AddNode(nodeID("w2"))
	hs.Read.AddNode(nodeID("r1"))
	hs.Read.AddNode(nodeID("r2"))

	h := StdHash([]byte("key"))
	require.False(t, hs.CheckReplicatorAssign(nodeID("r1"), h, false))
	require.False(t, hs.CheckReplicatorAssign(nodeID("w1"), h, true))
}

func TestHolderSyncClockOrdering(t *testing.T) {
	holder := NewHolder(New(2, 16))

	older := HSSeed{Nodes: []NodeID{nodeID("n1")}, Replicas: 2, Vnodes: 16, ClockTime: 1}
	require.Equal(t, SyncApplied, holder.Sync(older, older))

	same := holder.Sync(older, older)
	require.Equal(t, SyncUnchanged, same)

	newer := HSSeed{Nodes: []NodeID{nodeID("n1"), nodeID("n2")}, Replicas: 2, Vnodes: 16, ClockTime: 2}
	require.Equal(t, SyncApplied, holder.Sync(newer, newer))
	require.Equal(t, 2, holder.Current().Write.NodeCount())

	stale := HSSeed{Nodes: []NodeID{nodeID("n1")}, Replicas: 2, Vnodes: 16, ClockTime: 1}
	require.Equal(t, SyncObsolete, holder.Sync(stale, stale))
	require.Equal(t, 2, holder.Current().Write.NodeCount())
}

func TestStreamAddrFallsBackToNextPort(t *testing.T) {
	require.Equal(t, "127.0.0.1:9001", NodeID{Addr: "127.0.0.1:9000"}.StreamAddr())
	require.Equal(t, "127.0.0.1:7777", NodeID{Addr: "127.0.0.1:9000", Stream: "127.0.0.1:7777"}.StreamAddr())
}

func TestTestReplicatorAssign(t *testing.T) {
	hs := New(3, 16)
	for _, a := range []string{"n1", "n2", "n3", "n4", "n5"} {
		hs.Write.AddNode(nodeID(a))
	}

	h := StdHash([]byte("k"))
	_, wrepto := hs.ReplicatorsFor(h)
	for _, n := range wrepto {
		require.True(t, hs.TestReplicatorAssign(h, n))
	}
}
