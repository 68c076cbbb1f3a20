package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ringkv/internal/clock"
	"ringkv/internal/hashspace"
	"ringkv/internal/rpcproto"
)

// newTestNode starts one Store behind an rpcproto.Dispatcher listening on
// id.Addr, returning the node and that address.
func newTestNode(t *testing.T, id hashspace.NodeID, hs *hashspace.Holder) (*Store, string) {
	t.Helper()
	clk := clock.New()
	s, err := New(Config{
		Self:        id,
		DataDir:     t.TempDir(),
		HS:          hs,
		Clock:       clk,
		SetRetry:    rpcproto.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		DeleteRetry: rpcproto.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	d := rpcproto.NewDispatcher()
	s.RegisterHandlers(d)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan struct{})
	go func() {
		// Serve blocks, so it runs here; it binds id.Addr, which each
		// test fixes to its own loopback port.
		close(ready)
		_ = d.Serve(ctx, id.Addr)
	}()
	<-ready
	time.Sleep(20 * time.Millisecond) // allow the listener to come up
	return s, id.Addr
}

func singleNodeHashSpace(self hashspace.NodeID) *hashspace.Holder {
	hs := hashspace.New(1, 8)
	hs.Write.AddNode(self)
	hs.Read.AddNode(self)
	return hashspace.NewHolder(hs)
}

func twoNodeHashSpace(a, b hashspace.NodeID) *hashspace.Holder {
	hs := hashspace.New(2, 8)
	for _, id := range []hashspace.NodeID{a, b} {
		hs.Write.AddNode(id)
		hs.Read.AddNode(id)
	}
	return hashspace.NewHolder(hs)
}

func TestGetSetLocalRoundTrip(t *testing.T) {
	self := hashspace.NodeID{Addr: "127.0.0.1:19101", Incarnation: "a"}
	s, _ := newTestNode(t, self, singleNodeHashSpace(self))

	resp, err := s.Set(context.Background(), 0, []byte("k"), []byte("v"))
	require.NoError(t, err)
	require.True(t, resp.Accepted)

	got := s.Get([]byte("k"))
	require.True(t, got.Found)
	require.Equal(t, rpcproto.DBValue("v"), got.Value)
}

func TestSetThenSetOverwritesWithLaterClock(t *testing.T) {
	self := hashspace.NodeID{Addr: "127.0.0.1:19102", Incarnation: "a"}
	s, _ := newTestNode(t, self, singleNodeHashSpace(self))

	_, err := s.Set(context.Background(), 0, []byte("k"), []byte("v1"))
	require.NoError(t, err)
	_, err = s.Set(context.Background(), 0, []byte("k"), []byte("v2"))
	require.NoError(t, err)

	got := s.Get([]byte("k"))
	require.Equal(t, rpcproto.DBValue("v2"), got.Value)
}

func TestDeleteOfMissingKeyReportsNotExisted(t *testing.T) {
	self := hashspace.NodeID{Addr: "127.0.0.1:19103", Incarnation: "a"}
	s, _ := newTestNode(t, self, singleNodeHashSpace(self))

	resp, err := s.Delete(context.Background(), 0, []byte("missing"))
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	require.False(t, resp.Deleted)
}

func TestReplicateSetRejectsWhenNotAssigned(t *testing.T) {
	self := hashspace.NodeID{Addr: "127.0.0.1:19104", Incarnation: "a"}
	hs := hashspace.New(1, 8)
	hs.Write.AddNode(hashspace.NodeID{Addr: "127.0.0.1:19999", Incarnation: "b"}) // self not on ring
	holder := hashspace.NewHolder(hs)

	s, _ := newTestNode(t, self, holder)
	ok := s.ReplicateSet(1, 0, []byte("k"), []byte("v"), 1)
	require.False(t, ok)
}

func TestReplicateSetIsIdempotentAgainstOlderStamp(t *testing.T) {
	self := hashspace.NodeID{Addr: "127.0.0.1:19105", Incarnation: "a"}
	s, _ := newTestNode(t, self, singleNodeHashSpace(self))

	require.True(t, s.ReplicateSet(1, 0, []byte("k"), []byte("newer"), 10))
	require.True(t, s.ReplicateSet(1, 0, []byte("k"), []byte("older"), 5))

	got := s.Get([]byte("k"))
	require.Equal(t, rpcproto.DBValue("newer"), got.Value)
}

// TestSetReplicatesToPeer is the quorum half of the set/get round trip:
// two real Stores behind real dispatchers share one hash space, and a
// coordinator Set must land on the peer via ReplicateSet before it
// replies.
func TestSetReplicatesToPeer(t *testing.T) {
	a := hashspace.NodeID{Addr: "127.0.0.1:19110", Incarnation: "a"}
	b := hashspace.NodeID{Addr: "127.0.0.1:19111", Incarnation: "b"}
	holder := twoNodeHashSpace(a, b)

	sa, _ := newTestNode(t, a, holder)
	sb, _ := newTestNode(t, b, holder)

	resp, err := sa.Set(context.Background(), 0, []byte("k"), []byte("v"))
	require.NoError(t, err)
	require.True(t, resp.Accepted)

	got := sb.Get([]byte("k"))
	require.True(t, got.Found)
	require.Equal(t, rpcproto.DBValue("v"), got.Value)
	require.Equal(t, resp.ClockTime, got.Stamp)
}

func TestDeleteReplicatesTombstoneToPeer(t *testing.T) {
	a := hashspace.NodeID{Addr: "127.0.0.1:19112", Incarnation: "a"}
	b := hashspace.NodeID{Addr: "127.0.0.1:19113", Incarnation: "b"}
	holder := twoNodeHashSpace(a, b)

	sa, _ := newTestNode(t, a, holder)
	sb, _ := newTestNode(t, b, holder)

	_, err := sa.Set(context.Background(), 0, []byte("k"), []byte("v"))
	require.NoError(t, err)
	require.True(t, sb.Get([]byte("k")).Found)

	resp, err := sa.Delete(context.Background(), 0, []byte("k"))
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	require.True(t, resp.Deleted)

	require.False(t, sb.Get([]byte("k")).Found)
}

// TestFanOutReroutesWhenAssignmentMoves starts a Set whose only replica
// target is an address nobody listens on, then swaps the hash space
// mid-retry so a live node takes over the slot. The fan-out leg must
// re-route to the new assignee instead of exhausting its retries against
// the dead one.
func TestFanOutReroutesWhenAssignmentMoves(t *testing.T) {
	coord := hashspace.NodeID{Addr: "127.0.0.1:19114", Incarnation: "a"}
	dead := hashspace.NodeID{Addr: "127.0.0.1:19979", Incarnation: "x"}
	live := hashspace.NodeID{Addr: "127.0.0.1:19115", Incarnation: "b"}

	holder := twoNodeHashSpace(coord, dead)
	sb, _ := newTestNode(t, live, holder)

	sa, err := New(Config{
		Self:        coord,
		DataDir:     t.TempDir(),
		HS:          holder,
		Clock:       clock.New(),
		SetRetry:    rpcproto.RetryPolicy{MaxAttempts: 50, BaseDelay: 2 * time.Millisecond},
		DeleteRetry: rpcproto.RetryPolicy{MaxAttempts: 50, BaseDelay: 2 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(func() { sa.Close() })

	done := make(chan rpcproto.SetReply, 1)
	go func() {
		resp, _ := sa.Set(context.Background(), 0, []byte("k"), []byte("v"))
		done <- resp
	}()

	// Let the leg fail against the dead address at least once, then move
	// the slot to the live node.
	time.Sleep(15 * time.Millisecond)
	seed := hashspace.HSSeed{
		Nodes:     []hashspace.NodeID{coord, live},
		Replicas:  2,
		Vnodes:    8,
		ClockTime: 1,
	}
	require.Equal(t, hashspace.SyncApplied, holder.Sync(seed, seed))

	select {
	case resp := <-done:
		require.True(t, resp.Accepted)
	case <-time.After(5 * time.Second):
		t.Fatal("set did not complete after reassignment")
	}

	got := sb.Get([]byte("k"))
	require.True(t, got.Found)
	require.Equal(t, rpcproto.DBValue("v"), got.Value)
}

func TestCreateBackupWritesSuffixedFile(t *testing.T) {
	self := hashspace.NodeID{Addr: "127.0.0.1:19107", Incarnation: "a"}
	clk := clock.New()
	dir := t.TempDir() + "/data"
	s, err := New(Config{
		Self:        self,
		DataDir:     dir,
		HS:          singleNodeHashSpace(self),
		Clock:       clk,
		SetRetry:    rpcproto.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
		DeleteRetry: rpcproto.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
	})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Set(context.Background(), 0, []byte("k"), []byte("v"))
	require.NoError(t, err)

	require.NoError(t, s.CreateBackup("test"))
	_, err = os.Stat(dir + "-test")
	require.NoError(t, err)
}

func TestSetConfigTCPNoDelay(t *testing.T) {
	self := hashspace.NodeID{Addr: "127.0.0.1:19108", Incarnation: "a"}
	s, _ := newTestNode(t, self, singleNodeHashSpace(self))

	require.NoError(t, s.SetConfig(rpcproto.ConfigTCPNoDelay, "true"))
	require.Error(t, s.SetConfig(rpcproto.ConfigTCPNoDelay, "maybe"))
	require.Error(t, s.SetConfig(rpcproto.ConfigCommand("BOGUS"), "1"))
}

func TestGetStatusReportsCounters(t *testing.T) {
	self := hashspace.NodeID{Addr: "127.0.0.1:19106", Incarnation: "a"}
	s, _ := newTestNode(t, self, singleNodeHashSpace(self))

	_, _ = s.Set(context.Background(), 0, []byte("k"), []byte("v"))
	_ = s.Get([]byte("k"))

	require.Equal(t, "1", s.status(rpcproto.StatusCmdSet))
	require.Equal(t, "1", s.status(rpcproto.StatusCmdGet))
	require.Equal(t, "1", s.status(rpcproto.StatusDBItems))
}
