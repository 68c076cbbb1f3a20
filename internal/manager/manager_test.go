package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ringkv/internal/clock"
	"ringkv/internal/rpcproto"
)

func TestRebuildHSIncludesAddedMembers(t *testing.T) {
	m := New(Config{Role: RolePrimary, Replicas: 2, Vnodes: 8, Clock: clock.New()})
	m.AddMember("127.0.0.1:20101")
	m.AddMember("127.0.0.1:20102")

	hs := m.rebuildHS()
	require.Equal(t, 2, hs.Write.NodeCount())
}

func TestStandbyCannotTriggerRebalance(t *testing.T) {
	m := New(Config{Role: RoleStandby, Replicas: 2, Vnodes: 8, Clock: clock.New()})
	err := m.TriggerRebalance(context.Background(), false)
	require.Error(t, err)
}

// TestTriggerRebalanceDrivesFullRound spins up two fake nodes that
// accept ReplaceCopyStart/ReplaceDeleteStart and call back ReplaceCopyEnd/
// ReplaceDeleteEnd to the manager's own dispatcher, exercising the full
// phase handshake.
func TestTriggerRebalanceDrivesFullRound(t *testing.T) {
	mgrClock := clock.New()
	mgr := New(Config{Role: RolePrimary, Replicas: 2, Vnodes: 8, Clock: mgrClock})

	mgrDispatcher := rpcproto.NewDispatcher()
	mgr.RegisterHandlers(mgrDispatcher)
	mgrAddr := "127.0.0.1:20201"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go mgrDispatcher.Serve(ctx, mgrAddr)
	time.Sleep(20 * time.Millisecond)

	node1 := newFakeNode(t, ctx, "127.0.0.1:20202", mgrAddr)
	node2 := newFakeNode(t, ctx, "127.0.0.1:20203", mgrAddr)
	defer node1.stop()
	defer node2.stop()

	mgr.AddMember(node1.addr)
	mgr.AddMember(node2.addr)

	err := mgr.TriggerRebalance(ctx, false)
	require.NoError(t, err)
	require.True(t, node1.gotCopyStart.Load())
	require.True(t, node1.gotDeleteStart.Load())
	require.True(t, node2.gotCopyStart.Load())
	require.True(t, node2.gotDeleteStart.Load())
}
