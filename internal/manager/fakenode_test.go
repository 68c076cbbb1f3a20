package manager

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"ringkv/internal/clock"
	"ringkv/internal/rpcproto"
)

// fakeNode stands in for a server node in manager tests: it accepts
// ReplaceCopyStart/ReplaceDeleteStart and immediately reports completion
// back to the manager, without touching any real storage.
type fakeNode struct {
	addr           string
	d              *rpcproto.Dispatcher
	mgrAddr        string
	gotCopyStart   atomic.Bool
	gotDeleteStart atomic.Bool
}

func newFakeNode(t *testing.T, ctx context.Context, addr, mgrAddr string) *fakeNode {
	t.Helper()
	n := &fakeNode{addr: addr, d: rpcproto.NewDispatcher(), mgrAddr: mgrAddr}

	n.d.Handle(rpcproto.ReplaceCopyStart, n.handleCopyStart)
	n.d.Handle(rpcproto.ReplaceDeleteStart, n.handleDeleteStart)
	n.d.Handle(rpcproto.HashSpaceSync, n.handleHashSpaceSync)

	go n.d.Serve(ctx, addr)
	time.Sleep(20 * time.Millisecond)
	return n
}

func (n *fakeNode) handleHashSpaceSync(_ context.Context, _ *rpcproto.Responder, _ []byte) (any, error) {
	return rpcproto.HashSpaceSyncResp{Accepted: true}, nil
}

func (n *fakeNode) handleCopyStart(ctx context.Context, _ *rpcproto.Responder, payload []byte) (any, error) {
	var req rpcproto.ReplaceCopyStartReq
	if err := rpcproto.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	n.gotCopyStart.Store(true)
	go n.notify(ctx, rpcproto.ReplaceCopyEnd, req.HSSeed.ClockTime)
	return rpcproto.BoolReply{OK: true}, nil
}

func (n *fakeNode) handleDeleteStart(ctx context.Context, _ *rpcproto.Responder, payload []byte) (any, error) {
	var req rpcproto.ReplaceDeleteStartReq
	if err := rpcproto.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	n.gotDeleteStart.Store(true)
	go n.notify(ctx, rpcproto.ReplaceDeleteEnd, req.HSSeed.ClockTime)
	return rpcproto.BoolReply{OK: true}, nil
}

func (n *fakeNode) notify(ctx context.Context, tag rpcproto.Tag, clockTime clock.Time) {
	sess, err := rpcproto.Dial(ctx, n.mgrAddr)
	if err != nil {
		return
	}
	defer sess.Close()

	var payload any
	switch tag {
	case rpcproto.ReplaceCopyEnd:
		payload = rpcproto.ReplaceCopyEndReq{Addr: n.addr, ClockTime: clockTime}
	case rpcproto.ReplaceDeleteEnd:
		payload = rpcproto.ReplaceDeleteEndReq{Addr: n.addr, ClockTime: clockTime}
	}
	var resp struct{}
	_ = sess.Call(ctx, tag, payload, &resp)
}

func (n *fakeNode) stop() {}
