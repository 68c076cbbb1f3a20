package replace

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ringkv/internal/clock"
	"ringkv/internal/dbkv"
	"ringkv/internal/hashspace"
	"ringkv/internal/rpcproto"
)

// Replace drives one server node's side of a rebalance round: the copy
// phase (stream keys to their new owners) and the delete phase (drop
// keys this node no longer owns).
type Replace struct {
	self  hashspace.NodeID
	db    *dbkv.DB
	hs    *hashspace.Holder
	clock *clock.Clock

	state   *State
	storage *OfferStorage

	streamSessions sync.Map // target stream addr -> *rpcproto.Session

	// accumMu guards accumSet, the set of peer addresses that announced
	// an incoming offer stream via ReplaceOffer during the current round.
	accumMu  sync.Mutex
	accumSet map[string]struct{}

	// notifyManager sends ReplaceCopyEnd/ReplaceDeleteEnd back to the
	// manager that started this round; injected so tests and cmd/server
	// can supply the manager dial without this package owning a
	// reconnect policy of its own.
	notifyManager func(ctx context.Context, tag rpcproto.Tag, clockTime clock.Time)
}

// Config bundles Replace's constructor parameters.
type Config struct {
	Self          hashspace.NodeID
	OfferDir      string // -f flag, default /tmp
	DB            *dbkv.DB
	HS            *hashspace.Holder
	Clock         *clock.Clock
	NotifyManager func(ctx context.Context, tag rpcproto.Tag, clockTime clock.Time)
}

func New(cfg Config) (*Replace, error) {
	storage, err := NewOfferStorage(cfg.OfferDir)
	if err != nil {
		return nil, err
	}
	return &Replace{
		self:          cfg.Self,
		db:            cfg.DB,
		hs:            cfg.HS,
		clock:         cfg.Clock,
		state:         &State{},
		storage:       storage,
		accumSet:      make(map[string]struct{}),
		notifyManager: cfg.NotifyManager,
	}, nil
}

// RegisterHandlers wires ReplaceCopyStart/ReplaceDeleteStart/ReplaceOffer
// onto d (the node's main RPC dispatcher) and StreamOffer onto
// streamDispatcher (the dedicated listener on the -L stream port).
func (r *Replace) RegisterHandlers(d, streamDispatcher *rpcproto.Dispatcher) {
	d.Handle(rpcproto.ReplaceCopyStart, r.handleCopyStart)
	d.Handle(rpcproto.ReplaceDeleteStart, r.handleDeleteStart)
	d.Handle(rpcproto.ReplaceOffer, r.handleReplaceOffer)
	streamDispatcher.Handle(rpcproto.StreamOffer, r.handleStreamOffer)
}

func (r *Replace) handleCopyStart(ctx context.Context, resp *rpcproto.Responder, payload []byte) (any, error) {
	var req rpcproto.ReplaceCopyStartReq
	if err := rpcproto.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	r.clock.Observe(req.AdjustClock)
	r.state.Reset(resp.RemoteAddr(), req.HSSeed.ClockTime)
	r.accumMu.Lock()
	r.accumSet = make(map[string]struct{})
	r.accumMu.Unlock()
	go r.runCopyPhase(context.Background(), req)
	return rpcproto.BoolReply{OK: true}, nil
}

// handleReplaceOffer receives the reply-less tag-16 announcement: a peer
// names the address it is about to push copy offers from. Sources are
// accumulated for the duration of the round and discarded when the next
// ReplaceCopyStart arrives.
func (r *Replace) handleReplaceOffer(_ context.Context, _ *rpcproto.Responder, payload []byte) (any, error) {
	var req rpcproto.ReplaceOfferReq
	if err := rpcproto.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	r.accumMu.Lock()
	r.accumSet[req.Addr] = struct{}{}
	r.accumMu.Unlock()
	return nil, nil
}

// runCopyPhase scans local storage and streams each key whose new wrepto
// no longer includes this node to its new owners. full forces every key
// to be streamed, not just those whose ownership changed.
func (r *Replace) runCopyPhase(ctx context.Context, req rpcproto.ReplaceCopyStartReq) {
	newHS := hashspace.FromSeeds(req.HSSeed, req.HSSeed)
	clockTime := req.HSSeed.ClockTime

	for _, key := range r.db.Keys() {
		h := hashspace.StdHash([]byte(key))
		rec, ok := r.db.Get(key)
		if !ok {
			continue
		}
		if !req.Full && newHS.TestReplicatorAssign(h, r.self) {
			continue // ownership unchanged for this key
		}

		for _, target := range newHS.Write.Walk(h, newHS.Replicas) {
			if target.Addr == r.self.Addr {
				continue
			}
			if err := r.storage.Append(target.Addr, offerRecord{Key: key, Value: rec.Data, Stamp: rec.Stamp}); err != nil {
				continue
			}
			r.state.PushOffer()
		}
	}

	for _, target := range newHS.Write.Nodes() {
		if target.Addr == r.self.Addr {
			continue
		}
		r.flushTo(ctx, target, clockTime)
	}

	if r.state.FinishIfIdle(clockTime) && r.notifyManager != nil {
		r.notifyManager(ctx, rpcproto.ReplaceCopyEnd, clockTime)
	}
}

// flushTo announces the stream to target over its main RPC channel
// (ReplaceOffer, no reply), then pushes the accumulated offers to the
// target's dedicated stream listener, popping push_waiting per ack.
func (r *Replace) flushTo(ctx context.Context, target hashspace.NodeID, clockTime clock.Time) {
	recs, err := r.storage.Flush(target.Addr)
	if err != nil || len(recs) == 0 {
		return
	}

	r.announceOffer(ctx, target.Addr)

	sess, err := r.streamSession(ctx, target.StreamAddr())
	if err != nil {
		for range recs {
			if finished := r.state.PopOffer(clockTime); finished && r.notifyManager != nil {
				r.notifyManager(ctx, rpcproto.ReplaceCopyEnd, clockTime)
			}
		}
		return
	}

	for _, rec := range recs {
		req := rpcproto.StreamOfferReq{Key: rpcproto.DBKey(rec.Key), Value: rpcproto.DBValue(rec.Value), Stamp: rec.Stamp}
		var resp rpcproto.BoolReply
		_ = sess.CallWithRetry(ctx, rpcproto.StreamOffer, req, &resp, rpcproto.DefaultRetryPolicy())
		if finished := r.state.PopOffer(clockTime); finished && r.notifyManager != nil {
			r.notifyManager(ctx, rpcproto.ReplaceCopyEnd, clockTime)
		}
	}
}

func (r *Replace) announceOffer(ctx context.Context, targetMain string) {
	sess, err := rpcproto.Dial(ctx, targetMain)
	if err != nil {
		return
	}
	defer sess.Close()
	_ = sess.Notify(rpcproto.ReplaceOffer, rpcproto.ReplaceOfferReq{Addr: r.self.Addr})
}

func (r *Replace) streamSession(ctx context.Context, addr string) (*rpcproto.Session, error) {
	if s, ok := r.streamSessions.Load(addr); ok {
		return s.(*rpcproto.Session), nil
	}
	s, err := rpcproto.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("replace: dial stream %s: %w", addr, err)
	}
	r.streamSessions.Store(addr, s)
	return s, nil
}

// handleStreamOffer is the receiving side of the copy phase: apply the
// offered record under the usual stamp-ordering rule, bypassing the
// client-facing RPC entirely.
func (r *Replace) handleStreamOffer(_ context.Context, _ *rpcproto.Responder, payload []byte) (any, error) {
	var req rpcproto.StreamOfferReq
	if err := rpcproto.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	_, err := r.db.Put(string(req.Key), req.Value, req.Stamp)
	if err != nil {
		return rpcproto.BoolReply{OK: false}, nil
	}
	return rpcproto.BoolReply{OK: true}, nil
}

// handleDeleteStart is the delete-phase trigger: the manager has
// collected ReplaceCopyEnd from all nodes and is now telling this node to
// drop keys it no longer owns under the new hash space.
func (r *Replace) handleDeleteStart(ctx context.Context, _ *rpcproto.Responder, payload []byte) (any, error) {
	var req rpcproto.ReplaceDeleteStartReq
	if err := rpcproto.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	r.clock.Observe(req.AdjustClock)
	go r.runDeletePhase(context.Background(), req)
	return rpcproto.BoolReply{OK: true}, nil
}

func (r *Replace) runDeletePhase(ctx context.Context, req rpcproto.ReplaceDeleteStartReq) {
	newHS := hashspace.FromSeeds(req.HSSeed, req.HSSeed)
	clockTime := req.HSSeed.ClockTime

	for _, key := range r.db.Keys() {
		h := hashspace.StdHash([]byte(key))
		if newHS.TestReplicatorAssign(h, r.self) {
			continue // still ours
		}
		_, _ = r.db.Delete(key, r.clock.Next())
	}

	if r.notifyManager != nil {
		r.notifyManager(ctx, rpcproto.ReplaceDeleteEnd, clockTime)
	}
}

// State exposes the replace_state for introspection (admin status).
func (r *Replace) State() *State { return r.state }

// OfferSources lists the peers that announced an offer stream this round.
func (r *Replace) OfferSources() []string {
	r.accumMu.Lock()
	defer r.accumMu.Unlock()
	out := make([]string, 0, len(r.accumSet))
	for addr := range r.accumSet {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}
