// Package store implements the server-node RPC state machine:
// Get/Set/Delete/ReplicateSet/ReplicateDelete/GetIfModified, including
// the coordinator's write-replication fan-out with per-request retry and
// acknowledgment counting, and the replicator's assignment and
// stamp-ordering checks. A write completes when every other member of
// its wrepto has acked, each fan-out retried up to a configurable limit.
package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ringkv/internal/clock"
	"ringkv/internal/dbkv"
	"ringkv/internal/hashspace"
	"ringkv/internal/metrics"
	"ringkv/internal/rpcproto"
)

// Store is one server node's RPC state machine: local storage plus
// cluster-aware coordinator/replicator logic.
type Store struct {
	self  hashspace.NodeID
	hs    *hashspace.Holder
	db    *dbkv.DB
	clock *clock.Clock

	sessions *sessionPool
	setRetry rpcproto.RetryPolicy
	delRetry rpcproto.RetryPolicy
	counters counters
}

// Config bundles the constructor parameters that come from CLI flags
// (-s storage path, -S/-G retry limits).
type Config struct {
	Self        hashspace.NodeID
	DataDir     string
	HS          *hashspace.Holder
	Clock       *clock.Clock
	SetRetry    rpcproto.RetryPolicy // -S, default 20
	DeleteRetry rpcproto.RetryPolicy // -G, default 20
}

func New(cfg Config) (*Store, error) {
	db, err := dbkv.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("store: open storage: %w", err)
	}
	s := &Store{
		self:     cfg.Self,
		hs:       cfg.HS,
		db:       db,
		clock:    cfg.Clock,
		sessions: newSessionPool(),
		setRetry: cfg.SetRetry,
		delRetry: cfg.DeleteRetry,
	}
	s.counters.startedAt = time.Now()
	return s, nil
}

func (s *Store) Close() error {
	s.sessions.closeAll()
	return s.db.Close()
}

// DB exposes the underlying storage engine for internal/replace's copy
// and delete phases, which operate on the same local data.
func (s *Store) DB() *dbkv.DB { return s.db }

// Get is the local read path. No RPC fan-out: callers needing
// cluster-wide reads are responsible for picking a replica via HashSpace
// themselves.
func (s *Store) Get(key []byte) rpcproto.GetReply {
	s.counters.cmdGet.Add(1)
	rec, found := s.db.Get(string(key))
	return rpcproto.RecordToGetReply(rec, found)
}

// GetIfModified backs tag 37. An equal stamp is "not modified", not a
// miss.
func (s *Store) GetIfModified(key []byte, ifTime clock.Time) rpcproto.GetIfModifiedReply {
	rec, modified, found := s.db.GetIfModified(string(key), ifTime)
	if !found {
		return rpcproto.GetIfModifiedReply{Found: false}
	}
	if !modified {
		return rpcproto.GetIfModifiedReply{Found: true, Modified: false}
	}
	return rpcproto.GetIfModifiedReply{Found: true, Modified: true, Value: rpcproto.DBValue(rec.Data), Stamp: rec.Stamp}
}

// Set is the coordinator role for tag 35: stamp, commit locally, fan out
// ReplicateSet to every other wrepto member, and reply once the required
// acks land (or immediately when the async flag is set).
func (s *Store) Set(ctx context.Context, flags rpcproto.StoreFlags, key, value []byte) (rpcproto.SetReply, error) {
	s.counters.cmdSet.Add(1)
	stamp := s.clock.Next()

	if _, err := s.db.Put(string(key), value, stamp); err != nil {
		return rpcproto.SetReply{}, fmt.Errorf("store: local set: %w", err)
	}

	hs := s.hs.Current()
	h := hashspace.StdHash(key)
	_, wrepto := hs.ReplicatorsFor(h)
	peers := excludeSelf(wrepto, s.self)

	if flags.Async() || len(peers) == 0 {
		go s.fanOutSet(context.Background(), peers, h, stamp, rpcproto.ReplicateFlags(0), key, value)
		return rpcproto.SetReply{Accepted: true, ClockTime: stamp}, nil
	}

	ok := s.fanOutSet(ctx, peers, h, stamp, rpcproto.ReplicateFlags(0), key, value)
	if !ok {
		metrics.ReplicaFanoutFailuresTotal.Inc()
		return rpcproto.SetReply{Accepted: false}, nil
	}
	return rpcproto.SetReply{Accepted: true, ClockTime: stamp}, nil
}

// fanOutSet issues ReplicateSet to every peer in parallel, each leg
// driven through the re-routing retry envelope, and reports whether
// every required ack arrived. The copy_required counter is modeled as an
// errgroup: the first leg to exhaust its retries fails the whole
// fan-out.
func (s *Store) fanOutSet(ctx context.Context, peers []hashspace.NodeID, h uint64, stamp clock.Time, flags rpcproto.ReplicateFlags, key, value []byte) bool {
	if len(peers) == 0 {
		return true
	}
	acks := newAckSet()
	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			return s.replicateTo(gctx, peer, h, s.setRetry, acks, func(ctx context.Context, target hashspace.NodeID) error {
				return s.sendReplicateSet(ctx, target, stamp, flags, key, value)
			})
		})
	}
	return g.Wait() == nil
}

func (s *Store) sendReplicateSet(ctx context.Context, target hashspace.NodeID, stamp clock.Time, flags rpcproto.ReplicateFlags, key, value []byte) error {
	sess, err := s.sessions.get(ctx, target.Addr)
	if err != nil {
		return fmt.Errorf("store: dial %s: %w", target.Addr, err)
	}

	req := rpcproto.ReplicateSetReq{
		AdjustClock: s.clock.Now(),
		Flags:       flags,
		Key:         rpcproto.DBKey(key),
		Value:       rpcproto.DBValue(value),
		Stamp:       stamp,
	}
	var resp rpcproto.BoolReply
	if err := sess.Call(ctx, rpcproto.ReplicateSet, req, &resp); err != nil {
		s.sessions.drop(target.Addr)
		return err
	}
	// resp.OK == false means the replica refused assignment; ignored,
	// not retried, not a failure.
	return nil
}

// replicateTo drives one fan-out leg: up to policy.MaxAttempts sends
// with backoff, re-routed between attempts. Before every attempt the
// current hash space is consulted; if the leg's target is no longer a
// write replica for h, the attempt goes to a currently-assigned replica
// that has not acked yet, so the write reaches whichever node now owns
// the slot. When every currently-assigned replica has already acked, the
// leg is done. Two re-routed legs may briefly race onto the same
// replacement target; the duplicate send is absorbed by the replica's
// stamp idempotence.
func (s *Store) replicateTo(ctx context.Context, peer hashspace.NodeID, h uint64, policy rpcproto.RetryPolicy, acks *ackSet, send func(ctx context.Context, target hashspace.NodeID) error) error {
	target := peer
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(policy.Backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if !s.hs.Current().TestReplicatorAssign(h, target) {
			next, ok := s.nextUnackedReplica(h, acks)
			if !ok {
				return nil // every currently-assigned replica has acked
			}
			target = next
		}

		lastErr = send(ctx, target)
		if lastErr == nil {
			acks.mark(target.Addr)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("store: exhausted %d replicate attempts, last to %s: %w", policy.MaxAttempts, target.Addr, lastErr)
}

// nextUnackedReplica walks the current wrepto for h and returns the
// first member other than self that has not acked this fan-out yet.
func (s *Store) nextUnackedReplica(h uint64, acks *ackSet) (hashspace.NodeID, bool) {
	_, wrepto := s.hs.Current().ReplicatorsFor(h)
	for _, n := range wrepto {
		if n.Addr == s.self.Addr || acks.has(n.Addr) {
			continue
		}
		return n, true
	}
	return hashspace.NodeID{}, false
}

// Delete is the coordinator role for tag 36.
func (s *Store) Delete(ctx context.Context, flags rpcproto.StoreFlags, key []byte) (rpcproto.DeleteReply, error) {
	s.counters.cmdDelete.Add(1)
	_, existed := s.db.Get(string(key))
	stamp := s.clock.Next()

	if _, err := s.db.Delete(string(key), stamp); err != nil {
		return rpcproto.DeleteReply{}, fmt.Errorf("store: local delete: %w", err)
	}

	hs := s.hs.Current()
	h := hashspace.StdHash(key)
	_, wrepto := hs.ReplicatorsFor(h)
	peers := excludeSelf(wrepto, s.self)

	if flags.Async() || len(peers) == 0 {
		go s.fanOutDelete(context.Background(), peers, h, stamp, rpcproto.ReplicateFlags(0), key)
		return rpcproto.DeleteReply{Accepted: true, Deleted: existed}, nil
	}

	ok := s.fanOutDelete(ctx, peers, h, stamp, rpcproto.ReplicateFlags(0), key)
	if !ok {
		metrics.ReplicaFanoutFailuresTotal.Inc()
		return rpcproto.DeleteReply{Accepted: false}, nil
	}
	return rpcproto.DeleteReply{Accepted: true, Deleted: existed}, nil
}

func (s *Store) fanOutDelete(ctx context.Context, peers []hashspace.NodeID, h uint64, stamp clock.Time, flags rpcproto.ReplicateFlags, key []byte) bool {
	if len(peers) == 0 {
		return true
	}
	acks := newAckSet()
	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		peer := peer
		g.Go(func() error {
			return s.replicateTo(gctx, peer, h, s.delRetry, acks, func(ctx context.Context, target hashspace.NodeID) error {
				return s.sendReplicateDelete(ctx, target, stamp, flags, key)
			})
		})
	}
	return g.Wait() == nil
}

func (s *Store) sendReplicateDelete(ctx context.Context, target hashspace.NodeID, stamp clock.Time, flags rpcproto.ReplicateFlags, key []byte) error {
	sess, err := s.sessions.get(ctx, target.Addr)
	if err != nil {
		return fmt.Errorf("store: dial %s: %w", target.Addr, err)
	}

	req := rpcproto.ReplicateDeleteReq{
		AdjustClock:     s.clock.Now(),
		Flags:           flags,
		DeleteClockTime: stamp,
		Key:             rpcproto.DBKey(key),
	}
	var resp rpcproto.BoolReply
	if err := sess.Call(ctx, rpcproto.ReplicateDelete, req, &resp); err != nil {
		s.sessions.drop(target.Addr)
		return err
	}
	return nil
}

// ackSet tracks which replica addresses have acked one fan-out, shared
// by all of its legs so a re-routed leg never re-targets a node another
// leg already satisfied.
type ackSet struct {
	mu   sync.Mutex
	done map[string]bool
}

func newAckSet() *ackSet {
	return &ackSet{done: make(map[string]bool)}
}

func (a *ackSet) mark(addr string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.done[addr] = true
}

func (a *ackSet) has(addr string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done[addr]
}

// ReplicateSet is the replicator role for tag 32. The by-RHS flag
// selects which hash-space view the assignment check runs against.
func (s *Store) ReplicateSet(adjustClock clock.Time, flags rpcproto.ReplicateFlags, key, value []byte, stamp clock.Time) bool {
	s.clock.Observe(adjustClock)

	hs := s.hs.Current()
	h := hashspace.StdHash(key)
	if !hs.CheckReplicatorAssign(s.self, h, flags.ByRHS()) {
		return false // not our key under the current hash space; ignored
	}

	if existing, ok := s.db.GetRaw(string(key)); ok && existing.Stamp >= stamp {
		return true // idempotent no-op: already have this or a newer stamp
	}

	if _, err := s.db.Put(string(key), value, stamp); err != nil {
		return false
	}
	return true
}

// ReplicateDelete is the replicator role for tag 33.
func (s *Store) ReplicateDelete(adjustClock clock.Time, flags rpcproto.ReplicateFlags, deleteClockTime clock.Time, key []byte) bool {
	s.clock.Observe(adjustClock)

	hs := s.hs.Current()
	h := hashspace.StdHash(key)
	if !hs.CheckReplicatorAssign(s.self, h, flags.ByRHS()) {
		return false
	}

	if existing, ok := s.db.GetRaw(string(key)); ok && existing.Stamp >= deleteClockTime {
		return true
	}

	if _, err := s.db.Delete(string(key), deleteClockTime); err != nil {
		return false
	}
	return true
}

// CreateBackup is tag 96: persist a standalone copy of the local store
// named "<path>-<suffix>".
func (s *Store) CreateBackup(suffix string) error {
	return s.db.Backup(suffix)
}

// SetConfig is tag 98. TCP_NODELAY is applied to every pooled replication
// session and to future dials. Unknown commands are an error, surfaced
// through the envelope's ErrMsg.
func (s *Store) SetConfig(cmd rpcproto.ConfigCommand, arg string) error {
	switch cmd {
	case rpcproto.ConfigTCPNoDelay:
		v, err := strconv.ParseBool(arg)
		if err != nil {
			return fmt.Errorf("store: bad TCP_NODELAY arg %q: %w", arg, err)
		}
		s.sessions.setNoDelay(v)
		return nil
	default:
		return fmt.Errorf("store: unknown config command %q", cmd)
	}
}

func excludeSelf(nodes []hashspace.NodeID, self hashspace.NodeID) []hashspace.NodeID {
	out := make([]hashspace.NodeID, 0, len(nodes))
	for _, n := range nodes {
		if n.Addr != self.Addr {
			out = append(out, n)
		}
	}
	return out
}
