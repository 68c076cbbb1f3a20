// Package manager implements the cluster-directed side of rebalancing
// and hash-space distribution: tracking which server nodes (and gateway
// processes) are members of the cluster, building the versioned
// HashSpace from that membership, pushing it out via HashSpaceSync, and
// driving one rebalance round end-to-end (ReplaceCopyStart -> collect
// ReplaceCopyEnd -> ReplaceDeleteStart -> collect ReplaceDeleteEnd).
//
// A deployment runs at most two managers: one primary that drives
// rounds, and an optional standby that health-checks it and takes over
// push duties when it goes quiet.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ringkv/internal/clock"
	"ringkv/internal/hashspace"
	"ringkv/internal/logging"
	"ringkv/internal/rpcproto"
)

// Role distinguishes the active (primary) manager, which drives
// rebalances, from a standby that neither triggers rebalances nor
// receives hash-space pushes, and is ready to take over if the primary
// disappears.
type Role int

const (
	RolePrimary Role = iota
	RoleStandby
)

// Config bundles Manager's constructor parameters. The server CLI's
// -m/-p flags name the primary and secondary manager addresses; the two
// must differ.
type Config struct {
	Role     Role
	Replicas int
	Vnodes   int
	Clock    *clock.Clock
}

// Manager is one manager process's view of cluster membership and the
// in-progress replace round, if any.
type Manager struct {
	role  Role
	clock *clock.Clock

	mu       sync.Mutex
	members  map[string]hashspace.NodeID // addr -> NodeID
	gateways map[string]struct{}         // addr -> present (HashSpaceSync targets only)
	hs       *hashspace.HashSpace

	replaceMu    sync.Mutex
	inProgress   bool
	copyAcked    map[string]bool
	deleteAcked  map[string]bool
	currentClock clock.Time
	onRoundDone  chan struct{}

	replicas int
	vnodes   int
}

func New(cfg Config) *Manager {
	return &Manager{
		role:     cfg.Role,
		clock:    cfg.Clock,
		members:  make(map[string]hashspace.NodeID),
		gateways: make(map[string]struct{}),
		replicas: cfg.Replicas,
		vnodes:   cfg.Vnodes,
		hs:       hashspace.New(cfg.Replicas, cfg.Vnodes),
	}
}

// Role reports whether this Manager is the active primary or a standby
// mirror.
func (m *Manager) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// AddMember registers a server node under addr (callers needing the new
// HS pushed to the cluster should follow with TriggerRebalance). The
// node's replace-stream address is assumed to follow the port-plus-one
// convention; use AddMemberStream when the node runs -L elsewhere.
func (m *Manager) AddMember(addr string) hashspace.NodeID {
	return m.AddMemberStream(addr, "")
}

// AddMemberStream registers a server node with an explicit replace-stream
// address. The incarnation minted here tells this registration apart from
// any earlier life of the same address.
func (m *Manager) AddMemberStream(addr, streamAddr string) hashspace.NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := hashspace.NodeID{Addr: addr, Stream: streamAddr, Incarnation: uuid.NewString()}
	m.members[addr] = id
	return id
}

// RemoveMember drops a server node from membership.
func (m *Manager) RemoveMember(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members, addr)
}

// RegisterGateway records a gateway process's RPC address as a
// HashSpaceSync push target (gateways have no replace role of their own;
// they only need the current read/write views to route client requests).
func (m *Manager) RegisterGateway(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gateways[addr] = struct{}{}
}

// Members returns a snapshot of current server node addresses.
func (m *Manager) Members() []hashspace.NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]hashspace.NodeID, 0, len(m.members))
	for _, id := range m.members {
		out = append(out, id)
	}
	return out
}

// Current returns the Manager's current HashSpace view.
func (m *Manager) Current() *hashspace.HashSpace {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hs
}

// rebuildHS constructs a fresh HashSpace from current membership,
// stamped with the next clock value. Every membership change produces a
// newer-stamped HS, which is what entitles a rebalance round to start.
func (m *Manager) rebuildHS() *hashspace.HashSpace {
	m.mu.Lock()
	defer m.mu.Unlock()

	hs := hashspace.New(m.replicas, m.vnodes)
	hs.ClockTime = m.clock.Next()
	for _, id := range m.members {
		hs.Write.AddNode(id)
		hs.Read.AddNode(id)
	}
	m.hs = hs
	return hs
}

func (m *Manager) pushTargets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.members)+len(m.gateways))
	for addr := range m.members {
		out = append(out, addr)
	}
	for addr := range m.gateways {
		out = append(out, addr)
	}
	return out
}

// PushHashSpace dials every known server node and gateway and issues
// HashSpaceSync with the current HashSpace. Failures
// to individual targets are logged, not fatal: a node that missed this
// push will pick up the current HS on the next periodic push or the next
// rebalance's own HashSpaceSync.
func (m *Manager) PushHashSpace(ctx context.Context) {
	hs := m.Current()
	wseed, rseed := hs.Seed(), hs.SeedRead()
	log := logging.Component("manager")

	for _, target := range m.pushTargets() {
		target := target
		go func() {
			if err := m.pushOne(ctx, target, wseed, rseed); err != nil {
				log.Warn().Err(err).Str("target", target).Msg("hash space push failed")
			}
		}()
	}
}

func (m *Manager) pushOne(ctx context.Context, target string, wseed, rseed hashspace.HSSeed) error {
	sess, err := rpcproto.Dial(ctx, target)
	if err != nil {
		return err
	}
	defer sess.Close()

	req := rpcproto.HashSpaceSyncReq{WSeed: wseed, RSeed: rseed, AdjustClock: m.clock.Now()}
	var resp rpcproto.HashSpaceSyncResp
	return sess.Call(ctx, rpcproto.HashSpaceSync, req, &resp)
}

// TriggerRebalance recomputes the HashSpace from current membership,
// pushes it to the cluster, then drives the full two-phase replace
// round: ReplaceCopyStart to every member,
// wait for every ReplaceCopyEnd, ReplaceDeleteStart to every member,
// wait for every ReplaceDeleteEnd. It blocks until the round completes
// or ctx is done.
func (m *Manager) TriggerRebalance(ctx context.Context, full bool) error {
	if m.Role() != RolePrimary {
		return fmt.Errorf("manager: standby cannot trigger a rebalance")
	}

	hs := m.rebuildHS()
	m.PushHashSpace(ctx)

	members := m.Members()
	if len(members) == 0 {
		return nil
	}

	m.replaceMu.Lock()
	m.inProgress = true
	m.currentClock = hs.ClockTime
	m.copyAcked = make(map[string]bool, len(members))
	m.deleteAcked = make(map[string]bool, len(members))
	m.onRoundDone = make(chan struct{})
	m.replaceMu.Unlock()

	wseed := hs.Seed()
	for _, id := range members {
		id := id
		go m.sendCopyStart(ctx, id.Addr, wseed, full)
	}

	if !m.awaitPhase(ctx, len(members), func() int { return len(m.copyAcked) }) {
		return fmt.Errorf("manager: timed out waiting for ReplaceCopyEnd")
	}

	for _, id := range members {
		id := id
		go m.sendDeleteStart(ctx, id.Addr, wseed)
	}

	if !m.awaitPhase(ctx, len(members), func() int { return len(m.deleteAcked) }) {
		return fmt.Errorf("manager: timed out waiting for ReplaceDeleteEnd")
	}

	m.replaceMu.Lock()
	m.inProgress = false
	m.replaceMu.Unlock()
	return nil
}

func (m *Manager) sendCopyStart(ctx context.Context, addr string, wseed hashspace.HSSeed, full bool) {
	sess, err := rpcproto.Dial(ctx, addr)
	if err != nil {
		return
	}
	defer sess.Close()
	req := rpcproto.ReplaceCopyStartReq{HSSeed: wseed, AdjustClock: m.clock.Now(), Full: full}
	var resp rpcproto.BoolReply
	_ = sess.Call(ctx, rpcproto.ReplaceCopyStart, req, &resp)
}

func (m *Manager) sendDeleteStart(ctx context.Context, addr string, wseed hashspace.HSSeed) {
	sess, err := rpcproto.Dial(ctx, addr)
	if err != nil {
		return
	}
	defer sess.Close()
	req := rpcproto.ReplaceDeleteStartReq{HSSeed: wseed, AdjustClock: m.clock.Now()}
	var resp rpcproto.BoolReply
	_ = sess.Call(ctx, rpcproto.ReplaceDeleteStart, req, &resp)
}

// awaitPhase polls count against want every 20ms until it's reached or
// ctx expires. The replace round is small-cluster scale (tens of nodes),
// so short polling is simpler than a condition variable per phase and
// avoids a notify-on-every-ack fast path this scale doesn't need.
func (m *Manager) awaitPhase(ctx context.Context, want int, count func() int) bool {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.replaceMu.Lock()
		got := count()
		m.replaceMu.Unlock()
		if got >= want {
			return true
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
	}
}

// Promote flips a standby into the primary role, so it starts answering
// rebalance triggers and pushing hash-space state. Idempotent.
func (m *Manager) Promote() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.role = RolePrimary
}

// WatchPrimary runs a standby's health checks against the primary's RPC
// address: a KeepAlive every interval, promoting self after threshold
// consecutive failures. Blocks until ctx is done; run on its own
// goroutine. A promoted standby immediately pushes its hash-space view so
// nodes converge on whichever manager is now answering.
func (m *Manager) WatchPrimary(ctx context.Context, primaryAddr string, interval time.Duration, threshold int) {
	log := logging.Component("manager")
	failures := 0

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if m.Role() == RolePrimary {
			return // already promoted
		}

		if err := m.pingPrimary(ctx, primaryAddr); err != nil {
			failures++
			log.Warn().Err(err).Int("failures", failures).Str("primary", primaryAddr).Msg("primary health check failed")
			if failures >= threshold {
				log.Info().Str("primary", primaryAddr).Msg("taking over as primary manager")
				m.Promote()
				m.PushHashSpace(ctx)
				return
			}
			continue
		}
		failures = 0
	}
}

func (m *Manager) pingPrimary(ctx context.Context, addr string) error {
	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	sess, err := rpcproto.Dial(dctx, addr)
	if err != nil {
		return err
	}
	defer sess.Close()

	var resp struct{}
	return sess.Call(dctx, rpcproto.KeepAlive, rpcproto.KeepAliveReq{AdjustClock: m.clock.Now()}, &resp)
}

// RegisterHandlers wires ReplaceCopyEnd/ReplaceDeleteEnd/KeepAlive onto
// d, the manager's own RPC dispatcher, so nodes can report phase
// completion and renew liveness.
func (m *Manager) RegisterHandlers(d *rpcproto.Dispatcher) {
	d.Handle(rpcproto.ReplaceCopyEnd, m.handleCopyEnd)
	d.Handle(rpcproto.ReplaceDeleteEnd, m.handleDeleteEnd)
	d.Handle(rpcproto.KeepAlive, m.handleKeepAlive)
}

func (m *Manager) handleCopyEnd(_ context.Context, r *rpcproto.Responder, payload []byte) (any, error) {
	var req rpcproto.ReplaceCopyEndReq
	if err := rpcproto.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	m.replaceMu.Lock()
	if m.inProgress && req.ClockTime == m.currentClock {
		m.copyAcked[endAddr(req.Addr, r)] = true
	}
	m.replaceMu.Unlock()
	return struct{}{}, nil
}

func (m *Manager) handleDeleteEnd(_ context.Context, r *rpcproto.Responder, payload []byte) (any, error) {
	var req rpcproto.ReplaceDeleteEndReq
	if err := rpcproto.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	m.replaceMu.Lock()
	if m.inProgress && req.ClockTime == m.currentClock {
		m.deleteAcked[endAddr(req.Addr, r)] = true
	}
	m.replaceMu.Unlock()
	return struct{}{}, nil
}

// endAddr keys a phase ack by the node's declared listen address, so a
// node re-notifying over a new connection never counts twice. Older
// senders that omit Addr fall back to the dial source.
func endAddr(addr string, r *rpcproto.Responder) string {
	if addr != "" {
		return addr
	}
	return r.RemoteAddr()
}

func (m *Manager) handleKeepAlive(_ context.Context, _ *rpcproto.Responder, payload []byte) (any, error) {
	var req rpcproto.KeepAliveReq
	if err := rpcproto.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	m.clock.Observe(req.AdjustClock)
	return struct{}{}, nil
}
