package hashspace

import (
	"sync"

	"ringkv/internal/clock"
)

// HashSpace pairs the write view (wseed) and read view (rseed) of the
// cluster. They diverge during rebalance: writes must already reach
// the new owners while reads may still be served from the old owners
// until the copy phase completes. ClockTime is the HS's own logical clock
// used to compare versions during HashSpaceSync.
type HashSpace struct {
	Write     *Ring
	Read      *Ring
	Replicas  int
	ClockTime clock.Time
}

// New builds an empty HashSpace with the given replication factor and
// vnode count (0 selects the Ring default).
func New(replicas, vnodes int) *HashSpace {
	return &HashSpace{
		Write:    NewRing(vnodes),
		Read:     NewRing(vnodes),
		Replicas: replicas,
	}
}

// ReplicatorsFor walks both views from hash h and returns the ordered
// read and write replica lists (rrepto and wrepto), each deduplicated
// and bounded to hs.Replicas entries. Element 0 of wrepto is the
// coordinator for h.
func (hs *HashSpace) ReplicatorsFor(h uint64) (rrepto, wrepto []NodeID) {
	return hs.Read.Walk(h, hs.Replicas), hs.Write.Walk(h, hs.Replicas)
}

// CheckReplicatorAssign reports whether self is a replica for h under the
// hash space selected by byRHS (true selects the read view, matching
// replicate_flags_by_rhs; false selects the write view).
func (hs *HashSpace) CheckReplicatorAssign(self NodeID, h uint64, byRHS bool) bool {
	ring := hs.Write
	if byRHS {
		ring = hs.Read
	}
	for _, id := range ring.Walk(h, hs.Replicas) {
		if id.Addr == self.Addr {
			return true
		}
	}
	return false
}

// CheckCoordinatorAssign reports whether self is the coordinator
// (wrepto[0]) for h under the current write view.
func (hs *HashSpace) CheckCoordinatorAssign(self NodeID, h uint64) bool {
	w := hs.Write.Walk(h, hs.Replicas)
	return len(w) > 0 && w[0].Addr == self.Addr
}

// TestReplicatorAssign reports whether target is among the write replicas
// for h. Used by the replace fan-out to decide whether a key offered to
// target actually belongs there under the new hash space.
func (hs *HashSpace) TestReplicatorAssign(h uint64, target NodeID) bool {
	for _, id := range hs.Write.Walk(h, hs.Replicas) {
		if id.Addr == target.Addr {
			return true
		}
	}
	return false
}

// HSSeed is the wire-serializable form of a HashSpace view exchanged in
// HashSpaceSync and in ReplaceCopyStart/ReplaceDeleteStart's hsseed field.
type HSSeed struct {
	Nodes     []NodeID   `msgpack:"nodes"`
	Replicas  int        `msgpack:"replicas"`
	Vnodes    int        `msgpack:"vnodes"`
	ClockTime clock.Time `msgpack:"clocktime"`
}

// Seed captures hs's write view as a wire-transmissible seed. The read
// view is seeded the same way in practice (both views converge to the
// same membership once a rebalance finishes); ReplaceCopyStart et al.
// carry a single HSSeed on the wire, so the two views are reseeded
// symmetrically from it.
func (hs *HashSpace) Seed() HSSeed {
	return seedRing(hs.Write, hs.Replicas, hs.ClockTime)
}

// SeedRead captures the read view.
func (hs *HashSpace) SeedRead() HSSeed {
	return seedRing(hs.Read, hs.Replicas, hs.ClockTime)
}

func seedRing(r *Ring, replicas int, ct clock.Time) HSSeed {
	nodes := r.Nodes()
	vnodes := r.vnodes
	return HSSeed{Nodes: nodes, Replicas: replicas, Vnodes: vnodes, ClockTime: ct}
}

// FromSeeds rebuilds a full HashSpace (both views) from a pair of seeds.
func FromSeeds(wseed, rseed HSSeed) *HashSpace {
	hs := &HashSpace{
		Write:     NewRing(wseed.Vnodes),
		Read:      NewRing(rseed.Vnodes),
		Replicas:  wseed.Replicas,
		ClockTime: wseed.ClockTime,
	}
	for _, n := range wseed.Nodes {
		hs.Write.AddNode(n)
	}
	for _, n := range rseed.Nodes {
		hs.Read.AddNode(n)
	}
	return hs
}

// SyncResult is the outcome of comparing an incoming HashSpaceSync against
// the locally held HashSpace.
type SyncResult int

const (
	// SyncObsolete means the incoming seed's clock was not newer; the
	// local HashSpace is unchanged. Wire response: nil.
	SyncObsolete SyncResult = iota
	// SyncUnchanged means the clocks were equal; no replacement needed.
	// Wire response: true.
	SyncUnchanged
	// SyncApplied means the incoming seed was newer and has replaced the
	// local HashSpace atomically. Wire response: true.
	SyncApplied
)

// Holder guards the single current HashSpace a node or gateway holds,
// applying HashSpaceSync updates under a write lock so readers never
// observe a torn swap.
type Holder struct {
	mu sync.RWMutex
	hs *HashSpace
}

// NewHolder wraps an initial HashSpace (e.g. an empty one at startup).
func NewHolder(initial *HashSpace) *Holder {
	return &Holder{hs: initial}
}

// Current returns the HashSpace currently in effect.
func (h *Holder) Current() *HashSpace {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hs
}

// Sync applies an incoming (wseed, rseed) pair under the clock-comparison
// rule: a newer clock replaces, an equal clock is a no-op ack, an older
// clock is rejected as obsolete.
func (h *Holder) Sync(wseed, rseed HSSeed) SyncResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case h.hs == nil || wseed.ClockTime > h.hs.ClockTime:
		h.hs = FromSeeds(wseed, rseed)
		return SyncApplied
	case wseed.ClockTime == h.hs.ClockTime:
		return SyncUnchanged
	default:
		return SyncObsolete
	}
}
