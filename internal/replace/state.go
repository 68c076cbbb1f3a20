// Package replace implements the rebalance state machine:
// ReplaceCopyStart/ReplaceDeleteStart/ReplaceOffer, a per-node
// replace_state guarded by one mutex with push/pop offer accounting, and
// per-target offer accumulation flushed to a temp directory before
// streaming. A round is two phases: copy keys to their new owners, then
// (once the manager has heard from everyone) delete what moved away.
package replace

import (
	"sync"

	"ringkv/internal/clock"
)

// Phase is the replace_state's coarse stage: a small explicit state
// machine Idle -> Copying(ct, push_waiting) -> Finished.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCopying
	PhaseFinished
)

// State is one node's replace_state: (mgr_addr, clocktime, push_waiting),
// guarded by a single mutex.
type State struct {
	mu          sync.Mutex
	mgrAddr     string
	clockTime   clock.Time
	pushWaiting int
	phase       Phase
}

// Reset begins a new replace round at clockTime, discarding any prior
// in-progress round (a newer ReplaceCopyStart always supersedes).
func (s *State) Reset(mgrAddr string, clockTime clock.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mgrAddr = mgrAddr
	s.clockTime = clockTime
	s.pushWaiting = 0
	s.phase = PhaseCopying
}

// PushOffer increments push_waiting for one key about to be streamed.
func (s *State) PushOffer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushWaiting++
}

// PopOffer decrements push_waiting for one acknowledged stream send, and
// reports whether the copy phase just finished (push_waiting reached
// zero for the current clockTime).
func (s *State) PopOffer(clockTime clock.Time) (finished bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if clockTime != s.clockTime {
		return false // stale ack from a superseded round
	}
	if s.pushWaiting > 0 {
		s.pushWaiting--
	}
	if s.pushWaiting == 0 && s.phase == PhaseCopying {
		s.phase = PhaseFinished
		return true
	}
	return false
}

// FinishIfIdle transitions Copying -> Finished iff ct matches the current
// round and no pushes are pending, reporting whether it did. Used at the
// end of a copy scan that produced no offers at all (or whose offers all
// popped before the scan loop returned), so the completion notify fires
// exactly once between here and PopOffer.
func (s *State) FinishIfIdle(ct clock.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ct != s.clockTime || s.pushWaiting != 0 || s.phase != PhaseCopying {
		return false
	}
	s.phase = PhaseFinished
	return true
}

// IsFinished reports whether ct matches the in-progress clockTime with no
// pending pushes: is_finished(ct) ⇒ push_waiting == 0 ∧ clocktime == ct.
func (s *State) IsFinished(ct clock.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ct == s.clockTime && s.pushWaiting == 0
}

// Invalidate forces the state to terminal regardless of pending pushes —
// used when a newer replace round supersedes this one mid-flight.
func (s *State) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseFinished
	s.pushWaiting = 0
}

// Snapshot returns the state's current fields for introspection (e.g. the
// admin status surface).
func (s *State) Snapshot() (mgrAddr string, clockTime clock.Time, pushWaiting int, phase Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mgrAddr, s.clockTime, s.pushWaiting, s.phase
}
