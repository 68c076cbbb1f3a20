// Package clock implements the monotonic logical clock ("ClockTime") used
// to totally order writes to a single key and to resolve the adjust_clock
// field carried on KeepAlive and HashSpaceSync messages.
//
// A single scalar suffices rather than a per-node vector: the coordinator,
// not each replica independently, is the one authority that stamps a
// write, so causality per key collapses to one counter that must only
// move forward and absorb values observed from peers.
package clock

import "sync/atomic"

// Time is a monotonically increasing logical timestamp assigned to every
// stored value at the coordinating node.
type Time int64

// Clock generates strictly increasing Time values and absorbs Time values
// observed from remote peers so the local clock never regresses below
// what the rest of the cluster has already seen.
type Clock struct {
	v int64
}

// New returns a Clock starting from zero.
func New() *Clock {
	return &Clock{}
}

// Next returns a Time strictly greater than any Time previously returned
// by this Clock or ever passed to Observe.
func (c *Clock) Next() Time {
	return Time(atomic.AddInt64(&c.v, 1))
}

// Observe folds a Time seen from a remote node (an adjust_clock value)
// into the local clock, so a subsequent Next() is guaranteed to exceed it.
func (c *Clock) Observe(t Time) {
	for {
		cur := atomic.LoadInt64(&c.v)
		if int64(t) <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(&c.v, cur, int64(t)) {
			return
		}
	}
}

// Now returns the current value without advancing it.
func (c *Clock) Now() Time {
	return Time(atomic.LoadInt64(&c.v))
}
