// Package hashspace implements consistent-hash partitioning and
// replica placement: a deterministic, versioned mapping from a 64-bit key
// hash to an ordered list of replica nodes, with independent write and
// read views (wseed/rseed) that diverge during cluster rebalance.
//
// The four placement predicates are ReplicatorsFor,
// CheckReplicatorAssign, CheckCoordinatorAssign and TestReplicatorAssign;
// everything else here exists to keep those deterministic across nodes.
package hashspace
