package rpcproto

import (
	"ringkv/internal/clock"
	"ringkv/internal/dbkv"
	"ringkv/internal/hashspace"
)

// StoreFlags is the 16-bit bitfield carried on Set/ReplicateSet.
type StoreFlags uint16

// StoreFlagAsync marks a write as fire-and-forget: the coordinator
// replies after the local commit without waiting for replica acks.
const StoreFlagAsync StoreFlags = 0x01

func (f StoreFlags) Async() bool { return f&StoreFlagAsync != 0 }

// ReplicateFlags is the 8-bit bitfield carried on ReplicateSet/
// ReplicateDelete.
type ReplicateFlags uint8

// ReplicateFlagByRHS marks a replicate fan-out as initiated against the
// read hash space view rather than the write view (asymmetric fan-out
// during rebalance).
const ReplicateFlagByRHS ReplicateFlags = 0x01

func (f ReplicateFlags) ByRHS() bool { return f&ReplicateFlagByRHS != 0 }

// DBKey and DBValue are the opaque key and value byte payloads.
type DBKey []byte
type DBValue []byte

// KeepAliveReq carries only a clock adjustment (tag 0).
type KeepAliveReq struct {
	AdjustClock clock.Time `msgpack:"adjust_clock"`
}

// HashSpaceSyncReq carries both hash-space views plus a clock adjustment.
type HashSpaceSyncReq struct {
	WSeed       hashspace.HSSeed `msgpack:"wseed"`
	RSeed       hashspace.HSSeed `msgpack:"rseed"`
	AdjustClock clock.Time       `msgpack:"adjust_clock"`
}

// HashSpaceSyncResp is true, or nil (absent) when the incoming seed was
// obsolete — represented here as a bool plus an explicit Obsolete flag
// since Go has no wire-level nil/bool union.
type HashSpaceSyncResp struct {
	Accepted bool `msgpack:"accepted"`
	Obsolete bool `msgpack:"obsolete"`
}

type ReplaceCopyStartReq struct {
	HSSeed      hashspace.HSSeed `msgpack:"hsseed"`
	AdjustClock clock.Time       `msgpack:"adjust_clock"`
	Full        bool             `msgpack:"full"`
}

type ReplaceDeleteStartReq struct {
	HSSeed      hashspace.HSSeed `msgpack:"hsseed"`
	AdjustClock clock.Time       `msgpack:"adjust_clock"`
}

// ReplaceOfferReq names the peer a node should expect copy offers from;
// it is sent as a notify and has no reply.
type ReplaceOfferReq struct {
	Addr string `msgpack:"addr"`
}

type ReplicateSetReq struct {
	AdjustClock clock.Time     `msgpack:"adjust_clock"`
	Flags       ReplicateFlags `msgpack:"flags"`
	Key         DBKey          `msgpack:"key"`
	Value       DBValue        `msgpack:"value"`
	Stamp       clock.Time     `msgpack:"stamp"`
}

type ReplicateDeleteReq struct {
	AdjustClock     clock.Time     `msgpack:"adjust_clock"`
	Flags           ReplicateFlags `msgpack:"flags"`
	DeleteClockTime clock.Time     `msgpack:"delete_clocktime"`
	Key             DBKey          `msgpack:"key"`
}

// BoolReply is the true|false reply shape of ReplicateSet and
// ReplicateDelete, also used as a plain acknowledgement by other RPCs.
// Delete's three-state reply is DeleteReply, not this.
type BoolReply struct {
	OK bool `msgpack:"ok"`
}

type GetReq struct {
	Key DBKey `msgpack:"key"`
}

// GetReply is DBValue|nil; Found distinguishes an absent key from an
// empty value, since msgpack has no idiomatic Go nil-vs-zero-value
// distinction for byte slices.
type GetReply struct {
	Found bool       `msgpack:"found"`
	Value DBValue    `msgpack:"value"`
	Stamp clock.Time `msgpack:"stamp"`
}

type SetReq struct {
	Flags StoreFlags `msgpack:"flags"`
	Key   DBKey      `msgpack:"key"`
	Value DBValue    `msgpack:"value"`
}

// SetReply is ClockTime|nil: Accepted=false means the write failed after
// exhausting the retry envelope.
type SetReply struct {
	Accepted  bool       `msgpack:"accepted"`
	ClockTime clock.Time `msgpack:"clocktime"`
}

type DeleteReq struct {
	Flags StoreFlags `msgpack:"flags"`
	Key   DBKey      `msgpack:"key"`
}

// DeleteReply is true|false|nil: Deleted distinguishes "removed" from
// "key did not exist"; Accepted=false means failure (retry exhaustion).
type DeleteReply struct {
	Accepted bool `msgpack:"accepted"`
	Deleted  bool `msgpack:"deleted"`
}

type GetIfModifiedReq struct {
	Key    DBKey      `msgpack:"key"`
	IfTime clock.Time `msgpack:"if_time"`
}

// GetIfModifiedReply is DBValue|true|nil: Found=false means absent;
// Found=true,Modified=false means the stamp is at or below IfTime
// (not-modified); Found=true,Modified=true carries Value.
type GetIfModifiedReply struct {
	Found    bool       `msgpack:"found"`
	Modified bool       `msgpack:"modified"`
	Value    DBValue    `msgpack:"value"`
	Stamp    clock.Time `msgpack:"stamp"`
}

type CreateBackupReq struct {
	Suffix string `msgpack:"suffix"`
}

type GetStatusReq struct {
	Command StatusCommand `msgpack:"command"`
}

type GetStatusResp struct {
	Value string `msgpack:"value"`
}

type SetConfigReq struct {
	Command ConfigCommand `msgpack:"command"`
	Arg     string        `msgpack:"arg"`
}

// ReplaceCopyEndReq/ReplaceDeleteEndReq notify the manager that the node
// listening on Addr has finished its copy or delete phase for clockTime.
// Addr is the node's RPC listen address, not the ephemeral dial source,
// so the manager can account phase completion per member.
type ReplaceCopyEndReq struct {
	Addr      string     `msgpack:"addr"`
	ClockTime clock.Time `msgpack:"clocktime"`
}

type ReplaceDeleteEndReq struct {
	Addr      string     `msgpack:"addr"`
	ClockTime clock.Time `msgpack:"clocktime"`
}

// StreamOfferReq is one (key, value, stamp) pair pushed over the
// dedicated replace-stream channel.
type StreamOfferReq struct {
	Key   DBKey      `msgpack:"key"`
	Value DBValue    `msgpack:"value"`
	Stamp clock.Time `msgpack:"stamp"`
}

// RecordToGetReply converts a dbkv.Record lookup into the wire GetReply
// shape, used by internal/store when answering Get from local storage.
func RecordToGetReply(rec dbkv.Record, found bool) GetReply {
	if !found {
		return GetReply{}
	}
	return GetReply{Found: true, Value: DBValue(rec.Data), Stamp: rec.Stamp}
}
