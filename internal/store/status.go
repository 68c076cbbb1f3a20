package store

import (
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"ringkv/internal/clock"
	"ringkv/internal/rpcproto"
)

// counters tallies STAT_CMD_GET/SET/DELETE for GetStatus (tag 97) and for
// internal/metrics' Prometheus exposition, which reads these via Counts.
type counters struct {
	cmdGet    atomic.Uint64
	cmdSet    atomic.Uint64
	cmdDelete atomic.Uint64
	startedAt time.Time
}

// Counts returns the current command counters, used by internal/metrics
// to populate its Prometheus counters without this package importing
// the metrics package (avoids a dependency cycle; metrics is the
// observer, store is the observed).
func (s *Store) Counts() (get, set, del uint64) {
	return s.counters.cmdGet.Load(), s.counters.cmdSet.Load(), s.counters.cmdDelete.Load()
}

// Items reports the total record count (tombstones included) backing
// STAT_DB_ITEMS.
func (s *Store) Items() int { return s.db.Len() }

// ClockTime reports the node's current logical clock, backing
// STAT_CLOCKTIME.
func (s *Store) ClockTime() clock.Time { return s.clock.Now() }

// Status answers one GetStatus command (tag 97), the same lookup used
// internally by the wire handler, exposed for the admin HTTP surface's
// per-command status route.
func (s *Store) Status(cmd rpcproto.StatusCommand) string { return s.status(cmd) }

func (s *Store) status(cmd rpcproto.StatusCommand) string {
	switch cmd {
	case rpcproto.StatusPID:
		return strconv.Itoa(os.Getpid())
	case rpcproto.StatusUptime:
		return fmt.Sprintf("%d", int64(time.Since(s.counters.startedAt).Seconds()))
	case rpcproto.StatusTime:
		return strconv.FormatInt(time.Now().Unix(), 10)
	case rpcproto.StatusVersion:
		return "ringkv/1.0"
	case rpcproto.StatusCmdGet:
		return strconv.FormatUint(s.counters.cmdGet.Load(), 10)
	case rpcproto.StatusCmdSet:
		return strconv.FormatUint(s.counters.cmdSet.Load(), 10)
	case rpcproto.StatusCmdDelete:
		return strconv.FormatUint(s.counters.cmdDelete.Load(), 10)
	case rpcproto.StatusDBItems:
		return strconv.Itoa(s.db.Len())
	case rpcproto.StatusClockTime:
		return strconv.FormatInt(int64(s.clock.Now()), 10)
	case rpcproto.StatusRHS:
		return strconv.Itoa(s.hs.Current().Read.NodeCount())
	case rpcproto.StatusWHS:
		return strconv.Itoa(s.hs.Current().Write.NodeCount())
	default:
		return ""
	}
}
