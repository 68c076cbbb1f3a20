// Package metrics exposes Prometheus gauges/counters mirroring the
// GetStatus command surface (CMD_GET/SET/DELETE, DB_ITEMS, CLOCKTIME):
// package-level collectors registered in init, served by internal/admin's
// /metrics route.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CmdGetTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ringkv_cmd_get_total",
		Help: "Total number of Get RPCs served by this node.",
	})

	CmdSetTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ringkv_cmd_set_total",
		Help: "Total number of Set RPCs served by this node.",
	})

	CmdDeleteTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ringkv_cmd_delete_total",
		Help: "Total number of Delete RPCs served by this node.",
	})

	DBItems = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ringkv_db_items",
		Help: "Total number of records held locally, tombstones included.",
	})

	ClockTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ringkv_clocktime",
		Help: "Current value of this node's logical clock.",
	})

	ReplicaFanoutFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ringkv_replicate_fanout_failures_total",
		Help: "Total number of coordinator write fan-outs that exhausted their retry envelope.",
	})

	ReplacePushWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ringkv_replace_push_waiting",
		Help: "Current push_waiting counter of an in-progress replace copy phase.",
	})

	GatewayConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ringkv_gateway_connections_active",
		Help: "Number of currently open gateway client connections.",
	})
)

func init() {
	prometheus.MustRegister(
		CmdGetTotal,
		CmdSetTotal,
		CmdDeleteTotal,
		DBItems,
		ClockTime,
		ReplicaFanoutFailuresTotal,
		ReplacePushWaiting,
		GatewayConnectionsActive,
	)
}

// Handler returns the Prometheus scrape handler for internal/admin's
// /metrics route.
func Handler() http.Handler { return promhttp.Handler() }

// CounterSource lets a periodic sampler pull the three command counters
// and the item count from whatever currently holds them (internal/store.Store), without
// metrics importing store and creating a cycle.
type CounterSource interface {
	Counts() (get, set, del uint64)
	Items() int
}

// Sample copies src's current counters and gauge values into the
// Prometheus collectors above. Counters are monotonic, so Sample adds
// only the delta since the last call.
type Sampler struct {
	lastGet, lastSet, lastDel uint64
}

func (s *Sampler) Sample(src CounterSource, clockTime int64) {
	get, set, del := src.Counts()
	CmdGetTotal.Add(float64(get - s.lastGet))
	CmdSetTotal.Add(float64(set - s.lastSet))
	CmdDeleteTotal.Add(float64(del - s.lastDel))
	s.lastGet, s.lastSet, s.lastDel = get, set, del

	DBItems.Set(float64(src.Items()))
	ClockTime.Set(float64(clockTime))
}
