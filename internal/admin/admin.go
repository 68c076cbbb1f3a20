// Package admin wires up the Gin HTTP router exposing operator-facing
// status, backup, config, and cluster-management endpoints: the HTTP
// mirror of the GetStatus/CreateBackup/SetConfig RPCs plus the manager's
// membership view. Key data operations never travel through here; those
// go over the memcached text protocol (internal/gateway).
package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ringkv/internal/hashspace"
	"ringkv/internal/manager"
	"ringkv/internal/metrics"
	"ringkv/internal/replace"
	"ringkv/internal/rpcproto"
	"ringkv/internal/store"
)

// NodeHandler exposes one server node's status/backup/config surface
// (tags 96/97/98), mounted by cmd/server.
type NodeHandler struct {
	store   *store.Store
	replace *replace.Replace
	hs      *hashspace.Holder
}

func NewNodeHandler(s *store.Store, r *replace.Replace, hs *hashspace.Holder) *NodeHandler {
	return &NodeHandler{store: s, replace: r, hs: hs}
}

// Register mounts this node's admin routes on router.
func (h *NodeHandler) Register(router *gin.Engine) {
	router.GET("/health", h.Health)
	router.GET("/status", h.Status)
	router.GET("/status/:command", h.StatusCommand)
	router.POST("/backup", h.Backup)
	router.POST("/config", h.SetConfig)
	router.GET("/replace/state", h.ReplaceState)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
}

func (h *NodeHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Status reports the full GetStatus catalog in one response, convenient
// for dashboards; StatusCommand below answers a single named command
// exactly as the wire RPC does.
func (h *NodeHandler) Status(c *gin.Context) {
	get, set, del := h.store.Counts()
	c.JSON(http.StatusOK, gin.H{
		"cmd_get":    get,
		"cmd_set":    set,
		"cmd_delete": del,
		"db_items":   h.store.Items(),
		"clocktime":  h.store.ClockTime(),
		"rhs_nodes":  h.hs.Current().Read.NodeCount(),
		"whs_nodes":  h.hs.Current().Write.NodeCount(),
	})
}

func (h *NodeHandler) StatusCommand(c *gin.Context) {
	cmd := rpcproto.StatusCommand(c.Param("command"))
	c.JSON(http.StatusOK, gin.H{"command": cmd, "value": h.store.Status(cmd)})
}

// Backup handles POST /backup, the admin-surface equivalent of the wire
// CreateBackup RPC (tag 96). A suffix selects a standalone
// backup named "<path>-<suffix>"; with no suffix the node just rotates
// its regular snapshot.
func (h *NodeHandler) Backup(c *gin.Context) {
	var body struct {
		Suffix string `json:"suffix"`
	}
	_ = c.ShouldBindJSON(&body)

	if body.Suffix != "" {
		if err := h.store.CreateBackup(body.Suffix); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"backed_up": true, "suffix": body.Suffix})
		return
	}

	if err := h.store.DB().Snapshot(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"backed_up": true})
}

func (h *NodeHandler) SetConfig(c *gin.Context) {
	var body struct {
		Command string `json:"command" binding:"required"`
		Arg     string `json:"arg"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.SetConfig(rpcproto.ConfigCommand(body.Command), body.Arg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": body.Command})
}

// ReplaceState exposes the node's replace_state for operator visibility
// during a rebalance.
func (h *NodeHandler) ReplaceState(c *gin.Context) {
	mgr, ct, pushWaiting, phase := h.replace.State().Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"manager":       mgr,
		"clocktime":     ct,
		"push_waiting":  pushWaiting,
		"phase":         phase,
		"offer_sources": h.replace.OfferSources(),
	})
}

// ManagerHandler exposes the manager's membership/rebalance-trigger
// surface, mounted by cmd/manager.
type ManagerHandler struct {
	mgr *manager.Manager
}

func NewManagerHandler(m *manager.Manager) *ManagerHandler {
	return &ManagerHandler{mgr: m}
}

func (h *ManagerHandler) Register(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/cluster/nodes", h.ListNodes)
	router.POST("/cluster/join", h.Join)
	router.POST("/cluster/leave", h.Leave)
	router.POST("/cluster/rebalance", h.Rebalance)
	router.POST("/cluster/register-gateway", h.RegisterGateway)
}

func (h *ManagerHandler) ListNodes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"nodes": h.mgr.Members(), "role": h.mgr.Role()})
}

func (h *ManagerHandler) Join(c *gin.Context) {
	var body struct {
		Addr       string `json:"addr" binding:"required"`
		StreamAddr string `json:"stream_addr"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := h.mgr.AddMemberStream(body.Addr, body.StreamAddr)
	c.JSON(http.StatusOK, gin.H{"joined": id})
}

func (h *ManagerHandler) Leave(c *gin.Context) {
	var body struct {
		Addr string `json:"addr" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.mgr.RemoveMember(body.Addr)
	c.JSON(http.StatusOK, gin.H{"left": body.Addr})
}

// RegisterGateway handles POST /cluster/register-gateway: cmd/gateway
// calls this once at startup so PushHashSpace includes it as a target,
// since a gateway has no replace role of its own and never appears in
// /cluster/join.
func (h *ManagerHandler) RegisterGateway(c *gin.Context) {
	var body struct {
		Addr string `json:"addr" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.mgr.RegisterGateway(body.Addr)
	c.JSON(http.StatusOK, gin.H{"registered": body.Addr})
}

// Rebalance handles POST /cluster/rebalance, triggering a two-phase
// replace round against current membership.
func (h *ManagerHandler) Rebalance(c *gin.Context) {
	var body struct {
		Full bool `json:"full"`
	}
	_ = c.ShouldBindJSON(&body)

	if err := h.mgr.TriggerRebalance(c.Request.Context(), body.Full); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rebalanced": true})
}
