// cmd/manager is the main entrypoint for a manager process: it tracks
// cluster membership, builds and pushes the HashSpace (internal/manager),
// and exposes a cluster-management HTTP surface (internal/admin). Run two
// of these (primary and standby) pointed at each other's
// addresses by the server nodes' -m/-p flags.
//
// Example:
//
//	./manager -l :9100 -admin :9300 -role primary -nodes 127.0.0.1:9000,127.0.0.1:9010
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"ringkv/internal/admin"
	"ringkv/internal/clock"
	"ringkv/internal/logging"
	"ringkv/internal/manager"
	"ringkv/internal/rpcproto"
)

func main() {
	listenAddr := flag.String("l", ":9100", "manager RPC listen address (ReplaceCopyEnd/ReplaceDeleteEnd/KeepAlive)")
	adminAddr := flag.String("admin", ":9300", "admin HTTP listen address")
	role := flag.String("role", "primary", "primary|standby")
	watchAddr := flag.String("watch", "", "primary manager RPC address a standby health-checks for takeover")
	nodesFlag := flag.String("nodes", "", "comma-separated initial server node addresses")
	replicas := flag.Int("replicas", 2, "replication factor")
	vnodes := flag.Int("vnodes", 150, "virtual nodes per physical node")
	verbose := flag.Bool("v", false, "verbose (debug) logging")
	logfile := flag.String("logfile", "", "log to this file instead of stdout")
	flag.Parse()

	var mgrRole manager.Role
	switch strings.ToLower(*role) {
	case "primary":
		mgrRole = manager.RolePrimary
	case "standby":
		mgrRole = manager.RoleStandby
	default:
		log.Fatalf("FATAL: -role must be primary or standby, got %q", *role)
	}

	logCfg := logging.Config{Level: logging.InfoLevel, JSONOutput: true}
	if *verbose {
		logCfg.Level = logging.DebugLevel
	}
	if *logfile != "" {
		f, err := os.OpenFile(*logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatalf("FATAL: open logfile: %v", err)
		}
		defer f.Close()
		logCfg.Output = f
	}
	logging.Init(logCfg)
	logger := logging.Component("manager")

	mgr := manager.New(manager.Config{
		Role:     mgrRole,
		Replicas: *replicas,
		Vnodes:   *vnodes,
		Clock:    clock.New(),
	})

	if *nodesFlag != "" {
		for _, addr := range strings.Split(*nodesFlag, ",") {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			mgr.AddMember(addr)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := rpcproto.NewDispatcher()
	mgr.RegisterHandlers(dispatcher)

	go func() {
		logger.Info().Str("addr", *listenAddr).Msg("manager RPC listening")
		if err := dispatcher.Serve(ctx, *listenAddr); err != nil {
			logger.Fatal().Err(err).Msg("manager RPC dispatcher stopped")
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(admin.Logger(), admin.Recovery())
	admin.NewManagerHandler(mgr).Register(router)

	go func() {
		logger.Info().Str("addr", *adminAddr).Msg("admin HTTP listening")
		if err := router.Run(*adminAddr); err != nil {
			logger.Error().Err(err).Msg("admin HTTP server stopped")
		}
	}()

	// A primary with a known initial membership pushes the HashSpace and
	// drives one rebalance round immediately, so nodes started with -m
	// pointed here receive a non-empty HS without an operator having to
	// call /cluster/rebalance by hand.
	if mgrRole == manager.RolePrimary && len(mgr.Members()) > 0 {
		go func() {
			time.Sleep(200 * time.Millisecond) // let node/gateway dispatchers come up
			if err := mgr.TriggerRebalance(ctx, true); err != nil {
				logger.Warn().Err(err).Msg("initial rebalance failed")
			}
		}()
	}

	// Periodic HashSpaceSync so nodes that missed a push (restart, network
	// blip) converge without waiting for the next membership change. Runs
	// on whichever manager currently holds the primary role, so a promoted
	// standby picks this duty up seamlessly.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if mgr.Role() == manager.RolePrimary {
				mgr.PushHashSpace(ctx)
			}
		}
	}()

	if mgrRole == manager.RoleStandby && *watchAddr != "" {
		go mgr.WatchPrimary(ctx, *watchAddr, 3*time.Second, 5)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	cancel()
}
