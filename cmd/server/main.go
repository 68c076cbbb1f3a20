// cmd/server is the main entrypoint for a cluster server node: it hosts
// the Store RPC state machine (internal/store), the Replace rebalance
// state machine (internal/replace), and an admin HTTP surface
// (internal/admin), all driven by HashSpace views pushed from a manager
// (internal/manager) over internal/rpcproto.
//
// Example — single node:
//
//	./server -l :9000 -L :9001 -s /tmp/ringkv/node1 -m 127.0.0.1:9100 -admin :9200
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"ringkv/internal/admin"
	"ringkv/internal/clock"
	"ringkv/internal/hashspace"
	"ringkv/internal/logging"
	"ringkv/internal/metrics"
	"ringkv/internal/replace"
	"ringkv/internal/rpcproto"
	"ringkv/internal/store"
)

func main() {
	listenAddr := flag.String("l", ":9000", "main RPC listen address")
	streamAddr := flag.String("L", ":9001", "dedicated replace-stream listen address")
	offerDir := flag.String("f", "/tmp", "offer temp directory for the copy phase")
	dataDir := flag.String("s", "/tmp/ringkv", "storage path (WAL + snapshots)")
	primaryMgr := flag.String("m", "", "primary manager address")
	secondaryMgr := flag.String("p", "", "secondary manager address (must differ from -m)")
	setRetry := flag.Int("S", 20, "replicate-set retry limit")
	delRetry := flag.Int("G", 20, "replicate-delete retry limit")
	adminAddr := flag.String("admin", ":9200", "admin HTTP listen address")
	replicas := flag.Int("replicas", 2, "replication factor for the node's initial (self-only) hash space")
	vnodes := flag.Int("vnodes", 150, "virtual nodes per physical node")
	verbose := flag.Bool("v", false, "verbose (debug) logging")
	logfile := flag.String("logfile", "", "log to this file instead of stdout")
	pidfile := flag.String("pidfile", "", "write process id to this file")
	flag.Parse()

	if *primaryMgr != "" && *primaryMgr == *secondaryMgr {
		log.Fatalf("FATAL: -p must differ from -m")
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
	logger := logging.WithNode(*listenAddr)

	if *pidfile != "" {
		if err := os.WriteFile(*pidfile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644); err != nil {
			logger.Warn().Err(err).Msg("write pidfile failed")
		}
	}

	self := hashspace.NodeID{Addr: *listenAddr, Stream: *streamAddr, Incarnation: uuid.NewString()}

	hs := hashspace.New(*replicas, *vnodes)
	hs.Write.AddNode(self)
	hs.Read.AddNode(self)
	hsHolder := hashspace.NewHolder(hs)

	nodeClock := clock.New()

	st, err := store.New(store.Config{
		Self:        self,
		DataDir:     *dataDir,
		HS:          hsHolder,
		Clock:       nodeClock,
		SetRetry:    rpcproto.RetryPolicy{MaxAttempts: *setRetry, BaseDelay: 20 * time.Millisecond},
		DeleteRetry: rpcproto.RetryPolicy{MaxAttempts: *delRetry, BaseDelay: 20 * time.Millisecond},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	notifyManager := func(ctx context.Context, tag rpcproto.Tag, ct clock.Time) {
		for _, addr := range []string{*primaryMgr, *secondaryMgr} {
			if addr == "" {
				continue
			}
			sess, err := rpcproto.Dial(ctx, addr)
			if err != nil {
				logger.Warn().Err(err).Str("manager", addr).Msg("dial manager for phase notify failed")
				continue
			}
			var payload any
			switch tag {
			case rpcproto.ReplaceCopyEnd:
				payload = rpcproto.ReplaceCopyEndReq{Addr: *listenAddr, ClockTime: ct}
			case rpcproto.ReplaceDeleteEnd:
				payload = rpcproto.ReplaceDeleteEndReq{Addr: *listenAddr, ClockTime: ct}
			}
			var resp struct{}
			_ = sess.Call(ctx, tag, payload, &resp)
			sess.Close()
		}
	}

	rep, err := replace.New(replace.Config{
		Self:          self,
		OfferDir:      *offerDir,
		DB:            st.DB(),
		HS:            hsHolder,
		Clock:         nodeClock,
		NotifyManager: notifyManager,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init replace state machine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mainDispatcher := rpcproto.NewDispatcher()
	st.RegisterHandlers(mainDispatcher)

	streamDispatcher := rpcproto.NewDispatcher()
	rep.RegisterHandlers(mainDispatcher, streamDispatcher)

	go func() {
		logger.Info().Str("addr", *listenAddr).Msg("main RPC listening")
		if err := mainDispatcher.Serve(ctx, *listenAddr); err != nil {
			logger.Fatal().Err(err).Msg("main RPC dispatcher stopped")
		}
	}()
	go func() {
		logger.Info().Str("addr", *streamAddr).Msg("replace-stream RPC listening")
		if err := streamDispatcher.Serve(ctx, *streamAddr); err != nil {
			logger.Fatal().Err(err).Msg("stream RPC dispatcher stopped")
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(admin.Logger(), admin.Recovery())
	admin.NewNodeHandler(st, rep, hsHolder).Register(router)

	go func() {
		logger.Info().Str("addr", *adminAddr).Msg("admin HTTP listening")
		if err := router.Run(*adminAddr); err != nil {
			logger.Error().Err(err).Msg("admin HTTP server stopped")
		}
	}()

	// Periodic metrics sampling and snapshotting.
	go func() {
		sampler := &metrics.Sampler{}
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			sampler.Sample(st, int64(st.ClockTime()))
			metrics.ReplacePushWaiting.Set(float64(pushWaitingOf(rep)))
		}
	}()

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := st.DB().Snapshot(); err != nil {
				logger.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}()

	// KeepAlive heartbeat to both managers, carrying adjust_clock only.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			for _, addr := range []string{*primaryMgr, *secondaryMgr} {
				if addr == "" {
					continue
				}
				sess, err := rpcproto.Dial(ctx, addr)
				if err != nil {
					continue
				}
				var resp struct{}
				_ = sess.Call(ctx, rpcproto.KeepAlive, rpcproto.KeepAliveReq{AdjustClock: nodeClock.Now()}, &resp)
				sess.Close()
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	cancel()
	if err := st.DB().Snapshot(); err != nil {
		logger.Warn().Err(err).Msg("final snapshot failed")
	}
}

func pushWaitingOf(rep *replace.Replace) int {
	_, _, pushWaiting, _ := rep.State().Snapshot()
	return pushWaiting
}
