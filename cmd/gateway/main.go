// cmd/gateway is the main entrypoint for a memcached text-protocol
// gateway process (internal/gateway): it accepts client connections
// speaking GET/SET/DELETE, resolves each key's coordinator from a
// HashSpace kept current by HashSpaceSync pushes from a manager
// (internal/manager), and fans requests into the cluster over
// internal/rpcproto.
//
// Example:
//
//	./gateway -l :11211 -rpc :11212 -admin :11311 -m 127.0.0.1:9300
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"ringkv/internal/gateway"
	"ringkv/internal/hashspace"
	"ringkv/internal/logging"
	"ringkv/internal/rpcproto"
)

func main() {
	listenAddr := flag.String("l", ":11211", "memcached text protocol listen address")
	rpcAddr := flag.String("rpc", ":11212", "RPC listen address for HashSpaceSync pushes from the manager")
	adminAddr := flag.String("admin", ":11311", "admin HTTP listen address (health + metrics only)")
	mgrAdmin := flag.String("m", "", "manager admin HTTP address, used to self-register as a push target")
	verbose := flag.Bool("v", false, "verbose (debug) logging")
	flag.Parse()

	logCfg := logging.Config{Level: logging.InfoLevel, JSONOutput: true}
	if *verbose {
		logCfg.Level = logging.DebugLevel
	}
	logging.Init(logCfg)
	logger := logging.Component("gateway")

	hsHolder := hashspace.NewHolder(hashspace.New(2, 150))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A minimal RPC dispatcher whose only job is to accept the manager's
	// HashSpaceSync pushes: a gateway has no replace role,
	// no local storage, and issues no Get/Set/Delete of its own other
	// than the ones it forwards via NodeDispatcher.
	syncDispatcher := rpcproto.NewDispatcher()
	syncDispatcher.Handle(rpcproto.HashSpaceSync, func(_ context.Context, _ *rpcproto.Responder, payload []byte) (any, error) {
		var req rpcproto.HashSpaceSyncReq
		if err := rpcproto.DecodePayload(payload, &req); err != nil {
			return nil, err
		}
		result := hsHolder.Sync(req.WSeed, req.RSeed)
		return rpcproto.HashSpaceSyncResp{
			Accepted: result != hashspace.SyncObsolete,
			Obsolete: result == hashspace.SyncObsolete,
		}, nil
	})

	go func() {
		logger.Info().Str("addr", *rpcAddr).Msg("hash-space sync RPC listening")
		if err := syncDispatcher.Serve(ctx, *rpcAddr); err != nil {
			logger.Fatal().Err(err).Msg("sync RPC dispatcher stopped")
		}
	}()

	if *mgrAdmin != "" {
		if err := registerWithManager(*mgrAdmin, *rpcAddr); err != nil {
			logger.Warn().Err(err).Str("manager", *mgrAdmin).Msg("gateway self-registration failed; it will not receive hash-space pushes until retried manually")
		}
	}

	dispatcher := gateway.NewNodeDispatcher(hsHolder)
	srv := gateway.NewServer(dispatcher)

	go func() {
		logger.Info().Str("addr", *listenAddr).Msg("memcached text gateway starting")
		if err := srv.Serve(ctx, *listenAddr); err != nil {
			logger.Fatal().Err(err).Msg("gateway server stopped")
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"whs_nodes": hsHolder.Current().Write.NodeCount(),
		})
	})

	go func() {
		logger.Info().Str("addr", *adminAddr).Msg("admin HTTP listening")
		if err := router.Run(*adminAddr); err != nil {
			logger.Error().Err(err).Msg("admin HTTP server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	cancel()
}

func registerWithManager(mgrAdmin, selfRPCAddr string) error {
	body, err := json.Marshal(map[string]string{"addr": selfRPCAddr})
	if err != nil {
		return err
	}
	resp, err := http.Post(fmt.Sprintf("http://%s/cluster/register-gateway", mgrAdmin), "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("manager returned %s", resp.Status)
	}
	return nil
}
