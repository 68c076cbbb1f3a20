// cmd/client is the operator CLI, built with Cobra, for the admin HTTP
// surface internal/admin exposes on server nodes and managers. Key data
// operations (get/put/delete) go over the memcached text protocol
// through cmd/gateway instead — a client for those is any memcached
// client (e.g. `nc`, `memcached-tool`), not this binary.
//
// Usage:
//
//	kvcli status                              --server http://localhost:9200
//	kvcli backup                              --server http://localhost:9200
//	kvcli replace-state                       --server http://localhost:9200
//	kvcli cluster nodes                       --server http://localhost:9300
//	kvcli cluster join 127.0.0.1:9010          --server http://localhost:9300
//	kvcli cluster leave 127.0.0.1:9010         --server http://localhost:9300
//	kvcli cluster rebalance                   --server http://localhost:9300
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverAddr string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "kvcli",
		Short: "Operator CLI for a ringkv server node or manager's admin HTTP surface",
	}

	root.PersistentFlags().StringVarP(&serverAddr, "server", "s",
		"http://localhost:9200", "admin HTTP address of the target node or manager")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"HTTP request timeout")

	root.AddCommand(statusCmd(), backupCmd(), replaceStateCmd(), clusterCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ─── status ───────────────────────────────────────────────────────────────────

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report a server node's counters, clocktime, and hash-space sizes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(cmd.Context(), "/status")
		},
	}
}

// ─── backup ───────────────────────────────────────────────────────────────────

func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Trigger a storage snapshot on a server node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint(cmd.Context(), "/backup", nil)
		},
	}
}

// ─── replace-state ────────────────────────────────────────────────────────────

func replaceStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replace-state",
		Short: "Report a server node's in-progress rebalance state, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint(cmd.Context(), "/replace/state")
		},
	}
}

// ─── cluster ──────────────────────────────────────────────────────────────────

func clusterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Cluster management commands, issued against a manager's admin address",
	}

	var streamAddr string
	joinCmd := &cobra.Command{
		Use:   "join <address>",
		Short: "Add a server node to cluster membership",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"addr": args[0]}
			if streamAddr != "" {
				body["stream_addr"] = streamAddr
			}
			return postAndPrint(cmd.Context(), "/cluster/join", body)
		},
	}
	joinCmd.Flags().StringVar(&streamAddr, "stream", "",
		"the node's replace-stream address, when it differs from the port-plus-one default")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "nodes",
			Short: "List current cluster membership",
			RunE: func(cmd *cobra.Command, args []string) error {
				return getAndPrint(cmd.Context(), "/cluster/nodes")
			},
		},
		joinCmd,
		&cobra.Command{
			Use:   "leave <address>",
			Short: "Remove a server node from cluster membership",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return postAndPrint(cmd.Context(), "/cluster/leave", map[string]string{"addr": args[0]})
			},
		},
		&cobra.Command{
			Use:   "rebalance",
			Short: "Trigger a rebalance round against current membership",
			RunE: func(cmd *cobra.Command, args []string) error {
				return postAndPrint(cmd.Context(), "/cluster/rebalance", map[string]bool{"full": false})
			},
		},
	)
	return cmd
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func getAndPrint(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverAddr+path, nil)
	if err != nil {
		return err
	}
	return doAndPrint(req)
}

func postAndPrint(ctx context.Context, path string, body any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverAddr+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doAndPrint(req)
}

func doAndPrint(req *http.Request) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, string(data))
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(data))
	}
	return nil
}
