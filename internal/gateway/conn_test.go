package gateway

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSink is an in-memory StoreCommandSink standing in for a real
// cluster dial, so the connection/parser wiring can be exercised without
// rpcproto or a running node.
type fakeSink struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeSink() *fakeSink { return &fakeSink{data: make(map[string][]byte)} }

func (f *fakeSink) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeSink) Set(_ context.Context, key string, value []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = append([]byte(nil), value...)
	return true, nil
}

func (f *fakeSink) Delete(_ context.Context, key string) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, existed := f.data[key]
	delete(f.data, key)
	return true, existed, nil
}

// startTestServer starts a Server on an ephemeral loopback port backed by
// sink and returns its address; the server stops at test cleanup.
func startTestServer(t *testing.T, sink StoreCommandSink) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // free the port; Server.Serve rebinds it below

	srv := NewServer(sink)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan struct{})
	go func() {
		close(ready)
		_ = srv.Serve(ctx, addr)
	}()
	<-ready
	time.Sleep(20 * time.Millisecond) // allow the listener to come up
	return addr
}

func dialAndExchange(t *testing.T, addr, request string, wantReplyLen int) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(request))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, wantReplyLen)
	_, err = readFull(conn, buf)
	require.NoError(t, err)
	return string(buf)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	r := bufio.NewReader(conn)
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func TestScenarioGetAbsentKey(t *testing.T) {
	addr := startTestServer(t, newFakeSink())
	got := dialAndExchange(t, addr, "get foo\r\n", len("END\r\n"))
	require.Equal(t, "END\r\n", got)
}

func TestScenarioSetThenGet(t *testing.T) {
	addr := startTestServer(t, newFakeSink())
	got := dialAndExchange(t, addr, "set foo 0 0 5\r\nhello\r\n", len("STORED\r\n"))
	require.Equal(t, "STORED\r\n", got)

	want := "VALUE foo 0 5\r\nhello\r\nEND\r\n"
	got = dialAndExchange(t, addr, "get foo\r\n", len(want))
	require.Equal(t, want, got)
}

func TestScenarioSetNoreplyThenGet(t *testing.T) {
	addr := startTestServer(t, newFakeSink())

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("set foo 0 0 5 noreply\r\nhello\r\n"))
	require.NoError(t, err)

	want := "VALUE foo 0 5\r\nhello\r\nEND\r\n"
	_, err = conn.Write([]byte("get foo\r\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(want))
	_, err = readFull(conn, buf)
	require.NoError(t, err)
	require.Equal(t, want, string(buf))
}

func TestScenarioMultiGetPartialHit(t *testing.T) {
	sink := newFakeSink()
	sink.data["b"] = []byte("X")
	addr := startTestServer(t, sink)

	want := "VALUE b 0 1\r\nX\r\nEND\r\n"
	got := dialAndExchange(t, addr, "get a b c\r\n", len(want))
	require.Equal(t, want, got)
}

func TestScenarioDeleteThenNotFound(t *testing.T) {
	sink := newFakeSink()
	sink.data["foo"] = []byte("hello")
	addr := startTestServer(t, sink)

	got := dialAndExchange(t, addr, "delete foo\r\n", len("DELETED\r\n"))
	require.Equal(t, "DELETED\r\n", got)

	got = dialAndExchange(t, addr, "delete foo\r\n", len("NOT FOUND\r\n"))
	require.Equal(t, "NOT FOUND\r\n", got)
}

func TestScenarioSetNonzeroFlagsRejected(t *testing.T) {
	addr := startTestServer(t, newFakeSink())
	got := dialAndExchange(t, addr, "set x 1 0 1\r\nA\r\n", len(notSupportedReply))
	require.Equal(t, notSupportedReply, got)

	got = dialAndExchange(t, addr, "get x\r\n", len("END\r\n"))
	require.Equal(t, "END\r\n", got)
}

func TestScenarioReplaceUnsupported(t *testing.T) {
	addr := startTestServer(t, newFakeSink())
	got := dialAndExchange(t, addr, "replace x 0 0 1\r\nA\r\n", len(notSupportedReply))
	require.Equal(t, notSupportedReply, got)
}
