package gateway

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"ringkv/internal/logging"
	"ringkv/internal/metrics"
)

const (
	notSupportedReply = "CLIENT_ERROR supported\r\n"
	getFailedReply    = "SERVER_ERROR get failed\r\n"
	storeFailedReply  = "SERVER_ERROR store failed\r\n"
	deleteFailedReply = "SERVER_ERROR delete failed\r\n"
)

// Server listens on a TCP address and speaks the memcached text protocol
// on every accepted connection, dispatching GET/SET/DELETE to a shared
// StoreCommandSink, one goroutine per connection.
type Server struct {
	sink StoreCommandSink
}

func NewServer(sink StoreCommandSink) *Server {
	return &Server{sink: sink}
}

// Serve accepts connections on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log := logging.Component("gateway")
	log.Info().Str("addr", addr).Msg("memcached text gateway listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("gateway: accept: %w", err)
		}
		metrics.GatewayConnectionsActive.Inc()
		c := newConnection(conn, s.sink)
		go c.serve(ctx)
	}
}

// connection is one accepted client socket: a resumable parser, a shared
// validity flag every in-flight response callback must check before
// writing, and a write mutex serializing this socket's outbound bytes.
type connection struct {
	conn net.Conn
	sink StoreCommandSink

	parser *parser

	valid *atomic.Bool // shared with every outstanding response callback

	writeMu sync.Mutex
}

func newConnection(conn net.Conn, sink StoreCommandSink) *connection {
	valid := &atomic.Bool{}
	valid.Store(true)
	return &connection{
		conn:   conn,
		sink:   sink,
		parser: newParser(),
		valid:  valid,
	}
}

func (c *connection) serve(ctx context.Context) {
	defer func() {
		c.valid.Store(false) // flipped before Close: callbacks test it first
		c.conn.Close()
		metrics.GatewayConnectionsActive.Dec()
	}()

	r := bufio.NewReaderSize(c.conn, 16*1024)
	buf := make([]byte, 16*1024)

	for {
		if dl, ok := ctx.Deadline(); ok {
			c.conn.SetReadDeadline(dl)
		}
		n, err := r.Read(buf)
		if err != nil {
			return // connection closed or read error: fatal to this client
		}

		cmds, err := c.parser.feed(buf[:n])
		if err != nil {
			return // parse failure terminates the connection
		}

		for _, cmd := range cmds {
			c.dispatch(ctx, cmd)
		}
	}
}

func (c *connection) dispatch(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdGet:
		if len(cmd.keys) == 1 {
			c.handleSingleGet(ctx, cmd.keys[0])
		} else {
			c.handleMultiGet(ctx, cmd.keys)
		}
	case cmdSet:
		c.handleSet(ctx, cmd)
	case cmdDelete:
		c.handleDelete(ctx, cmd)
	case cmdUnsupported:
		c.write([]byte(notSupportedReply))
	}
}

// write serializes one reply onto the socket, testing validity first so
// a response racing a closed connection never touches a reused
// descriptor: after a connection closes, no callback writes a byte.
func (c *connection) write(b []byte) {
	if !c.valid.Load() {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.valid.Load() {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	_, _ = c.conn.Write(b)
}

// writeVectored issues a single vectorized write built from several
// discontiguous buffers (net.Buffers is one writev(2) under the hood on
// platforms that support it).
func (c *connection) writeVectored(bufs net.Buffers) {
	if !c.valid.Load() {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.valid.Load() {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	_, _ = bufs.WriteTo(c.conn)
}

// handleSingleGet answers one VALUE record or a bare END, built as a
// six-part vectored write so key and value bytes are never copied into a
// contiguous reply buffer.
func (c *connection) handleSingleGet(ctx context.Context, key string) {
	val, found, err := c.sink.Get(ctx, key)
	if err != nil {
		c.write([]byte(getFailedReply))
		return
	}
	if !found {
		c.write([]byte("END\r\n"))
		return
	}
	c.writeVectored(valueRecord(key, val, true))
}

// handleMultiGet issues one independent Get per key, all sharing a
// response context whose count is decremented under a mutex; whichever
// callback observes the count reach zero appends the terminating END.
// Per-hit VALUE lines may arrive in any order; only the trailing END is
// ordered.
func (c *connection) handleMultiGet(ctx context.Context, keys []string) {
	ctxState := &multiGetState{remaining: len(keys)}
	for _, key := range keys {
		key := key
		go func() {
			val, found, err := c.sink.Get(ctx, key)
			ctxState.complete(func(last bool) {
				if err != nil || !found {
					if last {
						c.write([]byte("END\r\n"))
					}
					return
				}
				c.writeVectored(valueRecord(key, val, last))
			})
		}()
	}
}

// multiGetState is the shared completion counter behind a multi-key get,
// guarded by its own mutex.
type multiGetState struct {
	mu        sync.Mutex
	remaining int
}

// complete decrements the counter and runs emit with last set when this
// call brought it to zero (the completion that owns writing END). emit
// runs under the same mutex as the decrement, so no VALUE record can be
// written after the END-carrying one.
func (s *multiGetState) complete(emit func(last bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remaining--
	emit(s.remaining <= 0)
}

// valueRecord builds the VALUE reply as six discontiguous buffers:
// "VALUE ", key, " 0 ", "<len>\r\n", value, and either "\r\n" (more
// records pending) or "\r\nEND\r\n" (this is the last one).
func valueRecord(key string, value []byte, last bool) net.Buffers {
	terminator := []byte("\r\n")
	if last {
		terminator = []byte("\r\nEND\r\n")
	}
	return net.Buffers{
		[]byte("VALUE "),
		[]byte(key),
		[]byte(" 0 "),
		[]byte(fmt.Sprintf("%d\r\n", len(value))),
		value,
		terminator,
	}
}

func (c *connection) handleSet(ctx context.Context, cmd command) {
	if cmd.flags != 0 || cmd.exptime != 0 {
		// Written unconditionally: flags/exptime are validated before
		// noreply is even considered.
		c.write([]byte(notSupportedReply))
		return
	}

	stored, err := c.sink.Set(ctx, cmd.key, cmd.value)
	if cmd.noreply {
		return // noreply suppresses the response entirely
	}
	if err != nil || !stored {
		c.write([]byte(storeFailedReply))
		return
	}
	c.write([]byte("STORED\r\n"))
}

func (c *connection) handleDelete(ctx context.Context, cmd command) {
	if cmd.exptime != 0 {
		c.write([]byte(notSupportedReply))
		return
	}

	accepted, existed, err := c.sink.Delete(ctx, cmd.key)
	if cmd.noreply {
		return
	}
	if err != nil || !accepted {
		c.write([]byte(deleteFailedReply))
		return
	}
	if existed {
		c.write([]byte("DELETED\r\n"))
		return
	}
	c.write([]byte("NOT FOUND\r\n"))
}
