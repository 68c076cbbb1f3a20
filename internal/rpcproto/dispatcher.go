package rpcproto

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// Handler processes one decoded request body and returns a reply body
// (or an error, translated into the envelope's ErrMsg). Handlers run on
// their connection's dedicated goroutine; a slow handler only stalls its
// own connection, not others.
type Handler func(ctx context.Context, r *Responder, payload []byte) (any, error)

// Responder is the "weak responder" a Handler receives: a handle to the
// originating connection that silently no-ops if that connection has
// since closed, so a handler that finishes after its caller gave up
// never writes to a reused or dead socket.
type Responder struct {
	conn  *serverConn
	seq   uint64
	tag   Tag
	used  atomic.Bool
}

// RemoteAddr reports the peer address, useful for logging.
func (r *Responder) RemoteAddr() string { return r.conn.conn.RemoteAddr().String() }

func (r *Responder) reply(payload []byte, errMsg string) {
	if !r.used.CompareAndSwap(false, true) {
		return // already replied
	}
	if !r.conn.valid.Load() {
		return // connection gone; never write to a reused descriptor
	}
	r.conn.writeFrame(envelope{Kind: frameResponse, Seq: r.seq, Tag: r.tag, Payload: payload, ErrMsg: errMsg})
}

// Dispatcher is the server side of the cluster RPC: it accepts
// connections, reads framed requests, and dispatches each to the
// Handler registered for its Tag.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Tag]Handler

	listener net.Listener
	wg       sync.WaitGroup
}

// NewDispatcher creates an empty Dispatcher; register Handlers with
// Handle before calling Serve.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Tag]Handler)}
}

// Handle registers fn as the handler for tag. Registration is guarded by
// the dispatcher's lock; register all handlers before Serve so no early
// request finds its tag unhandled.
func (d *Dispatcher) Handle(tag Tag, fn Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[tag] = fn
}

// Serve accepts connections on addr until ctx is cancelled or Close is
// called. It blocks; run it on its own goroutine.
func (d *Dispatcher) Serve(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("rpcproto: listen %s: %w", addr, err)
	}
	d.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rpcproto: accept: %w", err)
		}
		sc := &serverConn{conn: conn}
		sc.valid.Store(true)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.serveConn(ctx, sc)
		}()
	}
}

// Close stops accepting new connections. In-flight connections drain on
// their own goroutines; callers that need a hard stop should cancel the
// ctx passed to Serve instead.
func (d *Dispatcher) Close() error {
	if d.listener != nil {
		return d.listener.Close()
	}
	return nil
}

func (d *Dispatcher) serveConn(ctx context.Context, sc *serverConn) {
	defer func() {
		sc.valid.Store(false)
		sc.conn.Close()
	}()

	for {
		e, err := readFrame(sc.conn)
		if err != nil {
			return
		}
		if e.Kind != frameRequest && e.Kind != frameNotify {
			continue
		}

		d.mu.RLock()
		fn, ok := d.handlers[e.Tag]
		d.mu.RUnlock()

		r := &Responder{conn: sc, seq: e.Seq, tag: e.Tag}
		if e.Kind == frameNotify {
			// Reply-less message: run the handler, discard its result.
			r.used.Store(true)
			if ok {
				_, _ = fn(ctx, r, e.Payload)
			}
			continue
		}
		if !ok {
			r.reply(nil, fmt.Sprintf("rpcproto: no handler for tag %s", e.Tag))
			continue
		}

		reply, err := fn(ctx, r, e.Payload)
		if err != nil {
			r.reply(nil, err.Error())
			continue
		}
		payload, err := encodePayload(reply)
		if err != nil {
			r.reply(nil, fmt.Sprintf("rpcproto: encode reply: %s", err))
			continue
		}
		r.reply(payload, "")
	}
}

// serverConn is one accepted connection: the net.Conn plus the shared
// validity flag its in-flight Responders test before writing.
type serverConn struct {
	conn  net.Conn
	mu    sync.Mutex
	valid atomic.Bool
}

func (sc *serverConn) writeFrame(e envelope) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if !sc.valid.Load() {
		return
	}
	_ = writeFrame(sc.conn, e)
}
