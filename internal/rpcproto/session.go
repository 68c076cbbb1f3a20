package rpcproto

import (
	"context"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Session is a client-side connection to one cluster peer: a
// session-oriented request/response bus. Calls are correlated by Seq; a
// Session serializes writes with a mutex (one connection, one writer at a
// time) and fans in reads on a dedicated goroutine, dispatching replies
// to the waiting caller by Seq.
type Session struct {
	addr string

	mu      sync.Mutex // guards conn and writes
	conn    net.Conn
	closed  atomic.Bool

	seq     atomic.Uint64
	pending sync.Map // seq -> chan envelope
}

// Dial opens a Session to addr. The caller owns reconnection policy;
// Session itself does not auto-redial (callers needing that wrap Call
// with their own retry, as CallWithRetry does for the retry envelope).
func Dial(ctx context.Context, addr string) (*Session, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rpcproto: dial %s: %w", addr, err)
	}
	s := &Session{addr: addr, conn: conn}
	go s.readLoop()
	return s, nil
}

func (s *Session) readLoop() {
	for {
		e, err := readFrame(s.conn)
		if err != nil {
			s.closeWithErr()
			return
		}
		if e.Kind != frameResponse {
			continue
		}
		if ch, ok := s.pending.LoadAndDelete(e.Seq); ok {
			ch.(chan envelope) <- e
		}
	}
}

func (s *Session) closeWithErr() {
	if s.closed.CompareAndSwap(false, true) {
		s.conn.Close()
		s.pending.Range(func(k, v any) bool {
			close(v.(chan envelope))
			s.pending.Delete(k)
			return true
		})
	}
}

// Call sends one request and waits for its response, or for ctx to be
// done. It does not retry; see CallWithRetry for a retry envelope around
// it. (internal/store's replication legs run their own re-routing retry
// loop with the -S/-G policies rather than CallWithRetry.)
func (s *Session) Call(ctx context.Context, tag Tag, req, resp any) error {
	if s.closed.Load() {
		return fmt.Errorf("rpcproto: session to %s is closed", s.addr)
	}

	payload, err := encodePayload(req)
	if err != nil {
		return fmt.Errorf("rpcproto: encode request: %w", err)
	}

	seq := s.seq.Add(1)
	ch := make(chan envelope, 1)
	s.pending.Store(seq, ch)
	defer s.pending.Delete(seq)

	s.mu.Lock()
	err = writeFrame(s.conn, envelope{Kind: frameRequest, Seq: seq, Tag: tag, Payload: payload})
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("rpcproto: write request: %w", err)
	}

	select {
	case e, ok := <-ch:
		if !ok {
			return fmt.Errorf("rpcproto: session to %s closed while awaiting reply", s.addr)
		}
		if e.ErrMsg != "" {
			return fmt.Errorf("rpcproto: remote error: %s", e.ErrMsg)
		}
		if resp != nil {
			return decodePayload(e.Payload, resp)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify sends a fire-and-forget message: no Seq correlation, no reply
// awaited. Used for the catalog's reply-less messages (ReplaceOffer).
func (s *Session) Notify(tag Tag, req any) error {
	if s.closed.Load() {
		return fmt.Errorf("rpcproto: session to %s is closed", s.addr)
	}
	payload, err := encodePayload(req)
	if err != nil {
		return fmt.Errorf("rpcproto: encode notify: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFrame(s.conn, envelope{Kind: frameNotify, Tag: tag, Payload: payload})
}

// SetNoDelay toggles TCP_NODELAY on the underlying connection (the
// SetConfig TCP_NODELAY command). No-op on non-TCP transports.
func (s *Session) SetNoDelay(v bool) {
	if tc, ok := s.conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(v)
	}
}

// Close shuts down the session and fails any in-flight calls.
func (s *Session) Close() error {
	s.closeWithErr()
	return nil
}

// RetryPolicy bounds the retry envelope wrapping a single RPC fan-out
// call (-S/-G, default 20).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy is 20 attempts with a capped exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 20, BaseDelay: 20 * time.Millisecond}
}

// Backoff returns the delay before retry attempt n (1-based), doubling
// from BaseDelay and capped at one second.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return time.Duration(math.Min(
		float64(p.BaseDelay)*math.Pow(2, float64(attempt-1)),
		float64(time.Second),
	))
}

// CallWithRetry wraps Call in the retry envelope: transient errors retry
// up to MaxAttempts with capped exponential backoff; ctx cancellation
// aborts immediately.
func (s *Session) CallWithRetry(ctx context.Context, tag Tag, req, resp any, policy RetryPolicy) error {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(policy.Backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = s.Call(ctx, tag, req, resp)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("rpcproto: exhausted %d attempts to %s: %w", policy.MaxAttempts, s.addr, lastErr)
}
