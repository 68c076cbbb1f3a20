package store

import (
	"context"
	"sync"

	"ringkv/internal/rpcproto"
)

// sessionPool lazily dials and reuses one rpcproto.Session per peer
// address. Sessions are long-lived rather than per-request, since
// rpcproto.Session is stateful (pending-reply map).
type sessionPool struct {
	mu       sync.Mutex
	sessions map[string]*rpcproto.Session
	noDelay  bool
}

func newSessionPool() *sessionPool {
	return &sessionPool{sessions: make(map[string]*rpcproto.Session), noDelay: true}
}

func (p *sessionPool) get(ctx context.Context, addr string) (*rpcproto.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.sessions[addr]; ok {
		return s, nil
	}
	s, err := rpcproto.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	s.SetNoDelay(p.noDelay)
	p.sessions[addr] = s
	return s, nil
}

// setNoDelay applies TCP_NODELAY to every pooled session and to all
// sessions dialed from here on (the SetConfig RPC).
func (p *sessionPool) setNoDelay(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.noDelay = v
	for _, s := range p.sessions {
		s.SetNoDelay(v)
	}
}

// drop removes a session so the next get redials, used when a peer call
// fails with a connection-level error.
func (p *sessionPool) drop(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[addr]; ok {
		s.Close()
		delete(p.sessions, addr)
	}
}

func (p *sessionPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, s := range p.sessions {
		s.Close()
		delete(p.sessions, addr)
	}
}
