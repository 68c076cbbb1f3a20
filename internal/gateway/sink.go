package gateway

import (
	"context"
	"fmt"
	"sync"

	"ringkv/internal/hashspace"
	"ringkv/internal/rpcproto"
)

// StoreCommandSink is the gateway's submission surface into the cluster.
// A plain interface: response handling stays with the connection, and
// implementations only decide where a request goes.
type StoreCommandSink interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) (stored bool, err error)
	// accepted reports whether the delete RPC itself succeeded (false
	// means retry exhaustion / coordinator failure, not a missing key);
	// existed reports whether the key was present and removed.
	Delete(ctx context.Context, key string) (accepted, existed bool, err error)
}

// NodeDispatcher is the default StoreCommandSink: it resolves each key's
// coordinator node from the current hash space and issues the Get/Set/
// Delete RPC of internal/rpcproto, dialing lazily and caching sessions
// per node address, mirroring internal/store's sessionPool but kept
// separate since the gateway is a distinct process from any server node.
type NodeDispatcher struct {
	hs *hashspace.Holder

	mu       sync.Mutex
	sessions map[string]*rpcproto.Session

	setFlags rpcproto.StoreFlags
}

func NewNodeDispatcher(hs *hashspace.Holder) *NodeDispatcher {
	return &NodeDispatcher{hs: hs, sessions: make(map[string]*rpcproto.Session)}
}

func (d *NodeDispatcher) session(ctx context.Context, addr string) (*rpcproto.Session, error) {
	d.mu.Lock()
	if s, ok := d.sessions[addr]; ok {
		d.mu.Unlock()
		return s, nil
	}
	d.mu.Unlock()

	s, err := rpcproto.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("gateway: dial %s: %w", addr, err)
	}

	d.mu.Lock()
	d.sessions[addr] = s
	d.mu.Unlock()
	return s, nil
}

func (d *NodeDispatcher) drop(addr string) {
	d.mu.Lock()
	delete(d.sessions, addr)
	d.mu.Unlock()
}

// coordinatorFor picks wrepto[0], the coordinator for both reads and
// writes of this key.
func (d *NodeDispatcher) coordinatorFor(key string) (hashspace.NodeID, bool) {
	hs := d.hs.Current()
	h := hashspace.StdHash([]byte(key))
	_, wrepto := hs.ReplicatorsFor(h)
	if len(wrepto) == 0 {
		return hashspace.NodeID{}, false
	}
	return wrepto[0], true
}

func (d *NodeDispatcher) Get(ctx context.Context, key string) ([]byte, bool, error) {
	node, ok := d.coordinatorFor(key)
	if !ok {
		return nil, false, fmt.Errorf("gateway: no coordinator for key %q", key)
	}
	sess, err := d.session(ctx, node.Addr)
	if err != nil {
		return nil, false, err
	}

	var resp rpcproto.GetReply
	if err := sess.Call(ctx, rpcproto.Get, rpcproto.GetReq{Key: rpcproto.DBKey(key)}, &resp); err != nil {
		d.drop(node.Addr)
		return nil, false, err
	}
	return resp.Value, resp.Found, nil
}

func (d *NodeDispatcher) Set(ctx context.Context, key string, value []byte) (bool, error) {
	node, ok := d.coordinatorFor(key)
	if !ok {
		return false, fmt.Errorf("gateway: no coordinator for key %q", key)
	}
	sess, err := d.session(ctx, node.Addr)
	if err != nil {
		return false, err
	}

	req := rpcproto.SetReq{Flags: d.setFlags, Key: rpcproto.DBKey(key), Value: rpcproto.DBValue(value)}
	var resp rpcproto.SetReply
	if err := sess.Call(ctx, rpcproto.Set, req, &resp); err != nil {
		d.drop(node.Addr)
		return false, err
	}
	return resp.Accepted, nil
}

func (d *NodeDispatcher) Delete(ctx context.Context, key string) (bool, bool, error) {
	node, ok := d.coordinatorFor(key)
	if !ok {
		return false, false, fmt.Errorf("gateway: no coordinator for key %q", key)
	}
	sess, err := d.session(ctx, node.Addr)
	if err != nil {
		return false, false, err
	}

	var resp rpcproto.DeleteReply
	if err := sess.Call(ctx, rpcproto.Delete, rpcproto.DeleteReq{Key: rpcproto.DBKey(key)}, &resp); err != nil {
		d.drop(node.Addr)
		return false, false, err
	}
	return resp.Accepted, resp.Deleted, nil
}
