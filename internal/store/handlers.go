package store

import (
	"context"

	"ringkv/internal/hashspace"
	"ringkv/internal/rpcproto"
)

// RegisterHandlers wires this Store's operations onto d, one Handler per
// tag. Each handler decodes its payload, calls the
// corresponding Store method, and returns the reply body for the
// Dispatcher to encode and write back through the weak Responder.
func (s *Store) RegisterHandlers(d *rpcproto.Dispatcher) {
	d.Handle(rpcproto.Get, s.handleGet)
	d.Handle(rpcproto.Set, s.handleSet)
	d.Handle(rpcproto.Delete, s.handleDelete)
	d.Handle(rpcproto.GetIfModified, s.handleGetIfModified)
	d.Handle(rpcproto.ReplicateSet, s.handleReplicateSet)
	d.Handle(rpcproto.ReplicateDelete, s.handleReplicateDelete)
	d.Handle(rpcproto.KeepAlive, s.handleKeepAlive)
	d.Handle(rpcproto.HashSpaceSync, s.handleHashSpaceSync)
	d.Handle(rpcproto.CreateBackup, s.handleCreateBackup)
	d.Handle(rpcproto.GetStatus, s.handleGetStatus)
	d.Handle(rpcproto.SetConfig, s.handleSetConfig)
}

func (s *Store) handleGet(_ context.Context, _ *rpcproto.Responder, payload []byte) (any, error) {
	var req rpcproto.GetReq
	if err := rpcproto.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	return s.Get(req.Key), nil
}

func (s *Store) handleSet(ctx context.Context, _ *rpcproto.Responder, payload []byte) (any, error) {
	var req rpcproto.SetReq
	if err := rpcproto.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	return s.Set(ctx, req.Flags, req.Key, req.Value)
}

func (s *Store) handleDelete(ctx context.Context, _ *rpcproto.Responder, payload []byte) (any, error) {
	var req rpcproto.DeleteReq
	if err := rpcproto.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	return s.Delete(ctx, req.Flags, req.Key)
}

func (s *Store) handleGetIfModified(_ context.Context, _ *rpcproto.Responder, payload []byte) (any, error) {
	var req rpcproto.GetIfModifiedReq
	if err := rpcproto.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	return s.GetIfModified(req.Key, req.IfTime), nil
}

func (s *Store) handleReplicateSet(_ context.Context, _ *rpcproto.Responder, payload []byte) (any, error) {
	var req rpcproto.ReplicateSetReq
	if err := rpcproto.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	ok := s.ReplicateSet(req.AdjustClock, req.Flags, req.Key, req.Value, req.Stamp)
	return rpcproto.BoolReply{OK: ok}, nil
}

func (s *Store) handleReplicateDelete(_ context.Context, _ *rpcproto.Responder, payload []byte) (any, error) {
	var req rpcproto.ReplicateDeleteReq
	if err := rpcproto.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	ok := s.ReplicateDelete(req.AdjustClock, req.Flags, req.DeleteClockTime, req.Key)
	return rpcproto.BoolReply{OK: ok}, nil
}

func (s *Store) handleKeepAlive(_ context.Context, _ *rpcproto.Responder, payload []byte) (any, error) {
	var req rpcproto.KeepAliveReq
	if err := rpcproto.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	s.clock.Observe(req.AdjustClock)
	return struct{}{}, nil
}

func (s *Store) handleHashSpaceSync(_ context.Context, _ *rpcproto.Responder, payload []byte) (any, error) {
	var req rpcproto.HashSpaceSyncReq
	if err := rpcproto.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	s.clock.Observe(req.AdjustClock)

	result := s.hs.Sync(req.WSeed, req.RSeed)
	return rpcproto.HashSpaceSyncResp{
		Accepted: result != hashspace.SyncObsolete,
		Obsolete: result == hashspace.SyncObsolete,
	}, nil
}

func (s *Store) handleCreateBackup(_ context.Context, _ *rpcproto.Responder, payload []byte) (any, error) {
	var req rpcproto.CreateBackupReq
	if err := rpcproto.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	if err := s.CreateBackup(req.Suffix); err != nil {
		return nil, err
	}
	return rpcproto.BoolReply{OK: true}, nil
}

func (s *Store) handleGetStatus(_ context.Context, _ *rpcproto.Responder, payload []byte) (any, error) {
	var req rpcproto.GetStatusReq
	if err := rpcproto.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	return rpcproto.GetStatusResp{Value: s.status(req.Command)}, nil
}

func (s *Store) handleSetConfig(_ context.Context, _ *rpcproto.Responder, payload []byte) (any, error) {
	var req rpcproto.SetConfigReq
	if err := rpcproto.DecodePayload(payload, &req); err != nil {
		return nil, err
	}
	if err := s.SetConfig(req.Command, req.Arg); err != nil {
		return nil, err
	}
	return rpcproto.BoolReply{OK: true}, nil
}
