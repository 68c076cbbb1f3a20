package rpcproto

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// envelope is the on-wire frame: a 4-byte big-endian length prefix
// followed by a msgpack-encoded header+body. Keeping framing explicit
// (rather than relying on msgpack's own streaming decode) means a short
// read never leaves the decoder in an ambiguous partial-message state.
type envelope struct {
	Kind    frameKind `msgpack:"kind"`
	Seq     uint64    `msgpack:"seq"`
	Tag     Tag       `msgpack:"tag"`
	Payload []byte    `msgpack:"payload"` // msgpack-encoded request/response body
	ErrMsg  string    `msgpack:"err,omitempty"`
}

type frameKind uint8

const (
	frameRequest frameKind = iota
	frameResponse
	frameNotify
)

const maxFrameSize = 64 << 20 // 64MiB — generous bound against a corrupt length prefix

func writeFrame(w io.Writer, e envelope) error {
	body, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("rpcproto: marshal envelope: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("rpcproto: frame too large (%d bytes)", len(body))
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readFrame(r io.Reader) (envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return envelope{}, fmt.Errorf("rpcproto: frame too large (%d bytes)", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return envelope{}, err
	}
	var e envelope
	if err := msgpack.Unmarshal(body, &e); err != nil {
		return envelope{}, fmt.Errorf("rpcproto: unmarshal envelope: %w", err)
	}
	return e, nil
}

func encodePayload(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func decodePayload(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

// EncodePayload msgpack-encodes a request or reply body. Exported so
// handler packages (internal/store, internal/replace, internal/manager)
// can prepare Handler return values without duplicating the codec.
func EncodePayload(v any) ([]byte, error) { return encodePayload(v) }

// DecodePayload msgpack-decodes a Handler's raw payload into v.
func DecodePayload(data []byte, v any) error { return decodePayload(data, v) }

