// Package mprpc is a minimal msgpack-rpc carrier: requests are
// [0, msgid, method, params] arrays, responses [1, msgid, error, result],
// every frame preceded by a 4-byte big-endian length. The payloads the
// mixer exchanges ride inside as opaque binary blobs, so the same bytes
// are understood by every node of one (type, name).
package mprpc

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	typeRequest  = 0
	typeResponse = 1

	// maxFrame bounds a single frame; diffs beyond this are a protocol
	// violation, not a bigger buffer.
	maxFrame = 64 << 20
)

var (
	// ErrType reports a msgpack value of the wrong type in a slot that
	// must hold raw bytes or an integer.
	ErrType = errors.New("mprpc: type mismatch")

	ErrNoMethod = errors.New("mprpc: no such method")
)

type request struct {
	_msgpack struct{} `msgpack:",as_array"`
	Type     int
	MsgID    uint32
	Method   string
	Params   []msgpack.RawMessage
}

type response struct {
	_msgpack struct{} `msgpack:",as_array"`
	Type     int
	MsgID    uint32
	Err      msgpack.RawMessage
	Result   msgpack.RawMessage
}

// wireResponse is the encode-side counterpart of response.
type wireResponse struct {
	_msgpack struct{} `msgpack:",as_array"`
	Type     int
	MsgID    uint32
	Err      interface{}
	Result   interface{}
}

// RemoteError is an error slot returned by the peer.
type RemoteError struct {
	Method string
	Reason string
}

func (e *RemoteError) Error() string {
	return "mprpc: remote " + e.Method + ": " + e.Reason
}

func writeFrame(w io.Writer, body []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	_, err := w.Write(body)
	return errors.Wrap(err, "write frame body")
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrame {
		return nil, errors.Errorf("mprpc: frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// isRawCode reports whether b opens a msgpack bin or str value.
func isRawCode(b byte) bool {
	switch {
	case b >= 0xa0 && b <= 0xbf: // fixstr
		return true
	case b >= 0xc4 && b <= 0xc6: // bin8..bin32
		return true
	case b >= 0xd9 && b <= 0xdb: // str8..str32
		return true
	}
	return false
}

// DecodeBytes extracts an opaque payload from a raw slot, rejecting any
// non-binary msgpack value with ErrType.
func DecodeBytes(raw msgpack.RawMessage) ([]byte, error) {
	if len(raw) == 0 || !isRawCode(raw[0]) {
		return nil, ErrType
	}
	var b []byte
	if err := msgpack.Unmarshal(raw, &b); err != nil {
		return nil, errors.Wrap(ErrType, err.Error())
	}
	return b, nil
}

// DecodeInt extracts an integer slot.
func DecodeInt(raw msgpack.RawMessage) (int64, error) {
	var n int64
	if err := msgpack.Unmarshal(raw, &n); err != nil {
		return 0, errors.Wrap(ErrType, err.Error())
	}
	return n, nil
}

// DecodeBool extracts a boolean slot.
func DecodeBool(raw msgpack.RawMessage) (bool, error) {
	var b bool
	if err := msgpack.Unmarshal(raw, &b); err != nil {
		return false, errors.Wrap(ErrType, err.Error())
	}
	return b, nil
}

func decodeErrSlot(raw msgpack.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] == 0xc0 { // nil
		return "", false
	}
	var s string
	if err := msgpack.Unmarshal(raw, &s); err != nil {
		return "unrecognized error payload", true
	}
	return s, true
}
