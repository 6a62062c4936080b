package mprpc

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Client issues one call per connection with a uniform deadline, the way
// the mix exchange wants it: every call independent, any failure scoped
// to that call.
type Client struct {
	timeout time.Duration
	msgid   atomic.Uint32
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{timeout: timeout}
}

// Call dials addr, performs one request/response round trip and returns
// the raw result slot.
func (c *Client) Call(addr, method string, params ...interface{}) (msgpack.RawMessage, error) {
	conn, err := net.DialTimeout("tcp", addr, c.timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, errors.Wrap(err, "set deadline")
	}

	id := c.msgid.Add(1)
	rawParams := make([]msgpack.RawMessage, len(params))
	for i, p := range params {
		b, err := msgpack.Marshal(p)
		if err != nil {
			return nil, errors.Wrapf(err, "encode param %d of %s", i, method)
		}
		rawParams[i] = b
	}
	body, err := msgpack.Marshal(request{
		Type:   typeRequest,
		MsgID:  id,
		Method: method,
		Params: rawParams,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s request", method)
	}
	if err := writeFrame(conn, body); err != nil {
		return nil, err
	}

	respBody, err := readFrame(conn)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s response", method)
	}
	var resp response
	if err := msgpack.Unmarshal(respBody, &resp); err != nil {
		return nil, errors.Wrapf(err, "decode %s response", method)
	}
	if resp.Type != typeResponse || resp.MsgID != id {
		return nil, errors.Errorf("mprpc: stray response (type=%d msgid=%d, want %d)", resp.Type, resp.MsgID, id)
	}
	if reason, ok := decodeErrSlot(resp.Err); ok {
		return nil, &RemoteError{Method: method, Reason: reason}
	}
	return resp.Result, nil
}
