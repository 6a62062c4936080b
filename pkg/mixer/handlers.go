package mixer

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/everpeace/jubatus/pkg/mprpc"
)

// RegisterAPI exposes the mixer's four methods on srv. Handlers run on
// the server's connection goroutines; the local* calls provide the
// model/mixer locking in that order.
func (m *Mixer) RegisterAPI(srv *mprpc.Server) {
	srv.Handle("pull", m.handlePull)
	srv.Handle("get_pull_argument", m.handleGetPullArgument)
	srv.Handle("push", m.handlePush)
	srv.Handle("do_mix", m.handleDoMix)
}

func (m *Mixer) handlePull(params []msgpack.RawMessage) (interface{}, error) {
	if len(params) < 1 {
		return nil, mprpc.ErrType
	}
	arg, err := mprpc.DecodeBytes(params[0])
	if err != nil {
		return nil, err
	}
	return m.localPull(arg)
}

func (m *Mixer) handleGetPullArgument(params []msgpack.RawMessage) (interface{}, error) {
	// one dummy int argument, ignored
	return m.localGetArgument()
}

func (m *Mixer) handlePush(params []msgpack.RawMessage) (interface{}, error) {
	if len(params) < 1 {
		return nil, mprpc.ErrType
	}
	diff, err := mprpc.DecodeBytes(params[0])
	if err != nil {
		return nil, err
	}
	if err := m.localPush(diff); err != nil {
		return nil, err
	}
	return 0, nil
}

func (m *Mixer) handleDoMix(params []msgpack.RawMessage) (interface{}, error) {
	return m.DoMix(), nil
}
