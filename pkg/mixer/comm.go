package mixer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/everpeace/jubatus/discovery"
	"github.com/everpeace/jubatus/pkg/mprpc"
)

// Communication is the mixer's view of the outside world: the membership
// registry plus the three per-peer calls of the exchange. Every call is
// independent; a transport failure fails that call only.
type Communication interface {
	// UpdateMembers refreshes the member list from the registry and
	// returns its new size, zero on registry failure.
	UpdateMembers() int
	Size() int
	Servers() []Peer

	Pull(peer Peer, arg []byte) ([]byte, error)
	GetPullArgument(peer Peer) ([]byte, error)
	Push(peer Peer, diff []byte) error
}

type communication struct {
	view   *discovery.View
	client *mprpc.Client
	logger *zap.Logger
}

// NewCommunication wires the etcd-backed view to per-call msgpack-rpc
// clients with a uniform timeout.
func NewCommunication(view *discovery.View, timeout time.Duration, logger *zap.Logger) Communication {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &communication{
		view:   view,
		client: mprpc.NewClient(timeout),
		logger: logger,
	}
}

func (c *communication) UpdateMembers() int {
	return c.view.Refresh(context.Background())
}

func (c *communication) Size() int {
	return c.view.Size()
}

func (c *communication) Servers() []Peer {
	nodes := c.view.Snapshot()
	peers := make([]Peer, 0, len(nodes))
	for _, n := range nodes {
		p, err := ParsePeer(n.Addr)
		if err != nil {
			c.logger.Warn("skipping unparsable member", zap.String("id", n.ID), zap.Error(err))
			continue
		}
		peers = append(peers, p)
	}
	return peers
}

func (c *communication) Pull(peer Peer, arg []byte) ([]byte, error) {
	raw, err := c.client.Call(peer.Addr(), "pull", arg)
	if err != nil {
		return nil, err
	}
	return mprpc.DecodeBytes(raw)
}

func (c *communication) GetPullArgument(peer Peer) ([]byte, error) {
	// the dummy int keeps the wire shape of the reference client
	raw, err := c.client.Call(peer.Addr(), "get_pull_argument", 0)
	if err != nil {
		return nil, err
	}
	return mprpc.DecodeBytes(raw)
}

func (c *communication) Push(peer Peer, diff []byte) error {
	raw, err := c.client.Call(peer.Addr(), "push", diff)
	if err != nil {
		return err
	}
	_, err = mprpc.DecodeInt(raw)
	return err
}
