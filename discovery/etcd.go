// Package discovery keeps the actor registry in etcd. Every live node of
// one (type, name) actor holds a leased key under
// /jubatus/actors/<type>/<name>/nodes/<host>_<port>; membership is the
// set of keys under that prefix.
package discovery

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	actorRoot = "/jubatus/actors"

	defaultLeaseTTL = 10 // seconds
)

// Node is one registered member.
type Node struct {
	ID   string // host_port key leaf
	Addr string // host:port
}

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// NodesPath is the membership prefix for one actor.
func NodesPath(typ, name string) string {
	return path.Join(actorRoot, typ, name, "nodes")
}

func nodeKey(typ, name, addr string) string {
	return path.Join(NodesPath(typ, name), strings.ReplaceAll(addr, ":", "_"))
}

// Registration holds a node's leased registry entry alive until Close.
type Registration struct {
	cli    *clientv3.Client
	logger *zap.Logger
	key    string
	addr   string
	ttl    int64

	cancel context.CancelFunc
	done   chan struct{}

	leaseID clientv3.LeaseID
}

// Register writes the node's key under a lease and starts a keep-alive
// goroutine. If the keep-alive channel closes (etcd restart, partition
// outlasting the TTL), the entry is re-granted with exponential backoff.
// The registration lives until Close.
func Register(cli *clientv3.Client, typ, name, addr string, ttl int64, logger *zap.Logger) (*Registration, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	r := &Registration{
		cli:    cli,
		logger: logger.With(zap.String("key", nodeKey(typ, name, addr))),
		key:    nodeKey(typ, name, addr),
		addr:   addr,
		ttl:    ttl,
		done:   make(chan struct{}),
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	// the keep-alive stream must live on keepCtx, the context Close
	// cancels; tying it to the caller's ctx would leave Close joining a
	// stream that nothing ends
	ch, err := r.grant(keepCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	go r.keep(keepCtx, ch)
	return r, nil
}

func (r *Registration) grant(ctx context.Context) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	lease, err := r.cli.Grant(ctx, r.ttl)
	if err != nil {
		return nil, errors.Wrap(err, "grant lease")
	}
	if _, err := r.cli.Put(ctx, r.key, r.addr, clientv3.WithLease(lease.ID)); err != nil {
		return nil, errors.Wrap(err, "put registration")
	}
	ch, err := r.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return nil, errors.Wrap(err, "keep lease alive")
	}
	r.leaseID = lease.ID
	return ch, nil
}

func (r *Registration) keep(ctx context.Context, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	defer close(r.done)
	for {
		for range ch {
		}
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("registration lease lost, re-registering")

		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0 // retry until cancelled
		err := backoff.Retry(func() error {
			var err error
			ch, err = r.grant(ctx)
			return err
		}, backoff.WithContext(bo, ctx))
		if err != nil {
			return
		}
		r.logger.Info("re-registered")
	}
}

// Close stops the keep-alive loop and revokes the lease so peers see the
// node leave immediately instead of after TTL expiry.
func (r *Registration) Close() error {
	r.cancel()
	<-r.done
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := r.cli.Revoke(ctx, r.leaseID)
	return err
}

func nodesFromKvs(typ, name string, kvs []*mvccKV) []Node {
	prefix := NodesPath(typ, name) + "/"
	out := make([]Node, 0, len(kvs))
	seen := make(map[string]struct{}, len(kvs))
	for _, kv := range kvs {
		id := strings.TrimPrefix(kv.Key, prefix)
		if id == kv.Key || id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, Node{ID: id, Addr: kv.Value})
	}
	return out
}

// mvccKV narrows the etcd KV to what the parser needs; it keeps
// nodesFromKvs testable without a live cluster.
type mvccKV struct {
	Key   string
	Value string
}

func listNodes(ctx context.Context, cli *clientv3.Client, typ, name string) ([]Node, error) {
	resp, err := cli.Get(ctx, NodesPath(typ, name)+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", NodesPath(typ, name))
	}
	kvs := make([]*mvccKV, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kvs = append(kvs, &mvccKV{Key: string(kv.Key), Value: string(kv.Value)})
	}
	return nodesFromKvs(typ, name, kvs), nil
}

// FormatNodeID renders host and port the way registry keys spell them.
func FormatNodeID(host string, port int) string {
	return fmt.Sprintf("%s_%d", host, port)
}
