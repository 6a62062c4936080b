package discovery

import (
	"context"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// View is the lazily refreshed membership snapshot for one actor. A
// registry failure is logged and reported as zero members; the previous
// snapshot stays in place, stale but readable.
type View struct {
	cli    *clientv3.Client
	logger *zap.Logger
	typ    string
	name   string

	queryTimeout time.Duration

	mu    sync.Mutex
	nodes []Node
}

func NewView(cli *clientv3.Client, typ, name string, logger *zap.Logger) *View {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &View{
		cli:          cli,
		logger:       logger.With(zap.String("actor", typ+"/"+name)),
		typ:          typ,
		name:         name,
		queryTimeout: 5 * time.Second,
	}
}

// Refresh replaces the snapshot with the registry's current node set and
// returns its size. Failure returns zero without touching the snapshot.
func (v *View) Refresh(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, v.queryTimeout)
	defer cancel()
	nodes, err := listNodes(ctx, v.cli, v.typ, v.name)
	if err != nil {
		v.logger.Warn("membership refresh failed", zap.Error(err))
		return 0
	}
	v.mu.Lock()
	v.nodes = nodes
	n := len(nodes)
	v.mu.Unlock()
	return n
}

// Snapshot returns a stable copy of the current node set.
func (v *View) Snapshot() []Node {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Node, len(v.nodes))
	copy(out, v.nodes)
	return out
}

func (v *View) Size() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.nodes)
}

// Watch logs membership churn under the actor prefix until ctx ends.
// The view itself stays lazily refreshed; this is operator visibility,
// not cache invalidation.
func (v *View) Watch(ctx context.Context) {
	ch := v.cli.Watch(ctx, NodesPath(v.typ, v.name)+"/", clientv3.WithPrefix())
	go func() {
		for resp := range ch {
			if err := resp.Err(); err != nil {
				v.logger.Warn("membership watch error", zap.Error(err))
				continue
			}
			for _, ev := range resp.Events {
				switch ev.Type {
				case mvccpb.PUT:
					v.logger.Info("node joined",
						zap.String("key", string(ev.Kv.Key)),
						zap.String("addr", string(ev.Kv.Value)))
				case mvccpb.DELETE:
					v.logger.Info("node left", zap.String("key", string(ev.Kv.Key)))
				}
			}
		}
	}()
}
