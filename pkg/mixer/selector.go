package mixer

import (
	"sync"

	"github.com/everpeace/jubatus/pkg/ring"
)

// Strategy picks this round's mix partners from the current member list.
// The result never contains self and is deterministic for a given input
// list and strategy state.
type Strategy func(peers []Peer, self Peer) []Peer

// ExceptSelf selects every member except self, in list order.
func ExceptSelf(peers []Peer, self Peer) []Peer {
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		if p == self {
			continue
		}
		out = append(out, p)
	}
	return out
}

// RoundRobin selects a single partner per round, rotating through the
// member list across rounds. With one flaky member this bounds how long
// a per-round abort can starve the others.
func RoundRobin() Strategy {
	var mu sync.Mutex
	var turn int
	return func(peers []Peer, self Peer) []Peer {
		others := ExceptSelf(peers, self)
		if len(others) == 0 {
			return nil
		}
		mu.Lock()
		idx := turn % len(others)
		turn++
		mu.Unlock()
		return []Peer{others[idx]}
	}
}

// RingNeighbors selects self's k clockwise successors on a consistent-
// hash ring over the member addresses, so each node mixes with a stable
// neighborhood that churn barely moves.
func RingNeighbors(k int) Strategy {
	return func(peers []Peer, self Peer) []Peer {
		r := ring.New(0)
		byAddr := make(map[string]Peer, len(peers))
		for _, p := range peers {
			r.Add(p.Addr())
			byAddr[p.Addr()] = p
		}
		if !r.Contains(self.Addr()) {
			r.Add(self.Addr())
		}
		out := make([]Peer, 0, k)
		for _, addr := range r.SuccessorsOf(self.Addr(), k) {
			if p, ok := byAddr[addr]; ok && p != self {
				out = append(out, p)
			}
		}
		return out
	}
}
