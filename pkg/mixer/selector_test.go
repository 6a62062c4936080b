package mixer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func peers(n int) []Peer {
	out := make([]Peer, n)
	for i := range out {
		out[i] = Peer{Host: "node", Port: 9000 + i}
	}
	return out
}

func TestExceptSelf(t *testing.T) {
	ps := peers(4)
	self := ps[2]

	got := ExceptSelf(ps, self)
	require.Len(t, got, 3)
	assert.NotContains(t, got, self)
	// list order preserved
	assert.Equal(t, []Peer{ps[0], ps[1], ps[3]}, got)
}

func TestExceptSelfWhenAbsent(t *testing.T) {
	ps := peers(3)
	got := ExceptSelf(ps, Peer{Host: "elsewhere", Port: 1})
	assert.Equal(t, ps, got)
}

func TestRoundRobinRotates(t *testing.T) {
	ps := peers(3)
	self := ps[0]
	s := RoundRobin()

	var picks []Peer
	for i := 0; i < 4; i++ {
		got := s(ps, self)
		require.Len(t, got, 1)
		assert.NotEqual(t, self, got[0])
		picks = append(picks, got[0])
	}
	// wraps around after the two others
	assert.Equal(t, picks[0], picks[2])
	assert.Equal(t, picks[1], picks[3])
	assert.NotEqual(t, picks[0], picks[1])
}

func TestRoundRobinEmpty(t *testing.T) {
	s := RoundRobin()
	assert.Empty(t, s(nil, Peer{}))
	only := Peer{Host: "me", Port: 1}
	assert.Empty(t, s([]Peer{only}, only))
}

func TestRingNeighbors(t *testing.T) {
	ps := peers(6)
	self := ps[0]
	s := RingNeighbors(2)

	a := s(ps, self)
	require.Len(t, a, 2)
	assert.NotContains(t, a, self)

	// deterministic for the same membership
	b := s(ps, self)
	assert.Equal(t, a, b)
}

func TestRingNeighborsCapped(t *testing.T) {
	ps := peers(2)
	s := RingNeighbors(5)
	got := s(ps, ps[0])
	assert.Equal(t, []Peer{ps[1]}, got)
}
