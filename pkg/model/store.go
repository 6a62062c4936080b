package model

import (
	"sync"
)

type row struct {
	weight float64
	clock  uint64
}

// Store is a minimal in-memory feature-weight table with a per-row
// logical clock. Rows merge last-writer-wins by clock, which makes two
// stores converge when they exchange rows in either direction.
type Store struct {
	mu    sync.RWMutex
	rows  map[string]row
	clock uint64
}

func NewStore() *Store {
	return &Store{
		rows: make(map[string]row),
	}
}

// RWMutex exposes the model lock shared with the mixer. Readers of the
// table and the mixer's pull path take it as readers; Update and the
// mixer's push path take it as writer.
func (s *Store) RWMutex() *sync.RWMutex {
	return &s.mu
}

func (s *Store) Update(key string, weight float64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock++
	s.rows[key] = row{weight: weight, clock: s.clock}
	return s.clock
}

func (s *Store) Weight(key string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[key]
	return r.weight, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// versions returns the per-key clock map. Callers hold s.mu.
func (s *Store) versions() map[string]uint64 {
	vs := make(map[string]uint64, len(s.rows))
	for k, r := range s.rows {
		vs[k] = r.clock
	}
	return vs
}

// newerThan returns rows the holder of vs has not seen yet. Callers hold
// s.mu as readers.
func (s *Store) newerThan(vs map[string]uint64) []Row {
	var out []Row
	for k, r := range s.rows {
		if r.clock > vs[k] {
			out = append(out, Row{Key: k, Weight: r.weight, Clock: r.clock})
		}
	}
	return out
}

// merge applies rows by max clock. Callers hold s.mu as writer.
func (s *Store) merge(rows []Row) {
	for _, in := range rows {
		cur, ok := s.rows[in.Key]
		if ok && cur.clock >= in.Clock {
			continue
		}
		s.rows[in.Key] = row{weight: in.Weight, clock: in.Clock}
		if in.Clock > s.clock {
			s.clock = in.Clock
		}
	}
}
