package model

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Row is one exchanged table entry.
type Row struct {
	Key    string  `msgpack:"key"`
	Weight float64 `msgpack:"weight"`
	Clock  uint64  `msgpack:"clock"`
}

type argument struct {
	Versions map[string]uint64 `msgpack:"versions"`
}

type diff struct {
	Rows []Row `msgpack:"rows"`
}

// WeightMixable adapts a Store to the mixer. It performs no locking of
// its own: the caller holds the store's RWMutex as reader for
// GetArgument and Pull and as writer for Push.
type WeightMixable struct {
	store *Store
}

func NewWeightMixable(s *Store) *WeightMixable {
	return &WeightMixable{store: s}
}

// GetArgument serializes the per-key clock map so a peer can compute the
// minimal set of rows we are missing.
func (m *WeightMixable) GetArgument() ([]byte, error) {
	return msgpack.Marshal(argument{Versions: m.store.versions()})
}

// Pull decodes a peer's argument and returns the rows it has not seen.
func (m *WeightMixable) Pull(arg []byte) ([]byte, error) {
	var a argument
	if err := msgpack.Unmarshal(arg, &a); err != nil {
		return nil, err
	}
	if a.Versions == nil {
		a.Versions = map[string]uint64{}
	}
	return msgpack.Marshal(diff{Rows: m.store.newerThan(a.Versions)})
}

// Push merges a peer-produced diff into the local table.
func (m *WeightMixable) Push(d []byte) error {
	var in diff
	if err := msgpack.Unmarshal(d, &in); err != nil {
		return err
	}
	m.store.merge(in.Rows)
	return nil
}
