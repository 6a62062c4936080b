package mixer

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap/zaptest"
)

// fakeComm scripts the peer side of an exchange and records every RPC in
// order, e.g. "pull h:9".
type fakeComm struct {
	mu    sync.Mutex
	peers []Peer
	calls []string

	herDiff []byte
	herArg  []byte

	refreshZero bool
	pullErr     error
	pullErrPeer Peer
}

func (f *fakeComm) record(method string, p Peer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s %s", method, p))
}

func (f *fakeComm) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeComm) UpdateMembers() int {
	if f.refreshZero {
		return 0
	}
	return len(f.peers)
}

func (f *fakeComm) Size() int { return len(f.peers) }

func (f *fakeComm) Servers() []Peer {
	out := make([]Peer, len(f.peers))
	copy(out, f.peers)
	return out
}

func (f *fakeComm) Pull(peer Peer, arg []byte) ([]byte, error) {
	f.record("pull", peer)
	if f.pullErr != nil && peer == f.pullErrPeer {
		return nil, f.pullErr
	}
	return f.herDiff, nil
}

func (f *fakeComm) GetPullArgument(peer Peer) ([]byte, error) {
	f.record("get_pull_argument", peer)
	return f.herArg, nil
}

func (f *fakeComm) Push(peer Peer, diff []byte) error {
	f.record("push", peer)
	return nil
}

// fakeAdapter records the adapter side.
type fakeAdapter struct {
	mu    sync.Mutex
	calls []string

	arg    []byte
	diff   []byte
	pushed [][]byte
}

func (f *fakeAdapter) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeAdapter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeAdapter) GetArgument() ([]byte, error) {
	f.record("get_argument")
	return f.arg, nil
}

func (f *fakeAdapter) Pull(arg []byte) ([]byte, error) {
	f.record("pull " + string(arg))
	return f.diff, nil
}

func (f *fakeAdapter) Push(diff []byte) error {
	f.record("push " + string(diff))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, diff)
	return nil
}

func newTestMixer(t *testing.T, comm Communication, adapter Mixable, cfg Config) *Mixer {
	t.Helper()
	var modelMu sync.RWMutex
	m := New(comm, adapter, &modelMu, nil, cfg, zaptest.NewLogger(t))
	t.Cleanup(m.Stop)
	return m
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %s", d)
}

// S1: empty registry is a successful, counted-as-nothing round.
func TestDoMixNoPeers(t *testing.T) {
	comm := &fakeComm{refreshZero: true}
	m := newTestMixer(t, comm, &fakeAdapter{}, Config{})

	assert.True(t, m.DoMix())
	assert.Equal(t, uint64(0), m.MixCount())
	assert.Empty(t, comm.Calls())
}

// S2: single-peer happy path, with the exact call order of one exchange.
func TestDoMixSinglePeer(t *testing.T) {
	her := Peer{Host: "h", Port: 9}
	comm := &fakeComm{
		peers:   []Peer{her},
		herDiff: []byte("D_her"),
		herArg:  []byte("B"),
	}
	adapter := &fakeAdapter{arg: []byte("A"), diff: []byte("D_me")}
	m := newTestMixer(t, comm, adapter, Config{Self: Peer{Host: "me", Port: 1}})

	require.True(t, m.DoMix())
	assert.Equal(t, uint64(1), m.MixCount())

	assert.Equal(t, []string{"pull h:9", "get_pull_argument h:9", "push h:9"}, comm.Calls())
	assert.Equal(t, []string{"get_argument", "pull B", "push D_her"}, adapter.Calls())
}

// S3: the first peer's failure aborts the round before the second peer
// is contacted and before anything is applied locally.
func TestRoundAbortsOnFirstFailure(t *testing.T) {
	p1 := Peer{Host: "p1", Port: 1}
	p2 := Peer{Host: "p2", Port: 2}
	comm := &fakeComm{
		peers:       []Peer{p1, p2},
		pullErr:     errors.New("i/o timeout"),
		pullErrPeer: p1,
	}
	adapter := &fakeAdapter{arg: []byte("A"), diff: []byte("D")}
	m := newTestMixer(t, comm, adapter, Config{Self: Peer{Host: "me", Port: 1}})

	assert.False(t, m.DoMix())
	assert.Equal(t, uint64(0), m.MixCount())
	assert.Equal(t, []string{"pull p1:1"}, comm.Calls())
	assert.Empty(t, adapter.pushed)
}

// S4: three updates against a count threshold of three cause exactly one
// scheduled mix and reset the counter.
func TestCountThresholdTriggersMix(t *testing.T) {
	her := Peer{Host: "h", Port: 9}
	comm := &fakeComm{peers: []Peer{her}, herDiff: []byte("d"), herArg: []byte("a")}
	adapter := &fakeAdapter{arg: []byte("a"), diff: []byte("d")}
	m := newTestMixer(t, comm, adapter, Config{CountThreshold: 3, Self: Peer{Host: "me", Port: 1}})

	m.Start()
	m.Updated()
	m.Updated()
	m.Updated()

	waitFor(t, 3*time.Second, func() bool { return m.MixCount() == 1 })
	assert.Equal(t, "0", m.Status()["push_mixer.count"])

	// no further updates, no further mixes
	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, uint64(1), m.MixCount())
}

// S5: an externally driven push applies the diff and resets the counter.
func TestPushHandlerResetsCounter(t *testing.T) {
	adapter := &fakeAdapter{}
	m := newTestMixer(t, &fakeComm{}, adapter, Config{CountThreshold: 100})

	m.Updated()
	m.Updated()
	require.Equal(t, "2", m.Status()["push_mixer.count"])

	raw, err := msgpack.Marshal([]byte("remote-diff"))
	require.NoError(t, err)
	res, err := m.handlePush([]msgpack.RawMessage{raw})
	require.NoError(t, err)
	assert.Equal(t, 0, res)

	assert.Equal(t, [][]byte{[]byte("remote-diff")}, adapter.pushed)
	assert.Equal(t, "0", m.Status()["push_mixer.count"])
}

// S6: stop joins the worker within one wait cycle.
func TestStopJoinsWorker(t *testing.T) {
	m := newTestMixer(t, &fakeComm{}, &fakeAdapter{}, Config{})
	m.Start()

	start := time.Now()
	m.Stop()
	assert.Less(t, time.Since(start), time.Second)

	// idempotent
	m.Stop()
	m.Start()
	m.Stop()
}

func TestZeroThresholdsMeanKickOnly(t *testing.T) {
	her := Peer{Host: "h", Port: 9}
	comm := &fakeComm{peers: []Peer{her}}
	m := newTestMixer(t, comm, &fakeAdapter{}, Config{Self: Peer{Host: "me", Port: 1}})

	m.Start()
	for i := 0; i < 10; i++ {
		m.Updated()
	}
	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, uint64(0), m.MixCount())

	assert.True(t, m.DoMix())
	assert.Equal(t, uint64(1), m.MixCount())
}

func TestTickThresholdTriggersMix(t *testing.T) {
	her := Peer{Host: "h", Port: 9}
	comm := &fakeComm{peers: []Peer{her}}
	m := newTestMixer(t, comm, &fakeAdapter{}, Config{
		TickThreshold: 100 * time.Millisecond,
		Self:          Peer{Host: "me", Port: 1},
	})

	m.Start()
	waitFor(t, 3*time.Second, func() bool { return m.MixCount() >= 1 })
}

func TestConsecutiveEmptyDoMixesAreEquivalent(t *testing.T) {
	comm := &fakeComm{refreshZero: true}
	m := newTestMixer(t, comm, &fakeAdapter{}, Config{})

	before := m.Status()["push_mixer.count"]
	assert.True(t, m.DoMix())
	assert.True(t, m.DoMix())
	assert.Equal(t, uint64(0), m.MixCount())
	assert.Equal(t, before, m.Status()["push_mixer.count"])
	assert.Empty(t, comm.Calls())
}

func TestDoMixHandlerReturnsBool(t *testing.T) {
	comm := &fakeComm{refreshZero: true}
	m := newTestMixer(t, comm, &fakeAdapter{}, Config{})

	res, err := m.handleDoMix(nil)
	require.NoError(t, err)
	assert.Equal(t, true, res)
}

func TestPushHandlerRejectsNonRawDiff(t *testing.T) {
	adapter := &fakeAdapter{}
	m := newTestMixer(t, &fakeComm{}, adapter, Config{})

	raw, err := msgpack.Marshal(12345)
	require.NoError(t, err)
	_, err = m.handlePush([]msgpack.RawMessage{raw})
	require.Error(t, err)
	assert.Empty(t, adapter.pushed)
}

func TestStatusKeys(t *testing.T) {
	m := newTestMixer(t, &fakeComm{}, &fakeAdapter{}, Config{})
	st := m.Status()
	require.Contains(t, st, "push_mixer.count")
	require.Contains(t, st, "push_mixer.ticktime")
	assert.Equal(t, "0", st["push_mixer.count"])
}

// panicking adapters abort the round but never kill callers.
func TestAdapterPanicIsContained(t *testing.T) {
	her := Peer{Host: "h", Port: 9}
	comm := &fakeComm{peers: []Peer{her}}
	m := newTestMixer(t, comm, panicAdapter{}, Config{Self: Peer{Host: "me", Port: 1}})

	assert.False(t, m.DoMix())
	assert.Equal(t, uint64(0), m.MixCount())
}

type panicAdapter struct{}

func (panicAdapter) GetArgument() ([]byte, error) { panic("nil mixable") }
func (panicAdapter) Pull([]byte) ([]byte, error)  { panic("nil mixable") }
func (panicAdapter) Push([]byte) error            { panic("nil mixable") }
