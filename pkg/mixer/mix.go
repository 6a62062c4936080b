package mixer

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/everpeace/jubatus/internal/telemetry"
)

var errPanic = errors.New("mixer: panic during mix")

// mix runs one round. The first failing step aborts the whole round:
// remaining candidates are skipped until the next round, when selection
// starts over. Counter and tick were already reset by the caller.
func (m *Mixer) mix() error {
	start := time.Now()
	var pulled, pushed int

	if n := m.comm.UpdateMembers(); n == 0 {
		m.logger.Warn("no other server")
		return nil
	}
	candidates := m.strategy(m.comm.Servers(), m.self)
	if len(candidates) == 0 {
		m.logger.Warn("no server selected")
		return nil
	}

	for _, her := range candidates {
		if err := m.exchange(her, &pulled, &pushed); err != nil {
			m.logger.Warn("mix failed",
				zap.Stringer("peer", her),
				zap.Error(err))
			telemetry.MixFailures.Inc()
			return err
		}
	}

	elapsed := time.Since(start)
	m.mu.Lock()
	m.mixCount++
	nth := m.mixCount
	m.mu.Unlock()

	telemetry.MixRounds.Inc()
	telemetry.MixDuration.Observe(elapsed.Seconds())
	telemetry.PulledBytes.Add(float64(pulled))
	telemetry.PushedBytes.Add(float64(pushed))

	m.logger.Info("mix done",
		zap.Duration("elapsed", elapsed),
		zap.Int("pulled_bytes", pulled),
		zap.Int("pushed_bytes", pushed),
		zap.Uint64("mix_count", nth))
	return nil
}

// exchange runs the five-step reconciliation with one peer. The model
// lock is taken inside the local* calls only, never across an RPC.
func (m *Mixer) exchange(her Peer, pulled, pushed *int) error {
	// pull from her
	myArg, err := m.localGetArgument()
	if err != nil {
		return err
	}
	herDiff, err := m.comm.Pull(her, myArg)
	if err != nil {
		return err
	}

	// pull from me
	herArg, err := m.comm.GetPullArgument(her)
	if err != nil {
		return err
	}
	myDiff, err := m.localPull(herArg)
	if err != nil {
		return err
	}

	// push to her and me
	if err := m.comm.Push(her, myDiff); err != nil {
		return err
	}
	if err := m.localPush(herDiff); err != nil {
		return err
	}

	*pulled += len(herDiff)
	*pushed += len(myDiff)
	return nil
}

// localGetArgument serializes the local pull argument under the model
// read lock. Lock order is model before mixer, same as the handlers.
func (m *Mixer) localGetArgument() ([]byte, error) {
	m.modelMu.RLock()
	defer m.modelMu.RUnlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mixable.GetArgument()
}

// localPull computes the diff for a peer's argument under the model
// read lock.
func (m *Mixer) localPull(arg []byte) ([]byte, error) {
	m.modelMu.RLock()
	defer m.modelMu.RUnlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mixable.Pull(arg)
}

// localPush applies a peer's diff under the model write lock and resets
// the update counter: the model just absorbed a mix, scheduled or not.
func (m *Mixer) localPush(diff []byte) error {
	m.modelMu.Lock()
	defer m.modelMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.mixable.Push(diff); err != nil {
		return err
	}
	m.counter = 0
	m.lastTick = time.Now()
	telemetry.UpdateCounter.Set(0)
	return nil
}
