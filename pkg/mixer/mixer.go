// Package mixer reconciles a node's model with its peers. A background
// worker wakes on update-count or elapsed-time thresholds and runs one
// mix round: for each selected peer it exchanges pull arguments and
// diffs over three RPCs, then applies the received diff locally.
package mixer

import (
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/everpeace/jubatus/internal/telemetry"
)

// workerWait bounds one condition wait so threshold re-checks and stop
// requests are observed within half a second even without a signal.
const workerWait = 500 * time.Millisecond

type Config struct {
	// CountThreshold triggers a mix once this many local updates have
	// accumulated. Zero disables the trigger.
	CountThreshold uint64
	// TickThreshold triggers a mix once this much time has passed since
	// the last one. Zero disables the trigger.
	TickThreshold time.Duration
	// Self is excluded from candidate selection by the shipped
	// strategies.
	Self Peer
}

type Mixer struct {
	comm     Communication
	mixable  Mixable
	modelMu  *sync.RWMutex
	strategy Strategy
	logger   *zap.Logger

	countThreshold uint64
	tickThreshold  time.Duration
	self           Peer

	// mu guards counter, lastTick, mixCount, running and cond. It is
	// acquired after the model lock, never before, and never held
	// across an RPC.
	mu       sync.Mutex
	cond     *sync.Cond
	counter  uint64
	lastTick time.Time
	mixCount uint64
	running  bool
	done     chan struct{}
}

// New builds a paused mixer. modelMu is the model's readers-writer lock,
// shared with whatever serves local traffic; strategy nil means
// ExceptSelf.
func New(comm Communication, mixable Mixable, modelMu *sync.RWMutex, strategy Strategy, cfg Config, logger *zap.Logger) *Mixer {
	if strategy == nil {
		strategy = ExceptSelf
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Mixer{
		comm:           comm,
		mixable:        mixable,
		modelMu:        modelMu,
		strategy:       strategy,
		logger:         logger,
		countThreshold: cfg.CountThreshold,
		tickThreshold:  cfg.TickThreshold,
		self:           cfg.Self,
		lastTick:       time.Now(),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start launches the worker. Starting a running mixer is a no-op.
func (m *Mixer) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.done = make(chan struct{})
	go m.loop(m.done)
}

// Stop signals the worker and joins it. Stopping a stopped mixer is a
// no-op. In-flight peer RPCs run to their natural timeout.
func (m *Mixer) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	done := m.done
	m.cond.Broadcast()
	m.mu.Unlock()
	<-done
}

// Updated records one local model update and wakes the worker when a
// threshold is crossed.
func (m *Mixer) Updated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	telemetry.UpdateCounter.Set(float64(m.counter))
	if (m.countThreshold > 0 && m.counter >= m.countThreshold) ||
		(m.tickThreshold > 0 && time.Since(m.lastTick) > m.tickThreshold) {
		m.cond.Signal()
	}
}

// DoMix runs one round synchronously, resetting the update counter
// first. It reports whether the round completed without failure.
func (m *Mixer) DoMix() bool {
	m.mu.Lock()
	m.counter = 0
	m.lastTick = time.Now()
	m.mu.Unlock()
	telemetry.UpdateCounter.Set(0)

	m.logger.Info("forced to mix by user rpc")
	return m.safeMix() == nil
}

// MixCount is the number of rounds completed since construction.
func (m *Mixer) MixCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mixCount
}

// Status reports the fields the status aggregator reads.
func (m *Mixer) Status() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]string{
		"push_mixer.count":    strconv.FormatUint(m.counter, 10),
		"push_mixer.ticktime": strconv.FormatInt(m.lastTick.Unix(), 10),
	}
}

func (m *Mixer) loop(done chan struct{}) {
	defer close(done)
	for {
		m.mu.Lock()
		if !m.running {
			m.mu.Unlock()
			return
		}

		// sync.Cond has no timed wait; the timer turns the wait into
		// one of at most workerWait. Spurious wakes are benign, the
		// thresholds are re-checked below.
		t := time.AfterFunc(workerWait, m.cond.Broadcast)
		m.cond.Wait()
		t.Stop()

		if !m.running {
			m.mu.Unlock()
			return
		}

		now := time.Now()
		byCount := m.countThreshold > 0 && m.counter >= m.countThreshold
		byTick := m.tickThreshold > 0 && now.Sub(m.lastTick) > m.tickThreshold
		if !byCount && !byTick {
			m.mu.Unlock()
			continue
		}

		m.counter = 0
		m.lastTick = now
		mixCount := m.mixCount
		m.mu.Unlock()
		telemetry.UpdateCounter.Set(0)

		trigger := "tick_time"
		if byCount {
			trigger = "counter"
		}
		m.logger.Debug("starting mix", zap.String("trigger", trigger))
		if err := m.safeMix(); err == nil {
			m.logger.Debug("mix done", zap.Uint64("nth", mixCount+1))
		}
	}
}

// safeMix keeps adapter programming errors from killing the worker.
func (m *Mixer) safeMix() (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("unexpected error in mix", zap.Any("panic", r))
			err = errPanic
		}
	}()
	return m.mix()
}
