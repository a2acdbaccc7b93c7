// Package resilience keeps transport connections alive. One Manager owns
// the reconnect state for every tenant-instance key: cause classification,
// exponential backoff, attempt budgets, and lifecycle event emission.
package resilience

import (
	"context"
	"sync"
	"time"

	"zapflow/pkg/config"
	"zapflow/pkg/logx"
	"zapflow/pkg/proto"
	"zapflow/pkg/transport"
)

// connectTimeout bounds a single dial attempt.
const connectTimeout = 30 * time.Second

// connState is the process-local reconnect state for one key. Created on
// the first connect attempt, reset on success, removed on terminal cleanup.
type connState struct {
	phase      proto.Phase
	attempts   int
	retryTimer *time.Timer
}

// Manager drives the disconnected → connecting → connected state machine
// per tenant-instance key. Keys are independent; state is mutated under one
// registry lock which is never held across a dial.
type Manager struct {
	cfg    config.ResilienceConfig
	dialer transport.Dialer
	logger *logx.Logger

	mu     sync.Mutex
	states map[proto.InstanceKey]*connState

	events chan proto.LifecycleEvent
}

// NewManager creates a manager with an explicit registry; there is no
// ambient module state.
func NewManager(cfg config.ResilienceConfig, dialer transport.Dialer) *Manager {
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		logger: logx.NewLogger("resilience"),
		states: make(map[proto.InstanceKey]*connState),
		events: make(chan proto.LifecycleEvent, 100),
	}
}

// Events exposes every phase transition for external consumers
// (dashboards, event log). The manager holds no UI concerns.
func (m *Manager) Events() <-chan proto.LifecycleEvent {
	return m.events
}

// Connect starts the connection for key, resetting any prior attempt state.
// Used both for initial connects and forced/manual reconnects, which bypass
// backoff by design.
func (m *Manager) Connect(key proto.InstanceKey) {
	m.mu.Lock()
	st := m.ensureState(key)
	st.attempts = 0
	m.cancelTimer(st)
	st.phase = proto.PhaseConnecting
	m.mu.Unlock()

	// attempt emits the connecting transition once it starts the dial.
	go m.attempt(key)
}

// HandlePairing records a pairing-flow phase (qr-pending while a code is
// displayed, pairing-pending once the scan succeeds) and emits it, so the
// pairing progress of a fresh device is visible on the event stream.
func (m *Manager) HandlePairing(key proto.InstanceKey, phase proto.Phase) {
	m.mu.Lock()
	st := m.ensureState(key)
	st.phase = phase
	m.mu.Unlock()

	m.logger.Info("Pairing %s: %s", key, phase)
	m.emit(proto.LifecycleEvent{Key: key, Phase: phase, Timestamp: time.Now().UTC()})
}

// HandleConnected records a successful connection: attempts reset to zero
// and any pending retry timer is cleared.
func (m *Manager) HandleConnected(key proto.InstanceKey) {
	m.mu.Lock()
	st := m.ensureState(key)
	st.attempts = 0
	m.cancelTimer(st)
	st.phase = proto.PhaseConnected
	m.mu.Unlock()

	m.logger.Info("Connected: %s", key)
	m.emit(proto.LifecycleEvent{Key: key, Phase: proto.PhaseConnected, Timestamp: time.Now().UTC()})
}

// HandleDisconnected classifies the cause and either schedules a backoff
// retry or cleans up immediately for non-retryable causes.
func (m *Manager) HandleDisconnected(key proto.InstanceKey, cause proto.DisconnectCause) {
	if !cause.Retryable() {
		m.logger.Warn("Disconnect %s (%s): not retryable, clearing state", key, cause)
		m.cleanup(key)
		m.emit(proto.LifecycleEvent{
			Key: key, Phase: proto.PhaseDisconnected, Cause: cause, Timestamp: time.Now().UTC(),
		})
		return
	}

	m.mu.Lock()
	st := m.ensureState(key)
	st.attempts++
	n := st.attempts
	if n > m.cfg.MaxAttempts {
		m.cancelTimer(st)
		delete(m.states, key)
		m.mu.Unlock()

		m.logger.Error("Giving up on %s after %d attempts", key, m.cfg.MaxAttempts)
		m.emit(proto.LifecycleEvent{
			Key: key, Phase: proto.PhaseFailed, Cause: cause,
			Attempt: n, MaxAttempts: m.cfg.MaxAttempts, Timestamp: time.Now().UTC(),
		})
		return
	}

	delay := Delay(m.cfg, n)
	st.phase = proto.PhaseReconnecting
	// A new schedule cancels any prior pending timer for the key; at most
	// one retry may be in flight.
	m.cancelTimer(st)
	st.retryTimer = time.AfterFunc(delay, func() { m.attempt(key) })
	m.mu.Unlock()

	m.logger.Info("Disconnect %s (%s): retry %d/%d in %v", key, cause, n, m.cfg.MaxAttempts, delay)
	m.emit(proto.LifecycleEvent{
		Key: key, Phase: proto.PhaseReconnecting, Cause: cause,
		Attempt: n, MaxAttempts: m.cfg.MaxAttempts, NextRetryIn: delay,
		Timestamp: time.Now().UTC(),
	})
}

// Disconnect is an explicit operator disconnect: state is removed and no
// retry is scheduled.
func (m *Manager) Disconnect(key proto.InstanceKey) {
	m.cleanup(key)
	m.dialer.Disconnect(key)
	m.emit(proto.LifecycleEvent{
		Key: key, Phase: proto.PhaseDisconnected, Cause: proto.CauseManual, Timestamp: time.Now().UTC(),
	})
}

// Phase reports the current phase for key; PhaseDisconnected when the key
// is unknown.
func (m *Manager) Phase(key proto.InstanceKey) proto.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[key]; ok {
		return st.phase
	}
	return proto.PhaseDisconnected
}

// Attempts reports the current attempt counter for key.
func (m *Manager) Attempts(key proto.InstanceKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[key]; ok {
		return st.attempts
	}
	return 0
}

// Close cancels every pending retry timer.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, st := range m.states {
		m.cancelTimer(st)
		delete(m.states, key)
	}
}

// attempt performs one dial. The registry lock is not held across the dial.
func (m *Manager) attempt(key proto.InstanceKey) {
	m.mu.Lock()
	st := m.ensureState(key)
	st.phase = proto.PhaseConnecting
	st.retryTimer = nil
	m.mu.Unlock()

	m.emit(proto.LifecycleEvent{Key: key, Phase: proto.PhaseConnecting, Timestamp: time.Now().UTC()})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := m.dialer.Connect(ctx, key); err != nil {
		m.logger.Warn("Connect attempt for %s failed: %v", key, err)
		m.HandleDisconnected(key, proto.CauseNetwork)
		return
	}
	m.HandleConnected(key)
}

// cleanup removes all state for key, cancelling any pending timer.
func (m *Manager) cleanup(key proto.InstanceKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[key]; ok {
		m.cancelTimer(st)
		delete(m.states, key)
	}
}

// ensureState returns the state for key, creating it if missing.
// Caller must hold mu.
func (m *Manager) ensureState(key proto.InstanceKey) *connState {
	st, ok := m.states[key]
	if !ok {
		st = &connState{phase: proto.PhaseDisconnected}
		m.states[key] = st
	}
	return st
}

// cancelTimer stops a pending retry timer. Caller must hold mu.
func (m *Manager) cancelTimer(st *connState) {
	if st.retryTimer != nil {
		st.retryTimer.Stop()
		st.retryTimer = nil
	}
}

// emit publishes a lifecycle event without blocking; a full buffer drops
// the event with a warning rather than stalling the connection path.
func (m *Manager) emit(ev proto.LifecycleEvent) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("Event buffer full, dropping %s event for %s", ev.Phase, ev.Key)
	}
}
