package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapflow/pkg/config"
	"zapflow/pkg/proto"
	"zapflow/pkg/transport"
)

func fastBackoff(maxAttempts int) config.ResilienceConfig {
	return config.ResilienceConfig{
		BaseDelay:   config.Duration(time.Millisecond),
		Multiplier:  1.5,
		MaxDelay:    config.Duration(5 * time.Millisecond),
		MaxAttempts: maxAttempts,
	}
}

func testKey() proto.InstanceKey {
	return proto.InstanceKey{TenantID: "t1", InstanceID: "i1"}
}

func TestConnectSuccess(t *testing.T) {
	dialer := transport.NewFakeDialer()
	m := NewManager(fastBackoff(3), dialer)
	defer m.Close()

	m.Connect(testKey())

	require.Eventually(t, func() bool {
		return m.Phase(testKey()) == proto.PhaseConnected
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.Attempts(testKey()))
	assert.Equal(t, 1, dialer.Attempts(testKey()))
}

func TestRetryUntilSuccessResetsCounter(t *testing.T) {
	dialer := transport.NewFakeDialer()
	dialer.Errs[testKey()] = []error{
		errors.New("dial failed"),
		errors.New("dial failed"),
	}
	m := NewManager(fastBackoff(10), dialer)
	defer m.Close()

	m.Connect(testKey())

	// Two scripted failures, then success on the third dial.
	require.Eventually(t, func() bool {
		return m.Phase(testKey()) == proto.PhaseConnected
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, dialer.Attempts(testKey()))
	assert.Equal(t, 0, m.Attempts(testKey()), "counter resets on successful connect")
}

func TestExhaustedAttemptsAreTerminal(t *testing.T) {
	dialer := transport.NewFakeDialer()
	var always []error
	for i := 0; i < 20; i++ {
		always = append(always, errors.New("dial failed"))
	}
	dialer.Errs[testKey()] = always

	m := NewManager(fastBackoff(3), dialer)
	defer m.Close()

	m.Connect(testKey())

	var failed proto.LifecycleEvent
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-m.Events():
				if ev.Phase == proto.PhaseFailed {
					failed = ev
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 4, failed.Attempt, "terminal failure reports attempt max+1")
	assert.Equal(t, 3, failed.MaxAttempts)
	assert.Equal(t, proto.PhaseDisconnected, m.Phase(testKey()), "terminal cleanup removes state")
	assert.Equal(t, 0, m.Attempts(testKey()))
}

func TestNonRetryableCauseClearsState(t *testing.T) {
	dialer := transport.NewFakeDialer()
	m := NewManager(fastBackoff(10), dialer)
	defer m.Close()

	m.Connect(testKey())
	require.Eventually(t, func() bool {
		return m.Phase(testKey()) == proto.PhaseConnected
	}, time.Second, 5*time.Millisecond)

	m.HandleDisconnected(testKey(), proto.CauseLoggedOut)

	assert.Equal(t, proto.PhaseDisconnected, m.Phase(testKey()))
	assert.Equal(t, 0, m.Attempts(testKey()))

	// No retry is ever scheduled for a logged-out session.
	dials := dialer.Attempts(testKey())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, dials, dialer.Attempts(testKey()))
}

func TestSessionReplacedClearsState(t *testing.T) {
	dialer := transport.NewFakeDialer()
	m := NewManager(fastBackoff(10), dialer)
	defer m.Close()

	m.HandleDisconnected(testKey(), proto.CauseSessionReplaced)
	assert.Equal(t, proto.PhaseDisconnected, m.Phase(testKey()))
}

func TestManualConnectResetsAttempts(t *testing.T) {
	dialer := transport.NewFakeDialer()
	// A long base delay keeps the scheduled retries from firing during the
	// test; only the manual Connect dials.
	cfg := fastBackoff(10)
	cfg.BaseDelay = config.Duration(time.Minute)
	cfg.MaxDelay = config.Duration(time.Minute)
	m := NewManager(cfg, dialer)
	defer m.Close()

	m.HandleDisconnected(testKey(), proto.CauseNetwork)
	m.HandleDisconnected(testKey(), proto.CauseNetwork)
	assert.Equal(t, 2, m.Attempts(testKey()))

	m.Connect(testKey())
	require.Eventually(t, func() bool {
		return m.Phase(testKey()) == proto.PhaseConnected
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.Attempts(testKey()))
}

func TestReconnectingEventCarriesSchedule(t *testing.T) {
	dialer := transport.NewFakeDialer()
	m := NewManager(fastBackoff(10), dialer)
	defer m.Close()

	m.HandleDisconnected(testKey(), proto.CauseNetwork)

	var ev proto.LifecycleEvent
	require.Eventually(t, func() bool {
		select {
		case ev = <-m.Events():
			return ev.Phase == proto.PhaseReconnecting
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	assert.Equal(t, 1, ev.Attempt)
	assert.Equal(t, 10, ev.MaxAttempts)
	assert.Equal(t, proto.CauseNetwork, ev.Cause)
	assert.Equal(t, time.Millisecond, ev.NextRetryIn)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestPairingPhasesAreObservable(t *testing.T) {
	dialer := transport.NewFakeDialer()
	m := NewManager(fastBackoff(10), dialer)
	defer m.Close()

	m.HandlePairing(testKey(), proto.PhaseQRPending)
	assert.Equal(t, proto.PhaseQRPending, m.Phase(testKey()))

	ev := <-m.Events()
	assert.Equal(t, proto.PhaseQRPending, ev.Phase)
	assert.Equal(t, testKey(), ev.Key)
	assert.False(t, ev.Timestamp.IsZero())

	m.HandlePairing(testKey(), proto.PhasePairingPending)
	assert.Equal(t, proto.PhasePairingPending, m.Phase(testKey()))
	ev = <-m.Events()
	assert.Equal(t, proto.PhasePairingPending, ev.Phase)

	m.HandleConnected(testKey())
	assert.Equal(t, proto.PhaseConnected, m.Phase(testKey()))
}

func TestRetryEmitsConnectingTransition(t *testing.T) {
	dialer := transport.NewFakeDialer()
	dialer.Errs[testKey()] = []error{errors.New("dial failed")}
	m := NewManager(fastBackoff(10), dialer)
	defer m.Close()

	m.Connect(testKey())

	var phases []proto.Phase
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-m.Events():
				phases = append(phases, ev.Phase)
			default:
				return len(phases) > 0 && phases[len(phases)-1] == proto.PhaseConnected
			}
		}
	}, time.Second, 5*time.Millisecond)

	// Every dial announces itself, so the retry shows connecting again
	// between reconnecting and connected.
	assert.Equal(t, []proto.Phase{
		proto.PhaseConnecting,
		proto.PhaseReconnecting,
		proto.PhaseConnecting,
		proto.PhaseConnected,
	}, phases)
}

func TestKeysAreIndependent(t *testing.T) {
	other := proto.InstanceKey{TenantID: "t2", InstanceID: "i9"}
	dialer := transport.NewFakeDialer()
	cfg := fastBackoff(10)
	cfg.BaseDelay = config.Duration(time.Minute)
	cfg.MaxDelay = config.Duration(time.Minute)
	m := NewManager(cfg, dialer)
	defer m.Close()

	m.HandleDisconnected(testKey(), proto.CauseNetwork)
	assert.Equal(t, 1, m.Attempts(testKey()))
	assert.Equal(t, 0, m.Attempts(other))
	assert.Equal(t, proto.PhaseDisconnected, m.Phase(other))
}
