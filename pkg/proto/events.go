package proto

import (
	"fmt"
	"time"
)

// InstanceKey identifies one tenant's transport connection.
type InstanceKey struct {
	TenantID   string `json:"tenant_id"`
	InstanceID string `json:"instance_id"`
}

func (k InstanceKey) String() string {
	return fmt.Sprintf("%s/%s", k.TenantID, k.InstanceID)
}

// Phase is the lifecycle phase of a transport connection.
type Phase string

const (
	PhaseDisconnected   Phase = "disconnected"
	PhaseConnecting     Phase = "connecting"
	PhaseConnected      Phase = "connected"
	PhaseReconnecting   Phase = "reconnecting"
	PhaseQRPending      Phase = "qr-pending"
	PhasePairingPending Phase = "pairing-pending"
	PhaseFailed         Phase = "failed"
)

// DisconnectCause classifies why a transport connection dropped. The class
// decides whether the resilience manager schedules a reconnect.
type DisconnectCause string

const (
	CauseNetwork         DisconnectCause = "network"
	CauseStreamError     DisconnectCause = "stream_error"
	CauseLoggedOut       DisconnectCause = "logged_out"
	CauseSessionReplaced DisconnectCause = "session_replaced"
	CauseManual          DisconnectCause = "manual"
)

// Retryable reports whether a reconnect should be attempted for this cause.
// Logged-out and replaced sessions need re-authentication; a manual
// disconnect is an operator decision.
func (c DisconnectCause) Retryable() bool {
	switch c {
	case CauseLoggedOut, CauseSessionReplaced, CauseManual:
		return false
	default:
		return true
	}
}

// LifecycleEvent is emitted on every transport phase transition for external
// consumption (dashboards, event log). The manager itself holds no UI
// concerns.
type LifecycleEvent struct {
	Key         InstanceKey     `json:"key"`
	Phase       Phase           `json:"phase"`
	Cause       DisconnectCause `json:"cause,omitempty"`
	Attempt     int             `json:"attempt,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	NextRetryIn time.Duration   `json:"next_retry_in,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}
