// Package transport defines the boundary to the WhatsApp transport: sending
// text, dialing connections, and the fake used across tests. The concrete
// client lives in the meow subpackage.
package transport

import (
	"context"

	"zapflow/pkg/proto"
)

// SendResult reports a completed send.
type SendResult struct {
	MessageID string
}

// Sender delivers a text message through a tenant's transport instance.
// Human-notification delivery uses the same capability, addressed to the
// tenant's configured escalation contact.
type Sender interface {
	SendText(ctx context.Context, instanceID, toAddress, text, tenantID string) (SendResult, error)
}

// Dialer establishes (or re-establishes) the connection for one
// tenant-instance key. Used by the resilience manager's retry loop.
type Dialer interface {
	Connect(ctx context.Context, key proto.InstanceKey) error
	Disconnect(key proto.InstanceKey)
}
