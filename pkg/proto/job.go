// Package proto defines the typed payloads exchanged between the queue, the
// dispatcher, the escalation protocol, and the transport layer.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InboundJob is one inbound WhatsApp event to be processed by the dispatcher.
// It is validated at the queue boundary; a job that fails validation never
// reaches a worker.
type InboundJob struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	InstanceID    string    `json:"instance_id"`
	SenderAddress string    `json:"sender_address"`
	Content       string    `json:"content"`
	MessageID     string    `json:"message_id,omitempty"`
	PushName      string    `json:"push_name,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewInboundJob builds a job with a fresh ID and the given event fields.
func NewInboundJob(tenantID, instanceID, senderAddress, content string) *InboundJob {
	return &InboundJob{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		InstanceID:    instanceID,
		SenderAddress: senderAddress,
		Content:       content,
		Timestamp:     time.Now().UTC(),
	}
}

// Validate checks the fields every job must carry before it is enqueued.
func (j *InboundJob) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("inbound job: missing id")
	}
	if j.TenantID == "" {
		return fmt.Errorf("inbound job %s: missing tenant id", j.ID)
	}
	if j.InstanceID == "" {
		return fmt.Errorf("inbound job %s: missing instance id", j.ID)
	}
	if j.SenderAddress == "" {
		return fmt.Errorf("inbound job %s: missing sender address", j.ID)
	}
	if j.Timestamp.IsZero() {
		return fmt.Errorf("inbound job %s: missing timestamp", j.ID)
	}
	return nil
}

// ContactID derives the canonical contact identifier from the sender address.
// WhatsApp addresses arrive as "<number>[:device]@<server>"; the canonical
// form is the bare number, which is stable across devices and servers.
func (j *InboundJob) ContactID() string {
	return CanonicalContact(j.SenderAddress)
}

// CanonicalContact strips server and device parts from a transport address.
func CanonicalContact(address string) string {
	addr := address
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		addr = addr[:i]
	}
	if i := strings.IndexByte(addr, ':'); i >= 0 {
		addr = addr[:i]
	}
	return strings.TrimSpace(addr)
}

// ToJSON serializes the job for queue storage.
func (j *InboundJob) ToJSON() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("marshal inbound job %s: %w", j.ID, err)
	}
	return data, nil
}

// JobFromJSON deserializes a job from queue storage.
func JobFromJSON(data []byte) (*InboundJob, error) {
	var job InboundJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal inbound job: %w", err)
	}
	return &job, nil
}

// DeadLetter is the terminal record for a job that exhausted its retries.
type DeadLetter struct {
	ID            string    `json:"id"`
	OriginalQueue string    `json:"original_queue"`
	OriginalJobID string    `json:"original_job_id"`
	TenantID      string    `json:"tenant_id"`
	OriginalData  string    `json:"original_data"`
	Error         string    `json:"error"`
	Timestamp     time.Time `json:"timestamp"`
}
