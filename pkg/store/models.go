package store

import (
	"time"

	"github.com/google/uuid"
)

// Conversation status constants.
const (
	ConversationActive    = "active"
	ConversationEscalated = "escalated"
	ConversationClosed    = "closed"
)

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Escalation trigger types.
const (
	TriggerAutomationUnknown = "automation_unknown"
	TriggerLimitReached      = "limit_reached"
)

// Escalation statuses.
const (
	EscalationPending  = "pending"
	EscalationAnswered = "answered"
	EscalationResolved = "resolved"
)

// Knowledge entry sources.
const (
	SourceEscalation = "escalation"
	SourceManual     = "manual"
)

// Conversation is one ongoing exchange between a tenant instance and one
// external contact. Never hard-deleted, only transitioned to closed.
// Invariant: HandoffMode implies !AIEnabled.
type Conversation struct {
	CreatedAt     time.Time `json:"created_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	InstanceID    string    `json:"instance_id"`
	ContactID     string    `json:"contact_id"`
	Status        string    `json:"status"`
	AIEnabled     bool      `json:"ai_enabled"`
	HandoffMode   bool      `json:"handoff_mode"`
}

// Message is one inbound or outbound conversation turn. Immutable once
// written.
type Message struct {
	CreatedAt      time.Time `json:"created_at"`
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Direction      string    `json:"direction"`
	Content        string    `json:"content"`
	TransportMsgID string    `json:"transport_msg_id,omitempty"`
	RemoteAddress  string    `json:"remote_address,omitempty"`
	SentByAI       bool      `json:"sent_by_ai"`
}

// EscalationRecord tracks one episode of automation needing or ceding to
// human input. Never deleted; the table is the audit trail.
type EscalationRecord struct {
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	TriggerType    string     `json:"trigger_type"`
	Status         string     `json:"status"`
	Question       string     `json:"question,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Response       string     `json:"response,omitempty"`
	Learned        bool       `json:"learned"`
}

// KnowledgeEntry is a learned question/answer pair. Written exactly once per
// answered automation_unknown escalation.
type KnowledgeEntry struct {
	CreatedAt    time.Time `json:"created_at"`
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Question     string    `json:"question"`
	Answer       string    `json:"answer"`
	Source       string    `json:"source"`
	EscalationID *string   `json:"escalation_id,omitempty"`
	UseCount     int       `json:"use_count"`
}

// NewID generates a UUID for any store record.
func NewID() string {
	return uuid.New().String()
}

// IsValidConversationStatus checks a conversation status string.
func IsValidConversationStatus(status string) bool {
	switch status {
	case ConversationActive, ConversationEscalated, ConversationClosed:
		return true
	}
	return false
}
