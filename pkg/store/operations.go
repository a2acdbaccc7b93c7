package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// FindOrCreateConversation returns the open conversation for the given
// (tenant, instance, contact), creating it if none exists. Creation is
// idempotent under concurrent callers: the partial unique index on open
// conversations makes the losing insert a no-op, after which both callers
// read the same row.
func (s *Store) FindOrCreateConversation(ctx context.Context, tenantID, instanceID, contactID string) (*Conversation, bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, tenant_id, instance_id, contact_id, status, ai_enabled, handoff_mode, last_message_at, created_at)
		VALUES (?, ?, ?, ?, 'active', 1, 0, ?, ?)
		ON CONFLICT(tenant_id, instance_id, contact_id) WHERE status != 'closed' DO NOTHING
	`, NewID(), tenantID, instanceID, contactID, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("insert conversation for %s/%s/%s: %w", tenantID, instanceID, contactID, err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}

	conv, err := s.scanConversation(s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, instance_id, contact_id, status, ai_enabled, handoff_mode, last_message_at, created_at
		FROM conversations
		WHERE tenant_id = ? AND instance_id = ? AND contact_id = ? AND status != 'closed'
	`, tenantID, instanceID, contactID))
	if err != nil {
		return nil, false, err
	}
	return conv, inserted > 0, nil
}

// GetConversation loads one conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.scanConversation(s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, instance_id, contact_id, status, ai_enabled, handoff_mode, last_message_at, created_at
		FROM conversations WHERE id = ?
	`, id))
}

func (s *Store) scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.TenantID, &c.InstanceID, &c.ContactID, &c.Status,
		&c.AIEnabled, &c.HandoffMode, &c.LastMessageAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return &c, nil
}

// SetConversationFlags updates automation state and status. Callers are
// responsible for keeping the handoff invariant (handoff implies AI off).
func (s *Store) SetConversationFlags(ctx context.Context, id string, aiEnabled, handoffMode bool, status string) error {
	if !IsValidConversationStatus(status) {
		return fmt.Errorf("invalid conversation status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET ai_enabled = ?, handoff_mode = ?, status = ? WHERE id = ?
	`, aiEnabled, handoffMode, status, id)
	if err != nil {
		return fmt.Errorf("update conversation %s flags: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveTurn persists one conversation turn atomically: the inbound message,
// the optional outbound reply, and the conversation timestamp. The timestamp
// update is last-write-wins; cross-job ordering is best-effort.
func (s *Store) SaveTurn(ctx context.Context, inbound, outbound *Message, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin turn transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertMessage(ctx, tx, inbound); err != nil {
		return err
	}
	if outbound != nil {
		if err := insertMessage(ctx, tx, outbound); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_at = ? WHERE id = ?
	`, at.UTC(), inbound.ConversationID); err != nil {
		return fmt.Errorf("touch conversation %s: %w", inbound.ConversationID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	return nil
}

// SaveMessage persists a single message outside a turn (human traffic,
// escalation answers).
func (s *Store) SaveMessage(ctx context.Context, m *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin message transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertMessage(ctx, tx, m); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_at = ? WHERE id = ?
	`, m.CreatedAt.UTC(), m.ConversationID); err != nil {
		return fmt.Errorf("touch conversation %s: %w", m.ConversationID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, m *Message) error {
	if m.ID == "" {
		m.ID = NewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, direction, content, sent_by_ai, transport_msg_id, remote_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ConversationID, m.Direction, m.Content, m.SentByAI, m.TransportMsgID, m.RemoteAddress, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert %s message for conversation %s: %w", m.Direction, m.ConversationID, err)
	}
	return nil
}

// MessagesForConversation returns the most recent messages, oldest first.
func (s *Store) MessagesForConversation(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, direction, content, sent_by_ai,
		       COALESCE(transport_msg_id, ''), COALESCE(remote_address, ''), created_at
		FROM (
			SELECT * FROM messages WHERE conversation_id = ? ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages for %s: %w", conversationID, err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Direction, &m.Content,
			&m.SentByAI, &m.TransportMsgID, &m.RemoteAddress, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// CreateEscalation persists a new escalation record.
func (s *Store) CreateEscalation(ctx context.Context, rec *EscalationRecord) error {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = EscalationPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalations (id, conversation_id, trigger_type, status, question, reason, response, learned, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.ConversationID, rec.TriggerType, rec.Status, rec.Question,
		rec.Reason, rec.Response, rec.Learned, rec.CreatedAt, rec.ResolvedAt)
	if err != nil {
		return fmt.Errorf("insert escalation for conversation %s: %w", rec.ConversationID, err)
	}
	return nil
}

// GetEscalation loads one escalation record by ID.
func (s *Store) GetEscalation(ctx context.Context, id string) (*EscalationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, trigger_type, status,
		       COALESCE(question, ''), COALESCE(reason, ''), COALESCE(response, ''),
		       learned, created_at, resolved_at
		FROM escalations WHERE id = ?
	`, id)
	return scanEscalation(row)
}

func scanEscalation(row *sql.Row) (*EscalationRecord, error) {
	var rec EscalationRecord
	err := row.Scan(&rec.ID, &rec.ConversationID, &rec.TriggerType, &rec.Status,
		&rec.Question, &rec.Reason, &rec.Response, &rec.Learned, &rec.CreatedAt, &rec.ResolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan escalation: %w", err)
	}
	return &rec, nil
}

// ListPendingEscalations returns pending records for a tenant, oldest first.
func (s *Store) ListPendingEscalations(ctx context.Context, tenantID string) ([]*EscalationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.conversation_id, e.trigger_type, e.status,
		       COALESCE(e.question, ''), COALESCE(e.reason, ''), COALESCE(e.response, ''),
		       e.learned, e.created_at, e.resolved_at
		FROM escalations e
		JOIN conversations c ON c.id = e.conversation_id
		WHERE c.tenant_id = ? AND e.status = 'pending'
		ORDER BY e.created_at ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query pending escalations for tenant %s: %w", tenantID, err)
	}
	defer func() { _ = rows.Close() }()

	var records []*EscalationRecord
	for rows.Next() {
		var rec EscalationRecord
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.TriggerType, &rec.Status,
			&rec.Question, &rec.Reason, &rec.Response, &rec.Learned, &rec.CreatedAt, &rec.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escalations: %w", err)
	}
	return records, nil
}

// MarkEscalationAnswered records the human's response.
func (s *Store) MarkEscalationAnswered(ctx context.Context, id, response string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalations SET status = 'answered', response = ? WHERE id = ? AND status = 'pending'
	`, response, id)
	if err != nil {
		return fmt.Errorf("mark escalation %s answered: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveEscalation transitions a record to resolved, optionally flagging
// that a knowledge entry was written from it.
func (s *Store) ResolveEscalation(ctx context.Context, id string, learned bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalations SET status = 'resolved', learned = ?, resolved_at = ? WHERE id = ?
	`, learned, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("resolve escalation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountOpenUnknownEscalations counts unresolved automation_unknown records
// for a conversation. The handoff policy compares this against its
// repeated-failure threshold.
func (s *Store) CountOpenUnknownEscalations(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM escalations
		WHERE conversation_id = ? AND trigger_type = 'automation_unknown' AND status = 'pending'
	`, conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count open escalations for %s: %w", conversationID, err)
	}
	return count, nil
}

// ResolveOpenHandoffs resolves every open limit_reached record for a
// conversation. Used by operator reactivation.
func (s *Store) ResolveOpenHandoffs(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE escalations SET status = 'resolved', resolved_at = ?
		WHERE conversation_id = ? AND trigger_type = 'limit_reached' AND status != 'resolved'
	`, time.Now().UTC(), conversationID)
	if err != nil {
		return fmt.Errorf("resolve open handoffs for %s: %w", conversationID, err)
	}
	return nil
}

// CreateKnowledgeEntry persists a learned question/answer pair. The unique
// index on escalation_id enforces the one-entry-per-episode contract; a
// duplicate write returns an error rather than a second row.
func (s *Store) CreateKnowledgeEntry(ctx context.Context, e *KnowledgeEntry) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO knowledge_entries (id, tenant_id, question, answer, source, escalation_id, use_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.TenantID, e.Question, e.Answer, e.Source, e.EscalationID, e.UseCount, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert knowledge entry for tenant %s: %w", e.TenantID, err)
	}
	return nil
}

// ListKnowledge returns all knowledge entries for a tenant, newest first.
func (s *Store) ListKnowledge(ctx context.Context, tenantID string) ([]*KnowledgeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, question, answer, source, escalation_id, use_count, created_at
		FROM knowledge_entries WHERE tenant_id = ? ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query knowledge for tenant %s: %w", tenantID, err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*KnowledgeEntry
	for rows.Next() {
		var e KnowledgeEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Question, &e.Answer, &e.Source,
			&e.EscalationID, &e.UseCount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan knowledge entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knowledge entries: %w", err)
	}
	return entries, nil
}

// IncrementKnowledgeUse bumps the usage counter after the reply-generation
// capability serves an answer from a learned entry.
func (s *Store) IncrementKnowledgeUse(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE knowledge_entries SET use_count = use_count + 1 WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("increment knowledge use %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListIdleConversations returns open conversations whose last message is
// older than before, for the stale-conversation scoring surface.
func (s *Store) ListIdleConversations(ctx context.Context, tenantID string, before time.Time) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, instance_id, contact_id, status, ai_enabled, handoff_mode, last_message_at, created_at
		FROM conversations
		WHERE tenant_id = ? AND status != 'closed' AND last_message_at < ?
		ORDER BY last_message_at ASC
	`, tenantID, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("query idle conversations for tenant %s: %w", tenantID, err)
	}
	defer func() { _ = rows.Close() }()

	var conversations []*Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.TenantID, &c.InstanceID, &c.ContactID, &c.Status,
			&c.AIEnabled, &c.HandoffMode, &c.LastMessageAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return conversations, nil
}

// LastInboundContent returns the content of the newest inbound message in a
// conversation, or empty when there is none.
func (s *Store) LastInboundContent(ctx context.Context, conversationID string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `
		SELECT content FROM messages
		WHERE conversation_id = ? AND direction = 'inbound'
		ORDER BY created_at DESC LIMIT 1
	`, conversationID).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query last inbound for %s: %w", conversationID, err)
	}
	return content, nil
}
