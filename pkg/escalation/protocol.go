// Package escalation implements the human hand-off protocol: deciding when
// automation must stop, notifying the tenant's human contact, reintegrating
// the human's answer, and learning it back into the knowledge base.
package escalation

import (
	"context"
	"fmt"
	"time"

	"zapflow/pkg/config"
	"zapflow/pkg/logx"
	"zapflow/pkg/metrics"
	"zapflow/pkg/store"
	"zapflow/pkg/transport"
)

// Protocol drives the escalation state machine. One instance serves all
// conversations; per-episode state lives in EscalationRecord rows and the
// derived flags on Conversation.
type Protocol struct {
	store   *store.Store
	sender  transport.Sender
	cfg     *config.Config
	metrics *metrics.Metrics
	logger  *logx.Logger
}

// NewProtocol wires the protocol with its collaborators.
func NewProtocol(st *store.Store, sender transport.Sender, cfg *config.Config, m *metrics.Metrics) *Protocol {
	return &Protocol{
		store:   st,
		sender:  sender,
		cfg:     cfg,
		metrics: m,
		logger:  logx.NewLogger("escalation"),
	}
}

// TriggerUnknown records that automation could not answer question on conv
// and notifies the tenant's human contact. Automation stays enabled for the
// conversation: the learning applies to the knowledge base going forward,
// not as a hard lock.
//
// Record durability takes priority over notification: a failed notice is
// logged, never retried, since re-sending without deduplication risks
// duplicate alerts to a human.
func (p *Protocol) TriggerUnknown(ctx context.Context, conv *store.Conversation, question string) (*store.EscalationRecord, error) {
	rec := &store.EscalationRecord{
		ConversationID: conv.ID,
		TriggerType:    store.TriggerAutomationUnknown,
		Status:         store.EscalationPending,
		Question:       question,
	}
	if err := p.store.CreateEscalation(ctx, rec); err != nil {
		return nil, fmt.Errorf("record unknown-question escalation: %w", err)
	}
	p.metrics.EscalationsOpened.WithLabelValues(conv.TenantID, store.TriggerAutomationUnknown).Inc()

	notice := fmt.Sprintf("🤖 Não sei responder [%s]:\n%q\nResponda esta mensagem para me ensinar.", shortRef(rec.ID), question)
	p.notifyHuman(ctx, conv, notice)
	return rec, nil
}

// TriggerHandoff stops automation entirely for conv: the conversation is
// flagged for handoff mode and the human is notified with the reason. Every
// later inbound customer message is forwarded verbatim until reactivation.
func (p *Protocol) TriggerHandoff(ctx context.Context, conv *store.Conversation, reason string) (*store.EscalationRecord, error) {
	rec := &store.EscalationRecord{
		ConversationID: conv.ID,
		TriggerType:    store.TriggerLimitReached,
		Status:         store.EscalationPending,
		Reason:         reason,
	}
	if err := p.store.CreateEscalation(ctx, rec); err != nil {
		return nil, fmt.Errorf("record handoff escalation: %w", err)
	}

	// Order matters for the handoff invariant: AI is switched off in the
	// same write that raises handoff mode.
	if err := p.store.SetConversationFlags(ctx, conv.ID, false, true, store.ConversationEscalated); err != nil {
		return nil, fmt.Errorf("enter handoff mode for conversation %s: %w", conv.ID, err)
	}
	conv.AIEnabled = false
	conv.HandoffMode = true
	conv.Status = store.ConversationEscalated

	p.metrics.EscalationsOpened.WithLabelValues(conv.TenantID, store.TriggerLimitReached).Inc()
	p.logger.Warn("Conversation %s handed off to human: %s", conv.ID, reason)

	notice := fmt.Sprintf("⚠️ Assumindo atendimento de %s [%s]: %s", conv.ContactID, shortRef(rec.ID), reason)
	p.notifyHuman(ctx, conv, notice)
	return rec, nil
}

// ShouldHandoff reports whether conv accumulated enough unresolved
// automation failures to trip the repeated-failure threshold.
func (p *Protocol) ShouldHandoff(ctx context.Context, conv *store.Conversation) (bool, error) {
	count, err := p.store.CountOpenUnknownEscalations(ctx, conv.ID)
	if err != nil {
		return false, err
	}
	return count >= p.cfg.Dispatcher.HandoffThreshold, nil
}

// ForwardToHuman relays an inbound customer message verbatim to the human
// while the conversation is in handoff mode.
func (p *Protocol) ForwardToHuman(ctx context.Context, conv *store.Conversation, content string) {
	notice := fmt.Sprintf("💬 %s: %s", conv.ContactID, content)
	p.notifyHuman(ctx, conv, notice)
}

// Answer resolves a pending escalation with the human's response text.
//
// For automation_unknown: the response is sent to the original customer,
// exactly one KnowledgeEntry referencing the record is written, and the
// record transitions answered → resolved.
//
// For limit_reached: the human's message is the conversation traffic; it is
// delivered and persisted with no further state transition.
func (p *Protocol) Answer(ctx context.Context, recordID, answerText string) error {
	rec, err := p.store.GetEscalation(ctx, recordID)
	if err != nil {
		return fmt.Errorf("load escalation %s: %w", recordID, err)
	}
	if rec.Status != store.EscalationPending {
		return fmt.Errorf("escalation %s is %s, not pending", recordID, rec.Status)
	}

	conv, err := p.store.GetConversation(ctx, rec.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", rec.ConversationID, err)
	}

	if err := p.store.MarkEscalationAnswered(ctx, recordID, answerText); err != nil {
		return fmt.Errorf("mark escalation %s answered: %w", recordID, err)
	}

	if _, err := p.sender.SendText(ctx, conv.InstanceID, conv.ContactID, answerText, conv.TenantID); err != nil {
		return fmt.Errorf("deliver answer for escalation %s: %w", recordID, err)
	}
	if err := p.store.SaveMessage(ctx, &store.Message{
		ConversationID: conv.ID,
		Direction:      store.DirectionOutbound,
		Content:        answerText,
		SentByAI:       false,
		RemoteAddress:  conv.ContactID,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("persist answer for escalation %s: %w", recordID, err)
	}

	switch rec.TriggerType {
	case store.TriggerAutomationUnknown:
		entry := &store.KnowledgeEntry{
			TenantID:     conv.TenantID,
			Question:     rec.Question,
			Answer:       answerText,
			Source:       store.SourceEscalation,
			EscalationID: &rec.ID,
		}
		if err := p.store.CreateKnowledgeEntry(ctx, entry); err != nil {
			return fmt.Errorf("learn answer for escalation %s: %w", recordID, err)
		}
		p.metrics.KnowledgeLearned.WithLabelValues(conv.TenantID).Inc()

		if err := p.store.ResolveEscalation(ctx, recordID, true); err != nil {
			return fmt.Errorf("resolve escalation %s: %w", recordID, err)
		}
		p.metrics.EscalationsResolved.WithLabelValues(conv.TenantID).Inc()
		p.logger.Info("Escalation %s resolved, learned %q", shortRef(recordID), rec.Question)

	case store.TriggerLimitReached:
		// Bookkeeping only; the conversation stays in handoff mode until an
		// operator reactivates it.
		p.logger.Info("Human replied on handed-off conversation %s", conv.ID)
	}
	return nil
}

// Reactivate re-enables automation for a conversation after a handoff:
// flags restored, status back to active, open limit_reached records
// resolved.
func (p *Protocol) Reactivate(ctx context.Context, conversationID string) error {
	conv, err := p.store.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}

	if err := p.store.SetConversationFlags(ctx, conv.ID, true, false, store.ConversationActive); err != nil {
		return fmt.Errorf("reactivate conversation %s: %w", conversationID, err)
	}
	if err := p.store.ResolveOpenHandoffs(ctx, conv.ID); err != nil {
		return err
	}
	p.metrics.EscalationsResolved.WithLabelValues(conv.TenantID).Inc()
	p.logger.Info("Conversation %s reactivated", conversationID)
	return nil
}

// notifyHuman delivers a notice to the tenant's escalation contact. Failures
// are logged and surfaced through metrics, never retried.
func (p *Protocol) notifyHuman(ctx context.Context, conv *store.Conversation, text string) {
	contact := p.cfg.EscalationContact(conv.TenantID)
	if contact == "" {
		p.logger.Error("Tenant %s has no escalation contact configured", conv.TenantID)
		return
	}
	if _, err := p.sender.SendText(ctx, conv.InstanceID, contact, text, conv.TenantID); err != nil {
		p.logger.Error("Escalation notice for conversation %s failed: %v", conv.ID, err)
	}
}

// shortRef returns the first 8 characters of an ID for human-facing notices.
func shortRef(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
