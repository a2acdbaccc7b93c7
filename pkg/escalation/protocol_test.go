package escalation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapflow/pkg/config"
	"zapflow/pkg/metrics"
	"zapflow/pkg/store"
	"zapflow/pkg/transport"
)

const (
	humanContact    = "5511888880000@s.whatsapp.net"
	customerContact = "5511999990000"
)

func newTestProtocol(t *testing.T) (*Protocol, *store.Store, *transport.FakeSender) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "escalation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.Tenants = []config.TenantConfig{{
		ID:                "petshop",
		Instances:         []string{"main"},
		EscalationContact: humanContact,
	}}

	sender := transport.NewFakeSender()
	return NewProtocol(st, sender, cfg, metrics.New()), st, sender
}

func openConversation(t *testing.T, st *store.Store) *store.Conversation {
	t.Helper()
	conv, _, err := st.FindOrCreateConversation(context.Background(), "petshop", "main", customerContact)
	require.NoError(t, err)
	return conv
}

func TestTriggerUnknownNotifiesHuman(t *testing.T) {
	p, st, sender := newTestProtocol(t)
	conv := openConversation(t, st)
	ctx := context.Background()

	rec, err := p.TriggerUnknown(ctx, conv, "Qual o preço do banho de gato grande?")
	require.NoError(t, err)
	assert.Equal(t, store.EscalationPending, rec.Status)
	assert.Equal(t, store.TriggerAutomationUnknown, rec.TriggerType)

	notices := sender.SendsTo(humanContact)
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0].Text, "Qual o preço do banho de gato grande?")

	// Automation stays enabled for the conversation.
	got, err := st.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.AIEnabled)
	assert.False(t, got.HandoffMode)
}

func TestTriggerUnknownSurvivesNotifyFailure(t *testing.T) {
	p, st, sender := newTestProtocol(t)
	conv := openConversation(t, st)
	sender.FailTo(humanContact, errors.New("transport down"))

	rec, err := p.TriggerUnknown(context.Background(), conv, "?")
	require.NoError(t, err, "record durability beats notification delivery")

	got, err := st.GetEscalation(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EscalationPending, got.Status)
}

func TestAnswerUnknownLearnsAndResolves(t *testing.T) {
	p, st, sender := newTestProtocol(t)
	conv := openConversation(t, st)
	ctx := context.Background()

	rec, err := p.TriggerUnknown(ctx, conv, "Qual o preço do banho de gato grande?")
	require.NoError(t, err)

	require.NoError(t, p.Answer(ctx, rec.ID, "R$90"))

	// The customer receives the human's answer.
	toCustomer := sender.SendsTo(customerContact)
	require.Len(t, toCustomer, 1)
	assert.Equal(t, "R$90", toCustomer[0].Text)

	// Exactly one knowledge entry references the episode.
	entries, err := st.ListKnowledge(ctx, "petshop")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Qual o preço do banho de gato grande?", entries[0].Question)
	assert.Equal(t, "R$90", entries[0].Answer)
	assert.Equal(t, store.SourceEscalation, entries[0].Source)
	require.NotNil(t, entries[0].EscalationID)
	assert.Equal(t, rec.ID, *entries[0].EscalationID)

	got, err := st.GetEscalation(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EscalationResolved, got.Status)
	assert.True(t, got.Learned)

	// A second answer on the resolved record is rejected.
	assert.Error(t, p.Answer(ctx, rec.ID, "R$95"))
}

func TestTriggerHandoffDisablesAutomation(t *testing.T) {
	p, st, sender := newTestProtocol(t)
	conv := openConversation(t, st)
	ctx := context.Background()

	rec, err := p.TriggerHandoff(ctx, conv, "3 perguntas sem resposta automática")
	require.NoError(t, err)
	assert.Equal(t, store.TriggerLimitReached, rec.TriggerType)

	got, err := st.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.False(t, got.AIEnabled)
	assert.True(t, got.HandoffMode)
	assert.Equal(t, store.ConversationEscalated, got.Status)

	require.Len(t, sender.SendsTo(humanContact), 1)
}

func TestAnswerHandoffDeliversWithoutLearning(t *testing.T) {
	p, st, sender := newTestProtocol(t)
	conv := openConversation(t, st)
	ctx := context.Background()

	rec, err := p.TriggerHandoff(ctx, conv, "limit")
	require.NoError(t, err)

	require.NoError(t, p.Answer(ctx, rec.ID, "Já estou cuidando disso!"))

	toCustomer := sender.SendsTo(customerContact)
	require.Len(t, toCustomer, 1)

	entries, err := st.ListKnowledge(ctx, "petshop")
	require.NoError(t, err)
	assert.Empty(t, entries, "handoff answers are not learned")

	// The conversation stays handed off until an operator reactivates it.
	got, err := st.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.HandoffMode)
}

func TestReactivateRestoresAutomation(t *testing.T) {
	p, st, _ := newTestProtocol(t)
	conv := openConversation(t, st)
	ctx := context.Background()

	rec, err := p.TriggerHandoff(ctx, conv, "limit")
	require.NoError(t, err)

	require.NoError(t, p.Reactivate(ctx, conv.ID))

	got, err := st.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.AIEnabled)
	assert.False(t, got.HandoffMode)
	assert.Equal(t, store.ConversationActive, got.Status)

	resolved, err := st.GetEscalation(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EscalationResolved, resolved.Status)
}

func TestShouldHandoffThreshold(t *testing.T) {
	p, st, _ := newTestProtocol(t)
	conv := openConversation(t, st)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := p.TriggerUnknown(ctx, conv, "?")
		require.NoError(t, err)

		handoff, err := p.ShouldHandoff(ctx, conv)
		require.NoError(t, err)
		assert.False(t, handoff, "below threshold after %d failures", i+1)
	}

	_, err := p.TriggerUnknown(ctx, conv, "?")
	require.NoError(t, err)

	handoff, err := p.ShouldHandoff(ctx, conv)
	require.NoError(t, err)
	assert.True(t, handoff, "threshold of 3 trips on the third failure")
}

func TestForwardToHuman(t *testing.T) {
	p, st, sender := newTestProtocol(t)
	conv := openConversation(t, st)

	p.ForwardToHuman(context.Background(), conv, "cadê meu pedido?")

	notices := sender.SendsTo(humanContact)
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0].Text, "cadê meu pedido?")
	assert.Contains(t, notices[0].Text, customerContact)
}
