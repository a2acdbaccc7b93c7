package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zapflow/pkg/config"
	"zapflow/pkg/escalation"
	"zapflow/pkg/limiter"
	"zapflow/pkg/metrics"
	"zapflow/pkg/proto"
	"zapflow/pkg/queue"
	"zapflow/pkg/store"
	"zapflow/pkg/transport"
)

const (
	ownerContact    = "5511888880000"
	humanContact    = "5511777770000@s.whatsapp.net"
	customerContact = "5511999990000@s.whatsapp.net"
)

// fakeGen is a scripted generator for routing tests.
type fakeGen struct {
	ownerReply    string
	customerReply string
	customerErr   error
	customerCalls atomic.Int64
}

func (g *fakeGen) OwnerReply(context.Context, Request) (string, error) {
	return g.ownerReply, nil
}

func (g *fakeGen) CustomerReply(context.Context, Request) (string, error) {
	g.customerCalls.Add(1)
	if g.customerErr != nil {
		return "", g.customerErr
	}
	return g.customerReply, nil
}

func (g *fakeGen) customerCallCount() int {
	return int(g.customerCalls.Load())
}

type harness struct {
	dispatcher *Dispatcher
	store      *store.Store
	queue      *queue.Queue
	sender     *transport.FakeSender
	gen        Generator
}

func newHarness(t *testing.T, gen Generator) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.Tenants = []config.TenantConfig{{
		ID:                "petshop",
		Instances:         []string{"main"},
		OwnerContacts:     []string{ownerContact},
		EscalationContact: humanContact,
	}}

	q := queue.New(st, "inbound", cfg.Dispatcher.RetryAttempts)
	sender := transport.NewFakeSender()
	m := metrics.New()
	protocol := escalation.NewProtocol(st, sender, cfg, m)

	if gen == nil {
		gen = NewKnowledgeGenerator(st)
	}
	d := New(Deps{
		Queue:    q,
		Store:    st,
		Gen:      gen,
		Sender:   sender,
		Protocol: protocol,
		Limiter:  limiter.New(cfg.Dispatcher.RatePerSecond),
		Metrics:  m,
		Config:   cfg,
	})
	return &harness{dispatcher: d, store: st, queue: q, sender: sender, gen: gen}
}

func customerJob(content string) *proto.InboundJob {
	return proto.NewInboundJob("petshop", "main", customerContact, content)
}

func TestOwnerTurnGetsDirectReply(t *testing.T) {
	gen := &fakeGen{ownerReply: "Tudo em dia."}
	h := newHarness(t, gen)
	ctx := context.Background()

	job := proto.NewInboundJob("petshop", "main", ownerContact+":3@s.whatsapp.net", "status?")
	require.NoError(t, h.dispatcher.process(ctx, job))

	sends := h.sender.Sends()
	require.Len(t, sends, 1)
	assert.Equal(t, "Tudo em dia.", sends[0].Text)

	conv, _, err := h.store.FindOrCreateConversation(ctx, "petshop", "main", ownerContact)
	require.NoError(t, err)
	msgs, err := h.store.MessagesForConversation(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.DirectionInbound, msgs[0].Direction)
	assert.True(t, msgs[1].SentByAI)
	assert.Equal(t, 0, gen.customerCallCount(), "owner traffic never hits the customer path")
}

func TestCustomerTurnAnswered(t *testing.T) {
	h := newHarness(t, &fakeGen{customerReply: "Abrimos às 9h."})
	ctx := context.Background()

	require.NoError(t, h.dispatcher.process(ctx, customerJob("que horas abre?")))

	sends := h.sender.SendsTo(customerContact)
	require.Len(t, sends, 1)
	assert.Equal(t, "Abrimos às 9h.", sends[0].Text)

	conv, _, err := h.store.FindOrCreateConversation(ctx, "petshop", "main", "5511999990000")
	require.NoError(t, err)
	msgs, err := h.store.MessagesForConversation(ctx, conv.ID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestCustomerUnknownOpensEscalation(t *testing.T) {
	h := newHarness(t, &fakeGen{customerErr: ErrUnknownAnswer})
	ctx := context.Background()

	require.NoError(t, h.dispatcher.process(ctx, customerJob("Qual o preço do banho de gato grande?")))

	// No reply to the customer; the human gets the notice.
	assert.Empty(t, h.sender.SendsTo(customerContact))
	require.Len(t, h.sender.SendsTo(humanContact), 1)

	conv, _, err := h.store.FindOrCreateConversation(ctx, "petshop", "main", "5511999990000")
	require.NoError(t, err)

	// The inbound message is still persisted.
	msgs, err := h.store.MessagesForConversation(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	pending, err := h.store.ListPendingEscalations(ctx, "petshop")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Qual o preço do banho de gato grande?", pending[0].Question)

	// Automation stays on below the handoff threshold.
	got, err := h.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.AIEnabled)
}

func TestRepeatedUnknownsHandOff(t *testing.T) {
	gen := &fakeGen{customerErr: ErrUnknownAnswer}
	h := newHarness(t, gen)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, h.dispatcher.process(ctx, customerJob("pergunta difícil")))
	}

	conv, _, err := h.store.FindOrCreateConversation(ctx, "petshop", "main", "5511999990000")
	require.NoError(t, err)
	assert.False(t, conv.AIEnabled)
	assert.True(t, conv.HandoffMode)
	assert.Equal(t, store.ConversationEscalated, conv.Status)

	// Subsequent traffic is forwarded, not generated.
	callsBefore := gen.customerCallCount()
	noticesBefore := len(h.sender.SendsTo(humanContact))
	require.NoError(t, h.dispatcher.process(ctx, customerJob("alguém aí?")))

	assert.Equal(t, callsBefore, gen.customerCallCount())
	assert.Len(t, h.sender.SendsTo(humanContact), noticesBefore+1)
	assert.Empty(t, h.sender.SendsTo(customerContact))

	// Reactivation puts automation back in charge of the conversation.
	require.NoError(t, h.dispatcher.protocol.Reactivate(ctx, conv.ID))
	gen.customerErr = nil
	gen.customerReply = "Posso ajudar!"

	require.NoError(t, h.dispatcher.process(ctx, customerJob("e agora?")))

	sends := h.sender.SendsTo(customerContact)
	require.Len(t, sends, 1)
	assert.Equal(t, "Posso ajudar!", sends[0].Text)

	got, err := h.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.True(t, got.AIEnabled)
	assert.False(t, got.HandoffMode)
	assert.Equal(t, store.ConversationActive, got.Status)

	msgs, err := h.store.MessagesForConversation(ctx, conv.ID, 20)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	reply := msgs[len(msgs)-1]
	assert.Equal(t, store.DirectionOutbound, reply.Direction)
	assert.True(t, reply.SentByAI)
}

func TestGenerationFailureIsRetryable(t *testing.T) {
	h := newHarness(t, &fakeGen{customerErr: errors.New("capability timeout")})

	err := h.dispatcher.process(context.Background(), customerJob("oi"))
	require.Error(t, err)
	assert.False(t, proto.IsFatal(err))
}

func TestSendFailureIsRetryable(t *testing.T) {
	h := newHarness(t, &fakeGen{customerReply: "olá"})
	h.sender.FailNext(1)

	err := h.dispatcher.process(context.Background(), customerJob("oi"))
	require.Error(t, err)
	assert.False(t, proto.IsFatal(err))

	// Nothing was persisted for the failed turn; redelivery starts clean.
	conv, _, err2 := h.store.FindOrCreateConversation(context.Background(), "petshop", "main", "5511999990000")
	require.NoError(t, err2)
	msgs, err2 := h.store.MessagesForConversation(context.Background(), conv.ID, 10)
	require.NoError(t, err2)
	assert.Empty(t, msgs)
}

func TestUnknownLearnedRoundTrip(t *testing.T) {
	// End to end with the knowledge generator: an unknown question is
	// escalated, the human answers, and the same question is then served
	// from the learned entry without another escalation.
	h := newHarness(t, nil)
	ctx := context.Background()

	question := "Qual o preço do banho de gato grande?"
	require.NoError(t, h.dispatcher.process(ctx, customerJob(question)))

	pending, err := h.store.ListPendingEscalations(ctx, "petshop")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	protocol := escalation.NewProtocol(h.store, h.sender, h.dispatcher.cfg, metrics.New())
	require.NoError(t, protocol.Answer(ctx, pending[0].ID, "R$90"))

	require.Len(t, h.sender.SendsTo(customerContact), 0)
	require.Len(t, h.sender.SendsTo("5511999990000"), 1, "answer goes to the canonical contact")

	require.NoError(t, h.dispatcher.process(ctx, customerJob(question)))

	sends := h.sender.SendsTo(customerContact)
	require.Len(t, sends, 1)
	assert.Equal(t, "R$90", sends[0].Text)

	pending, err = h.store.ListPendingEscalations(ctx, "petshop")
	require.NoError(t, err)
	assert.Empty(t, pending, "no second escalation for a learned question")

	entries, err := h.store.ListKnowledge(ctx, "petshop")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].UseCount)
}

func TestKnowledgeGeneratorOwnerDigest(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	gen := NewKnowledgeGenerator(h.store)
	reply, err := gen.OwnerReply(ctx, Request{TenantID: "petshop"})
	require.NoError(t, err)
	assert.Contains(t, reply, "nenhuma pendência")

	conv, _, err := h.store.FindOrCreateConversation(ctx, "petshop", "main", "c1")
	require.NoError(t, err)
	require.NoError(t, h.store.CreateEscalation(ctx, &store.EscalationRecord{
		ConversationID: conv.ID,
		TriggerType:    store.TriggerAutomationUnknown,
		Question:       "Fazem tosa na tesoura?",
	}))

	reply, err = gen.OwnerReply(ctx, Request{TenantID: "petshop"})
	require.NoError(t, err)
	assert.Contains(t, reply, "Fazem tosa na tesoura?")
}

func TestResolveTurnClosedSet(t *testing.T) {
	cfg := config.Default()
	cfg.Tenants = []config.TenantConfig{{
		ID:                "petshop",
		OwnerContacts:     []string{ownerContact},
		EscalationContact: humanContact,
	}}
	conv := &store.Conversation{ID: "c1"}

	owner := proto.NewInboundJob("petshop", "main", ownerContact+"@s.whatsapp.net", "oi")
	_, isOwner := resolveTurn(cfg, owner, conv).(OwnerTurn)
	assert.True(t, isOwner)

	customer := proto.NewInboundJob("petshop", "main", customerContact, "oi")
	_, isCustomer := resolveTurn(cfg, customer, conv).(CustomerTurn)
	assert.True(t, isCustomer)
}
