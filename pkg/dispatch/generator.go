package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"zapflow/pkg/store"
)

// ErrUnknownAnswer is returned by a Generator when it cannot produce a
// grounded reply. The dispatcher translates it into an escalation instead of
// sending a guess to the customer.
var ErrUnknownAnswer = errors.New("no grounded answer for message")

// Request carries everything a generator may use to produce a reply.
type Request struct {
	TenantID     string
	Conversation *store.Conversation
	History      []*store.Message
	Content      string
	PushName     string
}

// Generator produces reply text for a turn. Implementations must honor the
// context deadline; the dispatcher enforces its generation timeout through
// it. Reply generation itself is an external capability; the router only
// depends on this interface.
type Generator interface {
	// OwnerReply answers a message from an account owner.
	OwnerReply(ctx context.Context, req Request) (string, error)
	// CustomerReply answers a customer message, or returns ErrUnknownAnswer.
	CustomerReply(ctx context.Context, req Request) (string, error)
}

// KnowledgeGenerator answers customer questions from the tenant's learned
// knowledge base and gives owners a short status digest. It is the fallback
// generator when no external capability is wired.
type KnowledgeGenerator struct {
	store *store.Store
}

func NewKnowledgeGenerator(st *store.Store) *KnowledgeGenerator {
	return &KnowledgeGenerator{store: st}
}

// OwnerReply implements Generator with a pending-work digest.
func (g *KnowledgeGenerator) OwnerReply(ctx context.Context, req Request) (string, error) {
	pending, err := g.store.ListPendingEscalations(ctx, req.TenantID)
	if err != nil {
		return "", fmt.Errorf("owner digest for tenant %s: %w", req.TenantID, err)
	}
	if len(pending) == 0 {
		return "Tudo em dia: nenhuma pendência aguardando resposta.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d pendência(s) aguardando resposta:\n", len(pending))
	for _, rec := range pending {
		if rec.Question != "" {
			fmt.Fprintf(&b, "• [%s] %s\n", rec.ID[:8], rec.Question)
		} else {
			fmt.Fprintf(&b, "• [%s] %s\n", rec.ID[:8], rec.Reason)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// CustomerReply implements Generator by matching the message against learned
// knowledge entries. A served entry has its use counter bumped; no match
// yields ErrUnknownAnswer.
func (g *KnowledgeGenerator) CustomerReply(ctx context.Context, req Request) (string, error) {
	entries, err := g.store.ListKnowledge(ctx, req.TenantID)
	if err != nil {
		return "", fmt.Errorf("knowledge lookup for tenant %s: %w", req.TenantID, err)
	}

	content := normalize(req.Content)
	for _, entry := range entries {
		if matches(content, normalize(entry.Question)) {
			if err := g.store.IncrementKnowledgeUse(ctx, entry.ID); err != nil {
				return "", fmt.Errorf("bump knowledge use %s: %w", entry.ID, err)
			}
			return entry.Answer, nil
		}
	}
	return "", ErrUnknownAnswer
}

// normalize lowercases and collapses whitespace for matching.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// matches reports whether a learned question covers the incoming message:
// either is a substring of the other after normalization.
func matches(incoming, learned string) bool {
	if incoming == "" || learned == "" {
		return false
	}
	return strings.Contains(incoming, learned) || strings.Contains(learned, incoming)
}
