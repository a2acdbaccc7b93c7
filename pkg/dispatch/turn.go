package dispatch

import (
	"zapflow/pkg/config"
	"zapflow/pkg/proto"
	"zapflow/pkg/store"
)

// Turn is the closed set of routing decisions for an inbound job. Every job
// resolves to exactly one variant; there is no third path.
type Turn interface {
	isTurn()
}

// OwnerTurn is a message from an authorized owner of the tenant's account.
type OwnerTurn struct {
	Conv *store.Conversation
	Job  *proto.InboundJob
}

// CustomerTurn is a message from anyone not in the owner registry.
type CustomerTurn struct {
	Conv *store.Conversation
	Job  *proto.InboundJob
}

func (OwnerTurn) isTurn()    {}
func (CustomerTurn) isTurn() {}

// resolveTurn classifies the sender against the tenant's owner registry.
// The lookup is pure: no conversation state is created or mutated here.
func resolveTurn(cfg *config.Config, job *proto.InboundJob, conv *store.Conversation) Turn {
	if cfg.IsOwner(job.TenantID, job.ContactID()) {
		return OwnerTurn{Conv: conv, Job: job}
	}
	return CustomerTurn{Conv: conv, Job: job}
}
