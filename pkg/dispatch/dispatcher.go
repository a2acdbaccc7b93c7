// Package dispatch pulls inbound jobs off the durable queue and routes them:
// owner messages get a direct reply, customer messages go through the
// automated reply path with escalation on unknowns, and handed-off
// conversations are forwarded to the human untouched.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"zapflow/pkg/config"
	"zapflow/pkg/escalation"
	"zapflow/pkg/eventlog"
	"zapflow/pkg/limiter"
	"zapflow/pkg/logx"
	"zapflow/pkg/metrics"
	"zapflow/pkg/proto"
	"zapflow/pkg/queue"
	"zapflow/pkg/scoring"
	"zapflow/pkg/store"
	"zapflow/pkg/transport"
)

// historyWindow bounds how much conversation history is handed to the
// generator and the scorer.
const historyWindow = 20

// Dispatcher runs the worker pool. All collaborators are injected; the
// dispatcher owns no global state.
type Dispatcher struct {
	queue    *queue.Queue
	store    *store.Store
	gen      Generator
	sender   transport.Sender
	protocol *escalation.Protocol
	limiter  *limiter.Limiter
	scorer   scoring.Scorer
	events   *eventlog.Writer
	metrics  *metrics.Metrics
	cfg      *config.Config
	logger   *logx.Logger

	processed atomic.Int64
	failed    atomic.Int64
}

// Deps bundles the dispatcher's collaborators.
type Deps struct {
	Queue    *queue.Queue
	Store    *store.Store
	Gen      Generator
	Sender   transport.Sender
	Protocol *escalation.Protocol
	Limiter  *limiter.Limiter
	Scorer   scoring.Scorer
	Events   *eventlog.Writer
	Metrics  *metrics.Metrics
	Config   *config.Config
}

// New creates a dispatcher. A nil Scorer falls back to the keyword heuristic.
func New(d Deps) *Dispatcher {
	scorer := d.Scorer
	if scorer == nil {
		scorer = scoring.NewKeywordScorer()
	}
	return &Dispatcher{
		queue:    d.Queue,
		store:    d.Store,
		gen:      d.Gen,
		sender:   d.Sender,
		protocol: d.Protocol,
		limiter:  d.Limiter,
		scorer:   scorer,
		events:   d.Events,
		metrics:  d.Metrics,
		cfg:      d.Config,
		logger:   logx.NewLogger("dispatch"),
	}
}

// Stats is a point-in-time snapshot of dispatcher throughput.
type Stats struct {
	Processed  int64   `json:"processed"`
	Failed     int64   `json:"failed"`
	QueueDepth int     `json:"queue_depth"`
	Tokens     float64 `json:"rate_tokens"`
}

// Stats reports the current counters and queue depth.
func (d *Dispatcher) Stats(ctx context.Context) (Stats, error) {
	depth, err := d.queue.Depth(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Processed:  d.processed.Load(),
		Failed:     d.failed.Load(),
		QueueDepth: depth,
		Tokens:     d.limiter.Tokens(),
	}, nil
}

// Start runs the worker pool until ctx is cancelled. It returns the first
// unrecoverable worker error, or nil on clean shutdown.
func (d *Dispatcher) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Dispatcher.Workers; i++ {
		worker := i
		g.Go(func() error {
			d.run(ctx, worker)
			return nil
		})
	}
	d.logger.Info("Dispatcher started with %d workers", d.cfg.Dispatcher.Workers)
	return g.Wait()
}

// run is one worker loop: rate-limit, claim, process, settle.
func (d *Dispatcher) run(ctx context.Context, worker int) {
	poll := d.cfg.Dispatcher.PollInterval.Std()
	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}

		lease, err := d.queue.Dequeue(ctx)
		if errors.Is(err, queue.ErrEmpty) {
			if depth, derr := d.queue.Depth(ctx); derr == nil {
				d.metrics.QueueDepth.Set(float64(depth))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(poll):
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("Worker %d dequeue failed: %v", worker, err)
			continue
		}

		if err := d.process(ctx, lease.Job); err != nil {
			d.failed.Add(1)
			d.metrics.JobsFailed.WithLabelValues(lease.Job.TenantID).Inc()
			if proto.IsFatal(err) || lease.Attempt >= d.cfg.Dispatcher.RetryAttempts {
				d.metrics.JobsDead.WithLabelValues(lease.Job.TenantID).Inc()
				d.logEvent("job_dead_lettered", lease.Job, err.Error())
			}
			if nackErr := d.queue.Nack(ctx, lease, err); nackErr != nil {
				d.logger.Error("Worker %d nack for job %s failed: %v", worker, lease.Job.ID, nackErr)
			}
			continue
		}

		if err := d.queue.Ack(ctx, lease.Job.ID); err != nil {
			d.logger.Error("Worker %d ack for job %s failed: %v", worker, lease.Job.ID, err)
		}
		d.processed.Add(1)
	}
}

// process routes one job. Returned errors are classified: Retryable goes
// back to the queue, Fatal goes straight to the dead-letter sink.
func (d *Dispatcher) process(ctx context.Context, job *proto.InboundJob) error {
	conv, created, err := d.store.FindOrCreateConversation(ctx, job.TenantID, job.InstanceID, job.ContactID())
	if err != nil {
		return proto.Retryable(fmt.Errorf("resolve conversation: %w", err))
	}
	if created {
		d.logger.Info("New conversation %s for %s/%s contact %s",
			conv.ID, job.TenantID, job.InstanceID, conv.ContactID)
	}

	inbound := &store.Message{
		ConversationID: conv.ID,
		Direction:      store.DirectionInbound,
		Content:        job.Content,
		TransportMsgID: job.MessageID,
		RemoteAddress:  job.SenderAddress,
		CreatedAt:      job.Timestamp,
	}

	switch turn := resolveTurn(d.cfg, job, conv).(type) {
	case OwnerTurn:
		return d.processOwner(ctx, turn, inbound)
	case CustomerTurn:
		if turn.Conv.HandoffMode || !turn.Conv.AIEnabled {
			return d.forwardHandoff(ctx, turn, inbound)
		}
		return d.processCustomer(ctx, turn, inbound)
	default:
		return proto.Fatal(fmt.Errorf("unhandled turn type %T", turn))
	}
}

// processOwner answers an authorized owner directly. Owner traffic never
// escalates and never enters handoff mode.
func (d *Dispatcher) processOwner(ctx context.Context, turn OwnerTurn, inbound *store.Message) error {
	job, conv := turn.Job, turn.Conv

	history, err := d.store.MessagesForConversation(ctx, conv.ID, historyWindow)
	if err != nil {
		return proto.Retryable(fmt.Errorf("load history: %w", err))
	}

	genCtx, cancel := context.WithTimeout(ctx, d.cfg.Dispatcher.GenerateTimeout.Std())
	reply, err := d.gen.OwnerReply(genCtx, Request{
		TenantID:     job.TenantID,
		Conversation: conv,
		History:      history,
		Content:      job.Content,
		PushName:     job.PushName,
	})
	cancel()
	if err != nil {
		return proto.Retryable(fmt.Errorf("owner reply: %w", err))
	}

	outbound, err := d.send(ctx, conv, job.SenderAddress, reply, true)
	if err != nil {
		return err
	}
	if err := d.store.SaveTurn(ctx, inbound, outbound, job.Timestamp); err != nil {
		return proto.Fatal(fmt.Errorf("persist owner turn: %w", err))
	}

	d.metrics.JobsProcessed.WithLabelValues(job.TenantID, "owner").Inc()
	d.logEvent("owner_turn", job, "")
	return nil
}

// forwardHandoff handles customer traffic on a handed-off conversation: the
// inbound message is persisted and relayed to the human, automation stays
// out of the loop.
func (d *Dispatcher) forwardHandoff(ctx context.Context, turn CustomerTurn, inbound *store.Message) error {
	job, conv := turn.Job, turn.Conv

	if err := d.store.SaveTurn(ctx, inbound, nil, job.Timestamp); err != nil {
		return proto.Fatal(fmt.Errorf("persist handoff inbound: %w", err))
	}
	d.protocol.ForwardToHuman(ctx, conv, job.Content)

	d.metrics.JobsProcessed.WithLabelValues(job.TenantID, "customer").Inc()
	d.logEvent("handoff_forward", job, "")
	return nil
}

// processCustomer runs the automated reply path, escalating unknowns.
func (d *Dispatcher) processCustomer(ctx context.Context, turn CustomerTurn, inbound *store.Message) error {
	job, conv := turn.Job, turn.Conv

	history, err := d.store.MessagesForConversation(ctx, conv.ID, historyWindow)
	if err != nil {
		return proto.Retryable(fmt.Errorf("load history: %w", err))
	}

	genCtx, cancel := context.WithTimeout(ctx, d.cfg.Dispatcher.GenerateTimeout.Std())
	reply, err := d.gen.CustomerReply(genCtx, Request{
		TenantID:     job.TenantID,
		Conversation: conv,
		History:      history,
		Content:      job.Content,
		PushName:     job.PushName,
	})
	cancel()

	if errors.Is(err, ErrUnknownAnswer) {
		return d.escalateUnknown(ctx, conv, job, inbound)
	}
	if err != nil {
		return proto.Retryable(fmt.Errorf("customer reply: %w", err))
	}

	outbound, err := d.send(ctx, conv, job.SenderAddress, reply, true)
	if err != nil {
		return err
	}
	if err := d.store.SaveTurn(ctx, inbound, outbound, job.Timestamp); err != nil {
		return proto.Fatal(fmt.Errorf("persist customer turn: %w", err))
	}

	d.metrics.JobsProcessed.WithLabelValues(job.TenantID, "customer").Inc()
	d.logEvent("customer_turn", job, string(d.temperature(history, job.Content)))
	return nil
}

// escalateUnknown persists the unanswered inbound message, opens an
// escalation, and hands the conversation off once the repeated-failure
// threshold trips. The job itself succeeds: escalation is the outcome, not
// a failure.
func (d *Dispatcher) escalateUnknown(ctx context.Context, conv *store.Conversation, job *proto.InboundJob, inbound *store.Message) error {
	if err := d.store.SaveTurn(ctx, inbound, nil, job.Timestamp); err != nil {
		return proto.Fatal(fmt.Errorf("persist unanswered inbound: %w", err))
	}
	if _, err := d.protocol.TriggerUnknown(ctx, conv, job.Content); err != nil {
		return proto.Retryable(err)
	}

	handoff, err := d.protocol.ShouldHandoff(ctx, conv)
	if err != nil {
		return proto.Retryable(err)
	}
	if handoff {
		reason := fmt.Sprintf("%d perguntas sem resposta automática", d.cfg.Dispatcher.HandoffThreshold)
		if _, err := d.protocol.TriggerHandoff(ctx, conv, reason); err != nil {
			return proto.Retryable(err)
		}
	}

	d.metrics.JobsProcessed.WithLabelValues(job.TenantID, "customer").Inc()
	d.logEvent("escalated_unknown", job, job.Content)
	return nil
}

// send delivers reply text under the send timeout and builds the outbound
// message record. Transport failures are retryable.
func (d *Dispatcher) send(ctx context.Context, conv *store.Conversation, to, text string, byAI bool) (*store.Message, error) {
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.Dispatcher.SendTimeout.Std())
	defer cancel()

	result, err := d.sender.SendText(sendCtx, conv.InstanceID, to, text, conv.TenantID)
	if err != nil {
		return nil, proto.Retryable(fmt.Errorf("send to %s: %w", to, err))
	}
	return &store.Message{
		ConversationID: conv.ID,
		Direction:      store.DirectionOutbound,
		Content:        text,
		SentByAI:       byAI,
		TransportMsgID: result.MessageID,
		RemoteAddress:  to,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// temperature scores the conversation from recent inbound text plus the
// message being processed.
func (d *Dispatcher) temperature(history []*store.Message, current string) scoring.Temperature {
	var recent []string
	for _, m := range history {
		if m.Direction == store.DirectionInbound {
			recent = append(recent, m.Content)
		}
	}
	recent = append(recent, current)
	return d.scorer.Score(recent)
}

// logEvent writes to the event log when one is configured; event log
// failures never affect job outcomes.
func (d *Dispatcher) logEvent(kind string, job *proto.InboundJob, detail string) {
	if d.events == nil {
		return
	}
	if err := d.events.Write(eventlog.Event{
		Kind:     kind,
		TenantID: job.TenantID,
		JobID:    job.ID,
		Detail:   detail,
	}); err != nil {
		d.logger.Warn("Event log write failed: %v", err)
	}
}
