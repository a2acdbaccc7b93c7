// Package queue provides a durable, SQLite-backed work queue with bounded
// retries and a dead-letter sink. Delivery is at-least-once: a crashed
// worker's lease expires and the job becomes visible again.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"zapflow/pkg/logx"
	"zapflow/pkg/proto"
	"zapflow/pkg/store"
)

// DefaultLeaseDuration is how long a dequeued job stays invisible before it
// is redelivered to another worker.
const DefaultLeaseDuration = 2 * time.Minute

// ErrEmpty is returned by Dequeue when no job is ready.
var ErrEmpty = errors.New("queue is empty")

// Queue is one named job queue backed by the shared SQLite database.
type Queue struct {
	db          *sql.DB
	name        string
	maxAttempts int
	lease       time.Duration
	logger      *logx.Logger
}

// Lease is a claimed job. The worker must finish with exactly one of Ack or
// Nack.
type Lease struct {
	Job     *proto.InboundJob
	Attempt int
}

// New creates a queue named name on the store's database. maxAttempts bounds
// redeliveries before a job is dead-lettered.
func New(st *store.Store, name string, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Queue{
		db:          st.DB(),
		name:        name,
		maxAttempts: maxAttempts,
		lease:       DefaultLeaseDuration,
		logger:      logx.NewLogger("queue:" + name),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Enqueue validates and persists a job. Validation failures are rejected at
// this boundary so malformed payloads never reach a worker.
func (q *Queue) Enqueue(ctx context.Context, job *proto.InboundJob) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	payload, err := job.ToJSON()
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	now := time.Now().UTC()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, tenant_id, payload, state, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'ready', 0, ?, ?)
	`, job.ID, q.name, job.TenantID, string(payload), now, now)
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	q.logger.Debug("Enqueued job %s for tenant %s", job.ID, job.TenantID)
	return nil
}

// Dequeue claims the oldest ready job, marking it leased. Returns ErrEmpty
// when nothing is ready. Expired leases are reclaimed first so crashed
// workers do not strand jobs.
func (q *Queue) Dequeue(ctx context.Context) (*Lease, error) {
	now := time.Now().UTC()

	// Return expired leases to the ready state before claiming.
	if _, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'ready', updated_at = ?
		WHERE queue = ? AND state = 'leased' AND lease_until < ?
	`, now, q.name, now); err != nil {
		return nil, fmt.Errorf("reclaim expired leases: %w", err)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin dequeue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id, tenantID, payload string
	var attempts int
	err = tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, payload, attempts FROM jobs
		WHERE queue = ? AND state = 'ready'
		ORDER BY created_at ASC LIMIT 1
	`, q.name).Scan(&id, &tenantID, &payload, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("select ready job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = 'leased', attempts = attempts + 1, lease_until = ?, updated_at = ?
		WHERE id = ?
	`, now.Add(q.lease), now, id); err != nil {
		return nil, fmt.Errorf("lease job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue: %w", err)
	}

	job, err := proto.JobFromJSON([]byte(payload))
	if err != nil {
		// Payload corruption cannot be retried; dead-letter immediately.
		q.logger.Error("Corrupt payload for job %s, dead-lettering: %v", id, err)
		if dlErr := q.deadLetter(ctx, id, tenantID, payload, err.Error()); dlErr != nil {
			return nil, dlErr
		}
		return nil, ErrEmpty
	}
	return &Lease{Job: job, Attempt: attempts + 1}, nil
}

// Ack removes a successfully processed job.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID); err != nil {
		return fmt.Errorf("ack job %s: %w", jobID, err)
	}
	return nil
}

// Nack records a processing failure. Fatal failures and jobs that exhausted
// their attempt budget move to the dead-letter table; everything else
// returns to the ready state for redelivery.
func (q *Queue) Nack(ctx context.Context, lease *Lease, procErr error) error {
	job := lease.Job
	fatal := proto.IsFatal(procErr)

	if fatal || lease.Attempt >= q.maxAttempts {
		payload, err := job.ToJSON()
		if err != nil {
			payload = []byte("{}")
		}
		if err := q.deadLetter(ctx, job.ID, job.TenantID, string(payload), procErr.Error()); err != nil {
			return err
		}
		q.logger.Warn("Job %s dead-lettered after %d attempt(s): %v", job.ID, lease.Attempt, procErr)
		return nil
	}

	now := time.Now().UTC()
	if _, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'ready', last_error = ?, lease_until = NULL, updated_at = ?
		WHERE id = ?
	`, procErr.Error(), now, job.ID); err != nil {
		return fmt.Errorf("requeue job %s: %w", job.ID, err)
	}
	q.logger.Debug("Job %s returned to queue (attempt %d/%d): %v", job.ID, lease.Attempt, q.maxAttempts, procErr)
	return nil
}

func (q *Queue) deadLetter(ctx context.Context, jobID, tenantID, payload, errMsg string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dead-letter: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (id, original_queue, original_job_id, tenant_id, payload, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, store.NewID(), q.name, jobID, tenantID, payload, errMsg, time.Now().UTC()); err != nil {
		return fmt.Errorf("insert dead letter for job %s: %w", jobID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID); err != nil {
		return fmt.Errorf("remove dead-lettered job %s: %w", jobID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dead-letter: %w", err)
	}
	return nil
}

// DeadLetters lists dead-letter records for a tenant, newest first, for
// operator triage.
func (q *Queue) DeadLetters(ctx context.Context, tenantID string) ([]*proto.DeadLetter, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, original_queue, original_job_id, tenant_id, payload, error, created_at
		FROM dead_letters WHERE tenant_id = ? ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query dead letters for tenant %s: %w", tenantID, err)
	}
	defer func() { _ = rows.Close() }()

	var letters []*proto.DeadLetter
	for rows.Next() {
		var dl proto.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.OriginalQueue, &dl.OriginalJobID, &dl.TenantID,
			&dl.OriginalData, &dl.Error, &dl.Timestamp); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		letters = append(letters, &dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return letters, nil
}

// Depth returns the number of jobs currently waiting or leased.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var depth int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE queue = ?`, q.name).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}
