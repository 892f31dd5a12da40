package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"syncqueue/internal/domain"
)

// Repository is the tenant-scoped storage contract of the sync queue. Every
// statement filters on tenant_id; reads of missing or foreign rows return
// nil without an error.
type Repository interface {
	CreateQueue(ctx context.Context, q domain.Queue) (domain.QueueID, bool, error)
	GetQueue(ctx context.Context, tenant domain.TenantID, id domain.QueueID) (*domain.Queue, error)
	ListQueues(ctx context.Context, tenant domain.TenantID, limit int) ([]domain.Queue, error)
	StartCycle(ctx context.Context, tenant domain.TenantID, id domain.QueueID, now time.Time) (bool, error)
	TransitionQueue(ctx context.Context, tenant domain.TenantID, id domain.QueueID, to domain.QueueState, now time.Time) (bool, error)
	CloseQueue(ctx context.Context, req CloseQueueRequest) (CloseQueueResult, error)
	FlagActionRequired(ctx context.Context, tenant domain.TenantID, id domain.QueueID, threshold int, reason string, now time.Time) (bool, error)
	RecomputeCounts(ctx context.Context, tenant domain.TenantID, id domain.QueueID, now time.Time) error

	UpsertLine(ctx context.Context, l domain.Line) (domain.LineID, error)
	GetLine(ctx context.Context, tenant domain.TenantID, id domain.LineID) (*domain.Line, error)
	ListLines(ctx context.Context, req LineListRequest) ([]domain.Line, error)
	NextDraftLines(ctx context.Context, tenant domain.TenantID, queue domain.QueueID, limit int) ([]domain.Line, error)
	MarkLinesProcessing(ctx context.Context, tenant domain.TenantID, ids []domain.LineID, deadline, now time.Time) (int, error)
	ClaimDraftLines(ctx context.Context, tenant domain.TenantID, queue domain.QueueID, limit int, deadline, now time.Time) ([]domain.Line, error)
	CompleteLine(ctx context.Context, req CompleteLineRequest) (bool, error)
	FailLine(ctx context.Context, req FailLineRequest) (FailLineResult, error)
	RetryableFailedLines(ctx context.Context, tenant domain.TenantID, queue domain.QueueID, maxRetries int) ([]domain.Line, error)
	ReclaimExpiredLines(ctx context.Context, req ReclaimRequest) ([]ReclaimedLine, error)

	InsertActivity(ctx context.Context, e domain.ActivityEntry) error
	ListActivity(ctx context.Context, tenant domain.TenantID, queue domain.QueueID, limit int) ([]domain.ActivityEntry, error)

	DeleteTerminalQueues(ctx context.Context, tenant domain.TenantID, cutoff time.Time) (int, error)
	ListTenants(ctx context.Context) ([]domain.TenantID, error)
}

type CloseQueueRequest struct {
	TenantID            domain.TenantID
	QueueID             domain.QueueID
	To                  domain.QueueState
	ClearActionRequired bool
	Now                 time.Time
}

type CloseQueueResult struct {
	Closed    bool
	Cancelled int
}

type LineListRequest struct {
	TenantID domain.TenantID
	QueueID  domain.QueueID
	State    domain.LineState // empty lists every state
	Limit    int
}

type CompleteLineRequest struct {
	TenantID       domain.TenantID
	QueueID        domain.QueueID
	LineID         domain.LineID
	ResultRecordID string
	WasUpdate      bool
	Now            time.Time
}

type FailLineRequest struct {
	TenantID domain.TenantID
	QueueID  domain.QueueID
	LineID   domain.LineID
	Message  string
	Now      time.Time
}

type FailLineResult struct {
	Updated      bool
	ErrorCount   int
	ProcessCount int
}

type ReclaimRequest struct {
	TenantID    domain.TenantID
	Now         time.Time
	MaxReclaims int
	Message     string
	// StaleBefore releases processing queues with no line in flight that
	// have not been touched since this time. Zero disables it.
	StaleBefore time.Time
}

type ReclaimedLine struct {
	LineID       domain.LineID
	QueueID      domain.QueueID
	State        domain.LineState
	ReclaimCount int
	ErrorCount   int
}

type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ Repository = (*SQLStore)(nil)

func NewSQLStore(db *sql.DB, d Dialect) *SQLStore { return &SQLStore{db: db, dialect: d} }

const queueColumns = `id, tenant_id, queue_name, source_system, created_by, batch_size, batch_delay_ms,
idempotency_key, state, total_count, draft_count, done_count, failed_count, cancelled_count,
process_count, is_action_required, action_required_reason, is_processing, metadata,
created_at, updated_at, last_process_date`

const lineColumns = `id, queue_id, tenant_id, external_record_id, customer_data, external_id,
idempotency_token, state, process_count, error_count, reclaim_count, error_message,
last_error_timestamp, result_record_id, was_update, processing_deadline, last_process_date,
created_at, updated_at`

const activityColumns = `id, queue_id, queue_line_id, tenant_id, activity_type, status, message,
details, created_by, created_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, q execer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q execer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) CreateQueue(ctx context.Context, q domain.Queue) (domain.QueueID, bool, error) {
	meta, err := encodeEnvelope(q.Metadata)
	if err != nil {
		return "", false, err
	}
	now := q.CreatedAt.UTC()
	_, err = s.exec(ctx, s.db, `
INSERT INTO sync_queues (id, tenant_id, queue_name, source_system, created_by, batch_size, batch_delay_ms,
  idempotency_key, state, is_action_required, is_processing, metadata, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		string(q.ID), string(q.TenantID), q.Name, q.SourceSystem, string(q.CreatedBy), q.BatchSize, q.BatchDelayMs,
		q.IdempotencyKey, string(domain.QueueDraft), false, false, meta, now, now)
	if err == nil {
		return q.ID, true, nil
	}
	if !isUniqueViolation(err) {
		return "", false, err
	}

	// Same idempotency key for the same tenant: hand back the first queue.
	var existing string
	lookupErr := s.queryRow(ctx, s.db, `SELECT id FROM sync_queues WHERE tenant_id = ? AND idempotency_key = ?`,
		string(q.TenantID), q.IdempotencyKey).Scan(&existing)
	if lookupErr != nil {
		return "", false, fmt.Errorf("look up queue by idempotency key: %w", lookupErr)
	}
	return domain.QueueID(existing), false, nil
}

func (s *SQLStore) GetQueue(ctx context.Context, tenant domain.TenantID, id domain.QueueID) (*domain.Queue, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+queueColumns+` FROM sync_queues WHERE id = ? AND tenant_id = ?`,
		string(id), string(tenant))
	q, err := scanQueue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *SQLStore) ListQueues(ctx context.Context, tenant domain.TenantID, limit int) ([]domain.Queue, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+queueColumns+` FROM sync_queues WHERE tenant_id = ?
ORDER BY created_at DESC, id DESC LIMIT ?`, string(tenant), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *SQLStore) StartCycle(ctx context.Context, tenant domain.TenantID, id domain.QueueID, now time.Time) (bool, error) {
	from := domain.QueueStatesFrom(domain.QueueProcessing)
	args := []any{string(domain.QueueProcessing), true, now.UTC(), now.UTC(), string(id), string(tenant)}
	args = append(args, stateArgs(from)...)
	res, err := s.exec(ctx, s.db, `
UPDATE sync_queues
SET state = ?, is_processing = ?, process_count = process_count + 1, last_process_date = ?, updated_at = ?
WHERE id = ? AND tenant_id = ? AND state IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// TransitionQueue moves the queue to `to` when its current state allows it.
// is_processing is cleared on every move out of processing.
func (s *SQLStore) TransitionQueue(ctx context.Context, tenant domain.TenantID, id domain.QueueID, to domain.QueueState, now time.Time) (bool, error) {
	from := domain.QueueStatesFrom(to)
	if len(from) == 0 {
		return false, nil
	}
	args := []any{string(to), to == domain.QueueProcessing, now.UTC(), string(id), string(tenant)}
	args = append(args, stateArgs(from)...)
	res, err := s.exec(ctx, s.db, `
UPDATE sync_queues SET state = ?, is_processing = ?, updated_at = ?
WHERE id = ? AND tenant_id = ? AND state IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CloseQueue cancels every draft or failed line and moves the queue to a
// terminal state in one transaction. Nothing changes when the queue is
// missing, foreign or already terminal.
func (s *SQLStore) CloseQueue(ctx context.Context, req CloseQueueRequest) (CloseQueueResult, error) {
	var out CloseQueueResult
	if !req.To.Terminal() {
		return out, fmt.Errorf("close queue: %q is not a terminal state", req.To)
	}
	now := req.Now.UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		from := domain.QueueStatesFrom(req.To)
		set := `state = ?, is_processing = ?, updated_at = ?`
		args := []any{string(req.To), false, now}
		if req.ClearActionRequired {
			set += `, is_action_required = ?, action_required_reason = NULL`
			args = append(args, false)
		}
		args = append(args, string(req.QueueID), string(req.TenantID))
		args = append(args, stateArgs(from)...)
		res, err := s.exec(ctx, tx, `UPDATE sync_queues SET `+set+`
WHERE id = ? AND tenant_id = ? AND state IN (`+placeholders(len(from))+`)`, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		out.Closed = true

		cancellable := domain.LineStatesFrom(domain.LineCancelled)
		largs := []any{string(domain.LineCancelled), now, string(req.QueueID), string(req.TenantID)}
		largs = append(largs, stateArgs(cancellable)...)
		res, err = s.exec(ctx, tx, `
UPDATE sync_queue_lines SET state = ?, processing_deadline = NULL, updated_at = ?
WHERE queue_id = ? AND tenant_id = ? AND state IN (`+placeholders(len(cancellable))+`)`, largs...)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		out.Cancelled = int(n)
		return s.recountTx(ctx, tx, req.TenantID, req.QueueID, now)
	})
	if err != nil {
		return CloseQueueResult{}, err
	}
	return out, nil
}

// FlagActionRequired sets the escalation flag once process_count exceeds
// threshold and the queue is still open. It never clears the flag.
func (s *SQLStore) FlagActionRequired(ctx context.Context, tenant domain.TenantID, id domain.QueueID, threshold int, reason string, now time.Time) (bool, error) {
	res, err := s.exec(ctx, s.db, `
UPDATE sync_queues SET is_action_required = ?, action_required_reason = ?, updated_at = ?
WHERE id = ? AND tenant_id = ? AND process_count > ? AND is_action_required = ?
  AND state NOT IN (`+placeholders(len(domain.TerminalQueueStates))+`)`,
		append([]any{true, reason, now.UTC(), string(id), string(tenant), threshold, false},
			stateArgs(domain.TerminalQueueStates)...)...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLStore) RecomputeCounts(ctx context.Context, tenant domain.TenantID, id domain.QueueID, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.recountTx(ctx, tx, tenant, id, now)
	})
}

// recountTx re-derives every denormalized count from the line table, then
// settles the queue to done once all of its lines are terminal.
func (s *SQLStore) recountTx(ctx context.Context, tx *sql.Tx, tenant domain.TenantID, id domain.QueueID, now time.Time) error {
	_, err := s.exec(ctx, tx, `
UPDATE sync_queues SET
  total_count     = (SELECT COUNT(*) FROM sync_queue_lines l WHERE l.queue_id = sync_queues.id AND l.tenant_id = sync_queues.tenant_id),
  draft_count     = (SELECT COUNT(*) FROM sync_queue_lines l WHERE l.queue_id = sync_queues.id AND l.tenant_id = sync_queues.tenant_id AND l.state = ?),
  done_count      = (SELECT COUNT(*) FROM sync_queue_lines l WHERE l.queue_id = sync_queues.id AND l.tenant_id = sync_queues.tenant_id AND l.state = ?),
  failed_count    = (SELECT COUNT(*) FROM sync_queue_lines l WHERE l.queue_id = sync_queues.id AND l.tenant_id = sync_queues.tenant_id AND l.state = ?),
  cancelled_count = (SELECT COUNT(*) FROM sync_queue_lines l WHERE l.queue_id = sync_queues.id AND l.tenant_id = sync_queues.tenant_id AND l.state = ?),
  updated_at      = ?
WHERE id = ? AND tenant_id = ?`,
		string(domain.LineDraft), string(domain.LineDone), string(domain.LineFailed), string(domain.LineCancelled),
		now.UTC(), string(id), string(tenant))
	if err != nil {
		return fmt.Errorf("recount queue %s: %w", id, err)
	}

	from := domain.QueueStatesFrom(domain.QueueDone)
	args := []any{string(domain.QueueDone), false, now.UTC(), string(id), string(tenant)}
	args = append(args, stateArgs(from)...)
	_, err = s.exec(ctx, tx, `
UPDATE sync_queues SET state = ?, is_processing = ?, updated_at = ?
WHERE id = ? AND tenant_id = ? AND state IN (`+placeholders(len(from))+`)
  AND total_count > 0 AND done_count + cancelled_count = total_count`, args...)
	if err != nil {
		return fmt.Errorf("settle queue %s: %w", id, err)
	}
	return nil
}

// UpsertLine inserts a draft line or, when the queue already holds a line for
// the same external record, refreshes its payload and returns the original id.
func (s *SQLStore) UpsertLine(ctx context.Context, l domain.Line) (domain.LineID, error) {
	payload, err := encodeEnvelope(l.Payload)
	if err != nil {
		return "", err
	}
	if payload == nil {
		payload = "{}"
	}
	now := l.CreatedAt.UTC()
	var id string
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := s.queryRow(ctx, tx, `SELECT id FROM sync_queues WHERE id = ? AND tenant_id = ?`,
			string(l.QueueID), string(l.TenantID)).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		err = s.queryRow(ctx, tx, `
INSERT INTO sync_queue_lines (id, queue_id, tenant_id, external_record_id, customer_data, external_id,
  idempotency_token, state, was_update, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (queue_id, external_record_id) DO UPDATE
SET customer_data = excluded.customer_data,
    external_id = COALESCE(excluded.external_id, sync_queue_lines.external_id),
    updated_at = excluded.updated_at
RETURNING id`,
			string(l.ID), string(l.QueueID), string(l.TenantID), l.ExternalRecordID, payload, nullIfEmpty(l.ExternalID),
			l.IdempotencyToken, string(domain.LineDraft), false, now, now).Scan(&id)
		if err != nil {
			return err
		}
		return s.recountTx(ctx, tx, l.TenantID, l.QueueID, now)
	})
	if err != nil {
		return "", err
	}
	return domain.LineID(id), nil
}

func (s *SQLStore) GetLine(ctx context.Context, tenant domain.TenantID, id domain.LineID) (*domain.Line, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+lineColumns+` FROM sync_queue_lines WHERE id = ? AND tenant_id = ?`,
		string(id), string(tenant))
	l, err := scanLine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *SQLStore) ListLines(ctx context.Context, req LineListRequest) ([]domain.Line, error) {
	query := `SELECT ` + lineColumns + ` FROM sync_queue_lines WHERE queue_id = ? AND tenant_id = ?`
	args := []any{string(req.QueueID), string(req.TenantID)}
	if req.State != "" {
		query += ` AND state = ?`
		args = append(args, string(req.State))
	}
	query += ` ORDER BY ` + s.dialect.lineOrder() + ` LIMIT ?`
	args = append(args, req.Limit)
	return s.listLines(ctx, s.db, query, args...)
}

// NextDraftLines is a read-only peek at the oldest draft lines.
func (s *SQLStore) NextDraftLines(ctx context.Context, tenant domain.TenantID, queue domain.QueueID, limit int) ([]domain.Line, error) {
	return s.listLines(ctx, s.db, `SELECT `+lineColumns+` FROM sync_queue_lines
WHERE queue_id = ? AND tenant_id = ? AND state = ?
ORDER BY `+s.dialect.lineOrder()+` LIMIT ?`,
		string(queue), string(tenant), string(domain.LineDraft), limit)
}

// MarkLinesProcessing moves the given draft or failed lines to processing and
// returns how many moved. Lines of other tenants are left untouched.
func (s *SQLStore) MarkLinesProcessing(ctx context.Context, tenant domain.TenantID, ids []domain.LineID, deadline, now time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var moved int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		from := domain.LineStatesFrom(domain.LineProcessing)
		args := []any{string(domain.LineProcessing), deadline.UTC(), now.UTC(), now.UTC(), string(tenant)}
		args = append(args, idArgs(ids)...)
		args = append(args, stateArgs(from)...)
		rows, err := s.query(ctx, tx, `
UPDATE sync_queue_lines
SET state = ?, process_count = process_count + 1, processing_deadline = ?, last_process_date = ?, updated_at = ?
WHERE tenant_id = ? AND id IN (`+placeholders(len(ids))+`) AND state IN (`+placeholders(len(from))+`)
RETURNING queue_id`, args...)
		if err != nil {
			return err
		}
		queues, n, err := collectQueueIDs(rows)
		if err != nil {
			return err
		}
		moved = n
		for _, q := range queues {
			if err := s.recountTx(ctx, tx, tenant, q, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// ClaimDraftLines selects and marks the oldest draft lines in a single
// statement, so two workers can never claim the same line.
func (s *SQLStore) ClaimDraftLines(ctx context.Context, tenant domain.TenantID, queue domain.QueueID, limit int, deadline, now time.Time) ([]domain.Line, error) {
	var claimed []domain.Line
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx, `
UPDATE sync_queue_lines
SET state = ?, process_count = process_count + 1, processing_deadline = ?, last_process_date = ?, updated_at = ?
WHERE id IN (
  SELECT id FROM sync_queue_lines
  WHERE queue_id = ? AND tenant_id = ? AND state = ?
  ORDER BY `+s.dialect.lineOrder()+`
  LIMIT ? `+s.dialect.claimLock()+`
) AND state = ?
RETURNING id`,
			string(domain.LineProcessing), deadline.UTC(), now.UTC(), now.UTC(),
			string(queue), string(tenant), string(domain.LineDraft), limit, string(domain.LineDraft))
		if err != nil {
			return err
		}
		var ids []domain.LineID
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, domain.LineID(id))
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		args := append([]any{string(tenant)}, idArgs(ids)...)
		claimed, err = s.listLines(ctx, tx, `SELECT `+lineColumns+` FROM sync_queue_lines
WHERE tenant_id = ? AND id IN (`+placeholders(len(ids))+`)
ORDER BY `+s.dialect.lineOrder(), args...)
		if err != nil {
			return err
		}
		return s.recountTx(ctx, tx, tenant, queue, now)
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SQLStore) CompleteLine(ctx context.Context, req CompleteLineRequest) (bool, error) {
	var updated bool
	now := req.Now.UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		from := domain.LineStatesFrom(domain.LineDone)
		args := []any{string(domain.LineDone), nullIfEmpty(req.ResultRecordID), req.WasUpdate, now, now,
			string(req.LineID), string(req.QueueID), string(req.TenantID)}
		args = append(args, stateArgs(from)...)
		res, err := s.exec(ctx, tx, `
UPDATE sync_queue_lines
SET state = ?, result_record_id = ?, was_update = ?, processing_deadline = NULL, last_process_date = ?, updated_at = ?
WHERE id = ? AND queue_id = ? AND tenant_id = ? AND state IN (`+placeholders(len(from))+`)`, args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		updated = true
		return s.recountTx(ctx, tx, req.TenantID, req.QueueID, now)
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

func (s *SQLStore) FailLine(ctx context.Context, req FailLineRequest) (FailLineResult, error) {
	var out FailLineResult
	now := req.Now.UTC()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		from := domain.LineStatesFrom(domain.LineFailed)
		args := []any{string(domain.LineFailed), req.Message, now, now, now,
			string(req.LineID), string(req.QueueID), string(req.TenantID)}
		args = append(args, stateArgs(from)...)
		err := s.queryRow(ctx, tx, `
UPDATE sync_queue_lines
SET state = ?, error_count = error_count + 1, error_message = ?, last_error_timestamp = ?,
    processing_deadline = NULL, last_process_date = ?, updated_at = ?
WHERE id = ? AND queue_id = ? AND tenant_id = ? AND state IN (`+placeholders(len(from))+`)
RETURNING error_count, process_count`, args...).Scan(&out.ErrorCount, &out.ProcessCount)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		out.Updated = true
		return s.recountTx(ctx, tx, req.TenantID, req.QueueID, now)
	})
	if err != nil {
		return FailLineResult{}, err
	}
	return out, nil
}

func (s *SQLStore) RetryableFailedLines(ctx context.Context, tenant domain.TenantID, queue domain.QueueID, maxRetries int) ([]domain.Line, error) {
	return s.listLines(ctx, s.db, `SELECT `+lineColumns+` FROM sync_queue_lines
WHERE queue_id = ? AND tenant_id = ? AND state = ? AND process_count < ?
ORDER BY last_error_timestamp ASC, `+s.dialect.lineOrder(),
		string(queue), string(tenant), string(domain.LineFailed), maxRetries)
}

// ReclaimExpiredLines returns overdue processing lines to draft until they
// have been reclaimed MaxReclaims times; after that they fail for good.
func (s *SQLStore) ReclaimExpiredLines(ctx context.Context, req ReclaimRequest) ([]ReclaimedLine, error) {
	now := req.Now.UTC()
	var out []ReclaimedLine
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx, `
UPDATE sync_queue_lines
SET state = ?, reclaim_count = reclaim_count + 1, processing_deadline = NULL, updated_at = ?
WHERE tenant_id = ? AND state = ? AND processing_deadline IS NOT NULL AND processing_deadline < ?
  AND reclaim_count < ?
RETURNING id, queue_id, reclaim_count, error_count`,
			string(domain.LineDraft), now, string(req.TenantID), string(domain.LineProcessing), now, req.MaxReclaims)
		if err != nil {
			return err
		}
		drafted, err := scanReclaimed(rows, domain.LineDraft)
		if err != nil {
			return err
		}

		rows, err = s.query(ctx, tx, `
UPDATE sync_queue_lines
SET state = ?, error_count = error_count + 1, error_message = ?, last_error_timestamp = ?,
    processing_deadline = NULL, updated_at = ?
WHERE tenant_id = ? AND state = ? AND processing_deadline IS NOT NULL AND processing_deadline < ?
  AND reclaim_count >= ?
RETURNING id, queue_id, reclaim_count, error_count`,
			string(domain.LineFailed), req.Message, now, now, string(req.TenantID), string(domain.LineProcessing), now, req.MaxReclaims)
		if err != nil {
			return err
		}
		failed, err := scanReclaimed(rows, domain.LineFailed)
		if err != nil {
			return err
		}

		out = append(drafted, failed...)
		seen := make(map[domain.QueueID]struct{}, len(out))
		var touched []domain.QueueID
		for _, r := range out {
			if _, ok := seen[r.QueueID]; ok {
				continue
			}
			seen[r.QueueID] = struct{}{}
			touched = append(touched, r.QueueID)
			if err := s.recountTx(ctx, tx, req.TenantID, r.QueueID, now); err != nil {
				return err
			}
		}
		return s.releaseIdleCyclesTx(ctx, tx, req.TenantID, touched, req.StaleBefore, now)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// releaseIdleCyclesTx moves processing queues that have no line in flight
// back to partial so a later cycle can start. It covers the queues given
// and, when staleBefore is set, any processing queue idle since then.
func (s *SQLStore) releaseIdleCyclesTx(ctx context.Context, tx *sql.Tx, tenant domain.TenantID, queues []domain.QueueID, staleBefore, now time.Time) error {
	var match []string
	args := []any{string(domain.QueuePartial), false, now, string(tenant), string(domain.QueueProcessing)}
	if len(queues) > 0 {
		match = append(match, `id IN (`+placeholders(len(queues))+`)`)
		for _, q := range queues {
			args = append(args, string(q))
		}
	}
	if !staleBefore.IsZero() {
		match = append(match, `updated_at < ?`)
		args = append(args, staleBefore.UTC())
	}
	if len(match) == 0 {
		return nil
	}
	args = append(args, string(domain.LineProcessing))
	_, err := s.exec(ctx, tx, `
UPDATE sync_queues SET state = ?, is_processing = ?, updated_at = ?
WHERE tenant_id = ? AND state = ? AND (`+strings.Join(match, " OR ")+`)
  AND NOT EXISTS (SELECT 1 FROM sync_queue_lines l
                  WHERE l.queue_id = sync_queues.id AND l.tenant_id = sync_queues.tenant_id AND l.state = ?)`, args...)
	return err
}

// InsertActivity appends an entry after re-checking, inside the same
// transaction, that the queue (and line, when given) belongs to the tenant.
func (s *SQLStore) InsertActivity(ctx context.Context, e domain.ActivityEntry) error {
	details, err := encodeEnvelope(e.Details)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := s.queryRow(ctx, tx, `SELECT id FROM sync_queues WHERE id = ? AND tenant_id = ?`,
			string(e.QueueID), string(e.TenantID)).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		var lineID any
		if e.LineID != nil {
			err := s.queryRow(ctx, tx, `SELECT id FROM sync_queue_lines WHERE id = ? AND queue_id = ? AND tenant_id = ?`,
				string(*e.LineID), string(e.QueueID), string(e.TenantID)).Scan(&owner)
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrNotFound
			}
			if err != nil {
				return err
			}
			lineID = string(*e.LineID)
		}
		var createdBy any
		if e.CreatedBy != nil {
			createdBy = string(*e.CreatedBy)
		}
		_, err = s.exec(ctx, tx, `
INSERT INTO sync_queue_activity (id, queue_id, queue_line_id, tenant_id, activity_type, status, message, details, created_by, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
			e.ID, string(e.QueueID), lineID, string(e.TenantID), string(e.Type), string(e.Status), e.Message,
			details, createdBy, e.CreatedAt.UTC())
		return err
	})
}

func (s *SQLStore) ListActivity(ctx context.Context, tenant domain.TenantID, queue domain.QueueID, limit int) ([]domain.ActivityEntry, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+activityColumns+` FROM sync_queue_activity
WHERE queue_id = ? AND tenant_id = ?
ORDER BY `+s.dialect.newestFirst()+` LIMIT ?`, string(queue), string(tenant), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ActivityEntry
	for rows.Next() {
		e, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteTerminalQueues removes the tenant's terminal queues last updated
// before cutoff together with their lines and activity.
func (s *SQLStore) DeleteTerminalQueues(ctx context.Context, tenant domain.TenantID, cutoff time.Time) (int, error) {
	terminal := stateArgs(domain.TerminalQueueStates)
	match := `tenant_id = ? AND state IN (` + placeholders(len(terminal)) + `) AND updated_at < ?`
	args := append([]any{string(tenant)}, terminal...)
	args = append(args, cutoff.UTC())

	var deleted int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, child := range []string{"sync_queue_activity", "sync_queue_lines"} {
			childArgs := append([]any{string(tenant)}, args...)
			if _, err := s.exec(ctx, tx, `DELETE FROM `+child+` WHERE tenant_id = ? AND queue_id IN (
  SELECT id FROM sync_queues WHERE `+match+`)`, childArgs...); err != nil {
				return err
			}
		}
		res, err := s.exec(ctx, tx, `DELETE FROM sync_queues WHERE `+match, args...)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		deleted = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// ListTenants returns every tenant owning at least one queue. The scheduler
// and the worker poll use it to fan tenant-scoped work out.
func (s *SQLStore) ListTenants(ctx context.Context) ([]domain.TenantID, error) {
	rows, err := s.query(ctx, s.db, `SELECT DISTINCT tenant_id FROM sync_queues ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TenantID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, domain.TenantID(id))
	}
	return out, rows.Err()
}

func (s *SQLStore) listLines(ctx context.Context, q execer, query string, args ...any) ([]domain.Line, error) {
	rows, err := s.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Line
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanQueue(row scanner) (domain.Queue, error) {
	var (
		q             domain.Queue
		id, tenant    string
		createdBy     string
		state         string
		reason        sql.NullString
		metadata      []byte
		lastProcessed sql.NullTime
	)
	if err := row.Scan(
		&id, &tenant, &q.Name, &q.SourceSystem, &createdBy, &q.BatchSize, &q.BatchDelayMs,
		&q.IdempotencyKey, &state, &q.TotalCount, &q.DraftCount, &q.DoneCount, &q.FailedCount, &q.CancelledCount,
		&q.ProcessCount, &q.IsActionRequired, &reason, &q.IsProcessing, &metadata,
		&q.CreatedAt, &q.UpdatedAt, &lastProcessed,
	); err != nil {
		return domain.Queue{}, err
	}
	st, err := domain.ParseQueueState(state)
	if err != nil {
		return domain.Queue{}, err
	}
	q.ID = domain.QueueID(id)
	q.TenantID = domain.TenantID(tenant)
	q.CreatedBy = domain.UserID(createdBy)
	q.State = st
	q.ActionRequiredReason = reason.String
	q.Metadata = decodeEnvelope(metadata)
	q.CreatedAt = q.CreatedAt.UTC()
	q.UpdatedAt = q.UpdatedAt.UTC()
	q.LastProcessDate = timePtr(lastProcessed)
	return q, nil
}

func scanLine(row scanner) (domain.Line, error) {
	var (
		l                     domain.Line
		id, queue, tenant     string
		payload               []byte
		externalID            sql.NullString
		state                 string
		errorMessage          sql.NullString
		lastError             sql.NullTime
		resultID              sql.NullString
		deadline, lastProcess sql.NullTime
	)
	if err := row.Scan(
		&id, &queue, &tenant, &l.ExternalRecordID, &payload, &externalID,
		&l.IdempotencyToken, &state, &l.ProcessCount, &l.ErrorCount, &l.ReclaimCount, &errorMessage,
		&lastError, &resultID, &l.WasUpdate, &deadline, &lastProcess,
		&l.CreatedAt, &l.UpdatedAt,
	); err != nil {
		return domain.Line{}, err
	}
	st, err := domain.ParseLineState(state)
	if err != nil {
		return domain.Line{}, err
	}
	l.ID = domain.LineID(id)
	l.QueueID = domain.QueueID(queue)
	l.TenantID = domain.TenantID(tenant)
	l.Payload = decodeEnvelope(payload)
	l.ExternalID = externalID.String
	l.State = st
	l.ErrorMessage = errorMessage.String
	l.LastErrorTimestamp = timePtr(lastError)
	l.ResultRecordID = resultID.String
	l.ProcessingDeadline = timePtr(deadline)
	l.LastProcessDate = timePtr(lastProcess)
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return l, nil
}

func scanActivity(row scanner) (domain.ActivityEntry, error) {
	var (
		e                  domain.ActivityEntry
		queue, tenant      string
		lineID, createdBy  sql.NullString
		activityType, stat string
		details            []byte
	)
	if err := row.Scan(&e.ID, &queue, &lineID, &tenant, &activityType, &stat, &e.Message,
		&details, &createdBy, &e.CreatedAt); err != nil {
		return domain.ActivityEntry{}, err
	}
	t, err := domain.ParseActivityType(activityType)
	if err != nil {
		return domain.ActivityEntry{}, err
	}
	st, err := domain.ParseActivityStatus(stat)
	if err != nil {
		return domain.ActivityEntry{}, err
	}
	e.QueueID = domain.QueueID(queue)
	e.TenantID = domain.TenantID(tenant)
	e.Type = t
	e.Status = st
	e.Details = decodeEnvelope(details)
	e.CreatedAt = e.CreatedAt.UTC()
	if lineID.Valid {
		id := domain.LineID(lineID.String)
		e.LineID = &id
	}
	if createdBy.Valid {
		u := domain.UserID(createdBy.String)
		e.CreatedBy = &u
	}
	return e, nil
}

func scanReclaimed(rows *sql.Rows, state domain.LineState) ([]ReclaimedLine, error) {
	defer rows.Close()
	var out []ReclaimedLine
	for rows.Next() {
		var r ReclaimedLine
		var id, queue string
		if err := rows.Scan(&id, &queue, &r.ReclaimCount, &r.ErrorCount); err != nil {
			return nil, err
		}
		r.LineID = domain.LineID(id)
		r.QueueID = domain.QueueID(queue)
		r.State = state
		out = append(out, r)
	}
	return out, rows.Err()
}

func collectQueueIDs(rows *sql.Rows) ([]domain.QueueID, int, error) {
	defer rows.Close()
	var (
		out  []domain.QueueID
		n    int
		seen = map[string]struct{}{}
	)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, 0, err
		}
		n++
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, domain.QueueID(id))
	}
	return out, n, rows.Err()
}

// encodeEnvelope returns nil (SQL NULL) for a zero envelope.
func encodeEnvelope(env domain.Envelope) (any, error) {
	if env.IsZero() {
		return nil, nil
	}
	if env.SchemaVersion == 0 {
		env.SchemaVersion = domain.CurrentSchemaVersion
	}
	if len(env.Data) == 0 {
		env.Data = json.RawMessage("null")
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return string(b), nil
}

// decodeEnvelope accepts both versioned envelopes and bare JSON written
// before envelopes existed; the latter decode as schema version 0.
func decodeEnvelope(raw []byte) domain.Envelope {
	if len(raw) == 0 {
		return domain.Envelope{}
	}
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.SchemaVersion > 0 {
		return env
	}
	return domain.Envelope{Data: append(json.RawMessage(nil), raw...)}
}

func stateArgs[T ~string](states []T) []any {
	out := make([]any, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}

func idArgs(ids []domain.LineID) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func nullIfEmpty(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
