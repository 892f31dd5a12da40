package engine

import (
	"context"
	"fmt"

	"syncqueue/internal/domain"
	"syncqueue/internal/validate"
)

// GetNextBatch peeks at up to batchSize draft lines, oldest first. It does
// not change any state; prefer ClaimBatch when several workers dispatch the
// same queue.
func (s *Service) GetNextBatch(ctx context.Context, tenant domain.TenantID, queueID domain.QueueID, batchSize int) ([]domain.Line, error) {
	tenant, queueID, err := checkQueueRef(tenant, queueID)
	if err != nil {
		return nil, err
	}
	limit, err := validate.ClampInt(&batchSize, 1, MaxBatchSize, "batch_size")
	if err != nil {
		return nil, err
	}
	return s.repo.NextDraftLines(ctx, tenant, queueID, limit)
}

// MarkLinesProcessing moves the given draft or failed lines to processing
// and returns how many moved. Ids of other tenants, or of lines in any other
// state, are skipped silently.
func (s *Service) MarkLinesProcessing(ctx context.Context, tenant domain.TenantID, lineIDs []domain.LineID) (int, error) {
	tenant, err := checkTenant(tenant)
	if err != nil {
		return 0, err
	}
	if len(lineIDs) == 0 {
		return 0, nil
	}
	if len(lineIDs) > MaxBatchSize {
		return 0, domain.NewValidationError(domain.CodeOutOfRange, "line_ids",
			fmt.Sprintf("at most %d ids per call", MaxBatchSize))
	}
	raw := make([]string, len(lineIDs))
	for i, id := range lineIDs {
		raw[i] = string(id)
	}
	ids, err := validate.LineIDs(raw)
	if err != nil {
		return 0, err
	}
	now := s.now().UTC()
	return s.repo.MarkLinesProcessing(ctx, tenant, ids, now.Add(s.leaseTTL), now)
}

// ClaimBatch atomically moves up to batchSize of the oldest draft lines to
// processing and returns them. Concurrent callers never receive the same
// line.
func (s *Service) ClaimBatch(ctx context.Context, tenant domain.TenantID, queueID domain.QueueID, batchSize int) ([]domain.Line, error) {
	tenant, queueID, err := checkQueueRef(tenant, queueID)
	if err != nil {
		return nil, err
	}
	limit, err := validate.ClampInt(&batchSize, 1, MaxBatchSize, "batch_size")
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	lines, err := s.repo.ClaimDraftLines(ctx, tenant, queueID, limit, now.Add(s.leaseTTL), now)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	if len(lines) > 0 {
		s.log.Debug().Str("queue_id", queueID.String()).Int("claimed", len(lines)).Msg("batch claimed")
	}
	return lines, nil
}

// StartCycle marks the beginning of a dispatch cycle: the queue moves to
// processing and its process count grows by one.
func (s *Service) StartCycle(ctx context.Context, tenant domain.TenantID, queueID domain.QueueID) error {
	tenant, queueID, err := checkQueueRef(tenant, queueID)
	if err != nil {
		return err
	}
	ok, err := s.repo.StartCycle(ctx, tenant, queueID, s.now())
	if err != nil {
		return fmt.Errorf("start cycle: %w", err)
	}
	if !ok {
		return s.queueGuardFailed(ctx, tenant, queueID, domain.QueueProcessing)
	}
	return nil
}

// FinishCycle ends a dispatch cycle. The queue settles to done when every
// line is terminal and to partial otherwise. The resulting state is returned.
func (s *Service) FinishCycle(ctx context.Context, tenant domain.TenantID, queueID domain.QueueID) (domain.QueueState, error) {
	tenant, queueID, err := checkQueueRef(tenant, queueID)
	if err != nil {
		return "", err
	}
	now := s.now()
	if err := s.repo.RecomputeCounts(ctx, tenant, queueID, now); err != nil {
		return "", err
	}
	q, err := s.repo.GetQueue(ctx, tenant, queueID)
	if err != nil {
		return "", err
	}
	if q == nil {
		return "", domain.ErrNotFound
	}
	if q.State != domain.QueueProcessing {
		return q.State, nil
	}
	ok, err := s.repo.TransitionQueue(ctx, tenant, queueID, domain.QueuePartial, now)
	if err != nil {
		return "", fmt.Errorf("finish cycle: %w", err)
	}
	if !ok {
		// Settled or closed concurrently.
		if q, err = s.repo.GetQueue(ctx, tenant, queueID); err != nil {
			return "", err
		}
		if q == nil {
			return "", domain.ErrNotFound
		}
		return q.State, nil
	}
	return domain.QueuePartial, nil
}

// queueGuardFailed tells a missing or foreign queue (ErrNotFound) apart from
// one whose state forbids the move.
func (s *Service) queueGuardFailed(ctx context.Context, tenant domain.TenantID, queueID domain.QueueID, to domain.QueueState) error {
	q, err := s.repo.GetQueue(ctx, tenant, queueID)
	if err != nil {
		return err
	}
	if q == nil {
		return domain.ErrNotFound
	}
	return fmt.Errorf("queue %s %s -> %s: %w", queueID, q.State, to, domain.ErrIllegalTransition)
}

// lineGuardFailed is queueGuardFailed for lines. A line that exists for the
// tenant but in another queue counts as not found.
func (s *Service) lineGuardFailed(ctx context.Context, tenant domain.TenantID, queueID domain.QueueID, lineID domain.LineID, to domain.LineState) error {
	l, err := s.repo.GetLine(ctx, tenant, lineID)
	if err != nil {
		return err
	}
	if l == nil || l.QueueID != queueID {
		return domain.ErrNotFound
	}
	return fmt.Errorf("line %s %s -> %s: %w", lineID, l.State, to, domain.ErrIllegalTransition)
}

func checkTenant(t domain.TenantID) (domain.TenantID, error) {
	return validate.TenantID(string(t))
}

func checkQueueRef(t domain.TenantID, q domain.QueueID) (domain.TenantID, domain.QueueID, error) {
	tenant, err := validate.TenantID(string(t))
	if err != nil {
		return "", "", err
	}
	queueID, err := validate.QueueID(string(q))
	if err != nil {
		return "", "", err
	}
	return tenant, queueID, nil
}

func checkLineRef(t domain.TenantID, q domain.QueueID, l domain.LineID) (domain.TenantID, domain.QueueID, domain.LineID, error) {
	tenant, queueID, err := checkQueueRef(t, q)
	if err != nil {
		return "", "", "", err
	}
	lineID, err := validate.LineID(string(l))
	if err != nil {
		return "", "", "", err
	}
	return tenant, queueID, lineID, nil
}
