package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"syncqueue/internal/domain"
	"syncqueue/internal/queue"
	"syncqueue/internal/validate"
)

// GetQueueStatus returns the queue with its progress and in-flight count,
// or nil when the queue does not exist for the tenant.
func (s *Service) GetQueueStatus(ctx context.Context, tenant domain.TenantID, queueID domain.QueueID) (*domain.QueueStatus, error) {
	tenant, queueID, err := checkQueueRef(tenant, queueID)
	if err != nil {
		return nil, err
	}
	q, err := s.repo.GetQueue(ctx, tenant, queueID)
	if err != nil || q == nil {
		return nil, err
	}
	return &domain.QueueStatus{
		Queue:           *q,
		Progress:        Progress(q.DoneCount+q.CancelledCount, q.TotalCount),
		ProcessingCount: q.InFlightCount(),
	}, nil
}

// Progress is round(100*settled/total), half up, and 0 for an empty queue.
func Progress(settled, total int) int {
	if total <= 0 {
		return 0
	}
	return (200*settled + total) / (2 * total)
}

// CleanupOldQueues deletes the tenant's done, failed and cancelled queues
// not updated for retentionDays, with their lines and activity. Zero selects
// the default window.
func (s *Service) CleanupOldQueues(ctx context.Context, tenant domain.TenantID, retentionDays int) (int, error) {
	tenant, err := checkTenant(tenant)
	if err != nil {
		return 0, err
	}
	if retentionDays == 0 {
		retentionDays = DefaultRetentionDays
	}
	days, err := validate.ClampInt(&retentionDays, 1, MaxRetentionDays, "retention_days")
	if err != nil {
		return 0, err
	}
	cutoff := s.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	n, err := s.repo.DeleteTerminalQueues(ctx, tenant, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup queues: %w", err)
	}
	if n > 0 {
		s.log.Info().Str("tenant_id", tenant.String()).Int("deleted", n).Int("retention_days", days).
			Msg("old queues removed")
	}
	return n, nil
}

// ReapStuckLines returns the tenant's processing lines whose lease expired
// to draft, or fails them once they have been reclaimed too often. Queues
// left in processing with nothing in flight, by a crashed cycle, move back
// to partial.
func (s *Service) ReapStuckLines(ctx context.Context, tenant domain.TenantID) ([]queue.ReclaimedLine, error) {
	tenant, err := checkTenant(tenant)
	if err != nil {
		return nil, err
	}
	now := s.now()
	reclaimed, err := s.repo.ReclaimExpiredLines(ctx, queue.ReclaimRequest{
		TenantID:    tenant,
		Now:         now,
		MaxReclaims: s.maxReclaims,
		Message:     deadlineExceeded,
		StaleBefore: now.Add(-s.leaseTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("reap stuck lines: %w", err)
	}

	ready := map[domain.QueueID]struct{}{}
	for _, r := range reclaimed {
		lineID := r.LineID
		status, msg := domain.StatusWarning, "Processing deadline exceeded; line returned to draft"
		if r.State == domain.LineFailed {
			status, msg = domain.StatusError, "Processing deadline exceeded too often; line failed"
		} else {
			ready[r.QueueID] = struct{}{}
		}
		details, _ := json.Marshal(map[string]any{"reclaim_count": r.ReclaimCount, "error_count": r.ErrorCount})
		s.record(ctx, entry{
			tenant: tenant, queue: r.QueueID, line: &lineID,
			kind: domain.ActivityLineReclaimed, status: status,
			message: msg, details: details,
		})
	}
	for q := range ready {
		s.signal(ctx, tenant, q)
	}
	if len(reclaimed) > 0 {
		s.log.Warn().Str("tenant_id", tenant.String()).Int("reclaimed", len(reclaimed)).Msg("stuck lines reaped")
	}
	return reclaimed, nil
}
