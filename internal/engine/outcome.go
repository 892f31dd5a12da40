package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"syncqueue/internal/domain"
	"syncqueue/internal/queue"
	"syncqueue/internal/validate"
)

type MarkLineDoneRequest struct {
	TenantID       domain.TenantID
	QueueID        domain.QueueID
	LineID         domain.LineID
	ResultRecordID string
	WasUpdate      bool
}

// MarkLineDone records a successful sync for a processing line.
func (s *Service) MarkLineDone(ctx context.Context, req MarkLineDoneRequest) error {
	tenant, queueID, lineID, err := checkLineRef(req.TenantID, req.QueueID, req.LineID)
	if err != nil {
		return err
	}
	resultID := validate.SanitizeText(req.ResultRecordID, MaxResultIDLength)
	ok, err := s.repo.CompleteLine(ctx, queue.CompleteLineRequest{
		TenantID:       tenant,
		QueueID:        queueID,
		LineID:         lineID,
		ResultRecordID: resultID,
		WasUpdate:      req.WasUpdate,
		Now:            s.now(),
	})
	if err != nil {
		return fmt.Errorf("mark line done: %w", err)
	}
	if !ok {
		return s.lineGuardFailed(ctx, tenant, queueID, lineID, domain.LineDone)
	}

	verb := "created"
	if req.WasUpdate {
		verb = "updated"
	}
	details, _ := json.Marshal(map[string]any{"result_record_id": resultID, "was_update": req.WasUpdate})
	s.record(ctx, entry{
		tenant: tenant, queue: queueID, line: &lineID,
		kind: domain.ActivityLineDone, status: domain.StatusSuccess,
		message: fmt.Sprintf("Record %s %s", orUnknown(resultID), verb),
		details: details,
	})
	return nil
}

type MarkLineFailedRequest struct {
	TenantID domain.TenantID
	QueueID  domain.QueueID
	LineID   domain.LineID
	Message  string
}

type FailureOutcome struct {
	ErrorCount    int
	RetryEligible bool
}

// MarkLineFailed records a failed attempt for a processing line. The line
// stays retry-eligible while its error count is below the configured
// maximum.
func (s *Service) MarkLineFailed(ctx context.Context, req MarkLineFailedRequest) (FailureOutcome, error) {
	tenant, queueID, lineID, err := checkLineRef(req.TenantID, req.QueueID, req.LineID)
	if err != nil {
		return FailureOutcome{}, err
	}
	msg := validate.SanitizeText(req.Message, MaxErrorLength)
	if msg == "" {
		msg = "unknown error"
	}
	res, err := s.repo.FailLine(ctx, queue.FailLineRequest{
		TenantID: tenant,
		QueueID:  queueID,
		LineID:   lineID,
		Message:  msg,
		Now:      s.now(),
	})
	if err != nil {
		return FailureOutcome{}, fmt.Errorf("mark line failed: %w", err)
	}
	if !res.Updated {
		return FailureOutcome{}, s.lineGuardFailed(ctx, tenant, queueID, lineID, domain.LineFailed)
	}

	out := FailureOutcome{ErrorCount: res.ErrorCount, RetryEligible: res.ErrorCount < s.maxRetries}
	details, _ := json.Marshal(map[string]any{
		"error_count":    out.ErrorCount,
		"retry_eligible": out.RetryEligible,
	})
	s.record(ctx, entry{
		tenant: tenant, queue: queueID, line: &lineID,
		kind: domain.ActivityLineFailed, status: domain.StatusError,
		message: msg, details: details,
	})
	s.log.Warn().Str("queue_id", queueID.String()).Str("line_id", lineID.String()).
		Int("error_count", out.ErrorCount).Bool("retry_eligible", out.RetryEligible).Msg("line failed")
	return out, nil
}

// CheckQueueActionRequired flags the queue for manual action once it has
// gone through more than EscalationThreshold dispatch cycles, and reports
// whether the flag is set. The flag is only ever cleared by ForceDone.
// A missing or foreign queue reports false.
func (s *Service) CheckQueueActionRequired(ctx context.Context, tenant domain.TenantID, queueID domain.QueueID) (bool, error) {
	tenant, queueID, err := checkQueueRef(tenant, queueID)
	if err != nil {
		return false, err
	}
	flagged, err := s.repo.FlagActionRequired(ctx, tenant, queueID, EscalationThreshold, actionRequiredReason, s.now())
	if err != nil {
		return false, fmt.Errorf("check action required: %w", err)
	}
	if flagged {
		s.record(ctx, entry{
			tenant: tenant, queue: queueID,
			kind: domain.ActivityActionRequired, status: domain.StatusWarning,
			message: actionRequiredReason,
		})
		s.log.Warn().Str("tenant_id", tenant.String()).Str("queue_id", queueID.String()).Msg("queue requires manual action")
		return true, nil
	}
	q, err := s.repo.GetQueue(ctx, tenant, queueID)
	if err != nil {
		return false, err
	}
	return q != nil && q.IsActionRequired, nil
}

// GetRetryableFailed lists failed lines whose process count is still below
// maxRetries, oldest error first. Zero selects the service default.
func (s *Service) GetRetryableFailed(ctx context.Context, tenant domain.TenantID, queueID domain.QueueID, maxRetries int) ([]domain.Line, error) {
	tenant, queueID, err := checkQueueRef(tenant, queueID)
	if err != nil {
		return nil, err
	}
	if maxRetries == 0 {
		maxRetries = s.maxRetries
	}
	limit, err := validate.ClampInt(&maxRetries, 1, MaxRetriesLimit, "max_retries")
	if err != nil {
		return nil, err
	}
	return s.repo.RetryableFailedLines(ctx, tenant, queueID, limit)
}

// ForceDone cancels every draft or failed line, clears the action-required
// flag and closes the queue as done. It returns the number of lines
// cancelled.
func (s *Service) ForceDone(ctx context.Context, tenant domain.TenantID, queueID domain.QueueID, actingUser domain.UserID) (int, error) {
	return s.close(ctx, tenant, queueID, actingUser, domain.QueueDone, "")
}

// CancelQueue aborts the queue: remaining draft or failed lines are
// cancelled and the queue ends cancelled.
func (s *Service) CancelQueue(ctx context.Context, tenant domain.TenantID, queueID domain.QueueID, actingUser domain.UserID, reason string) (int, error) {
	return s.close(ctx, tenant, queueID, actingUser, domain.QueueCancelled, reason)
}

func (s *Service) close(ctx context.Context, tenant domain.TenantID, queueID domain.QueueID, actingUser domain.UserID, to domain.QueueState, reason string) (int, error) {
	tenant, queueID, err := checkQueueRef(tenant, queueID)
	if err != nil {
		return 0, err
	}
	user, err := validate.UserID(string(actingUser))
	if err != nil {
		return 0, err
	}
	res, err := s.repo.CloseQueue(ctx, queue.CloseQueueRequest{
		TenantID:            tenant,
		QueueID:             queueID,
		To:                  to,
		ClearActionRequired: to == domain.QueueDone,
		Now:                 s.now(),
	})
	if err != nil {
		return 0, fmt.Errorf("close queue: %w", err)
	}
	if !res.Closed {
		return 0, s.queueGuardFailed(ctx, tenant, queueID, to)
	}

	kind, msg := domain.ActivityForceDone, fmt.Sprintf("Queue force-completed; %d line(s) cancelled", res.Cancelled)
	if to == domain.QueueCancelled {
		kind, msg = domain.ActivityQueueCancelled, fmt.Sprintf("Queue cancelled; %d line(s) cancelled", res.Cancelled)
		if r := validate.SanitizeText(reason, MaxErrorLength); r != "" {
			msg += ": " + r
		}
	}
	details, _ := json.Marshal(map[string]any{"cancelled": res.Cancelled})
	s.record(ctx, entry{
		tenant: tenant, queue: queueID, user: &user,
		kind: kind, status: domain.StatusWarning,
		message: msg, details: details,
	})
	s.log.Info().Str("queue_id", queueID.String()).Str("state", string(to)).
		Int("cancelled", res.Cancelled).Str("user_id", user.String()).Msg("queue closed")
	return res.Cancelled, nil
}

// FailQueue records a job-level fault. Lines keep their state so the
// failure can be inspected.
func (s *Service) FailQueue(ctx context.Context, tenant domain.TenantID, queueID domain.QueueID, reason string, actingUser *domain.UserID) error {
	tenant, queueID, err := checkQueueRef(tenant, queueID)
	if err != nil {
		return err
	}
	var user *domain.UserID
	if actingUser != nil {
		if user, err = validate.OptionalUserID(string(*actingUser)); err != nil {
			return err
		}
	}
	reason, err = validate.RequiredText(reason, MaxErrorLength, "reason")
	if err != nil {
		return err
	}
	ok, err := s.repo.TransitionQueue(ctx, tenant, queueID, domain.QueueFailed, s.now())
	if err != nil {
		return fmt.Errorf("fail queue: %w", err)
	}
	if !ok {
		return s.queueGuardFailed(ctx, tenant, queueID, domain.QueueFailed)
	}
	s.record(ctx, entry{
		tenant: tenant, queue: queueID, user: user,
		kind: domain.ActivityQueueFailed, status: domain.StatusError,
		message: reason,
	})
	s.log.Error().Str("queue_id", queueID.String()).Str("reason", reason).Msg("queue failed")
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "(unknown)"
	}
	return s
}
