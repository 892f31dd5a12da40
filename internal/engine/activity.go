package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"syncqueue/internal/domain"
	"syncqueue/internal/validate"
)

type LogActivityRequest struct {
	TenantID domain.TenantID
	QueueID  domain.QueueID
	LineID   *domain.LineID
	Type     domain.ActivityType
	Status   domain.ActivityStatus
	Message  string
	UserID   *domain.UserID
	Details  json.RawMessage
}

// LogActivity appends an entry to the queue's trail. The queue (and line,
// when given) must belong to the tenant; otherwise nothing is written and
// ErrNotFound is returned.
func (s *Service) LogActivity(ctx context.Context, req LogActivityRequest) error {
	tenant, queueID, err := checkQueueRef(req.TenantID, req.QueueID)
	if err != nil {
		return err
	}
	var lineID *domain.LineID
	if req.LineID != nil {
		id, err := validate.LineID(string(*req.LineID))
		if err != nil {
			return err
		}
		lineID = &id
	}
	var user *domain.UserID
	if req.UserID != nil {
		if user, err = validate.OptionalUserID(string(*req.UserID)); err != nil {
			return err
		}
	}
	kind, err := domain.ParseActivityType(string(req.Type))
	if err != nil {
		return domain.NewValidationError(domain.CodeOutOfRange, "activity_type", err.Error())
	}
	status, err := domain.ParseActivityStatus(string(req.Status))
	if err != nil {
		return domain.NewValidationError(domain.CodeOutOfRange, "status", err.Error())
	}
	msg, err := validate.RequiredText(req.Message, MaxMessageLength, "message")
	if err != nil {
		return err
	}
	details, err := envelopeOf(req.Details, "details")
	if err != nil {
		return err
	}

	err = s.repo.InsertActivity(ctx, domain.ActivityEntry{
		ID:        uuid.NewString(),
		TenantID:  tenant,
		QueueID:   queueID,
		LineID:    lineID,
		Type:      kind,
		Status:    status,
		Message:   msg,
		Details:   details,
		CreatedBy: user,
		CreatedAt: s.now().UTC(),
	})
	if errors.Is(err, domain.ErrNotFound) {
		ev := s.log.Warn().Str("tenant_id", tenant.String()).Str("queue_id", queueID.String()).
			Str("activity_type", string(kind))
		if user != nil {
			ev = ev.Str("user_id", user.String())
		}
		ev.Msg(string(domain.ActivityUnauthorized))
		return err
	}
	if err != nil {
		return fmt.Errorf("log activity: %w", err)
	}
	return nil
}

// GetActivityLog returns the newest entries first. A zero limit selects the
// default page size.
func (s *Service) GetActivityLog(ctx context.Context, tenant domain.TenantID, queueID domain.QueueID, limit int) ([]domain.ActivityEntry, error) {
	tenant, queueID, err := checkQueueRef(tenant, queueID)
	if err != nil {
		return nil, err
	}
	limit, err = listLimit(limit)
	if err != nil {
		return nil, err
	}
	return s.repo.ListActivity(ctx, tenant, queueID, limit)
}

type entry struct {
	tenant  domain.TenantID
	queue   domain.QueueID
	line    *domain.LineID
	user    *domain.UserID
	kind    domain.ActivityType
	status  domain.ActivityStatus
	message string
	details json.RawMessage
}

// record writes an entry for an event the service itself produced. The
// state change it describes is already committed, so a failed write is
// logged and not returned.
func (s *Service) record(ctx context.Context, e entry) {
	var details domain.Envelope
	if len(e.details) > 0 {
		details = domain.NewEnvelope(e.details)
	}
	err := s.repo.InsertActivity(ctx, domain.ActivityEntry{
		ID:        uuid.NewString(),
		TenantID:  e.tenant,
		QueueID:   e.queue,
		LineID:    e.line,
		Type:      e.kind,
		Status:    e.status,
		Message:   validate.SanitizeText(e.message, MaxMessageLength),
		Details:   details,
		CreatedBy: e.user,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		s.log.Error().Err(err).Str("queue_id", e.queue.String()).Str("activity_type", string(e.kind)).
			Msg("activity entry not written")
	}
}
