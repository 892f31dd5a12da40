// Package engine is the sync queue service: queue lifecycle, batch dispatch,
// outcome recording with retry and escalation policy, the activity trail and
// retention. Every method takes the caller's tenant and touches nothing
// outside it.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"syncqueue/internal/domain"
	"syncqueue/internal/notify"
	"syncqueue/internal/queue"
	"syncqueue/internal/validate"
)

const (
	DefaultMaxRetries    = 3
	DefaultLeaseTTL      = 10 * time.Minute
	DefaultMaxReclaims   = 3
	DefaultBatchSize     = 100
	DefaultRetentionDays = 30
	DefaultListLimit     = 100

	// EscalationThreshold is the number of dispatch cycles after which a
	// queue is flagged for manual action.
	EscalationThreshold = 3

	MaxBatchSize        = 1000
	MaxBatchDelayMs     = 60000
	MaxRetriesLimit     = 10
	MaxRetentionDays    = 365
	MaxNameLength       = 255
	MaxErrorLength      = 1000
	MaxMessageLength    = 2000
	MaxSourceLength     = 64
	MaxIdempotencyKey   = 255
	MaxResultIDLength   = 255
	MaxExternalIDLength = 255

	actionRequiredReason = "Queue exceeded 3 processing attempts; manual review required"
	deadlineExceeded     = "processing deadline exceeded"
)

type Service struct {
	repo        queue.Repository
	notifier    notify.Notifier
	log         zerolog.Logger
	now         func() time.Time
	maxRetries  int
	leaseTTL    time.Duration
	maxReclaims int
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithMaxRetries sets the error count below which a failed line stays
// retry-eligible. Values outside 1..10 are ignored.
func WithMaxRetries(n int) Option {
	return func(s *Service) {
		if n >= 1 && n <= MaxRetriesLimit {
			s.maxRetries = n
		}
	}
}

func WithLeaseTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.leaseTTL = d
		}
	}
}

func WithMaxReclaims(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxReclaims = n
		}
	}
}

func New(repo queue.Repository, opts ...Option) *Service {
	s := &Service{
		repo:        repo,
		notifier:    notify.Nop{},
		log:         log.Logger,
		now:         time.Now,
		maxRetries:  DefaultMaxRetries,
		leaseTTL:    DefaultLeaseTTL,
		maxReclaims: DefaultMaxReclaims,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) MaxRetries() int { return s.maxRetries }

type CreateQueueRequest struct {
	TenantID       domain.TenantID
	Name           string
	CreatedBy      domain.UserID
	SourceSystem   string
	BatchSize      *int
	BatchDelayMs   *int
	IdempotencyKey string
	Metadata       json.RawMessage
}

// CreateQueue inserts a draft queue and returns its id. Reusing an
// idempotency key within the tenant returns the queue created first.
func (s *Service) CreateQueue(ctx context.Context, req CreateQueueRequest) (domain.QueueID, error) {
	tenant, err := checkTenant(req.TenantID)
	if err != nil {
		return "", err
	}
	creator, err := validate.UserID(string(req.CreatedBy))
	if err != nil {
		return "", err
	}
	name, err := validate.RequiredText(req.Name, MaxNameLength, "queue_name")
	if err != nil {
		return "", err
	}
	batchSize := DefaultBatchSize
	if req.BatchSize != nil {
		if batchSize, err = validate.ClampInt(req.BatchSize, 1, MaxBatchSize, "batch_size"); err != nil {
			return "", err
		}
	}
	delay, err := validate.ClampInt(req.BatchDelayMs, 0, MaxBatchDelayMs, "batch_delay_ms")
	if err != nil {
		return "", err
	}
	metadata, err := envelopeOf(req.Metadata, "metadata")
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	key := validate.SanitizeText(req.IdempotencyKey, MaxIdempotencyKey)
	if key == "" {
		key = fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])
	}
	source := validate.SanitizeText(req.SourceSystem, MaxSourceLength)
	if source == "" {
		source = "external"
	}

	id, created, err := s.repo.CreateQueue(ctx, domain.Queue{
		ID:             domain.QueueID(uuid.NewString()),
		TenantID:       tenant,
		Name:           name,
		SourceSystem:   source,
		CreatedBy:      creator,
		BatchSize:      batchSize,
		BatchDelayMs:   delay,
		IdempotencyKey: key,
		Metadata:       metadata,
		CreatedAt:      now,
	})
	if err != nil {
		return "", fmt.Errorf("create queue: %w", err)
	}
	if !created {
		s.log.Debug().Str("tenant_id", tenant.String()).Str("queue_id", id.String()).
			Msg("idempotency key reused, returning existing queue")
		return id, nil
	}

	s.record(ctx, entry{
		tenant: tenant, queue: id, user: &creator,
		kind: domain.ActivityQueueCreated, status: domain.StatusInfo,
		message: fmt.Sprintf("Queue %q created", name),
	})
	s.log.Info().Str("tenant_id", tenant.String()).Str("queue_id", id.String()).
		Int("batch_size", batchSize).Msg("queue created")
	return id, nil
}

type AddLineRequest struct {
	TenantID         domain.TenantID
	QueueID          domain.QueueID
	ExternalRecordID int64
	Payload          json.RawMessage
	ExternalID       string
}

// AddLine upserts the line for ExternalRecordID. Re-submitting a record
// refreshes its payload and returns the original line id.
func (s *Service) AddLine(ctx context.Context, req AddLineRequest) (domain.LineID, error) {
	tenant, queueID, err := checkQueueRef(req.TenantID, req.QueueID)
	if err != nil {
		return "", err
	}
	recordID, err := validate.PositiveRecordID(req.ExternalRecordID)
	if err != nil {
		return "", err
	}
	payload, err := envelopeOf(req.Payload, "payload")
	if err != nil {
		return "", err
	}

	q, err := s.repo.GetQueue(ctx, tenant, queueID)
	if err != nil {
		return "", err
	}
	if q == nil {
		return "", domain.ErrNotFound
	}
	if q.State.Terminal() {
		return "", fmt.Errorf("add line to %s queue: %w", q.State, domain.ErrIllegalTransition)
	}

	now := s.now().UTC()
	id, err := s.repo.UpsertLine(ctx, domain.Line{
		ID:               domain.LineID(uuid.NewString()),
		QueueID:          queueID,
		TenantID:         tenant,
		ExternalRecordID: recordID,
		Payload:          payload,
		ExternalID:       validate.SanitizeText(req.ExternalID, MaxExternalIDLength),
		IdempotencyToken: IdempotencyToken(queueID, recordID),
		CreatedAt:        now,
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", err
		}
		return "", fmt.Errorf("add line: %w", err)
	}
	s.signal(ctx, tenant, queueID)
	return id, nil
}

// IdempotencyToken derives a stable token for one external record in one
// queue.
func IdempotencyToken(q domain.QueueID, externalRecordID int64) string {
	ns, err := uuid.Parse(string(q))
	if err != nil {
		ns = uuid.Nil
	}
	return uuid.NewSHA1(ns, []byte(fmt.Sprintf("%d", externalRecordID))).String()
}

func (s *Service) RecomputeCounts(ctx context.Context, tenant domain.TenantID, queueID domain.QueueID) error {
	tenant, queueID, err := checkQueueRef(tenant, queueID)
	if err != nil {
		return err
	}
	return s.repo.RecomputeCounts(ctx, tenant, queueID, s.now())
}

func (s *Service) ListQueues(ctx context.Context, tenant domain.TenantID, limit int) ([]domain.Queue, error) {
	tenant, err := checkTenant(tenant)
	if err != nil {
		return nil, err
	}
	limit, err = listLimit(limit)
	if err != nil {
		return nil, err
	}
	return s.repo.ListQueues(ctx, tenant, limit)
}

func (s *Service) ListLines(ctx context.Context, tenant domain.TenantID, queueID domain.QueueID, state domain.LineState, limit int) ([]domain.Line, error) {
	tenant, queueID, err := checkQueueRef(tenant, queueID)
	if err != nil {
		return nil, err
	}
	if state != "" {
		if state, err = domain.ParseLineState(string(state)); err != nil {
			return nil, domain.NewValidationError(domain.CodeOutOfRange, "state", err.Error())
		}
	}
	limit, err = listLimit(limit)
	if err != nil {
		return nil, err
	}
	return s.repo.ListLines(ctx, queue.LineListRequest{TenantID: tenant, QueueID: queueID, State: state, Limit: limit})
}

// GetLine returns nil for a line that is missing or belongs to another tenant.
func (s *Service) GetLine(ctx context.Context, tenant domain.TenantID, lineID domain.LineID) (*domain.Line, error) {
	tenant, err := checkTenant(tenant)
	if err != nil {
		return nil, err
	}
	lineID, err = validate.LineID(string(lineID))
	if err != nil {
		return nil, err
	}
	return s.repo.GetLine(ctx, tenant, lineID)
}

// Tenants lists every tenant that owns a queue, for maintenance sweeps.
func (s *Service) Tenants(ctx context.Context) ([]domain.TenantID, error) {
	return s.repo.ListTenants(ctx)
}

func (s *Service) signal(ctx context.Context, tenant domain.TenantID, q domain.QueueID) {
	if err := s.notifier.Publish(ctx, notify.Signal{TenantID: tenant, QueueID: q}); err != nil {
		s.log.Warn().Err(err).Str("queue_id", q.String()).Msg("ready signal not published")
	}
}

// envelopeOf wraps caller JSON in a versioned envelope. Empty input is an
// empty envelope; anything else must be valid JSON.
func envelopeOf(raw json.RawMessage, field string) (domain.Envelope, error) {
	if len(raw) == 0 {
		return domain.Envelope{}, nil
	}
	if !json.Valid(raw) {
		return domain.Envelope{}, domain.NewValidationError(domain.CodeInvalidPayload, field, "must be valid JSON")
	}
	return domain.NewEnvelope(append(json.RawMessage(nil), raw...)), nil
}

func listLimit(limit int) (int, error) {
	if limit == 0 {
		return DefaultListLimit, nil
	}
	return validate.ClampInt(&limit, 1, MaxBatchSize, "limit")
}
