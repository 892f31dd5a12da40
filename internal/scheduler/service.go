package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"syncqueue/internal/domain"
	"syncqueue/internal/queue"
)

// Maintainer is the part of engine.Service the sweeps call.
type Maintainer interface {
	Tenants(ctx context.Context) ([]domain.TenantID, error)
	CleanupOldQueues(ctx context.Context, tenant domain.TenantID, retentionDays int) (int, error)
	ReapStuckLines(ctx context.Context, tenant domain.TenantID) ([]queue.ReclaimedLine, error)
}

type Config struct {
	RetentionCron string // standard 5-field cron expression
	ReaperCron    string
	RetentionDays int
}

type Service struct {
	svc      Maintainer
	cron     *cron.Cron
	cfg      Config
	stop     chan struct{}
	stopOnce sync.Once
}

func NewService(svc Maintainer, cfg Config) (*Service, error) {
	if err := ValidateCronExpression(cfg.RetentionCron); err != nil {
		return nil, fmt.Errorf("retention schedule: %w", err)
	}
	if err := ValidateCronExpression(cfg.ReaperCron); err != nil {
		return nil, fmt.Errorf("reaper schedule: %w", err)
	}
	return &Service{
		svc:  svc,
		cron: cron.New(),
		cfg:  cfg,
		stop: make(chan struct{}),
	}, nil
}

// Start runs both sweeps on their schedules until ctx is done or Stop is
// called, then waits for running sweeps to return.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.RetentionCron, func() { s.SweepRetention(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.ReaperCron, func() { s.ReapStuck(ctx) }); err != nil {
		return err
	}
	s.cron.Start()

	next, _ := NextRunTime(s.cfg.ReaperCron, time.Now())
	log.Info().
		Str("retention_cron", s.cfg.RetentionCron).
		Str("reaper_cron", s.cfg.ReaperCron).
		Int("retention_days", s.cfg.RetentionDays).
		Time("next_reap", next).
		Msg("maintenance scheduler started")

	select {
	case <-ctx.Done():
	case <-s.stop:
	}
	<-s.cron.Stop().Done()
	return nil
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// SweepRetention removes old terminal queues for every tenant and returns
// the total removed.
func (s *Service) SweepRetention(ctx context.Context) int {
	tenants, err := s.svc.Tenants(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list tenants")
		return 0
	}
	total := 0
	for _, tenant := range tenants {
		n, err := s.svc.CleanupOldQueues(ctx, tenant, s.cfg.RetentionDays)
		if err != nil {
			log.Error().Err(err).Str("tenant_id", tenant.String()).Msg("retention sweep failed")
			continue
		}
		total += n
	}
	if total > 0 {
		log.Info().Int("deleted", total).Int("tenants", len(tenants)).Msg("retention sweep finished")
	}
	return total
}

// ReapStuck reclaims expired processing lines for every tenant and returns
// the total reclaimed.
func (s *Service) ReapStuck(ctx context.Context) int {
	tenants, err := s.svc.Tenants(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list tenants")
		return 0
	}
	total := 0
	for _, tenant := range tenants {
		reclaimed, err := s.svc.ReapStuckLines(ctx, tenant)
		if err != nil {
			log.Error().Err(err).Str("tenant_id", tenant.String()).Msg("reaper sweep failed")
			continue
		}
		total += len(reclaimed)
	}
	return total
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
