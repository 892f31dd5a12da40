package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"syncqueue/internal/domain"
	"syncqueue/internal/queue"
)

type fakeMaintainer struct {
	tenants   []domain.TenantID
	failFor   domain.TenantID
	cleaned   map[domain.TenantID]int
	reaped    []domain.TenantID
	retention int
}

func (f *fakeMaintainer) Tenants(context.Context) ([]domain.TenantID, error) {
	return f.tenants, nil
}

func (f *fakeMaintainer) CleanupOldQueues(_ context.Context, tenant domain.TenantID, days int) (int, error) {
	f.retention = days
	if tenant == f.failFor {
		return 0, errors.New("db gone")
	}
	if f.cleaned == nil {
		f.cleaned = map[domain.TenantID]int{}
	}
	f.cleaned[tenant]++
	return 2, nil
}

func (f *fakeMaintainer) ReapStuckLines(_ context.Context, tenant domain.TenantID) ([]queue.ReclaimedLine, error) {
	f.reaped = append(f.reaped, tenant)
	if tenant == f.failFor {
		return nil, errors.New("db gone")
	}
	return []queue.ReclaimedLine{{State: domain.LineDraft}}, nil
}

func newFake() *fakeMaintainer {
	return &fakeMaintainer{tenants: []domain.TenantID{"t1", "t2", "t3"}, failFor: "t2"}
}

func TestSweepRetentionCoversEveryTenant(t *testing.T) {
	f := newFake()
	s, err := NewService(f, Config{RetentionCron: "0 3 * * *", ReaperCron: "* * * * *", RetentionDays: 45})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := s.SweepRetention(context.Background()); got != 4 {
		t.Fatalf("deleted=%d, want 4", got)
	}
	if f.cleaned["t1"] != 1 || f.cleaned["t3"] != 1 || f.retention != 45 {
		t.Fatalf("cleaned=%v retention=%d", f.cleaned, f.retention)
	}
}

func TestReapStuckCoversEveryTenant(t *testing.T) {
	f := newFake()
	s, err := NewService(f, Config{RetentionCron: "0 3 * * *", ReaperCron: "* * * * *"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := s.ReapStuck(context.Background()); got != 2 {
		t.Fatalf("reclaimed=%d, want 2", got)
	}
	if len(f.reaped) != 3 {
		t.Fatalf("reaped tenants=%v", f.reaped)
	}
}

func TestNewServiceRejectsBadCron(t *testing.T) {
	if _, err := NewService(newFake(), Config{RetentionCron: "nope", ReaperCron: "* * * * *"}); err == nil {
		t.Fatalf("expected error for bad retention cron")
	}
	if _, err := NewService(newFake(), Config{RetentionCron: "0 3 * * *", ReaperCron: ""}); err == nil {
		t.Fatalf("expected error for empty reaper cron")
	}
}

func TestStartStops(t *testing.T) {
	s, err := NewService(newFake(), Config{RetentionCron: "0 3 * * *", ReaperCron: "*/5 * * * *"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()
	s.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
}

func TestNextRunTime(t *testing.T) {
	from := time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC)
	next, err := NextRunTime("0 3 * * *", from)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if want := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next=%s, want %s", next, want)
	}
}
