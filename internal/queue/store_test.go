package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"syncqueue/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	db, d, err := Open(ctx, "sqlite", filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := EnsureSchema(ctx, db, d); err != nil {
		t.Fatalf("schema: %v", err)
	}
	// Running it twice must be harmless.
	if err := EnsureSchema(ctx, db, d); err != nil {
		t.Fatalf("schema again: %v", err)
	}
	return NewSQLStore(db, d)
}

// openPostgres runs against a throwaway schema when SYNCQ_TEST_POSTGRES_DSN
// is set.
func openPostgres(t *testing.T, driver string) *SQLStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("SYNCQ_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("SYNCQ_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, d, err := Open(ctx, driver, dsn)
	if err != nil {
		t.Fatalf("open %s: %v", driver, err)
	}
	t.Cleanup(func() { _ = db.Close() })
	for _, table := range []string{"sync_queue_activity", "sync_queue_lines", "sync_queues"} {
		if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS `+table); err != nil {
			t.Fatalf("drop %s: %v", table, err)
		}
	}
	if err := EnsureSchema(ctx, db, d); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return NewSQLStore(db, d)
}

func newQueue(tenant domain.TenantID, key string) domain.Queue {
	return domain.Queue{
		ID:             domain.QueueID(uuid.NewString()),
		TenantID:       tenant,
		Name:           "customers",
		SourceSystem:   "shopify",
		CreatedBy:      domain.UserID(uuid.NewString()),
		BatchSize:      50,
		IdempotencyKey: key,
		Metadata:       domain.NewEnvelope(json.RawMessage(`{"store":"eu"}`)),
		CreatedAt:      t0,
	}
}

func newLine(q domain.Queue, ext int64, at time.Time) domain.Line {
	return domain.Line{
		ID:               domain.LineID(uuid.NewString()),
		QueueID:          q.ID,
		TenantID:         q.TenantID,
		ExternalRecordID: ext,
		Payload:          domain.NewEnvelope(json.RawMessage(`{"n":1}`)),
		IdempotencyToken: uuid.NewString(),
		CreatedAt:        at,
	}
}

// sameJSON compares documents semantically; JSONB does not keep the input
// formatting.
func sameJSON(got json.RawMessage, want string) bool {
	var a, b any
	if json.Unmarshal(got, &a) != nil || json.Unmarshal([]byte(want), &b) != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, openSQLite(t))
}

func TestPostgresStorePgx(t *testing.T) {
	runStoreSuite(t, openPostgres(t, "pgx"))
}

func TestPostgresStorePq(t *testing.T) {
	runStoreSuite(t, openPostgres(t, "postgres"))
}

func runStoreSuite(t *testing.T, s *SQLStore) {
	ctx := context.Background()
	tenant := domain.TenantID(uuid.NewString())
	q := newQueue(tenant, "k-1")

	t.Run("create queue is idempotent per tenant", func(t *testing.T) {
		id, created, err := s.CreateQueue(ctx, q)
		if err != nil || !created || id != q.ID {
			t.Fatalf("create: id=%s created=%v err=%v", id, created, err)
		}
		dup := newQueue(tenant, "k-1")
		id, created, err = s.CreateQueue(ctx, dup)
		if err != nil || created || id != q.ID {
			t.Fatalf("duplicate: id=%s created=%v err=%v", id, created, err)
		}
		got, err := s.GetQueue(ctx, tenant, q.ID)
		if err != nil || got == nil {
			t.Fatalf("get: %v", err)
		}
		if got.State != domain.QueueDraft || got.BatchSize != 50 || !sameJSON(got.Metadata.Data, `{"store":"eu"}`) {
			t.Fatalf("queue=%+v", got)
		}
		if !got.CreatedAt.Equal(t0) {
			t.Fatalf("created_at=%s, want %s", got.CreatedAt, t0)
		}

		// A clashing id under a new key has no queue to hand back.
		clash := newQueue(tenant, "k-2")
		clash.ID = q.ID
		if _, _, err := s.CreateQueue(ctx, clash); !errors.Is(err, sql.ErrNoRows) {
			t.Fatalf("id clash: err=%v, want lookup failure", err)
		}
	})

	var lines []domain.Line
	t.Run("upsert keeps one line per external record", func(t *testing.T) {
		for i, ext := range []int64{30, 10, 20} {
			l := newLine(q, ext, t0.Add(time.Duration(i)*time.Second))
			id, err := s.UpsertLine(ctx, l)
			if err != nil || id != l.ID {
				t.Fatalf("upsert %d: id=%s err=%v", ext, id, err)
			}
			lines = append(lines, l)
		}
		again := newLine(q, 10, t0.Add(time.Hour))
		again.Payload = domain.NewEnvelope(json.RawMessage(`{"n":2}`))
		id, err := s.UpsertLine(ctx, again)
		if err != nil || id != lines[1].ID {
			t.Fatalf("re-upsert: id=%s err=%v, want %s", id, err, lines[1].ID)
		}
		got, _ := s.GetLine(ctx, tenant, id)
		if !sameJSON(got.Payload.Data, `{"n":2}`) {
			t.Fatalf("payload not refreshed: %s", got.Payload.Data)
		}
		qq, _ := s.GetQueue(ctx, tenant, q.ID)
		if qq.TotalCount != 3 || qq.DraftCount != 3 {
			t.Fatalf("counts total=%d draft=%d", qq.TotalCount, qq.DraftCount)
		}
	})

	t.Run("foreign tenant cannot write lines", func(t *testing.T) {
		l := newLine(q, 99, t0)
		l.TenantID = domain.TenantID(uuid.NewString())
		if _, err := s.UpsertLine(ctx, l); err != domain.ErrNotFound {
			t.Fatalf("err=%v, want ErrNotFound", err)
		}
	})

	t.Run("draft lines come oldest first", func(t *testing.T) {
		got, err := s.NextDraftLines(ctx, tenant, q.ID, 10)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		want := []int64{30, 10, 20}
		if len(got) != len(want) {
			t.Fatalf("got %d lines", len(got))
		}
		for i := range want {
			if got[i].ExternalRecordID != want[i] {
				t.Fatalf("position %d: ext=%d, want %d", i, got[i].ExternalRecordID, want[i])
			}
		}
	})

	t.Run("claim marks processing once", func(t *testing.T) {
		deadline := t0.Add(10 * time.Minute)
		claimed, err := s.ClaimDraftLines(ctx, tenant, q.ID, 2, deadline, t0)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if len(claimed) != 2 || claimed[0].ExternalRecordID != 30 || claimed[1].ExternalRecordID != 10 {
			t.Fatalf("claimed=%+v", claimed)
		}
		for _, l := range claimed {
			if l.State != domain.LineProcessing || l.ProcessCount != 1 || l.ProcessingDeadline == nil {
				t.Fatalf("claimed line=%+v", l)
			}
		}
		rest, err := s.ClaimDraftLines(ctx, tenant, q.ID, 10, deadline, t0)
		if err != nil || len(rest) != 1 || rest[0].ExternalRecordID != 20 {
			t.Fatalf("second claim: n=%d err=%v", len(rest), err)
		}
		none, err := s.ClaimDraftLines(ctx, tenant, q.ID, 10, deadline, t0)
		if err != nil || len(none) != 0 {
			t.Fatalf("third claim: n=%d err=%v", len(none), err)
		}
	})

	t.Run("outcomes and recount", func(t *testing.T) {
		ok, err := s.CompleteLine(ctx, CompleteLineRequest{TenantID: tenant, QueueID: q.ID, LineID: lines[0].ID, ResultRecordID: "c-30", WasUpdate: true, Now: t0})
		if err != nil || !ok {
			t.Fatalf("complete: ok=%v err=%v", ok, err)
		}
		ok, err = s.CompleteLine(ctx, CompleteLineRequest{TenantID: tenant, QueueID: q.ID, LineID: lines[0].ID, Now: t0})
		if err != nil || ok {
			t.Fatalf("complete twice: ok=%v err=%v", ok, err)
		}
		res, err := s.FailLine(ctx, FailLineRequest{TenantID: tenant, QueueID: q.ID, LineID: lines[1].ID, Message: "boom", Now: t0})
		if err != nil || !res.Updated || res.ErrorCount != 1 || res.ProcessCount != 1 {
			t.Fatalf("fail: %+v err=%v", res, err)
		}
		qq, _ := s.GetQueue(ctx, tenant, q.ID)
		if qq.DoneCount != 1 || qq.FailedCount != 1 || qq.InFlightCount() != 1 {
			t.Fatalf("counts done=%d failed=%d inflight=%d", qq.DoneCount, qq.FailedCount, qq.InFlightCount())
		}
		retry, err := s.RetryableFailedLines(ctx, tenant, q.ID, 3)
		if err != nil || len(retry) != 1 || retry[0].ID != lines[1].ID {
			t.Fatalf("retryable: n=%d err=%v", len(retry), err)
		}
		done, _ := s.GetLine(ctx, tenant, lines[0].ID)
		if done.ResultRecordID != "c-30" || !done.WasUpdate || done.ProcessingDeadline != nil {
			t.Fatalf("done line=%+v", done)
		}
	})

	t.Run("mark processing skips foreign and terminal lines", func(t *testing.T) {
		ids := []domain.LineID{lines[0].ID, lines[1].ID}
		n, err := s.MarkLinesProcessing(ctx, domain.TenantID(uuid.NewString()), ids, t0.Add(time.Minute), t0)
		if err != nil || n != 0 {
			t.Fatalf("foreign: n=%d err=%v", n, err)
		}
		n, err = s.MarkLinesProcessing(ctx, tenant, ids, t0.Add(time.Minute), t0)
		if err != nil || n != 1 {
			t.Fatalf("own: n=%d err=%v, want only the failed line", n, err)
		}
	})

	t.Run("reclaim expired lines", func(t *testing.T) {
		later := t0.Add(time.Hour)
		got, err := s.ReclaimExpiredLines(ctx, ReclaimRequest{TenantID: tenant, Now: later, MaxReclaims: 1, Message: "expired"})
		if err != nil {
			t.Fatalf("reclaim: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("reclaimed %d lines, want 2", len(got))
		}
		for _, r := range got {
			if r.State != domain.LineDraft || r.ReclaimCount != 1 {
				t.Fatalf("reclaimed=%+v", r)
			}
		}
		claimed, _ := s.ClaimDraftLines(ctx, tenant, q.ID, 10, later.Add(time.Minute), later)
		if len(claimed) != 2 {
			t.Fatalf("reclaimed lines not claimable: %d", len(claimed))
		}
		got, err = s.ReclaimExpiredLines(ctx, ReclaimRequest{TenantID: tenant, Now: later.Add(time.Hour), MaxReclaims: 1, Message: "expired"})
		if err != nil || len(got) != 2 || got[0].State != domain.LineFailed {
			t.Fatalf("second reclaim: %+v err=%v", got, err)
		}
	})

	t.Run("activity is tenant checked", func(t *testing.T) {
		line := lines[0].ID
		e := domain.ActivityEntry{
			ID: uuid.NewString(), TenantID: tenant, QueueID: q.ID, LineID: &line,
			Type: domain.ActivityLineDone, Status: domain.StatusSuccess, Message: "ok", CreatedAt: t0,
		}
		if err := s.InsertActivity(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
		foreign := e
		foreign.ID = uuid.NewString()
		foreign.TenantID = domain.TenantID(uuid.NewString())
		if err := s.InsertActivity(ctx, foreign); err != domain.ErrNotFound {
			t.Fatalf("foreign insert: err=%v", err)
		}
		got, err := s.ListActivity(ctx, tenant, q.ID, 10)
		if err != nil || len(got) != 1 || got[0].LineID == nil || *got[0].LineID != line {
			t.Fatalf("list: %+v err=%v", got, err)
		}
	})

	t.Run("close cancels remaining lines", func(t *testing.T) {
		flagged, err := s.FlagActionRequired(ctx, tenant, q.ID, 0, "stuck", t0)
		if err != nil || flagged {
			t.Fatalf("flag at process_count 0: %v %v", flagged, err)
		}
		res, err := s.CloseQueue(ctx, CloseQueueRequest{TenantID: tenant, QueueID: q.ID, To: domain.QueueDone, ClearActionRequired: true, Now: t0})
		if err != nil || !res.Closed || res.Cancelled != 2 {
			t.Fatalf("close: %+v err=%v", res, err)
		}
		again, err := s.CloseQueue(ctx, CloseQueueRequest{TenantID: tenant, QueueID: q.ID, To: domain.QueueCancelled, Now: t0})
		if err != nil || again.Closed {
			t.Fatalf("close closed queue: %+v err=%v", again, err)
		}
		qq, _ := s.GetQueue(ctx, tenant, q.ID)
		if qq.State != domain.QueueDone || qq.CancelledCount != 2 || qq.DoneCount != 1 {
			t.Fatalf("queue=%+v", qq)
		}
	})

	t.Run("retention removes only old terminal queues", func(t *testing.T) {
		active := newQueue(tenant, "k-2")
		if _, _, err := s.CreateQueue(ctx, active); err != nil {
			t.Fatalf("create: %v", err)
		}
		n, err := s.DeleteTerminalQueues(ctx, tenant, t0)
		if err != nil || n != 0 {
			t.Fatalf("cutoff at t0: n=%d err=%v", n, err)
		}
		n, err = s.DeleteTerminalQueues(ctx, tenant, t0.Add(24*time.Hour))
		if err != nil || n != 1 {
			t.Fatalf("cutoff t0+1d: n=%d err=%v", n, err)
		}
		if got, _ := s.GetQueue(ctx, tenant, q.ID); got != nil {
			t.Fatalf("terminal queue kept")
		}
		if got, _ := s.GetQueue(ctx, tenant, active.ID); got == nil {
			t.Fatalf("draft queue removed")
		}
		tenants, err := s.ListTenants(ctx)
		if err != nil || len(tenants) != 1 || tenants[0] != tenant {
			t.Fatalf("tenants=%v err=%v", tenants, err)
		}
	})
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y IN (?,?)`
	if got := DialectSQLite.rebind(q); got != q {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
	want := `SELECT a FROM t WHERE x = $1 AND y IN ($2,$3)`
	if got := DialectPostgres.rebind(q); got != want {
		t.Fatalf("postgres rebind=%s, want %s", got, want)
	}
}

func TestSchemaPerDialect(t *testing.T) {
	pg := DialectPostgres.schema()
	if !strings.Contains(pg, "JSONB") || !strings.Contains(pg, "BIGSERIAL") || strings.Contains(pg, "{{") {
		t.Fatalf("postgres schema not expanded")
	}
	lite := DialectSQLite.schema()
	if strings.Contains(lite, "{{") || strings.Contains(lite, "BIGSERIAL") {
		t.Fatalf("sqlite schema not expanded")
	}
}

func TestDecodeEnvelopeAcceptsBareJSON(t *testing.T) {
	env := decodeEnvelope([]byte(`{"schema_version":1,"data":{"a":1}}`))
	if env.SchemaVersion != 1 || string(env.Data) != `{"a":1}` {
		t.Fatalf("versioned=%+v", env)
	}
	legacy := decodeEnvelope([]byte(`{"a":1}`))
	if legacy.SchemaVersion != 0 || string(legacy.Data) != `{"a":1}` {
		t.Fatalf("legacy=%+v", legacy)
	}
	if !decodeEnvelope(nil).IsZero() {
		t.Fatalf("nil should decode to zero envelope")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, _, err := Open(context.Background(), "mysql", "x"); err == nil {
		t.Fatalf("expected error")
	}
	if _, _, err := Open(context.Background(), "sqlite", " "); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

var _ Repository = (*SQLStore)(nil)
