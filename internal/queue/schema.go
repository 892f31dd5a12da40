package queue

import (
	"context"
	"database/sql"
	"strings"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_queues (
  id                     TEXT PRIMARY KEY,
  tenant_id              TEXT NOT NULL,
  queue_name             TEXT NOT NULL,
  source_system          TEXT NOT NULL DEFAULT '',
  created_by             TEXT NOT NULL,
  batch_size             INTEGER NOT NULL DEFAULT 100,
  batch_delay_ms         INTEGER NOT NULL DEFAULT 0,
  idempotency_key        TEXT NOT NULL,
  state                  TEXT NOT NULL CHECK(state IN ('draft','processing','partial','done','failed','cancelled')) DEFAULT 'draft',
  total_count            INTEGER NOT NULL DEFAULT 0,
  draft_count            INTEGER NOT NULL DEFAULT 0,
  done_count             INTEGER NOT NULL DEFAULT 0,
  failed_count           INTEGER NOT NULL DEFAULT 0,
  cancelled_count        INTEGER NOT NULL DEFAULT 0,
  process_count          INTEGER NOT NULL DEFAULT 0,
  is_action_required     {{BOOL}} NOT NULL DEFAULT {{FALSE}},
  action_required_reason TEXT,
  is_processing          {{BOOL}} NOT NULL DEFAULT {{FALSE}},
  metadata               {{JSON}},
  created_at             {{TS}} NOT NULL,
  updated_at             {{TS}} NOT NULL,
  last_process_date      {{TS}}
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_queues_idem ON sync_queues(tenant_id, idempotency_key);
CREATE INDEX IF NOT EXISTS idx_sync_queues_tenant_state ON sync_queues(tenant_id, state, updated_at);

CREATE TABLE IF NOT EXISTS sync_queue_lines (
  {{SEQ}}
  id                   TEXT PRIMARY KEY,
  queue_id             TEXT NOT NULL REFERENCES sync_queues(id) ON DELETE CASCADE,
  tenant_id            TEXT NOT NULL,
  external_record_id   BIGINT NOT NULL,
  customer_data        {{JSON}} NOT NULL,
  external_id          TEXT,
  idempotency_token    TEXT NOT NULL,
  state                TEXT NOT NULL CHECK(state IN ('draft','processing','done','failed','cancelled')) DEFAULT 'draft',
  process_count        INTEGER NOT NULL DEFAULT 0,
  error_count          INTEGER NOT NULL DEFAULT 0,
  reclaim_count        INTEGER NOT NULL DEFAULT 0,
  error_message        TEXT,
  last_error_timestamp {{TS}},
  result_record_id     TEXT,
  was_update           {{BOOL}} NOT NULL DEFAULT {{FALSE}},
  processing_deadline  {{TS}},
  last_process_date    {{TS}},
  created_at           {{TS}} NOT NULL,
  updated_at           {{TS}} NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_queue_lines_ext ON sync_queue_lines(queue_id, external_record_id);
CREATE INDEX IF NOT EXISTS idx_sync_queue_lines_token ON sync_queue_lines(idempotency_token);
CREATE INDEX IF NOT EXISTS idx_sync_queue_lines_dispatch ON sync_queue_lines(queue_id, tenant_id, state, created_at);
CREATE INDEX IF NOT EXISTS idx_sync_queue_lines_deadline ON sync_queue_lines(tenant_id, state, processing_deadline);

CREATE TABLE IF NOT EXISTS sync_queue_activity (
  {{SEQ}}
  id            TEXT PRIMARY KEY,
  queue_id      TEXT NOT NULL REFERENCES sync_queues(id) ON DELETE CASCADE,
  queue_line_id TEXT,
  tenant_id     TEXT NOT NULL,
  activity_type TEXT NOT NULL,
  status        TEXT NOT NULL,
  message       TEXT NOT NULL,
  details       {{JSON}},
  created_by    TEXT,
  created_at    {{TS}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_activity_queue ON sync_queue_activity(queue_id, tenant_id, created_at DESC);
`

func (d Dialect) schema() string {
	r := strings.NewReplacer(
		"{{BOOL}}", "INTEGER",
		"{{FALSE}}", "0",
		"{{JSON}}", "TEXT",
		"{{TS}}", "DATETIME",
		"{{SEQ}}", "",
	)
	if d == DialectPostgres {
		r = strings.NewReplacer(
			"{{BOOL}}", "BOOLEAN",
			"{{FALSE}}", "FALSE",
			"{{JSON}}", "JSONB",
			"{{TS}}", "TIMESTAMPTZ",
			"{{SEQ}}", "seq BIGSERIAL,",
		)
	}
	return r.Replace(schema)
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(ctx context.Context, db *sql.DB, d Dialect) error {
	if d == DialectSQLite {
		if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
			return err
		}
	}
	_, err := db.ExecContext(ctx, d.schema())
	return err
}
