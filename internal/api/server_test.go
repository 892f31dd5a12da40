package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"syncqueue/internal/engine"
	"syncqueue/internal/queue"
)

type client struct {
	t      *testing.T
	srv    *httptest.Server
	tenant string
	user   string
}

func newClient(t *testing.T) *client {
	t.Helper()
	ctx := context.Background()
	db, d, err := queue.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := queue.EnsureSchema(ctx, db, d); err != nil {
		t.Fatalf("schema: %v", err)
	}
	svc := engine.New(queue.NewSQLStore(db, d), engine.WithLogger(zerolog.Nop()))
	srv := httptest.NewServer(NewServer(svc))
	t.Cleanup(srv.Close)
	return &client{t: t, srv: srv, tenant: uuid.NewString(), user: uuid.NewString()}
}

func (c *client) do(method, path string, body any, out any) int {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			c.t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.srv.URL+path, &buf)
	if err != nil {
		c.t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tenant != "" {
		req.Header.Set(headerTenant, c.tenant)
	}
	if c.user != "" {
		req.Header.Set(headerUser, c.user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			c.t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (c *client) createQueue(batchSize int) string {
	c.t.Helper()
	var created idResp
	code := c.do(http.MethodPost, "/api/queues", map[string]any{"name": "customers", "batch_size": batchSize}, &created)
	if code != http.StatusCreated || created.ID == "" {
		c.t.Fatalf("create queue: code=%d id=%q", code, created.ID)
	}
	return created.ID
}

func TestHealth(t *testing.T) {
	c := newClient(t)
	if code := c.do(http.MethodGet, "/health", nil, nil); code != http.StatusOK {
		t.Fatalf("health=%d", code)
	}
}

func TestQueueLifecycle(t *testing.T) {
	c := newClient(t)
	q := c.createQueue(2)

	for _, ext := range []any{101, "102", 103} {
		body := map[string]any{"external_record_id": ext, "payload": map[string]string{"email": "a@example.com"}}
		if code := c.do(http.MethodPost, "/api/queues/"+q+"/lines", body, &idResp{}); code != http.StatusAccepted {
			t.Fatalf("add line %v: code=%d", ext, code)
		}
	}

	var claimed []lineView
	if code := c.do(http.MethodPost, "/api/queues/"+q+"/claim", nil, &claimed); code != http.StatusOK {
		t.Fatalf("claim: code=%d", code)
	}
	if len(claimed) != 2 || claimed[0].ExternalRecordID != 101 || claimed[0].State != "processing" {
		t.Fatalf("claimed=%+v", claimed)
	}

	done := map[string]any{"result_record_id": "cust-1", "was_update": false}
	if code := c.do(http.MethodPost, "/api/queues/"+q+"/lines/"+claimed[0].ID+"/done", done, nil); code != http.StatusNoContent {
		t.Fatalf("done: code=%d", code)
	}
	var failed failedResp
	if code := c.do(http.MethodPost, "/api/queues/"+q+"/lines/"+claimed[1].ID+"/failed", map[string]string{"message": "duplicate email"}, &failed); code != http.StatusOK {
		t.Fatalf("failed: code=%d", code)
	}
	if failed.ErrorCount != 1 || !failed.RetryEligible {
		t.Fatalf("failed=%+v", failed)
	}

	var st statusView
	if code := c.do(http.MethodGet, "/api/queues/"+q, nil, &st); code != http.StatusOK {
		t.Fatalf("status: code=%d", code)
	}
	if st.TotalCount != 3 || st.DoneCount != 1 || st.FailedCount != 1 || st.DraftCount != 1 || st.Progress != 33 {
		t.Fatalf("status=%+v", st)
	}

	var line lineView
	if code := c.do(http.MethodGet, "/api/lines/"+claimed[1].ID, nil, &line); code != http.StatusOK {
		t.Fatalf("get line: code=%d", code)
	}
	if line.ErrorMessage != "duplicate email" || line.State != "failed" {
		t.Fatalf("line=%+v", line)
	}

	var closed closeResp
	if code := c.do(http.MethodPost, "/api/queues/"+q+"/force-done", nil, &closed); code != http.StatusOK {
		t.Fatalf("force done: code=%d", code)
	}
	if closed.Cancelled != 2 {
		t.Fatalf("cancelled=%d, want 2", closed.Cancelled)
	}

	var trail []activityView
	if code := c.do(http.MethodGet, "/api/queues/"+q+"/activity", nil, &trail); code != http.StatusOK {
		t.Fatalf("activity: code=%d", code)
	}
	if len(trail) != 4 || trail[0].Type != "force_done" {
		t.Fatalf("activity=%+v", trail)
	}

	var queues []queueView
	if code := c.do(http.MethodGet, "/api/queues?limit=10", nil, &queues); code != http.StatusOK {
		t.Fatalf("list: code=%d", code)
	}
	if len(queues) != 1 || queues[0].State != "done" {
		t.Fatalf("queues=%+v", queues)
	}
}

func TestErrorMapping(t *testing.T) {
	c := newClient(t)
	q := c.createQueue(10)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		tenant string
		want   int
	}{
		{"missing tenant", http.MethodGet, "/api/queues/" + q, nil, "-", http.StatusBadRequest},
		{"malformed queue id", http.MethodGet, "/api/queues/not-a-uuid", nil, "", http.StatusBadRequest},
		{"foreign tenant", http.MethodGet, "/api/queues/" + q, nil, uuid.NewString(), http.StatusNotFound},
		{"foreign tenant add line", http.MethodPost, "/api/queues/" + q + "/lines", map[string]any{"external_record_id": 1}, uuid.NewString(), http.StatusNotFound},
		{"bad record id", http.MethodPost, "/api/queues/" + q + "/lines", map[string]any{"external_record_id": -4}, "", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/api/queues?limit=ten", nil, "", http.StatusBadRequest},
		{"unknown line", http.MethodPost, "/api/queues/" + q + "/lines/" + uuid.NewString() + "/done", nil, "", http.StatusNotFound},
		{"bad activity type", http.MethodPost, "/api/queues/" + q + "/activity", map[string]string{"type": "nope", "status": "info", "message": "x"}, "", http.StatusBadRequest},
		{"fail without reason", http.MethodPost, "/api/queues/" + q + "/fail", nil, "", http.StatusBadRequest},
	}
	for _, tc := range cases {
		own := c.tenant
		switch tc.tenant {
		case "-":
			c.tenant = ""
		case "":
		default:
			c.tenant = tc.tenant
		}
		code := c.do(tc.method, tc.path, tc.body, nil)
		c.tenant = own
		if code != tc.want {
			t.Fatalf("%s: code=%d, want %d", tc.name, code, tc.want)
		}
	}

	if code := c.do(http.MethodPost, "/api/queues/"+q+"/cancel", map[string]string{"reason": "not needed"}, &closeResp{}); code != http.StatusOK {
		t.Fatalf("cancel: code=%d", code)
	}
	if code := c.do(http.MethodPost, "/api/queues/"+q+"/lines", map[string]any{"external_record_id": 1}, nil); code != http.StatusConflict {
		t.Fatalf("add to cancelled queue: code=%d, want 409", code)
	}
}

func TestLogActivity(t *testing.T) {
	c := newClient(t)
	q := c.createQueue(10)
	body := map[string]any{"type": "queue_created", "status": "info", "message": "imported from CSV", "details": map[string]int{"rows": 3}}
	if code := c.do(http.MethodPost, "/api/queues/"+q+"/activity", body, nil); code != http.StatusNoContent {
		t.Fatalf("log activity: code=%d", code)
	}
	var trail []activityView
	c.do(http.MethodGet, "/api/queues/"+q+"/activity?limit=1", nil, &trail)
	if len(trail) != 1 || trail[0].Message != "imported from CSV" || trail[0].CreatedBy == nil {
		t.Fatalf("trail=%+v", trail)
	}
}

func TestCreateQueueTruncatesNumbers(t *testing.T) {
	c := newClient(t)
	var created idResp
	body := map[string]any{"name": "customers", "batch_size": 2.5, "batch_delay_ms": 1500.9}
	if code := c.do(http.MethodPost, "/api/queues", body, &created); code != http.StatusCreated {
		t.Fatalf("create: code=%d", code)
	}
	var st statusView
	if code := c.do(http.MethodGet, "/api/queues/"+created.ID, nil, &st); code != http.StatusOK {
		t.Fatalf("status: code=%d", code)
	}
	if st.BatchSize != 2 || st.BatchDelayMs != 1500 {
		t.Fatalf("batch_size=%d batch_delay_ms=%d, want 2 and 1500", st.BatchSize, st.BatchDelayMs)
	}

	body = map[string]any{"name": "customers", "batch_size": 0.5}
	if code := c.do(http.MethodPost, "/api/queues", body, nil); code != http.StatusBadRequest {
		t.Fatalf("batch_size 0.5: code=%d, want 400", code)
	}
}
