// Package webhook syncs a line by POSTing it to a downstream endpoint that
// writes the record into the system of record.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"syncqueue/internal/domain"
	"syncqueue/internal/worker"
)

const maxResponseBody = 1 << 20

type Webhook struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

func New(url string, timeout time.Duration, headers map[string]string) (*Webhook, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("webhook URL is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Webhook{URL: url, Headers: headers, Client: &http.Client{Timeout: timeout}}, nil
}

// Request is the body sent for every line.
type Request struct {
	TenantID         domain.TenantID `json:"tenant_id"`
	QueueID          domain.QueueID  `json:"queue_id"`
	LineID           domain.LineID   `json:"line_id"`
	ExternalRecordID int64           `json:"external_record_id"`
	ExternalID       string          `json:"external_id,omitempty"`
	IdempotencyToken string          `json:"idempotency_token"`
	Attempt          int             `json:"attempt"`
	Payload          domain.Envelope `json:"payload"`
}

// Response is what the endpoint answers on success.
type Response struct {
	RecordID string `json:"record_id"`
	Updated  bool   `json:"updated"`
}

func (h *Webhook) Handle(ctx context.Context, line domain.Line) (worker.Result, error) {
	body, err := json.Marshal(Request{
		TenantID:         line.TenantID,
		QueueID:          line.QueueID,
		LineID:           line.ID,
		ExternalRecordID: line.ExternalRecordID,
		ExternalID:       line.ExternalID,
		IdempotencyToken: line.IdempotencyToken,
		Attempt:          line.ProcessCount,
		Payload:          line.Payload,
	})
	if err != nil {
		return worker.Result{}, fmt.Errorf("encode line: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return worker.Result{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", line.IdempotencyToken)
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return worker.Result{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return worker.Result{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return worker.Result{}, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out Response
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			return worker.Result{}, fmt.Errorf("invalid response body: %w", err)
		}
	}
	return worker.Result{RecordID: out.RecordID, WasUpdate: out.Updated}, nil
}
