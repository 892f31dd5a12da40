package api

import (
	"time"

	"syncqueue/internal/domain"
)

type queueView struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	SourceSystem         string          `json:"source_system"`
	CreatedBy            string          `json:"created_by"`
	BatchSize            int             `json:"batch_size"`
	BatchDelayMs         int             `json:"batch_delay_ms"`
	IdempotencyKey       string          `json:"idempotency_key"`
	State                string          `json:"state"`
	TotalCount           int             `json:"total_count"`
	DraftCount           int             `json:"draft_count"`
	DoneCount            int             `json:"done_count"`
	FailedCount          int             `json:"failed_count"`
	CancelledCount       int             `json:"cancelled_count"`
	ProcessCount         int             `json:"process_count"`
	IsActionRequired     bool            `json:"is_action_required"`
	ActionRequiredReason string          `json:"action_required_reason,omitempty"`
	IsProcessing         bool            `json:"is_processing"`
	Metadata             domain.Envelope `json:"metadata"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	LastProcessDate      *time.Time      `json:"last_process_date,omitempty"`
}

func newQueueView(q domain.Queue) queueView {
	return queueView{
		ID:                   q.ID.String(),
		Name:                 q.Name,
		SourceSystem:         q.SourceSystem,
		CreatedBy:            q.CreatedBy.String(),
		BatchSize:            q.BatchSize,
		BatchDelayMs:         q.BatchDelayMs,
		IdempotencyKey:       q.IdempotencyKey,
		State:                string(q.State),
		TotalCount:           q.TotalCount,
		DraftCount:           q.DraftCount,
		DoneCount:            q.DoneCount,
		FailedCount:          q.FailedCount,
		CancelledCount:       q.CancelledCount,
		ProcessCount:         q.ProcessCount,
		IsActionRequired:     q.IsActionRequired,
		ActionRequiredReason: q.ActionRequiredReason,
		IsProcessing:         q.IsProcessing,
		Metadata:             q.Metadata,
		CreatedAt:            q.CreatedAt,
		UpdatedAt:            q.UpdatedAt,
		LastProcessDate:      q.LastProcessDate,
	}
}

type statusView struct {
	queueView
	Progress        int `json:"progress"`
	ProcessingCount int `json:"processing_count"`
}

func newStatusView(st domain.QueueStatus) statusView {
	return statusView{
		queueView:       newQueueView(st.Queue),
		Progress:        st.Progress,
		ProcessingCount: st.ProcessingCount,
	}
}

type lineView struct {
	ID                 string          `json:"id"`
	QueueID            string          `json:"queue_id"`
	ExternalRecordID   int64           `json:"external_record_id"`
	ExternalID         string          `json:"external_id,omitempty"`
	IdempotencyToken   string          `json:"idempotency_token"`
	State              string          `json:"state"`
	Payload            domain.Envelope `json:"payload"`
	ProcessCount       int             `json:"process_count"`
	ErrorCount         int             `json:"error_count"`
	ReclaimCount       int             `json:"reclaim_count"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	LastErrorTimestamp *time.Time      `json:"last_error_timestamp,omitempty"`
	ResultRecordID     string          `json:"result_record_id,omitempty"`
	WasUpdate          bool            `json:"was_update"`
	ProcessingDeadline *time.Time      `json:"processing_deadline,omitempty"`
	LastProcessDate    *time.Time      `json:"last_process_date,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func newLineView(l domain.Line) lineView {
	return lineView{
		ID:                 l.ID.String(),
		QueueID:            l.QueueID.String(),
		ExternalRecordID:   l.ExternalRecordID,
		ExternalID:         l.ExternalID,
		IdempotencyToken:   l.IdempotencyToken,
		State:              string(l.State),
		Payload:            l.Payload,
		ProcessCount:       l.ProcessCount,
		ErrorCount:         l.ErrorCount,
		ReclaimCount:       l.ReclaimCount,
		ErrorMessage:       l.ErrorMessage,
		LastErrorTimestamp: l.LastErrorTimestamp,
		ResultRecordID:     l.ResultRecordID,
		WasUpdate:          l.WasUpdate,
		ProcessingDeadline: l.ProcessingDeadline,
		LastProcessDate:    l.LastProcessDate,
		CreatedAt:          l.CreatedAt,
		UpdatedAt:          l.UpdatedAt,
	}
}

func lineViews(lines []domain.Line) []lineView {
	out := make([]lineView, 0, len(lines))
	for _, l := range lines {
		out = append(out, newLineView(l))
	}
	return out
}

type activityView struct {
	ID        string          `json:"id"`
	LineID    *string         `json:"line_id,omitempty"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	Details   domain.Envelope `json:"details"`
	CreatedBy *string         `json:"created_by,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func newActivityView(e domain.ActivityEntry) activityView {
	v := activityView{
		ID:        e.ID,
		Type:      string(e.Type),
		Status:    string(e.Status),
		Message:   e.Message,
		Details:   e.Details,
		CreatedAt: e.CreatedAt,
	}
	if e.LineID != nil {
		id := e.LineID.String()
		v.LineID = &id
	}
	if e.CreatedBy != nil {
		id := e.CreatedBy.String()
		v.CreatedBy = &id
	}
	return v
}
