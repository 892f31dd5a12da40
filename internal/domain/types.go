package domain

import (
	"encoding/json"
	"time"
)

// Identifier newtypes. Values are only produced by the validate package so a
// TenantID can never be passed where a QueueID is expected.
type (
	TenantID string
	QueueID  string
	LineID   string
	UserID   string
)

func (id TenantID) String() string { return string(id) }
func (id QueueID) String() string  { return string(id) }
func (id LineID) String() string   { return string(id) }
func (id UserID) String() string   { return string(id) }

// CurrentSchemaVersion is stamped on envelopes written by this build.
const CurrentSchemaVersion = 1

// Envelope carries opaque structured data with a version tag so the shape of
// queued payloads can evolve without breaking lines written by older callers.
type Envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope wraps data at the current schema version.
func NewEnvelope(data json.RawMessage) Envelope {
	return Envelope{SchemaVersion: CurrentSchemaVersion, Data: data}
}

func (e Envelope) IsZero() bool { return e.SchemaVersion == 0 && len(e.Data) == 0 }

type Queue struct {
	ID                   QueueID
	TenantID             TenantID
	Name                 string
	SourceSystem         string
	CreatedBy            UserID
	BatchSize            int
	BatchDelayMs         int
	IdempotencyKey       string
	State                QueueState
	TotalCount           int
	DraftCount           int
	DoneCount            int
	FailedCount          int
	CancelledCount       int
	ProcessCount         int
	IsActionRequired     bool
	ActionRequiredReason string
	IsProcessing         bool
	Metadata             Envelope
	CreatedAt            time.Time
	UpdatedAt            time.Time
	LastProcessDate      *time.Time
}

// InFlightCount is the number of lines currently in processing.
func (q Queue) InFlightCount() int {
	return q.TotalCount - q.DraftCount - q.DoneCount - q.FailedCount - q.CancelledCount
}

type Line struct {
	ID                 LineID
	QueueID            QueueID
	TenantID           TenantID
	ExternalRecordID   int64
	Payload            Envelope
	ExternalID         string
	IdempotencyToken   string
	State              LineState
	ProcessCount       int
	ErrorCount         int
	ReclaimCount       int
	ErrorMessage       string
	LastErrorTimestamp *time.Time
	ResultRecordID     string
	WasUpdate          bool
	ProcessingDeadline *time.Time
	LastProcessDate    *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type ActivityEntry struct {
	ID        string
	TenantID  TenantID
	QueueID   QueueID
	LineID    *LineID
	Type      ActivityType
	Status    ActivityStatus
	Message   string
	Details   Envelope
	CreatedBy *UserID
	CreatedAt time.Time
}

// QueueStatus is a queue row plus the figures derived from its counts.
type QueueStatus struct {
	Queue
	Progress        int
	ProcessingCount int
}
