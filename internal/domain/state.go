package domain

import "fmt"

type QueueState string

const (
	QueueDraft      QueueState = "draft"
	QueueProcessing QueueState = "processing"
	QueuePartial    QueueState = "partial"
	QueueDone       QueueState = "done"
	QueueFailed     QueueState = "failed"
	QueueCancelled  QueueState = "cancelled"
)

var queueStates = []QueueState{QueueDraft, QueueProcessing, QueuePartial, QueueDone, QueueFailed, QueueCancelled}

// TerminalQueueStates are the states eligible for retention cleanup.
var TerminalQueueStates = []QueueState{QueueDone, QueueFailed, QueueCancelled}

func ParseQueueState(s string) (QueueState, error) {
	for _, st := range queueStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown queue state %q", s)
}

func (s QueueState) Terminal() bool {
	switch s {
	case QueueDone, QueueFailed, QueueCancelled:
		return true
	case QueueDraft, QueueProcessing, QueuePartial:
		return false
	}
	return false
}

// CanTransition reports whether a queue may move from s to next.
func (s QueueState) CanTransition(next QueueState) bool {
	switch s {
	case QueueDraft:
		switch next {
		case QueueProcessing, QueueDone, QueueFailed, QueueCancelled:
			return true
		}
	case QueueProcessing:
		switch next {
		case QueuePartial, QueueDone, QueueFailed, QueueCancelled:
			return true
		}
	case QueuePartial:
		switch next {
		case QueueProcessing, QueueDone, QueueFailed, QueueCancelled:
			return true
		}
	case QueueDone, QueueFailed, QueueCancelled:
		return false
	}
	return false
}

type LineState string

const (
	LineDraft      LineState = "draft"
	LineProcessing LineState = "processing"
	LineDone       LineState = "done"
	LineFailed     LineState = "failed"
	LineCancelled  LineState = "cancelled"
)

var lineStates = []LineState{LineDraft, LineProcessing, LineDone, LineFailed, LineCancelled}

func ParseLineState(s string) (LineState, error) {
	for _, st := range lineStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown line state %q", s)
}

func (s LineState) Terminal() bool {
	switch s {
	case LineDone, LineCancelled:
		return true
	case LineDraft, LineProcessing, LineFailed:
		return false
	}
	return false
}

// CanTransition encodes draft -> processing -> {done | failed}, failed ->
// processing on retry, and cancellation of anything not yet terminal or in
// flight.
func (s LineState) CanTransition(next LineState) bool {
	switch s {
	case LineDraft:
		return next == LineProcessing || next == LineCancelled
	case LineProcessing:
		// draft is reachable only through the stuck-line reaper.
		return next == LineDone || next == LineFailed || next == LineDraft
	case LineFailed:
		return next == LineProcessing || next == LineCancelled
	case LineDone, LineCancelled:
		return false
	}
	return false
}

// LineStatesFrom lists the states that may transition into next. Storage uses
// it to guard UPDATE statements.
func LineStatesFrom(next LineState) []LineState {
	var out []LineState
	for _, st := range lineStates {
		if st.CanTransition(next) {
			out = append(out, st)
		}
	}
	return out
}

// QueueStatesFrom lists the queue states that may transition into next.
func QueueStatesFrom(next QueueState) []QueueState {
	var out []QueueState
	for _, st := range queueStates {
		if st.CanTransition(next) {
			out = append(out, st)
		}
	}
	return out
}

type ActivityType string

const (
	ActivityQueueCreated   ActivityType = "queue_created"
	ActivityLineDone       ActivityType = "line_done"
	ActivityLineFailed     ActivityType = "line_failed"
	ActivityLineReclaimed  ActivityType = "line_reclaimed"
	ActivityForceDone      ActivityType = "force_done"
	ActivityQueueCancelled ActivityType = "queue_cancelled"
	ActivityQueueFailed    ActivityType = "queue_failed"
	ActivityActionRequired ActivityType = "action_required"
	ActivityUnauthorized   ActivityType = "unauthorized_access"
)

var activityTypes = []ActivityType{
	ActivityQueueCreated, ActivityLineDone, ActivityLineFailed, ActivityLineReclaimed,
	ActivityForceDone, ActivityQueueCancelled, ActivityQueueFailed, ActivityActionRequired,
	ActivityUnauthorized,
}

func ParseActivityType(s string) (ActivityType, error) {
	for _, t := range activityTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown activity type %q", s)
}

type ActivityStatus string

const (
	StatusSuccess ActivityStatus = "success"
	StatusError   ActivityStatus = "error"
	StatusWarning ActivityStatus = "warning"
	StatusInfo    ActivityStatus = "info"
)

func ParseActivityStatus(s string) (ActivityStatus, error) {
	switch ActivityStatus(s) {
	case StatusSuccess, StatusError, StatusWarning, StatusInfo:
		return ActivityStatus(s), nil
	}
	return "", fmt.Errorf("unknown activity status %q", s)
}
