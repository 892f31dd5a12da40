package domain

import (
	"errors"
	"testing"
)

func TestLineStateTransitions(t *testing.T) {
	cases := []struct {
		from, to LineState
		want     bool
	}{
		{LineDraft, LineProcessing, true},
		{LineDraft, LineDone, false},
		{LineDraft, LineCancelled, true},
		{LineProcessing, LineDone, true},
		{LineProcessing, LineFailed, true},
		{LineProcessing, LineCancelled, false},
		{LineFailed, LineProcessing, true},
		{LineFailed, LineDone, false},
		{LineFailed, LineCancelled, true},
		{LineDone, LineProcessing, false},
		{LineCancelled, LineDraft, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.want {
			t.Fatalf("%s -> %s = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestLineStatesFrom(t *testing.T) {
	got := LineStatesFrom(LineProcessing)
	if len(got) != 2 || got[0] != LineDraft || got[1] != LineFailed {
		t.Fatalf("LineStatesFrom(processing)=%v, want [draft failed]", got)
	}
	got = LineStatesFrom(LineCancelled)
	if len(got) != 2 || got[0] != LineDraft || got[1] != LineFailed {
		t.Fatalf("LineStatesFrom(cancelled)=%v, want [draft failed]", got)
	}
}

func TestQueueStateTerminal(t *testing.T) {
	for _, st := range TerminalQueueStates {
		if !st.Terminal() {
			t.Fatalf("%s should be terminal", st)
		}
		for _, next := range queueStates {
			if st.CanTransition(next) {
				t.Fatalf("terminal %s must not move to %s", st, next)
			}
		}
	}
	if QueuePartial.Terminal() {
		t.Fatalf("partial must not be terminal")
	}
	if !QueuePartial.CanTransition(QueueProcessing) {
		t.Fatalf("partial -> processing should be allowed")
	}
}

func TestParseStates(t *testing.T) {
	if _, err := ParseQueueState("bogus"); err == nil {
		t.Fatalf("expected error for unknown queue state")
	}
	if st, err := ParseLineState("failed"); err != nil || st != LineFailed {
		t.Fatalf("ParseLineState(failed)=%q,%v", st, err)
	}
	if _, err := ParseActivityType("line_done"); err != nil {
		t.Fatalf("ParseActivityType: %v", err)
	}
}

func TestValidationErrorIs(t *testing.T) {
	err := error(NewValidationError(CodeOutOfRange, "batch_size", "must be between 1 and 1000"))
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected errors.Is(err, ErrValidation)")
	}
	if !IsValidation(err, CodeOutOfRange) {
		t.Fatalf("expected OUT_OF_RANGE code")
	}
	if IsValidation(errors.New("x"), CodeOutOfRange) {
		t.Fatalf("plain error must not match")
	}
}

func TestQueueInFlightCount(t *testing.T) {
	q := Queue{TotalCount: 10, DraftCount: 2, DoneCount: 3, FailedCount: 1, CancelledCount: 1}
	if got := q.InFlightCount(); got != 3 {
		t.Fatalf("InFlightCount=%d, want 3", got)
	}
}
