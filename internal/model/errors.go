package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrSchedulingConflict = errors.New("scheduling conflict")
	ErrDuplicateAttempt   = errors.New("duplicate attempt")
	ErrLateEntryRejected  = errors.New("late entry rejected")
	ErrEarlySubmission    = errors.New("early submission rejected")
	ErrCapacityExceeded   = errors.New("classroom capacity exceeded")
	ErrStaleSubmission    = errors.New("stale submission")
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid state transition")
)

// FieldError is used to indicate an error with a specific request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError rejects a malformed exam definition before any state change.
type ValidationError struct {
	Fields []FieldError
}

// NewValidationError builds a ValidationError from field errors.
func NewValidationError(flds ...FieldError) error {
	return &ValidationError{Fields: flds}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// SchedulingConflictError reports that a classroom window overlaps an active exam.
type SchedulingConflictError struct {
	ExamID            int64
	ConflictingExamID int64
	ClassroomID       int64
	Start, End        time.Time
	Op                string
}

func (e *SchedulingConflictError) Error() string {
	return fmt.Sprintf("%s exam %d: classroom %d window %s-%s overlaps exam %d",
		e.Op, e.ExamID, e.ClassroomID,
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339), e.ConflictingExamID)
}

func (e *SchedulingConflictError) Unwrap() error { return ErrSchedulingConflict }

// DuplicateAttemptError reports a second attempt for the same exam and student.
type DuplicateAttemptError struct {
	ExamID            int64
	StudentID         int64
	ExistingAttemptID int64
	ExistingStatus    AttemptStatus
}

func (e *DuplicateAttemptError) Error() string {
	return fmt.Sprintf("student %d already has attempt %d (%s) for exam %d",
		e.StudentID, e.ExistingAttemptID, e.ExistingStatus, e.ExamID)
}

func (e *DuplicateAttemptError) Unwrap() error { return ErrDuplicateAttempt }

// LateEntryRejectedError reports an entry past the exam's late-entry window.
type LateEntryRejectedError struct {
	ExamID    int64
	StudentID int64
	Deadline  time.Time
	At        time.Time
}

func (e *LateEntryRejectedError) Error() string {
	return fmt.Sprintf("student %d cannot enter exam %d at %s: late entry closed at %s",
		e.StudentID, e.ExamID, e.At.Format(time.RFC3339), e.Deadline.Format(time.RFC3339))
}

func (e *LateEntryRejectedError) Unwrap() error { return ErrLateEntryRejected }

// EarlySubmissionRejectedError reports a submit before the exam's early-submission floor.
type EarlySubmissionRejectedError struct {
	AttemptID int64
	ExamID    int64
	NotBefore time.Time
	At        time.Time
}

func (e *EarlySubmissionRejectedError) Error() string {
	return fmt.Sprintf("attempt %d of exam %d cannot be submitted before %s (now %s)",
		e.AttemptID, e.ExamID, e.NotBefore.Format(time.RFC3339), e.At.Format(time.RFC3339))
}

func (e *EarlySubmissionRejectedError) Unwrap() error { return ErrEarlySubmission }

// CapacityExceededError reports that a classroom has no free seat left.
type CapacityExceededError struct {
	ExamID      int64
	ClassroomID int64
	Capacity    int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("exam %d: classroom %d is full (capacity %d)", e.ExamID, e.ClassroomID, e.Capacity)
}

func (e *CapacityExceededError) Unwrap() error { return ErrCapacityExceeded }

// StaleSubmissionError is informational: the attempt was already closed by the
// timeout sweep. The submitted payload has been recorded, the status was not changed.
type StaleSubmissionError struct {
	AttemptID int64
	Status    AttemptStatus
}

func (e *StaleSubmissionError) Error() string {
	return fmt.Sprintf("attempt %d was already closed (%s); answers recorded", e.AttemptID, e.Status)
}

func (e *StaleSubmissionError) Unwrap() error { return ErrStaleSubmission }

// NotFoundError reports an unknown exam or attempt.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidStateTransitionError reports an operation attempted from a state that forbids it.
type InvalidStateTransitionError struct {
	Entity string
	ID     int64
	From   string
	To     string
	Op     string
}

func (e *InvalidStateTransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("cannot %s %s %d in state %s", e.Op, e.Entity, e.ID, e.From)
	}
	return fmt.Sprintf("cannot %s %s %d: %s -> %s not allowed", e.Op, e.Entity, e.ID, e.From, e.To)
}

func (e *InvalidStateTransitionError) Unwrap() error { return ErrInvalidTransition }

// ExamTransitionError builds an InvalidStateTransitionError for an exam.
func ExamTransitionError(id int64, from, to ExamStatus, op string) error {
	return &InvalidStateTransitionError{Entity: "exam", ID: id, From: string(from), To: string(to), Op: op}
}

// AttemptTransitionError builds an InvalidStateTransitionError for an attempt.
func AttemptTransitionError(id int64, from, to AttemptStatus, op string) error {
	return &InvalidStateTransitionError{Entity: "attempt", ID: id, From: string(from), To: string(to), Op: op}
}
