package model

import "slices"

// ExamStatus is the lifecycle state of an exam.
type ExamStatus string

const (
	ExamDraft     ExamStatus = "draft"
	ExamPublished ExamStatus = "published"
	ExamOngoing   ExamStatus = "ongoing"
	ExamFinished  ExamStatus = "finished"
	ExamCancelled ExamStatus = "cancelled"
)

// AttemptStatus is the state of a single student's attempt.
type AttemptStatus string

const (
	AttemptNotStarted AttemptStatus = "not_started"
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptSubmitted  AttemptStatus = "submitted"
	AttemptTimedOut   AttemptStatus = "timed_out"
	AttemptGraded     AttemptStatus = "graded"
	AttemptCancelled  AttemptStatus = "cancelled"
)

// Any transition not listed here is rejected. PUBLISHED -> PUBLISHED is a
// re-publish that re-runs the conflict check.
var examTransitions = map[ExamStatus][]ExamStatus{
	ExamDraft:     {ExamPublished, ExamCancelled},
	ExamPublished: {ExamPublished, ExamDraft, ExamOngoing, ExamCancelled},
	ExamOngoing:   {ExamFinished, ExamCancelled},
	ExamFinished:  nil,
	ExamCancelled: nil,
}

var attemptTransitions = map[AttemptStatus][]AttemptStatus{
	AttemptNotStarted: {AttemptInProgress, AttemptCancelled},
	AttemptInProgress: {AttemptSubmitted, AttemptTimedOut, AttemptCancelled},
	AttemptSubmitted:  {AttemptGraded},
	AttemptTimedOut:   {AttemptGraded},
	AttemptGraded:     nil,
	AttemptCancelled:  nil,
}

// ExamStatuses lists every exam status.
var ExamStatuses = []ExamStatus{ExamDraft, ExamPublished, ExamOngoing, ExamFinished, ExamCancelled}

// AttemptStatuses lists every attempt status.
var AttemptStatuses = []AttemptStatus{
	AttemptNotStarted, AttemptInProgress, AttemptSubmitted,
	AttemptTimedOut, AttemptGraded, AttemptCancelled,
}

// Valid reports whether s is a known exam status.
func (s ExamStatus) Valid() bool {
	_, ok := examTransitions[s]
	return ok
}

// CanTransitionTo reports whether the exam state machine allows s -> next.
func (s ExamStatus) CanTransitionTo(next ExamStatus) bool {
	return slices.Contains(examTransitions[s], next)
}

// Terminal reports whether no transition leaves s.
func (s ExamStatus) Terminal() bool {
	return s.Valid() && len(examTransitions[s]) == 0
}

// Active reports whether an exam in this state reserves its classroom.
func (s ExamStatus) Active() bool {
	return s == ExamPublished || s == ExamOngoing
}

// Valid reports whether s is a known attempt status.
func (s AttemptStatus) Valid() bool {
	_, ok := attemptTransitions[s]
	return ok
}

// CanTransitionTo reports whether the attempt state machine allows s -> next.
func (s AttemptStatus) CanTransitionTo(next AttemptStatus) bool {
	return slices.Contains(attemptTransitions[s], next)
}

// Terminal reports whether no transition leaves s.
func (s AttemptStatus) Terminal() bool {
	return s.Valid() && len(attemptTransitions[s]) == 0
}

// Completed reports whether the student is done with the attempt, whether or
// not it has been graded yet.
func (s AttemptStatus) Completed() bool {
	return s == AttemptSubmitted || s == AttemptTimedOut || s == AttemptGraded
}
