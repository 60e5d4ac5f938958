package model

import (
	"time"
)

// ExamType is the kind of assessment an exam represents.
type ExamType string

const (
	ExamTypeQuiz    ExamType = "quiz"
	ExamTypeMidterm ExamType = "midterm"
	ExamTypeFinal   ExamType = "final"
	ExamTypeMakeup  ExamType = "makeup"
)

// ExamFormat tells whether an exam occupies a physical classroom.
type ExamFormat string

const (
	// FormatOffline exams take place in a classroom and are subject to conflict checks.
	FormatOffline ExamFormat = "offline"
	// FormatOnline exams have no classroom.
	FormatOnline ExamFormat = "online"
)

// EndReason records how an attempt left IN_PROGRESS.
type EndReason string

const (
	EndReasonNone        EndReason = ""
	EndReasonSubmitted   EndReason = "submitted"
	EndReasonTimedOut    EndReason = "timed_out"
	EndReasonSwitchLimit EndReason = "switch_limit"
	EndReasonCancelled   EndReason = "cancelled"
)

// Exam is an exam definition together with its lifecycle status.
type Exam struct {
	ID                          int64      `db:"id" json:"id"`
	Title                       string     `db:"title" json:"title"`
	CourseID                    int64      `db:"course_id" json:"course_id"`
	ProctorID                   int64      `db:"proctor_id" json:"proctor_id"`
	Type                        ExamType   `db:"exam_type" json:"type"`
	Format                      ExamFormat `db:"format" json:"format"`
	StartTime                   time.Time  `db:"start_time" json:"start_time"`
	EndTime                     time.Time  `db:"end_time" json:"end_time"`
	DurationMinutes             int        `db:"duration_minutes" json:"duration_minutes"`
	ClassroomID                 int64      `db:"classroom_id" json:"classroom_id,omitempty"`
	TotalScore                  float64    `db:"total_score" json:"total_score"`
	PassingScore                float64    `db:"passing_score" json:"passing_score"`
	Status                      ExamStatus `db:"status" json:"status"`
	LateEntryLimitMinutes       *int       `db:"late_entry_limit_minutes" json:"late_entry_limit_minutes,omitempty"`
	EarlySubmissionLimitMinutes *int       `db:"early_submission_limit_minutes" json:"early_submission_limit_minutes,omitempty"`
	MaxSwitchCount              int        `db:"max_switch_count" json:"max_switch_count"`
	PublishedAt                 *time.Time `db:"published_at" json:"published_at,omitempty"`
	CreatedAt                   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt                   time.Time  `db:"updated_at" json:"updated_at"`
}

// Duration is the per-attempt time allotment.
func (e Exam) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// HasClassroom reports whether the exam occupies a physical classroom.
func (e Exam) HasClassroom() bool {
	return e.Format != FormatOnline && e.ClassroomID != 0
}

// EffectiveStatus derives the status from the wall clock. A PUBLISHED exam is
// ONGOING inside its window, and PUBLISHED or ONGOING exams are FINISHED once
// the end time has passed. Terminal and draft states are returned as stored.
func (e Exam) EffectiveStatus(now time.Time) ExamStatus {
	switch e.Status {
	case ExamPublished:
		if !now.Before(e.EndTime) {
			return ExamFinished
		}
		if !now.Before(e.StartTime) {
			return ExamOngoing
		}
	case ExamOngoing:
		if !now.Before(e.EndTime) {
			return ExamFinished
		}
	}
	return e.Status
}

// LateEntryDeadline returns the last instant a student may start, and false
// when the exam places no limit on late entry.
func (e Exam) LateEntryDeadline() (time.Time, bool) {
	if e.LateEntryLimitMinutes == nil {
		return time.Time{}, false
	}
	return e.StartTime.Add(time.Duration(*e.LateEntryLimitMinutes) * time.Minute), true
}

// NewExam is the instructor's request to define an exam.
type NewExam struct {
	Title                       string     `json:"title" validate:"required,max=255"`
	CourseID                    int64      `json:"course_id" validate:"required,gt=0"`
	ProctorID                   int64      `json:"proctor_id" validate:"required,gt=0"`
	Type                        ExamType   `json:"type" validate:"omitempty,oneof=quiz midterm final makeup"`
	Format                      ExamFormat `json:"format" validate:"omitempty,oneof=offline online"`
	StartTime                   time.Time  `json:"start_time" validate:"required"`
	EndTime                     time.Time  `json:"end_time" validate:"required,gtfield=StartTime"`
	DurationMinutes             int        `json:"duration_minutes" validate:"gte=0"`
	ClassroomID                 int64      `json:"classroom_id" validate:"required_if=Format offline,gte=0"`
	TotalScore                  float64    `json:"total_score" validate:"gt=0"`
	PassingScore                float64    `json:"passing_score" validate:"gte=0,ltefield=TotalScore"`
	LateEntryLimitMinutes       *int       `json:"late_entry_limit_minutes" validate:"omitempty,gte=0"`
	EarlySubmissionLimitMinutes *int       `json:"early_submission_limit_minutes" validate:"omitempty,gte=0"`
	MaxSwitchCount              int        `json:"max_switch_count" validate:"gte=0"`
}

// ScheduleChange edits the time window or location of a draft exam.
type ScheduleChange struct {
	StartTime       time.Time  `json:"start_time" validate:"required"`
	EndTime         time.Time  `json:"end_time" validate:"required,gtfield=StartTime"`
	DurationMinutes int        `json:"duration_minutes" validate:"gte=0"`
	Format          ExamFormat `json:"format" validate:"omitempty,oneof=offline online"`
	ClassroomID     int64      `json:"classroom_id" validate:"required_if=Format offline,gte=0"`
}

// ExamFilter narrows ListExams. Zero values mean no filtering on that field.
type ExamFilter struct {
	Statuses    []ExamStatus
	CourseID    int64
	ClassroomID int64
}

// Attempt is one student's timed engagement with one exam.
type Attempt struct {
	ID          int64         `db:"id" json:"id"`
	ExamID      int64         `db:"exam_id" json:"exam_id"`
	StudentID   int64         `db:"student_id" json:"student_id"`
	Status      AttemptStatus `db:"status" json:"status"`
	StartTime   *time.Time    `db:"start_time" json:"start_time,omitempty"`
	SubmitTime  *time.Time    `db:"submit_time" json:"submit_time,omitempty"`
	Score       *float64      `db:"score" json:"score,omitempty"`
	Answers     string        `db:"answers" json:"answers,omitempty"`
	LateAnswers string        `db:"late_answers" json:"late_answers,omitempty"`
	EndReason   EndReason     `db:"end_reason" json:"end_reason,omitempty"`
	Late        bool          `db:"late" json:"late"`
	SwitchCount int           `db:"switch_count" json:"switch_count"`
	Remarks     string        `db:"remarks" json:"remarks,omitempty"`
	GradedAt    *time.Time    `db:"graded_at" json:"graded_at,omitempty"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updated_at"`
}

// Deadline is the instant the attempt's allotted time runs out: the earlier of
// start + exam duration and the exam's end time. It is the zero time for an
// attempt that has not started.
func (a Attempt) Deadline(e Exam) time.Time {
	if a.StartTime == nil {
		return time.Time{}
	}
	d := a.StartTime.Add(e.Duration())
	if e.EndTime.Before(d) {
		return e.EndTime
	}
	return d
}

// Expired reports whether the attempt's allotted time has elapsed at now.
func (a Attempt) Expired(e Exam, now time.Time) bool {
	if a.StartTime == nil {
		return false
	}
	return !now.Before(a.Deadline(e))
}

// RemarkSeparator joins the warnings kept in Attempt.Remarks.
const RemarkSeparator = "; "

// CheatRecord lists the warnings recorded against one attempt.
type CheatRecord struct {
	AttemptID   int64         `json:"attempt_id"`
	StudentID   int64         `json:"student_id"`
	Status      AttemptStatus `json:"status"`
	EndReason   EndReason     `json:"end_reason,omitempty"`
	SwitchCount int           `json:"switch_count"`
	Warnings    []string      `json:"warnings"`
}

// AttemptUpdate describes a conditional attempt transition. Nil fields keep
// the stored value. LateAnswers holds a payload that arrived after the
// attempt was closed and is never graded.
type AttemptUpdate struct {
	Status      AttemptStatus
	StartTime   *time.Time
	SubmitTime  *time.Time
	Answers     *string
	LateAnswers *string
	Score       *float64
	EndReason   EndReason
	Late        bool
	GradedAt    *time.Time
}

// Course is a course catalog entry.
type Course struct {
	ID     int64  `db:"id" json:"id"`
	Code   string `db:"code" json:"code"`
	Name   string `db:"name" json:"name"`
	Active bool   `db:"active" json:"active"`
}

// Classroom is a classroom registry entry.
type Classroom struct {
	ID       int64  `db:"id" json:"id"`
	Name     string `db:"name" json:"name"`
	Capacity int    `db:"capacity" json:"capacity"`
	Active   bool   `db:"active" json:"active"`
}

// PersonRole distinguishes teachers from students in the identity directory.
type PersonRole string

const (
	RoleTeacher PersonRole = "teacher"
	RoleStudent PersonRole = "student"
)

// Person is an identity directory entry.
type Person struct {
	ID          int64      `db:"id" json:"id"`
	Role        PersonRole `db:"role" json:"role"`
	DisplayName string     `db:"display_name" json:"display_name"`
	Active      bool       `db:"active" json:"active"`
}

// Roster is the import format for directory data.
type Roster struct {
	Courses    []Course    `json:"courses"`
	Classrooms []Classroom `json:"classrooms"`
	Teachers   []Person    `json:"teachers"`
	Students   []Person    `json:"students"`
}
