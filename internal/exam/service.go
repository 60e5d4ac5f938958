// Package exam implements the exam lifecycle and the per-student attempt
// session manager on top of the store.
//
// Every state change is a conditional write evaluated on the same
// transaction as the checks it depends on. Publish, extend and schedule
// edits run under the classroom lock so the conflict check and the write
// are atomic with respect to other writers of that classroom. Directory
// lookups happen before a transaction is opened and notifications are sent
// after it commits.
package exam

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pavelanni/examhall/internal/model"
	"github.com/pavelanni/examhall/internal/notify"
	"github.com/pavelanni/examhall/internal/schedule"
	"github.com/pavelanni/examhall/internal/store"
)

// CourseCatalog answers course lookups.
type CourseCatalog interface {
	CourseExists(ctx context.Context, id int64) (bool, error)
}

// ClassroomRegistry answers classroom lookups.
type ClassroomRegistry interface {
	ClassroomExists(ctx context.Context, id int64) (bool, error)
	ClassroomCapacity(ctx context.Context, id int64) (int, error)
}

// IdentityDirectory answers person lookups.
type IdentityDirectory interface {
	IsValidTeacher(ctx context.Context, id int64) (bool, error)
	IsValidStudent(ctx context.Context, id int64) (bool, error)
}

// Scorer grades closed attempts.
type Scorer interface {
	GradeAttempt(ctx context.Context, attemptID int64) (model.Attempt, error)
}

// LatePolicy decides what happens to a submit that arrives after the
// attempt's deadline but before the sweeper closed it.
type LatePolicy string

const (
	// LateAccept records the submission as SUBMITTED and flags it late.
	LateAccept LatePolicy = "accept"
	// LateReject closes the attempt as TIMED_OUT, keeps the payload and
	// returns a StaleSubmissionError.
	LateReject LatePolicy = "reject"
)

// Service is the exam lifecycle and attempt session manager.
type Service struct {
	store      *store.Store
	clock      clockwork.Clock
	courses    CourseCatalog
	classrooms ClassroomRegistry
	people     IdentityDirectory
	notifier   notify.Notifier
	scorer     Scorer
	late       LatePolicy
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithNotifier sends lifecycle events to n.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithScorer grades attempts as soon as they close. Without a scorer
// grading is left to the sweeper.
func WithScorer(sc Scorer) Option {
	return func(s *Service) { s.scorer = sc }
}

// WithLatePolicy sets how submissions after the deadline are handled. An
// empty policy keeps the default.
func WithLatePolicy(p LatePolicy) Option {
	return func(s *Service) {
		if p != "" {
			s.late = p
		}
	}
}

// WithCourseCatalog replaces the course lookup.
func WithCourseCatalog(c CourseCatalog) Option {
	return func(s *Service) { s.courses = c }
}

// WithClassroomRegistry replaces the classroom lookup.
func WithClassroomRegistry(r ClassroomRegistry) Option {
	return func(s *Service) { s.classrooms = r }
}

// WithIdentityDirectory replaces the student and instructor lookup.
func WithIdentityDirectory(d IdentityDirectory) Option {
	return func(s *Service) { s.people = d }
}

// New returns a Service. Directory lookups default to the store itself.
func New(st *store.Store, opts ...Option) *Service {
	s := &Service{
		store:      st,
		clock:      clockwork.NewRealClock(),
		courses:    st,
		classrooms: st,
		people:     st,
		notifier:   notify.Discard{},
		late:       LateAccept,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// GetExam returns an exam with its status derived from the wall clock.
func (s *Service) GetExam(ctx context.Context, id int64) (model.Exam, error) {
	e, err := s.store.GetExam(ctx, id)
	if err != nil {
		return model.Exam{}, err
	}
	e.Status = e.EffectiveStatus(s.clock.Now())
	return e, nil
}

// ListExams returns exams matching f. Status filters apply to the derived status.
func (s *Service) ListExams(ctx context.Context, f model.ExamFilter) ([]model.Exam, error) {
	statuses := f.Statuses
	f.Statuses = nil
	exams, err := s.store.ListExams(ctx, f)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	out := exams[:0]
	for _, e := range exams {
		e.Status = e.EffectiveStatus(now)
		if len(statuses) == 0 || slices.Contains(statuses, e.Status) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ExamsStartingSoon returns the published exams that start within window
// from now, ordered by start time.
func (s *Service) ExamsStartingSoon(ctx context.Context, window time.Duration) ([]model.Exam, error) {
	if window <= 0 {
		return nil, model.NewValidationError(model.FieldError{Field: "window", Message: "window must be positive"})
	}
	exams, err := s.ListExams(ctx, model.ExamFilter{Statuses: []model.ExamStatus{model.ExamPublished}})
	if err != nil {
		return nil, err
	}
	limit := s.clock.Now().Add(window)
	out := exams[:0]
	for _, e := range exams {
		if !e.StartTime.After(limit) {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetAttempt returns an attempt by ID.
func (s *Service) GetAttempt(ctx context.Context, id int64) (model.Attempt, error) {
	return s.store.GetAttempt(ctx, id)
}

// ListAttempts returns the attempts of an exam.
func (s *Service) ListAttempts(ctx context.Context, examID int64) ([]model.Attempt, error) {
	if _, err := s.store.GetExam(ctx, examID); err != nil {
		return nil, err
	}
	return s.store.ListAttempts(ctx, examID)
}

// FindConflict returns the active exam, if any, whose booking of classroomID
// overlaps [start, end). excludeExamID is ignored, which lets an exam be
// checked against everyone but itself.
func (s *Service) FindConflict(ctx context.Context, classroomID int64, start, end time.Time, excludeExamID int64) (schedule.Reservation, bool, error) {
	if !end.After(start) {
		return schedule.Reservation{}, false, model.NewValidationError(model.FieldError{Field: "end_time", Message: "end_time must be after start_time"})
	}
	return schedule.FindConflict(ctx, s.store, classroomID, schedule.Window{Start: start, End: end}, excludeExamID)
}

func (s *Service) notify(t notify.EventType, examID int64, detail string) {
	s.notifier.Notify(notify.NewEvent(t, examID, s.clock.Now().UTC(), detail))
}

// grade hands a closed attempt to the scorer. Failures are logged and left
// for the sweeper to retry.
func (s *Service) grade(ctx context.Context, a model.Attempt) model.Attempt {
	if s.scorer == nil {
		return a
	}
	graded, err := s.scorer.GradeAttempt(ctx, a.ID)
	if err != nil {
		slog.Warn("grading deferred to sweeper", "attempt_id", a.ID, "exam_id", a.ExamID, "error", err)
		return a
	}
	return graded
}

func lookupFailed(what string, id int64, err error) error {
	return fmt.Errorf("look up %s %d: %w", what, id, err)
}
