// Package schedule detects classroom double-bookings between exams.
//
// Reservations are not stored anywhere: they are derived on demand from the
// PUBLISHED and ONGOING exams that share a classroom. Callers must evaluate
// FindConflict on the same transaction that performs the dependent write so
// two concurrent publishes cannot both pass the check.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/examhall/internal/model"
)

// Window is a half-open [Start, End) interval.
type Window struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether the two half-open windows share any instant.
// Windows that merely touch (one ends exactly when the other starts) do not overlap.
func (w Window) Overlaps(o Window) bool {
	return !(!o.End.After(w.Start) || !o.Start.Before(w.End))
}

// Reservation is a classroom occupied by an active exam.
type Reservation struct {
	ClassroomID int64
	ExamID      int64
	Window      Window
}

// Reservations derives the classroom reservations held by the given exams.
// Draft, finished and cancelled exams and online exams hold none.
func Reservations(exams []model.Exam) []Reservation {
	var out []Reservation
	for _, e := range exams {
		if !e.Status.Active() || !e.HasClassroom() {
			continue
		}
		out = append(out, Reservation{
			ClassroomID: e.ClassroomID,
			ExamID:      e.ID,
			Window:      Window{Start: e.StartTime, End: e.EndTime},
		})
	}
	return out
}

// Lister returns the active exams booked into a classroom.
type Lister interface {
	ListClassroomExams(ctx context.Context, classroomID int64, statuses ...model.ExamStatus) ([]model.Exam, error)
}

// FindConflict returns the first active exam in classroomID whose window
// overlaps w, ignoring excludeExamID.
func FindConflict(ctx context.Context, l Lister, classroomID int64, w Window, excludeExamID int64) (Reservation, bool, error) {
	exams, err := l.ListClassroomExams(ctx, classroomID, model.ExamPublished, model.ExamOngoing)
	if err != nil {
		return Reservation{}, false, fmt.Errorf("list classroom %d exams: %w", classroomID, err)
	}
	for _, r := range Reservations(exams) {
		if r.ExamID == excludeExamID || r.ClassroomID != classroomID {
			continue
		}
		if r.Window.Overlaps(w) {
			return r, true, nil
		}
	}
	return Reservation{}, false, nil
}

// HasConflict reports whether [start, end) in classroomID overlaps any other
// PUBLISHED or ONGOING exam.
func HasConflict(ctx context.Context, l Lister, classroomID int64, start, end time.Time, excludeExamID int64) (bool, error) {
	_, found, err := FindConflict(ctx, l, classroomID, Window{Start: start, End: end}, excludeExamID)
	return found, err
}
