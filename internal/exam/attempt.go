package exam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/examhall/internal/model"
	"github.com/pavelanni/examhall/internal/store"
)

func (s *Service) checkStudent(ctx context.Context, studentID int64) error {
	ok, err := s.people.IsValidStudent(ctx, studentID)
	if err != nil {
		return lookupFailed("student", studentID, err)
	}
	if !ok {
		return &model.NotFoundError{Entity: "student", ID: studentID}
	}
	return nil
}

func duplicate(a model.Attempt) error {
	return &model.DuplicateAttemptError{
		ExamID: a.ExamID, StudentID: a.StudentID,
		ExistingAttemptID: a.ID, ExistingStatus: a.Status,
	}
}

// EnrollStudent registers a student for an exam ahead of time with a
// NOT_STARTED attempt.
func (s *Service) EnrollStudent(ctx context.Context, examID, studentID int64) (model.Attempt, error) {
	if err := s.checkStudent(ctx, studentID); err != nil {
		return model.Attempt{}, err
	}
	var id int64
	err := s.store.WithinTx(ctx, func(tx *store.Store) error {
		e, err := tx.GetExam(ctx, examID)
		if err != nil {
			return err
		}
		if eff := e.EffectiveStatus(s.clock.Now()); eff.Terminal() {
			return model.ExamTransitionError(examID, eff, "", "enroll in")
		}
		existing, found, err := tx.FindActiveAttempt(ctx, examID, studentID)
		if err != nil {
			return err
		}
		if found {
			return duplicate(existing)
		}
		id, err = tx.InsertAttempt(ctx, model.Attempt{ExamID: examID, StudentID: studentID, Status: model.AttemptNotStarted})
		return err
	})
	if err != nil {
		return model.Attempt{}, err
	}
	slog.Info("enrolled student", "exam_id", examID, "student_id", studentID, "attempt_id", id)
	return s.store.GetAttempt(ctx, id)
}

// StartStudentExam begins the student's attempt. Checks run in order: the
// exam must be ONGOING, the student must not already have an attempt under
// way, the late-entry window must still be open and the classroom must have
// a free seat. An enrolled NOT_STARTED attempt is activated; otherwise a new
// attempt is created.
func (s *Service) StartStudentExam(ctx context.Context, examID, studentID int64) (model.Attempt, error) {
	if err := s.checkStudent(ctx, studentID); err != nil {
		return model.Attempt{}, err
	}
	cur, err := s.store.GetExam(ctx, examID)
	if err != nil {
		return model.Attempt{}, err
	}
	var capacity int
	if cur.HasClassroom() {
		capacity, err = s.classrooms.ClassroomCapacity(ctx, cur.ClassroomID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return model.Attempt{}, lookupFailed("classroom", cur.ClassroomID, err)
		}
	}

	var id int64
	err = s.inExamClassroom(ctx, cur, 0, func(tx *store.Store, e model.Exam) error {
		now := s.clock.Now()
		if eff := e.EffectiveStatus(now); eff != model.ExamOngoing {
			return model.ExamTransitionError(examID, eff, "", "start an attempt of")
		}

		existing, found, err := tx.FindActiveAttempt(ctx, examID, studentID)
		if err != nil {
			return err
		}
		if found && existing.Status != model.AttemptNotStarted {
			return duplicate(existing)
		}

		if deadline, limited := e.LateEntryDeadline(); limited && now.After(deadline) {
			return &model.LateEntryRejectedError{ExamID: examID, StudentID: studentID, Deadline: deadline, At: now}
		}

		if capacity > 0 {
			seated, err := tx.CountSeatedAttempts(ctx, examID)
			if err != nil {
				return err
			}
			if seated >= capacity {
				return &model.CapacityExceededError{ExamID: examID, ClassroomID: e.ClassroomID, Capacity: capacity}
			}
		}

		start := now.UTC()
		if found {
			ok, err := tx.TransitionAttempt(ctx, existing.ID, []model.AttemptStatus{model.AttemptNotStarted},
				model.AttemptUpdate{Status: model.AttemptInProgress, StartTime: &start})
			if err != nil {
				return err
			}
			if !ok {
				cur, err := tx.GetAttempt(ctx, existing.ID)
				if err != nil {
					return err
				}
				return duplicate(cur)
			}
			id = existing.ID
			return nil
		}
		id, err = tx.InsertAttempt(ctx, model.Attempt{
			ExamID: examID, StudentID: studentID, Status: model.AttemptInProgress, StartTime: &start,
		})
		return err
	})
	if err != nil {
		return model.Attempt{}, err
	}
	slog.Info("attempt started", "exam_id", examID, "student_id", studentID, "attempt_id", id)
	return s.store.GetAttempt(ctx, id)
}

// SaveAnswers replaces the recorded payload of an IN_PROGRESS attempt.
func (s *Service) SaveAnswers(ctx context.Context, attemptID int64, answers string) (model.Attempt, error) {
	ok, err := s.store.SaveAnswers(ctx, attemptID, answers, model.AttemptInProgress)
	if err != nil {
		return model.Attempt{}, err
	}
	a, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return model.Attempt{}, err
	}
	if !ok {
		return a, model.AttemptTransitionError(a.ID, a.Status, "", "save answers of")
	}
	return a, nil
}

// SubmitStudentExam closes an IN_PROGRESS attempt with the student's answers
// and hands it to scoring.
//
// A submit that arrives after a timeout already closed the attempt, whether
// or not it has been graded since, keeps the payload as late answers, leaves
// status and score alone and returns the attempt together with a
// *model.StaleSubmissionError. A submit past the deadline that wins the race
// is handled by the late policy.
func (s *Service) SubmitStudentExam(ctx context.Context, attemptID int64, answers string) (model.Attempt, error) {
	var (
		closed bool
		stale  error
	)
	err := s.store.WithinTx(ctx, func(tx *store.Store) error {
		a, err := tx.GetAttempt(ctx, attemptID)
		if err != nil {
			return err
		}
		switch {
		case a.Status == model.AttemptInProgress:
		case closedByTimeout(a):
			stale = &model.StaleSubmissionError{AttemptID: a.ID, Status: a.Status}
			return recordStale(ctx, tx, a, answers)
		default:
			return model.AttemptTransitionError(a.ID, a.Status, model.AttemptSubmitted, "submit")
		}

		e, err := tx.GetExam(ctx, a.ExamID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		late := a.Expired(e, now)
		if e.EarlySubmissionLimitMinutes != nil && a.StartTime != nil && !late {
			notBefore := a.StartTime.Add(time.Duration(*e.EarlySubmissionLimitMinutes) * time.Minute)
			if now.Before(notBefore) {
				return &model.EarlySubmissionRejectedError{AttemptID: a.ID, ExamID: e.ID, NotBefore: notBefore, At: now}
			}
		}

		submitAt := now.UTC()
		upd := model.AttemptUpdate{
			Status: model.AttemptSubmitted, SubmitTime: &submitAt, Answers: &answers,
			EndReason: model.EndReasonSubmitted, Late: late,
		}
		if late && s.late == LateReject {
			at := closeTime(a, e, now)
			upd = model.AttemptUpdate{
				Status: model.AttemptTimedOut, SubmitTime: &at, LateAnswers: &answers,
				EndReason: model.EndReasonTimedOut,
			}
			stale = &model.StaleSubmissionError{AttemptID: a.ID, Status: model.AttemptTimedOut}
		}

		ok, err := tx.TransitionAttempt(ctx, a.ID, []model.AttemptStatus{model.AttemptInProgress}, upd)
		if err != nil {
			return err
		}
		if !ok {
			cur, err := tx.GetAttempt(ctx, a.ID)
			if err != nil {
				return err
			}
			if closedByTimeout(cur) {
				stale = &model.StaleSubmissionError{AttemptID: cur.ID, Status: cur.Status}
				return recordStale(ctx, tx, cur, answers)
			}
			return model.AttemptTransitionError(cur.ID, cur.Status, model.AttemptSubmitted, "submit")
		}
		closed = true
		if late {
			slog.Info("late submission", "attempt_id", a.ID, "exam_id", e.ID, "policy", s.late, "deadline", a.Deadline(e))
		}
		return nil
	})
	if err != nil {
		return model.Attempt{}, err
	}

	a, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return model.Attempt{}, err
	}
	if closed {
		slog.Info("attempt submitted", "attempt_id", a.ID, "exam_id", a.ExamID, "status", a.Status)
		a = s.grade(ctx, a)
	}
	return a, stale
}

// closedByTimeout reports whether the attempt was closed by running out of
// time rather than by the student.
func closedByTimeout(a model.Attempt) bool {
	switch a.Status {
	case model.AttemptTimedOut:
		return true
	case model.AttemptGraded:
		return a.EndReason == model.EndReasonTimedOut
	}
	return false
}

// recordStale stores a payload that arrived after the attempt timed out. The
// attempt may be graded concurrently, so both closed statuses are accepted.
func recordStale(ctx context.Context, tx *store.Store, a model.Attempt, answers string) error {
	ok, err := tx.RecordLateAnswers(ctx, a.ID, answers, model.AttemptTimedOut, model.AttemptGraded)
	if err != nil {
		return err
	}
	if !ok {
		return model.AttemptTransitionError(a.ID, a.Status, model.AttemptSubmitted, "submit")
	}
	slog.Info("stale submission recorded", "attempt_id", a.ID, "status", a.Status)
	return nil
}

// RecordCheatWarning counts a focus-loss event against an IN_PROGRESS attempt.
// Once the exam's switch limit is exceeded the attempt is submitted with the
// answers saved so far.
func (s *Service) RecordCheatWarning(ctx context.Context, attemptID int64, kind, description string) (model.Attempt, error) {
	if kind == "" {
		return model.Attempt{}, model.NewValidationError(model.FieldError{Field: "kind", Message: "kind is a required field"})
	}
	var forced bool
	err := s.store.WithinTx(ctx, func(tx *store.Store) error {
		a, err := tx.GetAttempt(ctx, attemptID)
		if err != nil {
			return err
		}
		e, err := tx.GetExam(ctx, a.ExamID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		remark := fmt.Sprintf("%s %s", now.UTC().Format(time.RFC3339), kind)
		if description != "" {
			remark += ": " + description
		}
		count, ok, err := tx.AddCheatWarning(ctx, a.ID, remark)
		if err != nil {
			return err
		}
		if !ok {
			return model.AttemptTransitionError(a.ID, a.Status, "", "record a warning on")
		}
		if e.MaxSwitchCount <= 0 || count <= e.MaxSwitchCount {
			return nil
		}
		at := now.UTC()
		forced, err = tx.TransitionAttempt(ctx, a.ID, []model.AttemptStatus{model.AttemptInProgress}, model.AttemptUpdate{
			Status: model.AttemptSubmitted, SubmitTime: &at,
			EndReason: model.EndReasonSwitchLimit, Late: a.Expired(e, now),
		})
		return err
	})
	if err != nil {
		return model.Attempt{}, err
	}
	a, err := s.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return model.Attempt{}, err
	}
	if forced {
		slog.Warn("attempt force-submitted after switch limit", "attempt_id", a.ID, "exam_id", a.ExamID, "switch_count", a.SwitchCount)
		a = s.grade(ctx, a)
	}
	return a, nil
}

// CheatRecords returns the attempts of an exam that drew at least one
// warning, with their remarks split into single warnings.
func (s *Service) CheatRecords(ctx context.Context, examID int64) ([]model.CheatRecord, error) {
	attempts, err := s.ListAttempts(ctx, examID)
	if err != nil {
		return nil, err
	}
	var out []model.CheatRecord
	for _, a := range attempts {
		if a.SwitchCount == 0 {
			continue
		}
		out = append(out, model.CheatRecord{
			AttemptID:   a.ID,
			StudentID:   a.StudentID,
			Status:      a.Status,
			EndReason:   a.EndReason,
			SwitchCount: a.SwitchCount,
			Warnings:    strings.Split(a.Remarks, model.RemarkSeparator),
		})
	}
	return out, nil
}
