package exam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/pavelanni/examhall/internal/model"
	"github.com/pavelanni/examhall/internal/notify"
	"github.com/pavelanni/examhall/internal/schedule"
	"github.com/pavelanni/examhall/internal/store"
	"github.com/pavelanni/examhall/internal/validate"
)

// errClassroomMoved rolls back a transaction whose exam was moved to another
// classroom after its lock was chosen.
var errClassroomMoved = errors.New("exam moved to another classroom")

const maxRelocks = 3

// inClassrooms runs fn in a transaction holding the locks of classroomIDs, or
// a plain transaction when all of them are zero.
func (s *Service) inClassrooms(ctx context.Context, classroomIDs []int64, fn func(tx *store.Store) error) error {
	if !slices.ContainsFunc(classroomIDs, func(id int64) bool { return id != 0 }) {
		return s.store.WithinTx(ctx, fn)
	}
	return s.store.WithinClassrooms(ctx, classroomIDs, fn)
}

// inExamClassroom runs fn on the exam as read inside a transaction that holds
// the lock of the classroom the exam is booked into, plus the lock of also
// when it is non-zero. cur is the caller's earlier read and only picks the
// first lock. If the exam was moved meanwhile, the transaction is retried on
// its new classroom.
func (s *Service) inExamClassroom(ctx context.Context, cur model.Exam, also int64, fn func(tx *store.Store, e model.Exam) error) error {
	room := bookedClassroom(cur)
	for range maxRelocks {
		err := s.inClassrooms(ctx, []int64{room, also}, func(tx *store.Store) error {
			e, err := tx.GetExam(ctx, cur.ID)
			if err != nil {
				return err
			}
			if booked := bookedClassroom(e); booked != room {
				room = booked
				return errClassroomMoved
			}
			return fn(tx, e)
		})
		if !errors.Is(err, errClassroomMoved) {
			return err
		}
		slog.Debug("exam moved while locking its classroom, retrying", "exam_id", cur.ID, "classroom_id", room)
	}
	return fmt.Errorf("lock classroom of exam %d: %w", cur.ID, errClassroomMoved)
}

func bookedClassroom(e model.Exam) int64 {
	if !e.HasClassroom() {
		return 0
	}
	return e.ClassroomID
}

// checkConflict returns a *model.SchedulingConflictError when [start, end)
// in the exam's classroom overlaps another active exam.
func checkConflict(ctx context.Context, tx *store.Store, e model.Exam, op string) error {
	if !e.HasClassroom() {
		return nil
	}
	w := schedule.Window{Start: e.StartTime, End: e.EndTime}
	r, found, err := schedule.FindConflict(ctx, tx, e.ClassroomID, w, e.ID)
	if err != nil {
		return err
	}
	if found {
		return &model.SchedulingConflictError{
			ExamID:            e.ID,
			ConflictingExamID: r.ExamID,
			ClassroomID:       e.ClassroomID,
			Start:             e.StartTime,
			End:               e.EndTime,
			Op:                op,
		}
	}
	return nil
}

func windowMinutes(start, end time.Time) int {
	return int(end.Sub(start) / time.Minute)
}

// checkDuration defaults a zero duration to the whole window and rejects
// durations that do not fit it.
func checkDuration(duration *int, start, end time.Time) []model.FieldError {
	window := windowMinutes(start, end)
	if *duration == 0 {
		*duration = window
	}
	if *duration <= 0 {
		return []model.FieldError{{Field: "duration_minutes", Message: "duration_minutes must be at least one minute"}}
	}
	if *duration > window {
		return []model.FieldError{{Field: "duration_minutes",
			Message: fmt.Sprintf("duration_minutes must not exceed the exam window of %d minutes", window)}}
	}
	return nil
}

// checkDirectory verifies the referenced course, proctor and classroom.
// Zero IDs are not checked.
func (s *Service) checkDirectory(ctx context.Context, courseID, proctorID, classroomID int64) ([]model.FieldError, error) {
	var fields []model.FieldError
	if courseID != 0 {
		ok, err := s.courses.CourseExists(ctx, courseID)
		if err != nil {
			return nil, lookupFailed("course", courseID, err)
		}
		if !ok {
			fields = append(fields, model.FieldError{Field: "course_id", Message: fmt.Sprintf("course %d does not exist", courseID)})
		}
	}
	if proctorID != 0 {
		ok, err := s.people.IsValidTeacher(ctx, proctorID)
		if err != nil {
			return nil, lookupFailed("teacher", proctorID, err)
		}
		if !ok {
			fields = append(fields, model.FieldError{Field: "proctor_id", Message: fmt.Sprintf("%d is not an active teacher", proctorID)})
		}
	}
	if classroomID != 0 {
		ok, err := s.classrooms.ClassroomExists(ctx, classroomID)
		if err != nil {
			return nil, lookupFailed("classroom", classroomID, err)
		}
		if !ok {
			fields = append(fields, model.FieldError{Field: "classroom_id", Message: fmt.Sprintf("classroom %d does not exist", classroomID)})
		}
	}
	return fields, nil
}

// CreateExam validates req and stores it as a DRAFT exam.
func (s *Service) CreateExam(ctx context.Context, req model.NewExam) (model.Exam, error) {
	if req.Type == "" {
		req.Type = model.ExamTypeQuiz
	}
	if req.Format == "" {
		req.Format = model.FormatOffline
	}
	if err := validate.Struct(req); err != nil {
		return model.Exam{}, err
	}
	if req.Format == model.FormatOnline {
		req.ClassroomID = 0
	}
	fields := checkDuration(&req.DurationMinutes, req.StartTime, req.EndTime)
	dir, err := s.checkDirectory(ctx, req.CourseID, req.ProctorID, req.ClassroomID)
	if err != nil {
		return model.Exam{}, err
	}
	if fields = append(fields, dir...); len(fields) > 0 {
		return model.Exam{}, model.NewValidationError(fields...)
	}

	now := s.clock.Now().UTC()
	id, err := s.store.CreateExam(ctx, model.Exam{
		Title:                       req.Title,
		CourseID:                    req.CourseID,
		ProctorID:                   req.ProctorID,
		Type:                        req.Type,
		Format:                      req.Format,
		StartTime:                   req.StartTime,
		EndTime:                     req.EndTime,
		DurationMinutes:             req.DurationMinutes,
		ClassroomID:                 req.ClassroomID,
		TotalScore:                  req.TotalScore,
		PassingScore:                req.PassingScore,
		Status:                      model.ExamDraft,
		LateEntryLimitMinutes:       req.LateEntryLimitMinutes,
		EarlySubmissionLimitMinutes: req.EarlySubmissionLimitMinutes,
		MaxSwitchCount:              req.MaxSwitchCount,
		CreatedAt:                   now,
		UpdatedAt:                   now,
	})
	if err != nil {
		return model.Exam{}, err
	}
	return s.GetExam(ctx, id)
}

// UpdateExamSchedule changes the window or location of a DRAFT exam.
func (s *Service) UpdateExamSchedule(ctx context.Context, id int64, ch model.ScheduleChange) (model.Exam, error) {
	cur, err := s.store.GetExam(ctx, id)
	if err != nil {
		return model.Exam{}, err
	}
	if cur.Status != model.ExamDraft {
		return model.Exam{}, model.ExamTransitionError(id, cur.Status, "", "reschedule")
	}
	if ch.Format == "" {
		ch.Format = cur.Format
	}
	if err := validate.Struct(ch); err != nil {
		return model.Exam{}, err
	}
	if ch.Format == model.FormatOnline {
		ch.ClassroomID = 0
	}
	fields := checkDuration(&ch.DurationMinutes, ch.StartTime, ch.EndTime)
	if ch.ClassroomID != cur.ClassroomID {
		dir, err := s.checkDirectory(ctx, 0, 0, ch.ClassroomID)
		if err != nil {
			return model.Exam{}, err
		}
		fields = append(fields, dir...)
	}
	if len(fields) > 0 {
		return model.Exam{}, model.NewValidationError(fields...)
	}

	// The old and the new classroom are both locked so a publish that chose
	// the old one cannot book the exam while it moves.
	err = s.inExamClassroom(ctx, cur, ch.ClassroomID, func(tx *store.Store, e model.Exam) error {
		if e.Status != model.ExamDraft {
			return model.ExamTransitionError(id, e.Status, "", "reschedule")
		}
		e.StartTime, e.EndTime = ch.StartTime, ch.EndTime
		e.DurationMinutes = ch.DurationMinutes
		e.Format, e.ClassroomID = ch.Format, ch.ClassroomID
		if err := checkConflict(ctx, tx, e, "reschedule"); err != nil {
			return err
		}
		ok, err := tx.UpdateExam(ctx, e, model.ExamDraft)
		if err != nil {
			return err
		}
		if !ok {
			return model.ExamTransitionError(id, e.Status, "", "reschedule")
		}
		return nil
	})
	if err != nil {
		return model.Exam{}, err
	}
	slog.Info("rescheduled exam", "exam_id", id, "start", ch.StartTime, "end", ch.EndTime, "classroom_id", ch.ClassroomID)
	return s.GetExam(ctx, id)
}

// PublishExam makes a DRAFT exam visible to students and reserves its
// classroom. Publishing an already published exam re-runs the conflict check.
func (s *Service) PublishExam(ctx context.Context, id int64) (model.Exam, error) {
	cur, err := s.store.GetExam(ctx, id)
	if err != nil {
		return model.Exam{}, err
	}
	var window string
	err = s.inExamClassroom(ctx, cur, 0, func(tx *store.Store, e model.Exam) error {
		now := s.clock.Now()
		eff := e.EffectiveStatus(now)
		if eff != model.ExamDraft && eff != model.ExamPublished {
			return model.ExamTransitionError(id, eff, model.ExamPublished, "publish")
		}
		if !e.EndTime.After(now) {
			return model.NewValidationError(model.FieldError{Field: "end_time", Message: "end_time must be in the future"})
		}
		if err := checkConflict(ctx, tx, e, "publish"); err != nil {
			return err
		}

		expected := e.Status
		e.Status = model.ExamPublished
		if e.PublishedAt == nil {
			t := now.UTC()
			e.PublishedAt = &t
		}
		ok, err := tx.UpdateExam(ctx, e, expected)
		if err != nil {
			return err
		}
		if !ok {
			return model.ExamTransitionError(id, expected, model.ExamPublished, "publish")
		}
		window = e.StartTime.Format(time.RFC3339) + "/" + e.EndTime.Format(time.RFC3339)
		return nil
	})
	if err != nil {
		return model.Exam{}, err
	}
	slog.Info("published exam", "exam_id", id, "window", window)
	s.notify(notify.ExamPublished, id, window)
	return s.GetExam(ctx, id)
}

// PublishResult is the outcome of publishing one exam of a batch.
type PublishResult struct {
	ExamID int64
	Exam   model.Exam
	Err    error
}

// PublishExams publishes each exam in its own transaction, so a conflict on
// one does not hold back the others. Results follow the order of ids and a
// repeated id is published once.
func (s *Service) PublishExams(ctx context.Context, ids []int64) []PublishResult {
	seen := make(map[int64]bool, len(ids))
	out := make([]PublishResult, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		e, err := s.PublishExam(ctx, id)
		out = append(out, PublishResult{ExamID: id, Exam: e, Err: err})
	}
	return out
}

// UnpublishExam returns a PUBLISHED exam that has not started and has no
// attempts to DRAFT, releasing its classroom.
func (s *Service) UnpublishExam(ctx context.Context, id int64) (model.Exam, error) {
	err := s.store.WithinTx(ctx, func(tx *store.Store) error {
		e, err := tx.GetExam(ctx, id)
		if err != nil {
			return err
		}
		if eff := e.EffectiveStatus(s.clock.Now()); eff != model.ExamPublished {
			return model.ExamTransitionError(id, eff, model.ExamDraft, "unpublish")
		}
		attempts, err := tx.ListAttempts(ctx, id)
		if err != nil {
			return err
		}
		for _, a := range attempts {
			if a.Status != model.AttemptCancelled {
				return model.ExamTransitionError(id, e.Status, model.ExamDraft, "unpublish (students are enrolled)")
			}
		}
		e.Status = model.ExamDraft
		e.PublishedAt = nil
		ok, err := tx.UpdateExam(ctx, e, model.ExamPublished)
		if err != nil {
			return err
		}
		if !ok {
			return model.ExamTransitionError(id, model.ExamPublished, model.ExamDraft, "unpublish")
		}
		return nil
	})
	if err != nil {
		return model.Exam{}, err
	}
	slog.Info("unpublished exam", "exam_id", id)
	s.notify(notify.ExamUnpublished, id, "")
	return s.GetExam(ctx, id)
}

// StartExam opens a PUBLISHED exam ahead of its scheduled start.
func (s *Service) StartExam(ctx context.Context, id int64) (model.Exam, error) {
	err := s.store.WithinTx(ctx, func(tx *store.Store) error {
		e, err := tx.GetExam(ctx, id)
		if err != nil {
			return err
		}
		eff := e.EffectiveStatus(s.clock.Now())
		if e.Status != model.ExamPublished || eff == model.ExamFinished {
			return model.ExamTransitionError(id, eff, model.ExamOngoing, "start")
		}
		ok, err := tx.SetExamStatus(ctx, id, model.ExamOngoing, model.ExamPublished)
		if err != nil {
			return err
		}
		if !ok {
			return model.ExamTransitionError(id, e.Status, model.ExamOngoing, "start")
		}
		return nil
	})
	if err != nil {
		return model.Exam{}, err
	}
	slog.Info("started exam", "exam_id", id)
	return s.GetExam(ctx, id)
}

// EndExam finishes an ONGOING exam ahead of its scheduled end. Attempts still
// in progress are closed as TIMED_OUT.
func (s *Service) EndExam(ctx context.Context, id int64) (model.Exam, error) {
	var closed []int64
	err := s.store.WithinTx(ctx, func(tx *store.Store) error {
		e, err := tx.GetExam(ctx, id)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if eff := e.EffectiveStatus(now); eff != model.ExamOngoing {
			return model.ExamTransitionError(id, eff, model.ExamFinished, "end")
		}
		ok, err := tx.SetExamStatus(ctx, id, model.ExamFinished, model.ExamPublished, model.ExamOngoing)
		if err != nil {
			return err
		}
		if !ok {
			return model.ExamTransitionError(id, e.Status, model.ExamFinished, "end")
		}

		attempts, err := tx.ListAttempts(ctx, id)
		if err != nil {
			return err
		}
		for _, a := range attempts {
			if a.Status != model.AttemptInProgress {
				continue
			}
			at := closeTime(a, e, now)
			ok, err := tx.TransitionAttempt(ctx, a.ID, []model.AttemptStatus{model.AttemptInProgress},
				model.AttemptUpdate{Status: model.AttemptTimedOut, SubmitTime: &at, EndReason: model.EndReasonTimedOut})
			if err != nil {
				return err
			}
			if ok {
				closed = append(closed, a.ID)
			}
		}
		return nil
	})
	if err != nil {
		return model.Exam{}, err
	}
	slog.Info("ended exam", "exam_id", id, "closed_attempts", len(closed))
	for _, aid := range closed {
		s.grade(ctx, model.Attempt{ID: aid, ExamID: id})
	}
	return s.GetExam(ctx, id)
}

// closeTime is the submit time recorded when an attempt is closed without a
// student submit: the deadline if it has passed, otherwise now. It is never
// before the attempt's start.
func closeTime(a model.Attempt, e model.Exam, now time.Time) time.Time {
	at := now
	if d := a.Deadline(e); !d.IsZero() && d.Before(now) {
		at = d
	}
	if a.StartTime != nil && at.Before(*a.StartTime) {
		at = *a.StartTime
	}
	return at.UTC()
}

// ExtendExamTime pushes the end time and duration of an ONGOING exam by
// extraMinutes. The extended window is re-checked for classroom conflicts.
func (s *Service) ExtendExamTime(ctx context.Context, id int64, extraMinutes int) (model.Exam, error) {
	if extraMinutes <= 0 {
		return model.Exam{}, model.NewValidationError(model.FieldError{
			Field: "extra_minutes", Message: "extra_minutes must be greater than 0"})
	}
	cur, err := s.store.GetExam(ctx, id)
	if err != nil {
		return model.Exam{}, err
	}
	var newEnd time.Time
	err = s.inExamClassroom(ctx, cur, 0, func(tx *store.Store, e model.Exam) error {
		if eff := e.EffectiveStatus(s.clock.Now()); eff != model.ExamOngoing {
			return model.ExamTransitionError(id, eff, "", "extend")
		}
		expected := e.Status
		e.Status = model.ExamOngoing
		e.EndTime = e.EndTime.Add(time.Duration(extraMinutes) * time.Minute)
		e.DurationMinutes += extraMinutes
		if err := checkConflict(ctx, tx, e, "extend"); err != nil {
			return err
		}
		ok, err := tx.UpdateExam(ctx, e, expected)
		if err != nil {
			return err
		}
		if !ok {
			return model.ExamTransitionError(id, expected, "", "extend")
		}
		newEnd = e.EndTime
		return nil
	})
	if err != nil {
		return model.Exam{}, err
	}
	slog.Info("extended exam", "exam_id", id, "extra_minutes", extraMinutes, "end", newEnd)
	s.notify(notify.ExamExtended, id, "end="+newEnd.UTC().Format(time.RFC3339))
	return s.GetExam(ctx, id)
}

// CancelExam cancels a non-terminal exam together with its NOT_STARTED and
// IN_PROGRESS attempts.
func (s *Service) CancelExam(ctx context.Context, id int64) (model.Exam, error) {
	var cancelled int64
	err := s.store.WithinTx(ctx, func(tx *store.Store) error {
		e, err := tx.GetExam(ctx, id)
		if err != nil {
			return err
		}
		if eff := e.EffectiveStatus(s.clock.Now()); eff.Terminal() {
			return model.ExamTransitionError(id, eff, model.ExamCancelled, "cancel")
		}
		ok, err := tx.SetExamStatus(ctx, id, model.ExamCancelled, e.Status)
		if err != nil {
			return err
		}
		if !ok {
			return model.ExamTransitionError(id, e.Status, model.ExamCancelled, "cancel")
		}
		cancelled, err = tx.CancelAttempts(ctx, id, model.AttemptNotStarted, model.AttemptInProgress)
		return err
	})
	if err != nil {
		return model.Exam{}, err
	}
	slog.Info("cancelled exam", "exam_id", id, "cancelled_attempts", cancelled)
	s.notify(notify.ExamCancelled, id, "")
	return s.GetExam(ctx, id)
}

// CopyExam clones the static fields of an exam into a new DRAFT exam for
// newCourseID, or for the same course when newCourseID is zero.
func (s *Service) CopyExam(ctx context.Context, id, newCourseID int64) (model.Exam, error) {
	src, err := s.store.GetExam(ctx, id)
	if err != nil {
		return model.Exam{}, err
	}
	if newCourseID == 0 {
		newCourseID = src.CourseID
	} else {
		fields, err := s.checkDirectory(ctx, newCourseID, 0, 0)
		if err != nil {
			return model.Exam{}, err
		}
		if len(fields) > 0 {
			return model.Exam{}, model.NewValidationError(fields...)
		}
	}

	now := s.clock.Now().UTC()
	cp := src
	cp.ID = 0
	cp.CourseID = newCourseID
	cp.Status = model.ExamDraft
	cp.PublishedAt = nil
	cp.CreatedAt, cp.UpdatedAt = now, now
	newID, err := s.store.CreateExam(ctx, cp)
	if err != nil {
		return model.Exam{}, err
	}
	slog.Info("copied exam", "exam_id", id, "new_exam_id", newID, "course_id", newCourseID)
	return s.GetExam(ctx, newID)
}
