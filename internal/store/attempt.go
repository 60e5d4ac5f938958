package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/examhall/internal/model"
)

const attemptColumns = `id, exam_id, student_id, status, start_time, submit_time, score, answers,
	late_answers, end_reason, late, switch_count, remarks, graded_at, created_at, updated_at`

// InsertAttempt stores a new attempt. A second non-cancelled attempt for the
// same exam and student is rejected with a *model.DuplicateAttemptError.
func (s *Store) InsertAttempt(ctx context.Context, a model.Attempt) (int64, error) {
	now := time.Now().UTC()
	id, err := s.insertID(ctx,
		`INSERT INTO attempts (exam_id, student_id, status, start_time, submit_time, score, answers,
			end_reason, late, switch_count, remarks, graded_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		a.ExamID, a.StudentID, a.Status, utcPtr(a.StartTime), utcPtr(a.SubmitTime), a.Score, a.Answers,
		a.EndReason, a.Late, a.SwitchCount, a.Remarks, utcPtr(a.GradedAt), now, now,
	)
	if isUniqueViolation(err) {
		return 0, &model.DuplicateAttemptError{ExamID: a.ExamID, StudentID: a.StudentID}
	}
	if err != nil {
		logQueryError("insert attempt", err, "exam_id", a.ExamID, "student_id", a.StudentID)
		return 0, fmt.Errorf("insert attempt: %w", err)
	}
	slog.Debug("inserted attempt", "id", id, "exam_id", a.ExamID, "student_id", a.StudentID, "status", a.Status)
	return id, nil
}

// GetAttempt returns an attempt by ID or a *model.NotFoundError.
func (s *Store) GetAttempt(ctx context.Context, id int64) (model.Attempt, error) {
	var a model.Attempt
	err := s.q.GetContext(ctx, &a, s.rebind(`SELECT `+attemptColumns+` FROM attempts WHERE id = ?`), id)
	if isNoRows(err) {
		return model.Attempt{}, &model.NotFoundError{Entity: "attempt", ID: id}
	}
	if err != nil {
		return model.Attempt{}, fmt.Errorf("get attempt %d: %w", id, err)
	}
	return a, nil
}

// FindActiveAttempt returns the student's non-cancelled attempt for an exam, if any.
func (s *Store) FindActiveAttempt(ctx context.Context, examID, studentID int64) (model.Attempt, bool, error) {
	var a model.Attempt
	err := s.q.GetContext(ctx, &a, s.rebind(
		`SELECT `+attemptColumns+` FROM attempts
		 WHERE exam_id = ? AND student_id = ? AND status <> ?`),
		examID, studentID, model.AttemptCancelled)
	if isNoRows(err) {
		return model.Attempt{}, false, nil
	}
	if err != nil {
		return model.Attempt{}, false, fmt.Errorf("find attempt for exam %d student %d: %w", examID, studentID, err)
	}
	return a, true, nil
}

// ListAttempts returns all attempts of an exam ordered by ID.
func (s *Store) ListAttempts(ctx context.Context, examID int64) ([]model.Attempt, error) {
	var out []model.Attempt
	err := s.q.SelectContext(ctx, &out, s.rebind(
		`SELECT `+attemptColumns+` FROM attempts WHERE exam_id = ? ORDER BY id`), examID)
	if err != nil {
		return nil, fmt.Errorf("list attempts of exam %d: %w", examID, err)
	}
	return out, nil
}

// ListAttemptsByStatus returns attempts of every exam in the given statuses.
func (s *Store) ListAttemptsByStatus(ctx context.Context, statuses ...model.AttemptStatus) ([]model.Attempt, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, st)
	}
	var out []model.Attempt
	err := s.q.SelectContext(ctx, &out, s.rebind(
		`SELECT `+attemptColumns+` FROM attempts
		 WHERE status IN (`+placeholders(len(statuses))+`) ORDER BY exam_id, id`), args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts by status: %w", err)
	}
	return out, nil
}

// TransitionAttempt applies upd only while the attempt is in one of the from
// statuses. Nil fields of upd keep the stored values and Late is only ever
// raised. It reports whether the row was updated.
func (s *Store) TransitionAttempt(ctx context.Context, id int64, from []model.AttemptStatus, upd model.AttemptUpdate) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition attempt %d: no source status", id)
	}
	var endReason *model.EndReason
	if upd.EndReason != model.EndReasonNone {
		endReason = &upd.EndReason
	}
	args := []any{
		upd.Status, utcPtr(upd.StartTime), utcPtr(upd.SubmitTime), upd.Answers, upd.LateAnswers, upd.Score,
		endReason, upd.Late, utcPtr(upd.GradedAt), time.Now().UTC(), id,
	}
	for _, st := range from {
		args = append(args, st)
	}
	res, err := s.q.ExecContext(ctx, s.rebind(
		`UPDATE attempts SET status = ?,
			start_time = COALESCE(?, start_time),
			submit_time = COALESCE(?, submit_time),
			answers = COALESCE(?, answers),
			late_answers = COALESCE(?, late_answers),
			score = COALESCE(?, score),
			end_reason = COALESCE(?, end_reason),
			late = (late OR ?),
			graded_at = COALESCE(?, graded_at),
			updated_at = ?
		 WHERE id = ? AND status IN (`+placeholders(len(from))+`)`), args...)
	if err != nil {
		logQueryError("transition attempt", err, "id", id, "to", upd.Status)
		return false, fmt.Errorf("transition attempt %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CancelAttempts moves every attempt of an exam that is still in one of the
// from statuses to CANCELLED and returns how many were changed.
func (s *Store) CancelAttempts(ctx context.Context, examID int64, from ...model.AttemptStatus) (int64, error) {
	if len(from) == 0 {
		return 0, nil
	}
	args := []any{model.AttemptCancelled, model.EndReasonCancelled, time.Now().UTC(), examID}
	for _, st := range from {
		args = append(args, st)
	}
	res, err := s.q.ExecContext(ctx, s.rebind(
		`UPDATE attempts SET status = ?, end_reason = ?, updated_at = ?
		 WHERE exam_id = ? AND status IN (`+placeholders(len(from))+`)`), args...)
	if err != nil {
		return 0, fmt.Errorf("cancel attempts of exam %d: %w", examID, err)
	}
	return res.RowsAffected()
}

// SaveAnswers overwrites the answer payload while the attempt is in one of
// statuses, without touching its status. It reports whether the row was updated.
func (s *Store) SaveAnswers(ctx context.Context, id int64, answers string, statuses ...model.AttemptStatus) (bool, error) {
	if len(statuses) == 0 {
		return false, nil
	}
	args := []any{answers, time.Now().UTC(), id}
	for _, st := range statuses {
		args = append(args, st)
	}
	res, err := s.q.ExecContext(ctx, s.rebind(
		`UPDATE attempts SET answers = ?, updated_at = ?
		 WHERE id = ? AND status IN (`+placeholders(len(statuses))+`)`), args...)
	if err != nil {
		return false, fmt.Errorf("save answers of attempt %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordLateAnswers stores a payload that arrived after the attempt was
// closed, leaving the graded answers and the status alone. It only touches an
// attempt in one of statuses and reports whether the row was updated.
func (s *Store) RecordLateAnswers(ctx context.Context, id int64, answers string, statuses ...model.AttemptStatus) (bool, error) {
	if len(statuses) == 0 {
		return false, nil
	}
	args := []any{answers, time.Now().UTC(), id}
	for _, st := range statuses {
		args = append(args, st)
	}
	res, err := s.q.ExecContext(ctx, s.rebind(
		`UPDATE attempts SET late_answers = ?, updated_at = ?
		 WHERE id = ? AND status IN (`+placeholders(len(statuses))+`)`), args...)
	if err != nil {
		return false, fmt.Errorf("record late answers of attempt %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AddCheatWarning increments the switch counter of an in-progress attempt and
// appends remark to its remarks. It returns the new counter value, and false
// when the attempt is no longer in progress.
func (s *Store) AddCheatWarning(ctx context.Context, id int64, remark string) (int, bool, error) {
	res, err := s.q.ExecContext(ctx, s.rebind(
		`UPDATE attempts SET switch_count = switch_count + 1,
			remarks = CASE WHEN remarks = '' THEN ? ELSE remarks || '`+model.RemarkSeparator+`' || ? END,
			updated_at = ?
		 WHERE id = ? AND status = ?`),
		remark, remark, time.Now().UTC(), id, model.AttemptInProgress)
	if err != nil {
		return 0, false, fmt.Errorf("record warning on attempt %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	var count int
	if err := s.q.GetContext(ctx, &count, s.rebind(`SELECT switch_count FROM attempts WHERE id = ?`), id); err != nil {
		return 0, false, fmt.Errorf("read switch count of attempt %d: %w", id, err)
	}
	return count, true, nil
}

// CountSeatedAttempts returns how many attempts of an exam occupy a seat:
// every attempt that has been started and not cancelled.
func (s *Store) CountSeatedAttempts(ctx context.Context, examID int64) (int, error) {
	var n int
	err := s.q.GetContext(ctx, &n, s.rebind(
		`SELECT COUNT(*) FROM attempts WHERE exam_id = ? AND status IN (?, ?, ?, ?)`),
		examID, model.AttemptInProgress, model.AttemptSubmitted, model.AttemptTimedOut, model.AttemptGraded)
	if err != nil {
		return 0, fmt.Errorf("count attempts of exam %d: %w", examID, err)
	}
	return n, nil
}
