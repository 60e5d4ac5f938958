package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/examhall/internal/model"
)

const examColumns = `id, title, course_id, proctor_id, exam_type, format, start_time, end_time,
	duration_minutes, classroom_id, total_score, passing_score, status,
	late_entry_limit_minutes, early_submission_limit_minutes, max_switch_count,
	published_at, created_at, updated_at`

// CreateExam inserts a new exam and returns its ID.
func (s *Store) CreateExam(ctx context.Context, e model.Exam) (int64, error) {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	id, err := s.insertID(ctx,
		`INSERT INTO exams (title, course_id, proctor_id, exam_type, format, start_time, end_time,
			duration_minutes, classroom_id, total_score, passing_score, status,
			late_entry_limit_minutes, early_submission_limit_minutes, max_switch_count,
			published_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		e.Title, e.CourseID, e.ProctorID, e.Type, e.Format, utc(e.StartTime), utc(e.EndTime),
		e.DurationMinutes, e.ClassroomID, e.TotalScore, e.PassingScore, e.Status,
		e.LateEntryLimitMinutes, e.EarlySubmissionLimitMinutes, e.MaxSwitchCount,
		utcPtr(e.PublishedAt), utc(e.CreatedAt), utc(e.UpdatedAt),
	)
	if err != nil {
		logQueryError("create exam", err, "title", e.Title)
		return 0, fmt.Errorf("insert exam: %w", err)
	}
	slog.Info("created exam", "id", id, "title", e.Title, "status", e.Status)
	return id, nil
}

// GetExam returns an exam by ID or a *model.NotFoundError.
func (s *Store) GetExam(ctx context.Context, id int64) (model.Exam, error) {
	var e model.Exam
	err := s.q.GetContext(ctx, &e, s.rebind(`SELECT `+examColumns+` FROM exams WHERE id = ?`), id)
	if isNoRows(err) {
		return model.Exam{}, &model.NotFoundError{Entity: "exam", ID: id}
	}
	if err != nil {
		return model.Exam{}, fmt.Errorf("get exam %d: %w", id, err)
	}
	return e, nil
}

// UpdateExam writes every mutable field of e, but only while the stored
// status still equals expected. It reports whether the row was updated.
func (s *Store) UpdateExam(ctx context.Context, e model.Exam, expected model.ExamStatus) (bool, error) {
	res, err := s.q.ExecContext(ctx, s.rebind(
		`UPDATE exams SET title = ?, course_id = ?, proctor_id = ?, exam_type = ?, format = ?,
			start_time = ?, end_time = ?, duration_minutes = ?, classroom_id = ?,
			total_score = ?, passing_score = ?, status = ?,
			late_entry_limit_minutes = ?, early_submission_limit_minutes = ?, max_switch_count = ?,
			published_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`),
		e.Title, e.CourseID, e.ProctorID, e.Type, e.Format,
		utc(e.StartTime), utc(e.EndTime), e.DurationMinutes, e.ClassroomID,
		e.TotalScore, e.PassingScore, e.Status,
		e.LateEntryLimitMinutes, e.EarlySubmissionLimitMinutes, e.MaxSwitchCount,
		utcPtr(e.PublishedAt), time.Now().UTC(),
		e.ID, expected,
	)
	if err != nil {
		logQueryError("update exam", err, "id", e.ID)
		return false, fmt.Errorf("update exam %d: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListExams returns exams matching f ordered by start time.
func (s *Store) ListExams(ctx context.Context, f model.ExamFilter) ([]model.Exam, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if f.CourseID != 0 {
		where = append(where, "course_id = ?")
		args = append(args, f.CourseID)
	}
	if f.ClassroomID != 0 {
		where = append(where, "classroom_id = ?")
		args = append(args, f.ClassroomID)
	}
	query := `SELECT ` + examColumns + ` FROM exams`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time, id"

	var exams []model.Exam
	if err := s.q.SelectContext(ctx, &exams, s.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list exams: %w", err)
	}
	return exams, nil
}

// ListClassroomExams returns the exams booked into classroomID whose status
// is one of statuses. With no statuses, every exam in the classroom is returned.
func (s *Store) ListClassroomExams(ctx context.Context, classroomID int64, statuses ...model.ExamStatus) ([]model.Exam, error) {
	return s.ListExams(ctx, model.ExamFilter{ClassroomID: classroomID, Statuses: statuses})
}

// SetExamStatus moves an exam from one of the from statuses to to. It reports
// whether the row was updated.
func (s *Store) SetExamStatus(ctx context.Context, id int64, to model.ExamStatus, from ...model.ExamStatus) (bool, error) {
	args := []any{to, time.Now().UTC(), id}
	for _, st := range from {
		args = append(args, st)
	}
	res, err := s.q.ExecContext(ctx, s.rebind(
		`UPDATE exams SET status = ?, updated_at = ?
		 WHERE id = ? AND status IN (`+placeholders(len(from))+`)`), args...)
	if err != nil {
		return false, fmt.Errorf("set exam %d status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ExamCount returns the number of exams in the given statuses, or all exams
// when none are given.
func (s *Store) ExamCount(ctx context.Context, statuses ...model.ExamStatus) (int, error) {
	query := `SELECT COUNT(*) FROM exams`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	var n int
	err := s.q.GetContext(ctx, &n, s.rebind(query), args...)
	return n, err
}
