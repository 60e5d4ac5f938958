package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/examhall/internal/model"
)

// resultRow is an attempt joined with the student's display name.
type resultRow struct {
	model.Attempt
	DisplayName *string `db:"display_name"`
}

// ExportAttempts returns one result per attempt of the exam with the
// student's display name filled in. Passed and Rank are left for the caller.
func (s *Store) ExportAttempts(ctx context.Context, examID int64) ([]model.StudentResult, error) {
	var rows []resultRow
	err := s.q.SelectContext(ctx, &rows, s.rebind(
		`SELECT a.id, a.exam_id, a.student_id, a.status, a.start_time, a.submit_time, a.score,
			a.answers, a.end_reason, a.late, a.switch_count, a.remarks, a.graded_at,
			a.created_at, a.updated_at, p.display_name
		 FROM attempts a LEFT JOIN people p ON p.id = a.student_id
		 WHERE a.exam_id = ?
		 ORDER BY a.student_id, a.id`), examID)
	if err != nil {
		return nil, fmt.Errorf("export attempts of exam %d: %w", examID, err)
	}

	results := make([]model.StudentResult, 0, len(rows))
	for _, r := range rows {
		var name string
		if r.DisplayName != nil {
			name = *r.DisplayName
		}
		results = append(results, model.StudentResult{
			StudentID:   r.StudentID,
			DisplayName: name,
			AttemptID:   r.ID,
			Status:      r.Status,
			EndReason:   r.EndReason,
			StartedAt:   r.StartTime,
			SubmittedAt: r.SubmitTime,
			Late:        r.Late,
			Score:       r.Score,
			SwitchCount: r.SwitchCount,
		})
	}
	return results, nil
}
