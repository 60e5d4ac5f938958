// Package scoring grades closed attempts and summarizes exam results.
//
// Grading is the only path by which an attempt reaches GRADED. It is a
// conditional transition from SUBMITTED or TIMED_OUT, so a student submit, a
// forced submit and any number of sweeps can all request grading of the same
// attempt and the score is written exactly once.
package scoring

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/pavelanni/examhall/internal/model"
	"github.com/pavelanni/examhall/internal/store"
)

// Aggregator grades attempts and computes per-exam statistics.
type Aggregator struct {
	store  *store.Store
	grader Grader
	clock  clockwork.Clock
}

// New returns an Aggregator. A nil grader means ReportedScoreGrader and a nil
// clock means the wall clock.
func New(st *store.Store, grader Grader, clock clockwork.Clock) *Aggregator {
	if grader == nil {
		grader = ReportedScoreGrader{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Aggregator{store: st, grader: grader, clock: clock}
}

// GradeAttempt scores a SUBMITTED or TIMED_OUT attempt and marks it GRADED.
// Grading an already graded attempt returns it unchanged.
func (a *Aggregator) GradeAttempt(ctx context.Context, attemptID int64) (model.Attempt, error) {
	att, err := a.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return model.Attempt{}, err
	}
	switch att.Status {
	case model.AttemptGraded:
		return att, nil
	case model.AttemptSubmitted, model.AttemptTimedOut:
	default:
		return att, model.AttemptTransitionError(att.ID, att.Status, model.AttemptGraded, "grade")
	}

	exam, err := a.store.GetExam(ctx, att.ExamID)
	if err != nil {
		return att, err
	}
	score, err := a.grader.Grade(ctx, exam, att)
	if err != nil {
		return att, fmt.Errorf("grade attempt %d: %w", att.ID, err)
	}
	score = clamp(score, exam.TotalScore)

	now := a.clock.Now()
	ok, err := a.store.TransitionAttempt(ctx, att.ID,
		[]model.AttemptStatus{model.AttemptSubmitted, model.AttemptTimedOut},
		model.AttemptUpdate{Status: model.AttemptGraded, Score: &score, GradedAt: &now})
	if err != nil {
		return att, err
	}

	cur, err := a.store.GetAttempt(ctx, att.ID)
	if err != nil {
		return att, err
	}
	if !ok && cur.Status != model.AttemptGraded {
		return cur, model.AttemptTransitionError(cur.ID, cur.Status, model.AttemptGraded, "grade")
	}
	if ok {
		slog.Info("graded attempt", "attempt_id", cur.ID, "exam_id", cur.ExamID, "score", score, "end_reason", cur.EndReason)
	}
	return cur, nil
}

func clamp(score, total float64) float64 {
	if score < 0 {
		return 0
	}
	if total > 0 && score > total {
		return total
	}
	return score
}

// Statistics returns the statistics of an exam.
func (a *Aggregator) Statistics(ctx context.Context, examID int64) (model.ExamStatistics, error) {
	exam, err := a.store.GetExam(ctx, examID)
	if err != nil {
		return model.ExamStatistics{}, err
	}
	attempts, err := a.store.ListAttempts(ctx, examID)
	if err != nil {
		return model.ExamStatistics{}, err
	}
	return Summarize(exam, attempts), nil
}

// StudentRank returns the student's rank among graded attempts of the exam.
func (a *Aggregator) StudentRank(ctx context.Context, examID, studentID int64) (int, error) {
	if _, err := a.store.GetExam(ctx, examID); err != nil {
		return 0, err
	}
	attempts, err := a.store.ListAttempts(ctx, examID)
	if err != nil {
		return 0, err
	}
	for _, att := range attempts {
		if att.StudentID == studentID && att.Status == model.AttemptGraded && att.Score != nil {
			return RankOf(gradedScores(attempts), *att.Score), nil
		}
	}
	return 0, &model.NotFoundError{Entity: "graded attempt of student", ID: studentID}
}

// Export assembles the full result export of an exam.
func (a *Aggregator) Export(ctx context.Context, examID int64) (model.ExamExport, error) {
	exam, err := a.store.GetExam(ctx, examID)
	if err != nil {
		return model.ExamExport{}, err
	}
	exam.Status = exam.EffectiveStatus(a.clock.Now())

	attempts, err := a.store.ListAttempts(ctx, examID)
	if err != nil {
		return model.ExamExport{}, err
	}
	results, err := a.store.ExportAttempts(ctx, examID)
	if err != nil {
		return model.ExamExport{}, err
	}
	scores := gradedScores(attempts)
	for i := range results {
		r := &results[i]
		if r.Status != model.AttemptGraded || r.Score == nil {
			continue
		}
		r.Passed = *r.Score >= exam.PassingScore
		r.Rank = RankOf(scores, *r.Score)
	}
	return model.ExamExport{
		Exam:       exam,
		ExportedAt: a.clock.Now().UTC(),
		Statistics: Summarize(exam, attempts),
		Results:    results,
	}, nil
}
