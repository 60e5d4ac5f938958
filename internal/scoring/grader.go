package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pavelanni/examhall/internal/model"
)

// Grader computes the raw score of a closed attempt. The answer payload is
// opaque to this package; graders interpret it.
type Grader interface {
	Grade(ctx context.Context, exam model.Exam, attempt model.Attempt) (float64, error)
}

// ReportedScoreGrader trusts a score computed upstream and carried in the
// payload as {"score": n}. An empty payload scores zero.
type ReportedScoreGrader struct{}

func (ReportedScoreGrader) Grade(_ context.Context, _ model.Exam, a model.Attempt) (float64, error) {
	if strings.TrimSpace(a.Answers) == "" {
		return 0, nil
	}
	var payload struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(a.Answers), &payload); err != nil {
		return 0, fmt.Errorf("attempt %d: parse answers: %w", a.ID, err)
	}
	if payload.Score == nil {
		return 0, nil
	}
	return *payload.Score, nil
}

// GraderFunc adapts a function to Grader.
type GraderFunc func(ctx context.Context, exam model.Exam, attempt model.Attempt) (float64, error)

func (f GraderFunc) Grade(ctx context.Context, exam model.Exam, attempt model.Attempt) (float64, error) {
	return f(ctx, exam, attempt)
}
