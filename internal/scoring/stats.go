package scoring

import (
	"math"

	"github.com/pavelanni/examhall/internal/model"
)

// Summarize computes the statistics of one exam from its attempts.
// Cancelled attempts are ignored. Score-based figures use graded attempts only.
func Summarize(exam model.Exam, attempts []model.Attempt) model.ExamStatistics {
	st := model.ExamStatistics{ExamID: exam.ID, Bands: model.GradeBands()}

	var scores []float64
	for _, a := range attempts {
		if a.Status == model.AttemptCancelled {
			continue
		}
		st.Participants++
		if !a.Status.Completed() {
			continue
		}
		st.Completed++
		if a.Status == model.AttemptTimedOut || a.EndReason == model.EndReasonTimedOut {
			st.TimedOut++
		}
		if a.Status == model.AttemptGraded && a.Score != nil {
			scores = append(scores, *a.Score)
		}
	}
	st.Graded = len(scores)
	if st.Graded == 0 {
		return st
	}

	st.Min, st.Max = math.Inf(1), math.Inf(-1)
	var sum float64
	for _, s := range scores {
		sum += s
		st.Min = math.Min(st.Min, s)
		st.Max = math.Max(st.Max, s)
		if s >= exam.PassingScore {
			st.Passed++
		}
		if i := bandIndex(st.Bands, percent(s, exam.TotalScore)); i >= 0 {
			st.Bands[i].Count++
		}
	}
	st.Mean = sum / float64(st.Graded)
	st.PassRate = float64(st.Passed) / float64(st.Graded)
	return st
}

func percent(score, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return score / total * 100
}

// bandIndex returns the band holding pct, truncated to a whole percent and
// clamped to [0, 100].
func bandIndex(bands []model.GradeBand, pct float64) int {
	p := int(math.Floor(pct))
	p = max(0, min(100, p))
	for i, b := range bands {
		if p >= b.Min && p <= b.Max {
			return i
		}
	}
	return -1
}

// RankOf returns 1 + the number of scores strictly greater than score.
// Equal scores share a rank and the next distinct score skips ahead.
func RankOf(scores []float64, score float64) int {
	rank := 1
	for _, s := range scores {
		if s > score {
			rank++
		}
	}
	return rank
}

// gradedScores returns the scores of graded attempts.
func gradedScores(attempts []model.Attempt) []float64 {
	var out []float64
	for _, a := range attempts {
		if a.Status == model.AttemptGraded && a.Score != nil {
			out = append(out, *a.Score)
		}
	}
	return out
}
