package model

// GradeBand is one bucket of the score histogram, inclusive on both ends,
// expressed as a percentage of the exam's total score.
type GradeBand struct {
	Label string `json:"label"`
	Min   int    `json:"min"`
	Max   int    `json:"max"`
	Count int    `json:"count"`
}

// GradeBands returns the fixed histogram layout, highest band first.
func GradeBands() []GradeBand {
	return []GradeBand{
		{Label: "90-100", Min: 90, Max: 100},
		{Label: "80-89", Min: 80, Max: 89},
		{Label: "70-79", Min: 70, Max: 79},
		{Label: "60-69", Min: 60, Max: 69},
		{Label: "0-59", Min: 0, Max: 59},
	}
}

// ExamStatistics summarizes the results of one exam.
type ExamStatistics struct {
	ExamID       int64       `json:"exam_id"`
	Participants int         `json:"participants"`
	Completed    int         `json:"completed"`
	TimedOut     int         `json:"timed_out"`
	Graded       int         `json:"graded"`
	Mean         float64     `json:"mean"`
	Min          float64     `json:"min"`
	Max          float64     `json:"max"`
	Passed       int         `json:"passed"`
	PassRate     float64     `json:"pass_rate"`
	Bands        []GradeBand `json:"bands"`
}
