package model

import "time"

// ExamExport is the top-level JSON structure for exam result export.
type ExamExport struct {
	Exam       Exam            `json:"exam"`
	ExportedAt time.Time       `json:"exported_at"`
	Statistics ExamStatistics  `json:"statistics"`
	Results    []StudentResult `json:"results"`
}

// StudentResult holds one student's attempt for export.
type StudentResult struct {
	StudentID   int64         `json:"student_id"`
	DisplayName string        `json:"display_name"`
	AttemptID   int64         `json:"attempt_id"`
	Status      AttemptStatus `json:"status"`
	EndReason   EndReason     `json:"end_reason,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	SubmittedAt *time.Time    `json:"submitted_at,omitempty"`
	Late        bool          `json:"late"`
	Score       *float64      `json:"score,omitempty"`
	Passed      bool          `json:"passed"`
	Rank        int           `json:"rank,omitempty"`
	SwitchCount int           `json:"switch_count"`
}
