package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pavelanni/examhall/internal/model"
)

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	var f model.ExamFilter
	for _, s := range r.URL.Query()["status"] {
		st := model.ExamStatus(s)
		if !st.Valid() {
			h.writeError(w, r, &badRequestError{detail: "unknown status " + s})
			return
		}
		f.Statuses = append(f.Statuses, st)
	}
	var err error
	if f.CourseID, err = queryID(r, "course_id"); err != nil {
		h.writeError(w, r, err)
		return
	}
	if f.ClassroomID, err = queryID(r, "classroom_id"); err != nil {
		h.writeError(w, r, err)
		return
	}
	exams, err := h.exams.ListExams(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if exams == nil {
		exams = []model.Exam{}
	}
	writeJSON(w, http.StatusOK, exams)
}

func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "examID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	e, err := h.exams.GetExam(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) handleCreateExam(w http.ResponseWriter, r *http.Request) {
	var req model.NewExam
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	e, err := h.exams.CreateExam(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *Handler) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "examID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var ch model.ScheduleChange
	if err := decodeJSON(r, &ch); err != nil {
		h.writeError(w, r, err)
		return
	}
	e, err := h.exams.UpdateExamSchedule(r.Context(), id, ch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// examAction adapts a lifecycle operation that takes only the exam ID.
func (h *Handler) examAction(op func(ctx context.Context, id int64) (model.Exam, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := idParam(r, "examID")
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		e, err := op(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func (h *Handler) handleExtend(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "examID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		ExtraMinutes int `json:"extra_minutes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	e, err := h.exams.ExtendExamTime(r.Context(), id, req.ExtraMinutes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) handleCopy(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "examID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		CourseID int64 `json:"course_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	e, err := h.exams.CopyExam(r.Context(), id, req.CourseID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "examID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	stats, err := h.scoring.Statistics(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleRank(w http.ResponseWriter, r *http.Request) {
	examID, err := idParam(r, "examID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	studentID, err := idParam(r, "studentID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rank, err := h.scoring.StudentRank(r.Context(), examID, studentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"exam_id": examID, "student_id": studentID, "rank": int64(rank)})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "examID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	export, err := h.scoring.Export(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

type conflictResponse struct {
	Conflict          bool   `json:"conflict"`
	ConflictingExamID int64  `json:"conflicting_exam_id,omitempty"`
	Start             string `json:"start,omitempty"`
	End               string `json:"end,omitempty"`
}

func (h *Handler) handleConflicts(w http.ResponseWriter, r *http.Request) {
	classroomID, err := idParam(r, "classroomID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	start, err := queryTime(r, "start")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	end, err := queryTime(r, "end")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	exclude, err := queryID(r, "exclude_exam_id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, found, err := h.exams.FindConflict(r.Context(), classroomID, start, end, exclude)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := conflictResponse{Conflict: found}
	if found {
		resp.ConflictingExamID = res.ExamID
		resp.Start, resp.End = stamp(res.Window.Start), stamp(res.Window.End)
	}
	writeJSON(w, http.StatusOK, resp)
}

// defaultSoonHours is the look-ahead of /exams/starting-soon without ?hours.
const defaultSoonHours = 24

func (h *Handler) handleStartingSoon(w http.ResponseWriter, r *http.Request) {
	hours := defaultSoonHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, r, &badRequestError{detail: "hours must be a positive integer, got " + strconv.Quote(raw)})
			return
		}
		hours = n
	}
	exams, err := h.exams.ExamsStartingSoon(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if exams == nil {
		exams = []model.Exam{}
	}
	writeJSON(w, http.StatusOK, exams)
}

type publishResult struct {
	ExamID int64       `json:"exam_id"`
	Exam   *model.Exam `json:"exam,omitempty"`
	Error  *errorBody  `json:"error,omitempty"`
}

// handlePublishBatch always answers 200; each exam carries its own outcome.
func (h *Handler) handlePublishBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExamIDs []int64 `json:"exam_ids"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(req.ExamIDs) == 0 {
		h.writeError(w, r, model.NewValidationError(model.FieldError{Field: "exam_ids", Message: "exam_ids must list at least one exam"}))
		return
	}
	results := h.exams.PublishExams(r.Context(), req.ExamIDs)
	out := make([]publishResult, 0, len(results))
	for _, res := range results {
		pr := publishResult{ExamID: res.ExamID}
		if res.Err != nil {
			status, body := describe(r.Context(), res.Err)
			if status == http.StatusInternalServerError {
				slog.Error("batch publish failed", "exam_id", res.ExamID, "error", res.Err)
			} else {
				body.Error = res.Err.Error()
			}
			pr.Error = &body
		} else {
			e := res.Exam
			pr.Exam = &e
		}
		out = append(out, pr)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCheatRecords(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "examID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	records, err := h.exams.CheatRecords(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []model.CheatRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}
