package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pavelanni/examhall/internal/model"
)

type studentRequest struct {
	StudentID int64 `json:"student_id"`
}

type answersRequest struct {
	Answers json.RawMessage `json:"answers"`
}

// submitResponse carries the attempt and, for a submit that arrived after the
// attempt was closed, the notice explaining that only the payload was kept.
type submitResponse struct {
	Attempt model.Attempt `json:"attempt"`
	Notice  *errorBody    `json:"notice,omitempty"`
}

func (h *Handler) studentAction(w http.ResponseWriter, r *http.Request, op func(r *http.Request, examID, studentID int64) (model.Attempt, error)) {
	examID, err := idParam(r, "examID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req studentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.StudentID <= 0 {
		h.writeError(w, r, model.NewValidationError(model.FieldError{Field: "student_id", Message: "student_id is a required field"}))
		return
	}
	a, err := op(r, examID, req.StudentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	h.studentAction(w, r, func(r *http.Request, examID, studentID int64) (model.Attempt, error) {
		return h.exams.StartStudentExam(r.Context(), examID, studentID)
	})
}

func (h *Handler) handleEnroll(w http.ResponseWriter, r *http.Request) {
	h.studentAction(w, r, func(r *http.Request, examID, studentID int64) (model.Attempt, error) {
		return h.exams.EnrollStudent(r.Context(), examID, studentID)
	})
}

func (h *Handler) handleListAttempts(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "examID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	attempts, err := h.exams.ListAttempts(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []model.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (h *Handler) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "attemptID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	a, err := h.exams.GetAttempt(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleSaveAnswers(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "attemptID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req answersRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	a, err := h.exams.SaveAnswers(r.Context(), id, payload(req.Answers))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "attemptID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req answersRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	a, err := h.exams.SubmitStudentExam(r.Context(), id, payload(req.Answers))
	var stale *model.StaleSubmissionError
	switch {
	case errors.As(err, &stale):
		status, body := describe(r.Context(), err)
		writeJSON(w, status, submitResponse{Attempt: a, Notice: &body})
	case err != nil:
		h.writeError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, submitResponse{Attempt: a})
	}
}

func (h *Handler) handleCheatWarning(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "attemptID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req struct {
		Kind        string `json:"kind"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	a, err := h.exams.RecordCheatWarning(r.Context(), id, req.Kind, req.Description)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
