// Package handler exposes the exam service as a JSON API.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examhall/internal/exam"
	"github.com/pavelanni/examhall/internal/scoring"
)

const maxBodyBytes = 1 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	exams      *exam.Service
	scoring    *scoring.Aggregator
	apiKeyHash []byte
}

// New creates a new Handler. apiKeyHash is a bcrypt hash of the instructor
// API key; when empty the instructor routes are open.
func New(svc *exam.Service, agg *scoring.Aggregator, apiKeyHash string) *Handler {
	if apiKeyHash == "" {
		slog.Warn("no API key hash configured, instructor routes are unauthenticated")
	}
	return &Handler{exams: svc, scoring: agg, apiKeyHash: []byte(apiKeyHash)}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/exams", h.handleListExams)
		r.Get("/exams/starting-soon", h.handleStartingSoon)
		r.Get("/exams/{examID}", h.handleGetExam)
		r.Post("/exams/{examID}/attempts", h.handleStartAttempt)
		r.Get("/attempts/{attemptID}", h.handleGetAttempt)
		r.Put("/attempts/{attemptID}/answers", h.handleSaveAnswers)
		r.Post("/attempts/{attemptID}/submit", h.handleSubmit)
		r.Post("/attempts/{attemptID}/warnings", h.handleCheatWarning)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAPIKey)
			r.Post("/exams", h.handleCreateExam)
			r.Post("/exams/publish", h.handlePublishBatch)
			r.Put("/exams/{examID}/schedule", h.handleUpdateSchedule)
			r.Post("/exams/{examID}/publish", h.examAction(h.exams.PublishExam))
			r.Post("/exams/{examID}/unpublish", h.examAction(h.exams.UnpublishExam))
			r.Post("/exams/{examID}/start", h.examAction(h.exams.StartExam))
			r.Post("/exams/{examID}/end", h.examAction(h.exams.EndExam))
			r.Post("/exams/{examID}/extend", h.handleExtend)
			r.Post("/exams/{examID}/cancel", h.examAction(h.exams.CancelExam))
			r.Post("/exams/{examID}/copy", h.handleCopy)
			r.Get("/exams/{examID}/attempts", h.handleListAttempts)
			r.Post("/exams/{examID}/enrollments", h.handleEnroll)
			r.Get("/exams/{examID}/statistics", h.handleStatistics)
			r.Get("/exams/{examID}/rank/{studentID}", h.handleRank)
			r.Get("/exams/{examID}/export", h.handleExport)
			r.Get("/exams/{examID}/cheat-records", h.handleCheatRecords)
			r.Get("/classrooms/{classroomID}/conflicts", h.handleConflicts)
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &badRequestError{detail: err.Error()}
	}
	return nil
}

func idParam(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &badRequestError{detail: fmt.Sprintf("invalid %s %q", name, raw)}
	}
	return id, nil
}

func queryID(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, &badRequestError{detail: fmt.Sprintf("invalid %s %q", name, raw)}
	}
	return id, nil
}

func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, &badRequestError{detail: fmt.Sprintf("%s must be an RFC 3339 time, got %q", name, raw)}
	}
	return t, nil
}

// payload reads a JSON answers document. Answers are stored verbatim.
func payload(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	return string(raw)
}

type badRequestError struct {
	detail string
}

func (e *badRequestError) Error() string { return "bad request: " + e.detail }

var errUnauthorized = errors.New("unauthorized")
