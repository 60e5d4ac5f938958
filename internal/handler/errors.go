package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/pavelanni/examhall/internal/i18n"
	"github.com/pavelanni/examhall/internal/model"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code    string             `json:"code"`
	Message string             `json:"message"`
	Error   string             `json:"error,omitempty"`
	Fields  []model.FieldError `json:"fields,omitempty"`
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// describe maps an error to its HTTP status and localized body.
func describe(ctx context.Context, err error) (int, errorBody) {
	var (
		bad        *badRequestError
		validation *model.ValidationError
		conflict   *model.SchedulingConflictError
		duplicate  *model.DuplicateAttemptError
		late       *model.LateEntryRejectedError
		early      *model.EarlySubmissionRejectedError
		full       *model.CapacityExceededError
		stale      *model.StaleSubmissionError
		notFound   *model.NotFoundError
		transition *model.InvalidStateTransitionError
	)
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest, errorBody{Code: "bad_request",
			Message: i18n.Td(ctx, "ErrBadRequest", map[string]any{"Detail": bad.detail})}
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized, errorBody{Code: "unauthorized", Message: i18n.T(ctx, "ErrUnauthorized")}
	case errors.As(err, &validation):
		return http.StatusBadRequest, errorBody{Code: "validation", Message: i18n.T(ctx, "ErrValidation"), Fields: validation.Fields}
	case errors.As(err, &conflict):
		return http.StatusConflict, errorBody{Code: "scheduling_conflict", Message: i18n.Td(ctx, "ErrSchedulingConflict", map[string]any{
			"ClassroomID": conflict.ClassroomID, "ConflictingExamID": conflict.ConflictingExamID,
			"Start": stamp(conflict.Start), "End": stamp(conflict.End),
		})}
	case errors.As(err, &duplicate):
		return http.StatusConflict, errorBody{Code: "duplicate_attempt", Message: i18n.Td(ctx, "ErrDuplicateAttempt", map[string]any{
			"StudentID": duplicate.StudentID, "AttemptID": duplicate.ExistingAttemptID, "Status": duplicate.ExistingStatus,
		})}
	case errors.As(err, &late):
		return http.StatusForbidden, errorBody{Code: "late_entry_rejected",
			Message: i18n.Td(ctx, "ErrLateEntryRejected", map[string]any{"Deadline": stamp(late.Deadline)})}
	case errors.As(err, &early):
		return http.StatusForbidden, errorBody{Code: "early_submission_rejected",
			Message: i18n.Td(ctx, "ErrEarlySubmission", map[string]any{"NotBefore": stamp(early.NotBefore)})}
	case errors.As(err, &full):
		return http.StatusConflict, errorBody{Code: "capacity_exceeded",
			Message: i18n.Tp(ctx, "ErrCapacityExceeded", full.Capacity, map[string]any{"ClassroomID": full.ClassroomID})}
	case errors.As(err, &stale):
		return http.StatusAccepted, errorBody{Code: "stale_submission",
			Message: i18n.Td(ctx, "ErrStaleSubmission", map[string]any{"AttemptID": stale.AttemptID})}
	case errors.As(err, &notFound):
		return http.StatusNotFound, errorBody{Code: "not_found",
			Message: i18n.Td(ctx, "ErrNotFound", map[string]any{"Entity": notFound.Entity, "ID": notFound.ID})}
	case errors.As(err, &transition):
		return http.StatusConflict, errorBody{Code: "invalid_transition", Message: i18n.Td(ctx, "ErrInvalidTransition", map[string]any{
			"Op": transition.Op, "Entity": transition.Entity, "ID": transition.ID, "From": transition.From,
		})}
	default:
		return http.StatusInternalServerError, errorBody{Code: "internal", Message: i18n.T(ctx, "ErrInternal")}
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := describe(r.Context(), err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		body.Error = err.Error()
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}
