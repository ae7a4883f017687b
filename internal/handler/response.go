package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pavelanni/assessor/internal/engine"
	"github.com/pavelanni/assessor/internal/evaluator"
	appI18n "github.com/pavelanni/assessor/internal/i18n"
	"github.com/pavelanni/assessor/internal/session"
)

// ErrCode identifies an API error independently of its localized message.
type ErrCode string

const (
	ErrValidation        ErrCode = "VALIDATION_ERROR"
	ErrInvalidPayload    ErrCode = "INVALID_PAYLOAD"
	ErrNotFound          ErrCode = "NOT_FOUND"
	ErrInvalidTransition ErrCode = "INVALID_TRANSITION"
	ErrSessionClosed     ErrCode = "SESSION_CLOSED"
	ErrSessionPaused     ErrCode = "SESSION_PAUSED"
	ErrEmptyAnswer       ErrCode = "EMPTY_ANSWER"
	ErrUnknownQuestion   ErrCode = "UNKNOWN_QUESTION"
	ErrEvaluationFailed  ErrCode = "EVALUATION_FAILED"
	ErrGenerationFailed  ErrCode = "GENERATION_FAILED"
	ErrUnavailable       ErrCode = "SERVICE_UNAVAILABLE"
	ErrInternal          ErrCode = "INTERNAL_ERROR"
)

// messageIDs maps error codes to locale message IDs.
var messageIDs = map[ErrCode]string{
	ErrValidation:        "ErrorValidation",
	ErrInvalidPayload:    "ErrorInvalidPayload",
	ErrNotFound:          "ErrorNotFound",
	ErrInvalidTransition: "ErrorInvalidTransition",
	ErrSessionClosed:     "ErrorSessionClosed",
	ErrSessionPaused:     "ErrorPaused",
	ErrEmptyAnswer:       "ErrorEmptyAnswer",
	ErrUnknownQuestion:   "ErrorUnknownQuestion",
	ErrEvaluationFailed:  "EvaluationFailed",
	ErrGenerationFailed:  "ErrorGenerationFailed",
	ErrUnavailable:       "ErrorInternal",
	ErrInternal:          "ErrorInternal",
}

// Response is the envelope of every session API reply.
type Response struct {
	Data  any        `json:"data"`
	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Code    ErrCode           `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

func success(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Response{Data: data})
}

func fail(w http.ResponseWriter, r *http.Request, status int, code ErrCode, fields map[string]string) {
	writeJSON(w, status, Response{Error: &ErrorBody{
		Code:    code,
		Message: appI18n.T(r.Context(), messageIDs[code]),
		Fields:  fields,
	}})
}

// failErr maps a domain error to its HTTP status and code.
func failErr(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status int
		code   ErrCode
	)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		status, code = http.StatusNotFound, ErrNotFound
	case errors.Is(err, evaluator.ErrEmptyAnswer):
		status, code = http.StatusBadRequest, ErrEmptyAnswer
	case errors.Is(err, session.ErrUnknownQuestion):
		status, code = http.StatusBadRequest, ErrUnknownQuestion
	case errors.Is(err, evaluator.ErrEvaluationFailed):
		status, code = http.StatusBadGateway, ErrEvaluationFailed
	case errors.Is(err, engine.ErrPaused):
		status, code = http.StatusConflict, ErrSessionPaused
	case errors.Is(err, session.ErrSessionClosed):
		status, code = http.StatusConflict, ErrSessionClosed
	case errors.Is(err, session.ErrInvalidTransition):
		status, code = http.StatusConflict, ErrInvalidTransition
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		status, code = http.StatusInternalServerError, ErrInternal
	}
	fail(w, r, status, code, nil)
}
