package handler

import (
	"log/slog"
	"net/http"

	"github.com/pavelanni/assessor/internal/aiclient"
	"github.com/pavelanni/assessor/internal/model"
)

// The AI gateway endpoints reply with bare bodies so aiclient can consume them.

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req model.GenerateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, http.StatusBadRequest, ErrInvalidPayload, nil)
		return
	}
	if req.QuestionCount < 1 {
		req.QuestionCount = 1
	}
	if !h.valid(w, r, &req) {
		return
	}
	req.AuthToken = bearerToken(r)

	qs, err := h.ai.GenerateQuestions(r.Context(), req)
	if err != nil {
		slog.Warn("gateway generation failed", "assessment_id", req.AssessmentID, "error", err)
		fail(w, r, http.StatusBadGateway, ErrGenerationFailed, nil)
		return
	}
	writeJSON(w, http.StatusOK, aiclient.GenerateQuestionsResponse{Questions: qs})
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req model.EvaluateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, http.StatusBadRequest, ErrInvalidPayload, nil)
		return
	}
	if !h.valid(w, r, &req) {
		return
	}
	req.AuthToken = bearerToken(r)

	ev, err := h.ai.EvaluateAnswer(r.Context(), req)
	if err != nil {
		slog.Warn("gateway evaluation failed", "question_id", req.QuestionID, "error", err)
		fail(w, r, http.StatusBadGateway, ErrEvaluationFailed, nil)
		return
	}
	writeJSON(w, http.StatusOK, aiclient.EvaluateAnswerResponse{Evaluation: ev})
}
