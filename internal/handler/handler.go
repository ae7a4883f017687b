package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/assessor/internal/engine"
	"github.com/pavelanni/assessor/internal/evaluator"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/questions"
)

// AI is the backend behind the AI gateway endpoints.
type AI interface {
	questions.Generator
	evaluator.Grader
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	manager *engine.Manager
	ai      AI
	health  Pinger
	rv      *requestValidator
}

// New creates a new Handler. A nil ai leaves the AI gateway endpoints unmounted.
func New(m *engine.Manager, ai AI, health Pinger, lang string) (*Handler, error) {
	rv, err := newRequestValidator(lang)
	if err != nil {
		return nil, err
	}
	return &Handler{manager: m, ai: ai, health: health, rv: rv}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/personas", h.handlePersonas)
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.handleCreate)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.handleGet)
				r.Post("/start", h.handleStart)
				r.Post("/answers", h.handleAnswer)
				r.Post("/advance", h.withRunner((*engine.Runner).Advance))
				r.Post("/retreat", h.withRunner((*engine.Runner).Retreat))
				r.Post("/pause", h.withRunner((*engine.Runner).Pause))
				r.Post("/resume", h.withRunner((*engine.Runner).Resume))
				r.Post("/complete", h.withRunner((*engine.Runner).Complete))
				r.Post("/abandon", h.withRunner((*engine.Runner).Abandon))
			})
		})
		if h.ai != nil {
			r.Post("/ai/generate-questions", h.handleGenerate)
			r.Post("/ai/evaluate-answer", h.handleEvaluate)
		}
	})
}

type startRequest struct {
	AssessmentID  string `json:"assessmentId" validate:"required,max=128"`
	Title         string `json:"title" validate:"required,max=256"`
	Category      string `json:"category" validate:"max=128"`
	Difficulty    string `json:"difficulty" validate:"omitempty,oneof=easy medium hard"`
	QuestionCount int    `json:"questionCount" validate:"gte=0,lte=50"`
	AIPersonality string `json:"aiPersonality" validate:"omitempty,oneof=supportive analytical motivational"`
}

type answerRequest struct {
	QuestionID string `json:"questionId" validate:"required"`
	Answer     string `json:"answer" validate:"max=20000"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			fail(w, r, http.StatusServiceUnavailable, ErrUnavailable, nil)
			return
		}
	}
	success(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handlePersonas(w http.ResponseWriter, _ *http.Request) {
	all := model.Personas()
	out := make([]model.PersonaInfo, 0, len(all))
	for _, p := range all {
		out = append(out, p.Info())
	}
	success(w, http.StatusOK, out)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.startRequest(w, r)
	if !ok {
		return
	}
	_, view, err := h.manager.Create(r.Context(), req)
	if err != nil {
		failErr(w, r, err)
		return
	}
	success(w, http.StatusCreated, view)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	_, view, err := h.manager.Lookup(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		failErr(w, r, err)
		return
	}
	success(w, http.StatusOK, view)
}

// handleStart restarts a session that was reset to not_started.
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	req, ok := h.startRequest(w, r)
	if !ok {
		return
	}
	runner, _, err := h.manager.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		failErr(w, r, err)
		return
	}
	view, err := runner.Start(r.Context(), req)
	if err != nil {
		failErr(w, r, err)
		return
	}
	success(w, http.StatusOK, view)
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, http.StatusBadRequest, ErrInvalidPayload, nil)
		return
	}
	if !h.valid(w, r, &req) {
		return
	}
	runner, _, err := h.manager.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		failErr(w, r, err)
		return
	}
	view, err := runner.Answer(r.Context(), req.QuestionID, req.Answer, bearerToken(r))
	if err != nil {
		failErr(w, r, err)
		return
	}
	success(w, http.StatusOK, view)
}

// withRunner adapts a body-less runner operation to a handler.
func (h *Handler) withRunner(op func(*engine.Runner, context.Context) (engine.View, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runner, _, err := h.manager.Get(r.Context(), chi.URLParam(r, "sessionID"))
		if err != nil {
			failErr(w, r, err)
			return
		}
		view, err := op(runner, r.Context())
		if err != nil {
			failErr(w, r, err)
			return
		}
		success(w, http.StatusOK, view)
	}
}

func (h *Handler) startRequest(w http.ResponseWriter, r *http.Request) (engine.StartRequest, bool) {
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		fail(w, r, http.StatusBadRequest, ErrInvalidPayload, nil)
		return engine.StartRequest{}, false
	}
	if !h.valid(w, r, &req) {
		return engine.StartRequest{}, false
	}
	// Both values passed the oneof checks above.
	persona, _ := model.ParsePersona(req.AIPersonality)
	difficulty, _ := model.ParseDifficulty(req.Difficulty)
	return engine.StartRequest{
		AssessmentID:  req.AssessmentID,
		Title:         req.Title,
		Category:      req.Category,
		Difficulty:    difficulty,
		QuestionCount: req.QuestionCount,
		Persona:       persona,
		AuthToken:     bearerToken(r),
	}, true
}

// bearerToken returns the opaque caller token. It is forwarded, never checked.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
