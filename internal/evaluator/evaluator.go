// Package evaluator scores submitted answers.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	appI18n "github.com/pavelanni/assessor/internal/i18n"
	"github.com/pavelanni/assessor/internal/model"
)

var (
	// ErrEvaluationFailed wraps every upstream failure of a free-text evaluation.
	ErrEvaluationFailed = errors.New("evaluation failed")
	// ErrEmptyAnswer means a free-text answer was blank.
	ErrEmptyAnswer = errors.New("answer is empty")
)

// Grader evaluates free-text answers with an AI backend.
type Grader interface {
	EvaluateAnswer(ctx context.Context, req model.EvaluateRequest) (*model.Evaluation, error)
}

// Evaluator evaluates multiple-choice answers locally and free-text answers via a Grader.
type Evaluator struct {
	grader  Grader
	timeout time.Duration
}

// New creates an Evaluator. A zero timeout means the caller's context governs.
func New(g Grader, timeout time.Duration) *Evaluator {
	return &Evaluator{grader: g, timeout: timeout}
}

// EvaluateChoice compares answer with the question's correct answer. The result
// depends only on its inputs and the active locale.
func (e *Evaluator) EvaluateChoice(ctx context.Context, q model.Question, answer string, p model.Persona) model.EvaluationResult {
	correct := answer == q.CorrectAnswer
	score := 0.0
	if correct {
		score = float64(q.Points)
	}
	msgID := "FeedbackIncorrect" + personaSuffix(p)
	if correct {
		msgID = "FeedbackCorrect" + personaSuffix(p)
	}
	return model.EvaluationResult{
		Correct: correct,
		Score:   score,
		Feedback: appI18n.Td(ctx, msgID, map[string]any{
			"Answer":        answer,
			"CorrectAnswer": q.CorrectAnswer,
		}),
	}
}

// FreeformRequest is the input of EvaluateFreeform.
type FreeformRequest struct {
	Question   model.Question
	Answer     string
	Persona    model.Persona
	Difficulty model.Difficulty
	Points     int
	AuthToken  string
}

// EvaluateFreeform asks the Grader to score a text or essay answer. Failures are
// returned wrapped in ErrEvaluationFailed; no score is ever invented.
func (e *Evaluator) EvaluateFreeform(ctx context.Context, req FreeformRequest) (model.EvaluationResult, error) {
	if strings.TrimSpace(req.Answer) == "" {
		return model.EvaluationResult{}, ErrEmptyAnswer
	}
	if e.grader == nil {
		return model.EvaluationResult{}, fmt.Errorf("%w: no grader configured", ErrEvaluationFailed)
	}
	points := req.Points
	if points <= 0 {
		points = req.Question.Points
	}
	difficulty := req.Difficulty
	if difficulty == "" {
		difficulty = req.Question.Difficulty
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	ev, err := e.grader.EvaluateAnswer(ctx, model.EvaluateRequest{
		QuestionID:  req.Question.ID,
		Question:    req.Question.Question,
		Answer:      req.Answer,
		Personality: req.Persona,
		Difficulty:  difficulty,
		Points:      points,
		AuthToken:   req.AuthToken,
	})
	if err != nil {
		return model.EvaluationResult{}, fmt.Errorf("%w: question %s: %w", ErrEvaluationFailed, req.Question.ID, err)
	}
	if ev == nil || (ev.Score == nil && ev.Correct == nil) {
		return model.EvaluationResult{}, fmt.Errorf("%w: question %s: response carries neither score nor verdict", ErrEvaluationFailed, req.Question.ID)
	}

	return normalize(ctx, *ev, points, req.Persona), nil
}

// Evaluate dispatches on the question type.
func (e *Evaluator) Evaluate(ctx context.Context, req FreeformRequest) (model.EvaluationResult, error) {
	if req.Question.Type == model.QuestionMultipleChoice {
		return e.EvaluateChoice(ctx, req.Question, req.Answer, req.Persona), nil
	}
	return e.EvaluateFreeform(ctx, req)
}

// normalize turns a raw AI verdict into a result with score in [0, points] and
// non-empty feedback. A verdict with only "correct" maps to full or zero points.
func normalize(ctx context.Context, ev model.Evaluation, points int, p model.Persona) model.EvaluationResult {
	var score float64
	switch {
	case ev.Score != nil:
		score = *ev.Score
	case *ev.Correct:
		score = float64(points)
	}
	if math.IsNaN(score) || score < 0 {
		score = 0
	}
	score = min(score, float64(points))

	correct := score*2 >= float64(points)
	if ev.Correct != nil {
		correct = *ev.Correct
	}

	feedback := strings.TrimSpace(ev.Feedback)
	if feedback == "" {
		feedback = appI18n.Td(ctx, "FeedbackGeneric"+personaSuffix(p), map[string]any{
			"Score":  strconv.FormatFloat(score, 'f', -1, 64),
			"Points": points,
		})
	}

	return model.EvaluationResult{Correct: correct, Score: score, Feedback: feedback}
}

// personaSuffix maps a persona to the suffix of its feedback message IDs.
func personaSuffix(p model.Persona) string {
	switch p {
	case model.PersonaAnalytical:
		return "Analytical"
	case model.PersonaMotivational:
		return "Motivational"
	default:
		return "Supportive"
	}
}
