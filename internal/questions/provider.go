// Package questions supplies the question set for a new assessment session.
package questions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/assessor/internal/model"
)

// FallbackID is the id of the synthetic question served when generation fails.
const FallbackID = "fallback_q1"

// ErrNoUsableQuestions means the generator answered but nothing survived validation.
var ErrNoUsableQuestions = errors.New("no usable questions")

// Generator produces candidate questions for an assessment.
type Generator interface {
	GenerateQuestions(ctx context.Context, req model.GenerateRequest) ([]model.Question, error)
}

// Provider wraps a Generator and guarantees a non-empty question set.
type Provider struct {
	gen      Generator
	validate *validator.Validate
	timeout  time.Duration
}

// NewProvider creates a Provider. A zero timeout means the caller's context governs.
func NewProvider(gen Generator, timeout time.Duration) *Provider {
	return &Provider{
		gen:      gen,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		timeout:  timeout,
	}
}

// Generate returns the questions for req. It never returns an empty slice: on
// upstream failure, timeout or an unusable payload it returns the single fallback
// question and reports fallback=true.
func (p *Provider) Generate(ctx context.Context, req model.GenerateRequest) (qs []model.Question, fallback bool) {
	if req.QuestionCount < 1 {
		req.QuestionCount = 1
	}

	qs, err := p.fetch(ctx, req)
	if err != nil {
		slog.Warn("question generation failed, serving fallback question",
			"assessment_id", req.AssessmentID,
			"count", req.QuestionCount,
			"error", err,
		)
		return []model.Question{Fallback(req.Difficulty)}, true
	}
	return qs, false
}

func (p *Provider) fetch(ctx context.Context, req model.GenerateRequest) ([]model.Question, error) {
	if p.gen == nil {
		return nil, errors.New("no question generator configured")
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	raw, err := p.gen.GenerateQuestions(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	usable := p.usable(raw, req.QuestionCount)
	if len(usable) == 0 {
		return nil, fmt.Errorf("%w (received %d)", ErrNoUsableQuestions, len(raw))
	}
	if dropped := len(raw) - len(usable); dropped > 0 {
		slog.Debug("dropped generated questions", "assessment_id", req.AssessmentID, "dropped", dropped)
	}
	return usable, nil
}

// usable filters out invalid and duplicate questions and caps the result at limit.
func (p *Provider) usable(raw []model.Question, limit int) []model.Question {
	seen := make(map[string]bool, len(raw))
	out := make([]model.Question, 0, min(len(raw), limit))
	for _, q := range raw {
		if len(out) == limit {
			break
		}
		if err := p.check(q); err != nil {
			slog.Debug("rejecting generated question", "id", q.ID, "error", err)
			continue
		}
		if seen[q.ID] {
			continue
		}
		seen[q.ID] = true
		if q.Type.Freeform() {
			q.Options = nil
			q.CorrectAnswer = ""
		}
		out = append(out, q)
	}
	return out
}

func (p *Provider) check(q model.Question) error {
	if err := p.validate.Struct(q); err != nil {
		return err
	}
	if q.Type == model.QuestionMultipleChoice {
		if len(q.Options) < 2 {
			return fmt.Errorf("multiple choice question needs at least two options")
		}
		if !slices.Contains(q.Options, q.CorrectAnswer) {
			return fmt.Errorf("correct answer %q is not among the options", q.CorrectAnswer)
		}
	}
	return nil
}

// Fallback returns the synthetic question served when generation is unavailable.
func Fallback(difficulty model.Difficulty) model.Question {
	if difficulty == "" {
		difficulty = model.DifficultyMedium
	}
	return model.Question{
		ID:       FallbackID,
		Type:     model.QuestionMultipleChoice,
		Question: "Which approach is most effective when learning a new skill?",
		Options: []string{
			"Regular practice with feedback",
			"Reading about it once",
			"Memorizing definitions only",
			"Avoiding difficult exercises",
		},
		CorrectAnswer: "Regular practice with feedback",
		Points:        10,
		Difficulty:    difficulty,
		TimeLimit:     60,
		Hints:         []string{"Think about how skills improve over time."},
		Explanation:   "This question was generated locally because the AI question service was unavailable.",
	}
}
