package evaluator

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	appI18n "github.com/pavelanni/assessor/internal/i18n"
	"github.com/pavelanni/assessor/internal/model"
)

func TestMain(m *testing.M) {
	if err := appI18n.Init("en"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type fakeGrader struct {
	eval    *model.Evaluation
	err     error
	lastReq model.EvaluateRequest
}

func (f *fakeGrader) EvaluateAnswer(_ context.Context, req model.EvaluateRequest) (*model.Evaluation, error) {
	f.lastReq = req
	return f.eval, f.err
}

func ptr[T any](v T) *T { return &v }

var choiceQ = model.Question{
	ID:            "q1",
	Type:          model.QuestionMultipleChoice,
	Question:      "Capital of France?",
	Options:       []string{"Paris", "Rome", "Berlin", "Madrid"},
	CorrectAnswer: "Paris",
	Points:        10,
}

var essayQ = model.Question{
	ID:            "q2",
	Type:          model.QuestionEssay,
	Question:      "Explain the CAP theorem",
	CorrectAnswer: "never shown to the grader",
	Points:        20,
	Difficulty:    model.DifficultyHard,
}

func TestEvaluateChoice(t *testing.T) {
	e := New(nil, 0)
	ctx := context.Background()

	tests := []struct {
		answer      string
		wantCorrect bool
		wantScore   float64
	}{
		{"Paris", true, 10},
		{"Rome", false, 0},
		{"paris", false, 0},
		{"", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.answer, func(t *testing.T) {
			for _, p := range model.Personas() {
				first := e.EvaluateChoice(ctx, choiceQ, tt.answer, p)
				second := e.EvaluateChoice(ctx, choiceQ, tt.answer, p)
				if first != second {
					t.Errorf("EvaluateChoice is not deterministic: %+v vs %+v", first, second)
				}
				if first.Correct != tt.wantCorrect || first.Score != tt.wantScore {
					t.Errorf("persona %v: got %+v, want correct=%v score=%v", p, first, tt.wantCorrect, tt.wantScore)
				}
				if first.Feedback == "" || strings.HasPrefix(first.Feedback, "Feedback") {
					t.Errorf("persona %v: feedback not translated: %q", p, first.Feedback)
				}
			}
		})
	}
}

func TestEvaluateChoiceFeedbackVariesByPersona(t *testing.T) {
	e := New(nil, 0)
	ctx := context.Background()
	a := e.EvaluateChoice(ctx, choiceQ, "Rome", model.PersonaSupportive).Feedback
	b := e.EvaluateChoice(ctx, choiceQ, "Rome", model.PersonaAnalytical).Feedback
	if a == b {
		t.Errorf("expected persona-specific feedback, both were %q", a)
	}
	if !strings.Contains(b, "Paris") {
		t.Errorf("incorrect feedback should name the expected answer: %q", b)
	}
}

func TestEvaluateFreeform(t *testing.T) {
	tests := []struct {
		name        string
		eval        *model.Evaluation
		wantScore   float64
		wantCorrect bool
	}{
		{"in range", &model.Evaluation{Feedback: "Solid.", Score: ptr(15.0), Correct: ptr(true)}, 15, true},
		{"clamped high", &model.Evaluation{Feedback: "Wow.", Score: ptr(35.0)}, 20, true},
		{"clamped low", &model.Evaluation{Feedback: "Hmm.", Score: ptr(-3.0)}, 0, false},
		{"score only below half", &model.Evaluation{Feedback: "Partial.", Score: ptr(9.0)}, 9, false},
		{"correct only", &model.Evaluation{Feedback: "Right.", Correct: ptr(true)}, 20, true},
		{"incorrect only", &model.Evaluation{Feedback: "Wrong.", Correct: ptr(false)}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &fakeGrader{eval: tt.eval}
			res, err := New(g, 0).EvaluateFreeform(context.Background(), FreeformRequest{
				Question: essayQ,
				Answer:   "Consistency, availability, partition tolerance",
				Persona:  model.PersonaMotivational,
			})
			if err != nil {
				t.Fatalf("EvaluateFreeform: %v", err)
			}
			if res.Score != tt.wantScore || res.Correct != tt.wantCorrect {
				t.Errorf("got %+v, want score=%v correct=%v", res, tt.wantScore, tt.wantCorrect)
			}
			if res.Feedback == "" {
				t.Error("feedback must not be empty")
			}
			if g.lastReq.Points != 20 || g.lastReq.Difficulty != model.DifficultyHard {
				t.Errorf("request should default points and difficulty from question: %+v", g.lastReq)
			}
			if g.lastReq.Personality != model.PersonaMotivational {
				t.Errorf("persona not forwarded: %v", g.lastReq.Personality)
			}
		})
	}
}

func TestEvaluateFreeformGenericFeedback(t *testing.T) {
	g := &fakeGrader{eval: &model.Evaluation{Score: ptr(12.5)}}
	res, err := New(g, 0).EvaluateFreeform(context.Background(), FreeformRequest{
		Question: essayQ, Answer: "text", Persona: model.PersonaAnalytical,
	})
	if err != nil {
		t.Fatalf("EvaluateFreeform: %v", err)
	}
	if res.Feedback != "Score: 12.5 / 20." {
		t.Errorf("unexpected generic feedback %q", res.Feedback)
	}
}

func TestEvaluateFreeformErrors(t *testing.T) {
	ctx := context.Background()

	if _, err := New(&fakeGrader{}, 0).EvaluateFreeform(ctx, FreeformRequest{Question: essayQ, Answer: "  "}); !errors.Is(err, ErrEmptyAnswer) {
		t.Errorf("expected ErrEmptyAnswer, got %v", err)
	}

	failures := map[string]Grader{
		"upstream error": &fakeGrader{err: errors.New("503")},
		"nil evaluation": &fakeGrader{},
		"no verdict":     &fakeGrader{eval: &model.Evaluation{Feedback: "hm"}},
		"no grader":      nil,
	}
	for name, g := range failures {
		t.Run(name, func(t *testing.T) {
			res, err := New(g, 0).EvaluateFreeform(ctx, FreeformRequest{Question: essayQ, Answer: "text"})
			if !errors.Is(err, ErrEvaluationFailed) {
				t.Errorf("expected ErrEvaluationFailed, got %v", err)
			}
			if res != (model.EvaluationResult{}) {
				t.Errorf("failed evaluation must not carry a result: %+v", res)
			}
		})
	}
}

func TestEvaluateDispatch(t *testing.T) {
	g := &fakeGrader{eval: &model.Evaluation{Feedback: "ok", Score: ptr(5.0)}}
	e := New(g, 0)

	res, err := e.Evaluate(context.Background(), FreeformRequest{Question: choiceQ, Answer: "Paris"})
	if err != nil || !res.Correct || res.Score != 10 {
		t.Errorf("choice dispatch: %+v %v", res, err)
	}
	if g.lastReq.QuestionID != "" {
		t.Error("multiple choice must not call the grader")
	}

	res, err = e.Evaluate(context.Background(), FreeformRequest{Question: essayQ, Answer: "x"})
	if err != nil || res.Score != 5 {
		t.Errorf("freeform dispatch: %+v %v", res, err)
	}
}
