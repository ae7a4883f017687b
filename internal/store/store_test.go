package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pavelanni/assessor/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSession(id string) model.Session {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return model.Session{
		ID:              id,
		AssessmentID:    "net-101",
		AssessmentTitle: "Networking",
		Personality:     model.PersonaMotivational,
		Status:          model.StatusInProgress,
		StartTime:       &start,
		Questions: []model.Question{
			{ID: "q1", Type: model.QuestionMultipleChoice, Question: "2+2?", Options: []string{"3", "4"}, CorrectAnswer: "4", Points: 10},
			{ID: "q2", Type: model.QuestionText, Question: "Explain TCP.", Points: 20},
			{ID: "q3", Type: model.QuestionEssay, Question: "Discuss CAP.", Points: 30},
		},
		CurrentQuestionIndex: 1,
		Answers:              map[string]string{"q1": "4", "q2": "streams"},
		EvaluationResults: map[string]model.EvaluationResult{
			"q1": {Correct: true, Score: 10, Feedback: "Correct."},
		},
	}
}

func TestSaveAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := testSession("s1")
	if err := s.SaveSession(ctx, in); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.AssessmentTitle != "Networking" || got.Personality != model.PersonaMotivational {
		t.Errorf("metadata mismatch: %+v", got)
	}
	if got.Status != model.StatusInProgress || got.CurrentQuestionIndex != 1 {
		t.Errorf("status=%s index=%d", got.Status, got.CurrentQuestionIndex)
	}
	if got.StartTime == nil || !got.StartTime.Equal(*in.StartTime) {
		t.Errorf("start time = %v, want %v", got.StartTime, in.StartTime)
	}
	if got.EndTime != nil {
		t.Errorf("end time = %v, want nil", got.EndTime)
	}
	if len(got.Questions) != 3 || got.Questions[0].CorrectAnswer != "4" {
		t.Errorf("questions not round-tripped: %+v", got.Questions)
	}
	if got.Answers["q2"] != "streams" || len(got.Answers) != 2 {
		t.Errorf("answers = %v", got.Answers)
	}
	if r, ok := got.EvaluationResults["q1"]; !ok || !r.Correct || r.Score != 10 {
		t.Errorf("evaluation q1 = %+v", r)
	}
	if _, ok := got.EvaluationResults["q2"]; ok {
		t.Error("unevaluated answer stored as evaluation")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestSaveSessionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("s1")
	end := sess.StartTime.Add(4 * time.Minute)
	sess.Status = model.StatusCompleted
	sess.EndTime = &end
	sess.FinalScore = 17

	for range 3 {
		if err := s.SaveSession(ctx, sess); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
	}
	all, err := s.ListSessions(ctx, "")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 session row, got %d", len(all))
	}
	n, err := s.CountResults(ctx, "s1")
	if err != nil {
		t.Fatalf("CountResults: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 result rows, got %d", n)
	}
	got := all[0]
	if got.FinalScore != 17 || got.EndTime == nil || got.Feedback["q1"] != "Correct." {
		t.Errorf("completed snapshot mismatch: %+v", got)
	}
}

func TestSaveSessionReplacesResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("s1")
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	// A reset session has no answers left.
	sess.Status = model.StatusNotStarted
	sess.StartTime = nil
	sess.Questions = nil
	sess.Answers = nil
	sess.EvaluationResults = nil
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	n, err := s.CountResults(ctx, "s1")
	if err != nil {
		t.Fatalf("CountResults: %v", err)
	}
	if n != 0 {
		t.Errorf("expected stale results removed, got %d rows", n)
	}
}

func TestSaveSessionKeepsTerminalRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	abandoned := testSession("s1")
	end := abandoned.StartTime.Add(time.Minute)
	abandoned.Status = model.StatusAbandoned
	abandoned.EndTime = &end
	if err := s.SaveSession(ctx, abandoned); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	// An older in-progress snapshot arriving late must not revive the session.
	late := testSession("s1")
	late.Answers = map[string]string{"q1": "3"}
	late.EvaluationResults = nil
	if err := s.SaveSession(ctx, late); err != nil {
		t.Fatalf("late SaveSession: %v", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != model.StatusAbandoned || got.EndTime == nil {
		t.Errorf("status=%s endTime=%v, want abandoned row kept", got.Status, got.EndTime)
	}
	if got.Answers["q1"] != "4" || got.Answers["q2"] != "streams" {
		t.Errorf("answers = %v, want the abandoned snapshot's", got.Answers)
	}
	n, err := s.CountResults(ctx, "s1")
	if err != nil {
		t.Fatalf("CountResults: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 result rows, got %d", n)
	}
}

func TestListSessionsFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testSession("a")
	b := testSession("b")
	b.AssessmentID = "db-201"
	for _, sess := range []model.Session{a, b} {
		if err := s.SaveSession(ctx, sess); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}
	}
	got, err := s.ListSessions(ctx, "db-201")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("filtered sessions = %+v", got)
	}
}

func TestExportSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := testSession("s1")
	sess.Status = model.StatusAbandoned
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	results, err := s.ExportSessions(ctx, "net-101")
	if err != nil {
		t.Fatalf("ExportSessions: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Status != model.StatusAbandoned || len(r.Questions) != 3 {
		t.Fatalf("unexpected result: %+v", r)
	}
	q1, q3 := r.Questions[0], r.Questions[2]
	if !q1.Answered || !q1.Correct || q1.Score != 10 {
		t.Errorf("q1 = %+v", q1)
	}
	if q3.Answered || q3.Score != 0 {
		t.Errorf("q3 = %+v", q3)
	}
}
