// Package session implements the assessment session state machine and its timer.
package session

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"github.com/facebookgo/clock"

	"github.com/pavelanni/assessor/internal/model"
)

var (
	// ErrInvalidTransition is returned for operations not allowed in the current state.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrSessionClosed is returned for any mutation of a completed or abandoned session.
	ErrSessionClosed = fmt.Errorf("%w: session is closed", ErrInvalidTransition)
	// ErrUnknownQuestion is returned when a question id is not part of the session.
	ErrUnknownQuestion = errors.New("unknown question")
	// ErrNoQuestions is returned when an empty question set is supplied.
	ErrNoQuestions = errors.New("question set is empty")
	// ErrScoreMismatch is returned when Complete is given a score that breaks the scoring rule.
	ErrScoreMismatch = errors.New("final score does not match evaluation results")
	// ErrScoreOutOfRange is returned when an evaluation score is outside [0, points].
	ErrScoreOutOfRange = errors.New("evaluation score out of range")
)

// StaleAfter is the default age after which a returning session is reset.
const StaleAfter = time.Hour

// Session is the state machine for one assessment attempt. All mutation goes
// through its methods. It is not safe for concurrent use; callers serialize access.
type Session struct {
	clk clock.Clock

	id           string
	assessmentID string
	title        string
	persona      model.Persona
	status       model.Status
	startTime    *time.Time
	endTime      *time.Time
	questions    []model.Question
	index        int
	answers      map[string]string
	results      map[string]model.EvaluationResult
	finalScore   int
	feedback     map[string]string
}

// New returns a not_started session. A nil clock uses the wall clock.
func New(id string, clk clock.Clock) *Session {
	if clk == nil {
		clk = clock.New()
	}
	return &Session{
		clk:     clk,
		id:      id,
		status:  model.StatusNotStarted,
		answers: map[string]string{},
		results: map[string]model.EvaluationResult{},
	}
}

// Restore rebuilds a session from a persisted snapshot.
func Restore(snap model.Session, clk clock.Clock) *Session {
	s := New(snap.ID, clk)
	s.assessmentID = snap.AssessmentID
	s.title = snap.AssessmentTitle
	s.persona = snap.Personality
	s.status = snap.Status
	s.startTime = copyTime(snap.StartTime)
	s.endTime = copyTime(snap.EndTime)
	s.questions = slices.Clone(snap.Questions)
	s.index = snap.CurrentQuestionIndex
	if snap.Answers != nil {
		s.answers = maps.Clone(snap.Answers)
	}
	if snap.EvaluationResults != nil {
		s.results = maps.Clone(snap.EvaluationResults)
	}
	s.finalScore = snap.FinalScore
	s.feedback = maps.Clone(snap.Feedback)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Status() model.Status { return s.status }

func (s *Session) Persona() model.Persona { return s.persona }

// AnswerFor returns the current answer for a question.
func (s *Session) AnswerFor(questionID string) (string, bool) {
	v, ok := s.answers[questionID]
	return v, ok
}

// Question returns the question with the given id.
func (s *Session) Question(questionID string) (model.Question, bool) {
	i := s.questionIndex(questionID)
	if i < 0 {
		return model.Question{}, false
	}
	return s.questions[i], true
}

// Start moves a not_started session to in_progress.
func (s *Session) Start(assessmentID, title string, p model.Persona) error {
	if s.status != model.StatusNotStarted {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, s.status)
	}
	if !p.Valid() {
		return fmt.Errorf("%w: invalid persona %d", ErrInvalidTransition, p)
	}
	now := s.clk.Now()
	s.assessmentID = assessmentID
	s.title = title
	s.persona = p
	s.status = model.StatusInProgress
	s.startTime = &now
	s.endTime = nil
	s.questions = nil
	s.index = 0
	s.answers = map[string]string{}
	s.results = map[string]model.EvaluationResult{}
	s.finalScore = 0
	s.feedback = nil
	return nil
}

// SetQuestions replaces the question set of an in_progress session.
func (s *Session) SetQuestions(qs []model.Question) error {
	if err := s.requireInProgress("set questions"); err != nil {
		return err
	}
	if len(qs) == 0 {
		return ErrNoQuestions
	}
	s.questions = slices.Clone(qs)
	s.index = 0
	// Drop entries that no longer refer to a question.
	maps.DeleteFunc(s.answers, func(id string, _ string) bool { return s.questionIndex(id) < 0 })
	maps.DeleteFunc(s.results, func(id string, _ model.EvaluationResult) bool { return s.questionIndex(id) < 0 })
	return nil
}

// Answer records the answer for a question. Re-answering overwrites the previous
// value and clears any evaluation made for it.
func (s *Session) Answer(questionID, value string) error {
	if err := s.requireInProgress("answer"); err != nil {
		return err
	}
	if s.questionIndex(questionID) < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	s.answers[questionID] = value
	delete(s.results, questionID)
	return nil
}

// RecordEvaluation stores the evaluation result for a question.
func (s *Session) RecordEvaluation(questionID string, r model.EvaluationResult) error {
	if s.status.Terminal() {
		return ErrSessionClosed
	}
	i := s.questionIndex(questionID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	if math.IsNaN(r.Score) || r.Score < 0 || r.Score > float64(s.questions[i].Points) {
		return fmt.Errorf("%w: %v of %d", ErrScoreOutOfRange, r.Score, s.questions[i].Points)
	}
	s.results[questionID] = r
	return nil
}

// Advance moves to the next question. It is a no-op on the last question.
func (s *Session) Advance() error {
	if err := s.requireInProgress("advance"); err != nil {
		return err
	}
	if s.index < len(s.questions)-1 {
		s.index++
	}
	return nil
}

// Retreat moves to the previous question. It is a no-op on the first question.
func (s *Session) Retreat() error {
	if err := s.requireInProgress("retreat"); err != nil {
		return err
	}
	if s.index > 0 {
		s.index--
	}
	return nil
}

// Complete finishes an in_progress session. finalScore must equal Score() of the
// recorded results. Completing an already completed session changes nothing.
func (s *Session) Complete(finalScore int, feedback map[string]string) error {
	if s.status == model.StatusCompleted {
		return nil
	}
	if err := s.requireInProgress("complete"); err != nil {
		return err
	}
	if want := s.Score(); finalScore != want {
		return fmt.Errorf("%w: got %d, want %d", ErrScoreMismatch, finalScore, want)
	}
	now := s.clk.Now()
	s.status = model.StatusCompleted
	s.endTime = &now
	s.finalScore = finalScore
	s.feedback = maps.Clone(feedback)
	return nil
}

// CompleteScored completes the session with the score computed from its results
// and the recorded feedback.
func (s *Session) CompleteScored() error {
	return s.Complete(s.Score(), s.Feedback())
}

// Abandon ends an in_progress session without scoring. Answers and evaluations
// are kept. Abandoning an already abandoned session changes nothing.
func (s *Session) Abandon() error {
	if s.status == model.StatusAbandoned {
		return nil
	}
	if err := s.requireInProgress("abandon"); err != nil {
		return err
	}
	now := s.clk.Now()
	s.status = model.StatusAbandoned
	s.endTime = &now
	return nil
}

// ExpireIfStale resets a non-terminal session whose start is older than window to
// a fresh not_started session with the same id. It reports whether it did.
func (s *Session) ExpireIfStale(window time.Duration) bool {
	if !s.Stale(window) {
		return false
	}
	*s = *New(s.id, s.clk)
	return true
}

// Stale reports whether a non-terminal session started more than window ago.
func (s *Session) Stale(window time.Duration) bool {
	if s.status.Terminal() || s.startTime == nil {
		return false
	}
	return s.clk.Now().Sub(*s.startTime) > window
}

// Elapsed returns the time since start, or zero before start.
func (s *Session) Elapsed() time.Duration {
	if s.startTime == nil {
		return 0
	}
	end := s.clk.Now()
	if s.endTime != nil {
		end = *s.endTime
	}
	return end.Sub(*s.startTime)
}

// Score applies the scoring rule to the current results.
func (s *Session) Score() int {
	return FinalScore(s.questions, s.results)
}

// Feedback returns the evaluation feedback keyed by question id.
func (s *Session) Feedback() map[string]string {
	out := make(map[string]string, len(s.results))
	for id, r := range s.results {
		out[id] = r.Feedback
	}
	return out
}

// Snapshot returns a deep copy of the session state.
func (s *Session) Snapshot() model.Session {
	return model.Session{
		ID:                   s.id,
		AssessmentID:         s.assessmentID,
		AssessmentTitle:      s.title,
		Personality:          s.persona,
		Status:               s.status,
		StartTime:            copyTime(s.startTime),
		EndTime:              copyTime(s.endTime),
		Questions:            slices.Clone(s.questions),
		CurrentQuestionIndex: s.index,
		Answers:              maps.Clone(s.answers),
		EvaluationResults:    maps.Clone(s.results),
		FinalScore:           s.finalScore,
		Feedback:             maps.Clone(s.feedback),
	}
}

func (s *Session) requireInProgress(op string) error {
	if s.status.Terminal() {
		return fmt.Errorf("%s: %w", op, ErrSessionClosed)
	}
	if s.status != model.StatusInProgress {
		return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, op, s.status)
	}
	return nil
}

func (s *Session) questionIndex(id string) int {
	return slices.IndexFunc(s.questions, func(q model.Question) bool { return q.ID == id })
}

// FinalScore is round_half_up(100 * Σ score / Σ points) over the given questions,
// or 0 when the questions carry no points. Results for unknown ids are ignored.
func FinalScore(questions []model.Question, results map[string]model.EvaluationResult) int {
	var total int
	var earned float64
	for _, q := range questions {
		total += q.Points
		if r, ok := results[q.ID]; ok {
			earned += r.Score
		}
	}
	if total <= 0 {
		return 0
	}
	pct := math.Floor(100*earned/float64(total) + 0.5)
	return int(max(0, min(100, pct)))
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
