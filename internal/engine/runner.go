// Package engine drives live assessment sessions: it serializes mutations,
// runs AI calls outside the session lock and finalizes sessions on timeout.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"

	"github.com/pavelanni/assessor/internal/evaluator"
	appI18n "github.com/pavelanni/assessor/internal/i18n"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/persist"
	"github.com/pavelanni/assessor/internal/questions"
	"github.com/pavelanni/assessor/internal/session"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrPaused is returned for answers submitted while the session is paused.
	ErrPaused = fmt.Errorf("%w: session is paused", session.ErrInvalidTransition)
	// ErrTimeUp is returned for answers submitted after the timer expired.
	ErrTimeUp = fmt.Errorf("%w: time is up", session.ErrSessionClosed)
)

// StartRequest describes a new attempt.
type StartRequest struct {
	AssessmentID  string
	Title         string
	Category      string
	Difficulty    model.Difficulty
	QuestionCount int
	Persona       model.Persona
	AuthToken     string
}

// View is the externally visible state of a session.
type View struct {
	Session          model.Session           `json:"session"`
	RemainingSeconds int                     `json:"remainingSeconds"`
	Paused           bool                    `json:"paused"`
	SyncStatus       persist.State           `json:"syncStatus"`
	Notice           string                  `json:"notice,omitempty"`
	Evaluation       *model.EvaluationResult `json:"evaluation,omitempty"`
}

// Runner owns one live session. All session mutation happens under mu; AI calls
// and saves run without it. saveMu orders saves so a terminal snapshot is
// always the last one written.
type Runner struct {
	cfg       model.EngineConfig
	provider  *questions.Provider
	evaluator *evaluator.Evaluator
	syncer    *persist.Syncer
	clk       clock.Clock

	id string

	saveMu sync.Mutex

	mu            sync.Mutex
	sess          *session.Session
	timer         *session.Timer
	aiCtx         context.Context
	cancelAI      context.CancelFunc
	paused        bool
	expiring      bool
	terminalSaved bool
	evicted       bool
	done          chan struct{}
	evals         sync.WaitGroup
}

func newRunner(m *Manager, sess *session.Session) *Runner {
	r := &Runner{
		cfg:       m.cfg,
		provider:  m.provider,
		evaluator: m.evaluator,
		syncer:    m.syncer,
		clk:       m.clk,
		id:        sess.ID(),
		sess:      sess,
		done:      make(chan struct{}),
	}
	r.aiCtx, r.cancelAI = context.WithCancel(context.Background())
	if sess.Status().Terminal() {
		r.terminalSaved = true
		close(r.done)
	}
	return r
}

// ID returns the session id.
func (r *Runner) ID() string {
	return r.id
}

// Done is closed once the session reaches a terminal state.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Start begins the attempt: it moves the session to in_progress, fetches
// questions and starts the timer. A fallback question set is reported through
// the notice of the returned view.
func (r *Runner) Start(ctx context.Context, req StartRequest) (View, error) {
	r.mu.Lock()
	if err := r.sess.Start(req.AssessmentID, req.Title, req.Persona); err != nil {
		r.mu.Unlock()
		return View{}, err
	}
	genCtx, cancel := r.linked(ctx)
	r.mu.Unlock()
	defer cancel()

	count := req.QuestionCount
	if count == 0 {
		count = r.cfg.DefaultCount
	}
	qs, fallback := r.provider.Generate(genCtx, model.GenerateRequest{
		AssessmentID:  req.AssessmentID,
		Title:         req.Title,
		Category:      req.Category,
		Difficulty:    req.Difficulty,
		QuestionCount: count,
		AuthToken:     req.AuthToken,
	})

	r.mu.Lock()
	if err := r.sess.SetQuestions(qs); err != nil {
		r.mu.Unlock()
		return View{}, err
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = session.NewTimer(r.clk, session.TimerDuration(len(qs), r.cfg.SecondsPerQuestion), r.active, r.onExpire)
	r.timer.Start()
	r.paused = false
	assessmentID, persona := r.sess.Snapshot().AssessmentID, r.sess.Persona()
	r.mu.Unlock()

	slog.Info("session started",
		"session_id", r.id, "assessment_id", assessmentID,
		"questions", len(qs), "fallback", fallback, "persona", persona)

	r.autosave()

	v := r.View(ctx)
	if fallback {
		v.Notice = appI18n.T(ctx, "FallbackNotice")
	}
	return v, nil
}

// Answer records an answer, evaluates it and saves the session. The answer is
// kept even when evaluation fails; the returned error then wraps
// evaluator.ErrEvaluationFailed.
func (r *Runner) Answer(ctx context.Context, questionID, value, authToken string) (View, error) {
	r.mu.Lock()
	if err := r.acceptingAnswers(); err != nil {
		r.mu.Unlock()
		return View{}, err
	}
	q, ok := r.sess.Question(questionID)
	if !ok {
		r.mu.Unlock()
		return View{}, fmt.Errorf("%w: %s", session.ErrUnknownQuestion, questionID)
	}
	if q.Type.Freeform() && strings.TrimSpace(value) == "" {
		r.mu.Unlock()
		return View{}, evaluator.ErrEmptyAnswer
	}
	if err := r.sess.Answer(questionID, value); err != nil {
		r.mu.Unlock()
		return View{}, err
	}
	persona := r.sess.Persona()
	evalCtx, cancel := r.linked(ctx)
	r.evals.Add(1)
	r.mu.Unlock()

	res, err := r.evaluate(evalCtx, q, value, persona, authToken)
	cancel()
	r.autosave()
	if err != nil {
		slog.Warn("evaluation failed", "session_id", r.ID(), "question_id", questionID, "error", err)
		return View{}, err
	}
	v := r.View(ctx)
	v.Evaluation = &res
	return v, nil
}

func (r *Runner) evaluate(ctx context.Context, q model.Question, value string, p model.Persona, authToken string) (model.EvaluationResult, error) {
	defer r.evals.Done()

	res, err := r.evaluator.Evaluate(ctx, evaluator.FreeformRequest{
		Question:  q,
		Answer:    value,
		Persona:   p,
		AuthToken: authToken,
	})
	if err != nil {
		return res, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sess.AnswerFor(q.ID)
	if r.sess.Status() != model.StatusInProgress || !ok || current != value {
		slog.Debug("dropping stale evaluation", "session_id", r.id, "question_id", q.ID)
		return res, nil
	}
	if err := r.sess.RecordEvaluation(q.ID, res); err != nil {
		return res, err
	}
	return res, nil
}

// Advance moves to the next question.
func (r *Runner) Advance(ctx context.Context) (View, error) {
	return r.mutate(ctx, r.sess.Advance)
}

// Retreat moves to the previous question.
func (r *Runner) Retreat(ctx context.Context) (View, error) {
	return r.mutate(ctx, r.sess.Retreat)
}

func (r *Runner) mutate(ctx context.Context, op func() error) (View, error) {
	r.mu.Lock()
	err := op()
	r.mu.Unlock()
	if err != nil {
		return View{}, err
	}
	return r.View(ctx), nil
}

// Pause freezes the timer and cancels AI requests in flight. Pausing a paused
// session changes nothing.
func (r *Runner) Pause(ctx context.Context) (View, error) {
	r.mu.Lock()
	if err := r.requireLive("pause"); err != nil {
		r.mu.Unlock()
		return View{}, err
	}
	if !r.paused {
		r.paused = true
		if r.timer != nil {
			r.timer.Pause()
		}
		r.resetAI()
		slog.Info("session paused", "session_id", r.id)
	}
	r.mu.Unlock()
	return r.View(ctx), nil
}

// Resume restarts the timer of a paused session.
func (r *Runner) Resume(ctx context.Context) (View, error) {
	r.mu.Lock()
	if err := r.requireLive("resume"); err != nil {
		r.mu.Unlock()
		return View{}, err
	}
	if r.paused {
		r.paused = false
		if r.timer != nil {
			r.timer.Resume()
		}
		slog.Info("session resumed", "session_id", r.id)
	}
	r.mu.Unlock()
	return r.View(ctx), nil
}

// Complete finishes the session with the score of its recorded evaluations.
// Completing twice returns the same result; an unsynced result is saved again.
func (r *Runner) Complete(ctx context.Context) (View, error) {
	r.mu.Lock()
	if err := r.sess.CompleteScored(); err != nil {
		r.mu.Unlock()
		return View{}, err
	}
	r.finish()
	snap := r.sess.Snapshot()
	r.mu.Unlock()

	r.saveTerminal(ctx, snap)
	return r.View(ctx), nil
}

// Abandon ends the session without scoring and cancels AI requests in flight.
func (r *Runner) Abandon(ctx context.Context) (View, error) {
	r.mu.Lock()
	if err := r.sess.Abandon(); err != nil {
		r.mu.Unlock()
		return View{}, err
	}
	r.finish()
	snap := r.sess.Snapshot()
	r.mu.Unlock()

	r.saveTerminal(ctx, snap)
	return r.View(ctx), nil
}

// View returns the current state. Correct answers stay hidden until the
// session is over.
func (r *Runner) View(ctx context.Context) View {
	r.mu.Lock()
	snap := r.sess.Snapshot()
	var remaining time.Duration
	if r.timer != nil {
		remaining = r.timer.Remaining()
	}
	paused := r.paused
	r.mu.Unlock()

	if !snap.Status.Terminal() {
		for i, q := range snap.Questions {
			snap.Questions[i] = q.Public()
		}
	}
	v := View{
		Session:          snap,
		RemainingSeconds: int((remaining + time.Second - 1) / time.Second),
		Paused:           paused,
		SyncStatus:       r.syncer.State(snap.ID),
	}
	if snap.Status.Terminal() && v.SyncStatus == persist.StateUnsynced {
		v.Notice = appI18n.T(ctx, "ResultsUnsynced")
	}
	return v
}

// expireIfStale resets a session whose attempt is older than the stale window.
// Evicted runners are left alone; storage holds their state.
func (r *Runner) expireIfStale() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted || !r.sess.ExpireIfStale(r.cfg.StaleAfter) {
		return false
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.resetAI()
	r.paused = false
	r.expiring = false
	return true
}

// evictIfStale retires a stale runner so it can be dropped from memory. Its
// timer and AI work stop; a later lookup reloads and resets it from storage.
func (r *Runner) evictIfStale() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicted || !r.sess.Stale(r.cfg.StaleAfter) {
		return false
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.resetAI()
	r.evicted = true
	return true
}

// resumeTimer restarts the countdown of a restored in_progress session with
// the budget left since its start.
func (r *Runner) resumeTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess.Status() != model.StatusInProgress || r.timer != nil || r.evicted {
		return
	}
	snap := r.sess.Snapshot()
	if len(snap.Questions) == 0 {
		// Start is still fetching questions and will arm the timer itself.
		return
	}
	total := session.TimerDuration(len(snap.Questions), r.cfg.SecondsPerQuestion)
	left := max(0, total-r.sess.Elapsed())
	r.timer = session.NewTimer(r.clk, left, r.active, r.onExpire)
	r.timer.Start()
}

func (r *Runner) active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess.Status() == model.StatusInProgress && !r.evicted
}

// onExpire runs on the timer goroutine and must not block.
func (r *Runner) onExpire() {
	go r.expire()
}

// expire stops accepting answers, gives in-flight evaluations the grace period
// to land and then completes the session. Unevaluated questions score 0.
func (r *Runner) expire() {
	r.mu.Lock()
	if r.sess.Status() != model.StatusInProgress || r.expiring {
		r.mu.Unlock()
		return
	}
	r.expiring = true
	r.mu.Unlock()

	slog.Info("session timer expired", "session_id", r.ID())

	landed := make(chan struct{})
	go func() {
		r.evals.Wait()
		close(landed)
	}()
	grace := r.clk.Timer(r.cfg.LateEvalGrace)
	select {
	case <-landed:
	case <-grace.C:
		slog.Warn("late evaluations canceled", "session_id", r.ID())
	}
	grace.Stop()

	r.mu.Lock()
	r.resetAI()
	if err := r.sess.CompleteScored(); err != nil {
		r.mu.Unlock()
		slog.Debug("expiry found session already closed", "session_id", r.ID(), "error", err)
		return
	}
	r.finish()
	snap := r.sess.Snapshot()
	r.mu.Unlock()

	r.saveTerminal(context.Background(), snap)
}

// finish stops the timer and AI work after a terminal transition. Callers hold mu.
func (r *Runner) finish() {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.cancelAI()
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

// resetAI cancels outstanding AI requests and opens a fresh scope. Callers hold mu.
func (r *Runner) resetAI() {
	r.cancelAI()
	r.aiCtx, r.cancelAI = context.WithCancel(context.Background())
}

// linked returns a context canceled with either ctx or the runner's AI scope.
// Callers hold mu.
func (r *Runner) linked(ctx context.Context) (context.Context, context.CancelFunc) {
	out, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(r.aiCtx, cancel)
	return out, func() {
		stop()
		cancel()
	}
}

func (r *Runner) acceptingAnswers() error {
	if err := r.requireLive("answer"); err != nil {
		return err
	}
	if r.paused {
		return ErrPaused
	}
	return nil
}

// requireLive fails for sessions that are not running or are being finalized. Callers hold mu.
func (r *Runner) requireLive(op string) error {
	st := r.sess.Status()
	switch {
	case st.Terminal():
		return fmt.Errorf("%s: %w", op, session.ErrSessionClosed)
	case r.expiring:
		return fmt.Errorf("%s: %w", op, ErrTimeUp)
	case st != model.StatusInProgress:
		return fmt.Errorf("%w: %s while %s", session.ErrInvalidTransition, op, st)
	}
	return nil
}

// autosave writes the current non-terminal state. Once the session is over
// only saveTerminal writes.
func (r *Runner) autosave() {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	if r.sess.Status().Terminal() || r.evicted {
		r.mu.Unlock()
		return
	}
	snap := r.sess.Snapshot()
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RequestTimeout)
	defer cancel()
	if err := r.syncer.Save(ctx, snap); err != nil {
		slog.Warn("interim save failed", "session_id", snap.ID, "error", err)
	}
}

// saveTerminal persists a completed or abandoned snapshot once. Repeated calls
// retry only while the previous attempt left the session unsynced.
func (r *Runner) saveTerminal(ctx context.Context, snap model.Session) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	saved := r.terminalSaved
	r.mu.Unlock()
	if saved {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.RequestTimeout)
	defer cancel()
	if err := r.syncer.Save(saveCtx, snap); err != nil {
		slog.Error("session result not persisted", "session_id", snap.ID, "status", snap.Status, "error", err)
		return
	}
	r.mu.Lock()
	r.terminalSaved = true
	r.mu.Unlock()
	slog.Info("session finished", "session_id", snap.ID, "status", snap.Status, "final_score", snap.FinalScore)
}
