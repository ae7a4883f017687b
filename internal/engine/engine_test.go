package engine

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"

	"github.com/pavelanni/assessor/internal/evaluator"
	appI18n "github.com/pavelanni/assessor/internal/i18n"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/persist"
	"github.com/pavelanni/assessor/internal/questions"
	"github.com/pavelanni/assessor/internal/session"
	"github.com/pavelanni/assessor/internal/store"
)

func TestMain(m *testing.M) {
	if err := appI18n.Init("en"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type fakeGenerator struct {
	qs  []model.Question
	err error
}

func (g *fakeGenerator) GenerateQuestions(_ context.Context, _ model.GenerateRequest) ([]model.Question, error) {
	return g.qs, g.err
}

// fakeGrader scores answers from a fixed table. Answers with a gate block until
// the gate closes or the context ends.
type fakeGrader struct {
	scores  map[string]float64
	gates   map[string]chan struct{}
	started chan string
}

func (g *fakeGrader) EvaluateAnswer(ctx context.Context, req model.EvaluateRequest) (*model.Evaluation, error) {
	if g.started != nil {
		g.started <- req.Answer
	}
	if gate, ok := g.gates[req.Answer]; ok {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	score := g.scores[req.Answer]
	return &model.Evaluation{Score: &score, Feedback: "feedback for " + req.Answer}, nil
}

func threeQuestions() []model.Question {
	return []model.Question{
		{ID: "q1", Type: model.QuestionMultipleChoice, Question: "2+2?", Options: []string{"3", "4"}, CorrectAnswer: "4", Points: 10},
		{ID: "q2", Type: model.QuestionText, Question: "Explain TCP.", Points: 20},
		{ID: "q3", Type: model.QuestionEssay, Question: "Discuss CAP.", Points: 30},
	}
}

func twoQuestions() []model.Question {
	return []model.Question{
		{ID: "q1", Type: model.QuestionMultipleChoice, Question: "2+2?", Options: []string{"3", "4"}, CorrectAnswer: "4", Points: 10},
		{ID: "q2", Type: model.QuestionText, Question: "Explain TCP.", Points: 10},
	}
}

const lateEvalGrace = 50 * time.Millisecond

type harness struct {
	m     *Manager
	store *store.Store
	saver persist.Saver
	clk   *clock.Mock
	gen   *fakeGenerator
	grad  *fakeGrader
}

func newHarness(t *testing.T, qs []model.Question) *harness {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store: st,
		clk:   clock.NewMock(),
		gen:   &fakeGenerator{qs: qs},
		grad: &fakeGrader{
			scores:  map[string]float64{},
			gates:   map[string]chan struct{}{},
			started: make(chan string, 16),
		},
	}
	h.m = h.manager(h.clk)
	return h
}

func (h *harness) manager(clk clock.Clock) *Manager {
	cfg := model.DefaultEngineConfig()
	cfg.LateEvalGrace = lateEvalGrace
	cfg.RequestTimeout = 2 * time.Second
	var saver persist.Saver = h.store
	if h.saver != nil {
		saver = h.saver
	}
	return NewManager(cfg,
		questions.NewProvider(h.gen, time.Second),
		evaluator.New(h.grad, time.Second),
		persist.New(saver, 1),
		h.store,
		clk,
	)
}

func startRequest() StartRequest {
	return StartRequest{
		AssessmentID:  "net-101",
		Title:         "Networking",
		QuestionCount: 3,
		Persona:       model.PersonaAnalytical,
	}
}

func waitDone(t *testing.T, r *Runner) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

// expireAfterGrace keeps moving the clock past the late evaluation grace
// period until r finishes.
func expireAfterGrace(t *testing.T, h *harness, r *Runner) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-r.Done():
			return
		case <-deadline:
			t.Fatal("session did not finish")
		case <-time.After(5 * time.Millisecond):
			h.clk.Add(lateEvalGrace)
		}
	}
}

func waitStatus(t *testing.T, r *Runner, want model.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.View(context.Background()).Session.Status != want {
		if time.Now().After(deadline) {
			t.Fatalf("status did not become %s", want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// blockingSaver holds the first in_progress save until release is closed.
type blockingSaver struct {
	next    persist.Saver
	once    sync.Once
	entered chan string
	release chan struct{}
}

func (b *blockingSaver) SaveSession(ctx context.Context, s model.Session) error {
	if s.Status == model.StatusInProgress {
		first := false
		b.once.Do(func() { first = true })
		if first {
			b.entered <- s.ID
			<-b.release
		}
	}
	return b.next.SaveSession(ctx, s)
}

func TestThreeQuestionSessionScores67(t *testing.T) {
	h := newHarness(t, threeQuestions())
	h.grad.scores["tcp"] = 15
	h.grad.scores["cap"] = 15
	ctx := context.Background()

	r, v, err := h.m.Create(ctx, startRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if v.Session.Status != model.StatusInProgress || len(v.Session.Questions) != 3 {
		t.Fatalf("unexpected start view: %+v", v.Session)
	}
	if v.Session.Questions[0].CorrectAnswer != "" {
		t.Error("correct answer exposed during session")
	}
	if v.RemainingSeconds != 360 {
		t.Errorf("RemainingSeconds = %d, want 360", v.RemainingSeconds)
	}
	if v.Notice != "" {
		t.Errorf("unexpected notice %q", v.Notice)
	}

	answers := map[string]string{"q1": "4", "q2": "tcp", "q3": "cap"}
	for _, id := range []string{"q1", "q2", "q3"} {
		v, err := r.Answer(ctx, id, answers[id], "")
		if err != nil {
			t.Fatalf("Answer %s: %v", id, err)
		}
		if v.Evaluation == nil {
			t.Fatalf("Answer %s returned no evaluation", id)
		}
	}

	v, err = r.Complete(ctx)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if v.Session.Status != model.StatusCompleted || v.Session.FinalScore != 67 {
		t.Errorf("status=%s finalScore=%d, want completed/67", v.Session.Status, v.Session.FinalScore)
	}
	if v.SyncStatus != persist.StateSynced {
		t.Errorf("SyncStatus = %s, want synced", v.SyncStatus)
	}
	if v.Session.Questions[0].CorrectAnswer != "4" {
		t.Error("correct answer hidden after completion")
	}

	stored, err := h.store.GetSession(ctx, r.ID())
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if stored.Status != model.StatusCompleted || stored.FinalScore != 67 {
		t.Errorf("stored status=%s finalScore=%d", stored.Status, stored.FinalScore)
	}

	again, err := r.Complete(ctx)
	if err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if !again.Session.EndTime.Equal(*v.Session.EndTime) || again.Session.FinalScore != 67 {
		t.Error("second Complete changed the result")
	}
	if _, err := r.Answer(ctx, "q1", "3", ""); !errors.Is(err, session.ErrSessionClosed) {
		t.Errorf("Answer after complete error = %v, want ErrSessionClosed", err)
	}
}

func TestFallbackNotice(t *testing.T) {
	h := newHarness(t, nil)
	h.gen.err = errors.New("upstream 503")

	_, v, err := h.m.Create(context.Background(), startRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(v.Session.Questions) != 1 || v.Session.Questions[0].ID != questions.FallbackID {
		t.Fatalf("questions = %+v, want single fallback", v.Session.Questions)
	}
	if want := appI18n.T(context.Background(), "FallbackNotice"); v.Notice != want {
		t.Errorf("Notice = %q, want %q", v.Notice, want)
	}
	if v.RemainingSeconds != 120 {
		t.Errorf("RemainingSeconds = %d, want 120", v.RemainingSeconds)
	}
}

func TestTimerExpiryScoresUnansweredAsZero(t *testing.T) {
	h := newHarness(t, twoQuestions())
	ctx := context.Background()

	r, _, err := h.m.Create(ctx, startRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Answer(ctx, "q1", "4", ""); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	h.clk.Add(239 * time.Second)
	select {
	case <-r.Done():
		t.Fatal("session finished before the timer ran out")
	default:
	}
	h.clk.Add(time.Second)
	waitDone(t, r)

	v := r.View(ctx)
	if v.Session.Status != model.StatusCompleted {
		t.Fatalf("status = %s, want completed", v.Session.Status)
	}
	if v.Session.FinalScore != 50 {
		t.Errorf("FinalScore = %d, want 50", v.Session.FinalScore)
	}
	if _, ok := v.Session.EvaluationResults["q2"]; ok {
		t.Error("unanswered question has an evaluation")
	}
}

func TestTimerExpiryCancelsLateEvaluation(t *testing.T) {
	h := newHarness(t, twoQuestions())
	h.grad.gates["slow"] = make(chan struct{})
	ctx := context.Background()

	r, _, err := h.m.Create(ctx, startRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Answer(ctx, "q1", "4", ""); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := r.Answer(ctx, "q2", "slow", "")
		errc <- err
	}()
	<-h.grad.started

	h.clk.Add(240 * time.Second)
	expireAfterGrace(t, h, r)

	select {
	case err := <-errc:
		if !errors.Is(err, evaluator.ErrEvaluationFailed) {
			t.Errorf("late Answer error = %v, want ErrEvaluationFailed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("late evaluation was not canceled")
	}

	v := r.View(ctx)
	if v.Session.FinalScore != 50 {
		t.Errorf("FinalScore = %d, want 50", v.Session.FinalScore)
	}
	if v.Session.Answers["q2"] != "slow" {
		t.Errorf("answer q2 = %q, want it kept", v.Session.Answers["q2"])
	}
}

func TestTimerExpiryMergesEvaluationWithinGrace(t *testing.T) {
	h := newHarness(t, twoQuestions())
	h.grad.gates["late"] = make(chan struct{})
	h.grad.scores["late"] = 10
	ctx := context.Background()

	r, _, err := h.m.Create(ctx, startRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Answer(ctx, "q1", "4", ""); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := r.Answer(ctx, "q2", "late", "")
		errc <- err
	}()
	<-h.grad.started

	// The clock stays put, so the grace period cannot run out before the
	// evaluation lands.
	h.clk.Add(240 * time.Second)
	close(h.grad.gates["late"])
	waitDone(t, r)

	if err := <-errc; err != nil {
		t.Errorf("late Answer: %v", err)
	}
	v := r.View(ctx)
	if v.Session.Status != model.StatusCompleted || v.Session.FinalScore != 100 {
		t.Errorf("status=%s finalScore=%d, want completed/100", v.Session.Status, v.Session.FinalScore)
	}
}

func TestStaleEvaluationDropped(t *testing.T) {
	h := newHarness(t, twoQuestions())
	h.grad.gates["first"] = make(chan struct{})
	h.grad.scores["first"] = 2
	h.grad.scores["second"] = 8
	ctx := context.Background()

	r, _, err := h.m.Create(ctx, startRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := r.Answer(ctx, "q2", "first", ""); err != nil {
			t.Errorf("first Answer: %v", err)
		}
	}()
	<-h.grad.started

	if _, err := r.Answer(ctx, "q2", "second", ""); err != nil {
		t.Fatalf("second Answer: %v", err)
	}
	close(h.grad.gates["first"])
	wg.Wait()

	got := r.View(ctx).Session.EvaluationResults["q2"]
	if got.Score != 8 {
		t.Errorf("q2 score = %v, want 8 from the latest answer", got.Score)
	}
}

func TestPauseFreezesTimerAndCancelsEvaluation(t *testing.T) {
	h := newHarness(t, twoQuestions())
	h.grad.gates["slow"] = make(chan struct{})
	ctx := context.Background()

	r, _, err := h.m.Create(ctx, startRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	errc := make(chan error, 1)
	go func() {
		_, err := r.Answer(ctx, "q2", "slow", "")
		errc <- err
	}()
	<-h.grad.started

	h.clk.Add(60 * time.Second)
	v, err := r.Pause(ctx)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !v.Paused || v.RemainingSeconds != 180 {
		t.Errorf("paused view: paused=%v remaining=%d", v.Paused, v.RemainingSeconds)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, evaluator.ErrEvaluationFailed) {
			t.Errorf("in-flight Answer error = %v, want ErrEvaluationFailed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pause did not cancel the evaluation")
	}

	h.clk.Add(10 * time.Minute)
	if got := r.View(ctx); got.Session.Status != model.StatusInProgress || got.RemainingSeconds != 180 {
		t.Errorf("after pause: status=%s remaining=%d", got.Session.Status, got.RemainingSeconds)
	}
	if _, err := r.Answer(ctx, "q1", "4", ""); !errors.Is(err, ErrPaused) {
		t.Errorf("Answer while paused error = %v, want ErrPaused", err)
	}

	if _, err := r.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	h.clk.Add(180 * time.Second)
	waitDone(t, r)
}

func TestAbandonKeepsAnswers(t *testing.T) {
	h := newHarness(t, threeQuestions())
	ctx := context.Background()

	r, _, err := h.m.Create(ctx, startRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Answer(ctx, "q1", "3", ""); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	v, err := r.Abandon(ctx)
	if err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if v.Session.Status != model.StatusAbandoned || v.Session.Answers["q1"] != "3" {
		t.Errorf("abandoned view = %+v", v.Session)
	}
	if _, err := r.Complete(ctx); !errors.Is(err, session.ErrSessionClosed) {
		t.Errorf("Complete after abandon error = %v, want ErrSessionClosed", err)
	}

	h.clk.Add(time.Hour)
	if got := r.View(ctx).Session.Status; got != model.StatusAbandoned {
		t.Errorf("timer changed abandoned session to %s", got)
	}
}

func TestEmptyFreeformAnswerRejected(t *testing.T) {
	h := newHarness(t, threeQuestions())
	ctx := context.Background()

	r, _, err := h.m.Create(ctx, startRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Answer(ctx, "q2", "   ", ""); !errors.Is(err, evaluator.ErrEmptyAnswer) {
		t.Errorf("error = %v, want ErrEmptyAnswer", err)
	}
	if _, ok := r.View(ctx).Session.Answers["q2"]; ok {
		t.Error("blank answer recorded")
	}
}

func TestResumeAfterTwoHoursResets(t *testing.T) {
	h := newHarness(t, twoQuestions())
	ctx := context.Background()

	r, _, err := h.m.Create(ctx, startRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Answer(ctx, "q1", "4", ""); err != nil {
		t.Fatalf("Answer: %v", err)
	}

	// A fresh manager stands in for a restarted process.
	later := clock.NewMock()
	later.Add(2 * time.Hour)
	m2 := h.manager(later)

	_, v, err := m2.Lookup(ctx, r.ID())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if v.Session.Status != model.StatusNotStarted || v.Session.ID != r.ID() {
		t.Errorf("status=%s id=%s, want not_started with same id", v.Session.Status, v.Session.ID)
	}
	if len(v.Session.Answers) != 0 {
		t.Errorf("answers survived reset: %v", v.Session.Answers)
	}
	if want := appI18n.T(ctx, "SessionReset"); v.Notice != want {
		t.Errorf("Notice = %q, want %q", v.Notice, want)
	}

	stored, err := h.store.GetSession(ctx, r.ID())
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if stored.Status != model.StatusNotStarted {
		t.Errorf("stored status = %s, want not_started", stored.Status)
	}

	r2, _, err := m2.Get(ctx, r.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	v, err = r2.Start(ctx, startRequest())
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if v.Session.Status != model.StatusInProgress {
		t.Errorf("restarted status = %s", v.Session.Status)
	}
}

func TestResumeKeepsRemainingBudget(t *testing.T) {
	h := newHarness(t, twoQuestions())
	ctx := context.Background()

	r, _, err := h.m.Create(ctx, startRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	later := clock.NewMock()
	later.Add(100 * time.Second)
	m2 := h.manager(later)

	r2, v, err := m2.Lookup(ctx, r.ID())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if v.Session.Status != model.StatusInProgress || v.Notice != "" {
		t.Errorf("status=%s notice=%q", v.Session.Status, v.Notice)
	}
	if v.RemainingSeconds != 140 {
		t.Errorf("RemainingSeconds = %d, want 140", v.RemainingSeconds)
	}
	if v.SyncStatus != persist.StateSynced {
		t.Errorf("SyncStatus = %s, want synced", v.SyncStatus)
	}

	later.Add(140 * time.Second)
	waitDone(t, r2)
}

func TestResumeKeepsRecordedAnswers(t *testing.T) {
	h := newHarness(t, twoQuestions())
	h.grad.scores["tcp"] = 7
	ctx := context.Background()

	r, _, err := h.m.Create(ctx, startRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for id, ans := range map[string]string{"q1": "4", "q2": "tcp"} {
		if _, err := r.Answer(ctx, id, ans, ""); err != nil {
			t.Fatalf("Answer %s: %v", id, err)
		}
	}

	later := clock.NewMock()
	later.Add(100 * time.Second)
	_, v, err := h.manager(later).Lookup(ctx, r.ID())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if v.Session.Answers["q1"] != "4" || v.Session.Answers["q2"] != "tcp" {
		t.Errorf("answers = %v", v.Session.Answers)
	}
	if got := v.Session.EvaluationResults["q2"]; got.Score != 7 {
		t.Errorf("q2 score = %v, want 7", got.Score)
	}
}

func TestAbandonWinsOverSlowInterimSave(t *testing.T) {
	h := newHarness(t, twoQuestions())
	bs := &blockingSaver{next: h.store, entered: make(chan string, 1), release: make(chan struct{})}
	h.saver = bs
	h.m = h.manager(h.clk)
	ctx := context.Background()

	created := make(chan error, 1)
	go func() {
		_, _, err := h.m.Create(ctx, startRequest())
		created <- err
	}()
	id := <-bs.entered

	r, _, err := h.m.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	abandoned := make(chan error, 1)
	go func() {
		_, err := r.Abandon(ctx)
		abandoned <- err
	}()
	waitStatus(t, r, model.StatusAbandoned)
	close(bs.release)

	for _, c := range []chan error{created, abandoned} {
		select {
		case err := <-c:
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("save did not finish")
		}
	}

	stored, err := h.store.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if stored.Status != model.StatusAbandoned {
		t.Fatalf("stored status = %s, want abandoned", stored.Status)
	}
	if n := h.m.Sweep(); n != 1 {
		t.Errorf("Sweep = %d, want 1", n)
	}
	_, v, err := h.m.Lookup(ctx, id)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if v.Session.Status != model.StatusAbandoned {
		t.Errorf("reloaded status = %s, want abandoned", v.Session.Status)
	}
}

func TestSweepEvictsStalePausedSession(t *testing.T) {
	h := newHarness(t, twoQuestions())
	ctx := context.Background()

	r, _, err := h.m.Create(ctx, startRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if n := h.m.Sweep(); n != 0 {
		t.Fatalf("Sweep = %d before the session went stale", n)
	}

	h.clk.Add(2 * time.Hour)
	if n := h.m.Sweep(); n != 1 {
		t.Errorf("Sweep = %d, want 1", n)
	}
	if n := h.m.Len(); n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}

	r2, v, err := h.m.Lookup(ctx, r.ID())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if r2 == r {
		t.Error("evicted runner handed out again")
	}
	if v.Session.Status != model.StatusNotStarted {
		t.Errorf("status = %s, want not_started", v.Session.Status)
	}
	if want := appI18n.T(ctx, "SessionReset"); v.Notice != want {
		t.Errorf("Notice = %q, want %q", v.Notice, want)
	}
}

func TestGetUnknownSession(t *testing.T) {
	h := newHarness(t, twoQuestions())
	if _, _, err := h.m.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestSweepEvictsSyncedTerminalSessions(t *testing.T) {
	h := newHarness(t, twoQuestions())
	ctx := context.Background()

	done, _, err := h.m.Create(ctx, startRequest())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := h.m.Create(ctx, startRequest()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := done.Complete(ctx); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if n := h.m.Sweep(); n != 1 {
		t.Errorf("Sweep = %d, want 1", n)
	}
	if n := h.m.Len(); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}

	r, _, err := h.m.Get(ctx, done.ID())
	if err != nil {
		t.Fatalf("Get after sweep: %v", err)
	}
	if v := r.View(ctx); v.Session.Status != model.StatusCompleted || v.SyncStatus != persist.StateSynced {
		t.Errorf("reloaded status=%s sync=%s", v.Session.Status, v.SyncStatus)
	}
}
