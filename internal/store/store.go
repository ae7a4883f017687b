package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/assessor/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session id has no stored row.
var ErrNotFound = errors.New("session not found")

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would get its own empty in-memory database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS assessment_sessions (
		id TEXT PRIMARY KEY,
		assessment_id TEXT NOT NULL DEFAULT '',
		assessment_title TEXT NOT NULL DEFAULT '',
		personality TEXT NOT NULL DEFAULT 'supportive',
		status TEXT NOT NULL,
		started_at DATETIME,
		ended_at DATETIME,
		current_index INTEGER NOT NULL DEFAULT 0,
		questions TEXT NOT NULL DEFAULT '[]',
		final_score INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_assessment ON assessment_sessions(assessment_id);

	CREATE TABLE IF NOT EXISTS session_results (
		session_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		answer TEXT,
		evaluated INTEGER NOT NULL DEFAULT 0,
		correct INTEGER NOT NULL DEFAULT 0,
		score REAL NOT NULL DEFAULT 0,
		feedback TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (session_id, question_id),
		FOREIGN KEY (session_id) REFERENCES assessment_sessions(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSession upserts the session row and one result row per answered or
// evaluated question. Saving the same snapshot twice leaves the same rows.
// A completed or abandoned row is final: saving a non-terminal snapshot over
// it changes nothing.
func (s *Store) SaveSession(ctx context.Context, sess model.Session) error {
	questions, err := json.Marshal(sess.Questions)
	if err != nil {
		return fmt.Errorf("marshal questions: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM assessment_sessions WHERE id = ?`, sess.ID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read session status: %w", err)
	case model.Status(current).Terminal() && !sess.Status.Terminal():
		return nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO assessment_sessions
		 (id, assessment_id, assessment_title, personality, status, started_at, ended_at, current_index, questions, final_score, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   assessment_id = excluded.assessment_id,
		   assessment_title = excluded.assessment_title,
		   personality = excluded.personality,
		   status = excluded.status,
		   started_at = excluded.started_at,
		   ended_at = excluded.ended_at,
		   current_index = excluded.current_index,
		   questions = excluded.questions,
		   final_score = excluded.final_score,
		   updated_at = excluded.updated_at
		 WHERE assessment_sessions.status NOT IN ('completed', 'abandoned')
		    OR excluded.status IN ('completed', 'abandoned')`,
		sess.ID, sess.AssessmentID, sess.AssessmentTitle, sess.Personality.String(), sess.Status,
		nullTime(sess.StartTime), nullTime(sess.EndTime), sess.CurrentQuestionIndex,
		string(questions), sess.FinalScore, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_results WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("clear results: %w", err)
	}
	for _, q := range sess.Questions {
		answer, answered := sess.Answers[q.ID]
		res, evaluated := sess.EvaluationResults[q.ID]
		if !answered && !evaluated {
			continue
		}
		var ans sql.NullString
		if answered {
			ans = sql.NullString{String: answer, Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO session_results (session_id, question_id, answer, evaluated, correct, score, feedback)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id, question_id) DO UPDATE SET
			   answer = excluded.answer, evaluated = excluded.evaluated, correct = excluded.correct,
			   score = excluded.score, feedback = excluded.feedback`,
			sess.ID, q.ID, ans, evaluated, res.Correct, res.Score, res.Feedback,
		)
		if err != nil {
			return fmt.Errorf("upsert result %s: %w", q.ID, err)
		}
	}
	return tx.Commit()
}

// GetSession loads a session snapshot by id.
func (s *Store) GetSession(ctx context.Context, id string) (model.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, sessionSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return model.Session{}, err
	}
	if err := s.loadResults(ctx, &sess); err != nil {
		return model.Session{}, err
	}
	return sess, nil
}

// ListSessions returns all sessions, optionally filtered by assessment id,
// ordered by start time.
func (s *Store) ListSessions(ctx context.Context, assessmentID string) ([]model.Session, error) {
	query := sessionSelect
	var args []any
	if assessmentID != "" {
		query += ` WHERE assessment_id = ?`
		args = append(args, assessmentID)
	}
	query += ` ORDER BY started_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range sessions {
		if err := s.loadResults(ctx, &sessions[i]); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

const sessionSelect = `SELECT id, assessment_id, assessment_title, personality, status, started_at, ended_at,
	current_index, questions, final_score FROM assessment_sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.Session, error) {
	var (
		sess        model.Session
		personality string
		questions   string
		started     sql.NullTime
		ended       sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.AssessmentID, &sess.AssessmentTitle, &personality, &sess.Status,
		&started, &ended, &sess.CurrentQuestionIndex, &questions, &sess.FinalScore)
	if err != nil {
		return model.Session{}, err
	}
	p, err := model.ParsePersona(personality)
	if err != nil {
		return model.Session{}, fmt.Errorf("session %s: %w", sess.ID, err)
	}
	sess.Personality = p
	if err := json.Unmarshal([]byte(questions), &sess.Questions); err != nil {
		return model.Session{}, fmt.Errorf("session %s: unmarshal questions: %w", sess.ID, err)
	}
	if started.Valid {
		t := started.Time
		sess.StartTime = &t
	}
	if ended.Valid {
		t := ended.Time
		sess.EndTime = &t
	}
	return sess, nil
}

func (s *Store) loadResults(ctx context.Context, sess *model.Session) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question_id, answer, evaluated, correct, score, feedback
		 FROM session_results WHERE session_id = ?`, sess.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()
	sess.Answers = map[string]string{}
	sess.EvaluationResults = map[string]model.EvaluationResult{}
	for rows.Next() {
		var (
			qid       string
			answer    sql.NullString
			evaluated bool
			r         model.EvaluationResult
		)
		if err := rows.Scan(&qid, &answer, &evaluated, &r.Correct, &r.Score, &r.Feedback); err != nil {
			return err
		}
		if answer.Valid {
			sess.Answers[qid] = answer.String
		}
		if evaluated {
			sess.EvaluationResults[qid] = r
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if sess.Status == model.StatusCompleted {
		sess.Feedback = make(map[string]string, len(sess.EvaluationResults))
		for qid, r := range sess.EvaluationResults {
			sess.Feedback[qid] = r.Feedback
		}
	}
	return nil
}

// CountResults returns the number of stored result rows for a session.
func (s *Store) CountResults(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_results WHERE session_id = ?`, sessionID,
	).Scan(&n)
	return n, err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
