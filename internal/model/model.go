package model

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of an assessment session.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusAbandoned  Status = "abandoned"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// QuestionType represents how a question is answered and evaluated.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionText           QuestionType = "text"
	QuestionEssay          QuestionType = "essay"
)

// Freeform reports whether answers to this question type need AI evaluation.
func (t QuestionType) Freeform() bool {
	return t == QuestionText || t == QuestionEssay
}

// Difficulty represents question difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// ParseDifficulty converts a string to a Difficulty. Empty input maps to medium.
func ParseDifficulty(s string) (Difficulty, error) {
	switch d := Difficulty(strings.ToLower(strings.TrimSpace(s))); d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return d, nil
	case "":
		return DifficultyMedium, nil
	default:
		return "", fmt.Errorf("unknown difficulty %q", s)
	}
}

// Question represents a single assessment question.
type Question struct {
	ID            string       `json:"id" validate:"required"`
	Type          QuestionType `json:"type" validate:"required,oneof=multiple_choice text essay"`
	Question      string       `json:"question" validate:"required"`
	Options       []string     `json:"options,omitempty" validate:"required_if=Type multiple_choice,dive,required"`
	CorrectAnswer string       `json:"correctAnswer,omitempty" validate:"required_if=Type multiple_choice"`
	Points        int          `json:"points" validate:"gt=0"`
	Difficulty    Difficulty   `json:"difficulty,omitempty" validate:"omitempty,oneof=easy medium hard"`
	TimeLimit     int          `json:"timeLimit,omitempty" validate:"gte=0"`
	Hints         []string     `json:"hints,omitempty"`
	Explanation   string       `json:"explanation,omitempty"`
}

// Public returns a copy of q safe to show while the session is running.
func (q Question) Public() Question {
	q.CorrectAnswer = ""
	q.Explanation = ""
	return q
}

// EvaluationResult is the outcome of evaluating one submitted answer.
type EvaluationResult struct {
	Correct  bool    `json:"correct"`
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// Session is a snapshot of one attempt at one assessment by one user.
type Session struct {
	ID                   string                      `json:"id"`
	AssessmentID         string                      `json:"assessmentId"`
	AssessmentTitle      string                      `json:"assessmentTitle"`
	Personality          Persona                     `json:"aiPersonality"`
	Status               Status                      `json:"status"`
	StartTime            *time.Time                  `json:"startTime,omitempty"`
	EndTime              *time.Time                  `json:"endTime,omitempty"`
	Questions            []Question                  `json:"questions"`
	CurrentQuestionIndex int                         `json:"currentQuestionIndex"`
	Answers              map[string]string           `json:"answers"`
	EvaluationResults    map[string]EvaluationResult `json:"evaluationResults"`
	FinalScore           int                         `json:"finalScore"`
	Feedback             map[string]string           `json:"feedback,omitempty"`
}

// QuestionByID returns the question with the given id.
func (s Session) QuestionByID(id string) (Question, bool) {
	for _, q := range s.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// GenerateRequest carries the assessment metadata sent to the question generator.
type GenerateRequest struct {
	AssessmentID  string     `json:"assessmentId"`
	Title         string     `json:"title" validate:"required"`
	Category      string     `json:"category"`
	Difficulty    Difficulty `json:"difficulty" validate:"omitempty,oneof=easy medium hard"`
	QuestionCount int        `json:"questionCount" validate:"gte=1,lte=50"`
	AuthToken     string     `json:"-"`
}

// EvaluateRequest carries one free-text answer to the AI evaluator.
type EvaluateRequest struct {
	QuestionID  string     `json:"questionId" validate:"required"`
	Question    string     `json:"question" validate:"required"`
	Answer      string     `json:"answer" validate:"required"`
	Personality Persona    `json:"personality"`
	Difficulty  Difficulty `json:"difficulty"`
	Points      int        `json:"points" validate:"gt=0"`
	AuthToken   string     `json:"-"`
}

// EngineConfig holds runtime engine parameters set via CLI flags.
type EngineConfig struct {
	SecondsPerQuestion time.Duration // timer budget per question
	StaleAfter         time.Duration // sessions older than this are reset on return
	LateEvalGrace      time.Duration // how long expiry waits for in-flight evaluations
	RequestTimeout     time.Duration // per AI call
	DefaultCount       int           // questions requested when the caller omits a count
	Lang               string
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		SecondsPerQuestion: 120 * time.Second,
		StaleAfter:         time.Hour,
		LateEvalGrace:      5 * time.Second,
		RequestTimeout:     60 * time.Second,
		DefaultCount:       5,
		Lang:               "en",
	}
}

// Evaluation is the raw verdict returned by an AI evaluation backend.
// Score and Correct are optional on the wire.
type Evaluation struct {
	Feedback string   `json:"feedback"`
	Score    *float64 `json:"score,omitempty"`
	Correct  *bool    `json:"correct,omitempty"`
}
