package model

import "time"

// AssessmentExport is the top-level JSON structure for session result export.
type AssessmentExport struct {
	AssessmentID string          `json:"assessment_id,omitempty"`
	ExportedAt   time.Time       `json:"exported_at"`
	Results      []SessionResult `json:"results"`
}

// SessionResult holds one session's outcome for export.
type SessionResult struct {
	SessionID       string           `json:"session_id"`
	AssessmentID    string           `json:"assessment_id"`
	AssessmentTitle string           `json:"assessment_title"`
	Personality     Persona          `json:"personality"`
	Status          Status           `json:"status"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	EndedAt         *time.Time       `json:"ended_at,omitempty"`
	FinalScore      int              `json:"final_score"`
	Questions       []QuestionResult `json:"questions"`
}

// QuestionResult holds per-question data for export.
type QuestionResult struct {
	QuestionID string       `json:"question_id"`
	Type       QuestionType `json:"type"`
	Text       string       `json:"text"`
	Points     int          `json:"points"`
	Answer     string       `json:"answer"`
	Answered   bool         `json:"answered"`
	Correct    bool         `json:"correct"`
	Score      float64      `json:"score"`
	Feedback   string       `json:"feedback"`
}
