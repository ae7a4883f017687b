package store

import (
	"context"
	"fmt"

	"github.com/pavelanni/assessor/internal/model"
)

// ExportSessions builds export-ready results for all sessions of an
// assessment. An empty assessment id exports every session.
func (s *Store) ExportSessions(ctx context.Context, assessmentID string) ([]model.SessionResult, error) {
	sessions, err := s.ListSessions(ctx, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	results := make([]model.SessionResult, 0, len(sessions))
	for _, sess := range sessions {
		questions := make([]model.QuestionResult, 0, len(sess.Questions))
		for _, q := range sess.Questions {
			answer, answered := sess.Answers[q.ID]
			ev := sess.EvaluationResults[q.ID]
			questions = append(questions, model.QuestionResult{
				QuestionID: q.ID,
				Type:       q.Type,
				Text:       q.Question,
				Points:     q.Points,
				Answer:     answer,
				Answered:   answered,
				Correct:    ev.Correct,
				Score:      ev.Score,
				Feedback:   ev.Feedback,
			})
		}
		results = append(results, model.SessionResult{
			SessionID:       sess.ID,
			AssessmentID:    sess.AssessmentID,
			AssessmentTitle: sess.AssessmentTitle,
			Personality:     sess.Personality,
			Status:          sess.Status,
			StartedAt:       sess.StartTime,
			EndedAt:         sess.EndTime,
			FinalScore:      sess.FinalScore,
			Questions:       questions,
		})
	}
	return results, nil
}
