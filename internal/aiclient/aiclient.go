// Package aiclient talks to an AI gateway that exposes question generation and
// answer evaluation over JSON HTTP.
package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pavelanni/assessor/internal/model"
)

const (
	GeneratePath = "/api/ai/generate-questions"
	EvaluatePath = "/api/ai/evaluate-answer"
)

// StatusError is returned when the gateway answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Body)
}

// Client calls the gateway endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a gateway client. A nil httpClient gets a client with a 60s timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// GenerateQuestionsResponse is the body of a generate-questions reply.
type GenerateQuestionsResponse struct {
	Questions []model.Question `json:"questions"`
}

// EvaluateAnswerResponse is the body of an evaluate-answer reply.
type EvaluateAnswerResponse struct {
	Evaluation *model.Evaluation `json:"evaluation"`
}

// GenerateQuestions requests a question set for the assessment.
func (c *Client) GenerateQuestions(ctx context.Context, req model.GenerateRequest) ([]model.Question, error) {
	var resp GenerateQuestionsResponse
	if err := c.post(ctx, GeneratePath, req.AuthToken, req, &resp); err != nil {
		return nil, err
	}
	return resp.Questions, nil
}

// EvaluateAnswer requests an AI verdict for a free-text answer.
func (c *Client) EvaluateAnswer(ctx context.Context, req model.EvaluateRequest) (*model.Evaluation, error) {
	var resp EvaluateAnswerResponse
	if err := c.post(ctx, EvaluatePath, req.AuthToken, req, &resp); err != nil {
		return nil, err
	}
	if resp.Evaluation == nil {
		return nil, fmt.Errorf("evaluate answer: response has no evaluation")
	}
	return resp.Evaluation, nil
}

func (c *Client) post(ctx context.Context, path, token string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
