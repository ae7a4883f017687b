package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/assessor/internal/llm/prompts"
	"github.com/pavelanni/assessor/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNoChoices is returned when the API responds without any completion.
var ErrNoChoices = errors.New("LLM returned no choices")

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Ping checks that the endpoint is reachable and the key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

type generateResponse struct {
	Questions []model.Question `json:"questions"`
}

// GenerateQuestions asks the model for a fresh question set. The result may be
// empty or contain malformed entries; callers validate it.
func (c *Client) GenerateQuestions(ctx context.Context, req model.GenerateRequest) ([]model.Question, error) {
	systemPrompt, err := prompts.BuildGeneratePrompt(req)
	if err != nil {
		return nil, fmt.Errorf("build generate prompt: %w", err)
	}

	raw, err := c.complete(ctx, systemPrompt, "Generate the questions now.", 0.7)
	if err != nil {
		return nil, err
	}

	var resp generateResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("parse generate response: %w (raw: %s)", err, raw)
	}

	for i := range resp.Questions {
		q := &resp.Questions[i]
		if strings.TrimSpace(q.ID) == "" {
			q.ID = fmt.Sprintf("q%d", i+1)
		}
		if q.Difficulty == "" {
			q.Difficulty = req.Difficulty
		}
	}
	return resp.Questions, nil
}

// EvaluateAnswer sends a free-text answer to the model for scoring.
func (c *Client) EvaluateAnswer(ctx context.Context, req model.EvaluateRequest) (*model.Evaluation, error) {
	systemPrompt, err := prompts.BuildEvaluatePrompt(req)
	if err != nil {
		return nil, fmt.Errorf("build evaluate prompt: %w", err)
	}

	raw, err := c.complete(ctx, systemPrompt, "Evaluate the answer now.", 0.2)
	if err != nil {
		return nil, err
	}

	var result model.Evaluation
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("parse evaluate response: %w (raw: %s)", err, raw)
	}
	return &result, nil
}

func (c *Client) complete(ctx context.Context, system, user string, temperature float32) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "model", c.model, "raw", raw)
	return raw, nil
}
