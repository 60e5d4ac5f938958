// Package llm grades submitted attempts with an OpenAI-compatible chat model.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/examhall/internal/llm/prompts"
	"github.com/pavelanni/examhall/internal/model"
)

// GradeResult holds the model's assessment of one attempt.
type GradeResult struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api     *openai.Client
	model   string
	variant prompts.PromptVariant
	prompts *prompts.Set
}

// New creates a new LLM client. An empty variant means standard.
func New(baseURL, apiKey, modelName string, variant prompts.PromptVariant) (*Client, error) {
	if variant == "" {
		variant = prompts.PromptStandard
	}
	if !prompts.IsValidVariant(string(variant)) {
		return nil, fmt.Errorf("invalid prompt variant %q", variant)
	}
	set, err := prompts.Default()
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: variant,
		prompts: set,
	}, nil
}

// Grade returns the score the model awards to the attempt's saved answers.
func (c *Client) Grade(ctx context.Context, exam model.Exam, attempt model.Attempt) (float64, error) {
	res, err := c.Evaluate(ctx, exam, attempt)
	if err != nil {
		return 0, err
	}
	return res.Score, nil
}

// Evaluate asks the model for a score and feedback.
func (c *Client) Evaluate(ctx context.Context, exam model.Exam, attempt model.Attempt) (*GradeResult, error) {
	systemPrompt, err := c.prompts.BuildGradePrompt(c.variant, exam, attempt.Answers)
	if err != nil {
		return nil, fmt.Errorf("build grading prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM grading API call: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("LLM returned no choices for grading")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "attempt_id", attempt.ID, "raw", raw)

	var result GradeResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("parse grading response: %w (raw: %s)", err, raw)
	}
	if result.Score < 0 || result.Score > exam.TotalScore {
		return nil, fmt.Errorf("LLM score %v outside 0..%v", result.Score, exam.TotalScore)
	}
	return &result, nil
}

// Ping checks that the endpoint is reachable and the model exists.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.GetModel(ctx, c.model); err != nil {
		return fmt.Errorf("LLM model %q unavailable: %w", c.model, err)
	}
	return nil
}
