// Package investigator finds and checks claims with an OpenAI chat model.
package investigator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/ZeroPathAI/openerrata/internal/domain"
	"github.com/ZeroPathAI/openerrata/internal/service"
)

var _ service.Investigator = (*Client)(nil)

// Config configures the OpenAI investigator.
type Config struct {
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint, e.g. for a proxy.
	BaseURL string
	// RequestsPerSecond caps calls across all workers of the process.
	RequestsPerSecond float64
}

// Client implements service.Investigator.
type Client struct {
	cfg      Config
	client   *openai.Client
	limiter  *rate.Limiter
	validate *validator.Validate
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
		slog.Warn("investigator model not set, defaulting", "model", cfg.Model)
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	c := &Client{
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		validate: validator.New(),
	}
	c.client = c.clientFor(cfg.APIKey)
	return c
}

func (c *Client) clientFor(apiKey string) *openai.Client {
	oc := openai.DefaultConfig(apiKey)
	if c.cfg.BaseURL != "" {
		oc.BaseURL = c.cfg.BaseURL
	}
	return openai.NewClientWithConfig(oc)
}

type claimsPayload struct {
	Claims []domain.Claim `json:"claims" validate:"dive"`
}

// Investigate asks the model for claims in the content. Malformed or
// incomplete output and retryable API failures are reported as transient.
func (c *Client) Investigate(ctx context.Context, in service.InvestigateInput) (*service.InvestigateResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &service.InvestigatorError{Transient: true, Err: err}
	}

	client := c.client
	if in.APIKey != "" {
		client = c.clientFor(in.APIKey)
	}
	user, err := userMessage(in)
	if err != nil {
		return nil, &service.InvestigatorError{Err: err}
	}

	slog.DebugContext(ctx, "investigating content", "investigation_id", in.InvestigationID,
		"model", c.cfg.Model, "update", in.IsUpdate())
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(in)},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    0,
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &service.InvestigatorError{Transient: true, Err: errors.New("model returned no choices")}
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonLength {
		return nil, &service.InvestigatorError{Transient: true, Err: errors.New("model response truncated")}
	}

	claims, err := c.parseClaims(choice.Message.Content)
	if err != nil {
		return nil, &service.InvestigatorError{Transient: true, Err: err}
	}
	return &service.InvestigateResult{
		Claims: claims,
		Metadata: service.InvestigateMetadata{
			Model:            resp.Model,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (c *Client) parseClaims(content string) ([]domain.Claim, error) {
	var payload claimsPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	if err := c.validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("validate model output: %w", err)
	}
	for i := range payload.Claims {
		payload.Claims[i].ID = 0
		payload.Claims[i].Position = i
	}
	return payload.Claims, nil
}

// classify marks rate limits, server errors and timeouts as transient.
func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	transient := status == 0 || status == http.StatusTooManyRequests || status >= http.StatusInternalServerError ||
		errors.Is(err, context.DeadlineExceeded)
	return &service.InvestigatorError{Transient: transient, Err: fmt.Errorf("chat completion: %w", err)}
}

const basePrompt = `You fact-check published writing. Identify statements in the content that are
factually incorrect and can be shown wrong with reliable public sources. Ignore opinions,
predictions and claims you cannot refute with a citation.

Reply with a JSON object {"claims": [...]} where each claim has:
  "text": the exact sentence from the content,
  "context": surrounding text that locates it,
  "summary": one line stating what is wrong,
  "reasoning": why it is wrong,
  "sources": [{"url": ..., "title": ..., "snippet": ...}] with at least one entry.
Return {"claims": []} when nothing is wrong.`

const updatePrompt = `
This content is an edited version of writing you already checked. You receive the earlier
findings and a line diff. Keep earlier findings whose text is still present and unchanged,
drop those removed by the edit, and check the changed lines for new errors.`

func systemPrompt(in service.InvestigateInput) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	if in.IsUpdate() {
		b.WriteString(updatePrompt)
	}
	if in.PromptVersion != "" {
		b.WriteString("\n\nPrompt version: " + in.PromptVersion)
	}
	return b.String()
}

func userMessage(in service.InvestigateInput) (string, error) {
	if !in.IsUpdate() {
		return "Content:\n" + in.Content, nil
	}
	prior, err := json.Marshal(claimsPayload{Claims: in.Update.ParentClaims})
	if err != nil {
		return "", fmt.Errorf("encode parent claims: %w", err)
	}
	var b strings.Builder
	b.WriteString("Earlier findings:\n")
	b.Write(prior)
	b.WriteString("\n\nChanges since the earlier version:\n")
	b.WriteString(in.Update.ContentDiff)
	b.WriteString("\n\nContent:\n")
	b.WriteString(in.Content)
	return b.String(), nil
}
