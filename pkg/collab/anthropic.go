package collab

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mnemoslab/mnemos/pkg/errors"
	"github.com/mnemoslab/mnemos/pkg/logging"
)

// AnthropicCollaborator implements Solver and Explorer on top of the
// Anthropic Messages API.
type AnthropicCollaborator struct {
	client    *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicCollaborator creates a collaborator for the given model.
func NewAnthropicCollaborator(apiKey, model string) (*AnthropicCollaborator, error) {
	if apiKey == "" {
		return nil, errors.New(errors.InvalidInput, "API key is required")
	}
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)
	return &AnthropicCollaborator{
		client:    &client,
		model:     anthropic.Model(model),
		maxTokens: 2048,
	}, nil
}

const solvePrompt = `You are a problem-solving assistant. Solve the problem below and respond with ONLY a JSON object of the form
{"answer": "...", "success": true|false, "score": 0.0-1.0, "notes": "...", "signature": ""}
where success reflects whether you are confident the answer is correct, score is your confidence, notes briefly explain the approach, and signature is a short snake_case failure classifier (empty when success is true).

Category: %s
Strategy hint: %s

Problem: %s`

// Solve sends the problem to the model and decodes its structured verdict.
func (a *AnthropicCollaborator) Solve(ctx context.Context, req SolveRequest) (*SolveResult, error) {
	hint := req.StrategyHint
	if hint == "" {
		hint = "none; use your best judgment"
	}
	prompt := fmt.Sprintf(solvePrompt, req.Category, hint, req.Problem)

	text, err := a.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var result SolveResult
	if err := json.Unmarshal([]byte(extractJSON(text)), &result); err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.TransientExternal, "collaborator returned malformed solve result"),
			errors.Fields{"response": text},
		)
	}
	return &result, nil
}

const explorePrompt = `List the most important facts, formulas and worked-example sketches for the concept %q. Respond with ONLY a JSON array of objects of the form {"content": "..."}, at most 5 entries.`

// Explore asks the model for candidate knowledge fragments about a concept.
func (a *AnthropicCollaborator) Explore(ctx context.Context, concept string) ([]Fragment, error) {
	text, err := a.generate(ctx, fmt.Sprintf(explorePrompt, concept))
	if err != nil {
		return nil, err
	}

	var fragments []Fragment
	if err := json.Unmarshal([]byte(extractJSON(text)), &fragments); err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.TransientExternal, "collaborator returned malformed fragments"),
			errors.Fields{"response": text},
		)
	}
	return fragments, nil
}

func (a *AnthropicCollaborator) generate(ctx context.Context, prompt string) (string, error) {
	message, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model: a.model,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewTextBlock(prompt),
			),
		},
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		var apiErr *anthropic.Error
		if stderrors.As(err, &apiErr) {
			logging.GetLogger().Error(ctx, "Anthropic API error: status code %d", apiErr.StatusCode)
			if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
				return "", errors.Wrap(err, errors.TransientExternal, "collaborator unavailable")
			}
			return "", errors.Wrap(err, errors.InvalidInput, "collaborator rejected request")
		}
		// Network-level failures are retryable.
		return "", errors.Wrap(err, errors.TransientExternal, "collaborator call failed")
	}

	if message == nil || len(message.Content) == 0 {
		return "", errors.New(errors.TransientExternal, "received empty content from collaborator")
	}

	if block := message.Content[0]; block.Type == "text" {
		return block.Text, nil
	}
	return "", errors.New(errors.TransientExternal, "received non-text content from collaborator")
}

// extractJSON strips markdown code fences models like to wrap JSON in.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx != -1 {
			text = text[idx+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	return strings.TrimSpace(text)
}
