// Package summarize derives a session's current intent, a short free-text
// line shown in session listings, from the prompt that opened its latest
// turn. Derivation goes through any OpenAI-compatible chat completion API;
// when no key is configured or the call fails, it degrades to truncating the
// prompt, so listings never depend on the API being up.
package summarize

import (
	"context"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const intentSystemPrompt = "You label coding-agent sessions. Reply with one short phrase (at most eight words) describing what the user is trying to accomplish. No punctuation, no quotes."

// Config holds provider settings. An empty APIKey disables the API path.
type Config struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type Summarizer struct {
	client *openai.Client
	model  string
}

func New(cfg Config) *Summarizer {
	s := &Summarizer{model: cfg.Model}
	if s.model == "" {
		s.model = "gpt-4o-mini"
	}
	if cfg.APIKey == "" {
		return s
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	s.client = &client
	return s
}

// Intent returns a short label for the prompt. Never fails: the truncated
// prompt is the fallback for a missing key, an API error, or an empty reply.
func (s *Summarizer) Intent(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", nil
	}
	if s.client == nil {
		return truncateIntent(prompt), nil
	}

	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(intentSystemPrompt),
			openai.UserMessage(prompt),
		},
		MaxTokens: openai.Int(32),
	})
	if err != nil || len(resp.Choices) == 0 {
		return truncateIntent(prompt), nil
	}
	intent := strings.TrimSpace(resp.Choices[0].Message.Content)
	if intent == "" {
		return truncateIntent(prompt), nil
	}
	return intent, nil
}

// truncateIntent clips the prompt to one short line.
func truncateIntent(prompt string) string {
	if i := strings.IndexByte(prompt, '\n'); i >= 0 {
		prompt = prompt[:i]
	}
	const max = 80
	if len(prompt) > max {
		prompt = strings.TrimSpace(prompt[:max]) + "…"
	}
	return prompt
}
