// Package assistant answers free-form questions on the chat screen.
//
// Replies are single-turn and short enough to be spoken in full. Banking
// actions never go through here; the assistant only explains and redirects.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/voicepay/internal/observe"
	"github.com/MrWong99/voicepay/pkg/provider/llm"
)

// SystemPrompt instructs the model to behave as the bank's voice assistant.
const SystemPrompt = "You are a helpful, secure, and friendly banking voice assistant named 'Voice Pay Assistant'. " +
	"Your goal is to help users with banking tasks like transfers, bill payments, and balance checks. " +
	"Keep your responses concise (under 2 sentences) as they will be spoken out loud via Text-to-Speech. " +
	"If the user asks about something you cannot do, politely guide them to available features."

// FallbackReply is returned when the model answers with no text.
const FallbackReply = "I am not sure how to respond."

// Sampling parameters for every completion.
const (
	temperature = 0.2
	topP        = 0.7
	maxTokens   = 1024
)

// ErrEmptyMessage is returned by Reply for a blank message.
var ErrEmptyMessage = errors.New("assistant: message is empty")

// Option configures an Assistant.
type Option func(*Assistant)

// WithSystemPrompt replaces SystemPrompt.
func WithSystemPrompt(prompt string) Option {
	return func(a *Assistant) {
		if prompt != "" {
			a.prompt = prompt
		}
	}
}

// WithMetrics records reply latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Assistant) { a.metrics = m }
}

// WithTimeout bounds each reply. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(a *Assistant) { a.timeout = d }
}

// Assistant produces chat replies through an llm.Provider, typically a
// resilience.LLMFallback.
type Assistant struct {
	llm     llm.Provider
	prompt  string
	timeout time.Duration
	metrics *observe.Metrics
}

// New returns an Assistant backed by provider.
func New(provider llm.Provider, opts ...Option) *Assistant {
	a := &Assistant{
		llm:     provider,
		prompt:  SystemPrompt,
		timeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Reply returns the assistant's answer to message. Any provider failure is
// returned as an error; callers turn it into their own offline line.
func (a *Assistant) Reply(ctx context.Context, message string) (reply string, err error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", ErrEmptyMessage
	}
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	ctx, span := observe.StartSpan(ctx, "assistant.reply")
	start := time.Now()
	defer func() {
		status := observe.StatusOK
		if err != nil {
			status = observe.StatusError
		}
		if a.metrics != nil {
			a.metrics.RecordChat(ctx, time.Since(start), status)
		}
		observe.EndSpan(span, err)
	}()

	resp, err := a.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: a.prompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: message}},
		Temperature:  temperature,
		TopP:         topP,
		MaxTokens:    maxTokens,
	})
	if err != nil {
		observe.Logger(ctx).Warn("assistant: completion failed", "err", err)
		return "", fmt.Errorf("assistant: reply: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return FallbackReply, nil
	}
	if resp.Truncated {
		observe.Logger(ctx).Debug("assistant: reply hit the token limit", "max_tokens", maxTokens)
	}
	return strings.TrimSpace(resp.Content), nil
}
