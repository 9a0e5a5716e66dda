// Package openai implements the chat provider against any OpenAI-compatible
// chat completions endpoint. The default deployment points it at NVIDIA's
// hosted models (https://integrate.api.nvidia.com/v1) serving Llama 3.1.
//
// Replies are spoken by the voice assistant, so the provider returns the first
// choice with surrounding whitespace removed and reports a reply cut short by
// the token limit as truncated.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/voicepay/pkg/provider/llm"
)

// NVIDIABaseURL is the OpenAI-compatible endpoint of NVIDIA's hosted models.
const NVIDIABaseURL = "https://integrate.api.nvidia.com/v1"

// ErrNoChoices is returned when the endpoint answers without any choice.
var ErrNoChoices = errors.New("openai: response has no choices")

// Sampling holds the values used when a request leaves them at zero.
type Sampling struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Provider sends chat requests to one model of an OpenAI-compatible endpoint.
type Provider struct {
	client   oai.Client
	model    string
	defaults Sampling
}

type settings struct {
	reqOpts  []option.RequestOption
	defaults Sampling
}

// Option configures a [Provider].
type Option func(*settings)

// WithBaseURL points the client at another OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.reqOpts = append(s.reqOpts, option.WithBaseURL(url)) }
}

// WithOrganization sends the OpenAI-Organization header on every request.
func WithOrganization(org string) Option {
	return func(s *settings) { s.reqOpts = append(s.reqOpts, option.WithOrganization(org)) }
}

// WithTimeout bounds every HTTP round trip.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.reqOpts = append(s.reqOpts, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// WithSampling sets the sampling values used for requests that leave them
// unset.
func WithSampling(d Sampling) Option {
	return func(s *settings) { s.defaults = d }
}

// New returns a provider for model authenticated with apiKey.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: api key is required")
	case model == "":
		return nil, errors.New("openai: model is required")
	}

	s := settings{
		// One retry: the fallback chain handles persistent outages.
		reqOpts: []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(1)},
	}
	for _, opt := range opts {
		opt(&s)
	}
	return &Provider{
		client:   oai.NewClient(s.reqOpts...),
		model:    model,
		defaults: s.defaults,
	}, nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: %s: %w", p.model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	choice := resp.Choices[0]
	return &llm.CompletionResponse{
		Content:   strings.TrimSpace(choice.Message.Content),
		Truncated: choice.FinishReason == "length",
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	msgs, err := messages(req)
	if err != nil {
		return oai.ChatCompletionNewParams{}, err
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: msgs,
	}
	if t := or(req.Temperature, p.defaults.Temperature); t != 0 {
		params.Temperature = param.NewOpt(t)
	}
	if tp := or(req.TopP, p.defaults.TopP); tp != 0 {
		params.TopP = param.NewOpt(tp)
	}
	if n := or(req.MaxTokens, p.defaults.MaxTokens); n > 0 {
		// max_tokens rather than max_completion_tokens: hosted Llama
		// endpoints ignore the newer field.
		params.MaxTokens = param.NewOpt(int64(n))
	}
	return params, nil
}

// messages flattens the system prompt and the history into SDK messages.
func messages(req llm.CompletionRequest) ([]oai.ChatCompletionMessageParamUnion, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: request has no messages")
	}
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, oai.SystemMessage(req.SystemPrompt))
	}
	for i, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, oai.SystemMessage(m.Content))
		case llm.RoleUser:
			out = append(out, oai.UserMessage(m.Content))
		case llm.RoleAssistant:
			out = append(out, oai.AssistantMessage(m.Content))
		default:
			return nil, fmt.Errorf("openai: message %d: unknown role %q", i, m.Role)
		}
	}
	return out, nil
}

func or[T float64 | int](v, fallback T) T {
	if v != 0 {
		return v
	}
	return fallback
}

var _ llm.Provider = (*Provider)(nil)
