package assistant

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voicepay/internal/resilience"
	"github.com/MrWong99/voicepay/pkg/provider/llm"
	llmmock "github.com/MrWong99/voicepay/pkg/provider/llm/mock"
)

func TestReply_SendsRequest(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "  You can say send money to Ravi. "}}
	a := New(p)

	got, err := a.Reply(context.Background(), "how do I send money?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "You can say send money to Ravi." {
		t.Errorf("reply = %q", got)
	}

	req := p.LastRequest()
	if req.SystemPrompt != SystemPrompt {
		t.Errorf("system prompt = %q", req.SystemPrompt)
	}
	if req.Temperature != 0.2 || req.TopP != 0.7 || req.MaxTokens != 1024 {
		t.Errorf("sampling = %v / %v / %d", req.Temperature, req.TopP, req.MaxTokens)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser || req.Messages[0].Content != "how do I send money?" {
		t.Errorf("messages = %+v", req.Messages)
	}
}

func TestReply_EmptyCompletion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp *llm.CompletionResponse
	}{
		{"nil response", nil},
		{"blank content", &llm.CompletionResponse{Content: "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := New(&llmmock.Provider{CompleteResponse: tt.resp})
			got, err := a.Reply(context.Background(), "hi")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != FallbackReply {
				t.Errorf("reply = %q, want %q", got, FallbackReply)
			}
		})
	}
}

func TestReply_EmptyMessage(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{}
	a := New(p)
	if _, err := a.Reply(context.Background(), "  "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
	if p.CallCount() != 0 {
		t.Error("provider called for an empty message")
	}
}

func TestReply_ProviderError(t *testing.T) {
	t.Parallel()

	boom := errors.New("upstream 503")
	a := New(&llmmock.Provider{CompleteErr: boom})
	if _, err := a.Reply(context.Background(), "hello"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestReply_FallsBackToSecondary(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errors.New("nvidia down")}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Say check balance."}}
	fb := resilience.NewLLMFallback(primary, "nvidia", resilience.FallbackConfig{})
	fb.AddFallback("ollama", secondary)

	a := New(fb, WithSystemPrompt("be brief"))
	got, err := a.Reply(context.Background(), "what can you do")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Say check balance." {
		t.Errorf("reply = %q", got)
	}
	if secondary.LastRequest().SystemPrompt != "be brief" {
		t.Errorf("system prompt = %q", secondary.LastRequest().SystemPrompt)
	}
}
