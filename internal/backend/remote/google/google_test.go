package google

import (
	"context"
	"testing"

	"google.golang.org/genai"

	"github.com/goosewin/promptmatrix/internal/backend/remote"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(context.Background(), remote.ProviderOptions{}); err == nil {
		t.Fatalf("expected error without API key")
	}
}

func TestToChunk(t *testing.T) {
	response := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: "hello"}}},
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     3,
			CandidatesTokenCount: 1,
		},
	}

	chunk := toChunk(response)
	if chunk.Content != "hello" {
		t.Fatalf("expected hello, got %q", chunk.Content)
	}
	if chunk.Usage == nil || chunk.Usage.CompletionTokens != 1 || chunk.Usage.PromptTokens != 3 {
		t.Fatalf("unexpected usage: %+v", chunk.Usage)
	}

	if empty := toChunk(nil); empty.Content != "" || empty.Usage != nil {
		t.Fatalf("expected empty chunk for nil response, got %+v", empty)
	}
}
