package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/tonerag/pkg/provider/llm"
	"github.com/MrWong99/tonerag/pkg/types"
)

func TestConvertMessage(t *testing.T) {
	sys, err := convertMessage(types.Message{Role: "system", Content: "You rewrite text."})
	if err != nil || sys.OfSystem == nil {
		t.Fatalf("system: OfSystem not set (err=%v)", err)
	}
	usr, err := convertMessage(types.Message{Role: "user", Content: "hi"})
	if err != nil || usr.OfUser == nil {
		t.Fatalf("user: OfUser not set (err=%v)", err)
	}
	asst, err := convertMessage(types.Message{Role: "assistant", Content: "hello"})
	if err != nil || asst.OfAssistant == nil {
		t.Fatalf("assistant: OfAssistant not set (err=%v)", err)
	}
	if _, err := convertMessage(types.Message{Role: "tool", Content: "x"}); err == nil {
		t.Fatal("expected error for unsupported role")
	}
}

func TestBuildParams_AdapterReplacesModel(t *testing.T) {
	p := &Provider{model: "meta-llama/Llama-3.1-8B-Instruct"}
	params, err := p.buildParams(llm.CompletionRequest{
		Messages:  []types.Message{{Role: "user", Content: "hi"}},
		Adapter:   "formal-lora",
		MaxTokens: 128,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if string(params.Model) != "formal-lora" {
		t.Errorf("model = %q, want formal-lora", params.Model)
	}
	if !params.MaxCompletionTokens.Valid() || params.MaxCompletionTokens.Value != 128 {
		t.Errorf("max tokens not propagated: %+v", params.MaxCompletionTokens)
	}

	params, _ = p.buildParams(llm.CompletionRequest{Messages: []types.Message{{Role: "user", Content: "hi"}}})
	if string(params.Model) != p.model {
		t.Errorf("model without adapter = %q, want %q", params.Model, p.model)
	}
}

func TestBuildParams_NoMessages(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	if _, err := p.buildParams(llm.CompletionRequest{}); err == nil {
		t.Fatal("expected error for empty request")
	}
}

func TestModelCapabilities(t *testing.T) {
	cases := []struct {
		model string
		ctx   int
	}{
		{"gpt-4o-mini", 128_000},
		{"gpt-4", 8_192},
		{"gpt-3.5-turbo", 16_385},
		{"some-local-model", 128_000},
	}
	for _, tc := range cases {
		caps := modelCapabilities(tc.model)
		if caps.ContextWindow != tc.ctx {
			t.Errorf("%s: ContextWindow = %d, want %d", tc.model, caps.ContextWindow, tc.ctx)
		}
		if !caps.SupportsAdapters {
			t.Errorf("%s: SupportsAdapters = false", tc.model)
		}
	}
}

func TestNew_ContextWindowOverride(t *testing.T) {
	p, err := New("sk-test", "llama-3-8b", WithContextWindow(8192))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Capabilities().ContextWindow; got != 8192 {
		t.Errorf("ContextWindow = %d, want 8192", got)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

func TestComplete_SendsAdapterAsModel(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":0,"model":"formal-lora",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Dear colleague,"}}],
			"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`))
	}))
	defer srv.Close()

	p, err := New("sk-test", "base-model", WithBaseURL(srv.URL), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hey"}},
		Adapter:  "formal-lora",
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if gotModel != "formal-lora" {
		t.Errorf("request model = %q, want formal-lora", gotModel)
	}
	if resp.Content != "Dear colleague," {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", resp.Usage.TotalTokens)
	}
}

func TestComplete_ServiceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"adapter not loaded","type":"server_error"}}`))
	}))
	defer srv.Close()

	p, _ := New("sk-test", "base-model", WithBaseURL(srv.URL), WithMaxRetries(0))
	_, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hey"}},
	})
	if !errors.Is(err, llm.ErrModelUnavailable) {
		t.Fatalf("err = %v, want ErrModelUnavailable", err)
	}
}
