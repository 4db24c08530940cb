package services_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Oscar-999/hero-chat/internal/models"
	"github.com/Oscar-999/hero-chat/internal/services"
)

var testMessages = []models.Message{
	{Role: models.RoleSystem, Content: "You are JARVIS."},
	{Role: models.RoleUser, Content: "Who is Thor?"},
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func float32Ptr(f float32) *float32 {
	return &f
}

func collect(seq iter.Seq2[string, error]) ([]string, error) {
	var chunks []string
	for chunk, err := range seq {
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func TestOpenAIChat(t *testing.T) {
	var gotReq struct {
		Model       string  `json:"model"`
		Temperature float32 `json:"temperature"`
		Stream      bool    `json:"stream"`
		Messages    []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range []string{"", "The god", " of thunder."} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	o := services.NewOpenAI("key", srv.URL, "llama3-8b-8192",
		services.LLMParameters{Temperature: float32Ptr(0.5)}, testLogger())

	chunks, err := collect(o.Chat(context.Background(), testMessages))
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got := strings.Join(chunks, ""); got != "The god of thunder." {
		t.Errorf("Chat() text = %q, want %q", got, "The god of thunder.")
	}
	if len(chunks) != 2 {
		t.Errorf("Chat() yielded %d chunks, want 2 (empty deltas skipped)", len(chunks))
	}

	if gotReq.Model != "llama3-8b-8192" {
		t.Errorf("request model = %q", gotReq.Model)
	}
	if gotReq.Temperature != 0.5 {
		t.Errorf("request temperature = %v, want 0.5", gotReq.Temperature)
	}
	if !gotReq.Stream {
		t.Error("request should be streaming")
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" || gotReq.Messages[1].Content != "Who is Thor?" {
		t.Errorf("request messages = %+v", gotReq.Messages)
	}
}

func TestOpenAIChatError(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name: "Unauthorized",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				fmt.Fprint(w, `{"error":{"message":"Invalid API Key","type":"invalid_request_error"}}`)
			},
			want: "",
		},
		{
			name: "Malformed chunk after text",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/event-stream")
				fmt.Fprint(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hi\"}}]}\n\n")
				fmt.Fprint(w, "data: {not json\n\n")
			},
			want: "Hi",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			o := services.NewOpenAI("key", srv.URL, "model", services.LLMParameters{}, testLogger())
			chunks, err := collect(o.Chat(context.Background(), testMessages))
			if err == nil {
				t.Fatal("Chat() should fail")
			}
			if got := strings.Join(chunks, ""); got != tt.want {
				t.Errorf("Chat() text before error = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOllamaChat(t *testing.T) {
	var gotReq struct {
		Model    string         `json:"model"`
		Options  map[string]any `json:"options"`
		Messages []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, c := range []string{"Hi", " there"} {
			fmt.Fprintf(w, "{\"model\":\"llama3\",\"message\":{\"role\":\"assistant\",\"content\":%q},\"done\":false}\n", c)
		}
		fmt.Fprint(w, "{\"model\":\"llama3\",\"message\":{\"role\":\"assistant\",\"content\":\"\"},\"done\":true}\n")
	}))
	defer srv.Close()

	o, err := services.NewOllama(srv.URL, "llama3", services.LLMParameters{Temperature: float32Ptr(0.5)}, testLogger())
	if err != nil {
		t.Fatalf("NewOllama() error = %v", err)
	}

	chunks, err := collect(o.Chat(context.Background(), testMessages))
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got := strings.Join(chunks, ""); got != "Hi there" {
		t.Errorf("Chat() text = %q, want %q", got, "Hi there")
	}
	if gotReq.Model != "llama3" {
		t.Errorf("request model = %q", gotReq.Model)
	}
	if gotReq.Options["temperature"] != 0.5 {
		t.Errorf("request temperature = %v, want 0.5", gotReq.Options["temperature"])
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[0].Role != "system" {
		t.Errorf("request messages = %+v", gotReq.Messages)
	}
}

func TestOllamaChatStopEarly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		for _, c := range []string{"one", "two", "three"} {
			fmt.Fprintf(w, "{\"message\":{\"role\":\"assistant\",\"content\":%q},\"done\":false}\n", c)
		}
	}))
	defer srv.Close()

	o, err := services.NewOllama(srv.URL, "llama3", services.LLMParameters{}, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	var got []string
	for chunk, err := range o.Chat(context.Background(), testMessages) {
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		got = append(got, chunk)
		break
	}
	if len(got) != 1 || got[0] != "one" {
		t.Errorf("Chat() = %v, want [one]", got)
	}
}

func TestAnthropicChat(t *testing.T) {
	var gotReq struct {
		System      string   `json:"system"`
		MaxTokens   int      `json:"max_tokens"`
		Temperature *float32 `json:"temperature"`
		Messages    []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" || r.Header.Get("x-api-key") != "key" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		for _, c := range []string{"Hi", " there"} {
			fmt.Fprintf(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":%q}}\n\n", c)
		}
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	a := services.NewAnthropic("key", srv.URL, "claude", 1024,
		services.LLMParameters{Temperature: float32Ptr(0.5)}, testLogger())

	chunks, err := collect(a.Chat(context.Background(), testMessages))
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if got := strings.Join(chunks, ""); got != "Hi there" {
		t.Errorf("Chat() text = %q, want %q", got, "Hi there")
	}
	if gotReq.System != "You are JARVIS." {
		t.Errorf("request system = %q", gotReq.System)
	}
	if gotReq.MaxTokens != 1024 {
		t.Errorf("request max_tokens = %d", gotReq.MaxTokens)
	}
	if gotReq.Temperature == nil || *gotReq.Temperature != 0.5 {
		t.Errorf("request temperature = %v, want 0.5", gotReq.Temperature)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" {
		t.Errorf("request messages = %+v", gotReq.Messages)
	}
}

func TestAnthropicChatError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer srv.Close()

	a := services.NewAnthropic("bad", srv.URL, "claude", 1024, services.LLMParameters{}, testLogger())
	_, err := collect(a.Chat(context.Background(), testMessages))
	if err == nil {
		t.Fatal("Chat() should fail")
	}
	if !strings.Contains(err.Error(), "invalid x-api-key") {
		t.Errorf("Chat() error = %v, want upstream message", err)
	}
}

func TestAnthropicChatStreamError(t *testing.T) {
	var gotSystem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			System string `json:"system"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotSystem = req.System

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"Hi\"}}\n\n")
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer srv.Close()

	msgs := []models.Message{
		{Role: models.RoleSystem, Content: "You are JARVIS."},
		{Role: models.RoleSystem, Content: "Be brief."},
		{Role: models.RoleUser, Content: "Hello"},
	}
	a := services.NewAnthropic("key", srv.URL+"/", "claude", 1024, services.LLMParameters{}, testLogger())
	chunks, err := collect(a.Chat(context.Background(), msgs))

	if len(chunks) != 1 || chunks[0] != "Hi" {
		t.Errorf("Chat() chunks = %v, want [Hi] before the error", chunks)
	}
	if err == nil || !strings.Contains(err.Error(), "overloaded_error: Overloaded") {
		t.Errorf("Chat() error = %v, want the stream error", err)
	}
	if gotSystem != "You are JARVIS.\n\nBe brief." {
		t.Errorf("request system = %q", gotSystem)
	}
}
