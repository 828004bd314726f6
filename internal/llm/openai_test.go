package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewOpenAITranslator(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		client := NewOpenAITranslator(OpenAIConfig{
			APIKey: "test-key",
		})

		if client.model != "gpt-4o-mini" {
			t.Errorf("model = %q, want %q", client.model, "gpt-4o-mini")
		}
		if client.systemPrompt != TranslationSystemPrompt {
			t.Error("systemPrompt should default to TranslationSystemPrompt")
		}
		if client.endpoint != openaiAPIURL {
			t.Errorf("endpoint = %q, want %q", client.endpoint, openaiAPIURL)
		}
	})

	t.Run("custom model", func(t *testing.T) {
		client := NewOpenAITranslator(OpenAIConfig{
			APIKey: "test-key",
			Model:  "gpt-4o",
		})

		if client.model != "gpt-4o" {
			t.Errorf("model = %q, want %q", client.model, "gpt-4o")
		}
	})
}

func TestTranslatorInterface(t *testing.T) {
	var _ Translator = (*OpenAITranslator)(nil)
}

func TestTranslationUserPrompt(t *testing.T) {
	got := translationUserPrompt(Request{SourceLang: "en", TargetLang: "de", Text: "good morning"})
	for _, want := range []string{"from en", "to de", "good morning"} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt %q should contain %q", got, want)
		}
	}
}

func sseServer(t *testing.T, chunks []string, done bool) *httptest.Server {
	t.Helper()
	return sseServerWithUsage(t, chunks, done, "")
}

func sseServerWithUsage(t *testing.T, chunks []string, done bool, usage string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Stream {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", c)
		}
		if usage != "" {
			if req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
				t.Errorf("request should ask for usage")
			}
			fmt.Fprintf(w, "data: {\"choices\":[],\"usage\":%s}\n\n", usage)
		}
		if done {
			fmt.Fprint(w, "data: [DONE]\n\n")
		}
	}))
}

func collect(t *testing.T, ch <-chan Delta) []Delta {
	t.Helper()
	var out []Delta
	timeout := time.After(5 * time.Second)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, d)
		case <-timeout:
			t.Fatal("timed out reading deltas")
		}
	}
}

func TestTranslateStreamsCumulativeText(t *testing.T) {
	srv := sseServer(t, []string{"Guten", " Morgen"}, true)
	defer srv.Close()

	client := NewOpenAITranslator(OpenAIConfig{APIKey: "test-key", Endpoint: srv.URL})
	ch, err := client.Translate(context.Background(), Request{SegmentID: "seg-1", TargetLang: "de", Text: "Good morning"})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}

	deltas := collect(t, ch)
	if len(deltas) != 3 {
		t.Fatalf("got %d deltas, want 3: %+v", len(deltas), deltas)
	}
	if deltas[0].Text != "Guten" || deltas[1].Text != "Guten Morgen" {
		t.Errorf("partials = %q, %q", deltas[0].Text, deltas[1].Text)
	}
	last := deltas[2]
	if !last.Done || last.Text != "Guten Morgen" || last.Err != nil {
		t.Errorf("last delta = %+v, want done 'Guten Morgen'", last)
	}
}

func TestTranslateReportsUsage(t *testing.T) {
	srv := sseServerWithUsage(t, []string{"Hola"}, true, `{"prompt_tokens":42,"completion_tokens":3,"total_tokens":45}`)
	defer srv.Close()

	client := NewOpenAITranslator(OpenAIConfig{APIKey: "test-key", Endpoint: srv.URL})
	ch, err := client.Translate(context.Background(), Request{TargetLang: "es", Text: "Hello"})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}

	deltas := collect(t, ch)
	last := deltas[len(deltas)-1]
	if !last.Done || last.Usage == nil {
		t.Fatalf("last delta = %+v, want done with usage", last)
	}
	if last.Usage.InputTokens != 42 || last.Usage.OutputTokens != 3 {
		t.Errorf("Usage = %+v, want 42/3", *last.Usage)
	}
	if deltas[0].Usage != nil {
		t.Error("partial deltas should not carry usage")
	}
}

func TestTranslateTruncatedStream(t *testing.T) {
	srv := sseServer(t, []string{"Bonjour"}, false)
	defer srv.Close()

	client := NewOpenAITranslator(OpenAIConfig{APIKey: "test-key", Endpoint: srv.URL})
	ch, err := client.Translate(context.Background(), Request{TargetLang: "fr", Text: "Hello"})
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}

	deltas := collect(t, ch)
	if len(deltas) != 2 {
		t.Fatalf("got %d deltas, want 2", len(deltas))
	}
	if deltas[1].Err == nil {
		t.Error("stream without [DONE] should end with an error delta")
	}
}

func TestTranslateAPIError(t *testing.T) {
	srv := sseServer(t, nil, true)
	defer srv.Close()

	client := NewOpenAITranslator(OpenAIConfig{APIKey: "wrong", Endpoint: srv.URL})
	if _, err := client.Translate(context.Background(), Request{TargetLang: "de", Text: "x"}); err == nil {
		t.Error("Translate() should fail on non-200 status")
	}
}

func TestTranslateRequiresTarget(t *testing.T) {
	client := NewOpenAITranslator(OpenAIConfig{APIKey: "test-key"})
	if _, err := client.Translate(context.Background(), Request{Text: "x"}); err == nil {
		t.Error("Translate() without a target language should fail")
	}
}
