package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const openaiAPIURL = "https://api.openai.com/v1/chat/completions"

// OpenAITranslator implements Translator using OpenAI's streaming chat API.
type OpenAITranslator struct {
	apiKey       string
	model        string
	systemPrompt string
	endpoint     string
	httpClient   *http.Client
}

// OpenAIConfig holds configuration for the OpenAI translator.
type OpenAIConfig struct {
	APIKey       string
	Model        string // e.g., "gpt-4o-mini"
	SystemPrompt string // Optional custom system prompt
	Endpoint     string // Optional, overrides the chat completions URL
}

// NewOpenAITranslator creates a new OpenAI translator.
func NewOpenAITranslator(cfg OpenAIConfig) *OpenAITranslator {
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = TranslationSystemPrompt
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = openaiAPIURL
	}
	return &OpenAITranslator{
		apiKey:       cfg.APIKey,
		model:        model,
		systemPrompt: systemPrompt,
		endpoint:     endpoint,
		httpClient:   &http.Client{},
	}
}

// chatRequest represents an OpenAI chat completion request.
type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	Temperature   float64        `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse represents one streamed chunk. Usage only arrives on the
// final chunk, which has no choices.
type chatResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Translate streams the translation of req.
func (c *OpenAITranslator) Translate(ctx context.Context, req Request) (<-chan Delta, error) {
	if strings.TrimSpace(req.TargetLang) == "" {
		return nil, errors.New("llm: target language is required")
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: c.systemPrompt},
			{Role: "user", Content: translationUserPrompt(req)},
		},
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
		Temperature:   0.2,
		MaxTokens:     400,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("OpenAI API error: %s - %s", resp.Status, string(respBody))
	}

	ch := make(chan Delta, 16)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		send := func(d Delta) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- d:
				return true
			}
		}

		var text strings.Builder
		var usage *Usage
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				send(Delta{Text: strings.TrimSpace(text.String()), Done: true, Usage: usage})
				return
			}

			var chunk chatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Usage != nil {
				usage = &Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
			}
			if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
				continue
			}
			text.WriteString(chunk.Choices[0].Delta.Content)
			if !send(Delta{Text: strings.TrimSpace(text.String())}) {
				return
			}
		}

		err := scanner.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		if ctx.Err() != nil {
			return
		}
		send(Delta{Err: fmt.Errorf("translation stream ended early: %w", err)})
	}()

	return ch, nil
}
