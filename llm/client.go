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
	"time"
)

// SystemMessage is sent ahead of every prompt.
const SystemMessage = "You are a helpful teaching assistant."

// GenerationError reports a failed call to the chat completions API.
// Status is zero when the request never produced an HTTP response.
type GenerationError struct {
	Status int
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("llm: generation failed with status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("llm: generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ChatClient wraps the HTTP calls to an OpenAI compatible chat completions API.
type ChatClient struct {
	httpClient *http.Client
	settings   Settings
}

// NewChatClient builds a client for already resolved settings.
func NewChatClient(settings Settings) (*ChatClient, error) {
	if err := settings.validate(); err != nil {
		return nil, err
	}
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	settings.BaseURL = strings.TrimRight(settings.BaseURL, "/")
	return &ChatClient{
		httpClient: &http.Client{Timeout: timeout},
		settings:   settings,
	}, nil
}

// Settings returns the configuration the client was built with.
func (c *ChatClient) Settings() Settings {
	return c.settings
}

// ChatMessage represents a single turn in a chat conversation payload.
type ChatMessage struct {
	Role    string
	Content string
}

type chatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string                  `json:"model"`
	Stream      bool                    `json:"stream"`
	Temperature float64                 `json:"temperature"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
	Messages    []chatCompletionMessage `json:"messages"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatCompletionMessage `json:"message"`
	} `json:"choices"`
	Usage *chatCompletionUsage `json:"usage"`
}

// ChatStreamDelta is one increment of a streamed completion.
type ChatStreamDelta struct {
	Content      string
	FullContent  string
	FinishReason string
	Done         bool
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *chatCompletionUsage `json:"usage"`
}

// ChatUsage captures token usage metrics returned by the provider.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResult represents the content and usage information for a chat completion.
type ChatResult struct {
	Content string
	Usage   *ChatUsage
}

// Complete sends prompt behind the fixed system message.
func (c *ChatClient) Complete(ctx context.Context, prompt string) (ChatResult, error) {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return ChatResult{}, errors.New("llm: prompt cannot be empty")
	}
	return c.Chat(ctx, promptMessages(trimmed))
}

// CompleteStream is Complete with streaming enabled.
func (c *ChatClient) CompleteStream(ctx context.Context, prompt string, handler func(ChatStreamDelta) error) (ChatResult, error) {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return ChatResult{}, errors.New("llm: prompt cannot be empty")
	}
	return c.ChatStream(ctx, promptMessages(trimmed), handler)
}

func promptMessages(prompt string) []ChatMessage {
	return []ChatMessage{
		{Role: "system", Content: SystemMessage},
		{Role: "user", Content: prompt},
	}
}

// Chat sends the provided conversational messages to the LLM and returns the first assistant reply with usage metrics.
func (c *ChatClient) Chat(ctx context.Context, messages []ChatMessage) (ChatResult, error) {
	resp, err := c.send(ctx, messages, false)
	if err != nil {
		return ChatResult{}, err
	}
	defer resp.Body.Close()
	return decodeCompletion(resp.Body)
}

// ChatStream sends the provided messages with streaming enabled and invokes handler for each delta.
// Providers that ignore the stream flag and answer with plain JSON are handled as a single delta.
func (c *ChatClient) ChatStream(ctx context.Context, messages []ChatMessage, handler func(ChatStreamDelta) error) (ChatResult, error) {
	resp, err := c.send(ctx, messages, true)
	if err != nil {
		return ChatResult{}, err
	}
	defer resp.Body.Close()

	flushDelta := func(delta ChatStreamDelta) error {
		if handler == nil {
			return nil
		}
		return handler(delta)
	}

	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	if strings.Contains(contentType, "application/json") {
		result, err := decodeCompletion(resp.Body)
		if err != nil {
			return ChatResult{}, err
		}
		if result.Content != "" {
			if err := flushDelta(ChatStreamDelta{Content: result.Content, FullContent: result.Content}); err != nil {
				return ChatResult{}, err
			}
		}
		if err := flushDelta(ChatStreamDelta{FullContent: result.Content, Done: true}); err != nil {
			return ChatResult{}, err
		}
		return result, nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var builder strings.Builder
	var usage *chatCompletionUsage

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		for _, choice := range chunk.Choices {
			deltaText := choice.Delta.Content
			if deltaText == "" {
				continue
			}
			builder.WriteString(deltaText)
			if err := flushDelta(ChatStreamDelta{
				Content:      deltaText,
				FullContent:  builder.String(),
				FinishReason: choice.FinishReason,
			}); err != nil {
				return ChatResult{}, err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return ChatResult{}, &GenerationError{Err: fmt.Errorf("read stream: %w", err)}
	}

	if err := flushDelta(ChatStreamDelta{FullContent: builder.String(), Done: true}); err != nil {
		return ChatResult{}, err
	}

	return ChatResult{
		Content: builder.String(),
		Usage:   convertUsage(usage),
	}, nil
}

func (c *ChatClient) send(ctx context.Context, messages []ChatMessage, stream bool) (*http.Response, error) {
	if c == nil {
		return nil, errors.New("llm: client is nil")
	}
	if len(messages) == 0 {
		return nil, errors.New("llm: messages cannot be empty")
	}

	payload := chatCompletionRequest{
		Model:       c.settings.Model,
		Stream:      stream,
		Temperature: c.settings.Temperature,
		MaxTokens:   c.settings.MaxTokens,
		Messages:    make([]chatCompletionMessage, 0, len(messages)),
	}
	for _, msg := range messages {
		role := strings.TrimSpace(msg.Role)
		if role == "" {
			role = "user"
		}
		content := strings.TrimSpace(msg.Content)
		if content == "" {
			continue
		}
		payload.Messages = append(payload.Messages, chatCompletionMessage{Role: role, Content: content})
	}
	if len(payload.Messages) == 0 {
		return nil, errors.New("llm: messages contain no content")
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("llm: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.settings.BaseURL+"/chat/completions", body)
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.settings.APIKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &GenerationError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, &GenerationError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(snippet))),
		}
	}
	return resp, nil
}

func decodeCompletion(r io.Reader) (ChatResult, error) {
	var decoded chatCompletionResponse
	if err := json.NewDecoder(r).Decode(&decoded); err != nil {
		return ChatResult{}, &GenerationError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(decoded.Choices) == 0 {
		return ChatResult{}, &GenerationError{Err: errors.New("response contains no choices")}
	}
	return ChatResult{
		Content: strings.TrimSpace(decoded.Choices[0].Message.Content),
		Usage:   convertUsage(decoded.Usage),
	}, nil
}

func convertUsage(raw *chatCompletionUsage) *ChatUsage {
	if raw == nil {
		return nil
	}
	return &ChatUsage{
		PromptTokens:     raw.PromptTokens,
		CompletionTokens: raw.CompletionTokens,
		TotalTokens:      raw.TotalTokens,
	}
}
