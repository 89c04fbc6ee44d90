// Package provider holds the worker's three external generator clients
// (§4.4). Each is a minimal REST client modeled only by its input/output
// contract — the inference back-ends themselves are out of scope (§1).
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// TextClient calls an OpenAI-compatible chat-completion endpoint.
type TextClient struct {
	APIKey  string
	BaseURL string // e.g. https://api.openai.com/v1
	HTTP    *http.Client
}

func NewTextClient(apiKey string) *TextClient {
	return &TextClient{APIKey: apiKey, BaseURL: "https://api.openai.com/v1", HTTP: &http.Client{}}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete calls the chat-completion endpoint and returns the first
// choice's content (§4.4).
func (c *TextClient) Complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	reqBody := chatCompletionRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("provider: marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("provider: build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider: chat completion call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("provider: chat completion status %d: %s", resp.StatusCode, b)
	}

	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("provider: decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("provider: chat completion returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}
