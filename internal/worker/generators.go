package worker

import (
	"context"
	"fmt"
	"net/http"

	"genmarket/internal/eventtypes"
	"genmarket/internal/worker/provider"
)

// TextGenerator wires provider.TextClient into the Generator interface,
// uploading completions to /submit-text/{id} (§4.4).
type TextGenerator struct {
	Client          *provider.TextClient
	OrchestratorURL string
	HTTPClient      *http.Client
}

func (g *TextGenerator) Generate(ctx context.Context, requestID uint64, def eventtypes.TaskDefinition, payload eventtypes.TaskPayload) error {
	content, err := g.Client.Complete(ctx, def.Model, payload.SystemPrompt, payload.UserPrompt)
	if err != nil {
		return fmt.Errorf("worker: text generation failed for request %d: %w", requestID, err)
	}
	return UploadText(ctx, g.HTTPClient, g.OrchestratorURL, requestID, content)
}

// ImageGenerator wires provider.ImageClient into the Generator interface,
// uploading the resulting image to /submit-image/{id} as multipart form data
// (§4.4).
type ImageGenerator struct {
	Client          *provider.ImageClient
	OrchestratorURL string
	HTTPClient      *http.Client
}

func (g *ImageGenerator) Generate(ctx context.Context, requestID uint64, def eventtypes.TaskDefinition, payload eventtypes.TaskPayload) error {
	data, err := g.Client.Generate(ctx, def.Model, payload)
	if err != nil {
		return fmt.Errorf("worker: image generation failed for request %d: %w", requestID, err)
	}
	filename := fmt.Sprintf("%d.jpeg", requestID)
	return UploadFile(ctx, g.HTTPClient, g.OrchestratorURL, "submit-image", requestID, filename, data)
}

// VoiceGenerator wires provider.VoiceClient into the Generator interface,
// uploading the resulting audio to /submit-voice/{id} (§4.4).
type VoiceGenerator struct {
	Client          *provider.VoiceClient
	OrchestratorURL string
	HTTPClient      *http.Client
	CachePath       func(requestID uint64) string // optional, may be nil
}

func (g *VoiceGenerator) Generate(ctx context.Context, requestID uint64, def eventtypes.TaskDefinition, payload eventtypes.TaskPayload) error {
	var cachePath string
	if g.CachePath != nil {
		cachePath = g.CachePath(requestID)
	}
	data, err := g.Client.Synthesize(ctx, def.Model, payload.Prompt, payload.Voice, cachePath)
	if err != nil {
		return fmt.Errorf("worker: voice synthesis failed for request %d: %w", requestID, err)
	}
	filename := fmt.Sprintf("%d.mp3", requestID)
	return UploadFile(ctx, g.HTTPClient, g.OrchestratorURL, "submit-voice", requestID, filename, data)
}
