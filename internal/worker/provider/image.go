package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"genmarket/internal/eventtypes"
)

// ImageClient calls a fal.ai-style text-to-image endpoint.
type ImageClient struct {
	APIKey  string
	BaseURL string
	HTTP    *http.Client
}

func NewImageClient(apiKey string) *ImageClient {
	return &ImageClient{APIKey: apiKey, BaseURL: "https://fal.run", HTTP: &http.Client{}}
}

// aspectToSize maps the payload's aspect ratio to the provider-specific size
// string (§4.4).
func aspectToSize(ratio eventtypes.AspectRatio) (string, error) {
	switch ratio {
	case eventtypes.AspectPortrait:
		return "portrait_4_3", nil
	case eventtypes.AspectLandscape:
		return "landscape_4_3", nil
	case eventtypes.AspectSquare:
		return "square", nil
	default:
		return "", fmt.Errorf("provider: unknown aspect ratio %q", ratio)
	}
}

type imageGenerationRequest struct {
	Model          string `json:"model"`
	PositivePrompt string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
	ImageSize      string `json:"image_size"`
	GuidanceScale  uint32 `json:"guidance_scale"`
	NumSteps       uint32 `json:"num_inference_steps"`
}

type imageGenerationResponse struct {
	Images []struct {
		URL string `json:"url"`
	} `json:"images"`
}

// Generate calls the image endpoint and downloads the first resulting image,
// returning its raw bytes (§4.4).
func (c *ImageClient) Generate(ctx context.Context, model string, payload eventtypes.TaskPayload) ([]byte, error) {
	size, err := aspectToSize(payload.AspectRatio)
	if err != nil {
		return nil, err
	}

	reqBody := imageGenerationRequest{
		Model:          model,
		PositivePrompt: payload.PositivePrompt,
		NegativePrompt: payload.NegativePrompt,
		ImageSize:      size,
		GuidanceScale:  payload.ConfigScale,
		NumSteps:       payload.NbSteps,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("provider: marshal image request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/"+model, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: build image request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Key "+c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: image generation call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("provider: image generation status %d: %s", resp.StatusCode, b)
	}

	var out imageGenerationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("provider: decode image response: %w", err)
	}
	if len(out.Images) == 0 {
		return nil, fmt.Errorf("provider: image generation returned no images")
	}
	return c.download(ctx, out.Images[0].URL)
}

func (c *ImageClient) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider: download image status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
