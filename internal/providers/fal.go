package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/digkill/creditcanvas/internal/capability"
)

type FalConfig struct {
	APIKey  string
	BaseURL string
	HTTP    HTTPOptions
}

// Fal calls fal.run's synchronous endpoints, which take explicit pixel sizes
// and answer with image URLs (or data URIs in sync mode).
type Fal struct {
	apiKey  string
	baseURL string
	http    *transport
	log     *slog.Logger
}

func NewFal(cfg FalConfig, log *slog.Logger) *Fal {
	return &Fal{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    newTransport(capability.ProviderFal, cfg.HTTP),
		log:     log,
	}
}

func (c *Fal) Provider() capability.Provider { return capability.ProviderFal }

func (c *Fal) NeedsSourceURL() bool { return false }

type falResponse struct {
	Images []struct {
		URL         string `json:"url"`
		ContentType string `json:"content_type"`
		Width       int    `json:"width"`
		Height      int    `json:"height"`
	} `json:"images"`
	Seed            int64  `json:"seed"`
	HasNSFWConcepts []bool `json:"has_nsfw_concepts"`
}

func (c *Fal) Generate(ctx context.Context, in GenerateInput) (*Result, error) {
	payload := c.basePayload(in)
	return c.run(ctx, in.Capability.NativeModel, payload)
}

func (c *Fal) Edit(ctx context.Context, in EditInput) (*Result, error) {
	if !in.Capability.Editable() {
		return nil, unsupportedEdit(c.Provider(), in.Capability)
	}
	source := in.Source.URL
	if source == "" {
		if len(in.Source.Data) == 0 {
			return nil, &Error{Provider: c.Provider(), Kind: KindRejectedInput, Message: "source image is required"}
		}
		source = dataURI(in.Source.Data, in.Source.MimeType)
	}
	payload := c.basePayload(in.GenerateInput)
	payload["image_url"] = source
	if in.Strength > 0 {
		payload["strength"] = in.Strength
	}
	return c.run(ctx, in.Capability.EditModel, payload)
}

func (c *Fal) basePayload(in GenerateInput) map[string]any {
	payload := make(map[string]any, len(in.Capability.Defaults)+3)
	for k, v := range in.Capability.Defaults {
		payload[k] = v
	}
	payload["prompt"] = in.Prompt
	payload["num_images"] = 1
	payload["image_size"] = map[string]int{
		"width":  in.Target.Dimensions.Width,
		"height": in.Target.Dimensions.Height,
	}
	return payload
}

func (c *Fal) run(ctx context.Context, model string, payload map[string]any) (*Result, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, badResponse(c.Provider(), "marshal payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+strings.TrimLeft(model, "/"), bytes.NewReader(body))
	if err != nil {
		return nil, badResponse(c.Provider(), "new request", err)
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.send(req)
	if err != nil {
		return nil, err
	}
	if resp.status >= 300 {
		if c.log != nil {
			c.log.Error("fal request failed", "status", resp.status, "model", model, "body", truncateBody(resp.body))
		}
		return nil, c.http.statusError(resp, "")
	}

	var parsed falResponse
	if err := json.Unmarshal(resp.body, &parsed); err != nil {
		return nil, badResponse(c.Provider(), "decode response", err)
	}
	if len(parsed.Images) == 0 || parsed.Images[0].URL == "" {
		return nil, badResponse(c.Provider(), "no images in response", nil)
	}
	if len(parsed.HasNSFWConcepts) > 0 && parsed.HasNSFWConcepts[0] {
		return nil, &Error{
			Provider:   c.Provider(),
			Kind:       KindRejectedInput,
			Message:    "output flagged by safety checker",
			Diagnostic: map[string]any{"model": model, "seed": parsed.Seed},
		}
	}

	img := parsed.Images[0]
	data, contentType, err := c.http.fetchImage(ctx, img.URL)
	if err != nil {
		return nil, err
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = img.ContentType
	}
	diag := map[string]any{"model": model, "seed": parsed.Seed}
	if !strings.HasPrefix(img.URL, "data:") {
		diag["result_url"] = img.URL
	}
	return newResult(data, contentType, diag), nil
}
