package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/digkill/creditcanvas/internal/capability"
	"github.com/digkill/creditcanvas/internal/imageformat"
)

type GeminiConfig struct {
	APIKey  string
	BaseURL string
	HTTP    HTTPOptions
}

// Gemini calls the multimodal generateContent endpoint. The model can answer
// with text instead of an image; that is a failure, not an empty success.
type Gemini struct {
	apiKey  string
	baseURL string
	http    *transport
	log     *slog.Logger
}

func NewGemini(cfg GeminiConfig, log *slog.Logger) *Gemini {
	return &Gemini{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    newTransport(capability.ProviderGemini, cfg.HTTP),
		log:     log,
	}
}

func (c *Gemini) Provider() capability.Provider { return capability.ProviderGemini }

func (c *Gemini) NeedsSourceURL() bool { return false }

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig map[string]any  `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *Gemini) Generate(ctx context.Context, in GenerateInput) (*Result, error) {
	parts := []geminiPart{{Text: in.Prompt}}
	return c.generateContent(ctx, in.Capability.NativeModel, in.Target.Ratio, parts)
}

func (c *Gemini) Edit(ctx context.Context, in EditInput) (*Result, error) {
	if !in.Capability.Editable() {
		return nil, unsupportedEdit(c.Provider(), in.Capability)
	}
	if len(in.Source.Data) == 0 {
		return nil, &Error{Provider: c.Provider(), Kind: KindRejectedInput, Message: "source image is required"}
	}
	format := imageformat.Resolve(in.Source.Data, in.Source.MimeType)
	parts := []geminiPart{
		{InlineData: &geminiInlineData{MimeType: format.MimeType, Data: base64.StdEncoding.EncodeToString(in.Source.Data)}},
		{Text: in.Prompt},
	}
	return c.generateContent(ctx, in.Capability.EditModel, in.Target.Ratio, parts)
}

func (c *Gemini) generateContent(ctx context.Context, model, ratio string, parts []geminiPart) (*Result, error) {
	reqBody := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: map[string]any{
			"responseModalities": []string{"TEXT", "IMAGE"},
			"imageConfig":        map[string]any{"aspectRatio": ratio},
		},
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, badResponse(c.Provider(), "marshal payload", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, url.PathEscape(model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, badResponse(c.Provider(), "new request", err)
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.send(req)
	if err != nil {
		return nil, err
	}

	var parsed geminiResponse
	decodeErr := json.Unmarshal(resp.body, &parsed)

	if resp.status >= 300 {
		msg := ""
		if decodeErr == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		e := c.http.statusError(resp, msg)
		// Gemini reports a bad key as 400 INVALID_ARGUMENT.
		if strings.Contains(strings.ToLower(msg), "api key") {
			e.Kind = KindAuth
		}
		return nil, e
	}
	if decodeErr != nil {
		return nil, badResponse(c.Provider(), "decode generateContent response", decodeErr)
	}

	if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
		return nil, &Error{
			Provider:   c.Provider(),
			Kind:       KindRejectedInput,
			Message:    "prompt blocked: " + parsed.PromptFeedback.BlockReason,
			Diagnostic: map[string]any{"block_reason": parsed.PromptFeedback.BlockReason},
		}
	}

	var texts []string
	var image *geminiInlineData
	var finishReason string
	for _, cand := range parsed.Candidates {
		if finishReason == "" {
			finishReason = cand.FinishReason
		}
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				texts = append(texts, part.Text)
			}
			if image == nil && part.InlineData != nil && part.InlineData.Data != "" {
				image = part.InlineData
			}
		}
	}

	diag := map[string]any{"model": model}
	if len(texts) > 0 {
		diag["text"] = strings.Join(texts, "\n")
	}
	if finishReason != "" {
		diag["finish_reason"] = finishReason
	}

	if image == nil {
		if c.log != nil {
			c.log.Warn("gemini returned no image", "model", model, "finish_reason", finishReason)
		}
		msg := "response contained no image"
		if len(texts) > 0 {
			msg = "model answered with text instead of an image"
		}
		return nil, &Error{Provider: c.Provider(), Kind: KindBadResponse, Message: msg, Diagnostic: diag}
	}

	data, err := decodeBase64(image.Data)
	if err != nil {
		return nil, badResponse(c.Provider(), "decode inline image", err)
	}
	return newResult(data, image.MimeType, diag), nil
}
