package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/digkill/creditcanvas/internal/capability"
	"github.com/digkill/creditcanvas/internal/imageformat"
)

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	HTTP    HTTPOptions
}

// OpenAI talks to the synchronous images API. Depending on model and
// response_format the image arrives as a URL or inline base64.
type OpenAI struct {
	apiKey  string
	baseURL string
	http    *transport
	log     *slog.Logger
}

func NewOpenAI(cfg OpenAIConfig, log *slog.Logger) *OpenAI {
	return &OpenAI{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    newTransport(capability.ProviderOpenAI, cfg.HTTP),
		log:     log,
	}
}

func (c *OpenAI) Provider() capability.Provider { return capability.ProviderOpenAI }

func (c *OpenAI) NeedsSourceURL() bool { return false }

type openAIImagesResponse struct {
	Data []struct {
		URL           string `json:"url"`
		B64JSON       string `json:"b64_json"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
	OutputFormat string `json:"output_format"`
	Error        *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (c *OpenAI) Generate(ctx context.Context, in GenerateInput) (*Result, error) {
	payload := make(map[string]any, len(in.Capability.Defaults)+4)
	for k, v := range in.Capability.Defaults {
		payload[k] = v
	}
	payload["model"] = in.Capability.NativeModel
	payload["prompt"] = in.Prompt
	payload["size"] = in.Target.Dimensions.SizeClass()
	payload["n"] = 1

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, badResponse(c.Provider(), "marshal payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/generations", bytes.NewReader(body))
	if err != nil {
		return nil, badResponse(c.Provider(), "new request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(ctx, req, in.Capability.NativeModel)
}

func (c *OpenAI) Edit(ctx context.Context, in EditInput) (*Result, error) {
	if !in.Capability.Editable() {
		return nil, unsupportedEdit(c.Provider(), in.Capability)
	}
	if len(in.Source.Data) == 0 {
		return nil, &Error{Provider: c.Provider(), Kind: KindRejectedInput, Message: "source image is required"}
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := map[string]string{
		"model":  in.Capability.EditModel,
		"prompt": in.Prompt,
		"size":   in.Target.Dimensions.SizeClass(),
		"n":      "1",
	}
	if q, ok := in.Capability.Defaults["quality"].(string); ok {
		fields["quality"] = q
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, badResponse(c.Provider(), "write form field", err)
		}
	}

	format := imageformat.Resolve(in.Source.Data, in.Source.MimeType)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename="source%s"`, format.Extension))
	header.Set("Content-Type", format.MimeType)
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, badResponse(c.Provider(), "create image part", err)
	}
	if _, err := part.Write(in.Source.Data); err != nil {
		return nil, badResponse(c.Provider(), "write image part", err)
	}
	if err := w.Close(); err != nil {
		return nil, badResponse(c.Provider(), "close multipart", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/images/edits", &buf)
	if err != nil {
		return nil, badResponse(c.Provider(), "new request", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(ctx, req, in.Capability.EditModel)
}

func (c *OpenAI) do(ctx context.Context, req *http.Request, model string) (*Result, error) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.send(req)
	if err != nil {
		return nil, err
	}

	var parsed openAIImagesResponse
	decodeErr := json.Unmarshal(resp.body, &parsed)

	if resp.status >= 300 {
		msg := ""
		if decodeErr == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		if c.log != nil {
			c.log.Error("openai images request failed", "status", resp.status, "model", model, "msg", msg)
		}
		return nil, c.http.statusError(resp, msg)
	}
	if decodeErr != nil {
		return nil, badResponse(c.Provider(), "decode images response", decodeErr)
	}
	if len(parsed.Data) == 0 {
		return nil, badResponse(c.Provider(), "no images in response", nil)
	}

	item := parsed.Data[0]
	diag := map[string]any{"model": model}
	if item.RevisedPrompt != "" {
		diag["revised_prompt"] = item.RevisedPrompt
	}

	var declared string
	if parsed.OutputFormat != "" {
		declared = "image/" + parsed.OutputFormat
	}

	switch {
	case item.B64JSON != "":
		data, err := decodeBase64(item.B64JSON)
		if err != nil {
			return nil, badResponse(c.Provider(), "decode b64_json", err)
		}
		return newResult(data, declared, diag), nil
	case item.URL != "":
		data, contentType, err := c.http.fetchImage(ctx, item.URL)
		if err != nil {
			return nil, err
		}
		diag["result_url"] = item.URL
		return newResult(data, contentType, diag), nil
	default:
		return nil, badResponse(c.Provider(), "image entry has neither url nor b64_json", nil)
	}
}
