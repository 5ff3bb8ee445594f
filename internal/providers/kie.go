package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/digkill/creditcanvas/internal/capability"
)

// KIEConfig configures the kie.ai job API adapter.
type KIEConfig struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	MaxAttempts  int
	HTTP         HTTPOptions
}

// KIE drives kie.ai's asynchronous job API: a task is created and then
// polled until it reaches a terminal state.
type KIE struct {
	apiKey       string
	baseURL      string
	pollInterval time.Duration
	maxAttempts  int
	http         *transport
	log          *slog.Logger
}

func NewKIE(cfg KIEConfig, log *slog.Logger) *KIE {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 90
	}
	return &KIE{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		pollInterval: cfg.PollInterval,
		maxAttempts:  cfg.MaxAttempts,
		http:         newTransport(capability.ProviderKIE, cfg.HTTP),
		log:          log,
	}
}

func (c *KIE) Provider() capability.Provider { return capability.ProviderKIE }

func (c *KIE) NeedsSourceURL() bool { return true }

func (c *KIE) Generate(ctx context.Context, in GenerateInput) (*Result, error) {
	input := c.baseInput(in)
	return c.run(ctx, in.Capability.NativeModel, input)
}

func (c *KIE) Edit(ctx context.Context, in EditInput) (*Result, error) {
	if !in.Capability.Editable() {
		return nil, unsupportedEdit(c.Provider(), in.Capability)
	}
	if in.Source.URL == "" {
		return nil, &Error{Provider: c.Provider(), Kind: KindRejectedInput, Message: "source image url is required"}
	}
	input := c.baseInput(in.GenerateInput)
	input[sourceField(in.Capability.EditModel)] = []string{in.Source.URL}
	if in.Strength > 0 {
		input["strength"] = in.Strength
	}
	return c.run(ctx, in.Capability.EditModel, input)
}

func (c *KIE) baseInput(in GenerateInput) map[string]any {
	input := make(map[string]any, len(in.Capability.Defaults)+2)
	for k, v := range in.Capability.Defaults {
		input[k] = v
	}
	input["prompt"] = in.Prompt
	input["aspect_ratio"] = in.Target.Ratio
	return input
}

// sourceField names the input key each model family reads reference images from.
func sourceField(model string) string {
	if strings.HasPrefix(model, "nano-banana") {
		return "image_input"
	}
	return "input_urls"
}

func (c *KIE) run(ctx context.Context, model string, input map[string]any) (*Result, error) {
	taskID, err := c.createTask(ctx, map[string]any{"model": model, "input": input})
	if err != nil {
		return nil, err
	}
	resultURL, err := c.pollTaskStatus(ctx, taskID)
	if err != nil {
		return nil, err
	}
	data, contentType, err := c.http.fetchImage(ctx, resultURL)
	if err != nil {
		return nil, err
	}
	return newResult(data, contentType, map[string]any{
		"task_id":    taskID,
		"result_url": resultURL,
		"model":      model,
	}), nil
}

type kieEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *KIE) endpoint(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *KIE) createTask(ctx context.Context, payload map[string]any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", badResponse(c.Provider(), "marshal payload", err)
	}
	fullURL := c.endpoint("/api/v1/jobs/createTask", nil)

	if c.log != nil {
		c.log.Info("creating KIE task", "url", fullURL, "model", payload["model"])
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(body))
	if err != nil {
		return "", badResponse(c.Provider(), "new request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.send(req)
	if err != nil {
		return "", err
	}
	if resp.status >= 300 {
		if c.log != nil {
			c.log.Error("KIE create task failed", "status", resp.status, "body", truncateBody(resp.body))
		}
		return "", c.http.statusError(resp, "")
	}

	var env kieEnvelope
	if err := json.Unmarshal(resp.body, &env); err != nil {
		return "", badResponse(c.Provider(), "decode create task response", err)
	}
	if env.Code != http.StatusOK {
		return "", c.codeError(env)
	}
	var data struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.TaskID == "" {
		return "", badResponse(c.Provider(), "empty taskId in response", err)
	}

	if c.log != nil {
		c.log.Info("KIE task created", "task_id", data.TaskID)
	}
	return data.TaskID, nil
}

// codeError maps kie's envelope codes, which mirror HTTP semantics, onto kinds.
func (c *KIE) codeError(env kieEnvelope) *Error {
	kind := kindForStatus(env.Code)
	switch env.Code {
	case 402:
		// Our account at kie is out of funds; nothing the user can fix.
		kind = KindUnavailable
	case 455, 501:
		kind = KindUnavailable
	}
	return &Error{
		Provider:   c.Provider(),
		Kind:       kind,
		Status:     env.Code,
		Message:    env.Msg,
		Diagnostic: map[string]any{"code": env.Code, "msg": env.Msg},
	}
}

type kieRecord struct {
	TaskID     string `json:"taskId"`
	State      string `json:"state"`
	ResultJSON string `json:"resultJson"`
	FailCode   string `json:"failCode"`
	FailMsg    string `json:"failMsg"`
}

// pollTaskStatus waits until the task reaches a terminal state and returns
// the first result URL.
func (c *KIE) pollTaskStatus(ctx context.Context, taskID string) (string, error) {
	fullURL := c.endpoint("/api/v1/jobs/recordInfo", url.Values{"taskId": {taskID}})

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		resp, err := c.http.sendIdempotent(ctx, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
			req.Header.Set("Accept", "application/json")
			return req, nil
		})
		if err != nil {
			return "", err
		}
		if resp.status >= 300 {
			if c.log != nil {
				c.log.Error("KIE poll task status failed", "status", resp.status, "task_id", taskID, "body", truncateBody(resp.body))
			}
			return "", c.http.statusError(resp, "")
		}

		var env kieEnvelope
		if err := json.Unmarshal(resp.body, &env); err != nil {
			return "", badResponse(c.Provider(), "decode status response", err)
		}
		if env.Code != http.StatusOK {
			return "", c.codeError(env)
		}
		var record kieRecord
		if err := json.Unmarshal(env.Data, &record); err != nil {
			return "", badResponse(c.Provider(), "decode task record", err)
		}

		switch record.State {
		case "success":
			return c.resultURL(taskID, record)

		case "fail":
			failMsg := record.FailMsg
			if failMsg == "" {
				failMsg = "unknown error"
			}
			if c.log != nil {
				c.log.Error("KIE task failed", "task_id", taskID, "fail_code", record.FailCode, "fail_msg", failMsg)
			}
			kind := KindUnavailable
			if strings.HasPrefix(record.FailCode, "4") {
				kind = KindRejectedInput
			}
			return "", &Error{
				Provider: c.Provider(),
				Kind:     kind,
				Message:  fmt.Sprintf("task failed: %s (code: %s)", failMsg, record.FailCode),
				Diagnostic: map[string]any{
					"task_id":   taskID,
					"fail_code": record.FailCode,
					"fail_msg":  record.FailMsg,
				},
			}

		case "waiting", "generating", "processing", "queued", "queueing":
			if c.log != nil && attempt%10 == 0 {
				c.log.Info("KIE task waiting", "task_id", taskID, "attempt", attempt+1, "max_attempts", c.maxAttempts)
			}
			if attempt < c.maxAttempts-1 {
				select {
				case <-ctx.Done():
					return "", c.http.transportError(ctx.Err())
				case <-time.After(c.pollInterval):
				}
			}

		default:
			return "", badResponse(c.Provider(), fmt.Sprintf("unknown task state: %s", record.State), nil)
		}
	}

	return "", &Error{
		Provider:   c.Provider(),
		Kind:       KindUnavailable,
		Message:    fmt.Sprintf("task timeout after %d attempts", c.maxAttempts),
		Diagnostic: map[string]any{"task_id": taskID},
	}
}

func (c *KIE) resultURL(taskID string, record kieRecord) (string, error) {
	if record.ResultJSON == "" {
		return "", badResponse(c.Provider(), "empty resultJson in success response", nil)
	}
	var result struct {
		ResultURLs []string `json:"resultUrls"`
	}
	if err := json.Unmarshal([]byte(record.ResultJSON), &result); err != nil {
		return "", badResponse(c.Provider(), "parse resultJson", err)
	}
	if len(result.ResultURLs) == 0 {
		return "", badResponse(c.Provider(), "no resultUrls in result", nil)
	}
	if c.log != nil {
		c.log.Info("KIE task completed", "task_id", taskID)
	}
	return result.ResultURLs[0], nil
}
