package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/digkill/creditcanvas/internal/capability"
)

// maxImageBytes bounds downloads so a misbehaving backend cannot exhaust memory.
const maxImageBytes = 64 << 20

// HTTPOptions tunes the transport shared by adapters.
type HTTPOptions struct {
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
}

func (o HTTPOptions) withDefaults() HTTPOptions {
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Minute
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 200 * time.Millisecond
	}
	return o
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// transport issues provider requests. Idempotent reads go through a retry
// executor; job submissions never do, so a paid job is not submitted twice.
type transport struct {
	provider capability.Provider
	client   *http.Client
	retry    failsafe.Executor[*http.Response]
}

func newTransport(p capability.Provider, opts HTTPOptions) *transport {
	opts = opts.withDefaults()
	maxDelay := opts.RetryBaseDelay * 20
	policy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(shouldRetry).
		WithBackoff(opts.RetryBaseDelay, maxDelay).
		WithMaxRetries(opts.MaxRetries).
		WithJitterFactor(0.1).
		Build()
	return &transport{
		provider: p,
		client:   &http.Client{Timeout: opts.Timeout},
		retry:    failsafe.With[*http.Response](policy),
	}
}

func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	if resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// send performs req once.
func (t *transport) send(req *http.Request) (*response, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, t.transportError(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, t.transportError(fmt.Errorf("read response body: %w", err))
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

// sendIdempotent performs a request built by build, retrying transient failures.
func (t *transport) sendIdempotent(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (*response, error) {
	resp, err := t.retry.WithContext(ctx).Get(func() (*http.Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := t.client.Do(req)
		if err != nil {
			return nil, err
		}
		// Buffer the body so every attempt's connection is released and the
		// final response stays readable whatever the policy returns.
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
		resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return resp, nil
	})
	if err != nil {
		return nil, t.transportError(err)
	}
	body, _ := io.ReadAll(resp.Body)
	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

func (t *transport) transportError(err error) *Error {
	return &Error{Provider: t.provider, Kind: KindUnavailable, Message: "request failed", Err: err}
}

func (t *transport) statusError(resp *response, msg string) *Error {
	if msg == "" {
		msg = truncateBody(resp.body)
	}
	return &Error{
		Provider:   t.provider,
		Kind:       kindForStatus(resp.status),
		Status:     resp.status,
		Message:    msg,
		Diagnostic: map[string]any{"body": truncateBody(resp.body)},
	}
}

// fetchImage loads the bytes behind a result locator, which may be an
// http(s) URL or a data URI.
func (t *transport) fetchImage(ctx context.Context, locator string) ([]byte, string, error) {
	if strings.HasPrefix(locator, "data:") {
		data, contentType, err := decodeDataURI(locator)
		if err != nil {
			return nil, "", badResponse(t.provider, "invalid data uri", err)
		}
		return data, contentType, nil
	}
	resp, err := t.sendIdempotent(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	})
	if err != nil {
		return nil, "", err
	}
	if resp.status >= 300 {
		e := t.statusError(resp, "download result")
		// The job already succeeded; failing to fetch its output is not the caller's fault.
		if e.Kind == KindRejectedInput {
			e.Kind = KindBadResponse
		}
		return nil, "", e
	}
	if len(resp.body) == 0 {
		return nil, "", badResponse(t.provider, "empty result body", nil)
	}
	return resp.body, resp.header.Get("Content-Type"), nil
}

func decodeDataURI(uri string) ([]byte, string, error) {
	rest := strings.TrimPrefix(uri, "data:")
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", errors.New("missing payload separator")
	}
	contentType := strings.TrimSuffix(meta, ";base64")
	if !strings.HasSuffix(meta, ";base64") {
		return []byte(payload), contentType, nil
	}
	data, err := decodeBase64(payload)
	if err != nil {
		return nil, "", err
	}
	return data, contentType, nil
}

func decodeBase64(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err == nil {
		return decoded, nil
	}
	decoded, err = base64.URLEncoding.DecodeString(payload)
	if err == nil {
		return decoded, nil
	}
	return base64.RawStdEncoding.DecodeString(payload)
}

func dataURI(data []byte, mimeType string) string {
	if mimeType == "" {
		mimeType = "image/png"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
