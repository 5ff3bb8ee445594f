// Package providers adapts third-party image backends to one generate/edit
// contract.
package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/digkill/creditcanvas/internal/capability"
	"github.com/digkill/creditcanvas/internal/imageformat"
)

// Kind classifies an upstream failure.
type Kind string

const (
	KindAuth          Kind = "upstream-auth-error"
	KindRejectedInput Kind = "upstream-rejected-input"
	KindUnavailable   Kind = "upstream-unavailable"
	KindBadResponse   Kind = "upstream-bad-response"
)

// Error is the only error type adapters return.
type Error struct {
	Provider capability.Provider
	Kind     Kind
	Status   int
	Message  string
	// Diagnostic carries whatever the provider said alongside the failure.
	Diagnostic map[string]any
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the upstream kind from err.
func KindOf(err error) (Kind, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind, true
	}
	return "", false
}

// SourceImage is the input picture for an edit. URL is set by the caller
// when the adapter reports NeedsSourceURL.
type SourceImage struct {
	Data     []byte
	MimeType string
	URL      string
}

type GenerateInput struct {
	Prompt     string
	Capability capability.Capability
	Target     capability.Target
}

type EditInput struct {
	GenerateInput
	Source   SourceImage
	Strength float64
}

// Result is one generated image. MimeType and Extension come from byte
// inspection, not from what the backend declared.
type Result struct {
	Data       []byte
	MimeType   string
	Extension  string
	Diagnostic map[string]any
}

// Adapter is implemented once per backend.
type Adapter interface {
	Provider() capability.Provider
	Generate(ctx context.Context, in GenerateInput) (*Result, error)
	Edit(ctx context.Context, in EditInput) (*Result, error)
	// NeedsSourceURL reports whether Edit expects SourceImage.URL to be a
	// publicly reachable location rather than inline bytes.
	NeedsSourceURL() bool
}

func newResult(data []byte, declared string, diag map[string]any) *Result {
	f := imageformat.Resolve(data, declared)
	if diag == nil {
		diag = map[string]any{}
	}
	if declared != "" && declared != f.MimeType {
		diag["declared_content_type"] = declared
	}
	return &Result{
		Data:       data,
		MimeType:   f.MimeType,
		Extension:  f.Extension,
		Diagnostic: diag,
	}
}

// kindForStatus maps an HTTP status from a provider onto a failure kind.
func kindForStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 408 || status == 429 || status >= 500:
		return KindUnavailable
	case status >= 400:
		return KindRejectedInput
	default:
		return KindBadResponse
	}
}

func badResponse(p capability.Provider, msg string, err error) *Error {
	return &Error{Provider: p, Kind: KindBadResponse, Message: msg, Err: err}
}

func unsupportedEdit(p capability.Provider, c capability.Capability) *Error {
	return &Error{Provider: p, Kind: KindRejectedInput, Message: fmt.Sprintf("model %s does not support edits", c.ID)}
}
