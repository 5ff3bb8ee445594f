// Package capability holds the static catalogue of invocable image models.
package capability

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrNotFound         = errors.New("model not found")
	ErrInactive         = errors.New("model is no longer available")
	ErrUnsupportedRatio = errors.New("aspect ratio not supported by model")
)

type Provider string

const (
	ProviderKIE    Provider = "kie"
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderFal    Provider = "fal"
)

// Convention says how a provider expects output dimensions.
type Convention string

const (
	// ConventionAspectRatio passes the ratio string through verbatim.
	ConventionAspectRatio Convention = "aspect-ratio-native"
	// ConventionDimensions needs explicit pixel width/height.
	ConventionDimensions Convention = "explicit-dimensions"
)

const DefaultRatio = "1:1"

type Dimensions struct {
	Width  int
	Height int
}

// SizeClass renders the dimensions the way size-enumerating APIs expect them.
func (d Dimensions) SizeClass() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// Capability describes one invocable model variant. Values are immutable
// once the registry is built.
type Capability struct {
	ID          string
	Provider    Provider
	NativeModel string
	// EditModel is the provider-native model used for edits; empty when the
	// capability cannot edit.
	EditModel  string
	Credits    int
	Tier       string
	Ratios     []string
	Convention Convention
	// Sizes maps ratios to pixel sizes for ConventionDimensions capabilities.
	Sizes    map[string]Dimensions
	Defaults map[string]any
	Active   bool
}

// Editable reports whether the capability supports edit requests.
func (c Capability) Editable() bool {
	return c.EditModel != ""
}

// Target is what an adapter needs to express the requested ratio.
type Target struct {
	Ratio      string
	Convention Convention
	Dimensions Dimensions
}

// Registry is a read-only lookup table keyed by model id.
type Registry struct {
	byID  map[string]Capability
	order []string
}

// NewRegistry builds a registry from caps. Duplicate ids and capabilities
// with non-positive cost are rejected.
func NewRegistry(caps []Capability) (*Registry, error) {
	r := &Registry{byID: make(map[string]Capability, len(caps))}
	for _, c := range caps {
		if c.ID == "" {
			return nil, fmt.Errorf("capability without id")
		}
		if _, dup := r.byID[c.ID]; dup {
			return nil, fmt.Errorf("duplicate capability %q", c.ID)
		}
		if c.Credits <= 0 {
			return nil, fmt.Errorf("capability %q: credits must be positive", c.ID)
		}
		if c.Convention == ConventionDimensions {
			if _, ok := c.Sizes[DefaultRatio]; !ok {
				return nil, fmt.Errorf("capability %q: missing %s size", c.ID, DefaultRatio)
			}
		}
		r.byID[c.ID] = c
		r.order = append(r.order, c.ID)
	}
	return r, nil
}

// Resolve returns the capability for id. Inactive capabilities resolve so
// historical artifacts can still be displayed.
func (r *Registry) Resolve(id string) (Capability, error) {
	c, ok := r.byID[id]
	if !ok {
		return Capability{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// ResolveForDispatch resolves id and applies the checks a new request must
// pass: the model is active and supports ratio.
func (r *Registry) ResolveForDispatch(id, ratio string) (Capability, error) {
	c, err := r.Resolve(id)
	if err != nil {
		return Capability{}, err
	}
	if !c.Active {
		return Capability{}, fmt.Errorf("%w: %s", ErrInactive, id)
	}
	if !IsRatioSupported(c, ratio) {
		return Capability{}, fmt.Errorf("%w: %s does not support %q", ErrUnsupportedRatio, id, ratio)
	}
	return c, nil
}

// List returns every capability in registration order.
func (r *Registry) List() []Capability {
	out := make([]Capability, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Providers returns the distinct providers referenced by the registry.
func (r *Registry) Providers() []Provider {
	seen := make(map[Provider]struct{})
	var out []Provider
	for _, c := range r.byID {
		if _, ok := seen[c.Provider]; ok {
			continue
		}
		seen[c.Provider] = struct{}{}
		out = append(out, c.Provider)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func IsRatioSupported(c Capability, ratio string) bool {
	for _, r := range c.Ratios {
		if r == ratio {
			return true
		}
	}
	return false
}

// DimensionsFor translates ratio into the capability's convention. Ratios
// missing from a dimension table fall back to the 1:1 entry.
func DimensionsFor(c Capability, ratio string) Target {
	if c.Convention != ConventionDimensions {
		return Target{Ratio: ratio, Convention: ConventionAspectRatio}
	}
	d, ok := c.Sizes[ratio]
	if !ok {
		d = c.Sizes[DefaultRatio]
	}
	return Target{Ratio: ratio, Convention: ConventionDimensions, Dimensions: d}
}
