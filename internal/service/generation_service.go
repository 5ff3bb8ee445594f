package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/creditcanvas/internal/capability"
	"github.com/digkill/creditcanvas/internal/imageformat"
	"github.com/digkill/creditcanvas/internal/metrics"
	"github.com/digkill/creditcanvas/internal/models"
	"github.com/digkill/creditcanvas/internal/providers"
)

// Balances is the slice of the ledger the dispatcher uses.
type Balances interface {
	Balance(ctx context.Context, userID string) (int, error)
	Debit(ctx context.Context, userID string, amount int) (int, error)
}

type ArtifactStore interface {
	Create(ctx context.Context, a *models.Artifact) error
	GetByID(ctx context.Context, id string) (*models.Artifact, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]models.Artifact, error)
	Delete(ctx context.Context, id string) error
}

// ObjectStore is the byte storage behind artifacts.
type ObjectStore interface {
	NewKey(sub, extension string) string
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

const sourcesPrefix = "sources"

type GenerationRequest struct {
	UserID      string
	Prompt      string
	ModelID     string
	AspectRatio string
	Tags        []string
}

type EditRequest struct {
	GenerationRequest
	Source           []byte
	Strength         float64
	SourceArtifactID string
}

type GenerationResult struct {
	ArtifactID       string           `json:"artifactId"`
	ArtifactURL      string           `json:"artifactLocator"`
	RemainingBalance int              `json:"remainingBalance"`
	Cost             int              `json:"cost"`
	Artifact         *models.Artifact `json:"artifact"`
}

// GenerationService dispatches one request end to end: resolve, check
// balance, invoke, normalize, persist, debit. A user is charged only once
// an artifact record exists.
type GenerationService struct {
	log       *slog.Logger
	registry  *capability.Registry
	adapters  map[capability.Provider]providers.Adapter
	ledger    Balances
	artifacts ArtifactStore
	objects   ObjectStore
	metrics   *metrics.Metrics
	newID     func() string
	now       func() time.Time
}

func NewGenerationService(log *slog.Logger, registry *capability.Registry, adapters []providers.Adapter, ledger Balances, artifacts ArtifactStore, objects ObjectStore, m *metrics.Metrics) *GenerationService {
	byProvider := make(map[capability.Provider]providers.Adapter, len(adapters))
	for _, a := range adapters {
		byProvider[a.Provider()] = a
	}
	return &GenerationService{
		log:       log,
		registry:  registry,
		adapters:  byProvider,
		ledger:    ledger,
		artifacts: artifacts,
		objects:   objects,
		metrics:   m,
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

// Models lists every capability, including inactive ones, for display.
func (s *GenerationService) Models() []capability.Capability {
	return s.registry.List()
}

// Configured reports whether an adapter is registered for p.
func (s *GenerationService) Configured(p capability.Provider) bool {
	_, ok := s.adapters[p]
	return ok
}

func (s *GenerationService) Generate(ctx context.Context, req GenerationRequest) (*GenerationResult, error) {
	return s.dispatch(ctx, "generate", req, nil)
}

func (s *GenerationService) Edit(ctx context.Context, req EditRequest) (*GenerationResult, error) {
	return s.dispatch(ctx, "edit", req.GenerationRequest, &req)
}

type plan struct {
	capability capability.Capability
	target     capability.Target
	adapter    providers.Adapter
	source     *providers.SourceImage
}

func (s *GenerationService) dispatch(ctx context.Context, op string, req GenerationRequest, edit *EditRequest) (*GenerationResult, error) {
	res, err := s.run(ctx, req, edit)
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	s.metrics.Dispatch(op, req.ModelID, outcome)
	return res, err
}

func (s *GenerationService) run(ctx context.Context, req GenerationRequest, edit *EditRequest) (*GenerationResult, error) {
	p, err := s.validate(ctx, req, edit)
	if err != nil {
		return nil, err
	}
	cost := p.capability.Credits

	balance, err := s.ledger.Balance(ctx, req.UserID)
	if err != nil {
		return nil, storageError("read balance", err)
	}
	if balance < cost {
		return nil, &Error{
			Kind:    KindInsufficientCredits,
			Message: "balance does not cover the model cost",
			Cost:    cost,
			Balance: &balance,
			Err:     ErrCreditsRequired,
		}
	}

	if edit != nil && p.adapter.NeedsSourceURL() {
		key, err := s.stageSource(ctx, p.source)
		if err != nil {
			s.log.Error("stage source image", "user_id", req.UserID, "model", req.ModelID, "err", err)
			return nil, &Error{Kind: KindStorage, Message: "stage source image", Cost: cost, Balance: &balance, Err: err}
		}
		defer s.unstageSource(ctx, key)
	}

	result, err := s.invoke(ctx, req, edit, p)
	if err != nil {
		e := upstreamError(err)
		e.Cost, e.Balance = cost, &balance
		s.log.Error("provider call failed", "user_id", req.UserID, "model", req.ModelID, "kind", e.Kind, "err", err)
		return nil, e
	}

	format := imageformat.Resolve(result.Data, result.MimeType)
	key := s.objects.NewKey("", format.Extension)
	locator, err := s.objects.Put(ctx, key, result.Data, format.MimeType)
	if err != nil {
		s.log.Error("store artifact bytes", "user_id", req.UserID, "model", req.ModelID, "err", err)
		return nil, &Error{Kind: KindStorage, Message: "store artifact", Cost: cost, Balance: &balance, Err: err}
	}

	artifact := &models.Artifact{
		ID:          s.newID(),
		UserID:      req.UserID,
		Prompt:      req.Prompt,
		ModelID:     p.capability.ID,
		StorageKey:  key,
		URL:         locator,
		MimeType:    format.MimeType,
		AspectRatio: p.target.Ratio,
		Tags:        req.Tags,
		Credits:     cost,
		CreatedAt:   s.now().UTC(),
	}
	if edit != nil {
		artifact.SourceArtifactID = edit.SourceArtifactID
	}
	if err := s.artifacts.Create(ctx, artifact); err != nil {
		if delErr := s.objects.Delete(ctx, key); delErr != nil {
			s.log.Warn("remove orphaned artifact object", "key", key, "err", delErr)
		}
		s.log.Error("persist artifact record", "user_id", req.UserID, "model", req.ModelID, "err", err)
		return nil, &Error{Kind: KindStorage, Message: "persist artifact", Cost: cost, Balance: &balance, Err: err}
	}

	remaining, err := s.ledger.Debit(ctx, req.UserID, cost)
	if err != nil {
		// The artifact exists but was not charged. This is the one tolerated
		// inconsistency; it is left for the audit job, never retried here.
		s.log.Error("debit after persist failed, audit required",
			"user_id", req.UserID, "artifact_id", artifact.ID, "credits", cost, "err", err)
		remaining = balance - cost
	}

	s.log.Info("artifact created", "user_id", req.UserID, "artifact_id", artifact.ID, "model", p.capability.ID, "credits", cost, "balance", remaining)
	return &GenerationResult{
		ArtifactID:       artifact.ID,
		ArtifactURL:      locator,
		RemainingBalance: remaining,
		Cost:             cost,
		Artifact:         artifact,
	}, nil
}

// validate performs every check that must pass before any side effect.
func (s *GenerationService) validate(ctx context.Context, req GenerationRequest, edit *EditRequest) (*plan, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, validationError("user is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, validationError("prompt cannot be empty")
	}
	ratio := strings.TrimSpace(req.AspectRatio)
	if ratio == "" {
		ratio = capability.DefaultRatio
	}

	c, err := s.registry.ResolveForDispatch(req.ModelID, ratio)
	if err != nil {
		switch {
		case errors.Is(err, capability.ErrNotFound):
			return nil, &Error{Kind: KindValidation, Message: "unknown model", Err: err}
		case errors.Is(err, capability.ErrInactive):
			return nil, &Error{Kind: KindValidation, Message: "model is no longer available", Err: err}
		case errors.Is(err, capability.ErrUnsupportedRatio):
			return nil, &Error{Kind: KindValidation, Message: "unsupported aspect ratio", Err: err}
		default:
			return nil, &Error{Kind: KindValidation, Err: err}
		}
	}
	adapter, ok := s.adapters[c.Provider]
	if !ok {
		return nil, validationError("provider %s not configured", c.Provider)
	}

	p := &plan{capability: c, target: capability.DimensionsFor(c, ratio), adapter: adapter}
	if edit == nil {
		return p, nil
	}

	if !c.Editable() {
		return nil, validationError("model %s does not support edits", c.ID)
	}
	if edit.Strength < 0 || edit.Strength > 1 {
		return nil, validationError("strength must be between 0 and 1")
	}
	if len(edit.Source) == 0 {
		return nil, validationError("source image is required")
	}
	format := imageformat.Detect(edit.Source)
	if format.IsUnknown() {
		return nil, validationError("source image format not recognised")
	}
	if edit.SourceArtifactID != "" {
		src, err := s.artifacts.GetByID(ctx, edit.SourceArtifactID)
		if err != nil {
			return nil, storageError("load source artifact", err)
		}
		if src == nil || src.UserID != req.UserID {
			return nil, notFound("source artifact %s not found", edit.SourceArtifactID)
		}
	}
	p.source = &providers.SourceImage{Data: edit.Source, MimeType: format.MimeType}
	return p, nil
}

func (s *GenerationService) invoke(ctx context.Context, req GenerationRequest, edit *EditRequest, p *plan) (*providers.Result, error) {
	in := providers.GenerateInput{Prompt: req.Prompt, Capability: p.capability, Target: p.target}

	started := s.now()
	var (
		result *providers.Result
		err    error
	)
	if edit != nil {
		result, err = p.adapter.Edit(ctx, providers.EditInput{GenerateInput: in, Source: *p.source, Strength: edit.Strength})
	} else {
		result, err = p.adapter.Generate(ctx, in)
	}
	s.metrics.ProviderCall(string(p.capability.Provider), p.capability.ID, s.now().Sub(started))
	if err != nil {
		return nil, err
	}
	if len(result.Data) == 0 {
		return nil, &providers.Error{Provider: p.capability.Provider, Kind: providers.KindBadResponse, Message: "empty image"}
	}
	return result, nil
}

// stageSource uploads the edit source so adapters that fetch by URL can read
// it, and records the public URL on src.
func (s *GenerationService) stageSource(ctx context.Context, src *providers.SourceImage) (string, error) {
	format := imageformat.Detect(src.Data)
	key := s.objects.NewKey(sourcesPrefix, format.Extension)
	url, err := s.objects.Put(ctx, key, src.Data, format.MimeType)
	if err != nil {
		return "", err
	}
	src.URL = url
	return key, nil
}

// unstageSource removes a staged source once the provider call is over. It
// runs even when the request context is done.
func (s *GenerationService) unstageSource(ctx context.Context, key string) {
	if err := s.objects.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.log.Warn("remove staged source", "key", key, "err", err)
	}
}
