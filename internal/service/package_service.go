package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/digkill/creditcanvas/internal/config"
	"github.com/digkill/creditcanvas/internal/models"
	"github.com/digkill/creditcanvas/internal/stripe"
)

type PackageStore interface {
	List(ctx context.Context, activeOnly bool) ([]models.CreditPackage, error)
	GetByID(ctx context.Context, id int64) (*models.CreditPackage, error)
	FindByStripePrice(ctx context.Context, priceID string) (*models.CreditPackage, error)
	Create(ctx context.Context, p *models.CreditPackage) (*models.CreditPackage, error)
	Update(ctx context.Context, p *models.CreditPackage) (*models.CreditPackage, error)
	Delete(ctx context.Context, id int64) error
}

// CheckoutCreator opens hosted checkout sessions.
// AccountRecorder keeps the account and its email on file. Repair looks the
// processor customer up by that email.
type AccountRecorder interface {
	EnsureAccount(ctx context.Context, userID, email string) (*models.Account, error)
}

type CheckoutCreator interface {
	CreateCheckoutSession(ctx context.Context, p stripe.CheckoutParams) (*stripe.CheckoutSession, error)
}

type PackageService struct {
	cfg      config.Config
	log      *slog.Logger
	repo     PackageStore
	accounts AccountRecorder
	checkout CheckoutCreator
}

type CreatePackageInput struct {
	Title           string             `json:"title"`
	Description     string             `json:"description"`
	Currency        string             `json:"currency"`
	PriceMinorUnits int                `json:"price_minor_units"`
	Credits         int                `json:"credits"`
	StripePriceID   string             `json:"stripe_price_id"`
	Mode            models.PackageMode `json:"mode"`
	IsActive        *bool              `json:"is_active"`
}

type UpdatePackageInput struct {
	Title           *string             `json:"title"`
	Description     *string             `json:"description"`
	Currency        *string             `json:"currency"`
	PriceMinorUnits *int                `json:"price_minor_units"`
	Credits         *int                `json:"credits"`
	StripePriceID   *string             `json:"stripe_price_id"`
	Mode            *models.PackageMode `json:"mode"`
	IsActive        *bool               `json:"is_active"`
}

func NewPackageService(cfg config.Config, log *slog.Logger, repo PackageStore, accounts AccountRecorder, checkout CheckoutCreator) *PackageService {
	return &PackageService{cfg: cfg, log: log, repo: repo, accounts: accounts, checkout: checkout}
}

// EnsureDefaultSubscriptionPackage creates the monthly subscription package
// for the configured price when none exists yet.
func (s *PackageService) EnsureDefaultSubscriptionPackage(ctx context.Context) error {
	priceID := s.cfg.StripeSubscriptionPriceID
	if priceID == "" {
		return nil
	}
	existing, err := s.repo.FindByStripePrice(ctx, priceID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	created, err := s.repo.Create(ctx, &models.CreditPackage{
		Title:           "Monthly subscription",
		Description:     fmt.Sprintf("%d credits every month", s.cfg.MonthlySubscriptionCredits),
		Currency:        s.cfg.PaymentCurrency,
		PriceMinorUnits: s.cfg.SubscriptionPriceMinor,
		Credits:         s.cfg.MonthlySubscriptionCredits,
		StripePriceID:   priceID,
		Mode:            models.PackageModeSubscription,
		IsActive:        true,
	})
	if err != nil {
		return fmt.Errorf("create default subscription package: %w", err)
	}
	s.log.Info("default subscription package created", "package_id", created.ID, "price_id", priceID)
	return nil
}

func (s *PackageService) List(ctx context.Context, activeOnly bool) ([]models.CreditPackage, error) {
	return s.repo.List(ctx, activeOnly)
}

func (s *PackageService) GetByID(ctx context.Context, id int64) (*models.CreditPackage, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *PackageService) Create(ctx context.Context, input CreatePackageInput) (*models.CreditPackage, error) {
	if strings.TrimSpace(input.Title) == "" {
		return nil, validationError("title is required")
	}
	if input.Currency == "" {
		input.Currency = s.cfg.PaymentCurrency
	}
	if input.Mode == "" {
		input.Mode = models.PackageModePayment
	}
	if input.PriceMinorUnits <= 0 {
		return nil, validationError("price must be positive")
	}
	if input.Credits <= 0 {
		return nil, validationError("credits must be positive")
	}
	isActive := true
	if input.IsActive != nil {
		isActive = *input.IsActive
	}
	pkg := models.CreditPackage{
		Title:           input.Title,
		Description:     input.Description,
		Currency:        strings.ToLower(input.Currency),
		PriceMinorUnits: input.PriceMinorUnits,
		Credits:         input.Credits,
		StripePriceID:   input.StripePriceID,
		Mode:            input.Mode,
		IsActive:        isActive,
	}
	if err := validateMode(&pkg); err != nil {
		return nil, err
	}
	return s.repo.Create(ctx, &pkg)
}

func (s *PackageService) Update(ctx context.Context, id int64, input UpdatePackageInput) (*models.CreditPackage, error) {
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, notFound("package %d not found", id)
	}
	if input.Title != nil {
		existing.Title = *input.Title
	}
	if input.Description != nil {
		existing.Description = *input.Description
	}
	if input.Currency != nil && *input.Currency != "" {
		existing.Currency = strings.ToLower(*input.Currency)
	}
	if input.PriceMinorUnits != nil && *input.PriceMinorUnits > 0 {
		existing.PriceMinorUnits = *input.PriceMinorUnits
	}
	if input.Credits != nil && *input.Credits > 0 {
		existing.Credits = *input.Credits
	}
	if input.StripePriceID != nil {
		existing.StripePriceID = *input.StripePriceID
	}
	if input.Mode != nil && *input.Mode != "" {
		existing.Mode = *input.Mode
	}
	if input.IsActive != nil {
		existing.IsActive = *input.IsActive
	}
	if err := validateMode(existing); err != nil {
		return nil, err
	}
	return s.repo.Update(ctx, existing)
}

func (s *PackageService) Delete(ctx context.Context, id int64) error {
	return s.repo.Delete(ctx, id)
}

func validateMode(p *models.CreditPackage) error {
	switch p.Mode {
	case models.PackageModePayment:
		return nil
	case models.PackageModeSubscription:
		if p.StripePriceID == "" {
			return validationError("subscription packages need a stripe price id")
		}
		return nil
	default:
		return validationError("unknown package mode %q", p.Mode)
	}
}

// Checkout opens a hosted checkout for packageID on behalf of the user.
func (s *PackageService) Checkout(ctx context.Context, userID, email string, packageID int64) (*stripe.CheckoutSession, error) {
	pkg, err := s.repo.GetByID(ctx, packageID)
	if err != nil {
		return nil, storageError("load package", err)
	}
	if pkg == nil || !pkg.IsActive {
		return nil, notFound("package %d not found", packageID)
	}
	if err := validateMode(pkg); err != nil {
		return nil, err
	}
	if _, err := s.accounts.EnsureAccount(ctx, userID, email); err != nil {
		return nil, storageError("record account", err)
	}

	sess, err := s.checkout.CreateCheckoutSession(ctx, stripe.CheckoutParams{
		UserID:      userID,
		Email:       email,
		PackageID:   pkg.ID,
		Title:       pkg.Title,
		Credits:     pkg.Credits,
		Mode:        string(pkg.Mode),
		PriceID:     pkg.StripePriceID,
		Currency:    pkg.Currency,
		AmountMinor: int64(pkg.PriceMinorUnits),
		SuccessURL:  s.cfg.CheckoutSuccessURL,
		CancelURL:   s.cfg.CheckoutCancelURL,
	})
	if err != nil {
		return nil, &Error{Kind: KindUpstreamUnavailable, Message: "create checkout session", Err: err}
	}
	return sess, nil
}
