package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/digkill/creditcanvas/internal/api"
	"github.com/digkill/creditcanvas/internal/auth"
	"github.com/digkill/creditcanvas/internal/capability"
	"github.com/digkill/creditcanvas/internal/config"
	"github.com/digkill/creditcanvas/internal/database"
	"github.com/digkill/creditcanvas/internal/metrics"
	"github.com/digkill/creditcanvas/internal/providers"
	"github.com/digkill/creditcanvas/internal/repository"
	"github.com/digkill/creditcanvas/internal/service"
	"github.com/digkill/creditcanvas/internal/storage"
	"github.com/digkill/creditcanvas/internal/stripe"
	"github.com/digkill/creditcanvas/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	uploader, err := storage.NewUploader(storage.Config{
		Endpoint:      cfg.S3Endpoint,
		Region:        cfg.S3Region,
		AccessKey:     cfg.S3AccessKey,
		SecretKey:     cfg.S3SecretKey,
		Bucket:        cfg.S3Bucket,
		PublicBaseURL: cfg.S3PublicBaseURL,
		UsePathStyle:  cfg.S3UsePathStyle,
		Prefix:        cfg.S3Prefix,
	})
	if err != nil {
		log.Fatalf("storage uploader: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	stripeClient := stripe.NewClient(stripe.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		APIBaseURL:    cfg.StripeAPIBaseURL,
		Logger:        logr,
	})

	ledgerRepo := repository.NewLedgerRepository(db)
	artifactRepo := repository.NewArtifactRepository(db)
	subscriptionRepo := repository.NewSubscriptionRepository(db)
	transactionRepo := repository.NewTransactionRepository(db)
	packageRepo := repository.NewPackageRepository(db)
	eventRepo := repository.NewBillingEventRepository(db)

	capabilities := capability.Default()
	adapters := configuredAdapters(cfg, logr)
	for _, p := range capabilities.Providers() {
		if !hasAdapter(adapters, p) {
			logr.Warn("provider not configured, its models will be rejected", "provider", p)
		}
	}

	ledgerService := service.NewLedgerService(ledgerRepo, logr, m)
	generationService := service.NewGenerationService(logr, capabilities, adapters, ledgerService, artifactRepo, uploader, m)
	artifactService := service.NewArtifactService(logr, artifactRepo, uploader)
	billingService := service.NewBillingService(logr, stripeClient, ledgerService, subscriptionRepo, transactionRepo, eventRepo, m, cfg.MonthlySubscriptionCredits)
	packageService := service.NewPackageService(cfg, logr, packageRepo, ledgerService, stripeClient)
	accountService := service.NewAccountService(ledgerService, billingService, transactionRepo)

	if err := packageService.EnsureDefaultSubscriptionPackage(ctx); err != nil {
		log.Fatalf("ensure default subscription package: %v", err)
	}

	server := api.NewServer(cfg.ListenAddr, api.Deps{
		Log:           logr,
		Auth:          auth.NewVerifier(cfg.JWTSecret),
		Generator:     generationService,
		Accounts:      accountService,
		Artifacts:     artifactService,
		Billing:       billingService,
		Packages:      packageService,
		Metrics:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		AdminUsername: cfg.AdminUsername,
		AdminPassword: cfg.AdminPassword,
		WriteTimeout:  cfg.RequestTimeout + cfg.PollInterval*time.Duration(cfg.PollMaxAttempts),
	})
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logr.Error("server stopped", "err", err)
	}
}

// configuredAdapters builds one adapter per provider whose key is set.
func configuredAdapters(cfg config.Config, logr *slog.Logger) []providers.Adapter {
	httpOpts := providers.HTTPOptions{Timeout: cfg.RequestTimeout, MaxRetries: 3}

	var out []providers.Adapter
	if cfg.KIEAPIKey != "" {
		out = append(out, providers.NewKIE(providers.KIEConfig{
			APIKey:       cfg.KIEAPIKey,
			BaseURL:      cfg.KIEBaseURL,
			PollInterval: cfg.PollInterval,
			MaxAttempts:  cfg.PollMaxAttempts,
			HTTP:         httpOpts,
		}, logr))
	}
	if cfg.OpenAIAPIKey != "" {
		out = append(out, providers.NewOpenAI(providers.OpenAIConfig{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL, HTTP: httpOpts}, logr))
	}
	if cfg.GeminiAPIKey != "" {
		out = append(out, providers.NewGemini(providers.GeminiConfig{APIKey: cfg.GeminiAPIKey, BaseURL: cfg.GeminiBaseURL, HTTP: httpOpts}, logr))
	}
	if cfg.FalAPIKey != "" {
		out = append(out, providers.NewFal(providers.FalConfig{APIKey: cfg.FalAPIKey, BaseURL: cfg.FalBaseURL, HTTP: httpOpts}, logr))
	}
	return out
}

func hasAdapter(adapters []providers.Adapter, p capability.Provider) bool {
	for _, a := range adapters {
		if a.Provider() == p {
			return true
		}
	}
	return false
}
