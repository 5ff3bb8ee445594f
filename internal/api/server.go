// Package api exposes the generation, account and billing operations over
// HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/digkill/creditcanvas/internal/auth"
	"github.com/digkill/creditcanvas/internal/capability"
	"github.com/digkill/creditcanvas/internal/models"
	"github.com/digkill/creditcanvas/internal/service"
	"github.com/digkill/creditcanvas/internal/stripe"
)

type Generator interface {
	Generate(ctx context.Context, req service.GenerationRequest) (*service.GenerationResult, error)
	Edit(ctx context.Context, req service.EditRequest) (*service.GenerationResult, error)
	Models() []capability.Capability
}

type Accounts interface {
	View(ctx context.Context, userID, email string) (*service.AccountView, error)
}

type Artifacts interface {
	List(ctx context.Context, userID string, limit int) ([]models.Artifact, error)
	Delete(ctx context.Context, userID, artifactID string) error
}

type Billing interface {
	IngestEvent(ctx context.Context, payload []byte, signature string) error
	Cancel(ctx context.Context, userID string) (*service.CancelResult, error)
	Repair(ctx context.Context, userID string) (*service.RepairResult, error)
}

type Packages interface {
	List(ctx context.Context, activeOnly bool) ([]models.CreditPackage, error)
	Create(ctx context.Context, input service.CreatePackageInput) (*models.CreditPackage, error)
	Update(ctx context.Context, id int64, input service.UpdatePackageInput) (*models.CreditPackage, error)
	Delete(ctx context.Context, id int64) error
	Checkout(ctx context.Context, userID, email string, packageID int64) (*stripe.CheckoutSession, error)
}

type PrincipalResolver interface {
	Resolve(token string) (auth.Principal, error)
}

type Deps struct {
	Log           *slog.Logger
	Auth          PrincipalResolver
	Generator     Generator
	Accounts      Accounts
	Artifacts     Artifacts
	Billing       Billing
	Packages      Packages
	Metrics       http.Handler
	AdminUsername string
	AdminPassword string
	// WriteTimeout bounds a whole request, including provider polling.
	WriteTimeout time.Duration
}

type Server struct {
	addr string
	deps Deps
	log  *slog.Logger
	mux  *chi.Mux
}

// maxUploadBytes caps edit uploads and webhook bodies.
const maxUploadBytes = 20 << 20

func NewServer(addr string, deps Deps) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{addr: addr, deps: deps, log: deps.Log, mux: r}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	r.Post("/webhook/stripe", s.handleStripeWebhook)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/models", s.handleModels)
		v1.Group(func(user chi.Router) {
			user.Use(s.bearerAuth)
			user.Post("/generate", s.handleGenerate)
			user.Post("/edit", s.handleEdit)
			user.Get("/account", s.handleAccount)
			user.Get("/artifacts", s.handleListArtifacts)
			user.Delete("/artifacts/{id}", s.handleDeleteArtifact)
			user.Post("/billing/checkout", s.handleCheckout)
			user.Post("/billing/cancel", s.handleCancel)
		})
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.basicAuth)
		admin.Post("/subscriptions/{userID}/repair", s.handleRepair)
		admin.Route("/packages", func(r chi.Router) {
			r.Get("/", s.handleListPackages)
			r.Post("/", s.handleCreatePackage)
			r.Put("/{id}", s.handleUpdatePackage)
			r.Delete("/{id}", s.handleDeletePackage)
		})
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) Run(ctx context.Context) error {
	writeTimeout := s.deps.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Minute
	}
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http shutdown error", "err", err)
		}
	}()

	s.log.Info("http server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated"})
			return
		}
		p, err := s.deps.Auth.Resolve(strings.TrimSpace(token))
		if err != nil {
			s.log.Debug("bearer rejected", "err", err)
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated"})
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	})
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.deps.AdminUsername || pass != s.deps.AdminPassword {
			w.Header().Set("WWW-Authenticate", `Basic realm="creditcanvas"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Cost    int    `json:"cost,omitempty"`
	Balance *int   `json:"balance,omitempty"`
}

func statusFor(kind service.Kind) int {
	switch kind {
	case service.KindValidation, service.KindSignatureInvalid, service.KindMissingMetadata:
		return http.StatusBadRequest
	case service.KindInsufficientCredits:
		return http.StatusPaymentRequired
	case service.KindUpstreamRejected:
		return http.StatusUnprocessableEntity
	case service.KindUpstreamAuth, service.KindUpstreamBadResponse:
		return http.StatusBadGateway
	case service.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case service.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err for an end user. Internal details of storage and
// unclassified failures are logged, not returned.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var se *service.Error
	if !errors.As(err, &se) {
		s.log.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal-error"})
		return
	}
	body := errorBody{Error: string(se.Kind), Message: se.Message, Cost: se.Cost, Balance: se.Balance}
	status := statusFor(se.Kind)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "err", err)
		body.Message = ""
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: string(service.KindValidation), Message: msg})
}

func parseID(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}
