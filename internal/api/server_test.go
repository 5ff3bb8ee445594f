package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/creditcanvas/internal/auth"
	"github.com/digkill/creditcanvas/internal/capability"
	"github.com/digkill/creditcanvas/internal/models"
	"github.com/digkill/creditcanvas/internal/service"
	"github.com/digkill/creditcanvas/internal/stripe"
)

type stubGenerator struct {
	lastGen  service.GenerationRequest
	lastEdit service.EditRequest
	err      error
}

func (g *stubGenerator) Generate(_ context.Context, req service.GenerationRequest) (*service.GenerationResult, error) {
	g.lastGen = req
	if g.err != nil {
		return nil, g.err
	}
	return &service.GenerationResult{ArtifactID: "a1", ArtifactURL: "https://cdn.test/a1.png", RemainingBalance: 4, Cost: 3}, nil
}

func (g *stubGenerator) Edit(_ context.Context, req service.EditRequest) (*service.GenerationResult, error) {
	g.lastEdit = req
	if g.err != nil {
		return nil, g.err
	}
	return &service.GenerationResult{ArtifactID: "a2", RemainingBalance: 1, Cost: 3}, nil
}

func (g *stubGenerator) Models() []capability.Capability {
	return capability.Catalog()
}

type stubBilling struct {
	payload   []byte
	signature string
	err       error
}

func (b *stubBilling) IngestEvent(_ context.Context, payload []byte, signature string) error {
	b.payload, b.signature = payload, signature
	return b.err
}

func (b *stubBilling) Cancel(_ context.Context, userID string) (*service.CancelResult, error) {
	return &service.CancelResult{Status: "active"}, nil
}

func (b *stubBilling) Repair(_ context.Context, userID string) (*service.RepairResult, error) {
	return &service.RepairResult{SubscriptionID: "sub_1", CreditsGranted: 100, Status: "active"}, nil
}

type stubAccounts struct{}

func (stubAccounts) View(_ context.Context, userID, email string) (*service.AccountView, error) {
	return &service.AccountView{Account: &models.Account{UserID: userID, Email: email, Credits: 12}}, nil
}

type stubArtifacts struct{ deleted string }

func (a *stubArtifacts) List(_ context.Context, userID string, _ int) ([]models.Artifact, error) {
	return []models.Artifact{{ID: "a1", UserID: userID}}, nil
}

func (a *stubArtifacts) Delete(_ context.Context, userID, id string) error {
	if id != "a1" {
		return &service.Error{Kind: service.KindNotFound, Message: "artifact not found"}
	}
	a.deleted = id
	return nil
}

type stubPackages struct{}

func (stubPackages) List(context.Context, bool) ([]models.CreditPackage, error) {
	return []models.CreditPackage{{ID: 1, Title: "Starter"}}, nil
}

func (stubPackages) Create(_ context.Context, in service.CreatePackageInput) (*models.CreditPackage, error) {
	if in.Title == "" {
		return nil, &service.Error{Kind: service.KindValidation, Message: "title is required"}
	}
	return &models.CreditPackage{ID: 2, Title: in.Title}, nil
}

func (stubPackages) Update(_ context.Context, id int64, _ service.UpdatePackageInput) (*models.CreditPackage, error) {
	return &models.CreditPackage{ID: id}, nil
}

func (stubPackages) Delete(context.Context, int64) error { return nil }

func (stubPackages) Checkout(_ context.Context, userID, _ string, packageID int64) (*stripe.CheckoutSession, error) {
	return &stripe.CheckoutSession{ID: "cs_1", URL: "https://checkout.test/cs_1"}, nil
}

type fixture struct {
	handler   http.Handler
	token     string
	generator *stubGenerator
	billing   *stubBilling
	artifacts *stubArtifacts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	verifier := auth.NewVerifier("test-secret")
	token, err := verifier.Issue("u1", "a@example.com", time.Hour)
	require.NoError(t, err)

	f := &fixture{token: token, generator: &stubGenerator{}, billing: &stubBilling{}, artifacts: &stubArtifacts{}}
	srv := NewServer(":0", Deps{
		Log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		Auth:          verifier,
		Generator:     f.generator,
		Accounts:      stubAccounts{},
		Artifacts:     f.artifacts,
		Billing:       f.billing,
		Packages:      stubPackages{},
		Metrics:       http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics")) }),
		AdminUsername: "admin",
		AdminPassword: "pw",
	})
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) authed(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+f.token)
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestGenerateRequiresBearer(t *testing.T) {
	f := newFixture(t)
	body := `{"prompt":"cat","modelId":"flux-2-pro"}`

	rec := f.do(httptest.NewRequest(http.MethodPost, "/v1/generate", bytes.NewBufferString(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/generate", bytes.NewBufferString(body))
	req.Header.Set("Authorization", "Bearer not-a-token")
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)
}

func TestGenerate(t *testing.T) {
	f := newFixture(t)
	rec := f.do(f.authed(http.MethodPost, "/v1/generate", bytes.NewBufferString(`{"prompt":"cat","modelId":"flux-2-pro","aspectRatio":"16:9"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	out := decode(t, rec)
	assert.Equal(t, "a1", out["artifactId"])
	assert.Equal(t, "https://cdn.test/a1.png", out["artifactLocator"])
	assert.EqualValues(t, 4, out["remainingBalance"])
	assert.Equal(t, "u1", f.generator.lastGen.UserID)
	assert.Equal(t, "16:9", f.generator.lastGen.AspectRatio)
}

func TestGenerateErrorMapping(t *testing.T) {
	zero := 0
	tests := map[string]struct {
		err    error
		status int
	}{
		"validation":   {&service.Error{Kind: service.KindValidation}, http.StatusBadRequest},
		"insufficient": {&service.Error{Kind: service.KindInsufficientCredits, Cost: 3, Balance: &zero}, http.StatusPaymentRequired},
		"rejected":     {&service.Error{Kind: service.KindUpstreamRejected}, http.StatusUnprocessableEntity},
		"auth":         {&service.Error{Kind: service.KindUpstreamAuth}, http.StatusBadGateway},
		"bad response": {&service.Error{Kind: service.KindUpstreamBadResponse}, http.StatusBadGateway},
		"unavailable":  {&service.Error{Kind: service.KindUpstreamUnavailable}, http.StatusServiceUnavailable},
		"storage":      {&service.Error{Kind: service.KindStorage, Message: "persist artifact"}, http.StatusInternalServerError},
		"unclassified": {io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.generator.err = tt.err
			rec := f.do(f.authed(http.MethodPost, "/v1/generate", bytes.NewBufferString(`{"prompt":"cat","modelId":"x"}`)))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestInsufficientCreditsReportsCostAndBalance(t *testing.T) {
	f := newFixture(t)
	zero := 0
	f.generator.err = &service.Error{Kind: service.KindInsufficientCredits, Cost: 3, Balance: &zero}

	rec := f.do(f.authed(http.MethodPost, "/v1/generate", bytes.NewBufferString(`{"prompt":"cat","modelId":"x"}`)))
	out := decode(t, rec)
	assert.Equal(t, "insufficient-credits", out["error"])
	assert.EqualValues(t, 3, out["cost"])
	assert.EqualValues(t, 0, out["balance"])
}

func TestEditMultipart(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("prompt", "blue"))
	require.NoError(t, mw.WriteField("modelId", "flux-2-pro"))
	require.NoError(t, mw.WriteField("strength", "0.25"))
	require.NoError(t, mw.WriteField("sourceArtifactId", "a0"))
	part, err := mw.CreateFormFile("image", "src.png")
	require.NoError(t, err)
	_, _ = part.Write([]byte("image-bytes"))
	require.NoError(t, mw.Close())

	req := f.authed(http.MethodPost, "/v1/edit", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := f.generator.lastEdit
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, []byte("image-bytes"), got.Source)
	assert.InDelta(t, 0.25, got.Strength, 1e-9)
	assert.Equal(t, "a0", got.SourceArtifactID)
}

func TestEditWithoutImage(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("prompt", "blue"))
	require.NoError(t, mw.Close())

	req := f.authed(http.MethodPost, "/v1/edit", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
}

func TestModelsArePublic(t *testing.T) {
	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out []modelView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out)
	byID := map[string]modelView{}
	for _, m := range out {
		byID[m.ID] = m
	}
	assert.False(t, byID["dall-e-3"].Active)
	assert.True(t, byID["flux-2-pro"].Editable)
}

func TestAccountAndArtifacts(t *testing.T) {
	f := newFixture(t)

	rec := f.do(f.authed(http.MethodGet, "/v1/account", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	account := decode(t, rec)["account"].(map[string]any)
	assert.Equal(t, "a@example.com", account["email"])

	rec = f.do(f.authed(http.MethodGet, "/v1/artifacts", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNoContent, f.do(f.authed(http.MethodDelete, "/v1/artifacts/a1", nil)).Code)
	assert.Equal(t, "a1", f.artifacts.deleted)
	assert.Equal(t, http.StatusNotFound, f.do(f.authed(http.MethodDelete, "/v1/artifacts/zz", nil)).Code)
}

func TestCheckoutAndCancel(t *testing.T) {
	f := newFixture(t)

	rec := f.do(f.authed(http.MethodPost, "/v1/billing/checkout", bytes.NewBufferString(`{"packageId":1}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://checkout.test/cs_1", decode(t, rec)["url"])

	rec = f.do(f.authed(http.MethodPost, "/v1/billing/checkout", bytes.NewBufferString(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(f.authed(http.MethodPost, "/v1/billing/cancel", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", decode(t, rec)["status"])
}

func TestStripeWebhook(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/webhook/stripe", bytes.NewBufferString(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")

	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"id":"evt_1"}`, string(f.billing.payload))
	assert.Equal(t, "t=1,v1=abc", f.billing.signature)

	f.billing.err = &service.Error{Kind: service.KindSignatureInvalid, Message: "secret detail"}
	rec = f.do(httptest.NewRequest(http.MethodPost, "/webhook/stripe", bytes.NewBufferString(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret detail")

	f.billing.err = &service.Error{Kind: service.KindStorage}
	rec = f.do(httptest.NewRequest(http.MethodPost, "/webhook/stripe", bytes.NewBufferString(`{}`)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAdminRoutesNeedBasicAuth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodPost, "/admin/subscriptions/u1/repair", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/admin/subscriptions/u1/repair", nil)
	req.SetBasicAuth("admin", "pw")
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 100, decode(t, rec)["creditsGranted"])

	req = httptest.NewRequest(http.MethodPost, "/admin/packages/", bytes.NewBufferString(`{"title":""}`))
	req.SetBasicAuth("admin", "pw")
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)

	req = httptest.NewRequest(http.MethodPut, "/admin/packages/abc", bytes.NewBufferString(`{}`))
	req.SetBasicAuth("admin", "pw")
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)

	req = httptest.NewRequest(http.MethodDelete, "/admin/packages/1", nil)
	req.SetBasicAuth("admin", "pw")
	assert.Equal(t, http.StatusNoContent, f.do(req).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, "# metrics", rec.Body.String())
}
