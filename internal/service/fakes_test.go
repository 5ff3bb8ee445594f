package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/digkill/creditcanvas/internal/capability"
	"github.com/digkill/creditcanvas/internal/models"
	"github.com/digkill/creditcanvas/internal/providers"
	"github.com/digkill/creditcanvas/internal/repository"
	"github.com/digkill/creditcanvas/internal/stripe"
)

var errBoom = errors.New("boom")

var pngBytes = append([]byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 24)...)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	r, err := capability.NewRegistry([]capability.Capability{
		{
			ID: "kie-3", Provider: capability.ProviderKIE, NativeModel: "native", EditModel: "native-edit",
			Credits: 3, Ratios: []string{"1:1", "16:9"}, Convention: capability.ConventionAspectRatio, Active: true,
		},
		{
			ID: "openai-5", Provider: capability.ProviderOpenAI, NativeModel: "gpt",
			Credits: 5, Ratios: []string{"1:1"}, Convention: capability.ConventionDimensions,
			Sizes: map[string]capability.Dimensions{"1:1": {Width: 1024, Height: 1024}}, Active: true,
		},
		{
			ID: "retired", Provider: capability.ProviderKIE, NativeModel: "old",
			Credits: 1, Ratios: []string{"1:1"}, Convention: capability.ConventionAspectRatio, Active: false,
		},
		{
			ID: "gemini-2", Provider: capability.ProviderGemini, NativeModel: "g",
			Credits: 2, Ratios: []string{"1:1"}, Convention: capability.ConventionAspectRatio, Active: true,
		},
	})
	require.NoError(t, err)
	return r
}

// memLedger is an in-memory LedgerStore.
type memLedger struct {
	mu        sync.Mutex
	accounts  map[string]*models.Account
	txns      []models.Transaction
	keys      map[string]bool
	adjustErr error
}

func newMemLedger() *memLedger {
	return &memLedger{accounts: map[string]*models.Account{}, keys: map[string]bool{}}
}

func (m *memLedger) seed(userID, email string, credits int) {
	m.accounts[userID] = &models.Account{UserID: userID, Email: email, Credits: credits}
}

func (m *memLedger) FindByUserID(_ context.Context, userID string) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *memLedger) Ensure(ctx context.Context, userID, email string) (*models.Account, error) {
	m.mu.Lock()
	if a, ok := m.accounts[userID]; !ok {
		m.accounts[userID] = &models.Account{UserID: userID, Email: email}
	} else if email != "" {
		a.Email = email
	}
	m.mu.Unlock()
	return m.FindByUserID(ctx, userID)
}

func (m *memLedger) Balance(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[userID]; ok {
		return a.Credits, nil
	}
	return 0, nil
}

func (m *memLedger) Adjust(_ context.Context, userID string, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.adjustErr != nil {
		return 0, m.adjustErr
	}
	return m.adjust(userID, delta), nil
}

func (m *memLedger) adjust(userID string, delta int) int {
	a, ok := m.accounts[userID]
	if !ok {
		a = &models.Account{UserID: userID}
		m.accounts[userID] = a
	}
	a.Credits += delta
	return a.Credits
}

func (m *memLedger) Apply(_ context.Context, txn *models.Transaction) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if txn.IdempotencyKey != "" {
		if m.keys[txn.IdempotencyKey] {
			return 0, repository.ErrDuplicate
		}
		m.keys[txn.IdempotencyKey] = true
	}
	m.txns = append(m.txns, *txn)
	return m.adjust(txn.UserID, txn.Credits), nil
}

func (m *memLedger) credits(userID string) int {
	b, _ := m.Balance(context.Background(), userID)
	return b
}

type memArtifacts struct {
	mu        sync.Mutex
	items     map[string]models.Artifact
	createErr error
	deleteErr error
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{items: map[string]models.Artifact{}}
}

func (m *memArtifacts) Create(_ context.Context, a *models.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.items[a.ID] = *a
	return nil
}

func (m *memArtifacts) GetByID(_ context.Context, id string) (*models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *memArtifacts) ListByUser(_ context.Context, userID string, limit int) ([]models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Artifact
	for _, a := range m.items {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memArtifacts) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.items, id)
	return nil
}

func (m *memArtifacts) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

type memObjects struct {
	mu        sync.Mutex
	seq       int
	objects   map[string][]byte
	types     map[string]string
	putErr    error
	deleteErr error
	deleted   []string
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memObjects) NewKey(sub, extension string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if sub == "" {
		sub = "generations"
	}
	return fmt.Sprintf("%s/obj-%d%s", sub, m.seq, extension)
}

func (m *memObjects) Put(_ context.Context, key string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return "", m.putErr
	}
	m.objects[key] = data
	m.types[key] = contentType
	return "https://cdn.test/" + key, nil
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

type fakeAdapter struct {
	provider capability.Provider
	needsURL bool
	result   *providers.Result
	err      error
	calls    int
	lastGen  providers.GenerateInput
	lastEdit *providers.EditInput
}

func (f *fakeAdapter) Provider() capability.Provider { return f.provider }
func (f *fakeAdapter) NeedsSourceURL() bool { return f.needsURL }

func (f *fakeAdapter) Generate(_ context.Context, in providers.GenerateInput) (*providers.Result, error) {
	f.calls++
	f.lastGen = in
	return f.result, f.err
}

func (f *fakeAdapter) Edit(_ context.Context, in providers.EditInput) (*providers.Result, error) {
	f.calls++
	f.lastEdit = &in
	return f.result, f.err
}

type memSubs struct {
	mu      sync.Mutex
	seq     int64
	records []*models.Subscription
	findErr error
}

func (m *memSubs) Create(_ context.Context, s *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.StripeSubscriptionID == s.StripeSubscriptionID {
			return repository.ErrDuplicate
		}
	}
	m.seq++
	cp := *s
	cp.ID = m.seq
	cp.CreatedAt = time.Now().Add(time.Duration(m.seq) * time.Second)
	m.records = append(m.records, &cp)
	return nil
}

func (m *memSubs) FindByStripeID(_ context.Context, id string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, r := range m.records {
		if r.StripeSubscriptionID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memSubs) FindCurrentByUser(_ context.Context, userID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current *models.Subscription
	for _, r := range m.records {
		if r.UserID == userID && (current == nil || r.CreatedAt.After(current.CreatedAt)) {
			current = r
		}
	}
	if current == nil {
		return nil, nil
	}
	cp := *current
	return &cp, nil
}

func (m *memSubs) ApplyUpdate(_ context.Context, u repository.SubscriptionUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.StripeSubscriptionID != u.StripeSubscriptionID {
			continue
		}
		if r.LastEventAt != nil && r.LastEventAt.After(u.EventAt) {
			return false, nil
		}
		r.Status = u.Status
		r.CancelAtPeriodEnd = u.CancelAtPeriodEnd
		if u.CurrentPeriodEnd != nil {
			r.CurrentPeriodEnd = u.CurrentPeriodEnd
		}
		if u.CanceledAt != nil {
			r.CanceledAt = u.CanceledAt
		}
		at := u.EventAt
		r.LastEventAt = &at
		return true, nil
	}
	return false, nil
}

func (m *memSubs) MarkCanceled(_ context.Context, id int64, status string, canceledAt time.Time, cancelAtPeriodEnd bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.ID == id {
			r.Status = status
			r.CanceledAt = &canceledAt
			r.CancelAtPeriodEnd = cancelAtPeriodEnd
			return nil
		}
	}
	return fmt.Errorf("subscription %d not found", id)
}

func (m *memSubs) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type memTxns struct {
	ledger    *memLedger
	existsErr error
}

func (m *memTxns) ExistsByKey(_ context.Context, key string) (bool, error) {
	if m.existsErr != nil {
		return false, m.existsErr
	}
	m.ledger.mu.Lock()
	defer m.ledger.mu.Unlock()
	return m.ledger.keys[key], nil
}

// ListByUser returns the newest entries first.
func (m *memTxns) ListByUser(_ context.Context, userID string, limit int) ([]models.Transaction, error) {
	m.ledger.mu.Lock()
	defer m.ledger.mu.Unlock()
	var out []models.Transaction
	for i := len(m.ledger.txns) - 1; i >= 0 && len(out) < limit; i-- {
		if m.ledger.txns[i].UserID == userID {
			out = append(out, m.ledger.txns[i])
		}
	}
	return out, nil
}

// Create shares the ledger's key space so duplicate keys behave as the
// single transactions table does.
func (m *memTxns) Create(_ context.Context, txn *models.Transaction) error {
	m.ledger.mu.Lock()
	defer m.ledger.mu.Unlock()
	if txn.IdempotencyKey != "" {
		if m.ledger.keys[txn.IdempotencyKey] {
			return repository.ErrDuplicate
		}
		m.ledger.keys[txn.IdempotencyKey] = true
	}
	m.ledger.txns = append(m.ledger.txns, *txn)
	return nil
}

type memEvents struct {
	mu   sync.Mutex
	seen map[string]string
}

func (m *memEvents) Processed(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[id]
	return ok, nil
}

func (m *memEvents) MarkProcessed(_ context.Context, id, typ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = map[string]string{}
	}
	m.seen[id] = typ
	return nil
}

// fakeProcessor accepts any payload whose signature is "ok" and returns the
// queued event for it.
type fakeProcessor struct {
	event         *stripe.Event
	subscriptions map[string]*stripe.Subscription
	customers     map[string]string
	active        map[string][]stripe.Subscription
	cancelErr     error
	canceled      []string
}

func (f *fakeProcessor) VerifyWebhook(_ []byte, signature string) (*stripe.Event, error) {
	if signature != "ok" {
		return nil, stripe.ErrInvalidSignature
	}
	return f.event, nil
}

func (f *fakeProcessor) GetSubscription(_ context.Context, id string) (*stripe.Subscription, error) {
	if s, ok := f.subscriptions[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("no such subscription %s", id)
}

func (f *fakeProcessor) CancelAtPeriodEnd(_ context.Context, id string) (*stripe.Subscription, error) {
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	f.canceled = append(f.canceled, id)
	s, ok := f.subscriptions[id]
	if !ok {
		s = &stripe.Subscription{ID: id, Status: "active"}
	}
	s.CancelAtPeriodEnd = true
	return s, nil
}

func (f *fakeProcessor) FindCustomerByEmail(_ context.Context, email string) (string, error) {
	return f.customers[email], nil
}

func (f *fakeProcessor) ListActiveSubscriptions(_ context.Context, customerID string) ([]stripe.Subscription, error) {
	return f.active[customerID], nil
}
