package models

import "time"

// Account holds a user's spendable credit balance. The balance may go
// negative when concurrent debits race past the same sufficiency check.
type Account struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email,omitempty"`
	Credits   int       `json:"credits"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Artifact struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	Prompt           string    `json:"prompt"`
	ModelID          string    `json:"modelId"`
	StorageKey       string    `json:"-"`
	URL              string    `json:"url"`
	MimeType         string    `json:"mimeType"`
	AspectRatio      string    `json:"aspectRatio"`
	Tags             []string  `json:"tags"`
	SourceArtifactID string    `json:"sourceArtifactId,omitempty"`
	Credits          int       `json:"credits"`
	CreatedAt        time.Time `json:"createdAt"`
}

const (
	SubscriptionActive     = "active"
	SubscriptionCanceled   = "canceled"
	SubscriptionIncomplete = "incomplete"
	SubscriptionPastDue    = "past_due"
)

// Subscription mirrors one processor-side subscription. Status is stored
// verbatim from the processor, so values outside the constants above occur.
type Subscription struct {
	ID                   int64      `json:"id"`
	UserID               string     `json:"userId"`
	StripeSubscriptionID string     `json:"stripeSubscriptionId"`
	StripeCustomerID     string     `json:"stripeCustomerId"`
	Status               string     `json:"status"`
	CurrentPeriodStart   *time.Time `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd     *time.Time `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd    bool       `json:"cancelAtPeriodEnd"`
	CanceledAt           *time.Time `json:"canceledAt,omitempty"`
	LastEventAt          *time.Time `json:"-"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

type TransactionType string

const (
	TransactionCreditPurchase      TransactionType = "credit_purchase"
	TransactionSubscriptionInitial TransactionType = "subscription_initial"
	TransactionSubscriptionRenewal TransactionType = "subscription_renewal"
	TransactionSubscriptionFix     TransactionType = "subscription_fix"
	TransactionSubscriptionCancel  TransactionType = "subscription_cancel"
)

// Transaction is an append-only audit row. IdempotencyKey is unique when
// set; ExternalID is the processor identifier it was derived from.
type Transaction struct {
	ID             int64           `json:"id"`
	UserID         string          `json:"userId"`
	Type           TransactionType `json:"type"`
	Credits        int             `json:"credits"`
	AmountMinor    int64           `json:"amountMinor"`
	Currency       string          `json:"currency,omitempty"`
	ExternalID     string          `json:"externalId,omitempty"`
	IdempotencyKey string          `json:"-"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type PackageMode string

const (
	PackageModePayment      PackageMode = "payment"
	PackageModeSubscription PackageMode = "subscription"
)

type CreditPackage struct {
	ID              int64       `json:"id"`
	Title           string      `json:"title"`
	Description     string      `json:"description"`
	Currency        string      `json:"currency"`
	PriceMinorUnits int         `json:"price_minor_units"`
	Credits         int         `json:"credits"`
	StripePriceID   string      `json:"stripe_price_id,omitempty"`
	Mode            PackageMode `json:"mode"`
	IsActive        bool        `json:"is_active"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}
