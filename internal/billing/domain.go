package billing

import (
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-billing/internal/platform/httpx"
)

// DerivedStatus is the user-facing lifecycle of a charge. It is computed on every
// read and never persisted.
type DerivedStatus string

const (
	StatusPaid    DerivedStatus = "Pago"
	StatusPending DerivedStatus = "Pendente"
	StatusOverdue DerivedStatus = "Atrasado"
)

// BillingType enumerates the provider payment rails.
type BillingType string

const (
	BillingPIX        BillingType = "PIX"
	BillingBoleto     BillingType = "BOLETO"
	BillingCreditCard BillingType = "CREDIT_CARD"
	// BillingUndefined lets the payer choose the rail on the hosted invoice page.
	BillingUndefined BillingType = "UNDEFINED"
)

// Cycle enumerates subscription recurrence periods.
type Cycle string

const (
	CycleMonthly Cycle = "MONTHLY"
)

// PersonType distinguishes individual and organization customers.
type PersonType string

const (
	PersonFisica   PersonType = "FISICA"
	PersonJuridica PersonType = "JURIDICA"
)

// SortOrder controls due-date ordering of report rows.
type SortOrder string

const (
	OrderAsc  SortOrder = "asc"
	OrderDesc SortOrder = "desc"
)

// Customer is the provider-owned customer record.
type Customer struct {
	ID         string
	Name       string
	TaxID      string
	Email      string
	PersonType PersonType
}

// CustomerInput carries the data needed to find or create a provider customer.
type CustomerInput struct {
	TaxID string
	Name  string
	Email string
}

// SubscriptionStatus mirrors the provider subscription state.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "ACTIVE"
	SubscriptionInactive SubscriptionStatus = "INACTIVE"
	SubscriptionExpired  SubscriptionStatus = "EXPIRED"
)

// Subscription is a recurring billing arrangement owned by the provider.
type Subscription struct {
	ID                string
	CustomerID        string
	Value             float64
	BillingType       BillingType
	Cycle             Cycle
	NextDueDate       time.Time
	MaxOccurrences    int
	Description       string
	ExternalReference string
	Status            SubscriptionStatus
	Deleted           bool
	// InvoiceURL is only set when the provider returns the first charge link inline.
	InvoiceURL string
}

// SubscriptionRequest is the provider payload for a new subscription.
type SubscriptionRequest struct {
	CustomerID        string
	Value             float64
	BillingType       BillingType
	Cycle             Cycle
	NextDueDate       time.Time
	MaxOccurrences    int
	Description       string
	ExternalReference string
	FinePercent       float64
	InterestPercent   float64
}

// Charge is a single provider payment. Charges are only read and classified locally.
type Charge struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	Value          float64
	NetValue       float64
	BillingType    BillingType
	RawStatus      string
	DueDate        time.Time
	PaymentDate    *time.Time
	InvoiceURL     string
	Description    string
}

// ChargeFilter selects charges from the provider listing endpoint.
type ChargeFilter struct {
	SubscriptionID string
	CustomerID     string
	Status         string
	DueFrom        time.Time
	DueTo          time.Time
	Offset         int
	Limit          int
	// Order sorts by due date when set; empty keeps the provider default.
	Order SortOrder
}

// ChargePage is one offset/limit page of charges.
type ChargePage struct {
	Data       []Charge
	HasMore    bool
	TotalCount int
	Offset     int
	Limit      int
}

// ClassifiedCharge pairs a charge with its status derived at read time.
type ClassifiedCharge struct {
	Charge
	Status DerivedStatus
}

// LocalClient correlates a person or organization in the local store with a provider
// customer. ProviderCustomerID is empty for sales that predate the integration.
type LocalClient struct {
	ID                 int64
	InstitutionID      int64
	Name               string
	TaxID              string
	Email              string
	ProviderCustomerID string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DisplayName returns the name used in reports.
func (c LocalClient) DisplayName() string {
	if strings.TrimSpace(c.Name) != "" {
		return c.Name
	}
	return c.TaxID
}

// ErrNotFound indicates a missing local or provider record.
var ErrNotFound = fmt.Errorf("billing: %w", httpx.ErrNotFound)

// ValidationError rejects input before any network call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap lets callers match httpx.ErrValidation.
func (e *ValidationError) Unwrap() error { return httpx.ErrValidation }

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// ProviderError reports a non-success or undecodable response from the billing API.
// Payload holds the raw provider body for diagnosis.
type ProviderError struct {
	Op         string
	StatusCode int
	Payload    []byte
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString("billing provider: ")
	b.WriteString(e.Op)
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ProviderPayload returns the raw body attached to the error.
func (e *ProviderError) ProviderPayload() []byte { return e.Payload }

// AggregationFailure tags a customer whose charges were omitted from a report.
type AggregationFailure struct {
	ProviderCustomerID string `json:"provider_customer_id"`
	ClientName         string `json:"client_name"`
	Error              string `json:"error"`
}

// ParseBillingType maps a local payment-method code to a provider billing type.
func ParseBillingType(code string) (BillingType, error) {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "pix":
		return BillingPIX, nil
	case "boleto", "bank_slip":
		return BillingBoleto, nil
	case "cartao", "cartão", "credit_card", "card":
		return BillingCreditCard, nil
	}
	return "", invalid("payment_method", fmt.Sprintf("unsupported payment method %q", code))
}

// PersonTypeForTaxID derives the person type from the digit count of a CPF/CNPJ.
func PersonTypeForTaxID(taxID string) (PersonType, error) {
	digits := NormalizeTaxID(taxID)
	switch len(digits) {
	case 11:
		return PersonFisica, nil
	case 14:
		return PersonJuridica, nil
	}
	return "", invalid("tax_id", "must have 11 (CPF) or 14 (CNPJ) digits")
}

// NormalizeTaxID strips punctuation from a CPF/CNPJ.
func NormalizeTaxID(taxID string) string {
	var b strings.Builder
	for _, r := range taxID {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
