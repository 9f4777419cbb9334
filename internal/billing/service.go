package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Provider is the billing provider API consumed by the service.
type Provider interface {
	FindCustomersByTaxID(ctx context.Context, taxID string) ([]Customer, error)
	CreateCustomer(ctx context.Context, customer Customer) (*Customer, error)
	CreateSubscription(ctx context.Context, req SubscriptionRequest) (*Subscription, error)
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	CancelSubscription(ctx context.Context, id string) error
	ListCharges(ctx context.Context, filter ChargeFilter) (*ChargePage, error)
	GetCharge(ctx context.Context, id string) (*Charge, error)
}

// ClientStore reads and links local client records.
type ClientStore interface {
	ClientByTaxID(ctx context.Context, taxID string) (*LocalClient, error)
	ClientByProviderID(ctx context.Context, providerID string) (*LocalClient, error)
	ClientsByInstitution(ctx context.Context, institutionID int64) ([]LocalClient, error)
	ClientsWithProviderID(ctx context.Context) ([]LocalClient, error)
	ClientsMissingProviderID(ctx context.Context, limit int) ([]LocalClient, error)
	LinkProviderCustomer(ctx context.Context, clientID int64, providerID string) error
}

// IdempotencyGuard records processed sale references.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Recorder receives billing telemetry.
type Recorder interface {
	AmbiguousMatch()
	AggregationOmitted(count int)
}

type noopRecorder struct{}

func (noopRecorder) AmbiguousMatch()        {}
func (noopRecorder) AggregationOmitted(int) {}

// SubscriptionDefaults holds the per-deployment fields applied to every subscription.
type SubscriptionDefaults struct {
	Description     string
	FinePercent     float64
	InterestPercent float64
	// CreditCardAutoRouting sends card sales as UNDEFINED so the payer enters the card
	// on the hosted invoice page.
	CreditCardAutoRouting bool
}

// Options configures Service. Zero values fall back to defaults.
type Options struct {
	Defaults     SubscriptionDefaults
	Policy       DuePolicy
	DashboardURL string
	LinkAttempts int
	LinkInterval time.Duration
	PageSize     int
	Fanout       int
	Location     *time.Location
	Now          func() time.Time
	Logger       *slog.Logger
	Metrics      Recorder
	Idempotency  IdempotencyGuard
	Cache        PageCache
}

const (
	enrollmentModule    = "billing.enrollment"
	defaultPageSize     = 100
	defaultFanout       = 4
	defaultLinkAttempts = 3
	defaultDashboardURL = "https://www.asaas.com/subscriptions/show/{id}"
)

// Service reconciles local sales with the billing provider.
type Service struct {
	provider     Provider
	store        ClientStore
	defaults     SubscriptionDefaults
	policy       DuePolicy
	dashboardURL string
	linkAttempts int
	linkInterval time.Duration
	pageSize     int
	fanout       int
	loc          *time.Location
	now          func() time.Time
	logger       *slog.Logger
	metrics      Recorder
	idempotency  IdempotencyGuard
	cache        PageCache
}

// NewService builds Service instance.
func NewService(provider Provider, store ClientStore, opts Options) *Service {
	s := &Service{
		provider:     provider,
		store:        store,
		defaults:     opts.Defaults,
		policy:       opts.Policy,
		dashboardURL: opts.DashboardURL,
		linkAttempts: opts.LinkAttempts,
		linkInterval: opts.LinkInterval,
		pageSize:     opts.PageSize,
		fanout:       opts.Fanout,
		loc:          opts.Location,
		now:          opts.Now,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		idempotency:  opts.Idempotency,
		cache:        opts.Cache,
	}
	if s.policy == (DuePolicy{}) {
		s.policy = DefaultDuePolicy()
	}
	if s.dashboardURL == "" {
		s.dashboardURL = defaultDashboardURL
	}
	if s.linkAttempts <= 0 {
		s.linkAttempts = defaultLinkAttempts
	}
	if s.pageSize <= 0 {
		s.pageSize = defaultPageSize
	}
	if s.fanout <= 0 {
		s.fanout = defaultFanout
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = noopRecorder{}
	}
	return s
}

// Policy returns the configured due-date policy.
func (s *Service) Policy() DuePolicy {
	return s.policy
}

// Now returns the current time in the billing location.
func (s *Service) Now() time.Time {
	return s.now().In(s.loc)
}

// FindOrCreateCustomer returns the provider customer for a tax id, creating it when no
// match exists. When several customers share the tax id the first one is used and a
// warning is recorded. Concurrent calls for the same new tax id may both create.
func (s *Service) FindOrCreateCustomer(ctx context.Context, in CustomerInput) (string, error) {
	taxID := NormalizeTaxID(in.TaxID)
	if taxID == "" {
		return "", invalid("tax_id", "required")
	}
	personType, err := PersonTypeForTaxID(taxID)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return "", invalid("name", "required")
	}

	found, err := s.provider.FindCustomersByTaxID(ctx, taxID)
	if err != nil {
		return "", fmt.Errorf("billing: find customer: %w", err)
	}
	if len(found) > 1 {
		ids := make([]string, 0, len(found))
		for _, c := range found {
			ids = append(ids, c.ID)
		}
		s.logger.Warn("ambiguous provider customer match",
			slog.String("tax_id", maskTaxID(taxID)),
			slog.Any("customer_ids", ids),
			slog.String("chosen", found[0].ID))
		s.metrics.AmbiguousMatch()
	}
	if len(found) > 0 {
		return found[0].ID, nil
	}

	created, err := s.provider.CreateCustomer(ctx, Customer{
		Name:       name,
		TaxID:      taxID,
		Email:      strings.TrimSpace(in.Email),
		PersonType: personType,
	})
	if err != nil {
		return "", fmt.Errorf("billing: create customer: %w", err)
	}
	s.logger.Info("provider customer created", slog.String("customer_id", created.ID))
	return created.ID, nil
}

// SubscriptionInput describes a new recurring billing arrangement.
type SubscriptionInput struct {
	CustomerID        string
	Value             float64
	PaymentMethod     string
	FirstDueDate      time.Time
	Cycle             Cycle
	MaxOccurrences    int
	Description       string
	ExternalReference string
}

// CreateSubscription submits a subscription. The first due date is supplied by the
// caller; see DuePolicy.FirstDueDate.
func (s *Service) CreateSubscription(ctx context.Context, in SubscriptionInput) (*Subscription, error) {
	req, err := s.subscriptionRequest(in)
	if err != nil {
		return nil, err
	}
	sub, err := s.provider.CreateSubscription(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("billing: create subscription: %w", err)
	}
	return sub, nil
}

func (s *Service) subscriptionRequest(in SubscriptionInput) (SubscriptionRequest, error) {
	if strings.TrimSpace(in.CustomerID) == "" {
		return SubscriptionRequest{}, invalid("customer_id", "required")
	}
	if in.Value <= 0 {
		return SubscriptionRequest{}, invalid("value", "must be positive")
	}
	if in.FirstDueDate.IsZero() {
		return SubscriptionRequest{}, invalid("first_due_date", "required")
	}
	if in.MaxOccurrences < 0 {
		return SubscriptionRequest{}, invalid("max_occurrences", "must not be negative")
	}
	billingType, err := ParseBillingType(in.PaymentMethod)
	if err != nil {
		return SubscriptionRequest{}, err
	}
	if billingType == BillingCreditCard && s.defaults.CreditCardAutoRouting {
		billingType = BillingUndefined
	}
	cycle := in.Cycle
	if cycle == "" {
		cycle = CycleMonthly
	}
	description := strings.TrimSpace(in.Description)
	if description == "" {
		description = s.defaults.Description
	}
	ref := strings.TrimSpace(in.ExternalReference)
	if ref == "" {
		ref = uuid.NewString()
	}
	return SubscriptionRequest{
		CustomerID:        in.CustomerID,
		Value:             in.Value,
		BillingType:       billingType,
		Cycle:             cycle,
		NextDueDate:       in.FirstDueDate,
		MaxOccurrences:    in.MaxOccurrences,
		Description:       description,
		ExternalReference: ref,
		FinePercent:       s.defaults.FinePercent,
		InterestPercent:   s.defaults.InterestPercent,
	}, nil
}

// FirstChargeLink resolves the hosted invoice URL of a subscription's first charge.
// It prefers the link returned inline, then the most recent charge of the
// subscription, and finally a dashboard URL built from the subscription id.
func (s *Service) FirstChargeLink(ctx context.Context, sub *Subscription) (string, error) {
	if sub == nil || strings.TrimSpace(sub.ID) == "" {
		return "", invalid("subscription_id", "required")
	}
	if sub.InvoiceURL != "" {
		return sub.InvoiceURL, nil
	}
	for attempt := 0; attempt < s.linkAttempts; attempt++ {
		if attempt > 0 && s.linkInterval > 0 {
			timer := time.NewTimer(s.linkInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
		}
		page, err := s.provider.ListCharges(ctx, ChargeFilter{SubscriptionID: sub.ID, Limit: 1, Order: OrderDesc})
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			s.logger.Warn("query first charge", slog.String("subscription_id", sub.ID), slog.Any("error", err))
			break
		}
		if len(page.Data) > 0 && page.Data[0].InvoiceURL != "" {
			return page.Data[0].InvoiceURL, nil
		}
	}
	return s.DashboardLink(sub.ID), nil
}

// DashboardLink builds the provider dashboard URL of a subscription.
func (s *Service) DashboardLink(subscriptionID string) string {
	return strings.ReplaceAll(s.dashboardURL, "{id}", subscriptionID)
}

// GetSubscription re-reads the provider state of a subscription.
func (s *Service) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	if strings.TrimSpace(id) == "" {
		return nil, invalid("subscription_id", "required")
	}
	sub, err := s.provider.GetSubscription(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("billing: get subscription: %w", err)
	}
	return sub, nil
}

// CancelSubscription requests Active→Cancelled. The current state is re-queried first;
// subscriptions that already ended are returned unchanged.
func (s *Service) CancelSubscription(ctx context.Context, id string) (*Subscription, error) {
	sub, err := s.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Deleted || sub.Status != SubscriptionActive {
		return sub, nil
	}
	if err := s.provider.CancelSubscription(ctx, id); err != nil {
		return nil, fmt.Errorf("billing: cancel subscription: %w", err)
	}
	sub.Deleted = true
	sub.Status = SubscriptionInactive
	s.logger.Info("subscription cancelled", slog.String("subscription_id", id))
	return sub, nil
}

// GetCharge reads one charge and classifies it against the current time.
func (s *Service) GetCharge(ctx context.Context, id string) (*ClassifiedCharge, error) {
	if strings.TrimSpace(id) == "" {
		return nil, invalid("charge_id", "required")
	}
	charge, err := s.provider.GetCharge(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("billing: get charge: %w", err)
	}
	classified := ClassifyCharge(*charge, s.Now())
	return &classified, nil
}

// SaleInput carries a sales transaction to enroll in recurring billing.
type SaleInput struct {
	TaxID          string
	Name           string
	Email          string
	Value          float64
	PaymentMethod  string
	MaxOccurrences int
	Description    string
	// SaleReference identifies the sales transaction; a reference is enrolled once.
	SaleReference string
}

// Enrollment is the outcome of EnrollSale.
type Enrollment struct {
	CustomerID   string
	ClientID     int64
	Subscription *Subscription
	InvoiceURL   string
	FirstDueDate time.Time
}

// EnrollSale finds or creates the provider customer, links the local client, creates
// the subscription with the configured due policy and resolves the first charge link.
func (s *Service) EnrollSale(ctx context.Context, in SaleInput) (*Enrollment, error) {
	if NormalizeTaxID(in.TaxID) == "" {
		return nil, invalid("tax_id", "required")
	}
	if _, err := PersonTypeForTaxID(in.TaxID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, invalid("name", "required")
	}
	if in.Value <= 0 {
		return nil, invalid("value", "must be positive")
	}
	if _, err := ParseBillingType(in.PaymentMethod); err != nil {
		return nil, err
	}
	if in.MaxOccurrences < 0 {
		return nil, invalid("max_occurrences", "must not be negative")
	}

	ref := strings.TrimSpace(in.SaleReference)
	key := ""
	if ref != "" && s.idempotency != nil {
		key = "sale:" + ref
		if err := s.idempotency.CheckAndInsert(ctx, key, enrollmentModule); err != nil {
			return nil, fmt.Errorf("billing: enroll sale %s: %w", ref, err)
		}
	}
	enrollment, err := s.enroll(ctx, in, ref)
	if err != nil && key != "" {
		if delErr := s.idempotency.Delete(ctx, key); delErr != nil {
			s.logger.Warn("release sale reference", slog.String("sale", ref), slog.Any("error", delErr))
		}
	}
	return enrollment, err
}

func (s *Service) enroll(ctx context.Context, in SaleInput, ref string) (*Enrollment, error) {
	customerID, err := s.FindOrCreateCustomer(ctx, CustomerInput{TaxID: in.TaxID, Name: in.Name, Email: in.Email})
	if err != nil {
		return nil, err
	}

	var clientID int64
	if s.store != nil {
		clientID, err = s.linkLocalClient(ctx, NormalizeTaxID(in.TaxID), customerID)
		if err != nil {
			return nil, err
		}
	}

	firstDue := s.policy.FirstDueDate(s.Now())
	sub, err := s.CreateSubscription(ctx, SubscriptionInput{
		CustomerID:        customerID,
		Value:             in.Value,
		PaymentMethod:     in.PaymentMethod,
		FirstDueDate:      firstDue,
		MaxOccurrences:    in.MaxOccurrences,
		Description:       in.Description,
		ExternalReference: ref,
	})
	if err != nil {
		return nil, err
	}
	link, err := s.FirstChargeLink(ctx, sub)
	if err != nil {
		return nil, err
	}
	s.logger.Info("sale enrolled",
		slog.String("customer_id", customerID),
		slog.String("subscription_id", sub.ID),
		slog.Time("first_due_date", firstDue))
	return &Enrollment{
		CustomerID:   customerID,
		ClientID:     clientID,
		Subscription: sub,
		InvoiceURL:   link,
		FirstDueDate: firstDue,
	}, nil
}

func (s *Service) linkLocalClient(ctx context.Context, taxID, customerID string) (int64, error) {
	client, err := s.store.ClientByTaxID(ctx, taxID)
	if errors.Is(err, ErrNotFound) {
		s.logger.Debug("no local client for tax id", slog.String("tax_id", maskTaxID(taxID)))
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("billing: local client: %w", err)
	}
	if client.ProviderCustomerID == customerID {
		return client.ID, nil
	}
	if err := s.store.LinkProviderCustomer(ctx, client.ID, customerID); err != nil {
		return 0, fmt.Errorf("billing: link local client %d: %w", client.ID, err)
	}
	return client.ID, nil
}

// BackfillResult summarises a backfill run.
type BackfillResult struct {
	Scanned int
	Linked  int
	Failed  int
}

// BackfillCustomers links local clients created before the provider integration.
// A failing client is logged and skipped.
func (s *Service) BackfillCustomers(ctx context.Context, limit int) (BackfillResult, error) {
	var result BackfillResult
	if s.store == nil {
		return result, errors.New("billing: client store not configured")
	}
	clients, err := s.store.ClientsMissingProviderID(ctx, limit)
	if err != nil {
		return result, fmt.Errorf("billing: list unlinked clients: %w", err)
	}
	for _, client := range clients {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++
		customerID, err := s.FindOrCreateCustomer(ctx, CustomerInput{TaxID: client.TaxID, Name: client.DisplayName(), Email: client.Email})
		if err == nil {
			err = s.store.LinkProviderCustomer(ctx, client.ID, customerID)
		}
		if err != nil {
			result.Failed++
			s.logger.Warn("backfill client", slog.Int64("client_id", client.ID), slog.Any("error", err))
			continue
		}
		result.Linked++
	}
	return result, nil
}

func maskTaxID(taxID string) string {
	if len(taxID) <= 4 {
		return taxID
	}
	return strings.Repeat("*", len(taxID)-4) + taxID[len(taxID)-4:]
}
