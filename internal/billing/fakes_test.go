package billing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-billing/internal/platform/httpx"
)

type memoryProvider struct {
	mu            sync.Mutex
	customers     []Customer
	subscriptions map[string]*Subscription
	charges       []Charge
	failCustomers map[string]error

	searchErr error
	createErr error
	subErr    error
	listErr   error

	searchCalls int
	createCalls int
	subCalls    int
	listCalls   int
	cancelCalls int
	lastSubReq  SubscriptionRequest
	lastFilter  ChargeFilter
	nextID      int
}

func newMemoryProvider() *memoryProvider {
	return &memoryProvider{
		subscriptions: make(map[string]*Subscription),
		failCustomers: make(map[string]error),
	}
}

func (p *memoryProvider) FindCustomersByTaxID(ctx context.Context, taxID string) ([]Customer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.searchCalls++
	if p.searchErr != nil {
		return nil, p.searchErr
	}
	var out []Customer
	for _, c := range p.customers {
		if c.TaxID == taxID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (p *memoryProvider) CreateCustomer(ctx context.Context, customer Customer) (*Customer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.nextID++
	customer.ID = fmt.Sprintf("cus_%03d", p.nextID)
	p.customers = append(p.customers, customer)
	return &customer, nil
}

func (p *memoryProvider) CreateSubscription(ctx context.Context, req SubscriptionRequest) (*Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subCalls++
	p.lastSubReq = req
	if p.subErr != nil {
		return nil, p.subErr
	}
	p.nextID++
	sub := &Subscription{
		ID:                fmt.Sprintf("sub_%03d", p.nextID),
		CustomerID:        req.CustomerID,
		Value:             req.Value,
		BillingType:       req.BillingType,
		Cycle:             req.Cycle,
		NextDueDate:       req.NextDueDate,
		MaxOccurrences:    req.MaxOccurrences,
		Description:       req.Description,
		ExternalReference: req.ExternalReference,
		Status:            SubscriptionActive,
	}
	p.subscriptions[sub.ID] = sub
	copied := *sub
	return &copied, nil
}

func (p *memoryProvider) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subscriptions[id]
	if !ok {
		return nil, &ProviderError{Op: "subscriptions.get", StatusCode: 404, Err: ErrNotFound}
	}
	copied := *sub
	return &copied, nil
}

func (p *memoryProvider) CancelSubscription(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelCalls++
	sub, ok := p.subscriptions[id]
	if !ok {
		return &ProviderError{Op: "subscriptions.cancel", StatusCode: 404, Err: ErrNotFound}
	}
	sub.Deleted = true
	sub.Status = SubscriptionInactive
	return nil
}

func (p *memoryProvider) ListCharges(ctx context.Context, filter ChargeFilter) (*ChargePage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listCalls++
	if p.listErr != nil {
		return nil, p.listErr
	}
	if err, ok := p.failCustomers[filter.CustomerID]; ok && filter.CustomerID != "" {
		return nil, err
	}
	var matched []Charge
	for _, c := range p.charges {
		if filter.SubscriptionID != "" && c.SubscriptionID != filter.SubscriptionID {
			continue
		}
		if filter.CustomerID != "" && c.CustomerID != filter.CustomerID {
			continue
		}
		if !filter.DueFrom.IsZero() && c.DueDate.Before(filter.DueFrom) {
			continue
		}
		if !filter.DueTo.IsZero() && c.DueDate.After(filter.DueTo) {
			continue
		}
		matched = append(matched, c)
	}
	p.lastFilter = filter
	if filter.Order == OrderDesc {
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].DueDate.After(matched[j].DueDate) })
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	start := filter.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return &ChargePage{
		Data:       append([]Charge(nil), matched[start:end]...),
		HasMore:    end < len(matched),
		TotalCount: len(matched),
		Offset:     filter.Offset,
		Limit:      limit,
	}, nil
}

func (p *memoryProvider) GetCharge(ctx context.Context, id string) (*Charge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.charges {
		if c.ID == id {
			copied := c
			return &copied, nil
		}
	}
	return nil, &ProviderError{Op: "payments.get", StatusCode: 404, Err: ErrNotFound}
}

type memoryStore struct {
	mu      sync.Mutex
	clients []LocalClient
	links   int
	linkErr error
}

func (s *memoryStore) ClientByTaxID(ctx context.Context, taxID string) (*LocalClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.clients {
		if NormalizeTaxID(s.clients[i].TaxID) == NormalizeTaxID(taxID) {
			c := s.clients[i]
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryStore) ClientByProviderID(ctx context.Context, providerID string) (*LocalClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.clients {
		if s.clients[i].ProviderCustomerID == providerID {
			c := s.clients[i]
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memoryStore) ClientsByInstitution(ctx context.Context, institutionID int64) ([]LocalClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LocalClient
	for _, c := range s.clients {
		if c.InstitutionID == institutionID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memoryStore) ClientsWithProviderID(ctx context.Context) ([]LocalClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LocalClient
	for _, c := range s.clients {
		if c.ProviderCustomerID != "" {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memoryStore) ClientsMissingProviderID(ctx context.Context, limit int) ([]LocalClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LocalClient
	for _, c := range s.clients {
		if c.ProviderCustomerID == "" && c.TaxID != "" {
			out = append(out, c)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memoryStore) LinkProviderCustomer(ctx context.Context, clientID int64, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.linkErr != nil {
		return s.linkErr
	}
	for i := range s.clients {
		if s.clients[i].ID == clientID {
			s.clients[i].ProviderCustomerID = providerID
			s.links++
			return nil
		}
	}
	return ErrNotFound
}

type memoryGuard struct {
	keys    map[string]string
	deleted []string
}

func newMemoryGuard() *memoryGuard {
	return &memoryGuard{keys: make(map[string]string)}
}

func (g *memoryGuard) CheckAndInsert(ctx context.Context, key, module string) error {
	if _, ok := g.keys[key]; ok {
		return errDuplicateSale
	}
	g.keys[key] = module
	return nil
}

func (g *memoryGuard) Delete(ctx context.Context, key string) error {
	delete(g.keys, key)
	g.deleted = append(g.deleted, key)
	return nil
}

var errDuplicateSale = fmt.Errorf("sale already enrolled: %w", httpx.ErrDuplicate)

type countingRecorder struct {
	mu        sync.Mutex
	ambiguous int
	omitted   int
}

func (r *countingRecorder) AmbiguousMatch() {
	r.mu.Lock()
	r.ambiguous++
	r.mu.Unlock()
}

func (r *countingRecorder) AggregationOmitted(n int) {
	r.mu.Lock()
	r.omitted += n
	r.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
