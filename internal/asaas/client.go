// Package asaas implements the billing provider API client.
package asaas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-billing/internal/billing"
)

const (
	ProductionURL = "https://api.asaas.com/v3"
	SandboxURL    = "https://api-sandbox.asaas.com/v3"

	dateLayout      = "2006-01-02"
	maxResponseSize = 4 << 20
)

// Observer receives one call per provider request.
type Observer interface {
	ObserveProviderRequest(op string, status int, elapsed time.Duration)
}

// Config configures the client.
type Config struct {
	APIKey     string
	Sandbox    bool
	BaseURL    string
	Timeout    time.Duration
	Location   *time.Location
	UserAgent  string
	HTTPClient *http.Client
	Observer   Observer
}

// Client talks to the provider REST API.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	loc        *time.Location
	httpClient *http.Client
	observer   Observer
}

var _ billing.Provider = (*Client)(nil)

// NewClient constructs a new client. The base URL follows the sandbox flag unless
// overridden.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("asaas: api key required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = ProductionURL
		if cfg.Sandbox {
			baseURL = SandboxURL
		}
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("asaas: invalid base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "odyssey-billing"
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     cfg.APIKey,
		userAgent:  userAgent,
		loc:        loc,
		httpClient: httpClient,
		observer:   cfg.Observer,
	}, nil
}

// BaseURL returns the API root in use.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// FindCustomersByTaxID searches active customers by CPF/CNPJ.
func (c *Client) FindCustomersByTaxID(ctx context.Context, taxID string) ([]billing.Customer, error) {
	q := url.Values{}
	q.Set("cpfCnpj", taxID)
	var out listResponse[customerPayload]
	if err := c.do(ctx, "customers.search", http.MethodGet, "/customers", q, nil, &out); err != nil {
		return nil, err
	}
	customers := make([]billing.Customer, 0, len(out.Data))
	for _, p := range out.Data {
		if p.Deleted {
			continue
		}
		customers = append(customers, toCustomer(p))
	}
	return customers, nil
}

// CreateCustomer registers a customer.
func (c *Client) CreateCustomer(ctx context.Context, customer billing.Customer) (*billing.Customer, error) {
	req := createCustomerRequest{
		Name:       customer.Name,
		CpfCnpj:    customer.TaxID,
		Email:      customer.Email,
		PersonType: string(customer.PersonType),
	}
	var out customerPayload
	if err := c.do(ctx, "customers.create", http.MethodPost, "/customers", nil, req, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, &billing.ProviderError{Op: "customers.create", Err: errors.New("response without id")}
	}
	created := toCustomer(out)
	return &created, nil
}

// CreateSubscription submits a recurring subscription.
func (c *Client) CreateSubscription(ctx context.Context, req billing.SubscriptionRequest) (*billing.Subscription, error) {
	body := createSubscriptionRequest{
		Customer:          req.CustomerID,
		BillingType:       string(req.BillingType),
		Value:             req.Value,
		NextDueDate:       req.NextDueDate.In(c.loc).Format(dateLayout),
		Cycle:             string(req.Cycle),
		Description:       req.Description,
		MaxPayments:       req.MaxOccurrences,
		ExternalReference: req.ExternalReference,
	}
	if req.FinePercent > 0 {
		body.Fine = &percentValue{Value: req.FinePercent}
	}
	if req.InterestPercent > 0 {
		body.Interest = &percentValue{Value: req.InterestPercent}
	}
	var out subscriptionPayload
	if err := c.do(ctx, "subscriptions.create", http.MethodPost, "/subscriptions", nil, body, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, &billing.ProviderError{Op: "subscriptions.create", Err: errors.New("response without id")}
	}
	return c.toSubscription(out)
}

// GetSubscription reads a subscription.
func (c *Client) GetSubscription(ctx context.Context, id string) (*billing.Subscription, error) {
	var out subscriptionPayload
	if err := c.do(ctx, "subscriptions.get", http.MethodGet, "/subscriptions/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return c.toSubscription(out)
}

// CancelSubscription deletes a subscription; the provider stops issuing charges.
func (c *Client) CancelSubscription(ctx context.Context, id string) error {
	var out deleteResponse
	if err := c.do(ctx, "subscriptions.cancel", http.MethodDelete, "/subscriptions/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return err
	}
	if !out.Deleted {
		return &billing.ProviderError{Op: "subscriptions.cancel", Err: errors.New("subscription not deleted")}
	}
	return nil
}

// ListCharges returns one page of charges matching filter.
func (c *Client) ListCharges(ctx context.Context, filter billing.ChargeFilter) (*billing.ChargePage, error) {
	q := url.Values{}
	if filter.SubscriptionID != "" {
		q.Set("subscription", filter.SubscriptionID)
	}
	if filter.CustomerID != "" {
		q.Set("customer", filter.CustomerID)
	}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if !filter.DueFrom.IsZero() {
		q.Set("dueDate[ge]", filter.DueFrom.In(c.loc).Format(dateLayout))
	}
	if !filter.DueTo.IsZero() {
		q.Set("dueDate[le]", filter.DueTo.In(c.loc).Format(dateLayout))
	}
	if filter.Order != "" {
		q.Set("sort", "dueDate")
		q.Set("order", string(filter.Order))
	}
	q.Set("offset", strconv.Itoa(filter.Offset))
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}

	var out listResponse[paymentPayload]
	if err := c.do(ctx, "payments.list", http.MethodGet, "/payments", q, nil, &out); err != nil {
		return nil, err
	}
	page := &billing.ChargePage{
		Data:       make([]billing.Charge, 0, len(out.Data)),
		HasMore:    out.HasMore,
		TotalCount: out.TotalCount,
		Offset:     out.Offset,
		Limit:      out.Limit,
	}
	for _, p := range out.Data {
		charge, err := c.toCharge(p)
		if err != nil {
			return nil, &billing.ProviderError{Op: "payments.list", Err: err}
		}
		page.Data = append(page.Data, charge)
	}
	return page, nil
}

// GetCharge reads one charge by id.
func (c *Client) GetCharge(ctx context.Context, id string) (*billing.Charge, error) {
	var out paymentPayload
	if err := c.do(ctx, "payments.get", http.MethodGet, "/payments/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	charge, err := c.toCharge(out)
	if err != nil {
		return nil, &billing.ProviderError{Op: "payments.get", Err: err}
	}
	return &charge, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("asaas: encode %s: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("asaas: build %s: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("access_token", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(op, 0, start)
		return &billing.ProviderError{Op: op, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	c.observe(op, resp.StatusCode, start)

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &billing.ProviderError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode == http.StatusNotFound {
		return &billing.ProviderError{Op: op, StatusCode: resp.StatusCode, Payload: payload, Err: billing.ErrNotFound}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &billing.ProviderError{Op: op, StatusCode: resp.StatusCode, Payload: payload}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &billing.ProviderError{Op: op, StatusCode: resp.StatusCode, Payload: payload, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func (c *Client) observe(op string, status int, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveProviderRequest(op, status, time.Since(start))
	}
}

func (c *Client) parseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(dateLayout, value, c.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("asaas: parse date %q: %w", value, err)
	}
	return t, nil
}

func toCustomer(p customerPayload) billing.Customer {
	return billing.Customer{
		ID:         p.ID,
		Name:       p.Name,
		TaxID:      p.CpfCnpj,
		Email:      p.Email,
		PersonType: billing.PersonType(p.PersonType),
	}
}

func (c *Client) toSubscription(p subscriptionPayload) (*billing.Subscription, error) {
	next, err := c.parseDate(p.NextDueDate)
	if err != nil {
		return nil, &billing.ProviderError{Op: "subscriptions", Err: err}
	}
	return &billing.Subscription{
		ID:                p.ID,
		CustomerID:        string(p.Customer),
		Value:             p.Value,
		BillingType:       billing.BillingType(p.BillingType),
		Cycle:             billing.Cycle(p.Cycle),
		NextDueDate:       next,
		MaxOccurrences:    p.MaxPayments,
		Description:       p.Description,
		ExternalReference: p.ExternalReference,
		Status:            billing.SubscriptionStatus(p.Status),
		Deleted:           p.Deleted,
		InvoiceURL:        p.InvoiceURL,
	}, nil
}

func (c *Client) toCharge(p paymentPayload) (billing.Charge, error) {
	due, err := c.parseDate(p.DueDate)
	if err != nil {
		return billing.Charge{}, err
	}
	charge := billing.Charge{
		ID:             p.ID,
		CustomerID:     string(p.Customer),
		SubscriptionID: p.Subscription,
		Value:          p.Value,
		NetValue:       p.NetValue,
		BillingType:    billing.BillingType(p.BillingType),
		RawStatus:      p.Status,
		DueDate:        due,
		InvoiceURL:     p.InvoiceURL,
		Description:    p.Description,
	}
	if p.PaymentDate != "" {
		paid, err := c.parseDate(p.PaymentDate)
		if err != nil {
			return billing.Charge{}, err
		}
		charge.PaymentDate = &paid
	}
	return charge, nil
}
