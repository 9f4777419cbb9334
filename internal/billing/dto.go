package billing

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

type customerRequest struct {
	TaxID string `json:"tax_id" validate:"required,max=32"`
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email,omitempty" validate:"omitempty,email,max=200"`
}

type customerResponse struct {
	CustomerID string `json:"customer_id"`
}

type enrollmentRequest struct {
	TaxID          string  `json:"tax_id" validate:"required,max=32"`
	Name           string  `json:"name" validate:"required,max=200"`
	Email          string  `json:"email,omitempty" validate:"omitempty,email,max=200"`
	Value          float64 `json:"value" validate:"gt=0"`
	PaymentMethod  string  `json:"payment_method" validate:"required"`
	MaxOccurrences int     `json:"max_occurrences" validate:"gte=0,lte=600"`
	Description    string  `json:"description,omitempty" validate:"max=500"`
	SaleReference  string  `json:"sale_reference,omitempty" validate:"max=100"`
}

type enrollmentResponse struct {
	CustomerID     string `json:"customer_id"`
	ClientID       int64  `json:"client_id,omitempty"`
	SubscriptionID string `json:"subscription_id"`
	InvoiceURL     string `json:"invoice_url"`
	FirstDueDate   string `json:"first_due_date"`
}

type backfillRequest struct {
	Limit int `json:"limit" validate:"gte=0,lte=1000"`
}

type backfillResponse struct {
	Queued  bool   `json:"queued"`
	TaskID  string `json:"task_id,omitempty"`
	Scanned int    `json:"scanned"`
	Linked  int    `json:"linked"`
	Failed  int    `json:"failed"`
}

type subscriptionResponse struct {
	ID                string      `json:"id"`
	CustomerID        string      `json:"customer_id"`
	Value             float64     `json:"value"`
	ValueLabel        string      `json:"value_label"`
	BillingType       BillingType `json:"billing_type"`
	Cycle             Cycle       `json:"cycle"`
	NextDueDate       string      `json:"next_due_date,omitempty"`
	MaxOccurrences    int         `json:"max_occurrences,omitempty"`
	Description       string      `json:"description,omitempty"`
	ExternalReference string      `json:"external_reference,omitempty"`
	Status            string      `json:"status"`
	Deleted           bool        `json:"deleted"`
}

type linkResponse struct {
	SubscriptionID string `json:"subscription_id"`
	InvoiceURL     string `json:"invoice_url"`
}

type chargeResponse struct {
	ID             string        `json:"id"`
	CustomerID     string        `json:"customer_id"`
	SubscriptionID string        `json:"subscription_id,omitempty"`
	Value          float64       `json:"value"`
	ValueLabel     string        `json:"value_label"`
	BillingType    BillingType   `json:"billing_type"`
	RawStatus      string        `json:"raw_status"`
	Status         DerivedStatus `json:"status"`
	DueDate        string        `json:"due_date"`
	PaymentDate    string        `json:"payment_date,omitempty"`
	InvoiceURL     string        `json:"invoice_url,omitempty"`
}

type pageMeta struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

type monthlyResponse struct {
	*MonthlyReport
	Pagination *pageMeta `json:"pagination,omitempty"`
}

type monthlyParams struct {
	Month         int    `json:"month" validate:"required,min=1,max=12"`
	Year          int    `json:"year" validate:"required,min=2000,max=2100"`
	InstitutionID int64  `json:"institution_id" validate:"gte=0"`
	Order         string `json:"order" validate:"omitempty,oneof=asc desc"`
	Page          int    `json:"page" validate:"gte=0"`
	PerPage       int    `json:"per_page" validate:"gte=0,lte=500"`
}

func parseMonthlyParams(values url.Values) (monthlyParams, error) {
	var p monthlyParams
	var err error
	if p.Month, err = intParam(values, "month"); err != nil {
		return p, err
	}
	if p.Year, err = intParam(values, "year"); err != nil {
		return p, err
	}
	if raw := strings.TrimSpace(values.Get("institution_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return p, invalid("institution_id", "must be an integer")
		}
		p.InstitutionID = id
	}
	p.Order = strings.ToLower(strings.TrimSpace(values.Get("order")))
	if p.Page, err = intParam(values, "page"); err != nil {
		return p, err
	}
	if p.PerPage, err = intParam(values, "per_page"); err != nil {
		return p, err
	}
	return p, nil
}

func (p monthlyParams) query() MonthlyQuery {
	q := MonthlyQuery{Month: p.Month, Year: p.Year, Order: SortOrder(p.Order)}
	if p.InstitutionID > 0 {
		id := p.InstitutionID
		q.InstitutionID = &id
	}
	return q
}

func intParam(values url.Values, name string) (int, error) {
	raw := strings.TrimSpace(values.Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalid(name, "must be an integer")
	}
	return v, nil
}

// validationError converts validator output to the first failing field.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return invalid("", err.Error())
	}
	fe := fieldErrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return invalid(field, "required")
	case "email":
		return invalid(field, "must be a valid email")
	case "oneof":
		return invalid(field, fmt.Sprintf("must be one of %s", fe.Param()))
	default:
		return invalid(field, fmt.Sprintf("failed %s=%s", fe.Tag(), fe.Param()))
	}
}

func toSubscriptionResponse(sub *Subscription) subscriptionResponse {
	resp := subscriptionResponse{
		ID:                sub.ID,
		CustomerID:        sub.CustomerID,
		Value:             sub.Value,
		ValueLabel:        FormatAmount(sub.Value),
		BillingType:       sub.BillingType,
		Cycle:             sub.Cycle,
		MaxOccurrences:    sub.MaxOccurrences,
		Description:       sub.Description,
		ExternalReference: sub.ExternalReference,
		Status:            string(sub.Status),
		Deleted:           sub.Deleted,
	}
	if !sub.NextDueDate.IsZero() {
		resp.NextDueDate = sub.NextDueDate.Format(dateLayout)
	}
	return resp
}

func toChargeResponse(c *ClassifiedCharge) chargeResponse {
	resp := chargeResponse{
		ID:             c.ID,
		CustomerID:     c.CustomerID,
		SubscriptionID: c.SubscriptionID,
		Value:          c.Value,
		ValueLabel:     FormatAmount(c.Value),
		BillingType:    c.BillingType,
		RawStatus:      c.RawStatus,
		Status:         c.Status,
		InvoiceURL:     c.InvoiceURL,
	}
	if !c.DueDate.IsZero() {
		resp.DueDate = c.DueDate.Format(dateLayout)
	}
	if c.PaymentDate != nil {
		resp.PaymentDate = c.PaymentDate.Format(dateLayout)
	}
	return resp
}
