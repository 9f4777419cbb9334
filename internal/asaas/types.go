package asaas

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type listResponse[T any] struct {
	Object     string `json:"object"`
	HasMore    bool   `json:"hasMore"`
	TotalCount int    `json:"totalCount"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
	Data       []T    `json:"data"`
}

type customerPayload struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	CpfCnpj    string `json:"cpfCnpj"`
	Email      string `json:"email"`
	PersonType string `json:"personType"`
	Deleted    bool   `json:"deleted"`
}

type createCustomerRequest struct {
	Name       string `json:"name"`
	CpfCnpj    string `json:"cpfCnpj"`
	Email      string `json:"email,omitempty"`
	PersonType string `json:"personType,omitempty"`
}

type percentValue struct {
	Value float64 `json:"value"`
}

type createSubscriptionRequest struct {
	Customer          string        `json:"customer"`
	BillingType       string        `json:"billingType"`
	Value             float64       `json:"value"`
	NextDueDate       string        `json:"nextDueDate"`
	Cycle             string        `json:"cycle"`
	Description       string        `json:"description,omitempty"`
	MaxPayments       int           `json:"maxPayments,omitempty"`
	ExternalReference string        `json:"externalReference,omitempty"`
	Fine              *percentValue `json:"fine,omitempty"`
	Interest          *percentValue `json:"interest,omitempty"`
}

type subscriptionPayload struct {
	ID                string      `json:"id"`
	Customer          customerRef `json:"customer"`
	BillingType       string      `json:"billingType"`
	Cycle             string      `json:"cycle"`
	Value             float64     `json:"value"`
	NextDueDate       string      `json:"nextDueDate"`
	Description       string      `json:"description"`
	Status            string      `json:"status"`
	ExternalReference string      `json:"externalReference"`
	MaxPayments       int         `json:"maxPayments"`
	Deleted           bool        `json:"deleted"`
	InvoiceURL        string      `json:"invoiceUrl"`
}

type deleteResponse struct {
	Deleted bool   `json:"deleted"`
	ID      string `json:"id"`
}

type paymentPayload struct {
	ID           string      `json:"id"`
	Customer     customerRef `json:"customer"`
	Subscription string      `json:"subscription"`
	Value        float64     `json:"value"`
	NetValue     float64     `json:"netValue"`
	BillingType  string      `json:"billingType"`
	Status       string      `json:"status"`
	DueDate      string      `json:"dueDate"`
	PaymentDate  string      `json:"paymentDate"`
	InvoiceURL   string      `json:"invoiceUrl"`
	Description  string      `json:"description"`
}

// customerRef accepts the customer of a response either as a bare id or as an
// expanded object with an id field.
type customerRef string

func (r *customerRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	switch data[0] {
	case '"':
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*r = customerRef(id)
		return nil
	case '{':
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*r = customerRef(obj.ID)
		return nil
	}
	return fmt.Errorf("asaas: unexpected customer reference %s", string(data))
}
