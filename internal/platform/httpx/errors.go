// Package httpx provides HTTP response utilities.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// Machine-readable problem codes.
const (
	CodeValidation   = "validation_error"
	CodeProvider     = "provider_error"
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeForbidden    = "forbidden"
	CodeUnauthorized = "unauthorized"
	CodeTimeout      = "timeout"
	CodeInternal     = "internal_error"
)

// upstreamError is implemented by errors carrying a raw payload from a remote API.
type upstreamError interface {
	error
	ProviderPayload() []byte
}

// Classify maps an error to its HTTP status and problem code.
func Classify(err error) (int, string) {
	var upstream upstreamError
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, CodeValidation
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, ErrDuplicate):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	case errors.As(err, &upstream):
		return http.StatusBadGateway, CodeProvider
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	status, code := Classify(err)
	problem := ProblemDetail{
		Title:  http.StatusText(status),
		Status: status,
		Code:   code,
	}
	if code != CodeInternal {
		problem.Detail = err.Error()
	}
	var upstream upstreamError
	if errors.As(err, &upstream) {
		if payload := upstream.ProviderPayload(); json.Valid(payload) {
			problem.Provider = json.RawMessage(payload)
		} else if len(payload) > 0 {
			raw, _ := json.Marshal(string(payload))
			problem.Provider = raw
		}
	}
	writeProblem(w, problem)
}
