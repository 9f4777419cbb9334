package billing

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-billing/internal/platform/httpx"
)

type stubEnqueuer struct {
	limits []int
}

func (s *stubEnqueuer) EnqueueBackfill(ctx context.Context, limit int) (string, error) {
	s.limits = append(s.limits, limit)
	return "task-1", nil
}

type stubExporter struct{}

func (stubExporter) MonthlyPDF(ctx context.Context, report *MonthlyReport) ([]byte, error) {
	return []byte("%PDF-1.7 stub"), nil
}

func (stubExporter) MonthlyCSV(w io.Writer, report *MonthlyReport) error {
	_, err := io.WriteString(w, "id\r\n")
	return err
}

func newTestRouter(t *testing.T, provider *memoryProvider, opts HandlerOptions) http.Handler {
	t.Helper()
	svc := newTestService(provider, marchStore(), Options{PageSize: 2, LinkAttempts: 1, Idempotency: newMemoryGuard()})
	h := NewHandler(discardLogger(), svc, opts)
	r := chi.NewRouter()
	r.Route("/billing", h.MountRoutes)
	return r
}

func doRequest(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) httpx.ProblemDetail {
	t.Helper()
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	return problem
}

func TestHandlerFindOrCreateCustomer(t *testing.T) {
	provider := newMemoryProvider()
	router := newTestRouter(t, provider, HandlerOptions{Timeout: time.Second})

	rr := doRequest(t, router, http.MethodPost, "/billing/customers", `{"tax_id":"123.456.789-09","name":"Ana"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp customerResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.CustomerID)

	rr = doRequest(t, router, http.MethodPost, "/billing/customers", `{"tax_id":"123","name":"Ana"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	problem := decodeProblem(t, rr)
	require.Equal(t, httpx.CodeValidation, problem.Code)

	rr = doRequest(t, router, http.MethodPost, "/billing/customers", `{"tax_id":"12345678909"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, decodeProblem(t, rr).Detail, "name")

	rr = doRequest(t, router, http.MethodPost, "/billing/customers", `{"tax_id":"12345678909","name":"Ana","extra":1}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, 1, provider.createCalls)
}

func TestHandlerProviderErrorIsBadGateway(t *testing.T) {
	provider := newMemoryProvider()
	provider.searchErr = &ProviderError{Op: "customers.search", StatusCode: 401, Payload: []byte(`{"errors":[{"code":"invalid_access_token"}]}`)}
	router := newTestRouter(t, provider, HandlerOptions{})

	rr := doRequest(t, router, http.MethodPost, "/billing/customers", `{"tax_id":"12345678909","name":"Ana"}`)
	require.Equal(t, http.StatusBadGateway, rr.Code)
	problem := decodeProblem(t, rr)
	require.Equal(t, httpx.CodeProvider, problem.Code)
	require.Contains(t, string(problem.Provider), "invalid_access_token")
}

func TestHandlerEnrollment(t *testing.T) {
	provider := newMemoryProvider()
	router := newTestRouter(t, provider, HandlerOptions{})
	body := `{"tax_id":"12345678909","name":"Ana","value":120.5,"payment_method":"pix","sale_reference":"S-9"}`

	rr := doRequest(t, router, http.MethodPost, "/billing/enrollments", body)
	require.Equal(t, http.StatusCreated, rr.Code)
	var resp enrollmentResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "2024-04-10", resp.FirstDueDate)
	assert.Equal(t, int64(1), resp.ClientID)
	assert.NotEmpty(t, resp.SubscriptionID)
	assert.Contains(t, resp.InvoiceURL, resp.SubscriptionID)

	rr = doRequest(t, router, http.MethodPost, "/billing/enrollments", body)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, 1, provider.subCalls)

	rr = doRequest(t, router, http.MethodPost, "/billing/enrollments", `{"tax_id":"12345678909","name":"Ana","value":0,"payment_method":"pix"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, decodeProblem(t, rr).Detail, "value")
}

func TestHandlerSubscriptionLifecycle(t *testing.T) {
	provider := newMemoryProvider()
	provider.subscriptions["sub_1"] = &Subscription{ID: "sub_1", CustomerID: "cus_1", Value: 10, Status: SubscriptionActive, NextDueDate: date(2024, 4, 10)}
	provider.charges = []Charge{{ID: "pay_1", SubscriptionID: "sub_1", InvoiceURL: "https://pay/1", DueDate: date(2024, 4, 10)}}
	router := newTestRouter(t, provider, HandlerOptions{})

	rr := doRequest(t, router, http.MethodGet, "/billing/subscriptions/sub_1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var sub subscriptionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sub))
	require.Equal(t, "2024-04-10", sub.NextDueDate)
	require.Equal(t, "ACTIVE", sub.Status)

	rr = doRequest(t, router, http.MethodGet, "/billing/subscriptions/sub_1/link", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var link linkResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &link))
	require.Equal(t, "https://pay/1", link.InvoiceURL)

	rr = doRequest(t, router, http.MethodDelete, "/billing/subscriptions/sub_1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sub))
	require.True(t, sub.Deleted)

	rr = doRequest(t, router, http.MethodGet, "/billing/subscriptions/sub_404", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, httpx.CodeNotFound, decodeProblem(t, rr).Code)
}

func TestHandlerGetCharge(t *testing.T) {
	provider := newMemoryProvider()
	provider.charges = []Charge{{ID: "pay_1", CustomerID: "cus_1", RawStatus: "PENDING", Value: 1500, DueDate: date(2024, 3, 1)}}
	router := newTestRouter(t, provider, HandlerOptions{})

	rr := doRequest(t, router, http.MethodGet, "/billing/charges/pay_1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var charge chargeResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &charge))
	require.Equal(t, StatusOverdue, charge.Status)
	require.Equal(t, "R$ 1.500,00", charge.ValueLabel)
}

func TestHandlerMonthlyChargesPagination(t *testing.T) {
	provider := newMemoryProvider()
	provider.charges = marchCharges()
	router := newTestRouter(t, provider, HandlerOptions{})

	rr := doRequest(t, router, http.MethodGet, "/billing/charges/monthly?month=3&year=2024&page=2&per_page=2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Charges    []ReportCharge `json:"charges"`
		Total      int            `json:"total"`
		Month      int            `json:"month"`
		Pagination pageMeta       `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 5, resp.Total)
	require.Equal(t, 3, resp.Month)
	require.Equal(t, pageMeta{Page: 2, PerPage: 2, Total: 5, TotalPages: 3}, resp.Pagination)
	require.Equal(t, []string{"pay_4", "pay_1"}, ids(resp.Charges))

	rr = doRequest(t, router, http.MethodGet, "/billing/charges/monthly?month=13&year=2024", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doRequest(t, router, http.MethodGet, "/billing/charges/monthly?month=3&year=2024&order=sideways", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, decodeProblem(t, rr).Detail, "order")
}

func TestHandlerBackfill(t *testing.T) {
	provider := newMemoryProvider()
	enqueuer := &stubEnqueuer{}
	router := newTestRouter(t, provider, HandlerOptions{Backfill: enqueuer})

	rr := doRequest(t, router, http.MethodPost, "/billing/customers/backfill", `{"limit":25}`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, []int{25}, enqueuer.limits)

	inline := newTestRouter(t, provider, HandlerOptions{})
	rr = doRequest(t, inline, http.MethodPost, "/billing/customers/backfill", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp backfillResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Scanned)
	require.Equal(t, 1, resp.Linked)
}

func TestHandlerExports(t *testing.T) {
	provider := newMemoryProvider()
	provider.charges = marchCharges()

	router := newTestRouter(t, provider, HandlerOptions{})
	rr := doRequest(t, router, http.MethodGet, "/billing/charges/monthly/pdf?month=3&year=2024", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)

	router = newTestRouter(t, provider, HandlerOptions{Reports: stubExporter{}})
	rr = doRequest(t, router, http.MethodGet, "/billing/charges/monthly/pdf?month=3&year=2024&institution_id=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/pdf", rr.Header().Get("Content-Type"))
	require.Contains(t, rr.Header().Get("Content-Disposition"), "cobrancas-2024-03-inst1.pdf")

	rr = doRequest(t, router, http.MethodGet, "/billing/charges/monthly/csv?month=3&year=2024", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "id\r\n", rr.Body.String())
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, body io.Reader) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.name != "" {
				events = append(events, current)
			}
			current = sseEvent{}
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func TestHandlerStreamEvents(t *testing.T) {
	provider := newMemoryProvider()
	provider.charges = marchCharges()
	router := newTestRouter(t, provider, HandlerOptions{Timeout: time.Second})

	rr := doRequest(t, router, http.MethodGet, "/billing/charges/monthly/stream?month=3&year=2024", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))

	events := readEvents(t, rr.Body)
	require.Len(t, events, 5)
	require.Equal(t, EventMeta, events[0].name)
	for _, e := range events[1:4] {
		require.Equal(t, EventBatch, e.name)
	}
	require.Equal(t, EventDone, events[4].name)

	var summary StreamSummary
	require.NoError(t, json.Unmarshal([]byte(events[4].data), &summary))
	require.Equal(t, 5, summary.Total)
	require.Equal(t, 3, summary.Batches)
}

func TestHandlerStreamReportsErrorsAsEvent(t *testing.T) {
	provider := newMemoryProvider()
	provider.listErr = &ProviderError{Op: "payments.list", StatusCode: 503}
	router := newTestRouter(t, provider, HandlerOptions{})

	rr := doRequest(t, router, http.MethodGet, "/billing/charges/monthly/stream?month=3&year=2024", "")
	require.Equal(t, http.StatusOK, rr.Code)
	events := readEvents(t, rr.Body)
	require.Len(t, events, 2)
	require.Equal(t, EventMeta, events[0].name)
	require.Equal(t, EventError, events[1].name)
	require.Contains(t, events[1].data, httpx.CodeProvider)

	rr = doRequest(t, router, http.MethodGet, "/billing/charges/monthly/stream?month=0&year=2024", "")
	events = readEvents(t, rr.Body)
	require.Len(t, events, 1)
	require.Equal(t, EventError, events[0].name)
	require.Contains(t, events[0].data, httpx.CodeValidation)
}
