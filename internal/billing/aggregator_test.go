package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-billing/internal/platform/httpx"
)

func marchCharges() []Charge {
	paid := date(2024, 3, 4)
	return []Charge{
		{ID: "pay_1", CustomerID: "cus_1", RawStatus: "PENDING", Value: 100, DueDate: date(2024, 3, 20)},
		{ID: "pay_2", CustomerID: "cus_2", RawStatus: "RECEIVED", Value: 50, DueDate: date(2024, 3, 5), PaymentDate: &paid},
		{ID: "pay_3", CustomerID: "cus_x", RawStatus: "PENDING", Value: 25, DueDate: date(2024, 3, 10)},
		{ID: "pay_4", CustomerID: "cus_1", RawStatus: "PENDING", Value: 75, DueDate: date(2024, 3, 10)},
		{ID: "pay_5", CustomerID: "cus_2", RawStatus: "PENDING", Value: 10, DueDate: date(2024, 4, 10)},
		{ID: "pay_6", CustomerID: "cus_1", RawStatus: "CONFIRMED", Value: 30, DueDate: date(2024, 2, 29)},
		{ID: "pay_7", CustomerID: "cus_2", RawStatus: "PENDING", Value: 40, DueDate: date(2024, 3, 31)},
	}
}

func marchStore() *memoryStore {
	return &memoryStore{clients: []LocalClient{
		{ID: 1, InstitutionID: 1, Name: "Ana Souza", TaxID: "12345678909", ProviderCustomerID: "cus_1"},
		{ID: 2, InstitutionID: 1, Name: "", TaxID: "98765432100", ProviderCustomerID: "cus_2"},
		{ID: 3, InstitutionID: 1, Name: "Sem cadastro", TaxID: "11122233344"},
		{ID: 4, InstitutionID: 2, Name: "Outra", TaxID: "55566677788", ProviderCustomerID: "cus_9"},
	}}
}

func ids(rows []ReportCharge) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ID)
	}
	return out
}

func TestListMonthlyChargesAggregatesAllPages(t *testing.T) {
	provider := newMemoryProvider()
	provider.charges = marchCharges()
	svc := newTestService(provider, marchStore(), Options{PageSize: 2})

	report, err := svc.ListMonthlyCharges(context.Background(), MonthlyQuery{Month: 3, Year: 2024})
	require.NoError(t, err)

	// pay_3 and pay_4 share a due date and keep provider order.
	require.Equal(t, []string{"pay_2", "pay_3", "pay_4", "pay_1", "pay_7"}, ids(report.Charges))
	require.Equal(t, 5, report.Total)
	require.Equal(t, "2024-03-01", report.From)
	require.Equal(t, "2024-03-31", report.To)
	require.Equal(t, OrderAsc, report.Order)
	require.Equal(t, 3, provider.listCalls)

	byID := map[string]ReportCharge{}
	for _, r := range report.Charges {
		_, dup := byID[r.ID]
		require.False(t, dup, "duplicate %s", r.ID)
		byID[r.ID] = r
	}
	assert.Equal(t, "Ana Souza", byID["pay_1"].ClientName)
	assert.Equal(t, "98765432100", byID["pay_2"].ClientName)
	assert.Equal(t, "Cliente ID: cus_x", byID["pay_3"].ClientName)
	assert.Equal(t, StatusPaid, byID["pay_2"].Status)
	assert.Equal(t, "2024-03-04", byID["pay_2"].PaymentDate)
	assert.Equal(t, StatusOverdue, byID["pay_3"].Status)
	assert.Equal(t, StatusPending, byID["pay_1"].Status)
	assert.Equal(t, FormatAmount(100), byID["pay_1"].ValueLabel)

	assert.Equal(t, StatusTotal{Count: 1, Value: 50}, report.Totals[StatusPaid])
	assert.Equal(t, StatusTotal{Count: 2, Value: 100}, report.Totals[StatusOverdue])
	assert.Equal(t, StatusTotal{Count: 2, Value: 140}, report.Totals[StatusPending])
}

func TestListMonthlyChargesDescending(t *testing.T) {
	provider := newMemoryProvider()
	provider.charges = marchCharges()
	svc := newTestService(provider, marchStore(), Options{PageSize: 3})

	report, err := svc.ListMonthlyCharges(context.Background(), MonthlyQuery{Month: 3, Year: 2024, Order: OrderDesc})
	require.NoError(t, err)
	require.Equal(t, []string{"pay_7", "pay_1", "pay_3", "pay_4", "pay_2"}, ids(report.Charges))
}

func TestListMonthlyChargesEmptyMonth(t *testing.T) {
	provider := newMemoryProvider()
	svc := newTestService(provider, marchStore(), Options{})

	report, err := svc.ListMonthlyCharges(context.Background(), MonthlyQuery{Month: 1, Year: 2024})
	require.NoError(t, err)
	require.NotNil(t, report.Charges)
	require.Empty(t, report.Charges)
	require.Equal(t, 1, provider.listCalls)
}

func TestListMonthlyChargesByInstitutionOmitsFailures(t *testing.T) {
	provider := newMemoryProvider()
	provider.charges = marchCharges()
	provider.failCustomers["cus_2"] = &ProviderError{Op: "payments.list", StatusCode: 500}
	recorder := &countingRecorder{}
	svc := newTestService(provider, marchStore(), Options{PageSize: 1, Metrics: recorder, Fanout: 2})

	institution := int64(1)
	report, err := svc.ListMonthlyCharges(context.Background(), MonthlyQuery{InstitutionID: &institution, Month: 3, Year: 2024})
	require.NoError(t, err)

	require.Equal(t, []string{"pay_4", "pay_1"}, ids(report.Charges))
	require.Equal(t, 2, report.Customers)
	require.Equal(t, 1, report.Omitted)
	require.Len(t, report.Failures, 1)
	require.Equal(t, "cus_2", report.Failures[0].ProviderCustomerID)
	require.Equal(t, "98765432100", report.Failures[0].ClientName)
	require.Equal(t, 1, recorder.omitted)
}

func TestListMonthlyChargesByInstitutionReadsSharedCustomerOnce(t *testing.T) {
	provider := newMemoryProvider()
	provider.charges = []Charge{
		{ID: "pay_1", CustomerID: "cus_1", RawStatus: "PENDING", Value: 100, DueDate: date(2024, 3, 20)},
	}
	store := &memoryStore{clients: []LocalClient{
		{ID: 1, InstitutionID: 1, Name: "Ana Souza", TaxID: "12345678909", ProviderCustomerID: "cus_1"},
		{ID: 2, InstitutionID: 1, Name: "Ana S.", TaxID: "123.456.789-09", ProviderCustomerID: "cus_1"},
	}}
	svc := newTestService(provider, store, Options{})
	institution := int64(1)

	report, err := svc.ListMonthlyCharges(context.Background(), MonthlyQuery{InstitutionID: &institution, Month: 3, Year: 2024})
	require.NoError(t, err)
	require.Equal(t, []string{"pay_1"}, ids(report.Charges))
	require.Equal(t, 1, report.Total)
	require.Equal(t, 1, report.Customers)
	require.Equal(t, "Ana Souza", report.Charges[0].ClientName)
	require.Equal(t, StatusTotal{Count: 1, Value: 100}, report.Totals[StatusPending])
	require.Equal(t, 1, provider.listCalls)

	sink := &recordingSink{}
	summary, err := svc.StreamMonthlyCharges(context.Background(), MonthlyQuery{InstitutionID: &institution, Month: 3, Year: 2024}, sink)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Total)
	require.Len(t, sink.batches, 1)
	require.Equal(t, []string{"pay_1"}, ids(sink.batches[0]))
}

func TestListMonthlyChargesRejectsInvalidQuery(t *testing.T) {
	provider := newMemoryProvider()
	svc := newTestService(provider, marchStore(), Options{})
	zero := int64(0)

	for _, q := range []MonthlyQuery{
		{Month: 0, Year: 2024},
		{Month: 13, Year: 2024},
		{Month: 3, Year: 1999},
		{Month: 3, Year: 2024, Order: "up"},
		{Month: 3, Year: 2024, InstitutionID: &zero},
	} {
		_, err := svc.ListMonthlyCharges(context.Background(), q)
		require.ErrorIs(t, err, httpx.ErrValidation, "%+v", q)
	}
	require.Zero(t, provider.listCalls)
}

func TestListMonthlyChargesGlobalFailureAborts(t *testing.T) {
	provider := newMemoryProvider()
	provider.listErr = &ProviderError{Op: "payments.list", StatusCode: 503}
	svc := newTestService(provider, marchStore(), Options{})

	_, err := svc.ListMonthlyCharges(context.Background(), MonthlyQuery{Month: 3, Year: 2024})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
}

type endlessProvider struct {
	*memoryProvider
}

func (p endlessProvider) ListCharges(ctx context.Context, filter ChargeFilter) (*ChargePage, error) {
	p.mu.Lock()
	p.listCalls++
	p.mu.Unlock()
	return &ChargePage{HasMore: true}, nil
}

func TestListMonthlyChargesStopsOnEmptyPage(t *testing.T) {
	provider := endlessProvider{memoryProvider: newMemoryProvider()}
	svc := NewService(provider, nil, Options{Logger: discardLogger()})

	report, err := svc.ListMonthlyCharges(context.Background(), MonthlyQuery{Month: 3, Year: 2024})
	require.NoError(t, err)
	require.Empty(t, report.Charges)
	require.Equal(t, 1, provider.listCalls)
}

type recordingSink struct {
	meta    *ReportMeta
	batches [][]ReportCharge
	failAt  int
}

func (s *recordingSink) Meta(ctx context.Context, meta ReportMeta) error {
	s.meta = &meta
	return nil
}

func (s *recordingSink) Batch(ctx context.Context, rows []ReportCharge) error {
	if s.failAt > 0 && len(s.batches)+1 == s.failAt {
		return errors.New("client gone")
	}
	s.batches = append(s.batches, append([]ReportCharge(nil), rows...))
	return nil
}

func TestStreamMonthlyChargesEmitsMetaThenBatches(t *testing.T) {
	provider := newMemoryProvider()
	provider.charges = marchCharges()
	svc := newTestService(provider, marchStore(), Options{PageSize: 2})
	sink := &recordingSink{}

	summary, err := svc.StreamMonthlyCharges(context.Background(), MonthlyQuery{Month: 3, Year: 2024}, sink)
	require.NoError(t, err)
	require.NotNil(t, sink.meta)
	require.Equal(t, 3, sink.meta.Month)
	require.Len(t, sink.batches, 3)
	require.Equal(t, 3, summary.Batches)
	require.Equal(t, 5, summary.Total)

	// Sorted within a batch only.
	require.Equal(t, []string{"pay_2", "pay_1"}, ids(sink.batches[0]))
	require.Equal(t, []string{"pay_3", "pay_4"}, ids(sink.batches[1]))
	require.Equal(t, []string{"pay_7"}, ids(sink.batches[2]))
}

func TestStreamMonthlyChargesByInstitution(t *testing.T) {
	provider := newMemoryProvider()
	provider.charges = marchCharges()
	provider.failCustomers["cus_1"] = fmt.Errorf("timeout")
	svc := newTestService(provider, marchStore(), Options{})
	sink := &recordingSink{}
	institution := int64(1)

	summary, err := svc.StreamMonthlyCharges(context.Background(), MonthlyQuery{InstitutionID: &institution, Month: 3, Year: 2024, Order: OrderDesc}, sink)
	require.NoError(t, err)
	require.Equal(t, 2, sink.meta.Customers)
	require.Len(t, sink.batches, 1)
	require.Equal(t, []string{"pay_7", "pay_2"}, ids(sink.batches[0]))
	require.Equal(t, 1, summary.Omitted)
	require.Equal(t, "cus_1", summary.Failures[0].ProviderCustomerID)
}

func TestStreamMonthlyChargesStopsOnSinkError(t *testing.T) {
	provider := newMemoryProvider()
	provider.charges = marchCharges()
	svc := newTestService(provider, marchStore(), Options{PageSize: 2})
	sink := &recordingSink{failAt: 2}

	summary, err := svc.StreamMonthlyCharges(context.Background(), MonthlyQuery{Month: 3, Year: 2024}, sink)
	require.EqualError(t, err, "billing: monthly charges: client gone")
	require.Equal(t, 1, summary.Batches)
	require.Equal(t, 2, provider.listCalls)
}

func TestStreamMonthlyChargesValidationSkipsMeta(t *testing.T) {
	svc := newTestService(newMemoryProvider(), marchStore(), Options{})
	sink := &recordingSink{}

	_, err := svc.StreamMonthlyCharges(context.Background(), MonthlyQuery{Month: 14, Year: 2024}, sink)
	require.ErrorIs(t, err, httpx.ErrValidation)
	require.Nil(t, sink.meta)
}

func TestFormatAmount(t *testing.T) {
	require.Equal(t, "R$ 1.234,50", FormatAmount(1234.5))
	require.Equal(t, "R$ 0,00", FormatAmount(0))
}

func TestMonthWindowCoversWholeLastDay(t *testing.T) {
	_, to := MonthWindow(2024, time.March, time.UTC)
	require.Equal(t, StatusPending, Classify("PENDING", to, time.Date(2024, 3, 31, 23, 0, 0, 0, time.UTC)))
}
