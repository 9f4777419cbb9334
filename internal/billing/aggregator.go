package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const dateLayout = "2006-01-02"

var amountPrinter = message.NewPrinter(language.BrazilianPortuguese)

// MonthlyQuery selects the charges due within one calendar month.
type MonthlyQuery struct {
	InstitutionID *int64
	Month         int
	Year          int
	Order         SortOrder
}

// ReportCharge is one report row: a charge joined with the local client name.
type ReportCharge struct {
	ID             string        `json:"id"`
	CustomerID     string        `json:"customer_id"`
	ClientName     string        `json:"client_name"`
	SubscriptionID string        `json:"subscription_id,omitempty"`
	Value          float64       `json:"value"`
	ValueLabel     string        `json:"value_label"`
	BillingType    BillingType   `json:"billing_type"`
	RawStatus      string        `json:"raw_status"`
	Status         DerivedStatus `json:"status"`
	DueDate        string        `json:"due_date"`
	PaymentDate    string        `json:"payment_date,omitempty"`
	InvoiceURL     string        `json:"invoice_url,omitempty"`

	due time.Time
}

// StatusTotal sums the rows of one derived status.
type StatusTotal struct {
	Count int     `json:"count"`
	Value float64 `json:"value"`
}

// ReportMeta describes a monthly report before any row is produced.
type ReportMeta struct {
	Month         int       `json:"month"`
	Year          int       `json:"year"`
	InstitutionID *int64    `json:"institution_id,omitempty"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Order         SortOrder `json:"order"`
	Customers     int       `json:"customers,omitempty"`
}

// MonthlyReport is the aggregated charge list of a month.
type MonthlyReport struct {
	ReportMeta
	Charges  []ReportCharge                `json:"charges"`
	Total    int                           `json:"total"`
	Totals   map[DerivedStatus]StatusTotal `json:"totals"`
	Omitted  int                           `json:"omitted"`
	Failures []AggregationFailure          `json:"failures,omitempty"`
}

// StreamSummary closes a streamed report.
type StreamSummary struct {
	Total    int                  `json:"total"`
	Batches  int                  `json:"batches"`
	Omitted  int                  `json:"omitted"`
	Failures []AggregationFailure `json:"failures,omitempty"`
}

// StreamSink receives incremental report events.
type StreamSink interface {
	Meta(ctx context.Context, meta ReportMeta) error
	Batch(ctx context.Context, rows []ReportCharge) error
}

type monthlyPlan struct {
	meta      ReportMeta
	order     SortOrder
	from      time.Time
	to        time.Time
	clients   []LocalClient
	directory map[string]string
	scoped    bool
}

// ListMonthlyCharges aggregates every page of charges due in the requested month.
// When an institution is given, charges are read per local client; a client whose
// lookup fails is omitted and reported in Failures. Rows are sorted by due date and
// ties keep provider order.
func (s *Service) ListMonthlyCharges(ctx context.Context, q MonthlyQuery) (*MonthlyReport, error) {
	plan, err := s.planMonthly(ctx, q)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	report := &MonthlyReport{ReportMeta: plan.meta, Charges: []ReportCharge{}}

	if !plan.scoped {
		err := s.eachChargePage(ctx, plan.filter(""), func(page []Charge) error {
			report.Charges = append(report.Charges, plan.rows(page, "", now)...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("billing: monthly charges: %w", err)
		}
	} else {
		rows := make([][]ReportCharge, len(plan.clients))
		errs := make([]error, len(plan.clients))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.fanout)
		for i, client := range plan.clients {
			g.Go(func() error {
				rows[i], errs[i] = s.clientRows(gctx, plan, client, now)
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i, client := range plan.clients {
			if errs[i] != nil {
				report.Failures = append(report.Failures, s.omit(client, errs[i]))
				continue
			}
			report.Charges = append(report.Charges, rows[i]...)
		}
		report.Omitted = len(report.Failures)
		s.metrics.AggregationOmitted(report.Omitted)
	}

	sortRows(report.Charges, plan.order)
	report.Total = len(report.Charges)
	report.Totals = totalsByStatus(report.Charges)
	return report, nil
}

// StreamMonthlyCharges emits the report as it is read: the meta event first, then one
// batch per provider page (or per client when scoped to an institution). Rows are
// sorted within a batch only. Sink errors stop production.
func (s *Service) StreamMonthlyCharges(ctx context.Context, q MonthlyQuery, sink StreamSink) (*StreamSummary, error) {
	plan, err := s.planMonthly(ctx, q)
	if err != nil {
		return nil, err
	}
	if err := sink.Meta(ctx, plan.meta); err != nil {
		return nil, err
	}
	now := s.Now()
	summary := &StreamSummary{}
	emit := func(rows []ReportCharge) error {
		if len(rows) == 0 {
			return nil
		}
		sortRows(rows, plan.order)
		if err := sink.Batch(ctx, rows); err != nil {
			return err
		}
		summary.Total += len(rows)
		summary.Batches++
		return nil
	}

	if !plan.scoped {
		err := s.eachChargePage(ctx, plan.filter(""), func(page []Charge) error {
			return emit(plan.rows(page, "", now))
		})
		if err != nil {
			return summary, fmt.Errorf("billing: monthly charges: %w", err)
		}
		return summary, nil
	}

	for _, client := range plan.clients {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		rows, err := s.clientRows(ctx, plan, client, now)
		if err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			summary.Failures = append(summary.Failures, s.omit(client, err))
			continue
		}
		if err := emit(rows); err != nil {
			return summary, err
		}
	}
	summary.Omitted = len(summary.Failures)
	s.metrics.AggregationOmitted(summary.Omitted)
	return summary, nil
}

func (s *Service) planMonthly(ctx context.Context, q MonthlyQuery) (*monthlyPlan, error) {
	if q.Month < 1 || q.Month > 12 {
		return nil, invalid("month", "must be between 1 and 12")
	}
	if q.Year < 2000 || q.Year > 2100 {
		return nil, invalid("year", "out of range")
	}
	order := q.Order
	switch order {
	case "":
		order = OrderAsc
	case OrderAsc, OrderDesc:
	default:
		return nil, invalid("order", "must be asc or desc")
	}
	if q.InstitutionID != nil && *q.InstitutionID <= 0 {
		return nil, invalid("institution_id", "must be positive")
	}

	from, to := MonthWindow(q.Year, time.Month(q.Month), s.loc)
	plan := &monthlyPlan{
		meta: ReportMeta{
			Month:         q.Month,
			Year:          q.Year,
			InstitutionID: q.InstitutionID,
			From:          from.Format(dateLayout),
			To:            to.Format(dateLayout),
			Order:         order,
		},
		order: order,
		from:  from,
		to:    to,
	}
	if s.store == nil {
		plan.directory = map[string]string{}
		if q.InstitutionID != nil {
			return nil, fmt.Errorf("billing: client store not configured")
		}
		return plan, nil
	}

	if q.InstitutionID != nil {
		clients, err := s.store.ClientsByInstitution(ctx, *q.InstitutionID)
		if err != nil {
			return nil, fmt.Errorf("billing: institution clients: %w", err)
		}
		// Several rows may link to one provider customer; read it once under the
		// first row's name.
		seen := make(map[string]struct{}, len(clients))
		for _, c := range clients {
			if c.ProviderCustomerID == "" {
				continue
			}
			if _, ok := seen[c.ProviderCustomerID]; ok {
				continue
			}
			seen[c.ProviderCustomerID] = struct{}{}
			plan.clients = append(plan.clients, c)
		}
		plan.scoped = true
		plan.meta.Customers = len(plan.clients)
		return plan, nil
	}

	clients, err := s.store.ClientsWithProviderID(ctx)
	if err != nil {
		return nil, fmt.Errorf("billing: client directory: %w", err)
	}
	plan.directory = make(map[string]string, len(clients))
	for _, c := range clients {
		if _, ok := plan.directory[c.ProviderCustomerID]; !ok {
			plan.directory[c.ProviderCustomerID] = c.DisplayName()
		}
	}
	return plan, nil
}

func (p *monthlyPlan) filter(customerID string) ChargeFilter {
	return ChargeFilter{CustomerID: customerID, DueFrom: p.from, DueTo: p.to}
}

func (p *monthlyPlan) rows(charges []Charge, name string, now time.Time) []ReportCharge {
	out := make([]ReportCharge, 0, len(charges))
	for _, c := range charges {
		clientName := name
		if clientName == "" {
			clientName = p.directory[c.CustomerID]
		}
		if clientName == "" {
			clientName = fmt.Sprintf("Cliente ID: %s", c.CustomerID)
		}
		row := ReportCharge{
			ID:             c.ID,
			CustomerID:     c.CustomerID,
			ClientName:     clientName,
			SubscriptionID: c.SubscriptionID,
			Value:          c.Value,
			ValueLabel:     FormatAmount(c.Value),
			BillingType:    c.BillingType,
			RawStatus:      c.RawStatus,
			Status:         Classify(c.RawStatus, c.DueDate, now),
			DueDate:        c.DueDate.Format(dateLayout),
			InvoiceURL:     c.InvoiceURL,
			due:            c.DueDate,
		}
		if c.PaymentDate != nil {
			row.PaymentDate = c.PaymentDate.Format(dateLayout)
		}
		out = append(out, row)
	}
	return out
}

func (s *Service) clientRows(ctx context.Context, plan *monthlyPlan, client LocalClient, now time.Time) ([]ReportCharge, error) {
	var rows []ReportCharge
	err := s.eachChargePage(ctx, plan.filter(client.ProviderCustomerID), func(page []Charge) error {
		rows = append(rows, plan.rows(page, client.DisplayName(), now)...)
		return nil
	})
	return rows, err
}

func (s *Service) omit(client LocalClient, err error) AggregationFailure {
	s.logger.Warn("charges omitted from monthly report",
		slog.Int64("client_id", client.ID),
		slog.String("customer_id", client.ProviderCustomerID),
		slog.Any("error", err))
	return AggregationFailure{
		ProviderCustomerID: client.ProviderCustomerID,
		ClientName:         client.DisplayName(),
		Error:              err.Error(),
	}
}

// eachChargePage walks the provider offset/limit pages of a filter.
func (s *Service) eachChargePage(ctx context.Context, filter ChargeFilter, fn func([]Charge) error) error {
	filter.Offset = 0
	filter.Limit = s.pageSize
	for {
		page, err := s.listCharges(ctx, filter)
		if err != nil {
			return err
		}
		if len(page.Data) > 0 {
			if err := fn(page.Data); err != nil {
				return err
			}
		}
		if !page.HasMore || len(page.Data) == 0 {
			return nil
		}
		filter.Offset += len(page.Data)
	}
}

func (s *Service) listCharges(ctx context.Context, filter ChargeFilter) (*ChargePage, error) {
	if s.cache == nil {
		return s.provider.ListCharges(ctx, filter)
	}
	return s.cache.Page(ctx, filter, s.provider.ListCharges)
}

func sortRows(rows []ReportCharge, order SortOrder) {
	sort.SliceStable(rows, func(i, j int) bool {
		if order == OrderDesc {
			return rows[i].due.After(rows[j].due)
		}
		return rows[i].due.Before(rows[j].due)
	})
}

func totalsByStatus(rows []ReportCharge) map[DerivedStatus]StatusTotal {
	totals := map[DerivedStatus]StatusTotal{
		StatusPaid:    {},
		StatusPending: {},
		StatusOverdue: {},
	}
	for _, r := range rows {
		t := totals[r.Status]
		t.Count++
		t.Value += r.Value
		totals[r.Status] = t
	}
	return totals
}

// FormatAmount renders a BRL amount with Brazilian separators.
func FormatAmount(v float64) string {
	return amountPrinter.Sprintf("R$ %.2f", v)
}
