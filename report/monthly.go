package report

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"strconv"
	"time"

	"github.com/odyssey-erp/odyssey-billing/internal/billing"
)

//go:embed templates/*.html
var templates embed.FS

// PDFClient exposes the subset of the Gotenberg client used by the exporter.
type PDFClient interface {
	RenderHTML(ctx context.Context, html string) ([]byte, error)
}

// Exporter renders monthly charge reports as PDF and CSV.
type Exporter struct {
	tpl    *template.Template
	client PDFClient
	loc    *time.Location
	now    func() time.Time
}

// NewExporter parses the report template. A nil client disables PDF output only.
func NewExporter(client PDFClient, loc *time.Location) (*Exporter, error) {
	if loc == nil {
		loc = time.UTC
	}
	funcMap := template.FuncMap{
		"formatDate":   formatDate,
		"formatAmount": billing.FormatAmount,
		"formatTime": func(t time.Time) string {
			return t.In(loc).Format("02/01/2006 15:04")
		},
	}
	tpl, err := template.New("monthly_charges.html").Funcs(funcMap).ParseFS(templates, "templates/monthly_charges.html")
	if err != nil {
		return nil, fmt.Errorf("report: parse template: %w", err)
	}
	return &Exporter{tpl: tpl, client: client, loc: loc, now: time.Now}, nil
}

type statusLine struct {
	Status billing.DerivedStatus
	Count  int
	Value  float64
}

type monthlyDocument struct {
	Title       string
	From        string
	To          string
	Institution string
	GeneratedAt time.Time
	Report      *billing.MonthlyReport
	Totals      []statusLine
	Grand       float64
}

var statusOrder = []billing.DerivedStatus{billing.StatusPaid, billing.StatusPending, billing.StatusOverdue}

func (e *Exporter) document(report *billing.MonthlyReport) monthlyDocument {
	doc := monthlyDocument{
		Title:       fmt.Sprintf("Cobranças %02d/%d", report.Month, report.Year),
		From:        formatDate(report.From),
		To:          formatDate(report.To),
		GeneratedAt: e.now(),
		Report:      report,
	}
	if report.InstitutionID != nil {
		doc.Institution = strconv.FormatInt(*report.InstitutionID, 10)
	}
	for _, status := range statusOrder {
		total := report.Totals[status]
		doc.Totals = append(doc.Totals, statusLine{Status: status, Count: total.Count, Value: total.Value})
		doc.Grand += total.Value
	}
	return doc
}

// MonthlyHTML executes the report template.
func (e *Exporter) MonthlyHTML(report *billing.MonthlyReport) (string, error) {
	if e == nil || e.tpl == nil {
		return "", errors.New("report: exporter not initialised")
	}
	if report == nil {
		return "", errors.New("report: nil monthly report")
	}
	buf := &bytes.Buffer{}
	if err := e.tpl.Execute(buf, e.document(report)); err != nil {
		return "", fmt.Errorf("report: execute template: %w", err)
	}
	return buf.String(), nil
}

// MonthlyPDF renders the report and converts it through Gotenberg.
func (e *Exporter) MonthlyPDF(ctx context.Context, report *billing.MonthlyReport) ([]byte, error) {
	if e == nil || e.client == nil {
		return nil, errors.New("report: pdf client not configured")
	}
	html, err := e.MonthlyHTML(report)
	if err != nil {
		return nil, err
	}
	return e.client.RenderHTML(ctx, html)
}

// MonthlyCSV streams the report rows followed by the per-status totals.
func (e *Exporter) MonthlyCSV(w io.Writer, report *billing.MonthlyReport) error {
	if report == nil {
		return errors.New("report: nil monthly report")
	}
	streamer := newCSVStreamer(w)
	if err := streamer.writeComment(fmt.Sprintf("# Report: Cobrancas %02d/%d", report.Month, report.Year)); err != nil {
		return err
	}
	if err := streamer.writeComment(fmt.Sprintf("# Due: %s to %s", report.From, report.To)); err != nil {
		return err
	}
	if report.InstitutionID != nil {
		if err := streamer.writeComment(fmt.Sprintf("# Institution: %d", *report.InstitutionID)); err != nil {
			return err
		}
	}
	if report.Omitted > 0 {
		if err := streamer.writeComment(fmt.Sprintf("# Omitted customers: %d", report.Omitted)); err != nil {
			return err
		}
	}
	if err := streamer.writeRow([]string{"Charge ID", "Customer ID", "Client", "Subscription", "Billing Type", "Due Date", "Payment Date", "Provider Status", "Status", "Value"}); err != nil {
		return err
	}
	for _, row := range report.Charges {
		if err := streamer.writeRow([]string{
			row.ID,
			row.CustomerID,
			row.ClientName,
			row.SubscriptionID,
			string(row.BillingType),
			row.DueDate,
			row.PaymentDate,
			row.RawStatus,
			string(row.Status),
			formatDecimal(row.Value),
		}); err != nil {
			return err
		}
	}
	if err := streamer.writeRow(make([]string, 10)); err != nil {
		return err
	}
	for _, status := range statusOrder {
		total := report.Totals[status]
		if err := streamer.writeRow([]string{"Totals", "", "", "", "", "", "", strconv.Itoa(total.Count), string(status), formatDecimal(total.Value)}); err != nil {
			return err
		}
	}
	return streamer.Close()
}

func formatDecimal(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// formatDate turns an ISO date into dd/mm/yyyy; other input is returned as is.
func formatDate(iso string) string {
	t, err := time.Parse("2006-01-02", iso)
	if err != nil {
		return iso
	}
	return t.Format("02/01/2006")
}
