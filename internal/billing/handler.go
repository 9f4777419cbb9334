package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-billing/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-billing/internal/shared"
)

// BackfillEnqueuer schedules an asynchronous customer backfill.
type BackfillEnqueuer interface {
	EnqueueBackfill(ctx context.Context, limit int) (string, error)
}

// ReportExporter renders monthly reports to downloadable documents.
type ReportExporter interface {
	MonthlyPDF(ctx context.Context, report *MonthlyReport) ([]byte, error)
	MonthlyCSV(w io.Writer, report *MonthlyReport) error
}

// HandlerOptions wires optional collaborators of the HTTP handler.
type HandlerOptions struct {
	Backfill BackfillEnqueuer
	Reports  ReportExporter
	// Timeout bounds every non-streaming request. Zero disables it.
	Timeout time.Duration
}

// Handler exposes billing over JSON and server-sent events.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	backfill  BackfillEnqueuer
	reports   ReportExporter
	timeout   time.Duration
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, opts HandlerOptions) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		backfill:  opts.Backfill,
		reports:   opts.Reports,
		timeout:   opts.Timeout,
		validator: newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.timeout > 0 {
			r.Use(middleware.Timeout(h.timeout))
		}
		r.Post("/customers", h.findOrCreateCustomer)
		r.Post("/customers/backfill", h.backfillCustomers)
		r.Post("/enrollments", h.enrollSale)
		r.Get("/subscriptions/{id}", h.getSubscription)
		r.Delete("/subscriptions/{id}", h.cancelSubscription)
		r.Get("/subscriptions/{id}/link", h.subscriptionLink)
		r.Get("/charges/monthly", h.monthlyCharges)
		r.Get("/charges/monthly/pdf", h.monthlyPDF)
		r.Get("/charges/monthly/csv", h.monthlyCSV)
		r.Get("/charges/{id}", h.getCharge)
	})

	// Streams stay open for as long as the report takes.
	r.Get("/charges/monthly/stream", h.streamMonthlyCharges)
}

func (h *Handler) findOrCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req customerRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, "find or create customer", err)
		return
	}
	id, err := h.service.FindOrCreateCustomer(r.Context(), CustomerInput{TaxID: req.TaxID, Name: req.Name, Email: req.Email})
	if err != nil {
		h.fail(w, r, "find or create customer", err)
		return
	}
	httpx.JSON(w, http.StatusOK, customerResponse{CustomerID: id})
}

func (h *Handler) backfillCustomers(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if r.ContentLength != 0 {
		if err := h.decode(r, &req); err != nil {
			h.fail(w, r, "backfill customers", err)
			return
		}
	}
	if h.backfill != nil {
		taskID, err := h.backfill.EnqueueBackfill(r.Context(), req.Limit)
		if err != nil {
			h.fail(w, r, "enqueue backfill", err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, backfillResponse{Queued: true, TaskID: taskID})
		return
	}
	result, err := h.service.BackfillCustomers(r.Context(), req.Limit)
	if err != nil {
		h.fail(w, r, "backfill customers", err)
		return
	}
	httpx.JSON(w, http.StatusOK, backfillResponse{Scanned: result.Scanned, Linked: result.Linked, Failed: result.Failed})
}

func (h *Handler) enrollSale(w http.ResponseWriter, r *http.Request) {
	var req enrollmentRequest
	if err := h.decode(r, &req); err != nil {
		h.fail(w, r, "enroll sale", err)
		return
	}
	enrollment, err := h.service.EnrollSale(r.Context(), SaleInput{
		TaxID:          req.TaxID,
		Name:           req.Name,
		Email:          req.Email,
		Value:          req.Value,
		PaymentMethod:  req.PaymentMethod,
		MaxOccurrences: req.MaxOccurrences,
		Description:    req.Description,
		SaleReference:  req.SaleReference,
	})
	if err != nil {
		h.fail(w, r, "enroll sale", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, enrollmentResponse{
		CustomerID:     enrollment.CustomerID,
		ClientID:       enrollment.ClientID,
		SubscriptionID: enrollment.Subscription.ID,
		InvoiceURL:     enrollment.InvoiceURL,
		FirstDueDate:   enrollment.FirstDueDate.Format(dateLayout),
	})
}

func (h *Handler) getSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.service.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get subscription", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

func (h *Handler) cancelSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.service.CancelSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "cancel subscription", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

func (h *Handler) subscriptionLink(w http.ResponseWriter, r *http.Request) {
	sub, err := h.service.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "subscription link", err)
		return
	}
	link, err := h.service.FirstChargeLink(r.Context(), sub)
	if err != nil {
		h.fail(w, r, "subscription link", err)
		return
	}
	httpx.JSON(w, http.StatusOK, linkResponse{SubscriptionID: sub.ID, InvoiceURL: link})
}

func (h *Handler) getCharge(w http.ResponseWriter, r *http.Request) {
	charge, err := h.service.GetCharge(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get charge", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toChargeResponse(charge))
}

func (h *Handler) monthlyCharges(w http.ResponseWriter, r *http.Request) {
	params, err := h.monthlyParams(r)
	if err != nil {
		h.fail(w, r, "monthly charges", err)
		return
	}
	report, err := h.service.ListMonthlyCharges(r.Context(), params.query())
	if err != nil {
		h.fail(w, r, "monthly charges", err)
		return
	}
	resp := monthlyResponse{MonthlyReport: report}
	if params.PerPage > 0 {
		p := shared.NewPagination(params.Page, params.PerPage, report.Total)
		start, end := p.Bounds(len(report.Charges))
		report.Charges = report.Charges[start:end]
		resp.Pagination = &pageMeta{Page: p.Page, PerPage: p.PerPage, Total: p.Total, TotalPages: p.TotalPages}
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) monthlyPDF(w http.ResponseWriter, r *http.Request) {
	report, ok := h.exportableReport(w, r, "monthly pdf")
	if !ok {
		return
	}
	pdf, err := h.reports.MonthlyPDF(r.Context(), report)
	if err != nil {
		h.logger.Error("render monthly pdf", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, httpx.CodeProvider, "pdf rendering failed")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%s.pdf", reportFilename(report)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

func (h *Handler) monthlyCSV(w http.ResponseWriter, r *http.Request) {
	report, ok := h.exportableReport(w, r, "monthly csv")
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", reportFilename(report)))
	w.WriteHeader(http.StatusOK)
	if err := h.reports.MonthlyCSV(w, report); err != nil {
		h.logger.Error("write monthly csv", slog.Any("error", err))
	}
}

func (h *Handler) exportableReport(w http.ResponseWriter, r *http.Request, op string) (*MonthlyReport, bool) {
	if h.reports == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, httpx.CodeInternal, "report export not configured")
		return nil, false
	}
	params, err := h.monthlyParams(r)
	if err != nil {
		h.fail(w, r, op, err)
		return nil, false
	}
	report, err := h.service.ListMonthlyCharges(r.Context(), params.query())
	if err != nil {
		h.fail(w, r, op, err)
		return nil, false
	}
	return report, true
}

func (h *Handler) streamMonthlyCharges(w http.ResponseWriter, r *http.Request) {
	sink, err := newEventSink(w)
	if err != nil {
		h.fail(w, r, "stream monthly charges", err)
		return
	}
	ctx := r.Context()
	params, err := h.monthlyParams(r)
	var summary *StreamSummary
	if err == nil {
		summary, err = h.service.StreamMonthlyCharges(ctx, params.query(), sink)
	}
	if err != nil {
		if ctx.Err() != nil {
			h.logger.Debug("stream client disconnected", slog.Any("error", ctx.Err()))
			return
		}
		h.logger.Warn("stream monthly charges", slog.Any("error", err))
		if sendErr := sink.fail(err); sendErr != nil {
			h.logger.Debug("send stream error event", slog.Any("error", sendErr))
		}
		return
	}
	if err := sink.done(summary); err != nil {
		h.logger.Debug("send stream done event", slog.Any("error", err))
	}
}

func (h *Handler) monthlyParams(r *http.Request) (monthlyParams, error) {
	params, err := parseMonthlyParams(r.URL.Query())
	if err != nil {
		return params, err
	}
	if err := h.validator.Struct(params); err != nil {
		return params, validationError(err)
	}
	return params, nil
}

func (h *Handler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return invalid("body", "malformed JSON: "+err.Error())
	}
	if err := h.validator.Struct(target); err != nil {
		return validationError(err)
	}
	return nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := httpx.Classify(err)
	attrs := []any{slog.String("op", op), slog.String("code", code), slog.Any("error", err)}
	if reqID := middleware.GetReqID(r.Context()); reqID != "" {
		attrs = append(attrs, slog.String("request_id", reqID))
	}
	switch {
	case status >= http.StatusInternalServerError:
		h.logger.Error("billing request failed", attrs...)
	case errors.Is(err, ErrNotFound):
		h.logger.Debug("billing request failed", attrs...)
	default:
		h.logger.Info("billing request failed", attrs...)
	}
	httpx.RespondError(w, err)
}

func reportFilename(report *MonthlyReport) string {
	name := fmt.Sprintf("cobrancas-%04d-%02d", report.Year, report.Month)
	if report.InstitutionID != nil {
		name += fmt.Sprintf("-inst%d", *report.InstitutionID)
	}
	return name
}
