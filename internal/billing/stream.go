package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-billing/internal/platform/httpx"
)

// Event names of the monthly charge stream.
const (
	EventMeta  = "metaInicial"
	EventBatch = "batch"
	EventDone  = "done"
	EventError = "erro"
)

var errStreamingUnsupported = errors.New("billing: response writer cannot stream")

// eventSink writes server-sent events and flushes after each one.
type eventSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

func newEventSink(w http.ResponseWriter) (*eventSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errStreamingUnsupported
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &eventSink{w: w, flusher: flusher}, nil
}

func (s *eventSink) Meta(ctx context.Context, meta ReportMeta) error {
	return s.send(ctx, EventMeta, meta)
}

func (s *eventSink) Batch(ctx context.Context, rows []ReportCharge) error {
	return s.send(ctx, EventBatch, rows)
}

// done writes the terminal event. No event is written afterwards.
func (s *eventSink) done(summary *StreamSummary) error {
	if summary == nil {
		summary = &StreamSummary{}
	}
	return s.terminal(EventDone, summary)
}

// fail reports err through the erro event instead of dropping the connection.
func (s *eventSink) fail(err error) error {
	_, code := httpx.Classify(err)
	payload := struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}{Code: code, Message: err.Error()}
	if code == httpx.CodeInternal {
		payload.Message = "internal error"
	}
	return s.terminal(EventError, payload)
}

func (s *eventSink) terminal(event string, data any) error {
	if err := s.send(context.Background(), event, data); err != nil {
		return err
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *eventSink) send(ctx context.Context, event string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("billing: encode %s event: %w", event, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("billing: stream closed, dropping %s event", event)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, raw); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
