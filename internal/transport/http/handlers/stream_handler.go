package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/juliustm/nyota/internal/domain/enums"
	"github.com/juliustm/nyota/internal/services/broadcast"
	paymentsvc "github.com/juliustm/nyota/internal/services/payments"
)

// StreamHandler serves the per-purchase SSE feed. A subscriber gets at most
// one terminal event: the purchase outcome if it arrives within the wait
// window, or a TIMEOUT marker telling the client to fall back to polling.
type StreamHandler struct {
	payments    *paymentsvc.Service
	broadcaster *broadcast.Broadcaster
	pendingWait time.Duration
}

func NewStreamHandler(payments *paymentsvc.Service, broadcaster *broadcast.Broadcaster, pendingWait time.Duration) *StreamHandler {
	if pendingWait <= 0 {
		pendingWait = 60 * time.Second
	}
	return &StreamHandler{
		payments:    payments,
		broadcaster: broadcaster,
		pendingWait: pendingWait,
	}
}

func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil || h.broadcaster == nil {
		writeInternal(w, "STREAM_UNAVAILABLE", "streaming is unavailable")
		return
	}

	channelID := chi.URLParam(r, "channelID")
	if channelID == "" {
		writeBadRequest(w, "VALIDATION_ERROR", "missing channel id")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeInternal(w, "STREAM_UNAVAILABLE", "response writer does not support streaming")
		return
	}

	// The ledger is re-checked before subscribing: an outcome that landed
	// between page load and stream open is served from the ledger, not lost.
	status, err := h.payments.StatusByChannel(r.Context(), channelID)
	if err != nil {
		if errors.Is(err, paymentsvc.ErrPurchaseNotFound) {
			writeNotFound(w, "PURCHASE_NOT_FOUND", "unknown payment channel")
			return
		}
		writeInternal(w, "INTERNAL_ERROR", "failed to load purchase state")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if status.Status.IsTerminal() {
		if event, ok := terminalEvent(status); ok {
			writeSSE(w, flusher, event)
		}
		return
	}

	sub := h.broadcaster.Subscribe(channelID)
	defer h.broadcaster.Unsubscribe(sub)

	timeout := time.NewTimer(h.pendingWait)
	defer timeout.Stop()

	select {
	case event := <-sub.C:
		writeSSE(w, flusher, event)
	case <-timeout.C:
		writeSSE(w, flusher, broadcast.Event{
			Status:  "TIMEOUT",
			Message: "Payment request timed out.",
		})
	case <-r.Context().Done():
	}
}

// terminalEvent maps a resolved ledger state to the event the stream would
// have delivered live. Cancelled purchases emit nothing: the buyer walked
// away and the channel stays silent.
func terminalEvent(status paymentsvc.StatusResult) (broadcast.Event, bool) {
	switch status.Status {
	case enums.PurchaseStatusCompleted:
		return broadcast.Event{
			Status:      "COMPLETED",
			Message:     status.Message,
			RedirectURL: status.RedirectURL,
		}, true
	case enums.PurchaseStatusFailed:
		return broadcast.Event{
			Status:  "FAILED",
			Message: status.Message,
		}, true
	case enums.PurchaseStatusTimedOut:
		return broadcast.Event{
			Status:  "TIMEOUT",
			Message: status.Message,
		}, true
	default:
		return broadcast.Event{}, false
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event broadcast.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
