package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	paymentsvc "github.com/juliustm/nyota/internal/services/payments"
	"github.com/juliustm/nyota/internal/transport/http/dto"
	httperrors "github.com/juliustm/nyota/internal/transport/http/errors"
)

type PaymentHandler struct {
	payments *paymentsvc.Service
}

func NewPaymentHandler(payments *paymentsvc.Service) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

func (h *PaymentHandler) Initiate(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		writeInternal(w, "PAYMENTS_SERVICE_UNAVAILABLE", "payments service is unavailable")
		return
	}

	var req dto.PaymentInitiateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	result, err := h.payments.Initiate(r.Context(), paymentsvc.InitiateInput{
		PhoneNumber: req.PhoneNumber,
		AssetRef:    req.AssetRef,
		AmountMinor: req.AmountMinor,
		ChannelID:   req.ChannelID,
	})
	if err != nil {
		switch {
		case errors.Is(err, paymentsvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "invalid payment request")
		case errors.Is(err, paymentsvc.ErrGatewayPush):
			// The ledger row exists; the client can poll or retry it.
			httperrors.Write(w, http.StatusBadGateway, dto.PaymentInitiateResponse{
				PurchaseID: result.PurchaseID,
				GatewayRef: result.GatewayRef,
				ChannelID:  result.ChannelID,
				Status:     string(result.Status),
				Message:    "payment prompt could not be delivered, please retry",
			})
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to initiate payment")
		}
		return
	}

	httperrors.Write(w, http.StatusCreated, dto.PaymentInitiateResponse{
		PurchaseID: result.PurchaseID,
		GatewayRef: result.GatewayRef,
		ChannelID:  result.ChannelID,
		Status:     string(result.Status),
		Message:    "Waiting for confirmation. Please check your phone to authorize the transaction.",
	})
}

func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		writeInternal(w, "PAYMENTS_SERVICE_UNAVAILABLE", "payments service is unavailable")
		return
	}

	var req dto.PaymentWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	result, err := h.payments.ConfirmWebhook(r.Context(), paymentsvc.WebhookInput{
		GatewayRef:  req.GatewayRef,
		Outcome:     req.Outcome,
		AmountMinor: req.AmountMinor,
		Secret:      r.Header.Get("X-Webhook-Secret"),
		Payload:     req.Payload,
	})
	if err != nil {
		switch {
		case errors.Is(err, paymentsvc.ErrBadSignature):
			writeUnauthorized(w, "BAD_SIGNATURE", "webhook signature mismatch")
		case errors.Is(err, paymentsvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "invalid webhook payload")
		case errors.Is(err, paymentsvc.ErrPurchaseNotFound):
			writeNotFound(w, "PURCHASE_NOT_FOUND", "unknown gateway reference")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to process webhook")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, dto.PaymentWebhookResponse{
		OK:         true,
		PurchaseID: result.PurchaseID,
		Status:     string(result.Status),
		Idempotent: result.AlreadyProcessed,
	})
}

func (h *PaymentHandler) Status(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		writeInternal(w, "PAYMENTS_SERVICE_UNAVAILABLE", "payments service is unavailable")
		return
	}

	purchaseID, ok := purchaseIDParam(r)
	if !ok {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid purchase id")
		return
	}

	result, err := h.payments.Status(r.Context(), purchaseID)
	if err != nil {
		writeStatusError(w, err)
		return
	}

	httperrors.Write(w, http.StatusOK, statusResponse(result))
}

func (h *PaymentHandler) Retry(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		writeInternal(w, "PAYMENTS_SERVICE_UNAVAILABLE", "payments service is unavailable")
		return
	}

	purchaseID, ok := purchaseIDParam(r)
	if !ok {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid purchase id")
		return
	}

	var req dto.PaymentRetryRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
			return
		}
	}

	result, err := h.payments.Retry(r.Context(), paymentsvc.RetryInput{
		PurchaseID:  purchaseID,
		GatewayRef:  req.GatewayRef,
		PhoneNumber: req.PhoneNumber,
	})
	if err != nil {
		switch {
		case errors.Is(err, paymentsvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "invalid retry request")
		case errors.Is(err, paymentsvc.ErrPurchaseNotFound):
			writeNotFound(w, "PURCHASE_NOT_FOUND", "purchase not found")
		case errors.Is(err, paymentsvc.ErrInvalidState):
			writeConflict(w, "NOT_RETRYABLE", "purchase is not in a retryable state")
		case errors.Is(err, paymentsvc.ErrRetriesExhausted):
			writeConflict(w, "RETRIES_EXHAUSTED", "retry budget exhausted")
		case errors.Is(err, paymentsvc.ErrGatewayPush):
			httperrors.Write(w, http.StatusBadGateway, dto.PaymentRetryResponse{
				PurchaseID: result.PurchaseID,
				GatewayRef: result.GatewayRef,
				ChannelID:  result.ChannelID,
				RetryCount: result.RetryCount,
				Message:    "payment prompt could not be delivered, please retry",
			})
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to retry payment")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, dto.PaymentRetryResponse{
		PurchaseID: result.PurchaseID,
		GatewayRef: result.GatewayRef,
		ChannelID:  result.ChannelID,
		RetryCount: result.RetryCount,
		Message:    "Waiting for confirmation. Please check your phone to authorize the transaction.",
	})
}

func (h *PaymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		writeInternal(w, "PAYMENTS_SERVICE_UNAVAILABLE", "payments service is unavailable")
		return
	}

	purchaseID, ok := purchaseIDParam(r)
	if !ok {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid purchase id")
		return
	}

	result, err := h.payments.Cancel(r.Context(), purchaseID)
	if err != nil {
		switch {
		case errors.Is(err, paymentsvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "invalid cancel request")
		case errors.Is(err, paymentsvc.ErrPurchaseNotFound):
			writeNotFound(w, "PURCHASE_NOT_FOUND", "purchase not found")
		case errors.Is(err, paymentsvc.ErrInvalidState):
			writeConflict(w, "NOT_CANCELLABLE", "purchase is no longer pending")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to cancel payment")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, statusResponse(result))
}

func (h *PaymentHandler) Timeout(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		writeInternal(w, "PAYMENTS_SERVICE_UNAVAILABLE", "payments service is unavailable")
		return
	}

	purchaseID, ok := purchaseIDParam(r)
	if !ok {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid purchase id")
		return
	}

	result, err := h.payments.AcknowledgeTimeout(r.Context(), purchaseID)
	if err != nil {
		switch {
		case errors.Is(err, paymentsvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "invalid timeout request")
		case errors.Is(err, paymentsvc.ErrPurchaseNotFound):
			writeNotFound(w, "PURCHASE_NOT_FOUND", "purchase not found")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to record timeout")
		}
		return
	}

	message := "Payment request timed out."
	if !result.Changed {
		message = "Purchase already resolved."
	}
	httperrors.Write(w, http.StatusOK, dto.PaymentTimeoutResponse{
		PurchaseID: result.PurchaseID,
		Status:     string(result.Status),
		Changed:    result.Changed,
		Message:    message,
	})
}

func writeStatusError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, paymentsvc.ErrValidation):
		writeBadRequest(w, "VALIDATION_ERROR", "invalid status request")
	case errors.Is(err, paymentsvc.ErrPurchaseNotFound):
		writeNotFound(w, "PURCHASE_NOT_FOUND", "purchase not found")
	default:
		writeInternal(w, "INTERNAL_ERROR", "failed to load purchase status")
	}
}

func statusResponse(result paymentsvc.StatusResult) dto.PaymentStatusResponse {
	return dto.PaymentStatusResponse{
		PurchaseID:  result.PurchaseID,
		ChannelID:   result.ChannelID,
		Status:      string(result.Status),
		Message:     result.Message,
		RedirectURL: result.RedirectURL,
		RetryCount:  result.RetryCount,
	}
}

func purchaseIDParam(r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "purchaseID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeBadRequest(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusBadRequest, httperrors.APIError{Code: code, Message: message})
}

func writeUnauthorized(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusUnauthorized, httperrors.APIError{Code: code, Message: message})
}

func writeNotFound(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusNotFound, httperrors.APIError{Code: code, Message: message})
}

func writeConflict(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusConflict, httperrors.APIError{Code: code, Message: message})
}

func writeInternal(w http.ResponseWriter, code, message string) {
	httperrors.Write(w, http.StatusInternalServerError, httperrors.APIError{Code: code, Message: message})
}
