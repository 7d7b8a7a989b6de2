package handlers

import (
	"errors"
	"net/http"
	"time"

	authsvc "github.com/juliustm/nyota/internal/services/auth"
	paymentsvc "github.com/juliustm/nyota/internal/services/payments"
	"github.com/juliustm/nyota/internal/transport/http/dto"
	httperrors "github.com/juliustm/nyota/internal/transport/http/errors"
)

type LibraryHandler struct {
	payments *paymentsvc.Service
}

func NewLibraryHandler(payments *paymentsvc.Service) *LibraryHandler {
	return &LibraryHandler{payments: payments}
}

func (h *LibraryHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity, ok := authsvc.IdentityFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, "UNAUTHORIZED", "session required")
		return
	}
	if h.payments == nil {
		writeInternal(w, "PAYMENTS_SERVICE_UNAVAILABLE", "payments service is unavailable")
		return
	}

	item, err := h.payments.Library(r.Context(), identity.Phone)
	if err != nil {
		switch {
		case errors.Is(err, paymentsvc.ErrPurchaseNotFound):
			writeNotFound(w, "LIBRARY_EMPTY", "no completed purchases for this session")
		case errors.Is(err, paymentsvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "invalid session identity")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to load library")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, dto.LibraryResponse{
		PurchaseID:  item.PurchaseID,
		AssetRef:    item.AssetRef,
		AmountMinor: item.AmountMinor,
		Currency:    item.Currency,
		CompletedAt: item.CompletedAt.UTC().Format(time.RFC3339),
	})
}
