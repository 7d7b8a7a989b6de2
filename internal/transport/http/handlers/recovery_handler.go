package handlers

import (
	"errors"
	"net"
	"net/http"

	authsvc "github.com/juliustm/nyota/internal/services/auth"
	paymentsvc "github.com/juliustm/nyota/internal/services/payments"
	recoverysvc "github.com/juliustm/nyota/internal/services/recovery"
	"github.com/juliustm/nyota/internal/transport/http/dto"
	httperrors "github.com/juliustm/nyota/internal/transport/http/errors"
)

type RecoveryHandler struct {
	recovery   *recoverysvc.Service
	payments   *paymentsvc.Service
	sessions   *authsvc.Service
	libraryURL string
}

func NewRecoveryHandler(recovery *recoverysvc.Service, payments *paymentsvc.Service, sessions *authsvc.Service, libraryURL string) *RecoveryHandler {
	if libraryURL == "" {
		libraryURL = "/library"
	}
	return &RecoveryHandler{
		recovery:   recovery,
		payments:   payments,
		sessions:   sessions,
		libraryURL: libraryURL,
	}
}

func (h *RecoveryHandler) Recover(w http.ResponseWriter, r *http.Request) {
	if h.recovery == nil {
		writeInternal(w, "RECOVERY_SERVICE_UNAVAILABLE", "recovery service is unavailable")
		return
	}

	var req dto.RecoveryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	result, err := h.recovery.Recover(r.Context(), recoverysvc.RecoverInput{
		PhoneNumber:  req.PhoneNumber,
		PurchaseDate: req.PurchaseDate,
		Origin:       clientOrigin(r),
	})
	if err != nil {
		var lockout *recoverysvc.LockoutError
		switch {
		case errors.As(err, &lockout):
			httperrors.WriteRateLimited(w, lockout.RetryAfterSec, "too many attempts, try again later")
		case errors.Is(err, recoverysvc.ErrValidation):
			writeBadRequest(w, "VALIDATION_ERROR", "invalid recovery request")
		case errors.Is(err, recoverysvc.ErrNoMatch):
			writeNotFound(w, "NO_MATCH", "no completed purchase matches that phone number and date")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to recover access")
		}
		return
	}

	httperrors.Write(w, http.StatusOK, dto.RecoveryResponse{
		OK:          true,
		PurchaseID:  result.PurchaseID,
		AssetRef:    result.AssetRef,
		Token:       result.Grant.Token,
		ExpiresAt:   result.Grant.ExpiresAt,
		RedirectURL: h.libraryURL,
	})
}

// LibrarySession mints a session directly after a confirmed checkout, so the
// buyer does not have to run the recovery flow seconds after paying.
func (h *RecoveryHandler) LibrarySession(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil || h.sessions == nil {
		writeInternal(w, "SESSION_SERVICE_UNAVAILABLE", "session service is unavailable")
		return
	}

	var req dto.LibrarySessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, "VALIDATION_ERROR", "invalid request body")
		return
	}

	purchase, err := h.payments.VerifyCompleted(r.Context(), req.PurchaseID, req.PhoneNumber)
	if err != nil {
		switch {
		case errors.Is(err, paymentsvc.ErrPurchaseNotFound):
			writeNotFound(w, "PURCHASE_NOT_FOUND", "no completed purchase matches")
		case errors.Is(err, paymentsvc.ErrInvalidState):
			writeConflict(w, "NOT_COMPLETED", "purchase is not completed")
		default:
			writeInternal(w, "INTERNAL_ERROR", "failed to verify purchase")
		}
		return
	}

	grant, err := h.sessions.GrantSession(r.Context(), purchase.Phone)
	if err != nil {
		writeInternal(w, "INTERNAL_ERROR", "failed to create session")
		return
	}

	httperrors.Write(w, http.StatusOK, dto.LibrarySessionResponse{
		Token:       grant.Token,
		ExpiresAt:   grant.ExpiresAt,
		RedirectURL: h.libraryURL,
	})
}

// clientOrigin trusts RemoteAddr, which the RealIP middleware has already
// rewritten from the proxy headers.
func clientOrigin(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
