package apiapp

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/juliustm/nyota/internal/config"
	authsvc "github.com/juliustm/nyota/internal/services/auth"
	"github.com/juliustm/nyota/internal/services/broadcast"
	paymentsvc "github.com/juliustm/nyota/internal/services/payments"
	recoverysvc "github.com/juliustm/nyota/internal/services/recovery"
	"github.com/juliustm/nyota/internal/transport/http/handlers"
)

type Dependencies struct {
	PaymentService  *paymentsvc.Service
	RecoveryService *recoverysvc.Service
	AuthService     *authsvc.Service
	Broadcaster     *broadcast.Broadcaster
	Logger          *zap.Logger
	Config          config.Config
}

func RegisterRoutes(r chi.Router, deps Dependencies) {
	healthHandler := handlers.NewHealthHandler()
	paymentHandler := handlers.NewPaymentHandler(deps.PaymentService)
	streamHandler := handlers.NewStreamHandler(deps.PaymentService, deps.Broadcaster, deps.Config.Checkout.PendingWait)
	recoveryHandler := handlers.NewRecoveryHandler(deps.RecoveryService, deps.PaymentService, deps.AuthService, deps.Config.Checkout.LibraryURL)
	libraryHandler := handlers.NewLibraryHandler(deps.PaymentService)
	sessionMW := SessionAuthMiddleware(deps.AuthService, deps.Logger)

	requestTimeout := deps.Config.HTTP.ReadTimeout
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	r.Get("/healthz", healthHandler.Get)

	// The stream route carries no timeout middleware; it holds the
	// connection open until the outcome, the wait window, or the client
	// disconnect, whichever comes first.
	r.Get("/api/payments/stream/{channelID}", streamHandler.Stream)

	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(requestTimeout))

		r.Post("/api/payments/initiate", paymentHandler.Initiate)
		r.Post("/api/webhooks/payment", paymentHandler.Webhook)
		r.Get("/api/payments/{purchaseID}/status", paymentHandler.Status)
		r.Post("/api/payments/{purchaseID}/retry", paymentHandler.Retry)
		r.Post("/api/payments/{purchaseID}/cancel", paymentHandler.Cancel)
		r.Post("/api/payments/{purchaseID}/timeout", paymentHandler.Timeout)

		r.Post("/api/recovery", recoveryHandler.Recover)
		r.Post("/api/library/session", recoveryHandler.LibrarySession)
		r.With(sessionMW).Get("/api/library", libraryHandler.Get)
	})
}
