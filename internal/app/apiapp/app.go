package apiapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/juliustm/nyota/internal/config"
	"github.com/juliustm/nyota/internal/infra/gateway"
	"github.com/juliustm/nyota/internal/jobs/cleanup"
	pgrepo "github.com/juliustm/nyota/internal/repo/postgres"
	redrepo "github.com/juliustm/nyota/internal/repo/redis"
	authsvc "github.com/juliustm/nyota/internal/services/auth"
	"github.com/juliustm/nyota/internal/services/broadcast"
	paymentsvc "github.com/juliustm/nyota/internal/services/payments"
	ratesvc "github.com/juliustm/nyota/internal/services/rate"
	recoverysvc "github.com/juliustm/nyota/internal/services/recovery"
)

type App struct {
	cfg        config.Config
	logger     *zap.Logger
	server     *http.Server
	postgres   *pgxpool.Pool
	redis      *goredis.Client
	cleanupJob *cleanup.Job
	cancelJobs context.CancelFunc
	httpRouter http.Handler
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	r := chi.NewRouter()
	ApplyMiddlewares(r, log)

	var pool *pgxpool.Pool
	if p, err := pgrepo.NewPool(ctx, cfg.Postgres.DSN); err != nil {
		log.Warn("postgres init failed, continuing in degraded mode", zap.Error(err))
	} else {
		pool = p
	}

	redisClient := redrepo.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	sessionRepo := redrepo.NewSessionRepo(redisClient)
	rateRepo := redrepo.NewRateRepo(redisClient)
	purchaseRepo := pgrepo.NewPurchaseRepo(pool)
	attemptRepo := pgrepo.NewAccessAttemptRepo(pool)

	gatewayClient, err := gateway.NewClient(gateway.Config{
		BaseURL: cfg.Gateway.BaseURL,
		APIKey:  cfg.Gateway.APIKey,
		Timeout: cfg.Gateway.PushTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway client init: %w", err)
	}

	broadcaster := broadcast.New()

	jwtManager := authsvc.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL)
	authService := authsvc.NewService(jwtManager, sessionRepo)
	paymentService := paymentsvc.NewService(paymentsvc.Dependencies{
		Purchases: purchaseRepo,
		Gateway:   gatewayClient,
		Events:    broadcaster,
	}, paymentsvc.Config{
		Currency:      cfg.Checkout.Currency,
		MaxRetries:    cfg.Checkout.MaxRetries,
		LibraryURL:    cfg.Checkout.LibraryURL,
		WebhookSecret: cfg.Gateway.WebhookSecret,
	})
	rateLimiter := ratesvc.NewLimiter(rateRepo, cfg.Recovery.MaxAttempts, cfg.Recovery.Window)
	recoveryService := recoverysvc.NewService(recoverysvc.Dependencies{
		Purchases: purchaseRepo,
		Attempts:  attemptRepo,
		Limiter:   rateLimiter,
		Sessions:  authService,
	}, recoverysvc.Config{
		MaxAttempts: cfg.Recovery.MaxAttempts,
		Window:      cfg.Recovery.Window,
	})

	cleanupJob := cleanup.NewStaleSweepJob(purchaseRepo, broadcaster, cfg.Checkout.StalePendingAfter, log)
	cleanupJob.AttachChannelSweep(broadcaster, cfg.Checkout.StalePendingAfter)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	RegisterRoutes(r, Dependencies{
		PaymentService:  paymentService,
		RecoveryService: recoveryService,
		AuthService:     authService,
		Broadcaster:     broadcaster,
		Logger:          log,
		Config:          cfg,
	})

	return &App{
		cfg:        cfg,
		logger:     log,
		server:     server,
		postgres:   pool,
		redis:      redisClient,
		cleanupJob: cleanupJob,
		httpRouter: r,
	}, nil
}

func (a *App) Run() error {
	jobCtx, cancel := context.WithCancel(context.Background())
	a.cancelJobs = cancel
	go a.cleanupJob.Start(jobCtx, a.cfg.Checkout.CleanupInterval)

	a.logger.Info("api server started", zap.String("addr", a.cfg.HTTP.Addr))
	err := a.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error

	if a.cancelJobs != nil {
		a.cancelJobs()
	}
	if err := a.server.Shutdown(ctx); err != nil {
		shutdownErr = err
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}

	return shutdownErr
}

func (a *App) Handler() http.Handler {
	return a.httpRouter
}
