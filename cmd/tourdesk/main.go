package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/tourdesk/tourdesk/internal/app"
	"github.com/tourdesk/tourdesk/internal/audit"
	audithttp "github.com/tourdesk/tourdesk/internal/audit/http"
	"github.com/tourdesk/tourdesk/internal/auth"
	"github.com/tourdesk/tourdesk/internal/observability"
	"github.com/tourdesk/tourdesk/internal/platform/cache"
	"github.com/tourdesk/tourdesk/internal/platform/db"
	"github.com/tourdesk/tourdesk/internal/quotes"
	"github.com/tourdesk/tourdesk/internal/rbac"
	"github.com/tourdesk/tourdesk/internal/roles"
	"github.com/tourdesk/tourdesk/internal/shared"
	"github.com/tourdesk/tourdesk/internal/users"
	"github.com/tourdesk/tourdesk/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("tourdesk exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	// Audit entries go through the queue when enabled and straight to
	// audit_logs on the regular pool otherwise or when the queue is down.
	auditLogger := audit.NewLogger(dbpool)
	var auditSink audit.Sink = auditLogger
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	if cfg.AuditAsync {
		jobClient := jobs.NewClient(redisOpts, auditLogger, logger, metrics)
		defer func() {
			if err := jobClient.Close(); err != nil {
				logger.Warn("job client close", slog.Any("error", err))
			}
		}()
		auditSink = jobClient
	}

	elevated, err := db.NewElevated(ctx, cfg.ElevatedDSN(), audit.NewTracer(auditSink, logger))
	if err != nil {
		return err
	}
	defer elevated.Close()

	rbacService := rbac.NewService(dbpool)
	rolesService := roles.NewService(roles.NewRepository(dbpool, elevated), auditSink, logger)
	roleCatalog, err := rolesService.LoadCatalog(ctx, rbac.DefaultRoles())
	if err != nil {
		return err
	}
	permCatalog, err := rbac.NewPermissionCatalog(rbac.DefaultPermissions())
	if err != nil {
		return err
	}
	if err := rbacService.SyncPermissions(ctx, permCatalog.Permissions()); err != nil {
		return err
	}
	evaluator := rbac.NewEvaluator(roleCatalog, permCatalog)
	rbacMiddleware := rbac.Middleware{Evaluator: evaluator, Logger: logger, Metrics: metrics, Audit: auditSink}

	csrfGuard := shared.NewCSRFGuard(cfg.CSRFSecret, logger, metrics)
	sessionStore := shared.NewRetryingStore(
		shared.NewRedisSessionStore(redisClient, cfg.SessionTTL, csrfGuard.NewSecret),
		cfg.SessionStoreRetries, logger)
	sessionManager := shared.NewSessionManager(sessionStore, cfg.SessionCookie, cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	sessionMonitor := shared.NewSessionHealthMonitor(sessionManager, csrfGuard.NewSecret, cfg.SessionWarningThreshold, logger, metrics)

	userService := users.NewService(users.NewRepository(dbpool))
	authService := auth.NewService(auth.NewRepository(dbpool))
	authenticator := auth.NewAuthenticator(userService, rbacService, logger)

	quoteService := quotes.NewService(quotes.NewRepository(elevated), shared.NewIdempotencyStore(dbpool), auditSink, logger)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		SessionManager:     sessionManager,
		SessionMonitor:     sessionMonitor,
		CSRFGuard:          csrfGuard,
		Authenticator:      authenticator,
		RBACMiddleware:     rbacMiddleware,
		AuthHandler:        auth.NewHandler(logger, authService, sessionManager, auditSink),
		RolesHandler:       roles.NewHandler(logger, rolesService, roleCatalog, rbacMiddleware),
		UsersHandler:       users.NewHandler(logger, userService, rbacMiddleware),
		PermissionsHandler: rbac.NewPermissionsHandler(logger, evaluator, rbacMiddleware),
		AuditHandler:       audithttp.NewHandler(logger, audit.NewService(audit.NewRepository(dbpool)), rbacMiddleware),
		QuotesHandler:      quotes.NewHandler(logger, quoteService, rbacMiddleware),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: cfg.AppReadTimeout,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.Int("catalog_version", rbac.CatalogVersion))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
