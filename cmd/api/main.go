package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/bookstore/payments/internal/handlers"
	"github.com/bookstore/payments/internal/payments"
	"github.com/bookstore/payments/internal/platform/auth"
	"github.com/bookstore/payments/internal/platform/config"
	"github.com/bookstore/payments/internal/platform/events"
	"github.com/bookstore/payments/internal/platform/idempotency"
	"github.com/bookstore/payments/internal/platform/observability"
	"github.com/bookstore/payments/internal/platform/ratelimit"
	"github.com/bookstore/payments/internal/platform/secrets"
	"github.com/bookstore/payments/internal/repositories"
	redisrepo "github.com/bookstore/payments/internal/repositories/redis"
	"github.com/bookstore/payments/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger(os.Getenv("LOG_LEVEL"), zap.String("service", "payments-api"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	resolver, err := newSecretResolver(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(resolver),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := services.BuildInfo{
		Version:     cfg.Server.Version,
		Environment: cfg.Security.Environment,
		StartedAt:   startedAt,
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(cfg.Metrics.Namespace)
	}

	store, err := openStore(ctx, cfg, logger.Named("storage"))
	if err != nil {
		logger.Fatal("failed to initialise storage backend", zap.String("backend", cfg.Storage.Backend), zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.registry.Close(closeCtx); err != nil {
			logger.Warn("storage close error", zap.Error(err))
		}
	}()

	checks := []repositories.DependencyCheck{store.check}
	sessionRepo := store.registry.PaymentSessions()
	var loginLimiter services.LoginLimiter
	var replayStore idempotency.Store
	memoryReplay := idempotency.NewMemoryStore()
	loginPolicy := ratelimit.Policy{
		MaxAttempts:   cfg.RateLimit.LoginMaxAttempts,
		BlockDuration: cfg.RateLimit.LoginBlock,
	}

	if cfg.Redis.Enabled() {
		redisClient := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		redisSessions, err := redisrepo.NewSessionRepository(redisClient, redisrepo.WithPrefix(cfg.Redis.KeyPrefix))
		if err != nil {
			logger.Fatal("failed to initialise redis session repository", zap.Error(err))
		}
		sessionRepo = redisSessions
		limiter, err := ratelimit.NewRedisLimiter(redisClient, loginPolicy, cfg.Redis.KeyPrefix+":login")
		if err != nil {
			logger.Fatal("failed to initialise redis login limiter", zap.Error(err))
		}
		loginLimiter = limiter
		redisReplay, err := idempotency.NewRedisStore(redisClient, cfg.Redis.KeyPrefix)
		if err != nil {
			logger.Fatal("failed to initialise redis idempotency store", zap.Error(err))
		}
		replayStore = redisReplay
		checks = append(checks, repositories.DependencyCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
		logger.Info("redis enabled for payment sessions, login limiter and checkout replay", zap.String("addr", cfg.Redis.Addr))
	} else {
		loginLimiter = ratelimit.NewMemoryLimiter(loginPolicy)
		replayStore = memoryReplay
	}

	publisher, closePublisher, err := newEventPublisher(ctx, cfg, logger.Named("events"))
	if err != nil {
		logger.Fatal("failed to initialise event publisher", zap.String("backend", cfg.Events.Backend), zap.Error(err))
	}
	defer closePublisher()

	gateway, err := payments.NewGateway(payments.GatewayConfig{
		TmnCode:        cfg.VNPay.TmnCode,
		HashSecret:     cfg.VNPay.HashSecret,
		PayURL:         cfg.VNPay.PayURL,
		ReturnURL:      cfg.VNPay.ReturnURL,
		Version:        cfg.VNPay.Version,
		PaymentTimeout: cfg.VNPay.PaymentTimeout,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment gateway", zap.Error(err))
	}

	var querier services.TransactionQuerier
	if cfg.VNPay.APIURL != "" {
		queryClient, err := payments.NewQueryClient(payments.QueryClientConfig{
			APIURL:     cfg.VNPay.APIURL,
			TmnCode:    cfg.VNPay.TmnCode,
			HashSecret: cfg.VNPay.HashSecret,
			Version:    cfg.VNPay.Version,
			ServerIP:   cfg.VNPay.ServerIP,
			Timeout:    cfg.VNPay.QueryTimeout,
			HTTPClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
			Logger:     observability.EventLogger(logger.Named("gateway")),
			Observer:   metrics.ObserveGatewayQuery,
		})
		if err != nil {
			logger.Fatal("failed to initialise transaction query client", zap.Error(err))
		}
		querier = queryClient
	}

	ledger, err := services.NewVoucherLedger(services.VoucherLedgerDeps{
		Vouchers: store.registry.Vouchers(),
		Clock:    time.Now,
	})
	if err != nil {
		logger.Fatal("failed to initialise voucher ledger", zap.Error(err))
	}

	sessionStore, err := services.NewPaymentSessionStore(services.PaymentSessionStoreDeps{
		Sessions:   sessionRepo,
		CartItems:  store.registry.CartItems(),
		Ledger:     ledger,
		Clock:      time.Now,
		Logger:     observability.EventLogger(logger.Named("sessions")),
		Metrics:    settlementMetrics(metrics),
		SessionTTL: cfg.Checkout.SessionTTL,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment session store", zap.Error(err))
	}

	settlementService, err := services.NewSettlementService(services.SettlementServiceDeps{
		Sessions:         sessionStore,
		Ledger:           ledger,
		CartItems:        store.registry.CartItems(),
		Orders:           store.registry.Orders(),
		Gateway:          gateway,
		Querier:          querier,
		ConfirmWithQuery: cfg.VNPay.ConfirmWithQuery,
		Events:           publisher,
		Metrics:          settlementMetrics(metrics),
		Clock:            time.Now,
		Logger:           observability.EventLogger(logger.Named("settlement")),
	})
	if err != nil {
		logger.Fatal("failed to initialise settlement service", zap.Error(err))
	}

	authenticator, tokens, err := newAuthenticator(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise authenticator", zap.String("mode", cfg.Auth.Mode), zap.Error(err))
	}

	var authRoutes handlers.RouteRegistrar
	if tokens != nil {
		loginService, err := services.NewLoginService(services.LoginServiceDeps{
			Credentials: store.registry.Credentials(),
			Limiter:     loginLimiter,
			Tokens:      tokens,
			Metrics:     loginMetrics(metrics),
			Logger:      observability.EventLogger(logger.Named("login")),
		})
		if err != nil {
			logger.Fatal("failed to initialise login service", zap.Error(err))
		}
		authRoutes = handlers.NewAuthHandlers(loginService, cfg.RateLimit.LoginBlock).Routes
	}

	healthRepo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		logger.Fatal("failed to initialise health checks", zap.Error(err))
	}
	systemService, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: healthRepo,
		Clock:            time.Now,
		Build:            buildInfo,
	})
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	var sweepWG sync.WaitGroup
	sweepTicker := time.NewTicker(cfg.Checkout.SweepInterval)
	sweepWG.Add(1)
	go func() {
		defer sweepWG.Done()
		sweepLogger := logger.Named("sweeper")
		for {
			select {
			case <-sweepTicker.C:
				runCtx, cancel := context.WithTimeout(sweepCtx, time.Minute)
				removed, err := sessionStore.SweepExpired(runCtx, time.Now().UTC(), cfg.Checkout.SweepBatchSize)
				cancel()
				if err != nil {
					sweepLogger.Error("payment session sweep error", zap.Error(err))
					continue
				}
				if removed > 0 {
					sweepLogger.Info("payment session sweep removed sessions", zap.Int("count", removed))
				}
				memoryReplay.Purge(time.Now())
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.ClientIPMiddleware(true),
		observability.RequestLoggerMiddleware(),
	}
	if metrics != nil {
		middlewares = append(middlewares, metrics.Middleware)
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
	)
	checkoutHandlers := handlers.NewCheckoutHandlers(authenticator, settlementService,
		handlers.WithCheckoutThrottle(cfg.RateLimit.CheckoutPerMinute, time.Now),
		handlers.WithCheckoutMetrics(metrics),
		handlers.WithCheckoutReplay(idempotency.Middleware(replayStore, idempotency.WithTTL(cfg.Checkout.IdempotencyTTL))),
	)
	paymentHandlers := handlers.NewPaymentHandlers(authenticator, settlementService, cfg.VNPay.FrontendResultURL)
	orderHandlers := handlers.NewOrderHandlers(authenticator, settlementService)
	internalHandlers := handlers.NewInternalHandlers(sessionStore, settlementService, time.Now)

	var opts []handlers.Option
	opts = append(opts, handlers.WithRequestTimeout(cfg.Server.RequestTimeout))
	opts = append(opts, handlers.WithMiddlewares(middlewares...))
	opts = append(opts, handlers.WithHealthHandlers(healthHandlers))
	opts = append(opts, handlers.WithAuthRoutes(authRoutes))
	opts = append(opts, handlers.WithCheckoutRoutes(checkoutHandlers.Routes))
	opts = append(opts, handlers.WithPaymentRoutes(paymentHandlers.Routes))
	opts = append(opts, handlers.WithOrderRoutes(orderHandlers.Routes))
	opts = append(opts, handlers.WithInternalRoutes(internalHandlers.Routes))
	opts = append(opts, handlers.WithInternalMiddlewares(buildOIDCMiddleware(logger.Named("auth"), cfg, metrics)))
	if metrics != nil {
		opts = append(opts, handlers.WithMetricsHandler(metrics.Handler()))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("payments api listening",
			zap.String("storage", cfg.Storage.Backend),
			zap.String("auth", cfg.Auth.Mode),
			zap.String("events", cfg.Events.Backend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	sweepTicker.Stop()
	sweepCancel()
	sweepWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// newAuthenticator returns the bearer middleware and, in local mode, the token issuer used by login.
func newAuthenticator(ctx context.Context, cfg config.Config) (*auth.Authenticator, services.AccessTokenIssuer, error) {
	switch cfg.Auth.Mode {
	case config.AuthModeFirebase:
		verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		return auth.NewAuthenticator(verifier, auth.WithFallbackRole(auth.RoleCustomer)), nil, nil
	default:
		tokens, err := auth.NewLocalTokens(cfg.Auth.SigningKey, cfg.Auth.Issuer, cfg.Auth.TokenTTL, time.Now)
		if err != nil {
			return nil, nil, err
		}
		return auth.NewAuthenticator(tokens, auth.WithFallbackRole(auth.RoleCustomer)), tokens, nil
	}
}

// newEventPublisher returns the configured publisher and a close func. The none backend returns a nil publisher.
func newEventPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (services.SettlementEventPublisher, func(), error) {
	switch cfg.Events.Backend {
	case config.EventsPubSub:
		var clientOpts []option.ClientOption
		if cfg.Firebase.CredentialsFile != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.Firebase.CredentialsFile))
		}
		client, err := pubsub.NewClient(ctx, cfg.Events.PubSubProject, clientOpts...)
		if err != nil {
			return nil, func() {}, err
		}
		topic := client.Topic(cfg.Events.Topic)
		topic.EnableMessageOrdering = true
		publisher, err := events.NewPubSubPublisher(topic)
		if err != nil {
			_ = client.Close()
			return nil, func() {}, err
		}
		return publisher, func() {
			publisher.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}, nil
	case config.EventsKafka:
		publisher, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:     cfg.Events.KafkaBrokers,
			Topic:       cfg.Events.Topic,
			ErrorLogger: observability.NewErrorPrintfAdapter(logger),
		})
		if err != nil {
			return nil, func() {}, err
		}
		return publisher, func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("kafka writer close error", zap.Error(err))
			}
		}, nil
	default:
		return nil, func() {}, nil
	}
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config, metrics *observability.Metrics) func(http.Handler) http.Handler {
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(logger))
	opts := []auth.OIDCOption{auth.WithOIDCLogger(logger)}
	if metrics != nil {
		opts = append(opts, auth.WithOIDCMetrics(metrics))
	}
	validator := auth.NewOIDCValidator(cache, opts...)
	if strings.TrimSpace(cfg.Security.OIDC.Audience) == "" {
		logger.Warn("oidc audience not configured; internal routes will reject every request")
	}
	return validator.RequireOIDC(cfg.Security.OIDC.Audience, cfg.Security.OIDC.Issuers)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretResolver(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Resolver, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewResolver(ctx, opts...)
}

// requiredSecretNames lists the secrets that must resolve to a non-empty value for the chosen modes.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"VNPay.HashSecret"}
	mode := strings.ToLower(strings.TrimSpace(env["API_AUTH_MODE"]))
	if mode == "" || mode == config.AuthModeLocal {
		required = append(required, "Auth.SigningKey")
	}
	if strings.EqualFold(strings.TrimSpace(env["API_STORAGE_BACKEND"]), config.StoragePostgres) {
		required = append(required, "Postgres.DSN")
	}
	return required
}

func settlementMetrics(m *observability.Metrics) services.SettlementMetrics {
	if m == nil {
		return nil
	}
	return m
}

func loginMetrics(m *observability.Metrics) services.LoginMetrics {
	if m == nil {
		return nil
	}
	return m
}
