package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ferncart/api/internal/di"
	"github.com/ferncart/api/internal/handlers"
	"github.com/ferncart/api/internal/payments"
	"github.com/ferncart/api/internal/platform/auth"
	"github.com/ferncart/api/internal/platform/config"
	"github.com/ferncart/api/internal/platform/events"
	pfirestore "github.com/ferncart/api/internal/platform/firestore"
	"github.com/ferncart/api/internal/platform/idempotency"
	"github.com/ferncart/api/internal/platform/observability"
	"github.com/ferncart/api/internal/platform/secrets"
	"github.com/ferncart/api/internal/repositories"
	firestoreRepo "github.com/ferncart/api/internal/repositories/firestore"
	"github.com/ferncart/api/internal/services"
)

const shutdownGrace = 10 * time.Second

func main() {
	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	logger := baseLogger.Named("api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(observability.WithLogger(ctx, logger), logger)
	stop()
	_ = baseLogger.Sync()
	if err != nil {
		logger.Error("api exited with error", zap.Error(err))
		os.Exit(1)
	}
}

// run owns the whole process lifecycle so deferred cleanups fire on every
// exit path, including startup failures.
func run(ctx context.Context, logger *zap.Logger) error {
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		return fmt.Errorf("secret fetcher: %w", err)
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames()...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			return fmt.Errorf("missing required secrets %v", missing.RedactedNames())
		}
		return fmt.Errorf("load configuration: %w", err)
	}

	build := buildInfo(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		return fmt.Errorf("firestore client: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	if cfg.PubSub.EmulatorHost != "" {
		if err := os.Setenv("PUBSUB_EMULATOR_HOST", cfg.PubSub.EmulatorHost); err != nil {
			return fmt.Errorf("set pubsub emulator host: %w", err)
		}
	}
	pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client: %w", err)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()

	ordersTopic := pubsubClient.Topic(cfg.PubSub.OrdersTopic)
	defer ordersTopic.Stop()

	eventPublisher, err := events.NewPubSubOrderEventPublisher(ordersTopic)
	if err != nil {
		return fmt.Errorf("order event publisher: %w", err)
	}

	healthRepo, err := repositories.NewDependencyHealthRepository(
		dependencyChecks(firestoreClient, fetcher, ordersTopic),
	)
	if err != nil {
		return fmt.Errorf("health repository: %w", err)
	}

	registry, err := firestoreRepo.NewRegistry(firestoreProvider, firestoreRepo.WithHealthRepository(healthRepo))
	if err != nil {
		return fmt.Errorf("repository registry: %w", err)
	}

	dispatcher, err := services.NewNotificationDispatcher(services.NotificationDispatcherDeps{
		Sinks:  []services.NotificationSink{&logNotificationSink{logger: logger.Named("notifications")}},
		Logger: zapEventLogger(logger.Named("notifications")),
	})
	if err != nil {
		return fmt.Errorf("notification dispatcher: %w", err)
	}

	container, err := di.NewContainer(ctx, cfg, di.Dependencies{
		Registry:      registry,
		Events:        eventPublisher,
		Notifications: dispatcher,
		Build:         build,
		Logger:        zapEventLogger(logger.Named("orders")),
	})
	if err != nil {
		return fmt.Errorf("service container: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		return fmt.Errorf("firebase verifier: %w", err)
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithUserGetter(firebaseVerifier))

	paymentManager, webhookParser, err := newPaymentStack(cfg, logger.Named("payments"))
	if err != nil {
		return err
	}

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	stopCleanup := startIdempotencyCleanup(ctx, logger.Named("idempotency"), idempotencyStore, cfg.Idempotency)
	defer stopCleanup()

	router := newRouter(routerDeps{
		cfg:           cfg,
		logger:        logger,
		build:         build,
		container:     container,
		authenticator: authenticator,
		payments:      paymentManager,
		webhookParser: webhookParser,
		idempotency: idempotency.Middleware(
			idempotencyStore,
			idempotency.WithHeader(cfg.Idempotency.Header),
			idempotency.WithTTL(cfg.Idempotency.TTL),
			idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
		),
	})

	return serve(ctx, logger, cfg.Server, router)
}

// serve runs the HTTP server until ctx is cancelled, then drains in-flight
// requests within the shutdown grace period.
func serve(ctx context.Context, logger *zap.Logger, cfg config.ServerConfig, handler http.Handler) error {
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Named("http").Info("ferncart api listening", zap.String("addr", server.Addr))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received; draining requests")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

type routerDeps struct {
	cfg           config.Config
	logger        *zap.Logger
	build         services.BuildInfo
	container     *di.Container
	authenticator *auth.Authenticator
	payments      *payments.Manager
	webhookParser *payments.StripeWebhookParser
	idempotency   func(http.Handler) http.Handler
}

func newRouter(deps routerDeps) http.Handler {
	cfg := deps.cfg
	svcs := deps.container.Services

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(deps.build),
		handlers.WithHealthSystemService(svcs.System),
	)
	productHandlers := handlers.NewProductHandlers(svcs.Catalog)
	orderHandlers := handlers.NewOrderHandlers(deps.authenticator, svcs.Orders,
		handlers.WithOrderPayments(deps.payments, cfg.PSP.CheckoutSuccessURL, cfg.PSP.CheckoutCancelURL),
	)
	adminOrderHandlers := handlers.NewAdminOrderHandlers(deps.authenticator, svcs.Orders, deps.payments)
	inventoryHandlers := handlers.NewInventoryHandlers(deps.authenticator, svcs.Stock)
	adminCatalogHandlers := handlers.NewAdminCatalogHandlers(deps.authenticator, svcs.Catalog)
	webhookHandlers := handlers.NewWebhookHandlers(deps.webhookParser, svcs.Orders,
		handlers.WithWebhookLogger(zapEventLogger(deps.logger.Named("webhooks"))),
	)
	internalHandlers := handlers.NewInternalHandlers(svcs.Stock, svcs.System)

	projectID := traceProject(cfg)
	opts := []handlers.Option{
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(deps.logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(deps.logger.Named("http")),
			observability.RequestLoggerMiddleware(projectID),
			handlers.RateLimitMiddleware(cfg.RateLimits.DefaultPerMinute, cfg.RateLimits.AuthenticatedPerMinute, time.Minute),
			deps.idempotency,
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithProductRoutes(productHandlers.Routes),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithAdminRoutes(func(r chi.Router) {
			r.Route("/orders", adminOrderHandlers.Routes)
			r.Route("/stock", inventoryHandlers.Routes)
			r.Route("/products", adminCatalogHandlers.Routes)
		}),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(internalHandlers.Routes),
	}
	if burst := cfg.RateLimits.WebhookBurst; burst > 0 {
		opts = append(opts, handlers.WithWebhookMiddlewares(
			handlers.RateLimitMiddleware(burst, burst, time.Minute),
		))
	}
	if guard := oidcGuard(deps.logger.Named("auth"), cfg); guard != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(guard))
	}

	return handlers.NewRouter(opts...)
}

func newPaymentStack(cfg config.Config, logger *zap.Logger) (*payments.Manager, *payments.StripeWebhookParser, error) {
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) == "" {
		return nil, nil, errors.New("stripe api key is required for checkout and refunds")
	}

	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey: cfg.PSP.StripeAPIKey,
		Logger: func(ctx context.Context, event string, fields map[string]any) {
			zapEventLogger(logger)(ctx, event, fields)
		},
		Clock: time.Now,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("stripe provider: %w", err)
	}
	manager, err := payments.NewManager(map[string]payments.Provider{
		"stripe": stripeProvider,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("payment manager: %w", err)
	}
	parser, err := payments.NewStripeWebhookParser(cfg.PSP.StripeWebhookSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("stripe webhook parser: %w", err)
	}
	return manager, parser, nil
}

// startIdempotencyCleanup launches the periodic sweep of expired idempotency
// records. The returned func blocks until the sweeper has stopped.
func startIdempotencyCleanup(ctx context.Context, logger *zap.Logger, store *idempotency.FirestoreStore, cfg config.IdempotencyConfig) func() {
	if cfg.CleanupInterval <= 0 {
		return func() {}
	}

	ticker := time.NewTicker(cfg.CleanupInterval)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(ctx, time.Minute)
				removed, err := store.CleanupExpired(runCtx, time.Now().UTC(), cfg.CleanupBatchSize)
				cancel()
				switch {
				case err != nil:
					logger.Error("idempotency cleanup error", zap.Error(err))
				case removed > 0:
					logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
		wg.Wait()
	}
}

func dependencyChecks(client *firestore.Client, fetcher *secrets.Fetcher, topic *pubsub.Topic) []repositories.DependencyCheck {
	var checks []repositories.DependencyCheck
	if client != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				_, err := client.Collections(ctx).Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if fetcher != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				// The probe secret need not exist; reachability is the signal.
				_, err := fetcher.Resolve(ctx, "secret://system/healthz?version=latest")
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if topic != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				exists, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !exists {
					return errors.New("orders topic not found")
				}
				return nil
			},
		})
	}
	return checks
}

func oidcGuard(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	adapter := observability.NewPrintfAdapter(logger)
	validator := auth.NewOIDCValidator(
		auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(adapter)),
		auth.WithOIDCLogger(adapter),
	)

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("oidc audience not configured; internal routes will reject requests")
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		logger.Warn("oidc issuers not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func buildInfo(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	info := services.BuildInfo{
		Version:     strings.TrimSpace(env["API_BUILD_VERSION"]),
		CommitSHA:   strings.TrimSpace(env["API_BUILD_COMMIT_SHA"]),
		Environment: strings.TrimSpace(cfg.Security.Environment),
		StartedAt:   started,
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.CommitSHA == "" {
		info.CommitSHA = "unknown"
	}
	if info.Environment == "" {
		info.Environment = "local"
	}
	return info
}

func traceProject(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projectMap := csvPairs(lookup("API_SECRET_PROJECT_IDS")); len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if pins := csvPairs(lookup("API_SECRET_VERSION_PINS")); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames() []string {
	required := []string{
		"PSP.StripeAPIKey",
		"PSP.StripeWebhookSecret",
	}
	sort.Strings(required)
	return required
}

// csvPairs parses "name=value,name=value" lists, lowercasing names.
func csvPairs(raw string) map[string]string {
	pairs := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(entry), "=")
		if !found {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if name != "" && value != "" {
			pairs[name] = value
		}
	}
	return pairs
}

// logNotificationSink mirrors every order lifecycle event into the structured
// log stream. It stands in for outbound channels such as e-mail until one is
// configured.
type logNotificationSink struct {
	logger *zap.Logger
}

func (s *logNotificationSink) Name() string { return "log" }

func (s *logNotificationSink) Notify(_ context.Context, event services.OrderEvent) error {
	if s == nil || s.logger == nil {
		return nil
	}
	s.logger.Info("order event",
		zap.String("event", event.Event),
		zap.String("orderId", event.OrderID),
		zap.String("orderNumber", event.OrderNumber),
		zap.String("status", string(event.CurrentStatus)),
	)
	return nil
}

func zapEventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug(event, zFields...)
	}
}
