// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/newsletter-garden/internal/config"
	"github.com/bissquit/newsletter-garden/internal/pkg/ctxlog"
	"github.com/bissquit/newsletter-garden/internal/pkg/httputil"
	"github.com/bissquit/newsletter-garden/internal/pkg/metrics"
	"github.com/bissquit/newsletter-garden/internal/pkg/postgres"
	pkgredis "github.com/bissquit/newsletter-garden/internal/pkg/redis"
	"github.com/bissquit/newsletter-garden/internal/queue/rabbitmq"
	"github.com/bissquit/newsletter-garden/internal/subscribers"
	"github.com/bissquit/newsletter-garden/internal/subscribers/email"
	subscriberspostgres "github.com/bissquit/newsletter-garden/internal/subscribers/postgres"
	subscribersredis "github.com/bissquit/newsletter-garden/internal/subscribers/redis"
	"github.com/bissquit/newsletter-garden/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc

	repo      subscribers.Repository
	db        *pgxpool.Pool
	redis     *goredis.Client
	amqpConn  *amqp.Connection
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	issuer    *subscribers.Issuer
}

// New creates a new application instance.
func New(cfg *config.Config) (_ *App, err error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		metricsCancel: metricsCancel,
	}
	defer func() {
		if err != nil {
			metricsCancel()
			app.closeClients()
		}
	}()

	if err := app.setupStore(metricsCtx); err != nil {
		return nil, err
	}

	if err := app.setupQueue(); err != nil {
		return nil, err
	}

	router, err := app.setupRouter()
	if err != nil {
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

func (a *App) setupStore(metricsCtx context.Context) error {
	switch a.config.Store.Driver {
	case config.StoreDriverPostgres:
		if a.config.Database.MigrationsPath != "" {
			if err := runMigrations(a.config.Database.MigrationsPath, a.config.Database.URL); err != nil {
				return err
			}
		}

		connectCtx, cancel := context.WithTimeout(context.Background(), a.config.Database.ConnectTimeout)
		defer cancel()

		db, err := postgres.Connect(connectCtx, postgres.Config{
			URL:             a.config.Database.URL,
			MaxOpenConns:    a.config.Database.MaxOpenConns,
			MaxIdleConns:    a.config.Database.MaxIdleConns,
			ConnMaxLifetime: a.config.Database.ConnMaxLifetime,
			ConnectAttempts: a.config.Database.ConnectAttempts,
		})
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		a.db = db
		a.repo = subscriberspostgres.NewRepository(db)

		go collectPoolMetrics(metricsCtx, metrics.PgxPoolStats(db))

	case config.StoreDriverRedis:
		connectCtx, cancel := context.WithTimeout(context.Background(), a.config.Redis.ConnectTimeout)
		defer cancel()

		client, err := pkgredis.Connect(connectCtx, pkgredis.Config{
			Addr:            a.config.Redis.Addr,
			Password:        a.config.Redis.Password,
			DB:              a.config.Redis.DB,
			PoolSize:        a.config.Redis.PoolSize,
			DialTimeout:     a.config.Redis.DialTimeout,
			ConnectAttempts: a.config.Redis.ConnectAttempts,
		})
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		a.redis = client
		a.repo = subscribersredis.NewRepository(client)

		go collectPoolMetrics(metricsCtx, metrics.RedisPoolStats(client, a.config.Redis.PoolSize))

	default:
		return fmt.Errorf("unknown store driver %q", a.config.Store.Driver)
	}

	a.logger.Info("subscriber store configured", "driver", a.config.Store.Driver)
	return nil
}

func (a *App) setupQueue() error {
	if !a.config.Queue.Enabled {
		a.logger.Warn("queue is disabled: validation messages will not be published or consumed")
		return nil
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), a.config.Queue.ConnectTimeout)
	defer cancel()

	conn, err := rabbitmq.Connect(connectCtx, rabbitmq.Config{
		URL:             a.config.Queue.URL,
		ConnectAttempts: a.config.Queue.ConnectAttempts,
	})
	if err != nil {
		return fmt.Errorf("connect to queue: %w", err)
	}
	a.amqpConn = conn

	publisher, err := rabbitmq.NewPublisher(conn, a.config.Queue.Name, a.config.Queue.PublishTimeout)
	if err != nil {
		return fmt.Errorf("create queue publisher: %w", err)
	}
	a.publisher = publisher

	return nil
}

// Run starts the queue consumer and the HTTP servers.
func (a *App) Run() error {
	if a.consumer != nil {
		if err := a.consumer.Start(context.Background()); err != nil {
			return fmt.Errorf("start queue consumer: %w", err)
		}
	}

	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	// Start main server
	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	// Stop consuming first so no new tokens are issued during shutdown
	if a.consumer != nil {
		a.consumer.Stop()
	}

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	errs = append(errs, a.closeClients()...)

	return errors.Join(errs...)
}

// closeClients releases store and queue clients that were created.
func (a *App) closeClients() []error {
	var errs []error

	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue publisher: %w", err))
		}
	}
	if a.amqpConn != nil && !a.amqpConn.IsClosed() {
		if err := a.amqpConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue connection: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}

	return errs
}

func collectPoolMetrics(ctx context.Context, record metrics.PoolStats) {
	record()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			record()
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Issuer returns the queue message handler. Used in tests to drive token
// issuance without a consumer.
func (a *App) Issuer() *subscribers.Issuer {
	return a.issuer
}

func (a *App) setupRouter() (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(httputil.MaxBodyMiddleware(a.config.Server.MaxBodyBytes))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	mailer, err := a.newMailer()
	if err != nil {
		return nil, err
	}

	renderer, err := subscribers.NewRenderer(a.config.Subscriptions.ListName)
	if err != nil {
		return nil, fmt.Errorf("create confirmation renderer: %w", err)
	}

	a.issuer = subscribers.NewIssuer(subscribers.IssuerConfig{
		TokenTTL:     a.config.Subscriptions.TokenTTL,
		StoreTimeout: a.config.Subscriptions.StoreTimeout,
		MailTimeout:  a.config.Subscriptions.MailTimeout,
		FrontendURL:  a.config.Subscriptions.FrontendURL,
	}, a.repo, renderer, mailer, a.logger)

	// Leave the interface nil when the queue is disabled.
	var publisher subscribers.Publisher
	if a.publisher != nil {
		publisher = a.publisher
		a.consumer = rabbitmq.NewConsumer(a.amqpConn, rabbitmq.ConsumerConfig{
			Queue:      a.config.Queue.Name,
			Consumers:  a.config.Queue.Consumers,
			Prefetch:   a.config.Queue.Prefetch,
			RetryDelay: a.config.Queue.RetryDelay,
		}, a.issuer)
	}

	service := subscribers.NewService(a.repo, publisher, subscribers.Config{
		TokenTTL:       a.config.Subscriptions.TokenTTL,
		StoreTimeout:   a.config.Subscriptions.StoreTimeout,
		PublishTimeout: a.config.Queue.PublishTimeout,
	})
	handler := subscribers.NewHandler(service)

	r.Route("/api/v1", func(r chi.Router) {
		handler.RegisterRoutes(r)
	})

	return r, nil
}

// newMailer returns nil when email is disabled so the issuer logs links instead.
func (a *App) newMailer() (subscribers.Mailer, error) {
	if !a.config.Email.Enabled {
		a.logger.Warn("email sender is disabled: confirmation links will be logged, not sent")
		return nil, nil
	}

	sender, err := email.NewSender(email.Config{
		SMTPHost:     a.config.Email.SMTPHost,
		SMTPPort:     a.config.Email.SMTPPort,
		SMTPUser:     a.config.Email.SMTPUser,
		SMTPPassword: a.config.Email.SMTPPassword,
		FromAddress:  a.config.Email.FromAddress,
		RateLimit:    a.config.Email.RateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("create email sender: %w", err)
	}
	return sender, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.repo.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Store unavailable")
		return
	}

	if a.amqpConn != nil && a.amqpConn.IsClosed() {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", "queue connection closed")
		httputil.Text(w, http.StatusServiceUnavailable, "Queue unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
