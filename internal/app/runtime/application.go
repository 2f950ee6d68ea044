// Package runtime wires configuration, storage, adapters and the HTTP server
// into a runnable application.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/roomlift/roomlift/internal/adapters/blob"
	"github.com/roomlift/roomlift/internal/adapters/genai"
	"github.com/roomlift/roomlift/internal/adapters/payment"
	app "github.com/roomlift/roomlift/internal/app"
	"github.com/roomlift/roomlift/internal/app/httpapi"
	"github.com/roomlift/roomlift/internal/app/metrics"
	billingsvc "github.com/roomlift/roomlift/internal/app/services/billing"
	"github.com/roomlift/roomlift/internal/app/storage/postgres"
	redisstore "github.com/roomlift/roomlift/internal/app/storage/redis"
	"github.com/roomlift/roomlift/internal/middleware"
	"github.com/roomlift/roomlift/migrations"
	"github.com/roomlift/roomlift/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg        *Config
	log        *logger.Logger
	app        *app.Application
	httpServer *http.Server
	db         *sqlx.DB
	redis      *goredis.Client
}

// NewApplication constructs a fully wired application from the environment.
func NewApplication(ctx context.Context) (*Application, error) {
	cfg, err := Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	stores, db, redisClient, err := buildStores(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("configure stores: %w", err)
	}

	blobStore, err := blob.NewS3Store(ctx, blob.Config{
		Bucket:   cfg.Blob.Bucket,
		Region:   cfg.Blob.Region,
		Endpoint: cfg.Blob.Endpoint,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("configure blob store: %w", err)
	}

	generator := genai.New(genai.Config{
		BaseURL: cfg.GenAI.BaseURL,
		APIKey:  cfg.GenAI.APIKey,
		Model:   cfg.GenAI.Model,
	}, log)

	opts := app.Options{
		Generator:      generator,
		Blobs:          blobStore,
		ThrottleSecret: []byte(cfg.Auth.ThrottleSecret),
		AuditSchedule:  cfg.Limits.AuditSchedule,
		Billing: billingsvc.Config{
			SuccessURL: cfg.Payment.SuccessURL,
			CancelURL:  cfg.Payment.CancelURL,
		},
	}
	if cfg.Payment.APIKey != "" {
		opts.PaymentProvider = payment.New(payment.Config{
			APIKey:        cfg.Payment.APIKey,
			WebhookSecret: cfg.Payment.WebhookSecret,
			BaseURL:       cfg.Payment.BaseURL,
		}, log)
	}

	application, err := app.New(stores, opts, log)
	if err != nil {
		return nil, fmt.Errorf("build application: %w", err)
	}

	handler := buildHandler(application, cfg, log)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Application{
		cfg:        cfg,
		log:        log,
		app:        application,
		httpServer: httpSrv,
		db:         db,
		redis:      redisClient,
	}, nil
}

func buildStores(cfg *Config, log *logger.Logger) (app.Stores, *sqlx.DB, *goredis.Client, error) {
	var stores app.Stores
	var db *sqlx.DB

	if cfg.Database.Driver == "postgres" {
		var err error
		db, err = openDatabase(cfg.Database)
		if err != nil {
			return app.Stores{}, nil, nil, err
		}
		if cfg.Database.Migrate {
			if err := migrations.Up(db.DB); err != nil {
				db.Close()
				return app.Stores{}, nil, nil, err
			}
		}
		pg := postgres.New(db)
		stores.Ledger = pg
		stores.Throttle = pg
		stores.Jobs = pg
	} else {
		log.Warn("using in-memory stores; data is lost on restart")
	}

	var redisClient *goredis.Client
	if cfg.Redis.Addr != "" {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			if db != nil {
				db.Close()
			}
			return app.Stores{}, nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		stores.Throttle = redisstore.NewThrottleStore(redisClient)
	}

	return stores, db, redisClient, nil
}

func buildHandler(application *app.Application, cfg *Config, log *logger.Logger) http.Handler {
	api := httpapi.NewHandler(application, nil, log)

	auth := middleware.NewAuthMiddleware([]byte(cfg.Auth.JWTSecret), log, []string{
		"/healthz",
		"/metrics",
		"/v1/billing/webhook",
		"/v1/tools/",
	})
	limiter := middleware.NewRateLimiter(cfg.Limits.RequestsPerSecond, cfg.Limits.Burst, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", api)

	return metrics.InstrumentHandler(auth.Handler(limiter.Handler(mux)))
}

func openDatabase(cfg DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Run starts the background services and the HTTP server, then blocks until
// the context is cancelled or the server fails.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP server listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server, the background services and the
// storage connections.
func (a *Application) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := a.app.Stop(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("error stopping services")
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis connection")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
	return nil
}
