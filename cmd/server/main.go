package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"

	"github.com/appforge/backend/internal/config"
	"github.com/appforge/backend/internal/core/ports"
	"github.com/appforge/backend/internal/core/services"
	"github.com/appforge/backend/internal/infrastructure/attachments"
	"github.com/appforge/backend/internal/infrastructure/db"
	"github.com/appforge/backend/internal/infrastructure/generator"
	"github.com/appforge/backend/internal/infrastructure/github"
	"github.com/appforge/backend/internal/infrastructure/logger"
	"github.com/appforge/backend/internal/infrastructure/notify"
	"github.com/appforge/backend/internal/infrastructure/queue"
	transporthttp "github.com/appforge/backend/internal/transport/http"
	"github.com/appforge/backend/pkg/utils/crypto"
	"github.com/appforge/backend/pkg/utils/keygen"
)

func main() {
	configPath := os.Getenv("APPFORGE_CONFIG")
	if configPath == "" {
		configPath = "config/config.yaml"
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = "../config/config.yaml"
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()

	ctx := context.Background()

	// Idempotency store
	var (
		database *gorm.DB
		store    ports.OutcomeStore
	)
	switch cfg.Store.Driver {
	case config.StoreDriverPostgres:
		database, err = db.NewPostgresConnection(cfg.Database)
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		log.Info("database connection established")

		if err := db.RunMigrations(database); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		log.Info("database migrations completed")
		store = db.NewOutcomeRepository(database, log.Named("store"))
	default:
		store = db.NewOutcomeFileStore(cfg.Store.Path, log.Named("store"))
		log.Infow("file store ready", "path", cfg.Store.Path)
	}

	secrets := crypto.NewSecretMatcher(cfg.Auth.SharedSecret, cfg.Auth.SharedSecretHash)
	if !secrets.Configured() {
		log.Warn("no shared secret configured; every task request will be rejected")
	}

	// External collaborators
	host, err := github.NewHost(github.HostConfig{GitHub: cfg.GitHub, Logger: log.Named("github")})
	if err != nil {
		log.Fatalf("failed to initialize repository host: %v", err)
	}
	if err := host.ResolveOwner(ctx); err != nil {
		log.Warnf("github owner not resolved yet, will retry on first use: %v", err)
	}

	gen, err := generator.New(cfg.Generator, log.Named("generator"))
	if err != nil {
		log.Warnf("generator unavailable, using fallback templates: %v", err)
		gen = generator.Disabled{}
	}

	var mirror attachments.Mirror
	if cfg.ObjectStore.Enabled {
		m, err := attachments.NewMinioMirror(ctx, cfg.ObjectStore)
		if err != nil {
			log.Warnf("attachment mirror disabled: %v", err)
		} else {
			mirror = m
			log.Infow("attachment mirror ready", "endpoint", cfg.ObjectStore.Endpoint, "bucket", cfg.ObjectStore.Bucket)
		}
	}
	attachmentStore := attachments.NewStore(attachments.StoreConfig{
		Dir:      cfg.Attachments.Dir,
		MaxBytes: cfg.Attachments.MaxBytes,
		Mirror:   mirror,
		Logger:   log.Named("attachments"),
	})

	notifier := notify.NewEvaluationClient(notify.EvaluationClientConfig{
		Notification: cfg.Notification,
		Logger:       log.Named("notify"),
	})

	var mailer ports.RequesterNotifier
	if cfg.Mail.Enabled {
		mailer = notify.NewMailer(cfg.Mail, log.Named("mail"))
	}

	// Pipeline
	registry := services.NewTaskServiceWithConfig(services.TaskServiceConfig{
		Retention:   cfg.Dispatch.RunRetention,
		MaxFinished: cfg.Dispatch.MaxFinishedRuns,
	})
	publisher := services.NewPublishService(services.PublishServiceConfig{
		Host:          host,
		Logger:        log.Named("publish"),
		DefaultBranch: cfg.GitHub.DefaultBranch,
		WebBaseURL:    cfg.GitHub.WebBaseURL,
		PagesDomain:   cfg.GitHub.PagesDomain,
		LicenseHolder: cfg.Pipeline.LicenseHolder,
	})
	processor := services.NewTaskProcessor(services.TaskProcessorConfig{
		Registry:              registry,
		Store:                 store,
		Attachments:           attachmentStore,
		Host:                  host,
		Generator:             gen,
		Publisher:             publisher,
		Notifier:              notifier,
		Mailer:                mailer,
		Logger:                log.Named("pipeline"),
		RequirePreviousReadme: cfg.Pipeline.RequirePreviousReadme,
	})

	runner := services.NewBackgroundRunner(log.Named("runner"))
	var (
		dispatcher ports.Dispatcher
		broker     *queue.Broker
	)
	switch cfg.Dispatch.Mode {
	case config.DispatchModeQueue:
		broker, err = queue.NewBroker(queue.BrokerConfig{
			RabbitMQ: cfg.RabbitMQ,
			Workers:  cfg.Dispatch.Workers,
			Logger:   log.Named("queue"),
		})
		if err != nil {
			log.Fatalf("failed to initialize queue: %v", err)
		}
		if err := broker.Consume(registry, processor); err != nil {
			log.Fatalf("failed to start queue consumer: %v", err)
		}
		dispatcher = broker
	case config.DispatchModeAsync:
		dispatcher = services.NewAsyncDispatcher(runner, processor)
	}

	gateway := services.NewGatewayService(services.GatewayServiceConfig{
		Secrets:    secrets,
		Store:      store,
		Registry:   registry,
		Processor:  processor,
		Dispatcher: dispatcher,
		Runner:     runner,
		Mode:       cfg.Dispatch.Mode,
		Logger:     log.Named("gateway"),
	})

	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		ErrorHandler:          globalErrorHandler(log),
		DisableStartupMessage: true,
	})

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	allowedOrigins := "*"
	if len(cfg.Auth.AllowedOrigins) > 0 {
		allowedOrigins = strings.Join(cfg.Auth.AllowedOrigins, ",")
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Admin-Token",
		AllowMethods: "GET, POST, HEAD",
	}))

	app.Use(func(c *fiber.Ctx) error {
		hdr := cfg.Features.RequestIDHeader
		var reqID string
		if hdr != "" {
			reqID = c.Get(hdr)
		}
		if reqID == "" {
			reqID = keygen.GenerateUUID()
		}
		c.Locals("request_id", reqID)
		if hdr != "" {
			c.Set(hdr, reqID)
		}
		return c.Next()
	})

	if cfg.Features.EnableRequestLogging {
		app.Use(func(c *fiber.Ctx) error {
			start := time.Now()
			err := c.Next()
			routePath := ""
			if c.Route() != nil {
				routePath = c.Route().Path
			}
			log.Infow("http_access",
				"method", c.Method(),
				"path", c.Path(),
				"route", routePath,
				"status", c.Response().StatusCode(),
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", c.IP(),
				"user_agent", string(c.Request().Header.UserAgent()),
				"request_id", c.Locals("request_id"),
				"req_bytes", len(c.Request().Body()),
				"resp_bytes", len(c.Response().Body()),
			)
			return err
		})
	}

	transporthttp.SetupRoutes(app, transporthttp.RouterConfig{
		Gateway:     gateway,
		Registry:    registry,
		Logger:      log.Named("http"),
		AdminAPIKey: cfg.Auth.AdminAPIKey,
	})

	addr := cfg.Server.Address()
	go func() {
		if err := app.Listen(addr); err != nil {
			log.Fatalf("server failed to start: %v", err)
		}
	}()

	log.Infow("server started", "addr", addr, "dispatch_mode", cfg.Dispatch.Mode, "store", cfg.Store.Driver)

	gracefulShutdown(app, runner, broker, database, cfg.Server.ShutdownTimeout, log)
}

func globalErrorHandler(log *logger.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError

		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		if code < fiber.StatusInternalServerError {
			log.Warnw("request failed",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", c.Locals("request_id"),
			)
		} else {
			log.Errorw("request error",
				"method", c.Method(),
				"path", c.Path(),
				"status", code,
				"error", err.Error(),
				"request_id", c.Locals("request_id"),
			)
		}

		return c.Status(code).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
}

// gracefulShutdown stops intake first, then lets detached and queued runs
// finish within the shutdown timeout before closing the database.
func gracefulShutdown(app *fiber.App, runner *services.BackgroundRunner, broker *queue.Broker, database *gorm.DB, timeout time.Duration, log *logger.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Info("shutting down server...")

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Errorf("server forced to shutdown: %v", err)
	}

	if broker != nil {
		if err := broker.Close(ctx); err != nil {
			log.Errorf("failed to close queue: %v", err)
		}
	}

	if err := runner.Wait(ctx); err != nil {
		log.Warnf("detached runs still in flight at shutdown: %v", err)
	}

	if database != nil {
		if err := db.Close(database); err != nil {
			log.Errorf("failed to close database connection: %v", err)
		}
	}

	log.Info("server exited gracefully")
}
