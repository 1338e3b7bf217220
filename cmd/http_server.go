package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/chargeline/ev-booking/internal"
	"github.com/chargeline/ev-booking/internal/booking"
	bookingstore "github.com/chargeline/ev-booking/internal/booking/postgres"
	"github.com/chargeline/ev-booking/internal/core/events"
	"github.com/chargeline/ev-booking/internal/gateway"
	"github.com/chargeline/ev-booking/internal/notification"
	"github.com/chargeline/ev-booking/internal/reconcile"
	"github.com/chargeline/ev-booking/internal/transport/rest"
	"github.com/chargeline/ev-booking/pkg/logger"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle bookings, payment initiation and gateway callbacks`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

type Dependencies struct {
	Config    *internal.Config
	DB        *sqlx.DB
	Router    *chi.Mux
	Scheduler *reconcile.Scheduler
	Logger    *slog.Logger
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	deps.Scheduler.Start()

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	deps.Logger.Info("starting HTTP server", "address", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      deps.Router,
		ReadTimeout:  deps.Config.Server.ReadTimeout,
		WriteTimeout: deps.Config.Server.WriteTimeout,
		IdleTimeout:  deps.Config.Server.IdleTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		deps.Logger.Info("received signal, shutting down", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			deps.Logger.Error("server shutdown error", "error", err)
		}
		deps.Scheduler.Shutdown()
		if err := deps.DB.Close(); err != nil {
			deps.Logger.Error("database close error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			deps.Logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}

	deps.Logger.Info("server stopped")
}

func initializeDependencies() (*Dependencies, error) {
	config, err := loadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(config.Observability.Logging.Level, config.Observability.Logging.Format)
	lg := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gormDB, err := initGorm(db)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize orm: %w", err)
	}

	registry := gateway.NewRegistry(
		gateway.NewKhaltiClient(gateway.KhaltiConfig{
			BaseURL:       config.Gateways.Khalti.BaseURL,
			SecretKey:     config.Gateways.Khalti.SecretKey,
			WebhookSecret: config.Gateways.Khalti.WebhookSecret,
			ReturnURL:     config.Gateways.Khalti.ReturnURL,
			WebsiteURL:    config.Gateways.Khalti.WebsiteURL,
			Timeout:       config.Gateways.Khalti.Timeout,
		}, lg),
		gateway.NewEsewaClient(gateway.EsewaConfig{
			FormURL:     config.Gateways.Esewa.FormURL,
			StatusURL:   config.Gateways.Esewa.StatusURL,
			ProductCode: config.Gateways.Esewa.ProductCode,
			SecretKey:   config.Gateways.Esewa.SecretKey,
			SuccessURL:  config.Gateways.Esewa.SuccessURL,
			FailureURL:  config.Gateways.Esewa.FailureURL,
			Timeout:     config.Gateways.Esewa.Timeout,
		}, lg),
	)

	eventBus := events.NewEventBus(lg)

	dispatcher := notification.NewDispatcher(notification.NewLogSender(lg), lg)
	dispatcher.RegisterEventHandlers(eventBus)

	repo := bookingstore.NewBookingRepository(gormDB)
	bookingService := booking.NewService(repo, registry, eventBus, lg)
	bookingHandler := booking.NewHandler(bookingService)

	engine := reconcile.NewEngine(bookingService, registry, reconcile.Config{
		LookupTimeout:    config.Reconciler.LookupTimeout,
		MaxLookupRetries: config.Reconciler.MaxLookupRetries,
		ExpireAfter:      config.Reconciler.ExpireAfter,
	}, lg)
	reconcileHandler := reconcile.NewHandler(engine, lg)

	scheduler := reconcile.NewScheduler(bookingService, engine, reconcile.SchedulerConfig{
		ScanInterval:  config.Reconciler.ScanInterval,
		StaleAfter:    config.Reconciler.StaleAfter,
		ScanBatchSize: config.Reconciler.ScanBatchSize,
		MaxWorkers:    config.Reconciler.Workers,
	}, lg)

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, db.DB, bookingHandler, reconcileHandler, config.Server.AllowedOrigins, lg)

	return &Dependencies{
		Config:    config,
		Logger:    lg,
		DB:        db,
		Router:    router,
		Scheduler: scheduler,
	}, nil
}

// initDB opens the pgx-backed connection pool shared by the health check and
// the ORM.
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}

// initGorm layers gorm over the already-open pool so both share one set of
// connections and limits.
func initGorm(db *sqlx.DB) (*gorm.DB, error) {
	return gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{})
}
