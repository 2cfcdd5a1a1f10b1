// Package server initializes and runs the sync engine: database and
// migrations, the crypto boundary, the orchestrator with its scheduler, and
// the HTTP control API, with graceful shutdown on OS signals.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/opsdesk/vaultsync/internal/cryptox"
	"github.com/opsdesk/vaultsync/internal/logging"
	"github.com/opsdesk/vaultsync/internal/server/config"
	"github.com/opsdesk/vaultsync/internal/server/httpapi"
	"github.com/opsdesk/vaultsync/internal/server/orchestrator"
	"github.com/opsdesk/vaultsync/internal/server/repositories/repomanager"
	"github.com/opsdesk/vaultsync/internal/server/resolver"
	"github.com/opsdesk/vaultsync/internal/server/services"
)

type App struct {
	config    *config.Config
	logger    logging.Logger
	db        *sql.DB
	repos     repomanager.RepositoryManager
	orch      *orchestrator.Orchestrator
	scheduler *orchestrator.Scheduler
	api       *httpapi.Server
	hub       *httpapi.Hub
}

func NewApp(c *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	repos := repomanager.NewPostgresRepositoryManager()
	if err := repos.RunMigrations(context.Background(), db); err != nil {
		return nil, fmt.Errorf("migrations error: %w", err)
	}

	sealer := cryptox.NewAESSealer([]byte(c.SealerKey), []byte(c.SealerSalt))
	connect := orchestrator.NewConnectorFactory(sealer, c.ConnectorTimeout, logger)
	res := resolver.NewService(db, repos, sealer, logger)

	orch := orchestrator.New(db, repos, sealer, res, connect, orchestrator.Config{
		ConnectorTimeout: c.ConnectorTimeout,
		SuccessRetention: c.SuccessRetention,
		FailureRetention: c.FailureRetention,
	}, logger)

	hub := httpapi.NewHub(logger)
	orch.Notify = hub.Publish

	storage, err := services.NewS3Storage(context.Background(), services.S3Config{
		Endpoint:        c.S3BaseEndpoint,
		Region:          c.S3Region,
		Bucket:          c.S3Bucket,
		AccessKeyID:     c.S3RootUser,
		SecretAccessKey: c.S3RootPassword,
		UsePathStyle:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("storage init error: %w", err)
	}

	accountSvc := services.NewAccountService(db, repos, sealer, logger)
	conflictSvc := services.NewConflictService(db, repos, res, connect, logger)
	historySvc := services.NewHistoryService(db, repos, c.SuccessRetention, c.FailureRetention, logger)
	jobSvc := services.NewJobService(db, repos, storage, c.PresignTTL, logger)

	api := httpapi.NewServer(accountSvc, conflictSvc, historySvc, jobSvc,
		orch, hub, []byte(c.SecretKey), logger)

	scheduler := orchestrator.NewScheduler(db, repos, orch, c.SchedulerInterval, c.SchedulerWorkers, logger)

	return &App{
		config:    c,
		logger:    logger,
		db:        db,
		repos:     repos,
		orch:      orch,
		scheduler: scheduler,
		api:       api,
		hub:       hub,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	srv := &http.Server{
		Addr:    app.config.EndpointAddrHTTP,
		Handler: app.api.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error(shutdownCtx, "http shutdown error", "error", err)
		}
	}()

	app.logger.Info(ctx, "control api listening", "addr", app.config.EndpointAddrHTTP)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)

	app.logger.Info(ctx, "starting app")

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.scheduler.Run(ctx)
	}()

	wg.Wait()

	if err := app.db.Close(); err != nil {
		app.logger.Error(context.Background(), "db close error", "error", err)
	}
}
