package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/config"
	"github.com/fyrsmithlabs/dialogd/internal/dialogue"
	"github.com/fyrsmithlabs/dialogd/internal/events"
	api "github.com/fyrsmithlabs/dialogd/internal/http"
	"github.com/fyrsmithlabs/dialogd/internal/inference"
	"github.com/fyrsmithlabs/dialogd/internal/ingest"
	"github.com/fyrsmithlabs/dialogd/internal/logging"
	"github.com/fyrsmithlabs/dialogd/internal/orchestrator"
	"github.com/fyrsmithlabs/dialogd/internal/registry"
	"github.com/fyrsmithlabs/dialogd/internal/retrieval"
	"github.com/fyrsmithlabs/dialogd/internal/session"
	"github.com/fyrsmithlabs/dialogd/internal/telemetry"
	"github.com/fyrsmithlabs/dialogd/internal/vectorstore"
	"github.com/fyrsmithlabs/dialogd/pkg/redact"
)

// serve wires every component and runs the HTTP server until the context
// is canceled.
func serve(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	tel, err := telemetry.New(ctx, cfg.Telemetry, version, logger)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Telemetry.ShutdownTimeout.Duration())
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()
	if tel.IsEnabled() {
		if otelLogger, err := logging.New(cfg.Log, logging.WithOTELProvider(tel.LoggerProvider())); err == nil {
			logger = otelLogger
		}
	}

	logger.Info("starting dialogd",
		zap.String("version", version),
		zap.String("commit", gitCommit),
	)

	var natsConn *nats.Conn
	if cfg.NATS.Enabled {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.NATS.Name),
			nats.Timeout(cfg.NATS.ConnectTimeout.Duration()),
		)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		defer natsConn.Close()
		logger.Info("nats connected", zap.String("url", cfg.NATS.URL))
	}
	publisher := events.NewPublisher(natsConn, logger)

	store, err := vectorstore.New(ctx, cfg.VectorStore, logger)
	if err != nil {
		return fmt.Errorf("opening vector store: %w", err)
	}
	defer func() { _ = store.Close() }()

	gateway := inference.NewGateway(cfg.Inference, logger)

	var redactor ingest.Redactor
	if cfg.Ingest.RedactSecrets {
		r, err := redact.New(cfg.Ingest.RedactAllowlist, logger)
		if err != nil {
			return fmt.Errorf("initializing redactor: %w", err)
		}
		redactor = r
	}
	pipeline := ingest.NewPipeline(cfg.Ingest, store, gateway, redactor, publisher, logger)

	dialogues := dialogue.NewRegistry(cfg.Dialogue, logger)
	if err := dialogues.LoadDir(); err != nil {
		return fmt.Errorf("loading dialogue definitions: %w", err)
	}
	if cfg.Dialogue.Watch {
		watcher, err := dialogue.NewWatcher(dialogues, logger)
		if err != nil {
			return fmt.Errorf("watching dialogue definitions: %w", err)
		}
		defer func() { _ = watcher.Close() }()
		go watcher.Run(ctx)
	}

	sessions := session.NewStore(cfg.Session, logger)
	go sessions.RunJanitor(ctx)

	engine := retrieval.NewEngine(cfg.Retrieval, store, gateway, gateway, logger)

	projects := registry.NewManager(logger)
	projects.OnDelete(pipeline.Purge)
	projects.OnDelete(func(_ context.Context, projectID string) error {
		dialogues.DropProject(projectID)
		sessions.DeleteByProject(projectID)
		return nil
	})

	orch := orchestrator.New(cfg.Orchestrator, projects, dialogues, engine, gateway, sessions, logger)
	srv := api.NewServer(cfg.Server, projects, pipeline, orch, sessions, store, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	logger.Info("dialogd stopped")
	return nil
}
