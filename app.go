package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/xiaot623/notechat/internal/adapter/llm"
	"github.com/xiaot623/notechat/internal/config"
	"github.com/xiaot623/notechat/internal/logger"
	"github.com/xiaot623/notechat/internal/marker"
	"github.com/xiaot623/notechat/internal/metrics"
	"github.com/xiaot623/notechat/internal/orchestrator"
	"github.com/xiaot623/notechat/internal/policy"
	"github.com/xiaot623/notechat/internal/store"
)

// app holds the wired runtime shared by every subcommand.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	store   *store.SQLiteStore
	marker  *marker.BoltMarker
	orch    *orchestrator.Orchestrator
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
	})
	m := metrics.New()

	// The marker lock is taken first: while a runtime holds the state file,
	// no other command touches the database.
	mk, err := marker.OpenBolt(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open state file: %w", err)
	}

	db, err := store.NewSQLiteStore(cfg.DatabaseURL,
		store.WithDriver(cfg.DatabaseDriver),
		store.WithMetrics(m),
		store.WithLogger(logger.Component(log, "store")),
	)
	if err != nil {
		_ = mk.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	engine, err := policy.Load(ctx, cfg.SendPolicyFile)
	if err != nil {
		_ = mk.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	runner, err := llm.NewRunner(llm.Config{
		Mode:          cfg.RunnerMode,
		OllamaURL:     cfg.OllamaURL,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
	}, logger.Component(log, "runner"))
	if err != nil {
		_ = mk.Close()
		_ = db.Close()
		return nil, err
	}

	orch := orchestrator.New(orchestrator.Options{
		Store:         db,
		Runner:        runner,
		Marker:        mk,
		Policy:        engine,
		Metrics:       m,
		Logger:        logger.Component(log, "orchestrator"),
		DefaultTitle:  cfg.DefaultTitle,
		FlushInterval: cfg.FlushInterval,
		WriteTimeout:  cfg.WriteTimeout,
		Language:      cfg.Language,
	})

	return &app{
		cfg:     cfg,
		log:     log,
		metrics: m,
		store:   db,
		marker:  mk,
		orch:    orch,
	}, nil
}

// close stops every live session, then releases storage.
func (a *app) close(ctx context.Context) error {
	return errors.Join(
		a.orch.Close(ctx),
		a.marker.Close(),
		a.store.Close(),
	)
}
