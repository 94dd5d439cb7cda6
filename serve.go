package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xiaot623/notechat/internal/config"
	transport "github.com/xiaot623/notechat/internal/transport/http"
)

func newServeCmd(v *viper.Viper, load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session runtime and its local HTTP bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.Int(config.KeyHTTPPort, v.GetInt(config.KeyHTTPPort), "HTTP listen port")
	flags.String(config.KeyRunnerMode, v.GetString(config.KeyRunnerMode), "model runner: mock, ollama or openai")
	flags.String(config.KeySendPolicyFile, v.GetString(config.KeySendPolicyFile), "rego file that admits sends")
	flags.Bool(config.KeyRecoverOnStart, v.GetBool(config.KeyRecoverOnStart), "repair interrupted responses before serving")
	for _, key := range []string{
		config.KeyHTTPPort,
		config.KeyRunnerMode,
		config.KeySendPolicyFile,
		config.KeyRecoverOnStart,
	} {
		_ = v.BindPFlag(key, flags.Lookup(key))
	}
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	log := a.log

	log.Info().
		Int("port", cfg.HTTPPort).
		Str("driver", cfg.DatabaseDriver).
		Str("database", cfg.DatabaseURL).
		Str("runner", cfg.RunnerMode).
		Msg("starting notechat")

	if cfg.RecoverOnStart {
		n, err := a.orch.CleanupDirtyResponses(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to repair interrupted responses")
		} else if n > 0 {
			log.Info().Int("repaired", n).Msg("repaired interrupted responses")
		}
	}

	e := transport.NewServer(a.orch, a.metrics, log)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info().Int("port", cfg.HTTPPort).Msg("HTTP bridge started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case <-quit:
	case <-ctx.Done():
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("HTTP bridge failed")
	}

	log.Info().Msg("shutting down notechat")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("failed to shutdown HTTP bridge gracefully")
	}
	if err := a.close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("failed to close runtime cleanly")
	}

	log.Info().Msg("notechat stopped")
	return runErr
}
