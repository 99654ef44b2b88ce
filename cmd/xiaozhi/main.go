package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/zhou19830318/xiaozhi/internal/app"
	"github.com/zhou19830318/xiaozhi/internal/client"
	"github.com/zhou19830318/xiaozhi/internal/config"
	"github.com/zhou19830318/xiaozhi/internal/httpapi"
	"github.com/zhou19830318/xiaozhi/internal/logging"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code once every deferred cleanup has run.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", "console", os.Stderr)
		boot.Fatal().Err(err).Msg("config error")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)

	built, err := app.Build(context.Background(), cfg, logger, app.Options{})
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn().Err(err).Msg("cleanup failed")
		}
	}()
	logger.Info().
		Str("journal", built.Journal.Mode()).
		Str("audio_backend", built.Audio.Backend).
		Str("audio", built.Audio.Detail).
		Msg("components ready")

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := built.Runtime.Run(runCtx); err != nil {
			logger.Error().Err(err).Msg("runtime stopped with error")
		}
	}()

	if cfg.ButtonFromStdin {
		go func() {
			logger.Info().Msg("stdin button enabled: press | release | toggle (empty line)")
			err := client.ReadButtonLines(runCtx, os.Stdin, built.Runtime.Button(), logging.Component(logger, "stdin"))
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn().Err(err).Msg("stdin button source stopped")
			}
		}()
	}

	var httpServer *http.Server
	var httpErr <-chan error
	if cfg.BindAddr != "" {
		httpServer = httpapi.NewHTTPServer(cfg.BindAddr, built.API.Router())
		logger.Info().Str("addr", cfg.BindAddr).Msg("status api listening")
		httpErr = serveHTTP(httpServer)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	code := waitForExit(logger, sigCh, runDone, httpErr)

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("graceful shutdown failed")
			_ = httpServer.Close()
		}
	}
	select {
	case <-runDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("runtime did not stop before shutdown timeout")
	}

	logger.Info().Msg("shutdown complete")
	return code
}

// serveHTTP runs srv in the background. A listen failure is delivered on the
// returned channel; a clean Shutdown delivers nothing.
func serveHTTP(srv *http.Server) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// waitForExit blocks until a signal arrives, the runtime stops or the status
// API fails, and returns the exit code for that cause.
func waitForExit(logger zerolog.Logger, sigCh <-chan os.Signal, runDone <-chan struct{}, httpErr <-chan error) int {
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		return 0
	case <-runDone:
		logger.Warn().Msg("runtime exited")
		return 0
	case err := <-httpErr:
		logger.Error().Err(err).Msg("status api listen error")
		return 1
	}
}
