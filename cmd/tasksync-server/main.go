// Command tasksync-server serves the in-memory task API used by the rest
// backend.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"tasksync/internal/config"
	"tasksync/internal/logging"
	"tasksync/internal/server"
)

func main() {
	envFile := flag.String("env", "", "optional env file with TASKSYNC_SERVER_* settings")
	flag.Parse()

	settings, err := config.LoadServerSettings(*envFile)
	if err != nil {
		errLogger := logging.New(os.Stderr, "error", false)
		errLogger.Fatal().Err(err).Msg("failed to load settings")
	}
	logger := logging.New(os.Stderr, settings.LogLevel, settings.Debug)

	if !settings.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	opts := []server.Option{server.WithLogger(logger)}
	if settings.Token != "" {
		opts = append(opts, server.WithToken(settings.Token))
	} else {
		logger.Warn().Msg("TASKSYNC_SERVER_TOKEN is empty, requests are not authenticated")
	}
	srv := server.New(opts...)

	httpServer := &http.Server{
		Addr:    net.JoinHostPort(settings.Host, settings.Port),
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info().
			Str("host", settings.Host).
			Str("port", settings.Port).
			Msg("setting up http server")
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to listen and serve http")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down http server")

	ctx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown http server")
		os.Exit(1)
	}
	logger.Info().Int("tasks", srv.Len()).Msg("shut down http server")
}
