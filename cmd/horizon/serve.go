package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/horizon-web/internal/handlers"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

const serveLongDesc string = `Serve the web client.

The server proxies messages to the configured chat backend and pushes every
state change of the active conversation to the browser over server-sent events
on /sse.`

func newServeCmd(c *commander) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the web client API and live updates",
		Long:  serveLongDesc,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("port") {
				c.cfg.Port, _ = cmd.Flags().GetString("port")
			}
			return c.serve(cmd.Context())
		},
	}

	cmd.Flags().StringP("port", "p", "", "Port to listen on (overrides the config file)")

	return cmd
}

func (c *commander) serve(ctx context.Context) error {
	logger := c.logger()

	session, store, err := newSession(c.cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	m := handlers.NewMain(session, logger, handlers.WithSendTimeout(c.cfg.Client.SendTimeout))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/health"))
	m.RegisterRoutes(r)

	// SSE connections stay open for as long as the browser is connected, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:              ":" + c.cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// The hook runs in its own goroutine; the store must outlive it.
	hookDone := make(chan struct{})
	srv.RegisterOnShutdown(func() {
		defer close(hookDone)
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
		session.Close()
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Start shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
		if err := srv.Close(); err != nil {
			logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
		}
	}

	select {
	case <-hookDone:
	case <-shutdownCtx.Done():
	}

	logger.Info("Server stopped")
	return nil
}
