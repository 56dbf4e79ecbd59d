package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"socialfeed/internal/auth"
	"socialfeed/internal/feed"
	"socialfeed/internal/httpapi"
	"socialfeed/internal/live"
	"socialfeed/internal/log"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the live endpoint and the feed event consumer",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := log.WithComponent("serve")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cache, redisClient := newCache(cfg.Cache)
		defer redisClient.Close()

		router, write, err := openRouter(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer func() {
			if err := router.Close(); err != nil {
				logger.Error().Err(err).Msg("close database nodes")
			}
		}()
		router.Start(ctx)

		publisher, err := newPublisher(cfg.Bus)
		if err != nil {
			return err
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Error().Err(err).Msg("close publisher")
			}
		}()

		registry := live.NewRegistry()
		consumer, err := newConsumer(cfg.Bus, registry)
		if err != nil {
			return err
		}
		if consumer != nil {
			if err := consumer.Start(ctx); err != nil {
				return err
			}
			defer func() {
				if err := consumer.Close(); err != nil {
					logger.Error().Err(err).Msg("close consumer")
				}
			}()
		}

		tokens, err := auth.NewManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		if err != nil {
			return err
		}

		svc := feed.NewService(router, cache, publisher, feed.Config{MaxLimit: cfg.Feed.MaxLimit})
		api := httpapi.New(svc, tokens,
			httpapi.WithLive(live.NewHandler(registry, tokens, cfg.Server.WSWriteTimeout)),
			httpapi.WithHealthCheck(write.Ping),
		)

		srv := &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			logger.Info().
				Str("node_id", cfg.Server.NodeID).
				Str("addr", cfg.Server.HTTPAddr).
				Str("database", cfg.Database.Driver).
				Int("replicas", len(cfg.Database.ReplicaURLs)).
				Str("bus", cfg.Bus.Driver).
				Msg("socialfeedd listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case <-ctx.Done():
			logger.Info().Msg("shutdown signal received")
		case err := <-errCh:
			if err != nil {
				return err
			}
		}

		// Deferred closes then run consumer, publisher, router, cache client.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown")
		}
		return nil
	},
}
