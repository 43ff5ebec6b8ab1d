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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gatekeeper/internal/config"
	"gatekeeper/internal/coordinator"
	"gatekeeper/pkg/store"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "zuul-coordinator",
		Short:        "Keep a coordination session open, mirror hold requests and watch layout hashes",
		SilenceUsage: true,
		RunE:         run,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	etcdCfg, err := cfg.Etcd(logger)
	if err != nil {
		return err
	}

	// Ctrl+C or SIGTERM shuts down gracefully.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coord := coordinator.New(coordinator.Options{
		Logger:           logger,
		Workers:          cfg.DispatcherWorkers,
		HoldRequestCache: cfg.HoldRequestCache,
		ReadOnly:         cfg.ReadOnly,
		ConnectTimeout:   cfg.ConnectTimeout,
	})
	coord.Connection().AddStateListener(func(state store.SessionState) {
		if state == store.StateLost {
			logger.Warn("coordination session lost, ephemeral nodes and locks are gone")
		}
	})

	logger.Info("connecting", zap.Strings("hosts", cfg.Hosts))
	if err := coord.Start(ctx, coordinator.EtcdDialer(etcdCfg)); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	defer func() {
		if err := coord.Stop(); err != nil {
			logger.Error("shutdown", zap.Error(err))
		}
	}()

	if err := coord.Layout.Watch(ctx, func(tenant, hash string) {
		logger.Info("layout hash", zap.String("tenant", tenant), zap.String("hash", hash))
	}); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("listen", cfg.MetricsListen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down coordinator")
		return nil
	})
	return g.Wait()
}
