package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"netrpc/codec"
	"netrpc/config"
	"netrpc/middleware"
	"netrpc/server"
)

const shutdownTimeout = 5 * time.Second

var serveFlags struct {
	listen     string
	advertise  string
	metrics    string
	noRegistry bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the demo Calc#1.0 service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.listen, "listen", "", "listen address (default from NETRPC_LISTEN_ADDR)")
	f.StringVar(&serveFlags.advertise, "advertise", "", "host published to the registry")
	f.StringVar(&serveFlags.metrics, "metrics", "", "address of the /metrics endpoint, empty disables it")
	f.BoolVar(&serveFlags.noRegistry, "no-registry", false, "do not publish to etcd")
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr = serveFlags.listen
	}
	if cmd.Flags().Changed("advertise") {
		cfg.AdvertiseHost = serveFlags.advertise
	}
	if cmd.Flags().Changed("metrics") {
		cfg.MetricsAddr = serveFlags.metrics
	}
}

func runServe(ctx context.Context) error {
	cdc, err := codec.ByName(cfg.Codec)
	if err != nil {
		return err
	}

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithCodec(cdc),
		server.WithDispatchPool(cfg.DispatchWorkers, cfg.DispatchQueue),
		server.WithIdleTimeout(cfg.IdleTimeout),
	}
	if !serveFlags.noRegistry {
		reg, err := newEtcdRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()
		opts = append(opts, server.WithRegistry(reg, cfg.AdvertiseHost, cfg.RegistryTTL))
	}

	svr := server.NewServer(opts...)
	if err := svr.AddService("Calc", "1.0", Calc{}); err != nil {
		return err
	}
	svr.Use(middleware.LoggingMiddleware(logger))
	if cfg.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	svr.Use(middleware.TimeOutMiddleware(cfg.CallTimeout))

	if err := svr.Listen("tcp", cfg.ListenAddr); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(svr.Serve)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		var errs []error
		if metricsSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			errs = append(errs, metricsSrv.Shutdown(sctx))
			cancel()
		}
		errs = append(errs, svr.Shutdown(shutdownTimeout))
		return errors.Join(errs...)
	})

	return g.Wait()
}
