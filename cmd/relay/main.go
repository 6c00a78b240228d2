package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"carecrypt/internal/directory"
	"carecrypt/internal/directory/redisdir"
	"carecrypt/internal/relay"
)

const shutdownGrace = 5 * time.Second

func main() {
	var (
		addr        string
		redisAddr   string
		redisPrefix string
		verbose     bool
	)
	cmd := &cobra.Command{
		Use:          "relay",
		Short:        "Store pre-key bundles and queue encrypted frames for carecrypt peers",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return run(cmd.Context(), logger, addr, redisAddr, redisPrefix)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "redis address; in-memory storage when empty")
	cmd.Flags().StringVar(&redisPrefix, "redis-prefix", "", "prefix for redis keys")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "development logging")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, logger *zap.Logger, addr, redisAddr, redisPrefix string) error {
	var backend relay.Backend = directory.NewMemory()
	if redisAddr != "" {
		var opts []redisdir.Option
		if redisPrefix != "" {
			opts = append(opts, redisdir.WithPrefix(redisPrefix))
		}
		d, err := redisdir.Dial(ctx, redisAddr, opts...)
		if err != nil {
			return err
		}
		defer d.Close()
		backend = d
		logger.Info("using redis backend", zap.String("addr", redisAddr))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srv, err := relay.NewServer(backend, logger, reg)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", srv)
	hs := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("relay listening", zap.String("addr", addr))
		if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		logger.Info("relay shutting down")
		return hs.Shutdown(sctx)
	})
	return g.Wait()
}
