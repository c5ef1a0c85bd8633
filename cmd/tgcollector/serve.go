package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/tgcollector/internal/migrate"
	grpcserver "github.com/and161185/tgcollector/internal/server/grpc"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		skipMigrate bool
		reflect     bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run migrations, background loops and the health endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts, skipMigrate, reflect)
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply migrations on start")
	cmd.Flags().BoolVar(&reflect, "reflection", false, "enable server reflection (dev only)")
	return cmd
}

func serve(parent context.Context, opts *rootOptions, skipMigrate, reflect bool) error {
	cfg, log := opts.cfg, opts.log
	log.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.GRPC.Addr),
	)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !skipMigrate {
		v, err := migrate.Up(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		log.Info("migrations applied", zap.Int64("version", v))
	}

	a, err := wireApp(ctx, cfg, log)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		a.close(context.Background())
		return fmt.Errorf("listen: %w", err)
	}
	srv := grpcserver.New(log.Named("grpc"), reflect)
	log.Info("sessions restored", zap.Int("count", a.restore(ctx)))

	loops, cancelLoops := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(loops)
	g.Go(func() error { return a.monitor.Run(gctx) })
	g.Go(func() error { return a.collector.Run(gctx) })
	g.Go(func() error { return a.adopt(gctx) })

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()
	srv.SetServing(true)

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err = <-errCh:
		log.Error("server error", zap.Error(err))
	}

	// Shutdown order: health, loops, final flush, work queue, handles, bus, pools.
	srv.SetServing(false)
	cancelLoops()
	if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
		log.Warn("background loop", zap.Error(werr))
	}
	a.drain(context.Background())
	srv.Stop(5 * time.Second)
	a.close(context.Background())

	log.Info("shutdown complete")
	return err
}
