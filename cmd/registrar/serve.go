package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/registrar"
	"github.com/petrijr/registrar/internal/config"
	"github.com/petrijr/registrar/internal/httpapi"
	"github.com/petrijr/registrar/internal/tracing"
	"github.com/petrijr/registrar/pkg/api"
)

func newServeCmd(v *viper.Viper, cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the registry HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, *cfgFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, newLogger(cmd.ErrOrStderr(), cfg.Log))
		},
	}

	cmd.Flags().String("addr", "", "listen address (default :7071)")
	cmd.Flags().String("backend", "", "store backend: memory, sqlite, postgres, redis, mongo")
	cmd.Flags().String("dsn", "", "store connection string or file path")
	_ = v.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("store.backend", cmd.Flags().Lookup("backend"))
	_ = v.BindPFlag("store.dsn", cmd.Flags().Lookup("dsn"))
	return cmd
}

// serve runs the HTTP server until ctx is cancelled or SIGINT/SIGTERM
// arrives, then shuts everything down within cfg.ShutdownTimeout.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.NewProvider(tracing.Config{Enabled: cfg.Trace.Enabled})
	if err != nil {
		return err
	}

	observers := []api.Observer{api.NewLoggingObserver(logger)}
	if tp.Enabled() {
		observers = append(observers, api.NewTracingObserver(tp.Tracer()))
	}

	rt, closeBackend, err := openRuntime(ctx, cfg, registrar.Options{
		Observer:          api.NewCompositeObserver(observers...),
		Logger:            logger,
		RegistryTimeout:   cfg.Registry.Timeout,
		LeaseTTL:          cfg.Engine.LeaseTTL,
		PollInterval:      cfg.Engine.SignalPollInterval,
		EntityIdleTimeout: cfg.Entity.IdleTimeout,
		MailboxSize:       cfg.Entity.MailboxSize,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := closeBackend(); err != nil {
			logger.Warn("backend_close_failed", slog.Any("error", err))
		}
	}()

	if err := rt.Start(ctx); err != nil {
		_ = rt.Stop(context.Background())
		return err
	}

	srv, err := httpapi.NewServer(httpapi.ServerConfig{
		Addr:     cfg.Addr,
		Registry: rt.Registry,
		Logger:   logger,
	})
	if err != nil {
		_ = rt.Stop(context.Background())
		return err
	}
	logger.Info("registrar_serving",
		slog.String("addr", srv.Addr()),
		slog.String("backend", cfg.Store.Backend),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		return errors.Join(
			srv.Stop(shutdownCtx),
			rt.Stop(shutdownCtx),
			tp.Shutdown(shutdownCtx),
		)
	})
	return g.Wait()
}
