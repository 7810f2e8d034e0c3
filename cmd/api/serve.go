package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/inaiurai/pointsmith/internal/auth"
	"github.com/inaiurai/pointsmith/internal/handlers"
	"github.com/inaiurai/pointsmith/internal/router"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API together with the River workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), ctx, !noWorkers)
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "Serve HTTP only; background jobs run in a separate worker process")
	return cmd
}

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the River workers without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), ctx)
		},
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runServe(parent context.Context, cc *commandContext, runWorkers bool) error {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	log := cc.logger()
	ctx, stop := signalContext(parent)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	client, err := a.startRiver(runWorkers)
	if err != nil {
		return err
	}

	kinds, steps := kindCatalog(cfg)
	authHandler := auth.NewHandler(a.auth, log)
	handler := router.New(router.Deps{
		Auth:     authHandler,
		Tasks:    &handlers.TaskHandler{Tasks: a.jobs, Logger: log},
		Projects: &handlers.ProjectHandler{Projects: a.pipeline, Logger: log},
		Accounts: &handlers.AccountHandler{Accounts: a.accounts, Ledger: a.ledger, Logger: log},
		Operations: &handlers.OperationHandler{
			Operations: a.ops,
			Poller:     a.poller,
			OwnerOf:    handlers.ServiceOwners(a.jobs, a.pipeline),
			Logger:     log,
		},
		Tokens:         a.auth,
		Quoter:         a.jobs,
		Pool:           a.pool,
		DailyLimit:     cfg.Tasks.DailyLimit,
		Health:         a.pool,
		Kinds:          kinds,
		Steps:          steps,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if runWorkers {
		if err := client.Start(ctx); err != nil {
			return err
		}
		log.Info("river workers started", "max_workers", cfg.Workers.MaxWorkers)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", "addr", srv.Addr, "workers", runWorkers)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutCtx)
		if runWorkers {
			err = errors.Join(err, client.Stop(shutCtx))
		}
		log.Info("shutdown complete")
		return err
	})
	return g.Wait()
}

func runWorker(parent context.Context, cc *commandContext) error {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	log := cc.logger()
	ctx, stop := signalContext(parent)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close()

	client, err := a.startRiver(true)
	if err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return err
	}
	log.Info("river workers started", "max_workers", cfg.Workers.MaxWorkers)

	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := client.Stop(shutCtx); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
