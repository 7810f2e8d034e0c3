package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"

	"github.com/inaiurai/pointsmith/internal/auth"
	"github.com/inaiurai/pointsmith/internal/config"
	"github.com/inaiurai/pointsmith/internal/db"
	"github.com/inaiurai/pointsmith/internal/execution"
	"github.com/inaiurai/pointsmith/internal/handlers"
	"github.com/inaiurai/pointsmith/internal/jobs"
	"github.com/inaiurai/pointsmith/internal/ledger"
	"github.com/inaiurai/pointsmith/internal/models"
	"github.com/inaiurai/pointsmith/internal/pipeline"
	"github.com/inaiurai/pointsmith/internal/poller"
	"github.com/inaiurai/pointsmith/internal/provider"
	"github.com/inaiurai/pointsmith/internal/repository"
	"github.com/inaiurai/pointsmith/internal/validation"
)

// app is the wired process: one pool, the services on top of it and the
// River client that runs their background work.
type app struct {
	cfg *config.Config
	log *slog.Logger

	pool     *pgxpool.Pool
	accounts *repository.AccountRepo
	ops      *repository.OperationRepo

	ledger   ledger.Service
	auth     auth.Service
	jobs     jobs.Service
	pipeline pipeline.Service
	poller   *poller.Poller

	enqueuer *execution.Enqueuer
	workers  *river.Workers
}

// newApp connects to Postgres and wires every service. The River client is
// attached later by startRiver, since the workers need the services first.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	pool, err := db.Connect(ctx, cfg.Database.URL, int32(cfg.Database.MaxConns))
	if err != nil {
		return nil, err
	}
	a, err := wire(pool, cfg, log)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

func wire(pool *pgxpool.Pool, cfg *config.Config, log *slog.Logger) (*app, error) {
	validator, err := validation.NewValidator(cfg.Schemas.Dir)
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	if missing := missingSchemas(cfg.KindNames(), validator.Kinds()); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v in %s", validation.ErrUnknownKind, missing, cfg.Schemas.Dir)
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	accounts := repository.NewAccountRepo(pool)
	ops := repository.NewOperationRepo(pool)
	led := ledger.NewService(pool, accounts, repository.NewLedgerRepo(pool), log)
	authSvc := auth.NewService(pool, accounts, led, auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenTTL:    cfg.TokenTTL(),
		SignupBonus: cfg.Auth.SignupBonus,
		AdminEmails: cfg.Auth.AdminEmails,
	})

	enq := execution.NewEnqueuer(cfg.Workers.MaxAttempts)
	jobSvc := jobs.NewService(pool, repository.NewTaskRepo(pool), repository.NewJobRepo(pool), led, validator, enq.EnqueueJobsTx, jobs.Config{
		UnitCosts:  cfg.UnitCosts(),
		MaxUnits:   cfg.Tasks.MaxUnits,
		DailyLimit: cfg.Tasks.DailyLimit,
		StaleAfter: cfg.StaleAfter(),
	}, log)
	pl := poller.New(pool, ops, registry, enq.SchedulePollTx, poller.Config{
		Interval: cfg.PollInterval(),
		Timeout:  cfg.PollTimeout(),
	}, log)

	steps := make([]pipeline.StepDef, len(cfg.Pipeline.Steps))
	for i, s := range cfg.Pipeline.Steps {
		steps[i] = pipeline.StepDef{Name: s.Name, Kind: s.Kind, Cost: s.Cost}
	}
	pipeSvc := pipeline.NewService(pool, repository.NewProjectRepo(pool), led, registry, pl, validator, pipeline.Config{Steps: steps, StaleAfter: cfg.StaleAfter()}, log)

	pl.RegisterSink(models.OwnerJob, jobSvc)
	pl.RegisterSink(models.OwnerStep, pipeSvc)

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewGenerateWorker(jobSvc, registry, pl, cfg.JobTimeout(), log))
	river.AddWorker(workers, execution.NewPollWorker(pl))
	river.AddWorker(workers, execution.NewSweepWorker(pl, cfg.Poller.SweepLimit, log))
	river.AddWorker(workers, execution.NewReconcileWorker(cfg.Reconcile.Limit, log, jobSvc, pipeSvc))

	return &app{
		cfg:      cfg,
		log:      log,
		pool:     pool,
		accounts: accounts,
		ops:      ops,
		ledger:   led,
		auth:     authSvc,
		jobs:     jobSvc,
		pipeline: pipeSvc,
		poller:   pl,
		enqueuer: enq,
		workers:  workers,
	}, nil
}

// buildRegistry binds every configured kind to the HTTP client of its
// provider, sync or async by the kind's mode.
func buildRegistry(cfg *config.Config) (*provider.Registry, error) {
	clients := make(map[string]*provider.HTTPClient, len(cfg.Providers))
	for name, p := range cfg.Providers {
		clients[name] = provider.NewHTTPClient(name, p.BaseURL, p.APIKey, cfg.ProviderTimeout(name))
	}
	reg := provider.NewRegistry()
	for _, name := range cfg.KindNames() {
		k := cfg.Kinds[name]
		c, ok := clients[k.Provider]
		if !ok {
			return nil, fmt.Errorf("kind %q: provider %q is not configured", name, k.Provider)
		}
		switch provider.Mode(k.Mode) {
		case provider.ModeAsync:
			reg.RegisterAsync(name, c)
		default:
			reg.RegisterSync(name, c)
		}
	}
	return reg, nil
}

func missingSchemas(kinds, have []string) []string {
	var missing []string
	for _, k := range kinds {
		if !slices.Contains(have, k) {
			missing = append(missing, k)
		}
	}
	return missing
}

// startRiver creates the River client and hands it to the enqueuer. With
// runWorkers false the client only inserts; the caller starts it otherwise.
func (a *app) startRiver(runWorkers bool) (*river.Client[pgx.Tx], error) {
	cc := execution.ClientConfig{}
	if runWorkers {
		periodic, err := execution.PeriodicJobs(a.cfg.Poller.SweepSchedule, a.cfg.Reconcile.Schedule)
		if err != nil {
			return nil, err
		}
		cc = execution.ClientConfig{
			MaxWorkers: a.cfg.Workers.MaxWorkers,
			Workers:    a.workers,
			Periodic:   periodic,
		}
	}
	client, err := execution.NewClient(a.pool, cc, a.log)
	if err != nil {
		return nil, fmt.Errorf("river client: %w", err)
	}
	a.enqueuer.SetClient(client)
	return client, nil
}

// kindCatalog lists the configured kinds and pipeline steps for /kinds.
func kindCatalog(cfg *config.Config) ([]handlers.KindInfo, []handlers.StepInfo) {
	kinds := make([]handlers.KindInfo, 0, len(cfg.Kinds))
	for _, name := range cfg.KindNames() {
		k := cfg.Kinds[name]
		kinds = append(kinds, handlers.KindInfo{Name: name, Cost: k.Cost, Mode: k.Mode})
	}
	steps := make([]handlers.StepInfo, len(cfg.Pipeline.Steps))
	for i, s := range cfg.Pipeline.Steps {
		steps[i] = handlers.StepInfo{Index: i, Name: s.Name, Kind: s.Kind, Cost: s.Cost}
	}
	return kinds, steps
}

func (a *app) close() {
	a.pool.Close()
}
