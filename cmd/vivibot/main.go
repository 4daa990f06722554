package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/vivibot/vivibot/cmd/vivibot/cli"
	"github.com/vivibot/vivibot/internal/app"
	"github.com/vivibot/vivibot/internal/observability"
	"github.com/vivibot/vivibot/internal/platform/cache"
	"github.com/vivibot/vivibot/internal/reactionrole"
	reactionrolehttp "github.com/vivibot/vivibot/internal/reactionrole/http"
	"github.com/vivibot/vivibot/internal/storage"
	"github.com/vivibot/vivibot/jobs"
)

const usage = `usage: vivibot [command] [flags]

commands:
  serve   run the admin API (default)
  sweep   find child rows no reaction role owns
  queue   show background queue statistics
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	command := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "serve":
		if err := serve(ctx, cfg, logger); err != nil {
			logger.Error("serve", slog.Any("error", err))
			os.Exit(1)
		}
	case "sweep":
		os.Exit(runSweep(ctx, cfg, logger, args))
	case "queue":
		os.Exit(runQueue(ctx, cfg, args))
	default:
		_, _ = fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()

	store, err := app.OpenStorage(ctx, cfg, logger, metrics)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	checks := map[string]app.ReadinessCheck{"storage": store.Ping}

	var orphans reactionrole.OrphanSink = reactionrole.LogSink{Logger: logger}
	var jobHandler *jobs.Handler
	if cfg.JobsEnabled {
		redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
		client := jobs.NewClient(redisOpts, logger)
		defer closeWith(logger, "jobs client", client.Close)
		orphans = client

		inspector := asynq.NewInspector(redisOpts)
		defer closeWith(logger, "inspector", inspector.Close)
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	registry := reactionrole.NewRegistry(reactionrole.Deps{Store: store.Store, Logger: logger, Orphans: orphans})
	if err := registry.Load(ctx, store.Store); err != nil {
		return fmt.Errorf("load reaction roles: %w", err)
	}
	logger.Info("reaction roles loaded", slog.Int("rules", len(registry.List())))

	var notifier reactionrolehttp.ChangeNotifier
	if cfg.RedisAddr != "" && cfg.StorageDriver != app.DriverMemory {
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis unavailable, reaction role changes stay local to this process", slog.Any("error", err))
		} else {
			defer closeWith(logger, "redis", client.Close)
		}
		notifier, err = listenForChanges(ctx, client, registry, store.Store, logger, checks)
		if err != nil {
			return err
		}
	}

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		ReactionRoles:   reactionrolehttp.NewHandler(logger, registry, notifier),
		JobHandler:      jobHandler,
		Metrics:         metrics,
		ReadinessChecks: checks,
	})
	return app.Serve(ctx, logger, app.NewServer(cfg, router))
}

// listenForChanges subscribes the registry to changes published by other processes.
// A nil client yields a nil notifier.
func listenForChanges(ctx context.Context, client *redis.Client, registry *reactionrole.Registry, reader storage.Reader, logger *slog.Logger, checks map[string]app.ReadinessCheck) (reactionrolehttp.ChangeNotifier, error) {
	if client == nil {
		return nil, nil
	}
	checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }

	changes := cache.NewNotifier(client, cache.DefaultChannel)
	if err := changes.Listen(ctx, reloadOnChange(registry, reader, logger)); err != nil {
		return nil, fmt.Errorf("subscribe reaction role changes: %w", err)
	}
	return changes, nil
}

// reloadOnChange rebuilds the registry when another process edits reaction roles.
func reloadOnChange(registry *reactionrole.Registry, reader storage.Reader, logger *slog.Logger) func(context.Context, int64) {
	return func(ctx context.Context, version int64) {
		if err := registry.Load(ctx, reader); err != nil {
			logger.Error("reload reaction roles", slog.Int64("version", version), slog.Any("error", err))
			return
		}
		logger.Info("reaction roles reloaded", slog.Int64("version", version), slog.Int("rules", len(registry.List())))
	}
}

func runSweep(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	flags := pflag.NewFlagSet("sweep", pflag.ContinueOnError)
	jsonOutput := flags.Bool("json", false, "print the summary as JSON")
	enqueue := flags.Bool("enqueue", false, "schedule a cleanup task for the orphans found")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	store, err := app.OpenStorage(ctx, cfg, logger, nil)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "sweep: %v\n", err)
		return 1
	}
	defer store.Close()

	opts := cli.SweepOptions{JSONOutput: *jsonOutput}
	if *enqueue {
		if !cfg.JobsEnabled {
			_, _ = fmt.Fprintln(os.Stderr, "sweep: --enqueue needs JOBS_ENABLED")
			return 2
		}
		client := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, logger)
		defer closeWith(logger, "jobs client", client.Close)
		opts.Sink = client
	}
	return cli.NewSweepCLI(store.Store, logger).SweepCommand(ctx, opts)
}

func runQueue(ctx context.Context, cfg *app.Config, args []string) int {
	flags := pflag.NewFlagSet("queue", pflag.ContinueOnError)
	jsonOutput := flags.Bool("json", false, "print the statistics as JSON")
	pageSize := flags.Int("page-size", 50, "retrying tasks to inspect")
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if cfg.RedisAddr == "" {
		_, _ = fmt.Fprintln(os.Stderr, "queue: REDIS_ADDR is not set")
		return 2
	}
	c := cli.NewJobsCLI(cfg.RedisAddr)
	defer func() { _ = c.Close() }()
	return c.QueueCommand(ctx, cli.QueueOptions{PageSize: *pageSize, JSONOutput: *jsonOutput})
}

func closeWith(logger *slog.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil && !errors.Is(err, redis.ErrClosed) {
		logger.Warn(name+" close", slog.Any("error", err))
	}
}
