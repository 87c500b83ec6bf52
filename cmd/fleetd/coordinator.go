package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/LLM-Dev-Ops/fleet"
	"github.com/LLM-Dev-Ops/fleet/coordinator"
	"github.com/LLM-Dev-Ops/fleet/ext"
	"github.com/LLM-Dev-Ops/fleet/history"
	"github.com/LLM-Dev-Ops/fleet/id"
	"github.com/LLM-Dev-Ops/fleet/job"
	"github.com/LLM-Dev-Ops/fleet/observability"
	"github.com/LLM-Dev-Ops/fleet/schedule"
	"github.com/LLM-Dev-Ops/fleet/wire"
)

var (
	coordListenAddr       string
	coordHeartbeatIvl     time.Duration
	coordCheckTimeout     time.Duration
	coordUnhealthyAfter   time.Duration
	coordMaxRetries       int
	coordRedisAddr        string
	coordHistoryRetention time.Duration
	coordMetrics          bool
	coordCronEntries      []string
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run a coordinator node",
	Long: `Run a coordinator node. The coordinator accepts worker registrations
over WebSocket, queues submitted jobs, dispatches tasks to healthy
workers, and requeues work lost to worker failures.`,
	Example: `  # Defaults: listen on :50051, in-memory job history
  fleetd coordinator

  # Keep job history in redis and expose OTel metrics
  fleetd coordinator --redis localhost:6379 --metrics

  # Submit a maintenance job every hour
  fleetd coordinator --cron "cleanup:@hourly:maintenance"`,
	RunE: runCoordinator,
}

func init() {
	rootCmd.AddCommand(coordinatorCmd)

	coordinatorCmd.Flags().StringVar(&coordListenAddr, "listen", ":50051", "listen address")
	coordinatorCmd.Flags().DurationVar(&coordHeartbeatIvl, "heartbeat-interval", 5*time.Second, "heartbeat cadence told to workers")
	coordinatorCmd.Flags().DurationVar(&coordCheckTimeout, "check-timeout", 10*time.Second, "heartbeat age after which a worker is degraded")
	coordinatorCmd.Flags().DurationVar(&coordUnhealthyAfter, "unhealthy-threshold", 30*time.Second, "heartbeat age after which a worker is evicted")
	coordinatorCmd.Flags().IntVar(&coordMaxRetries, "max-retries", 3, "default per-task retry budget")
	coordinatorCmd.Flags().StringVar(&coordRedisAddr, "redis", "", "redis address for job history (empty: in-memory)")
	coordinatorCmd.Flags().DurationVar(&coordHistoryRetention, "history-retention", 24*time.Hour, "how long finished jobs are kept")
	coordinatorCmd.Flags().BoolVar(&coordMetrics, "metrics", false, "record OTel metrics for jobs and tasks")
	coordinatorCmd.Flags().StringArrayVar(&coordCronEntries, "cron", nil, `recurring job "name:cron expr:job type" (repeatable)`)
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg := fleet.DefaultConfig()
	cfg.ListenAddr = coordListenAddr
	cfg.HeartbeatInterval = coordHeartbeatIvl
	cfg.CheckTimeout = coordCheckTimeout
	cfg.UnhealthyThreshold = coordUnhealthyAfter
	cfg.MaxTaskRetries = coordMaxRetries

	exts := ext.NewRegistry(logger)

	recorder, err := buildHistoryRecorder(cmd.Context(), logger)
	if err != nil {
		return err
	}
	exts.Register(recorder)

	if coordMetrics {
		exts.Register(observability.NewMetricsExtension())
	}

	coord := coordinator.New(cfg,
		coordinator.WithLogger(logger),
		coordinator.WithExtensions(exts),
	)

	server := wire.NewServer(coord,
		wire.WithListenAddr(cfg.ListenAddr),
		wire.WithServerLogger(logger),
	)
	coord.SetSender(server)

	sched, err := buildScheduler(coord, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if err := server.Start(); err != nil {
		return err
	}
	coord.Start()
	recorder.StartPurgeLoop()
	if sched != nil {
		sched.Start()
	}

	logger.Info("coordinator running",
		slog.String("listen", cfg.ListenAddr),
		slog.Int("max_retries", cfg.MaxTaskRetries),
	)

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if sched != nil {
			sched.Stop()
		}
		recorder.Stop()
		coord.Stop(shutdownCtx)
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func buildHistoryRecorder(ctx context.Context, logger *slog.Logger) (*history.Recorder, error) {
	var store history.Store
	if coordRedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: coordRedisAddr})
		rs := history.NewRedisStore(client)
		if err := rs.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis %s: %w", coordRedisAddr, err)
		}
		logger.Info("job history in redis", slog.String("addr", coordRedisAddr))
		store = rs
	} else {
		store = history.NewMemoryStore()
	}

	return history.NewRecorder(store,
		history.WithRetention(coordHistoryRetention),
		history.WithLogger(logger),
	), nil
}

// buildScheduler wires --cron entries into a scheduler that submits
// through the coordinator. Returns nil when no entries were given.
func buildScheduler(coord *coordinator.Coordinator, logger *slog.Logger) (*schedule.Scheduler, error) {
	if len(coordCronEntries) == 0 {
		return nil, nil
	}

	submit := func(ctx context.Context, spec job.JobSpec) (id.JobID, error) {
		j, err := coord.Submit(ctx, spec)
		if err != nil {
			return id.Nil, err
		}
		return j.ID, nil
	}

	sched := schedule.NewScheduler(submit, schedule.WithLogger(logger))
	for _, entry := range coordCronEntries {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid --cron entry %q, want name:expr:type", entry)
		}
		name, expr, jobType := parts[0], parts[1], parts[2]
		if _, err := sched.Add(name, expr, job.JobSpec{
			Type:    jobType,
			Payload: []byte("{}"),
		}); err != nil {
			return nil, fmt.Errorf("cron entry %q: %w", name, err)
		}
	}
	return sched, nil
}
