package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/LLM-Dev-Ops/fleet/agent"
	"github.com/LLM-Dev-Ops/fleet/wire"
)

var (
	workerCoordinatorURL string
	workerAddress        string
	workerCapacity       int
	workerTags           []string
	workerFormat         string
	workerBuiltins       bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker node",
	Long: `Run a worker node. The worker connects to the coordinator, registers
its capacity and tags, and executes dispatched tasks.

The built-in job types ("echo", "sleep") exercise the cluster end to
end; real deployments embed the agent package and register their own
handlers.`,
	Example: `  # Connect to a local coordinator
  fleetd worker --coordinator ws://localhost:50051/ws

  # Four GPU-tagged slots, msgpack frames
  fleetd worker --capacity 4 --tags gpu --format msgpack`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().StringVar(&workerCoordinatorURL, "coordinator", "ws://localhost:50051/ws", "coordinator WebSocket URL")
	workerCmd.Flags().StringVar(&workerAddress, "address", "", "advertised worker address (default: as seen by the coordinator)")
	workerCmd.Flags().IntVar(&workerCapacity, "capacity", 4, "maximum concurrent tasks")
	workerCmd.Flags().StringSliceVar(&workerTags, "tags", nil, "capability tags")
	workerCmd.Flags().StringVar(&workerFormat, "format", wire.CodecNameJSON, "wire codec (json, msgpack)")
	workerCmd.Flags().BoolVar(&workerBuiltins, "builtin-handlers", true, "register the built-in echo and sleep handlers")
}

// sleepParams is the payload of the built-in "sleep" job type.
type sleepParams struct {
	DurationMillis int64 `json:"duration_ms"`
}

type sleepResult struct {
	SleptMillis int64 `json:"slept_ms"`
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	handlers := agent.NewRegistry()
	if workerBuiltins {
		handlers.RegisterFunc("echo", func(_ context.Context, payload []byte) ([]byte, error) {
			return payload, nil
		})
		agent.RegisterDefinition(handlers, &agent.Definition[sleepParams, sleepResult]{
			Type: "sleep",
			Handler: func(ctx context.Context, p sleepParams) (sleepResult, error) {
				d := time.Duration(p.DurationMillis) * time.Millisecond
				select {
				case <-ctx.Done():
					return sleepResult{}, ctx.Err()
				case <-time.After(d):
					return sleepResult{SleptMillis: p.DurationMillis}, nil
				}
			},
		})
	}

	a := agent.New(workerCoordinatorURL, handlers,
		agent.WithAddress(workerAddress),
		agent.WithCapacity(workerCapacity),
		agent.WithTags(workerTags...),
		agent.WithFormat(workerFormat),
		agent.WithLogger(logger),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	logger.Info("worker running",
		slog.String("coordinator", workerCoordinatorURL),
		slog.Int("capacity", workerCapacity),
	)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.Stop(shutdownCtx)
	return nil
}
