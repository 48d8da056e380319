// Command conductor runs dependency-aware task plans from the command line
// and serves the HTTP/websocket API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"conductor/internal/config"
	"conductor/internal/coordinator"
	"conductor/internal/logging"
	"conductor/internal/memory"
	"conductor/internal/plan"
	"conductor/internal/retry"
	"conductor/internal/server"
	"conductor/internal/taxonomy"
	"conductor/internal/tool"
	"conductor/internal/tool/builtin"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error: ")+err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "conductor",
		Short:         "Dependency-aware multi-step task execution",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	loadConfig := func() (*config.Config, error) {
		if configPath != "" {
			return config.LoadFromPath(configPath)
		}
		return config.Load()
	}

	root.AddCommand(newRunCmd(loadConfig))
	root.AddCommand(newServeCmd(loadConfig))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("conductor " + version)
		},
	})
	return root
}

// runtime bundles everything a run or a server needs.
type runtime struct {
	registry  *tool.Registry
	semantic  *memory.Semantic
	working   *memory.Working
	recovery  *memory.RecoveryStore
	narrative *memory.Narrative
	router    *memory.Router
	coord     *coordinator.Coordinator
	hub       *server.Hub
}

func buildRuntime(cfg *config.Config, extraListeners ...coordinator.Listener) (*runtime, error) {
	logger := logging.NewComponentLogger("conductor")

	var store memory.Store
	if cfg.Memory.StorageDir != "" {
		store = memory.NewFileStore(cfg.Memory.StorageDir)
	} else {
		store = memory.NewInMemoryStore()
	}

	semantic := memory.NewSemantic(store, memory.SystemClock{}, logger)
	working := memory.NewWorking(cfg.Memory.WorkingCapacity, memory.SystemClock{}, logger)
	recovery := memory.NewRecoveryStore(semantic, logger)
	narrative := memory.NewNarrative(semantic, memory.SystemClock{}, logger)
	router := memory.NewRouter(semantic, narrative, nil, logger)

	registry := tool.NewRegistry()
	if err := builtin.RegisterAll(registry); err != nil {
		return nil, fmt.Errorf("registering builtin tools: %w", err)
	}

	// The oracle port stays nil here: classification falls back to
	// structural signals only, and replanning is unavailable.
	classifier := taxonomy.NewClassifier(nil, logger)

	retryCfg := retry.Config{
		MaxRetries:    cfg.Retry.MaxRetries,
		Strategy:      retry.ParseStrategy(cfg.Retry.Strategy),
		BaseDelay:     cfg.Retry.BaseDelay,
		MaxDelay:      cfg.Retry.MaxDelay,
		BackoffFactor: cfg.Retry.BackoffFactor,
	}
	coordCfg := coordinator.Config{
		Owner:          cfg.Execution.Owner,
		Concurrency:    cfg.Execution.Concurrency,
		MaxReplans:     cfg.Execution.MaxReplans,
		FailFast:       cfg.Execution.FailFast,
		SubtaskTimeout: cfg.Execution.SubtaskTimeout,
		Promote:        cfg.Execution.Promote,
	}

	hub := server.NewHub(logger)
	opts := []coordinator.Option{
		coordinator.WithNarrative(narrative),
		coordinator.WithLogger(logger),
		coordinator.WithListener(hub),
	}
	for _, l := range extraListeners {
		opts = append(opts, coordinator.WithListener(l))
	}

	coord := coordinator.New(registry, classifier, recovery, working, semantic, retryCfg, coordCfg, opts...)
	return &runtime{
		registry:  registry,
		semantic:  semantic,
		working:   working,
		recovery:  recovery,
		narrative: narrative,
		router:    router,
		coord:     coord,
		hub:       hub,
	}, nil
}

func newRunCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Execute a plan file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading plan: %w", err)
			}
			var p plan.Plan
			if err := yaml.Unmarshal(data, &p); err != nil {
				return fmt.Errorf("parsing plan: %w", err)
			}

			var listeners []coordinator.Listener
			if verbose {
				listeners = append(listeners, coordinator.ListenerFunc(printEvent))
			}
			rt, err := buildRuntime(cfg, listeners...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			result, err := rt.coord.Run(ctx, &p)
			if err != nil {
				return err
			}
			printReport(result)
			if result.Status != coordinator.StatusSucceeded {
				os.Exit(2)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "stream lifecycle events")
	return cmd
}

func newServeCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			rt, err := buildRuntime(cfg)
			if err != nil {
				return err
			}

			srvCfg := server.DefaultConfig()
			srvCfg.Addr = cfg.Server.Addr
			srvCfg.AllowedOrigins = cfg.Server.AllowedOrigins
			mem := server.Memory{Semantic: rt.semantic, Router: rt.router, Narrative: rt.narrative}
			srv := server.New(srvCfg, rt.coord, mem, rt.hub, logging.NewComponentLogger("server"))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func printEvent(e coordinator.Event) {
	ts := e.Timestamp.Format("15:04:05.000")
	switch e.Type {
	case coordinator.EventSubtaskFailed:
		fmt.Printf("%s %s %s %s\n", gray(ts), red(string(e.Type)), e.SubtaskID, e.Detail)
	case coordinator.EventSubtaskRetried, coordinator.EventSubtaskFixed, coordinator.EventSubtaskReplan:
		fmt.Printf("%s %s %s %s\n", gray(ts), yellow(string(e.Type)), e.SubtaskID, e.Detail)
	default:
		fmt.Printf("%s %s %s\n", gray(ts), string(e.Type), e.SubtaskID)
	}
}

func printReport(result *coordinator.AggregatedResult) {
	var status string
	switch result.Status {
	case coordinator.StatusSucceeded:
		status = green(string(result.Status))
	case coordinator.StatusPartial:
		status = yellow(string(result.Status))
	default:
		status = red(string(result.Status))
	}

	fmt.Printf("\n%s %s\n", bold("run:"), result.RunID)
	fmt.Printf("%s %s\n", bold("status:"), status)
	fmt.Printf("%s %d succeeded, %d failed, %d replans, %s\n",
		bold("summary:"), result.Succeeded(), result.Failed(), result.Replans, result.Duration.Round(time.Millisecond))
	if result.FailureReason != "" {
		fmt.Printf("%s %s\n", bold("reason:"), red(result.FailureReason))
	}

	ids := make([]string, 0, len(result.Results))
	for id := range result.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r := result.Results[id]
		mark := green("ok")
		detail := ""
		if !r.Success {
			mark = red("failed")
			if r.Error != nil {
				detail = gray(fmt.Sprintf("  (%s: %s)", r.Error.Kind, r.Error.RootCause))
			}
		}
		fmt.Printf("  %-20s %s  attempts=%d%s\n", id, mark, r.Attempts, detail)
	}
}
