// Command nova runs the conversational agent server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"nova/internal/archive"
	"nova/internal/config"
	"nova/internal/coordinator"
	"nova/internal/durable"
	"nova/internal/executor"
	"nova/internal/llm"
	"nova/internal/logging"
	"nova/internal/memory"
	"nova/internal/observability"
	"nova/internal/orchestrator"
	"nova/internal/planner"
	"nova/internal/recall"
	"nova/internal/server"
	"nova/internal/worker"
)

var configPath string

func main() {
	// A missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "nova",
		Short: "Stateful conversational agent server",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(serveCmd(), configCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := logging.Configure(logging.ParseLevel(cfg.Log.Level), cfg.Log.File); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			dump, err := cfg.Dump()
			if err != nil {
				return err
			}
			fmt.Print(dump)
			return nil
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logging.NewComponentLogger("main")

	tracer, err := observability.NewTracerProvider(observability.TracingConfig{
		Enabled:  cfg.Tracing.Enabled,
		Endpoint: cfg.Tracing.Endpoint,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	client := llm.NewOpenAIClient(llm.ClientConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
	})
	gatewayCfg := llm.DefaultGatewayConfig()
	gatewayCfg.Model = cfg.LLM.Model
	gatewayCfg.EmbedModel = cfg.LLM.EmbedModel
	gatewayCfg.Temperature = cfg.LLM.Temperature
	if cfg.LLM.Deadline > 0 {
		gatewayCfg.Deadline = cfg.LLM.Deadline
	}
	gateway := llm.NewGateway(client, gatewayCfg)

	store, log, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}

	indexCfg := recall.ChromemConfig{}
	if cfg.Storage.Driver == "postgres" {
		indexCfg.PersistPath = cfg.Storage.DataDir
	}
	index, err := recall.NewChromemIndex(indexCfg, gateway.EmbedText)
	if err != nil {
		return err
	}

	memCfg := memory.DefaultConfig()
	memCfg.CacheSize = cfg.Memory.CacheSize
	if cfg.Memory.CacheTTL > 0 {
		memCfg.CacheTTL = cfg.Memory.CacheTTL
	}
	if cfg.Memory.LTMThreshold > 0 {
		memCfg.LTMThreshold = float32(cfg.Memory.LTMThreshold)
	}

	execCfg := executor.DefaultConfig()
	execCfg.Model = cfg.LLM.Model
	execCfg.Temperature = cfg.LLM.Temperature
	execCfg.MaxTurns = cfg.Executor.MaxTurns
	execCfg.MaxHistoryMessages = cfg.Executor.MaxHistoryMessages
	execCfg.HistoryTokenBudget = cfg.Executor.HistoryTokenBudget
	execCfg.RollupInterval = cfg.Memory.RollupInterval

	plannerCfg := planner.DefaultConfig()
	plannerCfg.Model = cfg.LLM.Model
	workerCfg := worker.DefaultConfig()
	workerCfg.Model = cfg.LLM.Model

	hub := server.NewHub(server.HubConfig{
		Gateway:      gateway,
		Archive:      store,
		Log:          log,
		Index:        index,
		Planner:      planner.New(gateway, plannerCfg),
		Worker:       worker.New(gateway, workerCfg),
		Memory:       memCfg,
		Executor:     execCfg,
		Coordinator:  coordinator.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
	})

	srv := server.New(server.Config{
		Addr:         cfg.Server.Addr,
		AuthToken:    cfg.Server.AuthToken,
		AllowOrigins: cfg.Server.AllowOrigins,
	}, hub, gateway)

	logger.Info("starting with storage driver %s", cfg.Storage.Driver)
	return srv.Run(ctx)
}

// openStorage selects the archive and durable-log backends for the
// configured driver.
func openStorage(ctx context.Context, cfg *config.Config, logger logging.Logger) (archive.Store, durable.Log, error) {
	if cfg.Storage.Driver == "memory" {
		return archive.NewMemoryStore(), durable.NewMemoryLog(), nil
	}

	pool, err := pgxpool.New(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	store := archive.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}

	log, err := durable.NewFileLog(cfg.Storage.DataDir + "/durable")
	if err != nil {
		return nil, nil, err
	}
	logger.Info("durable log at %s", cfg.Storage.DataDir+"/durable")
	return store, log, nil
}
