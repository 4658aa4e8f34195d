// Command orchestrator boots the evaluation core's composition root: it
// wires config, logging, the optional external-DB bridge and event sinks,
// and the Orchestrator itself, following gocoffee-cli/main.go's
// cobra-root-plus-signal-context shape.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/entities"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/events"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/services/bus"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/services/orchestrator"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/services/store"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/domain/services/workflow"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/infrastructure/bridge"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/infrastructure/config"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/infrastructure/eventstream"
	"github.com/DimaJoyti/grantflow-orchestrator/internal/infrastructure/logging"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "Evaluation orchestration core for the grant-review platform",
		Long: `orchestrator runs the Agent Registry, Message Router, Message Bus, Data
Store, Workflow Engine and Orchestrator that drive a grant submission from
intake through evaluation, voting, decision and execution.`,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("orchestrator %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config-path", ".", "directory to search for orchestrator.yaml")
	return cmd
}

func serve(ctx context.Context, configPath string) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := config.DefaultOptions()
	opts.ConfigPath = configPath
	loader, err := config.NewLoader(opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := loader.Load()

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: cfg.LogOutput})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	loader.Watch(func(c config.Config) {
		logger.Info("configuration reloaded", zap.Float64("approval_threshold", c.ApprovalThreshold))
	})

	// dbBridge/busSink/decisionSink stay nil interface values (not typed-nil
	// pointers) when disabled, so the store's, bus's and workflow engine's own
	// nil checks hold.
	var dbBridge store.Bridge
	if cfg.PythonServicesURL != "" {
		dbBridge = bridge.NewHTTPBridge(cfg.PythonServicesURL, cfg.PythonAPIKey, logger)
	}

	var auditSink *eventstream.KafkaSink
	var busSink bus.AuditSink
	var decisionSink workflow.DecisionSink
	if len(cfg.KafkaBrokers) > 0 {
		auditSink = eventstream.NewKafkaSink(cfg.KafkaBrokers, logger)
		busSink = auditSink
		decisionSink = auditSink
		defer func() {
			if err := auditSink.Close(); err != nil {
				logger.Warn("kafka sink close error", zap.Error(err))
			}
		}()
	}

	promReg := prometheus.NewRegistry()

	orch := orchestrator.New(toOrchestratorConfig(cfg), logger, promReg, dbBridge, nil, busSink, decisionSink)

	var publisher *eventstream.RedisPublisher
	if cfg.RedisURL != "" {
		p, err := eventstream.NewRedisPublisher(ctx, cfg.RedisURL, "grantflow:events", logger)
		if err != nil {
			logger.Warn("redis event publisher disabled", zap.Error(err))
		} else {
			publisher = p
			defer func() {
				if err := publisher.Close(); err != nil {
					logger.Warn("redis publisher close error", zap.Error(err))
				}
			}()
			publisher.Run(ctx, orch.Emitter, events.AllEventNames)
		}
	}

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	logger.Info("orchestrator running, press ctrl+c to stop")

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer shutdownCancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", zap.Error(err))
		return err
	}
	return nil
}

func toOrchestratorConfig(c config.Config) orchestrator.Config {
	evaluators := make([]entities.AgentType, 0, len(c.RequiredEvaluators))
	for _, e := range c.RequiredEvaluators {
		evaluators = append(evaluators, entities.AgentType(e))
	}
	return orchestrator.Config{
		RouterHistoryCap:        c.RouterHistoryCap,
		BusProcessingInterval:   c.ProcessingInterval(),
		BusBatchSize:            c.BatchSize,
		BusMaxRetries:           c.MaxRetries,
		BusDiscoveryInterval:    c.DiscoveryIntervalMs,
		EvaluationTimeout:       c.EvaluationTimeout(),
		RequiredEvaluators:      evaluators,
		ParallelEvaluations:     c.ParallelEvaluations,
		ApprovalThreshold:       decimal.NewFromFloat(c.ApprovalThreshold),
		MajorityRequired:        c.MajorityRequired,
		HealthCheckInterval:     c.HealthCheckInterval(),
		MilestoneCheckInterval:  c.MilestoneCheckInterval(),
		ShutdownGrace:           c.ShutdownGrace(),
		SubmissionBurst:         c.SubmissionBurst,
		SubmissionRatePerSecond: c.SubmissionRatePerSecond,
		MaxConsecutiveFailures:  3,
	}
}
