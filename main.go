package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/arbidca/dca-engine/internal/chainclient"
	"github.com/arbidca/dca-engine/internal/config"
	"github.com/arbidca/dca-engine/internal/custody"
	"github.com/arbidca/dca-engine/internal/executor"
	"github.com/arbidca/dca-engine/internal/health"
	"github.com/arbidca/dca-engine/internal/logger"
	"github.com/arbidca/dca-engine/internal/pipeline"
	"github.com/arbidca/dca-engine/internal/quoteclient"
	"github.com/arbidca/dca-engine/internal/scheduler"
	"github.com/arbidca/dca-engine/internal/store"
	"github.com/arbidca/dca-engine/internal/tokens"
	"github.com/arbidca/dca-engine/internal/vault"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("dca-engine: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevel := logger.InfoLevel
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = logger.DebugLevel
	}
	appLog := logger.NewStdLogger(true, logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := store.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	planStore := store.NewGormPlanStore(db)

	chain, err := chainclient.Dial(ctx, cfg.ArbitrumRPCURL, chainclient.Config{
		ChainID:                 config.ArbitrumChainID,
		BreakerEnabled:          cfg.CircuitBreakerEnabled,
		BreakerFailureThreshold: cfg.CircuitBreakerThreshold,
		BreakerFailureWindow:    cfg.CircuitBreakerWindow,
		BreakerResetTimeout:     cfg.CircuitBreakerReset,
	}, appLog)
	if err != nil {
		return fmt.Errorf("dial chain client: %w", err)
	}
	defer chain.Close()

	quote := quoteclient.New(cfg.QuoteServiceURL, cfg.MCPConnectionTimeout, appLog)

	registry := tokens.New()
	if err := registry.Refresh(ctx, quote, []int{config.ArbitrumChainID}); err != nil {
		appLog.ErrorWithComponent(logger.QuoteClient, "initial token registry refresh failed, continuing on static fallback: %v", err)
	}

	var sched *scheduler.Scheduler

	if cfg.EnableScheduler {
		exec, err := executor.New(chain, cfg.PrivateKey, cfg.GasMultiplier, cfg.MaxGasPrice, appLog)
		if err != nil {
			return fmt.Errorf("build transaction executor: %w", err)
		}

		custodyMgr := custody.New(chain, exec, common.HexToAddress(cfg.RouterAddress), appLog)

		var vaultIntegration *vault.Integration
		if cfg.Vault != nil {
			vaultIntegration = vault.New(*cfg.Vault, chain, exec, planStore, appLog)
		}

		pipe := pipeline.New(config.ArbitrumChainID, registry, custodyMgr, quote, exec, chain, vaultIntegration, planStore, appLog)

		sched = scheduler.New(planStore, pipe, scheduler.Config{
			IntervalSeconds:         int(cfg.SchedulerInterval / time.Second),
			MaxConcurrentExecutions: cfg.MaxConcurrentExecutions,
			RetryAttempts:           cfg.RetryAttempts,
			RetryDelay:              cfg.RetryDelay,
			HasSigningKey:           cfg.PrivateKey != "",
		}, appLog)

		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	} else {
		appLog.NoticeWithComponent(logger.Scheduler, "scheduler disabled (ENABLE_SCHEDULER=false); running health/metrics only")
	}

	if cfg.EnableMetrics {
		var statusSource health.SchedulerStatusSource = noopSchedulerStatus{}
		if sched != nil {
			statusSource = sched
		}

		healthSrv := health.NewServer(cfg.MetricsPort, health.ChainAdapter{Chain: chain}, statusSource, os.Getenv("METRICS_API_KEY"), appLog)
		go func() {
			if err := healthSrv.Start(ctx); err != nil {
				appLog.ErrorWithComponent(logger.None, "health server exited: %v", err)
			}
		}()
	}

	appLog.InfoWithComponent(logger.None, "dca-engine running")
	<-ctx.Done()
	appLog.InfoWithComponent(logger.None, "shutting down")
	return nil
}

// noopSchedulerStatus satisfies health.SchedulerStatusSource when the
// scheduler is disabled (ENABLE_SCHEDULER=false), so /status still responds.
type noopSchedulerStatus struct{}

func (noopSchedulerStatus) Status() scheduler.Status { return scheduler.Status{} }
