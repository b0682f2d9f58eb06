package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/aulog"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/broker"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/browser"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/config"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/health"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/inference"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/metrics"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/orchestrator"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/report"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/spawner"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/store"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/tracing"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator: spawn one bidding agent per unclaimed franchise",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrchestrator()
		},
	}
}

func runOrchestrator() error {
	cfg, err := config.LoadRun()
	if err != nil {
		return err
	}
	aulog.Init(cfg.LogLevel, cfg.LogFile)
	log := aulog.For("main")

	for _, p := range []string{cfg.RunLog, cfg.Report} {
		if p != "" {
			if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}
		}
	}

	traceShutdown, err := tracing.Setup(cfg.AuctionID, "orchestrator")
	if err != nil {
		log.Warn("tracing disabled", "err", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			traceShutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	engine, err := browser.NewChromeEngine(ctx, browser.ChromeConfig{
		Headless:      cfg.Headless,
		DebuggingPort: cfg.DebugPort,
		StartTimeout:  30 * time.Second,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	pool := browser.NewPagePool(engine, cfg.PoolCapacity, cfg.AuctionURL)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool.Close(closeCtx)
	}()

	queue := inference.NewQueue(cfg.QueueCap)
	client := inference.NewClient(inference.ClientConfig{
		BaseURL:        cfg.InferenceBaseURL,
		Model:          cfg.InferenceModel,
		APIKey:         cfg.InferenceAPIKey,
		RequestTimeout: 8 * time.Second,
		MaxRetries:     2,
		RetryBackoff:   500 * time.Millisecond,
	})
	events, err := report.NewEventLog(4096, cfg.RunLog)
	if err != nil {
		return err
	}

	brokerSrv := broker.NewServer(broker.Config{
		Addr:            cfg.BrokerAddr,
		ReleaseCooldown: cfg.Cooldown,
	}, queue, client, pool, events)

	sp := spawner.New(spawner.Config{
		AuctionID:  cfg.AuctionID,
		BrokerAddr: cfg.BrokerAddr,
		DBDSN:      cfg.DBDSN,
	})
	monitor := health.New(sp, health.DefaultConfig())
	sampler := metrics.NewSampler(5*time.Second, metrics.Sources{
		QueueStats: func() (int, int, int) {
			s := queue.Stats()
			return s.Depth, s.Active, s.MaxConcurrent
		},
		PoolOccupancy: pool.Occupancy,
		RunningAgents: func() int {
			n := 0
			for _, r := range sp.States() {
				if r.Status == spawner.StatusRunning {
					n++
				}
			}
			return n
		},
	})

	orch := orchestrator.New(cfg, st, sp, brokerSrv, monitor, sampler, events)

	// Every exit path, signals and panics included, funnels into the same
	// idempotent shutdown.
	defer orch.Shutdown()
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic, shutting down", "panic", r)
			orch.Shutdown()
			panic(r)
		}
	}()

	if err := orch.Start(ctx); err != nil {
		return err
	}
	log.Info("run started", "auction", cfg.AuctionID, "broker", brokerSrv.Addr())

	<-ctx.Done()
	log.Info("signal received")
	orch.Shutdown()
	return nil
}
