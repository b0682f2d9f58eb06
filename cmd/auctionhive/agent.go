package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/agent"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/aulog"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/broker"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/config"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/decision"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/stats"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/store"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/tracing"
)

func newAgentCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "agent",
		Short:  "Worker process for one franchise (spawned by the orchestrator)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent()
		},
	}
}

func runAgent() error {
	cfg, err := config.LoadAgent()
	if err != nil {
		return err
	}
	// Stdout belongs to the parent protocol; logs go to stderr and the
	// optional file only.
	aulog.Init("info", cfg.LogFile)
	log := aulog.ForFranchise("main", cfg.Franchise)

	traceShutdown, err := tracing.Setup(cfg.AuctionID, "agent-"+cfg.Franchise)
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

	strategy, err := config.LoadStrategy(cfg.StrategyDir, cfg.Franchise)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	brokerClient := broker.NewClient(cfg.BrokerAddr)
	provider := stats.NewSQLProvider(st.DB(), time.Minute)
	engine := decision.New(cfg.Franchise, strategy, provider, brokerClient, decision.DefaultConfig())

	w := agent.New(cfg, strategy, engine, brokerClient, st, os.Stdout, os.Stdin)
	return w.Run(ctx)
}
