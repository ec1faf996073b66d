package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ashwood/deltabot/api"
	"github.com/ashwood/deltabot/internal/config"
	"github.com/ashwood/deltabot/pkg/bybit"
	"github.com/ashwood/deltabot/pkg/models"
	"github.com/ashwood/deltabot/pkg/rebalancer"
	"github.com/ashwood/deltabot/pkg/strategy"
)

var (
	cfgFile string
	symbol  string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "deltabot",
		Short: "Delta-rebalancing crypto trading bot",
		Long:  `Maintains a target net exposure across a spot position and a linear futures position, with an EMA entry/exit strategy alongside`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&symbol, "symbol", "", "override the configured trading symbol")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the delta rebalancer loop",
		Run:   runRebalancer,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "trade",
		Short: "Run the EMA entry/exit strategy loop",
		Run:   runStrategy,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setup() *config.Config {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if symbol != "" {
		cfg.Rebalancer.Symbol = symbol
		cfg.Strategy.Symbol = symbol
	}
	return cfg
}

func runRebalancer(cmd *cobra.Command, args []string) {
	cfg := setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := bybit.NewRESTClient(cfg.Bybit.APIKey, cfg.Bybit.APISecret, cfg.Bybit.Testnet, logger)

	feed := bybit.NewWSFeed(models.CategorySpot, cfg.Rebalancer.Symbol, cfg.Rebalancer.Interval, logger)
	if err := feed.Connect(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to connect market data feed")
	}
	defer feed.Close()

	reb := rebalancer.New(rebalancerConfig(cfg), client, feed, logger)
	reb.Warmup(ctx)

	apiServer := api.NewServer(reb, logger, cfg.Server.Port, cfg.Server.AuthSecret)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Error("API server stopped")
		}
	}()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	logger.Info("Rebalancer is running. Press Ctrl+C to stop.")
	_ = reb.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = apiServer.Shutdown(shutdownCtx)

	logger.Info("Rebalancer stopped")
}

func runStrategy(cmd *cobra.Command, args []string) {
	cfg := setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := bybit.NewRESTClient(cfg.Bybit.APIKey, cfg.Bybit.APISecret, cfg.Bybit.Testnet, logger)

	feed := bybit.NewWSFeed(models.CategoryLinear, cfg.Strategy.Symbol, cfg.Strategy.Timeframe, logger)
	if err := feed.Connect(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to connect market data feed")
	}
	defer feed.Close()

	strat := strategy.New(strategyConfig(cfg), client, feed, logger)
	strat.SetExposure(rebalancer.NewSnapshotter(
		client,
		cfg.Rebalancer.BaseCoin,
		cfg.Strategy.Symbol,
		cfg.Rebalancer.DesiredNetDeltaBase,
		logger,
	))
	if err := strat.Init(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to initialize strategy")
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("Received shutdown signal")
		cancel()
	}()

	logger.Info("Strategy is running. Press Ctrl+C to stop.")
	_ = strat.Run(ctx)

	logger.Info("Strategy stopped")
}

func rebalancerConfig(cfg *config.Config) rebalancer.Config {
	r := cfg.Rebalancer
	return rebalancer.Config{
		Symbol:           r.Symbol,
		BaseCoin:         r.BaseCoin,
		Interval:         r.Interval,
		DesiredDeltaBase: r.DesiredNetDeltaBase,
		Thresholds: models.Thresholds{
			Units: models.ThresholdUnits(r.Thresholds.Units),
			Soft:  r.Thresholds.Soft,
			Hard:  r.Thresholds.Hard,
		},
		Bias: rebalancer.BiasConfig{
			WEMA:     r.Bias.WEMA,
			WAnchor:  r.Bias.WAnchor,
			Strength: r.Bias.Strength,
		},
		AnchorGate: rebalancer.AnchorGateConfig{
			EdgeBps:     r.Anchor.EdgeBpsSoft,
			SoftMaxWait: time.Duration(r.Anchor.MaxWaitSOnSoft) * time.Second,
		},
		EMA: rebalancer.EMAConfig{
			FastPeriod:        r.EMA.FastPeriod,
			SlowPeriod:        r.EMA.SlowPeriod,
			TrendThresholdPct: r.EMA.TrendThresholdPct,
			SlopeScale:        r.EMA.SlopeScale,
		},
		Policy: rebalancer.PolicyConfig{
			PartialRatio:       r.PartialRatio,
			HysteresisFraction: r.Risk.HysteresisFraction,
		},
		Execution: rebalancer.ExecutionConfig{
			MinTradeBase:  r.Execution.MinTradeBase,
			MaxTradeBase:  r.Execution.MaxTradeBase,
			PostOnly:      r.Execution.Maker.PostOnly,
			ChaseDuration: time.Duration(r.Execution.Maker.ChaseSeconds * float64(time.Second)),
			TakerOnSoft:   r.Execution.Taker.AllowedOnSoft,
			TakerOnHard:   r.Execution.Taker.AllowedOnHard,
		},
		Anchor: rebalancer.FillsAnchorConfig{
			Window:       time.Duration(r.Anchor.WindowS) * time.Second,
			PollInterval: time.Duration(r.Anchor.PollIntervalS) * time.Second,
		},
		Opportunistic: rebalancer.OpportunisticConfig{
			Enabled:             r.EMARebalance.Enabled,
			UptrendBreakoutPct:  r.EMARebalance.UptrendBreakoutPct,
			DowntrendTouchPct:   r.EMARebalance.DowntrendTouchPct,
			PartialRatio:        r.EMARebalance.PartialRatio,
			MinPositionNotional: r.EMARebalance.MinPositionNotional,
			Cooldown:            time.Duration(r.EMARebalance.CooldownSeconds) * time.Second,
		},
		StepInterval:   time.Duration(r.StepIntervalMS) * time.Millisecond,
		StatusInterval: time.Duration(r.StatusIntervalS) * time.Second,
	}
}

func strategyConfig(cfg *config.Config) strategy.Config {
	s := cfg.Strategy
	tps := make([]strategy.TakeProfitLevel, 0, len(s.TakeProfits))
	for _, tp := range s.TakeProfits {
		tps = append(tps, strategy.TakeProfitLevel{
			Name:      tp.Name,
			TargetPct: tp.TargetPct,
			ExitPct:   tp.ExitPct,
		})
	}
	return strategy.Config{
		Symbol:   s.Symbol,
		Category: models.CategoryLinear,
		Interval: s.Timeframe,
		EMA: rebalancer.EMAConfig{
			FastPeriod:        cfg.Rebalancer.EMA.FastPeriod,
			SlowPeriod:        cfg.Rebalancer.EMA.SlowPeriod,
			TrendThresholdPct: cfg.Rebalancer.EMA.TrendThresholdPct,
			SlopeScale:        cfg.Rebalancer.EMA.SlopeScale,
		},
		MaxAllocationQuote:      s.MaxAllocationQuote,
		FastAllocationPct:       s.FastAllocationPct,
		SlowAllocationPct:       s.SlowAllocationPct,
		TakeProfits:             tps,
		StopLossPct:             s.StopLossPct,
		HardStopLossPct:         s.HardStopLossPct,
		EntryCooldown:           time.Duration(s.EntryCooldownS) * time.Second,
		OrderCooldown:           time.Duration(s.OrderCooldownS) * time.Second,
		OrderUpdateThresholdPct: s.OrderUpdateThresholdPct,
		EntryOffsetPct:          s.EntryOffsetPct,
		MinOrderNotional:        s.MinOrderNotional,
		SyncInterval:            30 * time.Second,
		StepInterval:            time.Second,
	}
}
