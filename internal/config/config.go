package config

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/ashwood/deltabot/pkg/secrets"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Bybit      BybitConfig      `mapstructure:"bybit"`
	Rebalancer RebalancerConfig `mapstructure:"rebalancer"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	GCP        GCPConfig        `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	AuthSecret string `mapstructure:"auth_secret"`
}

type BybitConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	Testnet   bool   `mapstructure:"testnet"`
}

type RebalancerConfig struct {
	Symbol              string           `mapstructure:"symbol"`
	BaseCoin            string           `mapstructure:"base_coin"`
	Interval            string           `mapstructure:"interval"`
	DesiredNetDeltaBase float64          `mapstructure:"desired_net_delta_base"`
	PartialRatio        float64          `mapstructure:"partial_rebalance_ratio"`
	StepIntervalMS      int              `mapstructure:"step_interval_ms"`
	StatusIntervalS     int              `mapstructure:"status_interval_s"`
	Thresholds          ThresholdsConfig `mapstructure:"thresholds"`
	Risk                RiskConfig       `mapstructure:"risk"`
	EMA                 EMAConfig        `mapstructure:"ema"`
	Anchor              AnchorConfig     `mapstructure:"anchor"`
	Bias                BiasConfig       `mapstructure:"bias"`
	Execution           ExecutionConfig  `mapstructure:"execution"`
	EMARebalance        EMARebalance     `mapstructure:"ema_rebalance"`
}

type ThresholdsConfig struct {
	Units string  `mapstructure:"units"`
	Soft  float64 `mapstructure:"soft"`
	Hard  float64 `mapstructure:"hard"`
}

type RiskConfig struct {
	HysteresisFraction float64 `mapstructure:"hysteresis_fraction"`
}

type EMAConfig struct {
	FastPeriod        int     `mapstructure:"fast_period"`
	SlowPeriod        int     `mapstructure:"slow_period"`
	TrendThresholdPct float64 `mapstructure:"trend_threshold_pct"`
	SlopeScale        float64 `mapstructure:"slope_scale"`
}

type AnchorConfig struct {
	WindowS        int     `mapstructure:"window_s"`
	PollIntervalS  int     `mapstructure:"poll_interval_s"`
	EdgeBpsSoft    float64 `mapstructure:"edge_bps_soft"`
	MaxWaitSOnSoft int     `mapstructure:"max_wait_s_on_soft"`
}

type BiasConfig struct {
	WEMA     float64 `mapstructure:"w_ema"`
	WAnchor  float64 `mapstructure:"w_anchor"`
	Strength float64 `mapstructure:"strength"`
}

type ExecutionConfig struct {
	MinTradeBase float64     `mapstructure:"min_trade_base"`
	MaxTradeBase float64     `mapstructure:"max_trade_base"`
	Maker        MakerConfig `mapstructure:"maker"`
	Taker        TakerConfig `mapstructure:"taker"`
}

type MakerConfig struct {
	PostOnly     bool    `mapstructure:"post_only"`
	ChaseSeconds float64 `mapstructure:"chase_seconds"`
}

type TakerConfig struct {
	AllowedOnSoft bool `mapstructure:"allowed_on_soft"`
	AllowedOnHard bool `mapstructure:"allowed_on_hard"`
}

type EMARebalance struct {
	Enabled             bool    `mapstructure:"enabled"`
	UptrendBreakoutPct  float64 `mapstructure:"uptrend_breakout_pct"`
	DowntrendTouchPct   float64 `mapstructure:"downtrend_ema_touch_pct"`
	PartialRatio        float64 `mapstructure:"ema_partial_ratio"`
	MinPositionNotional float64 `mapstructure:"min_position_usdt"`
	CooldownSeconds     int     `mapstructure:"cooldown_seconds"`
}

type StrategyConfig struct {
	Symbol                  string             `mapstructure:"symbol"`
	Timeframe               string             `mapstructure:"timeframe"`
	MaxAllocationQuote      float64            `mapstructure:"max_allocation_usdt"`
	FastAllocationPct       float64            `mapstructure:"ema_fast_pct"`
	SlowAllocationPct       float64            `mapstructure:"ema_slow_pct"`
	TakeProfits             []TakeProfitConfig `mapstructure:"take_profit_levels"`
	StopLossPct             float64            `mapstructure:"stop_loss_pct"`
	HardStopLossPct         float64            `mapstructure:"hard_stop_loss_pct"`
	EntryCooldownS          int                `mapstructure:"entry_cooldown_seconds"`
	OrderCooldownS          int                `mapstructure:"order_cooldown_seconds"`
	OrderUpdateThresholdPct float64            `mapstructure:"order_update_threshold_pct"`
	EntryOffsetPct          float64            `mapstructure:"entry_offset_pct"`
	MinOrderNotional        float64            `mapstructure:"min_order_notional"`
}

type TakeProfitConfig struct {
	Name      string  `mapstructure:"name"`
	TargetPct float64 `mapstructure:"pct"`
	ExitPct   float64 `mapstructure:"exit_pct"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type GCPConfig struct {
	ProjectID   string              `mapstructure:"project_id"`
	UseSecrets  bool                `mapstructure:"use_secrets"`
	SecretNames secrets.SecretNames `mapstructure:"secret_names"`
}

func Load(configPath string) (*Config, error) {
	// A local .env is optional; ignore a missing file.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/deltabot")
	}

	v.SetEnvPrefix("DELTABOT")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.auth_secret", "")

	// Bybit defaults
	v.SetDefault("bybit.testnet", false)

	// Rebalancer defaults
	v.SetDefault("rebalancer.symbol", "SOLUSDT")
	v.SetDefault("rebalancer.base_coin", "SOL")
	v.SetDefault("rebalancer.interval", "5")
	v.SetDefault("rebalancer.desired_net_delta_base", 0.0)
	v.SetDefault("rebalancer.partial_rebalance_ratio", 0.5)
	v.SetDefault("rebalancer.step_interval_ms", 500)
	v.SetDefault("rebalancer.status_interval_s", 30)
	v.SetDefault("rebalancer.thresholds.units", "percent")
	v.SetDefault("rebalancer.thresholds.soft", 0.02)
	v.SetDefault("rebalancer.thresholds.hard", 0.06)
	v.SetDefault("rebalancer.risk.hysteresis_fraction", 0.7)
	v.SetDefault("rebalancer.ema.fast_period", 20)
	v.SetDefault("rebalancer.ema.slow_period", 50)
	v.SetDefault("rebalancer.ema.trend_threshold_pct", 0.0)
	v.SetDefault("rebalancer.ema.slope_scale", 1000.0)
	v.SetDefault("rebalancer.anchor.window_s", 600)
	v.SetDefault("rebalancer.anchor.poll_interval_s", 5)
	v.SetDefault("rebalancer.anchor.edge_bps_soft", 10)
	v.SetDefault("rebalancer.anchor.max_wait_s_on_soft", 30)
	v.SetDefault("rebalancer.bias.w_ema", 0.5)
	v.SetDefault("rebalancer.bias.w_anchor", 0.5)
	v.SetDefault("rebalancer.bias.strength", 0.6)
	v.SetDefault("rebalancer.execution.min_trade_base", 0.000001)
	v.SetDefault("rebalancer.execution.max_trade_base", 1000000.0)
	v.SetDefault("rebalancer.execution.maker.post_only", true)
	v.SetDefault("rebalancer.execution.maker.chase_seconds", 5.0)
	v.SetDefault("rebalancer.execution.taker.allowed_on_soft", false)
	v.SetDefault("rebalancer.execution.taker.allowed_on_hard", true)
	v.SetDefault("rebalancer.ema_rebalance.enabled", false)
	v.SetDefault("rebalancer.ema_rebalance.uptrend_breakout_pct", 1.0)
	v.SetDefault("rebalancer.ema_rebalance.downtrend_ema_touch_pct", 0.2)
	v.SetDefault("rebalancer.ema_rebalance.ema_partial_ratio", 0.3)
	v.SetDefault("rebalancer.ema_rebalance.min_position_usdt", 100.0)
	v.SetDefault("rebalancer.ema_rebalance.cooldown_seconds", 60)

	// Strategy defaults
	v.SetDefault("strategy.symbol", "SOLUSDT")
	v.SetDefault("strategy.timeframe", "5")
	v.SetDefault("strategy.max_allocation_usdt", 1000.0)
	v.SetDefault("strategy.ema_fast_pct", 25.0)
	v.SetDefault("strategy.ema_slow_pct", 75.0)
	v.SetDefault("strategy.stop_loss_pct", 0.25)
	v.SetDefault("strategy.hard_stop_loss_pct", 1.0)
	v.SetDefault("strategy.entry_cooldown_seconds", 120)
	v.SetDefault("strategy.order_cooldown_seconds", 10)
	v.SetDefault("strategy.order_update_threshold_pct", 0.1)
	v.SetDefault("strategy.entry_offset_pct", 0.0)
	v.SetDefault("strategy.min_order_notional", 50.0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// GCP defaults
	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.api_key", secretNames.APIKey)
	v.SetDefault("gcp.secret_names.api_secret", secretNames.APISecret)
	v.SetDefault("gcp.secret_names.api_auth_secret", secretNames.APIAuthSecret)
}

func overrideFromEnv(config *Config) {
	if apiKey := os.Getenv("BYBIT_API_KEY"); apiKey != "" {
		config.Bybit.APIKey = apiKey
	}
	if apiSecret := os.Getenv("BYBIT_API_SECRET"); apiSecret != "" {
		config.Bybit.APISecret = apiSecret
	}
	if testnet := os.Getenv("BYBIT_TESTNET"); testnet == "true" {
		config.Bybit.Testnet = true
	}
	if authSecret := os.Getenv("DELTABOT_API_AUTH_SECRET"); authSecret != "" {
		config.Server.AuthSecret = authSecret
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	// Only load secrets that are not already set
	if config.Bybit.APIKey == "" {
		config.Bybit.APIKey = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.APIKey, "")
	}
	if config.Bybit.APISecret == "" {
		config.Bybit.APISecret = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.APISecret, "")
	}
	if config.Server.AuthSecret == "" {
		config.Server.AuthSecret = secretManager.GetSecretWithDefault(ctx,
			config.GCP.SecretNames.APIAuthSecret, "")
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}
