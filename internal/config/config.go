package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the orchestrator
type Config struct {
	// Mode
	Debug             bool
	EnableRealTrading bool

	// Database
	DatabasePath string

	// Run defaults (used by the cron creator and /createrun)
	DefaultPair            string
	DefaultBaseCoin        string
	DefaultDurationMin     int
	DefaultIntervalMin     int
	DefaultMinDeposit      int64 // whole collateral units
	DefaultMaxDeposit      int64
	DefaultMaxParticipants int

	// Lifecycle timing
	LobbyDurationSeconds int
	CooldownSeconds      int
	CronEvery            time.Duration // zero disables auto-creation

	// Settlement
	PlatformFeeBps int64

	// Oracle
	OracleStaleSeconds int

	// Executor
	ExecutorRetries       int
	ExecutorBackoffBaseMs int
	ExecutorBackoffCapMs  int
	TradeHoldSeconds      int
	ChaosSeededReplay     bool
	SlippageBps           int

	// DEX gateway
	DexGatewayURL string
	DexWsURL      string
	DexSubaccount string

	// Chain
	ChainRPCURL         string
	ChainProgramAddress string
	ChainPrivateKey     string
	ChainID             int64

	// Telegram ops bot
	TelegramToken  string
	TelegramChatID int64
	TelegramAdmins []int64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Debug:             getEnvBool("DEBUG", false),
		EnableRealTrading: getEnvBool("ENABLE_REAL_TRADING", false),

		DatabasePath: getEnv("DATABASE_PATH", "data/swarmpool.db"),

		DefaultPair:            getEnv("DEFAULT_PAIR", "BTC/USDC"),
		DefaultDurationMin:     getEnvInt("DEFAULT_DURATION_MIN", 60),
		DefaultIntervalMin:     getEnvInt("DEFAULT_INTERVAL_MIN", 10),
		DefaultMinDeposit:      int64(getEnvInt("DEFAULT_MIN_DEPOSIT", 10)),
		DefaultMaxDeposit:      int64(getEnvInt("DEFAULT_MAX_DEPOSIT", 100)),
		DefaultMaxParticipants: getEnvInt("DEFAULT_MAX_PARTICIPANTS", 50),

		LobbyDurationSeconds: getEnvInt("LOBBY_DURATION_SECONDS", 600),
		CooldownSeconds:      getEnvInt("COOLDOWN_SECONDS", 120),
		CronEvery:            getEnvDuration("CRON_EVERY", 0),

		PlatformFeeBps: int64(getEnvInt("PLATFORM_FEE_BPS", 1500)),

		OracleStaleSeconds: getEnvInt("ORACLE_STALE_SECONDS", 30),

		ExecutorRetries:       getEnvInt("EXECUTOR_RETRIES", 3),
		ExecutorBackoffBaseMs: getEnvInt("EXECUTOR_BACKOFF_BASE_MS", 2000),
		ExecutorBackoffCapMs:  getEnvInt("EXECUTOR_BACKOFF_CAP_MS", 30000),
		TradeHoldSeconds:      getEnvInt("TRADE_HOLD_SECONDS", 15),
		ChaosSeededReplay:     getEnvBool("CHAOS_SEEDED_REPLAY", false),
		SlippageBps:           getEnvInt("SLIPPAGE_BPS", 10),

		DexGatewayURL: getEnv("DEX_GATEWAY_URL", "http://127.0.0.1:8787"),
		DexWsURL:      getEnv("DEX_WS_URL", "ws://127.0.0.1:8787/ws"),
		DexSubaccount: getEnv("DEX_SUBACCOUNT", "0"),

		ChainRPCURL:         os.Getenv("CHAIN_RPC_URL"),
		ChainProgramAddress: os.Getenv("CHAIN_PROGRAM_ADDRESS"),
		ChainPrivateKey:     os.Getenv("CHAIN_PRIVATE_KEY"),
		ChainID:             int64(getEnvInt("CHAIN_ID", 137)),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	// Derive base coin from the pair unless overridden
	cfg.DefaultBaseCoin = getEnv("DEFAULT_BASE_COIN", strings.SplitN(cfg.DefaultPair, "/", 2)[0])

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if admins := os.Getenv("TELEGRAM_ADMIN_IDS"); admins != "" {
		for _, part := range strings.Split(admins, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid TELEGRAM_ADMIN_IDS entry %q: %w", part, err)
			}
			cfg.TelegramAdmins = append(cfg.TelegramAdmins, id)
		}
	}

	if cfg.PlatformFeeBps < 0 || cfg.PlatformFeeBps > 10000 {
		return nil, fmt.Errorf("PLATFORM_FEE_BPS must be in [0,10000], got %d", cfg.PlatformFeeBps)
	}
	if cfg.LobbyDurationSeconds <= 0 {
		return nil, fmt.Errorf("LOBBY_DURATION_SECONDS must be positive")
	}
	if cfg.EnableRealTrading && cfg.DexGatewayURL == "" {
		return nil, fmt.Errorf("ENABLE_REAL_TRADING requires DEX_GATEWAY_URL")
	}

	return cfg, nil
}

// IsAdmin reports whether a telegram user id may use admin commands.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.TelegramAdmins {
		if id == userID {
			return true
		}
	}
	return false
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
