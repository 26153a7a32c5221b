// Swarmpool - Pooled Chaos Trading Orchestrator
//
// One run at a time: users deposit USDC into a shared lobby, every voting
// round the majority picks LONG/SHORT/SKIP, and the bot trades the pooled
// account on a perps DEX with randomly drawn leverage and position size.
// At the end the realized balance is split pro-rata, minus the platform fee.
package main

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/swarmpool/internal/bus"
	"github.com/web3guy0/swarmpool/internal/chain"
	"github.com/web3guy0/swarmpool/internal/clock"
	"github.com/web3guy0/swarmpool/internal/config"
	"github.com/web3guy0/swarmpool/internal/database"
	"github.com/web3guy0/swarmpool/internal/dex"
	"github.com/web3guy0/swarmpool/internal/engine"
	"github.com/web3guy0/swarmpool/internal/executor"
	"github.com/web3guy0/swarmpool/internal/notify"
	"github.com/web3guy0/swarmpool/internal/oracle"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Str("pair", cfg.DefaultPair).
		Bool("real_trading", cfg.EnableRealTrading).
		Msg("🐝 Swarmpool starting...")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	clk := clock.Real{}
	events := bus.New()

	// ====== CORE COMPONENTS ======

	// 1. DEX venue - real gateway when enabled, simulated account otherwise
	var venue dex.Adapter
	var driftClient *dex.DriftClient
	if cfg.EnableRealTrading {
		driftClient = dex.NewDriftClient(cfg.DexGatewayURL, cfg.DexWsURL, cfg.DexSubaccount, cfg.SlippageBps)
		if err := driftClient.Start(ctx); err != nil {
			if errors.Is(err, dex.ErrNoSubaccount) {
				log.Error().Msg("❌ DEX subaccount missing, falling back to simulated venue")
				db.AppendLog(nil, database.LogSystem,
					"real trading requested but subaccount missing, running simulated", nil)
				driftClient = nil
			} else {
				log.Fatal().Err(err).Msg("Failed to start DEX client")
			}
		}
	}
	if driftClient != nil {
		venue = driftClient
		log.Info().Str("gateway", cfg.DexGatewayURL).Msg("🌊 Drift gateway connected")
	} else {
		mock := dex.NewMockClient(0, rand.New(rand.NewSource(time.Now().UnixNano())))
		venue = mock
		log.Warn().Msg("📋 Simulated venue active, no real orders will be placed")
	}

	// 2. Oracle - drift oracle primary, Binance WS shadow, REST fallback
	var driftSource oracle.DriftSource
	if driftClient != nil {
		driftSource = driftClient
	}
	prices := oracle.New([]string{cfg.DefaultBaseCoin}, driftSource, events)
	prices.Start()

	// Simulated venue needs the oracle feed for fills and the pool deposits
	// mirrored into its account.
	if mock, ok := venue.(*dex.MockClient); ok {
		go feedMockPrices(ctx, prices, mock, cfg.DefaultBaseCoin)
		go mirrorMockDeposits(ctx, events, mock)
	}

	// 3. Chain client - on-chain run registry, disabled when unconfigured
	chainClient, err := chain.New(cfg.ChainRPCURL, cfg.ChainProgramAddress, cfg.ChainPrivateKey, cfg.ChainID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize chain client")
	}
	if chainClient.Enabled() {
		log.Info().Int64("chain_id", cfg.ChainID).Msg("⛓️ Chain client connected")
	} else {
		log.Warn().Msg("⛓️ Chain recording disabled (no CHAIN_RPC_URL / CHAIN_PRIVATE_KEY)")
	}

	// 4. Run machine + executor + round controller + scheduler
	machine := engine.NewMachine(db, chainClient, events, clk, engine.MachineConfig{
		LobbyDuration: time.Duration(cfg.LobbyDurationSeconds) * time.Second,
	})

	exec := executor.New(db, venue, chainClient, clk, executor.Config{
		HoldSeconds:  cfg.TradeHoldSeconds,
		SeededReplay: cfg.ChaosSeededReplay,
	}, nil)

	controller := engine.NewRoundController(db, exec, events, clk, prices, engine.ControllerConfig{
		Retries:     cfg.ExecutorRetries,
		BackoffBase: time.Duration(cfg.ExecutorBackoffBaseMs) * time.Millisecond,
		BackoffCap:  time.Duration(cfg.ExecutorBackoffCapMs) * time.Millisecond,
		OracleStale: time.Duration(cfg.OracleStaleSeconds) * time.Second,
	})

	scheduler := engine.NewScheduler(db, machine, controller, venue, chainClient, events, clk, engine.SchedulerConfig{
		Cooldown:       time.Duration(cfg.CooldownSeconds) * time.Second,
		PlatformFeeBps: cfg.PlatformFeeBps,
		CronEvery:      cfg.CronEvery,
		Defaults: engine.RunConfig{
			Pair:            cfg.DefaultPair,
			BaseCoin:        cfg.DefaultBaseCoin,
			DurationMin:     cfg.DefaultDurationMin,
			IntervalMin:     cfg.DefaultIntervalMin,
			MinDeposit:      cfg.DefaultMinDeposit,
			MaxDeposit:      cfg.DefaultMaxDeposit,
			MaxParticipants: cfg.DefaultMaxParticipants,
		},
	})
	scheduler.Start(ctx)

	// ====== TELEGRAM BOT ======
	telegramBot, err := notify.New(cfg, db, machine, scheduler, events)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Telegram bot")
	}
	if telegramBot != nil {
		telegramBot.Start()
	} else {
		log.Warn().Msg("📵 Telegram not configured, running headless")
	}

	// ====== STARTUP COMPLETE ======
	log.Info().Msg("✅ All systems online")
	log.Info().Msg("")
	log.Info().Msg("╔══════════════════════════════════════════╗")
	log.Info().Msg("║        SWARMPOOL CHAOS TRADING           ║")
	log.Info().Msg("║                                          ║")
	log.Info().Msg("║  → Pool deposits in a shared lobby       ║")
	log.Info().Msg("║  → Majority votes LONG/SHORT/SKIP        ║")
	log.Info().Msg("║  → Bot draws leverage 1-20x at random    ║")
	log.Info().Msg("║  → Pro-rata payout at settlement         ║")
	log.Info().Msg("╚══════════════════════════════════════════╝")
	log.Info().Msg("")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("🛑 Received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("🛑 Context cancelled")
	}

	// Graceful shutdown: the scheduler finishes its current tick, so a round
	// mid-execution either completes or is resumed from EXECUTING on restart.
	log.Info().Msg("Shutting down...")

	if telegramBot != nil {
		telegramBot.Stop()
	}
	scheduler.Stop()
	cancel()
	prices.Stop()
	if driftClient != nil {
		driftClient.Stop()
	}

	log.Info().Msg("👋 Goodbye!")
}

// mirrorMockDeposits credits the simulated account with the pool when a run
// goes ACTIVE, standing in for the vault transfer the real venue sees.
func mirrorMockDeposits(ctx context.Context, events *bus.Bus, mock *dex.MockClient) {
	sub := events.Subscribe("")
	defer sub.Close()

	funded := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			upd, ok := evt.Payload.(bus.RunUpdate)
			if !ok || upd.Status != database.RunActive || funded[upd.RunID] {
				continue
			}
			funded[upd.RunID] = true
			mock.Deposit(upd.TotalPool)
			log.Info().Int64("amount", upd.TotalPool).Msg("📋 Pool mirrored into simulated account")
		}
	}
}

// feedMockPrices mirrors oracle samples into the simulated venue so fills
// price against the same feed votes see.
func feedMockPrices(ctx context.Context, prices *oracle.Oracle, mock *dex.MockClient, baseCoin string) {
	market := baseCoin + "-PERP"
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sample, err := prices.Latest(baseCoin); err == nil {
				mock.SetOraclePrice(market, sample.Price)
			}
		}
	}
}
