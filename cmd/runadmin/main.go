// runadmin - operator CLI for the swarmpool database.
//
// Inspects and manages runs directly against the store:
//
//	runadmin -db data/swarmpool.db status
//	runadmin -db data/swarmpool.db runs -n 20
//	runadmin -db data/swarmpool.db trades -run <id>
//	runadmin -db data/swarmpool.db logs -run <id> -n 50
//	runadmin -db data/swarmpool.db cancel -run <id> -reason "ops"
//	runadmin initplatform -fee 1500
//
// The running orchestrator picks up cancel on its next tick; initplatform is
// the one-time on-chain bootstrap; everything else is read-only.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/swarmpool/internal/chain"
	"github.com/web3guy0/swarmpool/internal/database"
)

func main() {
	godotenv.Load()

	dbPath := flag.String("db", envOr("DATABASE_PATH", "data/swarmpool.db"), "database path or postgres:// DSN")
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		return
	}

	db, err := database.New(*dbPath)
	if err != nil {
		fmt.Println("Error opening database:", err)
		os.Exit(1)
	}
	defer db.Close()

	cmd := flag.Arg(0)
	sub := flag.NewFlagSet(cmd, flag.ExitOnError)
	runID := sub.String("run", "", "run id")
	limit := sub.Int("n", 10, "row limit")
	reason := sub.String("reason", "operator cancel", "cancel reason")
	feeBps := sub.Int64("fee", envInt("PLATFORM_FEE_BPS", 1500), "platform fee basis points")
	sub.Parse(flag.Args()[1:])

	switch cmd {
	case "status":
		cmdStatus(db)
	case "runs":
		cmdRuns(db, *limit)
	case "participants":
		cmdParticipants(db, *runID)
	case "trades":
		cmdTrades(db, *runID)
	case "logs":
		cmdLogs(db, *runID, *limit)
	case "stats":
		cmdStats(db)
	case "cancel":
		cmdCancel(db, *runID, *reason)
	case "initplatform":
		cmdInitPlatform(*feeBps)
	default:
		usage()
		os.Exit(1)
	}
}

func cmdStatus(db *database.Database) {
	run, err := db.NonTerminalRun()
	if err != nil {
		fatal(err)
	}
	if run == nil {
		fmt.Println("💤 No run live")
		return
	}

	count, _ := db.CountParticipants(run.ID)
	fmt.Printf("Run #%d  %s\n", run.NumericID, run.ID)
	fmt.Printf("  status:       %s\n", run.Status)
	fmt.Printf("  pair:         %s\n", run.Pair)
	fmt.Printf("  round:        %d/%d\n", run.CurrentRound, run.TotalRounds)
	fmt.Printf("  participants: %d/%d\n", count, run.MaxParticipants)
	fmt.Printf("  pool:         %s USDC\n", usdc(run.TotalPool))
	fmt.Printf("  synced:       %v\n", run.Synced)
	if run.FinalBalance != nil {
		fmt.Printf("  final:        %s USDC (fee %s)\n", usdc(*run.FinalBalance), usdc(run.PlatformFee))
	}

	pending, err := db.PendingIntents(run.ID)
	if err == nil && len(pending) > 0 {
		fmt.Println("  ⚠️ pending intents:")
		for _, name := range pending {
			fmt.Printf("    - %s\n", name)
		}
	}
}

func cmdRuns(db *database.Database, limit int) {
	runs, err := db.RecentRuns(limit)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%-5s %-10s %-10s %8s %10s %12s\n", "#", "STATUS", "PAIR", "ROUNDS", "POOL", "FINAL")
	for _, r := range runs {
		final := "-"
		if r.FinalBalance != nil {
			final = usdc(*r.FinalBalance)
		}
		fmt.Printf("%-5d %-10s %-10s %4d/%-3d %10s %12s\n",
			r.NumericID, r.Status, r.Pair, r.CurrentRound, r.TotalRounds, usdc(r.TotalPool), final)
	}
}

func cmdParticipants(db *database.Database, runID string) {
	runID = resolveRun(db, runID)
	participants, err := db.Participants(runID)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%-20s %10s %12s %10s %6s\n", "USER", "DEPOSIT", "SHARE", "VOTES", "OUT")
	for _, p := range participants {
		share := "-"
		if p.FinalShare != nil {
			share = usdc(*p.FinalShare)
		}
		fmt.Printf("%-20s %10s %12s %6d/%-3d %6v\n",
			p.UserID, usdc(p.Deposit), share, p.VotesCorrect, p.TotalVotes, p.Withdrawn)
	}
}

func cmdTrades(db *database.Database, runID string) {
	runID = resolveRun(db, runID)
	trades, err := db.Trades(runID)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%-6s %-6s %6s %6s %12s %12s %12s %6s\n",
		"ROUND", "DIR", "LEV", "SIZE", "ENTRY", "EXIT", "PNL", "CHAIN")
	for _, t := range trades {
		exit := "-"
		if t.ExitPrice != nil {
			exit = t.ExitPrice.StringFixed(2)
		}
		fmt.Printf("%-6d %-6s %5.1fx %5d%% %12s %12s %12s %6v\n",
			t.Round, t.Direction, float64(t.Leverage)/10, t.PositionSize,
			t.EntryPrice.StringFixed(2), exit, usdc(t.Pnl), t.OnChain)
	}

	pnl, err := db.SumPnl(runID)
	if err == nil {
		fmt.Printf("\nTotal pnl: %s USDC\n", usdc(pnl))
	}
}

func cmdLogs(db *database.Database, runID string, limit int) {
	runID = resolveRun(db, runID)
	logs, err := db.RecentLogs(runID, limit)
	if err != nil {
		fatal(err)
	}
	for i := len(logs) - 1; i >= 0; i-- {
		l := logs[i]
		fmt.Printf("%s  %-18s %s  %s\n",
			l.CreatedAt.Format("01-02 15:04:05"), l.Type, l.Message, l.Metadata)
	}
}

func cmdStats(db *database.Database) {
	stats, err := db.Stats()
	if err != nil {
		fatal(err)
	}
	for k, v := range stats {
		fmt.Printf("%-16s %v\n", k, v)
	}
}

// cmdCancel sets the cancel reason so the orchestrator routes the run
// through early settlement on its next tick. WAITING runs end immediately.
func cmdCancel(db *database.Database, runID, reason string) {
	runID = resolveRun(db, runID)
	run, err := db.GetRun(runID)
	if err != nil {
		fatal(err)
	}
	switch run.Status {
	case database.RunWaiting, database.RunActive, database.RunCooldown:
		run.CancelReason = reason
		if run.Status == database.RunActive {
			if _, err := db.TransitionRun(runID, database.RunActive, database.RunSettling, func(r *database.Run) {
				r.CancelReason = reason
			}, database.LogSystem, "operator cancel via runadmin", map[string]any{"reason": reason}); err != nil {
				fatal(err)
			}
		} else {
			if err := db.UpdateRun(run); err != nil {
				fatal(err)
			}
		}
		fmt.Printf("🛑 Run #%d flagged for cancel: %s\n", run.NumericID, reason)
	default:
		fmt.Printf("Cannot cancel run in %s\n", run.Status)
		os.Exit(1)
	}
}

// cmdInitPlatform runs the one-time initialize_platform instruction against
// the chain configured in the environment. The program rejects a repeat call.
func cmdInitPlatform(feeBps int64) {
	chainID := envInt("CHAIN_ID", 137)
	client, err := chain.New(
		os.Getenv("CHAIN_RPC_URL"),
		os.Getenv("CHAIN_PROGRAM_ADDRESS"),
		os.Getenv("CHAIN_PRIVATE_KEY"),
		chainID,
	)
	if err != nil {
		fatal(err)
	}
	if !client.Enabled() {
		fmt.Println("Chain client disabled; set CHAIN_RPC_URL and CHAIN_PRIVATE_KEY")
		os.Exit(1)
	}
	if err := client.InitializePlatform(context.Background(), feeBps); err != nil {
		fatal(err)
	}
	fmt.Printf("⛓️ Platform initialized with fee %d bps (account %s)\n",
		feeBps, client.PlatformAccount().Hex())
}

// resolveRun falls back to the live run when -run is omitted.
func resolveRun(db *database.Database, runID string) string {
	if runID != "" {
		return runID
	}
	run, err := db.NonTerminalRun()
	if err != nil || run == nil {
		fmt.Println("No live run; pass -run <id>")
		os.Exit(1)
	}
	return run.ID
}

func usdc(micro int64) string {
	return decimal.New(micro, -6).StringFixed(2)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func fatal(err error) {
	fmt.Println("Error:", err)
	os.Exit(1)
}

func usage() {
	fmt.Println("Usage: runadmin [-db path] <status|runs|participants|trades|logs|stats|cancel|initplatform> [flags]")
}
