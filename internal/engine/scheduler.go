package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/swarmpool/internal/bus"
	"github.com/web3guy0/swarmpool/internal/chain"
	"github.com/web3guy0/swarmpool/internal/clock"
	"github.com/web3guy0/swarmpool/internal/database"
	"github.com/web3guy0/swarmpool/internal/dex"
)

// SchedulerConfig tunes the lifecycle loop.
type SchedulerConfig struct {
	TickInterval   time.Duration
	Cooldown       time.Duration
	PlatformFeeBps int64

	// CronEvery enables automatic run creation: once no run is live and the
	// last one ended at least CronEvery ago, a new run with Defaults is
	// created. Zero disables the cron.
	CronEvery time.Duration
	Defaults  RunConfig
}

// Scheduler is the single writer of run lifecycle transitions. One goroutine
// ticks once a second; every tick re-derives the next action from persisted
// state, so the loop is safe to kill and restart at any point.
type Scheduler struct {
	db         *database.Database
	machine    *Machine
	controller *RoundController
	venue      dex.Adapter
	chain      *chain.Client
	bus        *bus.Bus
	clk        clock.Clock
	cfg        SchedulerConfig

	mu     sync.Mutex
	paused bool

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewScheduler(db *database.Database, m *Machine, c *RoundController, venue dex.Adapter, ch *chain.Client, b *bus.Bus, clk clock.Clock, cfg SchedulerConfig) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Scheduler{
		db:         db,
		machine:    m,
		controller: c,
		venue:      venue,
		chain:      ch,
		bus:        b,
		clk:        clk,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start launches the tick loop after a recovery pass.
func (s *Scheduler) Start(ctx context.Context) {
	s.Recover(ctx)
	go s.loop(ctx)
	log.Info().Dur("tick", s.cfg.TickInterval).Msg("⏰ Scheduler started")
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
	log.Info().Msg("⏰ Scheduler stopped")
}

// Pause suspends lifecycle progression and the cron. A paused scheduler
// still accepts votes and joins through the machine; it just stops moving
// runs forward.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	log.Warn().Msg("⏸️ Scheduler paused")
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	log.Info().Msg("▶️ Scheduler resumed")
}

func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// ForceSettle pushes the live run straight into SETTLING.
func (s *Scheduler) ForceSettle(ctx context.Context, reason string) error {
	run, err := s.db.NonTerminalRun()
	if err != nil {
		return err
	}
	if run == nil {
		return database.ErrRunNotFound
	}
	return s.machine.Cancel(ctx, run.ID, reason)
}

// Recover inspects the live run on startup and reports anything left behind
// by a crash. No repair is done here: every step of the tick loop is already
// re-entrant, so recovery is just the next tick.
func (s *Scheduler) Recover(ctx context.Context) {
	run, err := s.db.NonTerminalRun()
	if err != nil || run == nil {
		return
	}
	log.Info().Str("run", run.ID).Str("status", run.Status).Int("round", run.CurrentRound).
		Msg("🔄 Resuming run from persisted state")

	pending, err := s.db.PendingIntents(run.ID)
	if err != nil {
		log.Error().Err(err).Msg("failed to scan intent journal")
		return
	}
	for _, name := range pending {
		log.Warn().Str("run", run.ID).Str("intent", name).
			Msg("⚠️ Intent begun but never completed, may have landed on-chain")
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				log.Error().Err(err).Msg("scheduler tick failed")
			}
		}
	}
}

// Tick performs one pass of the lifecycle loop. Exported so tests can drive
// the scheduler with a fake clock instead of waiting on the ticker.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.Paused() {
		return nil
	}

	run, err := s.db.NonTerminalRun()
	if err != nil {
		return err
	}
	if run == nil {
		return s.maybeCron(ctx)
	}

	switch run.Status {
	case database.RunWaiting:
		return s.tickWaiting(ctx, run)
	case database.RunActive:
		return s.controller.Tick(ctx, run)
	case database.RunSettling:
		return s.settle(ctx, run)
	case database.RunCooldown:
		return s.tickCooldown(run)
	}
	return nil
}

// tickWaiting self-heals unsynced runs and closes the lobby at its deadline:
// with participants the run starts, without any it is cancelled.
func (s *Scheduler) tickWaiting(ctx context.Context, run *database.Run) error {
	if !run.Synced {
		if err := s.machine.syncOnChain(ctx, run); err != nil {
			log.Warn().Err(err).Str("run", run.ID).Msg("⚠️ On-chain sync retry failed")
		} else {
			log.Info().Str("run", run.ID).Msg("✅ Run synced on-chain")
		}
	}

	now := s.clk.Now()
	if now.Before(run.LobbyDeadline) {
		return nil
	}

	count, err := s.db.CountParticipants(run.ID)
	if err != nil {
		return err
	}

	if count == 0 {
		endedAt := now
		updated, err := s.db.TransitionRun(run.ID, database.RunWaiting, database.RunCancelled, func(r *database.Run) {
			r.EndedAt = &endedAt
			r.CancelReason = "empty lobby"
		}, database.LogRunEnd, "lobby expired with no participants", nil)
		if err != nil {
			return err
		}
		log.Warn().Str("run", run.ID).Msg("🛑 Lobby expired empty, run cancelled")
		s.machine.publishRunUpdate(updated)
		return nil
	}

	startedAt := now
	updated, err := s.db.TransitionRun(run.ID, database.RunWaiting, database.RunActive, func(r *database.Run) {
		r.StartingPool = r.TotalPool
		r.StartedAt = &startedAt
	}, database.LogRunStart, "lobby closed, run active",
		map[string]any{"participants": count, "pool": run.TotalPool})
	if err != nil {
		return err
	}

	if s.chain != nil && s.chain.Enabled() {
		const intent = "chain.start_run"
		if err := s.db.BeginIntent(run.ID, intent, nil); err != nil {
			return err
		}
		if err := s.chain.StartRun(ctx, run.NumericID); err != nil {
			log.Warn().Err(err).Str("run", run.ID).Msg("⚠️ start_run failed (non-fatal)")
		} else if err := s.db.CompleteIntent(run.ID, intent); err != nil {
			return err
		}
	}

	log.Info().
		Str("run", run.ID).
		Int("participants", count).
		Int64("pool", updated.StartingPool).
		Int("rounds", updated.TotalRounds).
		Msg("🚀 Run started")
	s.machine.publishRunUpdate(updated)
	return nil
}

// settle closes any open position, computes the distribution, records it
// on-chain and moves the run to COOLDOWN (or CANCELLED when the settle was
// admin-initiated). Every step is idempotent so a failed chain call is simply
// retried on the next tick.
func (s *Scheduler) settle(ctx context.Context, run *database.Run) error {
	if err := s.flattenPosition(ctx, run); err != nil {
		return err
	}

	if run.FinalBalance == nil {
		if err := s.computeShares(run); err != nil {
			return err
		}
	}

	if s.chain != nil && s.chain.Enabled() {
		if err := s.settleOnChain(ctx, run); err != nil {
			log.Warn().Err(err).Str("run", run.ID).Msg("⚠️ settle_run failed, retrying next tick")
			return nil
		}
	}

	now := s.clk.Now()
	to := database.RunCooldown
	logMsg := "run settled, cooling down"
	if run.CancelReason != "" {
		to = database.RunCancelled
		logMsg = "run settled after cancel"
	}
	cooldownUntil := now.Add(s.cfg.Cooldown)
	updated, err := s.db.TransitionRun(run.ID, database.RunSettling, to, func(r *database.Run) {
		r.EndedAt = &now
		if to == database.RunCooldown {
			r.CooldownUntil = &cooldownUntil
		}
	}, database.LogRunEnd, logMsg, map[string]any{
		"final_balance": derefInt64(run.FinalBalance),
		"platform_fee":  run.PlatformFee,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("run", run.ID).
		Int64("final_balance", derefInt64(updated.FinalBalance)).
		Int64("fee", updated.PlatformFee).
		Str("status", updated.Status).
		Msg("🏁 Run settled")
	s.machine.publishRunUpdate(updated)
	return nil
}

// flattenPosition closes an in-flight position left by an interrupted round
// and folds its pnl into the dangling round's trade record.
func (s *Scheduler) flattenPosition(ctx context.Context, run *database.Run) error {
	positions, err := s.venue.GetOpenPositions(ctx)
	if err != nil {
		return err
	}
	market := run.MarketSymbol()
	var open *dex.Position
	for i := range positions {
		if positions[i].Market == market {
			open = &positions[i]
			break
		}
	}
	if open == nil {
		return nil
	}

	log.Warn().Str("run", run.ID).Str("market", market).Msg("⚠️ Closing in-flight position during settle")
	closed, err := s.venue.ClosePosition(ctx, market)
	if err != nil {
		return err
	}

	round := run.CurrentRound + 1
	vr, err := s.db.GetVotingRound(run.ID, round)
	if err != nil {
		return err
	}
	now := s.clk.Now()
	if vr != nil && vr.Status != database.RoundSettled {
		exit := closed.ExitPrice
		trade := &database.Trade{
			RunID:         run.ID,
			Round:         round,
			Direction:     Decide(vr.VotesLong, vr.VotesShort, vr.VotesSkip),
			EntryPrice:    open.EntryPrice,
			ExitPrice:     &exit,
			Pnl:           closed.RealizedPnl,
			TransactionID: closed.TransactionID,
			ExecutedAt:    now,
			SettledAt:     &now,
		}
		if err := s.db.FinalizeRound(run.ID, round, trade, now); err != nil {
			return err
		}
		run.CurrentRound = round
		return nil
	}

	// No round to attach the close to; keep the pnl visible in the logs.
	return s.db.AppendLog(&run.ID, database.LogSystem,
		"orphan position closed during settle",
		map[string]any{"pnl": closed.RealizedPnl, "tx": closed.TransactionID})
}

// computeShares derives the final balance and each participant's pro-rata
// share. The fee applies to profit only; rounding dust goes to the earliest
// joiner so the shares sum exactly to the distributable balance.
func (s *Scheduler) computeShares(run *database.Run) error {
	pnl, err := s.db.SumPnl(run.ID)
	if err != nil {
		return err
	}
	finalBalance := run.StartingPool + pnl
	if finalBalance < 0 {
		finalBalance = 0
	}

	var fee int64
	if profit := finalBalance - run.StartingPool; profit > 0 {
		fee = profit * s.cfg.PlatformFeeBps / 10_000
	}
	distributable := finalBalance - fee

	participants, err := s.db.Participants(run.ID)
	if err != nil {
		return err
	}

	shares := make(map[string]int64, len(participants))
	var assigned int64
	for _, p := range participants {
		var share int64
		if run.StartingPool > 0 {
			share = distributable * p.Deposit / run.StartingPool
		}
		shares[p.UserID] = share
		assigned += share
	}
	if len(participants) > 0 {
		shares[participants[0].UserID] += distributable - assigned
	}

	if err := s.db.SetFinalShares(run.ID, shares, fee, finalBalance); err != nil {
		return err
	}
	run.FinalBalance = &finalBalance
	run.PlatformFee = fee

	log.Info().
		Str("run", run.ID).
		Int64("pnl", pnl).
		Int64("final_balance", finalBalance).
		Int64("fee", fee).
		Int("participants", len(participants)).
		Msg("💰 Distribution computed")
	return nil
}

func (s *Scheduler) settleOnChain(ctx context.Context, run *database.Run) error {
	const intent = "chain.settle_run"
	if err := s.db.BeginIntent(run.ID, intent, nil); err != nil {
		return err
	}

	participants, err := s.db.Participants(run.ID)
	if err != nil {
		return err
	}
	shares := make([]chain.Share, 0, len(participants))
	for _, p := range participants {
		if p.FinalShare == nil {
			continue
		}
		shares = append(shares, chain.Share{Wallet: p.Wallet, Amount: *p.FinalShare})
	}

	if err := s.chain.SettleRun(ctx, run.NumericID, derefInt64(run.FinalBalance), shares); err != nil {
		return err
	}
	return s.db.CompleteIntent(run.ID, intent)
}

func (s *Scheduler) tickCooldown(run *database.Run) error {
	if run.CooldownUntil == nil || s.clk.Now().Before(*run.CooldownUntil) {
		return nil
	}
	updated, err := s.db.TransitionRun(run.ID, database.RunCooldown, database.RunEnded, nil,
		database.LogSystem, "cooldown complete, shares withdrawable", nil)
	if err != nil {
		return err
	}
	log.Info().Str("run", run.ID).Msg("🔓 Run ended, withdrawals open")
	s.machine.publishRunUpdate(updated)
	return nil
}

// maybeCron creates the next run once the gap since the last one is large
// enough. Runs only when nothing is live; CreateRun's single-run check is the
// backstop against races with manual creation.
func (s *Scheduler) maybeCron(ctx context.Context) error {
	if s.cfg.CronEvery <= 0 {
		return nil
	}
	lastEnd, err := s.db.LatestRunEnd()
	if err != nil {
		return err
	}
	if lastEnd != nil && s.clk.Now().Sub(*lastEnd) < s.cfg.CronEvery {
		return nil
	}

	run, err := s.machine.CreateRun(ctx, s.cfg.Defaults)
	if err != nil {
		if errors.Is(err, database.ErrSingleRunViolation) {
			return nil
		}
		return err
	}
	log.Info().Str("run", run.ID).Msg("🤖 Cron created next run")
	return nil
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
