package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/swarmpool/internal/bus"
	"github.com/web3guy0/swarmpool/internal/clock"
	"github.com/web3guy0/swarmpool/internal/database"
	"github.com/web3guy0/swarmpool/internal/dex"
	"github.com/web3guy0/swarmpool/internal/executor"
	"github.com/web3guy0/swarmpool/internal/oracle"
)

// PriceSource is the slice of the oracle the controller needs.
type PriceSource interface {
	Latest(symbol string) (oracle.Sample, error)
}

// ControllerConfig tunes retries and staleness.
type ControllerConfig struct {
	Retries     int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	OracleStale time.Duration
}

// RoundController drives the round loop of an ACTIVE run. It is re-entrant
// by design: every Tick derives the next step purely from persisted round
// state, so a crash at any point resumes cleanly, including rounds found in
// EXECUTING.
type RoundController struct {
	db     *database.Database
	ex     *executor.Executor
	bus    *bus.Bus
	clk    clock.Clock
	prices PriceSource
	cfg    ControllerConfig
}

func NewRoundController(db *database.Database, ex *executor.Executor, b *bus.Bus, clk clock.Clock, prices PriceSource, cfg ControllerConfig) *RoundController {
	return &RoundController{db: db, ex: ex, bus: b, clk: clk, prices: prices, cfg: cfg}
}

// Tick advances the run's round loop by at most one edge.
func (c *RoundController) Tick(ctx context.Context, run *database.Run) error {
	now := c.clk.Now()

	// Duration guard: a run that overran its window settles regardless of
	// remaining rounds.
	if run.StartedAt != nil && now.Sub(*run.StartedAt) > time.Duration(run.DurationMinutes)*time.Minute {
		if run.CurrentRound < run.TotalRounds {
			open, _ := c.db.GetVotingRound(run.ID, run.CurrentRound+1)
			if open == nil || open.Status == database.RoundSettled {
				return c.settleEarly(run, "run duration exceeded")
			}
		}
	}

	if run.CurrentRound >= run.TotalRounds {
		return c.markSettling(run, "all rounds executed")
	}

	round := run.CurrentRound + 1
	vr, err := c.db.GetVotingRound(run.ID, round)
	if err != nil {
		return err
	}

	switch {
	case vr == nil:
		return c.openRound(run, round)

	case vr.Status == database.RoundOpen:
		if now.Before(vr.Deadline) {
			return nil // votes still coming in
		}
		long, short, skip, err := c.db.CloseVotingRound(run.ID, round, now)
		if err != nil {
			return err
		}
		c.bus.Publish(bus.Event{
			Type:  bus.EventVoteUpdate,
			RunID: run.ID,
			Payload: bus.VoteUpdate{
				RunID: run.ID, Round: round,
				Long: long, Short: short, Skip: skip,
				TimeRemaining: 0,
			},
		})
		vr, err = c.db.GetVotingRound(run.ID, round)
		if err != nil {
			return err
		}
		fallthrough

	case vr.Status == database.RoundClosed:
		decision := Decide(vr.VotesLong, vr.VotesShort, vr.VotesSkip)
		if err := c.db.AppendLog(&run.ID, database.LogConsensusReached,
			fmt.Sprintf("round %d decision: %s", round, decision),
			map[string]any{"round": round, "decision": decision}); err != nil {
			return err
		}
		vr.Status = database.RoundExecuting
		if err := c.db.UpdateVotingRound(vr); err != nil {
			return err
		}
		return c.executeRound(ctx, run, vr)

	case vr.Status == database.RoundExecuting:
		// Crash recovery: re-attempt; the executor resumes an already-open
		// position instead of opening a duplicate.
		log.Warn().Str("run", run.ID).Int("round", round).Msg("⚠️ Recovering round left in EXECUTING")
		return c.executeRound(ctx, run, vr)
	}

	return nil
}

// openRound opens voting for a round at the latest oracle price. A stale
// oracle degrades the whole run: remaining rounds are skipped and the run
// moves to SETTLING.
func (c *RoundController) openRound(run *database.Run, round int) error {
	now := c.clk.Now()

	sample, err := c.prices.Latest(run.BaseCoin)
	if err != nil || now.Sub(sample.At) > c.cfg.OracleStale {
		age := time.Duration(0)
		if err == nil {
			age = now.Sub(sample.At)
		}
		log.Error().Err(err).Dur("age", age).Str("run", run.ID).Int("round", round).
			Msg("❌ Oracle stale at round open, degrading run")
		if logErr := c.db.AppendLog(&run.ID, database.LogSystem,
			"oracle stale at round open, skipping remaining rounds",
			map[string]any{"round": round, "age_seconds": age.Seconds()}); logErr != nil {
			return logErr
		}
		return c.markSettling(run, "oracle stale")
	}

	vr := &database.VotingRound{
		RunID:        run.ID,
		Round:        round,
		Status:       database.RoundOpen,
		CurrentPrice: sample.Price,
		Deadline:     now.Add(time.Duration(run.VotingIntervalMinutes) * time.Minute),
		StartedAt:    now,
	}
	if err := c.db.CreateVotingRound(vr); err != nil {
		return err
	}
	if err := c.db.AppendLog(&run.ID, database.LogRoundStart,
		fmt.Sprintf("round %d voting open", round),
		map[string]any{"round": round, "price": sample.Price.String(), "source": sample.Source}); err != nil {
		return err
	}

	c.bus.Publish(bus.Event{
		Type:  bus.EventVoteUpdate,
		RunID: run.ID,
		Payload: bus.VoteUpdate{
			RunID: run.ID, Round: round,
			TimeRemaining: run.VotingIntervalMinutes * 60,
		},
	})

	log.Info().
		Str("run", run.ID).
		Int("round", round).
		Str("price", sample.Price.StringFixed(2)).
		Str("source", sample.Source).
		Msg("🗳️ Round open")
	return nil
}

// executeRound runs the executor with the retry policy, degrades to SKIP on
// exhaustion and finalizes the round.
func (c *RoundController) executeRound(ctx context.Context, run *database.Run, vr *database.VotingRound) error {
	decision := Decide(vr.VotesLong, vr.VotesShort, vr.VotesSkip)

	var trade *database.Trade
	var err error
	backoff := c.cfg.BackoffBase

	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		trade, err = c.ex.ExecuteRound(ctx, run, vr.Round, decision, vr.CurrentPrice)
		if err == nil {
			break
		}
		if !isTransient(err) {
			log.Error().Err(err).Str("run", run.ID).Int("round", vr.Round).
				Msg("❌ Permanent executor failure")
			break
		}
		if attempt == c.cfg.Retries {
			break
		}
		log.Warn().Err(err).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Str("run", run.ID).
			Int("round", vr.Round).
			Msg("⚠️ Executor failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clk.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.BackoffCap {
			backoff = c.cfg.BackoffCap
		}
	}

	if err != nil {
		// Degrade rather than wedge the run. A failed attempt may have left
		// the open leg on the book (open landed, close kept failing), so
		// flatten the market first and book the realized pnl on this round
		// instead of letting the next round adopt the position.
		pos, closed, flatErr := c.ex.FlattenMarket(ctx, run)
		if closed != nil {
			if logErr := c.db.AppendLog(&run.ID, database.LogSystem,
				fmt.Sprintf("round %d degraded, dangling position flattened: %v", vr.Round, err),
				map[string]any{"round": vr.Round, "reason": err.Error(), "pnl": closed.RealizedPnl}); logErr != nil {
				return logErr
			}
			exit := closed.ExitPrice
			trade = &database.Trade{
				RunID:         run.ID,
				Round:         vr.Round,
				Direction:     decision,
				EntryPrice:    pos.EntryPrice,
				ExitPrice:     &exit,
				Pnl:           closed.RealizedPnl,
				TransactionID: closed.TransactionID,
				ExecutedAt:    c.clk.Now(),
			}
		} else {
			if flatErr != nil {
				log.Error().Err(flatErr).Str("run", run.ID).Int("round", vr.Round).
					Msg("❌ Failed to flatten dangling position")
			}
			if logErr := c.db.AppendLog(&run.ID, database.LogSystem,
				fmt.Sprintf("round %d degraded to SKIP: %v", vr.Round, err),
				map[string]any{"round": vr.Round, "reason": err.Error()}); logErr != nil {
				return logErr
			}
			ref := vr.CurrentPrice
			trade = &database.Trade{
				RunID:      run.ID,
				Round:      vr.Round,
				Direction:  database.ChoiceSkip,
				EntryPrice: vr.CurrentPrice,
				ExitPrice:  &ref,
				ExecutedAt: c.clk.Now(),
			}
		}
	}

	now := c.clk.Now()
	trade.SettledAt = &now
	if err := c.db.FinalizeRound(run.ID, vr.Round, trade, now); err != nil {
		return err
	}
	run.CurrentRound = vr.Round

	exit := decimal.Zero
	if trade.ExitPrice != nil {
		exit = *trade.ExitPrice
	}
	c.bus.Publish(bus.Event{
		Type:  bus.EventTradeUpdate,
		RunID: run.ID,
		Payload: bus.TradeUpdate{
			RunID:         run.ID,
			Round:         trade.Round,
			Direction:     trade.Direction,
			Leverage:      trade.Leverage,
			PositionSize:  trade.PositionSize,
			EntryPrice:    trade.EntryPrice,
			ExitPrice:     exit,
			Pnl:           trade.Pnl,
			PnlPercentage: trade.PnlPercentage,
		},
	})

	log.Info().
		Str("run", run.ID).
		Int("round", trade.Round).
		Str("direction", trade.Direction).
		Int64("pnl", trade.Pnl).
		Msg("💹 Round settled")

	if run.CurrentRound >= run.TotalRounds {
		return c.markSettling(run, "all rounds executed")
	}
	return nil
}

func (c *RoundController) markSettling(run *database.Run, reason string) error {
	updated, err := c.db.TransitionRun(run.ID, database.RunActive, database.RunSettling, nil,
		database.LogSystem, "run settling: "+reason, map[string]any{"reason": reason})
	if err != nil {
		return err
	}
	*run = *updated
	c.bus.Publish(bus.Event{
		Type:  bus.EventRunUpdate,
		RunID: run.ID,
		Payload: bus.RunUpdate{
			RunID:        run.ID,
			Status:       run.Status,
			CurrentRound: run.CurrentRound,
			TotalPool:    run.TotalPool,
		},
	})
	return nil
}

func (c *RoundController) settleEarly(run *database.Run, reason string) error {
	log.Warn().Str("run", run.ID).Str("reason", reason).Msg("⏱️ Settling run early")
	return c.markSettling(run, reason)
}

// Decide computes the round decision: the unique majority choice, SKIP on
// any tie (including zero votes).
func Decide(long, short, skip int) string {
	max := long
	choice := database.ChoiceLong
	unique := true

	if short > max {
		max, choice, unique = short, database.ChoiceShort, true
	} else if short == max {
		unique = false
	}
	if skip > max {
		max, choice, unique = skip, database.ChoiceSkip, true
	} else if skip == max {
		unique = false
	}

	if max == 0 || !unique {
		return database.ChoiceSkip
	}
	return choice
}

func isTransient(err error) bool {
	return errors.Is(err, dex.ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}
