// Package executor turns a round decision into an executed trade: it derives
// the chaos parameters, sizes the position against available collateral,
// drives the DEX open/close cycle and journals the on-chain trade record.
package executor

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/swarmpool/internal/chain"
	"github.com/web3guy0/swarmpool/internal/clock"
	"github.com/web3guy0/swarmpool/internal/database"
	"github.com/web3guy0/swarmpool/internal/dex"
)

// Config holds executor tuning.
type Config struct {
	HoldSeconds  int  // how long a position rides before the close order
	SeededReplay bool // deterministic chaos draws for replay
}

// Executor executes one round at a time per run; ordering is enforced by the
// round controller, which never runs two rounds of a run concurrently.
type Executor struct {
	db    *database.Database
	venue dex.Adapter
	chain *chain.Client
	clk   clock.Clock
	cfg   Config
	rng   *rand.Rand
}

func New(db *database.Database, venue dex.Adapter, ch *chain.Client, clk clock.Clock, cfg Config, rng *rand.Rand) *Executor {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Executor{db: db, venue: venue, chain: ch, clk: clk, cfg: cfg, rng: rng}
}

// ExecuteRound runs the open/hold/close cycle for a decision and returns the
// finished trade row (not yet persisted). Transient venue errors bubble up
// for the controller's retry policy.
//
// Re-entrant: if a position for the run's market is already open (a previous
// attempt crashed between open and close), the open step is skipped and the
// cycle resumes at close. No duplicate openPosition is ever issued.
func (e *Executor) ExecuteRound(ctx context.Context, run *database.Run, round int, decision string, refPrice decimal.Decimal) (*database.Trade, error) {
	now := e.clk.Now()

	if decision == database.ChoiceSkip {
		ref := refPrice
		return &database.Trade{
			RunID:        run.ID,
			Round:        round,
			Direction:    database.ChoiceSkip,
			Leverage:     0,
			PositionSize: 0,
			EntryPrice:   refPrice,
			ExitPrice:    &ref,
			Pnl:          0,
			ExecutedAt:   now,
		}, nil
	}

	market := run.MarketSymbol()

	existing, err := e.openPositionFor(ctx, market)
	if err != nil {
		return nil, err
	}

	var params ChaosParams
	var entry decimal.Decimal
	var txID string
	var notional int64

	if existing != nil {
		log.Warn().
			Str("run", run.ID).
			Int("round", round).
			Str("market", market).
			Msg("⚠️ Resuming round with position already open")
		entry = existing.EntryPrice
		params = e.chaosFor(run, round)
		notional = e.notionalFor(params, entry, existing.BaseAmount)
	} else {
		account, err := e.venue.GetAccountInfo(ctx)
		if err != nil {
			return nil, err
		}
		if account.FreeCollateral <= 0 {
			return nil, fmt.Errorf("insufficient collateral: %d", account.FreeCollateral)
		}

		params = e.chaosFor(run, round)
		collateral := decimal.New(account.FreeCollateral, -6)
		margin := collateral.Mul(params.SizePct).Div(decimal.NewFromInt(100))
		baseAmount := margin.Mul(params.Leverage).Div(refPrice).Round(8)
		notional = margin.Shift(6).Round(0).IntPart()

		open, err := e.venue.OpenPosition(ctx, market, decision, baseAmount, params.Leverage)
		if err != nil {
			return nil, err
		}
		entry = open.EntryPrice
		txID = open.TransactionID

		log.Info().
			Str("run", run.ID).
			Int("round", round).
			Str("direction", decision).
			Str("leverage", params.Leverage.StringFixed(1)).
			Str("size_pct", params.SizePct.StringFixed(1)).
			Str("entry", entry.StringFixed(2)).
			Msg("🎲 Chaos position opened")
	}

	// Let the position ride before flattening
	if e.cfg.HoldSeconds > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.clk.After(time.Duration(e.cfg.HoldSeconds) * time.Second):
		}
	}

	closed, err := e.venue.ClosePosition(ctx, market)
	if err != nil {
		return nil, err
	}

	exit := closed.ExitPrice
	pnlPct := decimal.Zero
	if notional > 0 {
		pnlPct = decimal.New(closed.RealizedPnl, -6).
			Div(decimal.New(notional, -6)).
			Mul(decimal.NewFromInt(100)).Round(4)
	}

	trade := &database.Trade{
		RunID:         run.ID,
		Round:         round,
		Direction:     decision,
		Leverage:      params.LeverageTenths(),
		PositionSize:  params.SizePercent(),
		EntryPrice:    entry,
		ExitPrice:     &exit,
		Pnl:           closed.RealizedPnl,
		PnlPercentage: pnlPct,
		TransactionID: txID,
		ExecutedAt:    now,
	}

	e.recordOnChain(ctx, run, trade)
	return trade, nil
}

// chaosFor draws parameters, seeded when replay determinism is on.
func (e *Executor) chaosFor(run *database.Run, round int) ChaosParams {
	if e.cfg.SeededReplay {
		return DrawChaos(SeededRNG(run.NumericID, round))
	}
	return DrawChaos(e.rng)
}

func (e *Executor) notionalFor(params ChaosParams, entry, baseAmount decimal.Decimal) int64 {
	if params.Leverage.IsZero() {
		return 0
	}
	return baseAmount.Mul(entry).Div(params.Leverage).Shift(6).Round(0).IntPart()
}

// FlattenMarket force-closes any open position on the run's market and
// returns the position plus its close result, or nils when the book is
// already flat. Used when a round gives up after the open landed, so the
// realized pnl stays attached to the round that opened the position.
func (e *Executor) FlattenMarket(ctx context.Context, run *database.Run) (*dex.Position, *dex.CloseResult, error) {
	market := run.MarketSymbol()
	pos, err := e.openPositionFor(ctx, market)
	if err != nil || pos == nil {
		return nil, nil, err
	}
	closed, err := e.venue.ClosePosition(ctx, market)
	if err != nil {
		return pos, nil, err
	}
	log.Warn().
		Str("run", run.ID).
		Str("market", market).
		Int64("pnl", closed.RealizedPnl).
		Msg("⚠️ Dangling position flattened")
	return pos, closed, nil
}

// openPositionFor returns the open position on a market, if any.
func (e *Executor) openPositionFor(ctx context.Context, market string) (*dex.Position, error) {
	positions, err := e.venue.GetOpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Market == market {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// recordOnChain journals intent and fires record_trade. Failure is logged,
// never fatal: the store row is the source of truth.
func (e *Executor) recordOnChain(ctx context.Context, run *database.Run, trade *database.Trade) {
	if e.chain == nil || !e.chain.Enabled() {
		return
	}
	intent := fmt.Sprintf("chain.record_trade.%d", trade.Round)
	if err := e.db.BeginIntent(run.ID, intent, map[string]any{"round": trade.Round}); err != nil {
		log.Error().Err(err).Msg("failed to journal record_trade intent")
		return
	}

	exit := uint64(0)
	if trade.ExitPrice != nil {
		exit = uint64(trade.ExitPrice.Shift(8).IntPart())
	}
	err := e.chain.RecordTrade(ctx,
		run.NumericID,
		trade.Round,
		directionCode(trade.Direction),
		trade.Leverage,
		trade.PositionSize,
		uint64(trade.EntryPrice.Shift(8).IntPart()),
		exit,
		trade.Pnl,
	)
	if err != nil {
		log.Warn().Err(err).Uint64("run", run.NumericID).Int("round", trade.Round).
			Msg("⚠️ record_trade failed (non-fatal)")
		return
	}
	trade.OnChain = true
	if err := e.db.CompleteIntent(run.ID, intent); err != nil {
		log.Error().Err(err).Msg("failed to journal record_trade completion")
	}
}

func directionCode(direction string) uint8 {
	switch direction {
	case database.ChoiceLong:
		return 0
	case database.ChoiceShort:
		return 1
	default:
		return 2
	}
}
