package executor

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/swarmpool/internal/clock"
	"github.com/web3guy0/swarmpool/internal/database"
	"github.com/web3guy0/swarmpool/internal/dex"
)

func testExecutor(t *testing.T, venue dex.Adapter) *Executor {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(nil, venue, nil, clk, Config{HoldSeconds: 0, SeededReplay: true}, nil)
}

func activeRun() *database.Run {
	return &database.Run{
		ID:        "run-1",
		NumericID: 1,
		Status:    database.RunActive,
		Pair:      "BTC/USDC",
		BaseCoin:  "BTC",
	}
}

func TestExecuteRound_Skip(t *testing.T) {
	e := testExecutor(t, dex.NewMockClient(0, rand.New(rand.NewSource(1))))
	ref := decimal.NewFromInt(50_000)

	trade, err := e.ExecuteRound(context.Background(), activeRun(), 1, database.ChoiceSkip, ref)
	require.NoError(t, err)

	assert.Equal(t, database.ChoiceSkip, trade.Direction)
	assert.Equal(t, 0, trade.Leverage)
	assert.Equal(t, int64(0), trade.Pnl)
	assert.True(t, trade.EntryPrice.Equal(ref))
	require.NotNil(t, trade.ExitPrice)
	assert.True(t, trade.ExitPrice.Equal(ref))
}

func TestExecuteRound_LongCycle(t *testing.T) {
	mock := dex.NewMockClient(100_000_000, rand.New(rand.NewSource(2)))
	mock.SetOraclePrice("BTC-PERP", decimal.NewFromInt(50_000))
	e := testExecutor(t, mock)

	trade, err := e.ExecuteRound(context.Background(), activeRun(), 1, database.ChoiceLong, decimal.NewFromInt(50_000))
	require.NoError(t, err)

	assert.Equal(t, database.ChoiceLong, trade.Direction)
	assert.GreaterOrEqual(t, trade.Leverage, 10)
	assert.LessOrEqual(t, trade.Leverage, 200)
	assert.GreaterOrEqual(t, trade.PositionSize, 10)
	assert.LessOrEqual(t, trade.PositionSize, 100)
	require.NotNil(t, trade.ExitPrice)
	assert.NotEmpty(t, trade.TransactionID)

	// Position is flat afterwards
	positions, err := mock.GetOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)

	// Seeded replay draws the exact same parameters
	params := DrawChaos(SeededRNG(1, 1))
	assert.Equal(t, params.LeverageTenths(), trade.Leverage)
	assert.Equal(t, params.SizePercent(), trade.PositionSize)
}

func TestExecuteRound_NoCollateral(t *testing.T) {
	mock := dex.NewMockClient(0, rand.New(rand.NewSource(2)))
	mock.SetOraclePrice("BTC-PERP", decimal.NewFromInt(50_000))
	e := testExecutor(t, mock)

	_, err := e.ExecuteRound(context.Background(), activeRun(), 1, database.ChoiceLong, decimal.NewFromInt(50_000))
	assert.Error(t, err)
}

func TestExecuteRound_ResumesOpenPosition(t *testing.T) {
	ctx := context.Background()
	mock := dex.NewMockClient(100_000_000, rand.New(rand.NewSource(4)))
	mock.SetOraclePrice("BTC-PERP", decimal.NewFromInt(50_000))

	// Simulate a crash between open and close
	_, err := mock.OpenPosition(ctx, "BTC-PERP", dex.DirectionLong,
		decimal.RequireFromString("0.001"), decimal.NewFromInt(5))
	require.NoError(t, err)

	e := testExecutor(t, mock)
	trade, err := e.ExecuteRound(ctx, activeRun(), 2, database.ChoiceLong, decimal.NewFromInt(50_000))
	require.NoError(t, err)

	// No second open was issued; the existing position was closed out
	assert.Empty(t, trade.TransactionID)
	require.NotNil(t, trade.ExitPrice)
	positions, err := mock.GetOpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}
