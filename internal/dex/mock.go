package dex

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// MockClient simulates the venue. Entry fills at the supplied reference
// price; exits move the price by a random amount up to ±10%. The trade shape
// is identical to the real adapter's, so nothing downstream can tell the
// modes apart.
type MockClient struct {
	mu        sync.Mutex
	rng       *rand.Rand
	account   AccountInfo
	positions map[string]Position
	prices    map[string]decimal.Decimal
	seq       int64
}

// NewMockClient creates a simulated venue with the given starting equity
// (smallest collateral unit). rng is injected so replays are deterministic.
func NewMockClient(startingEquity int64, rng *rand.Rand) *MockClient {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &MockClient{
		rng: rng,
		account: AccountInfo{
			Equity:         startingEquity,
			FreeCollateral: startingEquity,
		},
		positions: make(map[string]Position),
		prices:    make(map[string]decimal.Decimal),
	}
}

func (c *MockClient) Mode() string { return ModeMock }

// SetOraclePrice seeds the simulated oracle for a market.
func (c *MockClient) SetOraclePrice(market string, price decimal.Decimal) {
	c.mu.Lock()
	c.prices[market] = price
	c.mu.Unlock()
}

// Deposit adds collateral to the simulated account.
func (c *MockClient) Deposit(amount int64) {
	c.mu.Lock()
	c.account.Equity += amount
	c.account.FreeCollateral += amount
	c.mu.Unlock()
}

func (c *MockClient) OpenPosition(ctx context.Context, market, direction string, baseAmount, leverage decimal.Decimal) (*OpenResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.positions[market]; exists {
		return nil, fmt.Errorf("position already open on %s", market)
	}
	entry, ok := c.prices[market]
	if !ok || entry.IsZero() {
		return nil, fmt.Errorf("%w: no mock price for %s", ErrTransient, market)
	}

	c.positions[market] = Position{
		Market:     market,
		Direction:  direction,
		BaseAmount: baseAmount,
		EntryPrice: entry,
	}
	c.seq++

	log.Info().
		Str("market", market).
		Str("direction", direction).
		Str("amount", baseAmount.String()).
		Str("entry", entry.StringFixed(2)).
		Msg("📤 Position opened (MOCK)")

	return &OpenResult{
		TransactionID: fmt.Sprintf("mock-open-%d", c.seq),
		EntryPrice:    entry,
	}, nil
}

func (c *MockClient) ClosePosition(ctx context.Context, market string) (*CloseResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pos, exists := c.positions[market]
	if !exists {
		return nil, fmt.Errorf("no open position on %s", market)
	}
	delete(c.positions, market)

	// Simulated move in (-10%, +10%)
	move := decimal.NewFromFloat((c.rng.Float64() - 0.5) / 5.0)
	exit := pos.EntryPrice.Mul(decimal.NewFromInt(1).Add(move))

	diff := exit.Sub(pos.EntryPrice)
	if pos.Direction == DirectionShort {
		diff = diff.Neg()
	}
	pnl := diff.Mul(pos.BaseAmount).Shift(6).Round(0).IntPart()

	c.account.Equity += pnl
	c.account.FreeCollateral += pnl
	c.seq++

	log.Info().
		Str("market", market).
		Str("exit", exit.StringFixed(2)).
		Int64("pnl", pnl).
		Msg("📥 Position closed (MOCK)")

	return &CloseResult{
		TransactionID: fmt.Sprintf("mock-close-%d", c.seq),
		ExitPrice:     exit,
		RealizedPnl:   pnl,
	}, nil
}

func (c *MockClient) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := c.account
	return &info, nil
}

func (c *MockClient) GetOpenPositions(ctx context.Context) ([]Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	return out, nil
}

func (c *MockClient) GetOraclePrice(market string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	price, ok := c.prices[market]
	if !ok {
		return decimal.Zero, fmt.Errorf("no mock price for %s", market)
	}
	return price, nil
}
