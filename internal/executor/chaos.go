package executor

import (
	"math/rand"

	"github.com/shopspring/decimal"
)

// Chaos parameters are the published feature: each non-SKIP round trades with
// randomly drawn leverage and position size.

// ChaosParams holds one draw.
type ChaosParams struct {
	Leverage decimal.Decimal // [1.0, 20.0], step 0.1
	SizePct  decimal.Decimal // [10.0, 100.0], step 0.1
}

// DrawChaos samples leverage and position size from the injected RNG.
func DrawChaos(rng *rand.Rand) ChaosParams {
	// 191 leverage steps: 1.0, 1.1, ... 20.0
	lev := decimal.New(10+int64(rng.Intn(191)), -1)
	// 901 size steps: 10.0, 10.1, ... 100.0
	size := decimal.New(100+int64(rng.Intn(901)), -1)
	return ChaosParams{Leverage: lev, SizePct: size}
}

// SeededRNG returns the deterministic replay source for a round. The seed is
// the run's numeric id XOR the round number, so a replay of the same run
// draws identical parameters.
func SeededRNG(runNumericID uint64, round int) *rand.Rand {
	return rand.New(rand.NewSource(int64(runNumericID ^ uint64(round))))
}

// LeverageTenths encodes leverage for storage (26 means 2.6x).
func (p ChaosParams) LeverageTenths() int {
	return int(p.Leverage.Mul(decimal.NewFromInt(10)).IntPart())
}

// SizePercent encodes position size for storage, floored to whole percent.
func (p ChaosParams) SizePercent() int {
	return int(p.SizePct.IntPart())
}
