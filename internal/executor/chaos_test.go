package executor

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDrawChaos_Bounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	minLev := decimal.NewFromInt(1)
	maxLev := decimal.NewFromInt(20)
	minSize := decimal.NewFromInt(10)
	maxSize := decimal.NewFromInt(100)

	for i := 0; i < 10_000; i++ {
		p := DrawChaos(rng)
		require.True(t, p.Leverage.GreaterThanOrEqual(minLev), "leverage %s below 1.0", p.Leverage)
		require.True(t, p.Leverage.LessThanOrEqual(maxLev), "leverage %s above 20.0", p.Leverage)
		require.True(t, p.SizePct.GreaterThanOrEqual(minSize), "size %s below 10", p.SizePct)
		require.True(t, p.SizePct.LessThanOrEqual(maxSize), "size %s above 100", p.SizePct)
		// 0.1 granularity: ten times the value is whole
		require.True(t, p.Leverage.Mul(decimal.NewFromInt(10)).IsInteger())
		require.True(t, p.SizePct.Mul(decimal.NewFromInt(10)).IsInteger())
	}
}

func TestDrawChaos_CoversExtremes(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	sawMinLev, sawMaxLev := false, false
	for i := 0; i < 100_000; i++ {
		p := DrawChaos(rng)
		if p.Leverage.Equal(decimal.NewFromInt(1)) {
			sawMinLev = true
		}
		if p.Leverage.Equal(decimal.NewFromInt(20)) {
			sawMaxLev = true
		}
	}
	assert.True(t, sawMinLev, "1.0x never drawn")
	assert.True(t, sawMaxLev, "20.0x never drawn")
}

func TestSeededRNG_DeterministicPerRound(t *testing.T) {
	a := DrawChaos(SeededRNG(17, 3))
	b := DrawChaos(SeededRNG(17, 3))
	assert.True(t, a.Leverage.Equal(b.Leverage))
	assert.True(t, a.SizePct.Equal(b.SizePct))

	// A different round draws a different stream
	c := DrawChaos(SeededRNG(17, 4))
	assert.False(t, a.Leverage.Equal(c.Leverage) && a.SizePct.Equal(c.SizePct))
}

func TestChaosParams_StorageEncoding(t *testing.T) {
	p := ChaosParams{
		Leverage: decimal.RequireFromString("2.6"),
		SizePct:  decimal.RequireFromString("47.9"),
	}
	assert.Equal(t, 26, p.LeverageTenths())
	assert.Equal(t, 47, p.SizePercent())
}
