// Package dex abstracts the perpetual-futures venue behind a single contract
// with a real and a mock implementation. Selection happens at wiring time;
// call sites never branch on the mode.
package dex

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Modes
const (
	ModeReal = "real"
	ModeMock = "mock"
)

// Directions
const (
	DirectionLong  = "LONG"
	DirectionShort = "SHORT"
)

// ErrNoSubaccount is returned by the real adapter when the trading subaccount
// is missing; the orchestrator then boots in mock mode.
var ErrNoSubaccount = errors.New("trading subaccount not initialized")

// ErrTransient marks retryable venue failures (timeouts, 5xx, disconnects).
var ErrTransient = errors.New("transient dex error")

// AccountInfo is the shared trading account snapshot.
type AccountInfo struct {
	Equity         int64 // smallest collateral unit
	FreeCollateral int64
}

// Position is an open perp position.
type Position struct {
	Market     string
	Direction  string
	BaseAmount decimal.Decimal
	EntryPrice decimal.Decimal
}

// OpenResult is returned by OpenPosition.
type OpenResult struct {
	TransactionID string
	EntryPrice    decimal.Decimal
}

// CloseResult is returned by ClosePosition.
type CloseResult struct {
	TransactionID string
	ExitPrice     decimal.Decimal
	RealizedPnl   int64 // smallest collateral unit
}

// Adapter is the venue contract. Both implementations satisfy it identically.
type Adapter interface {
	Mode() string
	OpenPosition(ctx context.Context, market, direction string, baseAmount, leverage decimal.Decimal) (*OpenResult, error)
	ClosePosition(ctx context.Context, market string) (*CloseResult, error)
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)
	GetOpenPositions(ctx context.Context) ([]Position, error)
	GetOraclePrice(market string) (decimal.Decimal, error)
}
