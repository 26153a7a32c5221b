package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Run statuses
const (
	RunWaiting   = "WAITING"
	RunActive    = "ACTIVE"
	RunSettling  = "SETTLING"
	RunCooldown  = "COOLDOWN"
	RunEnded     = "ENDED"
	RunCancelled = "CANCELLED"
)

// Voting round statuses
const (
	RoundOpen      = "OPEN"
	RoundClosed    = "CLOSED"
	RoundExecuting = "EXECUTING"
	RoundSettled   = "SETTLED"
)

// Vote / trade directions
const (
	ChoiceLong  = "LONG"
	ChoiceShort = "SHORT"
	ChoiceSkip  = "SKIP"
)

// System log types
const (
	LogConsensusReached = "CONSENSUS_REACHED"
	LogUserJoin         = "USER_JOIN"
	LogUserLeave        = "USER_LEAVE"
	LogSignalDetected   = "SIGNAL_DETECTED"
	LogTradeExecuted    = "TRADE_EXECUTED"
	LogRoundStart       = "ROUND_START"
	LogRoundEnd         = "ROUND_END"
	LogRunStart         = "RUN_START"
	LogRunEnd           = "RUN_END"
	LogSystem           = "SYSTEM"
)

// NonTerminalStatuses are the statuses covered by the single-run invariant.
var NonTerminalStatuses = []string{RunWaiting, RunActive, RunSettling, RunCooldown}

// Models
//
// Monetary columns (deposits, pools, pnl, shares, fees) are int64 in the
// smallest unit of the collateral token (6 decimals). Prices are stored as
// 8-decimal fixed point.

type User struct {
	ID            string `gorm:"primaryKey"`
	WalletAddress string `gorm:"index"`
	VotesCorrect  int
	TotalVotes    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Run struct {
	ID        string `gorm:"primaryKey"`  // opaque uuid
	NumericID uint64 `gorm:"uniqueIndex"` // on-chain seed, strictly monotonic
	Status    string `gorm:"index"`

	Pair     string // e.g. "BTC/USDC"
	BaseCoin string // e.g. "BTC"

	DurationMinutes       int
	VotingIntervalMinutes int
	TotalRounds           int
	CurrentRound          int

	MinDeposit      int64
	MaxDeposit      int64
	MaxParticipants int

	TotalPool    int64
	StartingPool int64

	// Deadlines persisted so restarts recompute countdowns from the database
	LobbyDeadline time.Time
	CooldownUntil *time.Time

	// Synced is false until create_run/create_run_vault landed on-chain
	Synced bool

	FinalBalance *int64
	PlatformFee  int64
	CancelReason string

	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	UpdatedAt time.Time
}

type Participant struct {
	ID           string `gorm:"primaryKey"`
	RunID        string `gorm:"index;uniqueIndex:idx_participant_run_user"`
	UserID       string `gorm:"uniqueIndex:idx_participant_run_user"`
	Wallet       string
	Deposit      int64
	Withdrawn    bool
	FinalShare   *int64
	VotesCorrect int
	TotalVotes   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type VotingRound struct {
	ID     uint   `gorm:"primaryKey;autoIncrement"`
	RunID  string `gorm:"index;uniqueIndex:idx_round_run_round"`
	Round  int    `gorm:"uniqueIndex:idx_round_run_round"`
	Status string `gorm:"index"`

	CurrentPrice decimal.Decimal `gorm:"type:decimal(20,8)"` // price at open
	Leverage     int             // tenths, set at execution
	PositionSize int             // percent, set at execution

	VotesLong  int
	VotesShort int
	VotesSkip  int

	Deadline   time.Time // vote close deadline
	StartedAt  time.Time
	ClosedAt   *time.Time
	ExecutedAt *time.Time
}

type Vote struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	RunID     string `gorm:"index;uniqueIndex:idx_vote_run_user_round"`
	UserID    string `gorm:"uniqueIndex:idx_vote_run_user_round"`
	Round     int    `gorm:"uniqueIndex:idx_vote_run_user_round"`
	Choice    string
	CreatedAt time.Time
}

type Trade struct {
	ID    uint   `gorm:"primaryKey;autoIncrement"`
	RunID string `gorm:"index;uniqueIndex:idx_trade_run_round"`
	Round int    `gorm:"uniqueIndex:idx_trade_run_round"`

	Direction    string
	Leverage     int // tenths: 26 means 2.6x
	PositionSize int // percent of collateral, [10,100]

	EntryPrice decimal.Decimal  `gorm:"type:decimal(20,8)"`
	ExitPrice  *decimal.Decimal `gorm:"type:decimal(20,8)"`

	Pnl           int64           // signed, smallest collateral unit
	PnlPercentage decimal.Decimal `gorm:"type:decimal(10,4)"`

	TransactionID string
	OnChain       bool // record_trade landed

	ExecutedAt time.Time
	SettledAt  *time.Time
}

type SystemLog struct {
	ID        uint    `gorm:"primaryKey;autoIncrement"`
	RunID     *string `gorm:"index:idx_logs_run_created,priority:1"`
	Type      string  `gorm:"index:idx_logs_type_created,priority:1"`
	Message   string
	Metadata  string    // JSON blob
	CreatedAt time.Time `gorm:"index:idx_logs_run_created,priority:2;index:idx_logs_type_created,priority:2"`
}

// Counter backs the monotonic numeric run id.
type Counter struct {
	Name  string `gorm:"primaryKey"`
	Value uint64
}

// RemainingLobbySeconds computes the WAITING countdown at `now`.
func (r *Run) RemainingLobbySeconds(now time.Time) int {
	if r.Status != RunWaiting {
		return 0
	}
	rem := int(r.LobbyDeadline.Sub(now).Seconds())
	if rem < 0 {
		return 0
	}
	return rem
}

// IsTerminal reports whether the run reached a final state.
func (r *Run) IsTerminal() bool {
	return r.Status == RunEnded || r.Status == RunCancelled
}

// MarketSymbol derives the perp market symbol from the trading pair,
// e.g. "BTC/USDC" -> "BTC-PERP".
func (r *Run) MarketSymbol() string {
	return r.BaseCoin + "-PERP"
}
