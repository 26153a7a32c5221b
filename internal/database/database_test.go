package database

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestRun(t *testing.T, db *Database) *Run {
	t.Helper()
	run := &Run{
		Pair:                  "BTC/USDC",
		BaseCoin:              "BTC",
		DurationMinutes:       60,
		VotingIntervalMinutes: 10,
		TotalRounds:           6,
		MinDeposit:            10_000_000,
		MaxDeposit:            100_000_000,
		MaxParticipants:       50,
		LobbyDeadline:         time.Now().Add(10 * time.Minute),
	}
	require.NoError(t, db.CreateRun(run))
	return run
}

func TestCreateRun_SingleRunViolation(t *testing.T) {
	db := newTestDB(t)
	newTestRun(t, db)

	err := db.CreateRun(&Run{Pair: "ETH/USDC"})
	assert.ErrorIs(t, err, ErrSingleRunViolation)
}

func TestCreateRun_NumericIDMonotonic(t *testing.T) {
	db := newTestDB(t)
	first := newTestRun(t, db)
	assert.Equal(t, uint64(1), first.NumericID)
	assert.Equal(t, RunWaiting, first.Status)

	_, err := db.TransitionRun(first.ID, RunWaiting, RunCancelled, nil, LogRunEnd, "test", nil)
	require.NoError(t, err)

	second := newTestRun(t, db)
	assert.Equal(t, uint64(2), second.NumericID)
}

func TestCreateRun_RejectedCreateBurnsSequence(t *testing.T) {
	db := newTestDB(t)
	first := newTestRun(t, db)
	require.Equal(t, uint64(1), first.NumericID)

	// The counter row is bumped before the liveness check, so concurrent
	// creators serialize on its lock; a loser burns the sequence number.
	err := db.CreateRun(&Run{Pair: "ETH/USDC"})
	require.ErrorIs(t, err, ErrSingleRunViolation)

	_, err = db.TransitionRun(first.ID, RunWaiting, RunCancelled, nil, LogRunEnd, "test", nil)
	require.NoError(t, err)

	second := newTestRun(t, db)
	assert.Equal(t, uint64(3), second.NumericID)
}

func TestNonTerminalRun(t *testing.T) {
	db := newTestDB(t)

	run, err := db.NonTerminalRun()
	require.NoError(t, err)
	assert.Nil(t, run)

	created := newTestRun(t, db)
	run, err = db.NonTerminalRun()
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, created.ID, run.ID)
}

func TestTransitionRun_RejectsWrongSource(t *testing.T) {
	db := newTestDB(t)
	run := newTestRun(t, db)

	_, err := db.TransitionRun(run.ID, RunActive, RunSettling, nil, "", "", nil)
	assert.ErrorIs(t, err, ErrInvariantViolation)

	got, err := db.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunWaiting, got.Status)
}

func TestAddParticipant_Guards(t *testing.T) {
	db := newTestDB(t)
	run := newTestRun(t, db)
	now := time.Now()

	_, err := db.AddParticipant(run.ID, "u1", "", 5_000_000, now)
	assert.ErrorIs(t, err, ErrDepositOutOfRange)

	_, err = db.AddParticipant(run.ID, "u1", "", 200_000_000, now)
	assert.ErrorIs(t, err, ErrDepositOutOfRange)

	_, err = db.AddParticipant(run.ID, "u1", "", 25_000_000, now)
	require.NoError(t, err)

	_, err = db.AddParticipant(run.ID, "u1", "", 30_000_000, now)
	assert.ErrorIs(t, err, ErrAlreadyJoined)

	got, err := db.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(25_000_000), got.TotalPool)

	_, err = db.TransitionRun(run.ID, RunWaiting, RunActive, nil, "", "", nil)
	require.NoError(t, err)
	_, err = db.AddParticipant(run.ID, "u2", "", 25_000_000, now)
	assert.ErrorIs(t, err, ErrLobbyClosed)
}

func TestAddParticipant_CapacityFull(t *testing.T) {
	db := newTestDB(t)
	run := &Run{
		Pair:            "BTC/USDC",
		MinDeposit:      10_000_000,
		MaxDeposit:      100_000_000,
		MaxParticipants: 2,
		LobbyDeadline:   time.Now().Add(time.Minute),
	}
	require.NoError(t, db.CreateRun(run))

	now := time.Now()
	_, err := db.AddParticipant(run.ID, "u1", "", 10_000_000, now)
	require.NoError(t, err)
	_, err = db.AddParticipant(run.ID, "u2", "", 10_000_000, now)
	require.NoError(t, err)
	_, err = db.AddParticipant(run.ID, "u3", "", 10_000_000, now)
	assert.ErrorIs(t, err, ErrLobbyFull)
}

func TestRemoveParticipant_RestoresPool(t *testing.T) {
	db := newTestDB(t)
	run := newTestRun(t, db)
	now := time.Now()

	_, err := db.AddParticipant(run.ID, "u1", "", 40_000_000, now)
	require.NoError(t, err)
	require.NoError(t, db.RemoveParticipant(run.ID, "u1"))

	got, err := db.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.TotalPool)

	assert.ErrorIs(t, db.RemoveParticipant(run.ID, "u1"), ErrNotParticipant)

	// A fresh join after leaving is allowed
	_, err = db.AddParticipant(run.ID, "u1", "", 15_000_000, now)
	assert.NoError(t, err)
}

func TestInsertVote_Guards(t *testing.T) {
	db := newTestDB(t)
	run := newTestRun(t, db)
	now := time.Now()

	_, err := db.AddParticipant(run.ID, "u1", "", 20_000_000, now)
	require.NoError(t, err)

	deadline := now.Add(time.Minute)
	require.NoError(t, db.CreateVotingRound(&VotingRound{
		RunID:        run.ID,
		Round:        1,
		Status:       RoundOpen,
		CurrentPrice: decimal.NewFromInt(50000),
		Deadline:     deadline,
		StartedAt:    now,
	}))

	assert.ErrorIs(t, db.InsertVote(run.ID, "stranger", 1, ChoiceLong, now), ErrNotParticipant)
	assert.ErrorIs(t, db.InsertVote(run.ID, "u1", 2, ChoiceLong, now), ErrVoteWindowClosed)
	assert.ErrorIs(t, db.InsertVote(run.ID, "u1", 1, ChoiceLong, deadline.Add(time.Second)), ErrVoteWindowClosed)

	require.NoError(t, db.InsertVote(run.ID, "u1", 1, ChoiceLong, now))
	assert.ErrorIs(t, db.InsertVote(run.ID, "u1", 1, ChoiceShort, now), ErrDuplicateVote)

	// First vote preserved
	votes, err := db.Votes(run.ID, 1)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, ChoiceLong, votes[0].Choice)
}

func TestCloseVotingRound_FreezesTally(t *testing.T) {
	db := newTestDB(t)
	run := newTestRun(t, db)
	now := time.Now()

	for _, u := range []string{"u1", "u2", "u3"} {
		_, err := db.AddParticipant(run.ID, u, "", 20_000_000, now)
		require.NoError(t, err)
	}
	require.NoError(t, db.CreateVotingRound(&VotingRound{
		RunID: run.ID, Round: 1, Status: RoundOpen,
		Deadline: now.Add(time.Minute), StartedAt: now,
	}))
	require.NoError(t, db.InsertVote(run.ID, "u1", 1, ChoiceLong, now))
	require.NoError(t, db.InsertVote(run.ID, "u2", 1, ChoiceLong, now))
	require.NoError(t, db.InsertVote(run.ID, "u3", 1, ChoiceShort, now))

	long, short, skip, err := db.CloseVotingRound(run.ID, 1, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, long)
	assert.Equal(t, 1, short)
	assert.Equal(t, 0, skip)

	vr, err := db.GetVotingRound(run.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, RoundClosed, vr.Status)
	assert.Equal(t, 2, vr.VotesLong)
	require.NotNil(t, vr.ClosedAt)

	// Closing twice violates the round invariant
	_, _, _, err = db.CloseVotingRound(run.ID, 1, now)
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestFinalizeRound_AdvancesAndScoresVoters(t *testing.T) {
	db := newTestDB(t)
	run := newTestRun(t, db)
	now := time.Now()

	for _, u := range []string{"u1", "u2"} {
		_, err := db.AddParticipant(run.ID, u, "", 20_000_000, now)
		require.NoError(t, err)
	}
	require.NoError(t, db.CreateVotingRound(&VotingRound{
		RunID: run.ID, Round: 1, Status: RoundOpen,
		Deadline: now.Add(time.Minute), StartedAt: now,
	}))
	require.NoError(t, db.InsertVote(run.ID, "u1", 1, ChoiceLong, now))
	require.NoError(t, db.InsertVote(run.ID, "u2", 1, ChoiceShort, now))
	_, _, _, err := db.CloseVotingRound(run.ID, 1, now)
	require.NoError(t, err)

	exit := decimal.NewFromInt(51000)
	trade := &Trade{
		RunID:      run.ID,
		Round:      1,
		Direction:  ChoiceLong,
		Leverage:   26,
		PositionSize: 50,
		EntryPrice: decimal.NewFromInt(50000),
		ExitPrice:  &exit,
		Pnl:        3_000_000,
		ExecutedAt: now,
	}
	require.NoError(t, db.FinalizeRound(run.ID, 1, trade, now))

	got, err := db.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentRound)

	vr, err := db.GetVotingRound(run.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, RoundSettled, vr.Status)
	assert.Equal(t, 26, vr.Leverage)

	// LONG won, so u1 scores and u2 does not
	p1, err := db.GetParticipant(run.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, p1.VotesCorrect)
	assert.Equal(t, 1, p1.TotalVotes)
	p2, err := db.GetParticipant(run.ID, "u2")
	require.NoError(t, err)
	assert.Equal(t, 0, p2.VotesCorrect)
	assert.Equal(t, 1, p2.TotalVotes)

	// Replaying the finalize fails the conditional round advance
	err = db.FinalizeRound(run.ID, 1, trade, now)
	assert.ErrorIs(t, err, ErrInvariantViolation)

	trades, err := db.Trades(run.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestSumPnl(t *testing.T) {
	db := newTestDB(t)
	run := newTestRun(t, db)
	now := time.Now()

	for round, pnl := range map[int]int64{1: 5_000_000, 2: -2_000_000} {
		require.NoError(t, db.db.Create(&Trade{
			RunID: run.ID, Round: round, Direction: ChoiceLong,
			EntryPrice: decimal.NewFromInt(1), Pnl: pnl, ExecutedAt: now,
		}).Error)
	}

	total, err := db.SumPnl(run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3_000_000), total)
}

func TestSetFinalShares(t *testing.T) {
	db := newTestDB(t)
	run := newTestRun(t, db)
	now := time.Now()

	_, err := db.AddParticipant(run.ID, "u1", "", 30_000_000, now)
	require.NoError(t, err)
	_, err = db.AddParticipant(run.ID, "u2", "", 10_000_000, now)
	require.NoError(t, err)

	require.NoError(t, db.SetFinalShares(run.ID, map[string]int64{
		"u1": 33_000_000,
		"u2": 11_000_000,
	}, 1_000_000, 45_000_000))

	got, err := db.GetRun(run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FinalBalance)
	assert.Equal(t, int64(45_000_000), *got.FinalBalance)
	assert.Equal(t, int64(1_000_000), got.PlatformFee)

	p1, err := db.GetParticipant(run.ID, "u1")
	require.NoError(t, err)
	require.NotNil(t, p1.FinalShare)
	assert.Equal(t, int64(33_000_000), *p1.FinalShare)
}

func TestMarkWithdrawn_Idempotent(t *testing.T) {
	db := newTestDB(t)
	run := newTestRun(t, db)

	_, err := db.AddParticipant(run.ID, "u1", "", 20_000_000, time.Now())
	require.NoError(t, err)

	require.NoError(t, db.MarkWithdrawn(run.ID, "u1"))
	require.NoError(t, db.MarkWithdrawn(run.ID, "u1"))

	p, err := db.GetParticipant(run.ID, "u1")
	require.NoError(t, err)
	assert.True(t, p.Withdrawn)
}

func TestPendingIntents(t *testing.T) {
	db := newTestDB(t)
	run := newTestRun(t, db)

	require.NoError(t, db.BeginIntent(run.ID, "chain.create_run", nil))
	require.NoError(t, db.BeginIntent(run.ID, "chain.start_run", nil))
	require.NoError(t, db.CompleteIntent(run.ID, "chain.create_run"))

	pending, err := db.PendingIntents(run.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"chain.start_run"}, pending)
}

func TestRunHelpers(t *testing.T) {
	now := time.Now()
	run := &Run{Status: RunWaiting, Pair: "BTC/USDC", BaseCoin: "BTC", LobbyDeadline: now.Add(90 * time.Second)}

	assert.Equal(t, 90, run.RemainingLobbySeconds(now))
	assert.Equal(t, 0, run.RemainingLobbySeconds(now.Add(2*time.Minute)))
	assert.Equal(t, "BTC-PERP", run.MarketSymbol())
	assert.False(t, run.IsTerminal())

	run.Status = RunCancelled
	assert.True(t, run.IsTerminal())
	assert.Equal(t, 0, run.RemainingLobbySeconds(now))
}
