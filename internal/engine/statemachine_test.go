package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/swarmpool/internal/bus"
	"github.com/web3guy0/swarmpool/internal/database"
)

func TestMachine_CreateRun_SingleRunViolation(t *testing.T) {
	h := newHarness(t)
	h.createRun(t)

	_, err := h.machine.CreateRun(context.Background(), RunConfig{
		Pair: "ETH/USDC", BaseCoin: "ETH",
		DurationMin: 60, IntervalMin: 20,
		MinDeposit: 10, MaxDeposit: 100, MaxParticipants: 50,
	})
	assert.ErrorIs(t, err, database.ErrSingleRunViolation)
}

func TestMachine_CreateRun_InvalidConfigWritesNothing(t *testing.T) {
	h := newHarness(t)

	_, err := h.machine.CreateRun(context.Background(), RunConfig{Pair: "btc-usdc"})
	assert.ErrorIs(t, err, database.ErrInvalidConfig)

	run, err := h.db.NonTerminalRun()
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestMachine_CreateRun_SyncedWhenChainDisabled(t *testing.T) {
	h := newHarness(t)
	run := h.createRun(t)

	// The disabled chain client has nothing to sync against, so the run must
	// not stay flagged for the scheduler's self-heal pass.
	got := h.runStatus(t, run.ID)
	assert.True(t, got.Synced)
	assert.Equal(t, database.RunWaiting, got.Status)
	assert.Equal(t, 3, got.TotalRounds)
}

func TestMachine_JoinThenLeaveRestoresPool(t *testing.T) {
	h := newHarness(t)
	run := h.createRun(t)
	ctx := context.Background()

	h.join(t, run.ID, "u1", 30)
	h.join(t, run.ID, "u2", 20)
	assert.Equal(t, int64(50_000_000), h.runStatus(t, run.ID).TotalPool)

	require.NoError(t, h.machine.Leave(ctx, run.ID, "u2"))
	assert.Equal(t, int64(30_000_000), h.runStatus(t, run.ID).TotalPool)

	assert.ErrorIs(t, h.machine.Leave(ctx, run.ID, "stranger"), database.ErrNotParticipant)
}

func TestMachine_JoinGuards(t *testing.T) {
	h := newHarness(t)
	run := h.createRun(t)
	ctx := context.Background()

	_, err := h.machine.Join(ctx, run.ID, "u1", "", 5_000_000)
	assert.ErrorIs(t, err, database.ErrDepositOutOfRange)

	h.join(t, run.ID, "u1", 30)
	_, err = h.machine.Join(ctx, run.ID, "u1", "", 30_000_000)
	assert.ErrorIs(t, err, database.ErrAlreadyJoined)
}

func TestMachine_CancelFromWaiting(t *testing.T) {
	h := newHarness(t)
	run := h.createRun(t)
	h.join(t, run.ID, "u1", 30)

	require.NoError(t, h.machine.Cancel(context.Background(), run.ID, "bad market"))

	got := h.runStatus(t, run.ID)
	assert.Equal(t, database.RunCancelled, got.Status)
	assert.Equal(t, "bad market", got.CancelReason)
	require.NotNil(t, got.EndedAt)

	// Terminal run frees the single-run slot
	next, err := h.db.NonTerminalRun()
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestMachine_CancelTerminalRunRejected(t *testing.T) {
	h := newHarness(t)
	run := h.createRun(t)
	ctx := context.Background()

	require.NoError(t, h.machine.Cancel(ctx, run.ID, "first"))
	assert.ErrorIs(t, h.machine.Cancel(ctx, run.ID, "second"), database.ErrInvariantViolation)
	assert.Equal(t, "first", h.runStatus(t, run.ID).CancelReason)
}

func TestMachine_WithdrawBlockedBeforeEnded(t *testing.T) {
	h := newHarness(t)
	run := h.createRun(t)
	h.join(t, run.ID, "u1", 30)
	ctx := context.Background()

	assert.ErrorIs(t, h.machine.Withdraw(ctx, run.ID, "u1"), database.ErrNotWithdrawable)

	h.clk.Advance(10*time.Minute + time.Second)
	h.tick(t)
	require.Equal(t, database.RunActive, h.runStatus(t, run.ID).Status)
	assert.ErrorIs(t, h.machine.Withdraw(ctx, run.ID, "u1"), database.ErrNotWithdrawable)
}

func TestMachine_SnapshotOnSubscribe(t *testing.T) {
	h := newHarness(t)
	run := h.createRun(t)
	h.join(t, run.ID, "u1", 30)

	// A late subscriber's first message is the current run snapshot
	sub := h.events.Subscribe(run.ID)
	defer sub.Close()

	select {
	case evt := <-sub.C:
		require.Equal(t, bus.EventRunUpdate, evt.Type)
		snap, ok := evt.Payload.(bus.RunUpdate)
		require.True(t, ok)
		assert.Equal(t, run.ID, snap.RunID)
		assert.Equal(t, database.RunWaiting, snap.Status)
		assert.Equal(t, int64(30_000_000), snap.TotalPool)
		assert.Greater(t, snap.Countdown, 0)
	default:
		t.Fatal("expected snapshot as first message")
	}
}

func TestMachine_VoteRejectedWhileWaiting(t *testing.T) {
	h := newHarness(t)
	run := h.createRun(t)
	h.join(t, run.ID, "u1", 30)

	err := h.machine.Vote(context.Background(), run.ID, "u1", 1, "LONG")
	assert.ErrorIs(t, err, database.ErrVoteWindowClosed)
}
