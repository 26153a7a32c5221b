// Package engine owns the run lifecycle: the per-run state machine, the
// voting round controller and the single-writer scheduler loop that drives
// both. All authority lives in persisted state; in-memory timers are only an
// optimization, so a restart resumes exactly where the database says.
package engine

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/swarmpool/internal/bus"
	"github.com/web3guy0/swarmpool/internal/chain"
	"github.com/web3guy0/swarmpool/internal/clock"
	"github.com/web3guy0/swarmpool/internal/database"
)

var pairPattern = regexp.MustCompile(`^[A-Z]{2,10}/[A-Z]{2,10}$`)

// microUnit converts whole collateral tokens to the 6-decimal smallest unit.
const microUnit = 1_000_000

// RunConfig is the validated input to CreateRun. Deposits are in whole
// collateral tokens; they are stored in the smallest unit.
type RunConfig struct {
	Pair            string
	BaseCoin        string
	DurationMin     int
	IntervalMin     int
	MinDeposit      int64
	MaxDeposit      int64
	MaxParticipants int
}

// Validate enforces the creation bounds. Returns ErrInvalidConfig wrapped
// with the offending field.
func (c *RunConfig) Validate() error {
	if !pairPattern.MatchString(c.Pair) {
		return fmt.Errorf("%w: pair %q", database.ErrInvalidConfig, c.Pair)
	}
	if c.DurationMin < 60 || c.DurationMin > 480 {
		return fmt.Errorf("%w: duration %d min outside [60,480]", database.ErrInvalidConfig, c.DurationMin)
	}
	if c.IntervalMin < 5 || c.IntervalMin > 60 {
		return fmt.Errorf("%w: voting interval %d min outside [5,60]", database.ErrInvalidConfig, c.IntervalMin)
	}
	if c.MinDeposit < 10 || c.MinDeposit > 100 || c.MaxDeposit < 10 || c.MaxDeposit > 100 {
		return fmt.Errorf("%w: deposits must be in [10,100]", database.ErrInvalidConfig)
	}
	if c.MinDeposit > c.MaxDeposit {
		return fmt.Errorf("%w: min deposit above max", database.ErrInvalidConfig)
	}
	if c.MaxParticipants < 10 || c.MaxParticipants > 100 {
		return fmt.Errorf("%w: max participants %d outside [10,100]", database.ErrInvalidConfig, c.MaxParticipants)
	}
	return nil
}

// MachineConfig is the machine's lifecycle tuning; the scheduler carries its
// own knobs (cooldown, fee) in SchedulerConfig.
type MachineConfig struct {
	LobbyDuration time.Duration
}

// Machine exposes the run operations. It never loops; the scheduler calls
// into it and external surfaces (bot, CLI) call the user-facing operations.
type Machine struct {
	db    *database.Database
	chain *chain.Client
	bus   *bus.Bus
	clk   clock.Clock
	cfg   MachineConfig
}

func NewMachine(db *database.Database, ch *chain.Client, b *bus.Bus, clk clock.Clock, cfg MachineConfig) *Machine {
	m := &Machine{db: db, chain: ch, bus: b, clk: clk, cfg: cfg}
	if b != nil {
		b.SetSnapshotFunc(m.Snapshot)
	}
	return m
}

// CreateRun creates a WAITING run and best-effort creates its on-chain
// accounts. A chain failure leaves the run flagged unsynced; the scheduler
// self-heals it.
func (m *Machine) CreateRun(ctx context.Context, cfg RunConfig) (*database.Run, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	now := m.clk.Now()
	run := &database.Run{
		Pair:                  cfg.Pair,
		BaseCoin:              cfg.BaseCoin,
		DurationMinutes:       cfg.DurationMin,
		VotingIntervalMinutes: cfg.IntervalMin,
		TotalRounds:           cfg.DurationMin / cfg.IntervalMin,
		MinDeposit:            cfg.MinDeposit * microUnit,
		MaxDeposit:            cfg.MaxDeposit * microUnit,
		MaxParticipants:       cfg.MaxParticipants,
		LobbyDeadline:         now.Add(m.cfg.LobbyDuration),
		CreatedAt:             now,
	}

	if err := m.db.CreateRun(run); err != nil {
		return nil, err
	}

	log.Info().
		Str("run", run.ID).
		Uint64("numeric_id", run.NumericID).
		Str("pair", run.Pair).
		Int("rounds", run.TotalRounds).
		Msg("🆕 Run created, lobby open")

	if err := m.syncOnChain(ctx, run); err != nil {
		log.Warn().Err(err).Str("run", run.ID).Msg("⚠️ On-chain create failed, run left unsynced")
	}

	m.publishRunUpdate(run)
	return run, nil
}

// syncOnChain issues create_run + create_run_vault with intent journaling.
// Used at creation and by the scheduler's self-heal pass.
func (m *Machine) syncOnChain(ctx context.Context, run *database.Run) error {
	if m.chain == nil || !m.chain.Enabled() {
		// Nothing to sync against; don't leave the run permanently flagged.
		return m.db.MarkRunSynced(run.ID)
	}
	const intent = "chain.create_run"
	if err := m.db.BeginIntent(run.ID, intent, map[string]any{"numeric_id": run.NumericID}); err != nil {
		return err
	}
	if err := m.chain.Sync(ctx, run.NumericID, run.MinDeposit, run.MaxDeposit, run.MaxParticipants); err != nil {
		return err
	}
	if err := m.db.MarkRunSynced(run.ID); err != nil {
		return err
	}
	run.Synced = true
	return m.db.CompleteIntent(run.ID, intent)
}

// Join admits a paying participant to a WAITING lobby.
func (m *Machine) Join(ctx context.Context, runID, userID, wallet string, deposit int64) (*database.Participant, error) {
	if _, err := m.db.EnsureUser(userID, wallet); err != nil {
		return nil, err
	}
	p, err := m.db.AddParticipant(runID, userID, wallet, deposit, m.clk.Now())
	if err != nil {
		return nil, err
	}

	log.Info().Str("run", runID).Str("user", userID).Int64("deposit", deposit).Msg("👤 User joined")
	if run, err := m.db.GetRun(runID); err == nil {
		m.publishRunUpdate(run)
	}
	return p, nil
}

// Leave reverses a join while the lobby is open. The deposit is refunded
// off-ledger; the on-chain vault only pays out post-settle.
func (m *Machine) Leave(ctx context.Context, runID, userID string) error {
	if err := m.db.RemoveParticipant(runID, userID); err != nil {
		return err
	}
	log.Info().Str("run", runID).Str("user", userID).Msg("👋 User left lobby")
	if run, err := m.db.GetRun(runID); err == nil {
		m.publishRunUpdate(run)
	}
	return nil
}

// Vote records a participant's choice for the open round. Votes are final.
func (m *Machine) Vote(ctx context.Context, runID, userID string, round int, choice string) error {
	switch choice {
	case database.ChoiceLong, database.ChoiceShort, database.ChoiceSkip:
	default:
		return fmt.Errorf("%w: choice %q", database.ErrInvalidConfig, choice)
	}

	run, err := m.db.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status != database.RunActive {
		return database.ErrVoteWindowClosed
	}

	now := m.clk.Now()
	if err := m.db.InsertVote(runID, userID, round, choice, now); err != nil {
		return err
	}

	vr, err := m.db.GetVotingRound(runID, round)
	if err != nil || vr == nil {
		return err
	}
	votes, err := m.db.Votes(runID, round)
	if err != nil {
		return err
	}
	long, short, skip := tally(votes)
	m.bus.Publish(bus.Event{
		Type:  bus.EventVoteUpdate,
		RunID: runID,
		Payload: bus.VoteUpdate{
			RunID:         runID,
			Round:         round,
			Long:          long,
			Short:         short,
			Skip:          skip,
			TimeRemaining: int(vr.Deadline.Sub(now).Seconds()),
		},
	})
	return nil
}

// Withdraw releases a participant's final share once the run reached a
// terminal state with shares computed: ENDED, or CANCELLED via the settlement
// path (a lobby cancel refunds off-ledger and never sets shares).
// Idempotent: a repeat call is a no-op success.
func (m *Machine) Withdraw(ctx context.Context, runID, userID string) error {
	run, err := m.db.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status != database.RunEnded && run.Status != database.RunCancelled {
		return database.ErrNotWithdrawable
	}
	p, err := m.db.GetParticipant(runID, userID)
	if err != nil {
		return err
	}
	if p.Withdrawn {
		return nil
	}
	if p.FinalShare == nil {
		return database.ErrNotWithdrawable
	}

	if m.chain != nil && m.chain.Enabled() && p.Wallet != "" {
		intent := fmt.Sprintf("chain.withdraw.%s", userID)
		if err := m.db.BeginIntent(runID, intent, map[string]any{"user": userID}); err != nil {
			return err
		}
		if err := m.chain.Withdraw(ctx, run.NumericID, p.Wallet); err != nil {
			return err
		}
		if err := m.db.CompleteIntent(runID, intent); err != nil {
			return err
		}
	}

	if err := m.db.MarkWithdrawn(runID, userID); err != nil {
		return err
	}
	log.Info().Str("run", runID).Str("user", userID).Int64("share", *p.FinalShare).Msg("💸 Share withdrawn")
	return nil
}

// Cancel preempts a run. From WAITING the lobby deposits are refunded
// off-ledger and the run ends immediately; from ACTIVE the run is routed
// through SETTLING so positions are closed and pnl is realized, ending
// CANCELLED instead of passing through COOLDOWN.
func (m *Machine) Cancel(ctx context.Context, runID, reason string) error {
	run, err := m.db.GetRun(runID)
	if err != nil {
		return err
	}

	now := m.clk.Now()
	switch run.Status {
	case database.RunWaiting:
		run, err = m.db.TransitionRun(runID, database.RunWaiting, database.RunCancelled, func(r *database.Run) {
			r.EndedAt = &now
			r.CancelReason = reason
		}, database.LogRunEnd, "run cancelled from lobby", map[string]any{"reason": reason})
		if err != nil {
			return err
		}
		log.Warn().Str("run", runID).Str("reason", reason).Msg("🛑 Run cancelled, lobby deposits refunded")

	case database.RunActive:
		run, err = m.db.TransitionRun(runID, database.RunActive, database.RunSettling, func(r *database.Run) {
			r.CancelReason = reason
		}, database.LogSystem, "admin cancel, settling early", map[string]any{"reason": reason})
		if err != nil {
			return err
		}

	case database.RunSettling:
		// Settle path already runs; just make it terminate CANCELLED.
		run.CancelReason = reason
		return m.db.UpdateRun(run)

	case database.RunCooldown:
		run, err = m.db.TransitionRun(runID, database.RunCooldown, database.RunCancelled, func(r *database.Run) {
			r.CancelReason = reason
		}, database.LogRunEnd, "run cancelled in cooldown", map[string]any{"reason": reason})
		if err != nil {
			return err
		}

	default:
		return fmt.Errorf("%w: cannot cancel run in %s", database.ErrInvariantViolation, run.Status)
	}

	m.publishRunUpdate(run)
	return nil
}

// Snapshot produces the RUN_UPDATE event served as the first message to a
// (re)subscriber.
func (m *Machine) Snapshot(runID string) (bus.Event, bool) {
	run, err := m.db.GetRun(runID)
	if err != nil {
		return bus.Event{}, false
	}
	return bus.Event{
		Type:  bus.EventRunUpdate,
		RunID: run.ID,
		At:    m.clk.Now(),
		Payload: bus.RunUpdate{
			RunID:        run.ID,
			Status:       run.Status,
			CurrentRound: run.CurrentRound,
			Countdown:    run.RemainingLobbySeconds(m.clk.Now()),
			TotalPool:    run.TotalPool,
		},
	}, true
}

func (m *Machine) publishRunUpdate(run *database.Run) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{
		Type:  bus.EventRunUpdate,
		RunID: run.ID,
		At:    m.clk.Now(),
		Payload: bus.RunUpdate{
			RunID:        run.ID,
			Status:       run.Status,
			CurrentRound: run.CurrentRound,
			Countdown:    run.RemainingLobbySeconds(m.clk.Now()),
			TotalPool:    run.TotalPool,
		},
	})
}

func tally(votes []database.Vote) (long, short, skip int) {
	for _, v := range votes {
		switch v.Choice {
		case database.ChoiceLong:
			long++
		case database.ChoiceShort:
			short++
		case database.ChoiceSkip:
			skip++
		}
	}
	return
}
