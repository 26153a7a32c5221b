package database

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const runSeqCounter = "run_seq"

// Database is the durable record of runs, participants, votes, rounds, trades
// and system logs. All lifecycle guards live in transactional methods here;
// callers never see SQL.
type Database struct {
	db *gorm.DB
}

func New(dbPath string) (*Database, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		if dbPath != ":memory:" {
			dir := filepath.Dir(dbPath)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dbPath).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&User{}, &Run{}, &Participant{}, &VotingRound{}, &Vote{}, &Trade{}, &SystemLog{}, &Counter{}); err != nil {
		return nil, err
	}

	// Seed the run id counter
	if err := db.Where(Counter{Name: runSeqCounter}).FirstOrCreate(&Counter{Name: runSeqCounter, Value: 0}).Error; err != nil {
		return nil, err
	}

	return &Database{db: db}, nil
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn inside a database transaction; the passed Database is
// bound to the transaction handle.
func (d *Database) Transaction(fn func(tx *Database) error) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		return fn(&Database{db: tx})
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// RUNS
// ═══════════════════════════════════════════════════════════════════════════════

// CreateRun inserts a new WAITING run, allocating its monotonic numeric id and
// enforcing the single-run invariant inside one transaction. Two concurrent
// calls cannot both succeed.
func (d *Database) CreateRun(run *Run) error {
	return d.Transaction(func(tx *Database) error {
		// The counter update takes a row lock on run_seq, so concurrent
		// creators serialize here and the liveness check below always sees
		// the winner's committed insert. A rejected create burns a sequence
		// number; the id stays strictly monotonic either way.
		seq, err := tx.nextSeq(runSeqCounter)
		if err != nil {
			return err
		}

		var live int64
		if err := tx.db.Model(&Run{}).Where("status IN ?", NonTerminalStatuses).Count(&live).Error; err != nil {
			return err
		}
		if live > 0 {
			return ErrSingleRunViolation
		}
		if run.ID == "" {
			run.ID = uuid.NewString()
		}
		run.NumericID = seq
		run.Status = RunWaiting

		if err := tx.db.Create(run).Error; err != nil {
			return err
		}
		return tx.AppendLog(&run.ID, LogSystem, "run created", map[string]any{
			"numeric_id": run.NumericID,
			"pair":       run.Pair,
			"rounds":     run.TotalRounds,
		})
	})
}

func (d *Database) nextSeq(name string) (uint64, error) {
	if err := d.db.Model(&Counter{}).Where("name = ?", name).
		Update("value", gorm.Expr("value + 1")).Error; err != nil {
		return 0, err
	}
	var c Counter
	if err := d.db.First(&c, "name = ?", name).Error; err != nil {
		return 0, err
	}
	return c.Value, nil
}

func (d *Database) GetRun(id string) (*Run, error) {
	var run Run
	err := d.db.First(&run, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrRunNotFound
	}
	return &run, err
}

// NonTerminalRun returns the single live run, or nil when none exists.
func (d *Database) NonTerminalRun() (*Run, error) {
	var run Run
	err := d.db.Where("status IN ?", NonTerminalStatuses).First(&run).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (d *Database) RunsByStatus(statuses ...string) ([]Run, error) {
	var runs []Run
	err := d.db.Where("status IN ?", statuses).Order("created_at ASC").Find(&runs).Error
	return runs, err
}

func (d *Database) RecentRuns(limit int) ([]Run, error) {
	var runs []Run
	err := d.db.Order("created_at DESC").Limit(limit).Find(&runs).Error
	return runs, err
}

// LatestRunEnd returns the most recent ended_at across terminal runs; the
// scheduler derives the next cron creation instant from it.
func (d *Database) LatestRunEnd() (*time.Time, error) {
	var run Run
	err := d.db.Where("status IN ? AND ended_at IS NOT NULL", []string{RunEnded, RunCancelled}).
		Order("ended_at DESC").First(&run).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run.EndedAt, nil
}

// TransitionRun moves a run from `from` to `to` with a conditional update, so
// a concurrent writer that already moved the run causes ErrInvariantViolation
// instead of a silent double transition. The mutation, the status change and
// the system log commit atomically.
func (d *Database) TransitionRun(runID, from, to string, mutate func(*Run), logType, logMsg string, meta map[string]any) (*Run, error) {
	var out *Run
	err := d.Transaction(func(tx *Database) error {
		var run Run
		if err := tx.db.First(&run, "id = ?", runID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrRunNotFound
			}
			return err
		}
		if run.Status != from {
			return fmt.Errorf("%w: run %s is %s, expected %s", ErrInvariantViolation, runID, run.Status, from)
		}
		run.Status = to
		if mutate != nil {
			mutate(&run)
		}
		res := tx.db.Model(&Run{}).Where("id = ? AND status = ?", runID, from).
			Select("*").Omit("created_at").Updates(&run)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: concurrent transition on run %s", ErrInvariantViolation, runID)
		}
		if logType != "" {
			if err := tx.AppendLog(&run.ID, logType, logMsg, meta); err != nil {
				return err
			}
		}
		out = &run
		return nil
	})
	return out, err
}

// UpdateRun persists mutable run fields outside of a status transition.
func (d *Database) UpdateRun(run *Run) error {
	return d.db.Save(run).Error
}

// MarkRunSynced flips the unsynced flag after chain self-heal.
func (d *Database) MarkRunSynced(runID string) error {
	return d.db.Model(&Run{}).Where("id = ?", runID).Update("synced", true).Error
}

// ═══════════════════════════════════════════════════════════════════════════════
// PARTICIPANTS
// ═══════════════════════════════════════════════════════════════════════════════

// AddParticipant joins a user to a WAITING run. Capacity, deposit range and
// uniqueness are checked inside the transaction; total_pool is incremented
// atomically with the insert.
func (d *Database) AddParticipant(runID, userID, wallet string, deposit int64, now time.Time) (*Participant, error) {
	var p *Participant
	err := d.Transaction(func(tx *Database) error {
		var run Run
		if err := tx.db.First(&run, "id = ?", runID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrRunNotFound
			}
			return err
		}
		if run.Status != RunWaiting {
			return ErrLobbyClosed
		}
		if deposit < run.MinDeposit || deposit > run.MaxDeposit {
			return ErrDepositOutOfRange
		}

		var count int64
		if err := tx.db.Model(&Participant{}).Where("run_id = ?", runID).Count(&count).Error; err != nil {
			return err
		}
		if count >= int64(run.MaxParticipants) {
			return ErrLobbyFull
		}

		var existing int64
		if err := tx.db.Model(&Participant{}).Where("run_id = ? AND user_id = ?", runID, userID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrAlreadyJoined
		}

		p = &Participant{
			ID:        uuid.NewString(),
			RunID:     runID,
			UserID:    userID,
			Wallet:    wallet,
			Deposit:   deposit,
			CreatedAt: now,
		}
		if err := tx.db.Create(p).Error; err != nil {
			return err
		}
		if err := tx.db.Model(&Run{}).Where("id = ?", runID).
			Update("total_pool", gorm.Expr("total_pool + ?", deposit)).Error; err != nil {
			return err
		}
		return tx.AppendLog(&runID, LogUserJoin, "user joined lobby", map[string]any{
			"user": userID, "deposit": deposit,
		})
	})
	return p, err
}

// RemoveParticipant reverses a join while the run is still WAITING.
func (d *Database) RemoveParticipant(runID, userID string) error {
	return d.Transaction(func(tx *Database) error {
		var run Run
		if err := tx.db.First(&run, "id = ?", runID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrRunNotFound
			}
			return err
		}
		if run.Status != RunWaiting {
			return ErrLobbyClosed
		}

		var p Participant
		if err := tx.db.First(&p, "run_id = ? AND user_id = ?", runID, userID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrNotParticipant
			}
			return err
		}
		if err := tx.db.Delete(&p).Error; err != nil {
			return err
		}
		if err := tx.db.Model(&Run{}).Where("id = ?", runID).
			Update("total_pool", gorm.Expr("total_pool - ?", p.Deposit)).Error; err != nil {
			return err
		}
		return tx.AppendLog(&runID, LogUserLeave, "user left lobby", map[string]any{
			"user": userID, "deposit": p.Deposit,
		})
	})
}

func (d *Database) CountParticipants(runID string) (int, error) {
	var count int64
	err := d.db.Model(&Participant{}).Where("run_id = ?", runID).Count(&count).Error
	return int(count), err
}

func (d *Database) Participants(runID string) ([]Participant, error) {
	var out []Participant
	err := d.db.Where("run_id = ?", runID).Order("created_at ASC").Find(&out).Error
	return out, err
}

func (d *Database) GetParticipant(runID, userID string) (*Participant, error) {
	var p Participant
	err := d.db.First(&p, "run_id = ? AND user_id = ?", runID, userID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotParticipant
	}
	return &p, err
}

// MarkWithdrawn flags a participant's payout as withdrawn. Idempotent: a
// second call is a no-op success.
func (d *Database) MarkWithdrawn(runID, userID string) error {
	return d.db.Model(&Participant{}).
		Where("run_id = ? AND user_id = ?", runID, userID).
		Update("withdrawn", true).Error
}

// ═══════════════════════════════════════════════════════════════════════════════
// VOTING ROUNDS & VOTES
// ═══════════════════════════════════════════════════════════════════════════════

func (d *Database) CreateVotingRound(vr *VotingRound) error {
	return d.db.Create(vr).Error
}

func (d *Database) GetVotingRound(runID string, round int) (*VotingRound, error) {
	var vr VotingRound
	err := d.db.First(&vr, "run_id = ? AND round = ?", runID, round).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &vr, nil
}

func (d *Database) UpdateVotingRound(vr *VotingRound) error {
	return d.db.Save(vr).Error
}

// InsertVote records a vote while the round is OPEN. One vote per
// (run, user, round); the second attempt returns ErrDuplicateVote and the
// first vote is preserved.
func (d *Database) InsertVote(runID, userID string, round int, choice string, now time.Time) error {
	return d.Transaction(func(tx *Database) error {
		var vr VotingRound
		if err := tx.db.First(&vr, "run_id = ? AND round = ?", runID, round).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrVoteWindowClosed
			}
			return err
		}
		if vr.Status != RoundOpen || !now.Before(vr.Deadline) {
			return ErrVoteWindowClosed
		}

		var participant int64
		if err := tx.db.Model(&Participant{}).Where("run_id = ? AND user_id = ?", runID, userID).Count(&participant).Error; err != nil {
			return err
		}
		if participant == 0 {
			return ErrNotParticipant
		}

		var dup int64
		if err := tx.db.Model(&Vote{}).Where("run_id = ? AND user_id = ? AND round = ?", runID, userID, round).Count(&dup).Error; err != nil {
			return err
		}
		if dup > 0 {
			return ErrDuplicateVote
		}

		return tx.db.Create(&Vote{
			RunID:     runID,
			UserID:    userID,
			Round:     round,
			Choice:    choice,
			CreatedAt: now,
		}).Error
	})
}

// CloseVotingRound marks the round CLOSED and freezes the vote distribution,
// all in one transaction. Returns the tallied (long, short, skip) counts.
func (d *Database) CloseVotingRound(runID string, round int, closedAt time.Time) (long, short, skip int, err error) {
	err = d.Transaction(func(tx *Database) error {
		var vr VotingRound
		if e := tx.db.First(&vr, "run_id = ? AND round = ?", runID, round).Error; e != nil {
			return e
		}
		if vr.Status != RoundOpen {
			return fmt.Errorf("%w: round %d is %s, expected OPEN", ErrInvariantViolation, round, vr.Status)
		}

		var votes []Vote
		if e := tx.db.Where("run_id = ? AND round = ?", runID, round).Find(&votes).Error; e != nil {
			return e
		}
		for _, v := range votes {
			switch v.Choice {
			case ChoiceLong:
				long++
			case ChoiceShort:
				short++
			case ChoiceSkip:
				skip++
			}
		}

		vr.Status = RoundClosed
		vr.VotesLong = long
		vr.VotesShort = short
		vr.VotesSkip = skip
		vr.ClosedAt = &closedAt
		if e := tx.db.Save(&vr).Error; e != nil {
			return e
		}
		return tx.AppendLog(&runID, LogRoundEnd, fmt.Sprintf("round %d voting closed", round), map[string]any{
			"round": round, "long": long, "short": short, "skip": skip,
		})
	})
	return
}

func (d *Database) Votes(runID string, round int) ([]Vote, error) {
	var votes []Vote
	err := d.db.Where("run_id = ? AND round = ?", runID, round).Find(&votes).Error
	return votes, err
}

// ═══════════════════════════════════════════════════════════════════════════════
// TRADES
// ═══════════════════════════════════════════════════════════════════════════════

func (d *Database) GetTrade(runID string, round int) (*Trade, error) {
	var t Trade
	err := d.db.First(&t, "run_id = ? AND round = ?", runID, round).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (d *Database) Trades(runID string) ([]Trade, error) {
	var out []Trade
	err := d.db.Where("run_id = ?", runID).Order("round ASC").Find(&out).Error
	return out, err
}

// SumPnl returns the signed pnl total across a run's settled trades.
func (d *Database) SumPnl(runID string) (int64, error) {
	var result struct{ Total int64 }
	err := d.db.Model(&Trade{}).Where("run_id = ?", runID).
		Select("COALESCE(SUM(pnl), 0) as total").Scan(&result).Error
	return result.Total, err
}

// FinalizeRound persists the trade, stamps the voting round SETTLED,
// advances run.current_round with a conditional increment and updates each
// voter's accuracy counters — atomically.
func (d *Database) FinalizeRound(runID string, round int, trade *Trade, settledAt time.Time) error {
	return d.Transaction(func(tx *Database) error {
		var existing int64
		if err := tx.db.Model(&Trade{}).Where("run_id = ? AND round = ?", runID, round).Count(&existing).Error; err != nil {
			return err
		}
		if existing == 0 {
			if err := tx.db.Create(trade).Error; err != nil {
				return err
			}
		}

		var vr VotingRound
		if err := tx.db.First(&vr, "run_id = ? AND round = ?", runID, round).Error; err != nil {
			return err
		}
		vr.Status = RoundSettled
		vr.Leverage = trade.Leverage
		vr.PositionSize = trade.PositionSize
		vr.ExecutedAt = &settledAt
		if err := tx.db.Save(&vr).Error; err != nil {
			return err
		}

		res := tx.db.Model(&Run{}).
			Where("id = ? AND current_round = ?", runID, round-1).
			Update("current_round", gorm.Expr("current_round + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: current_round advanced concurrently for run %s", ErrInvariantViolation, runID)
		}

		if err := tx.updateVoteAccuracy(runID, round, trade); err != nil {
			return err
		}

		return tx.AppendLog(&runID, LogTradeExecuted, fmt.Sprintf("round %d trade settled", round), map[string]any{
			"round": round, "direction": trade.Direction, "pnl": trade.Pnl,
		})
	})
}

// updateVoteAccuracy credits voters whose choice matched a profitable
// direction. SKIP rounds count the vote but never score it correct.
func (d *Database) updateVoteAccuracy(runID string, round int, trade *Trade) error {
	votes, err := d.Votes(runID, round)
	if err != nil {
		return err
	}
	winning := ""
	if trade.Direction != ChoiceSkip && trade.Pnl > 0 {
		winning = trade.Direction
	} else if trade.Direction != ChoiceSkip && trade.Pnl < 0 {
		if trade.Direction == ChoiceLong {
			winning = ChoiceShort
		} else {
			winning = ChoiceLong
		}
	}
	for _, v := range votes {
		updates := map[string]any{"total_votes": gorm.Expr("total_votes + 1")}
		if winning != "" && v.Choice == winning {
			updates["votes_correct"] = gorm.Expr("votes_correct + 1")
		}
		if err := d.db.Model(&Participant{}).
			Where("run_id = ? AND user_id = ?", runID, v.UserID).
			Updates(updates).Error; err != nil {
			return err
		}
		if err := d.db.Model(&User{}).Where("id = ?", v.UserID).Updates(updates).Error; err != nil {
			return err
		}
	}
	return nil
}

// SetFinalShares writes per-participant payouts, the platform fee and the
// final realized balance in one transaction.
func (d *Database) SetFinalShares(runID string, shares map[string]int64, fee, finalBalance int64) error {
	return d.Transaction(func(tx *Database) error {
		for userID, share := range shares {
			s := share
			if err := tx.db.Model(&Participant{}).
				Where("run_id = ? AND user_id = ?", runID, userID).
				Update("final_share", s).Error; err != nil {
				return err
			}
		}
		return tx.db.Model(&Run{}).Where("id = ?", runID).Updates(map[string]any{
			"final_balance": finalBalance,
			"platform_fee":  fee,
		}).Error
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// SYSTEM LOGS & INTENT JOURNAL
// ═══════════════════════════════════════════════════════════════════════════════

// AppendLog writes an append-only system log entry.
func (d *Database) AppendLog(runID *string, logType, message string, metadata map[string]any) error {
	meta := "{}"
	if metadata != nil {
		if data, err := json.Marshal(metadata); err == nil {
			meta = string(data)
		}
	}
	return d.db.Create(&SystemLog{
		RunID:    runID,
		Type:     logType,
		Message:  message,
		Metadata: meta,
	}).Error
}

func (d *Database) RecentLogs(runID string, limit int) ([]SystemLog, error) {
	var logs []SystemLog
	err := d.db.Where("run_id = ?", runID).Order("created_at DESC").Limit(limit).Find(&logs).Error
	return logs, err
}

const (
	intentBegin = "intent:begin"
	intentDone  = "intent:done"
)

// BeginIntent journals that a state-mutating external call is about to be
// issued. CompleteIntent journals success. Both are plain append-only rows so
// a restart can scan for intents without completion markers.
func (d *Database) BeginIntent(runID string, name string, meta map[string]any) error {
	m := map[string]any{"intent": name}
	for k, v := range meta {
		m[k] = v
	}
	return d.AppendLog(&runID, LogSystem, intentBegin, m)
}

func (d *Database) CompleteIntent(runID string, name string) error {
	return d.AppendLog(&runID, LogSystem, intentDone, map[string]any{"intent": name})
}

// PendingIntents returns intent names begun for a run but never completed.
func (d *Database) PendingIntents(runID string) ([]string, error) {
	var logs []SystemLog
	err := d.db.Where("run_id = ? AND type = ? AND message IN ?", runID, LogSystem, []string{intentBegin, intentDone}).
		Order("created_at ASC").Find(&logs).Error
	if err != nil {
		return nil, err
	}
	open := make(map[string]int)
	order := make([]string, 0)
	for _, l := range logs {
		var meta struct {
			Intent string `json:"intent"`
		}
		if json.Unmarshal([]byte(l.Metadata), &meta) != nil || meta.Intent == "" {
			continue
		}
		switch l.Message {
		case intentBegin:
			if open[meta.Intent] == 0 {
				order = append(order, meta.Intent)
			}
			open[meta.Intent]++
		case intentDone:
			if open[meta.Intent] > 0 {
				open[meta.Intent]--
			}
		}
	}
	pending := make([]string, 0)
	for _, name := range order {
		if open[name] > 0 {
			pending = append(pending, name)
		}
	}
	return pending, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// USERS & STATS
// ═══════════════════════════════════════════════════════════════════════════════

// EnsureUser upserts a user row keyed by id.
func (d *Database) EnsureUser(id, wallet string) (*User, error) {
	var user User
	err := d.db.Where(User{ID: id}).Attrs(User{WalletAddress: wallet}).FirstOrCreate(&user).Error
	return &user, err
}

// Stats returns aggregate counters for the admin surface.
func (d *Database) Stats() (map[string]any, error) {
	stats := make(map[string]any)

	var runCount int64
	d.db.Model(&Run{}).Count(&runCount)
	stats["total_runs"] = runCount

	var tradeCount int64
	d.db.Model(&Trade{}).Count(&tradeCount)
	stats["total_trades"] = tradeCount

	var pnl struct{ Total int64 }
	d.db.Model(&Trade{}).Select("COALESCE(SUM(pnl), 0) as total").Scan(&pnl)
	stats["total_pnl"] = pnl.Total

	var voteCount int64
	d.db.Model(&Vote{}).Count(&voteCount)
	stats["total_votes"] = voteCount

	var userCount int64
	d.db.Model(&User{}).Count(&userCount)
	stats["total_users"] = userCount

	return stats, nil
}
