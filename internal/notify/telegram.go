// Package notify provides the Telegram surface: the lobby and voting
// commands for participants, the admin controls, and the channel
// announcements fed from the event bus.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/swarmpool/internal/bus"
	"github.com/web3guy0/swarmpool/internal/config"
	"github.com/web3guy0/swarmpool/internal/database"
	"github.com/web3guy0/swarmpool/internal/engine"
)

// Bot handles Telegram interactions for run lobbies and voting.
type Bot struct {
	api       *tgbotapi.BotAPI
	cfg       *config.Config
	db        *database.Database
	machine   *engine.Machine
	scheduler *engine.Scheduler
	events    *bus.Bus
	stopCh    chan struct{}
}

// New creates the Telegram bot. A nil return with nil error means Telegram is
// not configured and the caller should run without it.
func New(cfg *config.Config, db *database.Database, m *engine.Machine, s *engine.Scheduler, events *bus.Bus) (*Bot, error) {
	if cfg.TelegramToken == "" {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot connected")

	return &Bot{
		api:       api,
		cfg:       cfg,
		db:        db,
		machine:   m,
		scheduler: s,
		events:    events,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start begins the command listener and the announcement loop.
func (b *Bot) Start() {
	go b.listenForCommands()
	if b.cfg.TelegramChatID != 0 {
		go b.announceLoop()
		b.sendMarkdown(b.cfg.TelegramChatID, "🟢 *Swarmpool Online*\n\nUse /run to see the current run.")
	}
}

func (b *Bot) Stop() {
	close(b.stopCh)
}

func (b *Bot) listenForCommands() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message != nil {
				go b.handleMessage(update.Message)
			}
			if update.CallbackQuery != nil {
				go b.handleCallback(update.CallbackQuery)
			}
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bot) handleMessage(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	userID := msg.From.ID

	log.Debug().
		Int64("chat_id", chatID).
		Str("text", msg.Text).
		Msg("Received message")

	if !msg.IsCommand() {
		return
	}

	ctx := context.Background()
	args := msg.CommandArguments()

	switch msg.Command() {
	case "start", "help":
		b.cmdHelp(chatID, userID)
	case "run":
		b.cmdRun(chatID)
	case "join":
		b.cmdJoin(ctx, chatID, userID, args)
	case "leave":
		b.cmdLeave(ctx, chatID, userID)
	case "vote":
		b.cmdVote(ctx, chatID, userID, args)
	case "withdraw":
		b.cmdWithdraw(ctx, chatID, userID)
	case "mystats":
		b.cmdMyStats(chatID, userID)

	// admin surface
	case "createrun":
		b.admin(chatID, userID, func() { b.cmdCreateRun(ctx, chatID) })
	case "cancel":
		b.admin(chatID, userID, func() { b.cmdCancel(ctx, chatID, args) })
	case "pause":
		b.admin(chatID, userID, func() {
			b.scheduler.Pause()
			b.sendText(chatID, "⏸️ Scheduler paused. Lifecycle frozen until /resume.")
		})
	case "resume":
		b.admin(chatID, userID, func() {
			b.scheduler.Resume()
			b.sendText(chatID, "▶️ Scheduler resumed.")
		})
	case "forcesettle":
		b.admin(chatID, userID, func() { b.cmdForceSettle(ctx, chatID, args) })
	case "stats":
		b.admin(chatID, userID, func() { b.cmdStats(chatID) })

	default:
		b.sendText(chatID, "❓ Unknown command. Use /help for available commands.")
	}
}

func (b *Bot) handleCallback(cb *tgbotapi.CallbackQuery) {
	chatID := cb.Message.Chat.ID
	userID := cb.From.ID
	data := cb.Data

	b.api.Request(tgbotapi.NewCallback(cb.ID, ""))

	ctx := context.Background()
	switch {
	case data == "refresh_run":
		b.cmdRun(chatID)
	case strings.HasPrefix(data, "vote_"):
		b.cmdVote(ctx, chatID, userID, strings.TrimPrefix(data, "vote_"))
	}
}

// admin runs fn only for allowlisted user ids.
func (b *Bot) admin(chatID, userID int64, fn func()) {
	if !b.cfg.IsAdmin(userID) {
		b.sendText(chatID, "🔒 Admin command.")
		return
	}
	fn()
}

// ═══════════════════════════════════════════════════════════════════════════════
// PARTICIPANT COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *Bot) cmdHelp(chatID, userID int64) {
	text := `🐝 *Swarmpool Commands*

*Lobby:*
/run - Current run status
/join <amount> - Join the lobby with a USDC deposit
/leave - Leave while the lobby is open

*Voting:*
/vote LONG - Vote long this round
/vote SHORT - Vote short this round
/vote SKIP - Vote to sit the round out

*Payout:*
/withdraw - Withdraw your share after the run ends
/mystats - Your voting record

One run at a time. Majority picks the direction,
the bot picks the leverage. Good luck. 🎲`

	if b.cfg.IsAdmin(userID) {
		text += `

*Admin:*
/createrun - Open a new lobby with defaults
/cancel <reason> - Cancel the live run
/pause /resume - Freeze/unfreeze the lifecycle
/forcesettle <reason> - Settle the live run now
/stats - Platform totals`
	}

	b.sendMarkdown(chatID, text)
}

func (b *Bot) cmdRun(chatID int64) {
	run, err := b.db.NonTerminalRun()
	if err != nil {
		b.sendText(chatID, "❌ "+err.Error())
		return
	}
	if run == nil {
		b.sendText(chatID, "💤 No run live right now. An admin can /createrun.")
		return
	}

	count, _ := b.db.CountParticipants(run.ID)

	var text string
	switch run.Status {
	case database.RunWaiting:
		text = fmt.Sprintf(`🏁 *Lobby Open* (run #%d)

*Pair:* %s
*Players:* %d/%d
*Pool:* %s USDC
*Deposit:* %s-%s USDC
*Starts in:* %ds

/join <amount> to get in.`,
			run.NumericID,
			run.Pair,
			count, run.MaxParticipants,
			usdc(run.TotalPool),
			usdc(run.MinDeposit), usdc(run.MaxDeposit),
			run.RemainingLobbySeconds(time.Now()),
		)

	case database.RunActive:
		text = fmt.Sprintf(`⚡ *Run Live* (run #%d)

*Pair:* %s
*Round:* %d/%d
*Players:* %d
*Starting pool:* %s USDC`,
			run.NumericID,
			run.Pair,
			run.CurrentRound, run.TotalRounds,
			count,
			usdc(run.StartingPool),
		)
		if vr, err := b.db.GetVotingRound(run.ID, run.CurrentRound+1); err == nil && vr != nil && vr.Status == database.RoundOpen {
			text += fmt.Sprintf("\n\n🗳️ *Round %d voting open*\nPrice: $%s\nCloses in %ds",
				vr.Round, vr.CurrentPrice.StringFixed(2),
				int(vr.Deadline.Sub(time.Now()).Seconds()))
		}

	case database.RunSettling:
		text = fmt.Sprintf("⏳ *Settling* (run #%d)\n\nClosing positions and computing shares.", run.NumericID)

	case database.RunCooldown:
		text = fmt.Sprintf(`❄️ *Cooldown* (run #%d)

*Final balance:* %s USDC
*Platform fee:* %s USDC

Withdrawals open when cooldown ends.`,
			run.NumericID,
			usdc(derefInt64(run.FinalBalance)),
			usdc(run.PlatformFee),
		)
	}

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔄 Refresh", "refresh_run"),
		),
	)
	if run.Status == database.RunActive {
		keyboard.InlineKeyboard = append(keyboard.InlineKeyboard,
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("🟢 LONG", "vote_LONG"),
				tgbotapi.NewInlineKeyboardButtonData("🔴 SHORT", "vote_SHORT"),
				tgbotapi.NewInlineKeyboardButtonData("⚪ SKIP", "vote_SKIP"),
			),
		)
	}
	b.sendMarkdownWithKeyboard(chatID, text, keyboard)
}

func (b *Bot) cmdJoin(ctx context.Context, chatID, userID int64, args string) {
	amount, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil || amount <= 0 {
		b.sendText(chatID, "⚠️ Usage: /join <whole USDC amount>, e.g. /join 25")
		return
	}

	run, err := b.db.NonTerminalRun()
	if err != nil || run == nil {
		b.sendText(chatID, "💤 No lobby open right now.")
		return
	}

	_, err = b.machine.Join(ctx, run.ID, telegramUserID(userID), "", amount*1_000_000)
	if err != nil {
		b.sendText(chatID, "❌ "+joinError(err))
		return
	}
	b.sendText(chatID, fmt.Sprintf("✅ You're in with %d USDC. Lobby closes in %ds.",
		amount, run.RemainingLobbySeconds(time.Now())))
}

func (b *Bot) cmdLeave(ctx context.Context, chatID, userID int64) {
	run, err := b.db.NonTerminalRun()
	if err != nil || run == nil {
		b.sendText(chatID, "💤 No lobby open right now.")
		return
	}
	if err := b.machine.Leave(ctx, run.ID, telegramUserID(userID)); err != nil {
		b.sendText(chatID, "❌ "+err.Error())
		return
	}
	b.sendText(chatID, "👋 Left the lobby, deposit refunded.")
}

func (b *Bot) cmdVote(ctx context.Context, chatID, userID int64, args string) {
	choice := strings.ToUpper(strings.TrimSpace(args))

	run, err := b.db.NonTerminalRun()
	if err != nil || run == nil || run.Status != database.RunActive {
		b.sendText(chatID, "⚠️ No round is open for voting.")
		return
	}

	round := run.CurrentRound + 1
	if err := b.machine.Vote(ctx, run.ID, telegramUserID(userID), round, choice); err != nil {
		b.sendText(chatID, "❌ "+voteError(err))
		return
	}
	b.sendText(chatID, fmt.Sprintf("🗳️ Vote recorded: %s for round %d. Votes are final.", choice, round))
}

func (b *Bot) cmdWithdraw(ctx context.Context, chatID, userID int64) {
	runs, err := b.db.RunsByStatus(database.RunEnded)
	if err != nil || len(runs) == 0 {
		b.sendText(chatID, "⚠️ No ended run to withdraw from.")
		return
	}
	run := runs[0]

	p, err := b.db.GetParticipant(run.ID, telegramUserID(userID))
	if err != nil {
		b.sendText(chatID, "⚠️ You weren't in that run.")
		return
	}
	if err := b.machine.Withdraw(ctx, run.ID, telegramUserID(userID)); err != nil {
		b.sendText(chatID, "❌ "+err.Error())
		return
	}
	if p.FinalShare != nil {
		b.sendText(chatID, fmt.Sprintf("💸 Withdrawn: %s USDC.", usdc(*p.FinalShare)))
	} else {
		b.sendText(chatID, "💸 Withdrawal processed.")
	}
}

func (b *Bot) cmdMyStats(chatID, userID int64) {
	user, err := b.db.EnsureUser(telegramUserID(userID), "")
	if err != nil {
		b.sendText(chatID, "❌ "+err.Error())
		return
	}
	accuracy := 0.0
	if user.TotalVotes > 0 {
		accuracy = float64(user.VotesCorrect) / float64(user.TotalVotes) * 100
	}
	b.sendMarkdown(chatID, fmt.Sprintf(`📈 *Your Record*

*Votes cast:* %d
*Called it:* %d
*Accuracy:* %.1f%%`,
		user.TotalVotes, user.VotesCorrect, accuracy))
}

// ═══════════════════════════════════════════════════════════════════════════════
// ADMIN COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *Bot) cmdCreateRun(ctx context.Context, chatID int64) {
	run, err := b.machine.CreateRun(ctx, engine.RunConfig{
		Pair:            b.cfg.DefaultPair,
		BaseCoin:        b.cfg.DefaultBaseCoin,
		DurationMin:     b.cfg.DefaultDurationMin,
		IntervalMin:     b.cfg.DefaultIntervalMin,
		MinDeposit:      b.cfg.DefaultMinDeposit,
		MaxDeposit:      b.cfg.DefaultMaxDeposit,
		MaxParticipants: b.cfg.DefaultMaxParticipants,
	})
	if err != nil {
		b.sendText(chatID, "❌ "+err.Error())
		return
	}
	b.sendText(chatID, fmt.Sprintf("🆕 Run #%d created, lobby open for %ds.",
		run.NumericID, b.cfg.LobbyDurationSeconds))
}

func (b *Bot) cmdCancel(ctx context.Context, chatID int64, reason string) {
	if strings.TrimSpace(reason) == "" {
		reason = "admin cancel"
	}
	run, err := b.db.NonTerminalRun()
	if err != nil || run == nil {
		b.sendText(chatID, "💤 Nothing to cancel.")
		return
	}
	if err := b.machine.Cancel(ctx, run.ID, reason); err != nil {
		b.sendText(chatID, "❌ "+err.Error())
		return
	}
	b.sendText(chatID, fmt.Sprintf("🛑 Run #%d cancelled: %s", run.NumericID, reason))
}

func (b *Bot) cmdForceSettle(ctx context.Context, chatID int64, reason string) {
	if strings.TrimSpace(reason) == "" {
		reason = "admin force settle"
	}
	if err := b.scheduler.ForceSettle(ctx, reason); err != nil {
		b.sendText(chatID, "❌ "+err.Error())
		return
	}
	b.sendText(chatID, "⏳ Run pushed into settlement.")
}

func (b *Bot) cmdStats(chatID int64) {
	stats, err := b.db.Stats()
	if err != nil {
		b.sendText(chatID, "❌ "+err.Error())
		return
	}
	b.sendMarkdown(chatID, fmt.Sprintf(`📊 *Platform Stats*

*Runs:* %v
*Trades:* %v
*Total pnl:* %s USDC
*Votes:* %v
*Users:* %v`,
		stats["total_runs"],
		stats["total_trades"],
		usdc(toInt64(stats["total_pnl"])),
		stats["total_votes"],
		stats["total_users"],
	))
}

// ═══════════════════════════════════════════════════════════════════════════════
// ANNOUNCEMENTS
// ═══════════════════════════════════════════════════════════════════════════════

// announceLoop mirrors bus events into the configured channel. The bus drops
// on backpressure, so a Telegram outage never stalls the engine.
func (b *Bot) announceLoop() {
	sub := b.events.Subscribe("")
	defer sub.Close()

	lastStatus := make(map[string]string)

	for {
		select {
		case <-b.stopCh:
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			switch evt.Type {
			case bus.EventRunUpdate:
				upd, ok := evt.Payload.(bus.RunUpdate)
				if !ok || lastStatus[upd.RunID] == upd.Status {
					continue
				}
				lastStatus[upd.RunID] = upd.Status
				b.announceStatus(upd)
			case bus.EventTradeUpdate:
				if upd, ok := evt.Payload.(bus.TradeUpdate); ok {
					b.announceTrade(upd)
				}
			}
		}
	}
}

func (b *Bot) announceStatus(upd bus.RunUpdate) {
	var text string
	switch upd.Status {
	case database.RunWaiting:
		text = fmt.Sprintf("🏁 *Lobby open!* Pool at %s USDC. /join <amount> to get in.", usdc(upd.TotalPool))
	case database.RunActive:
		text = fmt.Sprintf("🚀 *Run started!* Pool: %s USDC. First vote opens shortly.", usdc(upd.TotalPool))
	case database.RunSettling:
		text = "⏳ *Run settling.* Closing positions and computing shares."
	case database.RunCooldown:
		text = "❄️ *Run settled.* Cooldown running, withdrawals open soon."
	case database.RunEnded:
		text = "🔓 *Run ended.* /withdraw to collect your share."
	case database.RunCancelled:
		text = "🛑 *Run cancelled.*"
	default:
		return
	}
	b.sendMarkdown(b.cfg.TelegramChatID, text)
}

func (b *Bot) announceTrade(upd bus.TradeUpdate) {
	if upd.Direction == database.ChoiceSkip {
		b.sendMarkdown(b.cfg.TelegramChatID,
			fmt.Sprintf("⚪ *Round %d:* swarm sat this one out.", upd.Round))
		return
	}

	emoji := "🟢"
	if upd.Direction == database.ChoiceShort {
		emoji = "🔴"
	}
	result := fmt.Sprintf("✅ +%s USDC", usdc(upd.Pnl))
	if upd.Pnl < 0 {
		result = fmt.Sprintf("❌ -%s USDC", usdc(-upd.Pnl))
	}

	b.sendMarkdown(b.cfg.TelegramChatID, fmt.Sprintf(`%s *Round %d: %s %.1fx*

*Size:* %d%% of pool
*Entry:* $%s → *Exit:* $%s
*Result:* %s (%s%%)`,
		emoji,
		upd.Round,
		upd.Direction,
		float64(upd.Leverage)/10,
		upd.PositionSize,
		upd.EntryPrice.StringFixed(2),
		upd.ExitPrice.StringFixed(2),
		result,
		upd.PnlPercentage.StringFixed(2),
	))
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *Bot) sendText(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendMarkdown(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true
	_, err := b.api.Send(msg)
	return err
}

func (b *Bot) sendMarkdownWithKeyboard(chatID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = keyboard
	_, err := b.api.Send(msg)
	return err
}

func telegramUserID(id int64) string {
	return "tg:" + strconv.FormatInt(id, 10)
}

// usdc renders a micro-unit amount as whole USDC with two decimals.
func usdc(micro int64) string {
	return decimal.New(micro, -6).StringFixed(2)
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func toInt64(v any) int64 {
	if n, ok := v.(int64); ok {
		return n
	}
	return 0
}

func joinError(err error) string {
	switch {
	case err == database.ErrLobbyFull:
		return "Lobby is full."
	case err == database.ErrLobbyClosed:
		return "Lobby already closed."
	case err == database.ErrDepositOutOfRange:
		return "Deposit outside the allowed range."
	case err == database.ErrAlreadyJoined:
		return "You already joined this run."
	}
	return err.Error()
}

func voteError(err error) string {
	switch {
	case err == database.ErrDuplicateVote:
		return "You already voted this round. Votes are final."
	case err == database.ErrVoteWindowClosed:
		return "Voting is closed for this round."
	case err == database.ErrNotParticipant:
		return "Only participants can vote."
	}
	return err.Error()
}
