package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/taskdeck/internal/bus"
	"github.com/basket/taskdeck/internal/errdefs"
	"github.com/basket/taskdeck/internal/plan"
	"github.com/basket/taskdeck/internal/store"
)

// TelegramConfig holds the dependencies for the Telegram notifier.
type TelegramConfig struct {
	Token      string
	AllowedIDs []int64 // chat ids allowed to see plans and press buttons
	Machine    *plan.Machine
	Store      *store.Store
	Bus        *bus.Bus
	Logger     *slog.Logger
}

// Telegram mirrors plan lifecycle events into allowed chats. Pending plans
// arrive with inline Approve/Reject buttons; a button press goes through
// the plan state machine exactly like a REST decision.
type Telegram struct {
	token      string
	allowedIDs map[int64]struct{}
	machine    *plan.Machine
	store      *store.Store
	eventBus   *bus.Bus
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
}

// NewTelegram creates a Telegram notifier.
func NewTelegram(cfg TelegramConfig) *Telegram {
	allowed := make(map[int64]struct{}, len(cfg.AllowedIDs))
	for _, id := range cfg.AllowedIDs {
		allowed[id] = struct{}{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		token:      cfg.Token,
		allowedIDs: allowed,
		machine:    cfg.Machine,
		store:      cfg.Store,
		eventBus:   cfg.Bus,
		logger:     logger,
	}
}

func (t *Telegram) Name() string {
	return "telegram"
}

// Start connects the bot, forwards plan events to the allowed chats, and
// long-polls Telegram for button presses and commands until ctx is done.
func (t *Telegram) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram notifier started", "user", t.bot.Self.UserName)

	go t.watchPlans(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall
// detection). Returns nil on context cancellation, or an error to trigger
// reconnection.
func (t *Telegram) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5
	// minutes the connection is likely dead (the library blocks rather than
	// closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset the stall timer on every received update, including
			// empty long-poll returns.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
					t.logger.Warn("telegram access denied",
						"user_id", update.Message.From.ID,
						"user_name", update.Message.From.UserName,
					)
					continue
				}
				t.handleMessage(ctx, update.Message)
				continue
			}

			if update.CallbackQuery != nil {
				if _, ok := t.allowedIDs[update.CallbackQuery.From.ID]; !ok {
					t.logger.Warn("telegram callback access denied", "user_id", update.CallbackQuery.From.ID)
					continue
				}
				t.handleCallback(ctx, update.CallbackQuery)
				continue
			}

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *Telegram) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	switch strings.TrimSpace(msg.Text) {
	case "/pending":
		t.sendPending(ctx, msg.Chat.ID)
	case "/start", "/help":
		t.reply(msg.Chat.ID, "Commands:\n/pending - list plans waiting for approval")
	}
}

// sendPending lists every plan still waiting for a decision into one chat,
// each with its own buttons.
func (t *Telegram) sendPending(ctx context.Context, chatID int64) {
	// A zero age matches every pending parent.
	parents, err := t.store.StalePendingPlans(ctx, 0, 20)
	if err != nil {
		t.logger.Error("failed to list pending plans", "error", err)
		t.reply(chatID, "Could not list pending plans.")
		return
	}
	if len(parents) == 0 {
		t.reply(chatID, "No plans waiting for approval.")
		return
	}
	for _, parent := range parents {
		p, err := t.store.GetPlan(ctx, parent.ID)
		if err != nil {
			t.logger.Warn("failed to load pending plan", "plan_id", parent.ID, "error", err)
			continue
		}
		titles := make([]string, 0, len(p.Subtasks))
		for _, sub := range p.Subtasks {
			titles = append(titles, sub.Title)
		}
		t.sendApproval(chatID, bus.PlanEvent{
			ParentTaskID:  p.Parent.ID,
			WorkspaceID:   p.Parent.WorkspaceID,
			Title:         p.Parent.Title,
			AgentID:       p.Parent.AgentID,
			SubtaskTitles: titles,
		})
	}
}

// handleCallback handles inline button presses on approval messages.
func (t *Telegram) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	planID, action, err := parsePlanCallback(query.Data)
	if err != nil {
		// Not an approval button, ignore.
		return
	}

	ack := tgbotapi.NewCallbackWithAlert(query.ID, fmt.Sprintf("Processing %s...", action))
	if _, err := t.bot.Request(ack); err != nil {
		t.logger.Warn("failed to acknowledge callback", "error", err)
	}

	var chatID int64
	if query.Message != nil {
		chatID = query.Message.Chat.ID
	}

	actor := query.From.UserName
	if actor == "" {
		actor = fmt.Sprintf("id%d", query.From.ID)
	}
	actor = "telegram:" + actor

	switch action {
	case "approve":
		_, err = t.machine.Approve(ctx, planID, actor)
	case "reject":
		_, err = t.machine.Reject(ctx, planID, actor, "rejected via telegram")
	default:
		t.logger.Warn("unknown plan action in callback", "action", action)
		return
	}

	switch {
	case err == nil:
		// The resolution note reaches the chat through the plan.approved
		// or plan.rejected bus event.
	case errdefs.IsInvalidState(err):
		t.replyTo(chatID, "That plan was already resolved.")
	case errdefs.IsNotFound(err):
		t.replyTo(chatID, "That plan no longer exists.")
	default:
		t.logger.Error("plan decision via telegram failed",
			"plan_id", planID,
			"action", action,
			"error", err,
		)
		t.replyTo(chatID, "Could not record the decision, try again.")
	}
}

// watchPlans forwards plan lifecycle events from the bus into every allowed
// chat. Runs until ctx is canceled or the bus subscription closes.
func (t *Telegram) watchPlans(ctx context.Context) {
	sub := t.eventBus.Subscribe("plan.")
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			planEv, ok := ev.Payload.(bus.PlanEvent)
			if !ok {
				t.logger.Warn("invalid plan event payload", "topic", ev.Topic, "type", fmt.Sprintf("%T", ev.Payload))
				continue
			}
			switch ev.Topic {
			case bus.TopicPlanCreated:
				for chatID := range t.allowedIDs {
					t.sendApproval(chatID, planEv)
				}
			case bus.TopicPlanApproved, bus.TopicPlanRejected:
				msg := formatPlanResolution(ev.Topic, planEv)
				for chatID := range t.allowedIDs {
					t.replyMarkdown(chatID, msg)
				}
			}
		}
	}
}

// sendApproval sends one approval prompt with Approve/Reject buttons.
func (t *Telegram) sendApproval(chatID int64, ev bus.PlanEvent) {
	keyboard := planKeyboard(ev.ParentTaskID)
	t.replyMarkdownWithKeyboard(chatID, formatPlanRequest(ev), &keyboard)
}

func (t *Telegram) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

// replyTo is reply with a guard for callbacks that arrive without an
// attached message.
func (t *Telegram) replyTo(chatID int64, text string) {
	if chatID == 0 {
		return
	}
	t.reply(chatID, text)
}

// replyMarkdown sends a MarkdownV2-formatted message.
func (t *Telegram) replyMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "MarkdownV2"
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram markdown reply", "error", err)
	}
}

// replyMarkdownWithKeyboard sends a MarkdownV2-formatted message with an
// inline keyboard.
func (t *Telegram) replyMarkdownWithKeyboard(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "MarkdownV2"
	msg.ReplyMarkup = keyboard
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram message with keyboard", "error", err)
	}
}

// planKeyboard builds the inline Approve/Reject row for a pending plan.
func planKeyboard(planID string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Approve", fmt.Sprintf("plan:%s:approve", planID)),
			tgbotapi.NewInlineKeyboardButtonData("❌ Reject", fmt.Sprintf("plan:%s:reject", planID)),
		),
	)
}

// formatPlanRequest renders the approval prompt for a pending plan.
func formatPlanRequest(ev bus.PlanEvent) string {
	msg := fmt.Sprintf("📋 *Plan approval needed*\n\n%s", escapeMarkdownV2(ev.Title))
	if ev.AgentID != "" {
		msg += fmt.Sprintf("\nAgent: `%s`", escapeMarkdownV2(ev.AgentID))
	}
	for i, title := range ev.SubtaskTitles {
		msg += fmt.Sprintf("\n%d\\. %s", i+1, escapeMarkdownV2(title))
	}
	return msg
}

// formatPlanResolution renders the note sent once a plan is decided.
func formatPlanResolution(topic string, ev bus.PlanEvent) string {
	verdict := "✅ *Plan approved*"
	if topic == bus.TopicPlanRejected {
		verdict = "❌ *Plan rejected*"
	}
	msg := fmt.Sprintf("%s\n\n%s", verdict, escapeMarkdownV2(ev.Title))
	if ev.Actor != "" {
		msg += fmt.Sprintf("\nBy: %s", escapeMarkdownV2(ev.Actor))
	}
	return msg
}

// parsePlanCallback parses approval button data of the form
// "plan:<parentTaskID>:<action>".
func parsePlanCallback(data string) (planID, action string, err error) {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, "plan:") {
		return "", "", fmt.Errorf("not a plan callback")
	}
	parts := strings.SplitN(data[len("plan:"):], ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid plan callback format")
	}
	return parts[0], parts[1], nil
}

// escapeMarkdownV2 escapes the characters Telegram MarkdownV2 reserves:
// _ * [ ] ( ) ~ > # + - = | { } . !
func escapeMarkdownV2(s string) string {
	const reserved = "_*[]()~>#+-=|{}.!"
	out := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(reserved, s[i]) >= 0 {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
