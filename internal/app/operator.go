package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"hl-spread-arb/internal/alerts"
	"hl-spread-arb/internal/state"
	"hl-spread-arb/internal/strategy"

	"go.uber.org/zap"
)

const (
	operatorOffsetKey   = "telegram:operator:last_update_id"
	defaultOperatorPoll = 3 * time.Second
)

type operatorSender interface {
	Send(ctx context.Context, message string) error
	GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]alerts.Update, error)
}

// operatorRequest is one accepted chat command.
type operatorRequest struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Text     string
}

// auditRecord is stored under state.AuditKeyPrefix for every state-changing
// command.
type auditRecord struct {
	UpdateID      int64     `json:"update_id"`
	Time          time.Time `json:"time"`
	Action        string    `json:"action"`
	Command       string    `json:"command"`
	UserID        int64     `json:"user_id"`
	Username      string    `json:"username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	PausedBefore  bool      `json:"paused_before"`
	PausedAfter   bool      `json:"paused_after"`
	MonitorBefore string    `json:"monitor_before,omitempty"`
	MonitorAfter  string    `json:"monitor_after,omitempty"`
}

type operatorCommand struct {
	usage string
	run   func(a *App, ctx context.Context, req operatorRequest) (string, error)
}

var operatorCommands = map[string]operatorCommand{
	"status": {"engine state, positions and last spread evaluation", (*App).commandStatus},
	"pause":  {"stop opening and closing spread positions", (*App).commandPause},
	"resume": {"resume spread trading", (*App).commandResume},
	"reset":  {"force the staleness monitor back to live", (*App).commandReset},
}

var operatorCommandOrder = []string{"status", "pause", "resume", "reset"}

// operator polls Telegram for commands from one chat and executes them on
// the event loop.
type operator struct {
	app     *App
	tg      operatorSender
	chatID  int64
	allowed map[int64]struct{}
	poll    time.Duration
	warned  bool
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	op := newOperator(a, a.alerts, chatID, a.cfg.Telegram.OperatorAllowedUserIDs, a.cfg.Telegram.OperatorPollInterval)
	go op.run(ctx)
}

func newOperator(a *App, tg operatorSender, chatID int64, allowedUsers []int64, poll time.Duration) *operator {
	if poll <= 0 {
		poll = defaultOperatorPoll
	}
	allowed := make(map[int64]struct{}, len(allowedUsers))
	for _, id := range allowedUsers {
		allowed[id] = struct{}{}
	}
	return &operator{app: a, tg: tg, chatID: chatID, allowed: allowed, poll: poll}
}

func (o *operator) run(ctx context.Context) {
	offset := o.app.loadOperatorOffset(ctx)
	for ctx.Err() == nil {
		updates, err := o.tg.GetUpdates(ctx, offset, o.poll)
		if err != nil {
			if !o.warned {
				o.warned = true
				o.app.log.Warn("telegram operator failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(o.poll):
			}
			continue
		}
		if o.warned {
			o.warned = false
			o.app.log.Info("telegram operator recovered")
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				o.app.saveOperatorOffset(ctx, offset)
			}
			o.handle(ctx, upd)
		}
	}
}

func (o *operator) handle(ctx context.Context, upd alerts.Update) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil || msg.Chat.ID != o.chatID {
		return
	}
	if _, ok := o.allowed[msg.From.ID]; len(o.allowed) > 0 && !ok {
		return
	}
	name, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	reply, err := o.app.runCommand(ctx, name, operatorRequest{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Text:     msg.Text,
	})
	if err != nil {
		reply = fmt.Sprintf("command failed: %v", err)
	}
	if reply == "" {
		return
	}
	if err := o.tg.Send(ctx, reply); err != nil {
		o.app.log.Warn("operator response failed", zap.Error(err))
	}
}

// parseOperatorCommand returns the lower-cased command name of "/name@bot
// args...". Arguments are ignored.
func parseOperatorCommand(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", false
	}
	name, _, _ := strings.Cut(strings.TrimPrefix(fields[0], "/"), "@")
	return strings.ToLower(name), name != ""
}

// runCommand executes name; unknown names return the help text.
func (a *App) runCommand(ctx context.Context, name string, req operatorRequest) (string, error) {
	cmd, ok := operatorCommands[name]
	if !ok {
		return operatorHelpText(), nil
	}
	return cmd.run(a, ctx, req)
}

func (a *App) commandStatus(ctx context.Context, _ operatorRequest) (string, error) {
	var reply string
	err := a.onLoop(ctx, func(context.Context) { reply = a.operatorStatus() })
	return reply, err
}

func (a *App) commandPause(ctx context.Context, req operatorRequest) (string, error) {
	var changed bool
	if err := a.onLoop(ctx, func(context.Context) { changed = a.engine.Pause() }); err != nil {
		return "", err
	}
	rec := newAuditRecord(req, "pause")
	rec.PausedBefore, rec.PausedAfter = !changed, true
	a.audit(ctx, rec)
	if !changed {
		return "trading already paused", nil
	}
	return "trading paused", nil
}

func (a *App) commandResume(ctx context.Context, req operatorRequest) (string, error) {
	var changed bool
	if err := a.onLoop(ctx, func(context.Context) { changed = a.engine.Resume() }); err != nil {
		return "", err
	}
	rec := newAuditRecord(req, "resume")
	rec.PausedBefore, rec.PausedAfter = changed, false
	a.audit(ctx, rec)
	if !changed {
		return "trading already active", nil
	}
	return "trading resumed", nil
}

func (a *App) commandReset(ctx context.Context, req operatorRequest) (string, error) {
	var changed bool
	var before, after strategy.State
	err := a.onLoop(ctx, func(context.Context) {
		before = a.engine.Variables().Monitor
		changed = a.engine.ResetMonitor()
		after = a.engine.Variables().Monitor
	})
	if err != nil {
		return "", err
	}
	rec := newAuditRecord(req, "reset")
	rec.MonitorBefore, rec.MonitorAfter = string(before), string(after)
	a.audit(ctx, rec)
	if !changed {
		return "staleness monitor already live", nil
	}
	return "staleness monitor reset to live", nil
}

func newAuditRecord(req operatorRequest, action string) auditRecord {
	return auditRecord{
		UpdateID: req.UpdateID,
		Time:     time.Now().UTC(),
		Action:   action,
		Command:  req.Text,
		UserID:   req.UserID,
		Username: req.Username,
		ChatID:   req.ChatID,
	}
}

func (a *App) operatorStatus() string {
	if a.engine == nil {
		return "status unavailable"
	}
	p := a.engine.Params()
	v := a.engine.Variables()
	var b strings.Builder
	fmt.Fprintf(&b, "pair: %s / %s (%s)\n", p.Active.Symbol, p.Passive.Symbol, p.Active.Venue)
	fmt.Fprintf(&b, "state: %s\n", v.State)
	fmt.Fprintf(&b, "monitor: %s (interval %d, count %d)\n", v.Monitor, v.Interval, v.TimerCount)
	fmt.Fprintf(&b, "paused: %t\n", v.Paused)
	fmt.Fprintf(&b, "active_pos: %.6f\n", v.ActivePos)
	fmt.Fprintf(&b, "passive_pos: %.6f\n", v.PassivePos)
	fmt.Fprintf(&b, "imbalance: %.6f (hedge_num %.6f)\n", v.Imbalance, p.HedgeNum)
	fmt.Fprintf(&b, "pending: active=%s passive=%s", orNone(v.ActiveRef), orNone(v.PassiveRef))
	if a.reporter != nil {
		if _, ev, ok := a.reporter.last(); ok {
			fmt.Fprintf(&b, "\ncase: %s", orNone(string(ev.Case)))
			fmt.Fprintf(&b, "\nrate_bid: %.6f rate_ask: %.6f", ev.RateBid, ev.RateAsk)
			fmt.Fprintf(&b, "\nholding: bid=%.4f ask=%.4f exposure=%.4f", ev.BidHolding, ev.AskHolding, ev.Exposure)
			fmt.Fprintf(&b, "\nevaluated_at: %s", ev.At.Format(time.RFC3339))
		}
	}
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func operatorHelpText() string {
	lines := []string{"commands:"}
	for _, name := range operatorCommandOrder {
		lines = append(lines, fmt.Sprintf("/%s - %s", name, operatorCommands[name].usage))
	}
	return strings.Join(lines, "\n")
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	if err := a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10)); err != nil {
		a.log.Debug("operator offset not saved", zap.Error(err))
	}
}

func (a *App) audit(ctx context.Context, rec auditRecord) {
	if a.store == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%s%d:%d", state.AuditKeyPrefix, rec.Time.UnixNano(), rec.UpdateID)
	if err := a.store.Set(ctx, key, string(payload)); err != nil {
		a.log.Warn("operator audit not stored", zap.String("action", rec.Action), zap.Error(err))
	}
}
