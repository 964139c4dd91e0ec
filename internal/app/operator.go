package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"binance-basis-bot/internal/alerts"
	"binance-basis-bot/internal/state"

	"go.uber.org/zap"
)

const (
	operatorOffsetKey  = "telegram:operator:last_update_id"
	operatorHedgeLimit = 10
)

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64     `json:"update_id"`
	Time         time.Time `json:"time"`
	Action       string    `json:"action"`
	Command      string    `json:"command"`
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username,omitempty"`
	ChatID       int64     `json:"chat_id"`
	PausedBefore bool      `json:"paused_before"`
	PausedAfter  bool      `json:"paused_after"`
}

func (a *App) operatorEnabled() bool {
	return a.cfg != nil && a.cfg.Telegram.OperatorEnabled && a.alerts.Enabled()
}

func (a *App) runOperator(ctx context.Context) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, _, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

// parseOperatorCommand splits "/cmd@botname arg ..." into a lowercase command
// and its arguments.
func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	if cmd == "" {
		return "", nil, false
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.operatorStatus(ctx), nil
	case "pause":
		before := a.isPaused()
		after := a.setPaused(true)
		a.auditOperatorEvent(ctx, a.auditEvent("pause", meta, before, after))
		if before {
			return "hedging already paused", nil
		}
		return "hedging paused", nil
	case "resume":
		before := a.isPaused()
		after := a.setPaused(false)
		a.auditOperatorEvent(ctx, a.auditEvent("resume", meta, before, after))
		if !before {
			return "hedging already active", nil
		}
		return "hedging resumed", nil
	case "hedges":
		return a.operatorHedges(ctx)
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) auditEvent(action string, meta operatorMeta, before, after bool) operatorAuditEvent {
	return operatorAuditEvent{
		UpdateID:     meta.UpdateID,
		Time:         time.Now().UTC(),
		Action:       action,
		Command:      meta.Raw,
		UserID:       meta.UserID,
		Username:     meta.Username,
		ChatID:       meta.ChatID,
		PausedBefore: before,
		PausedAfter:  after,
	}
}

func (a *App) operatorStatus(ctx context.Context) string {
	if a.cfg == nil || a.ledger == nil {
		return "status unavailable"
	}
	symbol := a.cfg.Exchange.Symbol
	feedState := "unknown"
	funding := "n/a"
	if a.feed != nil {
		feedState = string(a.feed.State())
		if rate, ok := a.feed.FundingRate(); ok {
			funding = fmt.Sprintf("%.8f", rate)
		}
	}
	locked, _ := a.ledger.LockedCollateral(symbol)
	fees := a.ledger.Fees()
	unwinds, interrupted := "n/a", "n/a"
	if a.store != nil {
		if open, err := state.LoadHedges(ctx, a.store, openHedgeStatuses...); err == nil {
			var nUnwind, nInterrupted int
			for _, rec := range open {
				if rec.Status == state.HedgeInterrupted {
					nInterrupted++
				} else {
					nUnwind++
				}
			}
			unwinds, interrupted = strconv.Itoa(nUnwind), strconv.Itoa(nInterrupted)
		}
	}
	return strings.Join([]string{
		fmt.Sprintf("symbol: %s", symbol),
		fmt.Sprintf("feed: %s", feedState),
		fmt.Sprintf("paused: %t", a.isPaused()),
		fmt.Sprintf("equity: %.2f", a.ledger.Equity()),
		fmt.Sprintf("available_equity: %.2f", a.ledger.AvailableEquity()),
		fmt.Sprintf("locked_collateral: %.2f", locked),
		fmt.Sprintf("win_prob: %.4f (%d outcomes)", a.ledger.EstimateWinProb(), a.ledger.HistoryLen()),
		fmt.Sprintf("fees: maker %.6f taker %.6f", fees.Maker, fees.Taker),
		fmt.Sprintf("funding_rate: %s", funding),
		fmt.Sprintf("unwind_required: %s", unwinds),
		fmt.Sprintf("interrupted: %s", interrupted),
	}, "\n")
}

func (a *App) operatorHedges(ctx context.Context) (string, error) {
	if a.store == nil {
		return "hedge journal unavailable", nil
	}
	open, err := state.LoadHedges(ctx, a.store, openHedgeStatuses...)
	if err != nil {
		return "", err
	}
	if len(open) == 0 {
		return "no hedges require unwind", nil
	}
	lines := []string{fmt.Sprintf("%d hedge(s) require manual unwind:", len(open))}
	for i, rec := range open {
		if i == operatorHedgeLimit {
			lines = append(lines, fmt.Sprintf("... %d more", len(open)-operatorHedgeLimit))
			break
		}
		spotOrder := rec.SpotOrderID
		if spotOrder == "" {
			spotOrder = "unknown"
		}
		lines = append(lines, fmt.Sprintf("%s %s %s %.6f spot_order=%s status=%s at %s",
			rec.ID, rec.Symbol, rec.SpotSide, rec.Size, spotOrder, rec.Status,
			time.UnixMilli(rec.CreatedAtMS).UTC().Format(time.RFC3339),
		))
	}
	return strings.Join(lines, "\n"), nil
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - ledger, feed and journal summary",
		"/pause - stop launching new hedges",
		"/resume - resume launching hedges",
		"/hedges - list unwind-required and interrupted hedges",
	}, "\n")
}

func (a *App) isPaused() bool {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	return a.paused
}

func (a *App) setPaused(paused bool) bool {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.paused = paused
	return a.paused
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
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
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", time.Now().UTC().UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
