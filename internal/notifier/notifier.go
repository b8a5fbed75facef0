// Package notifier sends optional run-outcome notifications to Telegram.
//
// Notifications are strictly best-effort: a send failure is logged and never
// affects the run record or the dispatcher's exit status. A token-bucket
// limiter keeps a flapping task from flooding the chat.
package notifier

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"cronsmith/internal/config"
	"cronsmith/internal/store"
	"cronsmith/pkg/logx"
)

type Notifier struct {
	bot     *tele.Bot
	chat    *tele.Chat
	limiter *rate.Limiter
	log     logx.Logger
}

// New builds a notifier from config. Returns (nil, nil) when Telegram
// notifications are disabled; a nil *Notifier is safe to call.
func New(cfg config.TelegramConfig, log logx.Logger) (*Notifier, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("notifier: %w", err)
	}
	perMin := cfg.RatePerMin
	if perMin <= 0 {
		perMin = 20
	}
	return &Notifier{
		bot:     bot,
		chat:    &tele.Chat{ID: cfg.ChatID},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin),
		log:     log,
	}, nil
}

// RunFinished reports a finalized run. Successes are only reported when the
// delivery failed; failures always are.
func (n *Notifier) RunFinished(task store.Task, run store.Run) {
	if n == nil {
		return
	}
	var msg string
	switch {
	case run.Status == store.RunFailure:
		msg = fmt.Sprintf("❌ %s (%s) failed: %s", task.Name, task.ID, clip(run.Error, 500))
	case run.DeliveryError != "":
		msg = fmt.Sprintf("⚠️ %s (%s) ran but delivery failed: %s", task.Name, task.ID, clip(run.DeliveryError, 500))
	default:
		return
	}
	if !n.limiter.Allow() {
		n.log.Warn("notification suppressed by rate limit", logx.String("task", task.ID))
		return
	}
	if _, err := n.bot.Send(n.chat, msg); err != nil {
		n.log.Warn("telegram notification failed", logx.String("task", task.ID), logx.Err(err))
	}
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
