package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// RatePerSec caps outgoing messages; excess alerts are dropped with ErrThrottled.
	RatePerSec int
	// Attendance also forwards per-event attendance alerts, not only system ones.
	Attendance bool
	// APIURL overrides the Bot API endpoint (tests, self-hosted servers).
	APIURL string
}

// Telegram forwards alerts to a chat. The bot is created offline: nothing is
// sent until the first alert and no update polling ever runs.
type Telegram struct {
	cfg     TelegramConfig
	bot     *tele.Bot
	chat    *tele.Chat
	limiter *rate.Limiter
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram: token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram: chat_id is empty")
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{
		cfg:     cfg,
		bot:     b,
		chat:    &tele.Chat{ID: cfg.ChatID},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}, nil
}

func (t *Telegram) Notify(ctx context.Context, a Alert) error {
	if a.Kind == KindAttendance && !t.cfg.Attendance {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.limiter.Allow() {
		return ErrThrottled
	}
	_, err := t.bot.Send(t.chat, Text(a), &tele.SendOptions{
		ThreadID:              t.cfg.ThreadID,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}
