// Package telegram is the outbound-only Telegram transport. The chat front
// end lives elsewhere; this adapter only delivers assistant notifications
// to the configured chat.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"majordomo/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token  string
	ChatID int64
}

type Sender struct {
	bot    *tele.Bot
	chatID int64
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{bot: b, chatID: cfg.ChatID, log: log}, nil
}

// SendText delivers text to the configured chat, chunking long messages.
func (s *Sender) SendText(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	chat := &tele.Chat{ID: s.chatID}
	start := time.Now()
	for _, chunk := range splitText(text, textLimit) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := s.bot.Send(chat, chunk); err != nil {
			return err
		}
	}
	s.log.Debug("telegram message sent",
		logx.Int("len", len(text)), logx.Duration("dur", time.Since(start)))
	return nil
}

// splitText splits long messages into chunks safe for the Telegram API,
// preferring newline boundaries near the end of the window.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' {
					// Avoid extremely small chunks.
					if i-start >= limit/3 {
						end = i + 1
					}
					break
				}
			}
		}
		out = append(out, string(rs[start:end]))
		start = end
	}
	return out
}
