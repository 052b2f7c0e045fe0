package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ─────────────────────────── notification sinks ───────────────────────────

// CycleSummary is what a notifier gets at the end of a cycle. Items carries
// at most a handful of titles for the human-readable channels.
type CycleSummary struct {
	Kind       string        `json:"kind"` // "poll" or "retro"
	AuthorID   uint64        `json:"author_id"`
	Started    time.Time     `json:"started"`
	Took       time.Duration `json:"took"`
	Pages      int           `json:"pages"`
	Accepted   int           `json:"accepted"`
	Duplicates int           `json:"duplicates"`
	Filtered   int           `json:"filtered"`
	Errors     int           `json:"errors"`
	CursorID   uint64        `json:"cursor_id"`
	Items      []string      `json:"items,omitempty"`
}

type Notifier interface {
	Name() string
	Notify(ctx context.Context, s CycleSummary) error
}

// ───────── Telegram ─────────

type telegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func newTelegramNotifier(token string, chatID int64) (*telegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	return &telegramNotifier{bot: bot, chatID: chatID}, nil
}

func (n *telegramNotifier) Name() string { return "telegram" }

func (n *telegramNotifier) Notify(_ context.Context, s CycleSummary) error {
	if s.Accepted == 0 && s.Kind == "poll" {
		return nil // quiet cycles stay quiet
	}
	text := fmt.Sprintf(
		"*tracker %s* author `%d`\naccepted: %d  dup: %d  filtered: %d  err: %d\npages: %d  cursor: %d  took: %s",
		s.Kind, s.AuthorID, s.Accepted, s.Duplicates, s.Filtered, s.Errors,
		s.Pages, s.CursorID, s.Took.Round(time.Second),
	)
	for i, title := range s.Items {
		if i >= 5 {
			text += fmt.Sprintf("\n… and %d more", len(s.Items)-i)
			break
		}
		text += "\n• " + title
	}
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	_, err := n.bot.Send(msg)
	return err
}

// ───────── Generic webhook ─────────

type webhookNotifier struct {
	url    string
	client *http.Client
}

func newWebhookNotifier(url string) *webhookNotifier {
	return &webhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

func (n *webhookNotifier) Name() string { return "webhook" }

func (n *webhookNotifier) Notify(ctx context.Context, s CycleSummary) error {
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
