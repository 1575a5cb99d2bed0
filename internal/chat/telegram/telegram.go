// Package telegram adapts the chat.Client surface onto the Telegram Bot API
// via telebot. Every API call passes through a token bucket so bursts of
// edits stay inside the platform quota.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	logx "github.com/retoruto-carry/choseichan-sub004/pkg/logx"
)

// Config configures the adapter. Token is required; the adapter owns it, it
// is never passed per call.
type Config struct {
	Token string
	// RatePerSecond caps outbound API calls. Default 25 (Telegram's global
	// bot limit is 30 msg/s; stay under it).
	RatePerSecond float64
	// Burst is the token bucket depth. Default 5.
	Burst int
	// Timeout bounds a single API call. Default 10s.
	Timeout time.Duration
}

type Client struct {
	bot     *tele.Bot
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 25
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Client{
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		log:     log,
	}, nil
}

func (c *Client) SendMessage(ctx context.Context, channelID, text string) (string, error) {
	chat, err := parseChat(channelID)
	if err != nil {
		return "", err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	msg, err := c.bot.Send(chat, text, &tele.SendOptions{DisableWebPagePreview: true})
	if err != nil {
		return "", err
	}
	c.log.Debug("message sent", logx.String("channel", channelID), logx.Int("message", msg.ID))
	return strconv.Itoa(msg.ID), nil
}

func (c *Client) EditMessage(ctx context.Context, channelID, messageID, text string) error {
	chat, err := parseChat(channelID)
	if err != nil {
		return err
	}
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("message id %q: %w", messageID, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err = c.bot.Edit(&tele.Message{ID: id, Chat: chat}, text, &tele.SendOptions{DisableWebPagePreview: true})
	if err != nil && !errors.Is(err, tele.ErrSameMessageContent) {
		return err
	}
	return nil
}

func parseChat(channelID string) (*tele.Chat, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(channelID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("channel id %q: %w", channelID, err)
	}
	return &tele.Chat{ID: id}, nil
}
