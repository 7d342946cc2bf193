// Package telegram sends replay notifications via the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rewired-gh/mmsim/internal/models"
	"github.com/rewired-gh/mmsim/internal/report"
)

// maxListed bounds the per-security lines in one summary message.
const maxListed = 20

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications.
type Client struct {
	bot            sender
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	return newClient(bot, chatIDInt, maxRetries, retryDelayBase), nil
}

func newClient(bot sender, chatID int64, maxRetries int, retryDelayBase time.Duration) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		bot:            bot,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// SendError reports a run that aborted.
func (c *Client) SendError(ctx context.Context, runID string, runErr error) error {
	text := fmt.Sprintf("⚠️ *Replay failed*\nRun `%s`\n`%s`",
		escapeMarkdownV2(runID), escapeMarkdownV2(runErr.Error()))
	return c.sendMarkdownV2(ctx, text)
}

// SendSummary reports a finished run.
func (c *Client) SendSummary(ctx context.Context, run models.Run, sums []models.Summary) error {
	return c.sendMarkdownV2(ctx, formatSummary(run, sums))
}

// formatSummary renders per-security results worst P&L first, so losers are
// visible even when the list is truncated.
func formatSummary(run models.Run, sums []models.Summary) string {
	var b strings.Builder
	b.WriteString("📊 *Replay finished*\n")
	fmt.Fprintf(&b, "Run `%s` · %s\n", escapeMarkdownV2(run.ID), escapeMarkdownV2(run.Strategy))
	if !run.FinishedAt.IsZero() {
		elapsed := run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond)
		fmt.Fprintf(&b, "⏱ %s\n", escapeMarkdownV2(elapsed.String()))
	}
	b.WriteString("\n")

	sorted := make([]models.Summary, len(sums))
	copy(sorted, sums)
	sort.Slice(sorted, func(i, j int) bool {
		if c := sorted[i].RealizedPnL.Cmp(sorted[j].RealizedPnL); c != 0 {
			return c < 0
		}
		return sorted[i].Security < sorted[j].Security
	})

	for i, s := range sorted {
		if i >= maxListed {
			fmt.Fprintf(&b, "…and %d more\n", len(sorted)-maxListed)
			break
		}
		emoji := "📈"
		if s.RealizedPnL.IsNegative() {
			emoji = "📉"
		}
		fmt.Fprintf(&b, "%d\\. *%s* %s %s \\(%d trades, pos %s\\)\n",
			i+1, escapeMarkdownV2(s.Security), emoji,
			escapeMarkdownV2(s.RealizedPnL.StringFixed(2)), s.TradesCount,
			escapeMarkdownV2(strconv.FormatInt(s.FinalPosition, 10)))
	}

	r := report.Aggregate(sums)
	fmt.Fprintf(&b, "\n*Total* %s over %d securities, %d trades",
		escapeMarkdownV2(r.Total.StringFixed(2)), r.Securities, r.Trades)
	if r.Open > 0 {
		fmt.Fprintf(&b, ", %d with open positions", r.Open)
	}
	if r.Securities > 1 {
		fmt.Fprintf(&b, "\nWin rate %s, mean %s, σ %s",
			escapeMarkdownV2(fmt.Sprintf("%.0f%%", r.WinRate()*100)),
			escapeMarkdownV2(fmt.Sprintf("%.2f", r.MeanPnL)),
			escapeMarkdownV2(fmt.Sprintf("%.2f", r.StdDevPnL)))
	}
	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
