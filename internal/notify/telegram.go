package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// MaxMessageLen is Telegram's limit on message text, in characters.
const MaxMessageLen = 4096

// Telegram sends payloads to one chat as HTML-formatted messages.
type Telegram struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	channel string
}

// NewTelegram authenticates the bot token against the Bot API. chatID is
// either a numeric chat id ("-100123...") or a public channel ("@name").
func NewTelegram(token, chatID string) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return newTelegram(bot, chatID)
}

// NewTelegramWithEndpoint is NewTelegram against a custom API endpoint,
// formatted like tgbotapi.APIEndpoint.
func NewTelegramWithEndpoint(token, chatID, endpoint string, client *http.Client) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return newTelegram(bot, chatID)
}

func newTelegram(bot *tgbotapi.BotAPI, chatID string) (*Telegram, error) {
	t := &Telegram{bot: bot}
	chatID = strings.TrimSpace(chatID)
	if strings.HasPrefix(chatID, "@") {
		t.channel = chatID
		return t, nil
	}
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	t.chatID = id
	return t, nil
}

// BotName returns the authenticated bot's username.
func (t *Telegram) BotName() string {
	return t.bot.Self.UserName
}

func (t *Telegram) Send(ctx context.Context, payload string) Result {
	if err := ctx.Err(); err != nil {
		return Result{Status: Failure, Err: err}
	}

	text := truncate(payload, MaxMessageLen)

	var msg tgbotapi.MessageConfig
	if t.channel != "" {
		msg = tgbotapi.NewMessageToChannel(t.channel, text)
	} else {
		msg = tgbotapi.NewMessage(t.chatID, text)
	}
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	if _, err := t.bot.Send(msg); err != nil {
		return classify(err)
	}
	return Result{Status: Success}
}

// classify maps a Bot API error onto a Result. 429 is rate limiting and
// other 4xx replies are permanent; anything else may succeed later.
func classify(err error) Result {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests {
			return Result{
				Status:     RateLimited,
				RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second,
				Err:        err,
			}
		}
		return Result{
			Status:    Failure,
			Permanent: apiErr.Code >= 400 && apiErr.Code < 500,
			Err:       err,
		}
	}
	return Result{Status: Failure, Err: err}
}

// truncate cuts s to max runes. The cut backs off to before a tag or
// entity it would otherwise split.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	head := string(runes[:max-1])
	if i := strings.LastIndexByte(head, '<'); i > strings.LastIndexByte(head, '>') {
		head = head[:i]
	}
	if i := strings.LastIndexByte(head, '&'); i > strings.LastIndexByte(head, ';') {
		head = head[:i]
	}
	return head + "…"
}
