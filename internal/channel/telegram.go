package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatguard/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramHTTPTimeout = 60 * time.Second

// TelegramConfig configures the Bot API client.
type TelegramConfig struct {
	Token       string
	APIEndpoint string // format string with two %s (token, method); default tgbotapi.APIEndpoint
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Telegram is a Bot API client implementing domain.BotAPI and
// domain.WebhookAPI. It is safe for concurrent use.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewTelegram connects to the Bot API and verifies the token with getMe.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: token is required")
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: telegramHTTPTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, &ctxClient{ctx: ctx, client: cfg.HTTPClient})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	cfg.Logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	return &Telegram{bot: bot, cancel: cancel, logger: cfg.Logger}, nil
}

// Self returns the bot's own account.
func (t *Telegram) Self() tgbotapi.User { return t.bot.Self }

// Close aborts in-flight requests. The client is unusable afterwards.
func (t *Telegram) Close() {
	t.cancel()
}

func (t *Telegram) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Request(tgbotapi.NewDeleteMessage(chatID, int(messageID)))
	return classify("deleteMessage", err)
}

// SendMessage posts plain text; threadID addresses a forum topic.
func (t *Telegram) SendMessage(ctx context.Context, chatID, threadID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := tgbotapi.Params{"chat_id": strconv.FormatInt(chatID, 10)}
	params.AddNonEmpty("text", text)
	params.AddNonZero64("message_thread_id", threadID)
	params.AddBool("disable_web_page_preview", true)

	_, err := t.bot.MakeRequest("sendMessage", params)
	return classify("sendMessage", err)
}

func (t *Telegram) SetWebhook(ctx context.Context, reg domain.WebhookRegistration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := tgbotapi.Params{}
	params.AddNonEmpty("url", reg.URL)
	params.AddNonEmpty("secret_token", reg.Secret)
	params.AddNonZero("max_connections", reg.MaxConnections)
	if len(reg.AllowedUpdates) > 0 {
		if err := params.AddInterface("allowed_updates", reg.AllowedUpdates); err != nil {
			return fmt.Errorf("setWebhook: %w", err)
		}
	}

	_, err := t.bot.MakeRequest("setWebhook", params)
	return classify("setWebhook", err)
}

func (t *Telegram) DeleteWebhook(ctx context.Context, dropPending bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Request(tgbotapi.DeleteWebhookConfig{DropPendingUpdates: dropPending})
	return classify("deleteWebhook", err)
}

// WebhookInfo returns the currently registered webhook.
func (t *Telegram) WebhookInfo() (tgbotapi.WebhookInfo, error) {
	info, err := t.bot.GetWebhookInfo()
	return info, classify("getWebhookInfo", err)
}

// GetUpdates long-polls for raw updates starting at offset. It returns as
// soon as ctx is cancelled even if the request is still outstanding.
func (t *Telegram) GetUpdates(ctx context.Context, offset int64, timeout time.Duration, allowed []string) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	params := tgbotapi.Params{}
	params.AddNonZero64("offset", offset)
	params.AddNonZero("timeout", int(timeout/time.Second))
	if len(allowed) > 0 {
		if err := params.AddInterface("allowed_updates", allowed); err != nil {
			return nil, fmt.Errorf("getUpdates: %w", err)
		}
	}

	type result struct {
		resp *tgbotapi.APIResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := t.bot.MakeRequest("getUpdates", params)
		done <- result{resp, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		// The abandoned poll confirms nothing new; its updates are fetched
		// again by the next call with the same offset.
		return nil, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return nil, classify("getUpdates", res.err)
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(res.resp.Result, &raw); err != nil {
		return nil, fmt.Errorf("getUpdates: decode result: %w", err)
	}
	return raw, nil
}

// classify maps a tgbotapi error onto the domain error classes.
func classify(method string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", method, err)
	}

	e := &domain.APIError{
		Method:      method,
		Code:        apiErr.Code,
		Description: apiErr.Message,
		RetryAfter:  apiErr.RetryAfter,
	}
	desc := strings.ToLower(apiErr.Message)
	switch {
	case apiErr.Code == http.StatusTooManyRequests || apiErr.RetryAfter > 0:
		e.Kind = domain.ErrRateLimited
	case strings.Contains(desc, "thread not found"):
		e.Kind = domain.ErrThreadNotFound
	case strings.Contains(desc, "message to delete not found"), strings.Contains(desc, "message not found"):
		e.Kind = domain.ErrMessageGone
	case apiErr.Code == http.StatusForbidden,
		strings.Contains(desc, "not enough rights"),
		strings.Contains(desc, "have no rights"),
		strings.Contains(desc, "can't be deleted"),
		strings.Contains(desc, "chat_admin_required"):
		e.Kind = domain.ErrPermission
	}
	return e
}

// ctxClient binds every Bot API request to the client's lifetime so Close
// can abort long polls and stuck calls.
type ctxClient struct {
	ctx    context.Context
	client *http.Client
}

func (c *ctxClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(c.ctx))
}

var (
	_ domain.BotAPI     = (*Telegram)(nil)
	_ domain.WebhookAPI = (*Telegram)(nil)
)
