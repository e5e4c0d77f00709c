package domain

import "context"

// BotAPI is the subset of the Telegram Bot API the moderator calls.
// Implementations must be safe for concurrent use.
type BotAPI interface {
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	// SendMessage posts text to chatID; threadID 0 means the top-level conversation.
	SendMessage(ctx context.Context, chatID, threadID int64, text string) error
}

// WebhookAPI manages webhook registration. It is only used at startup.
type WebhookAPI interface {
	SetWebhook(ctx context.Context, cfg WebhookRegistration) error
	DeleteWebhook(ctx context.Context, dropPending bool) error
}

// WebhookRegistration holds the setWebhook parameters.
type WebhookRegistration struct {
	URL            string
	Secret         string
	AllowedUpdates []string
	MaxConnections int
}

// Submitter accepts normalized updates from an ingress adapter.
// Submit must not block on moderation work.
type Submitter interface {
	Submit(u Update) error
}
