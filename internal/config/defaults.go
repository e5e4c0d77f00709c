package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Telegram: TelegramConfig{
			PollTimeout:    "30s",
			AllowedUpdates: defaultAllowedUpdates(),
			DropPending:    true,
		},
		Webhook: WebhookConfig{
			Path:           "/webhook",
			Port:           10000,
			MaxConnections: 40,
		},
		Moderation: ModerationConfig{
			Banned:             defaultBanned(),
			ExemptChats:        FlexStringList{},
			WarnCooldown:       "2s",
			WarnOrder:          "delete-first",
			MaxTextChars:       4096,
			CooldownTTL:        "10m",
			CooldownMaxEntries: 10000,
		},
		Dispatch: DispatchConfig{
			MaxConcurrent:   8,
			ShutdownTimeout: "10s",
			DedupeWindow:    4096,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}

func defaultAllowedUpdates() []string {
	return []string{
		"message", "edited_message",
		"channel_post", "edited_channel_post",
		"chat_member", "my_chat_member",
	}
}

func defaultBanned() FlexStringList {
	return FlexStringList{"casino", "http://", "https://", "t.me/"}
}
