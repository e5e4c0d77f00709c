package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatguard/internal/action"
	"chatguard/internal/bus"
	"chatguard/internal/channel"
	"chatguard/internal/config"
	"chatguard/internal/cooldown"
	"chatguard/internal/dispatch"
	"chatguard/internal/domain"
	"chatguard/internal/metrics"
	"chatguard/internal/moderation"
	"chatguard/internal/policy"

	"github.com/spf13/cobra"
)

// stack is the assembled moderation pipeline shared by serve and poll.
type stack struct {
	cfg        *config.Config
	tg         *channel.Telegram
	events     *bus.EventBus
	tracker    *cooldown.Tracker
	dispatcher *dispatch.Dispatcher
}

func newStack(cfg *config.Config) (*stack, error) {
	if cfg.Telegram.Token == "" {
		return nil, errors.New("bot token is required (set BOT_TOKEN or telegram.token)")
	}

	exempt, err := cfg.Moderation.ExemptChatIDs()
	if err != nil {
		return nil, err
	}
	rules, err := policy.NewRules(policy.RulesConfig{
		DeleteAll:     cfg.Moderation.DeleteAll,
		Banned:        cfg.Moderation.Banned,
		ExemptChatIDs: exempt,
		ExemptOwnChat: cfg.Moderation.ExemptOwnChat,
		MaxTextChars:  cfg.Moderation.MaxTextChars,
	})
	if err != nil {
		return nil, err
	}

	tg, err := channel.NewTelegram(channel.TelegramConfig{
		Token:       cfg.Telegram.Token,
		APIEndpoint: cfg.Telegram.APIEndpoint,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	events := bus.NewEventBus(logger)
	metrics.Attach(events)

	tracker := cooldown.NewTracker(
		config.Duration(cfg.Moderation.CooldownTTL, cooldown.DefaultTTL),
		cfg.Moderation.CooldownMaxEntries,
	)
	executor, err := action.NewExecutor(action.ExecutorConfig{
		Bot:         tg,
		Cooldown:    tracker,
		MinInterval: config.Duration(cfg.Moderation.WarnCooldown, cooldown.DefaultInterval),
		WarningText: cfg.Moderation.WarningText,
		Order:       cfg.Moderation.WarnOrder,
		Events:      events,
		Logger:      logger,
	})
	if err != nil {
		tg.Close()
		return nil, err
	}

	pipeline := moderation.NewPipeline(moderation.PipelineConfig{
		Rules:    rules,
		Executor: executor,
		Events:   events,
		Logger:   logger,
	})
	dispatcher := dispatch.New(dispatch.Config{
		Handler:       pipeline,
		MaxConcurrent: cfg.Dispatch.MaxConcurrent,
		DedupeWindow:  cfg.Dispatch.DedupeWindow,
		Events:        events,
		Logger:        logger,
	})
	metrics.QueueDepth.SetFunc(func() int64 { return int64(dispatcher.Pending()) })

	logger.Info("moderation configured",
		"delete_all", cfg.Moderation.DeleteAll,
		"banned", rules.BannedCount(),
		"exempt_chats", len(exempt),
		"warn_cooldown", cfg.Moderation.WarnCooldown,
		"warn_order", cfg.Moderation.WarnOrder,
	)

	return &stack{cfg: cfg, tg: tg, events: events, tracker: tracker, dispatcher: dispatcher}, nil
}

// shutdown drains queued updates, then aborts outstanding Bot API calls.
// Ingress must already be stopped.
func (r *stack) shutdown() error {
	timeout := config.Duration(r.cfg.Dispatch.ShutdownTimeout, 10*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info("draining updates", "pending", r.dispatcher.Pending(), "timeout", timeout)
	err := r.dispatcher.Shutdown(ctx)
	r.tg.Close()
	if err != nil {
		logger.Warn("shutdown timed out, in-flight actions abandoned", "pending", r.dispatcher.Pending())
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Receive updates through a Telegram webhook",
		Long: `Registers <baseUrl><path> as the bot's webhook, then serves it along with
/ and /healthz (and /metrics when enabled). Press Ctrl+C to stop.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadRuntimeConfig()
	if err != nil {
		return err
	}
	defer closeLog()
	if cfg.Webhook.BaseURL == "" {
		return errors.New("webhook base URL is required (set BASE_URL or webhook.baseUrl)")
	}

	rt, err := newStack(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go rt.tracker.Run(ctx, time.Minute)

	wcfg := channel.WebhookConfig{
		Host:      cfg.Webhook.Host,
		Port:      cfg.Webhook.Port,
		Path:      cfg.Webhook.Path,
		Secret:    cfg.Webhook.Secret,
		PublicURL: cfg.Webhook.URL(),
		Submitter: rt.dispatcher,
		Logger:    logger,
	}
	if cfg.Metrics.Enabled {
		wcfg.Metrics = metrics.Collector.Handler()
		wcfg.MetricsPath = cfg.Metrics.Endpoint
	}
	wh, err := channel.NewWebhook(wcfg)
	if err != nil {
		rt.shutdown()
		return err
	}

	regCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = channel.RegisterWebhook(regCtx, rt.tg, domain.WebhookRegistration{
		URL:            cfg.Webhook.URL(),
		Secret:         cfg.Webhook.Secret,
		AllowedUpdates: cfg.Telegram.AllowedUpdates,
		MaxConnections: cfg.Webhook.MaxConnections,
	}, cfg.Telegram.DropPending)
	cancel()
	if err != nil {
		rt.shutdown()
		return err
	}
	logger.Info("webhook registered", "url", cfg.Webhook.URL())

	serveErr := wh.Start(ctx)
	if serveErr != nil {
		logger.Error("webhook server error", "err", serveErr)
	}
	return errors.Join(serveErr, rt.shutdown())
}

func pollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Receive updates by long polling",
		Long:  "Removes any registered webhook and long-polls getUpdates. Useful where no public HTTPS URL exists.",
		RunE:  runPoll,
	}
}

func runPoll(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadRuntimeConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	rt, err := newStack(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go rt.tracker.Run(ctx, time.Minute)

	if err := rt.tg.DeleteWebhook(ctx, cfg.Telegram.DropPending); err != nil {
		rt.shutdown()
		return fmt.Errorf("remove webhook: %w", err)
	}

	poller, err := channel.NewPoller(channel.PollerConfig{
		Source:         rt.tg,
		Submitter:      rt.dispatcher,
		Timeout:        config.Duration(cfg.Telegram.PollTimeout, 30*time.Second),
		AllowedUpdates: cfg.Telegram.AllowedUpdates,
		Logger:         logger,
	})
	if err != nil {
		rt.shutdown()
		return err
	}

	pollErr := poller.Run(ctx)
	return errors.Join(pollErr, rt.shutdown())
}
