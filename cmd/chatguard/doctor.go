package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"chatguard/internal/channel"
	"chatguard/internal/config"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your chatguard setup",
		Long: `Verifies the configuration, the bot token, and the webhook registration.
Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chatguard doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r report

			// 1. Config file (optional: defaults + environment also work)
			if _, err := os.Stat(config.ExpandPath(cfgPath)); err != nil {
				r.warn("Config file", fmt.Sprintf("not found at %s, using defaults and environment", cfgPath))
			} else {
				r.pass("Config file", cfgPath)
			}

			// 2. Config resolves and validates
			cfg, err := config.Resolve(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			// 3. Moderation rules
			if cfg.Moderation.DeleteAll {
				r.warn("Moderation", "deleteAll is on: every message will be removed")
			} else {
				r.pass("Moderation", fmt.Sprintf("%d banned phrases, %d exempt chats", len(cfg.Moderation.Banned), len(cfg.Moderation.ExemptChats)))
			}

			// 4. Webhook URL
			if cfg.Webhook.BaseURL == "" {
				r.warn("Webhook URL", "baseUrl not set; only 'poll' mode will work")
			} else {
				r.pass("Webhook URL", cfg.Webhook.URL())
			}

			// 5. Listen port
			if err := checkPort(cfg.Webhook.Host, cfg.Webhook.Port); err != nil {
				r.warn("Listen port", fmt.Sprintf("port %d may be in use: %v", cfg.Webhook.Port, err))
			} else {
				r.pass("Listen port", fmt.Sprintf(":%d available", cfg.Webhook.Port))
			}

			// 6. Token (getMe)
			if cfg.Telegram.Token == "" {
				r.fail("Bot token", "not set (BOT_TOKEN or telegram.token)")
				return r.summary()
			}
			tg, err := channel.NewTelegram(channel.TelegramConfig{
				Token:       cfg.Telegram.Token,
				APIEndpoint: cfg.Telegram.APIEndpoint,
				Logger:      logger,
			})
			if err != nil {
				r.fail("Bot token", err.Error())
				return r.summary()
			}
			defer tg.Close()
			r.pass("Bot token", "@"+tg.Self().UserName)

			// 7. Current webhook registration
			info, err := tg.WebhookInfo()
			switch {
			case err != nil:
				r.fail("Webhook info", err.Error())
			case info.URL == "":
				r.warn("Webhook info", "no webhook registered (run 'chatguard serve')")
			case cfg.Webhook.BaseURL != "" && info.URL != cfg.Webhook.URL():
				r.warn("Webhook info", fmt.Sprintf("registered %s, configured %s", info.URL, cfg.Webhook.URL()))
			case info.LastErrorMessage != "":
				r.warn("Webhook info", fmt.Sprintf("%s (pending %d, last error: %s)", info.URL, info.PendingUpdateCount, info.LastErrorMessage))
			default:
				r.pass("Webhook info", fmt.Sprintf("%s (pending %d)", info.URL, info.PendingUpdateCount))
			}

			return r.summary()
		},
	}
}

type report struct {
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func (r *report) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running chatguard.\n")
		return errors.New(strconv.Itoa(r.failed) + " check(s) failed")
	}
	if r.warned > 0 {
		fmt.Printf("\nchatguard should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed! chatguard is ready to run.\n")
	}
	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
