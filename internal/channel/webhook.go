package channel

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"chatguard/internal/dispatch"
	"chatguard/internal/domain"
)

// SecretHeader carries the secret token Telegram echoes on every delivery.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxWebhookBody = 1 << 20

// WebhookConfig configures the webhook ingress server.
type WebhookConfig struct {
	Host        string
	Port        int
	Path        string // default /webhook
	Secret      string // expected SecretHeader value; empty disables the check
	PublicURL   string // reported on GET /
	Submitter   domain.Submitter
	Metrics     http.Handler // optional, served at MetricsPath
	MetricsPath string
	Logger      *slog.Logger
}

// Webhook receives Telegram updates over HTTPS POST and hands them to a
// Submitter. Submission never blocks, so the response goes out before any
// moderation action runs.
type Webhook struct {
	addr        string
	path        string
	secret      string
	publicURL   string
	submitter   domain.Submitter
	metrics     http.Handler
	metricsPath string
	logger      *slog.Logger
	server      *http.Server
}

// NewWebhook creates a webhook server. It does not listen until Start.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.Submitter == nil {
		return nil, errors.New("webhook: submitter is required")
	}
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	if cfg.Port == 0 {
		cfg.Port = 10000
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Webhook{
		addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		path:        cfg.Path,
		secret:      cfg.Secret,
		publicURL:   cfg.PublicURL,
		submitter:   cfg.Submitter,
		metrics:     cfg.Metrics,
		metricsPath: cfg.MetricsPath,
		logger:      cfg.Logger,
	}, nil
}

// Handler returns the HTTP routes served by the webhook.
func (w *Webhook) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(w.path, w.handleUpdate)
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, map[string]string{"status": "ok"})
	})
	if w.metrics != nil {
		mux.Handle(w.metricsPath, w.metrics)
	}
	mux.HandleFunc("/", func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(rw, r)
			return
		}
		writeJSON(rw, map[string]any{"ok": true, "service": "chatguard", "webhook": w.publicURL})
	})
	return mux
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(v)
}

// Start serves until ctx is cancelled, then stops accepting deliveries and
// waits up to five seconds for in-flight requests.
func (w *Webhook) Start(ctx context.Context) error {
	w.server = &http.Server{
		Addr:              w.addr,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	w.logger.Info("webhook server starting", "addr", w.addr, "path", w.path)

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

func (w *Webhook) handleUpdate(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if w.secret != "" && !secretMatches(r.Header.Get(SecretHeader), w.secret) {
		w.logger.Warn("webhook rejected: bad secret token", "remote", r.RemoteAddr)
		http.Error(rw, "Forbidden", http.StatusForbidden)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}

	u, ok, err := DecodeUpdate(body)
	switch {
	case err != nil:
		// Telegram retries non-2xx forever; a body it sent once will not decode later.
		w.logger.Warn("webhook update undecodable", "err", err, "bytes", len(body))
	case !ok:
		w.logger.Debug("webhook update skipped", "update_id", u.UpdateID)
	default:
		if err := w.submitter.Submit(u); err != nil {
			if errors.Is(err, dispatch.ErrShuttingDown) {
				http.Error(rw, "Service Unavailable", http.StatusServiceUnavailable)
				return
			}
			if !errors.Is(err, dispatch.ErrDuplicate) {
				w.logger.Warn("webhook submit failed", "update_id", u.UpdateID, "err", err)
			}
		}
	}

	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(rw, "ok")
}

func secretMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// RegisterWebhook clears any previous registration and points Telegram at
// reg.URL.
func RegisterWebhook(ctx context.Context, api domain.WebhookAPI, reg domain.WebhookRegistration, dropPending bool) error {
	if err := api.DeleteWebhook(ctx, dropPending); err != nil {
		return fmt.Errorf("register webhook: %w", err)
	}
	if err := api.SetWebhook(ctx, reg); err != nil {
		return fmt.Errorf("register webhook: %w", err)
	}
	return nil
}
