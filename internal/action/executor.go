// Package action carries out policy decisions against the Bot API.
//
// Every action is attempted once. Failures are logged and reported in the
// Result; they never stop the pipeline.
package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"chatguard/internal/bus"
	"chatguard/internal/cooldown"
	"chatguard/internal/domain"
)

// DefaultWarningText is used when no template is configured.
const DefaultWarningText = `{{if eq .Reason "chat-identity"}}Messages posted on behalf of a channel are not allowed in this group and will be removed.
Please write from your personal profile.{{else}}A message was removed because it contains a banned phrase.{{end}}`

// Order values for ExecutorConfig.Order.
const (
	OrderDeleteFirst = "delete-first"
	OrderWarnFirst   = "warn-first"
)

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Bot         domain.BotAPI
	Cooldown    *cooldown.Tracker
	MinInterval time.Duration // between warnings in one scope
	WarningText string        // text/template source, see WarningData
	Order       string        // delete-first | warn-first
	Events      *bus.EventBus
	Logger      *slog.Logger
	Now         func() time.Time
}

// WarningData is the template input for warning messages.
type WarningData struct {
	Reason     string
	ChatID     int64
	SenderName string
}

// Result reports what happened for one update.
type Result struct {
	Deleted    bool
	Warned     bool
	Suppressed bool // warning skipped by cooldown
	DeleteErr  error
	WarnErr    error
}

// Executor performs delete/warn side effects.
type Executor struct {
	bot         domain.BotAPI
	cooldown    *cooldown.Tracker
	minInterval time.Duration
	warning     *template.Template
	warnFirst   bool
	events      *bus.EventBus
	logger      *slog.Logger
	now         func() time.Time
}

func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Bot == nil {
		return nil, errors.New("action: bot api is required")
	}
	if cfg.Cooldown == nil {
		cfg.Cooldown = cooldown.NewTracker(0, 0)
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = cooldown.DefaultInterval
	}
	if cfg.WarningText == "" {
		cfg.WarningText = DefaultWarningText
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	switch cfg.Order {
	case "", OrderDeleteFirst, OrderWarnFirst:
	default:
		return nil, fmt.Errorf("action: unknown order %q", cfg.Order)
	}

	tmpl, err := template.New("warning").Option("missingkey=error").Parse(cfg.WarningText)
	if err != nil {
		return nil, fmt.Errorf("action: parse warning template: %w", err)
	}

	return &Executor{
		bot:         cfg.Bot,
		cooldown:    cfg.Cooldown,
		minInterval: cfg.MinInterval,
		warning:     tmpl,
		warnFirst:   cfg.Order == OrderWarnFirst,
		events:      cfg.Events,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}, nil
}

// Execute applies d to u.
func (e *Executor) Execute(ctx context.Context, d domain.Decision, u domain.Update) Result {
	var res Result
	if !d.Deletes() {
		return res
	}

	start := e.now()
	defer func() {
		e.emit(bus.EventActionCompleted, u, map[string]any{"duration": e.now().Sub(start)})
	}()

	if !d.Warns() {
		e.delete(ctx, d, u, &res)
		return res
	}

	if e.warnFirst {
		e.warn(ctx, d, u, &res)
		e.delete(ctx, d, u, &res)
	} else {
		e.delete(ctx, d, u, &res)
		e.warn(ctx, d, u, &res)
	}
	return res
}

func (e *Executor) delete(ctx context.Context, d domain.Decision, u domain.Update, res *Result) {
	err := e.bot.DeleteMessage(ctx, u.ChatID, u.MessageID)
	if err != nil {
		res.DeleteErr = err
		e.logFailure("delete failed", err, u)
		e.emit(bus.EventDeleteFailed, u, map[string]any{"kind": domain.ErrorKind(err)})
		return
	}
	res.Deleted = true
	e.logger.Info("message deleted",
		"chat_id", u.ChatID,
		"message_id", u.MessageID,
		"reason", d.Reason,
	)
	e.emit(bus.EventMessageDeleted, u, map[string]any{"reason": d.Reason})
}

func (e *Executor) warn(ctx context.Context, d domain.Decision, u domain.Update, res *Result) {
	// The slot is claimed before sending; a failed send still consumes it.
	if !e.cooldown.ShouldWarn(u.Scope(), e.now(), e.minInterval) {
		res.Suppressed = true
		e.logger.Debug("warning suppressed by cooldown", "chat_id", u.ChatID, "thread_id", u.ThreadID)
		e.emit(bus.EventWarningSuppressed, u, nil)
		return
	}

	text, err := e.render(d, u)
	if err != nil {
		res.WarnErr = err
		e.logger.Error("render warning", "err", err, "chat_id", u.ChatID)
		e.emit(bus.EventWarningFailed, u, map[string]any{"kind": "template"})
		return
	}

	err = e.bot.SendMessage(ctx, u.ChatID, u.ThreadID, text)
	if err != nil && u.ThreadID != 0 && errors.Is(err, domain.ErrThreadNotFound) {
		e.logger.Debug("thread gone, warning top-level", "chat_id", u.ChatID, "thread_id", u.ThreadID)
		err = e.bot.SendMessage(ctx, u.ChatID, 0, text)
	}
	if err != nil {
		res.WarnErr = err
		e.logFailure("warning failed", err, u)
		e.emit(bus.EventWarningFailed, u, map[string]any{"kind": domain.ErrorKind(err)})
		return
	}

	res.Warned = true
	e.logger.Info("warning sent", "chat_id", u.ChatID, "thread_id", u.ThreadID, "reason", d.Reason)
	e.emit(bus.EventWarningSent, u, map[string]any{"reason": d.Reason})
}

func (e *Executor) render(d domain.Decision, u domain.Update) (string, error) {
	var b bytes.Buffer
	err := e.warning.Execute(&b, WarningData{
		Reason:     d.Reason,
		ChatID:     u.ChatID,
		SenderName: u.Sender.Name,
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

func (e *Executor) logFailure(msg string, err error, u domain.Update) {
	kind := domain.ErrorKind(err)
	attrs := []any{"err", err, "kind", kind, "chat_id", u.ChatID, "message_id", u.MessageID}
	if kind == "permission" {
		e.logger.Warn(msg+": bot lacks admin rights", attrs...)
		return
	}
	e.logger.Warn(msg, attrs...)
}

func (e *Executor) emit(eventType string, u domain.Update, payload map[string]any) {
	if e.events == nil {
		return
	}
	if payload == nil {
		payload = make(map[string]any, 2)
	}
	payload["chat_id"] = u.ChatID
	payload["update_id"] = u.UpdateID
	e.events.Emit(bus.Event{Type: eventType, Source: "action", Payload: payload})
}
