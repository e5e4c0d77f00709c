// Package moderation joins policy evaluation and action execution into the
// per-update processing step run by the dispatcher.
package moderation

import (
	"context"
	"log/slog"

	"chatguard/internal/action"
	"chatguard/internal/bus"
	"chatguard/internal/domain"
	"chatguard/internal/policy"
)

// Executor is the side-effect half of the pipeline.
type Executor interface {
	Execute(ctx context.Context, d domain.Decision, u domain.Update) action.Result
}

// Pipeline evaluates an update and acts on the decision.
type Pipeline struct {
	rules    *policy.Rules
	executor Executor
	events   *bus.EventBus
	logger   *slog.Logger
}

type PipelineConfig struct {
	Rules    *policy.Rules
	Executor Executor
	Events   *bus.EventBus
	Logger   *slog.Logger
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		rules:    cfg.Rules,
		executor: cfg.Executor,
		events:   cfg.Events,
		logger:   cfg.Logger,
	}
}

// Process runs one update to completion. It never returns an error: every
// failure past this point is operator-visible through logs only.
func (p *Pipeline) Process(ctx context.Context, u domain.Update) {
	d := policy.Decide(u, p.rules)

	p.events.Emit(bus.Event{
		Type:   bus.EventDecisionMade,
		Source: "policy",
		Payload: map[string]any{
			"verdict":   string(d.Verdict),
			"reason":    d.Reason,
			"chat_id":   u.ChatID,
			"update_id": u.UpdateID,
		},
	})

	switch {
	case d.Reason == domain.ReasonMalformed:
		p.logger.Warn("malformed update allowed", "update_id", u.UpdateID, "chat_id", u.ChatID, "message_id", u.MessageID)
		return
	case d.Verdict == domain.VerdictAllow:
		p.logger.Debug("update allowed", "update_id", u.UpdateID, "chat_id", u.ChatID)
		return
	}

	p.logger.Info("moderation decision",
		"update_id", u.UpdateID,
		"chat_id", u.ChatID,
		"thread_id", u.ThreadID,
		"message_id", u.MessageID,
		"sender", u.Sender.ID,
		"sender_kind", string(u.Sender.Kind),
		"verdict", string(d.Verdict),
		"reason", d.Reason,
		"match", d.Match,
		"edited", u.IsEdit,
	)
	p.executor.Execute(ctx, d, u)
}
