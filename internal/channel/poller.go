package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"chatguard/internal/dispatch"
	"chatguard/internal/domain"
)

const (
	defaultPollTimeout = 30 * time.Second
	minPollBackoff     = time.Second
	maxPollBackoff     = 30 * time.Second
)

// UpdateSource fetches raw updates with getUpdates semantics.
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration, allowed []string) ([]json.RawMessage, error)
}

// PollerConfig configures long polling.
type PollerConfig struct {
	Source         UpdateSource
	Submitter      domain.Submitter
	Timeout        time.Duration
	AllowedUpdates []string
	Logger         *slog.Logger
}

// Poller is the alternative ingress for deployments without a public URL.
type Poller struct {
	source    UpdateSource
	submitter domain.Submitter
	timeout   time.Duration
	allowed   []string
	logger    *slog.Logger
	offset    int64
	sleep     func(context.Context, time.Duration) bool
}

func NewPoller(cfg PollerConfig) (*Poller, error) {
	if cfg.Source == nil || cfg.Submitter == nil {
		return nil, errors.New("poller: source and submitter are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPollTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{
		source:    cfg.Source,
		submitter: cfg.Submitter,
		timeout:   cfg.Timeout,
		allowed:   cfg.AllowedUpdates,
		logger:    cfg.Logger,
		sleep:     sleepCtx,
	}, nil
}

// Run polls until ctx is cancelled. Transient failures back off
// exponentially between one and thirty seconds.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("long polling started", "timeout", p.timeout)
	backoff := minPollBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := p.source.GetUpdates(ctx, p.offset, p.timeout, p.allowed)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := backoff
			var apiErr *domain.APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				wait = time.Duration(apiErr.RetryAfter) * time.Second
			}
			p.logger.Warn("getUpdates failed", "err", err, "retry_in", wait)
			if !p.sleep(ctx, wait) {
				return nil
			}
			backoff = min(backoff*2, maxPollBackoff)
			continue
		}
		backoff = minPollBackoff

		if !p.deliver(raw) {
			return nil
		}
	}
}

// deliver submits a batch and advances the offset. It returns false once
// the submitter refuses work because it is shutting down.
func (p *Poller) deliver(batch []json.RawMessage) bool {
	for _, raw := range batch {
		u, ok, err := DecodeUpdate(raw)
		if err != nil {
			p.logger.Warn("update undecodable", "err", err)
			continue
		}
		if !ok {
			p.advance(u.UpdateID)
			continue
		}
		if err := p.submitter.Submit(u); err != nil {
			if errors.Is(err, dispatch.ErrShuttingDown) {
				return false
			}
			if !errors.Is(err, dispatch.ErrDuplicate) {
				p.logger.Warn("submit failed", "update_id", u.UpdateID, "err", err)
			}
		}
		p.advance(u.UpdateID)
	}
	return true
}

func (p *Poller) advance(updateID int64) {
	if updateID >= p.offset {
		p.offset = updateID + 1
	}
}

// Offset returns the next update id the poller will request.
func (p *Poller) Offset() int64 { return p.offset }

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
