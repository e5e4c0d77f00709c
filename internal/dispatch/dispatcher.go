// Package dispatch hands updates from the ingress boundary to the moderation
// pipeline without making the ingress wait.
//
// Each conversation gets its own FIFO queue drained by one goroutine, so
// updates for a chat are processed in arrival order while different chats
// run concurrently (bounded by MaxConcurrent). Queues are unbounded and a
// worker exits once its queue is empty.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chatguard/internal/bus"
	"chatguard/internal/domain"
)

const (
	DefaultMaxConcurrent   = 8
	DefaultDedupeWindow    = 4096
	DefaultShutdownTimeout = 10 * time.Second
)

var (
	ErrShuttingDown = errors.New("dispatcher is shutting down")
	ErrDuplicate    = errors.New("duplicate update")
)

// State is the dispatcher lifecycle state.
type State int

const (
	StateIdle State = iota
	StateDispatching
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateShuttingDown:
		return "shutting_down"
	}
	return "unknown"
}

// Handler processes one update to completion.
type Handler interface {
	Process(ctx context.Context, u domain.Update)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, u domain.Update)

func (f HandlerFunc) Process(ctx context.Context, u domain.Update) { f(ctx, u) }

type Config struct {
	Handler       Handler
	MaxConcurrent int
	DedupeWindow  int // number of recent update ids remembered
	Events        *bus.EventBus
	Logger        *slog.Logger
}

type chatQueue struct {
	items []domain.Update
}

// Dispatcher implements domain.Submitter.
type Dispatcher struct {
	handler Handler
	sem     chan struct{}
	events  *bus.EventBus
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queues  map[int64]*chatQueue
	pending int
	closing bool
	seen    map[int64]struct{}
	ring    []int64
	ringPos int
}

func New(cfg Config) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = DefaultDedupeWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		handler: cfg.Handler,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		events:  cfg.Events,
		logger:  cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		queues:  make(map[int64]*chatQueue),
		seen:    make(map[int64]struct{}, cfg.DedupeWindow),
		ring:    make([]int64, 0, cfg.DedupeWindow),
	}
}

// Submit enqueues u and returns immediately.
func (d *Dispatcher) Submit(u domain.Update) error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		d.logger.Warn("update rejected during shutdown", "update_id", u.UpdateID, "chat_id", u.ChatID)
		d.emit(bus.EventUpdateDropped, u, -1)
		return ErrShuttingDown
	}
	if !d.rememberLocked(u.UpdateID) {
		d.mu.Unlock()
		d.logger.Debug("duplicate update ignored", "update_id", u.UpdateID)
		d.emit(bus.EventUpdateDuplicate, u, -1)
		return ErrDuplicate
	}

	d.pending++
	pending := d.pending
	q, running := d.queues[u.ChatID]
	if !running {
		q = &chatQueue{}
		d.queues[u.ChatID] = q
		d.wg.Add(1)
	}
	q.items = append(q.items, u)
	d.mu.Unlock()

	if !running {
		go d.drain(u.ChatID, q)
	}
	d.emit(bus.EventUpdateReceived, u, pending)
	return nil
}

// State reports the current lifecycle state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.closing:
		return StateShuttingDown
	case d.pending > 0:
		return StateDispatching
	default:
		return StateIdle
	}
}

// Pending returns the number of queued and in-flight updates.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Shutdown stops accepting updates and waits for queued work until ctx is
// done. On timeout in-flight work is cancelled, the remaining queue is
// dropped, and ctx.Err() is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closing = true
	pending := d.pending
	d.mu.Unlock()

	d.logger.Info("dispatcher draining", "pending", pending)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.logger.Info("dispatcher drained")
		return nil
	case <-ctx.Done():
		d.cancel()
		d.logger.Warn("dispatcher drain timed out", "pending", d.Pending())
		return ctx.Err()
	}
}

func (d *Dispatcher) drain(chatID int64, q *chatQueue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.items) == 0 {
			delete(d.queues, chatID)
			d.mu.Unlock()
			return
		}
		u := q.items[0]
		q.items[0] = domain.Update{}
		q.items = q.items[1:]
		d.mu.Unlock()

		handled := false
		if d.ctx.Err() == nil {
			select {
			case d.sem <- struct{}{}:
				d.process(u)
				<-d.sem
				handled = true
			case <-d.ctx.Done():
			}
		}
		if !handled {
			d.logger.Warn("update abandoned", "update_id", u.UpdateID, "chat_id", chatID)
		}

		d.mu.Lock()
		d.pending--
		pending := d.pending
		d.mu.Unlock()
		d.emit(bus.EventUpdateProcessed, u, pending)
	}
}

func (d *Dispatcher) process(u domain.Update) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("update handler panic", "update_id", u.UpdateID, "chat_id", u.ChatID, "panic", r)
		}
	}()
	d.handler.Process(d.ctx, u)
}

// rememberLocked records id and reports whether it was new. Ids <= 0 carry
// no sequence information and are never treated as duplicates.
func (d *Dispatcher) rememberLocked(id int64) bool {
	if id <= 0 {
		return true
	}
	if _, ok := d.seen[id]; ok {
		return false
	}
	if len(d.ring) < cap(d.ring) {
		d.ring = append(d.ring, id)
	} else {
		delete(d.seen, d.ring[d.ringPos])
		d.ring[d.ringPos] = id
		d.ringPos = (d.ringPos + 1) % len(d.ring)
	}
	d.seen[id] = struct{}{}
	return true
}

func (d *Dispatcher) emit(eventType string, u domain.Update, pending int) {
	if d.events == nil {
		return
	}
	payload := map[string]any{"update_id": u.UpdateID, "chat_id": u.ChatID}
	if pending >= 0 {
		payload["pending"] = pending
	}
	d.events.Emit(bus.Event{Type: eventType, Source: "dispatch", Payload: payload})
}

var _ domain.Submitter = (*Dispatcher)(nil)
