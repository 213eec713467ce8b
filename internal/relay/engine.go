// Package relay turns bursts of inbound fragments into one reply per burst.
//
// Each identity with pending fragments is owned by exactly one scheduler
// goroutine. The scheduler waits for the conversation to go quiet, drains
// the burst, asks the Responder for a reply and hands it to the delivery
// pipeline. Fragments that arrive while a pass is running start another
// cycle on the same goroutine once the pass ends.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/chatrelay/internal/burst"
	"github.com/nextlevelbuilder/chatrelay/internal/presence"
	"github.com/nextlevelbuilder/chatrelay/internal/sessions"
)

// History roles written by the engine.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultFallbackMessage is delivered when the Responder fails or returns nothing.
const DefaultFallbackMessage = "Desculpe, ocorreu um erro. Tente novamente."

var (
	ErrInvalidIdentity = errors.New("relay: identity normalizes to empty")
	ErrClosed          = errors.New("relay: engine is shut down")
	ErrDeliveryFailed  = errors.New("relay: delivery failed")
)

// Responder produces a reply for the coalesced input of a burst.
type Responder interface {
	Generate(ctx context.Context, input, history string) (string, error)
}

// HistoryStore persists and renders conversation turns.
type HistoryStore interface {
	Append(ctx context.Context, identity, role, text string) error
	Read(ctx context.Context, identity string) (string, error)
}

// Deliverer sends a reply to an identity and reports full success.
type Deliverer interface {
	Deliver(ctx context.Context, identity, reply string) bool
}

// Settings tunes the scheduler. Hot-reloadable except MaxFragments, which is
// fixed when the burst table is created.
type Settings struct {
	QuiescenceWindow time.Duration
	// MaxBurstWait bounds a single wait from the burst's first fragment.
	MaxBurstWait     time.Duration
	MaxFragments     int
	Separator        string
	HistoryTimeout   time.Duration
	ResponderTimeout time.Duration
	FallbackMessage  string
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		QuiescenceWindow: 10 * time.Second,
		MaxBurstWait:     120 * time.Second,
		MaxFragments:     burst.DefaultMaxFragments,
		Separator:        " ",
		HistoryTimeout:   5 * time.Second,
		ResponderTimeout: 60 * time.Second,
		FallbackMessage:  DefaultFallbackMessage,
	}
}

// Stats is a point-in-time view of engine activity.
type Stats struct {
	ActiveBursts    int   `json:"active_bursts"`
	TrackedPresence int   `json:"tracked_presence"`
	Passes          int64 `json:"passes"`
	Fallbacks       int64 `json:"fallbacks"`
	Panics          int64 `json:"panics"`
	Overflows       int64 `json:"overflows"`
}

// EngineConfig wires an Engine's collaborators. Bursts, Presence and
// History may be nil.
type EngineConfig struct {
	Settings   Settings
	Normalizer sessions.Normalizer
	Bursts     *burst.Table
	Presence   *presence.Tracker
	Responder  Responder
	History    HistoryStore
	Deliverer  Deliverer
}

var tracer = otel.Tracer("github.com/nextlevelbuilder/chatrelay/internal/relay")

// Engine is the per-conversation debounce and processing core. Safe for
// concurrent use by any number of inbound handlers.
type Engine struct {
	normalizer sessions.Normalizer
	bursts     *burst.Table
	presence   *presence.Tracker
	responder  Responder
	history    HistoryStore
	deliverer  Deliverer
	settings   atomic.Pointer[Settings]

	// waitCtx ends quiescence waits; passCtx bounds in-flight passes and is
	// only cancelled when Shutdown runs out of time.
	waitCtx     context.Context
	cancelWaits context.CancelFunc
	passCtx     context.Context
	cancelPass  context.CancelFunc

	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup

	passes    atomic.Int64
	fallbacks atomic.Int64
	panics    atomic.Int64
	overflows atomic.Int64
}

// NewEngine creates an Engine.
func NewEngine(cfg EngineConfig) *Engine {
	s := cfg.Settings
	if s.Separator == "" {
		s.Separator = " "
	}
	if s.FallbackMessage == "" {
		s.FallbackMessage = DefaultFallbackMessage
	}

	e := &Engine{
		normalizer: cfg.Normalizer,
		bursts:     cfg.Bursts,
		presence:   cfg.Presence,
		responder:  cfg.Responder,
		history:    cfg.History,
		deliverer:  cfg.Deliverer,
	}
	if e.bursts == nil {
		e.bursts = burst.NewTable(s.MaxFragments, nil)
	}
	if e.presence == nil {
		e.presence = presence.NewTracker(presence.Options{})
	}
	e.settings.Store(&s)
	e.waitCtx, e.cancelWaits = context.WithCancel(context.Background())
	e.passCtx, e.cancelPass = context.WithCancel(context.Background())
	return e
}

// Settings returns the current settings.
func (e *Engine) Settings() Settings {
	return *e.settings.Load()
}

// UpdateSettings applies s to the next wait and the next pass.
func (e *Engine) UpdateSettings(s Settings) {
	if s.Separator == "" {
		s.Separator = " "
	}
	if s.FallbackMessage == "" {
		s.FallbackMessage = DefaultFallbackMessage
	}
	e.settings.Store(&s)
}

// Presence exposes the tracker so the delivery pipeline can share it.
func (e *Engine) Presence() *presence.Tracker { return e.presence }

// OnInboundFragment buffers text for the sender and makes sure exactly one
// scheduler owns the burst. It never blocks on processing and reports
// whether the fragment was accepted.
func (e *Engine) OnInboundFragment(rawIdentity, text string) bool {
	identity := e.normalizer.Normalize(rawIdentity)
	if identity == "" {
		slog.Warn("relay: dropping fragment with invalid identity", "raw", rawIdentity)
		return false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	res := e.bursts.Append(identity, text)
	if res.Overflowed {
		e.overflows.Add(1)
		slog.Warn("relay: burst overflowed, buffer reset", "identity", identity, "max_fragments", e.Settings().MaxFragments)
	}
	slog.Debug("relay: fragment buffered", "identity", identity, "pending", res.Count)

	if res.Schedule {
		if !e.spawn(identity) {
			e.bursts.Release(identity)
			return false
		}
	}
	return true
}

// OnPresenceEvent records the sender's typing status. Presence never holds
// back burst processing; it only gates chunk delivery.
func (e *Engine) OnPresenceEvent(rawIdentity string, status presence.Status) {
	identity := e.normalizer.Normalize(rawIdentity)
	if identity == "" {
		return
	}
	e.presence.Update(identity, status)
}

func (e *Engine) spawn(identity string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		slog.Warn("relay: engine closed, not scheduling", "identity", identity)
		return false
	}
	e.wg.Add(1)
	go e.run(identity)
	return true
}

// run is the scheduler for one identity. It exits when a cycle finds no new
// fragments. After a panic the burst is released, or handed to a new
// scheduler when fragments are still buffered.
func (e *Engine) run(identity string) {
	defer e.wg.Done()

	released := false
	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			slog.Error("relay: scheduler panic recovered",
				"identity", identity,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
		if released {
			return
		}
		// Fragments buffered during a failed pass get a fresh scheduler.
		if e.bursts.Requeue(identity) && !e.spawn(identity) {
			e.bursts.Release(identity)
		}
	}()

	for {
		if !e.awaitQuiescence(identity) {
			return
		}

		fragments := e.bursts.Drain(identity)
		if len(fragments) == 0 {
			released = true
			return
		}

		e.process(identity, fragments)

		if !e.bursts.Finish(identity) {
			released = true
			return
		}
		slog.Debug("relay: fragments arrived during pass, starting next cycle", "identity", identity)
	}
}

// awaitQuiescence blocks until QuiescenceWindow has passed since the last
// fragment, or MaxBurstWait since the first. It returns false on shutdown.
func (e *Engine) awaitQuiescence(identity string) bool {
	for {
		s := e.Settings()
		first, last, ok := e.bursts.Activity(identity)
		if !ok {
			return true
		}

		now := time.Now()
		wait := last.Add(s.QuiescenceWindow).Sub(now)
		capped := false
		if s.MaxBurstWait > 0 {
			if limit := first.Add(s.MaxBurstWait).Sub(now); limit < wait {
				wait, capped = limit, true
			}
		}
		if wait <= 0 {
			if capped {
				slog.Warn("relay: burst still active at max wait, processing now", "identity", identity, "max_wait", s.MaxBurstWait)
			}
			return true
		}

		timer := time.NewTimer(wait)
		select {
		case <-e.waitCtx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
}

// process runs one pass over a drained burst. It never returns an error:
// any failure degrades to the fallback message.
func (e *Engine) process(identity string, fragments []string) {
	s := e.Settings()
	passID := uuid.NewString()
	input := strings.Join(fragments, s.Separator)

	ctx, span := tracer.Start(e.passCtx, "relay.process", trace.WithAttributes(
		attribute.String("relay.identity", identity),
		attribute.String("relay.pass_id", passID),
		attribute.Int("relay.fragments", len(fragments)),
	))
	defer span.End()

	start := time.Now()
	slog.Info("relay: processing burst", "identity", identity, "pass_id", passID, "fragments", len(fragments), "chars", len(input))

	history := e.readHistory(ctx, s, identity)

	reply, err := e.generate(ctx, s, input, history)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errors.New("empty reply")
	}

	if err != nil {
		e.fallbacks.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "responder failed")
		slog.Error("relay: responder failed, sending fallback", "identity", identity, "pass_id", passID, "error", err)
		reply = s.FallbackMessage
	} else {
		e.persist(ctx, s, identity, RoleUser, input)
		e.persist(ctx, s, identity, RoleAssistant, reply)
	}

	delivered := true
	if e.deliverer != nil {
		delivered = e.deliverer.Deliver(ctx, identity, reply)
	}
	e.passes.Add(1)
	span.SetAttributes(attribute.Bool("relay.delivered", delivered))

	slog.Info("relay: pass complete",
		"identity", identity,
		"pass_id", passID,
		"delivered", delivered,
		"fallback", err != nil,
		"duration", time.Since(start),
	)
}

func (e *Engine) readHistory(ctx context.Context, s Settings, identity string) string {
	if e.history == nil {
		return ""
	}
	if s.HistoryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.HistoryTimeout)
		defer cancel()
	}
	h, err := e.history.Read(ctx, identity)
	if err != nil {
		slog.Warn("relay: history read failed, continuing without", "identity", identity, "error", err)
		return ""
	}
	return h
}

// generate calls the Responder. A panic inside it becomes an error so the
// pass still ends with the fallback reply.
func (e *Engine) generate(ctx context.Context, s Settings, input, history string) (reply string, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			slog.Error("relay: responder panic recovered",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			reply, err = "", fmt.Errorf("responder panic: %v", r)
		}
	}()
	if e.responder == nil {
		return "", errors.New("no responder configured")
	}
	if s.ResponderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.ResponderTimeout)
		defer cancel()
	}
	return e.responder.Generate(ctx, input, history)
}

func (e *Engine) persist(ctx context.Context, s Settings, identity, role, text string) {
	if e.history == nil {
		return
	}
	if s.HistoryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.HistoryTimeout)
		defer cancel()
	}
	if err := e.history.Append(ctx, identity, role, text); err != nil {
		slog.Warn("relay: history append failed", "identity", identity, "role", role, "error", err)
	}
}

// Deliver sends a proactive message to rawIdentity outside any burst and
// records it as an assistant turn once fully delivered.
func (e *Engine) Deliver(ctx context.Context, rawIdentity, text string) error {
	identity := e.normalizer.Normalize(rawIdentity)
	if identity == "" {
		return ErrInvalidIdentity
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if e.deliverer == nil {
		return fmt.Errorf("%w: no deliverer configured", ErrDeliveryFailed)
	}

	ctx, span := tracer.Start(ctx, "relay.deliver", trace.WithAttributes(
		attribute.String("relay.identity", identity),
	))
	defer span.End()

	if !e.deliverer.Deliver(ctx, identity, text) {
		span.SetStatus(codes.Error, "delivery failed")
		return ErrDeliveryFailed
	}
	e.persist(ctx, e.Settings(), identity, RoleAssistant, text)
	return nil
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	return Stats{
		ActiveBursts:    e.bursts.Len(),
		TrackedPresence: e.presence.Len(),
		Passes:          e.passes.Load(),
		Fallbacks:       e.fallbacks.Load(),
		Panics:          e.panics.Load(),
		Overflows:       e.overflows.Load(),
	}
}

// Shutdown stops accepting bursts, ends pending waits (their fragments stay
// buffered) and waits for running passes. When ctx expires first the passes
// are cancelled and ctx's error is returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancelWaits()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancelPass()
		return nil
	case <-ctx.Done():
		e.cancelPass()
		<-done
		return ctx.Err()
	}
}
