package chainsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/streampayhq/streampay/streamd/pkg/ledger"
	"github.com/streampayhq/streampay/streamd/pkg/memo"
	"github.com/streampayhq/streampay/streamd/pkg/metrics"
)

// State is the realtime service's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateSyncing      State = "syncing"
	StateError        State = "error"
)

// EventType identifies events emitted to registered listeners.
type EventType string

const (
	EventSubscriptionAdded   EventType = "subscription_added"
	EventSubscriptionUpdated EventType = "subscription_updated"
	EventSyncComplete        EventType = "sync_complete"
	EventError               EventType = "error"
)

// Event is delivered to listeners. Terminal is set on the error event that
// ends auto-reconnection; a manual restart is required afterwards.
type Event struct {
	Type     EventType
	StreamID string
	Result   *Result
	Err      error
	Terminal bool
}

type ServiceConfig struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Subscriber ledger.LogSubscriber
	Reconciler *Reconciler

	// DebounceDelay is how long to wait after a matching log notification
	// before reconciling, so the triggering transaction can finalize.
	DebounceDelay time.Duration

	// FallbackInterval is the cadence of periodic reconciles that recover
	// from missed push notifications.
	FallbackInterval time.Duration

	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
}

func (cfg *ServiceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Subscriber == nil {
		return errors.New("log subscriber is required")
	}
	if cfg.Reconciler == nil {
		return errors.New("reconciler is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.DebounceDelay <= 0 {
		cfg.DebounceDelay = 2 * time.Second
	}
	if cfg.FallbackInterval <= 0 {
		cfg.FallbackInterval = 5 * time.Minute
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = 2 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	return nil
}

// Service subscribes to ledger log notifications for the active wallet,
// debounces reconciliation on matching entries, runs a periodic fallback
// reconcile, and reconnects with linear backoff on errors.
type Service struct {
	log   *slog.Logger
	cfg   ServiceConfig
	clock clockwork.Clock

	mu       sync.Mutex
	running  bool
	state    State
	wallet   solana.PublicKey
	cancel   context.CancelFunc
	sub      ledger.LogSubscription
	debounce clockwork.Timer

	listeners  map[int]func(Event)
	nextListID int
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		log:       cfg.Logger,
		cfg:       cfg,
		clock:     cfg.Clock,
		state:     StateDisconnected,
		listeners: make(map[int]func(Event)),
	}, nil
}

// OnEvent registers a listener. The returned function unregisters it.
func (s *Service) OnEvent(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListID
	s.nextListID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// State returns the current connection state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins syncing for the wallet. Calling it again for the same wallet
// while healthy is a no-op; calling it for a different wallet (or after a
// terminal error) tears the existing session down first.
func (s *Service) Start(ctx context.Context, wallet solana.PublicKey) {
	s.mu.Lock()
	if s.running && s.wallet.Equals(wallet) && s.state != StateError {
		s.mu.Unlock()
		return
	}
	if s.running {
		s.stopLocked()
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.wallet = wallet
	s.cancel = cancel
	s.state = StateConnecting
	s.mu.Unlock()

	s.log.Info("sync: starting", "wallet", wallet.String())
	go s.connectLoop(sessionCtx, wallet)
	go s.fallbackLoop(sessionCtx, wallet)
}

// Stop tears down the session: subscription, timers, state. Safe to call
// when already stopped.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.stopLocked()
	s.log.Info("sync: stopped")
}

func (s *Service) stopLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.sub != nil {
		s.sub.Unsubscribe()
		s.sub = nil
	}
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	s.running = false
	s.state = StateDisconnected
}

func (s *Service) connectLoop(ctx context.Context, wallet solana.PublicKey) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		s.setState(StateConnecting)

		sub, err := s.cfg.Subscriber.SubscribeLogs(ctx, wallet)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("sync: subscription failed", "error", err)
			if !s.backoff(ctx, &attempt, err) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.sub = sub
		s.mu.Unlock()
		s.setState(StateConnected)
		attempt = 0
		s.log.Debug("sync: connected", "wallet", wallet.String())

		recvErr := s.recvLoop(ctx, sub, wallet)
		sub.Unsubscribe()
		s.mu.Lock()
		s.sub = nil
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		s.emit(Event{Type: EventError, Err: recvErr})
		if !s.backoff(ctx, &attempt, recvErr) {
			return
		}
	}
}

func (s *Service) recvLoop(ctx context.Context, sub ledger.LogSubscription, wallet solana.PublicKey) error {
	for {
		entry, err := sub.Recv(ctx)
		if err != nil {
			return err
		}
		if entry == nil {
			continue
		}
		if mentionsSubscriptionMemo(entry) {
			s.log.Debug("sync: subscription memo seen in logs", "signature", entry.Signature.String())
			s.scheduleReconcile(ctx, wallet)
		}
	}
}

// backoff sleeps base*attempt before the next reconnect. Returns false once
// the attempt cap is exceeded, after surfacing a terminal error event.
func (s *Service) backoff(ctx context.Context, attempt *int, cause error) bool {
	*attempt++
	metrics.SyncReconnectsTotal.Inc()
	if *attempt > s.cfg.MaxReconnectAttempts {
		s.setState(StateError)
		err := fmt.Errorf("giving up after %d reconnect attempts: %w", s.cfg.MaxReconnectAttempts, cause)
		s.log.Error("sync: terminal error", "error", err)
		s.emit(Event{Type: EventError, Err: err, Terminal: true})
		return false
	}

	delay := s.cfg.ReconnectBaseDelay * time.Duration(*attempt)
	s.log.Debug("sync: reconnecting", "attempt", *attempt, "delay", delay)
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(delay):
		return true
	}
}

// scheduleReconcile arms (or re-arms) the debounce timer. The delay lets the
// triggering transaction finalize before the history scan.
func (s *Service) scheduleReconcile(ctx context.Context, wallet solana.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = s.clock.AfterFunc(s.cfg.DebounceDelay, func() {
		s.runReconcile(ctx, wallet)
	})
}

func (s *Service) fallbackLoop(ctx context.Context, wallet solana.PublicKey) {
	ticker := s.clock.NewTicker(s.cfg.FallbackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.runReconcile(ctx, wallet)
		}
	}
}

func (s *Service) runReconcile(ctx context.Context, wallet solana.PublicKey) {
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if s.state == StateConnected {
		s.state = StateSyncing
	}
	s.mu.Unlock()

	res, err := s.cfg.Reconciler.Reconcile(ctx, wallet)

	s.mu.Lock()
	if s.state == StateSyncing {
		s.state = StateConnected
	}
	s.mu.Unlock()

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Warn("sync: reconcile failed", "error", err)
		s.emit(Event{Type: EventError, Err: err})
		return
	}

	for _, id := range res.NewIDs {
		s.emit(Event{Type: EventSubscriptionAdded, StreamID: id})
	}
	for _, id := range res.UpdatedIDs {
		s.emit(Event{Type: EventSubscriptionUpdated, StreamID: id})
	}
	s.emit(Event{Type: EventSyncComplete, Result: &res})
}

// emit delivers the event to every listener. A panicking listener is logged
// and skipped; it cannot break delivery to the others.
func (s *Service) emit(ev Event) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("sync: event listener panicked", "event", ev.Type, "panic", r)
				}
			}()
			fn(ev)
		}()
	}
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.state = st
}

func mentionsSubscriptionMemo(entry *ledger.LogEntry) bool {
	for _, line := range entry.Logs {
		if strings.Contains(line, memo.PrefixV1) {
			return true
		}
	}
	return false
}
