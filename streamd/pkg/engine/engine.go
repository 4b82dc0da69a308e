// Package engine assembles the stream subsystem: store, lifecycle
// controller, payment processor and scheduler, chain reconciler, realtime
// sync, and the dApp approval bridge.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/streampayhq/streampay/streamd/pkg/approval"
	"github.com/streampayhq/streampay/streamd/pkg/chainsync"
	"github.com/streampayhq/streampay/streamd/pkg/ledger"
	"github.com/streampayhq/streampay/streamd/pkg/payment"
	"github.com/streampayhq/streampay/streamd/pkg/stream"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	DBPath string
	Wallet solana.PublicKey

	Ledger     ledger.Client
	Memos      ledger.MemoSource
	Subscriber ledger.LogSubscriber
	Stealth    ledger.StealthResolver // optional
	Notifier   chainsync.Notifier     // optional

	// Signer is the initial signing capability; nil starts the engine
	// locked.
	Signer ledger.Signer

	SweepInterval    time.Duration
	FallbackInterval time.Duration
	ConfirmTimeout   time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DBPath == "" {
		return errors.New("database path is required")
	}
	if cfg.Wallet.IsZero() {
		return errors.New("wallet address is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Memos == nil {
		return errors.New("memo source is required")
	}
	if cfg.Subscriber == nil {
		return errors.New("log subscriber is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Engine struct {
	log *slog.Logger
	cfg Config

	store      *stream.Store
	controller *stream.Controller
	processor  *payment.Processor
	scheduler  *payment.Scheduler
	reconciler *chainsync.Reconciler
	realtime   *chainsync.Service
	bridge     *approval.Bridge

	signerMu sync.RWMutex
	signer   ledger.Signer

	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := stream.NewStore(stream.StoreConfig{
		Logger: cfg.Logger,
		Clock:  cfg.Clock,
		Path:   cfg.DBPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream store: %w", err)
	}

	controller, err := stream.NewController(stream.ControllerConfig{
		Logger: cfg.Logger,
		Store:  store,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lifecycle controller: %w", err)
	}

	e := &Engine{
		log:        cfg.Logger,
		cfg:        cfg,
		store:      store,
		controller: controller,
		signer:     cfg.Signer,
		readyCh:    make(chan struct{}),
	}

	processor, err := payment.NewProcessor(payment.ProcessorConfig{
		Logger:         cfg.Logger,
		Clock:          cfg.Clock,
		Store:          store,
		Ledger:         cfg.Ledger,
		Stealth:        cfg.Stealth,
		SeedKey:        cfg.Wallet.Bytes(),
		ConfirmTimeout: cfg.ConfirmTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payment processor: %w", err)
	}
	e.processor = processor

	scheduler, err := payment.NewScheduler(payment.SchedulerConfig{
		Logger:        cfg.Logger,
		Clock:         cfg.Clock,
		Store:         store,
		Processor:     processor,
		Signer:        e.Signer,
		SweepInterval: cfg.SweepInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payment scheduler: %w", err)
	}
	e.scheduler = scheduler

	reconciler, err := chainsync.NewReconciler(chainsync.ReconcilerConfig{
		Logger:   cfg.Logger,
		Store:    store,
		Memos:    cfg.Memos,
		Notifier: cfg.Notifier,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}
	e.reconciler = reconciler

	realtime, err := chainsync.NewService(chainsync.ServiceConfig{
		Logger:           cfg.Logger,
		Clock:            cfg.Clock,
		Subscriber:       cfg.Subscriber,
		Reconciler:       reconciler,
		FallbackInterval: cfg.FallbackInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create realtime sync service: %w", err)
	}
	e.realtime = realtime

	bridge, err := approval.NewBridge(approval.BridgeConfig{
		Logger: cfg.Logger,
		Store:  store,
		Ledger: cfg.Ledger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create approval bridge: %w", err)
	}
	e.bridge = bridge

	return e, nil
}

func (e *Engine) Store() *stream.Store              { return e.store }
func (e *Engine) Controller() *stream.Controller    { return e.controller }
func (e *Engine) Processor() *payment.Processor     { return e.processor }
func (e *Engine) Reconciler() *chainsync.Reconciler { return e.reconciler }
func (e *Engine) Realtime() *chainsync.Service      { return e.realtime }
func (e *Engine) Bridge() *approval.Bridge          { return e.bridge }
func (e *Engine) Wallet() solana.PublicKey          { return e.cfg.Wallet }

// Signer returns the current signing capability, or nil while locked.
func (e *Engine) Signer() ledger.Signer {
	e.signerMu.RLock()
	defer e.signerMu.RUnlock()
	return e.signer
}

// SetSigner installs or clears (nil = lock) the signing capability.
func (e *Engine) SetSigner(s ledger.Signer) {
	e.signerMu.Lock()
	defer e.signerMu.Unlock()
	e.signer = s
}

// Start launches the scheduler and realtime sync, and runs one initial
// reconcile so a fresh device converges before the first fallback tick.
func (e *Engine) Start(ctx context.Context) {
	e.scheduler.Start(ctx)
	e.realtime.Start(ctx, e.cfg.Wallet)

	go func() {
		if _, err := e.reconciler.Reconcile(ctx, e.cfg.Wallet); err != nil {
			if !errors.Is(err, context.Canceled) {
				e.log.Warn("engine: initial reconcile failed", "error", err)
			}
		}
		e.readyOnce.Do(func() { close(e.readyCh) })
	}()
}

func (e *Engine) Ready() bool {
	select {
	case <-e.readyCh:
		return true
	default:
		return false
	}
}

func (e *Engine) Close() error {
	e.realtime.Stop()
	return e.store.Close()
}
