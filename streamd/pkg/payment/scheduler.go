package payment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/streampayhq/streampay/streamd/pkg/ledger"
	"github.com/streampayhq/streampay/streamd/pkg/metrics"
	"github.com/streampayhq/streampay/streamd/pkg/stream"
)

type SchedulerConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  *stream.Store

	Processor *Processor

	// Signer returns the current signing capability, or nil while the
	// wallet is locked. Due payments are skipped until it unlocks.
	Signer func() ledger.Signer

	SweepInterval  time.Duration
	MaxConcurrency int
}

func (cfg *SchedulerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Processor == nil {
		return errors.New("processor is required")
	}
	if cfg.Signer == nil {
		return errors.New("signer source is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return nil
}

// Scheduler periodically sweeps the store and processes every due, active,
// non-exhausted stream. Streams are processed concurrently up to a bound;
// the processor's per-stream lock keeps each individual stream serialized.
type Scheduler struct {
	log   *slog.Logger
	cfg   SchedulerConfig
	clock clockwork.Clock
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{log: cfg.Logger, cfg: cfg, clock: cfg.Clock}, nil
}

func (sc *Scheduler) Start(ctx context.Context) {
	go func() {
		sc.log.Info("scheduler: starting sweep loop", "interval", sc.cfg.SweepInterval)

		sc.safeSweep(ctx)

		ticker := sc.clock.NewTicker(sc.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				sc.safeSweep(ctx)
			}
		}
	}()
}

func (sc *Scheduler) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			sc.log.Error("scheduler: sweep panicked", "panic", r)
			metrics.SchedulerRunsTotal.WithLabelValues("panic").Inc()
		}
	}()

	if err := sc.Sweep(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		sc.log.Error("scheduler: sweep failed", "error", err)
		metrics.SchedulerRunsTotal.WithLabelValues("error").Inc()
		return
	}
	metrics.SchedulerRunsTotal.WithLabelValues("success").Inc()
}

// Sweep processes all currently due streams once.
func (sc *Scheduler) Sweep(ctx context.Context) error {
	streams, err := sc.cfg.Store.List()
	if err != nil {
		return err
	}

	now := sc.clock.Now()
	signer := sc.cfg.Signer()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sc.cfg.MaxConcurrency)
	for _, s := range streams {
		if s.Status != stream.StatusActive || s.Exhausted() || !s.Due(now) {
			continue
		}
		if signer == nil {
			sc.log.Debug("scheduler: wallet locked, skipping due stream", "stream_id", s.ID)
			continue
		}

		g.Go(func() error {
			_, err := sc.cfg.Processor.ProcessPayment(ctx, s.ID, signer)
			switch {
			case err == nil:
			case errors.Is(err, ErrPaymentInFlight),
				errors.Is(err, ErrStreamNotActive),
				errors.Is(err, ErrPaymentLimitReached):
				sc.log.Debug("scheduler: skipped stream", "stream_id", s.ID, "reason", err)
			case errors.Is(err, ledger.ErrWalletLocked):
				sc.log.Debug("scheduler: wallet locked mid-sweep", "stream_id", s.ID)
			default:
				// Failed payments stay due and retry on the next sweep.
				sc.log.Warn("scheduler: payment attempt failed", "stream_id", s.ID, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}
