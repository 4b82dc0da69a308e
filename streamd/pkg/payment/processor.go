// Package payment executes due stream payments: noise application, transfer
// submission, confirmation, and schedule advancement.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/streampayhq/streampay/streamd/pkg/ledger"
	"github.com/streampayhq/streampay/streamd/pkg/metrics"
	"github.com/streampayhq/streampay/streamd/pkg/noise"
	"github.com/streampayhq/streampay/streamd/pkg/stream"
)

var (
	// ErrStreamNotActive is returned when the stream is paused or cancelled.
	ErrStreamNotActive = errors.New("stream is not active")

	// ErrPaymentLimitReached is returned when the stream has already made
	// its maximum number of payments.
	ErrPaymentLimitReached = errors.New("payment limit reached")

	// ErrPaymentInFlight is returned when another invocation is already
	// processing the same stream.
	ErrPaymentInFlight = errors.New("payment already in flight for stream")
)

type ProcessorConfig struct {
	Logger         *slog.Logger
	Clock          clockwork.Clock
	Store          *stream.Store
	Ledger         ledger.Client
	Stealth        ledger.StealthResolver // required only for stealth streams
	SeedKey        []byte                 // owner key material mixed into noise seeds
	ConfirmTimeout time.Duration
}

func (cfg *ProcessorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 90 * time.Second
	}
	return nil
}

// Processor executes single payments. A per-stream lock makes concurrent
// invocations for the same stream fail with ErrPaymentInFlight instead of
// double-charging; different streams process independently.
type Processor struct {
	log   *slog.Logger
	cfg   ProcessorConfig
	clock clockwork.Clock
	store *stream.Store

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Processor{
		log:      cfg.Logger,
		cfg:      cfg,
		clock:    cfg.Clock,
		store:    cfg.Store,
		inflight: make(map[string]struct{}),
	}, nil
}

// Preview returns the noise that will be applied to the stream's next
// payment. Deterministic from the same seed material the processor uses, so
// what the UI shows is exactly what gets charged.
func (p *Processor) Preview(s *stream.Stream) noise.Noise {
	seed := noise.SeedMaterial(s.ID, s.PaymentsMade, p.cfg.SeedKey)
	return noise.Compute(s, seed)
}

// ProcessPayment executes one due payment for the stream.
//
// Preconditions fail fast with no mutation. After the pending record is
// appended, submission or confirmation failure marks it failed and leaves
// the schedule untouched, so the same logical payment stays due. Only a
// confirmed transfer advances nextPayment and the aggregates, and it does so
// in a single store transaction.
func (p *Processor) ProcessPayment(ctx context.Context, streamID string, signer ledger.Signer) (*stream.PaymentRecord, error) {
	if !p.tryLock(streamID) {
		return nil, ErrPaymentInFlight
	}
	defer p.unlock(streamID)

	started := time.Now()
	defer func() {
		metrics.PaymentDuration.Observe(time.Since(started).Seconds())
	}()

	s, err := p.store.Get(streamID)
	if err != nil {
		return nil, err
	}
	if s.Status != stream.StatusActive {
		return nil, fmt.Errorf("stream %s is %s: %w", streamID, s.Status, ErrStreamNotActive)
	}
	if s.Exhausted() {
		return nil, fmt.Errorf("stream %s made %d of %d payments: %w",
			streamID, s.PaymentsMade, s.MaxPayments, ErrPaymentLimitReached)
	}
	if signer == nil {
		return nil, ledger.ErrWalletLocked
	}

	seed := noise.SeedMaterial(s.ID, s.PaymentsMade, p.cfg.SeedKey)
	n := noise.Compute(s, seed)

	actual := s.Amount + n.AmountDelta
	if actual <= 0 {
		// Noise may never zero out or invert a payment.
		actual = s.Amount
	}

	dest := s.Recipient
	if s.UseStealth {
		if p.cfg.Stealth == nil {
			return nil, errors.New("stream requires a stealth address but no resolver is configured")
		}
		dest, err = p.cfg.Stealth.DeriveOneTime(ctx, s.Recipient, s.ID, s.PaymentsMade)
		if err != nil {
			return nil, fmt.Errorf("failed to derive stealth address: %w", err)
		}
	}

	rec := stream.PaymentRecord{
		ID:        uuid.NewString(),
		Timestamp: p.clock.Now().UTC(),
		Amount:    actual,
		Status:    stream.PaymentPending,
		Noise: stream.AppliedNoise{
			AmountDelta: n.AmountDelta,
			TimingDelta: n.TimingDelta,
		},
		WasStealth: s.UseStealth,
	}
	if err := p.store.AppendPayment(streamID, rec); err != nil {
		return nil, fmt.Errorf("failed to record pending payment: %w", err)
	}

	sig, err := p.cfg.Ledger.Submit(ctx, signer, ledger.Transfer{
		To:            dest,
		Amount:        actual,
		TokenMint:     s.TokenMint,
		TokenDecimals: s.TokenDecimals,
	})
	if err != nil {
		return p.fail(streamID, &rec, fmt.Sprintf("submission failed: %v", err), err)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	err = p.cfg.Ledger.Confirm(confirmCtx, sig)
	cancel()
	if err != nil {
		// The transfer may still land on chain; the schedule is kept
		// conservative and the signature is preserved in the reason so the
		// outcome can be checked later.
		reason := fmt.Sprintf("confirmation failed for %s: %v", sig.String(), err)
		return p.fail(streamID, &rec, reason, err)
	}

	next := p.nextPaymentTime(s, n.TimingDelta)
	if err := p.store.ConfirmPayment(streamID, rec.ID, sig.String(), next); err != nil {
		return nil, fmt.Errorf("failed to record confirmed payment: %w", err)
	}

	rec.Status = stream.PaymentConfirmed
	rec.Signature = sig.String()
	metrics.PaymentsTotal.WithLabelValues("confirmed").Inc()
	p.log.Info("processor: payment confirmed",
		"stream_id", streamID, "amount", actual, "signature", sig.String(), "next_payment", next)
	return &rec, nil
}

func (p *Processor) fail(streamID string, rec *stream.PaymentRecord, reason string, cause error) (*stream.PaymentRecord, error) {
	if err := p.store.FailPayment(streamID, rec.ID, reason); err != nil {
		p.log.Error("processor: failed to mark payment failed", "stream_id", streamID, "error", err)
	}
	rec.Status = stream.PaymentFailed
	rec.FailureReason = reason
	metrics.PaymentsTotal.WithLabelValues("failed").Inc()
	p.log.Warn("processor: payment failed", "stream_id", streamID, "reason", reason)
	return rec, fmt.Errorf("payment for stream %s failed: %w", streamID, cause)
}

// nextPaymentTime advances the schedule by one interval plus timing noise,
// anchored to the previous due time. The result never lands in the past and
// always strictly follows the previous due time, even when negative noise
// exceeds the interval.
func (p *Processor) nextPaymentTime(s *stream.Stream, timingDelta time.Duration) time.Time {
	next := s.NextPayment.Add(s.Interval.Duration() + timingDelta)
	if now := p.clock.Now().UTC(); next.Before(now) {
		next = now
	}
	if !next.After(s.NextPayment) {
		next = s.NextPayment.Add(time.Minute)
	}
	return next
}

func (p *Processor) tryLock(streamID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[streamID]; busy {
		return false
	}
	p.inflight[streamID] = struct{}{}
	return true
}

func (p *Processor) unlock(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, streamID)
}
