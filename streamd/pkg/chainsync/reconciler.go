// Package chainsync merges on-chain discovered subscription state into the
// local store and keeps it fresh in real time across devices.
package chainsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"

	"github.com/streampayhq/streampay/streamd/pkg/ledger"
	"github.com/streampayhq/streampay/streamd/pkg/memo"
	"github.com/streampayhq/streampay/streamd/pkg/metrics"
	"github.com/streampayhq/streampay/streamd/pkg/stream"
)

// Notifier delivers best-effort "new subscription discovered" notifications.
// Delivery failure never fails the reconcile.
type Notifier interface {
	NotifyNewSubscription(ctx context.Context, s *stream.Stream) error
}

// Result summarizes one reconcile run.
type Result struct {
	New     int `json:"new"`
	Updated int `json:"updated"`

	NewIDs     []string `json:"-"`
	UpdatedIDs []string `json:"-"`
}

type ReconcilerConfig struct {
	Logger   *slog.Logger
	Store    *stream.Store
	Memos    ledger.MemoSource
	Notifier Notifier // optional
}

func (cfg *ReconcilerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Memos == nil {
		return errors.New("memo source is required")
	}
	return nil
}

// Reconciler merges subscription memos found in the wallet's chain history
// into the local store. Memos are a discovery hint only: they create streams
// that are missing and refresh informational fields, but never delete local
// streams or touch payment history and status.
type Reconciler struct {
	log *slog.Logger
	cfg ReconcilerConfig
}

func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Reconciler{log: cfg.Logger, cfg: cfg}, nil
}

// Reconcile scans the wallet's memo history and merges what it finds.
// Idempotent: a second run over the same history reports zero changes.
// Malformed memo records are skipped, not fatal.
func (r *Reconciler) Reconcile(ctx context.Context, wallet solana.PublicKey) (Result, error) {
	entries, err := r.cfg.Memos.FetchMemos(ctx, wallet)
	if err != nil {
		metrics.ReconcileTotal.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("failed to fetch memo history: %w", err)
	}

	var res Result
	for _, entry := range entries {
		rec, err := memo.Decode(entry.Memo)
		if err != nil {
			if !errors.Is(err, memo.ErrNotSubscriptionMemo) {
				r.log.Warn("reconcile: skipping malformed memo",
					"signature", entry.Signature.String(), "error", err)
			}
			continue
		}

		key := memo.ChainKey(*rec)
		existing, err := r.cfg.Store.FindByChainKey(key)
		switch {
		case errors.Is(err, stream.ErrNotFound):
			created, err := r.createFromMemo(ctx, key, rec)
			if err != nil {
				r.log.Warn("reconcile: failed to create discovered stream",
					"chain_key", key, "error", err)
				continue
			}
			res.New++
			res.NewIDs = append(res.NewIDs, created.ID)
		case err != nil:
			metrics.ReconcileTotal.WithLabelValues("error").Inc()
			return Result{}, fmt.Errorf("failed to look up stream by chain key: %w", err)
		default:
			updated, err := r.refreshFromMemo(existing, rec)
			if err != nil {
				r.log.Warn("reconcile: failed to refresh stream",
					"stream_id", existing.ID, "error", err)
				continue
			}
			if updated {
				res.Updated++
				res.UpdatedIDs = append(res.UpdatedIDs, existing.ID)
			}
		}
	}

	metrics.ReconcileTotal.WithLabelValues("success").Inc()
	r.log.Debug("reconcile: completed",
		"wallet", wallet.String(), "new", res.New, "updated", res.Updated)
	return res, nil
}

func (r *Reconciler) createFromMemo(ctx context.Context, key string, rec *memo.Record) (*stream.Stream, error) {
	created, err := r.cfg.Store.Create(&stream.Stream{
		ChainKey:     key,
		Recipient:    rec.Recipient,
		Amount:       rec.Amount,
		Interval:     rec.Interval,
		MaxPayments:  rec.MaxPayments,
		TokenMint:    rec.TokenMint,
		MerchantName: rec.Name,
	})
	if err != nil {
		return nil, err
	}

	metrics.ReconcileDiscovered.WithLabelValues("new").Inc()
	r.log.Info("reconcile: discovered new subscription",
		"stream_id", created.ID, "recipient", rec.Recipient.String())

	if r.cfg.Notifier != nil {
		if err := r.cfg.Notifier.NotifyNewSubscription(ctx, created); err != nil {
			r.log.Warn("reconcile: notification delivery failed",
				"stream_id", created.ID, "error", err)
		}
	}
	return created, nil
}

// refreshFromMemo updates informational fields only. Essential terms define
// the chain key, so a matched stream already agrees on them.
func (r *Reconciler) refreshFromMemo(existing *stream.Stream, rec *memo.Record) (bool, error) {
	if rec.Name == "" || existing.MerchantName == rec.Name {
		return false, nil
	}
	_, err := r.cfg.Store.Update(existing.ID, func(s *stream.Stream) error {
		s.MerchantName = rec.Name
		return nil
	})
	if err != nil {
		return false, err
	}
	metrics.ReconcileDiscovered.WithLabelValues("updated").Inc()
	return true, nil
}
