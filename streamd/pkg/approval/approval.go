// Package approval handles dApp-initiated requests delivered over the
// extension/mobile bridge. Requests form a closed tagged set; unknown kinds
// are rejected rather than shape-guessed.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/gagliardetto/solana-go"

	"github.com/streampayhq/streampay/streamd/pkg/ledger"
	"github.com/streampayhq/streampay/streamd/pkg/memo"
	"github.com/streampayhq/streampay/streamd/pkg/stream"
)

// RequestType tags the closed set of bridge request kinds.
type RequestType string

const (
	RequestTransaction  RequestType = "transaction"
	RequestSignMessage  RequestType = "signMessage"
	RequestSubscription RequestType = "subscription"
)

// Request is one dApp request. Exactly one payload field matching Type is
// set.
type Request struct {
	Type       RequestType `json:"type"`
	Origin     string      `json:"origin,omitempty"`
	OriginName string      `json:"origin_name,omitempty"`

	Transaction  *TransactionRequest  `json:"transaction,omitempty"`
	SignMessage  *SignMessageRequest  `json:"sign_message,omitempty"`
	Subscription *SubscriptionRequest `json:"subscription,omitempty"`
}

type TransactionRequest struct {
	Message []byte `json:"message"` // serialized transaction message to sign
}

type SignMessageRequest struct {
	Message []byte `json:"message"`
}

type SubscriptionRequest struct {
	Recipient        solana.PublicKey  `json:"recipient"`
	AmountPerPeriod  float64           `json:"amount_per_period"`
	PeriodSeconds    int64             `json:"period_seconds"`
	MaxPeriods       int               `json:"max_periods"`
	AmountNoisePct   float64           `json:"amount_noise_pct,omitempty"`
	TimingNoiseHours float64           `json:"timing_noise_hours,omitempty"`
	UseStealth       bool              `json:"use_stealth,omitempty"`
	TokenMint        *solana.PublicKey `json:"token_mint,omitempty"`
	MerchantName     string            `json:"merchant_name,omitempty"`
}

// Response is returned to the requesting dApp.
type Response struct {
	Approved       bool   `json:"approved"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Signature      string `json:"signature,omitempty"`
}

type BridgeConfig struct {
	Logger *slog.Logger
	Store  *stream.Store
	Ledger ledger.Client
}

func (cfg *BridgeConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	return nil
}

// Bridge executes approved dApp requests against the wallet core.
type Bridge struct {
	log *slog.Logger
	cfg BridgeConfig
}

func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Bridge{log: cfg.Logger, cfg: cfg}, nil
}

// Handle executes one request with the user's approval decision. A denied
// request performs no mutation and returns Approved false.
func (b *Bridge) Handle(ctx context.Context, req Request, approved bool, signer ledger.Signer) (Response, error) {
	if !approved {
		b.log.Info("approval: request denied by user", "type", req.Type, "origin", req.Origin)
		return Response{Approved: false}, nil
	}

	switch req.Type {
	case RequestTransaction:
		if req.Transaction == nil {
			return Response{}, errors.New("transaction request missing payload")
		}
		return b.sign(req.Transaction.Message, signer)
	case RequestSignMessage:
		if req.SignMessage == nil {
			return Response{}, errors.New("sign message request missing payload")
		}
		return b.sign(req.SignMessage.Message, signer)
	case RequestSubscription:
		if req.Subscription == nil {
			return Response{}, errors.New("subscription request missing payload")
		}
		return b.createSubscription(ctx, req, signer)
	default:
		return Response{}, fmt.Errorf("unknown approval request type %q", req.Type)
	}
}

func (b *Bridge) sign(message []byte, signer ledger.Signer) (Response, error) {
	if signer == nil {
		return Response{}, ledger.ErrWalletLocked
	}
	sig, err := signer.Sign(message)
	if err != nil {
		return Response{}, fmt.Errorf("failed to sign message: %w", err)
	}
	return Response{Approved: true, Signature: sig.String()}, nil
}

// createSubscription creates the stream locally and writes the discovery
// memo on chain as a zero-value self transfer, so other devices can find it.
// A failed memo write leaves the local stream intact; the subscription just
// stays invisible to other devices until a memo lands.
func (b *Bridge) createSubscription(ctx context.Context, req Request, signer ledger.Signer) (Response, error) {
	sub := req.Subscription
	template := &stream.Stream{
		Recipient:        sub.Recipient,
		Origin:           req.Origin,
		OriginName:       req.OriginName,
		Amount:           sub.AmountPerPeriod,
		TokenMint:        sub.TokenMint,
		Interval:         intervalFromSeconds(sub.PeriodSeconds),
		MaxPayments:      sub.MaxPeriods,
		AmountNoisePct:   sub.AmountNoisePct,
		TimingNoiseHours: sub.TimingNoiseHours,
		UseStealth:       sub.UseStealth,
		MerchantName:     sub.MerchantName,
	}
	template.ChainKey = memo.ChainKey(memo.FromStream(template))

	created, err := b.cfg.Store.Create(template)
	if err != nil {
		return Response{}, fmt.Errorf("failed to create subscription: %w", err)
	}
	b.log.Info("approval: subscription created",
		"stream_id", created.ID, "origin", req.Origin, "recipient", sub.Recipient.String())

	if signer == nil {
		b.log.Warn("approval: wallet locked, discovery memo not written", "stream_id", created.ID)
		return Response{Approved: true, SubscriptionID: created.ID}, nil
	}
	sig, err := b.cfg.Ledger.Submit(ctx, signer, ledger.Transfer{
		To:   signer.PublicKey(),
		Memo: memo.Encode(memo.FromStream(created)),
	})
	if err != nil {
		b.log.Warn("approval: failed to write discovery memo",
			"stream_id", created.ID, "error", err)
		return Response{Approved: true, SubscriptionID: created.ID}, nil
	}

	return Response{Approved: true, SubscriptionID: created.ID, Signature: sig.String()}, nil
}

func intervalFromSeconds(seconds int64) stream.Interval {
	const day = 86400
	switch seconds {
	case day:
		return stream.Interval{Unit: stream.IntervalDaily}
	case 7 * day:
		return stream.Interval{Unit: stream.IntervalWeekly}
	case 30 * day:
		return stream.Interval{Unit: stream.IntervalMonthly}
	case 365 * day:
		return stream.Interval{Unit: stream.IntervalYearly}
	default:
		days := int(math.Round(float64(seconds) / day))
		if days < 1 {
			days = 1
		}
		return stream.Interval{Unit: stream.IntervalCustom, CustomDays: days}
	}
}
