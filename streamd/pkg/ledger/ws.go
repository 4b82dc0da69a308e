package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
)

type WSSubscriberConfig struct {
	Logger *slog.Logger
	WSURL  string
}

func (cfg *WSSubscriberConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.WSURL == "" {
		return errors.New("websocket url is required")
	}
	return nil
}

// WSSubscriber opens websocket log subscriptions against a Solana node.
// Each SubscribeLogs call owns its own connection so tearing one session
// down cannot disturb another.
type WSSubscriber struct {
	log *slog.Logger
	cfg WSSubscriberConfig
}

func NewWSSubscriber(cfg WSSubscriberConfig) (*WSSubscriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &WSSubscriber{log: cfg.Logger, cfg: cfg}, nil
}

func (w *WSSubscriber) SubscribeLogs(ctx context.Context, wallet solana.PublicKey) (LogSubscription, error) {
	client, err := ws.Connect(ctx, w.cfg.WSURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect websocket: %w", err)
	}
	sub, err := client.LogsSubscribeMentions(wallet, solanarpc.CommitmentConfirmed)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to subscribe to logs for %s: %w", wallet.String(), err)
	}
	w.log.Debug("ledger: log subscription established", "wallet", wallet.String())
	return &wsLogSubscription{client: client, sub: sub}, nil
}

type wsLogSubscription struct {
	client *ws.Client
	sub    *ws.LogSubscription
}

func (s *wsLogSubscription) Recv(ctx context.Context) (*LogEntry, error) {
	res, err := s.sub.Recv(ctx)
	if err != nil {
		return nil, err
	}
	return &LogEntry{
		Signature: res.Value.Signature,
		Logs:      res.Value.Logs,
	}, nil
}

func (s *wsLogSubscription) Unsubscribe() {
	s.sub.Unsubscribe()
	s.client.Close()
}
