package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"

	"github.com/streampayhq/streampay/utils/pkg/retry"
)

type SolanaClientConfig struct {
	Logger       *slog.Logger
	RPC          *solanarpc.Client
	Clock        clockwork.Clock
	Retry        retry.Config
	PollInterval time.Duration // confirmation poll cadence
}

func (cfg *SolanaClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return nil
}

// SolanaClient implements Client and MemoSource against a Solana RPC node.
type SolanaClient struct {
	log   *slog.Logger
	cfg   SolanaClientConfig
	clock clockwork.Clock
	rpc   *solanarpc.Client
}

func NewSolanaClient(cfg SolanaClientConfig) (*SolanaClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SolanaClient{
		log:   cfg.Logger,
		cfg:   cfg,
		clock: cfg.Clock,
		rpc:   cfg.RPC,
	}, nil
}

// Submit builds, signs, and broadcasts one transfer. Native transfers go
// through the system program; SPL transfers go through the token program
// between the associated token accounts of sender and recipient.
func (c *SolanaClient) Submit(ctx context.Context, signer Signer, t Transfer) (solana.Signature, error) {
	if signer == nil {
		return solana.Signature{}, ErrWalletLocked
	}
	from := signer.PublicKey()

	var instructions []solana.Instruction
	if t.TokenMint == nil {
		lamports := uint64(math.Round(t.Amount * float64(solana.LAMPORTS_PER_SOL)))
		instructions = append(instructions,
			system.NewTransferInstruction(lamports, from, t.To).Build())
	} else {
		source, _, err := solana.FindAssociatedTokenAddress(from, *t.TokenMint)
		if err != nil {
			return solana.Signature{}, fmt.Errorf("failed to derive source token account: %w", err)
		}
		dest, _, err := solana.FindAssociatedTokenAddress(t.To, *t.TokenMint)
		if err != nil {
			return solana.Signature{}, fmt.Errorf("failed to derive destination token account: %w", err)
		}
		raw := uint64(math.Round(t.Amount * math.Pow10(int(t.TokenDecimals))))
		instructions = append(instructions,
			token.NewTransferCheckedInstruction(raw, t.TokenDecimals, source, *t.TokenMint, dest, from, nil).Build())
	}
	if t.Memo != "" {
		instructions = append(instructions,
			solana.NewInstruction(solana.MemoProgramID, solana.AccountMetaSlice{}, []byte(t.Memo)))
	}

	var blockhash *solanarpc.GetLatestBlockhashResult
	err := retry.Do(ctx, c.cfg.Retry, func() error {
		var err error
		blockhash, err = c.rpc.GetLatestBlockhash(ctx, solanarpc.CommitmentFinalized)
		return err
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to fetch recent blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instructions, blockhash.Value.Blockhash, solana.TransactionPayer(from))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to build transaction: %w", err)
	}

	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to encode transaction message: %w", err)
	}
	sig, err := signer.Sign(message)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	tx.Signatures = []solana.Signature{sig}

	out, err := c.rpc.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
		PreflightCommitment: solanarpc.CommitmentProcessed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	c.log.Debug("ledger: transaction submitted", "signature", out.String(), "to", t.To.String())
	return out, nil
}

// Confirm polls signature status until it reaches confirmed commitment or
// the transaction is reported failed. A deadline on ctx bounds the wait.
func (c *SolanaClient) Confirm(ctx context.Context, sig solana.Signature) error {
	for {
		res, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			if !retry.IsRetryable(err) {
				return fmt.Errorf("failed to fetch signature status: %w", err)
			}
			c.log.Debug("ledger: status fetch failed, retrying", "signature", sig.String(), "error", err)
		} else if len(res.Value) > 0 && res.Value[0] != nil {
			status := res.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction %s failed on chain: %v", sig.String(), status.Err)
			}
			switch status.ConfirmationStatus {
			case solanarpc.ConfirmationStatusConfirmed, solanarpc.ConfirmationStatusFinalized:
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("confirmation of %s did not complete: %w", sig.String(), ctx.Err())
		case <-c.clock.After(c.cfg.PollInterval):
		}
	}
}

// FetchMemos scans the wallet's transaction history and returns the memo
// strings attached to each signature. RPC prefixes memos with a length tag
// like "[39] ", which is stripped here.
func (c *SolanaClient) FetchMemos(ctx context.Context, wallet solana.PublicKey) ([]MemoEntry, error) {
	var sigs []*solanarpc.TransactionSignature
	err := retry.Do(ctx, c.cfg.Retry, func() error {
		var err error
		sigs, err = c.rpc.GetSignaturesForAddress(ctx, wallet)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signatures for %s: %w", wallet.String(), err)
	}

	var entries []MemoEntry
	for _, s := range sigs {
		if s == nil || s.Memo == nil || s.Err != nil {
			continue
		}
		entry := MemoEntry{
			Signature: s.Signature,
			Memo:      stripMemoLengthTag(*s.Memo),
		}
		if s.BlockTime != nil {
			entry.BlockTime = s.BlockTime.Time()
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func stripMemoLengthTag(s string) string {
	if strings.HasPrefix(s, "[") {
		if idx := strings.Index(s, "] "); idx >= 0 {
			return s[idx+2:]
		}
	}
	return s
}
