// Package ledger defines the external collaborators the stream engine
// consumes (signing, transfer submission and confirmation, memo history,
// log subscriptions) and their Solana implementations.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"
)

// ErrWalletLocked is returned when an operation requires signing and no
// signing capability is available. Recoverable: the user unlocks and the
// same operation is retried.
var ErrWalletLocked = errors.New("wallet is locked")

// Signer is the opaque signing capability supplied while the wallet is
// unlocked. Key management itself lives outside this module.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(message []byte) (solana.Signature, error)
}

// Transfer describes one payment to submit. A nil TokenMint means the native
// asset.
type Transfer struct {
	To            solana.PublicKey
	Amount        float64
	TokenMint     *solana.PublicKey
	TokenDecimals uint8
	Memo          string // attached as a memo instruction when non-empty
}

// Client submits and confirms transfers on the ledger.
type Client interface {
	Submit(ctx context.Context, signer Signer, t Transfer) (solana.Signature, error)
	Confirm(ctx context.Context, sig solana.Signature) error
}

// StealthResolver derives a one-time destination address for a single
// payment so successive payments to the same recipient are not linkable.
// Implemented by an external collaborator.
type StealthResolver interface {
	DeriveOneTime(ctx context.Context, recipient solana.PublicKey, streamID string, paymentIndex int) (solana.PublicKey, error)
}

// MemoEntry is one historical transaction memo authored by the wallet.
type MemoEntry struct {
	Signature solana.Signature
	Memo      string
	BlockTime time.Time
}

// MemoSource reads the wallet's historical transaction memos.
type MemoSource interface {
	FetchMemos(ctx context.Context, wallet solana.PublicKey) ([]MemoEntry, error)
}

// LogEntry is one ledger log notification mentioning the wallet.
type LogEntry struct {
	Signature solana.Signature
	Logs      []string
}

// LogSubscription is a live stream of log notifications. Recv blocks until
// the next entry, an error, or context cancellation.
type LogSubscription interface {
	Recv(ctx context.Context) (*LogEntry, error)
	Unsubscribe()
}

// LogSubscriber opens log subscriptions scoped to a wallet address.
type LogSubscriber interface {
	SubscribeLogs(ctx context.Context, wallet solana.PublicKey) (LogSubscription, error)
}

// KeypairSigner adapts an in-memory keypair to the Signer capability.
type KeypairSigner struct {
	key solana.PrivateKey
}

func NewKeypairSigner(key solana.PrivateKey) *KeypairSigner {
	return &KeypairSigner{key: key}
}

func (k *KeypairSigner) PublicKey() solana.PublicKey {
	return k.key.PublicKey()
}

func (k *KeypairSigner) Sign(message []byte) (solana.Signature, error) {
	return k.key.Sign(message)
}
