package approval

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/streampayhq/streampay/streamd/pkg/ledger"
	"github.com/streampayhq/streampay/streamd/pkg/memo"
	"github.com/streampayhq/streampay/streamd/pkg/stream"
	streamtesting "github.com/streampayhq/streampay/utils/pkg/testing"
)

var (
	testWallet    = solana.MustPublicKeyFromBase58("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")
	testRecipient = solana.MustPublicKeyFromBase58("4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T")
)

type fakeSigner struct {
	err error
}

func (f *fakeSigner) PublicKey() solana.PublicKey { return testWallet }

func (f *fakeSigner) Sign([]byte) (solana.Signature, error) {
	if f.err != nil {
		return solana.Signature{}, f.err
	}
	var sig solana.Signature
	sig[0] = 1
	return sig, nil
}

type fakeLedger struct {
	mu        sync.Mutex
	submitted []ledger.Transfer
	submitErr error
}

func (f *fakeLedger) Submit(_ context.Context, _ ledger.Signer, t ledger.Transfer) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return solana.Signature{}, f.submitErr
	}
	f.submitted = append(f.submitted, t)
	var sig solana.Signature
	sig[0] = byte(len(f.submitted))
	return sig, nil
}

func (f *fakeLedger) Confirm(context.Context, solana.Signature) error { return nil }

func newTestBridge(t *testing.T) (*Bridge, *stream.Store, *fakeLedger) {
	t.Helper()
	store, err := stream.NewStore(stream.StoreConfig{
		Logger: streamtesting.NewLogger(),
		Clock:  clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Path:   filepath.Join(t.TempDir(), "streams.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fl := &fakeLedger{}
	bridge, err := NewBridge(BridgeConfig{
		Logger: streamtesting.NewLogger(),
		Store:  store,
		Ledger: fl,
	})
	require.NoError(t, err)
	return bridge, store, fl
}

func subscriptionRequest() Request {
	return Request{
		Type:       RequestSubscription,
		Origin:     "https://acme.example",
		OriginName: "Acme",
		Subscription: &SubscriptionRequest{
			Recipient:       testRecipient,
			AmountPerPeriod: 9.99,
			PeriodSeconds:   30 * 86400,
			MerchantName:    "Acme Premium",
		},
	}
}

func TestStreamPay_Approval_Denied(t *testing.T) {
	t.Parallel()
	bridge, store, fl := newTestBridge(t)

	resp, err := bridge.Handle(context.Background(), subscriptionRequest(), false, &fakeSigner{})
	require.NoError(t, err)
	require.False(t, resp.Approved)
	require.Empty(t, resp.SubscriptionID)

	streams, err := store.List()
	require.NoError(t, err)
	require.Empty(t, streams, "a denied request must not mutate anything")
	require.Empty(t, fl.submitted)
}

func TestStreamPay_Approval_Subscription(t *testing.T) {
	t.Parallel()

	t.Run("approved request creates the stream and writes the discovery memo", func(t *testing.T) {
		t.Parallel()
		bridge, store, fl := newTestBridge(t)

		resp, err := bridge.Handle(context.Background(), subscriptionRequest(), true, &fakeSigner{})
		require.NoError(t, err)
		require.True(t, resp.Approved)
		require.NotEmpty(t, resp.SubscriptionID)
		require.NotEmpty(t, resp.Signature)

		created, err := store.Get(resp.SubscriptionID)
		require.NoError(t, err)
		require.Equal(t, testRecipient, created.Recipient)
		require.Equal(t, 9.99, created.Amount)
		require.Equal(t, stream.IntervalMonthly, created.Interval.Unit)
		require.Equal(t, "https://acme.example", created.Origin)
		require.Equal(t, "Acme Premium", created.MerchantName)
		require.NotEmpty(t, created.ChainKey)

		// The memo goes to the wallet itself as a zero-value transfer and
		// decodes back to the same chain identity.
		require.Len(t, fl.submitted, 1)
		require.Equal(t, testWallet, fl.submitted[0].To)
		require.Zero(t, fl.submitted[0].Amount)
		rec, err := memo.Decode(fl.submitted[0].Memo)
		require.NoError(t, err)
		require.Equal(t, created.ChainKey, memo.ChainKey(*rec))
	})

	t.Run("locked wallet still creates the stream, memo deferred", func(t *testing.T) {
		t.Parallel()
		bridge, store, fl := newTestBridge(t)

		resp, err := bridge.Handle(context.Background(), subscriptionRequest(), true, nil)
		require.NoError(t, err)
		require.True(t, resp.Approved)
		require.NotEmpty(t, resp.SubscriptionID)
		require.Empty(t, resp.Signature)

		_, err = store.Get(resp.SubscriptionID)
		require.NoError(t, err)
		require.Empty(t, fl.submitted)
	})

	t.Run("memo write failure does not lose the stream", func(t *testing.T) {
		t.Parallel()
		bridge, store, fl := newTestBridge(t)
		fl.submitErr = errors.New("rpc unavailable")

		resp, err := bridge.Handle(context.Background(), subscriptionRequest(), true, &fakeSigner{})
		require.NoError(t, err)
		require.True(t, resp.Approved)
		require.Empty(t, resp.Signature)

		_, err = store.Get(resp.SubscriptionID)
		require.NoError(t, err)
	})

	t.Run("invalid terms are rejected", func(t *testing.T) {
		t.Parallel()
		bridge, store, _ := newTestBridge(t)

		req := subscriptionRequest()
		req.Subscription.AmountPerPeriod = -5
		_, err := bridge.Handle(context.Background(), req, true, &fakeSigner{})
		require.ErrorIs(t, err, stream.ErrValidation)

		streams, err := store.List()
		require.NoError(t, err)
		require.Empty(t, streams)
	})

	t.Run("missing payload", func(t *testing.T) {
		t.Parallel()
		bridge, _, _ := newTestBridge(t)
		_, err := bridge.Handle(context.Background(), Request{Type: RequestSubscription}, true, &fakeSigner{})
		require.Error(t, err)
	})
}

func TestStreamPay_Approval_Signing(t *testing.T) {
	t.Parallel()

	t.Run("transaction request returns the signature", func(t *testing.T) {
		t.Parallel()
		bridge, _, _ := newTestBridge(t)

		resp, err := bridge.Handle(context.Background(), Request{
			Type:        RequestTransaction,
			Transaction: &TransactionRequest{Message: []byte("serialized tx")},
		}, true, &fakeSigner{})
		require.NoError(t, err)
		require.True(t, resp.Approved)
		require.NotEmpty(t, resp.Signature)
	})

	t.Run("sign message request returns the signature", func(t *testing.T) {
		t.Parallel()
		bridge, _, _ := newTestBridge(t)

		resp, err := bridge.Handle(context.Background(), Request{
			Type:        RequestSignMessage,
			SignMessage: &SignMessageRequest{Message: []byte("hello")},
		}, true, &fakeSigner{})
		require.NoError(t, err)
		require.True(t, resp.Approved)
		require.NotEmpty(t, resp.Signature)
	})

	t.Run("locked wallet cannot sign", func(t *testing.T) {
		t.Parallel()
		bridge, _, _ := newTestBridge(t)

		_, err := bridge.Handle(context.Background(), Request{
			Type:        RequestSignMessage,
			SignMessage: &SignMessageRequest{Message: []byte("hello")},
		}, true, nil)
		require.ErrorIs(t, err, ledger.ErrWalletLocked)
	})

	t.Run("signer failure is surfaced", func(t *testing.T) {
		t.Parallel()
		bridge, _, _ := newTestBridge(t)

		_, err := bridge.Handle(context.Background(), Request{
			Type:        RequestSignMessage,
			SignMessage: &SignMessageRequest{Message: []byte("hello")},
		}, true, &fakeSigner{err: errors.New("hardware wallet rejected")})
		require.Error(t, err)
	})
}

func TestStreamPay_Approval_UnknownType(t *testing.T) {
	t.Parallel()
	bridge, _, _ := newTestBridge(t)
	_, err := bridge.Handle(context.Background(), Request{Type: "stakeDelegation"}, true, &fakeSigner{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown approval request type")
}

func TestStreamPay_Approval_IntervalMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		seconds int64
		want    stream.Interval
	}{
		{86400, stream.Interval{Unit: stream.IntervalDaily}},
		{7 * 86400, stream.Interval{Unit: stream.IntervalWeekly}},
		{30 * 86400, stream.Interval{Unit: stream.IntervalMonthly}},
		{365 * 86400, stream.Interval{Unit: stream.IntervalYearly}},
		{14 * 86400, stream.Interval{Unit: stream.IntervalCustom, CustomDays: 14}},
		{3600, stream.Interval{Unit: stream.IntervalCustom, CustomDays: 1}},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, intervalFromSeconds(tc.seconds), "seconds=%d", tc.seconds)
	}
}
