package chainsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/streampayhq/streampay/streamd/pkg/ledger"
	streamtesting "github.com/streampayhq/streampay/utils/pkg/testing"
)

var otherWallet = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

type recvResult struct {
	entry *ledger.LogEntry
	err   error
}

type fakeLogSub struct {
	entries chan recvResult
	unsubs  atomic.Int64
}

func (f *fakeLogSub) Recv(ctx context.Context) (*ledger.LogEntry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-f.entries:
		return r.entry, r.err
	}
}

func (f *fakeLogSub) Unsubscribe() { f.unsubs.Add(1) }

func (f *fakeLogSub) push(logs ...string) {
	var sig solana.Signature
	sig[0] = 7
	f.entries <- recvResult{entry: &ledger.LogEntry{Signature: sig, Logs: logs}}
}

type fakeSubscriber struct {
	mu      sync.Mutex
	subs    []*fakeLogSub
	wallets []solana.PublicKey
	err     error
}

func (f *fakeSubscriber) SubscribeLogs(_ context.Context, wallet solana.PublicKey) (ledger.LogSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub := &fakeLogSub{entries: make(chan recvResult, 8)}
	f.subs = append(f.subs, sub)
	f.wallets = append(f.wallets, wallet)
	return sub, nil
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeSubscriber) latest(t *testing.T) *fakeLogSub {
	t.Helper()
	require.Eventually(t, func() bool { return f.count() > 0 }, time.Second, time.Millisecond)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[len(f.subs)-1]
}

type countingMemoSource struct {
	fakeMemoSource
	fetches atomic.Int64
}

func (c *countingMemoSource) FetchMemos(ctx context.Context, wallet solana.PublicKey) ([]ledger.MemoEntry, error) {
	c.fetches.Add(1)
	return c.fakeMemoSource.FetchMemos(ctx, wallet)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) find(typ EventType) *Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.events {
		if r.events[i].Type == typ {
			return &r.events[i]
		}
	}
	return nil
}

type realtimeFixture struct {
	service    *Service
	subscriber *fakeSubscriber
	memos      *countingMemoSource
	events     *eventRecorder
}

func newRealtimeFixture(t *testing.T, mutate func(*ServiceConfig)) *realtimeFixture {
	t.Helper()
	store := newTestStore(t)
	memos := &countingMemoSource{}
	reconciler := newTestReconciler(t, store, memos, nil)

	subscriber := &fakeSubscriber{}
	cfg := ServiceConfig{
		Logger:               streamtesting.NewLogger(),
		Subscriber:           subscriber,
		Reconciler:           reconciler,
		DebounceDelay:        10 * time.Millisecond,
		FallbackInterval:     time.Hour,
		ReconnectBaseDelay:   5 * time.Millisecond,
		MaxReconnectAttempts: 2,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewService(cfg)
	require.NoError(t, err)
	t.Cleanup(svc.Stop)

	events := &eventRecorder{}
	svc.OnEvent(events.record)
	return &realtimeFixture{service: svc, subscriber: subscriber, memos: memos, events: events}
}

func TestStreamPay_Realtime_PushTriggersReconcile(t *testing.T) {
	t.Parallel()
	f := newRealtimeFixture(t, nil)
	f.memos.add(subscriptionMemo("Acme"))

	f.service.Start(context.Background(), testWallet)
	sub := f.subscriber.latest(t)
	require.Eventually(t, func() bool { return f.service.State() == StateConnected }, time.Second, time.Millisecond)

	sub.push("Program log: Memo (len 42): \"" + subscriptionMemo("Acme") + "\"")

	require.Eventually(t, func() bool {
		return f.events.find(EventSyncComplete) != nil
	}, time.Second, 5*time.Millisecond)

	added := f.events.find(EventSubscriptionAdded)
	require.NotNil(t, added)
	require.NotEmpty(t, added.StreamID)
	complete := f.events.find(EventSyncComplete)
	require.Equal(t, 1, complete.Result.New)
}

func TestStreamPay_Realtime_IgnoresUnrelatedLogs(t *testing.T) {
	t.Parallel()
	f := newRealtimeFixture(t, nil)

	f.service.Start(context.Background(), testWallet)
	sub := f.subscriber.latest(t)
	require.Eventually(t, func() bool { return f.service.State() == StateConnected }, time.Second, time.Millisecond)

	sub.push("Program log: Instruction: Transfer")
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, f.memos.fetches.Load(), "logs without a subscription memo must not trigger a scan")
}

func TestStreamPay_Realtime_DebounceCollapsesBursts(t *testing.T) {
	t.Parallel()
	f := newRealtimeFixture(t, func(cfg *ServiceConfig) {
		cfg.DebounceDelay = 50 * time.Millisecond
	})

	f.service.Start(context.Background(), testWallet)
	sub := f.subscriber.latest(t)
	require.Eventually(t, func() bool { return f.service.State() == StateConnected }, time.Second, time.Millisecond)

	memoLine := "Program log: Memo: \"" + subscriptionMemo("Acme") + "\""
	sub.push(memoLine)
	sub.push(memoLine)
	sub.push(memoLine)

	require.Eventually(t, func() bool { return f.memos.fetches.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int64(1), f.memos.fetches.Load(), "a burst of notifications collapses into one scan")
}

func TestStreamPay_Realtime_StartIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newRealtimeFixture(t, nil)

	f.service.Start(context.Background(), testWallet)
	f.subscriber.latest(t)
	require.Eventually(t, func() bool { return f.service.State() == StateConnected }, time.Second, time.Millisecond)

	f.service.Start(context.Background(), testWallet)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, f.subscriber.count(), "restarting a healthy session must not resubscribe")
}

func TestStreamPay_Realtime_WalletSwitchTearsDown(t *testing.T) {
	t.Parallel()
	f := newRealtimeFixture(t, nil)

	f.service.Start(context.Background(), testWallet)
	first := f.subscriber.latest(t)
	require.Eventually(t, func() bool { return f.service.State() == StateConnected }, time.Second, time.Millisecond)

	f.service.Start(context.Background(), otherWallet)
	require.Eventually(t, func() bool { return f.subscriber.count() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return first.unsubs.Load() >= 1 }, time.Second, time.Millisecond)

	f.subscriber.mu.Lock()
	defer f.subscriber.mu.Unlock()
	require.Equal(t, otherWallet, f.subscriber.wallets[1])
}

func TestStreamPay_Realtime_FallbackReconcile(t *testing.T) {
	t.Parallel()
	f := newRealtimeFixture(t, func(cfg *ServiceConfig) {
		cfg.FallbackInterval = 20 * time.Millisecond
	})
	f.memos.add(subscriptionMemo("Acme"))

	f.service.Start(context.Background(), testWallet)
	require.Eventually(t, func() bool {
		return f.events.find(EventSyncComplete) != nil
	}, time.Second, 5*time.Millisecond)
}

func TestStreamPay_Realtime_TerminalBackoff(t *testing.T) {
	t.Parallel()
	f := newRealtimeFixture(t, nil)
	f.subscriber.err = errors.New("websocket refused")

	f.service.Start(context.Background(), testWallet)
	require.Eventually(t, func() bool {
		ev := f.events.find(EventError)
		return ev != nil && ev.Terminal
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, StateError, f.service.State())

	// A terminal error requires a manual restart, which must work.
	f.subscriber.mu.Lock()
	f.subscriber.err = nil
	f.subscriber.mu.Unlock()

	f.service.Start(context.Background(), testWallet)
	require.Eventually(t, func() bool { return f.service.State() == StateConnected }, time.Second, time.Millisecond)
}

func TestStreamPay_Realtime_Stop(t *testing.T) {
	t.Parallel()
	f := newRealtimeFixture(t, nil)

	f.service.Start(context.Background(), testWallet)
	sub := f.subscriber.latest(t)
	require.Eventually(t, func() bool { return f.service.State() == StateConnected }, time.Second, time.Millisecond)

	f.service.Stop()
	require.Equal(t, StateDisconnected, f.service.State())
	require.Eventually(t, func() bool { return sub.unsubs.Load() >= 1 }, time.Second, time.Millisecond)

	// Stopping again is a safe no-op.
	f.service.Stop()
	require.Equal(t, StateDisconnected, f.service.State())
}

func TestStreamPay_Realtime_ListenerPanicIsIsolated(t *testing.T) {
	t.Parallel()
	f := newRealtimeFixture(t, func(cfg *ServiceConfig) {
		cfg.FallbackInterval = 20 * time.Millisecond
	})
	f.service.OnEvent(func(Event) { panic("bad listener") })

	var delivered atomic.Int64
	f.service.OnEvent(func(Event) { delivered.Add(1) })

	f.service.Start(context.Background(), testWallet)
	require.Eventually(t, func() bool { return delivered.Load() >= 1 }, time.Second, 5*time.Millisecond)
}
