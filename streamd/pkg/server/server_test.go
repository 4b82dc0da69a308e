package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/streampayhq/streampay/streamd/pkg/engine"
	"github.com/streampayhq/streampay/streamd/pkg/ledger"
	"github.com/streampayhq/streampay/streamd/pkg/stream"
	streamtesting "github.com/streampayhq/streampay/utils/pkg/testing"
)

var (
	testWallet    = solana.MustPublicKeyFromBase58("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")
	testRecipient = solana.MustPublicKeyFromBase58("4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T")
)

type fakeSigner struct{}

func (fakeSigner) PublicKey() solana.PublicKey { return testWallet }

func (fakeSigner) Sign([]byte) (solana.Signature, error) { return solana.Signature{}, nil }

type fakeLedger struct {
	mu        sync.Mutex
	submitted int
}

func (f *fakeLedger) Submit(context.Context, ledger.Signer, ledger.Transfer) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted++
	var sig solana.Signature
	sig[0] = byte(f.submitted)
	return sig, nil
}

func (f *fakeLedger) Confirm(context.Context, solana.Signature) error { return nil }

type fakeMemoSource struct{}

func (fakeMemoSource) FetchMemos(context.Context, solana.PublicKey) ([]ledger.MemoEntry, error) {
	return nil, nil
}

type fakeSubscription struct{}

func (fakeSubscription) Recv(ctx context.Context) (*ledger.LogEntry, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (fakeSubscription) Unsubscribe() {}

type fakeSubscriber struct{}

func (fakeSubscriber) SubscribeLogs(context.Context, solana.PublicKey) (ledger.LogSubscription, error) {
	return fakeSubscription{}, nil
}

func newTestServer(t *testing.T, signer ledger.Signer) *Server {
	t.Helper()
	srv, err := New(Config{
		ListenAddr:  "127.0.0.1:0",
		VersionInfo: VersionInfo{Version: "test"},
		EngineConfig: engine.Config{
			Logger:     streamtesting.NewLogger(),
			DBPath:     filepath.Join(t.TempDir(), "streams.db"),
			Wallet:     testWallet,
			Ledger:     &fakeLedger{},
			Memos:      fakeMemoSource{},
			Subscriber: fakeSubscriber{},
			Signer:     signer,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Engine().Close() })
	return srv
}

func (s *Server) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)
	return rec
}

func createTestStream(t *testing.T, srv *Server) stream.Stream {
	t.Helper()
	rec := srv.do(t, http.MethodPost, "/api/v1/streams", map[string]any{
		"recipient": testRecipient.String(),
		"amount":    9.99,
		"interval":  map[string]string{"unit": "monthly"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created stream.Stream
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	return created
}

func TestStreamPay_Server_Health(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, fakeSigner{})

	rec := srv.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready before the engine starts")

	rec = srv.do(t, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "test")
}

func TestStreamPay_Server_Readyz(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, fakeSigner{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.Engine().Start(ctx)

	require.Eventually(t, func() bool {
		return srv.do(t, http.MethodGet, "/readyz", nil).Code == http.StatusOK
	}, time.Second, 5*time.Millisecond)
}

func TestStreamPay_Server_StreamCRUD(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, fakeSigner{})

	created := createTestStream(t, srv)
	require.NotEmpty(t, created.ID)
	require.Equal(t, stream.StatusActive, created.Status)

	rec := srv.do(t, http.MethodGet, "/api/v1/streams", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []stream.Stream
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)

	rec = srv.do(t, http.MethodGet, "/api/v1/streams/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/v1/streams/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(t, http.MethodPatch, "/api/v1/streams/"+created.ID, map[string]any{"amount": 19.99})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated stream.Stream
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	require.Equal(t, 19.99, updated.Amount)

	rec = srv.do(t, http.MethodDelete, "/api/v1/streams/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = srv.do(t, http.MethodGet, "/api/v1/streams/"+created.ID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamPay_Server_CreateValidation(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, fakeSigner{})

	rec := srv.do(t, http.MethodPost, "/api/v1/streams", map[string]any{
		"recipient": "not-a-key",
		"amount":    1,
		"interval":  map[string]string{"unit": "monthly"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/v1/streams", map[string]any{
		"recipient": testRecipient.String(),
		"amount":    -1,
		"interval":  map[string]string{"unit": "monthly"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamPay_Server_Lifecycle(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, fakeSigner{})
	created := createTestStream(t, srv)

	rec := srv.do(t, http.MethodPost, "/api/v1/streams/"+created.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Pausing twice is a state conflict.
	rec = srv.do(t, http.MethodPost, "/api/v1/streams/"+created.ID+"/pause", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/v1/streams/"+created.ID+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/v1/streams/"+created.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodPost, "/api/v1/streams/"+created.ID+"/resume", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestStreamPay_Server_Process(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(t, fakeSigner{})
		created := createTestStream(t, srv)

		rec := srv.do(t, http.MethodPost, "/api/v1/streams/"+created.ID+"/process", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var paid stream.PaymentRecord
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &paid))
		require.Equal(t, stream.PaymentConfirmed, paid.Status)
	})

	t.Run("locked wallet", func(t *testing.T) {
		t.Parallel()
		srv := newTestServer(t, fakeSigner{})
		created := createTestStream(t, srv)
		srv.Engine().SetSigner(nil)

		rec := srv.do(t, http.MethodPost, "/api/v1/streams/"+created.ID+"/process", nil)
		require.Equal(t, http.StatusLocked, rec.Code)
	})
}

func TestStreamPay_Server_Preview(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, fakeSigner{})
	created := createTestStream(t, srv)

	first := srv.do(t, http.MethodGet, "/api/v1/streams/"+created.ID+"/preview", nil)
	require.Equal(t, http.StatusOK, first.Code)
	second := srv.do(t, http.MethodGet, "/api/v1/streams/"+created.ID+"/preview", nil)
	require.Equal(t, first.Body.String(), second.Body.String(), "preview is deterministic")
}

func TestStreamPay_Server_StatsAndSync(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, fakeSigner{})
	createTestStream(t, srv)

	rec := srv.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"active_count":1`)

	rec = srv.do(t, http.MethodGet, "/api/v1/sync/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "disconnected")

	rec = srv.do(t, http.MethodPost, "/api/v1/sync/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStreamPay_Server_Approvals(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, fakeSigner{})

	rec := srv.do(t, http.MethodPost, "/api/v1/approvals", map[string]any{
		"approved": false,
		"request": map[string]any{
			"type": "subscription",
			"subscription": map[string]any{
				"recipient":         testRecipient.String(),
				"amount_per_period": 5,
				"period_seconds":    2592000,
			},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"approved":false`)

	streams, err := srv.Engine().Store().List()
	require.NoError(t, err)
	require.Empty(t, streams, "a denied approval must not create a stream")
}
