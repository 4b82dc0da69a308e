package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/streampayhq/streampay/streamd/pkg/approval"
	"github.com/streampayhq/streampay/streamd/pkg/ledger"
	"github.com/streampayhq/streampay/streamd/pkg/payment"
	"github.com/streampayhq/streampay/streamd/pkg/stream"
)

func (s *Server) apiRouter() http.Handler {
	r := chi.NewRouter()
	limiter := newRateLimiter(rate.Every(time.Minute/60), 10)

	r.Get("/streams", s.listStreamsHandler)
	r.With(limiter.middleware).Post("/streams", s.createStreamHandler)
	r.Get("/streams/{id}", s.getStreamHandler)
	r.Patch("/streams/{id}", s.updateStreamHandler)
	r.Delete("/streams/{id}", s.deleteStreamHandler)
	r.Post("/streams/{id}/pause", s.pauseHandler)
	r.Post("/streams/{id}/resume", s.resumeHandler)
	r.Post("/streams/{id}/cancel", s.cancelHandler)
	r.With(limiter.middleware).Post("/streams/{id}/process", s.processHandler)
	r.Get("/streams/{id}/preview", s.previewHandler)
	r.Get("/stats", s.statsHandler)
	r.Get("/sync/state", s.syncStateHandler)
	r.Post("/sync/reconcile", s.reconcileHandler)
	r.With(limiter.middleware).Post("/approvals", s.approvalHandler)

	return r
}

func (s *Server) listStreamsHandler(w http.ResponseWriter, r *http.Request) {
	streams, err := s.engine.Store().List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, streams)
}

type createStreamRequest struct {
	Recipient        string          `json:"recipient"`
	Amount           float64         `json:"amount"`
	Interval         stream.Interval `json:"interval"`
	MaxPayments      int             `json:"max_payments"`
	AmountNoisePct   float64         `json:"amount_noise_pct"`
	TimingNoiseHours float64         `json:"timing_noise_hours"`
	UseStealth       bool            `json:"use_stealth"`
	TokenMint        string          `json:"token_mint,omitempty"`
	MerchantName     string          `json:"merchant_name,omitempty"`
}

// createStreamHandler serves the manual creation form. It goes through the
// approval bridge's subscription path so manual and dApp-initiated streams
// share one code path, discovery memo included.
func (s *Server) createStreamHandler(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sub, err := req.toSubscriptionRequest()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := s.engine.Bridge().Handle(r.Context(), approval.Request{
		Type:         approval.RequestSubscription,
		Subscription: sub,
	}, true, s.engine.Signer())
	if err != nil {
		s.writeError(w, err)
		return
	}

	created, err := s.engine.Store().Get(resp.SubscriptionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (req *createStreamRequest) toSubscriptionRequest() (*approval.SubscriptionRequest, error) {
	recipient, err := parsePubkey(req.Recipient)
	if err != nil {
		return nil, errors.New("invalid recipient address")
	}
	sub := &approval.SubscriptionRequest{
		Recipient:        recipient,
		AmountPerPeriod:  req.Amount,
		PeriodSeconds:    int64(req.Interval.Duration() / time.Second),
		MaxPeriods:       req.MaxPayments,
		AmountNoisePct:   req.AmountNoisePct,
		TimingNoiseHours: req.TimingNoiseHours,
		UseStealth:       req.UseStealth,
		MerchantName:     req.MerchantName,
	}
	if req.TokenMint != "" {
		mint, err := parsePubkey(req.TokenMint)
		if err != nil {
			return nil, errors.New("invalid token mint address")
		}
		sub.TokenMint = &mint
	}
	if err := req.Interval.Validate(); err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Server) getStreamHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Store().Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

type updateStreamRequest struct {
	Amount           *float64         `json:"amount,omitempty"`
	Interval         *stream.Interval `json:"interval,omitempty"`
	MaxPayments      *int             `json:"max_payments,omitempty"`
	AmountNoisePct   *float64         `json:"amount_noise_pct,omitempty"`
	TimingNoiseHours *float64         `json:"timing_noise_hours,omitempty"`
	UseStealth       *bool            `json:"use_stealth,omitempty"`
	MerchantName     *string          `json:"merchant_name,omitempty"`
}

func (s *Server) updateStreamHandler(w http.ResponseWriter, r *http.Request) {
	var req updateStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := s.engine.Store().Update(chi.URLParam(r, "id"), func(st *stream.Stream) error {
		if req.Amount != nil {
			st.Amount = *req.Amount
		}
		if req.Interval != nil {
			st.Interval = *req.Interval
		}
		if req.MaxPayments != nil {
			st.MaxPayments = *req.MaxPayments
		}
		if req.AmountNoisePct != nil {
			st.AmountNoisePct = *req.AmountNoisePct
		}
		if req.TimingNoiseHours != nil {
			st.TimingNoiseHours = *req.TimingNoiseHours
		}
		if req.UseStealth != nil {
			st.UseStealth = *req.UseStealth
		}
		if req.MerchantName != nil {
			st.MerchantName = *req.MerchantName
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteStreamHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Store().Delete(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Controller().Pause(chi.URLParam(r, "id"))
	s.lifecycleResponse(w, st, err)
}

func (s *Server) resumeHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Controller().Resume(chi.URLParam(r, "id"))
	s.lifecycleResponse(w, st, err)
}

func (s *Server) cancelHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Controller().Cancel(chi.URLParam(r, "id"))
	s.lifecycleResponse(w, st, err)
}

func (s *Server) lifecycleResponse(w http.ResponseWriter, st *stream.Stream, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) processHandler(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Processor().ProcessPayment(r.Context(), chi.URLParam(r, "id"), s.engine.Signer())
	if err != nil && rec == nil {
		s.writeError(w, err)
		return
	}
	if err != nil {
		// The attempt ran and failed; the failed record carries the reason.
		s.writeJSON(w, http.StatusBadGateway, rec)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

type previewResponse struct {
	AmountDelta     float64   `json:"amount_delta"`
	TimingDelta     string    `json:"timing_delta"`
	EstimatedAmount float64   `json:"estimated_amount"`
	ScheduledAt     time.Time `json:"scheduled_at"`
}

func (s *Server) previewHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Store().Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	n := s.engine.Processor().Preview(st)
	estimated := st.Amount + n.AmountDelta
	if estimated <= 0 {
		estimated = st.Amount
	}
	s.writeJSON(w, http.StatusOK, previewResponse{
		AmountDelta:     n.AmountDelta,
		TimingDelta:     n.TimingDelta.String(),
		EstimatedAmount: estimated,
		ScheduledAt:     st.NextPayment,
	})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Store().Stats()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) syncStateHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"state": string(s.engine.Realtime().State()),
	})
}

func (s *Server) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Reconciler().Reconcile(r.Context(), s.engine.Wallet())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

type approvalRequest struct {
	Request  approval.Request `json:"request"`
	Approved bool             `json:"approved"`
}

func (s *Server) approvalHandler(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	resp, err := s.engine.Bridge().Handle(r.Context(), req.Request, req.Approved, s.engine.Signer())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func parsePubkey(s string) (solana.PublicKey, error) {
	return solana.PublicKeyFromBase58(s)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to write json response", "error", err)
	}
}

// writeError maps domain errors onto HTTP statuses: state errors are
// conflicts, capability errors are locked, unknown ids are not found.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, stream.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, stream.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, stream.ErrInvalidTransition),
		errors.Is(err, payment.ErrStreamNotActive),
		errors.Is(err, payment.ErrPaymentLimitReached),
		errors.Is(err, payment.ErrPaymentInFlight):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ledger.ErrWalletLocked):
		http.Error(w, err.Error(), http.StatusLocked)
	default:
		s.log.Error("api: request failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
