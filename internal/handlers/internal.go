package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bookstore/payments/internal/payments"
	"github.com/bookstore/payments/internal/platform/httpx"
	"github.com/bookstore/payments/internal/services"
)

const maxSweepLimit = 5000

// InternalHandlers serves maintenance endpoints invoked by schedulers. Callers are authenticated
// by the OIDC middleware mounted on the /internal group.
type InternalHandlers struct {
	sessions   services.PaymentSessionStore
	settlement services.SettlementService
	now        func() time.Time
}

// NewInternalHandlers constructs internal handlers.
func NewInternalHandlers(sessions services.PaymentSessionStore, settlement services.SettlementService, clock func() time.Time) *InternalHandlers {
	if clock == nil {
		clock = time.Now
	}
	return &InternalHandlers{sessions: sessions, settlement: settlement, now: clock}
}

// Routes registers internal endpoints under the provided router.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payment-sessions:sweep", h.sweepSessions)
	r.Post("/payments/{paymentKey}:reconcile", h.reconcilePayment)
}

type sweepRequest struct {
	Limit int `json:"limit"`
}

type sweepResponse struct {
	Removed int    `json:"removed"`
	SweptAt string `json:"sweptAt"`
}

type reconcileRequest struct {
	// TransactionDate is the gateway create date, yyyyMMddHHmmss or RFC 3339. Empty uses the session's.
	TransactionDate string `json:"transactionDate"`
}

type reconcileResponse struct {
	PaymentKey  string `json:"paymentKey"`
	Outcome     string `json:"outcome"`
	OrderID     string `json:"orderId,omitempty"`
	GatewayCode string `json:"gatewayCode,omitempty"`
}

func (h *InternalHandlers) sweepSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sessions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sessions_unavailable", "session store unavailable", http.StatusServiceUnavailable))
		return
	}

	var req sweepRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			writeDecodeError(w, r, err)
			return
		}
	}
	if req.Limit < 0 || req.Limit > maxSweepLimit {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be between 0 and 5000", http.StatusBadRequest))
		return
	}

	now := h.now().UTC()
	removed, err := h.sessions.SweepExpired(ctx, now, req.Limit)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("sessions_unavailable", "failed to sweep payment sessions", http.StatusServiceUnavailable))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sweepResponse{Removed: removed, SweptAt: now.Format(time.RFC3339)})
}

func (h *InternalHandlers) reconcilePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.settlement == nil {
		httpx.WriteError(ctx, w, httpx.NewError("settlement_unavailable", "settlement service unavailable", http.StatusServiceUnavailable))
		return
	}
	key := strings.TrimSpace(chi.URLParam(r, "paymentKey"))
	if key == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "payment key is required", http.StatusBadRequest))
		return
	}

	var req reconcileRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			writeDecodeError(w, r, err)
			return
		}
	}
	txnDate, err := parseTransactionDate(req.TransactionDate)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "transactionDate must be yyyyMMddHHmmss or RFC 3339", http.StatusBadRequest))
		return
	}

	result, err := h.settlement.Reconcile(ctx, key, txnDate)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrGatewayUnavailable):
			httpx.WriteError(ctx, w, httpx.NewError("gateway_unavailable", "transaction query unavailable", http.StatusBadGateway))
		case errors.Is(err, services.ErrSettlementConflict):
			httpx.WriteError(ctx, w, httpx.NewError("settlement_conflict", "payment is being settled concurrently", http.StatusConflict))
		case errors.Is(err, services.ErrSettlementInconsistent):
			httpx.WriteError(ctx, w, httpx.NewError("settlement_inconsistent", "payment session does not match its quote", http.StatusConflict))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("settlement_unavailable", "failed to reconcile payment", http.StatusServiceUnavailable))
		}
		return
	}

	httpx.WriteJSON(w, http.StatusOK, reconcileResponse{
		PaymentKey:  result.PaymentKey,
		Outcome:     string(result.Outcome),
		OrderID:     result.OrderID,
		GatewayCode: result.GatewayCode,
	})
}

func parseTransactionDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(payments.DateLayout, raw, payments.GatewayLocation()); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}
