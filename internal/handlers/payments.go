package handlers

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bookstore/payments/internal/payments"
	"github.com/bookstore/payments/internal/platform/auth"
	"github.com/bookstore/payments/internal/platform/httpx"
	"github.com/bookstore/payments/internal/platform/requestctx"
	"github.com/bookstore/payments/internal/services"
)

// IPN acknowledgement codes understood by the gateway.
const (
	ipnConfirmed        = "00"
	ipnOrderNotFound    = "01"
	ipnAlreadyConfirmed = "02"
	ipnInvalidAmount    = "04"
	ipnInvalidSignature = "97"
	ipnUnknownError     = "99"
)

// Result page error codes appended to the frontend redirect.
const (
	resultMissingPaymentKey = "missing_payment_key"
	resultInvalidSignature  = "invalid_signature"
	resultOrderNotFound     = "order_not_found"
	resultPaymentFailed     = "payment_failed"
	resultPaymentPending    = "payment_pending"
	resultUnknown           = "unknown"
)

// PaymentHandlers serves payment status polling and the gateway's return and IPN callbacks.
type PaymentHandlers struct {
	authn      *auth.Authenticator
	settlement services.SettlementService
	resultURL  string
}

// NewPaymentHandlers constructs payment handlers. resultURL is the frontend page browsers are
// redirected to after the gateway returns them.
func NewPaymentHandlers(authn *auth.Authenticator, settlement services.SettlementService, resultURL string) *PaymentHandlers {
	return &PaymentHandlers{
		authn:      authn,
		settlement: settlement,
		resultURL:  strings.TrimSpace(resultURL),
	}
}

// Routes registers payment endpoints under the provided router.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/vnpay/return", h.gatewayReturn)
	r.Get("/vnpay/ipn", h.gatewayIPN)

	authed := r
	if h.authn != nil {
		authed = authed.With(h.authn.RequireAuth(auth.RoleCustomer))
	}
	authed.Get("/{paymentKey}/status", h.paymentStatus)
}

type paymentStatusResponse struct {
	PaymentKey string `json:"paymentKey"`
	Status     string `json:"status"`
	OrderID    string `json:"orderId,omitempty"`
	Total      int64  `json:"total,omitempty"`
	ExpiresAt  string `json:"expiresAt,omitempty"`
}

type ipnResponse struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

func (h *PaymentHandlers) paymentStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.settlement == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payments_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.PayerID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}
	key := strings.TrimSpace(chi.URLParam(r, "paymentKey"))
	if key == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "payment key is required", http.StatusBadRequest))
		return
	}

	view, err := h.settlement.PaymentStatus(ctx, identity.PayerID, key)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("payments_unavailable", "failed to load payment status", http.StatusServiceUnavailable))
		return
	}

	resp := paymentStatusResponse{
		PaymentKey: view.PaymentKey,
		Status:     string(view.State),
		OrderID:    view.OrderID,
		Total:      view.Total,
	}
	if !view.ExpiresAt.IsZero() {
		resp.ExpiresAt = view.ExpiresAt.UTC().Format(time.RFC3339)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// gatewayReturn settles the payment the browser was sent back with and forwards the payer to
// the frontend result page.
func (h *PaymentHandlers) gatewayReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params := callbackParams(r)
	if strings.TrimSpace(params[payments.FieldTxnRef]) == "" {
		h.redirectResult(w, r, "", resultMissingPaymentKey)
		return
	}
	if h.settlement == nil {
		h.redirectResult(w, r, "", resultUnknown)
		return
	}

	result, err := h.settlement.HandleCallback(ctx, params)
	if err != nil {
		requestctx.Logger(ctx).Error("payments: return callback failed",
			zap.String("paymentKey", params[payments.FieldTxnRef]),
			zap.Error(err),
		)
		h.redirectResult(w, r, "", resultUnknown)
		return
	}

	switch result.Outcome {
	case services.OutcomeSettled:
		h.redirectResult(w, r, result.OrderID, "")
	case services.OutcomeAlreadyProcessed:
		if result.OrderID != "" {
			h.redirectResult(w, r, result.OrderID, "")
			return
		}
		h.redirectResult(w, r, "", resultOrderNotFound)
	case services.OutcomeInvalidSignature:
		h.redirectResult(w, r, "", resultInvalidSignature)
	case services.OutcomeFailed, services.OutcomeAmountMismatch:
		h.redirectResult(w, r, "", resultPaymentFailed)
	case services.OutcomePending:
		h.redirectResult(w, r, "", resultPaymentPending)
	default:
		h.redirectResult(w, r, "", resultUnknown)
	}
}

// gatewayIPN is the gateway's server-to-server notification. The gateway retries until it
// receives an acknowledgement, so every branch answers 200 with an RspCode.
func (h *PaymentHandlers) gatewayIPN(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params := callbackParams(r)
	if h.settlement == nil || len(params) == 0 {
		httpx.WriteJSON(w, http.StatusOK, ipnResponse{RspCode: ipnUnknownError, Message: "Invalid request"})
		return
	}

	result, err := h.settlement.HandleCallback(ctx, params)
	if err != nil {
		if !errors.Is(err, services.ErrInvalidCallback) {
			requestctx.Logger(ctx).Error("payments: ipn failed",
				zap.String("paymentKey", params[payments.FieldTxnRef]),
				zap.Error(err),
			)
		}
		httpx.WriteJSON(w, http.StatusOK, ipnResponse{RspCode: ipnUnknownError, Message: "Unknown error"})
		return
	}

	var resp ipnResponse
	switch result.Outcome {
	case services.OutcomeSettled, services.OutcomeFailed:
		resp = ipnResponse{RspCode: ipnConfirmed, Message: "Confirm Success"}
	case services.OutcomeInvalidSignature:
		resp = ipnResponse{RspCode: ipnInvalidSignature, Message: "Invalid signature"}
	case services.OutcomeAlreadyProcessed:
		if result.OrderID != "" {
			resp = ipnResponse{RspCode: ipnAlreadyConfirmed, Message: "Order already confirmed"}
		} else {
			resp = ipnResponse{RspCode: ipnOrderNotFound, Message: "Order not found"}
		}
	case services.OutcomeAmountMismatch:
		resp = ipnResponse{RspCode: ipnInvalidAmount, Message: "Invalid amount"}
	case services.OutcomePending:
		// Not acknowledged, so the gateway delivers the notification again.
		resp = ipnResponse{RspCode: ipnUnknownError, Message: "Payment pending"}
	default:
		resp = ipnResponse{RspCode: ipnUnknownError, Message: "Unknown error"}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *PaymentHandlers) redirectResult(w http.ResponseWriter, r *http.Request, orderID, errorCode string) {
	target, err := url.Parse(h.resultURL)
	if err != nil || h.resultURL == "" {
		status := http.StatusOK
		body := map[string]string{"orderId": orderID}
		if errorCode != "" {
			status = http.StatusBadRequest
			body = map[string]string{"error": errorCode}
		}
		httpx.WriteJSON(w, status, body)
		return
	}
	query := target.Query()
	if orderID != "" {
		query.Set("orderId", orderID)
	}
	if errorCode != "" {
		query.Set("error", errorCode)
	}
	target.RawQuery = query.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// callbackParams flattens the callback query string. Repeated fields keep their first value.
func callbackParams(r *http.Request) map[string]string {
	values := r.URL.Query()
	params := make(map[string]string, len(values))
	for name, list := range values {
		if len(list) == 0 || !strings.HasPrefix(name, "vnp_") {
			continue
		}
		params[name] = list[0]
	}
	return params
}
