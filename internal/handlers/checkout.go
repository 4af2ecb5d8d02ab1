package handlers

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bookstore/payments/internal/payments"
	"github.com/bookstore/payments/internal/platform/auth"
	"github.com/bookstore/payments/internal/platform/httpx"
	"github.com/bookstore/payments/internal/platform/requestctx"
	"github.com/bookstore/payments/internal/services"
)

// CheckoutThrottleMetrics counts checkout requests rejected by the per-payer throttle.
type CheckoutThrottleMetrics interface {
	CheckoutThrottled()
}

// CheckoutHandlers exposes checkout related endpoints for authenticated payers.
type CheckoutHandlers struct {
	authn    *auth.Authenticator
	checkout services.SettlementService
	throttle *checkoutThrottle
	metrics  CheckoutThrottleMetrics
	replay   func(http.Handler) http.Handler
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutThrottle allows perMinute checkout attempts per payer in any rolling minute.
// Zero disables throttling.
func WithCheckoutThrottle(perMinute int, clock func() time.Time) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.throttle = newCheckoutThrottle(perMinute, time.Minute, clock)
	}
}

// WithCheckoutMetrics records throttled checkout attempts.
func WithCheckoutMetrics(metrics CheckoutThrottleMetrics) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.metrics = metrics
	}
}

// WithCheckoutReplay installs mw after authentication so it can scope replays to the payer.
func WithCheckoutReplay(mw func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.replay = mw
	}
}

// NewCheckoutHandlers constructs checkout handlers guarded by bearer authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.SettlementService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireAuth(auth.RoleCustomer))
	}
	if h.replay != nil {
		group = group.With(h.replay)
	}
	group.Post("/", h.startCheckout)
}

type checkoutRequest struct {
	CartItemIDs     []string `json:"cartItemIds"`
	VoucherCode     string   `json:"voucherCode"`
	ShippingAddress string   `json:"shippingAddress"`
	PhoneNumber     string   `json:"phoneNumber"`
	Locale          string   `json:"locale"`
	BankCode        string   `json:"bankCode"`
}

type checkoutResponse struct {
	PaymentKey  string        `json:"paymentKey"`
	RedirectURL string        `json:"redirectUrl"`
	Amount      int64         `json:"amount"`
	Quote       quoteResponse `json:"quote"`
	ExpiresAt   string        `json:"expiresAt"`
}

type quoteResponse struct {
	Subtotal int64 `json:"subtotal"`
	Discount int64 `json:"discount"`
	Total    int64 `json:"total"`
}

func (h *CheckoutHandlers) startCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.PayerID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	if h.throttle != nil {
		if retryAfter, ok := h.throttle.admit(identity); !ok {
			if h.metrics != nil {
				h.metrics.CheckoutThrottled()
			}
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many checkout attempts", http.StatusTooManyRequests))
			return
		}
	}

	var req checkoutRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}

	locale := strings.TrimSpace(req.Locale)
	if locale == "" {
		locale = r.Header.Get("Accept-Language")
	}
	clientIP := requestctx.ClientIP(ctx)
	if clientIP == "" {
		clientIP = payments.ClientIP(r)
	}

	redirect, err := h.checkout.StartCheckout(ctx, services.StartCheckoutCommand{
		CartItemIDs:     req.CartItemIDs,
		VoucherCode:     req.VoucherCode,
		PayerID:         identity.PayerID,
		ShippingAddress: req.ShippingAddress,
		PhoneNumber:     req.PhoneNumber,
		ClientIP:        clientIP,
		Locale:          locale,
		BankCode:        req.BankCode,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, checkoutResponse{
		PaymentKey:  redirect.PaymentKey,
		RedirectURL: redirect.RedirectURL,
		Amount:      redirect.Amount,
		Quote: quoteResponse{
			Subtotal: redirect.Quote.Subtotal,
			Discount: redirect.Quote.Discount,
			Total:    redirect.Quote.Total,
		},
		ExpiresAt: redirect.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "shipping address and phone number are required", http.StatusBadRequest))
	case errors.Is(err, services.ErrInvalidSelection):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_selection", "cart selection is empty or contains unknown items", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrVoucherInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("voucher_invalid", "voucher is not valid", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCheckoutNothingToPay):
		httpx.WriteError(ctx, w, httpx.NewError("nothing_to_pay", "order total must be greater than zero", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrSessionUnavailable), errors.Is(err, services.ErrVoucherUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout is temporarily unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_failed", "failed to start checkout", http.StatusInternalServerError))
	}
}
