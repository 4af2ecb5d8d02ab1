package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bookstore/payments/internal/domain"
	"github.com/bookstore/payments/internal/platform/auth"
	"github.com/bookstore/payments/internal/platform/httpx"
	"github.com/bookstore/payments/internal/services"
)

// OrderHandlers exposes settled orders to their owners.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.SettlementService
}

// NewOrderHandlers constructs order handlers guarded by bearer authentication.
func NewOrderHandlers(authn *auth.Authenticator, orders services.SettlementService) *OrderHandlers {
	return &OrderHandlers{authn: authn, orders: orders}
}

// Routes registers order endpoints under the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireAuth(auth.RoleCustomer))
	}
	group.Get("/{orderId}", h.getOrder)
}

type orderResponse struct {
	ID              string                `json:"id"`
	PaymentKey      string                `json:"paymentKey"`
	Status          string                `json:"status"`
	PaymentType     string                `json:"paymentType"`
	ShippingAddress string                `json:"shippingAddress"`
	PhoneNumber     string                `json:"phoneNumber"`
	VoucherCode     string                `json:"voucherCode,omitempty"`
	Subtotal        int64                 `json:"subtotal"`
	Discount        int64                 `json:"discount"`
	Total           int64                 `json:"total"`
	TransactionNo   string                `json:"transactionNo,omitempty"`
	BankCode        string                `json:"bankCode,omitempty"`
	PaidAt          string                `json:"paidAt,omitempty"`
	CreatedAt       string                `json:"createdAt"`
	Items           []orderDetailResponse `json:"items"`
}

type orderDetailResponse struct {
	BookVariantID string `json:"bookVariantId"`
	Quantity      int    `json:"quantity"`
	UnitPrice     int64  `json:"unitPrice"`
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.PayerID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, identity.PayerID, orderID)
	if err != nil {
		if errors.Is(err, services.ErrOrderNotFound) {
			httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "failed to load order", http.StatusServiceUnavailable))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildOrderResponse(order))
}

func buildOrderResponse(order domain.Order) orderResponse {
	resp := orderResponse{
		ID:              order.ID,
		PaymentKey:      order.PaymentKey,
		Status:          string(order.Status),
		PaymentType:     string(order.PaymentType),
		ShippingAddress: order.ShippingAddress,
		PhoneNumber:     order.PhoneNumber,
		VoucherCode:     order.VoucherCode,
		Subtotal:        order.Subtotal,
		Discount:        order.Discount,
		Total:           order.Total,
		TransactionNo:   order.TransactionNo,
		BankCode:        order.BankCode,
		CreatedAt:       order.CreatedAt.UTC().Format(time.RFC3339),
		Items:           make([]orderDetailResponse, 0, len(order.Details)),
	}
	if !order.PaidAt.IsZero() {
		resp.PaidAt = order.PaidAt.UTC().Format(time.RFC3339)
	}
	for _, detail := range order.Details {
		resp.Items = append(resp.Items, orderDetailResponse{
			BookVariantID: detail.BookVariantID,
			Quantity:      detail.Quantity,
			UnitPrice:     detail.UnitPricePurchased,
		})
	}
	return resp
}
