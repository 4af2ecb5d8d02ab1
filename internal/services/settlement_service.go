package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	"github.com/bookstore/payments/internal/domain"
	"github.com/bookstore/payments/internal/payments"
	"github.com/bookstore/payments/internal/repositories"
)

const (
	orderIDPrefix    = "ord_"
	maxAddressLength = 500
	minPhoneDigits   = 8
	maxPhoneLength   = 20
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutNothingToPay indicates the discounted total is zero, which the gateway cannot charge.
	ErrCheckoutNothingToPay = errors.New("checkout: nothing to pay")
	// ErrInvalidSignature indicates a callback whose signature does not match.
	ErrInvalidSignature = errors.New("settlement: invalid signature")
	// ErrInvalidCallback indicates a signed callback that lacks required fields.
	ErrInvalidCallback = errors.New("settlement: invalid callback")
	// ErrAlreadyProcessed indicates the session was already settled, cancelled or expired.
	ErrAlreadyProcessed = errors.New("settlement: already processed")
	// ErrAmountMismatch indicates the gateway reported a different amount than the session total.
	ErrAmountMismatch = errors.New("settlement: amount mismatch")
	// ErrPaymentFailed indicates the gateway declined the payment.
	ErrPaymentFailed = errors.New("settlement: payment failed")
	// ErrPaymentPending indicates the gateway has not finished the transaction yet.
	ErrPaymentPending = errors.New("settlement: payment pending")
	// ErrSettlementConflict indicates an order for the payment already exists.
	ErrSettlementConflict = errors.New("settlement: conflict")
	// ErrSettlementInconsistent indicates a session whose lines do not add up to its quote.
	ErrSettlementInconsistent = errors.New("settlement: session inconsistent")
	// ErrSettlementUnavailable indicates storage failed while materialising the order.
	ErrSettlementUnavailable = errors.New("settlement: unavailable")
	// ErrGatewayUnavailable indicates the gateway could not be queried.
	ErrGatewayUnavailable = errors.New("settlement: gateway unavailable")
	// ErrOrderNotFound indicates the order does not exist or belongs to another payer.
	ErrOrderNotFound = errors.New("orders: not found")
)

// PaymentGateway builds redirects and decodes callbacks for the hosted payment page.
type PaymentGateway interface {
	PaymentURL(req payments.PaymentRequest) (payments.PaymentLink, error)
	Verify(params map[string]string) bool
	ParseCallback(params map[string]string) (payments.Callback, error)
}

// TransactionQuerier asks the gateway for the authoritative state of a transaction.
type TransactionQuerier interface {
	Query(ctx context.Context, req payments.QueryRequest) (payments.QueryResult, error)
}

// SettlementServiceDeps wires the settlement service.
type SettlementServiceDeps struct {
	Sessions  PaymentSessionStore
	Ledger    VoucherLedger
	CartItems repositories.CartItemRepository
	Orders    repositories.OrderRepository
	Gateway   PaymentGateway
	// Querier is optional. When set and ConfirmWithQuery is true, successful callbacks are
	// confirmed with a transaction query before the order is created.
	Querier          TransactionQuerier
	ConfirmWithQuery bool
	Events           SettlementEventPublisher
	Metrics          SettlementMetrics
	Clock            func() time.Time
	Logger           Logger
	NewOrderID       func() string
}

type settlementService struct {
	sessions  PaymentSessionStore
	ledger    VoucherLedger
	cartItems repositories.CartItemRepository
	orders    repositories.OrderRepository
	gateway   PaymentGateway
	querier   TransactionQuerier
	confirm   bool
	events    SettlementEventPublisher
	metrics   SettlementMetrics
	now       func() time.Time
	logger    Logger
	newID     func() string
	sanitizer *bluemonday.Policy
}

// NewSettlementService constructs a SettlementService validating required dependencies.
func NewSettlementService(deps SettlementServiceDeps) (SettlementService, error) {
	if deps.Sessions == nil {
		return nil, errors.New("settlement service: session store is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("settlement service: voucher ledger is required")
	}
	if deps.CartItems == nil {
		return nil, errors.New("settlement service: cart item repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("settlement service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("settlement service: payment gateway is required")
	}
	if deps.ConfirmWithQuery && deps.Querier == nil {
		return nil, errors.New("settlement service: querier is required when confirmation is enabled")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	var metrics SettlementMetrics = noopMetrics{}
	if deps.Metrics != nil {
		metrics = deps.Metrics
	}
	newID := deps.NewOrderID
	if newID == nil {
		newID = func() string { return orderIDPrefix + ulid.Make().String() }
	}

	return &settlementService{
		sessions:  deps.Sessions,
		ledger:    deps.Ledger,
		cartItems: deps.CartItems,
		orders:    deps.Orders,
		gateway:   deps.Gateway,
		querier:   deps.Querier,
		confirm:   deps.ConfirmWithQuery,
		events:    deps.Events,
		metrics:   metrics,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:    logger,
		newID:     newID,
		sanitizer: bluemonday.StrictPolicy(),
	}, nil
}

func (s *settlementService) StartCheckout(ctx context.Context, cmd StartCheckoutCommand) (CheckoutRedirect, error) {
	address := strings.TrimSpace(s.sanitizer.Sanitize(cmd.ShippingAddress))
	phone := strings.TrimSpace(s.sanitizer.Sanitize(cmd.PhoneNumber))
	if address == "" || len(address) > maxAddressLength || !validPhone(phone) {
		return CheckoutRedirect{}, ErrCheckoutInvalidInput
	}

	session, err := s.sessions.Initiate(ctx, InitiateCommand{
		CartItemIDs:     cmd.CartItemIDs,
		VoucherCode:     cmd.VoucherCode,
		PayerID:         cmd.PayerID,
		ShippingAddress: address,
		PhoneNumber:     phone,
	})
	if err != nil {
		return CheckoutRedirect{}, err
	}

	if session.Quote.Total <= 0 {
		s.discardSession(ctx, session.PaymentKey)
		return CheckoutRedirect{}, ErrCheckoutNothingToPay
	}

	link, err := s.gateway.PaymentURL(payments.PaymentRequest{
		TxnRef:    session.PaymentKey,
		Amount:    session.Quote.Total,
		ClientIP:  strings.TrimSpace(cmd.ClientIP),
		Locale:    cmd.Locale,
		BankCode:  cmd.BankCode,
		CreatedAt: session.CreatedAt,
	})
	if err != nil {
		s.discardSession(ctx, session.PaymentKey)
		return CheckoutRedirect{}, fmt.Errorf("checkout: build payment url: %w", err)
	}

	s.metrics.CheckoutStarted()
	s.logger(ctx, "checkout.started", map[string]any{
		"paymentKey": session.PaymentKey,
		"payerId":    session.PayerID,
		"subtotal":   session.Quote.Subtotal,
		"discount":   session.Quote.Discount,
		"total":      session.Quote.Total,
	})

	return CheckoutRedirect{
		PaymentKey:  session.PaymentKey,
		RedirectURL: link.URL,
		Amount:      session.Quote.Total,
		Quote:       session.Quote,
		ExpiresAt:   link.ExpiresAt,
	}, nil
}

func (s *settlementService) HandleCallback(ctx context.Context, params map[string]string) (SettlementResult, error) {
	if !s.gateway.Verify(params) {
		key := strings.TrimSpace(params[payments.FieldTxnRef])
		s.metrics.SettlementOutcome(string(OutcomeInvalidSignature))
		s.logger(ctx, "security.callback_signature_invalid", map[string]any{
			"paymentKey": key,
			"severity":   "warn",
		})
		return SettlementResult{Outcome: OutcomeInvalidSignature, PaymentKey: key, Err: ErrInvalidSignature}, nil
	}

	cb, err := s.gateway.ParseCallback(params)
	if err != nil {
		return SettlementResult{}, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	if !cb.Succeeded() {
		return s.fail(ctx, cb.TxnRef, cb.ResponseCode)
	}

	session, found, err := s.sessions.Peek(ctx, cb.TxnRef)
	if err != nil {
		return SettlementResult{}, err
	}
	if !found {
		return s.alreadyProcessed(ctx, cb.TxnRef), nil
	}
	if mismatch, ok := s.checkAmount(ctx, session, cb.Amount); !ok {
		return mismatch, nil
	}

	if s.confirm {
		answer, err := s.querier.Query(ctx, payments.QueryRequest{TxnRef: cb.TxnRef, TransactionDate: session.CreatedAt})
		if err != nil {
			return SettlementResult{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		if !answer.Confirmed() {
			if stillInFlight(answer) && !session.Expired(s.now()) {
				return s.pending(ctx, cb.TxnRef, answer, "settlement.callback_pending"), nil
			}
			return s.fail(ctx, cb.TxnRef, firstNonEmpty(answer.TransactionStatus, answer.ResponseCode))
		}
	}

	return s.materialise(ctx, cb.TxnRef, gatewayReceipt{
		TransactionNo: cb.TransactionNo,
		BankCode:      cb.BankCode,
		PaidAt:        cb.PayDate,
	})
}

func (s *settlementService) Reconcile(ctx context.Context, paymentKey string, transactionDate time.Time) (SettlementResult, error) {
	if s.querier == nil {
		return SettlementResult{}, fmt.Errorf("%w: transaction query is not configured", ErrGatewayUnavailable)
	}
	key := strings.TrimSpace(paymentKey)
	session, found, err := s.sessions.Peek(ctx, key)
	if err != nil {
		return SettlementResult{}, err
	}
	if !found {
		return s.alreadyProcessed(ctx, key), nil
	}
	if transactionDate.IsZero() {
		transactionDate = session.CreatedAt
	}

	answer, err := s.querier.Query(ctx, payments.QueryRequest{TxnRef: key, TransactionDate: transactionDate})
	if err != nil {
		return SettlementResult{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	if answer.Confirmed() {
		if answer.Amount != 0 {
			if mismatch, ok := s.checkAmount(ctx, session, answer.Amount); !ok {
				return mismatch, nil
			}
		}
		return s.materialise(ctx, key, gatewayReceipt{
			TransactionNo: answer.TransactionNo,
			BankCode:      answer.BankCode,
			PaidAt:        answer.PayDate,
		})
	}

	if stillInFlight(answer) && !session.Expired(s.now()) {
		return s.pending(ctx, key, answer, "settlement.reconcile_pending"), nil
	}
	return s.fail(ctx, key, firstNonEmpty(answer.TransactionStatus, answer.ResponseCode))
}

func (s *settlementService) PaymentStatus(ctx context.Context, payerID, paymentKey string) (PaymentStatusView, error) {
	payerID = strings.TrimSpace(payerID)
	key := strings.TrimSpace(paymentKey)
	view := PaymentStatusView{PaymentKey: key, State: PaymentStateUnknown}
	if payerID == "" || key == "" {
		return view, nil
	}

	session, found, err := s.sessions.Peek(ctx, key)
	if err != nil {
		return PaymentStatusView{}, err
	}
	if found {
		if session.PayerID == payerID {
			view.State = PaymentStatePending
			view.Total = session.Quote.Total
			view.ExpiresAt = session.ExpiresAt
		}
		return view, nil
	}

	order, err := s.orders.FindByPaymentKey(ctx, key)
	if err != nil {
		if repositories.IsNotFound(err) {
			return view, nil
		}
		return PaymentStatusView{}, fmt.Errorf("%w: %v", ErrSettlementUnavailable, err)
	}
	if order.PayerID == payerID {
		view.State = PaymentStatePaid
		view.OrderID = order.ID
		view.Total = order.Total
	}
	return view, nil
}

func (s *settlementService) GetOrder(ctx context.Context, payerID, orderID string) (Order, error) {
	payerID = strings.TrimSpace(payerID)
	orderID = strings.TrimSpace(orderID)
	if payerID == "" || orderID == "" {
		return Order{}, ErrOrderNotFound
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, fmt.Errorf("%w: %v", ErrSettlementUnavailable, err)
	}
	if order.PayerID != payerID {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

type gatewayReceipt struct {
	TransactionNo string
	BankCode      string
	PaidAt        time.Time
}

// materialise takes the session and turns it into a paid order priced from the quoted lines.
// Taking first means a concurrent callback for the same key finds nothing and reports AlreadyProcessed.
func (s *settlementService) materialise(ctx context.Context, paymentKey string, receipt gatewayReceipt) (SettlementResult, error) {
	session, found, err := s.sessions.Finalize(ctx, paymentKey)
	if err != nil {
		return SettlementResult{}, err
	}
	if !found {
		return s.alreadyProcessed(ctx, paymentKey), nil
	}

	if len(session.Lines) == 0 || session.LinesSubtotal() != session.Quote.Subtotal {
		s.restore(ctx, session)
		s.metrics.SettlementOutcome("inconsistent")
		s.logger(ctx, "settlement.session_inconsistent", map[string]any{
			"paymentKey":    paymentKey,
			"lines":         len(session.Lines),
			"linesSubtotal": session.LinesSubtotal(),
			"quoted":        session.Quote.Subtotal,
			"severity":      "error",
		})
		return SettlementResult{}, ErrSettlementInconsistent
	}

	now := s.now()
	paidAt := receipt.PaidAt
	if paidAt.IsZero() {
		paidAt = now
	}
	order := domain.Order{
		ID:              s.newID(),
		PayerID:         session.PayerID,
		PaymentKey:      session.PaymentKey,
		ShippingAddress: session.ShippingAddress,
		PhoneNumber:     session.PhoneNumber,
		Status:          domain.OrderStatusPaid,
		PaymentType:     domain.PaymentTypeBanking,
		VoucherCode:     session.VoucherCode,
		Subtotal:        session.Quote.Subtotal,
		Discount:        session.Quote.Discount,
		Total:           session.Quote.Total,
		TransactionNo:   receipt.TransactionNo,
		BankCode:        receipt.BankCode,
		PaidAt:          paidAt,
		CreatedAt:       now,
	}
	order.Details = make([]domain.OrderDetail, 0, len(session.Lines))
	for _, line := range session.Lines {
		order.Details = append(order.Details, domain.OrderDetail{
			OrderID:            order.ID,
			BookVariantID:      line.BookVariantID,
			Quantity:           line.Quantity,
			UnitPricePurchased: line.UnitPrice,
		})
	}

	if err := s.orders.Create(ctx, order); err != nil {
		if repositories.IsConflict(err) {
			s.metrics.SettlementOutcome("conflict")
			s.logger(ctx, "settlement.conflict", map[string]any{"paymentKey": paymentKey, "error": err.Error()})
			return SettlementResult{}, ErrSettlementConflict
		}
		s.restore(ctx, session)
		return SettlementResult{}, fmt.Errorf("%w: create order: %v", ErrSettlementUnavailable, err)
	}

	if session.VoucherCode != "" {
		if _, err := s.ledger.Apply(ctx, session.VoucherCode); err != nil {
			s.metrics.VoucherApplyFailed()
			s.logger(ctx, "settlement.voucher_apply_failed", map[string]any{
				"paymentKey": paymentKey,
				"orderId":    order.ID,
				"voucher":    session.VoucherCode,
				"error":      err.Error(),
			})
		}
	}

	if err := s.cartItems.DeleteByIDs(ctx, session.CartItemIDs); err != nil {
		s.logger(ctx, "settlement.cart_cleanup_failed", map[string]any{
			"paymentKey": paymentKey,
			"orderId":    order.ID,
			"error":      err.Error(),
		})
	}

	if s.events != nil {
		event := OrderSettledEvent{
			OrderID:       order.ID,
			PayerID:       order.PayerID,
			PaymentKey:    order.PaymentKey,
			Total:         order.Total,
			Discount:      order.Discount,
			VoucherCode:   order.VoucherCode,
			TransactionNo: order.TransactionNo,
			SettledAt:     now,
		}
		if err := s.events.PublishOrderSettled(ctx, event); err != nil {
			s.logger(ctx, "settlement.event_publish_failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
		}
	}

	s.metrics.SettlementOutcome(string(OutcomeSettled))
	s.logger(ctx, "settlement.settled", map[string]any{
		"paymentKey":    paymentKey,
		"orderId":       order.ID,
		"payerId":       order.PayerID,
		"total":         order.Total,
		"transactionNo": order.TransactionNo,
	})
	return SettlementResult{Outcome: OutcomeSettled, PaymentKey: paymentKey, OrderID: order.ID}, nil
}

func (s *settlementService) fail(ctx context.Context, paymentKey, gatewayCode string) (SettlementResult, error) {
	_, found, err := s.sessions.Cancel(ctx, paymentKey)
	if err != nil {
		return SettlementResult{}, err
	}
	if !found {
		return s.alreadyProcessed(ctx, paymentKey), nil
	}
	s.metrics.SettlementOutcome(string(OutcomeFailed))
	s.logger(ctx, "settlement.failed", map[string]any{
		"paymentKey":  paymentKey,
		"gatewayCode": gatewayCode,
	})
	return SettlementResult{
		Outcome:     OutcomeFailed,
		PaymentKey:  paymentKey,
		GatewayCode: gatewayCode,
		Err:         ErrPaymentFailed,
	}, nil
}

// pending leaves the session in place so a later callback or reconcile can still settle it.
func (s *settlementService) pending(ctx context.Context, paymentKey string, answer payments.QueryResult, event string) SettlementResult {
	s.metrics.SettlementOutcome(string(OutcomePending))
	s.logger(ctx, event, map[string]any{
		"paymentKey":        paymentKey,
		"responseCode":      answer.ResponseCode,
		"transactionStatus": answer.TransactionStatus,
	})
	return SettlementResult{
		Outcome:     OutcomePending,
		PaymentKey:  paymentKey,
		GatewayCode: firstNonEmpty(answer.TransactionStatus, answer.ResponseCode),
		Err:         ErrPaymentPending,
	}
}

func (s *settlementService) alreadyProcessed(ctx context.Context, paymentKey string) SettlementResult {
	result := SettlementResult{Outcome: OutcomeAlreadyProcessed, PaymentKey: paymentKey, Err: ErrAlreadyProcessed}
	if paymentKey != "" {
		if order, err := s.orders.FindByPaymentKey(ctx, paymentKey); err == nil {
			result.OrderID = order.ID
		}
	}
	s.metrics.SettlementOutcome(string(OutcomeAlreadyProcessed))
	s.logger(ctx, "settlement.already_processed", map[string]any{
		"paymentKey": paymentKey,
		"orderId":    result.OrderID,
	})
	return result
}

func (s *settlementService) checkAmount(ctx context.Context, session PaymentSession, reported int64) (SettlementResult, bool) {
	expected := payments.MinorUnits(session.Quote.Total)
	if reported == expected {
		return SettlementResult{}, true
	}
	s.metrics.SettlementOutcome(string(OutcomeAmountMismatch))
	s.logger(ctx, "security.callback_amount_mismatch", map[string]any{
		"paymentKey": session.PaymentKey,
		"expected":   expected,
		"reported":   reported,
		"severity":   "warn",
	})
	return SettlementResult{Outcome: OutcomeAmountMismatch, PaymentKey: session.PaymentKey, Err: ErrAmountMismatch}, false
}

func (s *settlementService) restore(ctx context.Context, session PaymentSession) {
	if err := s.sessions.Restore(ctx, session); err != nil {
		s.logger(ctx, "settlement.restore_failed", map[string]any{
			"paymentKey": session.PaymentKey,
			"error":      err.Error(),
		})
	}
}

func (s *settlementService) discardSession(ctx context.Context, paymentKey string) {
	if _, _, err := s.sessions.Cancel(ctx, paymentKey); err != nil {
		s.logger(ctx, "checkout.session_discard_failed", map[string]any{
			"paymentKey": paymentKey,
			"error":      err.Error(),
		})
	}
}

// stillInFlight reports gateway answers that mean the payer may still complete the payment:
// transaction not found yet (91), not completed (01) or processing (05).
func stillInFlight(answer payments.QueryResult) bool {
	if answer.ResponseCode == "91" {
		return true
	}
	return answer.ResponseCode == payments.ResponseCodeSuccess &&
		(answer.TransactionStatus == "01" || answer.TransactionStatus == "05")
}

func validPhone(phone string) bool {
	if phone == "" || len(phone) > maxPhoneLength {
		return false
	}
	digits := 0
	for _, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' || r == ' ' || r == '-' || r == '.':
		default:
			return false
		}
	}
	return digits >= minPhoneDigits
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
