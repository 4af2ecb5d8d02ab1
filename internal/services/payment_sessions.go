package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bookstore/payments/internal/domain"
	"github.com/bookstore/payments/internal/repositories"
)

const (
	paymentKeyPrefix      = "payment_"
	maxPayerKeySegment    = 32
	defaultSessionTTL     = 30 * time.Minute
	defaultSweepBatchSize = 500
)

var (
	// ErrInvalidSelection indicates missing, duplicated or foreign cart items.
	ErrInvalidSelection = errors.New("checkout: invalid selection")
	// ErrSessionUnavailable indicates the session store could not be reached.
	ErrSessionUnavailable = errors.New("checkout: session store unavailable")
)

// PaymentSessionStoreDeps wires the session store.
type PaymentSessionStoreDeps struct {
	Sessions  repositories.PaymentSessionRepository
	CartItems repositories.CartItemRepository
	Ledger    VoucherLedger
	Clock     func() time.Time
	Logger    Logger
	Metrics   SettlementMetrics
	// SessionTTL bounds how long an abandoned session is kept. Defaults to 30 minutes.
	SessionTTL time.Duration
	// NewID generates the unique suffix of payment keys. Defaults to a monotonic ULID.
	NewID func() string
}

type paymentSessionStore struct {
	sessions  repositories.PaymentSessionRepository
	cartItems repositories.CartItemRepository
	ledger    VoucherLedger
	now       func() time.Time
	logger    Logger
	metrics   SettlementMetrics
	ttl       time.Duration
	newID     func() string
}

// NewPaymentSessionStore constructs a PaymentSessionStore.
func NewPaymentSessionStore(deps PaymentSessionStoreDeps) (PaymentSessionStore, error) {
	if deps.Sessions == nil {
		return nil, errors.New("payment sessions: session repository is required")
	}
	if deps.CartItems == nil {
		return nil, errors.New("payment sessions: cart item repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("payment sessions: voucher ledger is required")
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
	ttl := deps.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	newID := deps.NewID
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	return &paymentSessionStore{
		sessions:  deps.Sessions,
		cartItems: deps.CartItems,
		ledger:    deps.Ledger,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:  logger,
		metrics: metrics,
		ttl:     ttl,
		newID:   newID,
	}, nil
}

func (s *paymentSessionStore) Initiate(ctx context.Context, cmd InitiateCommand) (PaymentSession, error) {
	payerID := strings.TrimSpace(cmd.PayerID)
	if payerID == "" {
		return PaymentSession{}, ErrInvalidSelection
	}
	ids, err := normaliseSelection(cmd.CartItemIDs)
	if err != nil {
		return PaymentSession{}, err
	}

	items, err := s.cartItems.FindByIDs(ctx, ids)
	if err != nil {
		return PaymentSession{}, fmt.Errorf("%w: load cart items: %v", ErrSessionUnavailable, err)
	}
	if len(items) != len(ids) {
		return PaymentSession{}, ErrInvalidSelection
	}
	byID := make(map[string]domain.CartItem, len(items))
	for _, item := range items {
		if item.PayerID != payerID || item.Quantity <= 0 {
			return PaymentSession{}, ErrInvalidSelection
		}
		byID[item.ID] = item
	}
	lines := make([]domain.SessionLine, 0, len(ids))
	var subtotal int64
	for _, id := range ids {
		item, ok := byID[id]
		if !ok {
			return PaymentSession{}, ErrInvalidSelection
		}
		line := domain.SessionLine{
			CartItemID:    item.ID,
			BookVariantID: item.BookVariantID,
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
		}
		lines = append(lines, line)
		subtotal += line.LineTotal()
	}

	now := s.now()
	quote := Quote{Subtotal: subtotal, Total: subtotal}
	voucherCode := domain.NormalizeVoucherCode(cmd.VoucherCode)
	if voucherCode != "" {
		voucher, found, err := s.ledger.Validate(ctx, voucherCode)
		if err != nil {
			return PaymentSession{}, err
		}
		if !found || !s.ledger.IsValid(voucher, now) {
			return PaymentSession{}, ErrVoucherInvalid
		}
		if voucher.MinOrderValue != nil && subtotal < *voucher.MinOrderValue {
			return PaymentSession{}, ErrVoucherInvalid
		}
		quote.Discount = s.ledger.ComputeDiscount(voucher, subtotal)
		quote.Total = subtotal - quote.Discount
	}

	session := PaymentSession{
		PaymentKey:      s.paymentKey(payerID),
		CartItemIDs:     ids,
		Lines:           lines,
		VoucherCode:     voucherCode,
		PayerID:         payerID,
		ShippingAddress: strings.TrimSpace(cmd.ShippingAddress),
		PhoneNumber:     strings.TrimSpace(cmd.PhoneNumber),
		Quote:           quote,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.ttl),
	}
	if err := s.sessions.Insert(ctx, session); err != nil {
		return PaymentSession{}, fmt.Errorf("%w: insert session: %v", ErrSessionUnavailable, err)
	}

	s.logger(ctx, "payment_session.initiated", map[string]any{
		"paymentKey": session.PaymentKey,
		"payerId":    payerID,
		"items":      len(ids),
		"voucher":    voucherCode,
		"total":      quote.Total,
	})
	return session, nil
}

func (s *paymentSessionStore) Peek(ctx context.Context, paymentKey string) (PaymentSession, bool, error) {
	return s.lookup(ctx, paymentKey, s.sessions.Get)
}

func (s *paymentSessionStore) Finalize(ctx context.Context, paymentKey string) (PaymentSession, bool, error) {
	return s.lookup(ctx, paymentKey, s.sessions.Take)
}

func (s *paymentSessionStore) Cancel(ctx context.Context, paymentKey string) (PaymentSession, bool, error) {
	session, found, err := s.lookup(ctx, paymentKey, s.sessions.Take)
	if err == nil && found {
		s.logger(ctx, "payment_session.cancelled", map[string]any{
			"paymentKey": session.PaymentKey,
			"payerId":    session.PayerID,
		})
	}
	return session, found, err
}

func (s *paymentSessionStore) Restore(ctx context.Context, session PaymentSession) error {
	if strings.TrimSpace(session.PaymentKey) == "" {
		return errors.New("payment sessions: payment key is required")
	}
	if err := s.sessions.Insert(ctx, session); err != nil {
		if repositories.IsConflict(err) {
			return nil
		}
		return fmt.Errorf("%w: restore session: %v", ErrSessionUnavailable, err)
	}
	s.logger(ctx, "payment_session.restored", map[string]any{"paymentKey": session.PaymentKey})
	return nil
}

func (s *paymentSessionStore) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if now.IsZero() {
		now = s.now()
	}
	if limit <= 0 {
		limit = defaultSweepBatchSize
	}
	removed, err := s.sessions.DeleteExpired(ctx, now.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("%w: sweep: %v", ErrSessionUnavailable, err)
	}
	if removed > 0 {
		s.metrics.SessionsSwept(removed)
		s.logger(ctx, "payment_session.swept", map[string]any{"removed": removed})
	}
	return removed, nil
}

func (s *paymentSessionStore) lookup(ctx context.Context, paymentKey string, fetch func(context.Context, string) (domain.PaymentSession, error)) (PaymentSession, bool, error) {
	key := strings.TrimSpace(paymentKey)
	if key == "" {
		return PaymentSession{}, false, nil
	}
	session, err := fetch(ctx, key)
	if err != nil {
		if repositories.IsNotFound(err) {
			return PaymentSession{}, false, nil
		}
		return PaymentSession{}, false, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	return session, true, nil
}

func (s *paymentSessionStore) paymentKey(payerID string) string {
	return paymentKeyPrefix + sanitiseKeySegment(payerID) + "_" + s.newID()
}

func normaliseSelection(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, ErrInvalidSelection
	}
	ids := make([]string, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	for _, id := range raw {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, ErrInvalidSelection
		}
		if _, dup := seen[id]; dup {
			return nil, ErrInvalidSelection
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// sanitiseKeySegment keeps ASCII letters and digits so the key stays a valid gateway reference.
func sanitiseKeySegment(value string) string {
	var b strings.Builder
	for _, r := range value {
		if b.Len() >= maxPayerKeySegment {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "anon"
	}
	return b.String()
}
