// Package redis keeps pending payment sessions in Redis so every replica sees the same sessions.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/bookstore/payments/internal/domain"
	"github.com/bookstore/payments/internal/repositories"
)

const (
	defaultPrefix    = "payments"
	defaultRetention = time.Hour
)

// KEYS[1] session key, KEYS[2] expiry index.
// ARGV[1] payload, ARGV[2] ttl ms, ARGV[3] expiry score, ARGV[4] payment key.
var insertScript = goredis.NewScript(`
if not redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
	return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// KEYS[1] session key, KEYS[2] expiry index. ARGV[1] payment key.
var takeScript = goredis.NewScript(`
local payload = redis.call('GET', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
if not payload then
	return false
end
redis.call('DEL', KEYS[1])
return payload
`)

type lineRecord struct {
	CartItemID    string `json:"cartItemId"`
	BookVariantID string `json:"bookVariantId"`
	Quantity      int    `json:"quantity"`
	UnitPrice     int64  `json:"unitPrice"`
}

type sessionRecord struct {
	CartItemIDs     []string     `json:"cartItemIds"`
	Lines           []lineRecord `json:"lines"`
	VoucherCode     string       `json:"voucherCode,omitempty"`
	PayerID         string       `json:"payerId"`
	ShippingAddress string       `json:"shippingAddress"`
	PhoneNumber     string       `json:"phoneNumber"`
	Subtotal        int64        `json:"subtotal"`
	Discount        int64        `json:"discount"`
	Total           int64        `json:"total"`
	CreatedAt       time.Time    `json:"createdAt"`
	ExpiresAt       time.Time    `json:"expiresAt"`
}

// SessionOption customises SessionRepository.
type SessionOption func(*SessionRepository)

// WithPrefix namespaces keys.
func WithPrefix(prefix string) SessionOption {
	return func(r *SessionRepository) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			r.prefix = trimmed
		}
	}
}

// WithRetention keeps sessions this long past their expiry so late callbacks and the sweeper
// still find them. Redis drops the key after that.
func WithRetention(d time.Duration) SessionOption {
	return func(r *SessionRepository) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithClock injects a clock for TTL computation.
func WithClock(clock func() time.Time) SessionOption {
	return func(r *SessionRepository) {
		if clock != nil {
			r.now = clock
		}
	}
}

// SessionRepository stores one JSON value per session plus a sorted set of expiries.
type SessionRepository struct {
	client    goredis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

var _ repositories.PaymentSessionRepository = (*SessionRepository)(nil)

// NewSessionRepository constructs a Redis-backed session repository.
func NewSessionRepository(client goredis.UniversalClient, opts ...SessionOption) (*SessionRepository, error) {
	if client == nil {
		return nil, errors.New("redis sessions: client is required")
	}
	repo := &SessionRepository{
		client:    client,
		prefix:    defaultPrefix,
		retention: defaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

func (r *SessionRepository) Insert(ctx context.Context, s domain.PaymentSession) error {
	lines := make([]lineRecord, 0, len(s.Lines))
	for _, line := range s.Lines {
		lines = append(lines, lineRecord(line))
	}
	payload, err := json.Marshal(sessionRecord{
		CartItemIDs:     s.CartItemIDs,
		Lines:           lines,
		VoucherCode:     s.VoucherCode,
		PayerID:         s.PayerID,
		ShippingAddress: s.ShippingAddress,
		PhoneNumber:     s.PhoneNumber,
		Subtotal:        s.Quote.Subtotal,
		Discount:        s.Quote.Discount,
		Total:           s.Quote.Total,
		CreatedAt:       s.CreatedAt.UTC(),
		ExpiresAt:       s.ExpiresAt.UTC(),
	})
	if err != nil {
		return repositories.Wrap("sessions.insert", err)
	}
	ttl := s.ExpiresAt.Sub(r.now()) + r.retention
	if ttl < time.Second {
		ttl = time.Second
	}
	created, err := insertScript.Run(ctx, r.client,
		[]string{r.sessionKey(s.PaymentKey), r.indexKey()},
		payload, ttl.Milliseconds(), s.ExpiresAt.UnixMilli(), s.PaymentKey,
	).Int()
	if err != nil {
		return repositories.NewUnavailable("sessions.insert", err)
	}
	if created == 0 {
		return repositories.NewConflict("sessions.insert", "session %s already exists", s.PaymentKey)
	}
	return nil
}

func (r *SessionRepository) Get(ctx context.Context, paymentKey string) (domain.PaymentSession, error) {
	payload, err := r.client.Get(ctx, r.sessionKey(paymentKey)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.PaymentSession{}, repositories.NewNotFound("sessions.get", "session %s not found", paymentKey)
	}
	if err != nil {
		return domain.PaymentSession{}, repositories.NewUnavailable("sessions.get", err)
	}
	return decodeSession(paymentKey, payload)
}

// Take runs GET and DEL inside one script, so concurrent callers cannot both observe the value.
func (r *SessionRepository) Take(ctx context.Context, paymentKey string) (domain.PaymentSession, error) {
	payload, err := takeScript.Run(ctx, r.client,
		[]string{r.sessionKey(paymentKey), r.indexKey()}, paymentKey,
	).Text()
	if errors.Is(err, goredis.Nil) {
		return domain.PaymentSession{}, repositories.NewNotFound("sessions.take", "session %s not found", paymentKey)
	}
	if err != nil {
		return domain.PaymentSession{}, repositories.NewUnavailable("sessions.take", err)
	}
	return decodeSession(paymentKey, []byte(payload))
}

func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	rangeBy := &goredis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli())}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}
	keys, err := r.client.ZRangeByScore(ctx, r.indexKey(), rangeBy).Result()
	if err != nil {
		return 0, repositories.NewUnavailable("sessions.delete_expired", err)
	}
	removed := 0
	for _, key := range keys {
		_, err := takeScript.Run(ctx, r.client, []string{r.sessionKey(key), r.indexKey()}, key).Text()
		switch {
		case err == nil:
			removed++
		case errors.Is(err, goredis.Nil):
			// the key already aged out or was settled; the index entry is gone now
		default:
			return removed, repositories.NewUnavailable("sessions.delete_expired", err)
		}
	}
	return removed, nil
}

// Session keys and the expiry index share the {prefix} hash tag, so the scripts stay within one
// cluster slot.
func (r *SessionRepository) sessionKey(paymentKey string) string {
	return "{" + r.prefix + "}:session:" + paymentKey
}

func (r *SessionRepository) indexKey() string {
	return "{" + r.prefix + "}:session-expiry"
}

func decodeSession(paymentKey string, payload []byte) (domain.PaymentSession, error) {
	var rec sessionRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return domain.PaymentSession{}, repositories.Wrap("sessions.decode", err)
	}
	lines := make([]domain.SessionLine, 0, len(rec.Lines))
	for _, line := range rec.Lines {
		lines = append(lines, domain.SessionLine(line))
	}
	return domain.PaymentSession{
		PaymentKey:      paymentKey,
		CartItemIDs:     rec.CartItemIDs,
		Lines:           lines,
		VoucherCode:     rec.VoucherCode,
		PayerID:         rec.PayerID,
		ShippingAddress: rec.ShippingAddress,
		PhoneNumber:     rec.PhoneNumber,
		Quote:           domain.Quote{Subtotal: rec.Subtotal, Discount: rec.Discount, Total: rec.Total},
		CreatedAt:       rec.CreatedAt,
		ExpiresAt:       rec.ExpiresAt,
	}, nil
}
