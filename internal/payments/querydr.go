package payments

import (
	"context"
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

const (
	commandQueryDR         = "querydr"
	queryOrderInfoPrefix   = "Query transaction: "
	defaultQueryTimeout    = 10 * time.Second
	fieldRequestID         = "vnp_RequestId"
	fieldTransactionDate   = "vnp_TransactionDate"
	transactionStatusPaid  = "00"
	defaultQueryServerAddr = "127.0.0.1"
)

var (
	// ErrQueryUnavailable is returned when the transaction query could not reach the gateway or the breaker is open.
	ErrQueryUnavailable = errors.New("vnpay: transaction query unavailable")
	// ErrQueryUntrusted is returned when the gateway's answer is unsigned, wrongly signed or about another transaction.
	ErrQueryUntrusted = errors.New("vnpay: transaction query answer failed verification")
)

// QueryLogger records query outcomes.
type QueryLogger func(ctx context.Context, event string, fields map[string]any)

// QueryObserver receives the outcome label and latency of every query attempt.
type QueryObserver func(outcome string, latency time.Duration)

// QueryClientConfig configures the transaction query client.
type QueryClientConfig struct {
	APIURL     string
	TmnCode    string
	HashSecret string
	Version    string
	ServerIP   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Location   *time.Location
	Clock      func() time.Time
	Logger     QueryLogger
	Observer   QueryObserver
	// Breaker overrides the default circuit breaker settings when non-nil.
	Breaker *gobreaker.Settings
}

// QueryRequest identifies the transaction to look up.
type QueryRequest struct {
	TxnRef          string
	TransactionDate time.Time
}

// QueryResult is the gateway's view of a transaction.
type QueryResult struct {
	ResponseCode      string
	TransactionStatus string
	TransactionNo     string
	BankCode          string
	Amount            int64
	PayDate           time.Time
	Message           string
}

// Confirmed reports whether the gateway considers the transaction paid.
func (r QueryResult) Confirmed() bool {
	return r.ResponseCode == ResponseCodeSuccess && r.TransactionStatus == transactionStatusPaid
}

// QueryClient asks the gateway for the authoritative state of a transaction.
type QueryClient struct {
	client   *resty.Client
	breaker  *gobreaker.CircuitBreaker
	apiURL   string
	tmnCode  string
	secret   string
	version  string
	serverIP string
	location *time.Location
	clock    func() time.Time
	logger   QueryLogger
	observe  QueryObserver
}

// NewQueryClient constructs a QueryClient guarded by a circuit breaker.
func NewQueryClient(cfg QueryClientConfig) (*QueryClient, error) {
	apiURL := strings.TrimSpace(cfg.APIURL)
	tmn := strings.TrimSpace(cfg.TmnCode)
	if apiURL == "" || tmn == "" || cfg.HashSecret == "" {
		return nil, ErrGatewayMisconfigured
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	var client *resty.Client
	if cfg.HTTPClient != nil {
		client = resty.NewWithClient(cfg.HTTPClient)
	} else {
		client = resty.New()
	}
	client.SetTimeout(timeout).SetRetryCount(0)

	qc := &QueryClient{
		client:   client,
		apiURL:   apiURL,
		tmnCode:  tmn,
		secret:   cfg.HashSecret,
		version:  strings.TrimSpace(cfg.Version),
		serverIP: strings.TrimSpace(cfg.ServerIP),
		location: cfg.Location,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		observe:  cfg.Observer,
	}
	if qc.version == "" {
		qc.version = defaultVersion
	}
	if qc.serverIP == "" {
		qc.serverIP = defaultQueryServerAddr
	}
	if qc.location == nil {
		qc.location = GatewayLocation()
	}
	if qc.clock == nil {
		qc.clock = time.Now
	}

	settings := gobreaker.Settings{
		Name:        "vnpay-querydr",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			qc.log(context.Background(), "payments.querydr.breaker", map[string]any{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	}
	if cfg.Breaker != nil {
		settings = *cfg.Breaker
	}
	qc.breaker = gobreaker.NewCircuitBreaker(settings)
	return qc, nil
}

type queryResponse struct {
	ResponseID        string `json:"vnp_ResponseId"`
	Command           string `json:"vnp_Command"`
	ResponseCode      string `json:"vnp_ResponseCode"`
	Message           string `json:"vnp_Message"`
	TmnCode           string `json:"vnp_TmnCode"`
	TxnRef            string `json:"vnp_TxnRef"`
	Amount            string `json:"vnp_Amount"`
	BankCode          string `json:"vnp_BankCode"`
	PayDate           string `json:"vnp_PayDate"`
	TransactionNo     string `json:"vnp_TransactionNo"`
	TransactionType   string `json:"vnp_TransactionType"`
	TransactionStatus string `json:"vnp_TransactionStatus"`
	OrderInfo         string `json:"vnp_OrderInfo"`
	PromotionCode     string `json:"vnp_PromotionCode"`
	PromotionAmount   string `json:"vnp_PromotionAmount"`
	SecureHash        string `json:"vnp_SecureHash"`
}

// hashData joins the answer fields in the gateway's fixed order.
func (r queryResponse) hashData() string {
	return strings.Join([]string{
		r.ResponseID,
		r.Command,
		r.ResponseCode,
		r.Message,
		r.TmnCode,
		r.TxnRef,
		r.Amount,
		r.BankCode,
		r.PayDate,
		r.TransactionNo,
		r.TransactionType,
		r.TransactionStatus,
		r.OrderInfo,
		r.PromotionCode,
		r.PromotionAmount,
	}, "|")
}

func (c *QueryClient) verifyResponse(r queryResponse, ref string) error {
	supplied, err := hex.DecodeString(strings.TrimSpace(r.SecureHash))
	if err != nil || !hmac.Equal(hmacSHA512(c.secret, r.hashData()), supplied) {
		return fmt.Errorf("%w: signature mismatch", ErrQueryUntrusted)
	}
	if r.TxnRef != "" && r.TxnRef != ref {
		return fmt.Errorf("%w: answer is for %s", ErrQueryUntrusted, r.TxnRef)
	}
	return nil
}

// Query looks up req at the gateway. Transport failures and an open breaker
// are reported as ErrQueryUnavailable; an answer that fails verification as ErrQueryUntrusted.
func (c *QueryClient) Query(ctx context.Context, req QueryRequest) (QueryResult, error) {
	ref := strings.TrimSpace(req.TxnRef)
	if ref == "" {
		return QueryResult{}, errors.New("vnpay: transaction reference is required")
	}
	if req.TransactionDate.IsZero() {
		return QueryResult{}, errors.New("vnpay: transaction date is required")
	}

	body := c.buildRequest(ref, req.TransactionDate)
	started := time.Now()

	out, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(body).
			Post(c.apiURL)
		if err != nil {
			return nil, fmt.Errorf("querydr request: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, fmt.Errorf("querydr returned status %d", resp.StatusCode())
		}
		var decoded queryResponse
		if err := json.Unmarshal(resp.Body(), &decoded); err != nil {
			return nil, fmt.Errorf("querydr decode: %w", err)
		}
		return decoded, nil
	})
	if err != nil {
		c.record("error", started)
		c.log(ctx, "payments.querydr.failed", map[string]any{
			"txnRef": ref,
			"error":  err.Error(),
		})
		return QueryResult{}, fmt.Errorf("%w: %v", ErrQueryUnavailable, err)
	}

	decoded := out.(queryResponse)
	if err := c.verifyResponse(decoded, ref); err != nil {
		c.record("untrusted", started)
		c.log(ctx, "security.querydr_untrusted", map[string]any{
			"txnRef":   ref,
			"error":    err.Error(),
			"severity": "warn",
		})
		return QueryResult{}, err
	}
	result := QueryResult{
		ResponseCode:      decoded.ResponseCode,
		TransactionStatus: decoded.TransactionStatus,
		TransactionNo:     decoded.TransactionNo,
		BankCode:          decoded.BankCode,
		Message:           decoded.Message,
	}
	if decoded.Amount != "" {
		if amount, perr := strconv.ParseInt(decoded.Amount, 10, 64); perr == nil {
			result.Amount = amount
		}
	}
	if decoded.PayDate != "" {
		if paid, perr := time.ParseInLocation(DateLayout, decoded.PayDate, c.location); perr == nil {
			result.PayDate = paid.UTC()
		}
	}

	outcome := "declined"
	if result.Confirmed() {
		outcome = "confirmed"
	}
	c.record(outcome, started)
	c.log(ctx, "payments.querydr.completed", map[string]any{
		"txnRef":            ref,
		"responseCode":      result.ResponseCode,
		"transactionStatus": result.TransactionStatus,
	})
	return result, nil
}

func (c *QueryClient) buildRequest(ref string, transactionDate time.Time) map[string]string {
	now := c.clock().In(c.location)
	fields := map[string]string{
		fieldRequestID:       strings.ReplaceAll(uuid.NewString(), "-", ""),
		FieldVersion:         c.version,
		FieldCommand:         commandQueryDR,
		FieldTmnCode:         c.tmnCode,
		FieldTxnRef:          ref,
		FieldOrderInfo:       queryOrderInfoPrefix + ref,
		fieldTransactionDate: transactionDate.In(c.location).Format(DateLayout),
		FieldCreateDate:      now.Format(DateLayout),
		FieldIPAddr:          c.serverIP,
	}
	fields[FieldSecureHash] = hmacSHA512Hex(c.secret, queryHashData(fields))
	return fields
}

// queryHashData joins the query fields in the gateway's fixed order.
func queryHashData(fields map[string]string) string {
	return strings.Join([]string{
		fields[fieldRequestID],
		fields[FieldVersion],
		fields[FieldCommand],
		fields[FieldTmnCode],
		fields[FieldTxnRef],
		fields[fieldTransactionDate],
		fields[FieldCreateDate],
		fields[FieldIPAddr],
		fields[FieldOrderInfo],
	}, "|")
}

func (c *QueryClient) record(outcome string, started time.Time) {
	if c.observe != nil {
		c.observe(outcome, time.Since(started))
	}
}

func (c *QueryClient) log(ctx context.Context, event string, fields map[string]any) {
	if c.logger != nil {
		c.logger(ctx, event, fields)
	}
}
