package payments

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
)

// Gateway request and callback field names.
const (
	FieldVersion           = "vnp_Version"
	FieldCommand           = "vnp_Command"
	FieldTmnCode           = "vnp_TmnCode"
	FieldAmount            = "vnp_Amount"
	FieldCurrCode          = "vnp_CurrCode"
	FieldTxnRef            = "vnp_TxnRef"
	FieldOrderInfo         = "vnp_OrderInfo"
	FieldOrderType         = "vnp_OrderType"
	FieldLocale            = "vnp_Locale"
	FieldReturnURL         = "vnp_ReturnUrl"
	FieldIPAddr            = "vnp_IpAddr"
	FieldCreateDate        = "vnp_CreateDate"
	FieldExpireDate        = "vnp_ExpireDate"
	FieldBankCode          = "vnp_BankCode"
	FieldResponseCode      = "vnp_ResponseCode"
	FieldTransactionNo     = "vnp_TransactionNo"
	FieldTransactionStatus = "vnp_TransactionStatus"
	FieldPayDate           = "vnp_PayDate"
)

const (
	defaultVersion        = "2.1.0"
	defaultPaymentTimeout = 15 * time.Minute
	commandPay            = "pay"
	currencyVND           = "VND"
	orderTypeOther        = "other"
	orderInfoPrefix       = "Thanh toan don hang: "

	// ResponseCodeSuccess is the gateway code for an approved payment.
	ResponseCodeSuccess = "00"

	// DateLayout is the gateway's yyyyMMddHHmmss timestamp format.
	DateLayout = "20060102150405"
)

var (
	// ErrGatewayMisconfigured is returned when required merchant settings are missing.
	ErrGatewayMisconfigured = errors.New("vnpay: gateway is not configured")
	// ErrInvalidCallback is returned when a callback lacks the transaction reference or has malformed fields.
	ErrInvalidCallback = errors.New("vnpay: invalid callback parameters")
)

var localeMatcher = language.NewMatcher([]language.Tag{language.Vietnamese, language.English})

// GatewayConfig carries the merchant settings for the hosted payment page.
type GatewayConfig struct {
	TmnCode        string
	HashSecret     string
	PayURL         string
	ReturnURL      string
	Version        string
	PaymentTimeout time.Duration
	Location       *time.Location
	Clock          func() time.Time
}

// Gateway builds signed payment redirects and decodes gateway callbacks.
type Gateway struct {
	tmnCode   string
	secret    string
	payURL    string
	returnURL string
	version   string
	timeout   time.Duration
	location  *time.Location
	clock     func() time.Time
}

// PaymentRequest describes one redirect to the hosted payment page. Amount is in whole VND.
// CreatedAt pins vnp_CreateDate so a later transaction query can quote it; zero means now.
type PaymentRequest struct {
	TxnRef    string
	Amount    int64
	ClientIP  string
	Locale    string
	BankCode  string
	CreatedAt time.Time
}

// PaymentLink is the signed redirect returned to the payer.
type PaymentLink struct {
	URL       string
	Signature string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Callback is the decoded result the gateway reports on return and IPN requests.
type Callback struct {
	TxnRef            string
	ResponseCode      string
	TransactionStatus string
	TransactionNo     string
	BankCode          string
	Amount            int64
	PayDate           time.Time
}

// Succeeded reports whether the gateway approved the payment.
func (c Callback) Succeeded() bool {
	return c.ResponseCode == ResponseCodeSuccess
}

// NewGateway validates cfg and constructs a Gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	tmn := strings.TrimSpace(cfg.TmnCode)
	payURL := strings.TrimSpace(cfg.PayURL)
	if tmn == "" || payURL == "" || cfg.HashSecret == "" {
		return nil, ErrGatewayMisconfigured
	}
	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		version = defaultVersion
	}
	timeout := cfg.PaymentTimeout
	if timeout <= 0 {
		timeout = defaultPaymentTimeout
	}
	loc := cfg.Location
	if loc == nil {
		loc = GatewayLocation()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Gateway{
		tmnCode:   tmn,
		secret:    cfg.HashSecret,
		payURL:    strings.TrimRight(payURL, "?"),
		returnURL: strings.TrimSpace(cfg.ReturnURL),
		version:   version,
		timeout:   timeout,
		location:  loc,
		clock:     clock,
	}, nil
}

// PaymentURL builds the signed redirect for req. The amount is sent in minor units.
func (g *Gateway) PaymentURL(req PaymentRequest) (PaymentLink, error) {
	ref := strings.TrimSpace(req.TxnRef)
	if ref == "" {
		return PaymentLink{}, errors.New("vnpay: transaction reference is required")
	}
	if req.Amount <= 0 {
		return PaymentLink{}, fmt.Errorf("vnpay: amount must be positive, got %d", req.Amount)
	}

	created := req.CreatedAt
	if created.IsZero() {
		created = g.clock()
	}
	created = created.In(g.location)
	expires := created.Add(g.timeout)

	fields := map[string]string{
		FieldVersion:    g.version,
		FieldCommand:    commandPay,
		FieldTmnCode:    g.tmnCode,
		FieldAmount:     strconv.FormatInt(MinorUnits(req.Amount), 10),
		FieldCurrCode:   currencyVND,
		FieldTxnRef:     ref,
		FieldOrderInfo:  orderInfoPrefix + ref,
		FieldOrderType:  orderTypeOther,
		FieldLocale:     GatewayLocale(req.Locale),
		FieldReturnURL:  g.returnURL,
		FieldIPAddr:     req.ClientIP,
		FieldCreateDate: created.Format(DateLayout),
		FieldExpireDate: expires.Format(DateLayout),
		FieldBankCode:   strings.TrimSpace(req.BankCode),
	}
	query, signature := SignedQuery(fields, g.secret)
	return PaymentLink{
		URL:       g.payURL + "?" + query,
		Signature: signature,
		CreatedAt: created.UTC(),
		ExpiresAt: expires.UTC(),
	}, nil
}

// Verify checks the callback signature carried in params.
func (g *Gateway) Verify(params map[string]string) bool {
	return Verify(params, params[FieldSecureHash], g.secret)
}

// ParseCallback decodes the callback fields. It does not check the signature.
func (g *Gateway) ParseCallback(params map[string]string) (Callback, error) {
	cb := Callback{
		TxnRef:            strings.TrimSpace(params[FieldTxnRef]),
		ResponseCode:      strings.TrimSpace(params[FieldResponseCode]),
		TransactionStatus: strings.TrimSpace(params[FieldTransactionStatus]),
		TransactionNo:     strings.TrimSpace(params[FieldTransactionNo]),
		BankCode:          strings.TrimSpace(params[FieldBankCode]),
	}
	if cb.TxnRef == "" {
		return Callback{}, fmt.Errorf("%w: missing %s", ErrInvalidCallback, FieldTxnRef)
	}
	if raw := strings.TrimSpace(params[FieldAmount]); raw != "" {
		amount, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Callback{}, fmt.Errorf("%w: %s: %v", ErrInvalidCallback, FieldAmount, err)
		}
		cb.Amount = amount
	}
	if raw := strings.TrimSpace(params[FieldPayDate]); raw != "" {
		payDate, err := time.ParseInLocation(DateLayout, raw, g.location)
		if err != nil {
			return Callback{}, fmt.Errorf("%w: %s: %v", ErrInvalidCallback, FieldPayDate, err)
		}
		cb.PayDate = payDate.UTC()
	}
	return cb, nil
}

// MinorUnits converts a whole VND amount to the gateway's amount field.
func MinorUnits(amount int64) int64 {
	return amount * 100
}

// GatewayLocation returns Asia/Ho_Chi_Minh, falling back to a fixed UTC+7 zone when tzdata is unavailable.
func GatewayLocation() *time.Location {
	loc, err := time.LoadLocation("Asia/Ho_Chi_Minh")
	if err != nil {
		return time.FixedZone("ICT", 7*60*60)
	}
	return loc
}

// GatewayLocale maps a BCP 47 tag or Accept-Language value onto the gateway's "vn" or "en".
func GatewayLocale(preference string) string {
	preference = strings.TrimSpace(preference)
	if preference == "" {
		return "vn"
	}
	tags, _, err := language.ParseAcceptLanguage(preference)
	if err != nil || len(tags) == 0 {
		return "vn"
	}
	_, index, confidence := localeMatcher.Match(tags...)
	if index == 1 && confidence != language.No {
		return "en"
	}
	return "vn"
}

// ClientIP returns the first X-Forwarded-For hop, else the request's remote host.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
