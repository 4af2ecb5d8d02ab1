package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/bookstore/payments/internal/repositories"
)

var (
	// ErrLoginThrottled indicates the identity is blocked after too many attempts.
	ErrLoginThrottled = errors.New("login: too many attempts")
	// ErrInvalidCredentials indicates an unknown email or wrong password.
	ErrInvalidCredentials = errors.New("login: invalid credentials")
	// ErrLoginUnavailable indicates the limiter, credential store or token signer failed.
	ErrLoginUnavailable = errors.New("login: unavailable")
)

// Compared against when the email is unknown so both paths pay the bcrypt cost.
var placeholderHash, _ = bcrypt.GenerateFromPassword([]byte("placeholder-password"), bcrypt.DefaultCost)

// LoginLimiter throttles repeated login attempts per identity.
type LoginLimiter interface {
	TryAcquire(ctx context.Context, identity string) (bool, error)
	ResetLimit(ctx context.Context, identity string) error
}

// AccessTokenIssuer signs access tokens for authenticated payers.
type AccessTokenIssuer interface {
	IssueAccessToken(payerID, email string, roles []string) (token string, expiresAt time.Time, err error)
}

// LoginMetrics counts throttled attempts.
type LoginMetrics interface {
	LoginThrottled()
}

// LoginServiceDeps wires the login service.
type LoginServiceDeps struct {
	Credentials repositories.CredentialRepository
	Limiter     LoginLimiter
	Tokens      AccessTokenIssuer
	Metrics     LoginMetrics
	Logger      Logger
}

type loginService struct {
	credentials repositories.CredentialRepository
	limiter     LoginLimiter
	tokens      AccessTokenIssuer
	metrics     LoginMetrics
	logger      Logger
}

// NewLoginService constructs a LoginService validating required dependencies.
func NewLoginService(deps LoginServiceDeps) (LoginService, error) {
	if deps.Credentials == nil {
		return nil, errors.New("login service: credential repository is required")
	}
	if deps.Limiter == nil {
		return nil, errors.New("login service: rate limiter is required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("login service: token issuer is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &loginService{
		credentials: deps.Credentials,
		limiter:     deps.Limiter,
		tokens:      deps.Tokens,
		metrics:     deps.Metrics,
		logger:      logger,
	}, nil
}

func (s *loginService) Login(ctx context.Context, cmd LoginCommand) (LoginResult, error) {
	email := strings.ToLower(strings.TrimSpace(cmd.Email))
	if email == "" || cmd.Password == "" {
		return LoginResult{}, ErrInvalidCredentials
	}

	allowed, err := s.limiter.TryAcquire(ctx, email)
	if err != nil {
		s.logger(ctx, "login.limiter_failed", map[string]any{"error": err.Error()})
		return LoginResult{}, fmt.Errorf("%w: %v", ErrLoginUnavailable, err)
	}
	if !allowed {
		if s.metrics != nil {
			s.metrics.LoginThrottled()
		}
		s.logger(ctx, "security.login_throttled", map[string]any{"email": email, "severity": "warn"})
		return LoginResult{}, ErrLoginThrottled
	}

	cred, err := s.credentials.FindByEmail(ctx, email)
	if err != nil {
		if repositories.IsNotFound(err) {
			_ = bcrypt.CompareHashAndPassword(placeholderHash, []byte(cmd.Password))
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, fmt.Errorf("%w: %v", ErrLoginUnavailable, err)
	}
	if err := bcrypt.CompareHashAndPassword(cred.PasswordHash, []byte(cmd.Password)); err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	if err := s.limiter.ResetLimit(ctx, email); err != nil {
		s.logger(ctx, "login.limiter_reset_failed", map[string]any{"email": email, "error": err.Error()})
	}

	token, expiresAt, err := s.tokens.IssueAccessToken(cred.PayerID, email, cred.Roles)
	if err != nil {
		return LoginResult{}, fmt.Errorf("%w: issue token: %v", ErrLoginUnavailable, err)
	}
	s.logger(ctx, "login.succeeded", map[string]any{"payerId": cred.PayerID})
	return LoginResult{PayerID: cred.PayerID, AccessToken: token, ExpiresAt: expiresAt}, nil
}
