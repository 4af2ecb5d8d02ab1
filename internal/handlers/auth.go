package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bookstore/payments/internal/platform/httpx"
	"github.com/bookstore/payments/internal/services"
)

// AuthHandlers exposes the password login endpoint.
type AuthHandlers struct {
	login      services.LoginService
	retryAfter time.Duration
}

// NewAuthHandlers constructs login handlers. retryAfter is advertised to throttled clients.
func NewAuthHandlers(login services.LoginService, retryAfter time.Duration) *AuthHandlers {
	return &AuthHandlers{login: login, retryAfter: retryAfter}
}

// Routes registers login endpoints under the provided router.
func (h *AuthHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/login", h.loginHandler)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	PayerID     string `json:"payerId"`
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"tokenType"`
	ExpiresAt   string `json:"expiresAt"`
}

func (h *AuthHandlers) loginHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.login == nil {
		httpx.WriteError(ctx, w, httpx.NewError("login_unavailable", "login service unavailable", http.StatusServiceUnavailable))
		return
	}

	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "email and password are required", http.StatusBadRequest))
		return
	}

	result, err := h.login.Login(ctx, services.LoginCommand{Email: req.Email, Password: req.Password})
	if err != nil {
		h.writeLoginError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, loginResponse{
		PayerID:     result.PayerID,
		AccessToken: result.AccessToken,
		TokenType:   "Bearer",
		ExpiresAt:   result.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (h *AuthHandlers) writeLoginError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, services.ErrLoginThrottled):
		if h.retryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(h.retryAfter.Seconds())))
		}
		httpx.WriteError(ctx, w, httpx.NewError("too_many_attempts", "too many failed login attempts, try again later", http.StatusTooManyRequests))
	case errors.Is(err, services.ErrInvalidCredentials):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_credentials", "email or password is incorrect", http.StatusUnauthorized))
	case errors.Is(err, services.ErrLoginUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("login_unavailable", "login is temporarily unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("login_failed", "failed to log in", http.StatusInternalServerError))
	}
}

func writeDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, httpx.ErrBodyTooLarge) {
		httpx.WriteError(r.Context(), w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}
	httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
}
