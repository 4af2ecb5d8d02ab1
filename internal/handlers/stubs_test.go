package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/bookstore/payments/internal/platform/auth"
	"github.com/bookstore/payments/internal/services"
)

type stubSettlementService struct {
	startFn     func(context.Context, services.StartCheckoutCommand) (services.CheckoutRedirect, error)
	callbackFn  func(context.Context, map[string]string) (services.SettlementResult, error)
	statusFn    func(context.Context, string, string) (services.PaymentStatusView, error)
	orderFn     func(context.Context, string, string) (services.Order, error)
	reconcileFn func(context.Context, string, time.Time) (services.SettlementResult, error)
}

func (s *stubSettlementService) StartCheckout(ctx context.Context, cmd services.StartCheckoutCommand) (services.CheckoutRedirect, error) {
	if s.startFn != nil {
		return s.startFn(ctx, cmd)
	}
	return services.CheckoutRedirect{}, errors.New("not implemented")
}

func (s *stubSettlementService) HandleCallback(ctx context.Context, params map[string]string) (services.SettlementResult, error) {
	if s.callbackFn != nil {
		return s.callbackFn(ctx, params)
	}
	return services.SettlementResult{}, errors.New("not implemented")
}

func (s *stubSettlementService) PaymentStatus(ctx context.Context, payerID, key string) (services.PaymentStatusView, error) {
	if s.statusFn != nil {
		return s.statusFn(ctx, payerID, key)
	}
	return services.PaymentStatusView{}, errors.New("not implemented")
}

func (s *stubSettlementService) GetOrder(ctx context.Context, payerID, orderID string) (services.Order, error) {
	if s.orderFn != nil {
		return s.orderFn(ctx, payerID, orderID)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubSettlementService) Reconcile(ctx context.Context, key string, txnDate time.Time) (services.SettlementResult, error) {
	if s.reconcileFn != nil {
		return s.reconcileFn(ctx, key, txnDate)
	}
	return services.SettlementResult{}, errors.New("not implemented")
}

type stubLoginService struct {
	loginFn func(context.Context, services.LoginCommand) (services.LoginResult, error)
}

func (s *stubLoginService) Login(ctx context.Context, cmd services.LoginCommand) (services.LoginResult, error) {
	if s.loginFn != nil {
		return s.loginFn(ctx, cmd)
	}
	return services.LoginResult{}, errors.New("not implemented")
}

type stubSessionStore struct {
	services.PaymentSessionStore
	sweepFn func(context.Context, time.Time, int) (int, error)
}

func (s *stubSessionStore) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if s.sweepFn != nil {
		return s.sweepFn(ctx, now, limit)
	}
	return 0, nil
}

type stubSystemService struct {
	report services.HealthReport
	err    error
}

func (s *stubSystemService) HealthReport(context.Context) (services.HealthReport, error) {
	return s.report, s.err
}

func withPayer(ctx context.Context, payerID string) context.Context {
	return auth.WithIdentity(ctx, &auth.Identity{PayerID: payerID, Roles: []string{auth.RoleCustomer}, Source: "local"})
}

var (
	_ services.SettlementService = (*stubSettlementService)(nil)
	_ services.LoginService      = (*stubLoginService)(nil)
	_ services.SystemService     = (*stubSystemService)(nil)
)
