package otp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/profilepilot/internal/config"
)

// OrderStatus is the lifecycle state of a verification order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusCompleted OrderStatus = "completed"
)

// Order is a rented number and, once received, its code.
type Order struct {
	OrderID     string      `json:"orderId"`
	PhoneNumber string      `json:"phoneNumber"`
	Code        string      `json:"code,omitempty"`
	Status      OrderStatus `json:"status"`
	Expiry      time.Time   `json:"expiry"`
	Provider    string      `json:"provider"`
}

// Stale reports whether the order is past its expiry or was closed without
// a code. A completed order still holding its code is not stale.
func (o Order) Stale(now time.Time) bool {
	switch o.Status {
	case StatusPending:
	case StatusCompleted:
		if o.Code == "" {
			return true
		}
	default:
		return true
	}
	return !o.Expiry.IsZero() && !now.Before(o.Expiry)
}

// Provider is the subset of the provider API the service needs.
type Provider interface {
	Balance(ctx context.Context) (float64, error)
	Purchase(ctx context.Context, country, service string) (Rental, error)
	Status(ctx context.Context, orderID string) (SMSStatus, error)
	Cancel(ctx context.Context, orderID string) error
	ActiveOrders(ctx context.Context) ([]ActiveOrder, error)
}

// OrderStore persists the number and order assigned to an account.
type OrderStore interface {
	// AssignedPhone returns the account's number, or "" when none was assigned.
	AssignedPhone(ctx context.Context, accountID string) (string, error)
	SaveOrder(ctx context.Context, accountID string, order Order) error
}

// Service acquires numbers and waits for codes.
type Service struct {
	provider Provider
	store    OrderStore
	cfg      config.OTPConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a Service.
func NewService(p Provider, store OrderStore, cfg config.OTPConfig, logger *zap.Logger) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Service{provider: p, store: store, cfg: cfg, logger: logger.Named("otp"), now: time.Now}
}

// Acquire returns a live order for the account. A number already assigned to
// the account is reconciled against the provider's open orders first, and a
// new number is only bought when none of them can be reused. New numbers are
// persisted before anyone polls them.
func (s *Service) Acquire(ctx context.Context, accountID, region string) (Order, error) {
	if region == "" {
		region = s.cfg.DefaultRegion
	}
	log := s.logger.With(zap.String("account_id", accountID))

	assigned, err := s.store.AssignedPhone(ctx, accountID)
	if err != nil {
		return Order{}, fmt.Errorf("loading assigned number: %w", err)
	}
	if assigned != "" {
		order, ok, err := s.reconcile(ctx, assigned)
		if err != nil {
			return Order{}, err
		}
		if ok {
			log.Info("Reusing open order for assigned number.", zap.String("order_id", order.OrderID), zap.Bool("code_arrived", order.Code != ""))
			if order.Code != "" {
				if err := s.store.SaveOrder(ctx, accountID, order); err != nil {
					return Order{}, fmt.Errorf("persisting order %s: %w", order.OrderID, err)
				}
			}
			return order, nil
		}
		log.Info("Assigned number has no open order; renting a new one.")
	}

	balance, err := s.provider.Balance(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("checking provider balance: %w", err)
	}
	if balance <= 0 {
		return Order{}, fmt.Errorf("%w: %.2f left", ErrInsufficientBalance, balance)
	}

	rental, err := s.provider.Purchase(ctx, region, s.cfg.Service)
	if err != nil {
		return Order{}, fmt.Errorf("renting a number in %s: %w", region, err)
	}
	ttl := rental.ExpiresIn
	if ttl <= 0 {
		ttl = s.cfg.Timeout
	}
	order := Order{
		OrderID:     rental.OrderID,
		PhoneNumber: rental.PhoneNumber,
		Status:      StatusPending,
		Expiry:      s.now().Add(ttl),
		Provider:    s.cfg.Provider,
	}
	if err := s.store.SaveOrder(ctx, accountID, order); err != nil {
		if cerr := s.provider.Cancel(ctx, order.OrderID); cerr != nil {
			log.Warn("Could not release unsaved order.", zap.String("order_id", order.OrderID), zap.Error(cerr))
		}
		return Order{}, fmt.Errorf("persisting order %s: %w", order.OrderID, err)
	}
	log.Info("Rented number for verification.", zap.String("order_id", order.OrderID))
	return order, nil
}

// reconcile looks for a non-stale open order on phone. An order whose code
// already arrived is returned completed with that code.
func (s *Service) reconcile(ctx context.Context, phone string) (Order, bool, error) {
	active, err := s.provider.ActiveOrders(ctx)
	if err != nil {
		return Order{}, false, fmt.Errorf("listing open orders: %w", err)
	}
	now := s.now()
	for _, a := range active {
		if !SamePhone(a.PhoneNumber, phone) {
			continue
		}
		order := Order{
			OrderID:     a.OrderID,
			PhoneNumber: a.PhoneNumber,
			Code:        a.Code,
			Status:      StatusPending,
			Expiry:      a.Expiry,
			Provider:    s.cfg.Provider,
		}
		if a.Code != "" {
			order.Status = StatusCompleted
		}
		if !order.Stale(now) {
			return order, true, nil
		}
	}
	return Order{}, false, nil
}

// Await polls order until a code arrives or timeout elapses. It returns ""
// without error on timeout and leaves the order open on the provider. An
// order that already carries its code is answered without polling.
func (s *Service) Await(ctx context.Context, order Order, timeout time.Duration) (string, error) {
	log := s.logger.With(zap.String("order_id", order.OrderID))
	if order.Code != "" {
		log.Info("Verification code already received.")
		return order.Code, nil
	}
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		st, err := s.provider.Status(ctx, order.OrderID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			log.Warn("Polling order failed.", zap.Error(err))
		case st.State == SMSRefunded || st.State == SMSExpired:
			return "", fmt.Errorf("order %s closed by the provider (state %d)", order.OrderID, st.State)
		default:
			if code := codeFrom(st); code != "" {
				log.Info("Verification code received.")
				return code, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			log.Warn("No verification code before timeout.", zap.Duration("timeout", timeout))
			return "", nil
		case <-ticker.C:
		}
	}
}

// WaitForCode acquires a number for the account and waits for its code.
func (s *Service) WaitForCode(ctx context.Context, accountID, region string, timeout time.Duration) (string, error) {
	order, err := s.Acquire(ctx, accountID, region)
	if err != nil {
		return "", err
	}
	return s.Await(ctx, order, timeout)
}

func codeFrom(st SMSStatus) string {
	if st.State != SMSCompleted && st.State != SMSResent && st.SMS == "" {
		return ""
	}
	if code := ExtractCode(st.SMS); code != "" {
		return code
	}
	return ExtractCode(st.FullSMS)
}

var codePattern = regexp.MustCompile(`\b(\d{4,6})\b`)

// ExtractCode returns the first standalone 4 to 6 digit run in text.
func ExtractCode(text string) string {
	m := codePattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

// SamePhone compares two numbers by their digits, tolerating a country
// code present on only one side.
func SamePhone(a, b string) bool {
	da, db := digits(a), digits(b)
	if da == "" || db == "" {
		return false
	}
	if da == db {
		return true
	}
	if len(da) < len(db) {
		da, db = db, da
	}
	return len(db) >= 7 && len(da)-len(db) <= 3 && strings.HasSuffix(da, db)
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsUnavailable reports whether err means no number can be had right now.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrNoNumbers) || errors.Is(err, ErrInsufficientBalance)
}
