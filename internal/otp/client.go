// Package otp rents phone numbers from an SMS verification provider and
// reconciles them with the numbers already assigned to accounts.
package otp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/profilepilot/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrNoNumbers is returned when the provider has no stock for the region and service.
	ErrNoNumbers = errors.New("no numbers available")
	// ErrInsufficientBalance is returned before purchasing when the account balance is exhausted.
	ErrInsufficientBalance = errors.New("insufficient provider balance")
)

// APIError is a provider-reported failure.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider error (http %d): %s", e.Status, e.Message)
	}
	return "provider error: " + e.Message
}

// flexString accepts JSON strings and numbers, which the provider mixes freely.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var out string
		if err := json.Unmarshal(b, &out); err != nil {
			return err
		}
		*f = flexString(out)
		return nil
	}
	*f = flexString(s)
	return nil
}

func (f flexString) String() string { return string(f) }

func (f flexString) Float() float64 {
	v, _ := strconv.ParseFloat(string(f), 64)
	return v
}

func (f flexString) Int() int {
	v, _ := strconv.Atoi(string(f))
	return v
}

// Country is a region numbers can be rented in.
type Country struct {
	ID        flexString `json:"ID"`
	Name      string     `json:"name"`
	ShortName string     `json:"short_name"`
}

// ServiceInfo is a site the provider receives codes for.
type ServiceInfo struct {
	ID   flexString `json:"ID"`
	Name string     `json:"name"`
}

// Rental is a freshly purchased number.
type Rental struct {
	OrderID     string
	PhoneNumber string
	Cost        float64
	ExpiresIn   time.Duration
}

// SMSState is the provider's order state code.
type SMSState int

const (
	SMSPending   SMSState = 1
	SMSExpired   SMSState = 2
	SMSCompleted SMSState = 3
	SMSResent    SMSState = 4
	SMSRefunded  SMSState = 6
)

// SMSStatus is the polled state of an order.
type SMSStatus struct {
	State   SMSState
	SMS     string
	FullSMS string
}

// ActiveOrder is an order the provider still considers open.
type ActiveOrder struct {
	OrderID     string
	PhoneNumber string
	Code        string
	Service     string
	Status      string
	Expiry      time.Time
}

// Client talks to the provider's form-encoded HTTP API.
type Client struct {
	http    *resty.Client
	apiKey  string
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates a Client from the otp configuration.
func NewClient(cfg config.OTPConfig, logger *zap.Logger) *Client {
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 1
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(30*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)

	return &Client{
		http:    client,
		apiKey:  cfg.APIKey,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger.Named("otp_client"),
	}
}

// envelope is the error shape every endpoint may answer with.
type envelope struct {
	Success *flexString `json:"success"`
	Message string      `json:"message"`
}

func (c *Client) post(ctx context.Context, path string, form map[string]string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for the provider rate limit: %w", err)
	}
	data := map[string]string{"key": c.apiKey}
	for k, v := range form {
		data[k] = v
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(data).
		Post(path)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	body := resp.Body()

	if trimmed := strings.TrimSpace(string(body)); strings.HasPrefix(trimmed, "{") {
		var env envelope
		if err := json.Unmarshal(body, &env); err == nil && env.Success != nil && env.Success.Int() == 0 {
			return classify(&APIError{Status: resp.StatusCode(), Message: env.Message})
		}
	}
	if resp.IsError() {
		return classify(&APIError{Status: resp.StatusCode(), Message: strings.TrimSpace(string(body))})
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func classify(e *APIError) error {
	msg := strings.ToLower(e.Message)
	switch {
	case strings.Contains(msg, "no numbers"), strings.Contains(msg, "out of stock"):
		return fmt.Errorf("%w: %s", ErrNoNumbers, e.Message)
	case strings.Contains(msg, "insufficient"), strings.Contains(msg, "balance"):
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, e.Message)
	}
	return e
}

// Balance returns the remaining account credit.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	var out struct {
		Balance flexString `json:"balance"`
	}
	if err := c.post(ctx, "/request/balance", nil, &out); err != nil {
		return 0, err
	}
	return out.Balance.Float(), nil
}

// Countries lists the rentable regions.
func (c *Client) Countries(ctx context.Context) ([]Country, error) {
	var out []Country
	if err := c.post(ctx, "/country/retrieve_all", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Services lists the sites codes can be received for.
func (c *Client) Services(ctx context.Context) ([]ServiceInfo, error) {
	var out []ServiceInfo
	if err := c.post(ctx, "/service/retrieve_all", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Purchase rents a number in country for service.
func (c *Client) Purchase(ctx context.Context, country, service string) (Rental, error) {
	var out struct {
		Number    flexString `json:"number"`
		OrderID   flexString `json:"order_id"`
		Cost      flexString `json:"cost"`
		ExpiresIn flexString `json:"expires_in"`
	}
	if err := c.post(ctx, "/purchase/sms", map[string]string{"country": country, "service": service}, &out); err != nil {
		return Rental{}, err
	}
	if out.OrderID == "" || out.Number == "" {
		return Rental{}, &APIError{Message: "purchase response carried no order"}
	}
	r := Rental{
		OrderID:     out.OrderID.String(),
		PhoneNumber: out.Number.String(),
		Cost:        out.Cost.Float(),
		ExpiresIn:   time.Duration(out.ExpiresIn.Int()) * time.Second,
	}
	c.logger.Info("Rented number.", zap.String("order_id", r.OrderID), zap.String("country", country), zap.Float64("cost", r.Cost))
	return r, nil
}

// Status polls an order.
func (c *Client) Status(ctx context.Context, orderID string) (SMSStatus, error) {
	var out struct {
		Status  flexString `json:"status"`
		SMS     flexString `json:"sms"`
		FullSMS string     `json:"full_sms"`
	}
	if err := c.post(ctx, "/sms/check", map[string]string{"orderid": orderID}, &out); err != nil {
		return SMSStatus{}, err
	}
	return SMSStatus{State: SMSState(out.Status.Int()), SMS: out.SMS.String(), FullSMS: out.FullSMS}, nil
}

// Cancel releases an order that has not received a code.
func (c *Client) Cancel(ctx context.Context, orderID string) error {
	return c.post(ctx, "/sms/cancel", map[string]string{"orderid": orderID}, nil)
}

// ActiveOrders lists the orders still open on the provider.
func (c *Client) ActiveOrders(ctx context.Context) ([]ActiveOrder, error) {
	var raw []struct {
		OrderCode   flexString `json:"order_code"`
		PhoneNumber flexString `json:"phonenumber"`
		Code        flexString `json:"code"`
		Service     string     `json:"service"`
		Status      string     `json:"status"`
		Expiry      flexString `json:"expiry"`
	}
	if err := c.post(ctx, "/request/active", nil, &raw); err != nil {
		return nil, err
	}
	out := make([]ActiveOrder, 0, len(raw))
	for _, r := range raw {
		o := ActiveOrder{
			OrderID:     r.OrderCode.String(),
			PhoneNumber: r.PhoneNumber.String(),
			Code:        r.Code.String(),
			Service:     r.Service,
			Status:      r.Status,
		}
		if ts := r.Expiry.Int(); ts > 0 {
			o.Expiry = time.Unix(int64(ts), 0)
		}
		out = append(out, o)
	}
	return out, nil
}
