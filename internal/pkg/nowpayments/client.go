package nowpayments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"syscall"
	"time"
)

const defaultTimeout = 15 * time.Second

var (
	// ErrTransient marks failures worth retrying: timeouts, network errors, 429 and 5xx.
	ErrTransient = errors.New("nowpayments transient error")
	// ErrNotFound is returned when the gateway does not know the payment.
	ErrNotFound = errors.New("nowpayments payment not found")
	// ErrRejected covers every other non-2xx answer (bad key, malformed id).
	ErrRejected = errors.New("nowpayments request rejected")
)

// PaymentIDPattern matches identifiers issued by the gateway. Anything else
// in the ledger belongs to another provider or is malformed.
const PaymentIDPattern = `^[0-9]{6,20}$`

var paymentIDRe = regexp.MustCompile(PaymentIDPattern)

// IsPaymentID reports whether id has the gateway's identifier syntax.
func IsPaymentID(id string) bool {
	return paymentIDRe.MatchString(id)
}

// PaymentStatus is the gateway's view of one payment.
// Optional amounts are nil when the gateway omits them.
type PaymentStatus struct {
	PaymentID       json.Number `json:"payment_id"`
	PaymentStatus   string      `json:"payment_status"`
	PayAddress      string      `json:"pay_address,omitempty"`
	PriceAmount     *float64    `json:"price_amount,omitempty"`
	PriceCurrency   string      `json:"price_currency,omitempty"`
	PayAmount       *float64    `json:"pay_amount,omitempty"`
	ActuallyPaid    *float64    `json:"actually_paid,omitempty"`
	PayCurrency     string      `json:"pay_currency,omitempty"`
	OrderID         string      `json:"order_id,omitempty"`
	OutcomeAmount   *float64    `json:"outcome_amount,omitempty"`
	OutcomeCurrency string      `json:"outcome_currency,omitempty"`
	PayinHash       string      `json:"payin_hash,omitempty"`
	UpdatedAt       string      `json:"updated_at,omitempty"`
}

// Client talks to the NOWPayments REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// GetPaymentStatus fetches the current state of a payment.
func (c *Client) GetPaymentStatus(ctx context.Context, paymentID string) (*PaymentStatus, error) {
	if !IsPaymentID(paymentID) {
		return nil, fmt.Errorf("%w: invalid payment id %q", ErrRejected, paymentID)
	}

	var status PaymentStatus
	if err := c.get(ctx, "/v1/payment/"+url.PathEscape(paymentID), &status); err != nil {
		return nil, err
	}
	if status.PaymentStatus == "" {
		return nil, fmt.Errorf("%w: empty payment_status for %s", ErrRejected, paymentID)
	}
	return &status, nil
}

// Ping checks the gateway's public status endpoint.
func (c *Client) Ping(ctx context.Context) error {
	var body struct {
		Message string `json:"message"`
	}
	if err := c.get(ctx, "/v1/status", &body); err != nil {
		return err
	}
	if !strings.EqualFold(body.Message, "ok") {
		return fmt.Errorf("%w: status message %q", ErrTransient, body.Message)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, dest interface{}) error {
	if c == nil || c.http == nil {
		return fmt.Errorf("nowpayments request error: client is nil")
	}
	if strings.TrimSpace(c.baseURL) == "" {
		return fmt.Errorf("nowpayments config error: base_url is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("nowpayments request error: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyRequestError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: status=%d body=%s", ErrNotFound, resp.StatusCode, string(body))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status=%d body=%s", ErrTransient, resp.StatusCode, string(body))
	default:
		return fmt.Errorf("%w: status=%d body=%s", ErrRejected, resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrRejected, err)
	}
	return nil
}

func classifyRequestError(ctx context.Context, err error) error {
	if isTimeoutError(ctx, err) {
		return fmt.Errorf("%w: timeout: %v", ErrTransient, err)
	}
	if isNetworkError(err) {
		return fmt.Errorf("%w: network error: %v", ErrTransient, err)
	}
	return fmt.Errorf("nowpayments request error: %w", err)
}

func isTimeoutError(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH)
}
