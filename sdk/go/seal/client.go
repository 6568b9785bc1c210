// Package seal provides a typed Go client for the Seal control-plane API.
// Zero external dependencies: net/http and encoding/json only.
//
// The API is internal-facing: a dashboard backend authenticates the end
// user itself and calls on the customer's behalf, so the client carries
// the internal bearer token and the resolved customer id.
package seal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// APIError is returned when the API responds with a problem+json document.
type APIError struct {
	Status int
	Title  string
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("seal api %d: %s: %s", e.Status, e.Title, e.Detail)
}

// Client is a typed client for one customer's view of the Seal API.
type Client struct {
	BaseURL    string
	Token      string
	CustomerID int64
	HTTPClient *http.Client
}

// New creates a client. Bind the customer with WithCustomer; calls that
// act on customer resources fail with 400 otherwise.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the internal bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

// WithCustomer binds every request to a customer.
func WithCustomer(id int64) Option {
	return func(c *Client) { c.CustomerID = id }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HTTPClient.Timeout = d }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		if raw, ok := body.(json.RawMessage); ok {
			reader = bytes.NewReader(raw)
		} else {
			b, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reader = bytes.NewReader(b)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.CustomerID > 0 {
		req.Header.Set("X-Customer-Id", strconv.FormatInt(c.CustomerID, 10))
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var problem struct {
			Title  string `json:"title"`
			Status int    `json:"status"`
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problem); err == nil && problem.Status != 0 {
			return &APIError{Status: problem.Status, Title: problem.Title, Detail: problem.Detail}
		}
		return &APIError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// ServiceStatus calls GET /api/services/{type}.
func (c *Client) ServiceStatus(ctx context.Context, serviceType string) (*ServiceStatus, error) {
	var out ServiceStatus
	if err := c.do(ctx, "GET", "/api/services/"+serviceType, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subscribe calls POST /api/services/{type}/subscribe and returns the
// created service with its first-month invoice.
func (c *Client) Subscribe(ctx context.Context, serviceType, tier string) (*SubscribeResult, error) {
	var out SubscribeResult
	err := c.do(ctx, "POST", "/api/services/"+serviceType+"/subscribe", map[string]string{"tier": tier}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// EnableService calls POST /api/services/{type}/enable.
func (c *Client) EnableService(ctx context.Context, serviceType string) (*Service, error) {
	return c.serviceCall(ctx, "POST", "/api/services/"+serviceType+"/enable", nil)
}

// DisableService calls POST /api/services/{type}/disable.
func (c *Client) DisableService(ctx context.Context, serviceType string) (*Service, error) {
	return c.serviceCall(ctx, "POST", "/api/services/"+serviceType+"/disable", nil)
}

// CancelService calls POST /api/services/{type}/cancel. Unpaid services
// delete immediately (Deleted true); paid ones get a scheduled boundary.
func (c *Client) CancelService(ctx context.Context, serviceType string) (*CancelResult, error) {
	var out CancelResult
	if err := c.do(ctx, "POST", "/api/services/"+serviceType+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UncancelService calls POST /api/services/{type}/uncancel.
func (c *Client) UncancelService(ctx context.Context, serviceType string) (*Service, error) {
	return c.serviceCall(ctx, "POST", "/api/services/"+serviceType+"/uncancel", nil)
}

// ChangeTier calls POST /api/services/{type}/tier. Upgrades charge the
// prorated delta immediately; downgrades are scheduled for the boundary.
func (c *Client) ChangeTier(ctx context.Context, serviceType, tier string) (*TierChange, error) {
	var out TierChange
	err := c.do(ctx, "POST", "/api/services/"+serviceType+"/tier", map[string]string{"tier": tier}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateGatewayConfig calls PUT /api/services/{type}/config with the raw
// config document. Unknown fields are preserved by the server.
func (c *Client) UpdateGatewayConfig(ctx context.Context, serviceType string, config json.RawMessage) (*Service, error) {
	return c.serviceCall(ctx, "PUT", "/api/services/"+serviceType+"/config", config)
}

// ListKeys calls GET /api/services/{type}/keys.
func (c *Client) ListKeys(ctx context.Context, serviceType string) ([]Key, error) {
	var out struct {
		Keys []Key `json:"keys"`
	}
	if err := c.do(ctx, "GET", "/api/services/"+serviceType+"/keys", nil, &out); err != nil {
		return nil, err
	}
	return out.Keys, nil
}

// CreateKey calls POST /api/services/{type}/keys.
func (c *Client) CreateKey(ctx context.Context, serviceType, publicKey string) (*Key, error) {
	var out Key
	err := c.do(ctx, "POST", "/api/services/"+serviceType+"/keys", map[string]string{"publicKey": publicKey}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteKey calls DELETE /api/keys/{id}.
func (c *Client) DeleteKey(ctx context.Context, keyID int64) error {
	return c.do(ctx, "DELETE", "/api/keys/"+strconv.FormatInt(keyID, 10), nil, nil)
}

// EnableKey calls POST /api/keys/{id}/enable.
func (c *Client) EnableKey(ctx context.Context, keyID int64) error {
	return c.do(ctx, "POST", "/api/keys/"+strconv.FormatInt(keyID, 10)+"/enable", nil, nil)
}

// DisableKey calls POST /api/keys/{id}/disable.
func (c *Client) DisableKey(ctx context.Context, keyID int64) error {
	return c.do(ctx, "POST", "/api/keys/"+strconv.FormatInt(keyID, 10)+"/disable", nil, nil)
}

// Deposit calls POST /api/wallet/deposit and returns the transaction
// digest.
func (c *Client) Deposit(ctx context.Context, amountUsdCents int64) (string, error) {
	return c.walletMove(ctx, "/api/wallet/deposit", amountUsdCents)
}

// Withdraw calls POST /api/wallet/withdraw.
func (c *Client) Withdraw(ctx context.Context, amountUsdCents int64) (string, error) {
	return c.walletMove(ctx, "/api/wallet/withdraw", amountUsdCents)
}

// SetSpendingLimit calls PUT /api/wallet/spending-limit. Zero removes the
// cap.
func (c *Client) SetSpendingLimit(ctx context.Context, limitUsdCents int64) error {
	return c.do(ctx, "PUT", "/api/wallet/spending-limit", map[string]int64{"limitUsdCents": limitUsdCents}, nil)
}

// ReconcilePayments calls POST /api/payments/reconcile, retrying the
// customer's parked invoices immediately.
func (c *Client) ReconcilePayments(ctx context.Context) (*ReconcileSummary, error) {
	var out ReconcileSummary
	if err := c.do(ctx, "POST", "/api/payments/reconcile", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health calls GET /api/health. It needs no customer binding.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, "GET", "/api/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) serviceCall(ctx context.Context, method, path string, body any) (*Service, error) {
	var out struct {
		Service Service `json:"service"`
	}
	if err := c.do(ctx, method, path, body, &out); err != nil {
		return nil, err
	}
	return &out.Service, nil
}

func (c *Client) walletMove(ctx context.Context, path string, amountUsdCents int64) (string, error) {
	var out struct {
		TxDigest string `json:"txDigest"`
	}
	err := c.do(ctx, "POST", path, map[string]int64{"amountUsdCents": amountUsdCents}, &out)
	if err != nil {
		return "", err
	}
	return out.TxDigest, nil
}
