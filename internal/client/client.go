// Package client is a Go client for the resellr HTTP API, used by reseller
// integrations and the resellr CLI. Failed calls return *apperr.Error values
// that compare equal to the server's sentinels with errors.Is.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/resellr/internal/apperr"
	"github.com/dukerupert/resellr/internal/model"
)

type Config struct {
	BaseURL string
	Token   string
	// MaxRetries bounds retries of 503 responses. Activation is idempotent
	// per (license, email) so retrying it is safe.
	MaxRetries uint64
	RetryDelay time.Duration
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func NewClient(cfg Config, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type ActivateRequest struct {
	LicenseKey   string `json:"licenseKey"`
	EndUserEmail string `json:"endUserEmail"`
	EndUserName  string `json:"endUserName,omitempty"`
	EndUserPhone string `json:"endUserPhone,omitempty"`
}

type Activation struct {
	License    model.License `json:"license"`
	EndUser    model.Account `json:"endUserAccount"`
	Credential string        `json:"credential,omitempty"`
	Replayed   bool          `json:"replayed"`
}

// Activate takes a seat of licenseKey for an end user.
func (c *Client) Activate(ctx context.Context, req ActivateRequest) (*Activation, error) {
	var out Activation
	if err := c.do(ctx, http.MethodPost, "/api/licenses/activate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type Partner struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type Redemption struct {
	Account model.Account `json:"account"`
	License model.License `json:"license"`
}

// RedeemForNewReseller opens a partner under masterID using a single-seat
// license.
func (c *Client) RedeemForNewReseller(ctx context.Context, licenseKey string, masterID int64, p Partner) (*Redemption, error) {
	body := struct {
		LicenseKey      string  `json:"licenseKey"`
		MasterAccountID int64   `json:"masterAccountId"`
		Partner         Partner `json:"partner"`
	}{licenseKey, masterID, p}

	var out Redemption
	if err := c.do(ctx, http.MethodPost, "/api/licenses/redeem-for-new-reseller", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// License fetches a license by key.
func (c *Client) License(ctx context.Context, key string) (*model.License, error) {
	var out struct {
		License model.License `json:"license"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/licenses/"+url.PathEscape(key), nil, &out); err != nil {
		return nil, err
	}
	return &out.License, nil
}

// Licenses lists licenses of owner, optionally filtered by status. An owner
// of zero means the caller.
func (c *Client) Licenses(ctx context.Context, owner int64, status model.LicenseStatus) ([]model.License, error) {
	q := url.Values{}
	if owner != 0 {
		q.Set("owner", strconv.FormatInt(owner, 10))
	}
	if status != "" {
		q.Set("status", string(status))
	}
	path := "/api/licenses"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Licenses []model.License `json:"licenses"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Licenses, nil
}

// RequestReplenishment asks for quantity more licenses; zero requests the
// default amount.
func (c *Client) RequestReplenishment(ctx context.Context, quantity int) (*model.ReplenishmentRequest, error) {
	var out struct {
		Request model.ReplenishmentRequest `json:"request"`
	}
	body := map[string]int{"quantity": quantity}
	if err := c.do(ctx, http.MethodPost, "/api/replenishment-requests", body, &out); err != nil {
		return nil, err
	}
	return &out.Request, nil
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	backoff := retry.WithMaxRetries(c.cfg.MaxRetries, retry.NewExponential(c.cfg.RetryDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.once(ctx, method, path, payload, out)
		if apperr.KindOf(err) == apperr.KindTransient {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var env errorEnvelope
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &env); err != nil || env.Error.Code == "" {
		return &apperr.Error{
			Kind:    kindForStatus(resp.StatusCode),
			Code:    "HTTP_" + strconv.Itoa(resp.StatusCode),
			Message: fmt.Sprintf("server returned %d", resp.StatusCode),
		}
	}
	kind := kindForStatus(resp.StatusCode)
	if env.Error.Code == apperr.ErrCapacityExhausted.Code {
		kind = apperr.KindCapacityExhausted
	}
	return &apperr.Error{Kind: kind, Code: env.Error.Code, Message: env.Error.Message}
}

func kindForStatus(status int) apperr.Kind {
	switch status {
	case http.StatusNotFound:
		return apperr.KindNotFound
	case http.StatusConflict:
		return apperr.KindConflict
	case http.StatusUnprocessableEntity:
		return apperr.KindInvalidHierarchy
	case http.StatusForbidden, http.StatusUnauthorized:
		return apperr.KindForbidden
	case http.StatusServiceUnavailable:
		return apperr.KindTransient
	case http.StatusBadRequest:
		return apperr.KindInvalidInput
	}
	return apperr.KindUnknown
}
