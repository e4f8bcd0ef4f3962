package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/dukerupert/resellr/internal/model"
)

const defaultAPIURL = "https://api.postmarkapp.com/email"

// Client sends transactional mail through the Postmark API.
type Client struct {
	serverToken string
	fromEmail   string
	baseURL     string
	apiURL      string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithAPIURL points the client at a different Postmark endpoint.
func WithAPIURL(u string) Option {
	return func(cl *Client) {
		cl.apiURL = u
	}
}

func NewClient(serverToken, fromEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		baseURL:     baseURL,
		apiURL:      defaultAPIURL,
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
	Tag      string `json:"Tag,omitempty"`
}

// SendCredentials delivers the sign-in credential of a newly created account.
func (c *Client) SendCredentials(ctx context.Context, toEmail, name string, role model.Role, credential string) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}

	var subject, intro string
	switch role {
	case model.RolePartnerReseller:
		subject = "Your partner reseller account is ready"
		intro = "A partner reseller account has been opened for you."
	case model.RoleMasterReseller:
		subject = "Your reseller account is ready"
		intro = "A master reseller account has been opened for you."
	default:
		subject = "Your access is ready"
		intro = "Your access to the catalog has been activated."
	}
	if name == "" {
		name = toEmail
	}

	textBody := fmt.Sprintf(
		"Hello %s,\n\n%s\n\nSign in at %s with:\n\nEmail: %s\nPassword: %s\n\nPlease change your password after signing in.",
		name, intro, c.baseURL, toEmail, credential,
	)
	htmlBody := fmt.Sprintf(
		`<p>Hello %s,</p><p>%s</p><p>Sign in at <a href="%s">%s</a> with:</p><p>Email: <strong>%s</strong><br>Password: <strong>%s</strong></p><p>Please change your password after signing in.</p>`,
		name, intro, c.baseURL, c.baseURL, toEmail, credential,
	)

	return c.send(ctx, postmarkEmail{
		From:     c.fromEmail,
		To:       toEmail,
		Subject:  subject,
		HtmlBody: htmlBody,
		TextBody: textBody,
		Tag:      "credentials",
	})
}

func (c *Client) send(ctx context.Context, payload postmarkEmail) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
