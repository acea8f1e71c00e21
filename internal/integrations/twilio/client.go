// Package twilio is the carrier gateway: TwiML reply envelopes for the
// inbound webhook and REST sends for out-of-band notifications.
package twilio

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"sms-agent/internal/domain"
	"sms-agent/internal/integrations/paramstore"
)

const (
	defaultBaseURL = "https://api.twilio.com"
	defaultTimeout = 10 * time.Second
)

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Credentials is the JSON document stored under <prefix>/twilio.
type Credentials struct {
	AccountSID string `json:"account_sid"`
	AuthToken  string `json:"auth_token"`
	From       string `json:"from"`
}

// HTTPStatusError captures non-2xx responses from the Messages API.
type HTTPStatusError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("twilio: unexpected status %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type messageResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type twiml struct {
	XMLName  xml.Name `xml:"Response"`
	Messages []string `xml:"Message"`
}

// Client talks to the Twilio Messages API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	credsOnce sync.Once
	creds     Credentials
	credsErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client. Credentials are read from <paramPrefix>/twilio
// on first use.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("twilio: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("twilio: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) credentials(ctx context.Context) (Credentials, error) {
	c.credsOnce.Do(func() {
		var creds Credentials
		if err := paramstore.GetJSON(ctx, c.getter, c.paramPrefix+"/twilio", &creds); err != nil {
			c.credsErr = fmt.Errorf("twilio: fetch credentials: %w", err)
			return
		}
		if creds.AccountSID == "" || creds.AuthToken == "" {
			c.credsErr = errors.New("twilio: account_sid and auth_token are required")
			return
		}
		c.creds = creds
	})
	return c.creds, c.credsErr
}

// MediaCredentials returns the basic-auth pair for Twilio media URLs.
func (c *Client) MediaCredentials(ctx context.Context) (string, string, error) {
	creds, err := c.credentials(ctx)
	if err != nil {
		return "", "", err
	}
	return creds.AccountSID, creds.AuthToken, nil
}

// BuildReplyEnvelope wraps text in a TwiML messaging response.
func BuildReplyEnvelope(text string) ([]byte, error) {
	doc := twiml{}
	if strings.TrimSpace(text) != "" {
		doc.Messages = []string{text}
	}
	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("twilio: marshal twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// Send posts an outbound SMS through the Messages API.
func (c *Client) Send(ctx context.Context, to, text string) (domain.Receipt, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return domain.Receipt{}, errors.New("twilio: recipient must not be empty")
	}
	if strings.TrimSpace(text) == "" {
		return domain.Receipt{}, errors.New("twilio: body must not be empty")
	}
	creds, err := c.credentials(ctx)
	if err != nil {
		return domain.Receipt{}, err
	}
	if creds.From == "" {
		return domain.Receipt{}, errors.New("twilio: sender number is not configured")
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", creds.From)
	form.Set("Body", text)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, url.PathEscape(creds.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("twilio: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(creds.AccountSID, creds.AuthToken)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("twilio: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("twilio: read response body: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var apiErr errorResponse
		_ = json.Unmarshal(raw, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(raw)
		}
		return domain.Receipt{}, &HTTPStatusError{StatusCode: res.StatusCode, Code: apiErr.Code, Message: apiErr.Message}
	}

	var msg messageResponse
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.Receipt{}, fmt.Errorf("twilio: decode response: %w", err)
	}
	return domain.Receipt{ID: msg.SID, Status: msg.Status}, nil
}
