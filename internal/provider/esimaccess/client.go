// Package esimaccess implements the provider contract against the eSIM Access
// open API. Orders are allocated asynchronously: creating an order returns an
// order number and the profile is fetched later by query or announced by a
// callback.
package esimaccess

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rookgm/esimhub/internal/models"
	"github.com/rookgm/esimhub/internal/provider"
)

// Slug is the registry identifier of the integration.
const Slug models.ProviderSlug = "esimaccess"

const (
	defaultBaseURL = "https://api.esimaccess.com/api/v1/open"
	// 8 requests per second
	minInterval = 125 * time.Millisecond
)

// Capabilities of the eSIM Access integration.
var Capabilities = provider.Capabilities{
	Refunds:      false,
	Cancellation: true,
	TopUps:       true,
	MinInterval:  minInterval,
}

// Client is the eSIM Access adapter.
type Client struct {
	client     *http.Client
	baseURL    string
	accessCode string
	secretKey  string
	limiter    *provider.Limiter
	now        func() time.Time
	requestID  func() string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithMinInterval overrides the minimum interval between requests.
func WithMinInterval(d time.Duration) Option {
	return func(cl *Client) { cl.limiter = provider.NewLimiter(d) }
}

// NewClient creates new eSIM Access client
func NewClient(baseURL, accessCode, secretKey string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:    strings.TrimRight(baseURL, "/"),
		accessCode: accessCode,
		secretKey:  secretKey,
		limiter:    provider.NewLimiter(minInterval),
		now:        time.Now,
		requestID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// New is the registry factory.
func New(p models.Provider, creds provider.Credentials) (provider.Service, error) {
	if err := creds.Require("access_code", "secret_key"); err != nil {
		return nil, err
	}
	return NewClient(p.BaseURL, creds.Get("access_code"), creds.Get("secret_key")), nil
}

// Slug implements provider.Service.
func (c *Client) Slug() models.ProviderSlug {
	return Slug
}

type envelope struct {
	Success   bool            `json:"success"`
	ErrorCode string          `json:"errorCode"`
	ErrorMsg  string          `json:"errorMsg"`
	Obj       json.RawMessage `json:"obj"`
}

// apiError is a business rejection: HTTP 200 with success false.
type apiError struct {
	code    string
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("esimaccess: %s: %s", e.code, e.message)
}

// sign computes the request signature:
// hex(HMAC-SHA256(secret, timestamp + requestID + accessCode + body)).
func sign(secret, timestamp, requestID, accessCode string, body []byte) string {
	msg := make([]byte, 0, len(timestamp)+len(requestID)+len(accessCode)+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, requestID...)
	msg = append(msg, accessCode...)
	msg = append(msg, body...)
	return provider.SignHMAC(sha256.New, msg, secret)
}

// call posts a signed JSON request and decodes the obj field into out.
func (c *Client) call(ctx context.Context, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return &provider.ConfigError{Slug: Slug, Reason: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}

	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	rid := c.requestID()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("RT-AccessCode", c.accessCode)
	req.Header.Set("RT-RequestID", rid)
	req.Header.Set("RT-Timestamp", ts)
	req.Header.Set("RT-Signature", sign(c.secretKey, ts, rid, c.accessCode, body))

	resp, err := c.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return provider.TransportError("esimaccess "+path, err)
	}
	if err := provider.CheckResponse("esimaccess "+path, resp); err != nil {
		return err
	}

	env := envelope{}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &provider.TransientError{Op: "esimaccess " + path, StatusCode: resp.StatusCode, Err: err}
	}
	if !env.Success {
		return &apiError{code: env.ErrorCode, message: env.ErrorMsg}
	}
	if out == nil || len(env.Obj) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Obj, out); err != nil {
		return &provider.TransientError{Op: "esimaccess " + path, StatusCode: resp.StatusCode, Err: err}
	}
	return nil
}
