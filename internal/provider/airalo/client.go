// Package airalo implements the provider contract against the Airalo Partner API.
package airalo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rookgm/esimhub/internal/models"
	"github.com/rookgm/esimhub/internal/provider"
)

// Slug is the registry identifier of the integration.
const Slug models.ProviderSlug = "airalo"

const (
	defaultBaseURL = "https://partners-api.airalo.com"
	// published limit is 10 requests per second per partner
	minInterval = 100 * time.Millisecond
	// refresh the token this long before it expires
	tokenLeeway = time.Minute
)

// Capabilities of the Airalo integration.
var Capabilities = provider.Capabilities{
	Refunds:      true,
	Cancellation: false,
	TopUps:       true,
	MinInterval:  minInterval,
}

// Client is the Airalo adapter. It authenticates with an OAuth client
// credentials token, cached until shortly before it expires.
type Client struct {
	client       *http.Client
	baseURL      string
	clientID     string
	clientSecret string
	limiter      *provider.Limiter
	now          func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
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

// NewClient creates new Airalo client
func NewClient(baseURL, clientID, clientSecret string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &Client{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		limiter:      provider.NewLimiter(minInterval),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// New is the registry factory.
func New(p models.Provider, creds provider.Credentials) (provider.Service, error) {
	if err := creds.Require("client_id", "client_secret"); err != nil {
		return nil, err
	}
	return NewClient(p.BaseURL, creds.Get("client_id"), creds.Get("client_secret")), nil
}

// Slug implements provider.Service.
func (c *Client) Slug() models.ProviderSlug {
	return Slug
}

type envelope struct {
	Data json.RawMessage `json:"data"`
	Meta struct {
		Message  string `json:"message"`
		LastPage int    `json:"last_page"`
	} `json:"meta"`
}

// apiError is a business rejection reported in the response body.
type apiError struct {
	status  int
	message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("airalo: status %d: %s", e.status, e.message)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// accessToken returns a cached token or requests a new one.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("grant_type", "client_credentials")

	var tok tokenResponse
	if err := c.send(ctx, http.MethodPost, "/v2/token", "", form, &tok); err != nil {
		return "", fmt.Errorf("airalo token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", &provider.TransientError{Op: "airalo token", Err: fmt.Errorf("empty access token")}
	}

	c.token = tok.AccessToken
	ttl := time.Duration(tok.ExpiresIn) * time.Second
	// short lived tokens keep at least half their lifetime
	leeway := min(tokenLeeway, ttl/2)
	c.tokenExpiry = c.now().Add(ttl - leeway)
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// do performs an authenticated request and decodes the data envelope into out.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	err = c.send(ctx, method, path, token, form, out)
	if se, ok := err.(*provider.StatusError); ok && se.StatusCode == http.StatusUnauthorized {
		c.invalidateToken()
	}
	return err
}

// send passes the rate limiter and performs one request.
// 200 — data envelope is decoded into out;
// 422 — business rejection, apiError with meta message;
// 429, 5xx — provider.TransientError;
// other — provider.StatusError.
func (c *Client) send(ctx context.Context, method, path, token string, form url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return &provider.ConfigError{Slug: Slug, Reason: err.Error()}
	}

	var req *http.Request
	switch method {
	case http.MethodGet:
		if len(form) > 0 {
			u += "?" + form.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, u, strings.NewReader(form.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return provider.TransportError("airalo "+path, err)
	}

	if resp.StatusCode == http.StatusUnprocessableEntity {
		env := envelope{}
		_ = json.NewDecoder(resp.Body).Decode(&env)
		msg := env.Meta.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &apiError{status: resp.StatusCode, message: msg}
	}
	if err := provider.CheckResponse("airalo "+path, resp); err != nil {
		return err
	}

	env := envelope{}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &provider.TransientError{Op: "airalo " + path, StatusCode: resp.StatusCode, Err: err}
	}
	if out == nil {
		return nil
	}
	if pager, ok := out.(*pagedData); ok {
		pager.lastPage = env.Meta.LastPage
		return json.Unmarshal(env.Data, &pager.items)
	}
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &provider.TransientError{Op: "airalo " + path, StatusCode: resp.StatusCode, Err: err}
	}
	return nil
}

// pagedData captures a list response together with its pagination meta.
type pagedData struct {
	items    []countryPackages
	lastPage int
}
