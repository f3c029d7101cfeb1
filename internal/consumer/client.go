// Package consumer is a SIF consumer client: it registers an environment
// and drives functional service jobs, signing every request.
package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sifworks.org/internal/auth"
	"sifworks.org/internal/environment"
)

// ErrNoSession is returned by calls that need an environment before
// CreateEnvironment has succeeded.
var ErrNoSession = errors.New("consumer: no environment session")

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Message    string
	Reference  string
}

func (e *APIError) Error() string {
	if e.Reference != "" {
		return fmt.Sprintf("provider returned %d (%s): %s", e.StatusCode, e.Reference, e.Message)
	}
	return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Message)
}

// Config identifies the consumer application.
type Config struct {
	ApplicationKey string
	SharedSecret   string
	SolutionID     string
	UserToken      string
	InstanceID     string
	ConsumerName   string
}

// Client talks to one provider. It is safe for concurrent use once the
// environment is registered.
type Client struct {
	base    *url.URL
	cfg     Config
	http    *http.Client
	tokens  auth.TokenService
	limiter *rate.Limiter

	mu      sync.RWMutex
	session string
	envID   string
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("consumer: http client is required")
		}
		c.http = hc
		return nil
	}
}

// WithTokenService selects the signing scheme. SIF_HMACSHA256 is the default.
func WithTokenService(ts auth.TokenService) Option {
	return func(c *Client) error {
		if ts == nil {
			return errors.New("consumer: token service is required")
		}
		c.tokens = ts
		return nil
	}
}

// WithRateLimit paces outgoing requests.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) error {
		if perSecond <= 0 || burst <= 0 {
			return errors.New("consumer: rate limit must be positive")
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		return nil
	}
}

// New builds a client for the provider at baseURL.
func New(baseURL string, cfg Config, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("consumer: invalid base url %q", baseURL)
	}
	if cfg.ApplicationKey == "" || cfg.SharedSecret == "" {
		return nil, errors.New("consumer: application key and shared secret are required")
	}
	c := &Client{
		base:   u,
		cfg:    cfg,
		http:   &http.Client{Timeout: 15 * time.Second},
		tokens: auth.NewHMACTokenService(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SessionToken returns the token of the registered environment.
func (c *Client) SessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

type request struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	accept      string
	headers     map[string]string
	initial     bool
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) do(ctx context.Context, rq request) (*response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	signAs := c.cfg.ApplicationKey
	if !rq.initial {
		signAs = c.SessionToken()
		if signAs == "" {
			return nil, ErrNoSession
		}
	}
	tok, err := c.tokens.Generate(signAs, c.cfg.SharedSecret)
	if err != nil {
		return nil, fmt.Errorf("consumer: sign request: %w", err)
	}

	u := *c.base
	u.Path = c.base.Path + rq.path
	u.RawQuery = rq.query.Encode()
	req, err := http.NewRequestWithContext(ctx, rq.method, u.String(), bytes.NewReader(rq.body))
	if err != nil {
		return nil, err
	}
	req.Header.Set(auth.HeaderAuthorization, tok.Token)
	req.Header.Set(auth.HeaderTimestamp, tok.Timestamp)
	if rq.contentType != "" {
		req.Header.Set("Content-Type", rq.contentType)
	}
	accept := rq.accept
	if accept == "" {
		accept = "application/json"
	}
	req.Header.Set("Accept", accept)
	for k, v := range rq.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

func (c *Client) doJSON(ctx context.Context, rq request, out any, okCodes ...int) (*response, error) {
	resp, err := c.do(ctx, rq)
	if err != nil {
		return nil, err
	}
	if !accepted(resp.status, okCodes) {
		return resp, decodeError(resp)
	}
	if out != nil && len(resp.body) > 0 {
		if err := json.Unmarshal(resp.body, out); err != nil {
			return resp, fmt.Errorf("consumer: decode response: %w", err)
		}
	}
	return resp, nil
}

func accepted(code int, ok []int) bool {
	for _, c := range ok {
		if code == c {
			return true
		}
	}
	return false
}

func decodeError(resp *response) error {
	apiErr := &APIError{StatusCode: resp.status}
	var payload struct {
		Error     string `json:"error"`
		Reference string `json:"reference"`
	}
	if err := json.Unmarshal(resp.body, &payload); err == nil && payload.Error != "" {
		apiErr.Message = payload.Error
		apiErr.Reference = payload.Reference
	} else {
		apiErr.Message = strings.TrimSpace(string(resp.body))
	}
	return apiErr
}

func jsonBody(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// CreateEnvironment registers the consumer. An environment that already
// exists for this identity is adopted.
func (c *Client) CreateEnvironment(ctx context.Context) (*environment.Environment, error) {
	body, err := jsonBody(map[string]string{
		"solution_id":   c.cfg.SolutionID,
		"user_token":    c.cfg.UserToken,
		"instance_id":   c.cfg.InstanceID,
		"consumer_name": c.cfg.ConsumerName,
	})
	if err != nil {
		return nil, err
	}
	var env environment.Environment
	if _, err := c.doJSON(ctx, request{
		method: http.MethodPost, path: "/api/environments/environment",
		body: body, contentType: "application/json", initial: true,
	}, &env, http.StatusCreated, http.StatusConflict); err != nil {
		return nil, err
	}
	if env.SessionToken == "" {
		return nil, errors.New("consumer: provider returned no session token")
	}
	c.mu.Lock()
	c.session = env.SessionToken
	c.envID = env.ID.String()
	c.mu.Unlock()
	return &env, nil
}

// Environment fetches the registered environment.
func (c *Client) Environment(ctx context.Context) (*environment.Environment, error) {
	var env environment.Environment
	if _, err := c.doJSON(ctx, request{method: http.MethodGet, path: "/api/environments/" + c.environmentID()}, &env, http.StatusOK); err != nil {
		return nil, err
	}
	return &env, nil
}

// DeleteEnvironment ends the session.
func (c *Client) DeleteEnvironment(ctx context.Context) error {
	if _, err := c.doJSON(ctx, request{method: http.MethodDelete, path: "/api/environments/" + c.environmentID()}, nil, http.StatusNoContent); err != nil {
		return err
	}
	c.mu.Lock()
	c.session, c.envID = "", ""
	c.mu.Unlock()
	return nil
}

func (c *Client) environmentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.envID
}
