package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/breeze-rmm/sessionguard/internal/httputil"
)

// Reasons the authority reports for an invalid session.
const (
	ReasonSessionNotFound    = "session_not_found"
	ReasonSessionExpired     = "session_expired"
	ReasonIPCountryChanged   = "ip_country_changed"
	ReasonNewLogin           = "new_login"
	ReasonAuthSessionExpired = "auth_session_expired"
	ReasonNoToken            = "no_token"
)

// BearerFunc returns the identity access token to present to the authority.
// ok is false when there is no local credential.
type BearerFunc func() (token string, ok bool)

// Client talks to the session authority. Every operation is a single
// request with no client-side retry.
type Client struct {
	baseURL    string
	userAgent  string
	bearer     BearerFunc
	httpClient *http.Client
}

type Option func(*Client)

// WithTLSConfig presents a client certificate to the authority.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) {
		if cfg == nil {
			return
		}
		c.httpClient.Transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSClientConfig:     cfg,
			TLSHandshakeTimeout: 10 * time.Second,
			IdleConnTimeout:     90 * time.Second,
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func NewClient(baseURL, userAgent string, timeout time.Duration, bearer BearerFunc, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		bearer:    bearer,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type DeviceInfo struct {
	Platform     string `json:"platform"`
	OS           string `json:"os"`
	OSVersion    string `json:"osVersion,omitempty"`
	Architecture string `json:"architecture"`
	Hostname     string `json:"hostname,omitempty"`
	Language     string `json:"language,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	ScreenWidth  int    `json:"screenWidth,omitempty"`
	ScreenHeight int    `json:"screenHeight,omitempty"`
	TouchCapable bool   `json:"touchCapable"`
	InstallID    string `json:"installId"`
}

type RegisterRequest struct {
	DeviceInfo DeviceInfo `json:"deviceInfo"`
	UserAgent  string     `json:"userAgent"`
}

type RegisterResponse struct {
	SessionToken            string `json:"sessionToken"`
	InvalidatedSessionCount int    `json:"invalidatedSessionCount"`
}

type tokenRequest struct {
	SessionToken string `json:"sessionToken"`
}

type HeartbeatResponse struct {
	Success bool   `json:"success"`
	Valid   *bool  `json:"valid,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Alive reports whether the authority still considers the session live.
func (r *HeartbeatResponse) Alive() bool {
	if !r.Success {
		return false
	}
	return r.Valid == nil || *r.Valid
}

type ValidateResponse struct {
	Valid           bool   `json:"valid"`
	Reason          string `json:"reason,omitempty"`
	OriginalCountry string `json:"originalCountry,omitempty"`
	CurrentCountry  string `json:"currentCountry,omitempty"`
}

// rejection is the body the authority sends alongside 403/404/410.
type rejection struct {
	Error           string `json:"error"`
	Reason          string `json:"reason"`
	OriginalCountry string `json:"originalCountry"`
	CurrentCountry  string `json:"currentCountry"`
}

// Register opens a new session for the current principal.
func (c *Client) Register(ctx context.Context, device DeviceInfo) (*RegisterResponse, error) {
	var out RegisterResponse
	if err := c.call(ctx, "register", "/sessions/register", RegisterRequest{
		DeviceInfo: device,
		UserAgent:  c.userAgent,
	}, &out); err != nil {
		return nil, err
	}
	if out.SessionToken == "" {
		return nil, transient("register", "response carried no session token")
	}
	if out.InvalidatedSessionCount < 0 {
		out.InvalidatedSessionCount = 0
	}
	return &out, nil
}

// Heartbeat proves liveness. A 200 with success:false is returned as a
// response, not an error; callers check Alive.
func (c *Client) Heartbeat(ctx context.Context, token string) (*HeartbeatResponse, error) {
	var out HeartbeatResponse
	if err := c.call(ctx, "heartbeat", "/sessions/heartbeat", tokenRequest{SessionToken: token}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate asks the authority whether the session is still valid.
func (c *Client) Validate(ctx context.Context, token string) (*ValidateResponse, error) {
	var out ValidateResponse
	if err := c.call(ctx, "validate", "/sessions/validate", tokenRequest{SessionToken: token}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Invalidate tells the authority the session is over. Callers treat any
// error as best-effort.
func (c *Client) Invalidate(ctx context.Context, token string) error {
	return c.call(ctx, "invalidate", "/sessions/invalidate", tokenRequest{SessionToken: token}, nil)
}

func (c *Client) call(ctx context.Context, op, path string, payload, out any) error {
	headers := http.Header{}
	if c.bearer != nil {
		bearer, ok := c.bearer()
		if !ok || bearer == "" {
			return fmt.Errorf("api: %s: %w", op, ErrAuthExpired)
		}
		headers.Set("Authorization", "Bearer "+bearer)
	}
	if c.userAgent != "" {
		headers.Set("User-Agent", c.userAgent)
	}

	res, err := httputil.DoJSON(ctx, c.httpClient, http.MethodPost, c.baseURL+path, payload, headers)
	if err != nil {
		var netErr *httputil.NetworkError
		if errors.As(err, &netErr) {
			return &transientError{op: op, cause: err}
		}
		return transient(op, "%v", err)
	}

	switch {
	case res.OK():
		if out == nil {
			return nil
		}
		if err := res.Decode(out); err != nil {
			return transient(op, "decode response: %v", err)
		}
		return nil
	case res.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("api: %s: %w", op, ErrAuthExpired)
	case res.StatusCode == http.StatusForbidden,
		res.StatusCode == http.StatusNotFound,
		res.StatusCode == http.StatusGone:
		var body rejection
		_ = res.Decode(&body)
		reason := body.Reason
		if reason == "" {
			reason = body.Error
		}
		if reason == "" {
			reason = ReasonSessionNotFound
		}
		return &RejectedError{
			Op:              op,
			StatusCode:      res.StatusCode,
			Reason:          reason,
			OriginalCountry: body.OriginalCountry,
			CurrentCountry:  body.CurrentCountry,
		}
	case httputil.IsServerStatus(res.StatusCode):
		return transient(op, "server status %d", res.StatusCode)
	default:
		return transient(op, "unexpected status %d: %s", res.StatusCode, truncate(string(res.Body), 200))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
