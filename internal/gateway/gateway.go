// Package gateway is the single chokepoint between the SDK and the loyalty
// backend. Every request passes through it: the fingerprint header is
// attached unconditionally, session credentials are added when present, and
// authentication failures are resolved here (via the refresh coordinator)
// rather than at individual call sites.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"loyalty-sdk/internal/model"
	"loyalty-sdk/internal/transport"
)

const (
	// FingerprintHeader correlates anonymous activity across all endpoints,
	// including ones that don't explicitly require it.
	FingerprintHeader = "X-Device-Fingerprint"

	// MinClientVersionHeader is set by the backend on every response to
	// advertise the oldest client version it still serves.
	MinClientVersionHeader = "X-Min-Client-Version"

	// ClientVersion is the SDK version reported for the version gate.
	ClientVersion = "1.4.0"

	userAgent = "LoyaltySDK/" + ClientVersion
)

// TokenSource provides the current session credentials. Implemented by the
// identity store; nil tokens mean the actor is anonymous.
type TokenSource interface {
	AccessToken() string
}

// Request describes one backend call. The body is marshaled once and kept
// as bytes so the request can be replayed after a credential refresh.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any

	// Header carries extra request headers (e.g. the renewal credential on
	// the refresh call).
	Header http.Header

	// NoAuthRetry excludes this request from refresh handling. Set on the
	// refresh call itself so it can never trigger recursive refreshes.
	NoAuthRetry bool
}

// Options configures the gateway client.
type Options struct {
	BaseURL string
	// Fingerprint returns the visitor fingerprint, or "" when unavailable.
	Fingerprint func(ctx context.Context) string
	Tokens      TokenSource
	// OnAuthFailure is invoked on terminal auth failures (failed refresh or
	// identity-gone) with the location the failing request was targeting.
	OnAuthFailure func(ctx context.Context, returnTo string)
	Logger        *slog.Logger
	// BrowserTLS routes traffic through the browser-fingerprint transport.
	BrowserTLS bool
	Timeout    time.Duration
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Client is the HTTP gateway.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	fingerprint   func(ctx context.Context) string
	tokens        TokenSource
	onAuthFailure func(ctx context.Context, returnTo string)
	coordinator   *Coordinator
	logger        *slog.Logger

	mu         sync.Mutex
	minVersion string
}

// New creates a gateway client. Install the refresh call afterwards with
// SetRefreshFunc once the endpoint client exists.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
		if opts.BrowserTLS {
			httpClient.Transport = transport.NewBrowserTransport(timeout)
		}
	}

	return &Client{
		baseURL:       strings.TrimSuffix(opts.BaseURL, "/"),
		httpClient:    httpClient,
		fingerprint:   opts.Fingerprint,
		tokens:        opts.Tokens,
		onAuthFailure: opts.OnAuthFailure,
		coordinator:   NewCoordinator(nil, logger),
		logger:        logger,
	}
}

// SetRefreshFunc installs the credential refresh call on the coordinator.
func (c *Client) SetRefreshFunc(refresh RefreshFunc) {
	c.coordinator.SetRefreshFunc(refresh)
}

// MinVersion returns the backend's advertised minimum client version, if
// any response has carried one yet.
func (c *Client) MinVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minVersion
}

// Do executes the request, decoding a successful JSON response into out.
//
// Authentication-expired failures are resolved transparently: the first
// failing request triggers exactly one refresh, concurrent failures queue
// on it, and each request is replayed exactly once after the refresh
// succeeds. A replayed request that fails authentication again is surfaced,
// never re-queued. Identity-gone failures bypass refresh entirely.
func (c *Client) Do(ctx context.Context, req *Request, out any) error {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
	}

	err := c.send(ctx, req, body, out)
	if err == nil || req.NoAuthRetry {
		return err
	}

	switch {
	case model.IsAuthInvalid(err):
		// No refresh can repair a deleted account.
		c.authFailure(ctx, req.Path)
		return &model.AuthRequiredError{ReturnTo: req.Path, Err: err}

	case model.IsAuthExpired(err):
		if rerr := c.coordinator.Resolve(ctx); rerr != nil {
			// A caller abandoning the wait (navigation, timeout) is not a
			// refresh failure: the shared refresh may still succeed for the
			// other queued requests, so the identity must survive.
			if errors.Is(rerr, context.Canceled) || errors.Is(rerr, context.DeadlineExceeded) {
				return rerr
			}
			c.authFailure(ctx, req.Path)
			return &model.AuthRequiredError{ReturnTo: req.Path, Err: rerr}
		}
		// Single replay; a second expiry is surfaced as-is.
		return c.send(ctx, req, body, out)

	default:
		return err
	}
}

func (c *Client) authFailure(ctx context.Context, returnTo string) {
	if c.onAuthFailure != nil {
		c.onAuthFailure(ctx, returnTo)
	}
}

// send performs one HTTP round trip with headers attached.
func (c *Client) send(ctx context.Context, req *Request, body []byte, out any) error {
	u := c.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	if c.fingerprint != nil {
		if fp := c.fingerprint(ctx); fp != "" {
			httpReq.Header.Set(FingerprintHeader, fp)
		}
	}
	if c.tokens != nil {
		if access := c.tokens.AccessToken(); access != "" {
			httpReq.Header.Set("Authorization", "Bearer "+access)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return model.NewUpstreamError("loyalty backend", err)
	}
	defer resp.Body.Close()

	c.recordMinVersion(resp.Header.Get(MinClientVersionHeader))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return c.parseError(resp.StatusCode, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
	}
	return nil
}

// recordMinVersion tracks the backend's version gate and logs once when this
// client falls below it.
func (c *Client) recordMinVersion(min string) {
	if min == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.minVersion == min {
		return
	}
	c.minVersion = min
	if semver.IsValid("v"+min) && semver.Compare("v"+ClientVersion, "v"+min) < 0 {
		c.logger.Warn("client version below backend minimum",
			slog.String("client", ClientVersion), slog.String("minimum", min))
	}
}

// parseError converts backend error payloads to the error taxonomy.
func (c *Client) parseError(statusCode int, body []byte) error {
	var apiErr model.APIError
	json.Unmarshal(body, &apiErr) // Best effort parse

	switch statusCode {
	case 401:
		if apiErr.Code == model.CodeTokenExpired {
			return model.NewAuthExpiredError()
		}
		// USER_NOT_FOUND, TOKEN_INVALID: identity is gone or forged.
		msg := apiErr.Message
		if msg == "" {
			msg = "credentials rejected"
		}
		return model.NewAuthInvalidError(msg)
	case 400:
		msg := apiErr.Message
		if msg == "" {
			msg = "invalid request"
		}
		return model.NewValidationError("request", msg)
	case 404:
		return model.NewNotFoundError("resource")
	case 426:
		return model.NewClientOutdatedError(c.MinVersion())
	case 429:
		return model.NewRateLimitError("loyalty backend")
	default:
		return model.NewUpstreamError("loyalty backend",
			fmt.Errorf("status %d: %s", statusCode, apiErr.Message))
	}
}
